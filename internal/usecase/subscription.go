package usecase

import (
	"fmt"
	"sync"
	"time"

	"github.com/ordersys/execution-engine/internal/domain"
)

// maxConnectionsPerOrderIP bounds concurrent subscriptions to the same
// (orderId, clientIP) pair, per spec §4.5's connection admission rule.
const maxConnectionsPerOrderIP = 3

// Backfill is the first message a subscriber receives: the order's
// current row, snapshotted before the live tail begins.
type Backfill struct {
	OrderID       string
	Status        domain.OrderStatus
	Logs          []domain.LogEntry
	TokenIn       string
	TokenOut      string
	AmountIn      string
	AmountOut     *string
	DexUsed       *string
	TxHash        *string
	FailureReason *string
	Timestamp     time.Time
}

// SubscriptionService backs the long-lived push channel: it snapshots an
// order, subscribes to its bus topic without losing messages delivered
// during that snapshot read, and enforces the per-(orderId, IP) cap.
type SubscriptionService struct {
	Orders domain.OrderRepository
	Bus    domain.EventBus

	mu     sync.Mutex
	counts map[string]int // key: orderID + "|" + clientIP
}

// NewSubscriptionService constructs a SubscriptionService.
func NewSubscriptionService(orders domain.OrderRepository, bus domain.EventBus) *SubscriptionService {
	return &SubscriptionService{Orders: orders, Bus: bus, counts: make(map[string]int)}
}

// Admit enforces the concurrent-connection cap for (orderID, clientIP).
// release must be called exactly once when the connection closes.
func (s *SubscriptionService) Admit(orderID, clientIP string) (release func(), err error) {
	key := orderID + "|" + clientIP
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[key] >= maxConnectionsPerOrderIP {
		return nil, fmt.Errorf("op=usecase.Admit order=%s ip=%s: %w", orderID, clientIP, domain.ErrTooManyConnections)
	}
	s.counts[key]++
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.counts[key]--
			if s.counts[key] <= 0 {
				delete(s.counts, key)
			}
		})
	}, nil
}

// Snapshot is everything a caller needs to drive a subscription
// connection: the backfill message, any messages the bus already
// delivered while the backfill row was being read (which must be
// replayed immediately after the backfill message, before the live
// tail), the live tail channel itself, and a cancel func releasing the
// bus subscription.
type Snapshot struct {
	Backfill Backfill
	Buffered []domain.BusMessage
	Tail     <-chan domain.BusMessage
	Cancel   func()
}

// Start subscribes to the order's bus topic *before* reading its row, so
// no message published during the row read can be missed, then drains
// whatever arrived during that read into Buffered — preserving the
// causal order backfill-then-buffered-then-tail required by step 2 of
// the subscription contract. For an order already in a terminal state,
// no subscription is created (missed-event policy: the caller sends
// backfill and closes after a brief linger).
func (s *SubscriptionService) Start(ctx domain.Context, orderID string, bufferSize int) (Snapshot, error) {
	raw, cancel := s.Bus.Subscribe(orderID, bufferSize)

	order, err := s.Orders.Get(ctx, orderID)
	if err != nil {
		cancel()
		return Snapshot{}, fmt.Errorf("op=usecase.Start order=%s: %w", orderID, err)
	}

	backfill := Backfill{
		OrderID:       order.ID,
		Status:        order.Status,
		Logs:          order.Logs,
		TokenIn:       order.TokenIn,
		TokenOut:      order.TokenOut,
		AmountIn:      order.AmountIn.String(),
		DexUsed:       order.DexUsed,
		TxHash:        order.TxHash,
		FailureReason: order.FailureReason,
		Timestamp:     time.Now(),
	}
	if order.AmountOut != nil {
		amt := order.AmountOut.String()
		backfill.AmountOut = &amt
	}

	if order.Status.Terminal() {
		cancel()
		return Snapshot{Backfill: backfill, Cancel: func() {}}, nil
	}

	var buffered []domain.BusMessage
	for {
		select {
		case msg := <-raw:
			buffered = append(buffered, msg)
			continue
		default:
		}
		break
	}

	return Snapshot{Backfill: backfill, Buffered: buffered, Tail: raw, Cancel: cancel}, nil
}
