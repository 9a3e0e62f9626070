// Package router fans a quote request out to every configured venue,
// selects the venue with the best net-of-fee price, executes against it,
// and validates the resulting fill against the caller's slippage bound.
// It never touches persistence or the event bus; callers (the worker)
// translate its typed errors into status transitions.
package router

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ordersys/execution-engine/internal/domain"
	"github.com/ordersys/execution-engine/internal/observability"
)

// Config bounds the router's per-call deadlines.
type Config struct {
	QuoteDeadline   time.Duration
	ExecuteDeadline time.Duration
}

// Router fans out to a fixed set of venues.
type Router struct {
	venues   map[string]domain.Venue
	breakers map[string]*observability.CircuitBreaker
	cfg      Config
}

// New constructs a Router over venues, one circuit breaker per venue.
func New(venues []domain.Venue, cfg Config) *Router {
	if cfg.QuoteDeadline <= 0 {
		cfg.QuoteDeadline = 5 * time.Second
	}
	if cfg.ExecuteDeadline <= 0 {
		cfg.ExecuteDeadline = 10 * time.Second
	}

	r := &Router{
		venues:   make(map[string]domain.Venue, len(venues)),
		breakers: make(map[string]*observability.CircuitBreaker, len(venues)),
		cfg:      cfg,
	}
	for _, v := range venues {
		r.venues[v.ID()] = v
		r.breakers[v.ID()] = observability.NewCircuitBreaker(5, 30*time.Second, 0.5)
	}
	return r
}

// GetQuotes invokes every venue concurrently under a hard wall-clock
// deadline. A venue that times out, errors, or has its circuit breaker
// open is simply omitted from the result; ErrQuoteUnavailable is returned
// only when no venue answered at all.
func (r *Router) GetQuotes(ctx context.Context, tokenIn, tokenOut string, amount decimal.Decimal) (map[string]domain.Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.QuoteDeadline)
	defer cancel()

	type result struct {
		quote domain.Quote
		err   error
		id    string
	}
	results := make(chan result, len(r.venues))

	var wg sync.WaitGroup
	for id, v := range r.venues {
		breaker := r.breakers[id]
		if !breaker.CanExecute() {
			continue
		}
		wg.Add(1)
		go func(id string, v domain.Venue, breaker *observability.CircuitBreaker) {
			defer wg.Done()
			quote, err := v.GetQuote(ctx, tokenIn, tokenOut, amount)
			if err != nil {
				breaker.RecordFailure()
				results <- result{id: id, err: err}
				return
			}
			breaker.RecordSuccess()
			results <- result{id: id, quote: quote}
		}(id, v, breaker)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	quotes := make(map[string]domain.Quote)
	for res := range results {
		if res.err != nil {
			continue
		}
		quotes[res.id] = res.quote
	}

	if len(quotes) == 0 {
		return nil, fmt.Errorf("op=router.GetQuotes: %w", domain.ErrQuoteUnavailable)
	}
	return quotes, nil
}

// SelectBest picks the quote with the highest net-of-fee price, breaking
// ties by lexicographically smallest venueId for determinism.
func (r *Router) SelectBest(quotes map[string]domain.Quote) (domain.Quote, error) {
	if len(quotes) == 0 {
		return domain.Quote{}, fmt.Errorf("op=router.SelectBest: %w", domain.ErrQuoteUnavailable)
	}

	ids := make([]string, 0, len(quotes))
	for id := range quotes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	best := quotes[ids[0]]
	bestNet := best.NetPrice()
	for _, id := range ids[1:] {
		q := quotes[id]
		if q.NetPrice().GreaterThan(bestNet) {
			best = q
			bestNet = q.NetPrice()
		}
	}
	return best, nil
}

// Execute invokes venueID's Execute under a hard wall-clock deadline.
func (r *Router) Execute(ctx context.Context, venueID, tokenIn, tokenOut string, amount, expectedPrice, slippage decimal.Decimal) (domain.ExecutionResult, error) {
	v, ok := r.venues[venueID]
	if !ok {
		return domain.ExecutionResult{}, fmt.Errorf("op=router.Execute venue=%s: unknown venue", venueID)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.ExecuteDeadline)
	defer cancel()

	breaker := r.breakers[venueID]
	res, err := v.Execute(ctx, tokenIn, tokenOut, amount, expectedPrice, slippage)
	if err != nil {
		breaker.RecordFailure()
		return domain.ExecutionResult{}, fmt.Errorf("op=router.Execute venue=%s: %w", venueID, err)
	}
	breaker.RecordSuccess()
	return res, nil
}

// CheckSlippage returns ErrSlippageExceeded when the relative deviation
// between expected and executed price exceeds maxSlippage.
func CheckSlippage(expectedPrice, executedPrice, maxSlippage decimal.Decimal) error {
	if expectedPrice.IsZero() {
		return fmt.Errorf("op=router.CheckSlippage: expected price is zero")
	}
	deviation := expectedPrice.Sub(executedPrice).Abs().Div(expectedPrice)
	if deviation.GreaterThan(maxSlippage) {
		return fmt.Errorf("op=router.CheckSlippage: deviation=%s max=%s: %w", deviation.String(), maxSlippage.String(), domain.ErrSlippageExceeded)
	}
	return nil
}
