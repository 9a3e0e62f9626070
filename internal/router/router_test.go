package router_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ordersys/execution-engine/internal/domain"
	"github.com/ordersys/execution-engine/internal/router"
)

type fakeVenue struct {
	id         string
	quote      domain.Quote
	quoteErr   error
	quoteDelay time.Duration
	execResult domain.ExecutionResult
	execErr    error
}

func (v *fakeVenue) ID() string { return v.id }

func (v *fakeVenue) GetQuote(ctx context.Context, tokenIn, tokenOut string, amount decimal.Decimal) (domain.Quote, error) {
	if v.quoteDelay > 0 {
		select {
		case <-time.After(v.quoteDelay):
		case <-ctx.Done():
			return domain.Quote{}, ctx.Err()
		}
	}
	if v.quoteErr != nil {
		return domain.Quote{}, v.quoteErr
	}
	return v.quote, nil
}

func (v *fakeVenue) Execute(ctx context.Context, tokenIn, tokenOut string, amount, expectedPrice, slippage decimal.Decimal) (domain.ExecutionResult, error) {
	if v.execErr != nil {
		return domain.ExecutionResult{}, v.execErr
	}
	return v.execResult, nil
}

func TestRouter_GetQuotes_S1HappyPath(t *testing.T) {
	venueA := &fakeVenue{id: "A", quote: domain.Quote{VenueID: "A", Price: decimal.NewFromInt(100), Fee: decimal.NewFromFloat(0.003)}}
	venueB := &fakeVenue{id: "B", quote: domain.Quote{VenueID: "B", Price: decimal.NewFromFloat(100.5), Fee: decimal.NewFromFloat(0.002)}}

	r := router.New([]domain.Venue{venueA, venueB}, router.Config{})
	quotes, err := r.GetQuotes(context.Background(), "SOL", "USDC", decimal.NewFromInt(1))
	require.NoError(t, err)
	require.Len(t, quotes, 2)

	best, err := r.SelectBest(quotes)
	require.NoError(t, err)
	require.Equal(t, "B", best.VenueID)
}

func TestRouter_GetQuotes_OmitsFailingVenue(t *testing.T) {
	venueA := &fakeVenue{id: "A", quoteErr: errors.New("down")}
	venueB := &fakeVenue{id: "B", quote: domain.Quote{VenueID: "B", Price: decimal.NewFromInt(100)}}

	r := router.New([]domain.Venue{venueA, venueB}, router.Config{})
	quotes, err := r.GetQuotes(context.Background(), "SOL", "USDC", decimal.NewFromInt(1))
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	require.Contains(t, quotes, "B")
}

func TestRouter_GetQuotes_AllFailReturnsQuoteUnavailable(t *testing.T) {
	venueA := &fakeVenue{id: "A", quoteErr: errors.New("down")}

	r := router.New([]domain.Venue{venueA}, router.Config{})
	_, err := r.GetQuotes(context.Background(), "SOL", "USDC", decimal.NewFromInt(1))
	require.ErrorIs(t, err, domain.ErrQuoteUnavailable)
}

func TestRouter_GetQuotes_OmitsVenueExceedingDeadline(t *testing.T) {
	venueA := &fakeVenue{id: "A", quoteDelay: 50 * time.Millisecond}
	venueB := &fakeVenue{id: "B", quote: domain.Quote{VenueID: "B", Price: decimal.NewFromInt(100)}}

	r := router.New([]domain.Venue{venueA, venueB}, router.Config{QuoteDeadline: 10 * time.Millisecond})
	quotes, err := r.GetQuotes(context.Background(), "SOL", "USDC", decimal.NewFromInt(1))
	require.NoError(t, err)
	require.NotContains(t, quotes, "A")
}

func TestRouter_SelectBest_TieBreaksByLexicographicVenueID(t *testing.T) {
	r := router.New(nil, router.Config{})
	quotes := map[string]domain.Quote{
		"B": {VenueID: "B", Price: decimal.NewFromInt(100), Fee: decimal.Zero},
		"A": {VenueID: "A", Price: decimal.NewFromInt(100), Fee: decimal.Zero},
	}
	best, err := r.SelectBest(quotes)
	require.NoError(t, err)
	require.Equal(t, "A", best.VenueID)
}

func TestRouter_SelectBest_EmptyReturnsError(t *testing.T) {
	r := router.New(nil, router.Config{})
	_, err := r.SelectBest(map[string]domain.Quote{})
	require.ErrorIs(t, err, domain.ErrQuoteUnavailable)
}

func TestRouter_Execute_UnknownVenueErrors(t *testing.T) {
	r := router.New(nil, router.Config{})
	_, err := r.Execute(context.Background(), "ghost", "SOL", "USDC", decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.NewFromFloat(0.05))
	require.Error(t, err)
}

func TestRouter_Execute_Success(t *testing.T) {
	venueA := &fakeVenue{id: "A", execResult: domain.ExecutionResult{TxHash: "0xabc", ExecutedPrice: decimal.NewFromFloat(100.2)}}
	r := router.New([]domain.Venue{venueA}, router.Config{})

	res, err := r.Execute(context.Background(), "A", "SOL", "USDC", decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.NewFromFloat(0.05))
	require.NoError(t, err)
	require.Equal(t, "0xabc", res.TxHash)
}

func TestCheckSlippage_WithinBoundPasses(t *testing.T) {
	err := router.CheckSlippage(decimal.NewFromFloat(100.5), decimal.NewFromFloat(100.2), decimal.NewFromFloat(0.05))
	require.NoError(t, err)
}

func TestCheckSlippage_ExceedsBoundFails(t *testing.T) {
	err := router.CheckSlippage(decimal.NewFromInt(100), decimal.NewFromInt(95), decimal.NewFromFloat(0.001))
	require.ErrorIs(t, err, domain.ErrSlippageExceeded)
}
