package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/botfleet-api/internal/types"
)

func TestGetVenueIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	v, err := GetVenue("Binance")
	require.NoError(t, err)
	assert.Equal(t, "binance", v.Name)
}

func TestGetVenueRejectsUnknownExchange(t *testing.T) {
	t.Parallel()

	_, err := GetVenue("mtgox")
	assert.Error(t, err)
}

func TestRoundTripCostCoversBothLegsPlusSlippage(t *testing.T) {
	t.Parallel()

	cases := []struct {
		venue    string
		expected float64
	}{
		{"binance", 25},
		{"coinbase", 58},
		{"kraken", 38},
		{"paper", 25},
	}
	for _, tc := range cases {
		v, err := GetVenue(tc.venue)
		require.NoError(t, err)
		assert.Equal(t, tc.expected, v.RoundTripCostBps(), "venue %s", tc.venue)
	}
}

func TestPaperExecutorFillsDeterministically(t *testing.T) {
	t.Parallel()
	e := NewPaperExecutor()

	result, err := e.PlaceOrder(context.Background(), ExecutionRequest{
		Exchange:  "paper",
		Symbol:    "BTC-USD",
		Side:      types.SideBuy,
		OrderType: "MARKET",
		Quantity:  decimal.NewFromInt(2),
		Price:     decimal.NewFromInt(10000),
	})
	require.NoError(t, err)

	// Buy slips upward by the 5 bps buffer
	assert.True(t, result.FillPrice.Equal(decimal.RequireFromString("10005")),
		"fill price = %s", result.FillPrice)
	assert.True(t, result.FillQuantity.Equal(decimal.NewFromInt(2)))
	// Fee is 10 bps of notional
	assert.True(t, result.Fee.Equal(decimal.RequireFromString("20.01")),
		"fee = %s", result.Fee)
}

func TestPaperExecutorSellSlipsDown(t *testing.T) {
	t.Parallel()
	e := NewPaperExecutor()

	result, err := e.PlaceOrder(context.Background(), ExecutionRequest{
		Exchange: "paper",
		Symbol:   "BTC-USD",
		Side:     types.SideSell,
		Quantity: decimal.NewFromInt(1),
		Price:    decimal.NewFromInt(10000),
	})
	require.NoError(t, err)
	assert.True(t, result.FillPrice.Equal(decimal.RequireFromString("9995")),
		"fill price = %s", result.FillPrice)
}

func TestPaperExecutorHonorsContextDeadline(t *testing.T) {
	t.Parallel()
	e := NewPaperExecutor()

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()

	// binance has a latency floor above the deadline
	_, err := e.PlaceOrder(ctx, ExecutionRequest{
		Exchange: "binance",
		Symbol:   "BTC-USD",
		Side:     types.SideBuy,
		Quantity: decimal.NewFromInt(1),
		Price:    decimal.NewFromInt(100),
	})
	assert.ErrorIs(t, err, types.ErrExecutionTimeout)
}

func TestPaperExecutorRejectsUnknownVenue(t *testing.T) {
	t.Parallel()
	e := NewPaperExecutor()

	_, err := e.PlaceOrder(context.Background(), ExecutionRequest{
		Exchange: "mtgox",
		Symbol:   "BTC-USD",
		Side:     types.SideBuy,
		Quantity: decimal.NewFromInt(1),
		Price:    decimal.NewFromInt(100),
	})
	assert.ErrorIs(t, err, types.ErrExecutionRejected)
}
