package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/botfleet/botfleet-api/internal/types"
)

// ExecutionRequest is what the pipeline dispatches once every gate passed.
type ExecutionRequest struct {
	Exchange  string
	Symbol    string
	Side      string
	OrderType string
	Quantity  decimal.Decimal
	Price     decimal.Decimal
}

// ExecutionResult is the venue's confirmation of a fill.
type ExecutionResult struct {
	VenueOrderID string
	FillPrice    decimal.Decimal
	FillQuantity decimal.Decimal
	Fee          decimal.Decimal
}

// Executor is the external execution capability. Implementations must
// respect the context deadline and classify failures: ErrExecutionTimeout
// is retryable, ErrExecutionRejected is terminal.
type Executor interface {
	PlaceOrder(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// PaperExecutor simulates venue execution against the rate tables: latency
// in the venue's range, fills at the requested price plus slippage, fees at
// the venue rate. The "paper" venue is fully deterministic.
type PaperExecutor struct{}

func NewPaperExecutor() *PaperExecutor {
	return &PaperExecutor{}
}

func (e *PaperExecutor) PlaceOrder(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	logger := log.With().
		Str("component", "paper_executor").
		Str("exchange", req.Exchange).
		Str("symbol", req.Symbol).
		Str("side", req.Side).
		Logger()

	venue, err := GetVenue(req.Exchange)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrExecutionRejected, err)
	}

	if venue.MaxLatencyMs > 0 {
		latency := time.Duration(venue.MinLatencyMs+rand.Intn(venue.MaxLatencyMs-venue.MinLatencyMs+1)) * time.Millisecond
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			logger.Warn().Msg("execution timed out waiting for venue")
			return nil, types.ErrExecutionTimeout
		}
	}

	if venue.TimeoutRate > 0 && rand.Float64() < venue.TimeoutRate {
		logger.Warn().Msg("venue did not respond in time")
		return nil, types.ErrExecutionTimeout
	}
	if rand.Float64() > venue.SuccessRate {
		logger.Warn().Float64("success_rate", venue.SuccessRate).Msg("venue rejected order")
		return nil, fmt.Errorf("%w: venue %s refused order", types.ErrExecutionRejected, venue.Name)
	}

	// Fill at the requested price adjusted by the venue slippage buffer,
	// against the taker on both sides.
	slippage := decimal.NewFromFloat(venue.SlippageBps / 10000.0)
	fillPrice := req.Price
	if req.Side == types.SideBuy {
		fillPrice = fillPrice.Mul(decimal.NewFromInt(1).Add(slippage))
	} else {
		fillPrice = fillPrice.Mul(decimal.NewFromInt(1).Sub(slippage))
	}

	feeRate := decimal.NewFromFloat(venue.FeeBps / 10000.0)
	fee := fillPrice.Mul(req.Quantity).Mul(feeRate)

	result := &ExecutionResult{
		VenueOrderID: fmt.Sprintf("%s-%d", venue.Name, rand.Int63()),
		FillPrice:    fillPrice,
		FillQuantity: req.Quantity,
		Fee:          fee,
	}

	logger.Info().
		Str("venue_order_id", result.VenueOrderID).
		Str("fill_price", result.FillPrice.String()).
		Str("fill_quantity", result.FillQuantity.String()).
		Str("fee", result.Fee.String()).
		Msg("order executed on venue")

	return result, nil
}
