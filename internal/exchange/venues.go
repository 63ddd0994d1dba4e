package exchange

import (
	"fmt"
	"strings"
)

// Venue holds the per-exchange reference data the gates consume: round-trip
// cost figures for the fee-coverage gate and order-rate caps for the budget
// manager. Caps come from venue rate-limit documentation; the core divides
// them fairly, it never derives them.
type Venue struct {
	Name          string
	FeeBps        float64 // taker fee per leg, basis points
	SlippageBps   float64 // expected slippage buffer, basis points
	DailyOrderCap int     // exchange-wide order budget per day
	BurstCap      int     // max orders per burst window
	MinLatencyMs  int     // paper execution latency range
	MaxLatencyMs  int
	SuccessRate   float64 // paper execution: probability a venue accepts
	TimeoutRate   float64 // paper execution: probability of a timeout
}

var venues = map[string]*Venue{
	"binance": {
		Name:          "binance",
		FeeBps:        10,
		SlippageBps:   5,
		DailyOrderCap: 500,
		BurstCap:      10,
		MinLatencyMs:  5,
		MaxLatencyMs:  40,
		SuccessRate:   0.97,
		TimeoutRate:   0.01,
	},
	"coinbase": {
		Name:          "coinbase",
		FeeBps:        25,
		SlippageBps:   8,
		DailyOrderCap: 300,
		BurstCap:      5,
		MinLatencyMs:  10,
		MaxLatencyMs:  60,
		SuccessRate:   0.95,
		TimeoutRate:   0.02,
	},
	"kraken": {
		Name:          "kraken",
		FeeBps:        16,
		SlippageBps:   6,
		DailyOrderCap: 400,
		BurstCap:      8,
		MinLatencyMs:  8,
		MaxLatencyMs:  50,
		SuccessRate:   0.96,
		TimeoutRate:   0.02,
	},
	// Deterministic venue for paper trading and integration tests.
	"paper": {
		Name:          "paper",
		FeeBps:        10,
		SlippageBps:   5,
		DailyOrderCap: 500,
		BurstCap:      10,
		SuccessRate:   1.0,
	},
}

// GetVenue returns the reference data for an exchange.
func GetVenue(name string) (*Venue, error) {
	v, ok := venues[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown exchange %q", name)
	}
	return v, nil
}

// RoundTripCostBps is the cost an order's expected edge has to clear:
// both fee legs plus the slippage buffer.
func (v *Venue) RoundTripCostBps() float64 {
	return 2*v.FeeBps + v.SlippageBps
}
