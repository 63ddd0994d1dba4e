package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Order lifecycle states.
const (
	OrderGateChecking = "GATE_CHECKING"
	OrderRejected     = "REJECTED"
	OrderAccepted     = "ACCEPTED"
	OrderFilled       = "FILLED"
	OrderError        = "ERROR"
)

// Admission gates, evaluated strictly in this order.
const (
	GateIdempotency    = "idempotency"
	GateFeeCoverage    = "fee_coverage"
	GateTradeLimiter   = "trade_limiter"
	GateCircuitBreaker = "circuit_breaker"
)

// Order is the only mutable entity in the core. It is created on submission
// in GATE_CHECKING, walks to {REJECTED | ACCEPTED} and then {FILLED | ERROR},
// and is never resurrected after a terminal state.
type Order struct {
	gorm.Model      `json:"-"`
	OrderID         string          `gorm:"uniqueIndex" json:"order_id"`
	UserID          string          `gorm:"index:idx_orders_idem,priority:1" json:"user_id"`
	BotID           string          `gorm:"index:idx_orders_idem,priority:2" json:"bot_id"`
	IdempotencyKey  string          `gorm:"index:idx_orders_idem,priority:3" json:"idempotency_key"`
	Exchange        string          `json:"exchange"`
	Symbol          string          `json:"symbol"`
	Side            string          `json:"side"`       // BUY or SELL
	OrderType       string          `json:"order_type"` // MARKET or LIMIT
	Quantity        decimal.Decimal `gorm:"type:decimal(20,8)" json:"quantity"`
	Price           decimal.Decimal `gorm:"type:decimal(20,8)" json:"price"`
	ExpectedEdgeBps float64         `json:"expected_edge_bps"`
	Status          string          `gorm:"index" json:"status"`
	GatesPassed     string          `json:"gates_passed"` // JSON array of gate names
	GateFailed      string          `json:"gate_failed,omitempty"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	FillID          string          `json:"fill_id,omitempty"`
	FilledAt        *time.Time      `json:"filled_at,omitempty"`
}

// OrderRequest is the submission payload produced by the strategy layer.
// ExpectedEdgeBps is the signal's estimate of the move, in basis points,
// that the fee-coverage gate weighs against round-trip costs.
type OrderRequest struct {
	UserID          string          `json:"-"`
	BotID           string          `json:"bot_id" binding:"required"`
	Exchange        string          `json:"exchange" binding:"required"`
	Symbol          string          `json:"symbol" binding:"required"`
	Side            string          `json:"side" binding:"required"`
	OrderType       string          `json:"order_type"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	ExpectedEdgeBps float64         `json:"expected_edge_bps"`
	SignalID        string          `json:"signal_id"`
	IdempotencyKey  string          `json:"-"`
}

// FillSummary is the caller-facing slice of a recorded fill.
type FillSummary struct {
	FillID   string          `json:"fill_id"`
	Exchange string          `json:"exchange"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Fee      decimal.Decimal `json:"fee"`
}

// OrderResult is the structured outcome of a Submit call. Gate failures are
// reported here, never raised as errors past the pipeline boundary.
type OrderResult struct {
	Success         bool         `json:"success"`
	OrderID         string       `json:"order_id"`
	Status          string       `json:"status"`
	GatesPassed     []string     `json:"gates_passed"`
	GateFailed      string       `json:"gate_failed,omitempty"`
	RejectionReason string       `json:"rejection_reason,omitempty"`
	Fill            *FillSummary `json:"fill_summary,omitempty"`
	Replayed        bool         `json:"replayed,omitempty"` // idempotent replay of a prior result
}
