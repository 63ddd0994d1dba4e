package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Order sides shared across the ledger and the pipeline.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Ledger event types for non-trade balance changes.
const (
	EventFunding      = "FUNDING"
	EventWithdrawal   = "WITHDRAWAL"
	EventInjection    = "INJECTION"
	EventReinvestment = "REINVESTMENT"
)

// Fill is an immutable record of one executed trade leg. Fills are written
// exactly once by the order pipeline after a confirmed execution; every
// financial metric is derived from the fill set, never from running totals.
type Fill struct {
	gorm.Model    `json:"-"`
	FillID        string          `gorm:"uniqueIndex" json:"fill_id"`
	UserID        string          `gorm:"index:idx_fills_user_bot_time,priority:1" json:"user_id"`
	BotID         string          `gorm:"index:idx_fills_user_bot_time,priority:2" json:"bot_id"`
	Exchange      string          `gorm:"index" json:"exchange"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"` // BUY or SELL
	Quantity      decimal.Decimal `gorm:"type:decimal(20,8)" json:"quantity"`
	Price         decimal.Decimal `gorm:"type:decimal(20,8)" json:"price"`
	Fee           decimal.Decimal `gorm:"type:decimal(20,8)" json:"fee"`
	FeeCurrency   string          `json:"fee_currency"`
	OrderID       string          `gorm:"index" json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	ExecutedAt    time.Time       `gorm:"index:idx_fills_user_bot_time,priority:3" json:"executed_at"`
}

// LedgerEvent is an immutable record of a non-trade balance change:
// capital funding, withdrawal, or profit injection/reinvestment.
type LedgerEvent struct {
	gorm.Model  `json:"-"`
	EventID     string          `gorm:"uniqueIndex" json:"event_id"`
	UserID      string          `gorm:"index:idx_events_user_time,priority:1" json:"user_id"`
	BotID       string          `gorm:"index" json:"bot_id,omitempty"`
	EventType   string          `json:"event_type"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,8)" json:"amount"` // signed
	Currency    string          `json:"currency"`
	Description string          `json:"description"`
	OccurredAt  time.Time       `gorm:"index:idx_events_user_time,priority:2" json:"occurred_at"`
}
