package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerSummary is the derived financial picture for a user or bot, computed
// fresh from the fill and event sets on every call. DataUnavailable marks a
// degraded read; safety checks treat it as "cannot confirm safe".
type LedgerSummary struct {
	Equity          decimal.Decimal `json:"equity"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	FeesTotal       decimal.Decimal `json:"fees_total"`
	DrawdownCurrent float64         `json:"drawdown_current_pct"`
	DrawdownMax     float64         `json:"drawdown_max_pct"`
	DataUnavailable bool            `json:"data_unavailable,omitempty"`
}

// ProfitBucket is one calendar-period entry of a profit series: realized
// P&L net of fees for fills falling inside the bucket.
type ProfitBucket struct {
	Bucket    time.Time       `json:"bucket"`
	Label     string          `json:"label"`
	NetProfit decimal.Decimal `json:"net_profit"`
}

// BudgetStatus reports daily order-budget consumption for one bot.
type BudgetStatus struct {
	BotID     string  `json:"bot_id"`
	Exchange  string  `json:"exchange"`
	Used      int     `json:"used"`
	Limit     int     `json:"limit"`
	Remaining int     `json:"remaining"`
	Pct       float64 `json:"pct_used"`
}
