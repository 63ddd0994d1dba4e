package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Bot statuses.
const (
	BotActive      = "ACTIVE"
	BotPaused      = "PAUSED"
	BotQuarantined = "QUARANTINED"
)

// Risk modes, each with its own bodyguard drawdown threshold.
const (
	RiskSafe       = "safe"
	RiskBalanced   = "balanced"
	RiskAggressive = "aggressive"
)

// Who paused a bot. The bodyguard may only auto-resume its own pauses;
// breaker quarantines are released by the sweep, plain breaker pauses
// only by an explicit reset.
const (
	PausedByBodyguard = "bodyguard"
	PausedByBreaker   = "breaker"
)

// Bot is a fleet member trading one symbol on one exchange. CurrentCapital
// and EquityPeak are advisory snapshots for fast reads and the bodyguard
// ratchet; the ledger remains the source of truth whenever they diverge.
type Bot struct {
	gorm.Model       `json:"-"`
	BotID            string          `gorm:"uniqueIndex" json:"bot_id"`
	UserID           string          `gorm:"index" json:"user_id"`
	Name             string          `json:"name"`
	Exchange         string          `gorm:"index" json:"exchange"`
	Symbol           string          `json:"symbol"`
	RiskMode         string          `json:"risk_mode"`
	Status           string          `gorm:"index" json:"status"`
	PausedBy         string          `json:"paused_by,omitempty"`
	PauseReason      string          `json:"pause_reason,omitempty"`
	QuarantineCount  int             `json:"quarantine_count"`
	QuarantineReason string          `json:"quarantine_reason,omitempty"`
	RetrainingUntil  *time.Time      `json:"retraining_until,omitempty"`
	InitialCapital   decimal.Decimal `gorm:"type:decimal(20,8)" json:"initial_capital"`
	CurrentCapital   decimal.Decimal `gorm:"type:decimal(20,8)" json:"current_capital"`
	EquityPeak       decimal.Decimal `gorm:"type:decimal(20,8)" json:"equity_peak"`
}
