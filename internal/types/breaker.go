package types

import (
	"time"

	"gorm.io/gorm"
)

// Breaker entity types.
const (
	EntityBot  = "bot"
	EntityUser = "user"
)

// Breaker trigger types.
const (
	TriggerDrawdown        = "drawdown"
	TriggerDailyLoss       = "daily_loss"
	TriggerConsecutiveLoss = "consecutive_loss"
	TriggerErrorRate       = "error_rate"
	TriggerGlobalDrawdown  = "global_drawdown"
)

// CircuitBreakerState records a hard trip for one entity. While Tripped is
// true and ResetAt is nil the pipeline rejects every order for the entity,
// whatever the other gates say. Trips clear only via an explicit reset with
// a persisted reason; elapsed time alone never clears one.
type CircuitBreakerState struct {
	gorm.Model    `json:"-"`
	EntityType    string     `gorm:"uniqueIndex:idx_breaker_entity,priority:1;index:idx_breaker_tripped,priority:1" json:"entity_type"`
	EntityID      string     `gorm:"uniqueIndex:idx_breaker_entity,priority:2" json:"entity_id"`
	Tripped       bool       `gorm:"index:idx_breaker_tripped,priority:2" json:"tripped"`
	TriggerType   string     `json:"trigger_type,omitempty"`
	TriggerReason string     `json:"trigger_reason,omitempty"`
	MetricsAtTrip string     `json:"metrics_at_trip,omitempty"` // JSON snapshot
	TrippedAt     *time.Time `json:"tripped_at,omitempty"`
	ResetAt       *time.Time `json:"reset_at,omitempty"`
	ResetBy       string     `json:"reset_by,omitempty"`
	ResetReason   string     `json:"reset_reason,omitempty"`
}

// BreakerStatus is the caller-facing view of a breaker state.
type BreakerStatus struct {
	EntityType string     `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	Tripped    bool       `json:"tripped"`
	Reason     string     `json:"reason,omitempty"`
	TrippedAt  *time.Time `json:"tripped_at,omitempty"`
	CanReset   bool       `json:"can_reset"`
}
