package breaker

import (
	"time"

	"gorm.io/gorm"
)

// Alert is one operational error or warning attributed to an entity. The
// error-rate check counts these over a trailing hour.
type Alert struct {
	gorm.Model `json:"-"`
	EntityType string    `gorm:"index:idx_alerts_entity,priority:1" json:"entity_type"`
	EntityID   string    `gorm:"index:idx_alerts_entity,priority:2" json:"entity_id"`
	Source     string    `json:"source"`
	Message    string    `json:"message"`
	RaisedAt   time.Time `gorm:"index:idx_alerts_entity,priority:3" json:"raised_at"`
}

// Quarantine escalation schedule, keyed by the count after increment.
// A fourth trip retires the bot identity instead of benching it again.
var quarantineDurations = map[int]time.Duration{
	1: time.Hour,
	2: 3 * time.Hour,
	3: 24 * time.Hour,
}

// maxQuarantines is the count at which the bot is replaced rather than
// quarantined again.
const maxQuarantines = 3
