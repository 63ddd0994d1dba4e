package breaker

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/botfleet/botfleet-api/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetState returns the breaker record for an entity, or nil when the
// entity has never tripped.
func (d *Database) GetState(entityType, entityID string) (*types.CircuitBreakerState, error) {
	var state types.CircuitBreakerState
	if err := d.db.Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		First(&state).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

// UpsertTrip records a trip for an entity, creating the row on first trip
// and re-arming it on later ones.
func (d *Database) UpsertTrip(state *types.CircuitBreakerState) error {
	existing, err := d.GetState(state.EntityType, state.EntityID)
	if err != nil {
		return err
	}
	if existing == nil {
		return d.db.Create(state).Error
	}

	existing.Tripped = true
	existing.TriggerType = state.TriggerType
	existing.TriggerReason = state.TriggerReason
	existing.MetricsAtTrip = state.MetricsAtTrip
	existing.TrippedAt = state.TrippedAt
	existing.ResetAt = nil
	existing.ResetBy = ""
	existing.ResetReason = ""
	return d.db.Save(existing).Error
}

// MarkReset clears a tripped state, keeping the trip fields for audit.
func (d *Database) MarkReset(state *types.CircuitBreakerState, resetBy, reason string) error {
	now := time.Now()
	state.Tripped = false
	state.ResetAt = &now
	state.ResetBy = resetBy
	state.ResetReason = reason
	return d.db.Save(state).Error
}

func (d *Database) CreateAlert(alert *Alert) error {
	return d.db.Create(alert).Error
}

// CountAlertsSince counts alerts for one entity in a trailing window.
func (d *Database) CountAlertsSince(entityType, entityID string, since time.Time) (int, error) {
	var count int64
	if err := d.db.Model(&Alert{}).
		Where("entity_type = ? AND entity_id = ? AND raised_at >= ?", entityType, entityID, since).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}
