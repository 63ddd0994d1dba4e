package database

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/botfleet/botfleet-api/internal/breaker"
	"github.com/botfleet/botfleet-api/internal/pipeline"
	"github.com/botfleet/botfleet-api/internal/types"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&types.Fill{},
		&types.LedgerEvent{},
		&types.Order{},
		&types.Bot{},
		&types.CircuitBreakerState{},
		&pipeline.IdempotencyRecord{},
		&breaker.Alert{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
