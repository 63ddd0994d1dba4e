package pipeline

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/botfleet/botfleet-api/internal/types"
)

// IdempotencyRecord maps a caller's idempotency key to the order it
// admitted. The composite unique index is what makes two concurrent
// submissions with one key collide instead of both passing gate one.
type IdempotencyRecord struct {
	gorm.Model     `json:"-"`
	UserID         string    `gorm:"uniqueIndex:idx_idem_scope,priority:1" json:"user_id"`
	BotID          string    `gorm:"uniqueIndex:idx_idem_scope,priority:2" json:"bot_id"`
	IdempotencyKey string    `gorm:"uniqueIndex:idx_idem_scope,priority:3" json:"idempotency_key"`
	OrderID        string    `json:"order_id"`
	ExpiresAt      time.Time `json:"expires_at"`
}

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrderForUser(orderID, userID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ? AND user_id = ?", orderID, userID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) UpdateOrder(order *types.Order) error {
	return d.db.Save(order).Error
}

// GetIdempotencyRecord retrieves the record for a (user, bot, key) scope,
// or nil when the key has never been used.
func (d *Database) GetIdempotencyRecord(userID, botID, key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.
		Where("user_id = ? AND bot_id = ? AND idempotency_key = ?", userID, botID, key).
		First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// CreateOrderWithIdempotency creates the order and its idempotency record
// in one transaction so a crash cannot admit an order without consuming
// its key.
func (d *Database) CreateOrderWithIdempotency(order *types.Order, record *IdempotencyRecord) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(order).Error; err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Create(record).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// ReleaseIdempotencyKey frees a key after a retryable execution failure so
// the caller may retry the same logical trade. Terminal failures keep the
// key consumed.
func (d *Database) ReleaseIdempotencyKey(userID, botID, key string) error {
	return d.db.Unscoped().
		Where("user_id = ? AND bot_id = ? AND idempotency_key = ?", userID, botID, key).
		Delete(&IdempotencyRecord{}).Error
}
