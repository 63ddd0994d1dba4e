package bots

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

func (d *Database) CreateBot(bot *types.Bot) error {
	return d.db.Create(bot).Error
}

func (d *Database) GetBot(botID string) (*types.Bot, error) {
	var bot types.Bot
	if err := d.db.Where("bot_id = ?", botID).First(&bot).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrBotNotFound
		}
		return nil, err
	}
	return &bot, nil
}

func (d *Database) GetBotForUser(botID, userID string) (*types.Bot, error) {
	var bot types.Bot
	if err := d.db.Where("bot_id = ? AND user_id = ?", botID, userID).First(&bot).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrBotNotFound
		}
		return nil, err
	}
	return &bot, nil
}

func (d *Database) ListBots(userID string) ([]types.Bot, error) {
	var bots []types.Bot
	if err := d.db.Where("user_id = ?", userID).Order("created_at").Find(&bots).Error; err != nil {
		return nil, err
	}
	return bots, nil
}

func (d *Database) UpdateBot(bot *types.Bot) error {
	return d.db.Save(bot).Error
}

// CountActiveOnExchange returns the current fleet size sharing an exchange.
// Budget fairness divides by this figure fresh on every call.
func (d *Database) CountActiveOnExchange(exchange string) (int, error) {
	var count int64
	if err := d.db.Model(&types.Bot{}).
		Where("exchange = ? AND status = ?", exchange, types.BotActive).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// ListExpiredQuarantines returns quarantined bots whose retraining window
// has elapsed.
func (d *Database) ListExpiredQuarantines(now time.Time) ([]types.Bot, error) {
	var bots []types.Bot
	if err := d.db.
		Where("status = ? AND retraining_until IS NOT NULL AND retraining_until <= ?", types.BotQuarantined, now).
		Find(&bots).Error; err != nil {
		return nil, err
	}
	return bots, nil
}

// ListActive returns every active bot, for the bodyguard check loop.
func (d *Database) ListActive() ([]types.Bot, error) {
	var bots []types.Bot
	if err := d.db.Where("status = ?", types.BotActive).Find(&bots).Error; err != nil {
		return nil, err
	}
	return bots, nil
}

// ListPausedBy returns bots paused by one mechanism, for auto-resume scans.
func (d *Database) ListPausedBy(pausedBy string) ([]types.Bot, error) {
	var bots []types.Bot
	if err := d.db.Where("status = ? AND paused_by = ?", types.BotPaused, pausedBy).Find(&bots).Error; err != nil {
		return nil, err
	}
	return bots, nil
}

// ReplaceBot retires the old identity and creates the replacement in one
// transaction, so a crash cannot leave the fleet without the slot.
func (d *Database) ReplaceBot(old *types.Bot, replacement *types.Bot) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Delete(old).Error; err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Create(replacement).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}
