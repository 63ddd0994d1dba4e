package ledger

import (
	"time"

	"gorm.io/gorm"

	"github.com/botfleet/botfleet-api/internal/types"
)

// Database is the append-only ledger store. Fills and events only ever gain
// rows; there are deliberately no update or delete methods on this type.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateFill(fill *types.Fill) error {
	return d.db.Create(fill).Error
}

func (d *Database) CreateEvent(event *types.LedgerEvent) error {
	return d.db.Create(event).Error
}

// CreateEventPair writes two events in one transaction. Capital transfers
// use it so a crash cannot record the withdrawal without the funding.
func (d *Database) CreateEventPair(out, in *types.LedgerEvent) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(out).Error; err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Create(in).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// FillFilter narrows fill reads. Zero values mean "no filter".
type FillFilter struct {
	UserID   string
	BotID    string
	Symbol   string
	Exchange string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// GetFills returns matching fills in execution order, oldest first. FIFO
// matching and the drawdown replay both depend on that ordering.
func (d *Database) GetFills(filter FillFilter) ([]types.Fill, error) {
	q := d.db.Model(&types.Fill{})
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.BotID != "" {
		q = q.Where("bot_id = ?", filter.BotID)
	}
	if filter.Symbol != "" {
		q = q.Where("symbol = ?", filter.Symbol)
	}
	if filter.Exchange != "" {
		q = q.Where("exchange = ?", filter.Exchange)
	}
	if !filter.Since.IsZero() {
		q = q.Where("executed_at >= ?", filter.Since)
	}
	if !filter.Until.IsZero() {
		q = q.Where("executed_at < ?", filter.Until)
	}
	q = q.Order("executed_at ASC, id ASC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var fills []types.Fill
	if err := q.Find(&fills).Error; err != nil {
		return nil, err
	}
	return fills, nil
}

// GetFillByID returns one fill by its id, or nil when absent.
func (d *Database) GetFillByID(fillID string) (*types.Fill, error) {
	var fill types.Fill
	if err := d.db.Where("fill_id = ?", fillID).First(&fill).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &fill, nil
}

// GetEvents returns funding/withdrawal/injection events in occurrence order.
func (d *Database) GetEvents(userID, botID string, since time.Time) ([]types.LedgerEvent, error) {
	q := d.db.Model(&types.LedgerEvent{}).Where("user_id = ?", userID)
	if botID != "" {
		q = q.Where("bot_id = ?", botID)
	}
	if !since.IsZero() {
		q = q.Where("occurred_at >= ?", since)
	}

	var events []types.LedgerEvent
	if err := q.Order("occurred_at ASC, id ASC").Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// CountFills counts fills for a user or bot since a point in time. The
// budget gates run on these counts.
func (d *Database) CountFills(userID, botID string, since time.Time) (int, error) {
	q := d.db.Model(&types.Fill{})
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	if botID != "" {
		q = q.Where("bot_id = ?", botID)
	}
	if !since.IsZero() {
		q = q.Where("executed_at >= ?", since)
	}

	var count int64
	if err := q.Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// CountExchangeFills counts fills across a whole exchange since a point in
// time, for the burst-window check.
func (d *Database) CountExchangeFills(exchange string, since time.Time) (int, error) {
	var count int64
	if err := d.db.Model(&types.Fill{}).
		Where("exchange = ? AND executed_at >= ?", exchange, since).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}
