package wallet

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/botfleet/botfleet-api/internal/ledger"
	"github.com/botfleet/botfleet-api/internal/types"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.Fill{}, &types.LedgerEvent{}))

	return NewService(ledger.NewService(db, time.UTC)), db
}

func TestFundBotWritesFundingEvent(t *testing.T) {
	t.Parallel()
	s, db := newTestService(t)

	require.NoError(t, s.FundBot("user-1", "BOT_1", decimal.NewFromInt(1000), "initial capital allocation"))

	events, err := ledger.NewDatabase(db).GetEvents("user-1", "BOT_1", time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventFunding, events[0].EventType)
	assert.True(t, events[0].Amount.Equal(decimal.NewFromInt(1000)))
}

func TestFundedCapitalNetsEvents(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)

	require.NoError(t, s.FundBot("user-1", "BOT_1", decimal.NewFromInt(1000), "initial"))
	require.NoError(t, s.FundBot("user-1", "BOT_1", decimal.NewFromInt(250), "top-up"))
	require.NoError(t, s.FundBot("user-1", "BOT_1", decimal.NewFromInt(-100), "withdrawal"))
	require.NoError(t, s.FundBot("user-1", "BOT_2", decimal.NewFromInt(500), "other bot"))

	funded, err := s.FundedCapital("user-1", "BOT_1")
	require.NoError(t, err)
	assert.True(t, funded.Equal(decimal.NewFromInt(1150)))
}

func TestReallocateCapitalKeepsUserTotalUnchanged(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)

	require.NoError(t, s.FundBot("user-1", "BOT_1", decimal.NewFromInt(1000), "initial"))

	moved, err := s.ReallocateCapital("user-1", "BOT_1", "BOT_2", "respawn")
	require.NoError(t, err)
	assert.True(t, moved.Equal(decimal.NewFromInt(1000)))

	userTotal, err := s.FundedCapital("user-1", "")
	require.NoError(t, err)
	assert.True(t, userTotal.Equal(decimal.NewFromInt(1000)), "reallocation must not change user-scope capital, got %s", userTotal)

	oldBot, err := s.FundedCapital("user-1", "BOT_1")
	require.NoError(t, err)
	assert.True(t, oldBot.IsZero())

	newBot, err := s.FundedCapital("user-1", "BOT_2")
	require.NoError(t, err)
	assert.True(t, newBot.Equal(decimal.NewFromInt(1000)))
}

func TestReallocateCapitalFromEmptyBotIsNoOp(t *testing.T) {
	t.Parallel()
	s, db := newTestService(t)

	moved, err := s.ReallocateCapital("user-1", "BOT_1", "BOT_2", "respawn")
	require.NoError(t, err)
	assert.True(t, moved.IsZero())

	events, err := ledger.NewDatabase(db).GetEvents("user-1", "", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, events)
}
