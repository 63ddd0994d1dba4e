package bots

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/botfleet/botfleet-api/internal/types"
)

// recordingFunder captures capital allocations and moves for assertions.
type recordingFunder struct {
	calls     []fundCall
	transfers []transferCall
}

type fundCall struct {
	userID, botID string
	amount        decimal.Decimal
}

type transferCall struct {
	userID, fromBotID, toBotID string
}

func (f *recordingFunder) FundBot(userID, botID string, amount decimal.Decimal, description string) error {
	f.calls = append(f.calls, fundCall{userID: userID, botID: botID, amount: amount})
	return nil
}

func (f *recordingFunder) ReallocateCapital(userID, fromBotID, toBotID, description string) (decimal.Decimal, error) {
	f.transfers = append(f.transfers, transferCall{userID: userID, fromBotID: fromBotID, toBotID: toBotID})
	return decimal.Zero, nil
}

func newTestService(t *testing.T) (*Service, *recordingFunder) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.Bot{}))

	funder := &recordingFunder{}
	return NewService(db, funder), funder
}

func TestCreateBotAllocatesCapital(t *testing.T) {
	t.Parallel()
	s, funder := newTestService(t)

	bot, err := s.CreateBot("user-1", "alpha", "binance", "BTC-USD", types.RiskSafe, decimal.NewFromInt(5000))
	require.NoError(t, err)

	assert.Equal(t, types.BotActive, bot.Status)
	assert.Equal(t, types.RiskSafe, bot.RiskMode)
	assert.True(t, bot.EquityPeak.Equal(decimal.NewFromInt(5000)))
	require.Len(t, funder.calls, 1)
	assert.Equal(t, bot.BotID, funder.calls[0].botID)
	assert.True(t, funder.calls[0].amount.Equal(decimal.NewFromInt(5000)))
}

func TestCreateBotDefaultsRiskModeToBalanced(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)

	bot, err := s.CreateBot("user-1", "alpha", "paper", "BTC-USD", "", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, types.RiskBalanced, bot.RiskMode)
}

func TestCreateBotRejectsUnknownExchange(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)

	_, err := s.CreateBot("user-1", "alpha", "mtgox", "BTC-USD", types.RiskSafe, decimal.NewFromInt(100))
	assert.Error(t, err)
}

func TestCreateBotRejectsUnknownRiskMode(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)

	_, err := s.CreateBot("user-1", "alpha", "paper", "BTC-USD", "yolo", decimal.NewFromInt(100))
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestQuarantineBumpsCounter(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)

	bot, err := s.CreateBot("user-1", "alpha", "paper", "BTC-USD", "", decimal.NewFromInt(100))
	require.NoError(t, err)

	until := time.Now().Add(time.Hour)
	require.NoError(t, s.Quarantine(bot, until, "losses"))
	assert.Equal(t, types.BotQuarantined, bot.Status)
	assert.Equal(t, 1, bot.QuarantineCount)

	// Resume clears the bench but keeps the counter
	require.NoError(t, s.Resume(bot))
	assert.Equal(t, types.BotActive, bot.Status)
	assert.Nil(t, bot.RetrainingUntil)
	assert.Equal(t, 1, bot.QuarantineCount)
}

func TestReplaceSpawnsFreshIdentity(t *testing.T) {
	t.Parallel()
	s, funder := newTestService(t)

	bot, err := s.CreateBot("user-1", "alpha", "kraken", "ETH-USD", types.RiskAggressive, decimal.NewFromInt(2000))
	require.NoError(t, err)
	bot.QuarantineCount = 3
	require.NoError(t, s.UpdateBot(bot))

	replacement, err := s.Replace(bot, "repeated quarantine")
	require.NoError(t, err)

	assert.NotEqual(t, bot.BotID, replacement.BotID)
	assert.Equal(t, 0, replacement.QuarantineCount)
	assert.Equal(t, "kraken", replacement.Exchange)
	assert.Equal(t, types.RiskAggressive, replacement.RiskMode)
	assert.True(t, replacement.InitialCapital.Equal(decimal.NewFromInt(2000)))

	_, err = s.GetBot(bot.BotID)
	assert.ErrorIs(t, err, types.ErrBotNotFound)

	// One funding for the original creation; the respawn moves capital, it
	// does not allocate fresh capital.
	require.Len(t, funder.calls, 1)
	require.Len(t, funder.transfers, 1)
	assert.Equal(t, bot.BotID, funder.transfers[0].fromBotID)
	assert.Equal(t, replacement.BotID, funder.transfers[0].toBotID)
}

func TestListExpiredQuarantines(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)

	expired, err := s.CreateBot("user-1", "a", "paper", "BTC-USD", "", decimal.NewFromInt(100))
	require.NoError(t, err)
	require.NoError(t, s.Quarantine(expired, time.Now().Add(-time.Minute), "test"))

	benched, err := s.CreateBot("user-1", "b", "paper", "BTC-USD", "", decimal.NewFromInt(100))
	require.NoError(t, err)
	require.NoError(t, s.Quarantine(benched, time.Now().Add(time.Hour), "test"))

	due, err := s.ListExpiredQuarantines(time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, expired.BotID, due[0].BotID)
}

func TestCountActiveOnExchangeExcludesBenched(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)

	a, err := s.CreateBot("user-1", "a", "coinbase", "BTC-USD", "", decimal.NewFromInt(100))
	require.NoError(t, err)
	_, err = s.CreateBot("user-1", "b", "coinbase", "BTC-USD", "", decimal.NewFromInt(100))
	require.NoError(t, err)
	_, err = s.CreateBot("user-1", "c", "kraken", "BTC-USD", "", decimal.NewFromInt(100))
	require.NoError(t, err)

	require.NoError(t, s.Pause(a, types.PausedByBodyguard, "test"))

	count, err := s.CountActiveOnExchange("coinbase")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
