package bodyguard

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/botfleet/botfleet-api/internal/bots"
	"github.com/botfleet/botfleet-api/internal/config"
	"github.com/botfleet/botfleet-api/internal/events"
	"github.com/botfleet/botfleet-api/internal/ledger"
	"github.com/botfleet/botfleet-api/internal/types"
	"github.com/botfleet/botfleet-api/internal/wallet"
)

type testEnv struct {
	service *Service
	bots    *bots.Service
	ledger  *ledger.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.Fill{}, &types.LedgerEvent{}, &types.Bot{}))

	ledgerService := ledger.NewService(db, time.UTC)
	walletService := wallet.NewService(ledgerService)
	botService := bots.NewService(db, walletService)

	return &testEnv{
		service: NewService(config.Default().Bodyguard, botService, ledgerService, events.NewBus()),
		bots:    botService,
		ledger:  ledgerService,
	}
}

func createBot(t *testing.T, env *testEnv, riskMode string, capital int64) *types.Bot {
	t.Helper()
	bot, err := env.bots.CreateBot("user-1", "guard-bot", "paper", "BTC-USD",
		riskMode, decimal.NewFromInt(capital))
	require.NoError(t, err)
	return bot
}

// moveEquity records a closed round trip shifting the bot's equity by delta.
func moveEquity(t *testing.T, env *testEnv, bot *types.Bot, buy, sell string, at time.Time) {
	t.Helper()
	_, err := env.ledger.AppendFill(&types.Fill{
		UserID: bot.UserID, BotID: bot.BotID, Exchange: "paper", Symbol: "BTC-USD",
		Side: types.SideBuy, Quantity: decimal.NewFromInt(1),
		Price: decimal.RequireFromString(buy), ExecutedAt: at,
	})
	require.NoError(t, err)
	_, err = env.ledger.AppendFill(&types.Fill{
		UserID: bot.UserID, BotID: bot.BotID, Exchange: "paper", Symbol: "BTC-USD",
		Side: types.SideSell, Quantity: decimal.NewFromInt(1),
		Price: decimal.RequireFromString(sell), ExecutedAt: at.Add(time.Second),
	})
	require.NoError(t, err)
}

func TestThresholdsByRiskMode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		mode     string
		expected float64
	}{
		{types.RiskSafe, 15},
		{types.RiskBalanced, 20},
		{types.RiskAggressive, 25},
		{"unknown", 20},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.expected, Threshold(tc.mode), "mode %s", tc.mode)
	}
}

func TestPausesOnThresholdBreach(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	bot := createBot(t, env, types.RiskSafe, 1000)

	// 16% below the 1000 peak, past the 15% safe threshold
	moveEquity(t, env, bot, "500", "340", time.Now().Add(-time.Hour))

	require.NoError(t, env.service.CheckBot(bot))

	refreshed, err := env.bots.GetBot(bot.BotID)
	require.NoError(t, err)
	assert.Equal(t, types.BotPaused, refreshed.Status)
	assert.Equal(t, types.PausedByBodyguard, refreshed.PausedBy)
	assert.Contains(t, refreshed.PauseReason, "Drawdown")
}

func TestStaysActiveBelowThreshold(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	bot := createBot(t, env, types.RiskSafe, 1000)

	// 14% drawdown, under the 15% threshold
	moveEquity(t, env, bot, "500", "360", time.Now().Add(-time.Hour))

	require.NoError(t, env.service.CheckBot(bot))

	refreshed, err := env.bots.GetBot(bot.BotID)
	require.NoError(t, err)
	assert.Equal(t, types.BotActive, refreshed.Status)
}

func TestHysteresisHoldsUntilRecoveryMargin(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	bot := createBot(t, env, types.RiskSafe, 1000)

	// Pause at 16%
	moveEquity(t, env, bot, "500", "340", time.Now().Add(-2*time.Hour))
	require.NoError(t, env.service.CheckBot(bot))
	require.Equal(t, types.BotPaused, bot.Status)

	// Recover to 14% drawdown: above threshold-2, still paused
	moveEquity(t, env, bot, "500", "520", time.Now().Add(-time.Hour))
	require.NoError(t, env.service.CheckBot(bot))
	refreshed, err := env.bots.GetBot(bot.BotID)
	require.NoError(t, err)
	assert.Equal(t, types.BotPaused, refreshed.Status)

	// Recover to 12% drawdown: below 13, resumes
	moveEquity(t, env, bot, "500", "520", time.Now().Add(-30*time.Minute))
	require.NoError(t, env.service.CheckBot(refreshed))
	refreshed, err = env.bots.GetBot(bot.BotID)
	require.NoError(t, err)
	assert.Equal(t, types.BotActive, refreshed.Status)
	assert.Empty(t, refreshed.PausedBy)
}

func TestNewPeakResumesImmediately(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	bot := createBot(t, env, types.RiskSafe, 1000)

	moveEquity(t, env, bot, "500", "340", time.Now().Add(-2*time.Hour))
	require.NoError(t, env.service.CheckBot(bot))
	require.Equal(t, types.BotPaused, bot.Status)

	// Jump straight past the old peak; hysteresis does not apply
	moveEquity(t, env, bot, "500", "700", time.Now().Add(-time.Hour))
	require.NoError(t, env.service.CheckBot(bot))

	refreshed, err := env.bots.GetBot(bot.BotID)
	require.NoError(t, err)
	assert.Equal(t, types.BotActive, refreshed.Status)
	assert.True(t, refreshed.EquityPeak.Equal(decimal.NewFromInt(1040)),
		"peak = %s", refreshed.EquityPeak)
}

func TestPeakOnlyRatchetsUp(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	bot := createBot(t, env, types.RiskBalanced, 1000)

	// Gain 100: peak moves to 1100
	moveEquity(t, env, bot, "500", "600", time.Now().Add(-2*time.Hour))
	require.NoError(t, env.service.CheckBot(bot))
	assert.True(t, bot.EquityPeak.Equal(decimal.NewFromInt(1100)))

	// Give 50 back: peak stays at 1100
	moveEquity(t, env, bot, "500", "450", time.Now().Add(-time.Hour))
	require.NoError(t, env.service.CheckBot(bot))
	assert.True(t, bot.EquityPeak.Equal(decimal.NewFromInt(1100)))
	assert.True(t, bot.CurrentCapital.Equal(decimal.NewFromInt(1050)))
}

func TestDoesNotResumeBreakerPausedBots(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	bot := createBot(t, env, types.RiskSafe, 1000)

	require.NoError(t, env.bots.Pause(bot, types.PausedByBreaker, "tripped"))

	// Equity at a fresh peak would resume a bodyguard pause, not a breaker one
	moveEquity(t, env, bot, "500", "700", time.Now().Add(-time.Hour))
	require.NoError(t, env.service.CheckBot(bot))

	refreshed, err := env.bots.GetBot(bot.BotID)
	require.NoError(t, err)
	assert.Equal(t, types.BotPaused, refreshed.Status)
	assert.Equal(t, types.PausedByBreaker, refreshed.PausedBy)
}
