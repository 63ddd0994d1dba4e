package breaker

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
	wallet  *wallet.Service
	bus     *events.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&types.Fill{}, &types.LedgerEvent{}, &types.Bot{},
		&types.CircuitBreakerState{}, &Alert{},
	))

	ledgerService := ledger.NewService(db, time.UTC)
	walletService := wallet.NewService(ledgerService)
	botService := bots.NewService(db, walletService)
	bus := events.NewBus()

	return &testEnv{
		service: NewService(config.Default().Breaker, db, botService, ledgerService, walletService, bus),
		bots:    botService,
		ledger:  ledgerService,
		wallet:  walletService,
		bus:     bus,
	}
}

func createBot(t *testing.T, env *testEnv, capital int64) *types.Bot {
	t.Helper()
	bot, err := env.bots.CreateBot("user-1", "test-bot", "paper", "BTC-USD",
		types.RiskBalanced, decimal.NewFromInt(capital))
	require.NoError(t, err)
	return bot
}

func recordLoss(t *testing.T, env *testEnv, bot *types.Bot, buy, sell string, at time.Time) {
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
		Price: decimal.RequireFromString(sell), ExecutedAt: at.Add(time.Minute),
	})
	require.NoError(t, err)
}

func TestCheckAdmissionPassesHealthyBot(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	bot := createBot(t, env, 1000)

	ok, reason := env.service.CheckAdmission(bot)
	assert.True(t, ok, "reason: %s", reason)
}

func TestCheckAdmissionRejectsTrippedState(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	bot := createBot(t, env, 1000)

	now := time.Now()
	require.NoError(t, env.service.db.UpsertTrip(&types.CircuitBreakerState{
		EntityType:    types.EntityBot,
		EntityID:      bot.BotID,
		Tripped:       true,
		TriggerType:   types.TriggerDailyLoss,
		TriggerReason: "test trip",
		TrippedAt:     &now,
	}))

	ok, reason := env.service.CheckAdmission(bot)
	assert.False(t, ok)
	assert.Contains(t, reason, "test trip")
}

func TestCheckAdmissionRejectsTrippedUserBeforeBotChecks(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	bot := createBot(t, env, 1000)

	now := time.Now()
	require.NoError(t, env.service.db.UpsertTrip(&types.CircuitBreakerState{
		EntityType:    types.EntityUser,
		EntityID:      bot.UserID,
		Tripped:       true,
		TriggerType:   types.TriggerGlobalDrawdown,
		TriggerReason: "account stop",
		TrippedAt:     &now,
	}))

	ok, reason := env.service.CheckAdmission(bot)
	assert.False(t, ok)
	assert.Contains(t, reason, "user")
}

func TestDailyLossTripsAndPauses(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	bot := createBot(t, env, 1000)

	// Lose 150 today on 1000 funded: 15% > the 10% daily limit
	recordLoss(t, env, bot, "500", "350", time.Now().Add(-10*time.Minute))

	ok, reason := env.service.CheckAdmission(bot)
	assert.False(t, ok)
	assert.Contains(t, reason, "Daily loss")

	state, err := env.service.db.GetState(types.EntityBot, bot.BotID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, state.Tripped)
	assert.Equal(t, types.TriggerDailyLoss, state.TriggerType)

	refreshed, err := env.bots.GetBot(bot.BotID)
	require.NoError(t, err)
	assert.Equal(t, types.BotPaused, refreshed.Status)
	assert.Equal(t, types.PausedByBreaker, refreshed.PausedBy)
}

func TestConsecutiveLossesQuarantine(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	bot := createBot(t, env, 100000)

	// Five straight losing round trips, each small enough to stay under the
	// drawdown and daily-loss limits
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		recordLoss(t, env, bot, "100", "99", base.Add(time.Duration(i)*2*time.Minute))
	}

	ok, reason := env.service.CheckAdmission(bot)
	assert.False(t, ok)
	assert.Contains(t, reason, "round trips")

	refreshed, err := env.bots.GetBot(bot.BotID)
	require.NoError(t, err)
	assert.Equal(t, types.BotQuarantined, refreshed.Status)
	assert.Equal(t, 1, refreshed.QuarantineCount)
	require.NotNil(t, refreshed.RetrainingUntil)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *refreshed.RetrainingUntil, time.Minute)
}

func TestQuarantineEscalationSchedule(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	cases := []struct {
		priorCount int
		expected   time.Duration
	}{
		{priorCount: 0, expected: time.Hour},
		{priorCount: 1, expected: 3 * time.Hour},
		{priorCount: 2, expected: 24 * time.Hour},
	}

	for _, tc := range cases {
		bot := createBot(t, env, 1000)
		bot.QuarantineCount = tc.priorCount
		require.NoError(t, env.bots.UpdateBot(bot))

		env.service.quarantine(bot, types.TriggerDrawdown, "test breach")

		refreshed, err := env.bots.GetBot(bot.BotID)
		require.NoError(t, err)
		assert.Equal(t, types.BotQuarantined, refreshed.Status)
		assert.Equal(t, tc.priorCount+1, refreshed.QuarantineCount)
		require.NotNil(t, refreshed.RetrainingUntil)
		assert.WithinDuration(t, time.Now().Add(tc.expected), *refreshed.RetrainingUntil, time.Minute)
	}
}

func TestFourthQuarantineReplacesBot(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	bot := createBot(t, env, 1000)
	bot.QuarantineCount = 3
	require.NoError(t, env.bots.UpdateBot(bot))

	ch, unsub := env.bus.Subscribe("user-1", 8)
	defer unsub()

	env.service.quarantine(bot, types.TriggerDrawdown, "fourth breach")

	// Old identity is gone
	_, err := env.bots.GetBot(bot.BotID)
	assert.ErrorIs(t, err, types.ErrBotNotFound)

	// Replacement is active with a clean counter and the same configuration
	fleet, err := env.bots.ListBots("user-1")
	require.NoError(t, err)
	require.Len(t, fleet, 1)
	replacement := fleet[0]
	assert.NotEqual(t, bot.BotID, replacement.BotID)
	assert.Equal(t, types.BotActive, replacement.Status)
	assert.Equal(t, 0, replacement.QuarantineCount)
	assert.Equal(t, bot.Exchange, replacement.Exchange)
	assert.Equal(t, bot.RiskMode, replacement.RiskMode)

	// The replacement is announced
	select {
	case n := <-ch:
		assert.Equal(t, events.TopicBotReplaced, n.Topic)
	case <-time.After(time.Second):
		t.Fatal("expected bot.replaced notification")
	}
}

func TestReplacementDoesNotInflateUserCapital(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	bot := createBot(t, env, 1000)
	recordLoss(t, env, bot, "1000", "400", time.Now().Add(-2*time.Hour))
	bot.QuarantineCount = 3
	require.NoError(t, env.bots.UpdateBot(bot))

	env.service.quarantine(bot, types.TriggerDrawdown, "fourth breach")

	fleet, err := env.bots.ListBots("user-1")
	require.NoError(t, err)
	require.Len(t, fleet, 1)
	replacement := fleet[0]

	// The user deposited 1000 once; the respawn moved it, so the account
	// total is unchanged and the old identity holds nothing.
	userFunded, err := env.wallet.FundedCapital("user-1", "")
	require.NoError(t, err)
	assert.True(t, userFunded.Equal(decimal.NewFromInt(1000)), "user funded capital inflated to %s", userFunded)

	oldFunded, err := env.wallet.FundedCapital("user-1", bot.BotID)
	require.NoError(t, err)
	assert.True(t, oldFunded.IsZero())

	newFunded, err := env.wallet.FundedCapital("user-1", replacement.BotID)
	require.NoError(t, err)
	assert.True(t, newFunded.Equal(decimal.NewFromInt(1000)))
}

func TestResetRequiresReason(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, err := env.service.Reset(types.EntityBot, "BOT_x", "ops", "")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestResetClearsTripAndResumesBot(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	bot := createBot(t, env, 1000)

	recordLoss(t, env, bot, "500", "350", time.Now().Add(-10*time.Minute))
	ok, _ := env.service.CheckAdmission(bot)
	require.False(t, ok)

	done, err := env.service.Reset(types.EntityBot, bot.BotID, "ops", "verified and reseeded")
	require.NoError(t, err)
	assert.True(t, done)

	status, err := env.service.Status(types.EntityBot, bot.BotID)
	require.NoError(t, err)
	assert.False(t, status.Tripped)

	refreshed, err := env.bots.GetBot(bot.BotID)
	require.NoError(t, err)
	assert.Equal(t, types.BotActive, refreshed.Status)
}

func TestErrorRateTripsAfterThreshold(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	bot := createBot(t, env, 1000)

	// Threshold is 10 per hour; push past it
	for i := 0; i < 11; i++ {
		env.service.RecordAlert(types.EntityBot, bot.BotID, "execution", "venue timeout")
	}

	ok, reason := env.service.CheckAdmission(bot)
	assert.False(t, ok)
	assert.Contains(t, reason, "errors in the last hour")
}

func TestSweepReleasesExpiredQuarantine(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	bot := createBot(t, env, 1000)

	past := time.Now().Add(-time.Minute)
	require.NoError(t, env.bots.Quarantine(bot, past, "test"))

	sweep := NewSweep(env.service, time.Minute)
	sweep.runOnce(time.Now())

	refreshed, err := env.bots.GetBot(bot.BotID)
	require.NoError(t, err)
	assert.Equal(t, types.BotActive, refreshed.Status)
	assert.Nil(t, refreshed.RetrainingUntil)
	// The count survives release; only replacement resets it
	assert.Equal(t, 1, refreshed.QuarantineCount)
}
