// Package bodyguard is the soft, risk-mode-aware counterpart to the circuit
// breaker: it ratchets a per-bot equity high-water mark, pauses a bot whose
// drawdown from that peak crosses its risk-mode threshold, and auto-resumes
// it once the drawdown clears the threshold by a hysteresis margin. Only
// bots this service paused are ever auto-resumed; breaker quarantines are a
// separate, harder mechanism.
package bodyguard

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/botfleet/botfleet-api/internal/bots"
	"github.com/botfleet/botfleet-api/internal/config"
	"github.com/botfleet/botfleet-api/internal/events"
	"github.com/botfleet/botfleet-api/internal/ledger"
	"github.com/botfleet/botfleet-api/internal/types"
)

// Drawdown thresholds in percent, by risk mode.
var thresholds = map[string]float64{
	types.RiskSafe:       15,
	types.RiskBalanced:   20,
	types.RiskAggressive: 25,
}

type Service struct {
	cfg    config.BodyguardConfig
	bots   *bots.Service
	ledger *ledger.Service
	bus    *events.Bus
}

func NewService(cfg config.BodyguardConfig, botService *bots.Service,
	ledgerService *ledger.Service, bus *events.Bus) *Service {
	return &Service{
		cfg:    cfg,
		bots:   botService,
		ledger: ledgerService,
		bus:    bus,
	}
}

// Threshold returns the drawdown threshold for a risk mode, in percent.
func Threshold(riskMode string) float64 {
	if t, ok := thresholds[riskMode]; ok {
		return t
	}
	return thresholds[types.RiskBalanced]
}

// CheckBot evaluates one bot against its peak. The peak only ratchets up:
// reaching a new one resets drawdown tracking and resumes a
// bodyguard-paused bot immediately, hysteresis notwithstanding.
func (s *Service) CheckBot(bot *types.Bot) error {
	current, err := s.ledger.ComputeEquity(bot.UserID, bot.BotID)
	if err != nil {
		if !errors.Is(err, types.ErrDataUnavailable) {
			return err
		}
		// Degraded ledger: track against the advisory snapshot instead of
		// skipping the check entirely.
		current = bot.CurrentCapital
	}

	if current.GreaterThanOrEqual(bot.EquityPeak) {
		bot.EquityPeak = current
		bot.CurrentCapital = current
		if bot.Status == types.BotPaused && bot.PausedBy == types.PausedByBodyguard {
			return s.resume(bot, "new equity peak")
		}
		return s.bots.UpdateBot(bot)
	}

	bot.CurrentCapital = current
	threshold := Threshold(bot.RiskMode)
	drawdown := 0.0
	if bot.EquityPeak.IsPositive() {
		drawdown, _ = bot.EquityPeak.Sub(current).Div(bot.EquityPeak).Mul(decimal.NewFromInt(100)).Float64()
	}

	switch {
	case bot.Status == types.BotActive && drawdown >= threshold:
		reason := formatPauseReason(drawdown, threshold)
		if err := s.bots.Pause(bot, types.PausedByBodyguard, reason); err != nil {
			return err
		}
		log.Warn().
			Str("service", "bodyguard").
			Str("bot_id", bot.BotID).
			Str("risk_mode", bot.RiskMode).
			Float64("drawdown_pct", drawdown).
			Float64("threshold_pct", threshold).
			Msg("bot paused on drawdown")
		s.bus.Publish(bot.UserID, events.TopicBotPaused, gin.H{
			"bot_id":       bot.BotID,
			"reason":       reason,
			"drawdown_pct": drawdown,
		})
		return nil

	case bot.Status == types.BotPaused && bot.PausedBy == types.PausedByBodyguard &&
		drawdown < threshold-s.cfg.HysteresisPct:
		return s.resume(bot, "drawdown recovered")

	default:
		return s.bots.UpdateBot(bot)
	}
}

func (s *Service) resume(bot *types.Bot, why string) error {
	if err := s.bots.Resume(bot); err != nil {
		return err
	}
	log.Info().
		Str("service", "bodyguard").
		Str("bot_id", bot.BotID).
		Str("why", why).
		Msg("bot resumed")
	s.bus.Publish(bot.UserID, events.TopicBotResumed, gin.H{
		"bot_id": bot.BotID,
		"reason": why,
	})
	return nil
}

func formatPauseReason(drawdown, threshold float64) string {
	return "Drawdown " + formatPct(drawdown) + " reached bodyguard threshold " + formatPct(threshold)
}

func formatPct(v float64) string {
	return decimal.NewFromFloat(v).Round(1).String() + "%"
}
