package breaker

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/botfleet/botfleet-api/internal/events"
)

// Sweep periodically reactivates bots whose quarantine bench time has
// elapsed. Each bot is an independent, idempotent unit of work: a sweep
// interrupted mid-cycle just picks the remainder up next tick.
type Sweep struct {
	service  *Service
	interval time.Duration
}

func NewSweep(service *Service, interval time.Duration) *Sweep {
	return &Sweep{service: service, interval: interval}
}

// Start runs the sweep loop until the context is cancelled.
func (s *Sweep) Start(ctx context.Context) {
	logger := log.With().Str("component", "quarantine_sweep").Logger()
	logger.Info().Dur("interval", s.interval).Msg("starting quarantine sweep")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down quarantine sweep")
			return
		case <-ticker.C:
			s.runOnce(time.Now())
		}
	}
}

func (s *Sweep) runOnce(now time.Time) {
	logger := log.With().Str("component", "quarantine_sweep").Logger()

	expired, err := s.service.bots.ListExpiredQuarantines(now)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list expired quarantines")
		return
	}
	if len(expired) == 0 {
		return
	}

	logger.Info().Int("expired_count", len(expired)).Msg("reactivating quarantined bots")

	for i := range expired {
		bot := &expired[i]
		if err := s.service.bots.Resume(bot); err != nil {
			logger.Error().Err(err).Str("bot_id", bot.BotID).Msg("failed to reactivate bot")
			continue
		}
		logger.Info().
			Str("bot_id", bot.BotID).
			Int("quarantine_count", bot.QuarantineCount).
			Msg("bot reactivated after quarantine")

		s.service.bus.Publish(bot.UserID, events.TopicBotResumed, gin.H{
			"bot_id": bot.BotID,
			"reason": "quarantine elapsed",
		})
	}
}
