package bodyguard

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/botfleet/botfleet-api/internal/types"
)

// Loop runs the periodic bodyguard pass over the fleet. Like the
// quarantine sweep, each bot is an independent unit of work.
type Loop struct {
	service  *Service
	interval time.Duration
}

func NewLoop(service *Service, interval time.Duration) *Loop {
	return &Loop{service: service, interval: interval}
}

// Start runs checks until the context is cancelled.
func (l *Loop) Start(ctx context.Context) {
	logger := log.With().Str("component", "bodyguard_loop").Logger()
	logger.Info().Dur("interval", l.interval).Msg("starting bodyguard loop")

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down bodyguard loop")
			return
		case <-ticker.C:
			l.runOnce()
		}
	}
}

func (l *Loop) runOnce() {
	logger := log.With().Str("component", "bodyguard_loop").Logger()

	active, err := l.service.bots.ListActive()
	if err != nil {
		logger.Error().Err(err).Msg("failed to list active bots")
		return
	}
	paused, err := l.service.bots.ListPausedBy(types.PausedByBodyguard)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list bodyguard-paused bots")
		return
	}

	for _, fleet := range [][]types.Bot{active, paused} {
		for i := range fleet {
			bot := &fleet[i]
			if err := l.service.CheckBot(bot); err != nil {
				logger.Error().Err(err).Str("bot_id", bot.BotID).Msg("bodyguard check failed")
			}
		}
	}
}
