package budget

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/botfleet/botfleet-api/internal/auth"
	"github.com/botfleet/botfleet-api/internal/bots"
	"github.com/botfleet/botfleet-api/internal/config"
	"github.com/botfleet/botfleet-api/internal/exchange"
	"github.com/botfleet/botfleet-api/internal/ledger"
	"github.com/botfleet/botfleet-api/internal/types"
	"github.com/botfleet/botfleet-api/pkg/response"
)

// Service divides each exchange's daily order cap fairly across the bots
// sharing it and guards the per-venue burst window. Caps are venue
// reference data; the manager only divides, it never derives them.
type Service struct {
	cfg    config.BudgetConfig
	bots   *bots.Service
	ledger *ledger.Service
}

func NewService(cfg config.BudgetConfig, botService *bots.Service, ledgerService *ledger.Service) *Service {
	return &Service{
		cfg:    cfg,
		bots:   botService,
		ledger: ledgerService,
	}
}

// CanExecute runs the budget checks in order: bot exists and is active,
// daily budget not exhausted, exchange burst window clear. The reason names
// the specific exhausted limit.
func (s *Service) CanExecute(botID, exch string) (bool, string, error) {
	bot, err := s.bots.GetBot(botID)
	if err != nil {
		return false, fmt.Sprintf("bot %s not found", botID), err
	}
	if bot.Status != types.BotActive {
		return false, fmt.Sprintf("bot %s is %s", botID, bot.Status), nil
	}

	status, err := s.BudgetStatus(bot, time.Now())
	if err != nil {
		return false, "daily budget unavailable", err
	}
	if status.Remaining <= 0 {
		return false, fmt.Sprintf("daily budget exhausted: %d of %d orders used", status.Used, status.Limit), nil
	}

	ok, reason, err := s.CheckBurstLimit(exch, time.Now())
	if err != nil {
		return false, "burst window unavailable", err
	}
	if !ok {
		return false, reason, nil
	}

	return true, "", nil
}

// CalculateBotDailyBudget divides the exchange's daily order cap across the
// bots currently active on it, clamped up to the configured floor. The
// fleet size is read fresh on every call so fairness tracks the current
// fleet, not the fleet at day start.
func (s *Service) CalculateBotDailyBudget(exch string) (int, error) {
	venue, err := exchange.GetVenue(exch)
	if err != nil {
		return 0, err
	}

	activeCount, err := s.bots.CountActiveOnExchange(exch)
	if err != nil {
		return 0, err
	}
	if activeCount < 1 {
		activeCount = 1
	}

	perBot := venue.DailyOrderCap / activeCount
	if perBot < s.cfg.MinPerBotBudget {
		perBot = s.cfg.MinPerBotBudget
	}
	return perBot, nil
}

// CheckBurstLimit rejects when the exchange's trailing-window trade count
// has reached the venue's burst cap.
func (s *Service) CheckBurstLimit(exch string, now time.Time) (bool, string, error) {
	venue, err := exchange.GetVenue(exch)
	if err != nil {
		return false, err.Error(), err
	}

	count, err := s.ledger.CountExchangeTrades(exch, now.Add(-s.cfg.BurstWindow))
	if err != nil {
		return false, "", err
	}
	if count >= venue.BurstCap {
		return false, fmt.Sprintf("burst limit reached on %s: %d trades in %s (cap %d)",
			exch, count, s.cfg.BurstWindow, venue.BurstCap), nil
	}
	return true, "", nil
}

// BudgetStatus reports a bot's daily budget consumption as of now.
func (s *Service) BudgetStatus(bot *types.Bot, now time.Time) (*types.BudgetStatus, error) {
	limit, err := s.CalculateBotDailyBudget(bot.Exchange)
	if err != nil {
		return nil, err
	}

	utc := now.UTC()
	dayStart := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	used, err := s.ledger.GetTradeCount("", bot.BotID, dayStart)
	if err != nil {
		return nil, err
	}

	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	pct := 0.0
	if limit > 0 {
		pct = float64(used) / float64(limit) * 100
	}

	return &types.BudgetStatus{
		BotID:     bot.BotID,
		Exchange:  bot.Exchange,
		Used:      used,
		Limit:     limit,
		Remaining: remaining,
		Pct:       pct,
	}, nil
}

// GinHandlers contains HTTP handlers for budget endpoints.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// GetBudgetStatusHandler handles GET requests for a bot's remaining daily
// order budget. URL parameter: bot_id.
func (h *GinHandlers) GetBudgetStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.UserIDFromContext(c)
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		botID := c.Param("bot_id")
		if botID == "" {
			response.BadRequest(c, "bot_id is required")
			return
		}

		bot, err := h.service.bots.GetBot(botID)
		if err != nil || bot.UserID != userID {
			response.NotFound(c, "Bot not found")
			return
		}

		status, err := h.service.BudgetStatus(bot, time.Now())
		if err != nil {
			log.Error().Err(err).Str("service", "budget").Str("bot_id", botID).Msg("budget status failed")
			response.InternalError(c, "Failed to compute budget status")
			return
		}
		response.Success(c, status)
	}
}
