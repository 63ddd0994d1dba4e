package bots

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/botfleet/botfleet-api/internal/auth"
	"github.com/botfleet/botfleet-api/internal/exchange"
	"github.com/botfleet/botfleet-api/internal/types"
	"github.com/botfleet/botfleet-api/pkg/response"
)

// Funder performs the capital allocation when a bot is created or respawned.
// The wallet service implements it; the registry never writes ledger rows
// itself.
type Funder interface {
	FundBot(userID, botID string, amount decimal.Decimal, description string) error
	ReallocateCapital(userID, fromBotID, toBotID, description string) (decimal.Decimal, error)
}

// Service is the fleet registry: bot identities, risk modes, and the
// pause/quarantine lifecycle the breaker and bodyguard drive.
type Service struct {
	db     *Database
	funder Funder
}

func NewService(gormDB *gorm.DB, funder Funder) *Service {
	return &Service{
		db:     NewDatabase(gormDB),
		funder: funder,
	}
}

// CreateBot registers a new fleet member and allocates its starting capital.
func (s *Service) CreateBot(userID, name, exch, symbol, riskMode string, capital decimal.Decimal) (*types.Bot, error) {
	if _, err := exchange.GetVenue(exch); err != nil {
		return nil, err
	}
	switch riskMode {
	case types.RiskSafe, types.RiskBalanced, types.RiskAggressive:
	case "":
		riskMode = types.RiskBalanced
	default:
		return nil, types.ErrValidation
	}

	bot := &types.Bot{
		BotID:          "BOT_" + uuid.New().String(),
		UserID:         userID,
		Name:           name,
		Exchange:       exch,
		Symbol:         symbol,
		RiskMode:       riskMode,
		Status:         types.BotActive,
		InitialCapital: capital,
		CurrentCapital: capital,
		EquityPeak:     capital,
	}

	if err := s.db.CreateBot(bot); err != nil {
		return nil, err
	}
	if s.funder != nil && capital.IsPositive() {
		if err := s.funder.FundBot(userID, bot.BotID, capital, "initial capital allocation"); err != nil {
			return nil, err
		}
	}

	log.Info().
		Str("service", "bots").
		Str("bot_id", bot.BotID).
		Str("user_id", userID).
		Str("exchange", exch).
		Str("risk_mode", riskMode).
		Msg("bot created")

	return bot, nil
}

func (s *Service) GetBot(botID string) (*types.Bot, error) {
	return s.db.GetBot(botID)
}

func (s *Service) ListBots(userID string) ([]types.Bot, error) {
	return s.db.ListBots(userID)
}

func (s *Service) UpdateBot(bot *types.Bot) error {
	return s.db.UpdateBot(bot)
}

func (s *Service) CountActiveOnExchange(exch string) (int, error) {
	return s.db.CountActiveOnExchange(exch)
}

func (s *Service) ListActive() ([]types.Bot, error) {
	return s.db.ListActive()
}

func (s *Service) ListPausedBy(pausedBy string) ([]types.Bot, error) {
	return s.db.ListPausedBy(pausedBy)
}

func (s *Service) ListExpiredQuarantines(now time.Time) ([]types.Bot, error) {
	return s.db.ListExpiredQuarantines(now)
}

// Pause stops a bot without quarantine escalation.
func (s *Service) Pause(bot *types.Bot, pausedBy, reason string) error {
	bot.Status = types.BotPaused
	bot.PausedBy = pausedBy
	bot.PauseReason = reason
	return s.db.UpdateBot(bot)
}

// Resume returns a paused or quarantine-expired bot to active duty.
func (s *Service) Resume(bot *types.Bot) error {
	bot.Status = types.BotActive
	bot.PausedBy = ""
	bot.PauseReason = ""
	bot.RetrainingUntil = nil
	return s.db.UpdateBot(bot)
}

// Quarantine benches a bot until retrainingUntil and bumps the escalation
// counter. Counts only ever move up on a given identity.
func (s *Service) Quarantine(bot *types.Bot, until time.Time, reason string) error {
	bot.Status = types.BotQuarantined
	bot.PausedBy = types.PausedByBreaker
	bot.QuarantineCount++
	bot.QuarantineReason = reason
	bot.RetrainingUntil = &until
	return s.db.UpdateBot(bot)
}

// Replace retires a bot identity and spawns a fresh one with the same
// configuration, quarantine count zero, and the old bot's capital
// reallocated to the new identity.
func (s *Service) Replace(old *types.Bot, reason string) (*types.Bot, error) {
	replacement := &types.Bot{
		BotID:          "BOT_" + uuid.New().String(),
		UserID:         old.UserID,
		Name:           old.Name,
		Exchange:       old.Exchange,
		Symbol:         old.Symbol,
		RiskMode:       old.RiskMode,
		Status:         types.BotActive,
		InitialCapital: old.InitialCapital,
		CurrentCapital: old.InitialCapital,
		EquityPeak:     old.InitialCapital,
	}

	if err := s.db.ReplaceBot(old, replacement); err != nil {
		return nil, err
	}

	// The old identity's capital moves, it is not re-minted: a withdrawal on
	// it and a matching funding on the replacement, netting to zero at user
	// scope.
	moved := decimal.Zero
	if s.funder != nil {
		var err error
		moved, err = s.funder.ReallocateCapital(old.UserID, old.BotID, replacement.BotID,
			"capital reallocated from "+old.BotID)
		if err != nil {
			return nil, err
		}
	}

	log.Info().
		Str("service", "bots").
		Str("old_bot_id", old.BotID).
		Str("new_bot_id", replacement.BotID).
		Str("capital_moved", moved.String()).
		Str("reason", reason).
		Msg("bot replaced after repeated quarantine")

	return replacement, nil
}

// GinHandlers contains HTTP handlers for the bot registry.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

type createBotRequest struct {
	Name     string          `json:"name" binding:"required"`
	Exchange string          `json:"exchange" binding:"required"`
	Symbol   string          `json:"symbol" binding:"required"`
	RiskMode string          `json:"risk_mode"`
	Capital  decimal.Decimal `json:"capital"`
}

// CreateBotHandler handles POST requests to register a new bot.
func (h *GinHandlers) CreateBotHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.UserIDFromContext(c)
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		var req createBotRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		bot, err := h.service.CreateBot(userID, req.Name, req.Exchange, req.Symbol, req.RiskMode, req.Capital)
		response.Handle(c, bot, err)
	}
}

// ListBotsHandler handles GET requests for the caller's fleet.
func (h *GinHandlers) ListBotsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.UserIDFromContext(c)
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		bots, err := h.service.ListBots(userID)
		response.Handle(c, bots, err)
	}
}
