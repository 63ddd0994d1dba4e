package breaker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/botfleet/botfleet-api/internal/bots"
	"github.com/botfleet/botfleet-api/internal/config"
	"github.com/botfleet/botfleet-api/internal/events"
	"github.com/botfleet/botfleet-api/internal/ledger"
	"github.com/botfleet/botfleet-api/internal/types"
	"github.com/botfleet/botfleet-api/internal/wallet"
	"github.com/botfleet/botfleet-api/pkg/response"
)

// Service is the hard circuit breaker. It consumes ledger metrics to decide
// trip, quarantine, and pause actions, and enforces the invariant that a
// tripped entity admits no orders until an explicit, reasoned reset.
//
// Drawdown and consecutive-loss breaches put the bot into escalating
// quarantine, released by the sweep when the bench time elapses. Daily-loss,
// error-rate, and account-level drawdown breaches persist a breaker state
// that only ResetCircuitBreaker clears; time alone never does.
type Service struct {
	cfg    config.BreakerConfig
	db     *Database
	bots   *bots.Service
	ledger *ledger.Service
	wallet *wallet.Service
	bus    *events.Bus
}

func NewService(cfg config.BreakerConfig, gormDB *gorm.DB, botService *bots.Service,
	ledgerService *ledger.Service, walletService *wallet.Service, bus *events.Bus) *Service {
	return &Service{
		cfg:    cfg,
		db:     NewDatabase(gormDB),
		bots:   botService,
		ledger: ledgerService,
		wallet: walletService,
		bus:    bus,
	}
}

// CheckAdmission is the circuit-breaker gate. It rejects when either the
// user or the bot entity is already tripped, then evaluates the live checks
// and rejects on any fresh breach. The account-level check runs before any
// per-bot check.
func (s *Service) CheckAdmission(bot *types.Bot) (ok bool, reason string) {
	for _, entity := range []struct{ entityType, entityID string }{
		{types.EntityUser, bot.UserID},
		{types.EntityBot, bot.BotID},
	} {
		state, err := s.db.GetState(entity.entityType, entity.entityID)
		if err != nil {
			// Cannot confirm safe; reject rather than wave through.
			return false, fmt.Sprintf("circuit breaker state unavailable for %s %s", entity.entityType, entity.entityID)
		}
		if state != nil && state.Tripped && state.ResetAt == nil {
			return false, fmt.Sprintf("circuit breaker tripped for %s %s: %s",
				entity.entityType, entity.entityID, state.TriggerReason)
		}
	}

	if reason, tripped := s.evaluateUser(bot.UserID); tripped {
		return false, reason
	}
	if reason, tripped := s.evaluateBot(bot); tripped {
		return false, reason
	}
	return true, ""
}

// evaluateUser runs the account-wide drawdown check. A breach trips the
// user entity and pauses every bot in the fleet (emergency stop).
func (s *Service) evaluateUser(userID string) (reason string, tripped bool) {
	current, _, err := s.ledger.ComputeDrawdown(userID, "")
	if err != nil {
		log.Warn().Err(err).Str("service", "breaker").Str("user_id", userID).
			Msg("account drawdown unavailable; skipping account check")
		return "", false
	}

	if current > s.cfg.MaxUserDrawdownPct {
		reason = fmt.Sprintf("Account drawdown %.1f%% exceeds limit %.1f%%", current, s.cfg.MaxUserDrawdownPct)
		s.tripEntity(types.EntityUser, userID, userID, types.TriggerGlobalDrawdown, reason, map[string]interface{}{
			"drawdown_pct": current,
		})
		s.emergencyStop(userID, reason)
		return reason, true
	}
	return "", false
}

// evaluateBot runs the per-bot checks in order: drawdown (with the
// capital-snapshot fallback when the ledger is degraded), daily loss,
// consecutive losses, error rate.
func (s *Service) evaluateBot(bot *types.Bot) (reason string, tripped bool) {
	if reason := s.checkDrawdown(bot); reason != "" {
		s.quarantine(bot, types.TriggerDrawdown, reason)
		return reason, true
	}
	if reason := s.checkDailyLoss(bot); reason != "" {
		s.tripEntity(types.EntityBot, bot.BotID, bot.UserID, types.TriggerDailyLoss, reason, nil)
		s.pause(bot, reason)
		return reason, true
	}
	if reason := s.checkConsecutiveLosses(bot); reason != "" {
		s.quarantine(bot, types.TriggerConsecutiveLoss, reason)
		return reason, true
	}
	if reason := s.checkErrorRate(bot); reason != "" {
		s.tripEntity(types.EntityBot, bot.BotID, bot.UserID, types.TriggerErrorRate, reason, nil)
		s.pause(bot, reason)
		return reason, true
	}
	return "", false
}

func (s *Service) checkDrawdown(bot *types.Bot) string {
	current, _, err := s.ledger.ComputeDrawdown(bot.UserID, bot.BotID)
	if err != nil {
		if errors.Is(err, types.ErrDataUnavailable) {
			// Degraded check beats no check: fall back to the capital
			// snapshot on the bot row.
			return s.checkDrawdownSnapshot(bot)
		}
		return ""
	}
	if current > s.cfg.MaxBotDrawdownPct {
		return fmt.Sprintf("Drawdown %.1f%% exceeds limit %.1f%%", current, s.cfg.MaxBotDrawdownPct)
	}
	return ""
}

func (s *Service) checkDrawdownSnapshot(bot *types.Bot) string {
	if !bot.InitialCapital.IsPositive() {
		return ""
	}
	lost := bot.InitialCapital.Sub(bot.CurrentCapital)
	pct, _ := lost.Div(bot.InitialCapital).Mul(decimal.NewFromInt(100)).Float64()
	if pct > s.cfg.MaxBotDrawdownPct {
		return fmt.Sprintf("Capital snapshot drawdown %.1f%% exceeds limit %.1f%% (ledger degraded)",
			pct, s.cfg.MaxBotDrawdownPct)
	}
	return ""
}

func (s *Service) checkDailyLoss(bot *types.Bot) string {
	today, err := s.ledger.TodayNetProfit(bot.UserID, bot.BotID, time.Now())
	if err != nil {
		log.Warn().Err(err).Str("service", "breaker").Str("bot_id", bot.BotID).
			Msg("daily P&L unavailable; skipping daily-loss check")
		return ""
	}
	if !today.IsNegative() {
		return ""
	}

	funded, err := s.wallet.FundedCapital(bot.UserID, bot.BotID)
	if err != nil || !funded.IsPositive() {
		funded = bot.InitialCapital
	}
	if !funded.IsPositive() {
		return ""
	}

	lossPct, _ := today.Abs().Div(funded).Mul(decimal.NewFromInt(100)).Float64()
	if lossPct > s.cfg.MaxDailyLossPct {
		return fmt.Sprintf("Daily loss %.1f%% exceeds limit %.1f%%", lossPct, s.cfg.MaxDailyLossPct)
	}
	return ""
}

func (s *Service) checkConsecutiveLosses(bot *types.Bot) string {
	trips, err := s.ledger.RecentRoundTrips(bot.UserID, bot.BotID, s.cfg.ConsecutiveLosses)
	if err != nil || len(trips) < s.cfg.ConsecutiveLosses {
		return ""
	}
	for _, rt := range trips {
		if !rt.NetPnL.IsNegative() {
			return ""
		}
	}
	return fmt.Sprintf("Last %d round trips were all losses", s.cfg.ConsecutiveLosses)
}

func (s *Service) checkErrorRate(bot *types.Bot) string {
	count, err := s.db.CountAlertsSince(types.EntityBot, bot.BotID, time.Now().Add(-time.Hour))
	if err != nil {
		return ""
	}
	if count > s.cfg.ErrorRateThreshold {
		return fmt.Sprintf("%d errors in the last hour exceeds limit %d", count, s.cfg.ErrorRateThreshold)
	}
	return ""
}

// RecordAlert attributes an operational error to an entity for the
// error-rate check.
func (s *Service) RecordAlert(entityType, entityID, source, message string) {
	alert := &Alert{
		EntityType: entityType,
		EntityID:   entityID,
		Source:     source,
		Message:    message,
		RaisedAt:   time.Now(),
	}
	if err := s.db.CreateAlert(alert); err != nil {
		log.Error().Err(err).Str("service", "breaker").Msg("failed to record alert")
	}
}

// tripEntity persists a breaker trip with a metrics snapshot and notifies
// the user. Trips are never silent.
func (s *Service) tripEntity(entityType, entityID, userID, triggerType, reason string, metrics map[string]interface{}) {
	now := time.Now()
	metricsJSON := ""
	if metrics != nil {
		if data, err := json.Marshal(metrics); err == nil {
			metricsJSON = string(data)
		}
	}

	state := &types.CircuitBreakerState{
		EntityType:    entityType,
		EntityID:      entityID,
		Tripped:       true,
		TriggerType:   triggerType,
		TriggerReason: reason,
		MetricsAtTrip: metricsJSON,
		TrippedAt:     &now,
	}
	if err := s.db.UpsertTrip(state); err != nil {
		log.Error().Err(err).
			Str("service", "breaker").
			Str("entity_type", entityType).
			Str("entity_id", entityID).
			Msg("failed to persist breaker trip")
	}

	log.Warn().
		Str("service", "breaker").
		Str("entity_type", entityType).
		Str("entity_id", entityID).
		Str("trigger", triggerType).
		Str("reason", reason).
		Msg("circuit breaker tripped")

	s.bus.Publish(userID, events.TopicBreakerTripped, gin.H{
		"entity_type": entityType,
		"entity_id":   entityID,
		"trigger":     triggerType,
		"reason":      reason,
	})
}

// quarantine benches a bot on the escalation schedule. The fourth breach on
// one identity retires it and spawns a replacement with a clean counter.
func (s *Service) quarantine(bot *types.Bot, triggerType, reason string) {
	if bot.QuarantineCount >= maxQuarantines {
		replacement, err := s.bots.Replace(bot, reason)
		if err != nil {
			log.Error().Err(err).Str("service", "breaker").Str("bot_id", bot.BotID).
				Msg("failed to replace bot after repeated quarantine")
			return
		}
		s.bus.Publish(bot.UserID, events.TopicBotReplaced, events.BotReplaced{
			OldBotID: bot.BotID,
			NewBotID: replacement.BotID,
			Reason:   reason,
		})
		return
	}

	duration := quarantineDurations[bot.QuarantineCount+1]
	until := time.Now().Add(duration)
	if err := s.bots.Quarantine(bot, until, reason); err != nil {
		log.Error().Err(err).Str("service", "breaker").Str("bot_id", bot.BotID).
			Msg("failed to quarantine bot")
		return
	}

	log.Warn().
		Str("service", "breaker").
		Str("bot_id", bot.BotID).
		Str("trigger", triggerType).
		Str("reason", reason).
		Int("quarantine_count", bot.QuarantineCount).
		Dur("duration", duration).
		Msg("bot quarantined")

	s.bus.Publish(bot.UserID, events.TopicBotQuarantined, gin.H{
		"bot_id":           bot.BotID,
		"trigger":          triggerType,
		"reason":           reason,
		"quarantine_count": bot.QuarantineCount,
		"retraining_until": until,
	})
}

func (s *Service) pause(bot *types.Bot, reason string) {
	if err := s.bots.Pause(bot, types.PausedByBreaker, reason); err != nil {
		log.Error().Err(err).Str("service", "breaker").Str("bot_id", bot.BotID).
			Msg("failed to pause bot")
		return
	}
	s.bus.Publish(bot.UserID, events.TopicBotPaused, gin.H{
		"bot_id": bot.BotID,
		"reason": reason,
	})
}

// emergencyStop pauses every active bot belonging to a user.
func (s *Service) emergencyStop(userID, reason string) {
	fleet, err := s.bots.ListBots(userID)
	if err != nil {
		log.Error().Err(err).Str("service", "breaker").Str("user_id", userID).
			Msg("failed to list fleet for emergency stop")
		return
	}
	for i := range fleet {
		bot := &fleet[i]
		if bot.Status != types.BotActive {
			continue
		}
		s.pause(bot, "account emergency stop: "+reason)
	}
}

// Status returns the caller-facing breaker view for one entity.
func (s *Service) Status(entityType, entityID string) (*types.BreakerStatus, error) {
	state, err := s.db.GetState(entityType, entityID)
	if err != nil {
		return nil, err
	}
	status := &types.BreakerStatus{EntityType: entityType, EntityID: entityID}
	if state != nil && state.Tripped && state.ResetAt == nil {
		status.Tripped = true
		status.Reason = state.TriggerReason
		status.TrippedAt = state.TrippedAt
		status.CanReset = true
	}
	return status, nil
}

// Reset clears a tripped breaker. A human-supplied reason is mandatory and
// persisted for audit; resets are the only way a trip clears.
func (s *Service) Reset(entityType, entityID, resetBy, reason string) (bool, error) {
	if reason == "" {
		return false, fmt.Errorf("%w: reset reason is required", types.ErrValidation)
	}

	state, err := s.db.GetState(entityType, entityID)
	if err != nil {
		return false, err
	}
	if state == nil || !state.Tripped || state.ResetAt != nil {
		return false, nil
	}

	if err := s.db.MarkReset(state, resetBy, reason); err != nil {
		return false, err
	}

	userID := entityID
	if entityType == types.EntityBot {
		if bot, err := s.bots.GetBot(entityID); err == nil {
			userID = bot.UserID
			if bot.Status == types.BotPaused && bot.PausedBy == types.PausedByBreaker {
				if err := s.bots.Resume(bot); err == nil {
					s.bus.Publish(bot.UserID, events.TopicBotResumed, gin.H{"bot_id": bot.BotID})
				}
			}
		}
	}

	log.Info().
		Str("service", "breaker").
		Str("entity_type", entityType).
		Str("entity_id", entityID).
		Str("reset_by", resetBy).
		Str("reason", reason).
		Msg("circuit breaker reset")

	s.bus.Publish(userID, events.TopicBreakerReset, gin.H{
		"entity_type": entityType,
		"entity_id":   entityID,
		"reset_by":    resetBy,
		"reason":      reason,
	})
	return true, nil
}

// GinHandlers contains HTTP handlers for breaker endpoints.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// GetStatusHandler handles GET requests for an entity's breaker state.
// URL parameters: entity_type, entity_id.
func (h *GinHandlers) GetStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entityType := c.Param("entity_type")
		if entityType != types.EntityBot && entityType != types.EntityUser {
			response.BadRequest(c, "entity_type must be bot or user")
			return
		}

		status, err := h.service.Status(entityType, c.Param("entity_id"))
		response.Handle(c, status, err)
	}
}

type resetRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ResetHandler handles internal POST requests clearing a tripped breaker.
// The reason is persisted for audit.
func (h *GinHandlers) ResetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entityType := c.Param("entity_type")
		if entityType != types.EntityBot && entityType != types.EntityUser {
			response.BadRequest(c, "entity_type must be bot or user")
			return
		}

		var req resetRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "a reset reason is required")
			return
		}

		resetBy := c.GetString("userID")
		done, err := h.service.Reset(entityType, c.Param("entity_id"), resetBy, req.Reason)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"reset": done})
	}
}
