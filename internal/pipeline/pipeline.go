package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/botfleet/botfleet-api/internal/auth"
	"github.com/botfleet/botfleet-api/internal/bots"
	"github.com/botfleet/botfleet-api/internal/breaker"
	"github.com/botfleet/botfleet-api/internal/budget"
	"github.com/botfleet/botfleet-api/internal/config"
	"github.com/botfleet/botfleet-api/internal/events"
	"github.com/botfleet/botfleet-api/internal/exchange"
	"github.com/botfleet/botfleet-api/internal/ledger"
	"github.com/botfleet/botfleet-api/internal/types"
	"github.com/botfleet/botfleet-api/pkg/response"
)

// Service is the order pipeline: for every submission it runs the four
// admission gates in fixed order, stopping at the first failure, and on a
// full pass dispatches execution and records the fill in the ledger.
type Service struct {
	cfg      config.ExecutionConfig
	db       *Database
	ledger   *ledger.Service
	bots     *bots.Service
	budget   *budget.Service
	breaker  *breaker.Service
	executor exchange.Executor
	bus      *events.Bus
	locks    *entityLocks
}

func NewService(cfg config.ExecutionConfig, gormDB *gorm.DB, ledgerService *ledger.Service,
	botService *bots.Service, budgetService *budget.Service, breakerService *breaker.Service,
	executor exchange.Executor, bus *events.Bus) *Service {
	return &Service{
		cfg:      cfg,
		db:       NewDatabase(gormDB),
		ledger:   ledgerService,
		bots:     botService,
		budget:   budgetService,
		breaker:  breakerService,
		executor: executor,
		bus:      bus,
		locks:    newEntityLocks(),
	}
}

// Submit runs one order through the admission gates. Gate failures come
// back as a structured OrderResult, never as an error; the error return is
// reserved for infrastructure failures (persistence, recording).
func (s *Service) Submit(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = deriveIdempotencyKey(req)
	}

	logger := log.With().
		Str("service", "pipeline").
		Str("user_id", req.UserID).
		Str("bot_id", req.BotID).
		Str("symbol", req.Symbol).
		Str("side", req.Side).
		Logger()

	// Serialize everything below per (user, bot): concurrent submissions
	// with one idempotency key must not both pass gate one, and budget
	// admission must not over-admit.
	unlock := s.locks.acquire(req.UserID + "|" + req.BotID)
	defer unlock()

	// Gate 1: idempotency.
	if result, err := s.checkIdempotency(&req, logger); result != nil || err != nil {
		return result, err
	}

	order := &types.Order{
		OrderID:         "ORD_" + uuid.New().String(),
		UserID:          req.UserID,
		BotID:           req.BotID,
		IdempotencyKey:  req.IdempotencyKey,
		Exchange:        req.Exchange,
		Symbol:          req.Symbol,
		Side:            req.Side,
		OrderType:       req.OrderType,
		Quantity:        req.Quantity,
		Price:           req.Price,
		ExpectedEdgeBps: req.ExpectedEdgeBps,
		Status:          types.OrderGateChecking,
	}
	record := &IdempotencyRecord{
		UserID:         req.UserID,
		BotID:          req.BotID,
		IdempotencyKey: req.IdempotencyKey,
		OrderID:        order.OrderID,
		ExpiresAt:      time.Now().Add(s.cfg.IdempotencyTTL),
	}
	if err := s.db.CreateOrderWithIdempotency(order, record); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}

	gatesPassed := []string{types.GateIdempotency}

	// Gate 2: fee coverage.
	if rejection := s.checkFeeCoverage(&req); rejection != nil {
		return s.reject(order, gatesPassed, rejection, logger)
	}
	gatesPassed = append(gatesPassed, types.GateFeeCoverage)

	// Gate 3: trade limiter.
	ok, reason, err := s.budget.CanExecute(req.BotID, req.Exchange)
	if err != nil {
		logger.Warn().Err(err).Msg("trade limiter degraded")
	}
	if !ok {
		return s.reject(order, gatesPassed, types.Reject(types.GateTradeLimiter, "%s", reason), logger)
	}
	gatesPassed = append(gatesPassed, types.GateTradeLimiter)

	// Gate 4: circuit breaker. A tripped state wins unconditionally,
	// whatever the earlier gates concluded.
	bot, err := s.bots.GetBot(req.BotID)
	if err != nil {
		return s.reject(order, gatesPassed,
			types.Reject(types.GateCircuitBreaker, "bot %s not found", req.BotID), logger)
	}
	if ok, reason := s.breaker.CheckAdmission(bot); !ok {
		return s.reject(order, gatesPassed, types.Reject(types.GateCircuitBreaker, "%s", reason), logger)
	}
	gatesPassed = append(gatesPassed, types.GateCircuitBreaker)

	// All gates passed: accept and dispatch. From here the order can no
	// longer be cancelled by the pipeline; its job ends at recording the
	// eventual fill or error.
	order.Status = types.OrderAccepted
	order.GatesPassed = marshalGates(gatesPassed)
	if err := s.db.UpdateOrder(order); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}

	return s.execute(ctx, order, gatesPassed, logger)
}

// checkIdempotency replays or rejects when the key is already consumed.
// Returns (nil, nil) when the key is fresh.
func (s *Service) checkIdempotency(req *types.OrderRequest, logger zerolog.Logger) (*types.OrderResult, error) {
	record, err := s.db.GetIdempotencyRecord(req.UserID, req.BotID, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}
	if record == nil {
		return nil, nil
	}
	if record.ExpiresAt.Before(time.Now()) {
		// Expired keys free their slot so the unique index accepts the
		// fresh submission.
		if err := s.db.ReleaseIdempotencyKey(req.UserID, req.BotID, req.IdempotencyKey); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrPersistence, err)
		}
		return nil, nil
	}

	prior, err := s.db.GetOrder(record.OrderID)
	if err != nil || prior == nil {
		return nil, fmt.Errorf("%w: idempotency record points at missing order %s", types.ErrPersistence, record.OrderID)
	}

	switch prior.Status {
	case types.OrderFilled, types.OrderRejected, types.OrderError:
		logger.Info().Str("order_id", prior.OrderID).Msg("idempotent replay of prior result")
		result, err := s.resultFromOrder(prior)
		if err != nil {
			return nil, err
		}
		result.Replayed = true
		return result, nil
	default:
		logger.Warn().Str("order_id", prior.OrderID).Msg("duplicate submission while order in flight")
		return &types.OrderResult{
			Success:         false,
			OrderID:         prior.OrderID,
			Status:          prior.Status,
			GateFailed:      types.GateIdempotency,
			RejectionReason: "An order with this idempotency key is already in flight",
		}, nil
	}
}

func (s *Service) checkFeeCoverage(req *types.OrderRequest) *types.GateRejection {
	venue, err := exchange.GetVenue(req.Exchange)
	if err != nil {
		return types.Reject(types.GateFeeCoverage, "%s", err.Error())
	}
	required := venue.RoundTripCostBps() + s.cfg.SafetyMarginBps
	if req.ExpectedEdgeBps < required {
		return types.Reject(types.GateFeeCoverage,
			"Expected edge %.1f bps below required %.1f bps (fees %.1f + slippage %.1f + safety %.1f)",
			req.ExpectedEdgeBps, required, 2*venue.FeeBps, venue.SlippageBps, s.cfg.SafetyMarginBps)
	}
	return nil
}

// execute dispatches to the venue with the configured timeout and records
// the outcome. Persistence failures after a confirmed execution are kept
// distinct from execution failures: the key stays consumed and the error
// names the recording, not the trade.
func (s *Service) execute(ctx context.Context, order *types.Order, gatesPassed []string, logger zerolog.Logger) (*types.OrderResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	execResult, err := s.executor.PlaceOrder(execCtx, exchange.ExecutionRequest{
		Exchange:  order.Exchange,
		Symbol:    order.Symbol,
		Side:      order.Side,
		OrderType: order.OrderType,
		Quantity:  order.Quantity,
		Price:     order.Price,
	})
	if err != nil {
		order.Status = types.OrderError
		order.RejectionReason = err.Error()
		if saveErr := s.db.UpdateOrder(order); saveErr != nil {
			logger.Error().Err(saveErr).Msg("failed to record execution error")
		}
		s.breaker.RecordAlert(types.EntityBot, order.BotID, "execution", err.Error())

		if types.IsRetryableExecution(err) {
			// A timeout may be retried without double-spending; free the
			// key so the caller can resubmit the same trade intent.
			if relErr := s.db.ReleaseIdempotencyKey(order.UserID, order.BotID, order.IdempotencyKey); relErr != nil {
				logger.Error().Err(relErr).Msg("failed to release idempotency key")
			}
		}

		logger.Warn().Err(err).Str("order_id", order.OrderID).Msg("execution failed")
		return &types.OrderResult{
			Success:         false,
			OrderID:         order.OrderID,
			Status:          types.OrderError,
			GatesPassed:     gatesPassed,
			RejectionReason: err.Error(),
		}, nil
	}

	fill := &types.Fill{
		UserID:        order.UserID,
		BotID:         order.BotID,
		Exchange:      order.Exchange,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Quantity:      execResult.FillQuantity,
		Price:         execResult.FillPrice,
		Fee:           execResult.Fee,
		FeeCurrency:   "USD",
		OrderID:       order.OrderID,
		ClientOrderID: execResult.VenueOrderID,
	}
	fillID, err := s.ledger.AppendFill(fill)
	if err != nil {
		// The trade happened. Surface the recording failure distinctly so
		// operators can reconcile; never report it as a failed trade.
		order.Status = types.OrderError
		order.RejectionReason = "executed but fill recording failed"
		if saveErr := s.db.UpdateOrder(order); saveErr != nil {
			logger.Error().Err(saveErr).Msg("failed to record persistence error on order")
		}
		s.breaker.RecordAlert(types.EntityBot, order.BotID, "ledger", "fill recording failed for order "+order.OrderID)
		return nil, err
	}

	now := time.Now()
	order.Status = types.OrderFilled
	order.FillID = fillID
	order.FilledAt = &now
	if err := s.db.UpdateOrder(order); err != nil {
		logger.Error().Err(err).Msg("fill recorded but order row update failed")
	}

	logger.Info().
		Str("order_id", order.OrderID).
		Str("fill_id", fillID).
		Str("fill_price", execResult.FillPrice.String()).
		Str("fill_quantity", execResult.FillQuantity.String()).
		Msg("order filled")

	summary := &types.FillSummary{
		FillID:   fillID,
		Exchange: order.Exchange,
		Price:    execResult.FillPrice,
		Quantity: execResult.FillQuantity,
		Fee:      execResult.Fee,
	}
	s.bus.Publish(order.UserID, events.TopicOrderFilled, summary)

	return &types.OrderResult{
		Success:     true,
		OrderID:     order.OrderID,
		Status:      types.OrderFilled,
		GatesPassed: gatesPassed,
		Fill:        summary,
	}, nil
}

// reject finalizes a gate rejection: terminal order state, human-readable
// reason naming the gate and threshold, no outward fill notification.
func (s *Service) reject(order *types.Order, gatesPassed []string, rejection *types.GateRejection, logger zerolog.Logger) (*types.OrderResult, error) {
	order.Status = types.OrderRejected
	order.GatesPassed = marshalGates(gatesPassed)
	order.GateFailed = rejection.Gate
	order.RejectionReason = rejection.Reason
	if err := s.db.UpdateOrder(order); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}

	logger.Info().
		Str("order_id", order.OrderID).
		Str("gate_failed", rejection.Gate).
		Str("reason", rejection.Reason).
		Msg("order rejected")

	s.bus.Publish(order.UserID, events.TopicOrderRejected, gin.H{
		"order_id": order.OrderID,
		"gate":     rejection.Gate,
		"reason":   rejection.Reason,
	})

	return &types.OrderResult{
		Success:         false,
		OrderID:         order.OrderID,
		Status:          types.OrderRejected,
		GatesPassed:     gatesPassed,
		GateFailed:      rejection.Gate,
		RejectionReason: rejection.Reason,
	}, nil
}

// GetOrderStatus returns the order visible to its owner.
func (s *Service) GetOrderStatus(orderID, userID string) (*types.Order, error) {
	return s.db.GetOrderForUser(orderID, userID)
}

func (s *Service) resultFromOrder(order *types.Order) (*types.OrderResult, error) {
	result := &types.OrderResult{
		Success:         order.Status == types.OrderFilled,
		OrderID:         order.OrderID,
		Status:          order.Status,
		GatesPassed:     unmarshalGates(order.GatesPassed),
		GateFailed:      order.GateFailed,
		RejectionReason: order.RejectionReason,
	}
	if order.FillID != "" {
		fill, err := s.ledger.GetFillByID(order.FillID)
		if err != nil {
			return nil, err
		}
		if fill != nil {
			result.Fill = &types.FillSummary{
				FillID:   fill.FillID,
				Exchange: fill.Exchange,
				Price:    fill.Price,
				Quantity: fill.Quantity,
				Fee:      fill.Fee,
			}
		}
	}
	return result, nil
}

func validateRequest(req *types.OrderRequest) error {
	if req.UserID == "" || req.BotID == "" || req.Exchange == "" || req.Symbol == "" {
		return fmt.Errorf("%w: user, bot, exchange and symbol are required", types.ErrValidation)
	}
	if req.Side != types.SideBuy && req.Side != types.SideSell {
		return fmt.Errorf("%w: side must be BUY or SELL", types.ErrValidation)
	}
	if !req.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", types.ErrValidation)
	}
	if !req.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", types.ErrValidation)
	}
	if req.OrderType == "" {
		req.OrderType = "MARKET"
	}
	return nil
}

// deriveIdempotencyKey builds a deterministic key for callers that omit
// one, bucketing the signal to a minute so an identical retried intent
// maps to the same key.
func deriveIdempotencyKey(req types.OrderRequest) string {
	bucket := time.Now().UTC().Truncate(time.Minute).Unix()
	return fmt.Sprintf("%s:%s:%d", req.BotID, req.SignalID, bucket)
}

func marshalGates(gates []string) string {
	data, err := json.Marshal(gates)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalGates(raw string) []string {
	var gates []string
	if raw == "" {
		return gates
	}
	if err := json.Unmarshal([]byte(raw), &gates); err != nil {
		return nil
	}
	return gates
}

// GinHandlers contains HTTP handlers for order endpoints.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// SubmitOrderHandler handles POST requests submitting orders. The
// idempotency key comes from the Idempotency-Key header; omitted keys are
// derived from the signal.
func (h *GinHandlers) SubmitOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.UserIDFromContext(c)
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		var req types.OrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		req.UserID = userID
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")

		result, err := h.service.Submit(c.Request.Context(), req)
		response.Handle(c, result, err)
	}
}

// GetOrderStatusHandler handles GET requests for one order.
// URL parameter: order_id.
func (h *GinHandlers) GetOrderStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.UserIDFromContext(c)
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		order, err := h.service.GetOrderStatus(c.Param("order_id"), userID)
		if err != nil || order == nil {
			response.NotFound(c, "Order not found")
			return
		}
		response.Success(c, order)
	}
}
