package ledger

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/botfleet/botfleet-api/internal/auth"
	"github.com/botfleet/botfleet-api/internal/types"
	"github.com/botfleet/botfleet-api/pkg/response"
)

// Profit series periods.
const (
	PeriodDaily   = "daily"
	PeriodWeekly  = "weekly"
	PeriodMonthly = "monthly"
)

// Service derives every financial metric on demand from the immutable fill
// and event sets. Nothing here keeps a running total; any snapshot stored
// elsewhere is advisory and this service is the tie-breaker.
type Service struct {
	db  *Database
	loc *time.Location
}

// NewService creates a ledger service. loc is the reporting timezone used
// for calendar bucketing; nil means UTC.
func NewService(gormDB *gorm.DB, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		db:  NewDatabase(gormDB),
		loc: loc,
	}
}

// AppendFill persists an immutable fill and returns its id. A failure here
// is a recording failure, not an execution failure: the caller must not
// re-run the underlying trade.
func (s *Service) AppendFill(fill *types.Fill) (string, error) {
	if fill.FillID == "" {
		fill.FillID = "FILL_" + uuid.New().String()
	}
	if fill.ExecutedAt.IsZero() {
		fill.ExecutedAt = time.Now()
	}

	if err := s.db.CreateFill(fill); err != nil {
		log.Error().Err(err).
			Str("service", "ledger").
			Str("fill_id", fill.FillID).
			Str("order_id", fill.OrderID).
			Msg("fill write failed; trade executed but not recorded")
		return "", fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}
	return fill.FillID, nil
}

// AppendEvent persists a funding/withdrawal/injection event.
func (s *Service) AppendEvent(event *types.LedgerEvent) (string, error) {
	if event.EventID == "" {
		event.EventID = "EVT_" + uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	if err := s.db.CreateEvent(event); err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}
	return event.EventID, nil
}

// AppendTransfer atomically records a capital move as a withdrawal from one
// bot and a funding of another. The two amounts must cancel so user-scope
// event totals are unchanged by the move.
func (s *Service) AppendTransfer(out, in *types.LedgerEvent) error {
	if !out.Amount.Add(in.Amount).IsZero() {
		return fmt.Errorf("%w: transfer amounts must net to zero", types.ErrValidation)
	}
	stamp := time.Now()
	for _, event := range []*types.LedgerEvent{out, in} {
		if event.EventID == "" {
			event.EventID = "EVT_" + uuid.New().String()
		}
		if event.OccurredAt.IsZero() {
			event.OccurredAt = stamp
		}
	}

	if err := s.db.CreateEventPair(out, in); err != nil {
		return fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}
	return nil
}

// SumEventAmounts totals the signed non-trade balance changes recorded for
// a user or bot. The wallet derives funded capital from this.
func (s *Service) SumEventAmounts(userID, botID string) (decimal.Decimal, error) {
	events, err := s.db.GetEvents(userID, botID, time.Time{})
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", types.ErrDataUnavailable, err)
	}
	return sumEvents(events), nil
}

// GetFills returns fills matching the filter, oldest first.
func (s *Service) GetFills(filter FillFilter) ([]types.Fill, error) {
	fills, err := s.db.GetFills(filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrDataUnavailable, err)
	}
	return fills, nil
}

// GetFillByID returns one recorded fill, for result reconstruction on
// idempotent replays.
func (s *Service) GetFillByID(fillID string) (*types.Fill, error) {
	fill, err := s.db.GetFillByID(fillID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrDataUnavailable, err)
	}
	return fill, nil
}

// GetTradeCount counts fills since a point in time for a user or bot.
func (s *Service) GetTradeCount(userID, botID string, since time.Time) (int, error) {
	count, err := s.db.CountFills(userID, botID, since)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", types.ErrDataUnavailable, err)
	}
	return count, nil
}

// CountExchangeTrades counts fills across an exchange in a trailing window.
func (s *Service) CountExchangeTrades(exchange string, since time.Time) (int, error) {
	count, err := s.db.CountExchangeFills(exchange, since)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", types.ErrDataUnavailable, err)
	}
	return count, nil
}

// ComputeRealizedPnL sums FIFO-matched P&L for a user, optionally narrowed
// to one bot and symbol. Unmatched inventory contributes nothing.
func (s *Service) ComputeRealizedPnL(userID, botID, symbol string) (decimal.Decimal, error) {
	fills, err := s.db.GetFills(FillFilter{UserID: userID, BotID: botID, Symbol: symbol})
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", types.ErrDataUnavailable, err)
	}

	matches, _, _ := replayFills(fills)
	total := decimal.Zero
	for _, m := range matches {
		total = total.Add(m.PnL)
	}
	return total, nil
}

// ComputeFeesPaid sums fees across all fills for a user or bot.
func (s *Service) ComputeFeesPaid(userID, botID string) (decimal.Decimal, error) {
	fills, err := s.db.GetFills(FillFilter{UserID: userID, BotID: botID})
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", types.ErrDataUnavailable, err)
	}
	return sumFees(fills), nil
}

// ComputeEquity derives equity from first principles:
// funding events + realized P&L - fees + unrealized P&L on open inventory.
func (s *Service) ComputeEquity(userID, botID string) (decimal.Decimal, error) {
	fills, events, err := s.loadLedger(userID, botID)
	if err != nil {
		return decimal.Zero, err
	}

	matches, _, book := replayFills(fills)
	equity := sumEvents(events)
	for _, m := range matches {
		equity = equity.Add(m.PnL)
	}
	equity = equity.Sub(sumFees(fills))
	equity = equity.Add(book.unrealized())
	return equity, nil
}

// ComputeDrawdown replays the cash-equity curve chronologically: funding
// events move equity directly, fills move it by realized P&L minus fees.
// current is the decline from the running peak at the end of the replay,
// max is the worst decline seen anywhere along it. Both in percent.
func (s *Service) ComputeDrawdown(userID, botID string) (current, max float64, err error) {
	fills, events, err := s.loadLedger(userID, botID)
	if err != nil {
		return 0, 0, err
	}
	current, max = replayDrawdown(fills, events)
	return current, max, nil
}

// RecentRoundTrips returns the most recent n completed round trips (sell
// fills with their FIFO-matched net result), newest last.
func (s *Service) RecentRoundTrips(userID, botID string, n int) ([]RoundTrip, error) {
	fills, err := s.db.GetFills(FillFilter{UserID: userID, BotID: botID})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrDataUnavailable, err)
	}

	_, trips, _ := replayFills(fills)
	if n > 0 && len(trips) > n {
		trips = trips[len(trips)-n:]
	}
	return trips, nil
}

// TodayNetProfit nets realized P&L against fees for the current reporting
// day. Matching still replays the full history so lots opened on earlier
// days pair correctly.
func (s *Service) TodayNetProfit(userID, botID string, now time.Time) (decimal.Decimal, error) {
	fills, err := s.db.GetFills(FillFilter{UserID: userID, BotID: botID})
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", types.ErrDataUnavailable, err)
	}

	local := now.In(s.loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)

	matches, _, _ := replayFills(fills)
	net := decimal.Zero
	for _, m := range matches {
		if !m.SoldAt.Before(dayStart) {
			net = net.Add(m.PnL)
		}
	}
	for _, f := range fills {
		if !f.ExecutedAt.Before(dayStart) {
			net = net.Sub(f.Fee)
		}
	}
	return net, nil
}

// ProfitSeries buckets realized P&L net of fees by calendar period in the
// reporting timezone and returns up to limit most recent buckets, oldest
// first.
func (s *Service) ProfitSeries(userID, period string, limit int, botID string, since time.Time) ([]types.ProfitBucket, error) {
	switch period {
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
	default:
		return nil, fmt.Errorf("%w: unknown period %q", types.ErrValidation, period)
	}

	fills, err := s.db.GetFills(FillFilter{UserID: userID, BotID: botID, Since: since})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrDataUnavailable, err)
	}

	matches, _, _ := replayFills(fills)

	buckets := make(map[time.Time]decimal.Decimal)
	for _, m := range matches {
		b := s.bucketStart(m.SoldAt, period)
		buckets[b] = buckets[b].Add(m.PnL)
	}
	for _, f := range fills {
		b := s.bucketStart(f.ExecutedAt, period)
		buckets[b] = buckets[b].Sub(f.Fee)
	}

	keys := make([]time.Time, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })
	if limit > 0 && len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}

	series := make([]types.ProfitBucket, 0, len(keys))
	for _, k := range keys {
		series = append(series, types.ProfitBucket{
			Bucket:    k,
			Label:     s.bucketLabel(k, period),
			NetProfit: buckets[k],
		})
	}
	return series, nil
}

// Summary assembles the full derived picture in one pass. On a store error
// it fails closed: zero values with DataUnavailable set, so safety checks
// read it as "cannot confirm safe" rather than "all clear".
func (s *Service) Summary(userID, botID string) (*types.LedgerSummary, error) {
	fills, events, err := s.loadLedger(userID, botID)
	if err != nil {
		return &types.LedgerSummary{DataUnavailable: true}, err
	}

	matches, _, book := replayFills(fills)

	realized := decimal.Zero
	for _, m := range matches {
		realized = realized.Add(m.PnL)
	}
	fees := sumFees(fills)
	unrealized := book.unrealized()
	equity := sumEvents(events).Add(realized).Sub(fees).Add(unrealized)

	current, max := replayDrawdown(fills, events)

	return &types.LedgerSummary{
		Equity:          equity,
		RealizedPnL:     realized,
		UnrealizedPnL:   unrealized,
		FeesTotal:       fees,
		DrawdownCurrent: current,
		DrawdownMax:     max,
	}, nil
}

func (s *Service) loadLedger(userID, botID string) ([]types.Fill, []types.LedgerEvent, error) {
	fills, err := s.db.GetFills(FillFilter{UserID: userID, BotID: botID})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", types.ErrDataUnavailable, err)
	}
	events, err := s.db.GetEvents(userID, botID, time.Time{})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", types.ErrDataUnavailable, err)
	}
	return fills, events, nil
}

func (s *Service) bucketStart(t time.Time, period string) time.Time {
	local := t.In(s.loc)
	switch period {
	case PeriodWeekly:
		// Weeks start Monday.
		day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case PeriodMonthly:
		return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, s.loc)
	default:
		return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
	}
}

func (s *Service) bucketLabel(bucket time.Time, period string) string {
	switch period {
	case PeriodMonthly:
		return bucket.Format("2006-01")
	default:
		return bucket.Format("2006-01-02")
	}
}

func sumFees(fills []types.Fill) decimal.Decimal {
	total := decimal.Zero
	for _, f := range fills {
		total = total.Add(f.Fee)
	}
	return total
}

func sumEvents(events []types.LedgerEvent) decimal.Decimal {
	total := decimal.Zero
	for _, e := range events {
		total = total.Add(e.Amount)
	}
	return total
}

// curvePoint is one chronological equity delta.
type curvePoint struct {
	at    time.Time
	delta decimal.Decimal
}

// buildEquityCurve merges funding events and fill outcomes into a single
// chronological sequence of equity deltas.
func buildEquityCurve(fills []types.Fill, events []types.LedgerEvent) []decimal.Decimal {
	points := make([]curvePoint, 0, len(fills)+len(events))
	for _, e := range events {
		points = append(points, curvePoint{at: e.OccurredAt, delta: e.Amount})
	}

	// Realized P&L lands at the sell fill's timestamp; fees at each fill's.
	matches, _, _ := replayFills(fills)
	for _, m := range matches {
		points = append(points, curvePoint{at: m.SoldAt, delta: m.PnL})
	}
	for _, f := range fills {
		points = append(points, curvePoint{at: f.ExecutedAt, delta: f.Fee.Neg()})
	}

	sort.SliceStable(points, func(i, j int) bool { return points[i].at.Before(points[j].at) })

	deltas := make([]decimal.Decimal, len(points))
	for i, p := range points {
		deltas[i] = p.delta
	}
	return deltas
}

func replayDrawdown(fills []types.Fill, events []types.LedgerEvent) (current, max float64) {
	equity := decimal.Zero
	peak := decimal.Zero
	for _, delta := range buildEquityCurve(fills, events) {
		equity = equity.Add(delta)
		if equity.GreaterThan(peak) {
			peak = equity
		}
		if peak.IsPositive() {
			dd, _ := peak.Sub(equity).Div(peak).Mul(decimal.NewFromInt(100)).Float64()
			if dd > max {
				max = dd
			}
			current = dd
		}
	}
	return current, max
}

// GinHandlers contains HTTP handlers for ledger endpoints.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// GetLedgerSummaryHandler handles GET requests for the derived financial
// summary of the caller, optionally narrowed to one bot.
func (h *GinHandlers) GetLedgerSummaryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.UserIDFromContext(c)
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		summary, err := h.service.Summary(userID, c.Query("bot_id"))
		if err != nil {
			response.ServiceUnavailable(c, "Ledger data unavailable")
			return
		}
		response.Success(c, summary)
	}
}

// ProfitSeriesHandler handles GET requests for periodic profit buckets.
// Query parameters: period (daily|weekly|monthly), limit, bot_id.
func (h *GinHandlers) ProfitSeriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.UserIDFromContext(c)
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		period := c.DefaultQuery("period", PeriodDaily)
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "30"))
		if err != nil || limit < 1 {
			response.BadRequest(c, "limit must be a positive integer")
			return
		}

		series, err := h.service.ProfitSeries(userID, period, limit, c.Query("bot_id"), time.Time{})
		response.Handle(c, series, err)
	}
}

type appendEventRequest struct {
	UserID      string          `json:"user_id" binding:"required"`
	BotID       string          `json:"bot_id"`
	EventType   string          `json:"event_type" binding:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description"`
}

// AppendEventHandler handles internal POST requests recording funding,
// withdrawal, and injection events.
func (h *GinHandlers) AppendEventHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req appendEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if req.Currency == "" {
			req.Currency = "USD"
		}

		event := &types.LedgerEvent{
			UserID:      req.UserID,
			BotID:       req.BotID,
			EventType:   req.EventType,
			Amount:      req.Amount,
			Currency:    req.Currency,
			Description: req.Description,
		}
		eventID, err := h.service.AppendEvent(event)
		if err != nil {
			response.InternalError(c, "Failed to record ledger event")
			return
		}
		response.Success(c, gin.H{"event_id": eventID})
	}
}
