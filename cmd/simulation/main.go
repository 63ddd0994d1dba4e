package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/botfleet/botfleet-api/internal/auth"
	"github.com/botfleet/botfleet-api/internal/bots"
	"github.com/botfleet/botfleet-api/internal/breaker"
	"github.com/botfleet/botfleet-api/internal/budget"
	"github.com/botfleet/botfleet-api/internal/config"
	"github.com/botfleet/botfleet-api/internal/database"
	"github.com/botfleet/botfleet-api/internal/events"
	"github.com/botfleet/botfleet-api/internal/exchange"
	"github.com/botfleet/botfleet-api/internal/ledger"
	"github.com/botfleet/botfleet-api/internal/pipeline"
	"github.com/botfleet/botfleet-api/internal/wallet"
	"github.com/botfleet/botfleet-api/pkg/middleware"
)

const (
	numBots       = 5
	minOrders     = 15
	maxOrders     = 150
	numWorkers    = 5
	serverAddress = "http://localhost:8080"
)

var (
	symbols   = []string{"BTC-USD", "ETH-USD", "SOL-USD", "AVAX-USD", "LINK-USD"}
	sides     = []string{"BUY", "SELL"}
	exchanges = []string{"binance", "coinbase", "kraken", "paper"}
	riskModes = []string{"safe", "balanced", "aggressive"}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	// Sort durations for percentile calculations
	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	// Calculate mean
	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))

	// Calculate median
	median = rs.durations[len(rs.durations)/2]

	// Calculate percentiles
	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the fleet API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

// newSimulationClient creates and initializes a new simulation client
// It authenticates with the API and prepares performance tracking
func newSimulationClient() (*simulationClient, error) {
	// Create HTTP client with timeout
	client := &http.Client{
		Timeout: 15 * time.Second,
	}

	sc := &simulationClient{
		baseURL: serverAddress,
		client:  client,
		stats: map[string]*routeStats{
			"auth":    {name: "Authentication"},
			"bot":     {name: "Create Bot"},
			"submit":  {name: "Submit Order"},
			"get":     {name: "Get Order"},
			"summary": {name: "Ledger Summary"},
			"budget":  {name: "Budget Status"},
		},
	}

	// Get auth token
	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token

	return sc, nil
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate() (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["auth"].addDuration(time.Since(start))
	}()

	credentials := map[string]string{
		"api_key":    auth.TestAPIKey,
		"api_secret": auth.TestAPISecret,
	}

	body, err := json.Marshal(credentials)
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Data struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	return result.Data.Token, nil
}

// doJSON issues an authenticated JSON request and decodes the envelope data
func (sc *simulationClient) doJSON(method, path string, payload interface{}, idempotencyKey string, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(data)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	envelope := struct {
		Success bool        `json:"success"`
		Data    interface{} `json:"data"`
	}{Data: out}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return nil
}

// createBot provisions one trading bot and returns its ID
func (sc *simulationClient) createBot(name, exch, symbol, riskMode string, capital float64) (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["bot"].addDuration(time.Since(start))
	}()

	payload := map[string]interface{}{
		"name":            name,
		"exchange":        exch,
		"symbol":          symbol,
		"risk_mode":       riskMode,
		"capital":         fmt.Sprintf("%.2f", capital),
	}

	var bot struct {
		BotID string `json:"bot_id"`
	}
	if err := sc.doJSON("POST", "/api/v1/bots", payload, "", &bot); err != nil {
		sc.stats["bot"].failures++
		return "", err
	}
	if bot.BotID == "" {
		return "", fmt.Errorf("no bot ID in response")
	}
	return bot.BotID, nil
}

// submitOrder pushes one order through the admission pipeline
// Returns the order result including the gate decision
func (sc *simulationClient) submitOrder(botID, exch, symbol, side string, qty, price, edgeBps float64) (*orderResult, error) {
	start := time.Now()
	defer func() {
		sc.stats["submit"].addDuration(time.Since(start))
	}()

	payload := map[string]interface{}{
		"bot_id":            botID,
		"exchange":          exch,
		"symbol":            symbol,
		"side":              side,
		"order_type":        "MARKET",
		"quantity":          fmt.Sprintf("%.4f", qty),
		"price":             fmt.Sprintf("%.2f", price),
		"expected_edge_bps": edgeBps,
		"signal_id":         uuid.New().String(),
	}

	var result orderResult
	if err := sc.doJSON("POST", "/api/v1/orders", payload, uuid.New().String(), &result); err != nil {
		sc.stats["submit"].failures++
		return nil, err
	}
	return &result, nil
}

type orderResult struct {
	Success         bool     `json:"success"`
	OrderID         string   `json:"order_id"`
	Status          string   `json:"status"`
	GatesPassed     []string `json:"gates_passed"`
	GateFailed      string   `json:"gate_failed,omitempty"`
	RejectionReason string   `json:"rejection_reason,omitempty"`
}

// getLedgerSummary fetches the account-wide ledger summary
func (sc *simulationClient) getLedgerSummary() (map[string]interface{}, error) {
	start := time.Now()
	defer func() {
		sc.stats["summary"].addDuration(time.Since(start))
	}()

	var summary map[string]interface{}
	if err := sc.doJSON("GET", "/api/v1/ledger/summary", nil, "", &summary); err != nil {
		sc.stats["summary"].failures++
		return nil, err
	}
	return summary, nil
}

// getBudgetStatus fetches the trade budget standing for one bot
func (sc *simulationClient) getBudgetStatus(botID string) (map[string]interface{}, error) {
	start := time.Now()
	defer func() {
		sc.stats["budget"].addDuration(time.Since(start))
	}()

	var status map[string]interface{}
	if err := sc.doJSON("GET", "/api/v1/budget/status/"+botID, nil, "", &status); err != nil {
		sc.stats["budget"].failures++
		return nil, err
	}
	return status, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main runs the fleet simulation
// It starts a local API server, provisions a fleet of bots and drives
// random order flow through the admission pipeline
func main() {
	// Start the server in a goroutine
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	// Initialize simulation client
	simClient, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	// Provision the fleet
	var botIDs []string
	for i := 0; i < numBots; i++ {
		botID, err := simClient.createBot(
			fmt.Sprintf("sim-bot-%d", i),
			exchanges[rand.Intn(len(exchanges))],
			symbols[rand.Intn(len(symbols))],
			riskModes[rand.Intn(len(riskModes))],
			float64(rand.Intn(9000)+1000),
		)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create bot")
		}
		botIDs = append(botIDs, botID)
		log.Info().Str("bot_id", botID).Msg("Bot created")
	}

	// Generate random number of orders to process
	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Msg("Starting simulation")

	resultsChan := make(chan *orderResult, targetOrders)
	var wg sync.WaitGroup

	// Start worker goroutines
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			submitOrdersHTTP(workerID, targetOrders/numWorkers, simClient, botIDs, resultsChan)
		}(i)
	}

	wg.Wait()
	close(resultsChan)

	// Collect statistics
	stats := struct {
		TotalOrders int
		Filled      int
		Rejected    int
		Errored     int
		GateFails   map[string]int
		StartTime   time.Time
	}{
		GateFails: make(map[string]int),
		StartTime: time.Now(),
	}

	for result := range resultsChan {
		stats.TotalOrders++
		switch result.Status {
		case "FILLED":
			stats.Filled++
		case "REJECTED":
			stats.Rejected++
			stats.GateFails[result.GateFailed]++
		default:
			stats.Errored++
		}
	}

	// Fetch closing state
	if summary, err := simClient.getLedgerSummary(); err == nil {
		log.Info().Interface("summary", summary).Msg("Ledger summary")
	}
	for _, botID := range botIDs {
		if status, err := simClient.getBudgetStatus(botID); err == nil {
			log.Info().Str("bot_id", botID).Interface("budget", status).Msg("Budget status")
		}
	}

	// Print summary
	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("FLEET SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Order Statistics
----------------
Total Orders: %d
Filled:       %d
Rejected:     %d
Errored:      %d
Duration:     %v

Gate Rejections
---------------
`, stats.TotalOrders, stats.Filled, stats.Rejected, stats.Errored,
		duration.Round(time.Millisecond))

	for gate, count := range stats.GateFails {
		barLength := 1
		if stats.Rejected > 0 {
			barLength = int(float64(count)/float64(stats.Rejected)*20) + 1
		}
		bar := strings.Repeat("#", barLength)
		fmt.Printf("%-16s: %s (%d)\n", gate, bar, count)
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	fillRate := float64(stats.Filled) / float64(stats.TotalOrders) * 100
	log.Info().
		Float64("fill_rate", fillRate).
		Int("total_orders", stats.TotalOrders).
		Int("filled", stats.Filled).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// submitOrdersHTTP generates and submits random orders to the API
// Runs as a worker goroutine, sending results to resultsChan
func submitOrdersHTTP(workerID, numOrders int, simClient *simulationClient, botIDs []string, resultsChan chan<- *orderResult) {
	for i := 0; i < numOrders; i++ {
		botID := botIDs[rand.Intn(len(botIDs))]
		symbol := symbols[rand.Intn(len(symbols))]
		side := sides[rand.Intn(len(sides))]
		// Spread the edge so some orders fail fee coverage
		edgeBps := float64(rand.Intn(80))

		result, err := simClient.submitOrder(
			botID,
			"paper",
			symbol,
			side,
			float64(rand.Intn(100)+1)/10,
			float64(rand.Intn(1000)+100),
			edgeBps,
		)
		if err != nil {
			log.Error().Err(err).
				Int("worker_id", workerID).
				Str("bot_id", botID).
				Msg("Failed to submit order")
			continue
		}

		resultsChan <- result
		log.Info().
			Int("worker_id", workerID).
			Str("order_id", result.OrderID).
			Str("status", result.Status).
			Str("gate_failed", result.GateFailed).
			Msg("Order submitted")

		// Random sleep between orders
		time.Sleep(time.Duration(rand.Intn(500)) * time.Millisecond)
	}
}

// startServer initializes and starts the fleet API server
// Sets up all required services, handlers and routes
func startServer() error {
	cfg := config.Default()

	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize services
	authService := auth.NewService(cfg.Server.JWTSecret)
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	bus := events.NewBus()
	ledgerService := ledger.NewService(db, cfg.ReportingLocation())
	walletService := wallet.NewService(ledgerService)
	botService := bots.NewService(db, walletService)
	budgetService := budget.NewService(cfg.Budget, botService, ledgerService)
	breakerService := breaker.NewService(cfg.Breaker, db, botService, ledgerService, walletService, bus)
	pipelineService := pipeline.NewService(cfg.Execution, db, ledgerService,
		botService, budgetService, breakerService, exchange.NewPaperExecutor(), bus)

	// Initialize router
	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)
	botHandlers := bots.NewGinHandlers(botService)
	pipelineHandlers := pipeline.NewGinHandlers(pipelineService)
	ledgerHandlers := ledger.NewGinHandlers(ledgerService)
	budgetHandlers := budget.NewGinHandlers(budgetService)

	// Setup routes
	setupRoutes(router, cfg.Server.JWTSecret, authHandlers, botHandlers,
		pipelineHandlers, ledgerHandlers, budgetHandlers)

	// Start the server
	return router.Run(":" + cfg.Server.Port)
}

// setupRoutes configures all API endpoints and their handlers
// Groups routes by functionality and applies appropriate middleware
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	botHandlers *bots.GinHandlers,
	pipelineHandlers *pipeline.GinHandlers,
	ledgerHandlers *ledger.GinHandlers,
	budgetHandlers *budget.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Protected routes
		protected := v1.Group("")
		protected.Use(middleware.JWTAuth(jwtSecret))
		{
			protected.POST("/bots", botHandlers.CreateBotHandler())
			protected.GET("/bots", botHandlers.ListBotsHandler())
			protected.POST("/orders", pipelineHandlers.SubmitOrderHandler())
			protected.GET("/orders/:order_id", pipelineHandlers.GetOrderStatusHandler())
			protected.GET("/ledger/summary", ledgerHandlers.GetLedgerSummaryHandler())
			protected.GET("/budget/status/:bot_id", budgetHandlers.GetBudgetStatusHandler())
		}
	}
}
