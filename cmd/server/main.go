package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/botfleet/botfleet-api/internal/auth"
	"github.com/botfleet/botfleet-api/internal/bodyguard"
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

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the bot fleet API server with graceful
// shutdown support. It wires the ledger, admission pipeline, circuit
// breaker, bodyguard and budget services together and starts the
// background monitors.
func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	loc := cfg.ReportingLocation()

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(cfg.Server.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	bus := events.NewBus()

	ledgerService := ledger.NewService(db, loc)
	ledgerHandlers := ledger.NewGinHandlers(ledgerService)

	walletService := wallet.NewService(ledgerService)

	botService := bots.NewService(db, walletService)
	botHandlers := bots.NewGinHandlers(botService)

	budgetService := budget.NewService(cfg.Budget, botService, ledgerService)
	budgetHandlers := budget.NewGinHandlers(budgetService)

	breakerService := breaker.NewService(cfg.Breaker, db, botService, ledgerService, walletService, bus)
	breakerHandlers := breaker.NewGinHandlers(breakerService)

	bodyguardService := bodyguard.NewService(cfg.Bodyguard, botService, ledgerService, bus)

	executor := exchange.NewPaperExecutor()
	pipelineService := pipeline.NewService(cfg.Execution, db, ledgerService,
		botService, budgetService, breakerService, executor, bus)
	pipelineHandlers := pipeline.NewGinHandlers(pipelineService)

	// Start background monitors
	monitorCtx, monitorCancel := context.WithCancel(context.Background())
	defer monitorCancel()

	go breaker.NewSweep(breakerService, cfg.Breaker.SweepInterval).Start(monitorCtx)
	go bodyguard.NewLoop(bodyguardService, cfg.Bodyguard.CheckInterval).Start(monitorCtx)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, cfg.Server.JWTSecret, authHandlers, pipelineHandlers,
		ledgerHandlers, budgetHandlers, breakerHandlers, botHandlers)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Stop the monitors before closing the listener
	monitorCancel()

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Order, ledger, budget, breaker and bot routes: Protected by JWT authentication
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	pipelineHandlers *pipeline.GinHandlers,
	ledgerHandlers *ledger.GinHandlers,
	budgetHandlers *budget.GinHandlers,
	breakerHandlers *breaker.GinHandlers,
	botHandlers *bots.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		auth := v1.Group("/auth")
		{
			auth.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(jwtSecret))
		{
			orders.POST("", pipelineHandlers.SubmitOrderHandler())
			orders.GET("/:order_id", pipelineHandlers.GetOrderStatusHandler())
		}

		// Ledger routes
		ledgerGroup := v1.Group("/ledger")
		ledgerGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			ledgerGroup.GET("/summary", ledgerHandlers.GetLedgerSummaryHandler())
			ledgerGroup.GET("/profit-series", ledgerHandlers.ProfitSeriesHandler())
		}

		// Budget routes
		budgetGroup := v1.Group("/budget")
		budgetGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			budgetGroup.GET("/status/:bot_id", budgetHandlers.GetBudgetStatusHandler())
		}

		// Breaker routes
		breakerGroup := v1.Group("/breaker")
		breakerGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			breakerGroup.GET("/:entity_type/:entity_id", breakerHandlers.GetStatusHandler())
		}

		// Bot routes
		botsGroup := v1.Group("/bots")
		botsGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			botsGroup.POST("", botHandlers.CreateBotHandler())
			botsGroup.GET("", botHandlers.ListBotsHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(jwtSecret))
		{
			internal.POST("/breaker/:entity_type/:entity_id/reset", breakerHandlers.ResetHandler())
			internal.POST("/ledger/events", ledgerHandlers.AppendEventHandler())
		}
	}
}
