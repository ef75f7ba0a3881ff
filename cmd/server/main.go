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

	"github.com/ksred/trading-core/internal/audit"
	"github.com/ksred/trading-core/internal/auth"
	"github.com/ksred/trading-core/internal/broker"
	"github.com/ksred/trading-core/internal/compliance"
	"github.com/ksred/trading-core/internal/database"
	"github.com/ksred/trading-core/internal/events"
	"github.com/ksred/trading-core/internal/execution"
	"github.com/ksred/trading-core/internal/investigation"
	"github.com/ksred/trading-core/internal/metrics"
	"github.com/ksred/trading-core/internal/position"
	"github.com/ksred/trading-core/internal/risk"
	"github.com/ksred/trading-core/internal/strategy"
	"github.com/ksred/trading-core/internal/types"
	"github.com/ksred/trading-core/pkg/middleware"

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

// main initializes and runs the trading core server with graceful shutdown
// support. It wires the event bus, validators, execution engine, position
// manager, strategy manager, and the audit/investigation consumers.
func main() {
	// Initialize database
	db, err := database.NewDatabase()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Event bus: everything downstream of the execution path consumes
	// asynchronously from here.
	bus := events.NewBus(1024)
	defer bus.Close()

	// Audit and investigation consumers see every event.
	auditService := audit.NewService(db)
	auditService.Register(bus)

	recorder := investigation.NewRecorder(db)
	recorder.Register(bus)

	// Validators
	complianceService := compliance.NewService(db)
	if err := complianceService.SeedDefaultRules(); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to seed compliance rules")
	}
	riskService := risk.NewService(db, risk.DefaultRules())

	// Position manager restores its book from persisted state.
	positionService, err := position.NewService(db, bus)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize position manager")
	}

	// The broker simulator delivers fills back into the engine. The engine
	// variable is bound before any order can be submitted.
	var engine *execution.Service
	sim := broker.NewSimulator(func(fill execution.Fill) {
		if err := engine.HandleFill(fill); err != nil {
			zlog.Error().Err(err).Str("execution_id", fill.ExecutionID).Msg("fill reconciliation failed")
		}
	})
	engine = execution.NewService(db, bus, sim, riskService, complianceService, positionService)
	positionService.SetOrderPlacer(engine)

	strategyService := strategy.NewService(db, bus, engine)
	bus.Subscribe(types.EventPerformanceUpdate, strategyService.OnPerformanceUpdate)

	investigationService := investigation.NewService(db, engine)

	// Sweep for orders the broker never filled and expire them.
	expiryCtx, expiryCancel := context.WithCancel(context.Background())
	defer expiryCancel()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if expired, err := engine.ExpireStaleOrders(expiryCtx, 10*time.Minute); err != nil {
					zlog.Error().Err(err).Msg("order expiry sweep failed")
				} else if expired > 0 {
					zlog.Info().Int("expired", expired).Msg("stale orders expired")
				}
			case <-expiryCtx.Done():
				return
			}
		}
	}()

	// Initialize router
	router := gin.Default()

	// Initialize auth service and handlers
	authService := auth.NewService("trading-core-secret-key")
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	executionHandlers := execution.NewGinHandlers(engine)
	positionHandlers := position.NewGinHandlers(positionService)
	strategyHandlers := strategy.NewGinHandlers(strategyService)
	complianceHandlers := compliance.NewGinHandlers(complianceService)
	auditHandlers := audit.NewGinHandlers(auditService)
	investigationHandlers := investigation.NewGinHandlers(investigationService)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, authHandlers, executionHandlers, positionHandlers,
		strategyHandlers, complianceHandlers, auditHandlers, investigationHandlers)

	// Get port from env otherwise it's 8080
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Create server
	srv := &http.Server{
		Addr:    ":" + port,
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
// - Trading routes: Protected by JWT authentication
// - Investigation routes: Read-only, protected by JWT authentication
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	executionHandlers *execution.GinHandlers,
	positionHandlers *position.GinHandlers,
	strategyHandlers *strategy.GinHandlers,
	complianceHandlers *compliance.GinHandlers,
	auditHandlers *audit.GinHandlers,
	investigationHandlers *investigation.GinHandlers,
) {
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := router.Group("/api/v1")
	{
		// Auth routes
		auth := v1.Group("/auth")
		{
			auth.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth())
		{
			orders.GET("/:order_id", executionHandlers.GetOrderHandler())
			orders.POST("/:order_id/cancel", executionHandlers.CancelOrderHandler())
		}

		// Signal intake and strategy lifecycle
		signals := v1.Group("/signals")
		signals.Use(middleware.JWTAuth())
		{
			signals.POST("", strategyHandlers.SignalHandler())
		}

		strategies := v1.Group("/strategies")
		strategies.Use(middleware.JWTAuth())
		{
			strategies.POST("", strategyHandlers.CreateStrategyHandler())
			strategies.GET("", strategyHandlers.ListStrategiesHandler())
			strategies.POST("/:strategy_id/deploy", strategyHandlers.DeployStrategyHandler())
			strategies.POST("/:strategy_id/pause", strategyHandlers.PauseStrategyHandler())
			strategies.POST("/:strategy_id/stop", strategyHandlers.StopStrategyHandler())
			strategies.POST("/emergency-stop", strategyHandlers.EmergencyStopHandler())
		}

		// Position routes
		positions := v1.Group("/positions")
		positions.Use(middleware.JWTAuth())
		{
			positions.GET("/:user_id/:symbol", positionHandlers.GetPositionHandler())
			positions.POST("/:user_id/:symbol/close", positionHandlers.ClosePositionHandler())
		}
		portfolio := v1.Group("/portfolio")
		portfolio.Use(middleware.JWTAuth())
		{
			portfolio.GET("/:user_id", positionHandlers.GetPortfolioHandler())
		}

		// Compliance rule management and audit reporting
		complianceGroup := v1.Group("/compliance")
		complianceGroup.Use(middleware.JWTAuth())
		{
			complianceGroup.POST("/rules", complianceHandlers.CreateRuleHandler())
			complianceGroup.GET("/rules", complianceHandlers.ListRulesHandler())
			complianceGroup.POST("/rules/:rule_id/active", complianceHandlers.SetRuleActiveHandler())
			complianceGroup.GET("/violations", complianceHandlers.ListViolationsHandler())
			complianceGroup.POST("/violations/:violation_id/resolve", complianceHandlers.ResolveViolationHandler())
		}

		auditGroup := v1.Group("/audit")
		auditGroup.Use(middleware.JWTAuth())
		{
			auditGroup.GET("/report", auditHandlers.ReportHandler())
		}

		// Investigation routes: query-only, never mutate trading state
		sessions := v1.Group("/sessions")
		sessions.Use(middleware.JWTAuth())
		{
			sessions.GET("/:session_id/investigation", investigationHandlers.SessionHandler())
			sessions.GET("/:session_id/decision-tree", investigationHandlers.DecisionTreeHandler())
			sessions.POST("/:session_id/replay", investigationHandlers.ReplayHandlerHTTP())
			sessions.GET("/:session_id/audit-records", auditHandlers.SessionRecordsHandler())
		}
		performance := v1.Group("/performance")
		performance.Use(middleware.JWTAuth())
		{
			performance.GET("/attribution", investigationHandlers.AttributionHandler())
		}
	}
}
