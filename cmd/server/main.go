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

	"github.com/veilex/veilex-api/internal/auth"
	"github.com/veilex/veilex-api/internal/channel"
	"github.com/veilex/veilex-api/internal/commitment"
	"github.com/veilex/veilex-api/internal/database"
	"github.com/veilex/veilex-api/internal/matching"
	"github.com/veilex/veilex-api/internal/policy"
	"github.com/veilex/veilex-api/internal/swap"
	"github.com/veilex/veilex-api/internal/transfer"
	"github.com/veilex/veilex-api/pkg/middleware"

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

// main initializes and runs the settlement API server with graceful shutdown
// support. It sets up all required services, database connections and API
// routes.
func main() {
	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = "veilex.db"
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "veilex-secret-key"
	}

	// Initialize database
	db, err := database.NewDatabase(dbPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(jwtSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials for the privileged roles
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret, auth.RoleTrader, "")
	authService.RegisterAPICredentials("operator-api-key", "operator-api-secret", auth.RoleOperator, "")
	authService.RegisterAPICredentials("emergency-api-key", "emergency-api-secret", auth.RoleEmergency, "")
	authService.RegisterAPICredentials("admin-api-key", "admin-api-secret", auth.RoleAdmin, "")

	substrate := transfer.NewLedger(db)
	transferHandlers := transfer.NewGinHandlers(substrate)

	channelService := channel.NewService(db, substrate)
	channelHandlers := channel.NewGinHandlers(channelService)

	policyService, err := policy.NewService(db, channelService)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize policy service")
	}
	policyHandlers := policy.NewGinHandlers(policyService)

	commitmentService := commitment.NewService(db, policyService)
	commitmentHandlers := commitment.NewGinHandlers(commitmentService)

	matchingService := matching.NewService(db, channelService)
	matchingHandlers := matching.NewGinHandlers(matchingService)

	swapService := swap.NewService(db, policyService, substrate)
	swapHandlers := swap.NewGinHandlers(swapService)

	// Create and start the offer expiry sweeper
	sweeper := swap.NewProcessor(swapService.GetDB())
	sweeperCtx, sweeperCancel := context.WithCancel(context.Background())
	defer sweeperCancel()

	go sweeper.Start(sweeperCtx)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, jwtSecret, policyService,
		authHandlers, commitmentHandlers, matchingHandlers,
		swapHandlers, channelHandlers, policyHandlers, transferHandlers)

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

// setupRoutes configures all API endpoints and their handlers.
// Route groups are layered by authorization:
// - Auth routes: public endpoints for token issuance and registration
// - Trading routes: JWT-authenticated, suspended while emergency mode is on
// - Operator routes: matching and dispute endpoints for the off-chain bot
// - Emergency/admin routes: circuit breaker and configuration, never gated
//   by the emergency mode they control
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	policyService *policy.Service,
	authHandlers *auth.GinHandlers,
	commitmentHandlers *commitment.GinHandlers,
	matchingHandlers *matching.GinHandlers,
	swapHandlers *swap.GinHandlers,
	channelHandlers *channel.GinHandlers,
	policyHandlers *policy.GinHandlers,
	transferHandlers *transfer.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
			authGroup.POST("/register", authHandlers.RegisterTraderHandler())
		}

		// Trading routes, suspended system-wide in emergency mode
		trading := v1.Group("")
		trading.Use(middleware.JWTAuth(jwtSecret), middleware.EmergencyGate(policyService))
		{
			commitments := trading.Group("/commitments")
			{
				commitments.POST("", commitmentHandlers.SubmitCommitmentHandler())
				commitments.POST("/:commitment/reveal", commitmentHandlers.RevealHandler())
				commitments.POST("/:commitment/cancel", commitmentHandlers.CancelOrderHandler())
			}

			swaps := trading.Group("/swaps")
			{
				swaps.POST("/offers", swapHandlers.CreateOfferHandler())
				swaps.POST("/offers/:commitment/take", swapHandlers.TakeOfferHandler())
				swaps.POST("/offers/:commitment/cancel", swapHandlers.CancelOfferHandler())
				swaps.POST("/executions/:execution_id/complete", swapHandlers.CompleteSwapHandler())
			}

			channels := trading.Group("/channels")
			{
				channels.POST("", channelHandlers.OpenChannelHandler())
				channels.POST("/update", channelHandlers.ApplyUpdateHandler())
				channels.POST("/close", channelHandlers.CloseChannelHandler())
			}

			// Operator routes for the off-chain matching bot
			operator := trading.Group("")
			operator.Use(middleware.RequireRole(auth.RoleOperator, auth.RoleAdmin))
			{
				operator.POST("/matches", matchingHandlers.MatchHandler())
				operator.POST("/matches/:match_id/settle", matchingHandlers.SettleHandler())
				operator.POST("/swaps/executions/:execution_id/dispute", swapHandlers.DisputeSwapHandler())
			}
		}

		// Read-only queries stay available in emergency mode
		queries := v1.Group("")
		queries.Use(middleware.JWTAuth(jwtSecret))
		{
			queries.GET("/orders", commitmentHandlers.ListOrdersHandler())
			queries.GET("/orders/:commitment", commitmentHandlers.GetOrderHandler())
			queries.GET("/matches", matchingHandlers.ListMatchesHandler())
			queries.GET("/matches/:match_id", matchingHandlers.GetMatchHandler())
			queries.GET("/swaps/offers", swapHandlers.ListActiveOffersHandler())
			queries.GET("/swaps/offers/:commitment", swapHandlers.GetOfferHandler())
			queries.GET("/swaps/executions/:execution_id", swapHandlers.GetExecutionHandler())
			queries.GET("/channels/:owner", channelHandlers.GetChannelHandler())
			queries.GET("/transfers/:reference", transferHandlers.ListTransfersHandler())
			queries.GET("/config", policyHandlers.GetConfigHandler())
		}

		// Emergency-exit routes, never suspended
		emergency := v1.Group("/emergency")
		emergency.Use(middleware.JWTAuth(jwtSecret))
		{
			emergency.POST("/request", policyHandlers.RequestEmergencyWithdrawHandler())

			privileged := emergency.Group("")
			privileged.Use(middleware.RequireRole(auth.RoleEmergency))
			{
				privileged.POST("/execute/:requester", policyHandlers.ExecuteEmergencyWithdrawHandler())
				privileged.POST("/mode/enable", policyHandlers.SetEmergencyModeHandler(true))
			}

			admin := emergency.Group("")
			admin.Use(middleware.RequireRole(auth.RoleAdmin))
			{
				admin.POST("/mode/disable", policyHandlers.SetEmergencyModeHandler(false))
			}
		}

		// Admin configuration routes
		adminGroup := v1.Group("/admin")
		adminGroup.Use(middleware.JWTAuth(jwtSecret), middleware.RequireRole(auth.RoleAdmin))
		{
			adminGroup.POST("/config", policyHandlers.UpdateConfigHandler())
		}
	}
}
