package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/gorm/logger"

	"github.com/firewatch/firewatch/internal/audit"
	"github.com/firewatch/firewatch/internal/config"
	"github.com/firewatch/firewatch/internal/database"
	"github.com/firewatch/firewatch/internal/feeds"
	"github.com/firewatch/firewatch/internal/handlers"
	"github.com/firewatch/firewatch/internal/jobs"
	"github.com/firewatch/firewatch/internal/middleware"
	"github.com/firewatch/firewatch/internal/publisher"
	"github.com/firewatch/firewatch/internal/services"
)

func main() {
	// Load .env file if it exists (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found or error loading it (this is fine if using environment variables): %v", err)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting Firewatch feed sync engine...")

	if cfg.AdminPassword == "" {
		log.Fatalf("ADMIN_PASSWORD is not set")
	}

	passwordHash, err := middleware.HashPassword(cfg.AdminPassword)
	if err != nil {
		log.Fatalf("Failed to hash admin password: %v", err)
	}

	jwtAuthMiddleware := middleware.NewJWTAuthMiddleware(&middleware.JWTAuthConfig{
		Enabled:           true,
		AdminUsername:     cfg.AdminUsername,
		AdminPasswordHash: passwordHash,
		JWTSecret:         cfg.JWTSecret,
		JWTExpiryHours:    cfg.JWTExpiryHours,
		SkipPaths: []string{
			"/health",
			"/auth/login",
			"/ws/*",
			"/api/agencies/*",
		},
	})
	log.Printf("JWT authentication enabled for user: %s", cfg.AdminUsername)

	// Initialize database connection
	if err := database.Connect(cfg.DatabaseURL, logger.Warn); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	log.Printf("Database connection established")

	// Run database migrations
	if err := database.AutoMigrate(); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	db := database.GetDB()

	// Seed agencies from YAML when configured
	if cfg.AgencySeedPath != "" {
		seeds, err := config.LoadAgencySeed(cfg.AgencySeedPath)
		if err != nil {
			log.Fatalf("Failed to load agency seed: %v", err)
		}
		if err := config.SeedAgencies(db, seeds); err != nil {
			log.Fatalf("Failed to seed agencies: %v", err)
		}
		log.Printf("Seeded %d agencies from %s", len(seeds), cfg.AgencySeedPath)
	}

	auditSink := audit.NewSink(db)

	// Publisher: Slack when a bot token is configured, otherwise a no-op
	var pub services.Publisher
	if cfg.SlackBotToken != "" {
		pub = publisher.NewSlackPublisher(cfg.SlackBotToken, cfg.SlackDefaultChannel)
		log.Printf("Slack publishing is ENABLED")
	} else {
		pub = services.NopPublisher{}
		log.Printf("Slack publishing is DISABLED (set SLACK_BOT_TOKEN to enable)")
	}

	reconciler := services.NewReconciler(db, auditSink)
	propagation := services.NewPropagationScheduler(db, pub, auditSink, cfg.PublishAttemptCap)
	syncService := services.NewSyncService(db, reconciler, propagation, auditSink)

	syncService.RegisterClient(feeds.NewDispatchClient(cfg.DispatchFeedURL))
	syncService.RegisterClient(feeds.NewWeatherClient(cfg.WeatherFeedURL))
	log.Printf("Feed clients registered: dispatch, weather")

	// Stream handler receives post-commit change notifications
	streamHandler := handlers.NewStreamHandler()
	syncService.SetChangeListener(streamHandler.NotifyChanged)

	// Initialize handlers
	httpHandler := handlers.NewHTTPHandler()
	apiHandler := handlers.NewAPIHandler(db, syncService, auditSink)
	authHandler := handlers.NewAuthHandler(jwtAuthMiddleware)

	// Set up HTTP server routes
	mux := http.NewServeMux()
	httpHandler.SetupRoutes(mux)
	apiHandler.SetupRoutes(mux)
	authHandler.SetupRoutes(mux)
	streamHandler.SetupRoutes(mux)

	// Wrap all routes with CORS, request ID, then JWT authentication
	corsMiddleware := middleware.NewCORSMiddleware() // Allow all origins
	handler := corsMiddleware.Wrap(middleware.RequestIDMiddleware(jwtAuthMiddleware.Wrap(mux)))

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: handler,
	}

	go func() {
		log.Printf("Starting HTTP server on port %d", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Start background jobs
	stopJobs := make(chan struct{})

	poller := jobs.NewFeedPollerJob(db, syncService, time.Duration(cfg.PollTickSeconds)*time.Second)
	go poller.Start(stopJobs)
	log.Printf("Feed poller started (tick: %ds)", cfg.PollTickSeconds)

	sweeper := jobs.NewSweeperJob(db, auditSink,
		time.Duration(cfg.StaleIncidentHours)*time.Hour,
		time.Duration(cfg.ArchiveAfterDays)*24*time.Hour)
	go func() {
		if err := sweeper.Start(cfg.SweepSchedule, stopJobs); err != nil {
			log.Printf("Sweeper failed to start: %v", err)
		}
	}()
	log.Printf("Sweeper scheduled: %s", cfg.SweepSchedule)

	log.Printf("Health check endpoint: http://localhost:%d/health", cfg.HTTPPort)
	log.Printf("API base URL: http://localhost:%d/api", cfg.HTTPPort)
	log.Printf("Record stream: ws://localhost:%d/ws/records", cfg.HTTPPort)

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Received shutdown signal, cleaning up...")
	close(stopJobs)

	if err := httpServer.Close(); err != nil {
		log.Printf("Error shutting down HTTP server: %v", err)
	}
	if err := database.Close(); err != nil {
		log.Printf("Error closing database: %v", err)
	}

	log.Println("Shutdown complete")
}
