package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"homepresence/internal/api"
	"homepresence/internal/automation"
	"homepresence/internal/clock"
	"homepresence/internal/config"
	"homepresence/internal/ha"
	"homepresence/internal/notify"
	"homepresence/internal/poller"
	"homepresence/internal/presence"
	"homepresence/internal/store"
	"homepresence/internal/tools"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	haURL := os.Getenv("HA_URL")
	haToken := os.Getenv("HA_TOKEN")
	readOnly := os.Getenv("READ_ONLY") == "true"

	if haURL == "" || haToken == "" {
		logger.Fatal("HA_URL and HA_TOKEN environment variables must be set")
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "presence_config.yaml"
	}
	cfg, err := config.Load(configPath, logger)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Starting presence daemon",
		zap.String("url", haURL),
		zap.Bool("read_only", readOnly),
		zap.String("database", cfg.DatabasePath))

	// Open the presence store
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Fatal("Failed to open presence store", zap.Error(err))
	}
	defer st.Close()

	// Connect to Home Assistant
	client := ha.NewClient(haURL, haToken, logger)
	if err := client.Connect(); err != nil {
		logger.Fatal("Failed to connect to Home Assistant", zap.Error(err))
	}
	defer client.Disconnect()

	logger.Info("Connected to Home Assistant")

	// Wire the presence manager and its automations
	clk := clock.NewRealClock()
	manager := presence.NewManager(st, client, clk, logger)
	if cfg.HomeLatitude != 0 || cfg.HomeLongitude != 0 {
		manager.SetHomeLocation(cfg.HomeLatitude, cfg.HomeLongitude)
	}

	notifier := notify.NewNotifier(client, logger, readOnly)
	vacuum := automation.NewVacuumController(manager, client, notifier, clk, logger, cfg.VacuumEntity, readOnly)
	vacuum.Start()
	defer vacuum.Stop()

	// Start the hub reconciliation loop
	syncInterval := time.Duration(cfg.SyncIntervalMinutes) * time.Minute
	p := poller.NewPoller(manager, client, logger, syncInterval)
	if err := p.Start(); err != nil {
		logger.Fatal("Failed to start poller", zap.Error(err))
	}
	defer p.Stop()

	// Start the HTTP API
	dispatcher := tools.NewDispatcher(manager, clk, logger)
	server := api.NewServer(dispatcher, logger, cfg.APIPort)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start API server", zap.Error(err))
	}
	defer server.Stop()

	if readOnly {
		logger.Info("Running in READ-ONLY mode - no services will be called on Home Assistant")
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Presence daemon running. Press Ctrl+C to exit.")
	<-sigChan

	logger.Info("Shutting down gracefully...")
}
