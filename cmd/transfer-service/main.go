package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/tokenops/ftdispatch/internal/api/handler"
	"github.com/tokenops/ftdispatch/internal/api/router"
	"github.com/tokenops/ftdispatch/internal/batcher"
	"github.com/tokenops/ftdispatch/internal/config"
	"github.com/tokenops/ftdispatch/internal/coordinator"
	"github.com/tokenops/ftdispatch/internal/keypool"
	"github.com/tokenops/ftdispatch/internal/ledger"
	"github.com/tokenops/ftdispatch/internal/reconciler"
	"github.com/tokenops/ftdispatch/internal/store"
	"github.com/tokenops/ftdispatch/internal/throttle"
	"github.com/tokenops/ftdispatch/shared/logger"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("TRANSFER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/transfer-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting transfer service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("network", cfg.Ledger.NetworkID),
		slog.String("contract", cfg.Ledger.ContractID),
	)

	// Pipeline lifetime context; cancelled once the HTTP server has drained.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open the durable job log and replay its history
	st, err := store.Open(cfg.Store.Path, store.Options{
		CompactThreshold: cfg.Store.CompactThreshold,
		CompactInterval:  cfg.Store.CompactInterval,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer st.Close()
	go st.Run(ctx)

	appLogger.Info("Job store ready", slog.String("path", cfg.Store.Path))

	// Ledger client with the signer sidecar
	signer := ledger.NewHTTPSigner(cfg.Ledger.SignerURL, cfg.Ledger.RequestTimeout)
	client := ledger.NewRPCClient(ledger.RPCConfig{
		URL:            cfg.Ledger.RPCURL,
		RequestTimeout: cfg.Ledger.RequestTimeout,
	}, signer, appLogger.Logger)

	signingKeys, err := resolveSigningKeys(ctx, cfg, client, appLogger.Logger)
	if err != nil {
		return err
	}

	pool, err := keypool.New(signingKeys, cfg.Ledger.MaxConcurrentPerKey, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to build key pool: %w", err)
	}

	th := throttle.New(throttle.Config{
		GlobalMaxTx:  cfg.Throttle.GlobalMaxTx,
		GlobalWindow: cfg.Throttle.GlobalWindow,
		PerKeyMaxTx:  cfg.Throttle.PerKeyMaxTx,
		PerKeyWindow: cfg.Throttle.PerKeyWindow,
	}, appLogger.Logger)

	b := batcher.New(cfg.Batcher.Window, cfg.Batcher.MaxBatchSize, appLogger.Logger)

	coord := coordinator.New(coordinator.Config{
		ContractID:            cfg.Ledger.ContractID,
		MaxPendingJobs:        cfg.Coordinator.MaxPendingJobs,
		MaxActionsPerTx:       cfg.Coordinator.MaxActionsPerTx,
		MaxJobAttempts:        cfg.Coordinator.MaxJobAttempts,
		RetryBaseDelay:        cfg.Coordinator.RetryBaseDelay,
		RetryMaxDelay:         cfg.Coordinator.RetryMaxDelay,
		NonceRetryLimit:       cfg.Coordinator.NonceRetryLimit,
		SkipRegistrationCheck: cfg.Coordinator.SkipRegistrationCheck,
		MinStorageDeposit:     cfg.Coordinator.MinStorageDeposit,
		FinalityMaxWait:       cfg.Reconciler.MaxWait,
		WaitPolicy:            waitPolicy(cfg.Ledger.WaitUntil),
	}, st, pool, th, b, client, appLogger.Logger)
	go coord.Run(ctx)

	rec := reconciler.New(reconciler.Config{
		Interval:        cfg.Reconciler.Interval,
		MaxWait:         cfg.Reconciler.MaxWait,
		SignerAccountID: cfg.Ledger.SignerAccountID,
	}, st, client, coord, appLogger.Logger)

	// Re-admit jobs stranded by a previous shutdown before accepting traffic
	if n := rec.ReadmitOutstanding(); n > 0 {
		appLogger.Info("Re-admitted outstanding jobs from previous run", slog.Int("count", n))
	}
	go rec.Run(ctx)

	// Initialize router
	r := initRouter(cfg.App.Environment, appLogger.Logger, coord, st, b)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("Transfer service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	// Push any partially filled batch into the pipeline before stopping the
	// dispatcher, so accepted requests are not stranded in the window.
	b.ForceFlush()

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableCaller: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// resolveSigningKeys returns the configured key ids, optionally checking that
// each one is registered on the signer account.
func resolveSigningKeys(ctx context.Context, cfg *config.Config, client ledger.Client, log *slog.Logger) ([]string, error) {
	keys := cfg.Ledger.SigningKeys
	if !cfg.Ledger.VerifyAccountKeys {
		return keys, nil
	}

	verifyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	accountKeys, err := client.ListAccountKeys(verifyCtx, cfg.Ledger.SignerAccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list account keys for %s: %w", cfg.Ledger.SignerAccountID, err)
	}

	known := make(map[string]struct{}, len(accountKeys))
	for _, k := range accountKeys {
		known[k] = struct{}{}
	}

	verified := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := known[k]; ok {
			verified = append(verified, k)
			continue
		}
		log.Warn("Configured signing key is not registered on the signer account; skipping",
			slog.String("key", k),
			slog.String("account", cfg.Ledger.SignerAccountID),
		)
	}

	if len(verified) == 0 {
		return nil, fmt.Errorf("none of the configured signing keys are registered on %s", cfg.Ledger.SignerAccountID)
	}
	return verified, nil
}

func waitPolicy(waitUntil string) ledger.WaitPolicy {
	switch waitUntil {
	case string(ledger.WaitIncluded):
		return ledger.WaitIncluded
	case string(ledger.WaitFinal):
		return ledger.WaitFinal
	default:
		return ledger.WaitExecuted
	}
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, log *slog.Logger, coord *coordinator.Coordinator, st *store.Store, b *batcher.Batcher) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	handlerDeps := &handler.Dependencies{
		Logger:     log,
		Transfers:  coord,
		Jobs:       st,
		BatchStats: b,
		StartedAt:  time.Now(),
	}

	return router.SetupRouter(handlerDeps)
}
