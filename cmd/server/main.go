/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the referral engine server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize structured logging (zap)
  3. Initialize SQLite store
  4. Build the referral engine
  5. Configure HTTP router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port      HTTP server port (default: 8080)
  -db        SQLite database path (default: referral.db)
             Use ":memory:" for in-memory database
  -window    Attribution look-back window (default: 6h)
  -rate      Flat commission rate percent (default: 5)
  -redirect  Storefront URL click ingress redirects to (default: /)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/referral.db"

  # Shorter attribution window, 7.5% commission
  ./server -window=1h -rate=7.5

SEE ALSO:
  - api/server.go: Router configuration
  - referral/engine.go: Engine construction
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/referral-engine/api"
	"github.com/warp/referral-engine/referral"
	"github.com/warp/referral-engine/store/sqlite"
	"go.uber.org/zap"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "referral.db", "SQLite database path")
	window := flag.Duration("window", referral.DefaultAttributionWindow, "attribution look-back window")
	rate := flag.Float64("rate", 5, "flat commission rate percent")
	redirect := flag.String("redirect", "/", "storefront URL for click redirects")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer store.Close()

	// Build the engine
	engine := referral.NewEngine(store, referral.Config{
		Window: *window,
		Rates:  referral.NewFlatRate(*rate),
		Logger: logger,
	})

	// Create router
	handler := api.NewHandler(engine, *redirect, logger)
	router := api.NewRouter(handler)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server starting",
			zap.Int("port", *port),
			zap.String("db", *dbPath),
			zap.Duration("window", *window),
			zap.Float64("rate_percent", *rate))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
