package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"signal-hub/src/config"
	"signal-hub/src/logger"

	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// -----------------------------------------------------------------------------

func main() {

	// Parse command line flags
	configPath := flag.String("config", "../../config/default.yaml", "path to config file")
	flag.Parse()

	// Load config from YAML file
	config, err := config.NewConfig(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	appLogger := logger.NewLogger(config, config.Name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Telemetry
	shutdownTelemetry, err := setupTelemetry(ctx, config)
	if err != nil {
		appLogger.Critical("Failed to init telemetry: %v", err)
		os.Exit(1)
	}

	// 2. Storage
	store, err := setupStore(config, appLogger)
	if err != nil {
		os.Exit(1)
	}

	// 3. Fan-out engine
	eng, err := setupEngine(config, store, appLogger)
	if err != nil {
		store.Close()
		os.Exit(1)
	}
	eng.setupServers(*configPath)

	// 4. Start workers, restoring persisted subscriptions first
	eng.bc.Start(ctx)
	if err := eng.cm.Start(ctx); err != nil {
		appLogger.Critical("Failed to start connection manager: %v", err)
		eng.bc.Stop()
		store.Close()
		os.Exit(1)
	}

	// 5. Serve until a signal arrives or a server fails
	g, gctx := errgroup.WithContext(ctx)
	g.Go(eng.http.Start)
	g.Go(func() error { return eng.serveGRPC(appLogger) })
	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down...")
		eng.shutdown(appLogger, shutdownTimeout)
		return nil
	})

	if err := g.Wait(); err != nil {
		appLogger.Error("Server failed: %v", err)
	}

	tctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := shutdownTelemetry(tctx); err != nil {
		appLogger.Warning("Telemetry shutdown: %v", err)
	}
	appLogger.Info("Stopped.")
}
