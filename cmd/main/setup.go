package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"signal-hub/src/broadcast"
	"signal-hub/src/config"
	"signal-hub/src/connection"
	pb "signal-hub/src/grpc_control"
	"signal-hub/src/index"
	"signal-hub/src/interfaces"
	"signal-hub/src/logger"
	"signal-hub/src/metrics"
	"signal-hub/src/routing"
	"signal-hub/src/server"
	"signal-hub/src/storage"
	"signal-hub/src/utils"

	"google.golang.org/grpc"
)

// engine holds every long-lived component of the process.
type engine struct {
	config   *config.Config
	store    interfaces.ISubscriptionStore
	index    *index.SubscriptionIndex
	router   *routing.EventRouter
	bc       *broadcast.Broadcaster
	cm       *connection.ConnectionManager
	resolver *utils.SessionResolver
	http     *server.HTTPServer
	grpc     *grpc.Server
}

// -----------------------------------------------------------------------------

// setupTelemetry installs the OTLP exporter before any instrument is created.
func setupTelemetry(ctx context.Context, cfg *config.Config) (func(context.Context) error, error) {
	return metrics.InitMetrics(ctx, metrics.TelemetryConfig{
		ServiceName:    cfg.Name,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
}

// -----------------------------------------------------------------------------

// setupStore opens the subscription store selected in the config
func setupStore(cfg *config.Config, appLogger *logger.Logger) (interfaces.ISubscriptionStore, error) {
	storeLogger := logger.NewLogger(cfg, "SubscriptionStore")
	store, err := storage.NewStore(cfg.MConfig, storeLogger)
	if err != nil {
		appLogger.Critical("Failed to init subscription store: %v", err)
		return nil, err
	}
	appLogger.Info("Subscription store ready (%s)", cfg.Storage.DBType)
	return store, nil
}

// -----------------------------------------------------------------------------

// setupEngine builds the fan-out pipeline: index, router, broadcaster and
// connection manager, with routes applied from the config.
func setupEngine(cfg *config.Config, store interfaces.ISubscriptionStore, appLogger *logger.Logger) (*engine, error) {
	f := &cfg.Fanout
	m := metrics.NewMetrics()

	idx := index.NewSubscriptionIndex(logger.NewLogger(cfg, "SubscriptionIndex"), index.Options{
		CacheSize: f.IndexCacheSize,
		CacheTTL:  time.Duration(f.IndexCacheTTLMs) * time.Millisecond,
	})

	router := routing.NewEventRouter(logger.NewLogger(cfg, "EventRouter"), idx, m, routing.Options{
		CacheTTL:  time.Duration(f.RoutingCacheTTLSeconds) * time.Second,
		CacheSize: f.RoutingCacheSize,
		CacheMode: f.RoutingCacheMode,
	})

	bc := broadcast.NewBroadcaster(logger.NewLogger(cfg, "Broadcaster"), nil, m, broadcast.OptionsFromConfig(f))
	cm := connection.NewConnectionManager(
		logger.NewLogger(cfg, "ConnectionManager"),
		idx, router, bc, store, m,
		connection.OptionsFromConfig(f),
	)

	// Routes need the audience, which the connection manager binds above
	resolver := utils.NewSessionResolver()
	if err := router.ApplyRoutes(cfg.Routes, idx, f.InstanceIndex, f.InstanceCount, resolver); err != nil {
		appLogger.Critical("Failed to apply routes: %v", err)
		return nil, err
	}
	appLogger.Info("Routing %d event types (cache mode: %s)", len(cfg.Routes), router.Mode())

	return &engine{
		config:   cfg,
		store:    store,
		index:    idx,
		router:   router,
		bc:       bc,
		cm:       cm,
		resolver: resolver,
	}, nil
}

// -----------------------------------------------------------------------------

// setupServers builds the HTTP/WebSocket server and the gRPC control server
func (e *engine) setupServers(configPath string) {
	e.http = server.NewHTTPServer(e.config.MConfig, e.cm, logger.NewLogger(e.config, "HTTPServer"))

	e.grpc = grpc.NewServer()
	controlService := pb.NewControlService(
		e.config, configPath, e.cm, e.router, e.index, e.resolver,
		logger.NewLogger(e.config, "ControlService"),
	)
	pb.Register(e.grpc, controlService)
}

// -----------------------------------------------------------------------------

// serveGRPC blocks until the gRPC server stops
func (e *engine) serveGRPC(appLogger *logger.Logger) error {
	addr := fmt.Sprintf("%s:%d", e.config.GrpcHost, e.config.GrpcPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for gRPC on %s: %w", addr, err)
	}
	appLogger.Info("Starting gRPC Control Server on %s", addr)
	return e.grpc.Serve(lis)
}

// -----------------------------------------------------------------------------

// shutdown stops intake first so queued work can drain before the store closes
func (e *engine) shutdown(appLogger *logger.Logger, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := e.http.Stop(ctx); err != nil {
		appLogger.Warning("HTTP shutdown: %v", err)
	}

	stopped := make(chan struct{})
	go func() {
		e.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		e.grpc.Stop()
	}

	e.cm.Stop()
	e.bc.Stop()

	if err := e.store.Close(); err != nil {
		appLogger.Warning("Store close: %v", err)
	}
}
