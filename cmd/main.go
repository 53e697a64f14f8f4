// Package main is the entry point for the camera scanner service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/api"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/camera"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/config"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/metrics"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/pipeline"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/publisher"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	sugar := logger.Sugar()
	sugar.Info("Starting camera scanner service")

	sugar.Infow("Configuration loaded",
		"port", cfg.Server.Port,
		"onvif_ports", cfg.Scanner.OnvifPorts,
		"rtsp_ports", cfg.Scanner.RTSPPorts,
		"discovery", cfg.Discovery.Enabled,
		"probe_backend", cfg.Probe.Backend,
	)

	m := metrics.New()
	registry := camera.NewRegistry()
	opts := []pipeline.Option{pipeline.WithMetrics(m)}

	// Initialize inventory store
	if cfg.Store.Path != "" {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			sugar.Fatalf("Failed to open inventory store: %v", err)
		}
		defer st.Close()

		saved, err := st.List()
		if err != nil {
			sugar.Fatalf("Failed to load saved cameras: %v", err)
		}
		n := registry.Import(saved)
		m.SetCameras(registry.Len())
		sugar.Infow("Loaded saved cameras", "count", n, "path", cfg.Store.Path)
		opts = append(opts, pipeline.WithStore(st))
	}

	// Initialize RabbitMQ publisher
	if cfg.RabbitMQ.Enabled {
		pub, err := publisher.New(cfg.RabbitMQ, sugar)
		if err != nil {
			sugar.Fatalf("Failed to initialize publisher: %v", err)
		}
		defer pub.Close()
		opts = append(opts, pipeline.WithPublisher(pub))
	}

	// Initialize pipeline
	svc := pipeline.New(cfg, registry, sugar, opts...)

	// Initialize API server
	server := api.New(cfg.Server, svc, m, sugar)

	// Create HTTP server
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		sugar.Infof("HTTP server listening on port %d", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	sugar.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop the pipeline and let the run persist its results
	svc.Stop()
	svc.Wait()

	// Shutdown HTTP server
	if err := httpServer.Shutdown(ctx); err != nil {
		sugar.Errorf("Server forced to shutdown: %v", err)
	}

	sugar.Info("Server stopped")
}
