package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"library-reserve/internal/api"
	"library-reserve/pkg/config"
	"library-reserve/pkg/logger"
	"library-reserve/pkg/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logCfg := &logger.Config{
		Level:       cfg.LogLevel,
		ServiceName: fmt.Sprintf("library-api-%d", cfg.Port),
		Development: cfg.IsDevelopment(),
	}
	if err := logger.Init(logCfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appLog := logger.Get()
	appLog.Info("Starting library reservation API...")

	ctx := context.Background()

	telemetryCfg := &telemetry.Config{
		Enabled:       cfg.OTelEnabled,
		ServiceName:   "library-api",
		Environment:   cfg.Environment,
		CollectorAddr: cfg.OTelCollectorAddr,
	}
	if _, err := telemetry.Init(ctx, telemetryCfg); err != nil {
		appLog.Warn(fmt.Sprintf("Failed to initialize telemetry: %v", err))
	}
	defer telemetry.Shutdown(ctx)

	instance, err := api.New(cfg, cfg.DatabasePath())
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to build instance: %v", err))
	}

	go func() {
		if err := instance.Run(); err != nil {
			appLog.Fatal(fmt.Sprintf("Server failed: %v", err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLog.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGraceDuration())
	defer cancel()
	if err := instance.Shutdown(shutdownCtx); err != nil {
		appLog.Error(fmt.Sprintf("Shutdown incomplete: %v", err))
		return
	}
	appLog.Info("Server exited gracefully")
}
