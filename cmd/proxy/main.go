package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"library-reserve/internal/proxy"
	"library-reserve/pkg/config"
	"library-reserve/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logCfg := &logger.Config{
		Level:       cfg.LogLevel,
		ServiceName: "library-proxy",
		Development: cfg.IsDevelopment(),
	}
	if err := logger.Init(logCfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appLog := logger.Get()
	appLog.Info("Starting load balancer...")

	p := proxy.New(proxy.Config{
		ListenPort:     cfg.ProxyPort,
		BackendPorts:   cfg.BackendPorts,
		HealthInterval: cfg.HealthIntervalDuration(),
		HealthTimeout:  cfg.HealthTimeoutDuration(),
	})

	// Probe immediately so healthy backends enter rotation without
	// waiting two full intervals.
	p.ProbeOnce(context.Background())

	go func() {
		if err := p.Run(); err != nil {
			appLog.Fatal(fmt.Sprintf("Proxy failed: %v", err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLog.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGraceDuration())
	defer cancel()
	if err := p.Shutdown(shutdownCtx); err != nil {
		appLog.Error(fmt.Sprintf("Shutdown incomplete: %v", err))
		return
	}
	appLog.Info("Proxy exited gracefully")
}
