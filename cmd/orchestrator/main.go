package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"library-reserve/internal/orchestrator"
	"library-reserve/pkg/config"
	"library-reserve/pkg/logger"
)

func main() {
	apiBinary := flag.String("api", "./api", "path to the api instance binary")
	proxyBinary := flag.String("proxy", "./proxy", "path to the proxy binary")
	logDir := flag.String("logs", "logs", "directory for child process logs")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logCfg := &logger.Config{
		Level:       cfg.LogLevel,
		ServiceName: "library-orchestrator",
		Development: cfg.IsDevelopment(),
	}
	if err := logger.Init(logCfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appLog := logger.Get()
	appLog.Info("Starting orchestrator...")

	o := orchestrator.New(orchestrator.Config{
		APIBinary:     *apiBinary,
		ProxyBinary:   *proxyBinary,
		Environment:   cfg.Environment,
		BackendPorts:  cfg.BackendPorts,
		ProxyPort:     cfg.ProxyPort,
		LogDir:        *logDir,
		ShutdownGrace: cfg.ShutdownGraceDuration(),
	})

	if err := o.Start(context.Background()); err != nil {
		appLog.Fatal(fmt.Sprintf("Startup failed: %v", err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLog.Info("Shutting down process tree...")

	o.Shutdown()
	appLog.Info("Orchestrator exited")
}
