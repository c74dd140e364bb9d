package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"fraudstream/internal/config"
	"fraudstream/internal/logging"
	"fraudstream/internal/metrics"
	"fraudstream/internal/service"
)

func main() {
	var (
		configPath   string
		bootstrap    string
		stateDir     string
		stateBackend string
		txID         string
		logLevel     string
	)
	flag.StringVar(&configPath, "config", "", "optional YAML config file")
	flag.StringVar(&bootstrap, "bootstrap", "", "kafka bootstrap servers (overrides config)")
	flag.StringVar(&stateDir, "state-dir", "", "local state directory (overrides config)")
	flag.StringVar(&stateBackend, "state-backend", "", "state backend: memory|pebble|badger (overrides config)")
	flag.StringVar(&txID, "tx-id", "", "transactional id for validations output (enable EOS when set)")
	flag.StringVar(&logLevel, "log-level", "", "log level (overrides config)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if bootstrap != "" {
		cfg.Bootstrap = bootstrap
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if stateBackend != "" {
		cfg.StateBackend = stateBackend
	}
	if txID != "" {
		cfg.TxID = txID
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	mreg := metrics.NewRegistry()
	go func() {
		http.Handle("/metrics", mreg.Handler())
		http.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
		})
		_ = http.ListenAndServe(cfg.MetricsAddr, nil)
	}()

	svc, err := service.New(*cfg, logger, mreg)
	if err != nil {
		logger.Fatal("build service", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx, cfg.Bootstrap, cfg.StateDir); err != nil {
		logger.Fatal("start service", zap.Error(err))
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-svc.Fatal():
		logger.Error("processing failed", zap.Error(err))
	}
	svc.Stop()
}
