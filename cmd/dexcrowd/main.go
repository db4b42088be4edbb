package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"

	"dexcrow/config"
	"dexcrow/core"
	"dexcrow/observability/logging"
	telemetry "dexcrow/observability/otel"
	"dexcrow/rpc"
	"dexcrow/storage"
)

const serviceName = "dexcrowd"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	rpcAddr := flag.String("rpc", "", "Override the RPC listen address")
	flag.Parse()

	if err := run(*configFile, *rpcAddr); err != nil {
		slog.Error("dexcrowd stopped", "error", err)
		os.Exit(1)
	}
}

func run(configFile, rpcAddr string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if rpcAddr != "" {
		cfg.RPCAddress = rpcAddr
	}

	logger, logCloser := logging.SetupWithFile(serviceName, cfg.Env, logging.ParseLevel(cfg.Log.Level), logging.FileConfig{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	genesis, err := cfg.ToGenesis()
	if err != nil {
		db.Close()
		return fmt.Errorf("genesis: %w", err)
	}
	ledger, err := core.NewLedger(db, genesis, core.WithLogger(logger))
	if err != nil {
		db.Close()
		return fmt.Errorf("open ledger: %w", err)
	}
	defer ledger.Close()

	server, err := rpc.NewServer(ledger, cfg.RPC, logger)
	if err != nil {
		return fmt.Errorf("rpc server: %w", err)
	}
	logger.Info("dexcrowd starting",
		"chain_id", ledger.ChainID(),
		"rpc", cfg.RPCAddress,
		"storage", cfg.StorageBackend,
		"data_dir", cfg.DataDir,
		logging.MaskField("telemetry_headers", cfg.Telemetry.Headers),
		logging.MaskField("jwt_secret", cfg.RPC.Auth.HMACSecret),
	)
	if err := server.Serve(ctx, cfg.RPCAddress); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("dexcrowd stopped")
	return nil
}

func openDatabase(cfg *config.Config) (storage.Database, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	switch cfg.StorageBackend {
	case config.StorageBolt:
		db, err := storage.NewBoltDB(cfg.StoragePath(), &bolt.Options{Timeout: 2 * time.Second})
		if err != nil {
			return nil, fmt.Errorf("open bolt store: %w", err)
		}
		return db, nil
	default:
		db, err := storage.NewLevelDB(cfg.StoragePath())
		if err != nil {
			return nil, fmt.Errorf("open leveldb store: %w", err)
		}
		return db, nil
	}
}
