package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	logpkg "shipwatch/ship-common/logger"
	"shipwatch/shipwatch-triage/internal/config"
	"shipwatch/shipwatch-triage/internal/httpapi"
	"shipwatch/shipwatch-triage/internal/service"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := applyFlags(cfg, os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Invalid arguments: %v\n", err)
		os.Exit(2)
	}

	log, err := logpkg.NewLogger(cfg.Log.Level, cfg.Log.Format, "shipwatch-triage")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}

	log.Info("Starting shipwatch-triage service",
		zap.String("store", cfg.Store),
		zap.String("transport", cfg.Transport()),
		zap.Int64("seed", cfg.Triage.Seed),
	)

	svc, err := service.New(cfg, log)
	if err != nil {
		log.Fatal("Failed to create triage service", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		log.Fatal("Failed to start triage service", zap.Error(err))
	}

	srv := httpapi.NewServer(cfg.HTTP.Addr, httpapi.NewRouter(httpapi.NewHandler(svc, log)), log)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("HTTP server error", zap.Error(err))
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("Error stopping HTTP server", zap.Error(err))
	}
	if err := svc.Stop(shutdownCtx); err != nil {
		log.Error("Error stopping service", zap.Error(err))
	}

	log.Info("Service stopped")
}

// applyFlags command-line overrides on top of the environment
func applyFlags(cfg *config.Config, args []string) error {
	flagSet := pflag.NewFlagSet("shipwatch-triage", pflag.ContinueOnError)
	store := flagSet.String("store", cfg.Store, "storage backend: postgres or memory")
	transport := flagSet.String("transport", cfg.BridgeTransport, "change transport: postgres, redis or memory (default follows --store)")
	tables := flagSet.String("tables", "", "YAML file with dwell and minimum stay hours")
	httpAddr := flagSet.String("http-addr", cfg.HTTP.Addr, "listen address of the read API")
	seed := flagSet.Int64("seed", cfg.Triage.Seed, "seed for admission draws")
	noDriver := flagSet.Bool("no-driver", !cfg.Triage.DriverEnabled, "do not run the periodic triage driver")

	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg.Store = *store
	cfg.BridgeTransport = *transport
	cfg.HTTP.Addr = *httpAddr
	cfg.Triage.Seed = *seed
	cfg.Triage.DriverEnabled = !*noDriver
	if *tables != "" {
		if err := cfg.LoadTablesFile(*tables); err != nil {
			return err
		}
	}
	return nil
}
