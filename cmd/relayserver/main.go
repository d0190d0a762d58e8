// Package main provides the relay server binary: the room directory, RPC relay,
// and stats endpoints behind a websocket listener.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/protoshock/Server-Files/internal/config"
	"github.com/protoshock/Server-Files/internal/observability"
	"github.com/protoshock/Server-Files/internal/relay"
	"github.com/protoshock/Server-Files/internal/server"
	"github.com/protoshock/Server-Files/internal/stats"
	"github.com/protoshock/Server-Files/internal/transport/websocket"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file; empty = defaults and RELAY_* environment")
	envFile := flag.String("env", ".env", "dotenv file loaded before configuration; missing file is ignored")
	flag.Parse()

	envErr := godotenv.Load(*envFile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	if envErr != nil {
		logger.Debug("no dotenv file loaded", zap.String("path", *envFile), zap.Error(envErr))
	}

	logger.Info("starting relay server",
		zap.String("addr", cfg.Server.Addr()),
		zap.Duration("flush_interval", cfg.Relay.FlushInterval),
		zap.Duration("inactivity_timeout", cfg.Relay.InactivityTimeout),
	)

	hub := relay.NewHub(relay.HubConfig{
		FlushInterval:     cfg.Relay.FlushInterval,
		SweepInterval:     cfg.Relay.SweepInterval,
		InactivityTimeout: cfg.Relay.InactivityTimeout,
		MaxBatchBytes:     cfg.Relay.MaxBatchBytes,
		CompressionLevel:  cfg.Relay.CompressionLevel,
		FlushWorkers:      cfg.Relay.FlushWorkers,
	}, logger.Named("hub"))

	publisher := stats.NewPublisher(stats.NewCollector(hub, logger.Named("stats"), cfg.Stats.MaxRooms))

	scheduler := relay.NewScheduler(logger.Named("scheduler"))
	hub.Schedule(scheduler)
	publisher.Schedule(scheduler, cfg.Stats.Interval)

	acceptor := websocket.NewAcceptor(cfg.Server, cfg.Relay, hub, publisher, logger.Named("transport"))

	lifecycle := server.NewLifecycle(logger, cfg.Server.ShutdownTimeout)

	lifecycle.Add("scheduler", &server.FuncService{
		StartFn: func(ctx context.Context) error {
			scheduler.Start(ctx)
			return nil
		},
		StopFn: func(context.Context) error {
			scheduler.Stop()
			return nil
		},
	})

	lifecycle.Add("http", &server.FuncService{
		StartFn: func(context.Context) error {
			return acceptor.ListenAndServe()
		},
		StopFn: acceptor.Stop,
	})

	logger.Info("relay server initialized", zap.Duration("startup", time.Since(start)))

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
