package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"btcgru/config"
	"btcgru/db"
	"btcgru/logging"
	"btcgru/market"
	"btcgru/pipeline"
	"btcgru/report"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "config file path")
	schedule := flag.Bool("schedule", false, "retrain on the schedule.cron expression instead of running once")
	history := flag.Int("history", 0, "print the last N training runs and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	if *history > 0 {
		if err := printHistory(cfg, *history, logger); err != nil {
			logger.Error("history failed", zap.Error(err))
			logger.Sync()
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, *schedule, logger); err != nil {
		logger.Error("training failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, schedule bool, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	client := market.NewBinanceClient(market.ClientConfig{
		BaseURL:   cfg.Binance.BaseURL,
		APIKey:    cfg.Binance.APIKey,
		APISecret: cfg.Binance.APISecret,
		Timeout:   cfg.Binance.Timeout,
		PageSize:  cfg.Binance.PageSize,
	}, logger)
	runner := pipeline.NewRunner(cfg, client, store, os.Stdout, logger)

	if !schedule {
		_, err := runner.Run(ctx)
		return err
	}

	scheduler := pipeline.NewScheduler(ctx, logger)
	err = scheduler.Register(cfg.Schedule.Cron, "train", func(ctx context.Context) error {
		_, err := runner.Run(ctx)
		return err
	})
	if err != nil {
		return err
	}
	scheduler.Start()
	logger.Info("waiting for scheduled runs", zap.String("cron", cfg.Schedule.Cron))

	<-ctx.Done()
	logger.Info("shutting down")
	scheduler.Stop()
	return nil
}

func printHistory(cfg *config.Config, limit int, logger *zap.Logger) error {
	store, err := db.Open(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	h, err := pipeline.LoadHistory(context.Background(), store, cfg.Symbol, cfg.Interval, limit)
	if err != nil {
		return err
	}
	report.NewConsole(os.Stdout).Runs(h.Symbol, h.Runs, h.CachedUntil, h.Cached, h.QualityIssues)
	return nil
}
