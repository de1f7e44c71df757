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
	"btcgru/ml"
	"btcgru/pipeline"
	"btcgru/report"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "config file path")
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

	if err := run(cfg, logger); err != nil {
		logger.Error("prediction failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	model, err := ml.LoadModel(cfg.Artifacts.ModelPath)
	if err != nil {
		return err
	}
	scaler, err := ml.LoadScaler(cfg.Artifacts.ScalerPath)
	if err != nil {
		return err
	}

	var source pipeline.LatestSource
	if cfg.Data.Source == pipeline.SourceCache {
		store, err := db.Open(cfg.Database.Path, logger)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer store.Close()
		source = pipeline.CacheLatest{Store: store}
	} else {
		source = pipeline.BinanceLatest{Client: market.NewBinanceClient(market.ClientConfig{
			BaseURL:   cfg.Binance.BaseURL,
			APIKey:    cfg.Binance.APIKey,
			APISecret: cfg.Binance.APISecret,
			Timeout:   cfg.Binance.Timeout,
			PageSize:  cfg.Binance.PageSize,
		}, logger)}
	}

	forecaster := pipeline.NewForecaster(model, model.WindowSize, scaler, source, logger)
	result, err := forecaster.Forecast(ctx, cfg.Symbol, cfg.Interval)
	if err != nil {
		return err
	}
	report.NewConsole(os.Stdout).Forecast(result.Symbol, result.LastOpen, result.LastClose, result.Predicted)
	return nil
}
