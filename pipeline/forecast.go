package pipeline

import (
	"context"
	"fmt"
	"time"

	"btcgru/market"
	"btcgru/ml"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// LatestSource 提供最近 n 根已收盘K线，按时间升序
type LatestSource interface {
	Latest(ctx context.Context, symbol, interval string, n int) ([]market.KLine, error)
}

// BinanceLatest 从交易所读取最近K线
type BinanceLatest struct {
	Client *market.BinanceClient
	Now    func() time.Time
}

func (b BinanceLatest) Latest(ctx context.Context, symbol, interval string, n int) ([]market.KLine, error) {
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	return b.Client.FetchLatest(ctx, symbol, interval, n, now())
}

// CacheLatest 从本地数据库读取最近K线
type CacheLatest struct {
	Store interface {
		LatestKLines(ctx context.Context, symbol, interval string, n int) ([]market.KLine, error)
	}
}

func (c CacheLatest) Latest(ctx context.Context, symbol, interval string, n int) ([]market.KLine, error) {
	return c.Store.LatestKLines(ctx, symbol, interval, n)
}

// ForecastResult 单步预测结果
type ForecastResult struct {
	Symbol    string
	LastOpen  time.Time
	LastClose float64
	Predicted float64
}

// Forecaster 用已保存的模型与缩放器预测下一根K线的收盘价
type Forecaster struct {
	model  ml.Predictor
	window int
	scaler *ml.MinMaxScaler
	source LatestSource
	logger *zap.Logger
}

func NewForecaster(model ml.Predictor, window int, scaler *ml.MinMaxScaler, source LatestSource, logger *zap.Logger) *Forecaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forecaster{model: model, window: window, scaler: scaler, source: source, logger: logger}
}

// Forecast 取最近 window 根K线，清洗、缩放后预测，并反缩放回价格
func (f *Forecaster) Forecast(ctx context.Context, symbol, interval string) (*ForecastResult, error) {
	raw, err := f.source.Latest(ctx, symbol, interval, f.window)
	if err != nil {
		return nil, fmt.Errorf("load latest klines: %w", err)
	}
	klines, issues := NewDataCleaner(f.logger).Clean(raw)
	for _, issue := range issues {
		f.logger.Warn("latest kline issue", zap.String("type", issue.Type), zap.String("message", issue.Message))
	}
	if len(klines) < f.window {
		return nil, fmt.Errorf("%w: need %d klines, have %d", ml.ErrSeriesTooShort, f.window, len(klines))
	}
	klines = klines[len(klines)-f.window:]

	closes := lo.Map(klines, func(k market.KLine, _ int) float64 { return k.Close })
	scaled, err := f.scaler.TransformColumn(closes, ml.PriceColumn)
	if err != nil {
		return nil, err
	}
	prices, err := f.scaler.InverseColumn([]float64{f.model.Predict(scaled)}, ml.PriceColumn)
	if err != nil {
		return nil, err
	}

	last := klines[len(klines)-1]
	result := &ForecastResult{
		Symbol:    symbol,
		LastOpen:  last.OpenTime,
		LastClose: last.Close,
		Predicted: prices[0],
	}
	f.logger.Info("forecast computed",
		zap.String("symbol", symbol),
		zap.Time("last_open", last.OpenTime),
		zap.Float64("last_close", last.Close),
		zap.Float64("predicted", result.Predicted))
	return result, nil
}
