package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"btcgru/market"

	"go.uber.org/zap"
)

var ErrNoData = errors.New("no klines in requested range")

const (
	SourceBinance = "binance"
	SourceCache   = "cache"
)

// KLineSource 远程K线数据源
type KLineSource interface {
	FetchKLines(ctx context.Context, symbol, interval string, start, end time.Time) ([]market.KLine, error)
}

// KLineStorage K线缓存与质量问题存储接口
type KLineStorage interface {
	SaveKLines(ctx context.Context, klines []market.KLine) error
	QueryKLines(ctx context.Context, symbol, interval string, start, end time.Time) ([]market.KLine, error)
	SaveQualityIssue(ctx context.Context, symbol string, openTime time.Time, issueType, severity, message string) error
}

// LoaderConfig 数据加载配置
type LoaderConfig struct {
	Symbol   string
	Interval string
	Start    time.Time
	End      time.Time
	// Source 为 binance 时联网下载，为 cache 时只读本地数据库
	Source string
	// Incremental 只下载缓存中最新K线之后的数据
	Incremental bool
}

// LoadResult 加载结果
type LoadResult struct {
	Series  *market.PriceSeries
	KLines  []market.KLine
	Issues  []QualityIssue
	Fetched int
	Cached  int
}

// DataLoader 加载、清洗并缓存K线
type DataLoader struct {
	config  LoaderConfig
	source  KLineSource
	storage KLineStorage
	cleaner *DataCleaner
	logger  *zap.Logger
}

// NewDataLoader 创建数据加载器；storage 可以为 nil
func NewDataLoader(config LoaderConfig, source KLineSource, storage KLineStorage, logger *zap.Logger) *DataLoader {
	if config.Source == "" {
		config.Source = SourceBinance
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DataLoader{
		config:  config,
		source:  source,
		storage: storage,
		cleaner: NewDataCleaner(logger),
		logger:  logger,
	}
}

// Load 取回开盘时间在 [Start, End) 内的K线，清洗后构造收盘价序列
func (dl *DataLoader) Load(ctx context.Context) (*LoadResult, error) {
	cfg := dl.config
	if !cfg.Start.Before(cfg.End) {
		return nil, fmt.Errorf("start %s must be before end %s", cfg.Start.Format(time.RFC3339), cfg.End.Format(time.RFC3339))
	}

	result := &LoadResult{}
	var raw []market.KLine
	switch cfg.Source {
	case SourceCache:
		if dl.storage == nil {
			return nil, errors.New("cache source requires a database")
		}
		cached, err := dl.storage.QueryKLines(ctx, cfg.Symbol, cfg.Interval, cfg.Start, cfg.End)
		if err != nil {
			return nil, fmt.Errorf("query cached klines: %w", err)
		}
		result.Cached = len(cached)
		raw = cached
	case SourceBinance:
		cached, fetched, err := dl.fetch(ctx)
		if err != nil {
			return nil, err
		}
		result.Cached = len(cached)
		result.Fetched = len(fetched)
		raw = append(cached, fetched...)
	default:
		return nil, fmt.Errorf("unknown data source %q", cfg.Source)
	}

	klines, issues := dl.cleaner.Clean(raw)
	result.KLines = klines
	result.Issues = issues
	dl.recordIssues(ctx, issues)

	if len(klines) == 0 {
		return nil, fmt.Errorf("%w: %s %s from %s", ErrNoData, cfg.Symbol, cfg.Interval, cfg.Start.Format(time.RFC3339))
	}
	series, err := market.NewPriceSeries(cfg.Symbol, cfg.Interval, klines)
	if err != nil {
		return nil, err
	}
	result.Series = series

	dl.logger.Info("klines loaded",
		zap.String("symbol", cfg.Symbol),
		zap.String("interval", cfg.Interval),
		zap.Int("fetched", result.Fetched),
		zap.Int("cached", result.Cached),
		zap.Int("points", series.Len()),
		zap.Time("first", klines[0].OpenTime),
		zap.Time("last", klines[len(klines)-1].OpenTime))
	return result, nil
}

// timeRange 半开区间 [From, To)
type timeRange struct {
	From time.Time
	To   time.Time
}

// fetch 下载K线；增量模式下复用缓存，只下载缓存缺失的区间
func (dl *DataLoader) fetch(ctx context.Context) (cached, fetched []market.KLine, err error) {
	cfg := dl.config
	if dl.source == nil {
		return nil, nil, errors.New("binance source is not configured")
	}

	missing := []timeRange{{From: cfg.Start, To: cfg.End}}
	if cfg.Incremental && dl.storage != nil {
		cached, missing, err = dl.cachedRanges(ctx)
		if err != nil {
			return nil, nil, err
		}
	}

	for _, r := range missing {
		page, err := dl.source.FetchKLines(ctx, cfg.Symbol, cfg.Interval, r.From, r.To)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch klines: %w", err)
		}
		fetched = append(fetched, page...)
	}
	if len(missing) > 1 {
		dl.logger.Info("filled cache gaps",
			zap.Int("ranges", len(missing)),
			zap.Int("fetched", len(fetched)))
	}

	if dl.storage != nil && len(fetched) > 0 {
		if err := dl.storage.SaveKLines(ctx, fetched); err != nil {
			return nil, nil, fmt.Errorf("cache klines: %w", err)
		}
	}
	return cached, fetched, nil
}

// cachedRanges 返回 [Start, End) 内可复用的缓存K线，以及缓存没有覆盖、需要下载的区间。
// 缓存可能由多次不同起止时间的运行写入，中间的空洞也要补齐。
func (dl *DataLoader) cachedRanges(ctx context.Context) ([]market.KLine, []timeRange, error) {
	cfg := dl.config
	full := []timeRange{{From: cfg.Start, To: cfg.End}}
	step, err := market.ParseInterval(cfg.Interval)
	if err != nil {
		return nil, full, err
	}
	cached, err := dl.storage.QueryKLines(ctx, cfg.Symbol, cfg.Interval, cfg.Start, cfg.End)
	if err != nil {
		return nil, full, fmt.Errorf("query cached klines: %w", err)
	}
	if len(cached) == 0 {
		return nil, full, nil
	}

	// 最新一根可能在缓存时尚未收盘，重新下载
	kept := cached[:len(cached)-1]

	var missing []timeRange
	cursor := cfg.Start
	for _, k := range kept {
		if k.OpenTime.Sub(cursor) >= step {
			missing = append(missing, timeRange{From: cursor, To: k.OpenTime})
		}
		cursor = k.OpenTime.Add(step)
	}
	if cursor.Before(cfg.End) {
		missing = append(missing, timeRange{From: cursor, To: cfg.End})
	}
	return kept, missing, nil
}

func (dl *DataLoader) recordIssues(ctx context.Context, issues []QualityIssue) {
	if dl.storage == nil {
		return
	}
	for _, issue := range issues {
		if err := dl.storage.SaveQualityIssue(ctx, issue.Symbol, issue.OpenTime, issue.Type, issue.Severity, issue.Message); err != nil {
			dl.logger.Warn("save quality issue failed", zap.Error(err))
			return
		}
	}
}
