package pipeline

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"btcgru/market"

	"go.uber.org/zap"
)

// CleaningRule 清洗规则
type CleaningRule interface {
	Apply(*market.KLine) (*market.KLine, error)
	Name() string
}

// resettable 每次清洗前需要清空状态的规则
type resettable interface {
	Reset()
}

// QualityIssue 质量问题
type QualityIssue struct {
	Type     string    `json:"type"`
	Severity string    `json:"severity"` // low, high
	Message  string    `json:"message"`
	OpenTime time.Time `json:"open_time"`
	Symbol   string    `json:"symbol"`
}

// DataCleaner K线清洗器
type DataCleaner struct {
	rules  []CleaningRule
	logger *zap.Logger

	stats     CleaningStats
	statsLock sync.RWMutex
}

// CleaningStats 清洗统计
type CleaningStats struct {
	TotalProcessed int64            `json:"total_processed"`
	Passed         int64            `json:"passed"`
	Rejected       int64            `json:"rejected"`
	Repaired       int64            `json:"repaired"`
	Gaps           int64            `json:"gaps"`
	Issues         map[string]int64 `json:"issues"`
	LastClean      time.Time        `json:"last_clean"`
}

// NewDataCleaner 创建带默认规则的清洗器
func NewDataCleaner(logger *zap.Logger) *DataCleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	cleaner := &DataCleaner{
		logger: logger,
		stats: CleaningStats{
			Issues: make(map[string]int64),
		},
	}

	cleaner.AddRule(NewPriceValidationRule())
	cleaner.AddRule(NewVolumeValidationRule())
	cleaner.AddRule(NewTimestampValidationRule())
	cleaner.AddRule(NewDuplicateDetectionRule())

	return cleaner
}

// AddRule 添加清洗规则
func (dc *DataCleaner) AddRule(rule CleaningRule) {
	dc.rules = append(dc.rules, rule)
	dc.logger.Debug("cleaning rule added", zap.String("rule", rule.Name()))
}

// Clean 按开盘时间排序，逐条应用规则，剔除不合格的K线。
// 返回的序列开盘时间严格递增。
func (dc *DataCleaner) Clean(klines []market.KLine) ([]market.KLine, []QualityIssue) {
	for _, rule := range dc.rules {
		if r, ok := rule.(resettable); ok {
			r.Reset()
		}
	}

	sorted := make([]market.KLine, len(klines))
	copy(sorted, klines)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].OpenTime.Before(sorted[j].OpenTime)
	})

	dc.statsLock.Lock()
	defer dc.statsLock.Unlock()

	cleaned := make([]market.KLine, 0, len(sorted))
	var issues []QualityIssue
	for i := range sorted {
		dc.stats.TotalProcessed++
		kline := &sorted[i]

		var rejected *QualityIssue
		for _, rule := range dc.rules {
			out, err := rule.Apply(kline)
			if err != nil {
				rejected = &QualityIssue{
					Type:     rule.Name(),
					Severity: "high",
					Message:  err.Error(),
					OpenTime: kline.OpenTime,
					Symbol:   kline.Symbol,
				}
				dc.stats.Issues[rule.Name()]++
				break
			}
			if out != nil {
				kline = out
			}
		}
		if rejected != nil {
			dc.stats.Rejected++
			issues = append(issues, *rejected)
			continue
		}
		if *kline != sorted[i] {
			dc.stats.Repaired++
		}
		dc.stats.Passed++
		cleaned = append(cleaned, *kline)
	}

	gaps := detectGaps(cleaned)
	dc.stats.Gaps += int64(len(gaps))
	issues = append(issues, gaps...)
	dc.stats.LastClean = time.Now()

	if len(issues) > 0 {
		dc.logger.Info("klines cleaned",
			zap.Int("input", len(klines)),
			zap.Int("kept", len(cleaned)),
			zap.Int("issues", len(issues)))
	}
	return cleaned, issues
}

// GetStats 获取统计信息
func (dc *DataCleaner) GetStats() CleaningStats {
	dc.statsLock.RLock()
	defer dc.statsLock.RUnlock()

	stats := dc.stats
	stats.Issues = make(map[string]int64, len(dc.stats.Issues))
	for k, v := range dc.stats.Issues {
		stats.Issues[k] = v
	}
	return stats
}

// detectGaps 报告缺失的K线区间，不剔除数据
func detectGaps(klines []market.KLine) []QualityIssue {
	var issues []QualityIssue
	for i := 1; i < len(klines); i++ {
		step, err := market.ParseInterval(klines[i].Interval)
		if err != nil {
			continue
		}
		diff := klines[i].OpenTime.Sub(klines[i-1].OpenTime)
		if diff > step {
			issues = append(issues, QualityIssue{
				Type:     "gap_detection",
				Severity: "low",
				Message:  fmt.Sprintf("%d candles missing before %s", int(diff/step)-1, klines[i].OpenTime.Format(time.RFC3339)),
				OpenTime: klines[i].OpenTime,
				Symbol:   klines[i].Symbol,
			})
		}
	}
	return issues
}

// ============ 清洗规则实现 ============

// PriceValidationRule 价格验证规则
type PriceValidationRule struct {
	MinPrice float64
	MaxPrice float64
}

func NewPriceValidationRule() *PriceValidationRule {
	return &PriceValidationRule{
		MinPrice: 0.00000001,
		MaxPrice: 100000000.0,
	}
}

func (r *PriceValidationRule) Name() string {
	return "price_validation"
}

func (r *PriceValidationRule) Apply(k *market.KLine) (*market.KLine, error) {
	if math.IsNaN(k.Close) || math.IsInf(k.Close, 0) {
		return nil, fmt.Errorf("close price %v is not finite", k.Close)
	}
	if k.Close < r.MinPrice || k.Close > r.MaxPrice {
		return nil, fmt.Errorf("price %.2f out of range [%.8f, %.2f]", k.Close, r.MinPrice, r.MaxPrice)
	}

	// 交易所偶尔返回缺失的开高低价，用收盘价补齐
	if k.Open <= 0 || k.High <= 0 || k.Low <= 0 {
		repaired := *k
		if repaired.Open <= 0 {
			repaired.Open = k.Close
		}
		if repaired.High <= 0 {
			repaired.High = math.Max(repaired.Open, k.Close)
		}
		if repaired.Low <= 0 {
			repaired.Low = math.Min(repaired.Open, k.Close)
		}
		k = &repaired
	}

	if k.High < k.Low {
		return nil, fmt.Errorf("high price %.2f less than low price %.2f", k.High, k.Low)
	}
	if k.Close < k.Low || k.Close > k.High {
		return nil, fmt.Errorf("close price %.2f outside range [%.2f, %.2f]", k.Close, k.Low, k.High)
	}
	return k, nil
}

// VolumeValidationRule 成交量验证规则
type VolumeValidationRule struct{}

func NewVolumeValidationRule() *VolumeValidationRule {
	return &VolumeValidationRule{}
}

func (r *VolumeValidationRule) Name() string {
	return "volume_validation"
}

func (r *VolumeValidationRule) Apply(k *market.KLine) (*market.KLine, error) {
	if k.Volume < 0 || k.QuoteVolume < 0 {
		return nil, fmt.Errorf("volume %.4f / quote volume %.4f is negative", k.Volume, k.QuoteVolume)
	}
	if k.Trades < 0 {
		return nil, fmt.Errorf("trade count %d is negative", k.Trades)
	}
	return k, nil
}

// TimestampValidationRule 时间戳验证规则
type TimestampValidationRule struct {
	MaxFuture time.Duration
	now       func() time.Time
}

func NewTimestampValidationRule() *TimestampValidationRule {
	return &TimestampValidationRule{
		MaxFuture: 5 * time.Minute, // 允许时钟差异
		now:       time.Now,
	}
}

func (r *TimestampValidationRule) Name() string {
	return "timestamp_validation"
}

func (r *TimestampValidationRule) Apply(k *market.KLine) (*market.KLine, error) {
	if k.OpenTime.IsZero() || k.OpenTime.Unix() <= 0 {
		return nil, fmt.Errorf("open time %v is invalid", k.OpenTime)
	}
	if k.OpenTime.After(r.now().Add(r.MaxFuture)) {
		return nil, fmt.Errorf("open time %s is too far in the future", k.OpenTime.Format(time.RFC3339))
	}
	if !k.CloseTime.IsZero() && !k.CloseTime.After(k.OpenTime) {
		return nil, fmt.Errorf("close time %s not after open time %s",
			k.CloseTime.Format(time.RFC3339), k.OpenTime.Format(time.RFC3339))
	}
	return k, nil
}

// DuplicateDetectionRule 重复检测规则
type DuplicateDetectionRule struct {
	seenMap map[string]struct{}
	mu      sync.Mutex
}

func NewDuplicateDetectionRule() *DuplicateDetectionRule {
	return &DuplicateDetectionRule{
		seenMap: make(map[string]struct{}),
	}
}

func (r *DuplicateDetectionRule) Name() string {
	return "duplicate_detection"
}

func (r *DuplicateDetectionRule) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seenMap = make(map[string]struct{})
}

func (r *DuplicateDetectionRule) Apply(k *market.KLine) (*market.KLine, error) {
	key := fmt.Sprintf("%s_%s_%d", k.Symbol, k.Interval, k.OpenTime.UnixMilli())

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.seenMap[key]; exists {
		return nil, fmt.Errorf("duplicate kline: %s at %s", k.Symbol, k.OpenTime.Format(time.RFC3339))
	}
	r.seenMap[key] = struct{}{}
	return k, nil
}
