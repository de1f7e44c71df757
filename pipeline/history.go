package pipeline

import (
	"context"
	"fmt"
	"time"

	"btcgru/db"
)

// HistoryStore 查询训练历史所需的存储接口
type HistoryStore interface {
	LoadRuns(ctx context.Context, limit int) ([]db.TrainingRun, error)
	LastOpenTime(ctx context.Context, symbol, interval string) (time.Time, bool, error)
	CountQualityIssues(ctx context.Context, symbol string) (int, error)
}

// History 最近的训练运行与缓存状态
type History struct {
	Symbol        string
	Runs          []db.TrainingRun
	CachedUntil   time.Time
	Cached        bool
	QualityIssues int
}

func LoadHistory(ctx context.Context, store HistoryStore, symbol, interval string, limit int) (*History, error) {
	runs, err := store.LoadRuns(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("load runs: %w", err)
	}
	last, ok, err := store.LastOpenTime(ctx, symbol, interval)
	if err != nil {
		return nil, fmt.Errorf("read cache progress: %w", err)
	}
	issues, err := store.CountQualityIssues(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("count quality issues: %w", err)
	}
	return &History{
		Symbol:        symbol,
		Runs:          runs,
		CachedUntil:   last,
		Cached:        ok,
		QualityIssues: issues,
	}, nil
}
