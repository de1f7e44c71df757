package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"btcgru/market"
	"btcgru/ml"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "data", "btcgru.db"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func hourlyKLines(start time.Time, n int) []market.KLine {
	klines := make([]market.KLine, n)
	for i := range klines {
		open := start.Add(time.Duration(i) * time.Hour)
		price := 30000 + float64(i)*10
		klines[i] = market.KLine{
			Symbol:    "BTCUSDT",
			Interval:  "1h",
			OpenTime:  open,
			CloseTime: open.Add(time.Hour - time.Millisecond),
			Open:      price,
			High:      price + 5,
			Low:       price - 5,
			Close:     price + 1,
			Volume:    12.5,
			Trades:    int64(100 + i),
		}
	}
	return klines
}

func TestKLineCache(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, ok, err := store.LastOpenTime(ctx, "BTCUSDT", "1h"); err != nil || ok {
		t.Fatalf("expected empty cache, got ok=%v err=%v", ok, err)
	}
	if err := store.SaveKLines(ctx, hourlyKLines(start, 10)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// overlapping save replaces rows instead of duplicating them
	if err := store.SaveKLines(ctx, hourlyKLines(start.Add(5*time.Hour), 10)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	all, err := store.QueryKLines(ctx, "BTCUSDT", "1h", start, start.Add(100*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 15 {
		t.Fatalf("expected 15 cached klines, got %d", len(all))
	}
	if !all[0].OpenTime.Equal(start) || all[0].Trades != 100 {
		t.Fatalf("unexpected first kline %+v", all[0])
	}

	// the end bound is exclusive
	window, err := store.QueryKLines(ctx, "BTCUSDT", "1h", start.Add(2*time.Hour), start.Add(6*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(window) != 4 || !window[3].OpenTime.Equal(start.Add(5*time.Hour)) {
		t.Fatalf("expected 4 klines before the end bound, got %d", len(window))
	}

	last, ok, err := store.LastOpenTime(ctx, "BTCUSDT", "1h")
	if err != nil || !ok {
		t.Fatalf("expected last open time, got ok=%v err=%v", ok, err)
	}
	if !last.Equal(start.Add(14 * time.Hour)) {
		t.Fatalf("unexpected last open time %v", last)
	}

	latest, err := store.LatestKLines(ctx, "BTCUSDT", "1h", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(latest) != 3 || !latest[2].OpenTime.Equal(last) || !latest[0].OpenTime.Before(latest[1].OpenTime) {
		t.Fatalf("expected newest 3 klines oldest first, got %+v", latest)
	}

	other, err := store.QueryKLines(ctx, "BTCUSDT", "4h", start, start.Add(100*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected no klines for another interval, got %d", len(other))
	}
}

func TestTrainingLog(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	run := TrainingRun{RunID: "run-1", Symbol: "BTCUSDT", Interval: "1h", DataPoints: 500, StartedAt: started}
	if err := store.StartRun(ctx, run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	params := ml.HyperParams{WindowSize: 24, Units: 32, Dropout: 0.1, BatchSize: 64}
	trial := ml.Trial{
		ID:            1,
		Params:        params,
		Status:        ml.TrialRetained,
		ValidationMAE: 412.5,
		History:       &ml.History{Loss: []float64{0.1, 0.05}, ValLoss: []float64{0.2, 0.1}, BestEpoch: 2},
		Duration:      1500 * time.Millisecond,
		Timestamp:     started,
	}
	if err := store.SaveTrial(ctx, run.RunID, trial); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	trial.Status = ml.TrialDiscarded
	if err := store.SaveTrial(ctx, run.RunID, trial); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logs, err := store.LoadTrainingLog(ctx, run.RunID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 log row, got %d", len(logs))
	}
	got := logs[0]
	if got.Params != params || got.Epochs != 2 || got.BestEpoch != 2 || got.Status != "discarded" {
		t.Fatalf("unexpected log %+v", got)
	}
	if got.Duration != 1500*time.Millisecond || got.ValidationMAE != 412.5 {
		t.Fatalf("unexpected log %+v", got)
	}

	run.Status = RunFinished
	run.BestTrial = 1
	run.TestMAE = 500
	run.FinishedAt = started.Add(time.Hour)
	if err := store.FinishRun(ctx, run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	runs, err := store.LoadRuns(ctx, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != RunFinished || runs[0].TestMAE != 500 || !runs[0].FinishedAt.Equal(run.FinishedAt) {
		t.Fatalf("unexpected runs %+v", runs)
	}
	if err := store.FinishRun(ctx, TrainingRun{RunID: "missing"}); err == nil {
		t.Fatalf("expected error for unknown run")
	}
}

func TestQualityIssues(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 5, 0, 0, 0, time.UTC)

	// recleaning the same candles reports the same issues again
	for i := 0; i < 3; i++ {
		if err := store.SaveQualityIssue(ctx, "BTCUSDT", at, "price_validation", "high", "close outside range"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := store.SaveQualityIssue(ctx, "BTCUSDT", at, "gap_detection", "low", "2 candles missing"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	n, err := store.CountQualityIssues(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 distinct issues, got %d", n)
	}
}

func TestNilStore(t *testing.T) {
	var store *Store
	if err := store.SaveKLines(context.Background(), nil); err != ErrNotInitialized {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}
