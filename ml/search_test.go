package ml

import (
	"context"
	"testing"
)

func TestGridCombinationsOrder(t *testing.T) {
	grid := Grid{
		WindowSizes: []int{24, 48},
		Units:       []int{32, 64},
		Dropouts:    []float64{0.1, 0.2},
		BatchSizes:  []int{32, 64},
	}
	combos := grid.Combinations()
	if len(combos) != 16 || grid.Size() != 16 {
		t.Fatalf("expected 16 combinations, got %d", len(combos))
	}
	first := HyperParams{WindowSize: 24, Units: 32, Dropout: 0.1, BatchSize: 32}
	second := HyperParams{WindowSize: 24, Units: 32, Dropout: 0.1, BatchSize: 64}
	last := HyperParams{WindowSize: 48, Units: 64, Dropout: 0.2, BatchSize: 64}
	if combos[0] != first || combos[1] != second || combos[15] != last {
		t.Fatalf("unexpected order: %v", combos)
	}
	if combos[8].WindowSize != 48 {
		t.Fatalf("window size must be the outermost loop")
	}
}

func TestSearchStateRetainsStrictlyLower(t *testing.T) {
	scores := []float64{5, 3, 3, 4, 1, 1}
	state := newSearchState(len(scores))
	for i, s := range scores {
		state = state.consider(Trial{ID: i + 1, ValidationMAE: s, Model: &GRU{Units: i + 1}})
	}
	result := state.result()

	if len(result.Trials) != len(scores) {
		t.Fatalf("expected %d trials, got %d", len(scores), len(result.Trials))
	}
	if result.Best.ID != 5 || result.Best.Model == nil || result.Best.Model.Units != 5 {
		t.Fatalf("expected trial 5 retained with its model, got %+v", result.Best)
	}
	retained := 0
	for _, trial := range result.Trials {
		if trial.Model != nil {
			t.Fatalf("trial %d keeps a model in the log", trial.ID)
		}
		if trial.Status == TrialRetained {
			retained++
			if trial.ID != 5 {
				t.Fatalf("trial %d retained, want 5", trial.ID)
			}
		} else if trial.Status != TrialDiscarded {
			t.Fatalf("trial %d has status %s", trial.ID, trial.Status)
		}
	}
	if retained != 1 {
		t.Fatalf("expected exactly one retained trial, got %d", retained)
	}
}

func TestSearchStateTieKeepsEarlier(t *testing.T) {
	state := newSearchState(2)
	state = state.consider(Trial{ID: 1, ValidationMAE: 2})
	state = state.consider(Trial{ID: 2, ValidationMAE: 2})
	if state.result().Best.ID != 1 {
		t.Fatalf("tie replaced the earlier trial")
	}
}

func TestSearcherRun(t *testing.T) {
	scaler := &MinMaxScaler{}
	scaled, err := scaler.FitTransform(Column(linearSeries(90, 100, 1)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	grid := Grid{
		WindowSizes: []int{4, 6},
		Units:       []int{2},
		Dropouts:    []float64{0, 0.2},
		BatchSizes:  []int{16},
	}
	trainer := NewTrainer(TrainConfig{Epochs: 2, Workers: 2}, nil)
	searcher := NewSearcher(SearchConfig{
		Grid:                  grid,
		TrainFraction:         0.7,
		ValidationEndFraction: 0.85,
		Seed:                  11,
	}, trainer, scaler, nil)

	var seen []int
	searcher.OnTrial = func(trial Trial) {
		seen = append(seen, trial.ID)
	}
	result, err := searcher.Run(context.Background(), Flatten(scaled, PriceColumn))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Trials) != grid.Size() || len(seen) != grid.Size() {
		t.Fatalf("expected %d trials, got %d (hook saw %d)", grid.Size(), len(result.Trials), len(seen))
	}
	best := result.Trials[0]
	for _, trial := range result.Trials[1:] {
		if trial.ValidationMAE < best.ValidationMAE {
			best = trial
		}
	}
	if result.Best.ID != best.ID || result.Best.Model == nil {
		t.Fatalf("expected trial %d retained, got %d", best.ID, result.Best.ID)
	}
	if result.Best.Model.WindowSize != result.Best.Params.WindowSize {
		t.Fatalf("retained model does not match its params")
	}
}

func TestSearcherFailsOnShortSeries(t *testing.T) {
	scaler := &MinMaxScaler{}
	scaled, _ := scaler.FitTransform(Column(linearSeries(10, 0, 1)))
	searcher := NewSearcher(SearchConfig{
		Grid:                  Grid{WindowSizes: []int{24}, Units: []int{2}, Dropouts: []float64{0}, BatchSizes: []int{4}},
		TrainFraction:         0.7,
		ValidationEndFraction: 0.85,
	}, NewTrainer(TrainConfig{Epochs: 1}, nil), scaler, nil)
	if _, err := searcher.Run(context.Background(), Flatten(scaled, PriceColumn)); err == nil {
		t.Fatalf("expected error for a series shorter than the window")
	}
	empty := NewSearcher(SearchConfig{}, NewTrainer(TrainConfig{}, nil), scaler, nil)
	if _, err := empty.Run(context.Background(), Flatten(scaled, PriceColumn)); err == nil {
		t.Fatalf("expected error for an empty grid")
	}
}
