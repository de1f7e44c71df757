package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

type HyperParams struct {
	WindowSize int     `json:"window_size"`
	Units      int     `json:"units"`
	Dropout    float64 `json:"dropout"`
	BatchSize  int     `json:"batch_size"`
}

func (p HyperParams) String() string {
	return fmt.Sprintf("window=%d, units=%d, dropout=%g, batch=%d", p.WindowSize, p.Units, p.Dropout, p.BatchSize)
}

// Grid is the search space. Combinations are enumerated as a Cartesian
// product with window size outermost and batch size innermost.
type Grid struct {
	WindowSizes []int
	Units       []int
	Dropouts    []float64
	BatchSizes  []int
}

func (g Grid) Size() int {
	return len(g.WindowSizes) * len(g.Units) * len(g.Dropouts) * len(g.BatchSizes)
}

func (g Grid) Combinations() []HyperParams {
	combos := make([]HyperParams, 0, g.Size())
	for _, w := range g.WindowSizes {
		for _, u := range g.Units {
			for _, d := range g.Dropouts {
				for _, b := range g.BatchSizes {
					combos = append(combos, HyperParams{WindowSize: w, Units: u, Dropout: d, BatchSize: b})
				}
			}
		}
	}
	return combos
}

type TrialStatus string

const (
	TrialPending   TrialStatus = "pending"
	TrialTraining  TrialStatus = "training"
	TrialEvaluated TrialStatus = "evaluated"
	TrialRetained  TrialStatus = "retained"
	TrialDiscarded TrialStatus = "discarded"
)

// Trial is one grid combination trained and scored on validation.
// Model is only kept on the retained trial.
type Trial struct {
	ID            int           `json:"id"`
	Params        HyperParams   `json:"params"`
	Status        TrialStatus   `json:"status"`
	ValidationMAE float64       `json:"validation_mae"`
	History       *History      `json:"history"`
	Duration      time.Duration `json:"duration"`
	Timestamp     time.Time     `json:"timestamp"`
	Model         *GRU          `json:"-"`
}

type SearchResult struct {
	Best   Trial
	Trials []Trial
}

type SearchConfig struct {
	Grid                  Grid
	TrainFraction         float64
	ValidationEndFraction float64
	Seed                  int64
}

type Searcher struct {
	cfg     SearchConfig
	trainer *Trainer
	scaler  *MinMaxScaler
	logger  *zap.Logger

	// OnTrial, when set, sees every trial right after it is scored.
	OnTrial func(Trial)
}

func NewSearcher(cfg SearchConfig, trainer *Trainer, scaler *MinMaxScaler, logger *zap.Logger) *Searcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Searcher{cfg: cfg, trainer: trainer, scaler: scaler, logger: logger}
}

// Run trains one model per grid combination over the scaled series and
// keeps the one with the lowest validation MAE. Ties keep the earlier
// combination. Any failure aborts the search.
func (s *Searcher) Run(ctx context.Context, scaled []float64) (*SearchResult, error) {
	combos := s.cfg.Grid.Combinations()
	if len(combos) == 0 {
		return nil, errors.New("search: empty hyperparameter grid")
	}
	cache, err := NewDatasetCache(scaled, len(s.cfg.Grid.WindowSizes))
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(s.cfg.Seed))

	s.logger.Info("grid search started", zap.Int("combinations", len(combos)))
	state := newSearchState(len(combos))
	for i, params := range combos {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("search cancelled: %w", err)
		}
		trial, err := s.runTrial(ctx, i+1, params, cache, rng)
		if err != nil {
			return nil, fmt.Errorf("combination %d (%s): %w", i+1, params, err)
		}
		state = state.consider(trial)

		latest := state.trials[len(state.trials)-1]
		s.logger.Info("combination evaluated",
			zap.Int("id", latest.ID),
			zap.Stringer("params", latest.Params),
			zap.Float64("val_mae", latest.ValidationMAE),
			zap.String("status", string(latest.Status)),
			zap.Int("epochs", latest.History.EpochsRun()),
			zap.Duration("took", latest.Duration))
		if s.OnTrial != nil {
			s.OnTrial(latest)
		}
	}

	result := state.result()
	s.logger.Info("grid search finished",
		zap.Stringer("best", result.Best.Params),
		zap.Float64("val_mae", result.Best.ValidationMAE),
		zap.Int("window_sets", cache.Len()))
	return result, nil
}

func (s *Searcher) runTrial(ctx context.Context, id int, params HyperParams, cache *DatasetCache, rng *rand.Rand) (Trial, error) {
	trial := Trial{ID: id, Params: params, Status: TrialPending, Timestamp: time.Now()}

	windows, err := cache.Windows(params.WindowSize)
	if err != nil {
		return trial, err
	}
	split, err := NewSplit(windows.Len(), s.cfg.TrainFraction, s.cfg.ValidationEndFraction)
	if err != nil {
		return trial, err
	}
	if err := split.Validate(); err != nil {
		return trial, err
	}

	trialRng := rand.New(rand.NewSource(rng.Int63()))
	model, err := NewGRU(params.Units, params.WindowSize, params.Dropout, trialRng)
	if err != nil {
		return trial, err
	}

	trial.Status = TrialTraining
	history, err := s.trainer.Fit(ctx, model, split.Train(windows), split.Validation(windows), params.BatchSize, trialRng)
	if err != nil {
		return trial, err
	}
	eval, err := Evaluate(model, split.Validation(windows), s.scaler)
	if err != nil {
		return trial, err
	}

	trial.Status = TrialEvaluated
	trial.History = history
	trial.ValidationMAE = eval.MAE
	trial.Model = model
	trial.Duration = time.Since(trial.Timestamp)
	return trial, nil
}

// searchState is the fold accumulator: the running best and the log of
// every trial seen so far.
type searchState struct {
	bestIndex int
	bestScore float64
	best      Trial
	trials    []Trial
}

func newSearchState(capacity int) searchState {
	return searchState{
		bestIndex: -1,
		bestScore: math.Inf(1),
		trials:    make([]Trial, 0, capacity),
	}
}

// consider folds one evaluated trial into the state. Only a strictly lower
// validation MAE replaces the best; the superseded model is dropped.
func (s searchState) consider(t Trial) searchState {
	if t.ValidationMAE < s.bestScore {
		if s.bestIndex >= 0 {
			s.trials[s.bestIndex].Status = TrialDiscarded
		}
		t.Status = TrialRetained
		s.best = t
		s.bestScore = t.ValidationMAE
		s.bestIndex = len(s.trials)
	} else {
		t.Status = TrialDiscarded
	}
	summary := t
	summary.Model = nil
	s.trials = append(s.trials, summary)
	return s
}

func (s searchState) result() *SearchResult {
	return &SearchResult{Best: s.best, Trials: s.trials}
}
