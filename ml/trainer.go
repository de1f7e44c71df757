package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrNumericInstability = errors.New("training loss is not finite")

type TrainConfig struct {
	Epochs       int
	Patience     int
	MinDelta     float64
	LearningRate float64
	// Workers bounds the goroutines computing one batch's gradient.
	Workers int
}

// History records one fit. Epochs are 1-based; StoppedEpoch is 0 when the
// run used every epoch.
type History struct {
	Loss         []float64 `json:"loss"`
	ValLoss      []float64 `json:"val_loss"`
	BestEpoch    int       `json:"best_epoch"`
	BestValLoss  float64   `json:"best_val_loss"`
	StoppedEpoch int       `json:"stopped_epoch"`
}

func (h *History) EpochsRun() int {
	return len(h.Loss)
}

type Trainer struct {
	cfg    TrainConfig
	logger *zap.Logger
}

func NewTrainer(cfg TrainConfig, logger *zap.Logger) *Trainer {
	if cfg.Epochs <= 0 {
		cfg.Epochs = 20
	}
	if cfg.Patience <= 0 {
		cfg.Patience = 3
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trainer{cfg: cfg, logger: logger}
}

func (t *Trainer) Config() TrainConfig {
	return t.cfg
}

// Fit trains on train, monitors MSE on val after every epoch, stops after
// Patience epochs without improvement, and leaves the model holding the
// weights of the best epoch.
func (t *Trainer) Fit(ctx context.Context, model *GRU, train, val Windows, batchSize int, rng *rand.Rand) (*History, error) {
	if train.Len() == 0 || val.Len() == 0 {
		return nil, fmt.Errorf("%w: train=%d validation=%d", ErrEmptySplit, train.Len(), val.Len())
	}
	if train.WindowSize != model.WindowSize || val.WindowSize != model.WindowSize {
		return nil, fmt.Errorf("window size mismatch: model=%d train=%d validation=%d",
			model.WindowSize, train.WindowSize, val.WindowSize)
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	opt := NewAdam(t.cfg.LearningRate, model.NumParams())
	pool := newGradPool(model, t.cfg.Workers)
	history := &History{BestValLoss: math.Inf(1)}
	var best []float64
	wait := 0

	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()

		order := rng.Perm(train.Len())
		lossSum := 0.0
		for from := 0; from < len(order); from += batchSize {
			to := from + batchSize
			if to > len(order) {
				to = len(order)
			}
			lossSum += pool.step(model, opt, train, order[from:to], rng)
		}
		loss := lossSum / float64(train.Len())
		valLoss := meanSquaredError(predictAll(model, val.X, t.cfg.Workers), val.Y)
		if !isFinite(loss) || !isFinite(valLoss) {
			return nil, fmt.Errorf("%w: epoch %d loss=%v val_loss=%v", ErrNumericInstability, epoch, loss, valLoss)
		}

		history.Loss = append(history.Loss, loss)
		history.ValLoss = append(history.ValLoss, valLoss)
		t.logger.Debug("epoch finished",
			zap.Int("epoch", epoch),
			zap.Float64("loss", loss),
			zap.Float64("val_loss", valLoss),
			zap.Duration("took", time.Since(start)))

		if valLoss-t.cfg.MinDelta < history.BestValLoss {
			history.BestValLoss = valLoss
			history.BestEpoch = epoch
			best = append(best[:0], model.Params()...)
			wait = 0
			continue
		}
		wait++
		if wait >= t.cfg.Patience {
			history.StoppedEpoch = epoch
			t.logger.Debug("early stopping",
				zap.Int("epoch", epoch),
				zap.Int("best_epoch", history.BestEpoch))
			break
		}
	}

	if best != nil {
		if err := model.SetParams(best); err != nil {
			return nil, err
		}
	}
	return history, nil
}

// gradPool holds per-sample gradient buffers and per-worker workspaces for
// one fit. Each batch position gets its own dropout seed and gradient buffer,
// and the buffers are summed in batch order, so a fixed rng yields the same
// weights for any worker count.
type gradPool struct {
	workers int
	spaces  []*workspace
	grads   [][]float64
	losses  []float64
	seeds   []int64
	total   []float64
}

func newGradPool(model *GRU, workers int) *gradPool {
	p := &gradPool{
		workers: workers,
		spaces:  make([]*workspace, workers),
		total:   make([]float64, model.NumParams()),
	}
	for i := 0; i < workers; i++ {
		p.spaces[i] = newWorkspace(model.Units, model.WindowSize)
	}
	return p
}

func (p *gradPool) grow(n, size int) {
	for len(p.grads) < n {
		p.grads = append(p.grads, make([]float64, size))
	}
	if len(p.losses) < n {
		p.losses = make([]float64, n)
		p.seeds = make([]int64, n)
	}
}

// step applies one optimizer update for the batch and returns the summed
// squared error of the batch under the training-mode forward pass.
func (p *gradPool) step(model *GRU, opt *Adam, data Windows, batch []int, rng *rand.Rand) float64 {
	p.grow(len(batch), model.NumParams())
	for j := range batch {
		p.seeds[j] = rng.Int63()
	}
	workers := p.workers
	if workers > len(batch) {
		workers = len(batch)
	}
	scale := 2 / float64(len(batch))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		lo := w * len(batch) / workers
		hi := (w + 1) * len(batch) / workers
		wg.Add(1)
		go func(ws *workspace, lo, hi int) {
			defer wg.Done()
			for j := lo; j < hi; j++ {
				grad := p.grads[j]
				for k := range grad {
					grad[k] = 0
				}
				i := batch[j]
				srng := rand.New(rand.NewSource(p.seeds[j]))
				diff := model.forward(data.X[i], ws, srng) - data.Y[i]
				p.losses[j] = diff * diff
				model.backward(data.X[i], ws, scale*diff, grad)
			}
		}(p.spaces[w], lo, hi)
	}
	wg.Wait()

	copy(p.total, p.grads[0])
	loss := p.losses[0]
	for j := 1; j < len(batch); j++ {
		for k, g := range p.grads[j] {
			p.total[k] += g
		}
		loss += p.losses[j]
	}
	opt.Step(model.Params(), p.total)
	return loss
}

// predictAll runs inference over X with dropout disabled.
func predictAll(model Predictor, X [][]float64, workers int) []float64 {
	out := make([]float64, len(X))
	m, ok := model.(*GRU)
	if !ok || workers <= 1 || len(X) < 2*workers {
		for i, x := range X {
			out[i] = model.Predict(x)
		}
		return out
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		lo := w * len(X) / workers
		hi := (w + 1) * len(X) / workers
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			var ws *workspace
			for i := lo; i < hi; i++ {
				if ws == nil || !ws.fits(len(X[i])) {
					ws = newWorkspace(m.Units, len(X[i]))
				}
				out[i] = m.forward(X[i], ws, nil)
			}
		}(lo, hi)
	}
	wg.Wait()
	return out
}

func meanSquaredError(pred, target []float64) float64 {
	if len(pred) == 0 {
		return 0
	}
	sum := 0.0
	for i := range pred {
		d := pred[i] - target[i]
		sum += d * d
	}
	return sum / float64(len(pred))
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
