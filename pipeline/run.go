package pipeline

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"btcgru/config"
	"btcgru/db"
	"btcgru/market"
	"btcgru/ml"
	"btcgru/report"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store 训练流程使用的持久化接口，*db.Store 实现了它
type Store interface {
	KLineStorage
	StartRun(ctx context.Context, run db.TrainingRun) error
	FinishRun(ctx context.Context, run db.TrainingRun) error
	SaveTrial(ctx context.Context, runID string, trial ml.Trial) error
}

// RunResult 一次完整训练的结果
type RunResult struct {
	RunID      string
	DataPoints int
	Search     *ml.SearchResult
	Train      *ml.EvaluationResult
	Validation *ml.EvaluationResult
	Test       *ml.EvaluationResult
	Charts     []string
}

// Runner 串行执行：加载数据、拟合缩放器、网格搜索、评估、出图、保存
type Runner struct {
	cfg     *config.Config
	source  KLineSource
	store   Store
	console *report.Console
	logger  *zap.Logger
	now     func() time.Time
}

// NewRunner 创建训练流程；store 可以为 nil
func NewRunner(cfg *config.Config, source KLineSource, store Store, out io.Writer, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:     cfg,
		source:  source,
		store:   store,
		console: report.NewConsole(out),
		logger:  logger,
		now:     time.Now,
	}
}

// LoaderConfigFrom 把配置中的日期表达式解析为绝对时间
func LoaderConfigFrom(cfg *config.Config, now time.Time) (LoaderConfig, error) {
	if _, err := market.ParseInterval(cfg.Interval); err != nil {
		return LoaderConfig{}, err
	}
	start, err := market.ParseDate(cfg.Data.Start, now)
	if err != nil {
		return LoaderConfig{}, fmt.Errorf("data.start: %w", err)
	}
	end, err := market.ParseDate(cfg.Data.End, now)
	if err != nil {
		return LoaderConfig{}, fmt.Errorf("data.end: %w", err)
	}
	return LoaderConfig{
		Symbol:      cfg.Symbol,
		Interval:    cfg.Interval,
		Start:       start,
		End:         end,
		Source:      cfg.Data.Source,
		Incremental: !cfg.Data.SkipCache,
	}, nil
}

// Run 执行一次完整训练。任何一步失败都会终止本次运行，不输出部分报告。
func (r *Runner) Run(ctx context.Context) (result *RunResult, err error) {
	runID := uuid.NewString()
	logger := r.logger.With(zap.String("run_id", runID))
	started := r.now()

	loaderCfg, err := LoaderConfigFrom(r.cfg, started)
	if err != nil {
		return nil, err
	}
	loaded, err := r.newLoader(loaderCfg, logger).Load(ctx)
	if err != nil {
		return nil, err
	}
	series := loaded.Series

	run := db.TrainingRun{
		RunID:      runID,
		Symbol:     series.Symbol,
		Interval:   series.Interval,
		DataPoints: series.Len(),
		StartedAt:  started,
	}
	if r.store != nil {
		if err := r.store.StartRun(ctx, run); err != nil {
			return nil, fmt.Errorf("record run: %w", err)
		}
		defer func() {
			run.FinishedAt = r.now()
			run.Status = db.RunFinished
			if err != nil {
				run.Status = db.RunFailed
				run.Error = err.Error()
			}
			if ferr := r.store.FinishRun(context.WithoutCancel(ctx), run); ferr != nil {
				logger.Warn("record run result failed", zap.Error(ferr))
			}
		}()
	}

	scaler := &ml.MinMaxScaler{}
	rows, err := scaler.FitTransform(ml.Column(series.Closes()))
	if err != nil {
		return nil, err
	}
	scaled := ml.Flatten(rows, ml.PriceColumn)

	search, err := r.search(ctx, runID, scaler, scaled, logger)
	if err != nil {
		return nil, err
	}
	best := search.Best
	run.BestTrial = best.ID
	r.console.Best(best)

	result = &RunResult{RunID: runID, DataPoints: series.Len(), Search: search}
	if err := r.evaluate(best, scaler, scaled, series, result); err != nil {
		return nil, err
	}
	run.TestMAE = result.Test.MAE
	run.TestRMSE = result.Test.RMSE
	run.TestR2 = result.Test.R2

	if err := ml.SaveModel(r.cfg.Artifacts.ModelPath, best.Model); err != nil {
		return nil, err
	}
	r.console.Saved("Model", r.cfg.Artifacts.ModelPath)
	if err := ml.SaveScaler(r.cfg.Artifacts.ScalerPath, scaler); err != nil {
		return nil, err
	}
	r.console.Saved("Scaler", r.cfg.Artifacts.ScalerPath)

	logger.Info("training run finished",
		zap.Stringer("best", best.Params),
		zap.Float64("val_mae", best.ValidationMAE),
		zap.Float64("test_mae", result.Test.MAE),
		zap.Duration("took", r.now().Sub(started)))
	return result, nil
}

func (r *Runner) newLoader(cfg LoaderConfig, logger *zap.Logger) *DataLoader {
	var storage KLineStorage
	if r.store != nil && (cfg.Incremental || cfg.Source == SourceCache) {
		storage = r.store
	}
	return NewDataLoader(cfg, r.source, storage, logger)
}

func (r *Runner) search(ctx context.Context, runID string, scaler *ml.MinMaxScaler, scaled []float64, logger *zap.Logger) (*ml.SearchResult, error) {
	sc := r.cfg.Search
	grid := ml.Grid{
		WindowSizes: sc.WindowSizes,
		Units:       sc.Units,
		Dropouts:    sc.Dropouts,
		BatchSizes:  sc.BatchSizes,
	}
	seed := sc.Seed
	if seed == 0 {
		seed = r.now().UnixNano()
	}

	tc := r.cfg.Training
	trainer := ml.NewTrainer(ml.TrainConfig{
		Epochs:       tc.Epochs,
		Patience:     tc.Patience,
		MinDelta:     tc.MinDelta,
		LearningRate: tc.LearningRate,
		Workers:      tc.Workers,
	}, logger)
	searcher := ml.NewSearcher(ml.SearchConfig{
		Grid:                  grid,
		TrainFraction:         sc.TrainFraction,
		ValidationEndFraction: sc.ValidationEndFraction,
		Seed:                  seed,
	}, trainer, scaler, logger)

	total := grid.Size()
	searcher.OnTrial = func(trial ml.Trial) {
		r.console.Trial(trial, total)
		r.recordTrial(ctx, runID, trial, logger)
	}
	result, err := searcher.Run(ctx, scaled)
	if err != nil {
		return nil, err
	}
	// earlier bests were demoted after they were first recorded
	for _, trial := range result.Trials {
		r.recordTrial(ctx, runID, trial, logger)
	}
	return result, nil
}

func (r *Runner) recordTrial(ctx context.Context, runID string, trial ml.Trial, logger *zap.Logger) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveTrial(ctx, runID, trial); err != nil {
		logger.Warn("record trial failed", zap.Int("trial", trial.ID), zap.Error(err))
	}
}

// evaluate 在三个划分上评估最优模型，并输出验证集与测试集图表
func (r *Runner) evaluate(best ml.Trial, scaler *ml.MinMaxScaler, scaled []float64, series *market.PriceSeries, result *RunResult) error {
	w := best.Params.WindowSize
	windows, err := ml.Slide(scaled, w)
	if err != nil {
		return err
	}
	split, err := ml.NewSplit(windows.Len(), r.cfg.Search.TrainFraction, r.cfg.Search.ValidationEndFraction)
	if err != nil {
		return err
	}

	parts := []struct {
		label string
		data  ml.Windows
		out   **ml.EvaluationResult
	}{
		{report.SplitTrain, split.Train(windows), &result.Train},
		{report.SplitValidation, split.Validation(windows), &result.Validation},
		{report.SplitTest, split.Test(windows), &result.Test},
	}
	for _, part := range parts {
		eval, err := ml.Evaluate(best.Model, part.data, scaler)
		if err != nil {
			return fmt.Errorf("evaluate %s: %w", part.label, err)
		}
		*part.out = eval
		r.console.Metrics(part.label, eval.Metrics)
	}

	times := series.Timestamps()
	charts := []struct {
		file  string
		title string
		from  int
		to    int
		eval  *ml.EvaluationResult
	}{
		{"validation.png", "BTC/USD Prediction (Validation)", split.TrainEnd, split.ValidationEnd, result.Validation},
		{"test.png", "BTC/USD Prediction (Out-of-sample Test)", split.ValidationEnd, split.Total, result.Test},
	}
	for _, c := range charts {
		path := filepath.Join(r.cfg.Artifacts.ChartDir, c.file)
		chart := report.PredictionChart{
			Title:     c.title,
			Times:     times[ml.LabelOffset(w, c.from):ml.LabelOffset(w, c.to)],
			Actual:    c.eval.True,
			Predicted: c.eval.Predicted,
		}
		if err := chart.Save(path); err != nil {
			return fmt.Errorf("render %s: %w", c.file, err)
		}
		result.Charts = append(result.Charts, path)
		r.console.Saved("Chart", path)
	}
	return nil
}
