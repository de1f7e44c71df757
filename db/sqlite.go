package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"btcgru/market"
	"btcgru/ml"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var ErrNotInitialized = errors.New("database not initialized")

const schema = `
    CREATE TABLE IF NOT EXISTS klines (
        id INTEGER PRIMARY KEY,
        symbol VARCHAR(20) NOT NULL,
        interval VARCHAR(4) NOT NULL,
        open_time INTEGER NOT NULL,
        close_time INTEGER NOT NULL,
        open REAL,
        high REAL,
        low REAL,
        close REAL,
        volume REAL,
        quote_volume REAL,
        trades INTEGER,
        taker_buy_base REAL,
        taker_buy_quote REAL,
        UNIQUE(symbol, interval, open_time)
    );
    CREATE TABLE IF NOT EXISTS training_runs (
        run_id TEXT PRIMARY KEY,
        symbol VARCHAR(20) NOT NULL,
        interval VARCHAR(4) NOT NULL,
        data_points INTEGER DEFAULT 0,
        status VARCHAR(20) NOT NULL,
        best_trial INTEGER DEFAULT 0,
        test_mae REAL DEFAULT 0,
        test_rmse REAL DEFAULT 0,
        test_r2 REAL DEFAULT 0,
        error TEXT DEFAULT '',
        started_at DATETIME NOT NULL,
        finished_at DATETIME
    );
    CREATE TABLE IF NOT EXISTS training_log (
        id INTEGER PRIMARY KEY,
        run_id TEXT NOT NULL,
        trial_id INTEGER NOT NULL,
        window_size INTEGER,
        units INTEGER,
        dropout REAL,
        batch_size INTEGER,
        val_mae REAL,
        epochs INTEGER,
        best_epoch INTEGER,
        status VARCHAR(20),
        duration_ms INTEGER,
        trained_at DATETIME,
        UNIQUE(run_id, trial_id)
    );
    CREATE TABLE IF NOT EXISTS data_quality (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        symbol VARCHAR(20) NOT NULL,
        open_time INTEGER,
        issue_type VARCHAR(50),
        severity VARCHAR(10),
        message TEXT,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        UNIQUE(symbol, open_time, issue_type)
    );
    CREATE INDEX IF NOT EXISTS idx_klines_series ON klines(symbol, interval, open_time);
    CREATE INDEX IF NOT EXISTS idx_training_log_run ON training_log(run_id);
    `

// Store keeps cached candles and the training log in one SQLite file.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	database, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database failed: %w", err)
	}
	database.SetMaxOpenConns(1)

	if _, err := database.Exec(schema); err != nil {
		database.Close()
		return nil, fmt.Errorf("create tables failed: %w", err)
	}
	logger.Debug("sqlite store opened", zap.String("path", path))
	return &Store{db: database, logger: logger}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveKLines upserts candles in one transaction.
func (s *Store) SaveKLines(ctx context.Context, klines []market.KLine) error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}
	if len(klines) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT OR REPLACE INTO klines (
            symbol, interval, open_time, close_time, open, high, low, close,
            volume, quote_volume, trades, taker_buy_base, taker_buy_quote
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, k := range klines {
		_, err := stmt.ExecContext(ctx,
			k.Symbol, k.Interval, k.OpenTime.UnixMilli(), k.CloseTime.UnixMilli(),
			k.Open, k.High, k.Low, k.Close,
			k.Volume, k.QuoteVolume, k.Trades, k.TakerBuyBase, k.TakerBuyQuote)
		if err != nil {
			return fmt.Errorf("insert kline %s %s: %w", k.Symbol, k.OpenTime.Format(time.RFC3339), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Debug("klines cached", zap.Int("count", len(klines)))
	return nil
}

// QueryKLines returns cached candles with open time in [start, end), oldest
// first, the same range BinanceClient.FetchKLines covers.
func (s *Store) QueryKLines(ctx context.Context, symbol, interval string, start, end time.Time) ([]market.KLine, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT symbol, interval, open_time, close_time, open, high, low, close,
               volume, quote_volume, trades, taker_buy_base, taker_buy_quote
        FROM klines
        WHERE symbol = ? AND interval = ? AND open_time >= ? AND open_time < ?
        ORDER BY open_time ASC`,
		symbol, interval, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanKLines(rows)
}

// LatestKLines returns the newest n cached candles, oldest first.
func (s *Store) LatestKLines(ctx context.Context, symbol, interval string, n int) ([]market.KLine, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT symbol, interval, open_time, close_time, open, high, low, close,
               volume, quote_volume, trades, taker_buy_base, taker_buy_quote
        FROM klines
        WHERE symbol = ? AND interval = ?
        ORDER BY open_time DESC
        LIMIT ?`, symbol, interval, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	klines, err := scanKLines(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(klines)-1; i < j; i, j = i+1, j-1 {
		klines[i], klines[j] = klines[j], klines[i]
	}
	return klines, nil
}

// LastOpenTime reports the newest cached open time; ok is false when the
// cache holds nothing for the series.
func (s *Store) LastOpenTime(ctx context.Context, symbol, interval string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrNotInitialized
	}
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(open_time) FROM klines WHERE symbol = ? AND interval = ?`,
		symbol, interval).Scan(&ms)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64).UTC(), true, nil
}

func scanKLines(rows *sql.Rows) ([]market.KLine, error) {
	var klines []market.KLine
	for rows.Next() {
		var k market.KLine
		var openMs, closeMs int64
		err := rows.Scan(&k.Symbol, &k.Interval, &openMs, &closeMs,
			&k.Open, &k.High, &k.Low, &k.Close,
			&k.Volume, &k.QuoteVolume, &k.Trades, &k.TakerBuyBase, &k.TakerBuyQuote)
		if err != nil {
			return nil, err
		}
		k.OpenTime = time.UnixMilli(openMs).UTC()
		k.CloseTime = time.UnixMilli(closeMs).UTC()
		klines = append(klines, k)
	}
	return klines, rows.Err()
}

type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunFinished RunStatus = "finished"
	RunFailed   RunStatus = "failed"
)

// TrainingRun is one end-to-end training run.
type TrainingRun struct {
	RunID      string    `json:"run_id"`
	Symbol     string    `json:"symbol"`
	Interval   string    `json:"interval"`
	DataPoints int       `json:"data_points"`
	Status     RunStatus `json:"status"`
	BestTrial  int       `json:"best_trial"`
	TestMAE    float64   `json:"test_mae"`
	TestRMSE   float64   `json:"test_rmse"`
	TestR2     float64   `json:"test_r2"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func (s *Store) StartRun(ctx context.Context, run TrainingRun) error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO training_runs (run_id, symbol, interval, data_points, status, started_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Symbol, run.Interval, run.DataPoints, RunRunning, run.StartedAt.UTC())
	return err
}

func (s *Store) FinishRun(ctx context.Context, run TrainingRun) error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE training_runs
        SET data_points = ?, status = ?, best_trial = ?, test_mae = ?, test_rmse = ?,
            test_r2 = ?, error = ?, finished_at = ?
        WHERE run_id = ?`,
		run.DataPoints, run.Status, run.BestTrial, run.TestMAE, run.TestRMSE,
		run.TestR2, run.Error, run.FinishedAt.UTC(), run.RunID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", run.RunID)
	}
	return nil
}

func (s *Store) LoadRuns(ctx context.Context, limit int) ([]TrainingRun, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT run_id, symbol, interval, data_points, status, best_trial,
               test_mae, test_rmse, test_r2, error, started_at, finished_at
        FROM training_runs
        ORDER BY started_at DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]TrainingRun, 0)
	for rows.Next() {
		var run TrainingRun
		var finished sql.NullTime
		if err := rows.Scan(&run.RunID, &run.Symbol, &run.Interval, &run.DataPoints, &run.Status,
			&run.BestTrial, &run.TestMAE, &run.TestRMSE, &run.TestR2, &run.Error,
			&run.StartedAt, &finished); err != nil {
			return nil, err
		}
		if finished.Valid {
			run.FinishedAt = finished.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type TrainingLog struct {
	RunID         string         `json:"run_id"`
	TrialID       int            `json:"trial_id"`
	Params        ml.HyperParams `json:"params"`
	ValidationMAE float64        `json:"val_mae"`
	Epochs        int            `json:"epochs"`
	BestEpoch     int            `json:"best_epoch"`
	Status        string         `json:"status"`
	Duration      time.Duration  `json:"duration"`
	TrainedAt     time.Time      `json:"trained_at"`
}

// SaveTrial records one grid combination of a run. Recording the same trial
// again replaces the row, so a later status change is kept.
func (s *Store) SaveTrial(ctx context.Context, runID string, trial ml.Trial) error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}
	var epochs, bestEpoch int
	if trial.History != nil {
		epochs = trial.History.EpochsRun()
		bestEpoch = trial.History.BestEpoch
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT OR REPLACE INTO training_log (
            run_id, trial_id, window_size, units, dropout, batch_size,
            val_mae, epochs, best_epoch, status, duration_ms, trained_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, trial.ID, trial.Params.WindowSize, trial.Params.Units, trial.Params.Dropout, trial.Params.BatchSize,
		trial.ValidationMAE, epochs, bestEpoch, string(trial.Status), trial.Duration.Milliseconds(), trial.Timestamp.UTC())
	return err
}

func (s *Store) LoadTrainingLog(ctx context.Context, runID string) ([]TrainingLog, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT run_id, trial_id, window_size, units, dropout, batch_size,
               val_mae, epochs, best_epoch, status, duration_ms, trained_at
        FROM training_log
        WHERE run_id = ?
        ORDER BY trial_id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]TrainingLog, 0)
	for rows.Next() {
		var log TrainingLog
		var durationMs int64
		if err := rows.Scan(&log.RunID, &log.TrialID,
			&log.Params.WindowSize, &log.Params.Units, &log.Params.Dropout, &log.Params.BatchSize,
			&log.ValidationMAE, &log.Epochs, &log.BestEpoch, &log.Status, &durationMs, &log.TrainedAt); err != nil {
			return nil, err
		}
		log.Duration = time.Duration(durationMs) * time.Millisecond
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// SaveQualityIssue records a cleaning issue. An issue already recorded for the
// same candle and type is kept as is.
func (s *Store) SaveQualityIssue(ctx context.Context, symbol string, openTime time.Time, issueType, severity, message string) error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT OR IGNORE INTO data_quality (symbol, open_time, issue_type, severity, message)
        VALUES (?, ?, ?, ?, ?)`,
		symbol, openTime.UnixMilli(), issueType, severity, message)
	return err
}

func (s *Store) CountQualityIssues(ctx context.Context, symbol string) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrNotInitialized
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM data_quality WHERE symbol = ?`, symbol).Scan(&n)
	return n, err
}
