package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Symbol != "BTCUSDT" || cfg.Interval != "1h" || cfg.Data.Start != "1 Jan, 2020" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if len(cfg.Search.WindowSizes) != 2 || cfg.Search.WindowSizes[0] != 24 || cfg.Search.WindowSizes[1] != 48 {
		t.Fatalf("unexpected window sizes %v", cfg.Search.WindowSizes)
	}
	if len(cfg.Search.Dropouts) != 2 || cfg.Search.Dropouts[1] != 0.2 {
		t.Fatalf("unexpected dropouts %v", cfg.Search.Dropouts)
	}
	if cfg.Training.Epochs != 20 || cfg.Training.Patience != 3 || cfg.Training.LearningRate != 0.001 {
		t.Fatalf("unexpected training defaults %+v", cfg.Training)
	}
	if cfg.Search.TrainFraction != 0.7 || cfg.Search.ValidationEndFraction != 0.85 {
		t.Fatalf("unexpected split defaults %+v", cfg.Search)
	}
	if cfg.Artifacts.ModelPath != "btc_gru_model.json" || cfg.Artifacts.ScalerPath != "scaler.json" {
		t.Fatalf("unexpected artifacts %+v", cfg.Artifacts)
	}
	if cfg.Binance.Timeout != 15*time.Second || cfg.Binance.PageSize != 1000 {
		t.Fatalf("unexpected binance defaults %+v", cfg.Binance)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
interval: 4h
data:
  source: cache
  start: "2023-01-01"
search:
  window_sizes: [12]
  batch_sizes: [16]
  seed: 7
training:
  epochs: 5
binance:
  timeout: 3s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Interval != "4h" || cfg.Data.Source != "cache" || cfg.Data.Start != "2023-01-01" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if len(cfg.Search.WindowSizes) != 1 || cfg.Search.WindowSizes[0] != 12 || cfg.Search.Seed != 7 {
		t.Fatalf("unexpected search %+v", cfg.Search)
	}
	if len(cfg.Search.Units) != 2 {
		t.Fatalf("expected default units, got %v", cfg.Search.Units)
	}
	if cfg.Training.Epochs != 5 || cfg.Training.Patience != 3 {
		t.Fatalf("unexpected training %+v", cfg.Training)
	}
	if cfg.Binance.Timeout != 3*time.Second {
		t.Fatalf("unexpected timeout %v", cfg.Binance.Timeout)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "key-123")
	t.Setenv("BTCGRU_DB_PATH", "/tmp/other.db")
	t.Setenv("BTCGRU_LOG_LEVEL", "debug")
	cfg, err := Load(writeConfig(t, "symbol: BTCUSDT\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Binance.APIKey != "key-123" || cfg.Database.Path != "/tmp/other.db" || cfg.Log.Level != "debug" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad source", "data:\n  source: s3\n", "data.source must be one of"},
		{"bad dropout", "search:\n  dropouts: [1.5]\n", "search.dropouts[0]"},
		{"inverted split", "search:\n  train_fraction: 0.9\n  validation_end_fraction: 0.8\n", "validation_end_fraction"},
		{"bad level", "log:\n  level: loud\n", "log.level"},
		{"lowercase symbol", "symbol: btcusdt\n", "symbol"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in %v", tc.want, err)
			}
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "search: [unclosed\n")); err == nil {
		t.Fatalf("expected parse error")
	}
}
