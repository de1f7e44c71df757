package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Symbol    string          `yaml:"symbol" default:"BTCUSDT" validate:"required,uppercase"`
	Interval  string          `yaml:"interval" default:"1h" validate:"required"`
	Binance   BinanceConfig   `yaml:"binance"`
	Data      DataConfig      `yaml:"data"`
	Database  DatabaseConfig  `yaml:"database"`
	Search    SearchConfig    `yaml:"search"`
	Training  TrainingConfig  `yaml:"training"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Log       LogConfig       `yaml:"log"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
}

type BinanceConfig struct {
	BaseURL   string        `yaml:"base_url" default:"https://api.binance.com" validate:"required,url"`
	APIKey    string        `yaml:"api_key"`
	APISecret string        `yaml:"api_secret"`
	Timeout   time.Duration `yaml:"timeout" default:"15s" validate:"gt=0"`
	PageSize  int           `yaml:"page_size" default:"1000" validate:"min=1,max=1000"`
}

type DataConfig struct {
	// Source is "binance" to download candles or "cache" to read them from
	// the sqlite database only.
	Source string `yaml:"source" default:"binance" validate:"oneof=binance cache"`
	Start  string `yaml:"start" default:"1 Jan, 2020" validate:"required"`
	End    string `yaml:"end" default:"now"`
	// SkipCache keeps downloaded candles out of the database.
	SkipCache bool `yaml:"skip_cache"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" default:"data/btcgru.db" validate:"required"`
}

type SearchConfig struct {
	WindowSizes           []int     `yaml:"window_sizes" default:"[24,48]" validate:"min=1,dive,gt=0"`
	Units                 []int     `yaml:"units" default:"[32,64]" validate:"min=1,dive,gt=0"`
	Dropouts              []float64 `yaml:"dropouts" default:"[0.1,0.2]" validate:"min=1,dive,gte=0,lt=1"`
	BatchSizes            []int     `yaml:"batch_sizes" default:"[32,64]" validate:"min=1,dive,gt=0"`
	TrainFraction         float64   `yaml:"train_fraction" default:"0.7" validate:"gt=0,lt=1"`
	ValidationEndFraction float64   `yaml:"validation_end_fraction" default:"0.85" validate:"gtfield=TrainFraction,lt=1"`
	// Seed makes training repeatable for any worker count; 0 seeds from the clock.
	Seed int64 `yaml:"seed"`
}

type TrainingConfig struct {
	Epochs       int     `yaml:"epochs" default:"20" validate:"min=1"`
	Patience     int     `yaml:"patience" default:"3" validate:"min=1"`
	MinDelta     float64 `yaml:"min_delta" validate:"gte=0"`
	LearningRate float64 `yaml:"learning_rate" default:"0.001" validate:"gt=0"`
	Workers      int     `yaml:"workers" validate:"gte=0"`
}

type ArtifactsConfig struct {
	ModelPath  string `yaml:"model_path" default:"btc_gru_model.json" validate:"required"`
	ScalerPath string `yaml:"scaler_path" default:"scaler.json" validate:"required"`
	ChartDir   string `yaml:"chart_dir" default:"charts" validate:"required"`
}

type LogConfig struct {
	Level      string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	File       string `yaml:"file" default:"logs/btcgru.log"`
	MaxSizeMB  int    `yaml:"max_size_mb" default:"50" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" default:"5" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" default:"28" validate:"gte=0"`
}

type ScheduleConfig struct {
	// Cron uses six fields, seconds first.
	Cron string `yaml:"cron" default:"0 5 * * * *"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("yaml"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
}

// Load reads the optional .env file and the YAML file at path, fills in
// defaults, applies environment overrides and validates the result. A
// missing YAML file yields the defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	payload, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(payload, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		panic(err)
	}
	return cfg
}

func (c *Config) applyEnv() {
	overrides := []struct {
		key    string
		target *string
	}{
		{"BINANCE_API_KEY", &c.Binance.APIKey},
		{"BINANCE_API_SECRET", &c.Binance.APISecret},
		{"BTCGRU_SYMBOL", &c.Symbol},
		{"BTCGRU_DB_PATH", &c.Database.Path},
		{"BTCGRU_LOG_LEVEL", &c.Log.Level},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.key); ok && v != "" {
			*o.target = v
		}
	}
}

func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	msgs := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		msgs = append(msgs, errorMessage(fe))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func errorMessage(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("%s must have at least %s entries", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "gt", "gtfield":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "lt":
		return fmt.Sprintf("%s must be less than %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, fe.Tag())
	}
}
