package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const modelTypeGRU = "gru"

var ErrUnsupportedModel = errors.New("unsupported model type")

type modelFile struct {
	ModelType  string               `json:"model_type"`
	Units      int                  `json:"units"`
	WindowSize int                  `json:"window_size"`
	Dropout    float64              `json:"dropout"`
	InputDim   int                  `json:"input_dim"`
	Weights    map[string][]float64 `json:"weights"`
	TrainedAt  time.Time            `json:"trained_at"`
}

func (m *GRU) Save(path string) error {
	if m == nil || len(m.params) == 0 {
		return errors.New("model is empty")
	}
	file := modelFile{
		ModelType:  modelTypeGRU,
		Units:      m.Units,
		WindowSize: m.WindowSize,
		Dropout:    m.Dropout,
		InputDim:   1,
		Weights:    make(map[string][]float64),
		TrainedAt:  time.Now().UTC(),
	}
	for _, t := range m.layout.tensors() {
		file.Weights[t.name] = append([]float64(nil), m.params[t.offset:t.offset+t.size]...)
	}
	return writeJSON(path, file)
}

func (m *GRU) Load(path string) error {
	var file modelFile
	if err := readJSON(path, &file); err != nil {
		return err
	}
	if file.ModelType != modelTypeGRU {
		return fmt.Errorf("%w: %q", ErrUnsupportedModel, file.ModelType)
	}
	if file.InputDim != 1 {
		return fmt.Errorf("model %s: input_dim %d, want 1", path, file.InputDim)
	}
	if file.Units <= 0 || file.WindowSize <= 0 {
		return fmt.Errorf("model %s: bad shape units=%d window_size=%d", path, file.Units, file.WindowSize)
	}

	layout := newGRULayout(file.Units)
	params := make([]float64, layout.size)
	for _, t := range layout.tensors() {
		w, ok := file.Weights[t.name]
		if !ok {
			return fmt.Errorf("model %s: missing tensor %s", path, t.name)
		}
		if len(w) != t.size {
			return fmt.Errorf("model %s: tensor %s has %d values, want %d", path, t.name, len(w), t.size)
		}
		copy(params[t.offset:], w)
	}

	m.Units = file.Units
	m.WindowSize = file.WindowSize
	m.Dropout = file.Dropout
	m.layout = layout
	m.params = params
	return nil
}

// SaveModel writes the model, creating parent directories and replacing
// any previous file.
func SaveModel(path string, model Model) error {
	if err := model.Save(path); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	return nil
}

func LoadModel(path string) (*GRU, error) {
	model := &GRU{}
	if err := model.Load(path); err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	return model, nil
}

func SaveScaler(path string, scaler *MinMaxScaler) error {
	if !scaler.Fitted() {
		return errors.New("save scaler: not fitted")
	}
	if err := writeJSON(path, scaler); err != nil {
		return fmt.Errorf("save scaler: %w", err)
	}
	return nil
}

func LoadScaler(path string) (*MinMaxScaler, error) {
	scaler := &MinMaxScaler{}
	if err := readJSON(path, scaler); err != nil {
		return nil, fmt.Errorf("load scaler: %w", err)
	}
	if !scaler.Fitted() {
		return nil, fmt.Errorf("load scaler: %s holds no fit parameters", path)
	}
	return scaler, nil
}

func writeJSON(path string, v any) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

func readJSON(path string, v any) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}
