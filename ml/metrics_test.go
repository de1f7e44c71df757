package ml

import (
	"math"
	"testing"
)

func TestComputeMetrics(t *testing.T) {
	tests := []struct {
		name     string
		yTrue    []float64
		yPred    []float64
		mae, mse float64
		r2       float64
	}{
		{"perfect", []float64{1, 2, 3}, []float64{1, 2, 3}, 0, 0, 1},
		{"offset", []float64{1, 2, 3}, []float64{2, 3, 4}, 1, 1, -0.5},
		{"mixed", []float64{10, 20, 30, 40}, []float64{12, 18, 33, 40}, 1.75, 4.25, 1 - 17.0/500},
		{"constant perfect", []float64{5, 5}, []float64{5, 5}, 0, 0, 1},
		{"constant miss", []float64{5, 5}, []float64{4, 6}, 1, 1, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, err := ComputeMetrics(tc.yTrue, tc.yPred)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if math.Abs(m.MAE-tc.mae) > 1e-12 || math.Abs(m.MSE-tc.mse) > 1e-12 || math.Abs(m.R2-tc.r2) > 1e-12 {
				t.Fatalf("got %+v", m)
			}
			if m.RMSE != math.Sqrt(m.MSE) {
				t.Fatalf("RMSE %v != sqrt(MSE) %v", m.RMSE, math.Sqrt(m.MSE))
			}
			if m.MAE > m.RMSE+1e-12 {
				t.Fatalf("MAE %v exceeds RMSE %v", m.MAE, m.RMSE)
			}
		})
	}
}

func TestComputeMetricsRejectsBadInput(t *testing.T) {
	if _, err := ComputeMetrics(nil, nil); err == nil {
		t.Fatalf("expected error for empty input")
	}
	if _, err := ComputeMetrics([]float64{1}, []float64{1, 2}); err == nil {
		t.Fatalf("expected error for length mismatch")
	}
}

type constPredictor float64

func (c constPredictor) Predict([]float64) float64 { return float64(c) }

func TestEvaluateInverseScales(t *testing.T) {
	prices := []float64{100, 200, 300, 400, 500}
	scaler := &MinMaxScaler{}
	scaled, err := scaler.FitTransform(Column(prices))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	windows, err := Slide(Flatten(scaled, PriceColumn), 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 0.5 scaled is 300 in price units
	result, err := Evaluate(constPredictor(0.5), windows, scaler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.True[0] != 300 || result.True[2] != 500 {
		t.Fatalf("unexpected targets %v", result.True)
	}
	if math.Abs(result.MAE-100) > 1e-9 {
		t.Fatalf("expected MAE 100, got %v", result.MAE)
	}
}
