package ml

import (
	"errors"
	"fmt"
	"math"
	"runtime"

	"gonum.org/v1/gonum/stat"
)

type Metrics struct {
	MAE  float64 `json:"mae"`
	MSE  float64 `json:"mse"`
	RMSE float64 `json:"rmse"`
	R2   float64 `json:"r2"`
}

// EvaluationResult is one model scored on one split, in price units.
type EvaluationResult struct {
	Metrics
	True      []float64 `json:"-"`
	Predicted []float64 `json:"-"`
}

// ComputeMetrics scores predictions against targets. R² follows the
// scikit-learn convention for constant targets: 1 for a perfect fit,
// otherwise 0.
func ComputeMetrics(yTrue, yPred []float64) (Metrics, error) {
	if len(yTrue) == 0 {
		return Metrics{}, errors.New("metrics: no samples")
	}
	if len(yTrue) != len(yPred) {
		return Metrics{}, fmt.Errorf("metrics: %d targets vs %d predictions", len(yTrue), len(yPred))
	}

	n := float64(len(yTrue))
	var absSum, sqSum float64
	for i := range yTrue {
		d := yTrue[i] - yPred[i]
		absSum += math.Abs(d)
		sqSum += d * d
	}
	mse := sqSum / n

	mean := stat.Mean(yTrue, nil)
	var total float64
	for _, v := range yTrue {
		total += (v - mean) * (v - mean)
	}
	var r2 float64
	switch {
	case total != 0:
		r2 = 1 - sqSum/total
	case sqSum == 0:
		r2 = 1
	default:
		r2 = 0
	}

	return Metrics{
		MAE:  absSum / n,
		MSE:  mse,
		RMSE: math.Sqrt(mse),
		R2:   r2,
	}, nil
}

// Evaluate predicts every window, maps targets and predictions back to
// price units through the scaler, and scores them.
func Evaluate(model Predictor, w Windows, scaler *MinMaxScaler) (*EvaluationResult, error) {
	if w.Len() == 0 {
		return nil, errors.New("evaluate: no windows")
	}
	pred := predictAll(model, w.X, runtime.NumCPU())

	yTrue, err := scaler.InverseColumn(w.Y, PriceColumn)
	if err != nil {
		return nil, fmt.Errorf("inverse targets: %w", err)
	}
	yPred, err := scaler.InverseColumn(pred, PriceColumn)
	if err != nil {
		return nil, fmt.Errorf("inverse predictions: %w", err)
	}
	m, err := ComputeMetrics(yTrue, yPred)
	if err != nil {
		return nil, err
	}
	return &EvaluationResult{Metrics: m, True: yTrue, Predicted: yPred}, nil
}
