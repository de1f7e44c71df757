package ml

// Predictor maps one input window of scaled prices to a scaled prediction.
type Predictor interface {
	Predict(window []float64) float64
}

// Model is a predictor that can be written to disk and read back.
type Model interface {
	Predictor
	Save(path string) error
	Load(path string) error
}

var _ Model = (*GRU)(nil)
