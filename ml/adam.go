package ml

import "math"

type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	m    []float64
	v    []float64
	step int
}

// NewAdam uses the usual framework defaults: beta1 0.9, beta2 0.999, eps 1e-7.
func NewAdam(learningRate float64, size int) *Adam {
	if learningRate <= 0 {
		learningRate = 0.001
	}
	return &Adam{
		LearningRate: learningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
		m:            make([]float64, size),
		v:            make([]float64, size),
	}
}

func (a *Adam) Step(params, grad []float64) {
	a.step++
	t := float64(a.step)
	lr := a.LearningRate * math.Sqrt(1-math.Pow(a.Beta2, t)) / (1 - math.Pow(a.Beta1, t))
	for i, g := range grad {
		a.m[i] = a.Beta1*a.m[i] + (1-a.Beta1)*g
		a.v[i] = a.Beta2*a.v[i] + (1-a.Beta2)*g*g
		params[i] -= lr * a.m[i] / (math.Sqrt(a.v[i]) + a.Epsilon)
	}
}
