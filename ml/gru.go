package ml

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// GRU is a single-feature recurrent regressor: one GRU layer reading the
// whole window, dropout on the final hidden state, and one linear output
// unit. The gates use the reset-after formulation:
//
//	z = sigmoid(Wz*x + Uz*h + bz)
//	r = sigmoid(Wr*x + Ur*h + br)
//	n = tanh(Wn*x + bnx + r*(Un*h + bnh))
//	h = z*h + (1-z)*n
//
// All weights live in one flat slice so optimizers and gradient reduction
// can treat them uniformly.
type GRU struct {
	Units      int
	WindowSize int
	Dropout    float64
	params     []float64
	layout     gruLayout
}

type gruLayout struct {
	units            int
	wz, wr, wn       int
	uz, ur, un       int
	bz, br, bnx, bnh int
	wo, bo           int
	size             int
}

func newGRULayout(units int) gruLayout {
	h := units
	hh := h * h
	l := gruLayout{units: h}
	off := 0
	next := func(n int) int {
		start := off
		off += n
		return start
	}
	l.wz, l.wr, l.wn = next(h), next(h), next(h)
	l.uz, l.ur, l.un = next(hh), next(hh), next(hh)
	l.bz, l.br, l.bnx, l.bnh = next(h), next(h), next(h), next(h)
	l.wo = next(h)
	l.bo = next(1)
	l.size = off
	return l
}

// tensors names each parameter block, in layout order.
func (l gruLayout) tensors() []struct {
	name   string
	offset int
	size   int
} {
	h, hh := l.units, l.units*l.units
	return []struct {
		name   string
		offset int
		size   int
	}{
		{"kernel_z", l.wz, h},
		{"kernel_r", l.wr, h},
		{"kernel_n", l.wn, h},
		{"recurrent_z", l.uz, hh},
		{"recurrent_r", l.ur, hh},
		{"recurrent_n", l.un, hh},
		{"bias_z", l.bz, h},
		{"bias_r", l.br, h},
		{"bias_n_input", l.bnx, h},
		{"bias_n_recurrent", l.bnh, h},
		{"dense_kernel", l.wo, h},
		{"dense_bias", l.bo, 1},
	}
}

// NewGRU builds a freshly initialized model: Glorot-uniform input and output
// kernels, orthogonal recurrent kernels, zero biases.
func NewGRU(units, windowSize int, dropout float64, rng *rand.Rand) (*GRU, error) {
	if units <= 0 {
		return nil, fmt.Errorf("units must be positive, got %d", units)
	}
	if windowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", windowSize)
	}
	if dropout < 0 || dropout >= 1 {
		return nil, fmt.Errorf("dropout must be in [0, 1), got %v", dropout)
	}
	if rng == nil {
		return nil, errors.New("rng is required")
	}

	layout := newGRULayout(units)
	m := &GRU{
		Units:      units,
		WindowSize: windowSize,
		Dropout:    dropout,
		params:     make([]float64, layout.size),
		layout:     layout,
	}

	h := units
	inLimit := math.Sqrt(6 / float64(1+3*h))
	for i := 0; i < 3*h; i++ {
		m.params[layout.wz+i] = (rng.Float64()*2 - 1) * inLimit
	}
	for _, off := range []int{layout.uz, layout.ur, layout.un} {
		copy(m.params[off:off+h*h], orthogonal(h, rng))
	}
	outLimit := math.Sqrt(6 / float64(h+1))
	for i := 0; i < h; i++ {
		m.params[layout.wo+i] = (rng.Float64()*2 - 1) * outLimit
	}
	return m, nil
}

func (m *GRU) NumParams() int {
	return len(m.params)
}

// Params exposes the flat weight vector; callers must not resize it.
func (m *GRU) Params() []float64 {
	return m.params
}

func (m *GRU) SetParams(p []float64) error {
	if len(p) != len(m.params) {
		return fmt.Errorf("expected %d params, got %d", len(m.params), len(p))
	}
	copy(m.params, p)
	return nil
}

// Predict runs inference on one window, dropout disabled.
func (m *GRU) Predict(window []float64) float64 {
	ws := newWorkspace(m.Units, len(window))
	return m.forward(window, ws, nil)
}

// workspace keeps per-step activations for backpropagation through time.
type workspace struct {
	h    [][]float64 // h[t] is the state entering step t; h[T] is the final state
	z    [][]float64
	r    [][]float64
	n    [][]float64
	hn   [][]float64 // Un*h + bnh before the reset gate
	mask []float64

	dh     []float64
	dhPrev []float64
	daz    []float64
	dar    []float64
	dhn    []float64
}

func newWorkspace(units, steps int) *workspace {
	alloc := func(rows int) [][]float64 {
		buf := make([]float64, rows*units)
		out := make([][]float64, rows)
		for i := range out {
			out[i] = buf[i*units : (i+1)*units : (i+1)*units]
		}
		return out
	}
	return &workspace{
		h:      alloc(steps + 1),
		z:      alloc(steps),
		r:      alloc(steps),
		n:      alloc(steps),
		hn:     alloc(steps),
		mask:   make([]float64, units),
		dh:     make([]float64, units),
		dhPrev: make([]float64, units),
		daz:    make([]float64, units),
		dar:    make([]float64, units),
		dhn:    make([]float64, units),
	}
}

func (ws *workspace) fits(steps int) bool {
	return len(ws.z) == steps
}

// forward runs the sequence and returns the output. A nil rng disables
// dropout; otherwise an inverted-dropout mask is drawn into ws.mask.
func (m *GRU) forward(x []float64, ws *workspace, rng *rand.Rand) float64 {
	l := m.layout
	p := m.params
	h := l.units

	for j := range ws.h[0] {
		ws.h[0][j] = 0
	}
	for t, xt := range x {
		prev := ws.h[t]
		z, r, n, hn, next := ws.z[t], ws.r[t], ws.n[t], ws.hn[t], ws.h[t+1]
		for j := 0; j < h; j++ {
			az := p[l.wz+j]*xt + p[l.bz+j]
			ar := p[l.wr+j]*xt + p[l.br+j]
			ahn := p[l.bnh+j]
			uz := p[l.uz+j*h : l.uz+(j+1)*h]
			ur := p[l.ur+j*h : l.ur+(j+1)*h]
			un := p[l.un+j*h : l.un+(j+1)*h]
			for k, hk := range prev {
				az += uz[k] * hk
				ar += ur[k] * hk
				ahn += un[k] * hk
			}
			z[j] = sigmoid(az)
			r[j] = sigmoid(ar)
			hn[j] = ahn
			n[j] = math.Tanh(p[l.wn+j]*xt + p[l.bnx+j] + r[j]*ahn)
			next[j] = z[j]*prev[j] + (1-z[j])*n[j]
		}
	}

	final := ws.h[len(x)]
	keep := 1 - m.Dropout
	out := p[l.bo]
	for j := 0; j < h; j++ {
		mask := 1.0
		if rng != nil && m.Dropout > 0 {
			if rng.Float64() < m.Dropout {
				mask = 0
			} else {
				mask = 1 / keep
			}
		}
		ws.mask[j] = mask
		out += p[l.wo+j] * final[j] * mask
	}
	return out
}

// backward accumulates dLoss/dParams into grad given dLoss/dOutput, using
// the activations left in ws by the matching forward call.
func (m *GRU) backward(x []float64, ws *workspace, dout float64, grad []float64) {
	l := m.layout
	p := m.params
	h := l.units
	steps := len(x)

	final := ws.h[steps]
	grad[l.bo] += dout
	for j := 0; j < h; j++ {
		grad[l.wo+j] += dout * final[j] * ws.mask[j]
		ws.dh[j] = dout * p[l.wo+j] * ws.mask[j]
	}

	for t := steps - 1; t >= 0; t-- {
		xt := x[t]
		prev := ws.h[t]
		z, r, n, hn := ws.z[t], ws.r[t], ws.n[t], ws.hn[t]

		for j := 0; j < h; j++ {
			dh := ws.dh[j]
			ws.dhPrev[j] = dh * z[j]

			dz := dh * (prev[j] - n[j])
			dan := dh * (1 - z[j]) * (1 - n[j]*n[j])
			dr := dan * hn[j]

			grad[l.wn+j] += dan * xt
			grad[l.bnx+j] += dan
			ws.dhn[j] = dan * r[j]
			grad[l.bnh+j] += ws.dhn[j]

			ws.daz[j] = dz * z[j] * (1 - z[j])
			ws.dar[j] = dr * r[j] * (1 - r[j])
			grad[l.wz+j] += ws.daz[j] * xt
			grad[l.bz+j] += ws.daz[j]
			grad[l.wr+j] += ws.dar[j] * xt
			grad[l.br+j] += ws.dar[j]
		}

		for j := 0; j < h; j++ {
			daz, dar, dhn := ws.daz[j], ws.dar[j], ws.dhn[j]
			row := j * h
			guz := grad[l.uz+row : l.uz+row+h]
			gur := grad[l.ur+row : l.ur+row+h]
			gun := grad[l.un+row : l.un+row+h]
			uz := p[l.uz+row : l.uz+row+h]
			ur := p[l.ur+row : l.ur+row+h]
			un := p[l.un+row : l.un+row+h]
			for k, hk := range prev {
				guz[k] += daz * hk
				gur[k] += dar * hk
				gun[k] += dhn * hk
				ws.dhPrev[k] += uz[k]*daz + ur[k]*dar + un[k]*dhn
			}
		}

		ws.dh, ws.dhPrev = ws.dhPrev, ws.dh
	}
}

func sigmoid(v float64) float64 {
	if v >= 0 {
		return 1 / (1 + math.Exp(-v))
	}
	e := math.Exp(v)
	return e / (1 + e)
}

// orthogonal returns an n×n orthonormal matrix (row-major) from
// Gram-Schmidt over Gaussian rows.
func orthogonal(n int, rng *rand.Rand) []float64 {
	out := make([]float64, n*n)
	for i := 0; i < n; i++ {
		row := out[i*n : (i+1)*n]
		for {
			for k := range row {
				row[k] = rng.NormFloat64()
			}
			for j := 0; j < i; j++ {
				basis := out[j*n : (j+1)*n]
				dot := 0.0
				for k := range row {
					dot += row[k] * basis[k]
				}
				for k := range row {
					row[k] -= dot * basis[k]
				}
			}
			norm := 0.0
			for _, v := range row {
				norm += v * v
			}
			norm = math.Sqrt(norm)
			if norm > 1e-8 {
				for k := range row {
					row[k] /= norm
				}
				break
			}
		}
	}
	return out
}
