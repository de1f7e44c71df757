package ml

import (
	"errors"
	"fmt"
)

var (
	ErrSeriesTooShort = errors.New("series too short for window size")
	ErrEmptySplit     = errors.New("split has an empty partition")
)

// Windows holds every sliding window over a series and the value that
// follows each one. Inputs share memory with the source series.
type Windows struct {
	WindowSize int
	X          [][]float64
	Y          []float64
}

func (w Windows) Len() int {
	return len(w.Y)
}

// Slice returns windows [from, to) by position.
func (w Windows) Slice(from, to int) Windows {
	return Windows{WindowSize: w.WindowSize, X: w.X[from:to], Y: w.Y[from:to]}
}

// Slide produces len(series)-windowSize windows: X[i] = series[i:i+W] and
// Y[i] = series[i+W].
func Slide(series []float64, windowSize int) (Windows, error) {
	if windowSize <= 0 {
		return Windows{}, fmt.Errorf("window size must be positive, got %d", windowSize)
	}
	n := len(series)
	if n <= windowSize {
		return Windows{}, fmt.Errorf("%w: %d points, window %d", ErrSeriesTooShort, n, windowSize)
	}
	count := n - windowSize
	w := Windows{
		WindowSize: windowSize,
		X:          make([][]float64, count),
		Y:          make([]float64, count),
	}
	for i := 0; i < count; i++ {
		w.X[i] = series[i : i+windowSize : i+windowSize]
		w.Y[i] = series[i+windowSize]
	}
	return w, nil
}

// Split partitions M windows by position: [0, TrainEnd) train,
// [TrainEnd, ValidationEnd) validation, [ValidationEnd, Total) test.
type Split struct {
	TrainEnd      int
	ValidationEnd int
	Total         int
}

// NewSplit floors trainFrac*M and valEndFrac*M, where valEndFrac is the
// cumulative boundary (0.85 means the first 85% is train plus validation).
func NewSplit(m int, trainFrac, valEndFrac float64) (Split, error) {
	if trainFrac <= 0 || valEndFrac <= trainFrac || valEndFrac >= 1 {
		return Split{}, fmt.Errorf("invalid split fractions train=%v validation_end=%v", trainFrac, valEndFrac)
	}
	return Split{
		TrainEnd:      int(trainFrac * float64(m)),
		ValidationEnd: int(valEndFrac * float64(m)),
		Total:         m,
	}, nil
}

func (s Split) TrainLen() int      { return s.TrainEnd }
func (s Split) ValidationLen() int { return s.ValidationEnd - s.TrainEnd }
func (s Split) TestLen() int       { return s.Total - s.ValidationEnd }

func (s Split) Validate() error {
	if s.TrainLen() <= 0 || s.ValidationLen() <= 0 || s.TestLen() <= 0 {
		return fmt.Errorf("%w: train=%d validation=%d test=%d",
			ErrEmptySplit, s.TrainLen(), s.ValidationLen(), s.TestLen())
	}
	return nil
}

func (s Split) Train(w Windows) Windows      { return w.Slice(0, s.TrainEnd) }
func (s Split) Validation(w Windows) Windows { return w.Slice(s.TrainEnd, s.ValidationEnd) }
func (s Split) Test(w Windows) Windows       { return w.Slice(s.ValidationEnd, s.Total) }

// LabelOffset is the series index of the first label of a partition that
// starts at window index start.
func LabelOffset(windowSize, start int) int {
	return windowSize + start
}
