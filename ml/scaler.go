package ml

import (
	"errors"
	"fmt"
)

// PriceColumn is the column of the closing price in the fitted frame.
const PriceColumn = 0

// MinMaxScaler maps every column linearly onto [0, 1] using the min and max
// seen at fit time. Values outside the fitted range extrapolate.
type MinMaxScaler struct {
	Min []float64 `json:"min"`
	Max []float64 `json:"max"`
}

func (s *MinMaxScaler) Fitted() bool {
	return len(s.Min) > 0 && len(s.Min) == len(s.Max)
}

func (s *MinMaxScaler) Width() int {
	return len(s.Min)
}

func (s *MinMaxScaler) Fit(rows [][]float64) error {
	if len(rows) == 0 {
		return errors.New("scaler: rows is empty")
	}
	width := len(rows[0])
	if width == 0 {
		return errors.New("scaler: rows have no columns")
	}
	mins := append([]float64(nil), rows[0]...)
	maxs := append([]float64(nil), rows[0]...)
	for i, row := range rows[1:] {
		if len(row) != width {
			return fmt.Errorf("scaler: row %d has %d columns, want %d", i+1, len(row), width)
		}
		for j, v := range row {
			if v < mins[j] {
				mins[j] = v
			}
			if v > maxs[j] {
				maxs[j] = v
			}
		}
	}
	s.Min = mins
	s.Max = maxs
	return nil
}

func (s *MinMaxScaler) Transform(rows [][]float64) ([][]float64, error) {
	return s.apply(rows, func(v, min, span float64) float64 { return (v - min) / span })
}

func (s *MinMaxScaler) FitTransform(rows [][]float64) ([][]float64, error) {
	if err := s.Fit(rows); err != nil {
		return nil, err
	}
	return s.Transform(rows)
}

func (s *MinMaxScaler) InverseTransform(rows [][]float64) ([][]float64, error) {
	return s.apply(rows, func(v, min, span float64) float64 { return v*span + min })
}

// InverseColumn inverts a single column of predictions. Each value is placed
// into a full-width row with zeros elsewhere, inverted, and column col is
// read back out.
func (s *MinMaxScaler) InverseColumn(values []float64, col int) ([]float64, error) {
	if !s.Fitted() {
		return nil, errors.New("scaler: not fitted")
	}
	if col < 0 || col >= s.Width() {
		return nil, fmt.Errorf("scaler: column %d out of range [0, %d)", col, s.Width())
	}
	rows := make([][]float64, len(values))
	for i, v := range values {
		row := make([]float64, s.Width())
		row[col] = v
		rows[i] = row
	}
	inv, err := s.InverseTransform(rows)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(inv))
	for i, row := range inv {
		out[i] = row[col]
	}
	return out, nil
}

// TransformColumn scales a 1-D series as column col of the fitted frame.
func (s *MinMaxScaler) TransformColumn(values []float64, col int) ([]float64, error) {
	if !s.Fitted() {
		return nil, errors.New("scaler: not fitted")
	}
	if col < 0 || col >= s.Width() {
		return nil, fmt.Errorf("scaler: column %d out of range [0, %d)", col, s.Width())
	}
	span := s.span(col)
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = (v - s.Min[col]) / span
	}
	return out, nil
}

// span is the fitted range; constant columns get a unit range.
func (s *MinMaxScaler) span(col int) float64 {
	span := s.Max[col] - s.Min[col]
	if span == 0 {
		return 1
	}
	return span
}

func (s *MinMaxScaler) apply(rows [][]float64, fn func(v, min, span float64) float64) ([][]float64, error) {
	if !s.Fitted() {
		return nil, errors.New("scaler: not fitted")
	}
	out := make([][]float64, len(rows))
	for i, row := range rows {
		if len(row) != s.Width() {
			return nil, fmt.Errorf("scaler: row %d has %d columns, want %d", i, len(row), s.Width())
		}
		scaled := make([]float64, len(row))
		for j, v := range row {
			scaled[j] = fn(v, s.Min[j], s.span(j))
		}
		out[i] = scaled
	}
	return out, nil
}

// Column turns a series into single-column rows.
func Column(values []float64) [][]float64 {
	rows := make([][]float64, len(values))
	for i, v := range values {
		rows[i] = []float64{v}
	}
	return rows
}

// Flatten reads column col back out of rows.
func Flatten(rows [][]float64, col int) []float64 {
	out := make([]float64, len(rows))
	for i, row := range rows {
		out[i] = row[col]
	}
	return out
}
