package report

import (
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

var (
	actualColor    = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	predictedColor = color.RGBA{R: 255, G: 127, B: 14, A: 255}
)

// PredictionChart renders actual against predicted prices for one split.
type PredictionChart struct {
	Title     string
	Times     []time.Time
	Actual    []float64
	Predicted []float64
}

// Save writes the chart; the image format follows the file extension.
func (c PredictionChart) Save(path string) error {
	if len(c.Times) == 0 {
		return errors.New("chart: no points")
	}
	if len(c.Actual) != len(c.Times) || len(c.Predicted) != len(c.Times) {
		return fmt.Errorf("chart: %d times, %d actual, %d predicted", len(c.Times), len(c.Actual), len(c.Predicted))
	}

	p := plot.New()
	p.Title.Text = c.Title
	p.X.Label.Text = "Date"
	p.Y.Label.Text = "Price (USD)"
	p.X.Tick.Marker = plot.TimeTicks{Format: "2006-01-02\n15:04"}
	p.Add(plotter.NewGrid())

	actual, err := c.line(c.Actual, actualColor)
	if err != nil {
		return err
	}
	predicted, err := c.line(c.Predicted, predictedColor)
	if err != nil {
		return err
	}
	p.Add(actual, predicted)
	p.Legend.Add("Actual", actual)
	p.Legend.Add("Predicted", predicted)
	p.Legend.Top = true

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return p.Save(12*vg.Inch, 6*vg.Inch, path)
}

func (c PredictionChart) line(values []float64, col color.Color) (*plotter.Line, error) {
	pts := make(plotter.XYs, len(values))
	for i, v := range values {
		pts[i].X = float64(c.Times[i].Unix())
		pts[i].Y = v
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, fmt.Errorf("chart %q: %w", c.Title, err)
	}
	line.LineStyle.Color = col
	line.LineStyle.Width = vg.Points(1.2)
	return line, nil
}
