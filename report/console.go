package report

import (
	"io"
	"time"

	"btcgru/ml"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	SplitTrain      = "Train"
	SplitValidation = "Validation"
	SplitTest       = "Test (Out-of-sample)"
)

// Console prints search progress and final metrics with grouped digits.
type Console struct {
	w       io.Writer
	printer *message.Printer
}

func NewConsole(w io.Writer) *Console {
	return &Console{w: w, printer: message.NewPrinter(language.English)}
}

func (c *Console) Trial(trial ml.Trial, total int) {
	epochs := 0
	if trial.History != nil {
		epochs = trial.History.EpochsRun()
	}
	c.printer.Fprintf(c.w, "[%d/%d] Testing: %s -> val MAE %.2f (%d epochs, %s, %s)\n",
		trial.ID, total, trial.Params, trial.ValidationMAE, epochs,
		trial.Duration.Round(time.Millisecond), trial.Status)
}

func (c *Console) Best(best ml.Trial) {
	c.printer.Fprintf(c.w, "\nBest Hyperparameters: %s\n", best.Params)
	c.printer.Fprintf(c.w, "Validation MAE: %.2f\n", best.ValidationMAE)
}

func (c *Console) Metrics(label string, m ml.Metrics) {
	c.printer.Fprintf(c.w, "\n%s Set:\n", label)
	c.printer.Fprintf(c.w, "MAE  : %.2f\n", m.MAE)
	c.printer.Fprintf(c.w, "MSE  : %.2f\n", m.MSE)
	c.printer.Fprintf(c.w, "RMSE : %.2f\n", m.RMSE)
	c.printer.Fprintf(c.w, "R²   : %.4f\n", m.R2)
}

func (c *Console) Saved(what, path string) {
	c.printer.Fprintf(c.w, "%s saved to %s\n", what, path)
}

func (c *Console) Forecast(symbol string, at time.Time, lastClose, predicted float64) {
	c.printer.Fprintf(c.w, "%s last close %s: %.2f\n", symbol, at.UTC().Format("2006-01-02 15:04"), lastClose)
	c.printer.Fprintf(c.w, "%s forecast for next candle: %.2f (%+.2f)\n", symbol, predicted, predicted-lastClose)
}
