package report

import (
	"time"

	"btcgru/db"
)

// Runs prints recent training runs, newest first, and the cache state.
func (c *Console) Runs(symbol string, runs []db.TrainingRun, cachedUntil time.Time, cached bool, issues int) {
	if cached {
		c.printer.Fprintf(c.w, "%s klines cached up to %s, %d quality issues recorded\n",
			symbol, cachedUntil.UTC().Format("2006-01-02 15:04"), issues)
	} else {
		c.printer.Fprintf(c.w, "%s has no cached klines\n", symbol)
	}
	if len(runs) == 0 {
		c.printer.Fprintf(c.w, "No training runs recorded\n")
		return
	}
	for _, run := range runs {
		started := run.StartedAt.UTC().Format("2006-01-02 15:04")
		switch run.Status {
		case db.RunFinished:
			c.printer.Fprintf(c.w, "%s  %s  %s  %d points  test MAE %.2f  RMSE %.2f  R² %.4f\n",
				started, run.RunID, run.Status, run.DataPoints, run.TestMAE, run.TestRMSE, run.TestR2)
		case db.RunFailed:
			c.printer.Fprintf(c.w, "%s  %s  %s  %s\n", started, run.RunID, run.Status, run.Error)
		default:
			c.printer.Fprintf(c.w, "%s  %s  %s\n", started, run.RunID, run.Status)
		}
	}
}
