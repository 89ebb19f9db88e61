package journal

import (
	"encoding/csv"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rustyeddy/tradegate/ledger"
)

// CSV writes every booked fill with the balance it produced. It is a
// ledger listener, used by backtests that want a flat trade log.
type CSV struct {
	mu  sync.Mutex
	w   *csv.Writer
	f   *os.File
	err error
}

var fillHeader = []string{
	"id", "signal_id", "position_id", "exit", "symbol", "strategy",
	"quantity", "price", "realized_pl", "balance", "peak", "time",
}

func NewCSV(path string) (*CSV, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(f)
	if err := w.Write(fillHeader); err != nil {
		f.Close()
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return nil, err
	}
	return &CSV{w: w, f: f}, nil
}

func (c *CSV) OnLedgerChanged(ev ledger.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	fl := ev.Fill
	err := c.w.Write([]string{
		fl.ID,
		fl.SignalID,
		fl.PositionID,
		strconv.FormatBool(fl.Exit),
		fl.Symbol,
		fl.Strategy,
		f(fl.Quantity),
		f(fl.Price),
		f(fl.RealizedPL),
		f(ev.After.Balance),
		f(ev.After.Peak),
		fl.Time.UTC().Format(time.RFC3339),
	})
	if err != nil {
		c.err = err
		slog.Error("csv fill log", "err", err)
		return
	}
	c.w.Flush()
}

// Close flushes and closes the file, returning the first write error.
func (c *CSV) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w.Flush()
	if c.err == nil {
		c.err = c.w.Error()
	}
	if err := c.f.Close(); err != nil && c.err == nil {
		c.err = err
	}
	return c.err
}

func f(x float64) string {
	return strconv.FormatFloat(x, 'f', 6, 64)
}
