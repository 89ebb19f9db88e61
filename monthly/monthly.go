// Package monthly rolls ledger events into one record per calendar month.
package monthly

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/tradegate/ledger"
)

// Record summarizes one month. Opening is the balance before the first
// event of the month, Closing the balance after its last.
type Record struct {
	Period  string // YYYY-MM
	Opening float64
	Closing float64
	PnL     float64
	PnLPct  float64
	Trades  int
}

func (r *Record) book(closing float64) {
	r.Closing = closing
	r.PnL = r.Closing - r.Opening
	if r.Opening != 0 {
		r.PnLPct = r.PnL / r.Opening * 100
	}
}

// Store persists records. SaveMonthly is an upsert keyed by Period and is
// called for the open month as it changes and once more when it closes.
type Store interface {
	SaveMonthly(r Record) error
}

// PeriodKey is the month of t in loc.
func PeriodKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01")
}

func nextPeriod(p string) string {
	t, err := time.Parse("2006-01", p)
	if err != nil {
		return p
	}
	return t.AddDate(0, 1, 0).Format("2006-01")
}

// Aggregator is a ledger listener. Periods follow event timestamps, never
// arrival order, so replayed and live fills produce the same records.
type Aggregator struct {
	mu     sync.Mutex
	loc    *time.Location
	store  Store
	log    *slog.Logger
	open   *Record
	closed []Record
}

func New(loc *time.Location, store Store, logger *slog.Logger) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{loc: loc, store: store, log: logger.With("component", "monthly")}
}

// Restore loads persisted records. The latest one becomes the open month.
func (a *Aggregator) Restore(recs []Record) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sorted := append([]Record(nil), recs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Period < sorted[j].Period })
	a.closed = nil
	a.open = nil
	if len(sorted) == 0 {
		return
	}
	last := sorted[len(sorted)-1]
	a.closed = sorted[:len(sorted)-1]
	a.open = &last
}

func (a *Aggregator) OnLedgerChanged(ev ledger.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := PeriodKey(ev.Time(), a.loc)
	if a.open == nil {
		a.open = &Record{Period: key, Opening: ev.Before.Balance, Closing: ev.Before.Balance}
	}
	switch {
	case key > a.open.Period:
		a.rollLocked(key, ev.Before.Balance)
	case key < a.open.Period:
		a.log.Warn("fill stamped before the open period", "fill", ev.Fill.ID, "period", key, "open", a.open.Period)
	}

	a.open.book(ev.After.Balance)
	if ev.Fill.Exit {
		a.open.Trades++
	}
	a.saveLocked(*a.open)
}

// Tick closes every month that ended before now, so a quiet month still
// produces its record.
func (a *Aggregator) Tick(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open == nil {
		return
	}
	if key := PeriodKey(now, a.loc); key > a.open.Period {
		a.rollLocked(key, a.open.Closing)
	}
}

// rollLocked closes the open month and any empty months up to key, then
// opens key at balance.
func (a *Aggregator) rollLocked(key string, balance float64) {
	a.open.book(balance)
	for a.open.Period < key {
		done := *a.open
		a.closed = append(a.closed, done)
		a.saveLocked(done)
		a.log.Info("month closed", "period", done.Period, "pnl", done.PnL, "pnl_pct", done.PnLPct, "trades", done.Trades)

		next := nextPeriod(done.Period)
		if next <= done.Period {
			next = key
		}
		a.open = &Record{Period: next, Opening: balance, Closing: balance}
	}
	a.saveLocked(*a.open)
}

func (a *Aggregator) saveLocked(r Record) {
	if a.store == nil {
		return
	}
	if err := a.store.SaveMonthly(r); err != nil {
		a.log.Error("save month", "period", r.Period, "err", err)
	}
}

// Records returns the closed months followed by the open one.
func (a *Aggregator) Records() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := append([]Record(nil), a.closed...)
	if a.open != nil {
		out = append(out, *a.open)
	}
	return out
}

// Current returns the open month.
func (a *Aggregator) Current() (Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open == nil {
		return Record{}, false
	}
	return *a.open, true
}

// Total sums P&L over recs and checks it against the balance change
// between the first opening and the last closing.
func Total(recs []Record) (float64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	var sum float64
	for _, r := range recs {
		sum += r.PnL
	}
	change := recs[len(recs)-1].Closing - recs[0].Opening
	if d := sum - change; d > 1e-6 || d < -1e-6 {
		return sum, fmt.Errorf("monthly: P&L %.6f does not match balance change %.6f", sum, change)
	}
	return sum, nil
}
