package journal

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rustyeddy/tradegate/estop"
	"github.com/rustyeddy/tradegate/ledger"
	"github.com/rustyeddy/tradegate/risk"
)

// ErrStateCorruption means persisted state failed a consistency check.
// Trading must not resume until an operator resolves it.
var ErrStateCorruption = errors.New("journal: state corruption")

// CorruptionError names the failed check.
type CorruptionError struct {
	Check  string
	Detail string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("state corruption: %s: %s", e.Check, e.Detail)
}

func (e *CorruptionError) Unwrap() error { return ErrStateCorruption }

const tolerance = 0.005

func near(a, b float64) bool {
	return math.Abs(a-b) <= tolerance+1e-9*math.Abs(b)
}

// Recovered is the state rebuilt from the journal on startup.
type Recovered struct {
	Account    ledger.Account
	HasAccount bool
	Risk       risk.Snapshot
	Halt       *estop.Halt
}

// Recover rebuilds the account, the day's risk state and any active halt
// as of now. The daily accumulator is recomputed from today's fills
// rather than trusted from the saved snapshot; the snapshot only serves
// as a cross-check. A failed check returns a *CorruptionError together
// with whatever could be rebuilt.
func (j *SQLite) Recover(loc *time.Location, now time.Time) (Recovered, error) {
	if loc == nil {
		loc = time.UTC
	}
	var out Recovered

	acct, ok, err := j.LoadAccount()
	if err != nil {
		return out, fmt.Errorf("load account: %w", err)
	}
	out.Account, out.HasAccount = acct, ok

	if h, ok, err := j.ActiveHalt(); err != nil {
		return out, fmt.Errorf("load halt: %w", err)
	} else if ok {
		out.Halt = &h
	}

	lt := now.In(loc)
	day := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
	next := time.Date(lt.Year(), lt.Month(), lt.Day()+1, 0, 0, 0, 0, loc)

	snap := risk.Snapshot{
		Day:        day,
		Reserved:   make(map[string]float64),
		LastAccept: make(map[string]time.Time),
	}

	fills, err := j.FillsBetween(day, next)
	if err != nil {
		return out, fmt.Errorf("load fills: %w", err)
	}
	for _, f := range fills {
		if !f.Exit {
			continue
		}
		snap.DayPL += f.RealizedPL
		switch {
		case f.RealizedPL < 0:
			snap.ConsecutiveLosses++
		case f.RealizedPL > 0:
			snap.ConsecutiveLosses = 0
		}
	}

	open, err := j.OpenPositions()
	if err != nil {
		return out, fmt.Errorf("load open positions: %w", err)
	}
	for _, s := range open {
		snap.Reserved[s.ID] = s.RiskAmount
	}

	entries, err := j.countEntries(day, next)
	if err != nil {
		return out, fmt.Errorf("count entries: %w", err)
	}
	snap.TradesToday = entries

	saved, savedAt, haveSaved, err := j.LoadRiskState()
	if err != nil {
		return out, fmt.Errorf("load risk state: %w", err)
	}
	if haveSaved {
		for k, v := range saved.LastAccept {
			snap.LastAccept[k] = v.In(loc)
		}
		if saved.Day.Equal(day) && saved.TradesToday > snap.TradesToday {
			snap.TradesToday = saved.TradesToday
		}
	}
	out.Risk = snap

	if !ok {
		return out, nil
	}

	switch {
	case acct.Inception <= 0:
		return out, &CorruptionError{Check: "inception", Detail: fmt.Sprintf("inception balance %.2f", acct.Inception)}
	case acct.Peak < acct.Balance:
		return out, &CorruptionError{Check: "peak", Detail: fmt.Sprintf("peak %.2f below balance %.2f", acct.Peak, acct.Balance)}
	}

	sum, err := j.SumRealized()
	if err != nil {
		return out, fmt.Errorf("sum realized: %w", err)
	}
	if want := acct.Inception + sum; !near(acct.Balance, want) {
		return out, &CorruptionError{Check: "balance", Detail: fmt.Sprintf("balance %.2f but inception + realized = %.2f", acct.Balance, want)}
	}

	if haveSaved && saved.Day.Equal(day) {
		last, err := j.LastFillTime()
		if err != nil {
			return out, fmt.Errorf("last fill: %w", err)
		}
		// Only a snapshot written after the last fill must agree.
		if !savedAt.Before(last) && !near(saved.DayPL, snap.DayPL) {
			return out, &CorruptionError{Check: "daily-loss", Detail: fmt.Sprintf("saved day P&L %.2f, fills say %.2f", saved.DayPL, snap.DayPL)}
		}
	}
	return out, nil
}

func (j *SQLite) countEntries(start, end time.Time) (int, error) {
	var n int
	err := j.db.QueryRow(`
		SELECT COUNT(*) FROM signals
		WHERE event = 'entry' AND status != 'retracted' AND created >= ? AND created < ?`,
		start.UTC(), end.UTC()).Scan(&n)
	return n, err
}
