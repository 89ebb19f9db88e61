package risk

import (
	"sync"
	"time"

	"github.com/rustyeddy/tradegate/ledger"
)

// State is the mutable risk bookkeeping shared by the gate and the
// ledger. It is owned by one engine and passed by handle.
type State struct {
	mu  sync.Mutex
	loc *time.Location

	day               time.Time // midnight of the current trading day in loc
	dayPL             float64   // net realized P&L since day
	reserved          map[string]float64
	tradesToday       int
	consecutiveLosses int
	lastAccept        map[string]time.Time
}

// Snapshot is the persisted form of State.
type Snapshot struct {
	Day               time.Time
	DayPL             float64
	Reserved          map[string]float64
	TradesToday       int
	ConsecutiveLosses int
	LastAccept        map[string]time.Time
}

// DailyLoss is the loss side of the day's realized P&L, >= 0.
func (s Snapshot) DailyLoss() float64 {
	if s.DayPL >= 0 {
		return 0
	}
	return -s.DayPL
}

// ReservedTotal sums the open reservations.
func (s Snapshot) ReservedTotal() float64 {
	var sum float64
	for _, v := range s.Reserved {
		sum += v
	}
	return sum
}

// NewState returns an empty state whose days turn over at midnight in
// loc (UTC when nil).
func NewState(loc *time.Location) *State {
	if loc == nil {
		loc = time.UTC
	}
	return &State{
		loc:        loc,
		reserved:   make(map[string]float64),
		lastAccept: make(map[string]time.Time),
	}
}

// DayStart returns midnight of t's day in the state's zone.
func (s *State) DayStart(t time.Time) time.Time {
	return dayStart(t, s.loc)
}

func dayStart(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

// Roll advances the trading day to contain now. It reports whether a day
// boundary was crossed. Day counters and the loss streak reset exactly
// once per boundary; open reservations carry over.
func (s *State) Roll(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollLocked(now)
}

func (s *State) rollLocked(now time.Time) bool {
	d := dayStart(now, s.loc)
	if s.day.IsZero() {
		s.day = d
		return false
	}
	if !d.After(s.day) {
		return false
	}
	s.day = d
	s.dayPL = 0
	s.tradesToday = 0
	s.consecutiveLosses = 0
	return true
}

// OnLedgerChanged books realized P&L into the day and releases the
// position's reservation when it closes.
func (s *State) OnLedgerChanged(ev ledger.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := ev.Fill
	s.rollLocked(f.Time)
	if !f.Exit {
		return
	}
	// A fill stamped before the current day still counts toward the
	// account, but not toward today's loss.
	if !dayStart(f.Time, s.loc).Before(s.day) {
		s.dayPL += f.RealizedPL
	}
	switch {
	case f.RealizedPL < 0:
		s.consecutiveLosses++
	case f.RealizedPL > 0:
		s.consecutiveLosses = 0
	}
	delete(s.reserved, f.PositionID)
}

// Release drops a reservation without booking a loss, for signals that
// expired, were retracted, or were refused by the broker.
func (s *State) Release(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.reserved[id]
	delete(s.reserved, id)
	return ok
}

// Snapshot returns a deep copy of the state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() Snapshot {
	out := Snapshot{
		Day:               s.day,
		DayPL:             s.dayPL,
		TradesToday:       s.tradesToday,
		ConsecutiveLosses: s.consecutiveLosses,
		Reserved:          make(map[string]float64, len(s.reserved)),
		LastAccept:        make(map[string]time.Time, len(s.lastAccept)),
	}
	for k, v := range s.reserved {
		out.Reserved[k] = v
	}
	for k, v := range s.lastAccept {
		out.LastAccept[k] = v
	}
	return out
}

// Restore replaces the state with a snapshot, typically rebuilt from the
// journal on restart.
func (s *State) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.day = snap.Day
	s.dayPL = snap.DayPL
	s.tradesToday = snap.TradesToday
	s.consecutiveLosses = snap.ConsecutiveLosses
	s.reserved = make(map[string]float64, len(snap.Reserved))
	for k, v := range snap.Reserved {
		s.reserved[k] = v
	}
	s.lastAccept = make(map[string]time.Time, len(snap.LastAccept))
	for k, v := range snap.LastAccept {
		s.lastAccept[k] = v
	}
}

// ResetStreak clears the consecutive-loss counter.
func (s *State) ResetStreak() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveLosses = 0
}
