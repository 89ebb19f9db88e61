// Package estop implements the emergency stop: a state machine that moves
// an account between Normal, Warning, Halted and Recovering as losses
// approach and cross hard limits.
package estop

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rustyeddy/tradegate/risk"
)

type State int

const (
	Normal State = iota
	Warning
	Halted
	Recovering
)

func (s State) String() string {
	switch s {
	case Normal:
		return "normal"
	case Warning:
		return "warning"
	case Halted:
		return "halted"
	case Recovering:
		return "recovering"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Scope says what clears a halt. Day halts clear at the next day
// boundary; overall halts only by manual reset.
type Scope string

const (
	ScopeDay     Scope = "day"
	ScopeOverall Scope = "overall"
)

var (
	ErrNotHalted          = errors.New("estop: not halted")
	ErrLimitStillBreached = errors.New("estop: overall limit still breached")
)

// Halt records why trading stopped.
type Halt struct {
	Scope    Scope
	Reason   string
	Limit    float64
	Observed float64
	At       time.Time
}

// Store persists halts apart from the rest of the account state.
type Store interface {
	SaveHalt(h Halt) error
	ClearHalt(at time.Time, by string) error
}

// Thresholds are the hard limits in account currency plus the soft ratio.
type Thresholds struct {
	DailyLoss            float64
	OverallDrawdown      float64
	MaxConsecutiveLosses int // 0 disables
	WarnRatio            float64
	RecoveryMultiplier   float64
	RecoveryWindow       time.Duration
}

// Observation is the account view the machine evaluates.
type Observation struct {
	DailyLoss         float64
	Drawdown          float64 // peak minus balance
	ConsecutiveLosses int
	At                time.Time
}

// Transition is delivered to subscribers on every state change.
type Transition struct {
	From, To State
	Halt     *Halt
	At       time.Time
}

// Status is a point-in-time view of the machine.
type Status struct {
	State        State
	Halt         *Halt
	Multiplier   float64
	RecoverUntil time.Time
	Last         Observation
}

type Machine struct {
	mu  sync.Mutex
	th  Thresholds
	loc *time.Location
	log *slog.Logger

	state        State
	halt         *Halt
	recoverUntil time.Time
	day          time.Time
	last         Observation

	store Store
	subs  []func(Transition)
}

// New returns a machine in Normal. loc is the zone whose midnight ends a
// trading day; store may be nil in backtests.
func New(th Thresholds, loc *time.Location, store Store, logger *slog.Logger) *Machine {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{th: th, loc: loc, store: store, log: logger.With("component", "estop")}
}

// Subscribe registers fn for state transitions. fn runs with the machine
// unlocked.
func (m *Machine) Subscribe(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Restore re-arms a persisted halt after a restart. A day halt from an
// earlier day is cleared on the next Tick.
func (m *Machine) Restore(h Halt, now time.Time) {
	m.mu.Lock()
	hc := h
	m.halt = &hc
	m.state = Halted
	m.day = dayStart(h.At, m.loc)
	m.mu.Unlock()

	m.log.Warn("halt restored", "scope", h.Scope, "reason", h.Reason, "limit", h.Limit, "observed", h.Observed, "at", h.At)
	m.Tick(now)
}

func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	var h *Halt
	if m.halt != nil {
		hc := *m.halt
		h = &hc
	}
	return Status{
		State:        m.state,
		Halt:         h,
		Multiplier:   m.multiplierLocked(),
		RecoverUntil: m.recoverUntil,
		Last:         m.last,
	}
}

// Gate returns the view the risk gate consumes.
func (m *Machine) Gate() risk.Halt {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := risk.Halt{Active: m.state == Halted, Multiplier: m.multiplierLocked()}
	if m.halt != nil {
		g.Reason = fmt.Sprintf("%s halt: %s", m.halt.Scope, m.halt.Reason)
	}
	return g
}

func (m *Machine) multiplierLocked() float64 {
	switch m.state {
	case Halted:
		return 0
	case Recovering:
		if m.th.RecoveryMultiplier > 0 {
			return m.th.RecoveryMultiplier
		}
	}
	return 1
}

// Observe evaluates the thresholds against fresh account numbers. It is
// called on every ledger change.
func (m *Machine) Observe(o Observation) {
	var ts []Transition

	m.mu.Lock()
	ts = append(ts, m.rollLocked(o.At)...)
	m.last = o

	if h := m.breachLocked(o); h != nil {
		if m.state != Halted || (m.halt != nil && m.halt.Scope == ScopeDay && h.Scope == ScopeOverall) {
			ts = append(ts, m.tripLocked(*h))
		}
	} else if m.state == Normal && m.softLocked(o) {
		ts = append(ts, m.moveLocked(Warning, o.At))
	} else if m.state == Warning && !m.softLocked(o) {
		ts = append(ts, m.moveLocked(Normal, o.At))
	}
	m.mu.Unlock()

	m.publish(ts)
}

// Tick advances time: day halts clear at the day boundary and recovery
// windows expire.
func (m *Machine) Tick(now time.Time) {
	m.mu.Lock()
	ts := m.rollLocked(now)
	if m.state == Recovering && !now.Before(m.recoverUntil) {
		ts = append(ts, m.moveLocked(m.settledLocked(), now))
	}
	m.mu.Unlock()

	m.publish(ts)
}

// Trip halts immediately, e.g. on detected state corruption.
func (m *Machine) Trip(scope Scope, reason string, at time.Time) {
	m.mu.Lock()
	t := m.tripLocked(Halt{Scope: scope, Reason: reason, At: at})
	m.mu.Unlock()
	m.publish([]Transition{t})
}

// Reset clears a halt by hand. An overall halt cannot be cleared while the
// last observed drawdown still breaches the overall limit.
func (m *Machine) Reset(now time.Time, by string) error {
	m.mu.Lock()
	if m.state != Halted {
		m.mu.Unlock()
		return ErrNotHalted
	}
	if m.th.OverallDrawdown > 0 && m.last.Drawdown >= m.th.OverallDrawdown {
		m.mu.Unlock()
		return fmt.Errorf("%w: drawdown %.2f >= %.2f", ErrLimitStillBreached, m.last.Drawdown, m.th.OverallDrawdown)
	}
	t := m.clearLocked(now, by)
	m.mu.Unlock()

	m.publish([]Transition{t})
	return nil
}

func (m *Machine) breachLocked(o Observation) *Halt {
	switch {
	case m.th.OverallDrawdown > 0 && o.Drawdown >= m.th.OverallDrawdown:
		return &Halt{Scope: ScopeOverall, Reason: "overall drawdown limit", Limit: m.th.OverallDrawdown, Observed: o.Drawdown, At: o.At}
	case m.th.DailyLoss > 0 && o.DailyLoss >= m.th.DailyLoss:
		return &Halt{Scope: ScopeDay, Reason: "daily loss limit", Limit: m.th.DailyLoss, Observed: o.DailyLoss, At: o.At}
	case m.th.MaxConsecutiveLosses > 0 && o.ConsecutiveLosses >= m.th.MaxConsecutiveLosses:
		return &Halt{Scope: ScopeDay, Reason: "consecutive losses", Limit: float64(m.th.MaxConsecutiveLosses), Observed: float64(o.ConsecutiveLosses), At: o.At}
	}
	return nil
}

func (m *Machine) softLocked(o Observation) bool {
	r := m.th.WarnRatio
	if r <= 0 {
		return false
	}
	return (m.th.DailyLoss > 0 && o.DailyLoss >= r*m.th.DailyLoss) ||
		(m.th.OverallDrawdown > 0 && o.Drawdown >= r*m.th.OverallDrawdown)
}

// settledLocked is where the machine lands once nothing holds it.
func (m *Machine) settledLocked() State {
	if m.softLocked(m.last) {
		return Warning
	}
	return Normal
}

func (m *Machine) rollLocked(now time.Time) []Transition {
	d := dayStart(now, m.loc)
	if m.day.IsZero() {
		m.day = d
		return nil
	}
	if !d.After(m.day) {
		return nil
	}
	m.day = d
	// Daily numbers restart from zero on a new day.
	m.last.DailyLoss = 0
	m.last.ConsecutiveLosses = 0

	switch {
	case m.state == Halted && m.halt != nil && m.halt.Scope == ScopeDay:
		return []Transition{m.clearLocked(now, "day-boundary")}
	case m.state == Warning && !m.softLocked(m.last):
		return []Transition{m.moveLocked(Normal, now)}
	}
	return nil
}

func (m *Machine) tripLocked(h Halt) Transition {
	from := m.state
	hc := h
	m.halt = &hc
	m.state = Halted
	m.recoverUntil = time.Time{}

	m.log.Error("trading halted",
		"scope", h.Scope, "reason", h.Reason, "limit", h.Limit, "observed", h.Observed, "at", h.At)
	if m.store != nil {
		if err := m.store.SaveHalt(h); err != nil {
			m.log.Error("persist halt failed", "err", err)
		}
	}
	return Transition{From: from, To: Halted, Halt: &hc, At: h.At}
}

func (m *Machine) clearLocked(now time.Time, by string) Transition {
	prev := m.halt
	m.halt = nil
	if m.store != nil {
		if err := m.store.ClearHalt(now, by); err != nil {
			m.log.Error("persist halt clear failed", "err", err)
		}
	}

	to := m.settledLocked()
	if m.th.RecoveryWindow > 0 {
		to = Recovering
		m.recoverUntil = now.Add(m.th.RecoveryWindow)
	}
	m.log.Info("halt cleared", "by", by, "next", to, "recover_until", m.recoverUntil)

	from := m.state
	m.state = to
	return Transition{From: from, To: to, Halt: prev, At: now}
}

func (m *Machine) moveLocked(to State, at time.Time) Transition {
	from := m.state
	m.state = to
	if to != Recovering {
		m.recoverUntil = time.Time{}
	}
	m.log.Info("state change", "from", from, "to", to, "at", at)
	return Transition{From: from, To: to, At: at}
}

func (m *Machine) publish(ts []Transition) {
	if len(ts) == 0 {
		return
	}
	m.mu.Lock()
	subs := append([]func(Transition){}, m.subs...)
	m.mu.Unlock()
	for _, t := range ts {
		for _, fn := range subs {
			fn(t)
		}
	}
}

func dayStart(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}
