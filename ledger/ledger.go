package ledger

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// ErrInvalidFill is returned for fills the ledger refuses to book.
var ErrInvalidFill = errors.New("ledger: invalid fill")

// Account is the equity state owned by a Ledger.
type Account struct {
	Inception float64   // starting balance, never changes
	Balance   float64   // current realized balance
	Peak      float64   // highest balance seen, non-decreasing
	Trough    float64   // lowest balance seen
	Trades    int       // closed trades booked
	Updated   time.Time // time of the last fill
}

// DrawdownAmount is peak minus balance in account currency.
func (a Account) DrawdownAmount() float64 {
	if a.Balance >= a.Peak {
		return 0
	}
	return a.Peak - a.Balance
}

// Drawdown is (peak - balance) / peak, always >= 0.
func (a Account) Drawdown() float64 {
	if a.Peak <= 0 {
		return 0
	}
	return a.DrawdownAmount() / a.Peak
}

// NetPL is the balance change since inception.
func (a Account) NetPL() float64 {
	return a.Balance - a.Inception
}

// Fill is a realized execution reported back by the broker or the
// backtest simulator.
type Fill struct {
	ID         string
	SignalID   string // signal whose acknowledgment produced the fill
	PositionID string // entry signal of the position; equals SignalID on entries
	Exit       bool   // closes PositionID and carries its realized P&L
	Symbol     string
	Strategy   string
	Quantity   float64
	Price      float64
	RealizedPL float64
	Time       time.Time
}

// Validate rejects fills with zero or non-finite quantity or P&L.
func (f Fill) Validate() error {
	if f.Quantity == 0 || !finite(f.Quantity) {
		return fmt.Errorf("%w: quantity %v", ErrInvalidFill, f.Quantity)
	}
	if !finite(f.RealizedPL) {
		return fmt.Errorf("%w: realized pl %v", ErrInvalidFill, f.RealizedPL)
	}
	if !finite(f.Price) {
		return fmt.Errorf("%w: price %v", ErrInvalidFill, f.Price)
	}
	if f.Time.IsZero() {
		return fmt.Errorf("%w: missing time", ErrInvalidFill)
	}
	return nil
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// Event is emitted after every booked fill.
type Event struct {
	Fill   Fill
	Before Account
	After  Account
}

// Time is the event time, taken from the fill.
func (e Event) Time() time.Time { return e.Fill.Time }

// Listener is notified of ledger changes in booking order.
type Listener interface {
	OnLedgerChanged(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) OnLedgerChanged(e Event) { f(e) }

// Store persists a fill together with the account it produced. A store
// error aborts the fill and leaves the ledger unchanged.
type Store interface {
	SaveFill(f Fill, after Account) error
}

type Ledger struct {
	notify sync.Mutex // serializes listener delivery in booking order
	mu     sync.Mutex
	acct   Account

	store     Store
	listeners []Listener
}

// New returns a ledger for a fresh account.
func New(inception float64) (*Ledger, error) {
	if inception <= 0 || !finite(inception) {
		return nil, fmt.Errorf("ledger: inception balance must be positive, got %v", inception)
	}
	return &Ledger{acct: Account{
		Inception: inception,
		Balance:   inception,
		Peak:      inception,
		Trough:    inception,
	}}, nil
}

// Restore returns a ledger for a previously persisted account.
func Restore(a Account) (*Ledger, error) {
	switch {
	case a.Inception <= 0 || !finite(a.Inception):
		return nil, fmt.Errorf("ledger: restored inception %v must be positive", a.Inception)
	case !finite(a.Balance) || !finite(a.Peak) || !finite(a.Trough):
		return nil, fmt.Errorf("ledger: restored account has non-finite values")
	case a.Peak < a.Balance || a.Peak < a.Inception:
		return nil, fmt.Errorf("ledger: restored peak %.2f below balance %.2f", a.Peak, a.Balance)
	case a.Trough > a.Balance:
		return nil, fmt.Errorf("ledger: restored trough %.2f above balance %.2f", a.Trough, a.Balance)
	}
	return &Ledger{acct: a}, nil
}

// SetStore attaches durable storage. Must be called before the first fill.
func (l *Ledger) SetStore(s Store) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.store = s
}

// Subscribe registers a listener for ledger-changed events.
func (l *Ledger) Subscribe(ln Listener) {
	l.notify.Lock()
	defer l.notify.Unlock()
	l.listeners = append(l.listeners, ln)
}

// Snapshot returns a copy of the current account.
func (l *Ledger) Snapshot() Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acct
}

// ApplyFill books a fill and notifies listeners. Balance, peak and trough
// move together; a store failure leaves all three untouched.
func (l *Ledger) ApplyFill(f Fill) (Event, error) {
	if err := f.Validate(); err != nil {
		return Event{}, err
	}

	l.notify.Lock()
	defer l.notify.Unlock()

	l.mu.Lock()
	before := l.acct
	after := before
	after.Balance += f.RealizedPL
	if after.Balance > after.Peak {
		after.Peak = after.Balance
	}
	if after.Balance < after.Trough {
		after.Trough = after.Balance
	}
	if f.Exit {
		after.Trades++
	}
	if f.Time.After(after.Updated) {
		after.Updated = f.Time
	}

	if l.store != nil {
		if err := l.store.SaveFill(f, after); err != nil {
			l.mu.Unlock()
			return Event{}, fmt.Errorf("ledger: persist fill %s: %w", f.ID, err)
		}
	}
	l.acct = after
	l.mu.Unlock()

	ev := Event{Fill: f, Before: before, After: after}
	for _, ln := range l.listeners {
		ln.OnLedgerChanged(ev)
	}
	return ev, nil
}
