package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/tradegate/internal/id"
	"github.com/rustyeddy/tradegate/risk"
)

var (
	ErrNotFound         = errors.New("bridge: signal not found")
	ErrDuplicateKey     = errors.New("bridge: duplicate idempotency key")
	ErrNotRetractable   = errors.New("bridge: signal already delivered")
	ErrNotDelivered     = errors.New("bridge: signal not delivered yet")
	ErrExpired          = errors.New("bridge: signal expired")
	ErrDeliveryTimeout  = errors.New("bridge: delivery not acknowledged in time")
	ErrUnreachable      = errors.New("bridge: execution side not polling")
	ErrAlreadyFinalized = errors.New("bridge: signal already finalized")
)

// Clock supplies engine time. Timeouts and expiry never read the wall
// clock directly.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// WallClock is the real-time clock.
var WallClock Clock = ClockFunc(time.Now)

// Store persists signals. InsertSignal must fail with ErrDuplicateKey when
// the idempotency key was used before, for the lifetime of the store.
type Store interface {
	InsertSignal(s Signal) error
	UpdateSignal(s Signal) error
	SignalByID(id string) (Signal, error)
	SignalByKey(key string) (Signal, error)
	OpenSignals() ([]Signal, error)
	RecentSignals(n int) ([]Signal, error)
}

// Options tune delivery.
type Options struct {
	AckTimeout       time.Duration // redeliver after this long unacknowledged
	MaxAge           time.Duration // expire after this long since creation
	UnreachableAfter time.Duration // no poll for this long marks the bridge unreachable
}

// Hooks connect the queue to the rest of the engine. Both run without the
// queue lock held.
type Hooks struct {
	// OnAck receives every first acknowledgment.
	OnAck func(Signal) error
	// OnClose receives signals that ended without a fill: expired or
	// retracted.
	OnClose func(Signal)
}

// QueueStatus is a point-in-time summary.
type QueueStatus struct {
	Queued       int       `json:"queue_size"`
	InFlight     int       `json:"in_flight"`
	Total        int       `json:"total_signals"`
	Active       int       `json:"active_signals"`
	Acknowledged int       `json:"acknowledged"`
	Expired      int       `json:"expired"`
	Retracted    int       `json:"retracted"`
	Redelivered  int       `json:"redelivered"`
	LastPoll     time.Time `json:"last_poll"`
	Reachable    bool      `json:"bridge_reachable"`
	OldestAge    float64   `json:"oldest_age_seconds"`
}

const historySize = 100

// Queue is a durable FIFO with at-least-once delivery. Dequeue never
// waits and Enqueue never touches the execution side.
type Queue struct {
	mu    sync.Mutex
	late  sync.Mutex // serializes late acks, which read the store unlocked
	opts  Options
	clock Clock
	store Store
	hooks Hooks
	log   *slog.Logger

	open    []*Signal
	byID    map[string]*Signal
	keys    map[string]string // idempotency key -> signal id
	history []Signal

	lastPoll    map[string]time.Time
	reachable   bool
	total       int
	acked       int
	expired     int
	retracted   int
	redelivered int
}

// NewQueue returns a queue. When store is not nil, open signals are
// reloaded from it so a restart resumes delivery where it stopped.
func NewQueue(opts Options, clock Clock, store Store, logger *slog.Logger) (*Queue, error) {
	if opts.AckTimeout <= 0 {
		return nil, fmt.Errorf("bridge: ack timeout must be positive")
	}
	if opts.MaxAge < opts.AckTimeout {
		return nil, fmt.Errorf("bridge: max age %s shorter than ack timeout %s", opts.MaxAge, opts.AckTimeout)
	}
	if clock == nil {
		clock = WallClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		opts:     opts,
		clock:    clock,
		store:    store,
		log:      logger.With("component", "bridge"),
		byID:     make(map[string]*Signal),
		keys:     make(map[string]string),
		lastPoll: make(map[string]time.Time),
	}
	if store != nil {
		open, err := store.OpenSignals()
		if err != nil {
			return nil, fmt.Errorf("bridge: load open signals: %w", err)
		}
		for i := range open {
			s := open[i]
			q.open = append(q.open, &s)
			q.byID[s.ID] = &s
			q.keys[s.IdemKey] = s.ID
		}
		sort.SliceStable(q.open, func(i, j int) bool { return q.open[i].ID < q.open[j].ID })
		q.total = len(open)
	}
	return q, nil
}

// SetHooks installs engine callbacks.
func (q *Queue) SetHooks(h Hooks) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.hooks = h
}

// Enqueue appends a signal and returns it with id, key and timestamps
// assigned. If the idempotency key was seen before, the earlier signal is
// returned with dup set and nothing is appended.
func (q *Queue) Enqueue(s Signal) (out Signal, dup bool, err error) {
	if err := s.validate(); err != nil {
		return Signal{}, false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	if s.Time.IsZero() {
		s.Time = now
	}
	if s.IdemKey == "" {
		dir := s.Direction
		if s.Event == EventExit {
			dir = risk.Flat
		}
		s.IdemKey = IdempotencyKey(s.Strategy, s.Symbol, s.Time, dir)
	}
	if existing, ok := q.lookupKeyLocked(s.IdemKey); ok {
		return existing, true, nil
	}

	if s.ID == "" {
		s.ID = id.NewAt(now)
	}
	s.Created = now
	s.Status = StatusQueued
	s.Attempts = 0

	if q.store != nil {
		if err := q.store.InsertSignal(s); err != nil {
			if errors.Is(err, ErrDuplicateKey) {
				existing, gerr := q.store.SignalByKey(s.IdemKey)
				if gerr != nil {
					return Signal{}, false, gerr
				}
				q.keys[s.IdemKey] = existing.ID
				return existing, true, nil
			}
			return Signal{}, false, fmt.Errorf("bridge: persist signal: %w", err)
		}
	}

	sc := s
	q.open = append(q.open, &sc)
	q.byID[s.ID] = &sc
	q.keys[s.IdemKey] = s.ID
	q.total++
	q.log.Debug("enqueued", "id", s.ID, "event", s.Event, "symbol", s.Symbol, "key", s.IdemKey)
	return s, false, nil
}

// ByKey returns the signal already enqueued under an idempotency key.
func (q *Queue) ByKey(key string) (Signal, bool) {
	q.mu.Lock()
	s, ok := q.lookupKeyLocked(key)
	store := q.store
	q.mu.Unlock()
	if ok || store == nil {
		return s, ok
	}
	s, err := store.SignalByKey(key)
	return s, err == nil
}

func (q *Queue) lookupKeyLocked(key string) (Signal, bool) {
	if sid, ok := q.keys[key]; ok {
		if s, ok := q.byID[sid]; ok {
			return *s, true
		}
		for i := len(q.history) - 1; i >= 0; i-- {
			if q.history[i].ID == sid {
				return q.history[i], true
			}
		}
		if q.store != nil {
			if s, err := q.store.SignalByID(sid); err == nil {
				return s, true
			}
		}
		return Signal{ID: sid, IdemKey: key}, true
	}
	return Signal{}, false
}

// Dequeue hands out the oldest deliverable signal for account ("" matches
// any). A delivered signal becomes deliverable again once AckTimeout has
// passed without acknowledgment. ok is false when nothing is due.
func (q *Queue) Dequeue(account string) (Signal, bool, error) {
	q.mu.Lock()

	now := q.clock.Now()
	q.lastPoll[account] = now
	if !q.reachable {
		q.reachable = true
		q.log.Info("bridge polling", "account", account)
	}
	closed := q.expireLocked(now)

	var (
		out   Signal
		found bool
		err   error
	)
	for _, s := range q.open {
		if account != "" && s.Account != "" && s.Account != account {
			continue
		}
		switch s.Status {
		case StatusQueued:
		case StatusDelivered:
			if now.Sub(s.DeliveredAt) < q.opts.AckTimeout {
				continue
			}
			q.redelivered++
			q.log.Warn("redelivering", "id", s.ID, "attempt", s.Attempts+1,
				"err", ErrDeliveryTimeout, "delivered_at", s.DeliveredAt)
		default:
			continue
		}
		prev := *s
		s.Status = StatusDelivered
		s.DeliveredAt = now
		s.Attempts++
		if q.store != nil {
			if err = q.store.UpdateSignal(*s); err != nil {
				*s = prev
				err = fmt.Errorf("bridge: persist delivery: %w", err)
				break
			}
		}
		out, found = *s, true
		break
	}
	hooks := q.hooks
	q.mu.Unlock()

	q.notifyClosed(hooks, closed)
	return out, found, err
}

// Acknowledge records the execution result for a delivered signal and
// passes it to the OnAck hook. Acknowledging the same id again returns the
// stored signal without calling the hook.
func (q *Queue) Acknowledge(sid string, fill FillReport) (Signal, error) {
	if err := fill.validate(); err != nil {
		return Signal{}, err
	}

	q.mu.Lock()
	s, ok := q.byID[sid]
	if !ok {
		q.mu.Unlock()
		prev, err := q.Get(sid)
		if err != nil {
			return Signal{}, err
		}
		switch prev.Status {
		case StatusAcknowledged:
			return prev, nil
		case StatusExpired:
			if prev.DeliveredAt.IsZero() {
				return prev, ErrExpired
			}
			return q.lateAck(prev, fill)
		}
		return prev, fmt.Errorf("%w: %s is %s", ErrAlreadyFinalized, sid, prev.Status)
	}
	if s.Status == StatusQueued {
		q.mu.Unlock()
		return *s, ErrNotDelivered
	}

	now := q.clock.Now()
	prev := *s
	s.Status = StatusAcknowledged
	s.AckedAt = now
	fc := fill
	if fc.Time.IsZero() {
		fc.Time = now
	}
	s.Fill = &fc
	if q.store != nil {
		if err := q.store.UpdateSignal(*s); err != nil {
			*s = prev
			q.mu.Unlock()
			return prev, fmt.Errorf("bridge: persist ack: %w", err)
		}
	}
	q.removeLocked(s.ID)
	q.acked++
	out := *s
	hooks := q.hooks
	q.mu.Unlock()

	q.log.Info("acknowledged", "id", out.ID, "qty", fc.Quantity, "price", fc.Price, "pl", fc.RealizedPL)
	if hooks.OnAck != nil {
		if err := hooks.OnAck(out); err != nil {
			return out, fmt.Errorf("bridge: apply ack %s: %w", out.ID, err)
		}
	}
	return out, nil
}

// lateAck accepts a fill for a signal that expired after it was handed
// out; the broker may still have executed it.
func (q *Queue) lateAck(s Signal, fill FillReport) (Signal, error) {
	q.late.Lock()
	cur, err := q.Get(s.ID)
	if err != nil {
		q.late.Unlock()
		return Signal{}, err
	}
	switch cur.Status {
	case StatusAcknowledged:
		q.late.Unlock()
		return cur, nil
	case StatusExpired:
	default:
		q.late.Unlock()
		return cur, fmt.Errorf("%w: %s is %s", ErrAlreadyFinalized, cur.ID, cur.Status)
	}
	s = cur

	q.mu.Lock()
	now := q.clock.Now()
	s.Status = StatusAcknowledged
	s.AckedAt = now
	fc := fill
	if fc.Time.IsZero() {
		fc.Time = now
	}
	s.Fill = &fc
	if q.store != nil {
		if err := q.store.UpdateSignal(s); err != nil {
			q.mu.Unlock()
			q.late.Unlock()
			return cur, fmt.Errorf("bridge: persist ack: %w", err)
		}
	}
	q.replaceHistoryLocked(s)
	q.acked++
	hooks := q.hooks
	q.mu.Unlock()
	q.late.Unlock()

	q.log.Warn("late acknowledgment", "id", s.ID, "expired_at", s.ExpiredAt)
	if hooks.OnAck != nil {
		if err := hooks.OnAck(s); err != nil {
			return s, fmt.Errorf("bridge: apply ack %s: %w", s.ID, err)
		}
	}
	return s, nil
}

// Retract withdraws a signal that has not been delivered yet.
func (q *Queue) Retract(sid string) (Signal, error) {
	q.mu.Lock()
	s, ok := q.byID[sid]
	if !ok {
		q.mu.Unlock()
		if _, err := q.Get(sid); err != nil {
			return Signal{}, err
		}
		return Signal{}, ErrNotRetractable
	}
	if s.Status != StatusQueued {
		q.mu.Unlock()
		return *s, ErrNotRetractable
	}
	out, err := q.finishLocked(s, StatusRetracted)
	hooks := q.hooks
	q.mu.Unlock()
	if err != nil {
		return out, err
	}
	q.notifyClosed(hooks, []Signal{out})
	return out, nil
}

// Expire marks an open signal expired so it is never delivered again.
func (q *Queue) Expire(sid string) (Signal, error) {
	q.mu.Lock()
	s, ok := q.byID[sid]
	if !ok {
		q.mu.Unlock()
		prev, err := q.Get(sid)
		if err != nil {
			return Signal{}, err
		}
		return prev, fmt.Errorf("%w: %s is %s", ErrAlreadyFinalized, sid, prev.Status)
	}
	out, err := q.finishLocked(s, StatusExpired)
	hooks := q.hooks
	q.mu.Unlock()
	if err != nil {
		return out, err
	}
	q.notifyClosed(hooks, []Signal{out})
	return out, nil
}

// Sweep expires every signal older than MaxAge and updates reachability.
// The engine calls it on each clock tick.
func (q *Queue) Sweep() []Signal {
	q.mu.Lock()
	now := q.clock.Now()
	closed := q.expireLocked(now)
	q.checkReachableLocked(now)
	hooks := q.hooks
	q.mu.Unlock()

	q.notifyClosed(hooks, closed)
	return closed
}

// Health returns ErrUnreachable when signals are waiting and the
// execution side has not polled within UnreachableAfter.
func (q *Queue) Health() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.checkReachableLocked(q.clock.Now())
	if !q.reachable && len(q.open) > 0 {
		return ErrUnreachable
	}
	return nil
}

func (q *Queue) checkReachableLocked(now time.Time) {
	if q.opts.UnreachableAfter <= 0 {
		return
	}
	var last time.Time
	for _, t := range q.lastPoll {
		if t.After(last) {
			last = t
		}
	}
	ok := !last.IsZero() && now.Sub(last) < q.opts.UnreachableAfter
	if q.reachable && !ok {
		q.log.Warn("bridge unreachable", "err", ErrUnreachable, "last_poll", last, "waiting", len(q.open))
	}
	q.reachable = ok
}

func (q *Queue) expireLocked(now time.Time) []Signal {
	var closed []Signal
	for i := 0; i < len(q.open); {
		s := q.open[i]
		if now.Sub(s.Created) < q.opts.MaxAge {
			i++
			continue
		}
		out, err := q.finishLocked(s, StatusExpired)
		if err != nil {
			q.log.Error("expire failed", "id", s.ID, "err", err)
			i++
			continue
		}
		q.log.Warn("signal expired", "id", out.ID, "age", now.Sub(out.Created), "attempts", out.Attempts)
		closed = append(closed, out)
	}
	return closed
}

// finishLocked moves an open signal to a terminal status other than
// acknowledged.
func (q *Queue) finishLocked(s *Signal, to Status) (Signal, error) {
	now := q.clock.Now()
	prev := *s
	s.Status = to
	if to == StatusExpired {
		s.ExpiredAt = now
	}
	if q.store != nil {
		if err := q.store.UpdateSignal(*s); err != nil {
			*s = prev
			return prev, fmt.Errorf("bridge: persist %s: %w", to, err)
		}
	}
	q.removeLocked(s.ID)
	switch to {
	case StatusExpired:
		q.expired++
	case StatusRetracted:
		q.retracted++
	}
	return *s, nil
}

func (q *Queue) removeLocked(sid string) {
	s, ok := q.byID[sid]
	if !ok {
		return
	}
	delete(q.byID, sid)
	for i, o := range q.open {
		if o.ID == sid {
			q.open = append(q.open[:i], q.open[i+1:]...)
			break
		}
	}
	q.history = append(q.history, *s)
	if len(q.history) > historySize {
		q.history = q.history[len(q.history)-historySize:]
	}
}

func (q *Queue) replaceHistoryLocked(s Signal) {
	for i := range q.history {
		if q.history[i].ID == s.ID {
			q.history[i] = s
			return
		}
	}
	q.history = append(q.history, s)
}

func (q *Queue) notifyClosed(h Hooks, closed []Signal) {
	if h.OnClose == nil {
		return
	}
	for _, s := range closed {
		h.OnClose(s)
	}
}

// Get returns a signal by id from memory or the store.
func (q *Queue) Get(sid string) (Signal, error) {
	q.mu.Lock()
	if s, ok := q.byID[sid]; ok {
		out := *s
		q.mu.Unlock()
		return out, nil
	}
	for i := len(q.history) - 1; i >= 0; i-- {
		if q.history[i].ID == sid {
			out := q.history[i]
			q.mu.Unlock()
			return out, nil
		}
	}
	store := q.store
	q.mu.Unlock()

	if store != nil {
		s, err := store.SignalByID(sid)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Signal{}, err
		}
	}
	return Signal{}, fmt.Errorf("%w: %s", ErrNotFound, sid)
}

// Open returns queued and delivered signals oldest first.
func (q *Queue) Open() []Signal {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Signal, 0, len(q.open))
	for _, s := range q.open {
		out = append(out, *s)
	}
	return out
}

// History returns up to n of the most recent signals of any status,
// newest first.
func (q *Queue) History(n int) ([]Signal, error) {
	if n <= 0 {
		n = 20
	}
	q.mu.Lock()
	store := q.store
	if store == nil {
		all := make([]Signal, 0, len(q.open)+len(q.history))
		for _, s := range q.open {
			all = append(all, *s)
		}
		all = append(all, q.history...)
		q.mu.Unlock()

		sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
		if len(all) > n {
			all = all[:n]
		}
		return all, nil
	}
	q.mu.Unlock()
	return store.RecentSignals(n)
}

func (q *Queue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	q.checkReachableLocked(now)
	st := QueueStatus{
		Total:        q.total,
		Active:       len(q.open),
		Acknowledged: q.acked,
		Expired:      q.expired,
		Retracted:    q.retracted,
		Redelivered:  q.redelivered,
		Reachable:    q.reachable,
	}
	for _, t := range q.lastPoll {
		if t.After(st.LastPoll) {
			st.LastPoll = t
		}
	}
	for _, s := range q.open {
		if s.Status == StatusQueued {
			st.Queued++
		} else {
			st.InFlight++
		}
		if age := now.Sub(s.Created).Seconds(); age > st.OldestAge {
			st.OldestAge = age
		}
	}
	return st
}
