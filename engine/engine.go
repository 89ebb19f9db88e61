// Package engine wires the sizer, the risk gate, the ledger, the
// emergency stop and the signal queue into one order path.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/tradegate/bridge"
	"github.com/rustyeddy/tradegate/config"
	"github.com/rustyeddy/tradegate/estop"
	"github.com/rustyeddy/tradegate/internal/id"
	"github.com/rustyeddy/tradegate/journal"
	"github.com/rustyeddy/tradegate/ledger"
	"github.com/rustyeddy/tradegate/metrics"
	"github.com/rustyeddy/tradegate/monthly"
	"github.com/rustyeddy/tradegate/risk"
	"github.com/rustyeddy/tradegate/sizing"
)

var (
	// ErrNoQueue is returned by live-only operations on a backtest engine.
	ErrNoQueue = errors.New("engine: no signal queue configured")
	// ErrNoPosition is returned when closing a position that is not open.
	ErrNoPosition = errors.New("engine: position not open")
)

// Store is the persistence the engine needs. *journal.SQLite implements
// it; backtests run without one.
type Store interface {
	ledger.Store
	estop.Store
	monthly.Store
	InitAccount(a ledger.Account) error
	SaveRiskState(s risk.Snapshot, at time.Time) error
	Recover(loc *time.Location, now time.Time) (journal.Recovered, error)
	Monthly() ([]monthly.Record, error)
	OpenPositions() ([]bridge.Signal, error)
}

type Options struct {
	Config  *config.Config
	Clock   bridge.Clock
	Store   Store         // nil in backtests
	Queue   *bridge.Queue // nil in backtests: accepted orders fill at once
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Position is an open trade the engine is tracking.
type Position struct {
	ID         string // entry signal id
	Symbol     string
	Strategy   string
	Direction  risk.Direction
	Quantity   float64
	Entry      float64
	Stop       float64
	Target     float64
	RiskAmount float64
	Opened     time.Time
}

// Ticket is the result of one Open call.
type Ticket struct {
	Decision  risk.Decision
	Signal    *bridge.Signal // live: the enqueued signal
	Position  *Position      // backtest: the filled position
	Duplicate bool           // the decision was already enqueued
}

type Engine struct {
	cfg   *config.Config
	log   *slog.Logger
	clock bridge.Clock

	ledger  *ledger.Ledger
	state   *risk.State
	gate    *risk.Gate
	sizer   sizing.Sizer
	tracker *sizing.Tracker
	stop    *estop.Machine
	months  *monthly.Aggregator
	queue   *bridge.Queue
	store   Store
	metrics *metrics.Metrics
	symbols bridge.SymbolMap

	intake sync.Mutex // held from the duplicate check through enqueue

	mu        sync.Mutex
	positions map[string]*Position
}

// New builds an engine. With a store it resumes from the journal: the
// account, today's risk state, any active halt, monthly records and open
// positions. A corrupted journal does not fail New; the engine starts
// halted instead so the operator can inspect it.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = bridge.WallClock
	}
	loc := cfg.DayBoundary
	if loc == nil {
		loc = time.UTC
	}

	e := &Engine{
		cfg:       cfg,
		log:       logger.With("component", "engine"),
		clock:     clock,
		state:     risk.NewState(loc),
		tracker:   sizing.NewTracker(cfg.Sizing.KellyLookback),
		queue:     opts.Queue,
		store:     opts.Store,
		metrics:   opts.Metrics,
		symbols:   bridge.DefaultSymbols.With(cfg.Bridge.Symbols),
		positions: make(map[string]*Position),
	}

	var err error
	e.sizer, err = sizing.New(cfg.Sizing, e.tracker)
	if err != nil {
		return nil, err
	}

	now := clock.Now()
	var (
		rec     journal.Recovered
		corrupt *journal.CorruptionError
	)
	if e.store != nil {
		rec, err = e.store.Recover(loc, now)
		if err != nil && !errors.As(err, &corrupt) {
			return nil, fmt.Errorf("engine: recover: %w", err)
		}
	}

	if rec.HasAccount {
		e.ledger, err = ledger.Restore(rec.Account)
	} else {
		e.ledger, err = ledger.New(cfg.Account.Balance)
		if err == nil && e.store != nil {
			err = e.store.InitAccount(e.ledger.Snapshot())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("engine: account: %w", err)
	}
	acct := e.ledger.Snapshot()

	limits := risk.LimitsFor(cfg.Profile, acct.Inception)
	e.gate = risk.NewGate(limits)
	e.stop = estop.New(estop.Thresholds{
		DailyLoss:            limits.DailyLoss,
		OverallDrawdown:      limits.OverallDrawdown,
		MaxConsecutiveLosses: cfg.Profile.MaxConsecutiveLosses,
		WarnRatio:            cfg.Profile.WarnRatio,
		RecoveryMultiplier:   cfg.Profile.RecoveryMultiplier,
		RecoveryWindow:       cfg.Profile.RecoveryWindow,
	}, loc, e.store, logger)
	e.months = monthly.New(loc, e.store, logger)

	if e.store != nil {
		e.ledger.SetStore(e.store)
		e.state.Restore(rec.Risk)
		recs, err := e.store.Monthly()
		if err != nil {
			return nil, fmt.Errorf("engine: load monthly: %w", err)
		}
		e.months.Restore(recs)
		if err := e.restorePositions(); err != nil {
			return nil, err
		}
	}

	e.ledger.Subscribe(e.state)
	e.ledger.Subscribe(e.tracker)
	e.ledger.Subscribe(e.months)
	if e.metrics != nil {
		e.ledger.Subscribe(e.metrics)
		e.metrics.Account(acct)
		if e.queue != nil {
			e.metrics.WatchQueue(e.queue)
		}
	}
	e.ledger.Subscribe(ledger.ListenerFunc(e.afterFill))
	e.stop.Subscribe(e.onTransition)

	if e.queue != nil {
		e.queue.SetHooks(bridge.Hooks{OnAck: e.onAck, OnClose: e.onClose})
	}

	if rec.Halt != nil {
		e.stop.Restore(*rec.Halt, now)
	}
	e.stop.Observe(e.observation(acct, now))
	if corrupt != nil {
		e.log.Error("journal failed consistency check, trading halted", "check", corrupt.Check, "detail", corrupt.Detail)
		e.stop.Trip(estop.ScopeOverall, corrupt.Error(), now)
	}

	e.log.Info("engine ready",
		"profile", cfg.Profile.Name, "balance", acct.Balance, "peak", acct.Peak,
		"daily_limit", limits.DailyLoss, "overall_limit", limits.OverallDrawdown,
		"live", e.queue != nil)
	return e, nil
}

func (e *Engine) restorePositions() error {
	open, err := e.store.OpenPositions()
	if err != nil {
		return fmt.Errorf("engine: load open positions: %w", err)
	}
	for _, s := range open {
		if s.Fill == nil || !s.Fill.Filled() {
			continue
		}
		e.positions[s.ID] = positionFromSignal(s)
	}
	return nil
}

func positionFromSignal(s bridge.Signal) *Position {
	p := &Position{
		ID:         s.ID,
		Symbol:     s.Symbol,
		Strategy:   s.Strategy,
		Direction:  s.Direction,
		Quantity:   s.Quantity,
		Entry:      s.Price,
		Stop:       s.Stop,
		Target:     s.Target,
		RiskAmount: s.RiskAmount,
		Opened:     s.Created,
	}
	if f := s.Fill; f != nil {
		p.Quantity = math.Abs(f.Quantity)
		if f.Price > 0 {
			p.Entry = f.Price
		}
		p.Opened = f.Time
	}
	return p
}

// Ledger exposes the account for readers such as the backtest runner.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

func (e *Engine) Stop() *estop.Machine { return e.stop }

func (e *Engine) Months() *monthly.Aggregator { return e.months }

func (e *Engine) Queue() *bridge.Queue { return e.queue }

func (e *Engine) Limits() risk.Limits { return e.gate.Limits }

func (e *Engine) budget(mult float64) sizing.Budget {
	return sizing.Budget{
		RiskFraction:        e.cfg.Profile.RiskFraction,
		Multiplier:          mult,
		MaxPositionFraction: e.cfg.Sizing.MaxPositionFraction,
		QuoteToAccount:      1,
		QuantityStep:        e.cfg.Sizing.QuantityStep,
		ScaleByStrength:     e.cfg.Sizing.ScaleByStrength,
	}
}

// Open sizes an intent, runs it through the gate and, when accepted,
// either enqueues it for the execution side or, without a queue, fills it
// at the intent price. Risk rejections are reported in the ticket's
// decision with a nil error; sizing and validation failures return both.
func (e *Engine) Open(ctx context.Context, in risk.TradeIntent) (Ticket, error) {
	if err := ctx.Err(); err != nil {
		return Ticket{}, err
	}
	now := e.clock.Now()
	if in.Time.IsZero() {
		in.Time = now
	}

	if e.queue != nil && in.Symbol != "" {
		e.intake.Lock()
		defer e.intake.Unlock()
		key := bridge.IdempotencyKey(in.Strategy, in.Symbol, in.Time, in.Direction)
		if prev, ok := e.queue.ByKey(key); ok {
			e.log.Info("duplicate decision", "symbol", in.Symbol, "strategy", in.Strategy, "signal", prev.ID)
			return Ticket{Decision: risk.Decision{Allowed: true, Outcome: risk.Accept}, Signal: &prev, Duplicate: true}, nil
		}
	}

	acct := e.ledger.Snapshot()
	halt := e.stop.Gate()

	order, err := e.sizer.Size(in, e.budget(halt.Multiplier), acct)
	if err != nil {
		d := risk.Decision{Outcome: risk.Reject, Violations: []risk.Violation{{Code: risk.CodeInvalid, Msg: err.Error()}}}
		e.rejected(in, d)
		return Ticket{Decision: d}, err
	}

	rid := id.NewAt(now)
	d := e.gate.Evaluate(rid, order, e.state, acct, halt, now)
	if !d.Allowed {
		e.rejected(in, d)
		return Ticket{Decision: d}, nil
	}
	if e.metrics != nil {
		e.metrics.Decision(d.Outcome.String(), "", d.PlannedRiskPct)
	}
	if d.Outcome == risk.ScaleDown {
		e.log.Info("order scaled down",
			"symbol", in.Symbol, "strategy", in.Strategy,
			"quantity", d.Order.Quantity, "from", order.Quantity, "risk", d.Order.RiskAmount)
	}

	if e.queue == nil {
		pos, err := e.fillEntry(rid, d.Order, now)
		if err != nil {
			e.state.Release(rid)
			return Ticket{Decision: d}, err
		}
		return Ticket{Decision: d, Position: pos}, nil
	}

	sig, dup, err := e.queue.Enqueue(bridge.Signal{
		ID:           rid,
		Account:      e.cfg.Bridge.Account,
		Event:        bridge.EventEntry,
		Symbol:       in.Symbol,
		BridgeSymbol: e.symbols.Bridge(in.Symbol),
		Direction:    in.Direction,
		Price:        in.Price,
		Stop:         d.Order.StopPrice,
		Target:       d.Order.Target,
		SizeQuote:    d.Order.Notional(),
		Quantity:     d.Order.Quantity,
		RiskAmount:   d.Order.RiskAmount,
		Strategy:     in.Strategy,
		Magic:        e.cfg.Bridge.Magic,
		Time:         in.Time,
	})
	if err != nil || dup {
		e.state.Release(rid)
	}
	e.persistRisk(now)
	if err != nil {
		return Ticket{Decision: d}, fmt.Errorf("engine: enqueue: %w", err)
	}

	e.log.Info("order accepted",
		"signal", sig.ID, "symbol", in.Symbol, "strategy", in.Strategy, "direction", in.Direction,
		"quantity", d.Order.Quantity, "risk", d.Order.RiskAmount, "risk_pct", d.PlannedRiskPct, "duplicate", dup)
	return Ticket{Decision: d, Signal: &sig, Duplicate: dup}, nil
}

func (e *Engine) rejected(in risk.TradeIntent, d risk.Decision) {
	code := d.Code()
	reason := ""
	if len(d.Violations) > 0 {
		reason = d.Violations[0].Msg
	}
	e.log.Warn("order rejected", "code", code, "reason", reason, "symbol", in.Symbol, "strategy", in.Strategy)
	if e.metrics != nil {
		e.metrics.Decision(risk.Reject.String(), code, 0)
	}
}

func (e *Engine) fillEntry(rid string, o risk.SizedOrder, at time.Time) (*Position, error) {
	_, err := e.ledger.ApplyFill(ledger.Fill{
		ID:         rid,
		SignalID:   rid,
		PositionID: rid,
		Symbol:     o.Intent.Symbol,
		Strategy:   o.Intent.Strategy,
		Quantity:   o.Quantity,
		Price:      o.Intent.Price,
		Time:       at,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: book entry: %w", err)
	}
	pos := &Position{
		ID:         rid,
		Symbol:     o.Intent.Symbol,
		Strategy:   o.Intent.Strategy,
		Direction:  o.Intent.Direction,
		Quantity:   o.Quantity,
		Entry:      o.Intent.Price,
		Stop:       o.StopPrice,
		Target:     o.Target,
		RiskAmount: o.RiskAmount,
		Opened:     at,
	}
	e.mu.Lock()
	e.positions[rid] = pos
	e.mu.Unlock()
	cp := *pos
	return &cp, nil
}

// Close books the exit of an open position at price. It is how backtests
// and tests realize P&L without an execution side.
func (e *Engine) Close(positionID string, price float64, at time.Time, reason string) (ledger.Event, error) {
	e.mu.Lock()
	pos, ok := e.positions[positionID]
	if !ok {
		e.mu.Unlock()
		return ledger.Event{}, fmt.Errorf("%w: %s", ErrNoPosition, positionID)
	}
	delete(e.positions, positionID)
	p := *pos
	e.mu.Unlock()

	pl := (price - p.Entry) * p.Quantity * p.Direction.Sign()
	ev, err := e.ledger.ApplyFill(ledger.Fill{
		ID:         id.NewAt(at),
		PositionID: p.ID,
		Exit:       true,
		Symbol:     p.Symbol,
		Strategy:   p.Strategy,
		Quantity:   p.Quantity,
		Price:      price,
		RealizedPL: pl,
		Time:       at,
	})
	if err != nil {
		e.mu.Lock()
		e.positions[positionID] = pos
		e.mu.Unlock()
		return ledger.Event{}, fmt.Errorf("engine: book exit: %w", err)
	}
	e.log.Debug("position closed", "position", p.ID, "symbol", p.Symbol, "price", price, "pl", pl, "reason", reason)
	return ev, nil
}

// Positions returns open positions, oldest first.
func (e *Engine) Positions() []Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Submit implements bridge.Intake for decisions arriving over HTTP.
func (e *Engine) Submit(ctx context.Context, in risk.TradeIntent) (bridge.Signal, error) {
	if e.queue == nil {
		return bridge.Signal{}, ErrNoQueue
	}
	t, err := e.Open(ctx, in)
	if err != nil {
		return bridge.Signal{}, err
	}
	if !t.Decision.Allowed {
		return bridge.Signal{}, t.Decision.Err()
	}
	return *t.Signal, nil
}

// Exit asks the execution side to close the position opened by
// originalID. Closing risk is never gated. An entry that was not handed
// out yet is retracted instead. Entries that ended without a fill have no
// position to close and return ErrNoPosition.
func (e *Engine) Exit(ctx context.Context, originalID string, price float64, at time.Time) (bridge.Signal, error) {
	if e.queue == nil {
		return bridge.Signal{}, ErrNoQueue
	}
	if err := ctx.Err(); err != nil {
		return bridge.Signal{}, err
	}
	orig, err := e.queue.Get(originalID)
	if err != nil {
		return bridge.Signal{}, err
	}
	if orig.Event != bridge.EventEntry {
		return bridge.Signal{}, &risk.ValidationError{Field: "original_signal_id", Msg: fmt.Sprintf("%s is not an entry", originalID)}
	}
	switch {
	case orig.Status == bridge.StatusQueued:
		return e.queue.Retract(orig.ID)
	case orig.Status == bridge.StatusDelivered:
	case orig.Status == bridge.StatusAcknowledged && orig.Fill != nil && orig.Fill.Filled():
	default:
		return bridge.Signal{}, fmt.Errorf("%w: entry %s is %s with no fill", ErrNoPosition, orig.ID, orig.Status)
	}
	if at.IsZero() {
		at = e.clock.Now()
	}
	qty := orig.Quantity
	if orig.Fill != nil && orig.Fill.Filled() {
		qty = math.Abs(orig.Fill.Quantity)
	}
	sig, dup, err := e.queue.Enqueue(bridge.Signal{
		Account:      orig.Account,
		Event:        bridge.EventExit,
		Symbol:       orig.Symbol,
		BridgeSymbol: orig.BridgeSymbol,
		Direction:    orig.Direction,
		Price:        price,
		Quantity:     qty,
		SizeQuote:    qty * price,
		Strategy:     orig.Strategy,
		Magic:        orig.Magic,
		OriginalID:   orig.ID,
		Time:         at,
	})
	if err != nil {
		return bridge.Signal{}, fmt.Errorf("engine: enqueue exit: %w", err)
	}
	e.log.Info("exit queued", "signal", sig.ID, "original", orig.ID, "symbol", orig.Symbol, "duplicate", dup)
	return sig, nil
}

// onAck turns an acknowledgment into ledger fills.
func (e *Engine) onAck(s bridge.Signal) error {
	f := s.Fill
	filled := f != nil && f.Filled()

	switch s.Event {
	case bridge.EventEntry:
		if !filled {
			e.state.Release(s.ID)
			e.log.Warn("entry refused by broker", "signal", s.ID, "symbol", s.Symbol, "comment", comment(f))
			e.persistRisk(e.clock.Now())
			return nil
		}
		price := f.Price
		if price == 0 {
			price = s.Price
		}
		_, err := e.ledger.ApplyFill(ledger.Fill{
			ID:         s.ID,
			SignalID:   s.ID,
			PositionID: s.ID,
			Symbol:     s.Symbol,
			Strategy:   s.Strategy,
			Quantity:   math.Abs(f.Quantity),
			Price:      price,
			Time:       f.Time,
		})
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.positions[s.ID] = positionFromSignal(s)
		e.mu.Unlock()

	case bridge.EventExit:
		if !filled {
			e.log.Warn("exit refused by broker", "signal", s.ID, "original", s.OriginalID, "comment", comment(f))
			return nil
		}
		_, err := e.ledger.ApplyFill(ledger.Fill{
			ID:         s.ID,
			SignalID:   s.ID,
			PositionID: s.OriginalID,
			Exit:       true,
			Symbol:     s.Symbol,
			Strategy:   s.Strategy,
			Quantity:   math.Abs(f.Quantity),
			Price:      f.Price,
			RealizedPL: f.RealizedPL,
			Time:       f.Time,
		})
		if err != nil {
			return err
		}
		e.mu.Lock()
		delete(e.positions, s.OriginalID)
		e.mu.Unlock()
	}
	return nil
}

func comment(f *bridge.FillReport) string {
	if f == nil {
		return ""
	}
	return f.Comment
}

// onClose releases the reservation of an entry that ended unfilled.
func (e *Engine) onClose(s bridge.Signal) {
	if s.Event != bridge.EventEntry {
		return
	}
	if e.state.Release(s.ID) {
		e.log.Info("reservation released", "signal", s.ID, "status", s.Status)
		e.persistRisk(e.clock.Now())
	}
}

// afterFill runs last among ledger listeners, once the risk state already
// reflects the fill.
func (e *Engine) afterFill(ev ledger.Event) {
	e.stop.Observe(e.observation(ev.After, ev.Fill.Time))
	at := e.clock.Now()
	if ev.Fill.Time.After(at) {
		at = ev.Fill.Time
	}
	e.persistRisk(at)
}

func (e *Engine) observation(acct ledger.Account, at time.Time) estop.Observation {
	snap := e.state.Snapshot()
	return estop.Observation{
		DailyLoss:         snap.DailyLoss(),
		Drawdown:          acct.DrawdownAmount(),
		ConsecutiveLosses: snap.ConsecutiveLosses,
		At:                at,
	}
}

func (e *Engine) persistRisk(at time.Time) {
	snap := e.state.Snapshot()
	if e.metrics != nil {
		e.metrics.Risk(snap.DailyLoss(), snap.ReservedTotal())
	}
	if e.store == nil {
		return
	}
	if err := e.store.SaveRiskState(snap, at); err != nil {
		e.log.Error("persist risk state failed", "err", err)
	}
}

func (e *Engine) onTransition(t estop.Transition) {
	if e.metrics != nil {
		e.metrics.EstopState(int(t.To))
		if t.To == estop.Halted && t.Halt != nil {
			e.metrics.Halt(string(t.Halt.Scope))
		}
	}
}

// Tick advances engine time: the trading day, halt expiry, recovery
// windows, month boundaries and signal expiry.
func (e *Engine) Tick(now time.Time) {
	if e.state.Roll(now) {
		e.log.Info("trading day rolled", "day", e.state.DayStart(now).Format("2006-01-02"))
	}
	e.stop.Tick(now)
	e.months.Tick(now)
	if e.queue != nil {
		for _, s := range e.queue.Sweep() {
			e.log.Info("signal expired", "signal", s.ID, "symbol", s.Symbol, "attempts", s.Attempts)
		}
	}
	e.persistRisk(now)
}

// ResetHalt clears a halt by operator action and restarts the loss streak.
func (e *Engine) ResetHalt(by string) error {
	now := e.clock.Now()
	if err := e.stop.Reset(now, by); err != nil {
		return err
	}
	e.state.ResetStreak()
	e.persistRisk(now)
	return nil
}

// Run ticks the engine every interval until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			e.Tick(e.clock.Now())
		}
	}
}
