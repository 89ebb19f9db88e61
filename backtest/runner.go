// Package backtest replays a bar feed through the engine with simulated
// stop and target fills.
package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/rustyeddy/tradegate/engine"
	"github.com/rustyeddy/tradegate/estop"
	"github.com/rustyeddy/tradegate/internal/id"
	"github.com/rustyeddy/tradegate/journal"
	"github.com/rustyeddy/tradegate/ledger"
	"github.com/rustyeddy/tradegate/risk"
)

// Options controls how the runner behaves.
type Options struct {
	// CloseEnd closes open positions at the last close of each symbol.
	// Close reason will be CloseReason (or "end-of-replay" if empty).
	CloseEnd    bool
	CloseReason string

	// StopATR derives a stop StopATR*ATR away from the close for bars
	// that carry no explicit stop.
	StopATR float64
	// RewardRisk derives a target at RewardRisk times the stop distance
	// for bars that carry no explicit target. 0 means no target.
	RewardRisk float64

	Dataset string
	Profile string
	Sizer   string
}

// Runner drives an engine built without a queue through a feed. Clock
// must be the engine's clock.
type Runner struct {
	Engine  *engine.Engine
	Clock   *engine.ManualClock
	Feed    Feed
	Options Options
	Logger  *slog.Logger
}

// Run replays the feed:
//  1. advance the clock to the bar and tick the engine
//  2. fill stops and targets hit inside the bar
//  3. act on the bar's decision at its close
//
// Bars must arrive in non-decreasing time order.
func (r *Runner) Run(ctx context.Context) (journal.Run, error) {
	if r.Engine == nil {
		return journal.Run{}, fmt.Errorf("backtest: Engine is required")
	}
	if r.Clock == nil {
		return journal.Run{}, fmt.Errorf("backtest: Clock is required")
	}
	if r.Feed == nil {
		return journal.Run{}, fmt.Errorf("backtest: Feed is required")
	}
	if r.Engine.Queue() != nil {
		return journal.Run{}, fmt.Errorf("backtest: engine must not have a signal queue")
	}
	defer r.Feed.Close()

	log := r.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "backtest")

	s := &session{
		Runner: r,
		log:    log,
		last:   make(map[string]Bar),
		run: journal.Run{
			RunID:        id.New(),
			Created:      time.Now().UTC(),
			Dataset:      r.Options.Dataset,
			Profile:      r.Options.Profile,
			Sizer:        r.Options.Sizer,
			StartBalance: r.Engine.Ledger().Snapshot().Balance,
			Rejections:   make(map[string]int),
		},
	}
	r.Engine.Ledger().Subscribe(ledger.ListenerFunc(s.onFill))
	r.Engine.Stop().Subscribe(func(t estop.Transition) {
		if t.To == estop.Halted {
			s.run.Halts++
		}
	})

	for {
		if err := ctx.Err(); err != nil {
			return s.run, err
		}
		b, ok, err := r.Feed.Next()
		if err != nil {
			return s.run, err
		}
		if !ok {
			break
		}
		if err := s.step(ctx, b); err != nil {
			return s.run, err
		}
	}

	if r.Options.CloseEnd {
		reason := r.Options.CloseReason
		if reason == "" {
			reason = "end-of-replay"
		}
		for _, p := range r.Engine.Positions() {
			b := s.last[p.Symbol]
			if _, err := r.Engine.Close(p.ID, b.Close, s.run.End, reason); err != nil {
				return s.run, err
			}
		}
	}

	s.run.EndBalance = r.Engine.Ledger().Snapshot().Balance
	s.run.Monthly = r.Engine.Months().Records()
	log.Info("backtest complete",
		"run", s.run.RunID, "trades", s.run.Trades, "rejected", s.run.Rejected, "halts", s.run.Halts,
		"start_balance", s.run.StartBalance, "end_balance", s.run.EndBalance, "max_dd_pct", s.run.MaxDDPct)
	return s.run, nil
}

type session struct {
	*Runner
	log  *slog.Logger
	run  journal.Run
	last map[string]Bar
}

func (s *session) onFill(ev ledger.Event) {
	if dd := ev.After.Drawdown() * 100; dd > s.run.MaxDDPct {
		s.run.MaxDDPct = dd
	}
	if !ev.Fill.Exit {
		return
	}
	s.run.Trades++
	switch {
	case ev.Fill.RealizedPL > 0:
		s.run.Wins++
	case ev.Fill.RealizedPL < 0:
		s.run.Losses++
	}
}

func (s *session) step(ctx context.Context, b Bar) error {
	if !s.run.End.IsZero() && b.Time.Before(s.run.End) {
		return fmt.Errorf("backtest: bar %s at %s is before %s", b.Symbol, b.Time.Format(time.RFC3339), s.run.End.Format(time.RFC3339))
	}
	if s.run.Start.IsZero() {
		s.run.Start = b.Time
	}
	s.run.End = b.Time
	s.last[b.Symbol] = b

	s.Clock.Set(b.Time)
	s.Engine.Tick(b.Time)

	// 1) Exits inside this bar.
	var open *engine.Position
	for _, p := range s.Engine.Positions() {
		if p.Symbol != b.Symbol {
			continue
		}
		if px, reason, hit := checkExit(p, b); hit {
			if _, err := s.Engine.Close(p.ID, px, b.Time, reason); err != nil {
				return err
			}
			continue
		}
		pc := p
		open = &pc
	}

	if b.Direction != risk.Long && b.Direction != risk.Short {
		return nil
	}

	// 2) Decision at the close. A reversal closes the open position first.
	if open != nil {
		if open.Direction == b.Direction {
			return nil
		}
		if _, err := s.Engine.Close(open.ID, b.Close, b.Time, "reversal"); err != nil {
			return err
		}
	}

	in := s.intent(b)
	tk, err := s.Engine.Open(ctx, in)
	if err != nil {
		if tk.Decision.Code() == "" {
			return err
		}
		s.log.Debug("intent skipped", "symbol", b.Symbol, "time", b.Time, "err", err)
	}
	if !tk.Decision.Allowed {
		s.run.Rejected++
		s.run.Rejections[tk.Decision.Code()]++
	}
	return nil
}

func (s *session) intent(b Bar) risk.TradeIntent {
	sign := b.Direction.Sign()
	stop := b.Stop
	if stop == 0 && b.ATR > 0 && s.Options.StopATR > 0 {
		stop = b.Close - sign*s.Options.StopATR*b.ATR
	}
	target := b.Target
	if target == 0 && stop != 0 && s.Options.RewardRisk > 0 {
		dist := b.Close - stop
		if dist < 0 {
			dist = -dist
		}
		target = b.Close + sign*s.Options.RewardRisk*dist
	}
	return risk.TradeIntent{
		Symbol:    b.Symbol,
		Direction: b.Direction,
		Strength:  b.Strength,
		Time:      b.Time,
		Strategy:  b.Strategy,
		Price:     b.Close,
		Stop:      stop,
		Target:    target,
		TrueRange: b.ATR,
	}
}

// checkExit reports whether the bar's range crossed the position's stop
// or target. When both are inside one bar the stop is assumed to fill
// first.
func checkExit(p engine.Position, b Bar) (price float64, reason string, hit bool) {
	if hitStop(p, b) {
		return p.Stop, "stop", true
	}
	if hitTarget(p, b) {
		return p.Target, "target", true
	}
	return 0, "", false
}

func hitStop(p engine.Position, b Bar) bool {
	if p.Stop == 0 {
		return false
	}
	if p.Direction == risk.Long {
		return b.Low <= p.Stop
	}
	return b.High >= p.Stop
}

func hitTarget(p engine.Position, b Bar) bool {
	if p.Target == 0 {
		return false
	}
	if p.Direction == risk.Long {
		return b.High >= p.Target
	}
	return b.Low <= p.Target
}

// Summary lines for the console, ordered for stable output.
func Summary(r journal.Run) []string {
	lines := []string{
		fmt.Sprintf("Run ID:        %s", r.RunID),
		fmt.Sprintf("Period:        %s .. %s", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339)),
		fmt.Sprintf("Start Balance: %.2f", r.StartBalance),
		fmt.Sprintf("End Balance:   %.2f", r.EndBalance),
		fmt.Sprintf("Net P/L:       %.2f (%.2f%%)", r.NetPL(), r.ReturnPct()),
		fmt.Sprintf("Max Drawdown:  %.2f%%", r.MaxDDPct),
		fmt.Sprintf("Trades:        %d (%d wins, %d losses, %.2f%% win rate)", r.Trades, r.Wins, r.Losses, r.WinRate()*100),
		fmt.Sprintf("Rejected:      %d", r.Rejected),
		fmt.Sprintf("Halts:         %d", r.Halts),
	}
	codes := make([]string, 0, len(r.Rejections))
	for c := range r.Rejections {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	for _, c := range codes {
		lines = append(lines, fmt.Sprintf("  %-14s %d", c+":", r.Rejections[c]))
	}
	return lines
}
