package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/tradegate/bridge"
	"github.com/rustyeddy/tradegate/estop"
	"github.com/rustyeddy/tradegate/monthly"
)

// streakWarning is the loss streak that produces a warning regardless of
// the breaker setting.
const streakWarning = 3

// Status is the risk report served on /status and printed by the CLI.
type Status struct {
	Time    time.Time `json:"time"`
	Profile string    `json:"profile"`
	Live    bool      `json:"live"`

	Balance     float64 `json:"balance"`
	Inception   float64 `json:"inception"`
	Peak        float64 `json:"peak"`
	Drawdown    float64 `json:"drawdown"`
	DrawdownPct float64 `json:"drawdown_pct"`

	DayPL             float64 `json:"day_pl"`
	DailyLoss         float64 `json:"daily_loss"`
	DailyLimit        float64 `json:"daily_limit"`
	DailyUsed         float64 `json:"daily_used"` // fraction of the daily limit
	OverallLimit      float64 `json:"overall_limit"`
	OverallUsed       float64 `json:"overall_used"`
	Reserved          float64 `json:"reserved"`
	TradesToday       int     `json:"trades_today"`
	MaxTradesPerDay   int     `json:"max_trades_per_day"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
	OpenPositions     int     `json:"open_positions"`

	EStop        string    `json:"estop_state"`
	HaltScope    string    `json:"halt_scope,omitempty"`
	HaltReason   string    `json:"halt_reason,omitempty"`
	HaltedAt     time.Time `json:"halted_at,omitempty"`
	Multiplier   float64   `json:"risk_multiplier"`
	RecoverUntil time.Time `json:"recover_until,omitempty"`

	Queue           *bridge.QueueStatus `json:"queue,omitempty"`
	BridgeReachable bool                `json:"bridge_reachable"`

	Month *monthly.Record `json:"month,omitempty"`

	Warnings []string `json:"warnings"`
}

// Status reports the account, limit utilization, the emergency stop and
// the bridge as of now.
func (e *Engine) Status() Status {
	now := e.clock.Now()
	acct := e.ledger.Snapshot()
	snap := e.state.Snapshot()
	st := e.stop.Status()
	lim := e.gate.Limits

	s := Status{
		Time:              now,
		Profile:           e.cfg.Profile.Name,
		Live:              e.queue != nil,
		Balance:           acct.Balance,
		Inception:         acct.Inception,
		Peak:              acct.Peak,
		Drawdown:          acct.DrawdownAmount(),
		DrawdownPct:       acct.Drawdown() * 100,
		DayPL:             snap.DayPL,
		DailyLoss:         snap.DailyLoss(),
		DailyLimit:        lim.DailyLoss,
		DailyUsed:         ratio(snap.DailyLoss(), lim.DailyLoss),
		OverallLimit:      lim.OverallDrawdown,
		OverallUsed:       ratio(acct.DrawdownAmount(), lim.OverallDrawdown),
		Reserved:          snap.ReservedTotal(),
		TradesToday:       snap.TradesToday,
		MaxTradesPerDay:   lim.MaxTradesPerDay,
		ConsecutiveLosses: snap.ConsecutiveLosses,
		OpenPositions:     len(e.Positions()),
		EStop:             st.State.String(),
		Multiplier:        st.Multiplier,
		RecoverUntil:      st.RecoverUntil,
		BridgeReachable:   true,
		Warnings:          []string{},
	}
	if h := st.Halt; h != nil {
		s.HaltScope = string(h.Scope)
		s.HaltReason = h.Reason
		s.HaltedAt = h.At
	}
	if m, ok := e.months.Current(); ok {
		s.Month = &m
	}

	if e.queue != nil {
		qs := e.queue.Status()
		s.Queue = &qs
		s.BridgeReachable = qs.Reachable
		if err := e.queue.Health(); errors.Is(err, bridge.ErrUnreachable) {
			s.BridgeReachable = false
			s.Warnings = append(s.Warnings, fmt.Sprintf("bridge unreachable: %d signals waiting, last poll %s",
				qs.Active, lastPoll(qs.LastPoll)))
		}
	}

	warn := e.cfg.Profile.WarnRatio
	if st.State == estop.Halted {
		s.Warnings = append(s.Warnings, fmt.Sprintf("trading halted (%s): %s", s.HaltScope, s.HaltReason))
	}
	if warn > 0 && s.DailyUsed >= warn {
		s.Warnings = append(s.Warnings, fmt.Sprintf("daily loss at %.0f%% of limit", s.DailyUsed*100))
	}
	if warn > 0 && s.OverallUsed >= warn {
		s.Warnings = append(s.Warnings, fmt.Sprintf("drawdown at %.0f%% of limit", s.OverallUsed*100))
	}
	if s.ConsecutiveLosses >= streakWarning {
		s.Warnings = append(s.Warnings, fmt.Sprintf("%d consecutive losses", s.ConsecutiveLosses))
	}
	if s.MaxTradesPerDay > 0 && s.TradesToday >= s.MaxTradesPerDay {
		s.Warnings = append(s.Warnings, "daily trade count reached")
	}
	return s
}

func ratio(v, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return v / limit
}

func lastPoll(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}
