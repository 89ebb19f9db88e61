package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/rustyeddy/tradegate/ledger"
)

// Rejection codes, in evaluation order.
const (
	CodeInvalid      = "invalid-order"
	CodeHalted       = "halted"
	CodeDailyLimit   = "daily-limit"
	CodeOverallLimit = "overall-limit"
	CodeRateLimit    = "rate-limit"
	CodeCooldown     = "cooldown"
)

// Outcome of a gate evaluation.
type Outcome int

const (
	Reject Outcome = iota
	Accept
	ScaleDown
)

func (o Outcome) String() string {
	switch o {
	case Accept:
		return "accept"
	case ScaleDown:
		return "scale-down"
	}
	return "reject"
}

// Violation is a structured risk-limit breach. It satisfies error so
// callers that want one can return it directly.
type Violation struct {
	Code string
	Msg  string
}

func (v Violation) Error() string {
	return v.Code + ": " + v.Msg
}

type Decision struct {
	Allowed    bool
	Outcome    Outcome
	Violations []Violation

	// Order is the order as accepted; for ScaleDown its quantity and risk
	// are reduced to the per-trade cap.
	Order SizedOrder

	PlannedRisk    float64
	PlannedRiskPct float64
	PlannedRR      float64
}

func (d *Decision) add(code, msg string) {
	d.Violations = append(d.Violations, Violation{Code: code, Msg: msg})
	d.Allowed = false
	d.Outcome = Reject
}

// Code returns the first violation code, or "" when allowed.
func (d Decision) Code() string {
	if len(d.Violations) == 0 {
		return ""
	}
	return d.Violations[0].Code
}

// Err returns the first violation as an error, or nil when allowed.
func (d Decision) Err() error {
	if len(d.Violations) == 0 {
		return nil
	}
	return d.Violations[0]
}

// Halt is the emergency-stop view the gate needs.
type Halt struct {
	Active     bool
	Reason     string
	Multiplier float64 // applied to the per-trade cap, 1 when normal
}

// Gate runs the ordered risk pipeline. The first failing check wins.
type Gate struct {
	Limits Limits
}

func NewGate(l Limits) *Gate {
	return &Gate{Limits: l}
}

// Evaluate decides on a sized order and, when it passes, reserves its
// risk under reservationID in st. Check and reservation happen under the
// state lock so concurrent evaluations cannot jointly overrun a limit.
func (g *Gate) Evaluate(reservationID string, o SizedOrder, st *State, acct ledger.Account, halt Halt, now time.Time) Decision {
	d := Decision{Allowed: true, Outcome: Accept, Order: o}

	if err := validateOrder(o); err != nil {
		d.add(CodeInvalid, err.Error())
		return d
	}

	mult := halt.Multiplier
	if mult <= 0 || mult > 1 {
		mult = 1
	}
	capAmt := g.Limits.PerTradeCap * acct.Balance * mult

	// Effective worst case is what will actually be placed.
	worst := o.RiskAmount
	if capAmt > 0 && worst > capAmt {
		worst = capAmt
	}
	d.PlannedRisk = worst
	d.PlannedRiskPct = RiskPct(worst, acct.Balance)
	d.PlannedRR = RR(o.Intent.Price, o.StopPrice, o.Target)

	st.mu.Lock()
	defer st.mu.Unlock()
	st.rollLocked(now)

	if halt.Active {
		reason := halt.Reason
		if reason == "" {
			reason = "emergency stop active"
		}
		d.add(CodeHalted, reason)
		return d
	}

	snap := st.snapshotLocked()
	reserved := snap.ReservedTotal()

	if daily := snap.DailyLoss() + reserved + worst; daily > g.Limits.DailyLoss {
		d.add(CodeDailyLimit, fmt.Sprintf("daily loss %.2f + reserved %.2f + order %.2f exceeds limit %.2f",
			snap.DailyLoss(), reserved, worst, g.Limits.DailyLoss))
		return d
	}

	if overall := acct.DrawdownAmount() + reserved + worst; overall > g.Limits.OverallDrawdown {
		d.add(CodeOverallLimit, fmt.Sprintf("drawdown %.2f + reserved %.2f + order %.2f exceeds limit %.2f",
			acct.DrawdownAmount(), reserved, worst, g.Limits.OverallDrawdown))
		return d
	}

	if st.tradesToday >= g.Limits.MaxTradesPerDay {
		d.add(CodeRateLimit, fmt.Sprintf("trades today %d >= max %d", st.tradesToday, g.Limits.MaxTradesPerDay))
		return d
	}

	if last, ok := st.lastAccept[o.Intent.Symbol]; ok && g.Limits.Cooldown > 0 {
		if since := now.Sub(last); since < g.Limits.Cooldown {
			d.add(CodeCooldown, fmt.Sprintf("%s last accepted %s ago, cooldown %s",
				o.Intent.Symbol, since.Round(time.Second), g.Limits.Cooldown))
			return d
		}
	}

	if worst < o.RiskAmount {
		scale := worst / o.RiskAmount
		d.Outcome = ScaleDown
		d.Order.Quantity = o.Quantity * scale
		d.Order.RiskAmount = worst
	}

	st.reserved[reservationID] += d.Order.RiskAmount
	st.tradesToday++
	st.lastAccept[o.Intent.Symbol] = now
	return d
}

func validateOrder(o SizedOrder) error {
	switch {
	case !finite(o.Quantity) || o.Quantity <= 0:
		return &ValidationError{Field: "quantity", Msg: fmt.Sprintf("must be positive, got %v", o.Quantity)}
	case !finite(o.RiskAmount) || o.RiskAmount <= 0:
		return &ValidationError{Field: "risk_amount", Msg: fmt.Sprintf("must be positive, got %v", o.RiskAmount)}
	case o.Intent.Symbol == "":
		return &ValidationError{Field: "symbol", Msg: "is required"}
	case math.IsNaN(o.StopPrice):
		return &ValidationError{Field: "stop", Msg: "is NaN"}
	}
	return nil
}
