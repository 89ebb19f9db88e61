package sizing

import (
	"math"
	"sync"

	"github.com/rustyeddy/tradegate/ledger"
	"github.com/rustyeddy/tradegate/risk"
)

// Tracker keeps the realized P&L of the most recent closed trades. It
// listens to the ledger.
type Tracker struct {
	mu   sync.Mutex
	size int
	pls  []float64
}

func NewTracker(lookback int) *Tracker {
	if lookback <= 0 {
		lookback = 100
	}
	return &Tracker{size: lookback}
}

func (t *Tracker) OnLedgerChanged(ev ledger.Event) {
	if !ev.Fill.Exit || ev.Fill.RealizedPL == 0 {
		return
	}
	t.Add(ev.Fill.RealizedPL)
}

// Add records one closed trade.
func (t *Tracker) Add(pl float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pls = append(t.pls, pl)
	if len(t.pls) > t.size {
		t.pls = t.pls[len(t.pls)-t.size:]
	}
}

// Stats returns trade count, win rate and average win / average loss.
func (t *Tracker) Stats() (n int, winRate, payoff float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var wins, losses int
	var sumWin, sumLoss float64
	for _, pl := range t.pls {
		if pl > 0 {
			wins++
			sumWin += pl
		} else {
			losses++
			sumLoss -= pl
		}
	}
	n = len(t.pls)
	if n == 0 {
		return 0, 0, 0
	}
	winRate = float64(wins) / float64(n)
	switch {
	case wins == 0:
		payoff = 0
	case losses == 0 || sumLoss == 0:
		payoff = math.Inf(1)
	default:
		payoff = (sumWin / float64(wins)) / (sumLoss / float64(losses))
	}
	return n, winRate, payoff
}

// CappedKelly risks a fraction of the Kelly optimum f = (b*p - q) / b,
// clipped to Ceiling. Until MinTrades trades are known it sizes as fixed.
type CappedKelly struct {
	History   *Tracker
	Fraction  float64 // of full Kelly, e.g. 0.25
	Ceiling   float64 // hard cap on the risked fraction, <= 0.25
	MinTrades int
}

// KellyFraction is the full Kelly fraction for win rate p and payoff b,
// floored at zero.
func KellyFraction(p, b float64) float64 {
	if b <= 0 || p <= 0 {
		return 0
	}
	if math.IsInf(b, 1) {
		return 1
	}
	f := (b*p - (1 - p)) / b
	if f < 0 {
		return 0
	}
	return f
}

// Allocation is the fraction of balance risked for win rate p and payoff b.
func (k CappedKelly) Allocation(p, b float64) float64 {
	f := KellyFraction(p, b) * k.Fraction
	ceiling := k.Ceiling
	if ceiling <= 0 || ceiling > 0.25 {
		ceiling = 0.25
	}
	return math.Min(f, ceiling)
}

func (k CappedKelly) Size(in risk.TradeIntent, b Budget, acct ledger.Account) (risk.SizedOrder, error) {
	if k.History == nil {
		return build(in, b, acct, b.RiskFraction)
	}
	n, p, payoff := k.History.Stats()
	if n < k.MinTrades {
		return build(in, b, acct, b.RiskFraction)
	}
	return build(in, b, acct, k.Allocation(p, payoff))
}
