package sizing

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rustyeddy/tradegate/config"
	"github.com/rustyeddy/tradegate/ledger"
	"github.com/rustyeddy/tradegate/risk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var at = time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)

func intent(price, stop float64) risk.TradeIntent {
	return risk.TradeIntent{
		Symbol: "XAUUSD", Direction: risk.Long, Strength: 1, Time: at,
		Strategy: "test", Price: price, Stop: stop, Target: price + 2*(price-stop),
	}
}

func acct(balance float64) ledger.Account {
	return ledger.Account{Inception: balance, Balance: balance, Peak: balance, Trough: balance}
}

func TestFixedFractionalScenario(t *testing.T) {
	t.Parallel()

	o, err := FixedFractional{}.Size(intent(2000, 1950), Budget{RiskFraction: 0.02}, acct(10000))
	require.NoError(t, err)
	assert.InDelta(t, 4, o.Quantity, 1e-12)
	assert.InDelta(t, 200, o.RiskAmount, 1e-9)
	assert.Equal(t, 1950.0, o.StopPrice)
	assert.Equal(t, 2100.0, o.Target)
}

func TestZeroStopDistanceRejected(t *testing.T) {
	t.Parallel()

	sizers := []Sizer{
		FixedFractional{},
		VolatilityScaled{Target: 0.01, MaxMultiplier: 2},
		CappedKelly{History: NewTracker(10), Fraction: 0.25, Ceiling: 0.25},
	}
	for _, s := range sizers {
		_, err := s.Size(intent(2000, 2000), Budget{RiskFraction: 0.02}, acct(10000))
		assert.ErrorIs(t, err, ErrInvalidStop, "%T", s)

		_, err = s.Size(intent(2000, 0), Budget{RiskFraction: 0.02}, acct(10000))
		assert.ErrorIs(t, err, ErrInvalidStop, "%T", s)
	}
}

func TestInvalidIntentIsValidationError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		mod  func(*risk.TradeIntent)
	}{
		{"flat", func(in *risk.TradeIntent) { in.Direction = risk.Flat }},
		{"no symbol", func(in *risk.TradeIntent) { in.Symbol = "" }},
		{"nan price", func(in *risk.TradeIntent) { in.Price = math.NaN() }},
		{"stop above long entry", func(in *risk.TradeIntent) { in.Stop = 2050 }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := intent(2000, 1950)
			tt.mod(&in)
			_, err := FixedFractional{}.Size(in, Budget{RiskFraction: 0.02}, acct(10000))
			var ve *risk.ValidationError
			assert.True(t, errors.As(err, &ve), "got %v", err)
		})
	}
}

func TestPositionValueClip(t *testing.T) {
	t.Parallel()

	// 200 risk over a 1.0 stop wants 200 units = 400k notional.
	b := Budget{RiskFraction: 0.02, MaxPositionFraction: 2}
	o, err := FixedFractional{}.Size(intent(2000, 1999), b, acct(10000))
	require.NoError(t, err)
	assert.InDelta(t, 10, o.Quantity, 1e-9)
	assert.InDelta(t, 10, o.RiskAmount, 1e-9)
	assert.LessOrEqual(t, o.Notional(), 20000.0+1e-6)
}

func TestQuantityStepAndMultiplier(t *testing.T) {
	t.Parallel()

	b := Budget{RiskFraction: 0.02, Multiplier: 0.5, QuantityStep: 1}
	o, err := FixedFractional{}.Size(intent(2000, 1970), b, acct(10000))
	require.NoError(t, err)
	// 100 / 30 = 3.33 floored to 3
	assert.Equal(t, 3.0, o.Quantity)
	assert.InDelta(t, 90, o.RiskAmount, 1e-9)

	_, err = FixedFractional{}.Size(intent(2000, 1000), Budget{RiskFraction: 0.001, QuantityStep: 1}, acct(10000))
	assert.ErrorIs(t, err, ErrNoEdge)
}

func TestStrengthScaling(t *testing.T) {
	t.Parallel()

	in := intent(2000, 1950)
	in.Strength = 0.5
	o, err := FixedFractional{}.Size(in, Budget{RiskFraction: 0.02, ScaleByStrength: true}, acct(10000))
	require.NoError(t, err)
	assert.InDelta(t, 2, o.Quantity, 1e-12)

	in.Strength = 0
	_, err = FixedFractional{}.Size(in, Budget{RiskFraction: 0.02, ScaleByStrength: true}, acct(10000))
	assert.ErrorIs(t, err, ErrNoEdge)
}

func TestVolatilityScaled(t *testing.T) {
	t.Parallel()

	v := VolatilityScaled{Target: 0.01, MaxMultiplier: 2}

	calm := intent(2000, 1950)
	calm.TrueRange = 5 // 0.25% normalized, scale 4 capped to 2
	noisy := intent(2000, 1950)
	noisy.TrueRange = 40 // 2% normalized, scale 0.5

	assert.InDelta(t, 2, v.Scale(calm), 1e-12)
	assert.InDelta(t, 0.5, v.Scale(noisy), 1e-12)
	assert.InDelta(t, 1, v.Scale(intent(2000, 1950)), 1e-12)

	b := Budget{RiskFraction: 0.01}
	oc, err := v.Size(calm, b, acct(10000))
	require.NoError(t, err)
	on, err := v.Size(noisy, b, acct(10000))
	require.NoError(t, err)
	assert.InDelta(t, 4, oc.Quantity, 1e-9)
	assert.InDelta(t, 1, on.Quantity, 1e-9)
}

func TestKellyFraction(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 0.2, KellyFraction(0.6, 1), 1e-12)
	assert.InDelta(t, 0.25, KellyFraction(0.5, 2), 1e-12)
	assert.Equal(t, 0.0, KellyFraction(0.3, 1))
	assert.Equal(t, 0.0, KellyFraction(0.5, 0))

	k := CappedKelly{Fraction: 1, Ceiling: 0.25}
	assert.InDelta(t, 0.25, k.Allocation(0.9, 5), 1e-12)
	k.Ceiling = 0.9
	assert.InDelta(t, 0.25, k.Allocation(0.9, 5), 1e-12, "ceiling never exceeds 25%")
}

func TestCappedKellySizing(t *testing.T) {
	t.Parallel()

	tr := NewTracker(50)
	k := CappedKelly{History: tr, Fraction: 0.25, Ceiling: 0.25, MinTrades: 10}
	b := Budget{RiskFraction: 0.02}

	// Not enough history: fixed-fractional.
	o, err := k.Size(intent(2000, 1950), b, acct(10000))
	require.NoError(t, err)
	assert.InDelta(t, 4, o.Quantity, 1e-12)

	// 60% winners paying 2:1 -> f = (2*0.6 - 0.4)/2 = 0.4, quarter Kelly = 0.1
	for i := 0; i < 6; i++ {
		tr.Add(200)
	}
	for i := 0; i < 4; i++ {
		tr.Add(-100)
	}
	n, p, payoff := tr.Stats()
	assert.Equal(t, 10, n)
	assert.InDelta(t, 0.6, p, 1e-12)
	assert.InDelta(t, 2, payoff, 1e-12)

	o, err = k.Size(intent(2000, 1950), Budget{RiskFraction: 0.02, MaxPositionFraction: 100}, acct(10000))
	require.NoError(t, err)
	assert.InDelta(t, 20, o.Quantity, 1e-9)

	// A losing record has no edge.
	for i := 0; i < 50; i++ {
		tr.Add(-10)
	}
	_, err = k.Size(intent(2000, 1950), b, acct(10000))
	assert.ErrorIs(t, err, ErrNoEdge)
}

func TestTrackerListensToExitsOnly(t *testing.T) {
	t.Parallel()

	tr := NewTracker(3)
	tr.OnLedgerChanged(ledger.Event{Fill: ledger.Fill{RealizedPL: 5, Exit: false}})
	for _, pl := range []float64{1, -1, 2, 3} {
		tr.OnLedgerChanged(ledger.Event{Fill: ledger.Fill{RealizedPL: pl, Exit: true}})
	}
	n, p, _ := tr.Stats()
	assert.Equal(t, 3, n)
	assert.InDelta(t, 2.0/3, p, 1e-12)
}

func TestNew(t *testing.T) {
	t.Parallel()

	s, err := New(config.SizingConfig{Method: "fixed"}, nil)
	require.NoError(t, err)
	assert.IsType(t, FixedFractional{}, s)

	s, err = New(config.SizingConfig{Method: "volatility", TargetVolatility: 0.01, MaxVolMultiplier: 2}, nil)
	require.NoError(t, err)
	assert.IsType(t, VolatilityScaled{}, s)

	_, err = New(config.SizingConfig{Method: "kelly"}, nil)
	assert.Error(t, err)

	s, err = New(config.SizingConfig{Method: "kelly", KellyFraction: 0.25, KellyCeiling: 0.25}, NewTracker(10))
	require.NoError(t, err)
	assert.IsType(t, CappedKelly{}, s)

	_, err = New(config.SizingConfig{Method: "martingale"}, nil)
	assert.Error(t, err)
}
