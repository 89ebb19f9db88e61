// Package sizing turns a trade intent and a risk budget into a quantity.
package sizing

import (
	"errors"
	"fmt"
	"math"

	"github.com/rustyeddy/tradegate/config"
	"github.com/rustyeddy/tradegate/ledger"
	"github.com/rustyeddy/tradegate/risk"
)

var (
	// ErrInvalidStop is returned when the stop distance is zero or not finite.
	ErrInvalidStop = errors.New("sizing: stop distance must be positive and finite")
	// ErrNoEdge is returned when the sizer would risk nothing.
	ErrNoEdge = errors.New("sizing: no positive risk allocation")
)

// Budget is the risk allowance for one order.
type Budget struct {
	RiskFraction        float64 // fraction of balance to risk at the stop
	Multiplier          float64 // emergency-stop multiplier, 1 when normal
	MaxPositionFraction float64 // notional cap as a fraction of balance
	QuoteToAccount      float64 // 1 when quote and account currency match
	QuantityStep        float64 // lot step, 0 for continuous quantities
	ScaleByStrength     bool
}

// Sizer computes a sized order for an intent.
type Sizer interface {
	Size(in risk.TradeIntent, b Budget, acct ledger.Account) (risk.SizedOrder, error)
}

// New builds the sizer named by cfg.Method. history feeds the Kelly sizer
// and may be nil for the others.
func New(cfg config.SizingConfig, history *Tracker) (Sizer, error) {
	switch cfg.Method {
	case "", "fixed":
		return FixedFractional{}, nil
	case "volatility":
		return VolatilityScaled{Target: cfg.TargetVolatility, MaxMultiplier: cfg.MaxVolMultiplier}, nil
	case "kelly":
		if history == nil {
			return nil, fmt.Errorf("sizing: kelly sizer needs a trade history")
		}
		return CappedKelly{
			History:   history,
			Fraction:  cfg.KellyFraction,
			Ceiling:   cfg.KellyCeiling,
			MinTrades: cfg.KellyMinTrades,
		}, nil
	}
	return nil, fmt.Errorf("sizing: unknown method %q", cfg.Method)
}

// build turns a risk fraction into an order. It is shared by every sizer
// so stop validation, strength scaling and clipping are uniform.
func build(in risk.TradeIntent, b Budget, acct ledger.Account, fraction float64) (risk.SizedOrder, error) {
	if err := in.Validate(); err != nil {
		return risk.SizedOrder{}, err
	}
	dist := in.StopDistance()
	if in.Stop == 0 || dist == 0 || math.IsNaN(dist) || math.IsInf(dist, 0) {
		return risk.SizedOrder{}, fmt.Errorf("%w: %s price %v stop %v", ErrInvalidStop, in.Symbol, in.Price, in.Stop)
	}

	q2a := b.QuoteToAccount
	if q2a <= 0 {
		q2a = 1
	}
	mult := b.Multiplier
	if mult <= 0 || mult > 1 {
		mult = 1
	}
	if b.ScaleByStrength {
		fraction *= math.Min(in.Strength, 1)
	}
	fraction *= mult
	if fraction <= 0 || math.IsNaN(fraction) {
		return risk.SizedOrder{}, fmt.Errorf("%w: fraction %v", ErrNoEdge, fraction)
	}

	qty := acct.Balance * fraction / (dist * q2a)

	if b.MaxPositionFraction > 0 {
		maxQty := b.MaxPositionFraction * acct.Balance / (in.Price * q2a)
		if qty > maxQty {
			qty = maxQty
		}
	}
	if b.QuantityStep > 0 {
		qty = math.Floor(qty/b.QuantityStep) * b.QuantityStep
	}
	if qty <= 0 || math.IsNaN(qty) || math.IsInf(qty, 0) {
		return risk.SizedOrder{}, fmt.Errorf("%w: quantity %v below minimum", ErrNoEdge, qty)
	}

	return risk.SizedOrder{
		Intent:     in,
		Quantity:   qty,
		StopPrice:  in.Stop,
		Target:     in.Target,
		RiskAmount: risk.WorstCaseLoss(qty, in.Price, in.Stop, q2a),
	}, nil
}

// FixedFractional risks a constant fraction of balance per trade:
// quantity = balance * fraction / stopDistance.
type FixedFractional struct{}

func (FixedFractional) Size(in risk.TradeIntent, b Budget, acct ledger.Account) (risk.SizedOrder, error) {
	return build(in, b, acct, b.RiskFraction)
}
