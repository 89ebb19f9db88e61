package risk

import (
	"fmt"
	"strings"
	"time"

	"github.com/rustyeddy/tradegate/config"
)

// Direction of a trade intent.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
	Flat  Direction = "flat"
)

// ParseDirection accepts long/short/flat and the buy/sell aliases used by
// signal sources.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return Long, nil
	case "short", "sell":
		return Short, nil
	case "flat", "none", "":
		return Flat, nil
	}
	return "", &ValidationError{Field: "direction", Msg: fmt.Sprintf("unknown direction %q", s)}
}

// Sign is +1 for long, -1 for short and 0 for flat.
func (d Direction) Sign() float64 {
	switch d {
	case Long:
		return 1
	case Short:
		return -1
	}
	return 0
}

// TradeIntent is a strategy's abstract decision. It is consumed once.
type TradeIntent struct {
	Symbol    string
	Direction Direction
	Strength  float64 // 0..1, scales the risk fraction
	Time      time.Time
	Strategy  string

	Price  float64 // reference entry price
	Stop   float64 // protective stop, required
	Target float64 // optional take-profit

	// TrueRange is the recent average true range in price units, used by
	// the volatility-scaled sizer.
	TrueRange float64
}

// StopDistance is |price - stop|.
func (t TradeIntent) StopDistance() float64 {
	return abs(t.Price - t.Stop)
}

// Validate checks the fields every sizer relies on.
func (t TradeIntent) Validate() error {
	switch {
	case t.Symbol == "":
		return &ValidationError{Field: "symbol", Msg: "is required"}
	case t.Direction != Long && t.Direction != Short:
		return &ValidationError{Field: "direction", Msg: fmt.Sprintf("%q is not tradable", t.Direction)}
	case t.Time.IsZero():
		return &ValidationError{Field: "time", Msg: "is required"}
	case !finite(t.Price) || t.Price <= 0:
		return &ValidationError{Field: "price", Msg: fmt.Sprintf("must be positive, got %v", t.Price)}
	case !finite(t.Strength) || t.Strength < 0:
		return &ValidationError{Field: "strength", Msg: fmt.Sprintf("must be >= 0, got %v", t.Strength)}
	}
	if t.Stop != 0 && t.Direction.Sign()*(t.Price-t.Stop) < 0 {
		return &ValidationError{Field: "stop", Msg: fmt.Sprintf("%v is on the wrong side of %v for %s", t.Stop, t.Price, t.Direction)}
	}
	return nil
}

// SizedOrder is an intent with quantity and committed risk.
type SizedOrder struct {
	Intent     TradeIntent
	Quantity   float64
	StopPrice  float64
	Target     float64
	RiskAmount float64 // account-currency loss at the stop
}

// Notional is quantity times reference price.
func (o SizedOrder) Notional() float64 {
	return abs(o.Quantity) * o.Intent.Price
}

// Limits are a profile resolved to account-currency amounts.
type Limits struct {
	DailyLoss       float64       // e.g. 400 on a 10k account
	OverallDrawdown float64       // e.g. 1000
	MaxTradesPerDay int           // 15
	Cooldown        time.Duration // 5m
	PerTradeCap     float64       // fraction of balance, 0.02
}

// LimitsFor resolves a profile against the inception balance.
func LimitsFor(p config.Profile, inception float64) Limits {
	return Limits{
		DailyLoss:       p.DailyLossLimit * inception,
		OverallDrawdown: p.OverallDrawdownLimit * inception,
		MaxTradesPerDay: p.MaxTradesPerDay,
		Cooldown:        p.Cooldown,
		PerTradeCap:     p.PerTradeRiskCap,
	}
}
