package sizing

import (
	"math"

	"github.com/rustyeddy/tradegate/ledger"
	"github.com/rustyeddy/tradegate/risk"
)

// VolatilityScaled scales the risk fraction by Target / (trueRange/price),
// so quiet markets get more size and noisy ones less. The scale never
// exceeds MaxMultiplier. Intents without a true range size as fixed.
type VolatilityScaled struct {
	Target        float64 // normalized volatility that earns a 1x scale, e.g. 0.01
	MaxMultiplier float64 // e.g. 2
}

func (v VolatilityScaled) Scale(in risk.TradeIntent) float64 {
	if in.TrueRange <= 0 || in.Price <= 0 || v.Target <= 0 {
		return 1
	}
	s := v.Target / (in.TrueRange / in.Price)
	if v.MaxMultiplier > 0 {
		s = math.Min(s, v.MaxMultiplier)
	}
	return s
}

func (v VolatilityScaled) Size(in risk.TradeIntent, b Budget, acct ledger.Account) (risk.SizedOrder, error) {
	return build(in, b, acct, b.RiskFraction*v.Scale(in))
}
