package risk

import "math"

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// WorstCaseLoss is the account-currency loss if the stop is hit.
// quoteToAccount converts quote currency to account currency (1.0 when
// they match, e.g. XAUUSD in a USD account).
func WorstCaseLoss(quantity, entry, stop, quoteToAccount float64) float64 {
	return abs(quantity) * abs(entry-stop) * quoteToAccount
}

// RR is reward over risk for an entry/stop/target triple.
func RR(entry, stop, target float64) float64 {
	risk := abs(entry - stop)
	reward := abs(target - entry)
	if risk == 0 || target == 0 {
		return 0
	}
	return reward / risk
}

// RiskPct is the fraction of equity at risk. Zero or negative equity is
// infinite risk.
func RiskPct(riskAmount, equity float64) float64 {
	if equity <= 0 {
		return math.Inf(1)
	}
	return riskAmount / equity
}
