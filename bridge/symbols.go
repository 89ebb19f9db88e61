package bridge

import "strings"

// SymbolMap translates strategy symbols to broker symbols.
type SymbolMap map[string]string

// DefaultSymbols covers the feeds whose names differ from the broker's.
var DefaultSymbols = SymbolMap{
	"BTCUSDT": "BTCUSD",
	"ETHUSDT": "ETHUSD",
	"XRPUSDT": "XRPUSD",
	"ADAUSDT": "ADAUSD",
	"SPX500":  "SP500",
	"US30":    "DJ30",
}

// With returns a copy of m with overrides applied.
func (m SymbolMap) With(overrides map[string]string) SymbolMap {
	out := make(SymbolMap, len(m)+len(overrides))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range overrides {
		out[strings.ToUpper(k)] = v
	}
	return out
}

// Bridge returns the broker symbol for sym. Unmapped symbols pass
// through unchanged.
func (m SymbolMap) Bridge(sym string) string {
	if b, ok := m[strings.ToUpper(sym)]; ok {
		return b
	}
	return sym
}
