package session

import (
	"math"

	"github.com/openclaw/openclaw/internal/common/config"
)

// modelPrice holds one model's rates in micro-units per million tokens.
// Keeping prices integral makes cost arithmetic exact.
type modelPrice struct {
	inputMicros      int64
	outputMicros     int64
	cacheReadMicros  int64
	cacheWriteMicros int64
}

// priceTable maps model name to its price schedule.
type priceTable map[string]modelPrice

// newPriceTable converts the configured currency-per-million-token rates to
// micro-units.
func newPriceTable(prices map[string]config.ModelPrice) priceTable {
	table := make(priceTable, len(prices))
	for model, p := range prices {
		table[model] = modelPrice{
			inputMicros:      toMicros(p.Input),
			outputMicros:     toMicros(p.Output),
			cacheReadMicros:  toMicros(p.CacheRead),
			cacheWriteMicros: toMicros(p.CacheWrite),
		}
	}
	return table
}

func toMicros(v float64) int64 {
	return int64(math.Round(v * 1_000_000))
}

// cost computes the micro-unit cost of a usage delta, rounding toward
// positive infinity once per record. Returns (0, false) for unknown models.
func (t priceTable) cost(model string, tokensIn, tokensOut, cacheRead, cacheWrite int64) (int64, bool) {
	p, ok := t[model]
	if !ok {
		return 0, false
	}
	numerator := tokensIn*p.inputMicros +
		tokensOut*p.outputMicros +
		cacheRead*p.cacheReadMicros +
		cacheWrite*p.cacheWriteMicros
	return ceilDiv(numerator, 1_000_000), true
}

// ceilDiv divides non-negative integers rounding up.
func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
