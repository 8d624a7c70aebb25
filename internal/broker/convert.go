package broker

import (
	"strings"

	"github.com/eddiefleurent/csp-scanner/internal/strategy"
)

// ImpliedVolatility returns the mid implied volatility, falling back to the
// smoothed volatility when the mid is not quoted. 0 means unknown.
func (o Option) ImpliedVolatility() float64 {
	if o.Greeks == nil {
		return 0
	}
	if o.Greeks.MidIV > 0 {
		return o.Greeks.MidIV
	}
	if o.Greeks.SmvVol > 0 {
		return o.Greeks.SmvVol
	}
	return 0
}

// Contract normalizes the option into the engine's contract type.
func (o Option) Contract() strategy.Contract {
	c := strategy.Contract{
		Symbol:       o.Symbol,
		Type:         strategy.OptionType(strings.ToLower(strings.TrimSpace(o.OptionType))),
		Strike:       o.Strike,
		Ask:          o.Ask,
		Volatility:   o.ImpliedVolatility(),
		Volume:       o.Volume,
		OpenInterest: o.OpenInterest,
		Expiration:   o.ExpirationDate,
	}
	if o.Bid != nil {
		bid := *o.Bid
		c.Bid = &bid
	}
	if o.Greeks != nil {
		c.Delta = o.Greeks.Delta
	}
	return c
}

// Contracts normalizes a whole chain, preserving order.
func Contracts(options []Option) []strategy.Contract {
	out := make([]strategy.Contract, len(options))
	for i, o := range options {
		out[i] = o.Contract()
	}
	return out
}

// Underlying builds the engine's underlying from a quote. ok is false when
// the quote carries no usable last price.
func (q *QuoteItem) Underlying() (strategy.Underlying, bool) {
	if q == nil || q.Last <= 0 {
		return strategy.Underlying{}, false
	}
	return strategy.Underlying{
		Symbol:        q.Symbol,
		Price:         q.Last,
		AverageVolume: q.AverageVolume,
	}, true
}
