// Package pricing provides the closed-form models used to score short puts:
// probability of expiring out-of-the-money and return on secured capital.
package pricing

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/stat/distuv"
)

// DaysPerYear is the day count used to convert DTE into years.
const DaysPerYear = 365.0

// ProbabilityPolicy names the formula used to estimate the probability of win.
type ProbabilityPolicy string

const (
	// PolicyDirect is the risk-neutral probability of finishing OTM, Φ(d2).
	PolicyDirect ProbabilityPolicy = "direct"
	// PolicyDeltaProxy approximates the probability as 1-|put delta|.
	PolicyDeltaProxy ProbabilityPolicy = "delta_proxy"
	// PolicyNone disables probability estimation and its filter gate.
	PolicyNone ProbabilityPolicy = "none"
)

// ParseProbabilityPolicy converts a config string into a policy. Empty selects PolicyDirect.
func ParseProbabilityPolicy(s string) (ProbabilityPolicy, error) {
	switch p := ProbabilityPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyDirect, nil
	case PolicyDirect, PolicyDeltaProxy, PolicyNone:
		return p, nil
	default:
		return "", fmt.Errorf("unknown probability policy %q (want direct, delta_proxy or none)", s)
	}
}

// Inputs holds the market parameters of a single put.
type Inputs struct {
	Spot         float64 // underlying price S
	Strike       float64 // strike K
	Days         int     // days to expiration
	Volatility   float64 // implied volatility σ, annualized decimal
	RiskFreeRate float64 // annual risk-free rate r, decimal
}

// Years returns the time to expiration T in years.
func (in Inputs) Years() float64 {
	return float64(in.Days) / DaysPerYear
}

// valid reports whether the inputs carry a usable statistical signal.
func (in Inputs) valid() bool {
	for _, v := range []float64{in.Spot, in.Strike, in.Volatility, in.RiskFreeRate} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return in.Spot > 0 && in.Strike > 0 && in.Volatility > 0 && in.Days > 0
}

// d1d2 returns the Black-Scholes d1 and d2 terms. Callers must check valid first.
func (in Inputs) d1d2() (float64, float64) {
	t := in.Years()
	volSqrtT := in.Volatility * math.Sqrt(t)
	d1 := (math.Log(in.Spot/in.Strike) + (in.RiskFreeRate+0.5*in.Volatility*in.Volatility)*t) / volSqrtT
	return d1, d1 - volSqrtT
}

// ProbabilityOfWin estimates the probability that a short put expires worthless.
// It returns 0 when σ ≤ 0, T ≤ 0 or any input is unusable; the result is always in [0,1].
func ProbabilityOfWin(policy ProbabilityPolicy, in Inputs) float64 {
	if policy == PolicyNone || !in.valid() {
		return 0
	}
	d1, d2 := in.d1d2()

	var p float64
	switch policy {
	case PolicyDeltaProxy:
		delta := distuv.UnitNormal.CDF(d1) - 1
		p = 1 - math.Abs(delta)
	default:
		p = distuv.UnitNormal.CDF(d2)
	}
	return clamp01(p)
}

// PutDelta returns the Black-Scholes delta of a put, Φ(d1)-1. Unusable inputs yield 0.
func PutDelta(in Inputs) float64 {
	if !in.valid() {
		return 0
	}
	d1, _ := in.d1d2()
	return distuv.UnitNormal.CDF(d1) - 1
}

// PutPrice returns the Black-Scholes value of a European put.
// Without a volatility or time signal the intrinsic value is returned.
func PutPrice(in Inputs) float64 {
	intrinsic := math.Max(in.Strike-in.Spot, 0)
	if !in.valid() {
		return intrinsic
	}
	d1, d2 := in.d1d2()
	discount := math.Exp(-in.RiskFreeRate * in.Years())
	price := in.Strike*discount*distuv.UnitNormal.CDF(-d2) - in.Spot*distuv.UnitNormal.CDF(-d1)
	return math.Max(price, 0)
}

func clamp01(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}
