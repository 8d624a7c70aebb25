package pricing

// SharesPerContract is the equity multiplier of a standard option contract.
const SharesPerContract = 100.0

// Collateral returns the cash required to secure one short put.
func Collateral(strike float64) float64 {
	return strike * SharesPerContract
}

// RawROI returns premium over secured capital as a fraction: (bid×100)/(strike×100).
func RawROI(bid, strike float64) float64 {
	if strike <= 0 {
		return 0
	}
	return (bid * SharesPerContract) / Collateral(strike)
}

// AnnualizedROI projects a raw ROI fraction to a 365-day basis, in percent.
// Same-day or expired contracts (days < 1) are not annualized and report false.
func AnnualizedROI(rawROI float64, days int) (float64, bool) {
	if days < 1 {
		return 0, false
	}
	return rawROI * (DaysPerYear / float64(days)) * 100, true
}

// SafetyCushionPct returns the percentage drop from spot to strike.
func SafetyCushionPct(spot, strike float64) float64 {
	if spot <= 0 {
		return 0
	}
	return (spot - strike) / spot * 100
}

// BreakEven returns the underlying price at which the short put starts losing money.
func BreakEven(strike, bid float64) float64 {
	return strike - bid
}
