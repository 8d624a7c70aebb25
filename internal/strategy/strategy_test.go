package strategy

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/csp-scanner/internal/pricing"
)

func ptr[T any](v T) *T { return &v }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RequireTrend = false
	return cfg
}

func newTestAnalyzer(t *testing.T, mutate func(*Config)) *Analyzer {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := NewAnalyzer(cfg)
	require.NoError(t, err)
	return a
}

func put(strike, bid, iv float64) Contract {
	return Contract{
		Symbol:       fmt.Sprintf("XYZ%.0fP", strike),
		Type:         OptionTypePut,
		Strike:       strike,
		Bid:          ptr(bid),
		Volatility:   iv,
		Volume:       10,
		OpenInterest: 100,
		Expiration:   "2026-11-16",
	}
}

func TestFilterChain_WorkedExampleAdmitted(t *testing.T) {
	a := newTestAnalyzer(t, nil)
	u := Underlying{Symbol: "XYZ", Price: 100}

	m, score, stage, ok := a.Evaluate(u, put(95, 1.50, 0.30), 30)
	require.True(t, ok, "rejected at %s", stage)
	assert.InDelta(t, 0.72454, m.ProbabilityOfWin, 1e-4)
	assert.InDelta(t, 0.015789, m.RawROI, 1e-5)
	assert.InDelta(t, 19.2105, m.AnnualizedROI, 1e-3)
	assert.InDelta(t, 5.0, m.SafetyCushionPct, 1e-9)
	assert.Equal(t, m.AnnualizedROI, score, "roi policy scores by annualized ROI")
}

func TestFilterChain_RejectionStages(t *testing.T) {
	a := newTestAnalyzer(t, nil)
	u := Underlying{Symbol: "XYZ", Price: 100}

	tests := []struct {
		name   string
		mutate func(*Contract)
		dte    int
		want   Stage
	}{
		{"call", func(c *Contract) { c.Type = OptionTypeCall }, 30, StageOptionType},
		{"absent bid", func(c *Contract) { c.Bid = nil }, 30, StageInvalidQuote},
		{"zero strike", func(c *Contract) { c.Strike = 0 }, 30, StageInvalidQuote},
		{"at the money", func(c *Contract) { c.Strike = 100 }, 30, StageOTM},
		{"in the money", func(c *Contract) { c.Strike = 105 }, 30, StageOTM},
		{"premium below floor", func(c *Contract) { c.Bid = ptr(0.10) }, 30, StagePremium},
		{"no liquidity", func(c *Contract) { c.Volume, c.OpenInterest = 0, 0 }, 30, StageLiquidity},
		{"cushion too thin", func(c *Contract) { c.Strike = 99.5 }, 30, StageCushion},
		{"cushion too wide", func(c *Contract) { c.Strike = 75 }, 30, StageCushion},
		{"no volatility", func(c *Contract) { c.Volatility = 0 }, 30, StageProbability},
		{"same day expiry", func(c *Contract) {}, 0, StageProbability},
		{"roi below floor", func(c *Contract) { c.Bid = ptr(0.50) }, 30, StageAnnualizedROI},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := put(95, 1.50, 0.30)
			tt.mutate(&c)
			_, _, stage, ok := a.Evaluate(u, c, tt.dte)
			assert.False(t, ok)
			assert.Equal(t, tt.want, stage)
		})
	}
}

func TestFilterChain_LiquidityEitherSide(t *testing.T) {
	a := newTestAnalyzer(t, nil)
	u := Underlying{Symbol: "XYZ", Price: 100}

	c := put(95, 1.50, 0.30)
	c.Volume, c.OpenInterest = 0, 5
	_, _, _, ok := a.Evaluate(u, c, 30)
	assert.True(t, ok, "open interest alone is enough")

	c.Volume, c.OpenInterest = 3, 0
	_, _, _, ok = a.Evaluate(u, c, 30)
	assert.True(t, ok, "volume alone is enough")
}

func TestFilterChain_DayBoundary(t *testing.T) {
	a := newTestAnalyzer(t, func(c *Config) {
		c.ProbabilityPolicy = pricing.PolicyNone
	})
	u := Underlying{Symbol: "XYZ", Price: 100}
	c := put(95, 0.10, 0.30)
	c.Bid = ptr(0.20)

	_, _, stage, ok := a.Evaluate(u, c, 0)
	assert.False(t, ok)
	assert.Equal(t, StageAnnualizedROI, stage, "DTE 0 is never annualized")

	m, _, _, ok := a.Evaluate(u, c, 1)
	require.True(t, ok)
	assert.InDelta(t, 0.20/95*365*100, m.AnnualizedROI, 1e-9)
	assert.Zero(t, m.ProbabilityOfWin, "none policy leaves probability unestimated")
}

func TestFilterChain_DeltaProxyPolicy(t *testing.T) {
	a := newTestAnalyzer(t, func(c *Config) { c.ProbabilityPolicy = pricing.PolicyDeltaProxy })
	m, _, _, ok := a.Evaluate(Underlying{Symbol: "XYZ", Price: 100}, put(95, 1.50, 0.30), 30)
	require.True(t, ok)
	assert.InDelta(t, 0.75250, m.ProbabilityOfWin, 1e-4)
}

func TestFilterChain_ProbabilityGateDisabledByZeroFloor(t *testing.T) {
	a := newTestAnalyzer(t, func(c *Config) { c.MinProbWin = 0 })
	_, _, _, ok := a.Evaluate(Underlying{Symbol: "XYZ", Price: 100}, put(95, 1.50, 0), 30)
	assert.True(t, ok, "zero volatility only fails the gate when a floor is set")
}

func TestFilterChain_Stages(t *testing.T) {
	fc := NewFilterChain(testConfig())
	assert.Equal(t, []Stage{
		StageOptionType, StageInvalidQuote, StageOTM, StagePremium,
		StageLiquidity, StageCushion, StageProbability, StageAnnualizedROI,
	}, fc.Stages())
}

func TestScorer_Policies(t *testing.T) {
	m := Metrics{AnnualizedROI: 20, SafetyCushionPct: 5}
	assert.Equal(t, 20.0, NewScorer(ScoreROI, 2)(m))
	assert.Equal(t, 30.0, NewScorer(ScoreROICushion, 2)(m))
}

func TestBucketer_Boundaries(t *testing.T) {
	b, err := NewBucketer(DefaultBuckets())
	require.NoError(t, err)

	tests := []struct {
		dte    int
		want   int
		inside bool
	}{
		{0, 0, false},
		{3, 0, false},
		{4, 0, true},
		{10, 0, true},
		{11, 1, true},
		{45, 5, true},
		{46, 6, true},
		{55, 6, true},
		{56, 7, true},
		{70, 7, true},
		{71, 0, false},
		{-2, 0, false},
	}
	for _, tt := range tests {
		got, ok := b.Assign(tt.dte)
		assert.Equal(t, tt.inside, ok, "dte %d", tt.dte)
		if tt.inside {
			assert.Equal(t, tt.want, got.Index, "dte %d", tt.dte)
		}
	}
}

func TestBucketer_Gaps(t *testing.T) {
	b, err := NewBucketer([]Bucket{{MinDays: 5, MaxDays: 7}, {MinDays: 10, MaxDays: 12}})
	require.NoError(t, err)
	for _, dte := range []int{4, 8, 9, 13} {
		_, ok := b.Assign(dte)
		assert.False(t, ok, "dte %d sits outside every bucket", dte)
	}
	got, ok := b.Assign(10)
	require.True(t, ok)
	assert.Equal(t, "10-12 Days", got.Label, "blank labels are generated")
}

func TestNewBucketer_RejectsBadTables(t *testing.T) {
	tables := map[string][]Bucket{
		"empty":       nil,
		"zero min":    {{MinDays: 0, MaxDays: 5}},
		"inverted":    {{MinDays: 9, MaxDays: 5}},
		"overlapping": {{MinDays: 1, MaxDays: 10}, {MinDays: 10, MaxDays: 20}},
		"unordered":   {{MinDays: 20, MaxDays: 30}, {MinDays: 1, MaxDays: 10}},
	}
	for name, table := range tables {
		_, err := NewBucketer(table)
		assert.Error(t, err, name)
	}
}

func TestPlan_PicksLastExpirationPerBucket(t *testing.T) {
	a := newTestAnalyzer(t, nil)
	asOf := time.Date(2026, 10, 16, 15, 0, 0, 0, time.UTC)

	targets := a.Plan(asOf, []string{
		"2026-10-16", // same day: dropped
		"2026-10-15", // past: dropped
		"2026-10-20", // 4 days, bucket 0
		"2026-10-23", // 7 days, bucket 0
		"2026-10-26", // 10 days, bucket 0 upper bound
		"2026-10-30", // 14 days, bucket 1
		"not-a-date",
		"2027-03-19", // 154 days: beyond the table
	})
	require.Len(t, targets, 2)
	assert.Equal(t, "2026-10-26", targets[0].Expiration.Date)
	assert.Equal(t, 10, targets[0].Expiration.DTE)
	assert.Equal(t, GroupKey{Bucket: 0}, targets[0].Key)
	assert.Equal(t, "2026-10-30", targets[1].Expiration.Date)
	assert.Equal(t, "2 Weeks", targets[1].Label())
}

func TestPlan_PerExpirationMode(t *testing.T) {
	a := newTestAnalyzer(t, func(c *Config) { c.SelectionMode = SelectByExpiration })
	asOf := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

	targets := a.Plan(asOf, []string{"2026-10-30", "2026-10-17", "2026-10-16", "2026-12-31", "2026-10-30"})
	require.Len(t, targets, 2)
	assert.Equal(t, "2026-10-17", targets[0].Expiration.Date)
	assert.Equal(t, 1, targets[0].Expiration.DTE, "DTE 1 is kept")
	assert.False(t, targets[0].InBucket)
	assert.Equal(t, GroupKey{Bucket: -1, Expiration: "2026-10-30"}, targets[1].Key)
	assert.True(t, targets[1].InBucket)
}

func TestDaysToExpiration_UsesMarketDate(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	// 02:00 UTC on the 17th is still the 16th in New York.
	asOf := time.Date(2026, 10, 17, 2, 0, 0, 0, time.UTC)
	exp := time.Date(2026, 10, 23, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 7, DaysToExpiration(asOf, exp, ny))
	assert.Equal(t, 6, DaysToExpiration(asOf, exp, time.UTC))
}

func TestSelectFromChain_BestAndTies(t *testing.T) {
	a := newTestAnalyzer(t, nil)
	u := Underlying{Symbol: "XYZ", Price: 100}
	target := Target{
		Key:        GroupKey{Bucket: 3},
		Expiration: Expiration{Date: "2026-11-16", DTE: 30},
		Bucket:     Bucket{Index: 3, Label: "4 Weeks"},
		InBucket:   true,
	}

	first := put(95, 1.50, 0.30)
	first.Symbol = "FIRST"
	tie := put(95, 1.50, 0.30)
	tie.Symbol = "TIE"
	chain := []Contract{
		put(90, 0.40, 0.30), // rejected: ROI
		first,
		{Type: OptionTypeCall, Strike: 105, Bid: ptr(3.0)},
		tie,
		put(97, 1.40, 0.30),
	}

	best, stats, ok := a.SelectFromChain(u, target, chain, Seq{Ticker: 2, Group: 1})
	require.True(t, ok)
	assert.Equal(t, "FIRST", best.Contract.Symbol, "ties keep the first contract")
	assert.Equal(t, Seq{Ticker: 2, Group: 1, Contract: 1}, best.Seq)
	assert.Equal(t, "4 Weeks", best.BucketLabel)
	assert.Equal(t, 30, best.DTE)
	assert.Equal(t, 5, stats.Evaluated)
	assert.Equal(t, 3, stats.Admitted)
	assert.Equal(t, 1, stats.Rejected[StageOptionType])
	assert.Equal(t, 1, stats.Rejected[StageAnnualizedROI])

	_, _, ok = a.SelectFromChain(u, target, nil, Seq{})
	assert.False(t, ok, "an empty chain selects nothing")
}

func TestSelectBest_StrictlyHigher(t *testing.T) {
	cs := []ScoredCandidate{
		{Score: 10, Contract: Contract{Symbol: "A"}},
		{Score: 12, Contract: Contract{Symbol: "B"}},
		{Score: 12, Contract: Contract{Symbol: "C"}},
	}
	best, ok := SelectBest(cs)
	require.True(t, ok)
	assert.Equal(t, "B", best.Contract.Symbol)

	_, ok = SelectBest(nil)
	assert.False(t, ok)
}

func TestTopN_Ordering(t *testing.T) {
	cs := []ScoredCandidate{
		{Score: 22.1, Seq: Seq{Ticker: 0}},
		{Score: 19.2, Seq: Seq{Ticker: 1}},
		{Score: 30.5, Seq: Seq{Ticker: 2}},
	}
	top := TopN(cs, 2)
	require.Len(t, top, 2)
	assert.Equal(t, 30.5, top[0].Score)
	assert.Equal(t, 22.1, top[1].Score)
	assert.Equal(t, 22.1, cs[0].Score, "input is not reordered")
	assert.Equal(t, 19.2, cs[1].Score)

	assert.Nil(t, TopN(cs, 0))
	assert.Len(t, TopN(cs, 10), 3)
}

func TestTopN_TiesFollowDiscoveryOrder(t *testing.T) {
	cs := []ScoredCandidate{
		{Score: 20, Seq: Seq{Ticker: 3}, Underlying: Underlying{Symbol: "LATE"}},
		{Score: 20, Seq: Seq{Ticker: 1, Group: 2}, Underlying: Underlying{Symbol: "MID"}},
		{Score: 20, Seq: Seq{Ticker: 1, Group: 0}, Underlying: Underlying{Symbol: "EARLY"}},
	}
	top := TopN(cs, 3)
	assert.Equal(t, "EARLY", top[0].Underlying.Symbol)
	assert.Equal(t, "MID", top[1].Underlying.Symbol)
	assert.Equal(t, "LATE", top[2].Underlying.Symbol)
}

func TestTopNUnder_PriceCeiling(t *testing.T) {
	cs := []ScoredCandidate{
		{Score: 50, Underlying: Underlying{Symbol: "PRICY", Price: 120}},
		{Score: 25, Underlying: Underlying{Symbol: "EDGE", Price: 40}},
		{Score: 18, Underlying: Underlying{Symbol: "CHEAP", Price: 12}, Seq: Seq{Ticker: 1}},
		{Score: 31, Underlying: Underlying{Symbol: "VALUE", Price: 39.99}, Seq: Seq{Ticker: 2}},
	}
	top := TopNUnder(cs, 3, 40)
	require.Len(t, top, 2)
	assert.Equal(t, "VALUE", top[0].Underlying.Symbol)
	assert.Equal(t, "CHEAP", top[1].Underlying.Symbol)
	assert.Empty(t, TopNUnder(cs, 3, 5))
}

func TestAggregator_ConcurrentAddsAndCaps(t *testing.T) {
	agg := NewAggregator()
	var wg sync.WaitGroup
	for ticker := 0; ticker < 20; ticker++ {
		wg.Add(1)
		go func(ticker int) {
			defer wg.Done()
			agg.Add(
				ScoredCandidate{Key: GroupKey{Bucket: 0}, Score: float64(ticker), Seq: Seq{Ticker: ticker}},
				ScoredCandidate{Key: GroupKey{Bucket: 1}, Score: 1, Seq: Seq{Ticker: ticker, Group: 1}},
			)
		}(ticker)
	}
	wg.Wait()

	assert.Equal(t, 40, agg.Len())
	res := agg.Result(5)
	require.Len(t, res[GroupKey{Bucket: 0}], 5)
	assert.Equal(t, 19.0, res[GroupKey{Bucket: 0}][0].Score)
	assert.Equal(t, 15.0, res[GroupKey{Bucket: 0}][4].Score)

	ties := res[GroupKey{Bucket: 1}]
	require.Len(t, ties, 5)
	for i, c := range ties {
		assert.Equal(t, i, c.Seq.Ticker, "equal scores keep discovery order")
	}

	all := agg.Candidates()
	require.Len(t, all, 40)
	assert.Equal(t, Seq{Ticker: 0}, all[0].Seq)
	assert.Equal(t, 40, agg.Len(), "building views does not consume the aggregator")
}

func TestFlattenAndKeys(t *testing.T) {
	r := BucketResult{
		{Bucket: 2}: {{Score: 1}},
		{Bucket: 0}: {{Score: 3}, {Score: 2}},
	}
	assert.Equal(t, []GroupKey{{Bucket: 0}, {Bucket: 2}}, r.Keys())
	flat := Flatten(r)
	require.Len(t, flat, 3)
	assert.Equal(t, []float64{3, 2, 1}, []float64{flat[0].Score, flat[1].Score, flat[2].Score})
}

func TestSummarize(t *testing.T) {
	buckets := DefaultBuckets()
	r := BucketResult{
		{Bucket: 1}: {
			{DTE: 14, Contract: Contract{Expiration: "2026-10-30"}},
			{DTE: 15, Contract: Contract{Expiration: "2026-10-31"}},
			{DTE: 14, Contract: Contract{Expiration: "2026-10-30"}},
		},
	}
	sums := Summarize(r, buckets, SelectByBucket)
	require.Len(t, sums, len(buckets))
	assert.Zero(t, sums[0].Count)
	assert.Equal(t, "1 Week", sums[0].Label)
	assert.Equal(t, 3, sums[1].Count)
	assert.Equal(t, "2026-10-30", sums[1].CommonExpiration)
	assert.Equal(t, 14, sums[1].AvgDTE)

	byExp := Summarize(BucketResult{{Bucket: -1, Expiration: "2026-11-20"}: {{DTE: 35}}}, buckets, SelectByExpiration)
	require.Len(t, byExp, 1)
	assert.Equal(t, "2026-11-20", byExp[0].Label)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := map[string]func(*Config){
		"prob above one":   func(c *Config) { c.MinProbWin = 1.5 },
		"cushion inverted": func(c *Config) { c.MinCushion, c.MaxCushion = 10, 5 },
		"bad probability":  func(c *Config) { c.ProbabilityPolicy = "lognormal" },
		"bad scoring":      func(c *Config) { c.ScoringPolicy = "sharpe" },
		"bad mode":         func(c *Config) { c.SelectionMode = "weekly" },
		"zero top k":       func(c *Config) { c.TopK = 0 },
		"rsi inverted":     func(c *Config) { c.RSIMin, c.RSIMax = 70, 30 },
		"no buckets":       func(c *Config) { c.Buckets = nil },
	}
	for name, mutate := range tests {
		cfg := DefaultConfig()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), name)
		_, err := NewAnalyzer(cfg)
		assert.Error(t, err, name)
	}
}

func TestAnalyzer_AdmitUnderlying(t *testing.T) {
	a := newTestAnalyzer(t, func(c *Config) {
		c.MinVolume = 1_000_000
		c.RequireTrend = true
		c.RSIMin, c.RSIMax = 40, 70
	})
	ok := Underlying{Price: 50, AverageVolume: 2_000_000, TrendStable: ptr(true), RSI: ptr(55.0)}

	tests := []struct {
		name   string
		mutate func(*Underlying)
		want   Stage
	}{
		{"cheap", func(u *Underlying) { u.Price = 5 }, StageMinPrice},
		{"thin", func(u *Underlying) { u.AverageVolume = 10 }, StageMinVolume},
		{"unstable", func(u *Underlying) { u.TrendStable = ptr(false) }, StageTrend},
		{"trend unknown", func(u *Underlying) { u.TrendStable = nil }, StageTrend},
		{"overbought", func(u *Underlying) { u.RSI = ptr(80.0) }, StageRSI},
		{"oversold", func(u *Underlying) { u.RSI = ptr(20.0) }, StageRSI},
		{"rsi unknown", func(u *Underlying) { u.RSI = nil }, StageRSI},
	}
	for _, tt := range tests {
		u := ok
		tt.mutate(&u)
		stage, admitted := a.AdmitUnderlying(u)
		assert.False(t, admitted, tt.name)
		assert.Equal(t, tt.want, stage, tt.name)
	}

	_, admitted := a.AdmitUnderlying(ok)
	assert.True(t, admitted)

	unknownVolume := ok
	unknownVolume.AverageVolume = 0
	_, admitted = a.AdmitUnderlying(unknownVolume)
	assert.True(t, admitted, "unknown volume passes")
	assert.True(t, a.NeedsTechnicals())
}

func TestUpstreamUnavailable_Classification(t *testing.T) {
	cause := fmt.Errorf("dial tcp: timeout")
	err := UpstreamUnavailable("quote XYZ", cause)
	assert.ErrorIs(t, err, ErrDataUnavailable)
	assert.ErrorIs(t, err, ErrUpstream)
	assert.ErrorIs(t, err, cause)
}
