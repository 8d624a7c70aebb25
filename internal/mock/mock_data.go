// Package mock provides a deterministic synthetic market-data provider for
// offline scans, demos and tests.
package mock

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/csp-scanner/internal/broker"
	"github.com/eddiefleurent/csp-scanner/internal/pricing"
	"github.com/eddiefleurent/csp-scanner/internal/util"
)

const (
	dateLayout   = "2006-01-02"
	riskFreeRate = 0.045
	weeksListed  = 12
)

// ErrUnknownSymbol is returned for symbols the provider refuses to quote.
var ErrUnknownSymbol = errors.New("unknown symbol")

// profile is the stable synthetic identity of one symbol.
type profile struct {
	price     float64
	iv        float64
	avgVolume int64
	downtrend bool
}

// DataProvider implements broker.MarketData with prices derived from a hash
// of the symbol, so every run sees the same market.
type DataProvider struct {
	mu       sync.Mutex
	now      func() time.Time
	seed     uint64
	profiles map[string]profile
}

var _ broker.MarketData = (*DataProvider)(nil)

// Option configures a DataProvider.
type Option func(*DataProvider)

// WithClock fixes the provider's notion of today.
func WithClock(now func() time.Time) Option {
	return func(p *DataProvider) { p.now = now }
}

// WithSeed changes the synthetic market. The same seed always yields the same data.
func WithSeed(seed uint64) Option {
	return func(p *DataProvider) { p.seed = seed }
}

func NewDataProvider(opts ...Option) *DataProvider {
	p := &DataProvider{
		now:      time.Now,
		seed:     42,
		profiles: make(map[string]profile),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *DataProvider) rng(parts ...string) *rand.Rand {
	h := fnv.New64a()
	for _, s := range parts {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}
	return rand.New(rand.NewPCG(p.seed, h.Sum64()))
}

func (p *DataProvider) profile(symbol string) (profile, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return profile{}, fmt.Errorf("empty symbol: %w", ErrUnknownSymbol)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if pr, ok := p.profiles[symbol]; ok {
		return pr, nil
	}
	r := p.rng("profile", symbol)
	pr := profile{
		price:     util.RoundToTick(8+r.Float64()*392, 0.01),
		iv:        0.20 + r.Float64()*0.60,
		avgVolume: 500_000 + r.Int64N(30_000_000),
		downtrend: r.IntN(5) == 0,
	}
	p.profiles[symbol] = pr
	return pr, nil
}

// GetQuoteCtx returns the symbol's synthetic last price and average volume.
func (p *DataProvider) GetQuoteCtx(ctx context.Context, symbol string) (*broker.QuoteItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pr, err := p.profile(symbol)
	if err != nil {
		return nil, err
	}
	spread := math.Max(0.01, util.RoundToTick(pr.price*0.0005, 0.01))
	return &broker.QuoteItem{
		Symbol:        strings.ToUpper(symbol),
		Description:   "Synthetic " + strings.ToUpper(symbol),
		Type:          "stock",
		Last:          pr.price,
		Close:         pr.price,
		PrevClose:     pr.price,
		Bid:           pr.price - spread/2,
		Ask:           pr.price + spread/2,
		AverageVolume: pr.avgVolume,
		Volume:        pr.avgVolume / 2,
	}, nil
}

// GetExpirationsCtx lists weekly Friday expirations for the next twelve weeks.
func (p *DataProvider) GetExpirationsCtx(ctx context.Context, symbol string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := p.profile(symbol); err != nil {
		return nil, err
	}
	today := p.today()
	offset := (int(time.Friday) - int(today.Weekday()) + 7) % 7
	if offset == 0 {
		offset = 7
	}
	first := today.AddDate(0, 0, offset)
	exps := make([]string, 0, weeksListed)
	for w := 0; w < weeksListed; w++ {
		exps = append(exps, first.AddDate(0, 0, 7*w).Format(dateLayout))
	}
	return exps, nil
}

func (p *DataProvider) today() time.Time {
	n := p.now()
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, time.UTC)
}

// GetOptionChainCtx builds puts and calls from 70% to 110% of spot, priced
// with Black-Scholes on a volatility skew. Deep strikes may carry no bid.
func (p *DataProvider) GetOptionChainCtx(ctx context.Context, symbol, expiration string, withGreeks bool) ([]broker.Option, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pr, err := p.profile(symbol)
	if err != nil {
		return nil, err
	}
	expDate, err := time.Parse(dateLayout, expiration)
	if err != nil {
		return nil, fmt.Errorf("invalid expiration format: %w", err)
	}
	dte := int(expDate.Sub(p.today()).Hours() / 24)
	if dte < 0 {
		dte = 0
	}

	symbol = strings.ToUpper(symbol)
	step := util.StrikeIncrement(pr.price)
	start := util.CeilToTick(pr.price*0.70, step)
	end := util.FloorToTick(pr.price*1.10, step)
	years := float64(dte) / pricing.DaysPerYear

	var options []broker.Option
	for strike := start; strike <= end+1e-9; strike += step {
		strike = util.RoundToTick(strike, 0.01)
		moneyness := strike / pr.price
		iv := pr.iv * (1 + 0.6*math.Max(0, 1-moneyness))
		in := pricing.Inputs{Spot: pr.price, Strike: strike, Days: dte, Volatility: iv, RiskFreeRate: riskFreeRate}

		put := pricing.PutPrice(in)
		call := put + pr.price - strike*math.Exp(-riskFreeRate*years)
		r := p.rng("chain", symbol, expiration, fmt.Sprintf("%.2f", strike))

		putOpt := p.option(symbol, expDate, strike, "put", put, r)
		callOpt := p.option(symbol, expDate, strike, "call", math.Max(call, 0), r)
		if withGreeks {
			putDelta := pricing.PutDelta(in)
			putOpt.Greeks = &broker.Greeks{Delta: putDelta, MidIV: iv, BidIV: iv * 0.98, AskIV: iv * 1.02, SmvVol: pr.iv}
			callOpt.Greeks = &broker.Greeks{Delta: putDelta + 1, MidIV: iv, BidIV: iv * 0.98, AskIV: iv * 1.02, SmvVol: pr.iv}
		}
		options = append(options, putOpt, callOpt)
	}
	return options, nil
}

func (p *DataProvider) option(symbol string, exp time.Time, strike float64, kind string, fair float64, r *rand.Rand) broker.Option {
	code := "P"
	if kind == "call" {
		code = "C"
	}
	o := broker.Option{
		Symbol:         fmt.Sprintf("%s%s%s%08d", symbol, exp.Format("060102"), code, int(math.Round(strike*1000))),
		Description:    fmt.Sprintf("%s %s $%.2f %s", symbol, exp.Format("Jan 02 2006"), strike, strings.ToUpper(kind[:1])+kind[1:]),
		OptionType:     kind,
		ExpirationDate: exp.Format(dateLayout),
		Underlying:     symbol,
		Strike:         strike,
		Ask:            util.RoundToTick(fair*1.04+0.01, 0.01),
		Last:           util.RoundToTick(fair, 0.01),
		Volume:         r.Int64N(2_000),
		OpenInterest:   r.Int64N(20_000),
	}
	if bid := util.FloorToTick(fair*0.96, 0.01); bid > 0 {
		o.Bid = &bid
	}
	return o
}

// GetHistoricalDataCtx returns weekday bars ending at the quote price. Most
// symbols trend upward; about one in five trends down.
func (p *DataProvider) GetHistoricalDataCtx(ctx context.Context, symbol, interval string, startDate, endDate time.Time) ([]broker.HistoricalDataPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if interval != "" && interval != "daily" {
		return nil, fmt.Errorf("unsupported interval %q", interval)
	}
	pr, err := p.profile(symbol)
	if err != nil {
		return nil, err
	}

	var days []time.Time
	for d := startDate; !d.After(endDate); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			days = append(days, time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC))
		}
	}

	drift := 0.0012
	if pr.downtrend {
		drift = -0.0012
	}
	r := p.rng("history", strings.ToUpper(symbol))
	bars := make([]broker.HistoricalDataPoint, len(days))
	n := len(days)
	for i, d := range days {
		back := float64(n - 1 - i)
		noise := 1 + (r.Float64()-0.5)*0.01
		closePx := util.RoundToTick(pr.price*math.Exp(-drift*back)*noise, 0.01)
		if i == n-1 {
			closePx = pr.price
		}
		bars[i] = broker.HistoricalDataPoint{
			Date:   d,
			Open:   closePx,
			High:   util.RoundToTick(closePx*1.01, 0.01),
			Low:    util.RoundToTick(closePx*0.99, 0.01),
			Close:  closePx,
			Volume: pr.avgVolume,
		}
	}
	return bars, nil
}
