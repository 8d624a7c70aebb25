// Package scanner drives a scan: it fans tickers out to a bounded worker
// pool, runs each through the strategy engine and assembles the report.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/csp-scanner/internal/broker"
	"github.com/eddiefleurent/csp-scanner/internal/screener"
	"github.com/eddiefleurent/csp-scanner/internal/strategy"
)

// Status is the result class of one ticker.
type Status string

const (
	StatusOK      Status = "ok"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Skip and failure reasons not covered by a strategy stage.
const (
	ReasonCancelled      = "cancelled"
	ReasonNoPrice        = "no_price"
	ReasonQuote          = "quote_unavailable"
	ReasonNoExpirations  = "no_expirations"
	ReasonExpirations    = "expirations_unavailable"
	ReasonNoTargets      = "no_targets"
	ReasonChains         = "chains_unavailable"
	ReasonPanic          = "panic"
	ReasonNoCandidates   = "no_candidates"
	ReasonTechnicalsLost = "technicals_unavailable"
)

// TickerOutcome records what happened to one ticker.
type TickerOutcome struct {
	Symbol     string
	Status     Status
	Reason     string
	Err        error
	Candidates int
	Stats      strategy.ChainStats
	Duration   time.Duration
}

// Technicals supplies trend and RSI readings for an underlying.
type Technicals interface {
	Analyze(ctx context.Context, symbol string) (screener.Technicals, error)
}

// Options tune the driver.
type Options struct {
	Workers       int           // concurrent tickers; 1 scans sequentially
	TickerTimeout time.Duration // budget for all calls of one ticker
	ProgressEvery int           // log progress every N tickers; 0 disables
	Technicals    Technicals    // required when the engine gates on trend or RSI
	Logger        *logrus.Logger
	Now           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.TickerTimeout <= 0 {
		o.TickerTimeout = time.Minute
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Scanner runs the engine over a list of tickers.
type Scanner struct {
	data     broker.MarketData
	analyzer *strategy.Analyzer
	opts     Options
}

// New builds a scanner. analyzer carries the immutable engine configuration.
func New(data broker.MarketData, analyzer *strategy.Analyzer, opts Options) *Scanner {
	return &Scanner{data: data, analyzer: analyzer, opts: opts.withDefaults()}
}

// ScanUniverse fetches tickers from src and scans them. An empty universe
// yields an empty report.
func (s *Scanner) ScanUniverse(ctx context.Context, src screener.CandidateSource, c screener.Criteria) (*Report, error) {
	tickers, err := src.Fetch(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("fetch candidates: %w", err)
	}
	return s.Run(ctx, tickers)
}

// Run scans tickers and returns the report. Per-ticker failures never abort
// the scan. When ctx is cancelled the partial report is returned with
// Cancelled set, together with the context error.
func (s *Scanner) Run(ctx context.Context, tickers []string) (*Report, error) {
	started := s.opts.Now()
	log := s.opts.Logger.WithField("scan", "csp")
	cfg := s.analyzer.Config()

	report := &Report{
		ID:        uuid.NewString(),
		StartedAt: started,
		AsOf:      started,
		Tickers:   len(tickers),
		Buckets:   s.analyzer.Buckets(),
		Mode:      cfg.SelectionMode,
		TopN:      cfg.TopN,
		Ceiling:   cfg.PriceCeiling,
	}
	log = log.WithField("id", report.ID)
	log.WithFields(logrus.Fields{"tickers": len(tickers), "workers": s.opts.Workers}).Info("Scan started")

	agg := strategy.NewAggregator()
	outcomes := make([]TickerOutcome, len(tickers))
	ran := make([]bool, len(tickers))
	var done atomic.Int64

	var g errgroup.Group
	g.SetLimit(s.opts.Workers)
	for i, symbol := range tickers {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			ran[i] = true
			outcomes[i] = s.scanTicker(ctx, i, screener.NormalizeSymbol(symbol), agg, started)
			n := done.Add(1)
			if s.opts.ProgressEvery > 0 && n%int64(s.opts.ProgressEvery) == 0 {
				log.Infof("Processed %d/%d...", n, len(tickers))
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, ok := range ran {
		if !ok {
			outcomes[i] = TickerOutcome{Symbol: screener.NormalizeSymbol(tickers[i]), Status: StatusSkipped, Reason: ReasonCancelled}
		}
	}

	report.Cancelled = ctx.Err() != nil
	report.FinishedAt = s.opts.Now()
	report.assemble(outcomes, agg, cfg)

	log.WithFields(logrus.Fields{
		"processed":       report.Processed,
		"with_candidates": report.WithCandidates,
		"candidates":      report.Candidates,
		"cancelled":       report.Cancelled,
		"elapsed":         report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond).String(),
	}).Info("Scan finished")

	if report.Cancelled {
		return report, ctx.Err()
	}
	return report, nil
}

// scanTicker analyzes one ticker. It never panics and never returns an error:
// everything that goes wrong is recorded in the outcome.
func (s *Scanner) scanTicker(ctx context.Context, idx int, symbol string, agg *strategy.Aggregator, asOf time.Time) (out TickerOutcome) {
	begin := time.Now()
	out = TickerOutcome{Symbol: symbol}
	log := s.opts.Logger.WithField("ticker", symbol)
	defer func() {
		if r := recover(); r != nil {
			log.WithField("stack", string(debug.Stack())).Errorf("Ticker analysis panicked: %v", r)
			out = TickerOutcome{Symbol: symbol, Status: StatusFailed, Reason: ReasonPanic, Err: fmt.Errorf("panic: %v", r)}
		}
		out.Duration = time.Since(begin)
		log.WithFields(logrus.Fields{
			"status":     out.Status,
			"reason":     out.Reason,
			"candidates": out.Candidates,
		}).Debug("Ticker done")
	}()

	tctx, cancel := context.WithTimeout(ctx, s.opts.TickerTimeout)
	defer cancel()

	quote, err := s.data.GetQuoteCtx(tctx, symbol)
	if err != nil {
		return s.fail(out, ReasonQuote, strategy.UpstreamUnavailable("quote "+symbol, err))
	}
	u, ok := quote.Underlying()
	if !ok {
		return skip(out, ReasonNoPrice, fmt.Errorf("%s: no last price: %w", symbol, strategy.ErrDataUnavailable))
	}
	u.Symbol = symbol

	stage, admitted := s.analyzer.AdmitUnderlying(u)
	if !admitted && (stage == strategy.StageMinPrice || stage == strategy.StageMinVolume) {
		return skip(out, string(stage), nil)
	}
	var techErr error
	if s.analyzer.NeedsTechnicals() {
		if s.opts.Technicals == nil {
			techErr = fmt.Errorf("no technicals provider: %w", strategy.ErrDataUnavailable)
		} else if tech, err := s.opts.Technicals.Analyze(tctx, symbol); err != nil {
			techErr = strategy.UpstreamUnavailable("history "+symbol, err)
		} else {
			stable := tech.TrendStable
			u.TrendStable = &stable
			u.RSI = tech.RSI
		}
		if stage, admitted = s.analyzer.AdmitUnderlying(u); !admitted {
			if techErr != nil {
				log.WithError(techErr).Warn("Technicals unavailable, underlying rejected")
			}
			return skip(out, string(stage), techErr)
		}
	} else if !admitted {
		return skip(out, string(stage), nil)
	}

	expirations, err := s.data.GetExpirationsCtx(tctx, symbol)
	if err != nil {
		return s.fail(out, ReasonExpirations, strategy.UpstreamUnavailable("expirations "+symbol, err))
	}
	if len(expirations) == 0 {
		return skip(out, ReasonNoExpirations, fmt.Errorf("%s: no expirations: %w", symbol, strategy.ErrDataUnavailable))
	}
	targets := s.analyzer.Plan(asOf, expirations)
	if len(targets) == 0 {
		return skip(out, ReasonNoTargets, nil)
	}

	var (
		selected  []strategy.ScoredCandidate
		chainErrs []error
	)
	for gi, target := range targets {
		if tctx.Err() != nil {
			chainErrs = append(chainErrs, tctx.Err())
			break
		}
		options, err := s.data.GetOptionChainCtx(tctx, symbol, target.Expiration.Date, true)
		if err != nil {
			chainErrs = append(chainErrs, strategy.UpstreamUnavailable("chain "+symbol+" "+target.Expiration.Date, err))
			log.WithError(err).WithField("expiration", target.Expiration.Date).Warn("Option chain unavailable, skipping expiration")
			continue
		}
		if len(options) == 0 {
			continue
		}
		best, stats, ok := s.analyzer.SelectFromChain(u, target, broker.Contracts(options), strategy.Seq{Ticker: idx, Group: gi})
		out.Stats.Merge(stats)
		if ok {
			selected = append(selected, best)
		}
	}
	agg.Add(selected...)
	out.Candidates = len(selected)

	if len(selected) == 0 && len(chainErrs) > 0 && len(chainErrs) >= len(targets) {
		return s.fail(out, ReasonChains, errors.Join(chainErrs...))
	}
	out.Status = StatusOK
	if len(selected) == 0 {
		out.Reason = ReasonNoCandidates
	}
	if len(chainErrs) > 0 {
		out.Err = errors.Join(chainErrs...)
	}
	return out
}

func skip(out TickerOutcome, reason string, err error) TickerOutcome {
	out.Status = StatusSkipped
	out.Reason = reason
	out.Err = err
	return out
}

func (s *Scanner) fail(out TickerOutcome, reason string, err error) TickerOutcome {
	s.opts.Logger.WithError(err).WithField("ticker", out.Symbol).Warn("Ticker failed")
	out.Status = StatusFailed
	out.Reason = reason
	out.Err = err
	return out
}

// Report is the outcome of one scan.
type Report struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	AsOf       time.Time
	Cancelled  bool

	Tickers        int // tickers requested
	Processed      int // tickers whose analysis ran
	WithCandidates int // tickers contributing at least one candidate
	Candidates     int // candidates across all groups, before the per-group cap
	SkipReasons    map[string]int
	Outcomes       []TickerOutcome // in input order
	Stats          strategy.ChainStats

	Groups    strategy.BucketResult // best first, capped per group
	Top       []strategy.ScoredCandidate
	TopUnder  []strategy.ScoredCandidate
	Summaries []strategy.GroupSummary

	Buckets []strategy.Bucket
	Mode    strategy.SelectionMode
	TopN    int
	Ceiling float64
}

func (r *Report) assemble(outcomes []TickerOutcome, agg *strategy.Aggregator, cfg strategy.Config) {
	r.Outcomes = outcomes
	r.SkipReasons = make(map[string]int)
	for _, o := range outcomes {
		if o.Status != StatusSkipped || o.Reason != ReasonCancelled {
			r.Processed++
		}
		if o.Candidates > 0 {
			r.WithCandidates++
		}
		if o.Status != StatusOK {
			r.SkipReasons[o.Reason]++
		}
		r.Stats.Merge(o.Stats)
	}

	all := agg.Candidates()
	r.Candidates = len(all)
	r.Groups = agg.Result(cfg.TopK)
	r.Top = strategy.TopN(all, cfg.TopN)
	r.TopUnder = strategy.TopNUnder(all, cfg.TopN, cfg.PriceCeiling)
	r.Summaries = strategy.Summarize(r.Groups, r.Buckets, cfg.SelectionMode)
}

// Empty reports whether the scan produced no candidates.
func (r *Report) Empty() bool {
	return r == nil || r.Candidates == 0
}

// Failed returns the outcomes with StatusFailed.
func (r *Report) Failed() []TickerOutcome {
	var out []TickerOutcome
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed {
			out = append(out, o)
		}
	}
	return out
}

// Holder keeps the latest report for concurrent readers.
type Holder struct {
	mu     sync.RWMutex
	latest *Report
}

// Set replaces the latest report.
func (h *Holder) Set(r *Report) {
	h.mu.Lock()
	h.latest = r
	h.mu.Unlock()
}

// Latest returns the latest report, or nil before the first scan.
func (h *Holder) Latest() *Report {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest
}
