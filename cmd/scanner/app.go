package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/csp-scanner/internal/broker"
	"github.com/eddiefleurent/csp-scanner/internal/config"
	"github.com/eddiefleurent/csp-scanner/internal/mock"
	"github.com/eddiefleurent/csp-scanner/internal/report"
	"github.com/eddiefleurent/csp-scanner/internal/retry"
	"github.com/eddiefleurent/csp-scanner/internal/scanner"
	"github.com/eddiefleurent/csp-scanner/internal/screener"
	"github.com/eddiefleurent/csp-scanner/internal/storage"
	"github.com/eddiefleurent/csp-scanner/internal/strategy"
)

// app holds the wired components of one process.
type app struct {
	cfg      *config.Config
	logger   *logrus.Logger
	data     broker.MarketData
	source   screener.CandidateSource
	scanner  *scanner.Scanner
	holder   *scanner.Holder
	cache    *screener.CachedHistory
	location *time.Location
	out      io.Writer
}

// overrides are command-line adjustments applied on top of the config file.
type overrides struct {
	mock     bool
	htmlPath string
	tickers  []string
	workers  int
}

func (o overrides) apply(cfg *config.Config) {
	if o.mock {
		cfg.Broker.Provider = "mock"
	}
	if o.htmlPath != "" {
		cfg.Output.HTMLPath = o.htmlPath
	}
	if len(o.tickers) > 0 {
		cfg.Screener.LiquidTickers = o.tickers
		cfg.Screener.Finviz.Enabled = false
	}
	if o.workers > 0 {
		cfg.Scan.Workers = o.workers
	}
}

func loadConfig(o overrides) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		// --mock works without credentials in the file.
		if !o.mock {
			return nil, err
		}
		def := config.Default()
		def.Broker.Provider = "mock"
		cfg = &def
		logrus.WithError(err).Warn("Using built-in defaults for the mock provider")
	}
	o.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newApp(cfg *config.Config, out io.Writer) (*app, error) {
	logger := cfg.NewLogger()
	logrus.SetLevel(logger.GetLevel())
	logrus.SetFormatter(logger.Formatter)

	engineCfg, err := cfg.Strategy()
	if err != nil {
		return nil, err
	}
	analyzer, err := strategy.NewAnalyzer(engineCfg)
	if err != nil {
		return nil, err
	}

	data := newMarketData(cfg, logger)

	var (
		technicals scanner.Technicals
		cache      *screener.CachedHistory
	)
	if analyzer.NeedsTechnicals() {
		var history screener.HistorySource = data
		if path := cfg.Screener.Trend.CachePath; path != "" {
			store, err := storage.NewStorage(path)
			if err != nil {
				logger.WithError(err).WithField("path", path).Warn("Price history cache unavailable, fetching every scan")
			} else {
				cache = screener.NewCachedHistory(data, store, cfg.CacheMaxAge(), logger)
				history = cache
			}
		}
		ta, err := screener.NewTechnicalAnalyzer(history, cfg.Trend())
		if err != nil {
			return nil, err
		}
		technicals = ta
	}

	sources := []screener.CandidateSource{screener.StaticSource(cfg.Screener.LiquidTickers)}
	if cfg.Screener.Finviz.Enabled {
		fv := screener.NewFinvizSource(cfg.Screener.Finviz.AuthToken)
		if cfg.Screener.Finviz.URL != "" {
			fv.BaseURL = cfg.Screener.Finviz.URL
		}
		if cfg.Screener.Finviz.View != "" {
			fv.View = cfg.Screener.Finviz.View
		}
		fv.Logger = logger
		sources = append(sources, fv)
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		data:   data,
		source: &screener.MergedSource{Sources: sources, Limit: cfg.Screener.MaxTickers, Logger: logger},
		scanner: scanner.New(data, analyzer, scanner.Options{
			Workers:       cfg.Scan.Workers,
			TickerTimeout: cfg.TickerTimeout(),
			ProgressEvery: cfg.Scan.ProgressEvery,
			Technicals:    technicals,
			Logger:        logger,
		}),
		holder:   &scanner.Holder{},
		cache:    cache,
		location: config.LoadLocation(cfg.Scan.Timezone),
		out:      out,
	}, nil
}

// newMarketData stacks rate limiting, retries and the circuit breaker around
// the Tradier client, or returns the synthetic provider.
func newMarketData(cfg *config.Config, logger *logrus.Logger) broker.MarketData {
	if cfg.IsMock() {
		logger.Warn("Using synthetic market data")
		return mock.NewDataProvider()
	}
	tradier := broker.NewTradierAPIWithBaseURL(
		cfg.Broker.APIKey,
		cfg.Broker.Sandbox,
		cfg.Broker.APIEndpoint,
		broker.RateLimits{MarketData: cfg.Broker.RequestsPerMinute},
	).WithTimeout(cfg.BrokerTimeout()).WithLogger(logger)

	retrying := retry.NewClient(tradier, logger, cfg.Retry())
	return broker.NewCircuitBreakerMarketDataWithSettings(retrying, cfg.CircuitBreaker(), logger)
}

// runScan performs one scan and publishes the result: the in-memory latest
// report, the HTML dashboard and the terminal table.
func (a *app) runScan(ctx context.Context) (*scanner.Report, error) {
	rep, err := a.scanner.ScanUniverse(ctx, a.source, a.cfg.Criteria())
	if rep == nil {
		return nil, err
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return rep, err
	}

	a.holder.Set(rep)
	if a.cache != nil {
		if cerr := a.cache.Flush(); cerr != nil {
			a.logger.WithError(cerr).Warn("Failed to persist price history cache")
		}
	}

	if rep.Empty() {
		a.logger.Info("No results found")
	} else if a.cfg.Output.HTMLPath != "" {
		if herr := report.WriteHTML(a.cfg.Output.HTMLPath, rep, a.location); herr != nil {
			a.logger.WithError(herr).Error("Failed to write dashboard")
		} else {
			a.logger.WithField("path", a.cfg.Output.HTMLPath).Info("Dashboard written")
		}
	}

	if a.cfg.Output.PrintTable && a.out != nil {
		if terr := report.WriteTable(a.out, rep); terr != nil {
			a.logger.WithError(terr).Warn("Failed to print results")
		}
	}

	if failed := rep.Failed(); len(failed) > 0 {
		symbols := make([]string, 0, len(failed))
		for _, o := range failed {
			symbols = append(symbols, o.Symbol)
		}
		a.logger.WithField("tickers", strings.Join(symbols, ",")).Warnf("%d tickers failed", len(failed))
	}
	return rep, err
}
