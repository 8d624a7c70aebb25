package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/csp-scanner/internal/config"
	"github.com/eddiefleurent/csp-scanner/internal/mock"
)

func TestOverrides_Apply(t *testing.T) {
	cfg := config.Default()
	cfg.Screener.Finviz.Enabled = true
	overrides{mock: true, htmlPath: "out.html", tickers: []string{"AAA"}, workers: 2}.apply(&cfg)

	assert.True(t, cfg.IsMock())
	assert.Equal(t, "out.html", cfg.Output.HTMLPath)
	assert.Equal(t, []string{"AAA"}, cfg.Screener.LiquidTickers)
	assert.False(t, cfg.Screener.Finviz.Enabled, "explicit tickers replace the screener")
	assert.Equal(t, 2, cfg.Scan.Workers)
}

func TestLoadConfig_MockWithoutFile(t *testing.T) {
	configPath = filepath.Join(t.TempDir(), "missing.yaml")
	t.Cleanup(func() { configPath = "config.yaml" })

	_, err := loadConfig(overrides{})
	assert.Error(t, err, "the tradier provider needs a config file")

	cfg, err := loadConfig(overrides{mock: true})
	require.NoError(t, err)
	assert.True(t, cfg.IsMock())
}

func TestNewMarketData_Mock(t *testing.T) {
	cfg := config.Default()
	cfg.Broker.Provider = "mock"
	_, ok := newMarketData(&cfg, cfg.NewLogger()).(*mock.DataProvider)
	assert.True(t, ok)
}

func TestRunScan_Mock(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	overrides{
		mock:     true,
		htmlPath: filepath.Join(dir, "index.html"),
		tickers:  []string{"SPY", "QQQ", "IWM", "AAPL", "MSFT", "AMD"},
		workers:  3,
	}.apply(&cfg)
	cfg.Environment.LogLevel = "error"
	cfg.Screener.Trend.CachePath = filepath.Join(dir, "history_cache.json")
	cfg.Scan.MinPrice = 0
	require.NoError(t, cfg.Validate())

	var out bytes.Buffer
	a, err := newApp(&cfg, &out)
	require.NoError(t, err)
	require.NotNil(t, a.cache)

	rep, err := a.runScan(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rep)
	assert.Equal(t, 6, rep.Tickers)
	assert.Len(t, rep.Outcomes, 6)
	assert.Same(t, rep, a.holder.Latest())
	assert.Contains(t, out.String(), "6/6 tickers analyzed")

	_, err = os.Stat(cfg.Screener.Trend.CachePath)
	assert.NoError(t, err, "history cache is flushed after the scan")
	if !rep.Empty() {
		_, err = os.Stat(cfg.Output.HTMLPath)
		assert.NoError(t, err)
	}
}
