package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/csp-scanner/internal/scanner"
	"github.com/eddiefleurent/csp-scanner/internal/strategy"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func sampleReport(id string) *scanner.Report {
	bid := 1.5
	c := strategy.ScoredCandidate{
		Underlying: strategy.Underlying{Symbol: "AAA", Price: 100},
		Contract:   strategy.Contract{Symbol: "AAAP", Type: strategy.OptionTypePut, Strike: 95, Bid: &bid, Expiration: "2026-11-16"},
		Key:        strategy.GroupKey{Bucket: 3},
		DTE:        30,
		Metrics:    strategy.Metrics{ProbabilityOfWin: 0.72, SafetyCushionPct: 5, AnnualizedROI: 19.21},
		Score:      19.21,
	}
	groups := strategy.BucketResult{c.Key: {c}}
	buckets := strategy.DefaultBuckets()
	return &scanner.Report{
		ID:         id,
		FinishedAt: time.Date(2026, 10, 16, 19, 30, 0, 0, time.UTC),
		Processed:  2,
		Candidates: 1,
		Outcomes: []scanner.TickerOutcome{
			{Symbol: "AAA", Status: scanner.StatusOK, Candidates: 1},
			{Symbol: "BBB", Status: scanner.StatusFailed, Reason: scanner.ReasonQuote, Err: errors.New("timeout")},
		},
		Groups:    groups,
		Top:       []strategy.ScoredCandidate{c},
		Summaries: strategy.Summarize(groups, buckets, strategy.SelectByBucket),
		Buckets:   buckets,
		TopN:      3,
		Ceiling:   40,
	}
}

func do(t *testing.T, h http.Handler, method, target string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_BeforeFirstScan(t *testing.T) {
	s := NewServer(Config{}, nil, nil, quietLogger())

	rec := do(t, s.Handler(), http.MethodGet, "/api/scan", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s.Handler(), http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Daily Cash Secured Put Scanner")

	rec = do(t, s.Handler(), http.MethodPost, "/api/scan/run", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestServer_LatestReportEndpoints(t *testing.T) {
	holder := &scanner.Holder{}
	holder.Set(sampleReport("scan-1"))
	s := NewServer(Config{}, holder, nil, quietLogger())

	rec := do(t, s.Handler(), http.MethodGet, "/api/scan", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		ScanID string `json:"scan_id"`
		Tabs   []struct {
			Label string `json:"label"`
		} `json:"tabs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "scan-1", view.ScanID)
	require.Len(t, view.Tabs, 8)
	assert.Equal(t, "2026-11-16 (30 Days)", view.Tabs[3].Label)

	rec = do(t, s.Handler(), http.MethodGet, "/api/top?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"symbol":"AAA"`)

	rec = do(t, s.Handler(), http.MethodGet, "/api/top?limit=-2", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s.Handler(), http.MethodGet, "/api/outcomes?status=failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var outcomes []outcomeView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcomes))
	require.Len(t, outcomes, 1)
	assert.Equal(t, "BBB", outcomes[0].Symbol)
	assert.Equal(t, "timeout", outcomes[0].Error)

	rec = do(t, s.Handler(), http.MethodGet, "/", nil)
	assert.Contains(t, rec.Body.String(), "View Chain")

	rec = do(t, s.Handler(), http.MethodGet, "/health", nil)
	assert.Contains(t, rec.Body.String(), `"last_scan_id":"scan-1"`)
}

func TestServer_Auth(t *testing.T) {
	s := NewServer(Config{AuthToken: "secret"}, nil, nil, quietLogger())

	assert.Equal(t, http.StatusUnauthorized, do(t, s.Handler(), http.MethodGet, "/", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, s.Handler(), http.MethodGet, "/?token=wrong", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodGet, "/?token=secret", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodGet, "/", map[string]string{"X-Auth-Token": "secret"}).Code)
	assert.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodGet, "/health", nil).Code, "health is public")
}

func TestServer_RunScan(t *testing.T) {
	holder := &scanner.Holder{}
	scan := func(ctx context.Context) (*scanner.Report, error) {
		r := sampleReport("fresh")
		holder.Set(r)
		return r, nil
	}
	s := NewServer(Config{}, holder, scan, quietLogger())

	rec := do(t, s.Handler(), http.MethodPost, "/api/scan/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary ScanSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, "fresh", summary.ID)
	assert.Equal(t, 1, summary.Candidates)
	assert.Equal(t, "fresh", holder.Latest().ID)
}

func TestServer_RunScanFailure(t *testing.T) {
	scan := func(ctx context.Context) (*scanner.Report, error) {
		return nil, errors.New("universe unavailable")
	}
	s := NewServer(Config{}, nil, scan, quietLogger())
	rec := do(t, s.Handler(), http.MethodPost, "/api/scan/run", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "universe unavailable"))
}

func TestTriggerScan_ConcurrentCallsShareOneScan(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	scan := func(ctx context.Context) (*scanner.Report, error) {
		calls.Add(1)
		<-release
		return sampleReport("shared"), nil
	}
	s := NewServer(Config{}, nil, scan, quietLogger())

	const n = 5
	var (
		wg      sync.WaitGroup
		started sync.WaitGroup
		ids     = make([]string, n)
	)
	started.Add(n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			rep, _, err := s.TriggerScan(context.Background())
			if err == nil && rep != nil {
				ids[i] = rep.ID
			}
		}(i)
	}
	started.Wait()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, id := range ids {
		assert.Equal(t, "shared", id)
	}
}
