package screener

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/sirupsen/logrus"
)

// DefaultFinvizURL is the screener CSV export endpoint.
const DefaultFinvizURL = "https://elite.finviz.com/export.ashx"

// finvizRow is one line of the export. Columns not present in the chosen view
// decode as empty strings.
type finvizRow struct {
	Ticker          string `csv:"Ticker"`
	Company         string `csv:"Company"`
	Price           string `csv:"Price"`
	AverageVolume   string `csv:"Average Volume"`
	VolatilityMonth string `csv:"Volatility (Month)"`
}

// FinvizSource fetches candidates from the Finviz screener export and orders
// them by monthly volatility, most volatile first.
type FinvizSource struct {
	BaseURL   string
	AuthToken string
	View      string
	Client    *http.Client
	Logger    *logrus.Logger
}

// NewFinvizSource creates a source for the export endpoint with a 30s timeout.
func NewFinvizSource(authToken string) *FinvizSource {
	return &FinvizSource{
		BaseURL:   DefaultFinvizURL,
		AuthToken: authToken,
		View:      "152",
		Client:    &http.Client{Timeout: 30 * time.Second},
	}
}

var (
	finvizVolumeSteps = []int64{50, 100, 200, 300, 400, 500, 750, 1000, 2000}
	finvizPriceSteps  = []float64{1, 2, 3, 4, 5, 7, 10, 15, 20, 30, 40, 50}
)

// Filters translates criteria into Finviz filter codes. Thresholds round down
// to the nearest step Finviz offers; the engine enforces the exact values.
func Filters(c Criteria) []string {
	var f []string
	if c.Optionable {
		f = append(f, "sh_opt_option")
	}
	if c.MinAvgVolume > 0 {
		thousands := c.MinAvgVolume / 1000
		var step int64
		for _, s := range finvizVolumeSteps {
			if s <= thousands {
				step = s
			}
		}
		if step > 0 {
			f = append(f, fmt.Sprintf("sh_avgvol_o%d", step))
		}
	}
	if c.MinPrice > 0 {
		var step float64
		for _, s := range finvizPriceSteps {
			if s <= c.MinPrice {
				step = s
			}
		}
		if step > 0 {
			f = append(f, fmt.Sprintf("sh_price_o%d", int(step)))
		}
	}
	if c.AboveSMA200 {
		f = append(f, "ta_sma200_pa")
	}
	if c.PositiveEPSGrowth {
		f = append(f, "fa_epsqoq_pos")
	}
	switch {
	case c.RSIMin >= 50:
		f = append(f, "ta_rsi_nos50")
	case c.RSIMin >= 40:
		f = append(f, "ta_rsi_nos40")
	case c.RSIMax > 0 && c.RSIMax <= 50:
		f = append(f, "ta_rsi_nob50")
	case c.RSIMax > 0 && c.RSIMax <= 60:
		f = append(f, "ta_rsi_nob60")
	}
	return f
}

// exportURL builds the export request for c.
func (s *FinvizSource) exportURL(c Criteria) (string, error) {
	base := s.BaseURL
	if base == "" {
		base = DefaultFinvizURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid finviz url: %w", err)
	}
	q := u.Query()
	view := s.View
	if view == "" {
		view = "152"
	}
	q.Set("v", view)
	q.Set("f", strings.Join(Filters(c), ","))
	if s.AuthToken != "" {
		q.Set("auth", s.AuthToken)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Fetch downloads and parses the export.
func (s *FinvizSource) Fetch(ctx context.Context, c Criteria) ([]string, error) {
	endpoint, err := s.exportURL(c)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/csv")
	req.Header.Set("User-Agent", "csp-scanner/1.0 (+finviz)")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("finviz request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("finviz export: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("finviz export: read body: %w", err)
	}

	symbols, err := ParseFinvizExport(body)
	if err != nil {
		return nil, err
	}
	if s.Logger != nil {
		s.Logger.WithField("count", len(symbols)).Info("Finviz candidates fetched")
	}
	return symbols, nil
}

// ParseFinvizExport decodes an export CSV and returns tickers sorted by
// monthly volatility descending. Rows without a parseable volatility keep
// their relative order after the ranked ones.
func ParseFinvizExport(data []byte) ([]string, error) {
	var rows []finvizRow
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return nil, fmt.Errorf("finviz export: %w", err)
	}

	type ranked struct {
		symbol string
		vol    float64
	}
	list := make([]ranked, 0, len(rows))
	for _, r := range rows {
		sym := NormalizeSymbol(r.Ticker)
		if sym == "" {
			continue
		}
		list = append(list, ranked{symbol: sym, vol: parsePercent(r.VolatilityMonth)})
	}
	sort.SliceStable(list, func(i, j int) bool {
		vi, vj := list[i].vol, list[j].vol
		if math.IsNaN(vj) {
			return !math.IsNaN(vi)
		}
		if math.IsNaN(vi) {
			return false
		}
		return vi > vj
	})

	out := make([]string, len(list))
	for i, r := range list {
		out[i] = r.symbol
	}
	return out, nil
}

func parsePercent(s string) float64 {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	if s == "" || s == "-" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}
