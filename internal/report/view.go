// Package report renders scan results as a terminal table and as the static
// HTML dashboard.
package report

import (
	"fmt"
	"math"
	"net/url"
	"time"

	"github.com/eddiefleurent/csp-scanner/internal/pricing"
	"github.com/eddiefleurent/csp-scanner/internal/scanner"
	"github.com/eddiefleurent/csp-scanner/internal/strategy"
)

// Title is the dashboard heading.
const Title = "Daily Cash Secured Put Scanner"

// timestampLayout renders the scan time in the market zone.
const timestampLayout = "January 02, 2006 03:04 PM MST"

// Row is one candidate prepared for display. Percentages are rounded the way
// they are shown: safety and probability to 0.1, ROI to 0.01.
type Row struct {
	Rank       int     `json:"rank"`
	Symbol     string  `json:"symbol"`
	Price      float64 `json:"price"`
	Expiration string  `json:"expiration"`
	DTE        int     `json:"dte"`
	Strike     float64 `json:"strike"`
	Premium    float64 `json:"premium"`
	Safety     float64 `json:"safety_pct"`
	ProbWin    float64 `json:"prob_win_pct"`
	AnnROI     float64 `json:"ann_roi_pct"`
	BreakEven  float64 `json:"break_even"`
	Collateral float64 `json:"collateral"`
	Score      float64 `json:"score"`
	ChainURL   string  `json:"chain_url"`
}

// Tab is one group of the dashboard.
type Tab struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Rows  []Row  `json:"rows"`
}

// View is everything the dashboard template needs.
type View struct {
	Title        string `json:"title"`
	ScanID       string `json:"scan_id"`
	Generated    string `json:"generated"`
	Best         []Row  `json:"best"`
	Under        []Row  `json:"under"`
	Tabs         []Tab  `json:"tabs"`
	TopN         int    `json:"top_n"`
	Ceiling      string `json:"ceiling"`
	MaxDays      int    `json:"max_days"`
	Processed    int    `json:"processed"`
	Candidates   int    `json:"candidates"`
	Cancelled    bool   `json:"cancelled"`
	FailedCount  int    `json:"failed"`
	SkippedCount int    `json:"skipped"`
}

// NewView prepares r for display with timestamps in loc.
func NewView(r *scanner.Report, loc *time.Location) View {
	if loc == nil {
		loc = time.UTC
	}
	v := View{Title: Title}
	if r == nil {
		return v
	}
	v.Ceiling = fmt.Sprintf("$%.0f", r.Ceiling)
	v.TopN = r.TopN
	v.ScanID = r.ID
	v.Generated = r.FinishedAt.In(loc).Format(timestampLayout)
	v.Best = Rows(r.Top)
	v.Under = Rows(r.TopUnder)
	v.Processed = r.Processed
	v.Candidates = r.Candidates
	v.Cancelled = r.Cancelled
	for _, o := range r.Outcomes {
		switch o.Status {
		case scanner.StatusFailed:
			v.FailedCount++
		case scanner.StatusSkipped:
			v.SkippedCount++
		}
	}
	for _, b := range r.Buckets {
		if b.MaxDays > v.MaxDays {
			v.MaxDays = b.MaxDays
		}
	}

	for i, s := range r.Summaries {
		v.Tabs = append(v.Tabs, Tab{
			ID:    fmt.Sprintf("content-%d", i),
			Label: tabLabel(i, s),
			Rows:  Rows(r.Groups[s.Key]),
		})
	}
	return v
}

func tabLabel(i int, s strategy.GroupSummary) string {
	if s.Count == 0 || s.CommonExpiration == "" {
		return fmt.Sprintf("Bucket %d (No Data)", i+1)
	}
	return fmt.Sprintf("%s (%d Days)", s.CommonExpiration, s.AvgDTE)
}

// Rows converts ranked candidates, numbering them from 1.
func Rows(cs []strategy.ScoredCandidate) []Row {
	rows := make([]Row, 0, len(cs))
	for i, c := range cs {
		rows = append(rows, NewRow(i+1, c))
	}
	return rows
}

// NewRow converts one candidate.
func NewRow(rank int, c strategy.ScoredCandidate) Row {
	return Row{
		Rank:       rank,
		Symbol:     c.Underlying.Symbol,
		Price:      c.Underlying.Price,
		Expiration: c.Contract.Expiration,
		DTE:        c.DTE,
		Strike:     c.Contract.Strike,
		Premium:    c.Contract.BidValue(),
		Safety:     round(c.SafetyCushionPct, 1),
		ProbWin:    round(c.ProbabilityOfWin*100, 1),
		AnnROI:     round(c.AnnualizedROI, 2),
		BreakEven:  pricing.BreakEven(c.Contract.Strike, c.Contract.BidValue()),
		Collateral: pricing.Collateral(c.Contract.Strike),
		Score:      c.Score,
		ChainURL:   ChainURL(c.Underlying.Symbol, c.Expiration()),
	}
}

// ChainURL links to the public option chain of symbol at expiration.
func ChainURL(symbol string, expiration time.Time) string {
	u := "https://finance.yahoo.com/quote/" + url.PathEscape(symbol) + "/options"
	if expiration.IsZero() {
		return u
	}
	return fmt.Sprintf("%s?date=%d", u, expiration.Unix())
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
