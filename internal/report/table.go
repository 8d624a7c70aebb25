package report

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/eddiefleurent/csp-scanner/internal/scanner"
)

var tableHeader = []string{"#", "Ticker", "Price", "Expiration", "DTE", "Strike", "Safety", "Prob. Win", "Premium", "Ann. ROI", "Break-even"}

// WriteTable prints the ranked views and every populated group of r.
func WriteTable(w io.Writer, r *scanner.Report) error {
	if r == nil {
		return nil
	}
	v := NewView(r, nil)

	var b strings.Builder
	fmt.Fprintf(&b, "Scan %s: %d/%d tickers analyzed, %d with candidates, %d candidates",
		r.ID, r.Processed, r.Tickers, r.WithCandidates, r.Candidates)
	if r.Cancelled {
		b.WriteString(" (cancelled)")
	}
	b.WriteString("\n")
	if len(r.SkipReasons) > 0 {
		reasons := make([]string, 0, len(r.SkipReasons))
		for reason, n := range r.SkipReasons {
			reasons = append(reasons, fmt.Sprintf("%s=%d", reason, n))
		}
		sort.Strings(reasons)
		fmt.Fprintf(&b, "Skipped: %s\n", strings.Join(reasons, " "))
	}
	if _, err := io.WriteString(w, b.String()); err != nil {
		return err
	}

	if r.Empty() {
		_, err := io.WriteString(w, "No results.\n")
		return err
	}

	sections := []struct {
		title string
		rows  []Row
	}{
		{fmt.Sprintf("Best trades (top %d)", v.TopN), v.Best},
		{fmt.Sprintf("Best under %s (top %d)", v.Ceiling, v.TopN), v.Under},
	}
	for _, tab := range v.Tabs {
		if len(tab.Rows) > 0 {
			sections = append(sections, struct {
				title string
				rows  []Row
			}{tab.Label, tab.Rows})
		}
	}

	for _, s := range sections {
		if _, err := fmt.Fprintf(w, "\n%s\n", s.title); err != nil {
			return err
		}
		renderRows(w, s.rows)
	}
	return nil
}

func renderRows(w io.Writer, rows []Row) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(tableHeader)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	table.SetAutoFormatHeaders(false)
	for _, row := range rows {
		table.Append([]string{
			fmt.Sprintf("%d", row.Rank),
			row.Symbol,
			fmt.Sprintf("$%.2f", row.Price),
			row.Expiration,
			fmt.Sprintf("%d", row.DTE),
			fmt.Sprintf("$%.1f", row.Strike),
			fmt.Sprintf("%.1f%%", row.Safety),
			fmt.Sprintf("%.1f%%", row.ProbWin),
			fmt.Sprintf("$%.2f", row.Premium),
			fmt.Sprintf("%.2f%%", row.AnnROI),
			fmt.Sprintf("$%.2f", row.BreakEven),
		})
	}
	if len(rows) == 0 {
		table.Append([]string{"-", "none", "", "", "", "", "", "", "", "", ""})
	}
	table.Render()
}
