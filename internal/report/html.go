package report

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/eddiefleurent/csp-scanner/internal/scanner"
)

//go:embed templates/dashboard.html
var templateFS embed.FS

var dashboardTemplate = template.Must(
	template.New("dashboard.html").Funcs(template.FuncMap{
		"money":   func(v float64) string { return fmt.Sprintf("$%.2f", v) },
		"dollars": func(v float64) string { return fmt.Sprintf("$%.0f", v) },
		"strike":  func(v float64) string { return fmt.Sprintf("$%.1f", v) },
		"pct1":    func(v float64) string { return fmt.Sprintf("%.1f%%", v) },
		"pct2":    func(v float64) string { return fmt.Sprintf("%.2f%%", v) },
	}).ParseFS(templateFS, "templates/dashboard.html"),
)

// RenderHTML writes the dashboard for r to w.
func RenderHTML(w io.Writer, r *scanner.Report, loc *time.Location) error {
	return RenderView(w, NewView(r, loc))
}

// RenderView writes the dashboard for a prepared view.
func RenderView(w io.Writer, v View) error {
	if err := dashboardTemplate.Execute(w, v); err != nil {
		return fmt.Errorf("render dashboard: %w", err)
	}
	return nil
}

// WriteHTML renders the dashboard to path, replacing any previous file
// atomically.
func WriteHTML(path string, r *scanner.Report, loc *time.Location) error {
	var buf bytes.Buffer
	if err := RenderHTML(&buf, r, loc); err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, buf.Bytes(), 0o644); err != nil { // #nosec G306 -- published dashboard
		return fmt.Errorf("write dashboard: %w", err)
	}
	if err := os.Rename(tmpFile, path); err != nil {
		_ = os.Remove(tmpFile)
		return fmt.Errorf("write dashboard: %w", err)
	}
	return nil
}
