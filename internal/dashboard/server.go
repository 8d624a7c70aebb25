// Package dashboard serves the latest scan over HTTP and lets operators
// trigger a rescan.
package dashboard

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/eddiefleurent/csp-scanner/internal/report"
	"github.com/eddiefleurent/csp-scanner/internal/scanner"
)

// ScanFunc runs one complete scan and publishes its result.
type ScanFunc func(ctx context.Context) (*scanner.Report, error)

type Server struct {
	router      *chi.Mux
	server      *http.Server
	reports     *scanner.Holder
	scan        ScanFunc
	group       singleflight.Group
	logger      *logrus.Logger
	port        int
	authToken   string
	location    *time.Location
	scanTimeout time.Duration
	started     time.Time
}

type Config struct {
	Port        int
	AuthToken   string
	Location    *time.Location // zone of rendered timestamps
	ScanTimeout time.Duration  // bound on a triggered scan; 0 means 30 minutes
}

// ScanSummary is the response of a triggered scan.
type ScanSummary struct {
	ID             string    `json:"id"`
	FinishedAt     time.Time `json:"finished_at"`
	Processed      int       `json:"processed"`
	WithCandidates int       `json:"with_candidates"`
	Candidates     int       `json:"candidates"`
	Cancelled      bool      `json:"cancelled"`
	Shared         bool      `json:"shared"` // joined a scan already in flight
}

// NewServer wires the routes. scan may be nil, in which case triggering a
// rescan answers 501.
func NewServer(cfg Config, reports *scanner.Holder, scan ScanFunc, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if reports == nil {
		reports = &scanner.Holder{}
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	timeout := cfg.ScanTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	s := &Server{
		router:      chi.NewRouter(),
		reports:     reports,
		scan:        scan,
		logger:      logger,
		port:        cfg.Port,
		authToken:   cfg.AuthToken,
		location:    loc,
		scanTimeout: timeout,
		started:     time.Now(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Get("/", s.handleDashboard)
		r.Get("/api/scan", s.handleGetScan)
		r.Get("/api/top", s.handleGetTop)
		r.Get("/api/outcomes", s.handleGetOutcomes)
		r.Get("/health", s.handleHealth)
	})

	// Scans outlive the request timeout.
	s.router.Post("/api/scan/run", s.handleRunScan)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting dashboard server on port %d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// TriggerScan runs a scan unless one is already in flight, in which case it
// waits for that scan and shares its result. shared reports the latter.
func (s *Server) TriggerScan(ctx context.Context) (rep *scanner.Report, shared bool, err error) {
	if s.scan == nil {
		return nil, false, errScanDisabled
	}
	ch := s.group.DoChan("scan", func() (interface{}, error) {
		scanCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.scanTimeout)
		defer cancel()
		return s.scan(scanCtx)
	})
	select {
	case res := <-ch:
		rep, _ = res.Val.(*scanner.Report)
		return rep, res.Shared, res.Err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

var errScanDisabled = errors.New("scanning is not enabled on this server")

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := report.RenderHTML(&buf, s.reports.Latest(), s.location); err != nil {
		s.logger.WithError(err).Error("Failed to render dashboard")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) latestOr404(w http.ResponseWriter) *scanner.Report {
	latest := s.reports.Latest()
	if latest == nil {
		s.writeError(w, http.StatusNotFound, "no scan has completed yet")
	}
	return latest
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	latest := s.latestOr404(w)
	if latest == nil {
		return
	}
	s.writeJSON(w, http.StatusOK, report.NewView(latest, s.location))
}

func (s *Server) handleGetTop(w http.ResponseWriter, r *http.Request) {
	latest := s.latestOr404(w)
	if latest == nil {
		return
	}
	v := report.NewView(latest, s.location)
	limit, err := queryLimit(r, len(v.Best))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"scan_id": v.ScanID,
		"best":    head(v.Best, limit),
		"under":   head(v.Under, limit),
		"ceiling": v.Ceiling,
	})
}

type outcomeView struct {
	Symbol     string `json:"symbol"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
	Candidates int    `json:"candidates"`
}

func (s *Server) handleGetOutcomes(w http.ResponseWriter, r *http.Request) {
	latest := s.latestOr404(w)
	if latest == nil {
		return
	}
	status := r.URL.Query().Get("status")
	out := make([]outcomeView, 0, len(latest.Outcomes))
	for _, o := range latest.Outcomes {
		if status != "" && string(o.Status) != status {
			continue
		}
		v := outcomeView{Symbol: o.Symbol, Status: string(o.Status), Reason: o.Reason, Candidates: o.Candidates}
		if o.Err != nil {
			v.Error = o.Err.Error()
		}
		out = append(out, v)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRunScan(w http.ResponseWriter, r *http.Request) {
	rep, shared, err := s.TriggerScan(r.Context())
	switch {
	case errors.Is(err, errScanDisabled):
		s.writeError(w, http.StatusNotImplemented, err.Error())
		return
	case rep == nil && err != nil:
		s.logger.WithError(err).Error("Triggered scan failed")
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	case rep == nil:
		s.writeError(w, http.StatusInternalServerError, "scan returned no report")
		return
	}
	if err != nil {
		s.logger.WithError(err).Warn("Triggered scan finished early")
	}
	s.writeJSON(w, http.StatusOK, ScanSummary{
		ID:             rep.ID,
		FinishedAt:     rep.FinishedAt,
		Processed:      rep.Processed,
		WithCandidates: rep.WithCandidates,
		Candidates:     rep.Candidates,
		Cancelled:      rep.Cancelled,
		Shared:         shared,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	}
	if latest := s.reports.Latest(); latest != nil {
		health["last_scan"] = latest.FinishedAt.Unix()
		health["last_scan_id"] = latest.ID
	}
	s.writeJSON(w, http.StatusOK, health)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func queryLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer")
	}
	return n, nil
}

func head(rows []report.Row, n int) []report.Row {
	if n < len(rows) {
		return rows[:n]
	}
	return rows
}
