package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/eddiefleurent/csp-scanner/internal/config"
	"github.com/eddiefleurent/csp-scanner/internal/dashboard"
)

func newScanCmd() *cobra.Command {
	var o overrides
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one scan, print the results and write the HTML dashboard",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(o)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			_, err = a.runScan(cmd.Context())
			if errors.Is(err, context.Canceled) {
				a.logger.Warn("Scan interrupted, partial results published")
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&o.mock, "mock", false, "Use synthetic market data instead of Tradier")
	cmd.Flags().StringVar(&o.htmlPath, "html", "", "Write the dashboard to this path")
	cmd.Flags().StringSliceVar(&o.tickers, "tickers", nil, "Scan only these tickers (comma separated)")
	cmd.Flags().IntVar(&o.workers, "workers", 0, "Number of tickers analyzed concurrently")
	return cmd
}

func newServeCmd() *cobra.Command {
	var (
		o    overrides
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the dashboard and scan on the configured schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(o)
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Dashboard.Port = port
			}
			a, err := newApp(cfg, nil)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), a)
		},
	}
	cmd.Flags().BoolVar(&o.mock, "mock", false, "Use synthetic market data instead of Tradier")
	cmd.Flags().IntVar(&port, "port", 0, "Dashboard port (overrides dashboard.port)")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg
	server := dashboard.NewServer(dashboard.Config{
		Port:      cfg.Dashboard.Port,
		AuthToken: cfg.Dashboard.AuthToken,
		Location:  a.location,
	}, a.holder, a.runScan, a.logger)

	trigger := func(reason string) {
		a.logger.WithField("trigger", reason).Info("Starting scan")
		if _, _, err := server.TriggerScan(ctx); err != nil {
			a.logger.WithError(err).Error("Scheduled scan failed")
		}
	}

	var sched *cron.Cron
	if cfg.Schedule.Enabled {
		cronLogger := cron.PrintfLogger(a.logger)
		sched = cron.New(
			cron.WithLocation(config.LoadLocation(cfg.Schedule.Timezone)),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		)
		if _, err := sched.AddFunc(cfg.Schedule.Cron, func() { trigger("schedule") }); err != nil {
			return err
		}
		sched.Start()
		a.logger.WithField("cron", cfg.Schedule.Cron).WithField("timezone", cfg.Schedule.Timezone).Info("Scan schedule active")
	}
	if cfg.Schedule.RunOnStart {
		go trigger("startup")
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	if sched != nil {
		<-sched.Stop().Done()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.WithError(err).Warn("Dashboard shutdown failed")
	}
	a.logger.Info("Scanner stopped")
	return serveErr
}
