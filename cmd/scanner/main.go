// Command scanner finds cash-secured put candidates across a ticker universe
// and publishes them as a terminal table, a static HTML dashboard and an HTTP
// dashboard.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata" // market timezone on hosts without zoneinfo

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "scanner",
	Short:         "Daily cash-secured put scanner",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to configuration file")
	rootCmd.AddCommand(newScanCmd(), newServeCmd())
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.WithField("signal", sig.String()).Info("Shutdown signal received, stopping...")
		cancel()
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.WithError(err).Error("scanner failed")
		os.Exit(1)
	}
}
