package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName = "g6"
	version = "v1.4.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     "g6",
		Short:   "Options-market telemetry platform",
		Version: version,
		Long: `g6 collects index option chains on a fixed cadence, classifies each
expiry (OK / PARTIAL / EMPTY / STALE), persists per-offset CSV files and
optional Postgres rows, and exposes Prometheus metrics plus an SSE panel
stream for dashboards.

Configuration is environment-driven (G6_* variables, optional .env file,
optional YAML index roster via G6_CONFIG_FILE).`,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the collection loop with the HTTP endpoint",
		Long:  "Start the cycle orchestrator, status writer and the combined metrics + event-stream HTTP server",
		RunE:  runRun,
	}

	runCmd.Flags().Bool("once", false, "Run exactly one cycle and exit")
	runCmd.Flags().Int("interval", 0, "Cycle interval in seconds (overrides G6_CYCLE_INTERVAL)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve HTTP endpoints without collecting",
		Long:  "Start only the metrics, health, snapshot-catalog and event-stream endpoints; no cycles run",
		RunE:  runServe,
	}

	serveCmd.Flags().String("addr", "", "Listen address (overrides G6_HTTP_ADDR)")

	overlayCmd := &cobra.Command{
		Use:   "overlay",
		Short: "Fold one trading day into the weekday master CSVs",
		Long:  "Update the per-weekday overlay masters (running mean and EMA per clock time) from a day's option CSV files",
		RunE:  runOverlay,
	}

	overlayCmd.Flags().String("date", "", "Trading day to fold (YYYY-MM-DD), defaults to today in IST")

	catalogCmd := &cobra.Command{
		Use:   "catalog",
		Short: "Print the generated metric catalog",
		Long:  "Dump every declared metric with its exposed name, kind, gating group and registration state under the current configuration",
		RunE:  runCatalog,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the g6 version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", appName, version)
		},
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(overlayCmd)
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
