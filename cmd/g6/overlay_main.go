package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/g6io/g6/internal/config"
	"github.com/g6io/g6/internal/istime"
	"github.com/g6io/g6/internal/metrics"
	"github.com/g6io/g6/internal/overlay"
)

func runOverlay(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	reg := metrics.NewRegistry(metrics.Options{
		EnableGroups:  cfg.Metrics.EnableGroups,
		DisableGroups: cfg.Metrics.DisableGroups,
	})

	date := istime.Now()
	if raw, _ := cmd.Flags().GetString("date"); raw != "" {
		date, err = time.ParseInLocation("2006-01-02", raw, istime.Zone())
		if err != nil {
			return fmt.Errorf("invalid --date %q: %w", raw, err)
		}
	}

	log.Info().Str("date", date.In(istime.Zone()).Format("2006-01-02")).
		Str("csv_dir", cfg.Storage.CSVDir).
		Str("master_dir", cfg.Overlay.MasterDir).
		Msg("weekday overlay starting")

	sum, err := overlay.New(cfg, reg).Run(date)
	if err != nil {
		return err
	}

	fmt.Printf("Folded %d rows into %d weekday masters (%d already up to date)\n",
		sum.Rows, sum.Files, sum.Skipped)
	return nil
}
