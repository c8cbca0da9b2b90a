package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/g6io/g6/internal/config"
	"github.com/g6io/g6/internal/metrics"
)

// runCatalog prints the declarative metric catalog as it would register
// under the current environment, so operators can see which groups the
// gating configuration keeps.
func runCatalog(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	reg := metrics.NewRegistry(metrics.Options{
		EnableGroups:         cfg.Metrics.EnableGroups,
		DisableGroups:        cfg.Metrics.DisableGroups,
		PerExpirySurface:     cfg.Analytics.VolSurfacePerExpiry,
		PerIndexRiskNotional: cfg.Analytics.RiskAggPerIndex,
		SamplingCounters:     cfg.Metrics.SamplingCounters,
	})
	return reg.Catalog(os.Stdout)
}
