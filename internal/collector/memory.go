package collector

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/g6io/g6/internal/config"
)

// Tier is the memory pressure level derived from resident set size.
// Higher tiers shrink the strike window and shed per-option work.
type Tier int

const (
	TierNormal Tier = iota
	TierElevated
	TierHigh
	TierCritical
)

func (t Tier) String() string {
	switch t {
	case TierElevated:
		return "elevated"
	case TierHigh:
		return "high"
	case TierCritical:
		return "critical"
	default:
		return "normal"
	}
}

// scaleFor maps a pressure tier onto the strike-window scale factor fed
// into the ladder builder.
func scaleFor(t Tier) float64 {
	switch t {
	case TierElevated:
		return 0.8
	case TierHigh:
		return 0.6
	case TierCritical:
		return 0.4
	default:
		return 1
	}
}

// MemoryWatcher samples the process RSS and CPU once per cycle and maps
// the RSS onto the configured pressure tiers.
type MemoryWatcher struct {
	cfg  config.MemoryConfig
	proc *process.Process
}

func NewMemoryWatcher(cfg config.MemoryConfig) *MemoryWatcher {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		proc = nil
	}
	return &MemoryWatcher{cfg: cfg, proc: proc}
}

// Sample returns (RSS MiB, CPU percent, tier). Sampling errors degrade to
// zeros so a broken procfs never stalls collection.
func (w *MemoryWatcher) Sample() (float64, float64, Tier) {
	if w == nil || w.proc == nil {
		return 0, 0, TierNormal
	}
	var memMB, cpuPct float64
	if mi, err := w.proc.MemoryInfo(); err == nil && mi != nil {
		memMB = float64(mi.RSS) / (1024 * 1024)
	}
	if pct, err := w.proc.CPUPercent(); err == nil {
		cpuPct = pct
	}
	return memMB, cpuPct, w.tierFor(memMB)
}

func (w *MemoryWatcher) tierFor(memMB float64) Tier {
	switch {
	case w.cfg.CriticalMB > 0 && memMB >= float64(w.cfg.CriticalMB):
		return TierCritical
	case w.cfg.HighMB > 0 && memMB >= float64(w.cfg.HighMB):
		return TierHigh
	case w.cfg.ElevatedMB > 0 && memMB >= float64(w.cfg.ElevatedMB):
		return TierElevated
	default:
		return TierNormal
	}
}

// cycleFlags are the per-cycle work toggles derived from memory pressure
// and the greeks configuration before the first index runs.
type cycleFlags struct {
	scale         float64
	optionMetrics bool
	estimateIV    bool
	computeGreeks bool
}

func (o *Orchestrator) flagsFor(tier Tier) cycleFlags {
	return cycleFlags{
		scale:         scaleFor(tier),
		optionMetrics: tier < TierHigh,
		estimateIV:    o.cfg.Greeks.EstimateIV && tier < TierCritical,
		computeGreeks: o.cfg.Greeks.ComputeGreeks && tier < TierCritical,
	}
}
