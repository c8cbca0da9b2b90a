package metrics

import (
	"os"
	"strings"
	"sync"
)

var (
	defaultMu  sync.Mutex
	defaultReg *Registry
)

// Default returns the process-wide registry, built on first access with
// group gating read from G6_ENABLE_METRIC_GROUPS and
// G6_DISABLE_METRIC_GROUPS. Components normally receive a registry
// explicitly; Default serves call sites constructed without one.
func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultReg == nil {
		defaultReg = NewRegistry(Options{
			EnableGroups:  envGroups("G6_ENABLE_METRIC_GROUPS"),
			DisableGroups: envGroups("G6_DISABLE_METRIC_GROUPS"),
		})
	}
	return defaultReg
}

// ResetForTests discards the process-wide registry so the next Default
// call rebuilds it from the current environment.
func ResetForTests() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultReg = nil
}

func envGroups(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
