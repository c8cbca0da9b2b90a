package events

import (
	"sync"

	"github.com/g6io/g6/internal/metrics"
)

var (
	defaultMu  sync.Mutex
	defaultBus *Bus
)

// Default returns the process-wide bus, created on first access with
// production defaults and the default metrics registry. Components
// normally receive a bus explicitly; Default serves call sites
// constructed without one.
func Default() *Bus {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultBus == nil {
		defaultBus = NewBus(Options{Registry: metrics.Default()})
	}
	return defaultBus
}

// ResetForTests discards the process-wide bus so the next Default call
// starts from an empty ring.
func ResetForTests() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultBus = nil
}
