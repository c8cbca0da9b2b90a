package adaptive

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/g6io/g6/internal/config"
	"github.com/g6io/g6/internal/events"
	"github.com/g6io/g6/internal/istime"
	"github.com/g6io/g6/internal/metrics"
)

// SeverityState tracks the active severity for one (index, type) pair.
// Counts records how many alerts landed at each level since start.
type SeverityState struct {
	Index      string         `json:"index"`
	Type       string         `json:"type"`
	Current    string         `json:"current_severity"`
	Counts     map[string]int `json:"counts"`
	DecaySteps int            `json:"decay_steps"`
	LastAlert  string         `json:"last_alert"`
	LastChange string         `json:"last_change"`
}

// SeverityEngine grades alerts against per-type warn/critical rules and
// maintains the active severity per (index, type). Rules with critical
// below warn grade descending, so lower values are worse; bucket
// utilization uses that shape.
type SeverityEngine struct {
	enabled bool
	rules   map[string]config.SeverityRule
	bus     *events.Bus
	reg     *metrics.Registry
	now     func() time.Time

	mu       sync.Mutex
	states   map[string]*SeverityState
	lastSeen map[string]time.Time
}

func NewSeverityEngine(cfg config.AdaptiveConfig, bus *events.Bus, reg *metrics.Registry, now func() time.Time) *SeverityEngine {
	if now == nil {
		now = istime.Now
	}
	rules := cfg.SeverityRules
	if rules == nil {
		rules = config.DefaultSeverityRules()
	}
	return &SeverityEngine{
		enabled:  cfg.SeverityEnabled,
		rules:    rules,
		bus:      bus,
		reg:      reg,
		now:      now,
		states:   make(map[string]*SeverityState),
		lastSeen: make(map[string]time.Time),
	}
}

// Enrich grades the alert and updates the active severity state. A state
// change publishes severity_state for the pair plus the aggregate
// severity_counts. When the engine is disabled every alert grades info
// and no state is kept.
func (s *SeverityEngine) Enrich(a *Alert) {
	if a.Severity == "" {
		a.Severity = s.classify(a)
	}
	if !s.enabled {
		a.ActiveSeverity = a.Severity
		return
	}

	s.mu.Lock()
	key := a.key()
	st := s.states[key]
	if st == nil {
		idx := a.Index
		if idx == "" {
			idx = IndexGlobal
		}
		st = &SeverityState{
			Index:   idx,
			Type:    a.Type,
			Current: SevInfo,
			Counts:  map[string]int{SevInfo: 0, SevWarn: 0, SevCritical: 0},
		}
		s.states[key] = st
	}
	st.Counts[a.Severity]++
	st.DecaySteps = 0
	st.LastAlert = istime.Format(s.now())
	s.lastSeen[key] = s.now()

	changed := st.Current != a.Severity
	if changed {
		st.Current = a.Severity
		st.LastChange = st.LastAlert
	}
	a.ActiveSeverity = st.Current
	snapshot := *st
	counts := s.countsLocked()
	s.mu.Unlock()

	if s.reg != nil {
		s.reg.Set(metrics.MSeverityState, float64(severityRank(snapshot.Current)), snapshot.Index, snapshot.Type)
	}
	if changed {
		s.publishState(snapshot, counts)
	}
}

func (s *SeverityEngine) classify(a *Alert) string {
	rule, ok := s.rules[a.Type]
	if !ok {
		return SevInfo
	}
	v := a.primary()
	if rule.Critical >= rule.Warn {
		switch {
		case v >= rule.Critical:
			return SevCritical
		case v >= rule.Warn:
			return SevWarn
		}
		return SevInfo
	}
	switch {
	case v <= rule.Critical:
		return SevCritical
	case v <= rule.Warn:
		return SevWarn
	}
	return SevInfo
}

// Counts tallies active states by their current severity.
func (s *SeverityEngine) Counts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countsLocked()
}

func (s *SeverityEngine) countsLocked() map[string]int {
	counts := map[string]int{SevInfo: 0, SevWarn: 0, SevCritical: 0}
	for _, st := range s.states {
		counts[st.Current]++
	}
	return counts
}

// State returns a copy of the state for (index, type), if any.
func (s *SeverityEngine) State(index, alertType string) (SeverityState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[(&Alert{Index: index, Type: alertType}).key()]
	if !ok {
		return SeverityState{}, false
	}
	return *st, true
}

// Sweep decays states that stayed quiet longer than idle: each sweep
// steps the active severity down one level until info. Demotions publish
// the same state events as escalations.
func (s *SeverityEngine) Sweep(idle time.Duration) {
	if !s.enabled || idle <= 0 {
		return
	}
	now := s.now()

	s.mu.Lock()
	var changed []SeverityState
	for key, st := range s.states {
		if st.Current == SevInfo {
			continue
		}
		if last, ok := s.lastSeen[key]; !ok || now.Sub(last) < idle {
			continue
		}
		switch st.Current {
		case SevCritical:
			st.Current = SevWarn
		case SevWarn:
			st.Current = SevInfo
		}
		st.DecaySteps++
		st.LastChange = istime.Format(now)
		s.lastSeen[key] = now
		changed = append(changed, *st)
	}
	var counts map[string]int
	if len(changed) > 0 {
		counts = s.countsLocked()
	}
	s.mu.Unlock()

	for _, st := range changed {
		if s.reg != nil {
			s.reg.Set(metrics.MSeverityState, float64(severityRank(st.Current)), st.Index, st.Type)
		}
		s.publishState(st, counts)
	}
}

func (s *SeverityEngine) publishState(st SeverityState, counts map[string]int) {
	if s.bus == nil {
		return
	}
	_, err := s.bus.Publish(TypeSeverityState, map[string]any{
		"index":            st.Index,
		"type":             st.Type,
		"current_severity": st.Current,
		"counts":           st.Counts,
		"decay_steps":      st.DecaySteps,
		"last_change":      st.LastChange,
	}, events.WithCoalesceKey("severity_state:"+st.Index+":"+st.Type))
	if err != nil {
		log.Error().Err(err).Str("index", st.Index).Str("type", st.Type).Msg("severity state publish failed")
		return
	}
	_, err = s.bus.Publish(TypeSeverityCounts, map[string]any{
		"counts": counts,
	}, events.WithCoalesceKey("severity_counts"))
	if err != nil {
		log.Error().Err(err).Msg("severity counts publish failed")
	}
}
