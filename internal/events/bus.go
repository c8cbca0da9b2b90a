// Package events implements the in-process pub/sub backbone: a bounded,
// coalescing, generation-stamped ring consumed by the SSE gateway and fed
// by the collection loop. Publishing is cheap and never blocks on
// consumers; when the backlog crosses the degrade threshold the bus enters
// degraded mode, panel diffs are downgraded to stubs, and an adaptive
// controller decides when the pressure has passed.
package events

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/g6io/g6/internal/errs"
	"github.com/g6io/g6/internal/istime"
	"github.com/g6io/g6/internal/metrics"
)

// Event types the bus treats specially. Other types pass through verbatim.
const (
	TypePanelFull = "panel_full"
	TypePanelDiff = "panel_diff"
)

// Snapshot guard trigger reasons.
const (
	ReasonMissingBaseline    = "missing_baseline"
	ReasonGapExceeded        = "gap_exceeded"
	ReasonGenerationMismatch = "generation_mismatch"
)

// Event is one record on the bus. Payload is owned by the bus after
// Publish and must be treated as read-only by consumers; Serialized holds
// the canonical JSON form computed at publish time.
type Event struct {
	ID          int64          `json:"id"`
	Type        string         `json:"type"`
	Timestamp   string         `json:"timestamp"`
	CoalesceKey string         `json:"coalesce_key,omitempty"`
	Payload     map[string]any `json:"payload"`
	Serialized  []byte         `json:"-"`

	at time.Time
}

// Options configures a Bus. Zero values fall back to production defaults.
type Options struct {
	Capacity       int
	BacklogWarn    int
	BacklogDegrade int
	SnapshotGapMax int64
	// ForceFullRetry is the per-reason cooldown between forced fulls.
	ForceFullRetry time.Duration
	// Retention bounds how long events are kept for replay. Expired
	// events are trimmed on publish, which is what lets the backlog
	// ratio recover after a flood and the degrade controller exit.
	Retention time.Duration
	// TraceEnabled stamps `_trace{id, publish_ts}` into panel payloads.
	TraceEnabled   bool
	SerializeCache int
	Controller     ControllerConfig
	Registry       *metrics.Registry
	Now            func() time.Time
}

// Bus is the bounded coalescing event ring. All mutating paths take b.mu;
// payload serialization and controller feedback run outside it.
type Bus struct {
	reg  *metrics.Registry
	ctrl *DegradeController
	ser  *serializeCache
	now  func() time.Time

	capacity       int
	backlogWarn    int
	backlogDegrade int
	gapMax         int64
	forceRetry     time.Duration
	retention      time.Duration
	trace          bool

	lazyOnce sync.Once

	mu             sync.Mutex
	events         []*Event
	seq            int64
	generation     int64
	degraded       bool
	warnActive     bool
	highwater      int
	consumers      int
	typeCounts     map[string]int64
	coalesceCounts map[string]int64
	coalesceIndex  map[string]int64
	lastFullID     int64
	lastFullUnix   int64
	latestFull     map[string]any
	latestFullGen  int64
	lastDiffID     int64
	lastDiffGen    int64
	forcedAt       map[string]time.Time
	forcedLast     string
}

// NewBus builds a bus with the given options, deriving the warn and
// degrade thresholds from capacity when unset (3/4 and 9/10).
func NewBus(opts Options) *Bus {
	if opts.Capacity <= 0 {
		opts.Capacity = 2048
	}
	if opts.BacklogDegrade <= 0 {
		opts.BacklogDegrade = opts.Capacity * 9 / 10
	}
	if opts.BacklogWarn <= 0 {
		opts.BacklogWarn = opts.Capacity * 3 / 4
	}
	if opts.SnapshotGapMax <= 0 {
		opts.SnapshotGapMax = 500
	}
	if opts.ForceFullRetry <= 0 {
		opts.ForceFullRetry = 30 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = 10 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = istime.Now
	}
	if opts.Controller.Now == nil {
		opts.Controller.Now = opts.Now
	}
	if opts.Registry == nil {
		opts.Registry = metrics.Default()
	}
	return &Bus{
		reg:            opts.Registry,
		ctrl:           NewDegradeController(opts.Controller),
		ser:            newSerializeCache(opts.SerializeCache),
		now:            opts.Now,
		capacity:       opts.Capacity,
		backlogWarn:    opts.BacklogWarn,
		backlogDegrade: opts.BacklogDegrade,
		gapMax:         opts.SnapshotGapMax,
		forceRetry:     opts.ForceFullRetry,
		retention:      opts.Retention,
		trace:          opts.TraceEnabled,
		typeCounts:     make(map[string]int64),
		coalesceCounts: make(map[string]int64),
		coalesceIndex:  make(map[string]int64),
		forcedAt:       make(map[string]time.Time),
	}
}

// PublishOption customizes a single publish call.
type PublishOption func(*publishOptions)

type publishOptions struct {
	coalesceKey string
	timestamp   string
}

// WithCoalesceKey replaces any backlog event carrying the same key.
func WithCoalesceKey(key string) PublishOption {
	return func(o *publishOptions) { o.coalesceKey = key }
}

// WithTimestamp overrides the IST timestamp computed at publish time.
func WithTimestamp(ts string) PublishOption {
	return func(o *publishOptions) { o.timestamp = ts }
}

// Publish appends an event to the ring. The payload map is copied, so the
// caller keeps ownership of its argument; nested values are shared and
// must not be mutated afterwards. Events become visible to GetSince fully
// stamped and serialized.
func (b *Bus) Publish(eventType string, payload map[string]any, opts ...PublishOption) (*Event, error) {
	if eventType == "" || payload == nil {
		return nil, errs.Wrap(errs.KindInputInvalid, "events.publish", errs.ErrInvalidEvent)
	}
	b.ensureMetrics()

	var po publishOptions
	for _, o := range opts {
		o(&po)
	}

	p := make(map[string]any, len(payload)+4)
	for k, v := range payload {
		p[k] = v
	}

	now := b.now()
	ts := po.timestamp
	if ts == "" {
		ts = istime.Format(now)
	}

	// Stamp phase. Everything that mutates the payload happens before the
	// event is appended, so consumers never observe a map being written.
	b.mu.Lock()
	enteredDegraded := false
	if len(b.events)+1 >= b.backlogDegrade && !b.degraded {
		b.degraded = true
		enteredDegraded = true
	}
	crossedWarn := false
	if len(b.events)+1 >= b.backlogWarn && !b.warnActive {
		b.warnActive = true
		crossedWarn = true
	} else if b.warnActive && len(b.events) < b.backlogWarn/2 {
		b.warnActive = false
	}
	if b.degraded && eventType == TypePanelDiff {
		p = downgradedDiff(p)
	}
	gen := b.generation
	p["_generation"] = gen
	if eventType == TypePanelFull || eventType == TypePanelDiff {
		p["publish_unixtime"] = now.Unix()
		if b.trace {
			p["_trace"] = map[string]any{
				"id":         uuid.NewString(),
				"publish_ts": now.Unix(),
			}
		}
	}
	b.mu.Unlock()

	start := time.Now()
	data, err := b.ser.serialize(eventType, p)
	elapsed := time.Since(start)
	if err != nil {
		return nil, errs.Wrap(errs.KindInputInvalid, "events.serialize", err)
	}
	p["_serialized_len"] = len(data)

	// Append phase: seq assignment, coalesce eviction and the append are
	// atomic so ids stay in arrival order and a coalesce key never has two
	// live entries.
	b.mu.Lock()
	var drops []droppedEvent
	cutoff := now.Add(-b.retention)
	for len(b.events) > 0 && b.events[0].at.Before(cutoff) {
		drops = append(drops, droppedEvent{reason: "expired", typ: b.dropOldestLocked()})
	}
	coalesced := false
	if po.coalesceKey != "" {
		if prevID, ok := b.coalesceIndex[po.coalesceKey]; ok {
			b.removeLocked(prevID)
			b.coalesceCounts[eventType]++
			coalesced = true
		}
	}
	b.seq++
	ev := &Event{
		ID:          b.seq,
		Type:        eventType,
		Timestamp:   ts,
		CoalesceKey: po.coalesceKey,
		Payload:     p,
		Serialized:  data,
		at:          now,
	}
	b.events = append(b.events, ev)
	if po.coalesceKey != "" {
		b.coalesceIndex[po.coalesceKey] = ev.ID
	}
	b.typeCounts[eventType]++
	for len(b.events) > b.capacity {
		drops = append(drops, droppedEvent{reason: "overflow", typ: b.dropOldestLocked()})
	}
	if len(b.events) > b.highwater {
		b.highwater = len(b.events)
	}
	switch eventType {
	case TypePanelFull:
		b.latestFull = p
		b.latestFullGen = gen
		b.lastFullID = ev.ID
		b.lastFullUnix = now.Unix()
		b.generation++
	case TypePanelDiff:
		b.lastDiffID = ev.ID
		b.lastDiffGen = gen
	}
	backlog := len(b.events)
	highwater := b.highwater
	genNow := b.generation
	fullUnix := b.lastFullUnix
	b.mu.Unlock()

	b.reg.Inc(metrics.MEventsPublished, eventType)
	if coalesced {
		b.reg.Inc(metrics.MEventsCoalesced, eventType)
	}
	for _, d := range drops {
		b.reg.Inc(metrics.MEventsDropped, d.reason, d.typ)
	}
	b.reg.Set(metrics.MEventsBacklog, float64(backlog))
	b.reg.Set(metrics.MEventsHighwater, float64(highwater))
	b.reg.Set(metrics.MEventsLastID, float64(ev.ID))
	b.reg.Set(metrics.MEventsGeneration, float64(genNow))
	if eventType == TypePanelFull {
		b.reg.Set(metrics.MEventsLastFullUnix, float64(fullUnix))
	}
	b.reg.Observe(metrics.MSSESerializeSeconds, elapsed.Seconds())

	if crossedWarn {
		log.Warn().Int("backlog", backlog).Int("warn_threshold", b.backlogWarn).
			Msg("event bus backlog above warn threshold")
	}
	if enteredDegraded {
		b.reg.Inc(metrics.MBackpressureEvents, "enter_degraded")
		b.reg.Set(metrics.MEventsDegradedMode, 1)
		log.Warn().Int("backlog", backlog).Int("degrade_threshold", b.backlogDegrade).
			Msg("event bus entered degraded mode")
		if tr, ok := b.ctrl.EnterDegraded(); ok {
			b.applyTransition(tr)
		}
	}
	if tr, ok := b.ctrl.Feed(backlog, b.capacity, elapsed); ok {
		b.applyTransition(tr)
	}
	return ev, nil
}

type droppedEvent struct {
	reason string
	typ    string
}

// dropOldestLocked removes the head of the ring, cleaning up its coalesce
// index entry, and returns its type. Caller holds b.mu and has verified
// the ring is non-empty.
func (b *Bus) dropOldestLocked() string {
	oldest := b.events[0]
	b.events = b.events[1:]
	if oldest.CoalesceKey != "" && b.coalesceIndex[oldest.CoalesceKey] == oldest.ID {
		delete(b.coalesceIndex, oldest.CoalesceKey)
	}
	return oldest.Type
}

// removeLocked rebuilds the ring without the given id. Caller holds b.mu.
func (b *Bus) removeLocked(id int64) {
	for i, ev := range b.events {
		if ev.ID == id {
			b.events = append(b.events[:i], b.events[i+1:]...)
			return
		}
	}
}

// GetSince returns events with id strictly greater than lastID in arrival
// order, up to limit (0 means no limit). Returned events are shared and
// read-only.
func (b *Bus) GetSince(lastID int64, limit int) []*Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := sort.Search(len(b.events), func(i int) bool { return b.events[i].ID > lastID })
	if i >= len(b.events) {
		return nil
	}
	out := b.events[i:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	cp := make([]*Event, len(out))
	copy(cp, out)
	return cp
}

// MarkEmitted counts one delivery of an event to a consumer.
func (b *Bus) MarkEmitted(eventType string) {
	b.reg.Inc(metrics.MEventsEmitted, eventType)
}

// ConsumerConnected registers a stream consumer and returns a release
// function that unregisters it and observes the connection duration.
// Release is idempotent.
func (b *Bus) ConsumerConnected() func() {
	b.ensureMetrics()
	b.mu.Lock()
	b.consumers++
	n := b.consumers
	b.mu.Unlock()
	b.reg.Set(metrics.MEventsConsumers, float64(n))
	start := time.Now()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.consumers--
			n := b.consumers
			b.mu.Unlock()
			b.reg.Set(metrics.MEventsConsumers, float64(n))
			b.reg.Observe(metrics.MSSEConnDuration, time.Since(start).Seconds())
		})
	}
}

// LatestFullSnapshot returns the payload of the most recent panel_full,
// the generation it was stamped with, and whether one exists. The map is
// a copy and safe to extend.
func (b *Bus) LatestFullSnapshot() (map[string]any, int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.latestFull == nil {
		return nil, 0, false
	}
	cp := make(map[string]any, len(b.latestFull))
	for k, v := range b.latestFull {
		cp[k] = v
	}
	return cp, b.latestFullGen, true
}

// Degraded reports whether the bus is currently in degraded mode.
func (b *Bus) Degraded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.degraded
}

// Generation returns the current snapshot generation.
func (b *Bus) Generation() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}

// ControllerState exposes the degrade controller position for status
// artifacts.
func (b *Bus) ControllerState() State { return b.ctrl.State() }

// Stats is a point-in-time view of bus counters for the stats endpoint
// and the status writer.
type Stats struct {
	LatestID        int64               `json:"latest_id"`
	OldestID        int64               `json:"oldest_id"`
	Backlog         int                 `json:"backlog"`
	Highwater       int                 `json:"highwater"`
	MaxEvents       int                 `json:"max_events"`
	Generation      int64               `json:"generation"`
	Consumers       int                 `json:"consumers"`
	Degraded        bool                `json:"degraded"`
	ControllerState string              `json:"controller_state"`
	Types           map[string]int64    `json:"types"`
	Coalesced       map[string]int64    `json:"coalesced"`
	ForcedFullLast  string              `json:"forced_full_last,omitempty"`
	LastFullUnix    int64               `json:"last_full_unixtime"`
	SerializeCache  SerializeCacheStats `json:"serialize_cache"`
}

// Stats copies the current counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	st := Stats{
		LatestID:       b.seq,
		Backlog:        len(b.events),
		Highwater:      b.highwater,
		MaxEvents:      b.capacity,
		Generation:     b.generation,
		Consumers:      b.consumers,
		Degraded:       b.degraded,
		ForcedFullLast: b.forcedLast,
		LastFullUnix:   b.lastFullUnix,
		Types:          make(map[string]int64, len(b.typeCounts)),
		Coalesced:      make(map[string]int64, len(b.coalesceCounts)),
	}
	if len(b.events) > 0 {
		st.OldestID = b.events[0].ID
	}
	for k, v := range b.typeCounts {
		st.Types[k] = v
	}
	for k, v := range b.coalesceCounts {
		st.Coalesced[k] = v
	}
	b.mu.Unlock()
	st.ControllerState = b.ctrl.State().String()
	st.SerializeCache = b.ser.stats()
	return st
}

// EnforceSnapshotGuard checks the diff/full bookkeeping and force-publishes
// a panel_full when a consumer following the stream could not reconstruct
// state. Each trigger reason has an independent cooldown. Returns the
// reason and whether a forced full was published.
func (b *Bus) EnforceSnapshotGuard() (string, bool) {
	b.mu.Lock()
	var reason string
	switch {
	case b.lastDiffID > 0 && b.lastFullID == 0:
		reason = ReasonMissingBaseline
	case b.seq-b.lastFullID > b.gapMax:
		reason = ReasonGapExceeded
	case b.lastDiffID > 0 && b.lastDiffGen < b.generation:
		reason = ReasonGenerationMismatch
	}
	if reason == "" {
		b.mu.Unlock()
		return "", false
	}
	now := b.now()
	if last, ok := b.forcedAt[reason]; ok && now.Sub(last) < b.forceRetry {
		b.mu.Unlock()
		return "", false
	}
	b.forcedAt[reason] = now
	b.forcedLast = reason
	base := b.latestFull
	b.mu.Unlock()

	payload := make(map[string]any, len(base)+1)
	for k, v := range base {
		payload[k] = v
	}
	payload["forced_reason"] = reason

	if _, err := b.Publish(TypePanelFull, payload, WithCoalesceKey(TypePanelFull)); err != nil {
		log.Error().Err(err).Str("reason", reason).Msg("snapshot guard publish failed")
		return reason, false
	}
	b.reg.Inc(metrics.MEventsForcedFull, reason)
	log.Warn().Str("reason", reason).Msg("snapshot guard forced panel_full")
	return reason, true
}

// ensureMetrics registers the lazy event-bus metric family on first use
// and seeds the capacity gauge.
func (b *Bus) ensureMetrics() {
	b.lazyOnce.Do(func() {
		b.reg.EnsureLazy()
		b.reg.Set(metrics.MEventsCapacity, float64(b.capacity))
	})
}

// applyTransition records a controller transition and clears the degraded
// flag when the controller lands back at normal.
func (b *Bus) applyTransition(tr Transition) {
	b.reg.Inc(metrics.MAdaptiveTransitions, tr.From.String(), tr.To.String())
	log.Info().
		Str("from", tr.From.String()).
		Str("to", tr.To.String()).
		Str("decision", tr.Decision).
		Msg("bus degrade controller transition")
	if tr.To == StateNormal {
		b.mu.Lock()
		b.degraded = false
		b.mu.Unlock()
		b.reg.Set(metrics.MEventsDegradedMode, 0)
		b.reg.Inc(metrics.MBackpressureEvents, "adaptive_exit")
	}
}

// downgradedDiff replaces a panel_diff payload while the bus is degraded,
// keeping only the first five keys (sorted) as a hint of what was dropped.
func downgradedDiff(payload map[string]any) map[string]any {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 5 {
		keys = keys[:5]
	}
	return map[string]any{
		"degraded":  true,
		"reason":    "backpressure",
		"orig_keys": keys,
	}
}
