package metrics

// Kind enumerates the supported collector shapes.
type Kind string

const (
	KindCounter   Kind = "counter"
	KindGauge     Kind = "gauge"
	KindHistogram Kind = "histogram"
	KindSummary   Kind = "summary"
)

// Spec declares one metric: attribute key, exposed name, shape, labels and
// the gating group it belongs to. Registration walks the catalog instead of
// hand-registering collectors so group gating, pruning and the generated
// catalog all share a single source of truth.
type Spec struct {
	Attr       string
	Name       string
	Help       string
	Kind       Kind
	Labels     []string
	Group      string
	Buckets    []float64
	Objectives map[float64]float64
	// Predicate skips registration when false; nil means always.
	Predicate func(Options) bool
	// Lazy specs are registered on demand (first bus publish) rather
	// than at construction.
	Lazy bool
}

// Attribute keys. Call sites address metrics by attr, never by exposed
// name, so renames stay local to the catalog.
const (
	// Collection cycle.
	MCycles           = "collection_cycles"
	MCycleTime        = "collection_cycle_seconds"
	MCycleDuration    = "collection_duration"
	MCyclesPerHour    = "collection_cycles_per_hour"
	MCycleSuccessRate = "collection_success_rate"
	MCollectionErrors = "collection_errors"
	MIndexPrice       = "index_price"
	MIndexATM         = "index_atm"
	MIndexElapsed     = "index_elapsed"
	MIndexOptions     = "index_options_processed"
	MOptionsCollected = "options_collected"
	MOptionsProcessed = "options_processed"
	MStrikeCoverage   = "strike_coverage"
	MFieldCoverage    = "field_coverage"
	MPartialExpiries  = "partial_expiries"
	MEmptyExpiries    = "empty_expiries"
	MStaleIndices     = "stale_indices"
	MPrefilterRejects = "prefilter_rejections"
	MCardRejections   = "cardinality_rejections"

	// Expiry remediation (always on).
	MExpiryFallbacks       = "expiry_fallbacks"
	MExpiryResolveFailures = "expiry_resolve_failures"

	// Provider failover (always on).
	MProviderFailures  = "provider_failures"
	MProviderBreaker   = "provider_breaker_state"
	MSyntheticQuotes   = "synthetic_quotes"
	MUniverseCacheHits = "universe_cache_hits"
	MUniverseCacheMiss = "universe_cache_misses"
	MInstrumentEvicted = "instrument_cache_evictions"
	MRootCacheHits     = "root_cache_hits"
	MRootCacheMisses   = "root_cache_misses"

	// SLA health (always on).
	MCycleSLABreach = "cycle_sla_breach"
	MAPISuccessRate = "api_success_rate"
	MMemoryUsageMB  = "memory_usage_mb"
	MCPUUsagePct    = "cpu_usage_pct"
	MMemoryTier     = "memory_tier"

	// IV estimation (always on).
	MIVSuccess    = "iv_estimation_success"
	MIVFailure    = "iv_estimation_failure"
	MIVIterations = "iv_solver_iterations"
	MIVMean       = "iv_estimation_mean"

	// Event bus (lazy).
	MEventsBacklog       = "events_backlog"
	MEventsHighwater     = "events_backlog_highwater"
	MEventsCapacity      = "events_capacity"
	MEventsLastID        = "events_last_id"
	MEventsConsumers     = "events_consumers"
	MEventsPublished     = "events_published"
	MEventsCoalesced     = "events_coalesced"
	MEventsEmitted       = "events_emitted"
	MEventsDropped       = "events_dropped"
	MEventsForcedFull    = "events_forced_full"
	MBackpressureEvents  = "backpressure_events"
	MEventsDegradedMode  = "events_degraded_mode"
	MEventsGeneration    = "events_generation"
	MEventsLastFullUnix  = "events_last_full_unixtime"
	MSSEConnDuration     = "sse_connection_duration"
	MSSESerializeSeconds = "sse_serialize_seconds"
	MAdaptiveTransitions = "adaptive_transitions"

	// Panel artifacts.
	MPanelFullWrites    = "panel_full_writes"
	MPanelDiffWrites    = "panel_diff_writes"
	MPanelDiffTruncated = "panel_diff_truncated"

	// Vol surface analytics.
	MSurfaceRows         = "vol_surface_rows"
	MSurfaceRowsExpiry   = "vol_surface_rows_expiry"
	MSurfaceInterpFrac   = "vol_surface_interpolated_fraction"
	MSurfaceQualityScore = "vol_surface_quality_score"
	MSurfaceBuildSecs    = "vol_surface_build_seconds"
	MSurfaceInterpSecs   = "vol_surface_interp_seconds"

	// Risk aggregation analytics.
	MRiskAggRows       = "risk_agg_rows"
	MRiskNotionalDelta = "risk_agg_notional_delta"
	MRiskNotionalVega  = "risk_agg_notional_vega"
	MRiskBucketUtil    = "risk_agg_bucket_utilization"
	MRiskDeltaIndex    = "risk_agg_notional_delta_index"
	MRiskVegaIndex     = "risk_agg_notional_vega_index"
	MRiskBuildSecs     = "risk_agg_build_seconds"

	// Adaptive alerts & follow-ups.
	MInterpAlerts        = "adaptive_interpolation_alerts"
	MInterpStreak        = "adaptive_interpolation_streak"
	MDriftAlerts         = "risk_delta_drift_alerts"
	MBucketUtilAlerts    = "bucket_util_alerts"
	MFollowupsEmitted    = "followups_emitted"
	MFollowupsSuppressed = "followups_suppressed"
	MFollowupsPressure   = "followups_weight_pressure"
	MSeverityState       = "severity_state"

	// Adaptive detail-mode controller.
	MDetailMode        = "option_detail_mode"
	MDetailModeChanges = "detail_mode_changes"

	// Sampling decisions (optional).
	MSamplingEvents = "metric_sampling_events"

	// Per-option series, emission gated by the cardinality manager.
	MOptionPrice = "option_price"
	MOptionIV    = "option_iv"

	// Storage sinks.
	MSinkWrites     = "sink_writes"
	MSinkErrors     = "sink_errors"
	MOverviewWrites = "overview_writes"

	// Weekday overlay.
	MOverlayRows  = "overlay_rows"
	MOverlayFiles = "overlay_files"

	// Benchmark artifacts.
	MBenchArtifacts = "benchmark_artifacts"
	MBenchAnomalies = "benchmark_anomalies"

	// HTTP surface.
	MHTTPRequests = "http_requests"
)

// Gating groups. Empty group means always registered; the four always-on
// groups accept enable filtering semantics but ignore disable lists.
const (
	GroupExpiryRemediation = "expiry_remediation"
	GroupProviderFailover  = "provider_failover"
	GroupSLAHealth         = "sla_health"
	GroupIVEstimation      = "iv_estimation"

	GroupEvents         = "events"
	GroupPanelDiff      = "panel_diff"
	GroupVolSurface     = "analytics_vol_surface"
	GroupRiskAgg        = "analytics_risk_agg"
	GroupAdaptiveAlerts = "adaptive_alerts"
	GroupAdaptiveCtrl   = "adaptive_controller"
	GroupSampling       = "sampling"
	GroupOptionDetail   = "option_detail"
	GroupStorage        = "storage"
	GroupOverlay        = "overlay"
	GroupBenchmark      = "benchmark"
)

// AlwaysOnGroups bypass the disable list; they guard remediation paths
// whose loss would blind operators exactly when things break.
var AlwaysOnGroups = map[string]bool{
	GroupExpiryRemediation: true,
	GroupProviderFailover:  true,
	GroupSLAHealth:         true,
	GroupIVEstimation:      true,
}

var (
	cycleBuckets     = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}
	serializeBuckets = []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1}
	connBuckets      = []float64{1, 5, 15, 60, 300, 900, 1800, 3600}
	buildBuckets     = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	iterBuckets      = []float64{1, 2, 5, 10, 20, 35, 50, 75, 100}
)

// specCatalog is the full declarative metric list. Order is stable so the
// generated catalog diff cleanly.
func specCatalog() []Spec {
	return []Spec{
		// Collection cycle.
		{Attr: MCycles, Name: "g6_collection_cycles_total", Help: "Collection cycles by result", Kind: KindCounter, Labels: []string{"result"}},
		{Attr: MCycleTime, Name: "g6_collection_cycle_seconds", Help: "Cycle wall time in seconds", Kind: KindHistogram, Buckets: cycleBuckets},
		{Attr: MCycleDuration, Name: "g6_collection_duration_seconds", Help: "Last cycle duration in seconds", Kind: KindGauge},
		{Attr: MCyclesPerHour, Name: "g6_collection_cycles_per_hour", Help: "Observed cycle rate extrapolated to one hour", Kind: KindGauge},
		{Attr: MCycleSuccessRate, Name: "g6_collection_success_rate_pct", Help: "Rolling cycle success rate percent", Kind: KindGauge},
		{Attr: MCollectionErrors, Name: "g6_collection_errors_total", Help: "Collection failures by index and error kind", Kind: KindCounter, Labels: []string{"index", "error_kind"}},
		{Attr: MIndexPrice, Name: "g6_index_price", Help: "Last underlying price", Kind: KindGauge, Labels: []string{"index"}},
		{Attr: MIndexATM, Name: "g6_index_atm_strike", Help: "Aligned at-the-money strike", Kind: KindGauge, Labels: []string{"index"}},
		{Attr: MIndexElapsed, Name: "g6_index_elapsed_seconds", Help: "Per-index processing time within the cycle", Kind: KindGauge, Labels: []string{"index"}},
		{Attr: MIndexOptions, Name: "g6_index_options_processed", Help: "Options processed for the index this cycle", Kind: KindGauge, Labels: []string{"index"}},
		{Attr: MOptionsCollected, Name: "g6_options_collected", Help: "Options collected per expiry rule this cycle", Kind: KindGauge, Labels: []string{"index", "expiry_rule"}},
		{Attr: MOptionsProcessed, Name: "g6_options_processed_total", Help: "Options processed since start", Kind: KindCounter, Labels: []string{"index"}},
		{Attr: MStrikeCoverage, Name: "g6_strike_coverage", Help: "Fraction of requested strikes observed", Kind: KindGauge, Labels: []string{"index", "expiry_rule"}},
		{Attr: MFieldCoverage, Name: "g6_field_coverage", Help: "Fraction of options carrying volume, oi and avg price", Kind: KindGauge, Labels: []string{"index", "expiry_rule"}},
		{Attr: MPartialExpiries, Name: "g6_partial_expiries_total", Help: "Expiries classified PARTIAL by reason", Kind: KindCounter, Labels: []string{"index", "reason"}},
		{Attr: MEmptyExpiries, Name: "g6_empty_expiries_total", Help: "Expiries yielding zero accepted options", Kind: KindCounter, Labels: []string{"index"}},
		{Attr: MStaleIndices, Name: "g6_stale_indices_total", Help: "Stale index detections by write mode", Kind: KindCounter, Labels: []string{"index", "mode"}},
		{Attr: MPrefilterRejects, Name: "g6_prefilter_rejections_total", Help: "Instrument rows rejected by the option filter", Kind: KindCounter, Labels: []string{"index", "reason"}},
		{Attr: MCardRejections, Name: "g6_cardinality_rejections_total", Help: "Per-option emissions suppressed by detail mode", Kind: KindCounter, Labels: []string{"index", "reason"}},

		// Expiry remediation (always on).
		{Attr: MExpiryFallbacks, Name: "g6_expiry_fallbacks_total", Help: "Expiry fallback activations by kind", Kind: KindCounter, Labels: []string{"index", "kind"}, Group: GroupExpiryRemediation},
		{Attr: MExpiryResolveFailures, Name: "g6_expiry_resolve_failures_total", Help: "Expiry rule resolution failures", Kind: KindCounter, Labels: []string{"index", "rule"}, Group: GroupExpiryRemediation},

		// Provider failover (always on).
		{Attr: MProviderFailures, Name: "g6_provider_failures_total", Help: "Provider call failures by error kind", Kind: KindCounter, Labels: []string{"index", "error_kind"}, Group: GroupProviderFailover},
		{Attr: MProviderBreaker, Name: "g6_provider_breaker_state", Help: "Circuit state per index (0 closed, 1 half-open, 2 open)", Kind: KindGauge, Labels: []string{"index"}, Group: GroupProviderFailover},
		{Attr: MSyntheticQuotes, Name: "g6_synthetic_quotes_total", Help: "Zero-price quote synthesis activations", Kind: KindCounter, Labels: []string{"index"}, Group: GroupProviderFailover},
		{Attr: MUniverseCacheHits, Name: "g6_universe_cache_hits_total", Help: "Instrument universe cache hits", Kind: KindCounter, Group: GroupProviderFailover},
		{Attr: MUniverseCacheMiss, Name: "g6_universe_cache_misses_total", Help: "Instrument universe cache misses", Kind: KindCounter, Group: GroupProviderFailover},
		{Attr: MInstrumentEvicted, Name: "g6_instrument_cache_evictions_total", Help: "Instrument LRU evictions", Kind: KindCounter, Group: GroupProviderFailover},
		{Attr: MRootCacheHits, Name: "g6_root_cache_hits_total", Help: "Symbol root cache hits", Kind: KindCounter, Group: GroupProviderFailover},
		{Attr: MRootCacheMisses, Name: "g6_root_cache_misses_total", Help: "Symbol root cache misses", Kind: KindCounter, Group: GroupProviderFailover},

		// SLA health (always on).
		{Attr: MCycleSLABreach, Name: "g6_cycle_sla_breach_total", Help: "Cycles exceeding the configured interval", Kind: KindCounter, Group: GroupSLAHealth},
		{Attr: MAPISuccessRate, Name: "g6_api_success_rate_pct", Help: "Provider call success rate percent", Kind: KindGauge, Group: GroupSLAHealth},
		{Attr: MMemoryUsageMB, Name: "g6_memory_usage_mb", Help: "Resident memory in MiB", Kind: KindGauge, Group: GroupSLAHealth},
		{Attr: MCPUUsagePct, Name: "g6_cpu_usage_pct", Help: "Process CPU percent", Kind: KindGauge, Group: GroupSLAHealth},
		{Attr: MMemoryTier, Name: "g6_memory_tier", Help: "Memory pressure tier (0 normal, 1 elevated, 2 high, 3 critical)", Kind: KindGauge, Group: GroupSLAHealth},

		// IV estimation (always on).
		{Attr: MIVSuccess, Name: "g6_iv_estimation_success_total", Help: "Implied vol solves that converged", Kind: KindCounter, Labels: []string{"index"}, Group: GroupIVEstimation},
		{Attr: MIVFailure, Name: "g6_iv_estimation_failure_total", Help: "Implied vol solves that failed", Kind: KindCounter, Labels: []string{"index"}, Group: GroupIVEstimation},
		{Attr: MIVIterations, Name: "g6_iv_solver_iterations", Help: "Newton-Raphson iterations per solve", Kind: KindHistogram, Buckets: iterBuckets, Group: GroupIVEstimation},
		{Attr: MIVMean, Name: "g6_iv_estimation_mean", Help: "Mean solved IV per index and rule", Kind: KindGauge, Labels: []string{"index", "expiry_rule"}, Group: GroupIVEstimation},

		// Event bus; registered on first publish.
		{Attr: MEventsBacklog, Name: "g6_events_backlog", Help: "Events resident in the ring", Kind: KindGauge, Group: GroupEvents, Lazy: true},
		{Attr: MEventsHighwater, Name: "g6_events_backlog_highwater", Help: "Largest observed backlog", Kind: KindGauge, Group: GroupEvents, Lazy: true},
		{Attr: MEventsCapacity, Name: "g6_events_capacity", Help: "Configured ring capacity", Kind: KindGauge, Group: GroupEvents, Lazy: true},
		{Attr: MEventsLastID, Name: "g6_events_last_id", Help: "Last assigned event id", Kind: KindGauge, Group: GroupEvents, Lazy: true},
		{Attr: MEventsConsumers, Name: "g6_events_consumers", Help: "Connected stream consumers", Kind: KindGauge, Group: GroupEvents, Lazy: true},
		{Attr: MEventsPublished, Name: "g6_events_total", Help: "Events published by type", Kind: KindCounter, Labels: []string{"type"}, Group: GroupEvents, Lazy: true},
		{Attr: MEventsCoalesced, Name: "g6_events_coalesced_total", Help: "Events replaced via coalesce key", Kind: KindCounter, Labels: []string{"type"}, Group: GroupEvents, Lazy: true},
		{Attr: MEventsEmitted, Name: "g6_events_emitted_total", Help: "Events delivered to consumers", Kind: KindCounter, Labels: []string{"type"}, Group: GroupEvents, Lazy: true},
		{Attr: MEventsDropped, Name: "g6_events_dropped_total", Help: "Events dropped from the ring", Kind: KindCounter, Labels: []string{"reason", "type"}, Group: GroupEvents, Lazy: true},
		{Attr: MEventsForcedFull, Name: "g6_events_forced_full_total", Help: "Snapshot guard forced panel_full emissions", Kind: KindCounter, Labels: []string{"reason"}, Group: GroupEvents, Lazy: true},
		{Attr: MBackpressureEvents, Name: "g6_backpressure_events_total", Help: "Backpressure transitions by reason", Kind: KindCounter, Labels: []string{"reason"}, Group: GroupEvents, Lazy: true},
		{Attr: MEventsDegradedMode, Name: "g6_events_degraded_mode", Help: "1 while the bus is degraded", Kind: KindGauge, Group: GroupEvents, Lazy: true},
		{Attr: MEventsGeneration, Name: "g6_events_generation", Help: "Current snapshot generation", Kind: KindGauge, Group: GroupEvents, Lazy: true},
		{Attr: MEventsLastFullUnix, Name: "g6_events_last_full_unixtime", Help: "Unix time of the last panel_full", Kind: KindGauge, Group: GroupEvents},
		{Attr: MSSEConnDuration, Name: "g6_sse_connection_duration_seconds", Help: "Stream connection lifetime", Kind: KindHistogram, Buckets: connBuckets, Group: GroupEvents, Lazy: true},
		{Attr: MSSESerializeSeconds, Name: "g6_sse_serialize_seconds", Help: "Event payload serialization latency", Kind: KindHistogram, Buckets: serializeBuckets, Group: GroupEvents, Lazy: true},
		{Attr: MAdaptiveTransitions, Name: "g6_adaptive_transitions_total", Help: "Degrade controller state transitions", Kind: KindCounter, Labels: []string{"from", "to"}, Group: GroupAdaptiveCtrl},

		// Panel artifacts.
		{Attr: MPanelFullWrites, Name: "g6_panel_full_writes_total", Help: "Full panel snapshots published", Kind: KindCounter, Group: GroupPanelDiff},
		{Attr: MPanelDiffWrites, Name: "g6_panel_diff_writes_total", Help: "Panel diffs published", Kind: KindCounter, Group: GroupPanelDiff},
		{Attr: MPanelDiffTruncated, Name: "g6_panel_diff_truncated_total", Help: "Panel diffs truncated at the nesting limit", Kind: KindCounter, Group: GroupPanelDiff},

		// Vol surface.
		{Attr: MSurfaceRows, Name: "g6_vol_surface_rows", Help: "Surface rows by source", Kind: KindGauge, Labels: []string{"index", "source"}, Group: GroupVolSurface},
		{Attr: MSurfaceRowsExpiry, Name: "g6_vol_surface_rows_expiry", Help: "Surface rows by expiry and source", Kind: KindGauge, Labels: []string{"index", "expiry", "source"}, Group: GroupVolSurface, Predicate: func(o Options) bool { return o.PerExpirySurface }},
		{Attr: MSurfaceInterpFrac, Name: "g6_vol_surface_interpolated_fraction", Help: "Interpolated fraction of surface rows", Kind: KindGauge, Labels: []string{"index"}, Group: GroupVolSurface},
		{Attr: MSurfaceQualityScore, Name: "g6_vol_surface_quality_score", Help: "Surface quality score (coverage x raw fraction)", Kind: KindGauge, Labels: []string{"index"}, Group: GroupVolSurface},
		{Attr: MSurfaceBuildSecs, Name: "g6_vol_surface_build_seconds", Help: "Surface build latency", Kind: KindHistogram, Buckets: buildBuckets, Group: GroupVolSurface},
		{Attr: MSurfaceInterpSecs, Name: "g6_vol_surface_interp_seconds", Help: "Surface interpolation latency", Kind: KindHistogram, Buckets: buildBuckets, Group: GroupVolSurface},

		// Risk aggregation.
		{Attr: MRiskAggRows, Name: "g6_risk_agg_rows", Help: "Risk aggregation rows produced", Kind: KindGauge, Group: GroupRiskAgg},
		{Attr: MRiskNotionalDelta, Name: "g6_risk_agg_notional_delta", Help: "Absolute delta notional", Kind: KindGauge, Group: GroupRiskAgg},
		{Attr: MRiskNotionalVega, Name: "g6_risk_agg_notional_vega", Help: "Absolute vega notional", Kind: KindGauge, Group: GroupRiskAgg},
		{Attr: MRiskBucketUtil, Name: "g6_risk_agg_bucket_utilization", Help: "Populated over theoretical bucket ratio", Kind: KindGauge, Group: GroupRiskAgg},
		{Attr: MRiskDeltaIndex, Name: "g6_risk_agg_notional_delta_index", Help: "Delta notional per index", Kind: KindGauge, Labels: []string{"index"}, Group: GroupRiskAgg, Predicate: func(o Options) bool { return o.PerIndexRiskNotional }},
		{Attr: MRiskVegaIndex, Name: "g6_risk_agg_notional_vega_index", Help: "Vega notional per index", Kind: KindGauge, Labels: []string{"index"}, Group: GroupRiskAgg, Predicate: func(o Options) bool { return o.PerIndexRiskNotional }},
		{Attr: MRiskBuildSecs, Name: "g6_risk_agg_build_seconds", Help: "Risk aggregation build latency", Kind: KindHistogram, Buckets: buildBuckets, Group: GroupRiskAgg},

		// Adaptive alerts & follow-ups.
		{Attr: MInterpAlerts, Name: "g6_adaptive_interpolation_alerts_total", Help: "Interpolation guard alerts", Kind: KindCounter, Labels: []string{"index", "reason"}, Group: GroupAdaptiveAlerts},
		{Attr: MInterpStreak, Name: "g6_adaptive_interpolation_streak", Help: "Consecutive cycles above the interpolation threshold", Kind: KindGauge, Labels: []string{"index"}, Group: GroupAdaptiveAlerts},
		{Attr: MDriftAlerts, Name: "g6_risk_delta_drift_alerts_total", Help: "Risk delta drift alerts by sign", Kind: KindCounter, Labels: []string{"sign"}, Group: GroupAdaptiveAlerts},
		{Attr: MBucketUtilAlerts, Name: "g6_bucket_util_low_alerts_total", Help: "Bucket utilization alerts", Kind: KindCounter, Group: GroupAdaptiveAlerts},
		{Attr: MFollowupsEmitted, Name: "g6_followups_alerts_total", Help: "Follow-up alerts emitted", Kind: KindCounter, Labels: []string{"type", "severity"}, Group: GroupAdaptiveAlerts},
		{Attr: MFollowupsSuppressed, Name: "g6_followups_suppressed_total", Help: "Follow-up alerts dropped by suppression", Kind: KindCounter, Labels: []string{"type"}, Group: GroupAdaptiveAlerts},
		{Attr: MFollowupsPressure, Name: "g6_followups_weight_pressure", Help: "Weighted alert pressure over the rolling window", Kind: KindGauge, Group: GroupAdaptiveAlerts},
		{Attr: MSeverityState, Name: "g6_severity_state", Help: "Active severity per index and alert type (0 info, 1 warn, 2 critical)", Kind: KindGauge, Labels: []string{"index", "type"}, Group: GroupAdaptiveAlerts},

		// Detail-mode controller.
		{Attr: MDetailMode, Name: "g6_option_detail_mode", Help: "Per-option emission mode (0 full, 1 band, 2 agg)", Kind: KindGauge, Labels: []string{"index"}, Group: GroupAdaptiveCtrl},
		{Attr: MDetailModeChanges, Name: "g6_detail_mode_changes_total", Help: "Detail mode transitions by reason", Kind: KindCounter, Labels: []string{"index", "reason"}, Group: GroupAdaptiveCtrl},

		// Sampling decisions.
		{Attr: MSamplingEvents, Name: "g6_metric_sampling_events_total", Help: "Cardinality manager decisions", Kind: KindCounter, Labels: []string{"category", "decision", "reason"}, Group: GroupSampling, Predicate: func(o Options) bool { return o.SamplingCounters }},

		// Per-option series. High cardinality; every write goes through
		// Cardinality.ShouldEmit first.
		{Attr: MOptionPrice, Name: "g6_option_price", Help: "Last traded price per option", Kind: KindGauge, Labels: []string{"index", "expiry_rule", "strike", "type"}, Group: GroupOptionDetail},
		{Attr: MOptionIV, Name: "g6_option_iv", Help: "Implied volatility per option", Kind: KindGauge, Labels: []string{"index", "expiry_rule", "strike", "type"}, Group: GroupOptionDetail},

		// Storage sinks.
		{Attr: MSinkWrites, Name: "g6_sink_writes_total", Help: "Rows written by sink", Kind: KindCounter, Labels: []string{"sink", "index"}, Group: GroupStorage},
		{Attr: MSinkErrors, Name: "g6_sink_errors_total", Help: "Sink write failures", Kind: KindCounter, Labels: []string{"sink", "error_kind"}, Group: GroupStorage},
		{Attr: MOverviewWrites, Name: "g6_overview_writes_total", Help: "Overview snapshot rows written", Kind: KindCounter, Labels: []string{"index"}, Group: GroupStorage},

		// Weekday overlay.
		{Attr: MOverlayRows, Name: "g6_overlay_rows_total", Help: "Rows folded into weekday masters", Kind: KindCounter, Labels: []string{"index"}, Group: GroupOverlay},
		{Attr: MOverlayFiles, Name: "g6_overlay_files_total", Help: "Weekday master files touched", Kind: KindCounter, Labels: []string{"index"}, Group: GroupOverlay},

		// Benchmark artifacts.
		{Attr: MBenchArtifacts, Name: "g6_benchmark_artifacts_total", Help: "Benchmark artifacts written", Kind: KindCounter, Group: GroupBenchmark},
		{Attr: MBenchAnomalies, Name: "g6_benchmark_anomalies_total", Help: "Benchmark anomalies flagged", Kind: KindCounter, Labels: []string{"metric"}, Group: GroupBenchmark},

		// HTTP surface.
		{Attr: MHTTPRequests, Name: "g6_http_requests_total", Help: "HTTP requests by route and status", Kind: KindCounter, Labels: []string{"route", "code"}},
	}
}
