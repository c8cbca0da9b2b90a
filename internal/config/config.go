// Package config loads the typed platform configuration from the
// environment (G6_ prefixed variables, optional .env bootstrap) and an
// optional YAML index roster. Environment values win over YAML; malformed
// values fall back to defaults and are collected in Config.Warnings so the
// caller can surface them as input_invalid.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// IndexConfig describes one tracked index. Mutated only at config load.
type IndexConfig struct {
	Name       string   `yaml:"name"`
	Enabled    bool     `yaml:"enabled"`
	ExpiryRules []string `yaml:"expiry_rules"`
	StrikesITM int      `yaml:"strikes_itm"`
	StrikesOTM int      `yaml:"strikes_otm"`
}

// SeverityRule holds the warn/critical thresholds for one alert type.
type SeverityRule struct {
	Warn     float64 `json:"warn"`
	Critical float64 `json:"critical"`
}

// CollectionConfig tunes the cycle driver.
type CollectionConfig struct {
	Interval        time.Duration
	RunOnce         bool
	ParallelIndices bool
	StaleWriteMode  string // allow | mark | skip | abort
	StaleFieldCovThreshold float64
	StrikeCoverageOK float64
	FieldCoverageOK  float64
	NearestExpiryFallback  bool
	BackwardExpiryFallback bool
	RelaxEmptyMatch        bool
	BenchmarkDir    string
	BenchKeepN      int
	BenchCompress   bool
}

// AdaptiveConfig tunes the guard thresholds and severity machinery.
type AdaptiveConfig struct {
	InterpThreshold   float64
	InterpStreak      int
	RiskDriftPct      float64
	RiskDriftWindow   int
	RiskRowTolerance  float64
	BucketUtilMin     float64
	BucketUtilStreak  int
	SeverityEnabled   bool
	SeverityRules     map[string]SeverityRule
	PromoteHealthyCycles int
	BandATMWindow     int
}

// FollowupsConfig tunes the follow-up alert dispatcher.
type FollowupsConfig struct {
	Enabled         bool
	SuppressSeconds int
	Weights         map[string]map[string]float64 // type -> severity -> weight
	WeightWindow    time.Duration
	DemoteThreshold float64
	RecentBuffer    int
}

// EventsConfig tunes the in-process event bus.
type EventsConfig struct {
	Capacity            int
	BacklogWarn         int
	BacklogDegrade      int
	SnapshotGapMax      int64
	ForceFullRetrySecs  int
	RetentionSecs       int
	TraceEnabled        bool
	LatencyCapture      bool
}

// DegradeConfig tunes the bus adaptive degrade controller.
type DegradeConfig struct {
	ExitBacklogRatio       float64
	ExitWindow             time.Duration
	LatencyBudget          time.Duration
	ReentryCooldown        time.Duration
	MinSamples             int
}

// AnalyticsConfig tunes the vol-surface and risk-aggregation builders.
type AnalyticsConfig struct {
	VolSurface            bool
	VolSurfaceBuckets     []float64
	VolSurfaceInterpolate bool
	VolSurfacePersist     bool
	VolSurfacePerExpiry   bool
	RiskAgg               bool
	RiskAggBuckets        []float64
	RiskAggPerIndex       bool
	ArtifactDir           string
	Compress              bool
	Multipliers           map[string]float64
}

// MetricsConfig tunes group gating and the cardinality manager.
type MetricsConfig struct {
	EnableGroups       []string
	DisableGroups      []string
	CardEnabled        bool
	CardATMWindow      float64
	CardRatePerSec     int
	CardChangeThreshold float64
	SamplingCounters   bool
}

// FilterConfig tunes the option prefilter.
type FilterConfig struct {
	MatchMode        string // strict | prefix | legacy
	UnderlyingStrict bool
	SafeMode         bool
	DisablePrefilter bool
}

// ProviderConfig tunes the broker adapter.
type ProviderConfig struct {
	Name          string // sim is the only in-tree provider
	Timeout       time.Duration
	RPS           float64
	Burst         int
	RedisAddr     string
	SyntheticQuotes bool
}

// GreeksConfig tunes IV estimation and greek computation.
type GreeksConfig struct {
	EstimateIV    bool
	ComputeGreeks bool
	MinIV         float64
	MaxIV         float64
	Precision     float64
	MaxIterations int
	RiskFreeRate  float64
	DividendYield float64
}

// HTTPConfig tunes the combined metrics + SSE server.
type HTTPConfig struct {
	Addr             string
	BasicUser        string
	BasicPass        string
	SSEKeepalive     time.Duration
	SSEIdleTimeout   time.Duration
	WSEnabled        bool
	CatalogHTTP      bool
	SnapshotCache    bool
}

// StatusConfig tunes the runtime status writer and panel diffs.
type StatusConfig struct {
	RuntimeStatusPath string
	PanelDiffNestDepth int
	AdaptiveAlertTail  int
}

// StorageConfig tunes the persistence sinks.
type StorageConfig struct {
	CSVDir string
	PGDSN  string
}

// OverlayConfig tunes the weekday-overlay aggregator.
type OverlayConfig struct {
	MasterDir string
	EMAAlpha  float64
}

// MemoryConfig maps RSS thresholds to pressure tiers. A zero threshold
// disables the tier.
type MemoryConfig struct {
	ElevatedMB int
	HighMB     int
	CriticalMB int
}

// Config is the process-wide configuration snapshot. Built once at startup.
type Config struct {
	Indices    []IndexConfig
	ConfigFile string

	Collection CollectionConfig
	Adaptive   AdaptiveConfig
	Followups  FollowupsConfig
	Events     EventsConfig
	Degrade    DegradeConfig
	Analytics  AnalyticsConfig
	Metrics    MetricsConfig
	Filter     FilterConfig
	Provider   ProviderConfig
	Greeks     GreeksConfig
	HTTP       HTTPConfig
	Status     StatusConfig
	Storage    StorageConfig
	Overlay    OverlayConfig
	Memory     MemoryConfig

	// Warnings holds human-readable notes for every malformed value that
	// fell back to a default.
	Warnings []string
}

// DefaultBucketEdges are the percent-moneyness edges shared by the vol
// surface and risk aggregation when no override is configured.
var DefaultBucketEdges = []float64{-20, -10, -5, 0, 5, 10, 20}

// DefaultSeverityRules map each alert type to warn/critical thresholds on
// its primary numeric (fraction, drift pct, utilization).
func DefaultSeverityRules() map[string]SeverityRule {
	return map[string]SeverityRule{
		"interpolation_high": {Warn: 0.60, Critical: 0.85},
		"risk_delta_drift":   {Warn: 25, Critical: 60},
		"bucket_util_low":    {Warn: 0.50, Critical: 0.25},
	}
}

// DefaultFollowupWeights give higher pressure to higher severities.
func DefaultFollowupWeights() map[string]map[string]float64 {
	w := map[string]float64{"info": 1, "warn": 2, "critical": 5}
	return map[string]map[string]float64{
		"interpolation_high": w,
		"risk_delta_drift":   w,
		"bucket_util_low":    w,
	}
}

// DefaultIndices is the roster used when no YAML file is supplied.
func DefaultIndices() []IndexConfig {
	return []IndexConfig{
		{Name: "NIFTY", Enabled: true, ExpiryRules: []string{"this_week", "next_week", "this_month"}, StrikesITM: 10, StrikesOTM: 10},
		{Name: "BANKNIFTY", Enabled: true, ExpiryRules: []string{"this_week", "next_week"}, StrikesITM: 8, StrikesOTM: 8},
		{Name: "FINNIFTY", Enabled: false, ExpiryRules: []string{"this_week"}, StrikesITM: 6, StrikesOTM: 6},
	}
}

// Load builds the configuration from the environment. A .env file in the
// working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	r := &reader{}
	cfg := &Config{
		ConfigFile: r.str("G6_CONFIG_FILE", ""),
		Collection: CollectionConfig{
			Interval:               r.seconds("G6_CYCLE_INTERVAL", 60),
			RunOnce:                r.boolean("G6_RUN_ONCE", false),
			ParallelIndices:        r.boolean("G6_PARALLEL_INDICES", false),
			StaleWriteMode:         r.oneOf("G6_STALE_WRITE_MODE", "mark", "allow", "mark", "skip", "abort"),
			StaleFieldCovThreshold: r.float("G6_STALE_FIELD_COV_THRESHOLD", 0.05),
			StrikeCoverageOK:       r.float("G6_STRIKE_COVERAGE_OK", 0.75),
			FieldCoverageOK:        r.float("G6_FIELD_COVERAGE_OK", 0.55),
			NearestExpiryFallback:  r.boolean("G6_ENABLE_NEAREST_EXPIRY_FALLBACK", true),
			BackwardExpiryFallback: r.boolean("G6_ENABLE_BACKWARD_EXPIRY_FALLBACK", false),
			RelaxEmptyMatch:        r.boolean("G6_RELAX_EMPTY_MATCH", true),
			BenchmarkDir:           r.str("G6_BENCHMARK_DUMP", ""),
			BenchKeepN:             r.integer("G6_BENCH_KEEP_N", 24),
			BenchCompress:          r.boolean("G6_BENCH_COMPRESS", false),
		},
		Adaptive: AdaptiveConfig{
			InterpThreshold:      r.float("G6_INTERP_FRACTION_ALERT_THRESHOLD", 0.6),
			InterpStreak:         r.integer("G6_INTERP_FRACTION_ALERT_STREAK", 5),
			RiskDriftPct:         r.float("G6_RISK_DELTA_DRIFT_PCT", 25),
			RiskDriftWindow:      r.integer("G6_RISK_DELTA_DRIFT_WINDOW", 5),
			RiskRowTolerance:     r.float("G6_RISK_DELTA_ROW_TOLERANCE", 0.05),
			BucketUtilMin:        r.float("G6_RISK_BUCKET_UTIL_MIN", 0.7),
			BucketUtilStreak:     r.integer("G6_RISK_BUCKET_UTIL_STREAK", 5),
			SeverityEnabled:      r.boolean("G6_ADAPTIVE_ALERT_SEVERITY", true),
			SeverityRules:        severityRulesFromEnv(r),
			PromoteHealthyCycles: r.integer("G6_ADAPT_PROMOTE_HEALTHY_CYCLES", 10),
			BandATMWindow:        r.integer("G6_DETAIL_MODE_BAND_ATM_WINDOW", 3),
		},
		Followups: FollowupsConfig{
			Enabled:         r.boolean("G6_FOLLOWUPS_ENABLED", true),
			SuppressSeconds: r.integer("G6_FOLLOWUPS_SUPPRESS_SECONDS", 60),
			Weights:         followupWeightsFromEnv(r),
			WeightWindow:    r.seconds("G6_FOLLOWUPS_WEIGHT_WINDOW", 300),
			DemoteThreshold: r.float("G6_FOLLOWUPS_DEMOTE_THRESHOLD", 10),
			RecentBuffer:    r.integer("G6_FOLLOWUPS_RECENT_BUFFER", 200),
		},
		Events: EventsConfig{
			Capacity:           r.integer("G6_EVENTS_CAPACITY", 2048),
			BacklogWarn:        r.integer("G6_EVENTS_BACKLOG_WARN", 0),
			BacklogDegrade:     r.integer("G6_EVENTS_BACKLOG_DEGRADE", 0),
			SnapshotGapMax:     int64(r.integer("G6_EVENTS_SNAPSHOT_GAP_MAX", 500)),
			ForceFullRetrySecs: r.integer("G6_EVENTS_FORCE_FULL_RETRY_SECONDS", 30),
			RetentionSecs:      r.integer("G6_EVENTS_RETENTION_SECONDS", 600),
			TraceEnabled:       r.boolean("G6_SSE_TRACE", false),
			LatencyCapture:     r.boolean("G6_SSE_EMIT_LATENCY_CAPTURE", false),
		},
		Degrade: DegradeConfig{
			ExitBacklogRatio: r.float("G6_ADAPT_EXIT_BACKLOG_RATIO", 0.4),
			ExitWindow:       r.seconds("G6_ADAPT_EXIT_WINDOW_SECONDS", 5),
			LatencyBudget:    r.millis("G6_ADAPT_LAT_BUDGET_MS", 50),
			ReentryCooldown:  r.seconds("G6_ADAPT_REENTRY_COOLDOWN_SECONDS", 30),
			MinSamples:       r.integer("G6_ADAPT_MIN_SAMPLES", 10),
		},
		Analytics: AnalyticsConfig{
			VolSurface:            r.boolean("G6_VOL_SURFACE", true),
			VolSurfaceBuckets:     r.edges("G6_VOL_SURFACE_BUCKETS"),
			VolSurfaceInterpolate: r.boolean("G6_VOL_SURFACE_INTERPOLATE", true),
			VolSurfacePersist:     r.boolean("G6_VOL_SURFACE_PERSIST", false),
			VolSurfacePerExpiry:   r.boolean("G6_VOL_SURFACE_PER_EXPIRY", false),
			RiskAgg:               r.boolean("G6_RISK_AGG", true),
			RiskAggBuckets:        r.edges("G6_RISK_AGG_BUCKETS"),
			RiskAggPerIndex:       r.boolean("G6_RISK_AGG_PER_INDEX", false),
			ArtifactDir:           r.str("G6_ANALYTICS_DIR", "data/analytics"),
			Compress:              r.boolean("G6_ANALYTICS_COMPRESS", false),
			Multipliers:           map[string]float64{},
		},
		Metrics: MetricsConfig{
			EnableGroups:        r.csv("G6_ENABLE_METRIC_GROUPS"),
			DisableGroups:       r.csv("G6_DISABLE_METRIC_GROUPS"),
			CardEnabled:         r.boolean("G6_METRICS_CARD_ENABLED", true),
			CardATMWindow:       r.float("G6_METRICS_CARD_ATM_WINDOW", 0),
			CardRatePerSec:      r.integer("G6_METRICS_CARD_RATE_LIMIT_PER_SEC", 0),
			CardChangeThreshold: r.float("G6_METRICS_CARD_CHANGE_THRESHOLD", 0),
			SamplingCounters:    r.boolean("G6_METRICS_CARD_SAMPLING_COUNTERS", true),
		},
		Filter: FilterConfig{
			MatchMode:        r.oneOf("G6_SYMBOL_MATCH_MODE", "strict", "strict", "prefix", "legacy"),
			UnderlyingStrict: r.boolean("G6_SYMBOL_MATCH_UNDERLYING_STRICT", false),
			SafeMode:         r.boolean("G6_SYMBOL_MATCH_SAFEMODE", false),
			DisablePrefilter: r.boolean("G6_DISABLE_PREFILTER", false),
		},
		Provider: ProviderConfig{
			Name:            r.str("G6_PROVIDER", "sim"),
			Timeout:         r.seconds("G6_PROVIDER_TIMEOUT_SECONDS", 10),
			RPS:             r.float("G6_PROVIDER_RPS", 8),
			Burst:           r.integer("G6_PROVIDER_BURST", 16),
			RedisAddr:       r.str("G6_PROVIDER_REDIS_ADDR", ""),
			SyntheticQuotes: r.boolean("G6_SYNTHETIC_QUOTES", true),
		},
		Greeks: GreeksConfig{
			EstimateIV:    r.boolean("G6_ESTIMATE_IV", true),
			ComputeGreeks: r.boolean("G6_COMPUTE_GREEKS", true),
			MinIV:         r.float("G6_IV_MIN", 0.01),
			MaxIV:         r.float("G6_IV_MAX", 5.0),
			Precision:     r.float("G6_IV_PRECISION", 1e-5),
			MaxIterations: r.integer("G6_IV_MAX_ITERATIONS", 100),
			RiskFreeRate:  r.float("G6_RISK_FREE_RATE", 0.065),
			DividendYield: r.float("G6_DIVIDEND_YIELD", 0),
		},
		HTTP: HTTPConfig{
			Addr:           httpAddr(r),
			BasicUser:      r.str("G6_HTTP_BASIC_USER", ""),
			BasicPass:      r.str("G6_HTTP_BASIC_PASS", ""),
			SSEKeepalive:   r.seconds("G6_SSE_KEEPALIVE_SECONDS", 15),
			SSEIdleTimeout: r.seconds("G6_SSE_IDLE_TIMEOUT_SECONDS", 0),
			WSEnabled:      r.boolean("G6_EVENTS_WS_ENABLED", true),
			CatalogHTTP:    r.boolean("G6_CATALOG_HTTP", true),
			SnapshotCache:  r.boolean("G6_SNAPSHOT_CACHE", true),
		},
		Status: StatusConfig{
			RuntimeStatusPath:  r.str("G6_RUNTIME_STATUS_PATH", "data/runtime_status.json"),
			PanelDiffNestDepth: r.integer("G6_PANEL_DIFF_NEST_DEPTH", 2),
			AdaptiveAlertTail:  r.integer("G6_STATUS_ALERT_TAIL", 25),
		},
		Storage: StorageConfig{
			CSVDir: r.str("G6_DATA_DIR", "data/g6_data"),
			PGDSN:  r.str("G6_PG_DSN", ""),
		},
		Overlay: OverlayConfig{
			MasterDir: r.str("G6_OVERLAY_MASTER_DIR", "data/weekday_master"),
			EMAAlpha:  r.float("G6_OVERLAY_EMA_ALPHA", 0.35),
		},
		Memory: MemoryConfig{
			ElevatedMB: r.integer("G6_MEMORY_TIER_ELEVATED_MB", 0),
			HighMB:     r.integer("G6_MEMORY_TIER_HIGH_MB", 0),
			CriticalMB: r.integer("G6_MEMORY_TIER_CRITICAL_MB", 0),
		},
	}

	cfg.Indices = DefaultIndices()
	if cfg.ConfigFile != "" {
		roster, err := LoadRoster(cfg.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load index roster: %w", err)
		}
		cfg.Indices = roster
	}
	for _, ix := range cfg.Indices {
		key := "G6_CONTRACT_MULTIPLIER_" + strings.ToUpper(ix.Name)
		cfg.Analytics.Multipliers[ix.Name] = r.float(key, 50)
	}

	// Derived backpressure thresholds when unset.
	if cfg.Events.BacklogDegrade <= 0 {
		cfg.Events.BacklogDegrade = cfg.Events.Capacity * 9 / 10
	}
	if cfg.Events.BacklogWarn <= 0 {
		cfg.Events.BacklogWarn = cfg.Events.Capacity * 3 / 4
	}

	cfg.Warnings = r.warnings
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency. Threshold ranges are clamped at
// read time; only structural problems fail the load.
func (c *Config) Validate() error {
	enabled := 0
	for _, ix := range c.Indices {
		if ix.Name == "" {
			return fmt.Errorf("index with empty name in roster")
		}
		if ix.Enabled {
			enabled++
		}
		for _, rule := range ix.ExpiryRules {
			switch rule {
			case "this_week", "next_week", "this_month", "next_month":
			default:
				return fmt.Errorf("index %s: unknown expiry rule %q", ix.Name, rule)
			}
		}
	}
	if enabled == 0 {
		return fmt.Errorf("no enabled indices in roster")
	}
	if c.Events.Capacity < 16 {
		return fmt.Errorf("events capacity %d too small (minimum 16)", c.Events.Capacity)
	}
	if len(c.Analytics.VolSurfaceBuckets) < 2 {
		return fmt.Errorf("vol surface bucket edges need at least two values")
	}
	return nil
}

// EnabledIndices filters the roster to the indices the cycle should visit.
func (c *Config) EnabledIndices() []IndexConfig {
	out := make([]IndexConfig, 0, len(c.Indices))
	for _, ix := range c.Indices {
		if ix.Enabled {
			out = append(out, ix)
		}
	}
	return out
}

// MultiplierFor returns the contract multiplier for an index, defaulting
// to 50 when the roster never mentioned it.
func (c *Config) MultiplierFor(index string) float64 {
	if m, ok := c.Analytics.Multipliers[index]; ok && m > 0 {
		return m
	}
	return 50
}

func httpAddr(r *reader) string {
	if addr := r.str("G6_HTTP_ADDR", ""); addr != "" {
		return addr
	}
	return fmt.Sprintf(":%d", r.integer("G6_METRICS_PORT", 9108))
}

func severityRulesFromEnv(r *reader) map[string]SeverityRule {
	rules := DefaultSeverityRules()
	raw := r.str("G6_ADAPTIVE_ALERT_SEVERITY_RULES", "")
	if raw == "" {
		return rules
	}
	var parsed map[string]SeverityRule
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		r.warn("G6_ADAPTIVE_ALERT_SEVERITY_RULES", raw, err)
		return rules
	}
	for k, v := range parsed {
		rules[k] = v
	}
	return rules
}

func followupWeightsFromEnv(r *reader) map[string]map[string]float64 {
	weights := DefaultFollowupWeights()
	raw := r.str("G6_FOLLOWUPS_WEIGHTS", "")
	if raw == "" {
		return weights
	}
	var parsed map[string]map[string]float64
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		r.warn("G6_FOLLOWUPS_WEIGHTS", raw, err)
		return weights
	}
	for k, v := range parsed {
		weights[k] = v
	}
	return weights
}

// reader reads typed environment values, collecting a warning for every
// malformed one before falling back to defaults.
type reader struct {
	warnings []string
}

func (r *reader) warn(key, raw string, err error) {
	r.warnings = append(r.warnings, fmt.Sprintf("%s=%q: %v", key, raw, err))
}

func (r *reader) str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (r *reader) boolean(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.warn(key, v, err)
		return def
	}
	return b
}

func (r *reader) integer(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.warn(key, v, err)
		return def
	}
	return n
}

func (r *reader) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.warn(key, v, err)
		return def
	}
	return f
}

func (r *reader) seconds(key string, def int) time.Duration {
	return time.Duration(r.integer(key, def)) * time.Second
}

func (r *reader) millis(key string, def int) time.Duration {
	return time.Duration(r.integer(key, def)) * time.Millisecond
}

// oneOf validates an enum-valued variable against its allowed set.
func (r *reader) oneOf(key, def string, allowed ...string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	r.warn(key, v, fmt.Errorf("not one of %v", allowed))
	return def
}

// csv splits a comma-separated list, trimming blanks.
func (r *reader) csv(key string) []string {
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

// edges parses a comma-separated list of bucket edges, falling back to the
// default percent edges on any malformed entry.
func (r *reader) edges(key string) []float64 {
	v := os.Getenv(key)
	if v == "" {
		return append([]float64(nil), DefaultBucketEdges...)
	}
	parts := strings.Split(v, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			r.warn(key, v, err)
			return append([]float64(nil), DefaultBucketEdges...)
		}
		out = append(out, f)
	}
	if len(out) < 2 {
		r.warn(key, v, fmt.Errorf("need at least two edges"))
		return append([]float64(nil), DefaultBucketEdges...)
	}
	return out
}
