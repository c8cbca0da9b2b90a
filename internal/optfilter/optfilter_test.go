package optfilter

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g6io/g6/internal/istime"
	"github.com/g6io/g6/internal/provider"
)

var (
	testExpiry = time.Date(2025, time.May, 22, 0, 0, 0, 0, istime.Zone())
	otherWeek  = time.Date(2025, time.May, 29, 0, 0, 0, 0, istime.Zone())
)

func inst(sym string, t provider.InstrumentType, strike float64, expiry time.Time, underlying string) provider.Instrument {
	return provider.Instrument{
		TradingSymbol:  sym,
		Exchange:       "NFO",
		InstrumentType: t,
		Strike:         strike,
		Expiry:         expiry,
		UnderlyingName: underlying,
	}
}

func TestDecideLadder(t *testing.T) {
	f := New(Options{Mode: ModeStrict, SafeMode: true, UnderlyingStrict: true})
	b := f.NewBatch("NIFTY", testExpiry, []float64{22400, 22500, 22600})

	cases := []struct {
		name string
		in   provider.Instrument
		want Reason
	}{
		{
			name: "future row rejected by type",
			in:   inst("NIFTY25MAYFUT", "FUT", 0, testExpiry, "NIFTY"),
			want: ReasonNotOptionType,
		},
		{
			// Root detection outranks expiry and strike checks: this row
			// is wrong on all three but must report the root.
			name: "foreign root wins over expiry and strike",
			in:   inst("FINNIFTY25MAY99999CE", provider.TypeCall, 99999, otherWeek, "FINNIFTY"),
			want: ReasonRootMismatch,
		},
		{
			name: "wrong week",
			in:   inst("NIFTY25MAY22500CE", provider.TypeCall, 22500, otherWeek, "NIFTY"),
			want: ReasonExpiryMismatch,
		},
		{
			name: "strike off the ladder",
			in:   inst("NIFTY25MAY23000CE", provider.TypeCall, 23000, testExpiry, "NIFTY"),
			want: ReasonStrikeMismatch,
		},
		{
			name: "unknown root fails strict prefix",
			in:   inst("XNIFTY25MAY22500CE", provider.TypeCall, 22500, testExpiry, "NIFTY"),
			want: ReasonRootMismatch,
		},
		{
			name: "safe mode catches month-code padding",
			in:   inst("NIFTYJAN22500CE", provider.TypeCall, 22500, testExpiry, "NIFTY"),
			want: ReasonRootMismatch,
		},
		{
			name: "underlying disagrees",
			in:   inst("NIFTY25MAY22500CE", provider.TypeCall, 22500, testExpiry, "NIFTY NEXT 50"),
			want: ReasonUnderlyingMismatch,
		},
		{
			name: "clean row",
			in:   inst("NIFTY25MAY22500CE", provider.TypeCall, 22500, testExpiry, "NIFTY"),
			want: ReasonAccepted,
		},
		{
			name: "clean put",
			in:   inst("NIFTY25MAY22400PE", provider.TypePut, 22400, testExpiry, "NIFTY"),
			want: ReasonAccepted,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := f.Decide(tc.in, b)
			assert.Equal(t, tc.want, d.Reason)
			assert.Equal(t, tc.want == ReasonAccepted, d.OK)
		})
	}
}

func TestContaminationSampleCap(t *testing.T) {
	f := New(Options{})
	b := f.NewBatch("NIFTY", testExpiry, []float64{22500})

	for i := 0; i < 10; i++ {
		sym := fmt.Sprintf("BANKNIFTY25MAY%dCE", 48000+i*100)
		d := f.Decide(inst(sym, provider.TypeCall, float64(48000+i*100), testExpiry, "BANKNIFTY"), b)
		assert.Equal(t, ReasonRootMismatch, d.Reason)
	}
	assert.Len(t, b.Contamination(), contaminationCap)
}

func TestApplyDeterministic(t *testing.T) {
	f := New(Options{Mode: ModeStrict})
	batch := func() *Batch { return f.NewBatch("NIFTY", testExpiry, []float64{22400, 22500, 22600}) }

	var rows []provider.Instrument
	for i := 0; i < 20; i++ {
		strike := 22300 + float64(i%5)*100
		rows = append(rows, inst(fmt.Sprintf("NIFTY25MAY%.0fCE", strike), provider.TypeCall, strike, testExpiry, "NIFTY"))
		rows = append(rows, inst(fmt.Sprintf("FINNIFTY25MAY%.0fPE", strike), provider.TypePut, strike, testExpiry, "FINNIFTY"))
	}

	kept1, stats1 := f.Apply(batch(), rows)
	kept2, stats2 := f.Apply(batch(), rows)

	require.Equal(t, len(kept1), len(kept2))
	for i := range kept1 {
		assert.Equal(t, kept1[i].TradingSymbol, kept2[i].TradingSymbol)
	}
	assert.Equal(t, stats1.Accepted, stats2.Accepted)
	assert.Equal(t, stats1.Rejections, stats2.Rejections)
	assert.Equal(t, stats1.Accepted+sumRejections(stats1), stats1.Scanned)
}

func sumRejections(s BatchStats) int {
	total := 0
	for _, n := range s.Rejections {
		total += n
	}
	return total
}

func TestApplyRelaxEmptyMatch(t *testing.T) {
	rows := []provider.Instrument{
		inst("XYZNIFTY25MAY22500CE", provider.TypeCall, 22500, testExpiry, "NIFTY"),
		inst("XYZNIFTY25MAY22500PE", provider.TypePut, 22500, testExpiry, "NIFTY"),
	}

	strictOnly := New(Options{Mode: ModeStrict})
	kept, stats := strictOnly.Apply(strictOnly.NewBatch("NIFTY", testExpiry, []float64{22500}), rows)
	assert.Empty(t, kept)
	assert.False(t, stats.Relaxed)

	relaxed := New(Options{Mode: ModeStrict, RelaxEmptyMatch: true})
	kept, stats = relaxed.Apply(relaxed.NewBatch("NIFTY", testExpiry, []float64{22500}), rows)
	assert.Len(t, kept, 2)
	assert.True(t, stats.Relaxed)
	assert.Equal(t, 2, stats.Accepted)
}

func TestSymbolMatchesIndexModes(t *testing.T) {
	cases := []struct {
		symbol string
		mode   MatchMode
		want   bool
	}{
		{"NIFTY25MAY22500CE", ModeStrict, true},
		{"NIFTY25JAN22500CE", ModeStrict, true},
		{"NIFTYJAN22500CE", ModeStrict, true}, // month-code boundary
		{"NIFTYNXT5025MAY100CE", ModeStrict, false},
		{"NIFTY", ModeStrict, false},
		{"XNIFTY25MAY22500CE", ModeStrict, false},
		{"NIFTYNXT5025MAY100CE", ModePrefix, true},
		{"XNIFTY25MAY22500CE", ModePrefix, false},
		{"XNIFTY25MAY22500CE", ModeLegacy, true},
		{"BANKEX25MAY55000CE", ModeLegacy, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SymbolMatchesIndex("NIFTY", tc.symbol, tc.mode),
			"%s under %s", tc.symbol, tc.mode)
	}
}

func TestDetectRootLongestWins(t *testing.T) {
	f := New(Options{})

	assert.Equal(t, "FINNIFTY", f.DetectRoot("FINNIFTY25MAY21500CE"))
	assert.Equal(t, "MIDCPNIFTY", f.DetectRoot("MIDCPNIFTY25MAY11800PE"))
	assert.Equal(t, "BANKNIFTY", f.DetectRoot("BANKNIFTY25MAY48200CE"))
	assert.Equal(t, "NIFTY", f.DetectRoot("NIFTY25MAY22500CE"))
	assert.Equal(t, "", f.DetectRoot("ACMEINDEX25MAY100CE"))
}

func TestParseRootBeforeDigits(t *testing.T) {
	assert.Equal(t, "NIFTY", ParseRootBeforeDigits("NIFTY25MAY22500CE"))
	assert.Equal(t, "NIFTYJAN", ParseRootBeforeDigits("NIFTYJAN22500CE"))
	assert.Equal(t, "SENSEX", ParseRootBeforeDigits("SENSEX25MAY74000PE"))
	assert.Equal(t, "NODIGITS", ParseRootBeforeDigits("NODIGITS"))
}

func TestRootCacheHitsAndEviction(t *testing.T) {
	f := New(Options{CacheCapacity: 2})

	f.DetectRoot("NIFTY25MAY22500CE")
	f.DetectRoot("NIFTY25MAY22500CE")
	stats := f.CacheStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)

	f.DetectRoot("BANKNIFTY25MAY48200CE")
	f.DetectRoot("FINNIFTY25MAY21500CE")
	assert.LessOrEqual(t, f.CacheStats().Size, 2)
}

func TestRootCacheDayRollover(t *testing.T) {
	now := time.Date(2025, time.May, 12, 10, 0, 0, 0, istime.Zone())
	f := New(Options{Now: func() time.Time { return now }})

	f.DetectRoot("NIFTY25MAY22500CE")
	f.DetectRoot("BANKNIFTY25MAY48200CE")
	assert.Equal(t, 2, f.CacheStats().Size)

	now = now.Add(24 * time.Hour)
	f.DetectRoot("NIFTY25MAY22500CE")
	assert.Equal(t, 1, f.CacheStats().Size, "cache must clear on day rollover")
}
