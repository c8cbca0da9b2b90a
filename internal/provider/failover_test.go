package provider

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g6io/g6/internal/errs"
	"github.com/g6io/g6/internal/istime"
)

type failureLog struct {
	mu    sync.Mutex
	kinds map[errs.Kind]int
}

func newFailureLog() *failureLog {
	return &failureLog{kinds: make(map[errs.Kind]int)}
}

func (l *failureLog) record(index string, kind errs.Kind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.kinds[kind]++
}

func (l *failureLog) count(kind errs.Kind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.kinds[kind]
}

// hangingProvider blocks every LTP call until the context expires.
type hangingProvider struct{ *Sim }

func (h *hangingProvider) LTP(ctx context.Context, index string) (float64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestFailoverDelegates(t *testing.T) {
	ctx := context.Background()
	sim := simAt(t, "2025-05-12 10:30")
	f := NewFailover(sim, nil, FailoverConfig{RPS: 100, Burst: 100})

	assert.Equal(t, "failover(sim)", f.Name())

	ltp, err := f.LTP(ctx, "NIFTY")
	require.NoError(t, err)
	assert.Greater(t, ltp, 0.0)

	price, ohlc, err := f.IndexData(ctx, "NIFTY")
	require.NoError(t, err)
	assert.Equal(t, price, ohlc.Close)

	dates, err := f.ExpiryDates(ctx, "NIFTY")
	require.NoError(t, err)
	assert.NotEmpty(t, dates)
}

func TestFailoverSecondaryTakesOver(t *testing.T) {
	ctx := context.Background()
	primary := simAt(t, "2025-05-12 10:30")
	primary.FailEvery = 1 // every call fails
	secondary := simAt(t, "2025-05-12 10:30")

	failures := newFailureLog()
	f := NewFailover(primary, secondary, FailoverConfig{
		RPS:       100,
		Burst:     100,
		OnFailure: failures.record,
	})

	ltp, err := f.LTP(ctx, "NIFTY")
	require.NoError(t, err, "secondary should have answered")
	assert.Greater(t, ltp, 0.0)
	assert.Equal(t, 1, failures.count(errs.KindProviderFail))
}

func TestFailoverBreakerOpens(t *testing.T) {
	ctx := context.Background()
	primary := simAt(t, "2025-05-12 10:30")
	primary.FailEvery = 1

	failures := newFailureLog()
	f := NewFailover(primary, nil, FailoverConfig{
		RPS:       1000,
		Burst:     1000,
		OnFailure: failures.record,
	})

	for i := 0; i < 5; i++ {
		_, err := f.LTP(ctx, "NIFTY")
		require.Error(t, err)
	}
	assert.Equal(t, "open", f.BreakerState("NIFTY"))

	// With the circuit open the primary is no longer consulted.
	before := primary.calls
	_, err := f.LTP(ctx, "NIFTY")
	require.Error(t, err)
	assert.Equal(t, errs.KindProviderFail, errs.KindOf(err))
	assert.Equal(t, before, primary.calls)
	assert.GreaterOrEqual(t, failures.count(errs.KindProviderFail), 6)
}

func TestFailoverBreakerIsPerIndex(t *testing.T) {
	ctx := context.Background()
	primary := simAt(t, "2025-05-12 10:30")
	primary.FailEvery = 1

	f := NewFailover(primary, nil, FailoverConfig{RPS: 1000, Burst: 1000})
	for i := 0; i < 5; i++ {
		_, _ = f.LTP(ctx, "NIFTY")
	}
	assert.Equal(t, "open", f.BreakerState("NIFTY"))
	assert.Equal(t, "closed", f.BreakerState("BANKNIFTY"))
}

func TestFailoverTimeoutKind(t *testing.T) {
	sim := simAt(t, "2025-05-12 10:30")
	failures := newFailureLog()
	f := NewFailover(&hangingProvider{sim}, nil, FailoverConfig{
		RPS:       100,
		Burst:     100,
		Timeout:   20 * time.Millisecond,
		OnFailure: failures.record,
	})

	_, err := f.LTP(context.Background(), "NIFTY")
	require.Error(t, err)
	assert.Equal(t, errs.KindTimeout, errs.KindOf(err))
	assert.Equal(t, 1, failures.count(errs.KindTimeout))
}

func TestFailoverRateLimitedKind(t *testing.T) {
	sim := simAt(t, "2025-05-12 10:30")
	failures := newFailureLog()
	f := NewFailover(sim, nil, FailoverConfig{
		RPS:       0.001,
		Burst:     1,
		OnFailure: failures.record,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.LTP(ctx, "NIFTY")
	require.NoError(t, err, "burst token should cover the first call")

	_, err = f.LTP(ctx, "NIFTY")
	require.Error(t, err)
	assert.Equal(t, errs.KindRateLimited, errs.KindOf(err))
	assert.Equal(t, 1, failures.count(errs.KindRateLimited))
}

func TestSyntheticQuotes(t *testing.T) {
	ts := time.Date(2025, time.May, 12, 10, 30, 0, 0, istime.Zone())
	instruments := testUniverse("NIFTY")

	quotes := SyntheticQuotes(instruments, ts)
	require.Len(t, quotes, len(instruments))
	for _, inst := range instruments {
		q, ok := quotes[inst.TradingSymbol]
		require.True(t, ok)
		assert.Zero(t, q.LastPrice)
		assert.Zero(t, q.Volume)
		assert.Equal(t, ts, q.Timestamp)
		assert.Equal(t, inst.Strike, q.Strike)
	}
}
