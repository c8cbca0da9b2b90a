package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/g6io/g6/internal/errs"
	"github.com/g6io/g6/internal/expiry"
)

// FailoverConfig tunes the resilience wrapper.
type FailoverConfig struct {
	RPS     float64
	Burst   int
	Timeout time.Duration
	// OnFailure is invoked once per failed primary call with the error
	// kind, letting the caller count provider_failures without the
	// provider importing the metrics registry.
	OnFailure func(index string, kind errs.Kind)
}

// Failover wraps a Provider with a shared token-bucket limiter, a named
// circuit breaker per index and an optional secondary provider consulted
// when the primary fails or its breaker is open.
type Failover struct {
	primary   Provider
	secondary Provider
	limiter   *rate.Limiter
	timeout   time.Duration
	onFailure func(string, errs.Kind)

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewFailover builds the wrapper; secondary may be nil.
func NewFailover(primary, secondary Provider, cfg FailoverConfig) *Failover {
	if cfg.RPS <= 0 {
		cfg.RPS = 8
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RPS) * 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	f := &Failover{
		primary:   primary,
		secondary: secondary,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		timeout:   cfg.Timeout,
		onFailure: cfg.OnFailure,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
	return f
}

func (f *Failover) Name() string { return "failover(" + f.primary.Name() + ")" }

func (f *Failover) breaker(index string) *gobreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cb, ok := f.breakers[index]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "provider:" + index,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= 5 {
				return true
			}
			return counts.Requests >= 10 &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("provider circuit state change")
		},
	})
	f.breakers[index] = cb
	return cb
}

// BreakerState reports the current circuit state for an index, for status
// exposure.
func (f *Failover) BreakerState(index string) string {
	return f.breaker(index).State().String()
}

func classifyErr(err error) errs.Kind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errs.KindTimeout
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return errs.KindProviderFail
	}
	if k := errs.KindOf(err); k != errs.KindUnknown {
		return k
	}
	return errs.KindProviderFail
}

func (f *Failover) fail(index string, err error) {
	if f.onFailure != nil {
		f.onFailure(index, classifyErr(err))
	}
}

// execute runs fn against the primary under the limiter and breaker,
// falling back to the secondary on failure.
func (f *Failover) execute(ctx context.Context, index, op string, fn func(context.Context, Provider) error) error {
	if err := f.limiter.Wait(ctx); err != nil {
		f.fail(index, errs.Wrap(errs.KindRateLimited, op, err))
		return errs.Wrap(errs.KindRateLimited, op, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	_, err := f.breaker(index).Execute(func() (any, error) {
		return nil, fn(callCtx, f.primary)
	})
	if err == nil {
		return nil
	}
	f.fail(index, err)

	if f.secondary != nil {
		log.Debug().Str("index", index).Str("op", op).Err(err).Msg("primary provider failed, trying secondary")
		if serr := fn(callCtx, f.secondary); serr == nil {
			return nil
		}
	}
	return errs.Wrap(classifyErr(err), op, err)
}

func (f *Failover) IndexData(ctx context.Context, index string) (float64, OHLC, error) {
	var price float64
	var ohlc OHLC
	err := f.execute(ctx, index, "index_data", func(c context.Context, p Provider) error {
		var e error
		price, ohlc, e = p.IndexData(c, index)
		return e
	})
	return price, ohlc, err
}

func (f *Failover) ATMStrike(ctx context.Context, index string) (float64, error) {
	var atm float64
	err := f.execute(ctx, index, "atm_strike", func(c context.Context, p Provider) error {
		var e error
		atm, e = p.ATMStrike(c, index)
		return e
	})
	return atm, err
}

func (f *Failover) LTP(ctx context.Context, index string) (float64, error) {
	var ltp float64
	err := f.execute(ctx, index, "ltp", func(c context.Context, p Provider) error {
		var e error
		ltp, e = p.LTP(c, index)
		return e
	})
	return ltp, err
}

func (f *Failover) ExpiryDates(ctx context.Context, index string) ([]time.Time, error) {
	var dates []time.Time
	err := f.execute(ctx, index, "expiry_dates", func(c context.Context, p Provider) error {
		var e error
		dates, e = p.ExpiryDates(c, index)
		return e
	})
	return dates, err
}

func (f *Failover) ResolveExpiry(ctx context.Context, index string, rule expiry.Rule) (time.Time, error) {
	var date time.Time
	err := f.execute(ctx, index, "resolve_expiry", func(c context.Context, p Provider) error {
		var e error
		date, e = p.ResolveExpiry(c, index, rule)
		return e
	})
	return date, err
}

func (f *Failover) OptionInstruments(ctx context.Context, index string, expiryDate time.Time, strikeList []float64) ([]Instrument, error) {
	var instruments []Instrument
	err := f.execute(ctx, index, "option_instruments", func(c context.Context, p Provider) error {
		var e error
		instruments, e = p.OptionInstruments(c, index, expiryDate, strikeList)
		return e
	})
	return instruments, err
}

func (f *Failover) Quotes(ctx context.Context, instruments []Instrument) (map[string]Quote, error) {
	index := "global"
	if len(instruments) > 0 {
		index = instruments[0].UnderlyingName
	}
	var quotes map[string]Quote
	err := f.execute(ctx, index, "quotes", func(c context.Context, p Provider) error {
		var e error
		quotes, e = p.Quotes(c, instruments)
		return e
	})
	return quotes, err
}
