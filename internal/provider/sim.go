package provider

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/g6io/g6/internal/errs"
	"github.com/g6io/g6/internal/expiry"
	"github.com/g6io/g6/internal/greeks"
	"github.com/g6io/g6/internal/istime"
	"github.com/g6io/g6/internal/strikes"
)

// basePrices anchor the simulator's spot levels per index.
var basePrices = map[string]float64{
	"NIFTY":      22500,
	"BANKNIFTY":  48200,
	"FINNIFTY":   21400,
	"MIDCPNIFTY": 11800,
	"SENSEX":     74300,
	"BANKEX":     55100,
}

// Sim is a deterministic synthetic broker. Prices, chains and quotes are
// seeded per (index, day) so repeated calls within a day agree, which makes
// it usable for benchmarks and tests as well as the --sim run mode.
type Sim struct {
	Now func() time.Time

	// FailEvery makes every Nth call fail when set, for resilience tests.
	FailEvery int

	mu    sync.Mutex
	calls int
}

// NewSim returns a simulator on the real clock.
func NewSim() *Sim {
	return &Sim{Now: time.Now}
}

func (s *Sim) Name() string { return "sim" }

func (s *Sim) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// tick counts a call and injects a synthetic failure when configured.
func (s *Sim) tick(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.FailEvery > 0 && s.calls%s.FailEvery == 0 {
		return errs.E(errs.KindProviderFail, "sim: injected failure on %s (call %d)", op, s.calls)
	}
	return nil
}

func daySeed(index string, day time.Time) int64 {
	h := fnv.New64a()
	h.Write([]byte(strings.ToUpper(index)))
	h.Write([]byte(day.Format("2006-01-02")))
	return int64(h.Sum64())
}

func symbolSeed(symbol string, day time.Time) uint64 {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	h.Write([]byte(day.Format("2006-01-02")))
	return h.Sum64()
}

// spot derives the simulated price: the base level shifted by a seeded
// daily drift plus a slow intraday oscillation.
func (s *Sim) spot(index string) float64 {
	base, ok := basePrices[strings.ToUpper(index)]
	if !ok {
		base = 10000
	}
	now := s.now().In(istime.Zone())
	day := istime.DateOnly(now)
	rng := rand.New(rand.NewSource(daySeed(index, day)))
	drift := (rng.Float64() - 0.5) * 0.03 // ±1.5% daily
	minutes := float64(now.Hour()*60 + now.Minute())
	intraday := 0.002 * math.Sin(minutes/90)
	return base * (1 + drift + intraday)
}

func (s *Sim) IndexData(ctx context.Context, index string) (float64, OHLC, error) {
	if err := ctx.Err(); err != nil {
		return 0, OHLC{}, err
	}
	if err := s.tick("index_data"); err != nil {
		return 0, OHLC{}, err
	}
	price := s.spot(index)
	ohlc := OHLC{
		Open:  price * 0.998,
		High:  price * 1.006,
		Low:   price * 0.993,
		Close: price,
	}
	return price, ohlc, nil
}

func (s *Sim) LTP(ctx context.Context, index string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.tick("ltp"); err != nil {
		return 0, err
	}
	return s.spot(index), nil
}

func (s *Sim) ATMStrike(ctx context.Context, index string) (float64, error) {
	price, err := s.LTP(ctx, index)
	if err != nil {
		return 0, err
	}
	return strikes.AlignATM(price, index), nil
}

// weeklyDOW is the weekly expiry weekday per exchange family.
func weeklyDOW(index string) time.Weekday {
	switch strings.ToUpper(index) {
	case "SENSEX", "BANKEX":
		return time.Friday
	}
	return time.Thursday
}

// ExpiryDates generates the next four weekly expiries and the monthly
// anchors for the current and following two months.
func (s *Sim) ExpiryDates(ctx context.Context, index string) ([]time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.tick("expiry_dates"); err != nil {
		return nil, err
	}

	dow := weeklyDOW(index)
	today := istime.DateOnly(s.now())

	seen := map[string]struct{}{}
	var out []time.Time
	add := func(d time.Time) {
		key := d.Format("2006-01-02")
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, d)
	}

	d := today
	for d.Weekday() != dow {
		d = d.AddDate(0, 0, 1)
	}
	for i := 0; i < 4; i++ {
		add(d.AddDate(0, 0, 7*i))
	}
	for m := 0; m < 3; m++ {
		add(lastWeekdayOfMonth(today.AddDate(0, m, 0), dow))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func lastWeekdayOfMonth(anyDay time.Time, dow time.Weekday) time.Time {
	firstOfNext := time.Date(anyDay.Year(), anyDay.Month(), 1, 0, 0, 0, 0, anyDay.Location()).AddDate(0, 1, 0)
	d := firstOfNext.AddDate(0, 0, -1)
	for d.Weekday() != dow {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

func (s *Sim) ResolveExpiry(ctx context.Context, index string, rule expiry.Rule) (time.Time, error) {
	dates, err := s.ExpiryDates(ctx, index)
	if err != nil {
		return time.Time{}, err
	}
	svc := &expiry.Service{Now: s.now}
	return svc.Select(rule, dates)
}

// monthCodes renders the trading-symbol month segment.
var monthCodes = [...]string{"JAN", "FEB", "MAR", "APR", "MAY", "JUN", "JUL", "AUG", "SEP", "OCT", "NOV", "DEC"}

// SymbolFor builds the simulator's trading symbol for a contract, e.g.
// NIFTY25MAY22500CE.
func SymbolFor(index string, expiryDate time.Time, strike float64, t InstrumentType) string {
	return fmt.Sprintf("%s%02d%s%d%s",
		strings.ToUpper(index), expiryDate.Year()%100, monthCodes[expiryDate.Month()-1], int(strike), t)
}

func exchangeFor(index string) string {
	switch strings.ToUpper(index) {
	case "SENSEX", "BANKEX":
		return "BFO"
	}
	return "NFO"
}

func (s *Sim) OptionInstruments(ctx context.Context, index string, expiryDate time.Time, strikeList []float64) ([]Instrument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.tick("option_instruments"); err != nil {
		return nil, err
	}

	exch := exchangeFor(index)
	day := istime.DateOnly(expiryDate)
	out := make([]Instrument, 0, len(strikeList)*2)
	for _, strike := range strikeList {
		for _, t := range []InstrumentType{TypeCall, TypePut} {
			out = append(out, Instrument{
				TradingSymbol:  SymbolFor(index, day, strike, t),
				Exchange:       exch,
				InstrumentType: t,
				Strike:         strike,
				Expiry:         day,
				UnderlyingName: strings.ToUpper(index),
			})
		}
	}
	return out, nil
}

// smile produces a plausible implied vol for the synthetic quote: a base
// level per index with a parabolic skew in log-moneyness.
func smile(index string, spot, strike float64) float64 {
	h := fnv.New32a()
	h.Write([]byte(strings.ToUpper(index)))
	base := 0.14 + float64(h.Sum32()%8)/100
	m := math.Log(strike / spot)
	iv := base + 0.4*m*m - 0.05*m
	if iv < 0.08 {
		iv = 0.08
	}
	if iv > 1.2 {
		iv = 1.2
	}
	return iv
}

func (s *Sim) Quotes(ctx context.Context, instruments []Instrument) (map[string]Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.tick("quotes"); err != nil {
		return nil, err
	}

	now := s.now()
	day := istime.DateOnly(now)
	out := make(map[string]Quote, len(instruments))
	for _, inst := range instruments {
		spot := s.spot(inst.UnderlyingName)
		tte := istime.MarketClose(inst.Expiry).Sub(now).Hours() / 24 / 365
		if tte <= 0 {
			tte = 1.0 / 24 / 365
		}
		iv := smile(inst.UnderlyingName, spot, inst.Strike)
		price := greeks.Price(greeks.Params{
			Spot:   spot,
			Strike: inst.Strike,
			TTE:    tte,
			Rate:   0.065,
			IV:     iv,
			IsCall: inst.InstrumentType == TypeCall,
		})
		if price < 0.05 {
			price = 0.05
		}

		seed := symbolSeed(inst.TradingSymbol, day)
		volume := int64(500 + seed%250000)
		oi := int64(1000 + (seed>>8)%500000)
		avg := price * (0.99 + float64(seed%3)/100)
		// A thin slice of the chain trades nothing, exercising field
		// coverage accounting downstream.
		if seed%17 == 0 {
			volume, oi, avg = 0, 0, 0
		}

		out[inst.TradingSymbol] = Quote{
			Symbol:         inst.TradingSymbol,
			Exchange:       inst.Exchange,
			LastPrice:      round2(price),
			Volume:         volume,
			OI:             oi,
			AvgPrice:       round2(avg),
			Timestamp:      now,
			Strike:         inst.Strike,
			InstrumentType: inst.InstrumentType,
		}
	}
	return out, nil
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
