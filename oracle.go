package main

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/stat"
)

const (
	EventDepeg = "depeg"
	EventRepeg = "repeg"
)

// Oracle owns the USC price. Each Step moves the price toward the peg, adds
// noise and passes through a share of the reference market's move.
type Oracle struct {
	mu       sync.RWMutex
	cfg      MarketConfig
	price    float64
	lastRef  float64
	depegged bool
	rng      *rand.Rand

	feed  ReferenceFeed
	store *TickStore
	clock Clock
	log   zerolog.Logger
}

// NewOracle resumes from the latest stored tick, or starts at the peg. feed
// may be nil, in which case the price moves on noise alone.
func NewOracle(cfg MarketConfig, feed ReferenceFeed, store *TickStore, clock Clock) (*Oracle, error) {
	cfg.applyDefaults()

	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(clock.Now().UnixNano())
	}

	o := &Oracle{
		cfg:   cfg,
		price: cfg.PegTarget,
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		feed:  feed,
		store: store,
		clock: clock,
		log:   logger.With().Str("component", "oracle").Logger(),
	}

	last, ok, err := store.Latest()
	if err != nil {
		return nil, err
	}
	if ok {
		o.price = last.Price
		o.lastRef = last.Reference
		o.depegged, err = resumeDepegged(store, last, cfg.DepegThreshold)
		if err != nil {
			return nil, err
		}
	}
	return o, nil
}

// resumeDepegged recovers the hysteresis state from the last peg event. When
// every event has expired it falls back to the entry threshold on last.
func resumeDepegged(store *TickStore, last Tick, threshold float64) (bool, error) {
	ev, ok, err := store.LastEvent()
	if err != nil {
		return false, err
	}
	if ok {
		return ev.Event == EventDepeg, nil
	}
	return math.Abs(last.Deviation) >= threshold, nil
}

// Price returns the current USC price in dollars.
func (o *Oracle) Price() float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.price
}

// Peg returns the target price.
func (o *Oracle) Peg() float64 {
	return o.cfg.PegTarget
}

// FeeBps returns the trading fee in basis points.
func (o *Oracle) FeeBps() int {
	return *o.cfg.FeeBps
}

func (o *Oracle) deviation(p float64) float64 {
	return (p - o.cfg.PegTarget) / o.cfg.PegTarget
}

// Step advances the price by one tick and records it.
func (o *Oracle) Step(ctx context.Context) (Tick, error) {
	ref := o.fetchReference(ctx)

	o.mu.Lock()
	shock := 0.0
	if ref > 0 && o.lastRef > 0 {
		shock = *o.cfg.ReferenceBeta * (ref - o.lastRef) / o.lastRef
	}
	if ref > 0 {
		o.lastRef = ref
	}

	p := o.price
	next := p + o.cfg.Reversion*(o.cfg.PegTarget-p) + p*(*o.cfg.Volatility*o.rng.NormFloat64()+shock)
	next = math.Max(next, o.cfg.PriceFloor)
	o.price = next

	tick := Tick{
		Time:      o.clock.Now(),
		Price:     next,
		Reference: o.lastRef,
		Deviation: o.deviation(next),
	}

	dev := math.Abs(tick.Deviation)
	switch {
	case !o.depegged && dev >= o.cfg.DepegThreshold:
		o.depegged = true
		tick.Event = EventDepeg
	case o.depegged && dev < o.cfg.DepegThreshold/2:
		o.depegged = false
		tick.Event = EventRepeg
	}
	o.mu.Unlock()

	if err := o.store.Append(tick); err != nil {
		return tick, err
	}
	return tick, nil
}

func (o *Oracle) fetchReference(ctx context.Context) float64 {
	if o.feed == nil || o.cfg.ReferenceSymbol == "" {
		return 0
	}
	ref, err := o.feed.LastPrice(ctx, o.cfg.ReferenceSymbol)
	if err != nil {
		o.log.Warn().Err(err).Str("symbol", o.cfg.ReferenceSymbol).Msg("reference price unavailable")
		return 0
	}
	return ref
}

// Run steps the oracle every interval until ctx is done. onTick, when set,
// receives every recorded tick.
func (o *Oracle) Run(ctx context.Context, interval time.Duration, onTick func(Tick)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick, err := o.Step(ctx)
			if err != nil {
				o.log.Error().Err(err).Msg("failed to record tick")
				continue
			}
			o.log.Debug().Float64("price", tick.Price).Float64("deviation", tick.Deviation).Msg("tick")
			if onTick != nil {
				onTick(tick)
			}
		}
	}
}

// Snapshot summarises the market over the trailing window.
type Snapshot struct {
	Price     float64
	Peg       float64
	Deviation float64
	Open      float64
	High      float64
	Low       float64
	Change    float64

	// Volatility is the standard deviation of tick-to-tick returns.
	Volatility float64
	Recent     []float64
}

// Snapshot returns the current price with statistics over window.
func (o *Oracle) Snapshot(window time.Duration) (Snapshot, error) {
	price := o.Price()
	snap := Snapshot{
		Price:     price,
		Peg:       o.cfg.PegTarget,
		Deviation: o.deviation(price),
		Open:      price,
		High:      price,
		Low:       price,
	}

	ticks, err := o.store.Since(o.clock.Now().Add(-window))
	if err != nil {
		return snap, err
	}
	if len(ticks) == 0 {
		return snap, nil
	}

	prices := lo.Map(ticks, func(t Tick, _ int) float64 { return t.Price })
	snap.Open = prices[0]
	snap.High = math.Max(lo.Max(prices), price)
	snap.Low = math.Min(lo.Min(prices), price)
	if snap.Open > 0 {
		snap.Change = (price - snap.Open) / snap.Open
	}
	snap.Recent = prices
	snap.Volatility = realizedVolatility(prices)
	return snap, nil
}

func realizedVolatility(prices []float64) float64 {
	if len(prices) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] > 0 {
			returns = append(returns, (prices[i]-prices[i-1])/prices[i-1])
		}
	}
	if len(returns) < 2 {
		return 0
	}
	return stat.StdDev(returns, nil)
}
