package market

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"fx-trading-bot/internal/logger"
	"fx-trading-bot/internal/store"
	"fx-trading-bot/internal/ta"
	"fx-trading-bot/internal/types"
)

// Source is the raw market data feed, implemented by the broker adapters.
type Source interface {
	Candles(ctx context.Context, instrument, granularity string, count int) ([]types.Candle, error)
	Quote(ctx context.Context, instrument string) (types.Quote, error)
}

// Provider builds Signals from candles and a live quote.
type Provider struct {
	src   Source
	cfg   store.MarketConfig
	cache *candleCache
	now   func() time.Time
}

func NewProvider(src Source, cfg store.MarketConfig) *Provider {
	return &Provider{
		src:   src,
		cfg:   cfg,
		cache: newCandleCache(cfg.CandleTTL),
		now:   time.Now,
	}
}

func (p *Provider) Quote(ctx context.Context, instrument string) (types.Quote, error) {
	q, err := p.src.Quote(ctx, instrument)
	if err != nil {
		return types.Quote{}, fmt.Errorf("%w: quote %s: %v", types.ErrDataUnavailable, instrument, err)
	}
	if q.Bid <= 0 || q.Ask <= 0 || q.Ask < q.Bid {
		return types.Quote{}, fmt.Errorf("%w: bad quote for %s: bid=%f ask=%f", types.ErrDataUnavailable, instrument, q.Bid, q.Ask)
	}
	return q, nil
}

func (p *Provider) GetSignal(ctx context.Context, instrument string) (types.Signal, error) {
	candles, err := p.candles(ctx, instrument)
	if err != nil {
		return types.Signal{}, err
	}
	q, err := p.Quote(ctx, instrument)
	if err != nil {
		return types.Signal{}, err
	}

	ind := Compute(candles, p.cfg)
	ind[types.IndBid] = q.Bid
	ind[types.IndAsk] = q.Ask
	ind[types.IndSpreadPips] = q.SpreadPips()

	ts := q.Time
	if ts.IsZero() {
		ts = p.now().UTC()
	}
	return types.Signal{Instrument: instrument, Timestamp: ts, Indicators: ind}, nil
}

func (p *Provider) candles(ctx context.Context, instrument string) ([]types.Candle, error) {
	if c, ok := p.cache.get(instrument, p.now()); ok {
		return c, nil
	}
	c, err := p.src.Candles(ctx, instrument, p.cfg.Granularity, p.cfg.CandleCount)
	if err != nil {
		return nil, fmt.Errorf("%w: candles %s: %v", types.ErrDataUnavailable, instrument, err)
	}
	if len(c) < p.cfg.MinCandles {
		return nil, fmt.Errorf("%w: %s has %d candles, need %d", types.ErrDataUnavailable, instrument, len(c), p.cfg.MinCandles)
	}
	p.cache.set(instrument, c, p.now())
	logger.Debug(ctx, "Candles refreshed", "instrument", instrument, "count", len(c))
	return c, nil
}

// Compute derives the indicator map from completed candles. Indicators that
// need more history than available are omitted.
func Compute(candles []types.Candle, cfg store.MarketConfig) map[string]float64 {
	n := len(candles)
	opens := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	for i, c := range candles {
		opens[i], highs[i], lows[i], closes[i] = c.Open, c.High, c.Low, c.Close
	}

	ic := cfg.Indicators
	out := make(map[string]float64, 16)
	put := func(k string, v float64) {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out[k] = v
		}
	}
	if n > 0 {
		put(types.IndClose, closes[n-1])
	}
	put(types.IndRSI, ta.RSI(closes, ic.RSIPeriod))
	put(types.IndEMAFast, ta.EMA(closes, ic.EMAFast))
	put(types.IndEMASlow, ta.EMA(closes, ic.EMASlow))
	macd, sig := ta.MACD(closes, ic.EMAFast, ic.EMASlow, ic.MACDSignal)
	put(types.IndMACD, macd)
	put(types.IndMACDSignal, sig)
	mid, up, low := ta.Bollinger(closes, ic.BBWindow, ic.BBStdDev)
	put(types.IndBBMiddle, mid)
	put(types.IndBBUpper, up)
	put(types.IndBBLower, low)
	put(types.IndATR, ta.ATR(highs, lows, closes, ic.ATRPeriod))
	put(types.IndPattern, ta.Engulfing(opens, closes))
	return out
}

// candleCache keeps the last fetched candles per instrument for ttl.
type candleCache struct {
	mu   sync.RWMutex
	ttl  time.Duration
	data map[string]cachedCandles
}

type cachedCandles struct {
	candles   []types.Candle
	fetchedAt time.Time
}

func newCandleCache(ttl time.Duration) *candleCache {
	return &candleCache{ttl: ttl, data: make(map[string]cachedCandles)}
}

func (c *candleCache) get(instrument string, now time.Time) ([]types.Candle, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.data[instrument]
	if !ok || now.Sub(e.fetchedAt) > c.ttl {
		return nil, false
	}
	return e.candles, true
}

func (c *candleCache) set(instrument string, candles []types.Candle, now time.Time) {
	c.mu.Lock()
	c.data[instrument] = cachedCandles{candles: candles, fetchedAt: now}
	c.mu.Unlock()
}
