package broker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fx-trading-bot/internal/logger"
	"fx-trading-bot/internal/store"
	"fx-trading-bot/internal/types"
)

var basePrices = map[string]float64{
	"EUR_USD": 1.085,
	"GBP_USD": 1.27,
	"USD_JPY": 150,
	"USD_CHF": 0.88,
	"AUD_USD": 0.66,
	"USD_CAD": 1.36,
	"NZD_USD": 0.61,
	"EUR_GBP": 0.855,
	"EUR_JPY": 163,
	"GBP_JPY": 190,
}

const (
	paperCurrency   = "USD"
	paperSpreadPips = 1.2
	paperStepStdDev = 0.0003
)

type paperTrade struct {
	handle    types.PositionHandle
	direction types.Direction
}

// Paper simulates a broker in-process with a seeded random walk.
type Paper struct {
	mu      sync.Mutex
	rng     *rand.Rand
	prices  map[string]float64
	trades  map[string]*paperTrade
	balance float64
	now     func() time.Time
}

func NewPaper(cfg store.BrokerConfig) *Paper {
	prices := make(map[string]float64, len(basePrices))
	for k, v := range basePrices {
		prices[k] = v
	}
	balance := cfg.PaperBalance
	if balance <= 0 {
		balance = 10000
	}
	p := &Paper{
		rng:     rand.New(rand.NewSource(cfg.PaperSeed)),
		prices:  prices,
		trades:  make(map[string]*paperTrade),
		balance: balance,
		now:     time.Now,
	}
	for inst, mid := range cfg.PaperPrices {
		if mid > 0 {
			p.SetPrice(inst, mid)
		}
	}
	return p
}

// SetPrice pins the mid price of an instrument.
func (p *Paper) SetPrice(instrument string, mid float64) {
	p.mu.Lock()
	p.prices[instrument] = mid
	p.mu.Unlock()
}

func (p *Paper) quoteLocked(instrument string) (types.Quote, error) {
	mid, ok := p.prices[instrument]
	if !ok {
		return types.Quote{}, fmt.Errorf("%w: paper broker has no price for %s", types.ErrDataUnavailable, instrument)
	}
	half := paperSpreadPips * types.PipSize(instrument) / 2
	return types.Quote{Instrument: instrument, Bid: mid - half, Ask: mid + half, Time: p.now().UTC()}, nil
}

// Quote advances the walk one step and returns the new top of book.
func (p *Paper) Quote(ctx context.Context, instrument string) (types.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if mid, ok := p.prices[instrument]; ok {
		p.prices[instrument] = mid * (1 + p.rng.NormFloat64()*paperStepStdDev)
	}
	return p.quoteLocked(instrument)
}

// Candles synthesizes count bars ending at the current price.
func (p *Paper) Candles(ctx context.Context, instrument, granularity string, count int) ([]types.Candle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	last, ok := p.prices[instrument]
	if !ok {
		return nil, fmt.Errorf("%w: paper broker has no candles for %s", types.ErrDataUnavailable, instrument)
	}
	step := 5 * time.Minute
	if d, err := time.ParseDuration(granularityDuration(granularity)); err == nil {
		step = d
	}

	closes := make([]float64, count)
	px := last
	for i := count - 1; i >= 0; i-- {
		closes[i] = px
		px = px / (1 + p.rng.NormFloat64()*paperStepStdDev)
	}

	end := p.now().UTC().Truncate(step)
	out := make([]types.Candle, count)
	open := px
	for i, c := range closes {
		wick := math.Abs(p.rng.NormFloat64()) * paperStepStdDev * c
		out[i] = types.Candle{
			Ts:    end.Add(-time.Duration(count-i) * step).Unix(),
			Open:  open,
			High:  math.Max(open, c) + wick,
			Low:   math.Min(open, c) - wick,
			Close: c,
			Vol:   float64(100 + p.rng.Intn(900)),
		}
		open = c
	}
	logger.Debug(ctx, "Synthesized candles", "instrument", instrument, "count", count)
	return out, nil
}

func granularityDuration(g string) string {
	if len(g) < 2 {
		return ""
	}
	switch g[0] {
	case 'S':
		return g[1:] + "s"
	case 'M':
		return g[1:] + "m"
	case 'H':
		return g[1:] + "h"
	}
	return ""
}

func (p *Paper) OpenPosition(ctx context.Context, req types.OrderRequest) (types.PositionHandle, error) {
	if err := ctx.Err(); err != nil {
		return types.PositionHandle{}, err
	}
	if req.Units <= 0 {
		return types.PositionHandle{}, fmt.Errorf("%w: units must be positive, got %d", types.ErrBrokerRejected, req.Units)
	}
	if req.Direction != types.Long && req.Direction != types.Short {
		return types.PositionHandle{}, fmt.Errorf("%w: bad direction %q", types.ErrBrokerRejected, req.Direction)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	q, err := p.quoteLocked(req.Instrument)
	if err != nil {
		return types.PositionHandle{}, fmt.Errorf("%w: %w", types.ErrBrokerRejected, err)
	}

	units, price := req.Units, q.Ask
	if req.Direction == types.Short {
		units, price = -req.Units, q.Bid
	}
	h := types.PositionHandle{
		ID:         "SIM-" + uuid.New().String(),
		Instrument: req.Instrument,
		Units:      units,
		Price:      price,
		OpenedAt:   q.Time,
	}
	p.trades[h.ID] = &paperTrade{handle: h, direction: req.Direction}
	logger.Info(ctx, "Simulated order filled", "instrument", req.Instrument, "units", units, "price", price, "id", h.ID)
	return h, nil
}

func (p *Paper) ClosePosition(ctx context.Context, id string) (types.CloseResult, error) {
	if err := ctx.Err(); err != nil {
		return types.CloseResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.trades[id]
	if !ok {
		return types.CloseResult{}, fmt.Errorf("%w: %w: no simulated trade %s", types.ErrUnrecoverable, types.ErrBrokerRejected, id)
	}
	q, err := p.quoteLocked(t.handle.Instrument)
	if err != nil {
		return types.CloseResult{}, fmt.Errorf("%w: %w", types.ErrBrokerRejected, err)
	}
	exit := q.Bid
	if t.direction == types.Short {
		exit = q.Ask
	}
	pnl := p.pnl(t, exit)
	p.balance += pnl
	delete(p.trades, id)

	return types.CloseResult{ID: id, Price: exit, RealizedPnL: pnl, ClosedAt: q.Time}, nil
}

// pnl is expressed in the account currency. Cross pairs are converted
// through the simulated quote/USD rate. Callers hold p.mu.
func (p *Paper) pnl(t *paperTrade, exit float64) float64 {
	size := t.handle.Units
	if size < 0 {
		size = -size
	}
	raw := (exit - t.handle.Price) * float64(size) * t.direction.Sign()
	usd, ok := types.ToAccount(raw, t.handle.Instrument, paperCurrency, exit, func(pair string) (float64, bool) {
		mid, ok := p.prices[pair]
		return mid, ok
	})
	if !ok {
		usd = raw
	}
	return decimal.NewFromFloat(usd).Round(2).InexactFloat64()
}

func (p *Paper) ListPositions(ctx context.Context) ([]types.PositionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.PositionHandle, 0, len(p.trades))
	for _, t := range p.trades {
		h := t.handle
		if q, err := p.quoteLocked(h.Instrument); err == nil {
			mark := q.Bid
			if t.direction == types.Short {
				mark = q.Ask
			}
			h.UnrealizedPnL = p.pnl(t, mark)
		}
		out = append(out, h)
	}
	return out, nil
}

func (p *Paper) GetAccount(ctx context.Context) (types.Account, error) {
	positions, _ := p.ListPositions(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	nav := p.balance
	for _, h := range positions {
		nav += h.UnrealizedPnL
	}
	return types.Account{ID: "paper", Currency: paperCurrency, Balance: p.balance, NAV: nav}, nil
}
