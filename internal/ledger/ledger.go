// Package ledger tracks positions through Pending → Open → Closing → Closed,
// with Failed reachable from Pending or Open. At most one position per
// instrument is active and transitions for one instrument are serialized;
// different instruments proceed independently.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"fx-trading-bot/internal/interfaces"
	"fx-trading-bot/internal/logger"
	"fx-trading-bot/internal/types"
)

// Persister is called after every position transition.
type Persister interface {
	Persist(ctx context.Context) error
}

// OpenRequest describes a position admitted by risk.
type OpenRequest struct {
	Decision types.TradeDecision
	Units    int64
	// Reference price used to place stop-loss and take-profit before the fill is known.
	Price float64
}

// Converter turns the quote-currency P&L of instrument, valued at price, into
// the account currency.
type Converter func(ctx context.Context, instrument string, price, amount float64) (float64, error)

// Outcome is the realized result of a closed position.
type Outcome struct {
	Position types.Position
	PnL      float64
}

type Ledger struct {
	broker       interfaces.BrokerGateway
	persist      Persister
	callTimeout  time.Duration
	historyLimit int
	now          func() time.Time

	mu        sync.RWMutex
	positions map[string]*types.Position // by id
	active    map[string]string          // instrument -> id
	locks     map[string]*sync.Mutex     // instrument -> transition lock
	order     []string                   // ids in creation order
}

func New(broker interfaces.BrokerGateway, p Persister, callTimeout time.Duration, historyLimit int) *Ledger {
	return &Ledger{
		broker:       broker,
		persist:      p,
		callTimeout:  callTimeout,
		historyLimit: historyLimit,
		now:          func() time.Time { return time.Now().UTC() },
		positions:    make(map[string]*types.Position),
		active:       make(map[string]string),
		locks:        make(map[string]*sync.Mutex),
	}
}

func (l *Ledger) lockFor(instrument string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[instrument]
	if !ok {
		m = &sync.Mutex{}
		l.locks[instrument] = m
	}
	return m
}

func (l *Ledger) HasActive(instrument string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.active[instrument]
	return ok
}

// Active returns a copy of the active position for instrument.
func (l *Ledger) Active(instrument string) (types.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.active[instrument]
	if !ok {
		return types.Position{}, false
	}
	return *l.positions[id], true
}

// Open moves a new position through Pending to Open, or to Failed when the
// broker call errors or times out.
func (l *Ledger) Open(ctx context.Context, req OpenRequest) (types.Position, error) {
	d := req.Decision
	if d.Direction != types.Long && d.Direction != types.Short {
		return types.Position{}, fmt.Errorf("%w: open with direction %q", types.ErrInvariantViolation, d.Direction)
	}
	if req.Units <= 0 {
		return types.Position{}, fmt.Errorf("%w: open with %d units", types.ErrInvariantViolation, req.Units)
	}

	lk := l.lockFor(d.Instrument)
	lk.Lock()
	defer lk.Unlock()

	pip := types.PipSize(d.Instrument)
	sign := d.Direction.Sign()
	pos := &types.Position{
		ID:         uuid.New().String(),
		Instrument: d.Instrument,
		Direction:  d.Direction,
		Size:       req.Units,
		Confidence: d.Confidence,
		EntryPrice: req.Price,
		StopLoss:   req.Price - sign*d.StopLossPips*pip,
		TakeProfit: req.Price + sign*d.TakeProfitPips*pip,
		Status:     types.StatusPending,
		CreatedAt:  l.now(),
	}

	l.mu.Lock()
	if id, ok := l.active[d.Instrument]; ok {
		l.mu.Unlock()
		err := fmt.Errorf("%w: %s already has active position %s", types.ErrInvariantViolation, d.Instrument, id)
		logger.ErrorWithErr(ctx, "Refusing second active position", err, "instrument", d.Instrument)
		return types.Position{}, err
	}
	l.positions[pos.ID] = pos
	l.active[d.Instrument] = pos.ID
	l.order = append(l.order, pos.ID)
	l.mu.Unlock()
	l.save(ctx)

	cctx, cancel := context.WithTimeout(ctx, l.callTimeout)
	h, err := l.broker.OpenPosition(cctx, types.OrderRequest{
		Instrument: d.Instrument,
		Direction:  d.Direction,
		Units:      req.Units,
		StopLoss:   pos.StopLoss,
		TakeProfit: pos.TakeProfit,
		ClientTag:  pos.ID,
	})
	cancel()

	if err != nil {
		failed := l.update(pos.ID, func(p *types.Position) {
			p.Status = types.StatusFailed
			p.FailReason = err.Error()
			p.ClosedAt = l.now()
		})
		l.release(d.Instrument, pos.ID)
		l.save(ctx)
		if !errors.Is(err, types.ErrBrokerRejected) {
			err = fmt.Errorf("%w: %w", types.ErrBrokerRejected, err)
		}
		return failed, err
	}

	opened := l.update(pos.ID, func(p *types.Position) {
		p.Status = types.StatusOpen
		p.BrokerID = h.ID
		if h.Price > 0 {
			// Keep the requested pip distances relative to the actual fill.
			p.StopLoss = h.Price - (p.EntryPrice - p.StopLoss)
			p.TakeProfit = h.Price + (p.TakeProfit - p.EntryPrice)
			p.EntryPrice = h.Price
		}
		if h.Units != 0 {
			p.Size = abs64(h.Units)
		}
		p.OpenedAt = h.OpenedAt
		if p.OpenedAt.IsZero() {
			p.OpenedAt = l.now()
		}
		p.MarkPrice = p.EntryPrice
	})
	l.save(ctx)
	return opened, nil
}

// Close moves the instrument's Open position through Closing to Closed. A
// transient broker error returns it to Open so a later scan can retry; an
// error wrapping ErrUnrecoverable marks it Failed.
func (l *Ledger) Close(ctx context.Context, instrument, reason string) (Outcome, error) {
	lk := l.lockFor(instrument)
	lk.Lock()
	defer lk.Unlock()

	l.mu.Lock()
	id, ok := l.active[instrument]
	if !ok {
		l.mu.Unlock()
		return Outcome{}, fmt.Errorf("%w: %s", types.ErrNoPosition, instrument)
	}
	p := l.positions[id]
	if p.Status != types.StatusOpen {
		st := p.Status
		l.mu.Unlock()
		return Outcome{}, fmt.Errorf("%w: close %s in status %s", types.ErrInvariantViolation, instrument, st)
	}
	p.Status = types.StatusClosing
	p.CloseReason = reason
	brokerID := p.BrokerID
	l.mu.Unlock()
	l.save(ctx)

	cctx, cancel := context.WithTimeout(ctx, l.callTimeout)
	res, err := l.broker.ClosePosition(cctx, brokerID)
	cancel()

	if err != nil {
		if errors.Is(err, types.ErrUnrecoverable) {
			l.update(id, func(p *types.Position) {
				p.Status = types.StatusFailed
				p.FailReason = err.Error()
				p.ClosedAt = l.now()
			})
			l.release(instrument, id)
		} else {
			l.update(id, func(p *types.Position) {
				p.Status = types.StatusOpen
				p.CloseReason = ""
			})
		}
		l.save(ctx)
		return Outcome{}, fmt.Errorf("close %s: %w", instrument, err)
	}

	closed := l.finish(id, res.Price, res.RealizedPnL, res.ClosedAt)
	l.release(instrument, id)
	l.save(ctx)
	return Outcome{Position: closed, PnL: closed.RealizedPnL}, nil
}

func (l *Ledger) finish(id string, price, pnl float64, at time.Time) types.Position {
	return l.update(id, func(p *types.Position) {
		if at.IsZero() {
			at = l.now()
		}
		p.Status = types.StatusClosed
		p.ExitPrice = price
		p.MarkPrice = price
		p.RealizedPnL = pnl
		p.ClosedAt = at
	})
}

func (l *Ledger) release(instrument, id string) {
	l.mu.Lock()
	if l.active[instrument] == id {
		delete(l.active, instrument)
	}
	l.trimLocked()
	l.mu.Unlock()
}

// CloseAll closes every Open position, instruments in parallel.
func (l *Ledger) CloseAll(ctx context.Context, reason string, limit int) ([]Outcome, error) {
	var targets []string
	l.mu.RLock()
	for inst, id := range l.active {
		if l.positions[id].Status == types.StatusOpen {
			targets = append(targets, inst)
		}
	}
	l.mu.RUnlock()
	sort.Strings(targets)

	var (
		mu       sync.Mutex
		outcomes []Outcome
		errs     []error
	)
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, inst := range targets {
		g.Go(func() error {
			out, err := l.Close(gctx, inst, reason)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if !errors.Is(err, types.ErrNoPosition) {
					errs = append(errs, err)
				}
				return nil
			}
			outcomes = append(outcomes, out)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, errors.Join(errs...)
}

// Mark records the latest price and, when trail > 0, moves the stop behind
// favourable moves. It returns the instruments whose stop or target was hit.
func (l *Ledger) Mark(quotes map[string]types.Quote, trailPips float64) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var hit []string
	for inst, id := range l.active {
		q, ok := quotes[inst]
		if !ok {
			continue
		}
		p := l.positions[id]
		if p.Status != types.StatusOpen {
			continue
		}
		// Exit side of the book: longs sell at bid, shorts buy at ask.
		px := q.Bid
		if p.Direction == types.Short {
			px = q.Ask
		}
		if px <= 0 {
			continue
		}
		p.MarkPrice = px

		if trailPips > 0 {
			dist := trailPips * types.PipSize(inst)
			if p.Direction == types.Long && px-dist > p.StopLoss && px > p.EntryPrice {
				p.StopLoss = px - dist
			}
			if p.Direction == types.Short && px+dist < p.StopLoss && px < p.EntryPrice {
				p.StopLoss = px + dist
			}
		}

		switch p.Direction {
		case types.Long:
			if px <= p.StopLoss || px >= p.TakeProfit {
				hit = append(hit, inst)
			}
		case types.Short:
			if px >= p.StopLoss || px <= p.TakeProfit {
				hit = append(hit, inst)
			}
		}
	}
	sort.Strings(hit)
	return hit
}

// Reconcile compares Open positions with what the broker reports. Positions
// the broker no longer holds were closed server-side and are settled at their
// last mark, converted with conv. A position whose P&L cannot be converted
// stays Open until a later reconcile. Broker positions unknown to the ledger
// are returned.
func (l *Ledger) Reconcile(ctx context.Context, held []types.PositionHandle, conv Converter) ([]Outcome, []types.PositionHandle) {
	byID := make(map[string]types.PositionHandle, len(held))
	for _, h := range held {
		byID[h.ID] = h
	}

	type gone struct{ inst, id string }
	var missing []gone
	known := make(map[string]bool)

	l.mu.Lock()
	for inst, id := range l.active {
		p := l.positions[id]
		if p.BrokerID == "" {
			continue
		}
		known[p.BrokerID] = true
		if p.Status != types.StatusOpen {
			continue
		}
		if _, ok := byID[p.BrokerID]; !ok {
			missing = append(missing, gone{inst, id})
		}
	}
	l.mu.Unlock()

	var untracked []types.PositionHandle
	for _, h := range held {
		if !known[h.ID] {
			untracked = append(untracked, h)
		}
	}

	var outcomes []Outcome
	for _, g := range missing {
		lk := l.lockFor(g.inst)
		lk.Lock()
		l.mu.RLock()
		p := *l.positions[g.id]
		l.mu.RUnlock()
		if p.Status != types.StatusOpen {
			lk.Unlock()
			continue
		}
		exit := p.MarkPrice
		if exit == 0 {
			exit = p.EntryPrice
		}
		pnl := PnL(p.Direction, p.EntryPrice, exit, p.Size)
		if conv != nil {
			v, err := conv(ctx, g.inst, exit, pnl)
			if err != nil {
				lk.Unlock()
				logger.Warn(ctx, "Cannot value position closed at broker, retrying later",
					"instrument", g.inst, "position_id", g.id, "error", err)
				continue
			}
			pnl = math.Round(v*100) / 100
		}
		l.update(g.id, func(p *types.Position) { p.CloseReason = "closed at broker" })
		closed := l.finish(g.id, exit, pnl, time.Time{})
		l.release(g.inst, g.id)
		lk.Unlock()
		logger.Warn(ctx, "Position closed at broker, settled from last mark",
			"instrument", g.inst, "position_id", g.id, "pnl", pnl)
		outcomes = append(outcomes, Outcome{Position: closed, PnL: pnl})
	}
	if len(outcomes) > 0 {
		l.save(ctx)
	}
	return outcomes, untracked
}

// Restore loads persisted positions. Pending positions never got a confirmed
// fill and become Failed; Closing positions go back to Open.
func (l *Ledger) Restore(ctx context.Context, positions []types.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.positions = make(map[string]*types.Position, len(positions))
	l.active = make(map[string]string)
	l.order = l.order[:0]

	for i := range positions {
		p := positions[i]
		switch p.Status {
		case types.StatusPending:
			p.Status = types.StatusFailed
			p.FailReason = "interrupted before fill confirmation"
			logger.Warn(ctx, "Pending position from previous run marked failed", "instrument", p.Instrument, "position_id", p.ID)
		case types.StatusClosing:
			p.Status = types.StatusOpen
			p.CloseReason = ""
		}
		if p.Status.Active() {
			if other, ok := l.active[p.Instrument]; ok {
				return fmt.Errorf("%w: restored positions %s and %s both active on %s",
					types.ErrInvariantViolation, other, p.ID, p.Instrument)
			}
			l.active[p.Instrument] = p.ID
		}
		l.positions[p.ID] = &p
		l.order = append(l.order, p.ID)
	}
	l.trimLocked()
	return nil
}

// Snapshot returns copies of all tracked positions in creation order.
func (l *Ledger) Snapshot() []types.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.Position, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, *l.positions[id])
	}
	return out
}

// OpenPositions returns the active positions sorted by instrument.
func (l *Ledger) OpenPositions() []types.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.Position, 0, len(l.active))
	for _, id := range l.active {
		out = append(out, *l.positions[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

func (l *Ledger) update(id string, fn func(p *types.Position)) types.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.positions[id]
	fn(p)
	return *p
}

// trimLocked drops the oldest terminal positions beyond the history limit.
func (l *Ledger) trimLocked() {
	if l.historyLimit <= 0 {
		return
	}
	terminal := 0
	for _, id := range l.order {
		if !l.positions[id].Status.Active() {
			terminal++
		}
	}
	excess := terminal - l.historyLimit
	if excess <= 0 {
		return
	}
	kept := l.order[:0]
	for _, id := range l.order {
		if excess > 0 && !l.positions[id].Status.Active() {
			delete(l.positions, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	l.order = kept
}

func (l *Ledger) save(ctx context.Context) {
	if l.persist == nil {
		return
	}
	// Failures are escalated by the persister itself.
	_ = l.persist.Persist(ctx)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// PnL values a move from entry to exit for size units in direction d, in the
// quote currency.
func PnL(d types.Direction, entry, exit float64, size int64) float64 {
	v := (exit - entry) * float64(size) * d.Sign()
	return math.Round(v*100) / 100
}
