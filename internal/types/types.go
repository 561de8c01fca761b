package types

import (
	"strings"
	"time"
)

// Candle is one OHLC bar. Ts is the bar open time in unix seconds.
type Candle struct {
	Ts                          int64
	Open, High, Low, Close, Vol float64
}

// Quote is a top-of-book price for an instrument.
type Quote struct {
	Instrument string    `json:"instrument"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	Time       time.Time `json:"time"`
}

func (q Quote) Mid() float64 { return (q.Bid + q.Ask) / 2 }

// SpreadPips returns the bid/ask spread expressed in pips.
func (q Quote) SpreadPips() float64 {
	return (q.Ask - q.Bid) / PipSize(q.Instrument)
}

// PipSize is 0.01 for JPY-quoted pairs and 0.0001 otherwise.
func PipSize(instrument string) float64 {
	if strings.HasSuffix(strings.ToUpper(instrument), "JPY") {
		return 0.01
	}
	return 0.0001
}

// SplitInstrument returns the base and quote currencies of "EUR_USD".
func SplitInstrument(instrument string) (base, quote string) {
	parts := strings.SplitN(strings.ToUpper(instrument), "_", 2)
	if len(parts) != 2 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

// ToAccount converts an amount in the quote currency of instrument into the
// account currency. price is the instrument's own rate and rate looks up the
// mid of another instrument for cross pairs. It reports false when no
// conversion path is known.
func ToAccount(amount float64, instrument, account string, price float64, rate func(instrument string) (float64, bool)) (float64, bool) {
	base, quote := SplitInstrument(instrument)
	account = strings.ToUpper(account)
	switch {
	case quote == account:
		return amount, true
	case base == account && price > 0:
		return amount / price, true
	case rate == nil:
		return 0, false
	}
	if r, ok := rate(quote + "_" + account); ok && r > 0 {
		return amount * r, true
	}
	if r, ok := rate(account + "_" + quote); ok && r > 0 {
		return amount / r, true
	}
	return 0, false
}

// Indicator keys carried in Signal.Indicators.
const (
	IndClose      = "close"
	IndBid        = "bid"
	IndAsk        = "ask"
	IndSpreadPips = "spread_pips"
	IndRSI        = "rsi"
	IndMACD       = "macd"
	IndMACDSignal = "macd_signal"
	IndEMAFast    = "ema_fast"
	IndEMASlow    = "ema_slow"
	IndBBUpper    = "bb_upper"
	IndBBMiddle   = "bb_middle"
	IndBBLower    = "bb_lower"
	IndATR        = "atr"
	IndPattern    = "pattern"
)

// Sentiment is a news reading for one instrument.
type Sentiment struct {
	Score      float64   `json:"score"`      // [-1, 1]
	Volatility float64   `json:"volatility"` // >= 0
	Articles   int       `json:"articles"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Signal is the strategy input for one instrument at one instant.
// Sentiment is nil when no reading was available.
type Signal struct {
	Instrument string
	Timestamp  time.Time
	Indicators map[string]float64
	Sentiment  *Sentiment
}

// Indicator returns the named indicator and whether it is present.
func (s Signal) Indicator(name string) (float64, bool) {
	v, ok := s.Indicators[name]
	return v, ok
}

// SentimentScore is 0 when no sentiment reading is attached.
func (s Signal) SentimentScore() float64 {
	if s.Sentiment == nil {
		return 0
	}
	return s.Sentiment.Score
}

// VolatilityScore is 0 when no sentiment reading is attached.
func (s Signal) VolatilityScore() float64 {
	if s.Sentiment == nil {
		return 0
	}
	return s.Sentiment.Volatility
}

// WithSentiment returns a copy of s carrying the given reading.
func (s Signal) WithSentiment(r Sentiment) Signal {
	out := s
	out.Indicators = make(map[string]float64, len(s.Indicators))
	for k, v := range s.Indicators {
		out.Indicators[k] = v
	}
	out.Sentiment = &r
	return out
}

type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
	None  Direction = "none"
)

// Sign is +1 for long, -1 for short, 0 otherwise.
func (d Direction) Sign() float64 {
	switch d {
	case Long:
		return 1
	case Short:
		return -1
	}
	return 0
}

// TradeDecision is the strategy output. It is never persisted.
type TradeDecision struct {
	Instrument     string    `json:"instrument"`
	Direction      Direction `json:"direction"`
	Confidence     float64   `json:"confidence"`
	StopLossPips   float64   `json:"stop_loss_pips"`
	TakeProfitPips float64   `json:"take_profit_pips"`
	SizeFraction   float64   `json:"size_fraction"`
	Reason         string    `json:"reason"`
}

type PositionStatus string

const (
	StatusPending PositionStatus = "pending"
	StatusOpen    PositionStatus = "open"
	StatusClosing PositionStatus = "closing"
	StatusClosed  PositionStatus = "closed"
	StatusFailed  PositionStatus = "failed"
)

// Active reports whether the status counts against the one-per-instrument limit.
func (s PositionStatus) Active() bool {
	return s == StatusPending || s == StatusOpen || s == StatusClosing
}

type Position struct {
	ID          string         `json:"id"`
	BrokerID    string         `json:"broker_id,omitempty"`
	Instrument  string         `json:"instrument"`
	Direction   Direction      `json:"direction"`
	Size        int64          `json:"size"`
	Confidence  float64        `json:"confidence"`
	EntryPrice  float64        `json:"entry_price"`
	StopLoss    float64        `json:"stop_loss"`
	TakeProfit  float64        `json:"take_profit"`
	MarkPrice   float64        `json:"mark_price,omitempty"`
	ExitPrice   float64        `json:"exit_price,omitempty"`
	RealizedPnL float64        `json:"realized_pnl"`
	Status      PositionStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	OpenedAt    time.Time      `json:"opened_at"`
	ClosedAt    time.Time      `json:"closed_at"`
	CloseReason string         `json:"close_reason,omitempty"`
	FailReason  string         `json:"fail_reason,omitempty"`
}

// UnrealizedPnL values the position at its last mark price.
func (p Position) UnrealizedPnL() float64 {
	if p.MarkPrice == 0 || p.EntryPrice == 0 {
		return 0
	}
	return (p.MarkPrice - p.EntryPrice) * float64(p.Size) * p.Direction.Sign()
}

type Mode string

const (
	ModeAggressive Mode = "aggressive"
	ModeSafe       Mode = "safe"
)

// RiskState is owned by the risk manager and persisted after every mutation.
type RiskState struct {
	DailyTradeCount   int       `json:"daily_trade_count"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	TotalPnL          float64   `json:"total_pnl"`
	DailyPnL          float64   `json:"daily_pnl"`
	Wins              int       `json:"wins"`
	Losses            int       `json:"losses"`
	Mode              Mode      `json:"mode"`
	TradingHalted     bool      `json:"trading_halted"`
	HaltedReason      string    `json:"halted_reason,omitempty"`
	StartingBalance   float64   `json:"starting_balance"`
	TradingDay        string    `json:"trading_day"`
	LastTradeAt       time.Time `json:"last_trade_at"`
}

// ScheduleClock holds the last run time of each periodic task.
type ScheduleClock struct {
	LastNewsScrape time.Time `json:"last_news_scrape"`
	LastPriceScan  time.Time `json:"last_price_scan"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	LastCleanup    time.Time `json:"last_cleanup"`
}

const SnapshotVersion = 1

// Snapshot is the document written by the state store.
type Snapshot struct {
	Version   int           `json:"version"`
	SavedAt   time.Time     `json:"saved_at"`
	Risk      RiskState     `json:"risk"`
	Clock     ScheduleClock `json:"clock"`
	Positions []Position    `json:"positions"`
}

type Account struct {
	ID       string  `json:"id"`
	Currency string  `json:"currency"`
	Balance  float64 `json:"balance"`
	NAV      float64 `json:"nav"`
}

// OrderRequest is a market order with attached stop-loss and take-profit prices.
type OrderRequest struct {
	Instrument string
	Direction  Direction
	Units      int64
	StopLoss   float64
	TakeProfit float64
	ClientTag  string
}

// PositionHandle identifies a position held at the broker.
type PositionHandle struct {
	ID            string    `json:"id"`
	Instrument    string    `json:"instrument"`
	Units         int64     `json:"units"` // negative for short
	Price         float64   `json:"price"`
	OpenedAt      time.Time `json:"opened_at"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
}

type CloseResult struct {
	ID          string    `json:"id"`
	Price       float64   `json:"price"`
	RealizedPnL float64   `json:"realized_pnl"`
	ClosedAt    time.Time `json:"closed_at"`
}

// StepResult reports one opportunity check.
type StepResult struct {
	Instrument string        `json:"instrument"`
	Decision   TradeDecision `json:"decision"`
	Admitted   bool          `json:"admitted"`
	Reason     string        `json:"reason"`
	Position   *Position     `json:"position,omitempty"`
}

type EventKind string

const (
	EventTradeOpened EventKind = "trade_opened"
	EventTradeClosed EventKind = "trade_closed"
	EventTradeFailed EventKind = "trade_failed"
	EventHalted      EventKind = "halted"
	EventError       EventKind = "error"
	EventHeartbeat   EventKind = "heartbeat"
	EventInfo        EventKind = "info"
)

// Event is a notification for the operator.
type Event struct {
	Kind       EventKind
	Instrument string
	Message    string
	Time       time.Time
}

func (e Event) String() string {
	if e.Instrument == "" {
		return "[" + string(e.Kind) + "] " + e.Message
	}
	return "[" + string(e.Kind) + "] " + e.Instrument + ": " + e.Message
}

// TradeRecord is one row of the daily trade log.
type TradeRecord struct {
	Time       time.Time `json:"time"`
	Event      string    `json:"event"` // OPEN, CLOSE, FAIL
	PositionID string    `json:"position_id"`
	Instrument string    `json:"instrument"`
	Direction  Direction `json:"direction"`
	Units      int64     `json:"units"`
	Price      float64   `json:"price"`
	PnL        float64   `json:"pnl"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason,omitempty"`
}

// NewsArticle is a scraped headline.
type NewsArticle struct {
	Title     string    `json:"title"`
	Summary   string    `json:"summary"`
	URL       string    `json:"url"`
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
}
