package store

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ModePaper    = "PAPER"
	ModePractice = "PRACTICE"
)

type Config struct {
	Mode        string          `yaml:"mode"`
	Instruments []string        `yaml:"instruments"`
	Scheduler   SchedulerConfig `yaml:"scheduler"`
	Market      MarketConfig    `yaml:"market"`
	Strategy    StrategyConfig  `yaml:"strategy"`
	Risk        RiskConfig      `yaml:"risk"`
	News        NewsConfig      `yaml:"news"`
	State       StateConfig     `yaml:"state"`
	Logs        LogsConfig      `yaml:"logs"`
	Broker      BrokerConfig    `yaml:"broker"`
	Telegram    TelegramConfig  `yaml:"telegram"`
	Metrics     MetricsConfig   `yaml:"metrics"`
}

type SchedulerConfig struct {
	Tick              time.Duration `yaml:"tick"`
	ErrorBackoff      time.Duration `yaml:"error_backoff"`
	Workers           int           `yaml:"workers"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
	CloseOnShutdown   bool          `yaml:"close_on_shutdown"`
	NewsInterval      time.Duration `yaml:"news_interval"`
	PriceScanInterval time.Duration `yaml:"price_scan_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
}

type MarketConfig struct {
	Granularity string        `yaml:"granularity"`
	CandleCount int           `yaml:"candle_count"`
	MinCandles  int           `yaml:"min_candles"`
	CandleTTL   time.Duration `yaml:"candle_ttl"`
	Indicators  struct {
		RSIPeriod  int     `yaml:"rsi_period"`
		EMAFast    int     `yaml:"ema_fast"`
		EMASlow    int     `yaml:"ema_slow"`
		MACDSignal int     `yaml:"macd_signal"`
		BBWindow   int     `yaml:"bb_window"`
		BBStdDev   float64 `yaml:"bb_stddev"`
		ATRPeriod  int     `yaml:"atr_period"`
	} `yaml:"indicators"`
}

// StrategyConfig holds the fusion weights and thresholds of the signal strategy.
type StrategyConfig struct {
	Weights struct {
		RSI       float64 `yaml:"rsi"`
		MACD      float64 `yaml:"macd"`
		EMA       float64 `yaml:"ema"`
		Bollinger float64 `yaml:"bollinger"`
		Pattern   float64 `yaml:"pattern"`
	} `yaml:"weights"`
	RSIOversold       float64 `yaml:"rsi_oversold"`
	RSIOverbought     float64 `yaml:"rsi_overbought"`
	SentimentBoost    float64 `yaml:"sentiment_boost"`
	OpposeThreshold   float64 `yaml:"oppose_threshold"`
	VolatilityCeiling float64 `yaml:"volatility_ceiling"`
	VolatilityPenalty float64 `yaml:"volatility_penalty"`
	MinConfidence     float64 `yaml:"min_confidence"`
	StopMode          string  `yaml:"stop_mode"`
	StopLossPips      float64 `yaml:"stop_loss_pips"`
	TakeProfitPips    float64 `yaml:"take_profit_pips"`
	ATRStopMult       float64 `yaml:"atr_stop_mult"`
	RewardRiskRatio   float64 `yaml:"reward_risk_ratio"`
}

type Window struct {
	Start string `yaml:"start"` // HH:MM UTC
	End   string `yaml:"end"`
}

type RiskConfig struct {
	MaxDailyTrades        int           `yaml:"max_daily_trades"`
	MaxLossStreak         int           `yaml:"max_loss_streak"`
	MaxPositionFraction   float64       `yaml:"max_position_fraction"`
	DrawdownFloorPct      float64       `yaml:"drawdown_floor_pct"`
	MaxSpreadPips         float64       `yaml:"max_spread_pips"`
	MinTradeGap           time.Duration `yaml:"min_trade_gap"`
	MinBalance            float64       `yaml:"min_balance"`
	StartingBalance       float64       `yaml:"starting_balance"`
	SafeModeMinConfidence float64       `yaml:"safe_mode_min_confidence"`
	SafeModeSizeFactor    float64       `yaml:"safe_mode_size_factor"`
	TrailingStop          bool          `yaml:"trailing_stop"`
	TrailingStopPips      float64       `yaml:"trailing_stop_pips"`
	Blackouts             []Window      `yaml:"blackouts"`
}

type NewsSource struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

type NewsConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Sources            []NewsSource  `yaml:"sources"`
	MaxArticlesPerSite int           `yaml:"max_articles_per_site"`
	Timeout            time.Duration `yaml:"timeout"`
	MaxAge             time.Duration `yaml:"max_age"`
	Parallelism        int           `yaml:"parallelism"`
	UserAgent          string        `yaml:"user_agent"`
}

type StateConfig struct {
	Path         string `yaml:"path"`
	HistoryLimit int    `yaml:"history_limit"`
	SaveRetries  int    `yaml:"save_retries"`
}

type LogsConfig struct {
	JournalPath       string        `yaml:"journal_path"`
	JournalRetention  time.Duration `yaml:"journal_retention"`
	TradeLogDir       string        `yaml:"trade_log_dir"`
	CompressAfterDays int           `yaml:"compress_after_days"`
	SummaryDir        string        `yaml:"summary_dir"`
}

type BrokerConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
	// Paper broker only.
	PaperBalance float64            `yaml:"paper_balance"`
	PaperSeed    int64              `yaml:"paper_seed"`
	PaperPrices  map[string]float64 `yaml:"paper_prices"`
}

type TelegramConfig struct {
	Enabled     bool          `yaml:"enabled"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
	QueueSize   int           `yaml:"queue_size"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultInstruments are the majors and crosses traded by default.
var DefaultInstruments = []string{
	"EUR_USD", "GBP_USD", "USD_JPY", "USD_CHF", "AUD_USD",
	"USD_CAD", "NZD_USD", "EUR_GBP", "EUR_JPY", "GBP_JPY",
}

// DefaultConfig returns a fully populated configuration. LoadConfig decodes
// the YAML file over it, so omitted keys keep these values.
func DefaultConfig() *Config {
	c := &Config{
		Mode:        ModePaper,
		Instruments: append([]string(nil), DefaultInstruments...),
	}

	c.Scheduler = SchedulerConfig{
		Tick:              time.Second,
		ErrorBackoff:      5 * time.Second,
		Workers:           4,
		CallTimeout:       10 * time.Second,
		ShutdownGrace:     15 * time.Second,
		CloseOnShutdown:   true,
		NewsInterval:      12 * time.Minute,
		PriceScanInterval: 7 * time.Second,
		HeartbeatInterval: 5 * time.Minute,
		CleanupInterval:   time.Hour,
	}

	c.Market.Granularity = "M5"
	c.Market.CandleCount = 100
	c.Market.MinCandles = 50
	c.Market.CandleTTL = 30 * time.Second
	c.Market.Indicators.RSIPeriod = 14
	c.Market.Indicators.EMAFast = 12
	c.Market.Indicators.EMASlow = 26
	c.Market.Indicators.MACDSignal = 9
	c.Market.Indicators.BBWindow = 20
	c.Market.Indicators.BBStdDev = 2
	c.Market.Indicators.ATRPeriod = 14

	c.Strategy.Weights.RSI = 0.30
	c.Strategy.Weights.MACD = 0.25
	c.Strategy.Weights.EMA = 0.20
	c.Strategy.Weights.Bollinger = 0.15
	c.Strategy.Weights.Pattern = 0.10
	c.Strategy.RSIOversold = 30
	c.Strategy.RSIOverbought = 70
	c.Strategy.SentimentBoost = 0.25
	c.Strategy.OpposeThreshold = 0.3
	c.Strategy.VolatilityCeiling = 0.7
	c.Strategy.VolatilityPenalty = 0.1
	c.Strategy.MinConfidence = 0.60
	c.Strategy.StopMode = "FIXED"
	c.Strategy.StopLossPips = 50
	c.Strategy.TakeProfitPips = 100
	c.Strategy.ATRStopMult = 1.5
	c.Strategy.RewardRiskRatio = 2

	c.Risk = RiskConfig{
		MaxDailyTrades:        15,
		MaxLossStreak:         3,
		MaxPositionFraction:   0.10,
		DrawdownFloorPct:      0.10,
		MaxSpreadPips:         5,
		MinTradeGap:           5 * time.Minute,
		MinBalance:            100,
		StartingBalance:       10000,
		SafeModeMinConfidence: 0.80,
		SafeModeSizeFactor:    0.5,
		TrailingStop:          true,
		TrailingStopPips:      30,
		Blackouts:             []Window{{Start: "23:00", End: "02:00"}},
	}

	c.News = NewsConfig{
		Enabled: true,
		Sources: []NewsSource{
			{Name: "fxstreet", URL: "https://www.fxstreet.com/news"},
			{Name: "forexlive", URL: "https://www.forexlive.com/"},
			{Name: "dailyfx", URL: "https://www.dailyfx.com/market-news"},
			{Name: "investing", URL: "https://www.investing.com/news/forex-news"},
			{Name: "reuters", URL: "https://www.reuters.com/markets/currencies/"},
		},
		MaxArticlesPerSite: 10,
		Timeout:            20 * time.Second,
		MaxAge:             30 * time.Minute,
		Parallelism:        3,
		UserAgent:          "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
	}

	c.State = StateConfig{Path: "bot_state.json", HistoryLimit: 200, SaveRetries: 4}
	c.Logs = LogsConfig{
		JournalPath:       "trading_log.json",
		JournalRetention:  24 * time.Hour,
		TradeLogDir:       "logs",
		CompressAfterDays: 7,
		SummaryDir:        "summaries",
	}
	c.Broker = BrokerConfig{RatePerSecond: 10, Burst: 5, PaperBalance: 10000, PaperSeed: 1}
	c.Telegram = TelegramConfig{Enabled: true, PollTimeout: 30 * time.Second, QueueSize: 64}
	return c
}

func (c *Config) Validate() error {
	if c.Mode != ModePaper && c.Mode != ModePractice {
		return fmt.Errorf("invalid mode '%s': must be '%s' or '%s' (live trading is not supported)", c.Mode, ModePaper, ModePractice)
	}
	if len(c.Instruments) == 0 {
		return errors.New("instruments cannot be empty")
	}
	for _, inst := range c.Instruments {
		if !strings.Contains(inst, "_") {
			return fmt.Errorf("instrument '%s' must look like EUR_USD", inst)
		}
	}
	if c.Scheduler.Tick <= 0 || c.Scheduler.ErrorBackoff <= 0 {
		return errors.New("scheduler.tick and scheduler.error_backoff must be positive")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be positive, got %d", c.Scheduler.Workers)
	}
	if c.Scheduler.CallTimeout <= 0 || c.Scheduler.ShutdownGrace <= 0 {
		return errors.New("scheduler.call_timeout and scheduler.shutdown_grace must be positive")
	}
	if c.Strategy.MinConfidence < 0 || c.Strategy.MinConfidence > 1 {
		return fmt.Errorf("strategy.min_confidence must be between 0-1, got %.2f", c.Strategy.MinConfidence)
	}
	if c.Strategy.StopMode != "FIXED" && c.Strategy.StopMode != "ATR" {
		return fmt.Errorf("strategy.stop_mode must be 'FIXED' or 'ATR', got '%s'", c.Strategy.StopMode)
	}
	if c.Risk.MaxPositionFraction <= 0 || c.Risk.MaxPositionFraction > 1 {
		return fmt.Errorf("risk.max_position_fraction must be in (0,1], got %.2f", c.Risk.MaxPositionFraction)
	}
	if c.Risk.MaxLossStreak <= 0 || c.Risk.MaxDailyTrades <= 0 {
		return errors.New("risk.max_loss_streak and risk.max_daily_trades must be positive")
	}
	if c.Risk.DrawdownFloorPct <= 0 || c.Risk.DrawdownFloorPct >= 1 {
		return fmt.Errorf("risk.drawdown_floor_pct must be in (0,1), got %.2f", c.Risk.DrawdownFloorPct)
	}
	for _, w := range c.Risk.Blackouts {
		if _, err := time.Parse("15:04", w.Start); err != nil {
			return fmt.Errorf("risk.blackouts start '%s': %w", w.Start, err)
		}
		if _, err := time.Parse("15:04", w.End); err != nil {
			return fmt.Errorf("risk.blackouts end '%s': %w", w.End, err)
		}
	}
	if c.State.Path == "" {
		return errors.New("state.path cannot be empty")
	}
	return nil
}

func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, err
	}
	c.Mode = strings.ToUpper(strings.TrimSpace(c.Mode))
	for i, inst := range c.Instruments {
		c.Instruments[i] = strings.ToUpper(strings.TrimSpace(inst))
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return c, nil
}
