package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"fx-trading-bot/internal/broker"
	"fx-trading-bot/internal/broker/brokerobs"
	"fx-trading-bot/internal/broker/oanda"
	"fx-trading-bot/internal/control"
	"fx-trading-bot/internal/engine"
	"fx-trading-bot/internal/engine/engineobs"
	"fx-trading-bot/internal/eod"
	"fx-trading-bot/internal/eod/eodobs"
	"fx-trading-bot/internal/interfaces"
	"fx-trading-bot/internal/journal"
	"fx-trading-bot/internal/ledger"
	"fx-trading-bot/internal/logger"
	"fx-trading-bot/internal/market"
	"fx-trading-bot/internal/metrics"
	"fx-trading-bot/internal/news"
	"fx-trading-bot/internal/notify"
	"fx-trading-bot/internal/risk"
	"fx-trading-bot/internal/scheduler"
	"fx-trading-bot/internal/store"
	"fx-trading-bot/internal/strategy"
	"fx-trading-bot/internal/telegram"
	"fx-trading-bot/internal/trace"
	"fx-trading-bot/internal/tradelog"
	"fx-trading-bot/internal/types"
)

// initializeSystem loads .env and sets up logging and tracing.
func initializeSystem() error {
	_ = godotenv.Load()

	if err := logger.Init(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	if err := trace.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize tracer: %v\n", err)
	}
	return nil
}

// loadConfig reads the YAML config, falling back to defaults when the file
// does not exist.
func loadConfig(ctx context.Context) (*store.Config, error) {
	cfg, err := store.LoadConfig(cfgFile)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn(ctx, "Config file not found, using defaults", "path", cfgFile)
		cfg = store.DefaultConfig()
		return cfg, cfg.Validate()
	}
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to load config", err)
		return nil, err
	}
	return cfg, nil
}

// initializeBroker returns the paper broker or the OANDA practice client,
// wrapped with observability.
func initializeBroker(ctx context.Context, cfg *store.Config) (broker.Broker, error) {
	var brk broker.Broker
	switch cfg.Mode {
	case store.ModePractice:
		c, err := oanda.New(os.Getenv("OANDA_API_KEY"), os.Getenv("OANDA_ACCOUNT_ID"), cfg.Broker)
		if err != nil {
			return nil, err
		}
		logger.Info(ctx, "Using OANDA practice account")
		brk = c
	default:
		logger.Warn(ctx, "Running in PAPER mode - orders are simulated in process")
		brk = broker.NewPaper(cfg.Broker)
	}
	return brokerobs.Wrap(brk), nil
}

// initializeNotifier sends to Telegram when configured and to the log otherwise.
func initializeNotifier(ctx context.Context, cfg *store.Config) (*notify.Async, *telegram.Client) {
	if cfg.Telegram.Enabled {
		tg, err := telegram.New(os.Getenv("TELEGRAM_BOT_TOKEN"), os.Getenv("TELEGRAM_CHAT_ID"))
		if err == nil {
			return notify.NewAsync(tg, cfg.Telegram.QueueSize, 15*time.Second), tg
		}
		logger.Warn(ctx, "Telegram disabled", "error", err)
	}
	return notify.NewAsync(notify.LogSender{}, cfg.Telegram.QueueSize, 0), nil
}

// initializeEOD wraps the daily summarizer with observability.
func initializeEOD(cfg *store.Config) eod.Summarizer {
	return eodobs.Wrap(eod.NewSummarizer(cfg.Logs.SummaryDir))
}

// initializeEngine builds the engine with observability.
func initializeEngine(cfg *store.Config, d engine.Deps) (*engine.Engine, interfaces.Engine, error) {
	eng, err := engine.New(cfg, d)
	if err != nil {
		return nil, nil, err
	}
	return eng, engineobs.Wrap(eng), nil
}

func cleanupLogs(cfg *store.Config, jr *journal.Journal) func(context.Context, time.Time) error {
	return func(ctx context.Context, now time.Time) error {
		pruned, err := jr.Prune(cfg.Logs.JournalRetention, now)
		if err != nil {
			return fmt.Errorf("prune journal: %w", err)
		}
		compressed, err := tradelog.CompressOlder(cfg.Logs.CompressAfterDays, now)
		if err != nil {
			return fmt.Errorf("compress trade logs: %w", err)
		}
		logger.Info(ctx, "Logs cleaned", "journal_pruned", pruned, "tradelogs_compressed", compressed)
		return nil
	}
}

// runBot wires every component, restores state and runs the scheduler until
// ctx is cancelled.
func runBot(ctx context.Context) error {
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = trace.Shutdown(sctx)
	}()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	logger.Info(ctx, "Starting bot", "mode", cfg.Mode, "instruments", cfg.Instruments)

	tradelog.SetDir(cfg.Logs.TradeLogDir)
	jr, err := journal.Open(cfg.Logs.JournalPath)
	if err != nil {
		return err
	}
	defer jr.Close()

	fileStore := store.NewFileStore(cfg.State.Path, cfg.State.SaveRetries)
	snap, err := fileStore.Load(ctx)
	if err != nil {
		return err
	}
	keeper := store.NewKeeper(fileStore)

	brk, err := initializeBroker(ctx, cfg)
	if err != nil {
		return err
	}

	rm, err := risk.NewManager(cfg.Risk, snap.Risk, keeper)
	if err != nil {
		return err
	}
	led := ledger.New(brk, keeper, cfg.Scheduler.CallTimeout, cfg.State.HistoryLimit)
	if err := led.Restore(ctx, snap.Positions); err != nil {
		return err
	}
	keeper.Bind(rm.State, nil, led.Snapshot)
	metrics.TotalPnL.Set(snap.Risk.TotalPnL)

	sink, tg := initializeNotifier(ctx, cfg)
	notifyCtx, stopNotify := context.WithCancel(context.WithoutCancel(ctx))
	go sink.Run(notifyCtx)

	newsSvc := news.NewService(cfg.News, nil)
	core, eng, err := initializeEngine(cfg, engine.Deps{
		Market:    market.NewProvider(brk, cfg.Market),
		Sentiment: newsSvc,
		Broker:    brk,
		Strategy:  strategy.New(cfg.Strategy),
		Risk:      rm,
		Ledger:    led,
		Notify:    sink,
		Journal:   jr,
	})
	if err != nil {
		stopNotify()
		return err
	}

	summarizer := initializeEOD(cfg)
	sched, err := scheduler.New(cfg, scheduler.Deps{
		Engine:    eng,
		Risk:      rm,
		News:      newsSvc,
		Notify:    sink,
		Persist:   keeper.Persist,
		Summarize: summarizer.SummarizeDay,
		Cleanup:   cleanupLogs(cfg, jr),
		OpenCount: func() int { return len(led.OpenPositions()) },
	}, snap.Clock)
	if err != nil {
		stopNotify()
		return err
	}
	keeper.Bind(nil, sched.Clock, nil)
	keeper.OnFatal(sched.Fatal)
	if err := keeper.Persist(ctx); err != nil {
		stopNotify()
		return err
	}

	if cfg.Metrics.Addr != "" {
		srv := metrics.Serve(cfg.Metrics.Addr)
		defer srv.Close()
		logger.Info(ctx, "Serving metrics", "addr", cfg.Metrics.Addr)
	}

	ctrl := control.New(control.Deps{
		Mode:           cfg.Mode,
		MaxDailyTrades: cfg.Risk.MaxDailyTrades,
		Risk:           rm,
		Positions:      led,
		Closer:         eng,
		Journal:        jr,
		Recent:         core.Recent,
		Activity:       sched.Activity,
		RequestScan:    sched.RequestScan,
		Sentiment:      newsSvc.Overall,
		Currencies:     newsSvc.GetCachedSymbols,
	})
	if tg != nil {
		go func() {
			if err := tg.Poll(ctx, cfg.Telegram.PollTimeout, ctrl.Handle); err != nil && !errors.Is(err, context.Canceled) {
				logger.ErrorWithErr(ctx, "Telegram polling stopped", err)
			}
		}()
	}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigs)
	go ctrl.ServeSignals(ctx, sigs, map[os.Signal]string{
		syscall.SIGUSR1: "/halt",
		syscall.SIGUSR2: "/resetbot",
	})

	done := make(chan struct{})
	go scheduler.Watchdog(sched.Stopping(), done, 2*cfg.Scheduler.ShutdownGrace, os.Exit)

	sink.Notify(types.Event{Kind: types.EventInfo, Message: "bot started in " + cfg.Mode + " mode"})
	runErr := sched.Run(ctx)

	sink.Notify(types.Event{Kind: types.EventInfo, Message: "bot stopped"})
	stopNotify()
	<-sink.Done()
	close(done)
	if n := sink.Dropped(); n > 0 {
		logger.Warn(ctx, "Notifications dropped while running", "count", n)
	}

	if runErr != nil {
		logger.ErrorWithErr(ctx, "Bot stopped on fatal error", runErr)
	}
	return runErr
}
