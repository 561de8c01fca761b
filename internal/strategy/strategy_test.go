package strategy

import (
	"math"
	"testing"
	"time"

	"fx-trading-bot/internal/store"
	"fx-trading-bot/internal/types"
)

func bullishSignal() types.Signal {
	return types.Signal{
		Instrument: "EUR_USD",
		Timestamp:  time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC),
		Indicators: map[string]float64{
			types.IndRSI:        28,
			types.IndMACD:       0.0004,
			types.IndMACDSignal: 0.0001,
			types.IndEMAFast:    1.0862,
			types.IndEMASlow:    1.0851,
			types.IndClose:      1.0858,
			types.IndBBUpper:    1.0890,
			types.IndBBLower:    1.0820,
			types.IndPattern:    0,
			types.IndATR:        0.0012,
		},
	}
}

func newEngine() *Engine {
	return New(store.DefaultConfig().Strategy)
}

func TestOversoldWithPositiveSentimentGoesLong(t *testing.T) {
	sig := bullishSignal().WithSentiment(types.Sentiment{Score: 0.6, Volatility: 0.2})
	d := newEngine().Evaluate(sig)

	if d.Direction != types.Long {
		t.Fatalf("Expected long, got %s (%s)", d.Direction, d.Reason)
	}
	if d.Confidence < store.DefaultConfig().Strategy.MinConfidence {
		t.Errorf("Expected confidence above minimum, got %f", d.Confidence)
	}
	if d.StopLossPips != 50 || d.TakeProfitPips != 100 {
		t.Errorf("Expected fixed 50/100 pip stops, got %f/%f", d.StopLossPips, d.TakeProfitPips)
	}
	if d.SizeFraction <= 0 || d.SizeFraction > 1 {
		t.Errorf("size fraction out of range: %f", d.SizeFraction)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	e := newEngine()
	sig := bullishSignal().WithSentiment(types.Sentiment{Score: 0.1, Volatility: 0.4})
	first := e.Evaluate(sig)
	for i := 0; i < 100; i++ {
		if got := e.Evaluate(sig); got != first {
			t.Fatalf("iteration %d differs: %+v vs %+v", i, got, first)
		}
	}
}

func TestSentimentShiftsConfidence(t *testing.T) {
	e := newEngine()
	base := bullishSignal()
	neutral := e.Evaluate(base.WithSentiment(types.Sentiment{}))
	agree := e.Evaluate(base.WithSentiment(types.Sentiment{Score: 0.5}))
	mild := e.Evaluate(base.WithSentiment(types.Sentiment{Score: -0.2}))

	if !(agree.Confidence > neutral.Confidence) {
		t.Errorf("agreeing sentiment should boost: %f vs %f", agree.Confidence, neutral.Confidence)
	}
	if !(mild.Confidence < neutral.Confidence) {
		t.Errorf("opposing sentiment should reduce: %f vs %f", mild.Confidence, neutral.Confidence)
	}
}

func TestStrongOpposingSentimentForcesNone(t *testing.T) {
	d := newEngine().Evaluate(bullishSignal().WithSentiment(types.Sentiment{Score: -0.5}))
	if d.Direction != types.None {
		t.Errorf("Expected none, got %s", d.Direction)
	}
}

func TestHighVolatilityForcesNone(t *testing.T) {
	d := newEngine().Evaluate(bullishSignal().WithSentiment(types.Sentiment{Score: 0.6, Volatility: 0.9}))
	if d.Direction != types.None {
		t.Errorf("Expected none under high volatility, got %s", d.Direction)
	}
}

func TestMissingSentimentUsesDefaults(t *testing.T) {
	e := newEngine()
	withNil := e.Evaluate(bullishSignal())
	withZero := e.Evaluate(bullishSignal().WithSentiment(types.Sentiment{}))
	if withNil != withZero {
		t.Errorf("missing sentiment should equal zero sentiment: %+v vs %+v", withNil, withZero)
	}
}

func TestBearishSignalGoesShort(t *testing.T) {
	sig := types.Signal{
		Instrument: "USD_JPY",
		Indicators: map[string]float64{
			types.IndRSI:        76,
			types.IndMACD:       -0.02,
			types.IndMACDSignal: 0.01,
			types.IndEMAFast:    150.10,
			types.IndEMASlow:    150.40,
			types.IndClose:      151.20,
			types.IndBBUpper:    151.00,
			types.IndBBLower:    149.50,
			types.IndPattern:    -1,
		},
	}
	d := newEngine().Evaluate(sig)
	if d.Direction != types.Short {
		t.Fatalf("Expected short, got %s (%s)", d.Direction, d.Reason)
	}
	if d.Confidence != 1 {
		t.Errorf("Expected full confidence when every vote agrees, got %f", d.Confidence)
	}
}

func TestWeakSignalBelowThreshold(t *testing.T) {
	sig := bullishSignal()
	sig.Indicators[types.IndRSI] = 50
	sig.Indicators[types.IndEMAFast] = 1.0840
	d := newEngine().Evaluate(sig)
	if d.Direction != types.None {
		t.Errorf("Expected none for weak signal, got %s with %f", d.Direction, d.Confidence)
	}
}

func TestNaNIndicatorsIgnored(t *testing.T) {
	d := newEngine().Evaluate(types.Signal{
		Instrument: "EUR_USD",
		Indicators: map[string]float64{types.IndRSI: math.NaN()},
	})
	if d.Direction != types.None || d.Reason != "no indicators available" {
		t.Errorf("unexpected decision %+v", d)
	}
}

func TestATRStops(t *testing.T) {
	cfg := store.DefaultConfig().Strategy
	cfg.StopMode = "ATR"
	d := New(cfg).Evaluate(bullishSignal().WithSentiment(types.Sentiment{Score: 0.6}))
	if d.Direction != types.Long {
		t.Fatalf("Expected long, got %s", d.Direction)
	}
	// ATR 12 pips * 1.5 = 18, reward 2:1.
	if d.StopLossPips != 18 || d.TakeProfitPips != 36 {
		t.Errorf("Expected 18/36 pip stops, got %f/%f", d.StopLossPips, d.TakeProfitPips)
	}
}
