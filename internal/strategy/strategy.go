// Package strategy turns a Signal into a TradeDecision. Evaluate is pure: the
// same signal and configuration always produce the same decision.
package strategy

import (
	"fmt"
	"math"
	"strings"

	"fx-trading-bot/internal/store"
	"fx-trading-bot/internal/types"
)

type Engine struct {
	cfg store.StrategyConfig
}

func New(cfg store.StrategyConfig) *Engine {
	return &Engine{cfg: cfg}
}

type vote struct {
	name   string
	weight float64
	value  float64 // -1..1
}

// Evaluate fuses technical votes with the optional sentiment reading.
func (e *Engine) Evaluate(sig types.Signal) types.TradeDecision {
	d := types.TradeDecision{Instrument: sig.Instrument, Direction: types.None}

	votes := e.votes(sig)
	var sum, total float64
	parts := make([]string, 0, len(votes))
	for _, v := range votes {
		sum += v.weight * v.value
		total += v.weight
		if v.value != 0 {
			parts = append(parts, fmt.Sprintf("%s%+.0f", v.name, v.value))
		}
	}
	if total == 0 {
		d.Reason = "no indicators available"
		return d
	}

	score := sum / total
	if score == 0 {
		d.Reason = "indicators balanced"
		return d
	}
	dir := types.Long
	if score < 0 {
		dir = types.Short
	}
	technical := math.Abs(score)

	sentiment := clamp(sig.SentimentScore(), -1, 1)
	volatility := math.Max(0, sig.VolatilityScore())
	align := sentiment * dir.Sign()

	if volatility > e.cfg.VolatilityCeiling {
		d.Reason = fmt.Sprintf("volatility %.2f above ceiling %.2f", volatility, e.cfg.VolatilityCeiling)
		return d
	}
	if align <= -e.cfg.OpposeThreshold {
		d.Reason = fmt.Sprintf("sentiment %.2f opposes %s", sentiment, dir)
		return d
	}

	confidence := clamp(technical+e.cfg.SentimentBoost*align, 0, 1)
	confidence *= 1 - clamp(e.cfg.VolatilityPenalty*volatility, 0, 1)
	confidence = round4(confidence)

	summary := fmt.Sprintf("tech=%.2f [%s] sent=%.2f vol=%.2f", technical, strings.Join(parts, " "), sentiment, volatility)
	if confidence < e.cfg.MinConfidence {
		d.Confidence = confidence
		d.Reason = fmt.Sprintf("confidence %.2f below %.2f: %s", confidence, e.cfg.MinConfidence, summary)
		return d
	}

	sl, tp := e.stops(sig)
	d.Direction = dir
	d.Confidence = confidence
	d.SizeFraction = confidence
	d.StopLossPips = sl
	d.TakeProfitPips = tp
	d.Reason = summary
	return d
}

func (e *Engine) votes(sig types.Signal) []vote {
	w := e.cfg.Weights
	var out []vote

	if rsi, ok := finite(sig, types.IndRSI); ok {
		v := 0.0
		switch {
		case rsi <= e.cfg.RSIOversold:
			v = 1
		case rsi >= e.cfg.RSIOverbought:
			v = -1
		}
		out = append(out, vote{"rsi", w.RSI, v})
	}

	macd, ok1 := finite(sig, types.IndMACD)
	signal, ok2 := finite(sig, types.IndMACDSignal)
	if ok1 && ok2 {
		out = append(out, vote{"macd", w.MACD, sign(macd - signal)})
	}

	fast, ok1 := finite(sig, types.IndEMAFast)
	slow, ok2 := finite(sig, types.IndEMASlow)
	if ok1 && ok2 {
		out = append(out, vote{"ema", w.EMA, sign(fast - slow)})
	}

	closePx, ok1 := finite(sig, types.IndClose)
	upper, ok2 := finite(sig, types.IndBBUpper)
	lower, ok3 := finite(sig, types.IndBBLower)
	if ok1 && ok2 && ok3 {
		v := 0.0
		switch {
		case closePx < lower:
			v = 1
		case closePx > upper:
			v = -1
		}
		out = append(out, vote{"bb", w.Bollinger, v})
	}

	if p, ok := finite(sig, types.IndPattern); ok {
		out = append(out, vote{"pattern", w.Pattern, clamp(p, -1, 1)})
	}
	return out
}

// stops returns stop-loss and take-profit distances in pips.
func (e *Engine) stops(sig types.Signal) (float64, float64) {
	sl, tp := e.cfg.StopLossPips, e.cfg.TakeProfitPips
	if e.cfg.StopMode != "ATR" {
		return sl, tp
	}
	atr, ok := finite(sig, types.IndATR)
	if !ok || atr <= 0 {
		return sl, tp
	}
	atrPips := atr / types.PipSize(sig.Instrument)
	sl = math.Round(atrPips*e.cfg.ATRStopMult*10) / 10
	rr := e.cfg.RewardRiskRatio
	if rr <= 0 {
		rr = 2
	}
	return sl, math.Round(sl*rr*10) / 10
}

func finite(sig types.Signal, name string) (float64, bool) {
	v, ok := sig.Indicator(name)
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(hi, v))
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
