package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fxbot_decisions_total", Help: "Strategy decisions by direction"},
		[]string{"instrument", "direction"},
	)
	AdmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fxbot_admissions_total", Help: "Risk admission verdicts"},
		[]string{"result", "reason"},
	)
	PositionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fxbot_positions_total", Help: "Position lifecycle transitions"},
		[]string{"instrument", "status"},
	)
	TaskErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fxbot_task_errors_total", Help: "Scheduler task failures"},
		[]string{"task"},
	)
	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "fxbot_task_duration_seconds", Help: "Scheduler task run time", Buckets: prometheus.DefBuckets},
		[]string{"task"},
	)
	TradingHalted = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "fxbot_trading_halted", Help: "1 while trading is halted"},
	)
	TotalPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "fxbot_total_pnl", Help: "Cumulative realized P&L in account currency"},
	)
)

func init() {
	prometheus.MustRegister(DecisionsTotal, AdmissionsTotal, PositionsTotal, TaskErrorsTotal, TaskDuration, TradingHalted, TotalPnL)
}

// SetHalted mirrors the risk manager's halt flag.
func SetHalted(halted bool) {
	if halted {
		TradingHalted.Set(1)
		return
	}
	TradingHalted.Set(0)
}

func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
