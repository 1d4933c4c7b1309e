// FILE: metrics.go
// Package main – Prometheus metrics for observability.
//
// Exposes the metrics the pair lanes update during operation:
//   • bot_orders_total{pair,side}            – orders accepted by the venue
//   • bot_order_submit_failures_total{pair,side}
//   • bot_tasks_created_total{pair,kind}     – buy/sell watch tasks started
//   • bot_tasks_abandoned_total{pair}        – buy tasks that ran out of retries
//   • bot_fills_total{pair,side,kind}        – full|partial fills seen by reconcile
//   • bot_cancels_total{pair}                – TTL cancels that succeeded
//   • bot_cancel_failures_total{pair}
//   • bot_trades_ingested_total{pair}
//   • bot_trades_malformed_total{pair}
//   • bot_candles{pair}                      – candles held in memory
//   • bot_engine_state{pair,state}           – 1 for the active state
//   • bot_income_quote{pair}                 – realized income in quote currency
//
// These are registered in init() and served at /metrics by the status server.

package main

import "github.com/prometheus/client_golang/prometheus"

var (
	mtxOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_orders_total",
			Help: "Orders accepted by the exchange",
		},
		[]string{"pair", "side"},
	)

	mtxSubmitFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_order_submit_failures_total",
			Help: "Order submissions rejected or failed",
		},
		[]string{"pair", "side"},
	)

	mtxTasksCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_tasks_created_total",
			Help: "Watch tasks started",
		},
		[]string{"pair", "kind"},
	)

	mtxTasksAbandoned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_tasks_abandoned_total",
			Help: "Buy tasks dropped after exhausting retries",
		},
		[]string{"pair"},
	)

	mtxFills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_fills_total",
			Help: "Fills observed by the reconciler",
		},
		[]string{"pair", "side", "kind"}, // kind: full|partial
	)

	mtxCancels = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_cancels_total",
			Help: "Stale buy orders cancelled",
		},
		[]string{"pair"},
	)

	mtxCancelFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_cancel_failures_total",
			Help: "Cancel attempts that failed",
		},
		[]string{"pair"},
	)

	mtxTradesIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_trades_ingested_total",
			Help: "Trades folded into candles",
		},
		[]string{"pair"},
	)

	mtxTradesMalformed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_trades_malformed_total",
			Help: "Trades dropped as malformed",
		},
		[]string{"pair"},
	)

	mtxCandles = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bot_candles",
			Help: "Minute candles held in memory",
		},
		[]string{"pair"},
	)

	// bot_engine_state exposes one labeled series per state and flips them
	// between 0/1 to keep dashboards simple.
	mtxEngineState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bot_engine_state",
			Help: "Task engine state indicator (idle/watching_buy/watching_sell).",
		},
		[]string{"pair", "state"},
	)

	mtxIncome = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bot_income_quote",
			Help: "Realized income in quote currency since start",
		},
		[]string{"pair"},
	)
)

func init() {
	prometheus.MustRegister(mtxOrders, mtxSubmitFailures)
	prometheus.MustRegister(mtxTasksCreated, mtxTasksAbandoned)
	prometheus.MustRegister(mtxFills, mtxCancels, mtxCancelFailures)
	prometheus.MustRegister(mtxTradesIngested, mtxTradesMalformed, mtxCandles)
	prometheus.MustRegister(mtxEngineState, mtxIncome)
}

func IncOrderSubmitted(p Pair, side OrderSide) { mtxOrders.WithLabelValues(p.String(), string(side)).Inc() }
func IncSubmitFailure(p Pair, side OrderSide) {
	mtxSubmitFailures.WithLabelValues(p.String(), string(side)).Inc()
}
func IncTaskCreated(p Pair, kind TaskKind) { mtxTasksCreated.WithLabelValues(p.String(), kind.String()).Inc() }
func IncTaskAbandoned(p Pair) { mtxTasksAbandoned.WithLabelValues(p.String()).Inc() }
func IncFill(p Pair, side OrderSide, partial bool) {
	kind := "full"
	if partial {
		kind = "partial"
	}
	mtxFills.WithLabelValues(p.String(), string(side), kind).Inc()
}
func IncCancel(p Pair) { mtxCancels.WithLabelValues(p.String()).Inc() }
func IncCancelFailure(p Pair) { mtxCancelFailures.WithLabelValues(p.String()).Inc() }
func IncTradeIngested(p Pair) { mtxTradesIngested.WithLabelValues(p.String()).Inc() }
func IncTradeMalformed(p Pair) { mtxTradesMalformed.WithLabelValues(p.String()).Inc() }
func SetCandlesMetric(p Pair, n int) { mtxCandles.WithLabelValues(p.String()).Set(float64(n)) }
func SetIncomeMetric(p Pair, v float64) { mtxIncome.WithLabelValues(p.String()).Set(v) }

func SetEngineStateMetric(p Pair, s EngineState) {
	for _, st := range []EngineState{StateIdle, StateWatchingBuy, StateWatchingSell} {
		v := 0.0
		if st == s {
			v = 1
		}
		mtxEngineState.WithLabelValues(p.String(), st.String()).Set(v)
	}
}
