// Package metrics provides Prometheus metrics for the flip engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// FlipMetrics collects and exposes engine-related Prometheus metrics.
type FlipMetrics struct {
	registry *prometheus.Registry

	// Bet metrics
	BetsTotal     *prometheus.CounterVec
	BetSize       *prometheus.HistogramVec
	BetsInFlight  prometheus.Gauge
	BetRejections *prometheus.CounterVec

	// Settlement metrics
	SettlementsTotal  *prometheus.CounterVec
	SettlementLatency *prometheus.HistogramVec
	Payouts           prometheus.Counter

	// Ledger metrics
	LedgerSize       prometheus.Gauge
	BackfillDuration prometheus.Histogram
	BackfillRecords  prometheus.Gauge
	LiveBatches      prometheus.Counter

	// Balance metrics
	PlayerBalance prometheus.Gauge
	HouseBalance  prometheus.Gauge

	// Subscription metrics
	SubReconnects prometheus.Counter
}

// NewFlipMetrics creates a new metrics collector with its own registry.
func NewFlipMetrics() *FlipMetrics {
	registry := prometheus.NewRegistry()

	fm := &FlipMetrics{
		registry: registry,

		BetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flipengine_bets_total",
				Help: "Total number of bets submitted",
			},
			[]string{"side", "status"},
		),
		BetSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flipengine_bet_size_eth",
				Help:    "Bet size in ETH",
				Buckets: []float64{0.0006, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"side"},
		),
		BetsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flipengine_bets_in_flight",
				Help: "Whether a bet is currently in flight (1=yes, 0=no)",
			},
		),
		BetRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flipengine_bet_rejections_total",
				Help: "Total number of bets rejected before submission",
			},
			[]string{"reason"},
		),

		SettlementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flipengine_settlements_total",
				Help: "Total number of settled bets by discovery path",
			},
			[]string{"path", "outcome"},
		),
		SettlementLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flipengine_settlement_latency_seconds",
				Help:    "Time from submission to settlement",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 12), // 250ms to ~17min
			},
			[]string{"path"},
		),
		Payouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flipengine_payouts_eth_total",
				Help: "Total payouts received in ETH",
			},
		),

		LedgerSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flipengine_ledger_size",
				Help: "Number of outcome records currently in the event ledger",
			},
		),
		BackfillDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "flipengine_backfill_duration_seconds",
				Help:    "Historical backfill duration",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
			},
		),
		BackfillRecords: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flipengine_backfill_records",
				Help: "Records loaded by the last successful backfill",
			},
		),
		LiveBatches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flipengine_live_batches_total",
				Help: "Live subscription batches received",
			},
		),

		PlayerBalance: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flipengine_player_balance_eth",
				Help: "Last known player balance in ETH",
			},
		),
		HouseBalance: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flipengine_house_balance_eth",
				Help: "Last known contract liquidity in ETH",
			},
		),

		SubReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flipengine_subscription_reconnects_total",
				Help: "Live subscription reconnect attempts",
			},
		),
	}

	fm.registerAll()
	return fm
}

func (fm *FlipMetrics) registerAll() {
	fm.registry.MustRegister(
		fm.BetsTotal,
		fm.BetSize,
		fm.BetsInFlight,
		fm.BetRejections,
		fm.SettlementsTotal,
		fm.SettlementLatency,
		fm.Payouts,
		fm.LedgerSize,
		fm.BackfillDuration,
		fm.BackfillRecords,
		fm.LiveBatches,
		fm.PlayerBalance,
		fm.HouseBalance,
		fm.SubReconnects,
	)
}

// Registry returns the prometheus registry.
func (fm *FlipMetrics) Registry() *prometheus.Registry {
	return fm.registry
}

// RecordBet records a submitted or failed bet.
func (fm *FlipMetrics) RecordBet(side, status string, sizeETH float64) {
	fm.BetsTotal.WithLabelValues(side, status).Inc()
	if sizeETH > 0 {
		fm.BetSize.WithLabelValues(side).Observe(sizeETH)
	}
}

// RecordRejection records a pre-submission validation rejection.
func (fm *FlipMetrics) RecordRejection(reason string) {
	fm.BetRejections.WithLabelValues(reason).Inc()
}

// RecordSettlement records a settled (or force-cleared) bet.
func (fm *FlipMetrics) RecordSettlement(path, outcome string, latencySec, payoutETH float64) {
	fm.SettlementsTotal.WithLabelValues(path, outcome).Inc()
	if latencySec > 0 {
		fm.SettlementLatency.WithLabelValues(path).Observe(latencySec)
	}
	if payoutETH > 0 {
		fm.Payouts.Add(payoutETH)
	}
}

// UpdateBalances updates the balance gauges.
func (fm *FlipMetrics) UpdateBalances(playerETH, houseETH float64) {
	fm.PlayerBalance.Set(playerETH)
	fm.HouseBalance.Set(houseETH)
}

// UpdateLedger updates the ledger size gauge.
func (fm *FlipMetrics) UpdateLedger(size int) {
	fm.LedgerSize.Set(float64(size))
}

// RecordBackfill records a completed backfill.
func (fm *FlipMetrics) RecordBackfill(durationSec float64, records int) {
	fm.BackfillDuration.Observe(durationSec)
	fm.BackfillRecords.Set(float64(records))
}

// DecimalToFloat64 safely converts decimal.Decimal to float64 for metrics.
func DecimalToFloat64(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// Global instance for convenience
var defaultMetrics *FlipMetrics
var once sync.Once

// Default returns the default global metrics instance.
func Default() *FlipMetrics {
	once.Do(func() {
		defaultMetrics = NewFlipMetrics()
	})
	return defaultMetrics
}
