// Package metrics exposes Prometheus metrics for the reward farmer.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// FarmerMetrics collects the quoting, order, and market-data metrics.
type FarmerMetrics struct {
	registry *prometheus.Registry

	// Quote metrics
	FairValue  *prometheus.GaugeVec
	YesBid     *prometheus.GaugeVec
	NoBid      *prometheus.GaugeVec
	BandWidth  *prometheus.GaugeVec
	QuoteCycle *prometheus.CounterVec

	// Order metrics
	OrdersPlaced   *prometheus.CounterVec
	OrdersCanceled *prometheus.CounterVec
	OrdersFilled   *prometheus.CounterVec
	RestingOrders  *prometheus.GaugeVec
	OrderPrice     *prometheus.HistogramVec

	// Inventory metrics
	InventoryShares *prometheus.GaugeVec
	InventorySkew   *prometheus.GaugeVec

	// Feed metrics
	FeedPolls  *prometheus.CounterVec
	FeedErrors *prometheus.CounterVec

	// Transport metrics
	APIRequests *prometheus.CounterVec
	APIRetries  *prometheus.CounterVec
}

// NewFarmerMetrics creates a metrics collector on its own registry.
func NewFarmerMetrics() *FarmerMetrics {
	registry := prometheus.NewRegistry()

	m := &FarmerMetrics{
		registry: registry,

		FairValue: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "farmer_fair_value",
				Help: "Interpolated fair probability of YES",
			},
			[]string{"market"},
		),
		YesBid: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "farmer_yes_bid",
				Help: "Current computed YES bid",
			},
			[]string{"market"},
		),
		NoBid: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "farmer_no_bid",
				Help: "Current computed NO bid",
			},
			[]string{"market"},
		),
		BandWidth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "farmer_reward_band_width",
				Help: "Width of the current reward band",
			},
			[]string{"market"},
		),
		QuoteCycle: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "farmer_quote_cycles_total",
				Help: "Decision cycles by outcome",
			},
			[]string{"market", "status"},
		),

		OrdersPlaced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "farmer_orders_placed_total",
				Help: "Orders placed by leg and side",
			},
			[]string{"market", "outcome", "side"},
		),
		OrdersCanceled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "farmer_orders_canceled_total",
				Help: "Orders canceled with verification",
			},
			[]string{"market"},
		),
		OrdersFilled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "farmer_orders_filled_total",
				Help: "Orders observed filled",
			},
			[]string{"market", "outcome"},
		),
		RestingOrders: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "farmer_resting_orders",
				Help: "Orders currently believed resting on the book",
			},
			[]string{"market"},
		),
		OrderPrice: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "farmer_order_price",
				Help:    "Prices of placed orders",
				Buckets: prometheus.LinearBuckets(0, 0.05, 21), // 0 to 1.0
			},
			[]string{"market", "outcome"},
		),

		InventoryShares: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "farmer_inventory_shares",
				Help: "Held shares per leg",
			},
			[]string{"market", "outcome"},
		),
		InventorySkew: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "farmer_inventory_skew_usd",
				Help: "USD-valued imbalance between the YES and NO positions",
			},
			[]string{"market"},
		),

		FeedPolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "farmer_feed_polls_total",
				Help: "Feed poll attempts by venue and outcome",
			},
			[]string{"feed", "status"},
		),
		FeedErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "farmer_feed_errors_total",
				Help: "Feed poll failures by venue",
			},
			[]string{"feed"},
		),

		APIRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "farmer_api_requests_total",
				Help: "Outbound API calls by venue and status",
			},
			[]string{"venue", "status"},
		),
		APIRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "farmer_api_retries_total",
				Help: "Transient-failure retries by venue",
			},
			[]string{"venue"},
		),
	}

	m.registerAll()
	return m
}

func (m *FarmerMetrics) registerAll() {
	m.registry.MustRegister(
		m.FairValue,
		m.YesBid,
		m.NoBid,
		m.BandWidth,
		m.QuoteCycle,
		m.OrdersPlaced,
		m.OrdersCanceled,
		m.OrdersFilled,
		m.RestingOrders,
		m.OrderPrice,
		m.InventoryShares,
		m.InventorySkew,
		m.FeedPolls,
		m.FeedErrors,
		m.APIRequests,
		m.APIRetries,
	)
}

// Registry returns the prometheus registry for the /metrics handler.
func (m *FarmerMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordCycle records a decision cycle outcome.
func (m *FarmerMetrics) RecordCycle(market, status string) {
	m.QuoteCycle.WithLabelValues(market, status).Inc()
}

// RecordQuotes updates the per-cycle quote gauges.
func (m *FarmerMetrics) RecordQuotes(market string, fairValue, yesBid, noBid, bandWidth float64) {
	m.FairValue.WithLabelValues(market).Set(fairValue)
	m.YesBid.WithLabelValues(market).Set(yesBid)
	m.NoBid.WithLabelValues(market).Set(noBid)
	m.BandWidth.WithLabelValues(market).Set(bandWidth)
}

// RecordOrder records an order placement.
func (m *FarmerMetrics) RecordOrder(market, outcome, side string, price float64) {
	m.OrdersPlaced.WithLabelValues(market, outcome, side).Inc()
	m.OrderPrice.WithLabelValues(market, outcome).Observe(price)
}

// RecordInventory updates the inventory gauges.
func (m *FarmerMetrics) RecordInventory(market string, yesShares, noShares, skewUSD float64) {
	m.InventoryShares.WithLabelValues(market, "YES").Set(yesShares)
	m.InventoryShares.WithLabelValues(market, "NO").Set(noShares)
	m.InventorySkew.WithLabelValues(market).Set(skewUSD)
}

// DecimalToFloat64 converts decimal values for gauge recording.
func DecimalToFloat64(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

var (
	defaultMetrics *FarmerMetrics
	once           sync.Once
)

// Default returns the process-wide metrics instance.
func Default() *FarmerMetrics {
	once.Do(func() {
		defaultMetrics = NewFarmerMetrics()
	})
	return defaultMetrics
}
