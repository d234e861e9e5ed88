// Package metrics exposes the perps engine's Prometheus metrics
package metrics

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luxfi/perps/pkg/perp"
)

// Metrics records engine activity. It implements perp.Recorder.
type Metrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	// Position metrics
	positionsOpened *prometheus.CounterVec
	positionsClosed *prometheus.CounterVec
	closeLatency    *prometheus.HistogramVec

	// Market metrics
	fundingTicks  *prometheus.CounterVec
	fundingRate   *prometheus.GaugeVec
	fundedCount   *prometheus.GaugeVec
	markPrice     *prometheus.GaugeVec
	openInterest  *prometheus.GaugeVec
	invariantHalt *prometheus.CounterVec

	// Collaborator metrics
	collaboratorFailures *prometheus.CounterVec
	eventsPublished      *prometheus.CounterVec

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

var _ perp.Recorder = (*Metrics)(nil)

// New creates the metrics on a private registry
func New(namespace string) *Metrics {
	logger := log.Root().New("module", "metrics")
	registry := prometheus.NewRegistry()

	m := &Metrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		positionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_opened_total",
			Help:      "Total positions opened",
		}, []string{"symbol", "side"}),

		positionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_closed_total",
			Help:      "Total positions closed, split by whether margin was wiped out",
		}, []string{"symbol", "liquidated"}),

		closeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "close_latency_seconds",
			Help:      "Time to price, settle and persist a close",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"symbol"}),

		fundingTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "funding_ticks_total",
			Help:      "Total funding epochs applied",
		}, []string{"symbol"}),

		fundingRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "funding_rate",
			Help:      "Last applied funding rate",
		}, []string{"symbol"}),

		fundedCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "funding_positions",
			Help:      "Positions charged in the last funding epoch",
		}, []string{"symbol"}),

		markPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mark_price",
			Help:      "Current mark price",
		}, []string{"symbol"}),

		openInterest: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_interest",
			Help:      "Open interest valued at the mark price",
		}, []string{"symbol"}),

		invariantHalt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Markets halted on an aggregate invariant violation",
		}, []string{"symbol"}),

		collaboratorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collaborator_failures_total",
			Help:      "Ledger, feed and store failures",
		}, []string{"collaborator"}),

		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Lifecycle events published",
		}, []string{"type"}),

		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),

		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	registry.MustRegister(
		m.positionsOpened,
		m.positionsClosed,
		m.closeLatency,
		m.fundingTicks,
		m.fundingRate,
		m.fundedCount,
		m.markPrice,
		m.openInterest,
		m.invariantHalt,
		m.collaboratorFailures,
		m.eventsPublished,
		m.memoryUsage,
		m.goroutines,
	)

	logger.Info("Metrics initialized", "namespace", namespace)
	return m
}

// Registry returns the underlying Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr until ctx is done
func (m *Metrics) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	m.logger.Info("Prometheus metrics available", "endpoint", "http://"+addr+"/metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		m.logger.Error("Metrics server failed", "error", err)
		return err
	}
	return nil
}

func (m *Metrics) PositionOpened(symbol, side string) {
	m.positionsOpened.WithLabelValues(symbol, side).Inc()
}

func (m *Metrics) PositionClosed(symbol string, liquidated bool, latency time.Duration) {
	label := "false"
	if liquidated {
		label = "true"
	}
	m.positionsClosed.WithLabelValues(symbol, label).Inc()
	m.closeLatency.WithLabelValues(symbol).Observe(latency.Seconds())
}

func (m *Metrics) FundingApplied(symbol string, rate float64, positions int) {
	m.fundingTicks.WithLabelValues(symbol).Inc()
	m.fundingRate.WithLabelValues(symbol).Set(rate)
	m.fundedCount.WithLabelValues(symbol).Set(float64(positions))
}

func (m *Metrics) MarketMarked(symbol string, price, openInterest float64) {
	m.markPrice.WithLabelValues(symbol).Set(price)
	m.openInterest.WithLabelValues(symbol).Set(openInterest)
}

func (m *Metrics) CollaboratorFailure(op string) {
	m.collaboratorFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) InvariantViolation(symbol string) {
	m.invariantHalt.WithLabelValues(symbol).Inc()
}

// EventPublished counts an event handed to the broker
func (m *Metrics) EventPublished(eventType string) {
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

// CollectSystemMetrics samples runtime stats until ctx is done
func (m *Metrics) CollectSystemMetrics(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleRuntime()
		}
	}
}

func (m *Metrics) sampleRuntime() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.memoryUsage.Set(float64(memStats.Alloc))
	m.goroutines.Set(float64(runtime.NumGoroutine()))
}
