package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"powertrader/internal/ports"
)

// Recorder implements ports.Metrics using Prometheus.
type Recorder struct {
	registry   *prometheus.Registry
	cycles     *prometheus.CounterVec
	cycleTime  *prometheus.HistogramVec
	memorySize *prometheus.GaugeVec
	price      *prometheus.GaugeVec
	lowBound   *prometheus.GaugeVec
	highBound  *prometheus.GaugeVec
	signalSeq  *prometheus.GaugeVec
	signalDir  *prometheus.GaugeVec
	orders     *prometheus.CounterVec
	retries    *prometheus.CounterVec
}

var _ ports.Metrics = (*Recorder)(nil)

// New creates a recorder on its own registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		cycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "powertrader_cycles_total",
				Help: "Asset passes by role and outcome",
			},
			[]string{"role", "asset", "outcome"},
		),
		cycleTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "powertrader_cycle_duration_seconds",
				Help:    "Duration of asset passes in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"role"},
		),
		memorySize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "powertrader_memory_entries",
				Help: "Pattern memory entries per asset and timeframe",
			},
			[]string{"asset", "timeframe"},
		),
		price: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "powertrader_prediction_price",
				Help: "Current price used by the latest prediction",
			},
			[]string{"asset", "timeframe"},
		),
		lowBound: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "powertrader_prediction_low_bound",
				Help: "Latest predicted low bound",
			},
			[]string{"asset", "timeframe"},
		),
		highBound: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "powertrader_prediction_high_bound",
				Help: "Latest predicted high bound",
			},
			[]string{"asset", "timeframe"},
		),
		signalSeq: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "powertrader_signal_seq",
				Help: "Sequence number of the latest signal",
			},
			[]string{"asset"},
		),
		signalDir: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "powertrader_signal_direction",
				Help: "Latest signal direction: 1 long, -1 short, 0 flat",
			},
			[]string{"asset"},
		),
		orders: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "powertrader_orders_total",
				Help: "Order attempts by side and outcome",
			},
			[]string{"asset", "side", "outcome"},
		),
		retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "powertrader_order_retries_total",
				Help: "Order submissions retried after a transient failure",
			},
			[]string{"asset"},
		),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func (r *Recorder) RecordCycle(role, asset string, ok bool, seconds float64) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	r.cycles.WithLabelValues(role, asset, outcome).Inc()
	r.cycleTime.WithLabelValues(role).Observe(seconds)
}

func (r *Recorder) RecordMemorySize(asset, timeframe string, entries int) {
	r.memorySize.WithLabelValues(asset, timeframe).Set(float64(entries))
}

func (r *Recorder) RecordPrediction(asset, timeframe string, price, low, high float64) {
	r.price.WithLabelValues(asset, timeframe).Set(price)
	r.lowBound.WithLabelValues(asset, timeframe).Set(low)
	r.highBound.WithLabelValues(asset, timeframe).Set(high)
}

func (r *Recorder) RecordSignal(asset, direction string, seq int64) {
	r.signalSeq.WithLabelValues(asset).Set(float64(seq))
	v := 0.0
	switch direction {
	case "long":
		v = 1
	case "short":
		v = -1
	}
	r.signalDir.WithLabelValues(asset).Set(v)
}

func (r *Recorder) RecordOrder(asset, side, outcome string) {
	r.orders.WithLabelValues(asset, side, outcome).Inc()
}

func (r *Recorder) RecordRetry(asset string) {
	r.retries.WithLabelValues(asset).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (r *Recorder) Serve(ctx context.Context, addr string, logger ports.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "Metrics endpoint listening", map[string]interface{}{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("metrics server on %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
