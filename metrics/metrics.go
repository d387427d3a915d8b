// Package metrics exposes pipeline throughput and state as Prometheus
// metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "keycount"

// Metrics holds the producer, consumer and run-state collectors of one run.
// Each set has its own registry, so tests can create as many as they need.
type Metrics struct {
	Produced   prometheus.Counter
	Acked      prometheus.Counter
	SendErrors prometheus.Counter
	InFlight   prometheus.Gauge

	Consumed       *prometheus.CounterVec
	PollErrors     *prometheus.CounterVec
	WorkersRunning prometheus.Gauge

	State prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers the pipeline metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Produced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_produced_total",
			Help:      "Messages submitted to the broker.",
		}),
		Acked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_acked_total",
			Help:      "Messages acknowledged by the broker.",
		}),
		SendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Messages the broker rejected.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "producer_in_flight",
			Help:      "Sent messages awaiting acknowledgement.",
		}),
		Consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_consumed_total",
			Help:      "Messages counted by each consumer worker.",
		}, []string{"worker"}),
		PollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Failed polls per consumer worker.",
		}, []string{"worker"}),
		WorkersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_running",
			Help:      "Consumer workers currently polling.",
		}),
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_state",
			Help:      "Orchestrator state: 0 init, 1 topic-ready, 2 running, 3 draining, 4 stopped.",
		}),
	}

	reg.MustRegister(
		m.Produced, m.Acked, m.SendErrors, m.InFlight,
		m.Consumed, m.PollErrors, m.WorkersRunning, m.State,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, m *Metrics, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("metrics endpoint listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "metrics server")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Wrap(srv.Shutdown(shutdownCtx), "metrics shutdown")
	}
}
