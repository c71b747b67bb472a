// Package metrics holds the Prometheus collectors of the delivery pipeline.
// All recording methods are safe on a nil receiver so components can run
// without metrics in tests and one-shot CLI commands.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pewpost"

// Registry bundles a private Prometheus registry with the collectors
// registered on it.
type Registry struct {
	reg       *prometheus.Registry
	Delivery  *Delivery
	Publisher *Publisher
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Registry{
		reg:       reg,
		Delivery:  newDelivery(f),
		Publisher: newPublisher(f),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

type Delivery struct {
	attempts *prometheus.CounterVec
	chunks   prometheus.Counter
	wait     *prometheus.HistogramVec
}

func newDelivery(f promauto.Factory) *Delivery {
	return &Delivery{
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Bot API send attempts by outcome.",
		}, []string{"outcome"}),
		chunks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_chunks_total",
			Help:      "Chunks delivered successfully.",
		}),
		wait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_wait_seconds",
			Help:      "Time spent waiting before a retry, by reason (flood, backoff).",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"reason"}),
	}
}

func (d *Delivery) Attempt(outcome string) {
	if d == nil {
		return
	}
	d.attempts.WithLabelValues(outcome).Inc()
}

func (d *Delivery) Chunk() {
	if d == nil {
		return
	}
	d.chunks.Inc()
}

func (d *Delivery) Wait(reason string, dur time.Duration) {
	if d == nil {
		return
	}
	d.wait.WithLabelValues(reason).Observe(dur.Seconds())
}

type Publisher struct {
	jobs  *prometheus.CounterVec
	depth prometheus.Gauge
}

func newPublisher(f promauto.Factory) *Publisher {
	return &Publisher{
		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publisher_jobs_total",
			Help:      "Publisher jobs by final status.",
		}, []string{"status"}),
		depth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "publisher_queue_depth",
			Help:      "Jobs waiting in the publisher queue.",
		}),
	}
}

func (p *Publisher) Job(status string) {
	if p == nil {
		return
	}
	p.jobs.WithLabelValues(status).Inc()
}

func (p *Publisher) QueueDepth(n int) {
	if p == nil {
		return
	}
	p.depth.Set(float64(n))
}
