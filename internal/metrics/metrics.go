// Package metrics exposes federation outcomes to Prometheus.
package metrics

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels shared by every counter.
const (
	OK       = "ok"
	Failed   = "failed"
	Dropped  = "dropped"
	Retried  = "retried"
	Rejected = "rejected"
)

// Metrics holds every counter the daemon exports. A nil *Metrics is valid
// and records nothing, which keeps tests free of registry setup.
type Metrics struct {
	registry *prometheus.Registry

	jobs          *prometheus.CounterVec
	pushReceived  *prometheus.CounterVec
	pushDelivered *prometheus.CounterVec
	salmonSent    *prometheus.CounterVec
	salmonIn      *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	verifications *prometheus.CounterVec
}

// New creates the counters in a private registry under namespace.
func New(namespace string) *Metrics {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prometheus.BuildFQName(namespace, "", name),
			Help: help,
		}, labels)
	}
	m := &Metrics{
		registry:      prometheus.NewRegistry(),
		jobs:          counter("jobs_total", "Queue jobs processed, by queue and outcome.", "queue", "outcome"),
		pushReceived:  counter("push_received_total", "Inbound PuSH deliveries, by outcome.", "outcome"),
		pushDelivered: counter("push_delivered_total", "Outbound fat pings to subscribers, by outcome.", "outcome"),
		salmonSent:    counter("salmon_sent_total", "Outbound Salmon slaps, by outcome.", "outcome"),
		salmonIn:      counter("salmon_received_total", "Inbound Salmon envelopes, by outcome.", "outcome"),
		transitions:   counter("subscription_transitions_total", "Remote feed subscription state changes, by new state.", "state"),
		verifications: counter("hub_verifications_total", "Subscriber intent verifications, by mode and outcome.", "mode", "outcome"),
	}
	m.registry.MustRegister(
		m.jobs, m.pushReceived, m.pushDelivered, m.salmonSent,
		m.salmonIn, m.transitions, m.verifications,
		collectors.NewGoCollector(),
	)
	return m
}

// Register adds an extra collector, such as a QueueCollector.
func (m *Metrics) Register(c prometheus.Collector) {
	if m != nil {
		m.registry.MustRegister(c)
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler(logger *log.Logger) http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.InstrumentMetricHandler(
		m.registry,
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
			ErrorLog: logger,
			Timeout:  10 * time.Second,
		}),
	)
}

func (m *Metrics) Job(queue, outcome string) {
	if m != nil {
		m.jobs.WithLabelValues(queue, outcome).Inc()
	}
}

func (m *Metrics) PushReceived(outcome string) {
	if m != nil {
		m.pushReceived.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) PushDelivered(outcome string) {
	if m != nil {
		m.pushDelivered.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) SalmonSent(outcome string) {
	if m != nil {
		m.salmonSent.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) SalmonReceived(outcome string) {
	if m != nil {
		m.salmonIn.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Transition(state string) {
	if m != nil {
		m.transitions.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) Verification(mode, outcome string) {
	if m != nil {
		m.verifications.WithLabelValues(mode, outcome).Inc()
	}
}

// JobCounter reports pending and failed jobs of a queue.
type JobCounter interface {
	CountJobs(ctx context.Context, queue string) (pending, failed int, err error)
}

// QueueCollector reads queue depth from storage at scrape time.
type QueueCollector struct {
	store  JobCounter
	queues []string
	logger *log.Logger

	pending *prometheus.Desc
	failed  *prometheus.Desc
}

func NewQueueCollector(namespace string, store JobCounter, logger *log.Logger, queues ...string) *QueueCollector {
	return &QueueCollector{
		store:  store,
		queues: queues,
		logger: logger,
		pending: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "pending_jobs"),
			"Jobs waiting to run or running.",
			[]string{"queue"},
			nil,
		),
		failed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "failed_jobs"),
			"Jobs parked after exhausting their attempts.",
			[]string{"queue"},
			nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pending
	ch <- c.failed
}

// Collect implements prometheus.Collector.
func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, q := range c.queues {
		pending, failed, err := c.store.CountJobs(ctx, q)
		if err != nil {
			c.logger.Printf("Failed to count jobs in %s: %v", q, err)
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(pending), q)
		ch <- prometheus.MustNewConstMetric(c.failed, prometheus.GaugeValue, float64(failed), q)
	}
}
