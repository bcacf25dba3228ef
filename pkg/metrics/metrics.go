// Package metrics exposes farm state to Prometheus and periodically
// publishes host telemetry as server.metrics events.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/transcodefarm/farmd/pkg/bus"
	"github.com/transcodefarm/farmd/pkg/models"
	"github.com/transcodefarm/farmd/pkg/store"
)

// SpendFunc reports the current month's cloud spend in USD. Nil when no
// cloud provider is configured.
type SpendFunc func() float64

// Metrics owns the registry and the counters mutated by other
// subsystems.
type Metrics struct {
	registry *prometheus.Registry

	// SchedulingAttempts counts scheduler cycles that tried to place a
	// job, labelled by outcome.
	SchedulingAttempts *prometheus.CounterVec

	// TransfersStarted counts stage-in transfers by mode.
	TransfersStarted *prometheus.CounterVec
}

// New builds a registry with the farm collector, the standard process
// and Go collectors, and the mutable counters.
func New(st store.Store, b *bus.Bus, spend SpendFunc) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SchedulingAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "farmd",
			Name:      "scheduling_attempts_total",
			Help:      "Scheduler placement attempts by outcome.",
		}, []string{"outcome"}),
		TransfersStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "farmd",
			Name:      "transfers_started_total",
			Help:      "Stage-in transfers by mode.",
		}, []string{"mode"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newFarmCollector(st, b, spend),
		m.SchedulingAttempts,
		m.TransfersStarted,
	)
	return m
}

// Handler serves the registry for GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// farmCollector reads farm state at scrape time, so gauges never go
// stale and nothing has to push.
type farmCollector struct {
	store store.Store
	bus   *bus.Bus
	spend SpendFunc

	jobs        *prometheus.Desc
	workers     *prometheus.Desc
	queueDepth  *prometheus.Desc
	cloudSpend  *prometheus.Desc
	subscribers *prometheus.Desc
}

func newFarmCollector(st store.Store, b *bus.Bus, spend SpendFunc) *farmCollector {
	return &farmCollector{
		store: st,
		bus:   b,
		spend: spend,
		jobs: prometheus.NewDesc("farmd_jobs",
			"Jobs by state.", []string{"state"}, nil),
		workers: prometheus.NewDesc("farmd_workers",
			"Workers by status.", []string{"status"}, nil),
		queueDepth: prometheus.NewDesc("farmd_queue_depth",
			"Jobs waiting for a worker.", nil, nil),
		cloudSpend: prometheus.NewDesc("farmd_cloud_spend_usd",
			"Cloud spend accrued this month.", nil, nil),
		subscribers: prometheus.NewDesc("farmd_bus_subscribers",
			"Live event bus subscriptions.", nil, nil),
	}
}

func (c *farmCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobs
	ch <- c.workers
	ch <- c.queueDepth
	ch <- c.cloudSpend
	ch <- c.subscribers
}

func (c *farmCollector) Collect(ch chan<- prometheus.Metric) {
	byState := make(map[models.JobStatus]int)
	for _, j := range c.store.GetAllJobs() {
		byState[j.Status]++
	}
	for _, state := range []models.JobStatus{
		models.JobStatusQueued, models.JobStatusTransferring,
		models.JobStatusTranscoding, models.JobStatusVerifying,
		models.JobStatusReplacing, models.JobStatusCompleted,
		models.JobStatusFailed, models.JobStatusCancelled,
		models.JobStatusPaused,
	} {
		ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue,
			float64(byState[state]), string(state))
	}
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue,
		float64(byState[models.JobStatusQueued]))

	byStatus := make(map[models.WorkerStatus]int)
	for _, w := range c.store.GetAllWorkers() {
		byStatus[w.Status]++
	}
	for _, status := range []models.WorkerStatus{
		models.WorkerStatusOnline, models.WorkerStatusOffline,
		models.WorkerStatusProvisioning, models.WorkerStatusSetupFailed,
		models.WorkerStatusPending,
	} {
		ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue,
			float64(byStatus[status]), string(status))
	}

	if c.spend != nil {
		ch <- prometheus.MustNewConstMetric(c.cloudSpend, prometheus.GaugeValue, c.spend())
	}
	ch <- prometheus.MustNewConstMetric(c.subscribers, prometheus.GaugeValue,
		float64(c.bus.SubscriberCount()))
}
