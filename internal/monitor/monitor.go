// Package monitor is the read-only observability surface of the pipeline:
// Prometheus collectors plus a passive status snapshot consumed by the
// external dashboard. It is a query surface, not a control channel.
package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fyrsmithlabs/reverie/internal/queue"
)

// Job outcome labels.
const (
	OutcomeComplete   = "complete"
	OutcomeEmpty      = "empty"
	OutcomeDuplicate  = "duplicate"
	OutcomeRetried    = "retried"
	OutcomeDeadLetter = "dead_letter"
	OutcomeFailed     = "failed"
)

// WorkerState is one worker's current protocol step.
type WorkerState string

const (
	WorkerIdle       WorkerState = "idle"
	WorkerClaiming   WorkerState = "claiming"
	WorkerGenerating WorkerState = "generating"
	WorkerPersisting WorkerState = "persisting"
)

// Monitor holds the pipeline's metrics and per-worker status.
type Monitor struct {
	JobsTotal          *prometheus.CounterVec
	JobsInFlight       prometheus.Gauge
	QueueDepth         prometheus.Gauge
	GenerationDuration prometheus.Histogram
	SchedulerEnqueued  prometheus.Counter
	SchedulerSkipped   prometheus.Counter

	mu      sync.RWMutex
	workers map[string]WorkerStatus
}

// New creates a Monitor and registers its collectors.
func New(reg prometheus.Registerer) *Monitor {
	m := &Monitor{
		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reverie_jobs_total",
				Help: "Reflection jobs processed, by outcome",
			},
			[]string{"outcome"},
		),
		JobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reverie_jobs_in_flight",
			Help: "Jobs currently being processed by workers",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reverie_queue_depth",
			Help: "Jobs waiting in the broker",
		}),
		GenerationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reverie_generation_duration_seconds",
			Help:    "External generation call duration",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		SchedulerEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reverie_scheduler_enqueued_total",
			Help: "Jobs enqueued by the scheduler",
		}),
		SchedulerSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reverie_scheduler_skipped_total",
			Help: "Due periods skipped because the ledger already covers them",
		}),
		workers: make(map[string]WorkerStatus),
	}

	reg.MustRegister(
		m.JobsTotal,
		m.JobsInFlight,
		m.QueueDepth,
		m.GenerationDuration,
		m.SchedulerEnqueued,
		m.SchedulerSkipped,
	)
	return m
}

// WorkerStatus is one worker's reported state.
type WorkerStatus struct {
	ID         string      `json:"id"`
	State      WorkerState `json:"state"`
	CurrentJob string      `json:"current_job,omitempty"`
	Since      time.Time   `json:"since"`
}

// SetWorkerState records a worker's current state and job.
func (m *Monitor) SetWorkerState(workerID string, state WorkerState, jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[workerID] = WorkerStatus{
		ID:         workerID,
		State:      state,
		CurrentJob: jobID,
		Since:      time.Now().UTC(),
	}
}

// Snapshot is the passive status view served over HTTP.
type Snapshot struct {
	Queue   queue.Stats    `json:"queue"`
	Workers []WorkerStatus `json:"workers"`
}

// Snapshot assembles the current view, pairing broker stats (supplied by
// the caller) with per-worker status.
func (m *Monitor) Snapshot(stats queue.Stats) Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	workers := make([]WorkerStatus, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })

	m.QueueDepth.Set(float64(stats.Depth))
	return Snapshot{Queue: stats, Workers: workers}
}
