package metrics

import (
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)
	CampaignOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaign_operations_total", Help: "Campaign lifecycle operations."},
		[]string{"op", "result"}, // op: create | edit | delete; result: ok | rejected | error
	)

	// Orchestration
	AttemptTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "attempt_transitions_total", Help: "Delivery attempt status changes."},
		[]string{"status"},
	)
	RetriesScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "attempt_retries_total", Help: "Retry successors created."},
	)
	ResolveInfeasible = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "resolve_infeasible_total", Help: "Resolutions with no eligible instant."},
	)
	LookupDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "attempt_lookup_dropped_total", Help: "Outcomes dropped because the attempt vanished."},
	)
	OutcomeRetries = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "outcome_record_retries_total", Help: "Outcome writes repeated after a store error."},
	)
	JobsRedriven = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "jobs_redriven_total", Help: "Jobs left to lease expiry after a transient handler error."},
	)
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "transport_breaker_state", Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open."},
		[]string{"name"},
	)
	JobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "jobs_submitted_total", Help: "Job submissions."},
		[]string{"result"}, // ok | error
	)
	JobsCancelled = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "jobs_cancelled_total", Help: "Job cancellations."},
		[]string{"result"}, // ok | error
	)

	// Worker
	ClaimTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "worker_claim_total", Help: "Claim attempts."},
		[]string{"result"}, // ok | empty | error
	)
	ClaimBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_claim_batch_size",
			Help:    "Number of jobs returned per claim.",
			Buckets: prometheus.LinearBuckets(0, 10, 11), // 0,10,...,100
		},
	)
	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "worker_inflight", Help: "In-flight deliveries in this process."},
	)
	TransportSendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "transport_send_total", Help: "Transport send outcomes."},
		[]string{"outcome"}, // delivered | failed | timeout
	)
	TransportSendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "transport_send_duration_seconds",
			Help:    "Transport send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
	)

	// Reporting
	StatsRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "stats_runs_total", Help: "Daily statistics runs."},
		[]string{"result"}, // ok | skipped | error
	)
)

var registerOnce sync.Once

// MustRegister registers the default and service collectors once per process.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			HTTPRequests, HTTPDuration, CampaignOps,
			AttemptTransitions, RetriesScheduled, ResolveInfeasible, LookupDropped,
			OutcomeRetries, JobsRedriven, BreakerState,
			JobsSubmitted, JobsCancelled,
			ClaimTotal, ClaimBatchSize, InFlight, TransportSendTotal, TransportSendDuration,
			StatsRuns,
		)
	})
}

// PGXPoolStats exports pgxpool statistics.
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns          prometheus.Gauge
	idle           prometheus.Gauge
	acquireCount   prometheus.Gauge
	acquireLatency prometheus.Gauge
}

func NewPGXPoolStats(pool *pgxpool.Pool) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquireCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_acquires", Help: "Cumulative pool acquires.",
		}),
		acquireLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_acquire_seconds", Help: "Cumulative acquire latency.",
		}),
	}
	prometheus.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireLatency)
	return m
}

// Start samples the pool every interval until stop is closed.
func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s := m.pool.Stat()
			m.conns.Set(float64(s.TotalConns()))
			m.idle.Set(float64(s.IdleConns()))
			m.acquireCount.Set(float64(s.AcquireCount()))
			m.acquireLatency.Set(s.AcquireDuration().Seconds())
		}
	}
}
