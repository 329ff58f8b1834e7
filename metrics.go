package authcache

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the engine's Prometheus collectors. All methods are safe
// on a nil receiver so metric wiring stays optional.
type Metrics struct {
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	rateLimitDenied *prometheus.CounterVec
	jobsDone        *prometheus.CounterVec
	jobsRetried     *prometheus.CounterVec
	jobsDead        *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authcache_cache_hits_total",
			Help: "Identity cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authcache_cache_misses_total",
			Help: "Identity cache misses, including degraded reads.",
		}),
		rateLimitDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcache_rate_limit_denied_total",
			Help: "Rate-limit denials by action.",
		}, []string{"action"}),
		jobsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcache_jobs_done_total",
			Help: "Jobs completed successfully by type.",
		}, []string{"type"}),
		jobsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcache_jobs_retried_total",
			Help: "Job attempts that failed and were rescheduled, by type.",
		}, []string{"type"}),
		jobsDead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcache_jobs_dead_lettered_total",
			Help: "Jobs moved to the dead-letter list by type.",
		}, []string{"type"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.cacheHits, m.cacheMisses, m.rateLimitDenied,
			m.jobsDone, m.jobsRetried, m.jobsDead,
		)
	}
	return m
}

func (m *Metrics) cacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) cacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

func (m *Metrics) rateLimited(action string) {
	if m != nil {
		m.rateLimitDenied.WithLabelValues(action).Inc()
	}
}

// JobDone implements jobs.Observer.
func (m *Metrics) JobDone(jobType string) {
	if m != nil {
		m.jobsDone.WithLabelValues(jobType).Inc()
	}
}

// JobRetried implements jobs.Observer.
func (m *Metrics) JobRetried(jobType string) {
	if m != nil {
		m.jobsRetried.WithLabelValues(jobType).Inc()
	}
}

// JobDeadLettered implements jobs.Observer.
func (m *Metrics) JobDeadLettered(jobType string) {
	if m != nil {
		m.jobsDead.WithLabelValues(jobType).Inc()
	}
}
