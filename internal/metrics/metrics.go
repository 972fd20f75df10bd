package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence", Name: "sessions_started_total", Help: "Attendance sessions started",
	})
	SessionsStopped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence", Name: "sessions_stopped_total", Help: "Attendance sessions stopped by a teacher",
	})
	SessionsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence", Name: "sessions_expired_total", Help: "Attendance sessions expired by TTL",
	})
	PipelineSteps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence", Name: "pipeline_steps_total", Help: "Verification step submissions",
	}, []string{"step", "outcome"})
	LedgerWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence", Name: "ledger_writes_total", Help: "Ledger record attempts",
	}, []string{"path", "result"})
	ProviderLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "presence", Name: "provider_latency_seconds", Help: "Capability provider call latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})
)

func init() {
	prometheus.MustRegister(SessionsStarted, SessionsStopped, SessionsExpired, PipelineSteps, LedgerWrites, ProviderLatency)
}

func Handler() http.Handler { return promhttp.Handler() }

func ObserveProvider(provider string, d time.Duration) {
	ProviderLatency.WithLabelValues(provider).Observe(d.Seconds())
}
