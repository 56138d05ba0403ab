// Package metrics exposes scheduler and executor counters to Prometheus.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/RezaEskandarii/gofleet/internal/state"
)

const namespace = "gofleet"

type Collector struct {
	claimsWon        prometheus.Counter
	claimsLost       prometheus.Counter
	reclaimed        prometheus.Counter
	dispatched       prometheus.Counter
	dispatchConflict prometheus.Counter
	admissionDenied  prometheus.Counter
	interrupted      prometheus.Counter
	finished         *prometheus.CounterVec
	runDuration      prometheus.Histogram
	running          prometheus.Gauge
}

// NewCollector creates the collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		claimsWon: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_won_total",
			Help:      "Schedule records claimed by this process",
		}),
		claimsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_lost_total",
			Help:      "Claim attempts lost to another scheduler",
		}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_reclaimed_total",
			Help:      "Claims taken back from processes presumed dead",
		}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_dispatched_total",
			Help:      "Task instances created from due schedules",
		}),
		dispatchConflict: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_conflicts_total",
			Help:      "Dispatches dropped because the record changed underneath",
		}),
		admissionDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_denied_total",
			Help:      "Instances left queued because every slot was busy",
		}),
		interrupted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_interrupted_total",
			Help:      "Instances interrupted because their executor died",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_finished_total",
			Help:      "Instances that reached a final status",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "instance_run_seconds",
			Help:      "Wall time of task handler runs",
			Buckets:   prometheus.DefBuckets,
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances_running",
			Help:      "Instances currently holding an admission slot",
		}),
	}

	reg.MustRegister(
		c.claimsWon,
		c.claimsLost,
		c.reclaimed,
		c.dispatched,
		c.dispatchConflict,
		c.admissionDenied,
		c.interrupted,
		c.finished,
		c.runDuration,
		c.running,
	)

	return c
}

func (c *Collector) RecordClaim(won bool) {
	if c == nil {
		return
	}
	if won {
		c.claimsWon.Inc()
	} else {
		c.claimsLost.Inc()
	}
}

func (c *Collector) RecordReclaimed(n int) {
	if c == nil {
		return
	}
	c.reclaimed.Add(float64(n))
}

func (c *Collector) RecordDispatch(ok bool) {
	if c == nil {
		return
	}
	if ok {
		c.dispatched.Inc()
	} else {
		c.dispatchConflict.Inc()
	}
}

func (c *Collector) RecordAdmissionDenied() {
	if c == nil {
		return
	}
	c.admissionDenied.Inc()
}

func (c *Collector) RecordInterrupted(n int64) {
	if c == nil {
		return
	}
	c.interrupted.Add(float64(n))
}

// RecordFinished counts a final status and the handler's run time.
func (c *Collector) RecordFinished(status state.Status, seconds float64) {
	if c == nil {
		return
	}
	c.finished.WithLabelValues(status.String()).Inc()
	c.runDuration.Observe(seconds)
}

func (c *Collector) SetRunning(n int) {
	if c == nil {
		return
	}
	c.running.Set(float64(n))
}
