// Package metrics exposes the engine's Prometheus counters and gauges:
// circuit breaker trips, shock classification outcomes, fill reconciliation
// sources, and exit executor attempts. Registered once at construction and
// served by the HTTP handler started in cmd/engine/main.go at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder owns every metric this engine exports. A nil *Recorder is valid:
// every method on it is a no-op, so callers that don't wire metrics (tests,
// one-off tools) never need a guard.
type Recorder struct {
	shocksDetected       *prometheus.CounterVec
	classifications      *prometheus.CounterVec
	cyclesTotal          *prometheus.CounterVec
	fillsTotal           *prometheus.CounterVec
	exitAttempts         *prometheus.CounterVec
	circuitBreakerTrips  *prometheus.CounterVec
	refillsTotal         prometheus.Counter
	sessionPnL           prometheus.Gauge
	openCycles           prometheus.Gauge
}

// New constructs and registers every metric against reg. Pass
// prometheus.NewRegistry() for an isolated registry (tests, multiple
// instances in one process) or prometheus.DefaultRegisterer for the normal
// single-process binary.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		shocksDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shockfade_shocks_detected_total",
			Help: "Shock candidates emitted by the detector, by direction.",
		}, []string{"direction"}),

		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shockfade_classifications_total",
			Help: "Shocks classified, by outcome (single_event|scoring_run|unclassified).",
		}, []string{"classification"}),

		cyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shockfade_cycles_total",
			Help: "Cycles reaching a terminal status.",
		}, []string{"status"}),

		fillsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shockfade_fills_total",
			Help: "Terminal order outcomes dispatched, by source (push|poll) and kind (filled|cancelled).",
		}, []string{"source", "kind"}),

		exitAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shockfade_exit_attempts_total",
			Help: "Exit executor placement attempts, by result (placed|retried|floor_fallback|failed).",
		}, []string{"result"}),

		circuitBreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shockfade_circuit_breaker_trips_total",
			Help: "Supervisor circuit breaker trips, by reason.",
		}, []string{"reason"}),

		refillsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shockfade_inventory_refills_total",
			Help: "Auto-refill split transactions submitted by the ledger.",
		}),

		sessionPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shockfade_session_pnl_usd",
			Help: "Running session PnL in USD.",
		}),

		openCycles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shockfade_open_cycles",
			Help: "Number of cycles currently open (not yet terminal).",
		}),
	}

	reg.MustRegister(
		r.shocksDetected, r.classifications, r.cyclesTotal, r.fillsTotal,
		r.exitAttempts, r.circuitBreakerTrips, r.refillsTotal, r.sessionPnL,
		r.openCycles,
	)
	return r
}

func (r *Recorder) ShockDetected(direction string) {
	if r == nil {
		return
	}
	r.shocksDetected.WithLabelValues(direction).Inc()
}

func (r *Recorder) Classified(classification string) {
	if r == nil {
		return
	}
	r.classifications.WithLabelValues(classification).Inc()
}

func (r *Recorder) CycleTerminated(status string) {
	if r == nil {
		return
	}
	r.cyclesTotal.WithLabelValues(status).Inc()
}

func (r *Recorder) FillDispatched(source, kind string) {
	if r == nil {
		return
	}
	r.fillsTotal.WithLabelValues(source, kind).Inc()
}

func (r *Recorder) ExitAttempt(result string) {
	if r == nil {
		return
	}
	r.exitAttempts.WithLabelValues(result).Inc()
}

func (r *Recorder) CircuitBreakerTripped(reason string) {
	if r == nil {
		return
	}
	r.circuitBreakerTrips.WithLabelValues(reason).Inc()
}

func (r *Recorder) RefillSubmitted() {
	if r == nil {
		return
	}
	r.refillsTotal.Inc()
}

func (r *Recorder) SetSessionPnL(v float64) {
	if r == nil {
		return
	}
	r.sessionPnL.Set(v)
}

func (r *Recorder) SetOpenCycles(n int) {
	if r == nil {
		return
	}
	r.openCycles.Set(float64(n))
}
