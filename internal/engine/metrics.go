package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "batchd",
			Subsystem: "engine",
			Name:      "requests_total",
			Help:      "Total number of requests submitted to the engine",
		},
		[]string{"kind"},
	)

	abortsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "batchd",
			Subsystem: "engine",
			Name:      "aborts_total",
			Help:      "Total number of caller-initiated aborts",
		},
	)

	validationErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "batchd",
			Subsystem: "engine",
			Name:      "validation_errors_total",
			Help:      "Requests rejected by the backend admission path",
		},
	)

	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "batchd",
			Subsystem: "engine",
			Name:      "step_duration_seconds",
			Help:      "Duration of one stage step (drain, schedule, execute, route)",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	batchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "batchd",
			Subsystem: "engine",
			Name:      "batch_size",
			Help:      "Number of sequences executed per step",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		},
		[]string{"stage"},
	)

	iterationTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "batchd",
			Subsystem: "engine",
			Name:      "iteration_timeouts_total",
			Help:      "Loop iterations that exceeded the iteration timeout",
		},
	)

	liveRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "batchd",
			Subsystem: "engine",
			Name:      "live_requests",
			Help:      "Requests currently tracked by the engine",
		},
	)

	loopState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "batchd",
			Subsystem: "engine",
			Name:      "loop_state",
			Help:      "1 for the current background loop state, 0 otherwise",
		},
		[]string{"state"},
	)
)

var allLoopStates = []LoopState{LoopNew, LoopIdle, LoopStepping, LoopDraining, LoopDead, LoopStopped}

func init() {
	prometheus.MustRegister(requestsTotal, abortsTotal, validationErrorsTotal, stepDuration,
		batchSize, iterationTimeoutsTotal, liveRequests, loopState)
}

func observeLoopState(s LoopState) {
	for _, st := range allLoopStates {
		v := 0.0
		if st == s {
			v = 1
		}
		loopState.WithLabelValues(string(st)).Set(v)
	}
}
