package local

import "github.com/prometheus/client_golang/prometheus"

var (
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "batchd",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Sequences per stage and queue (waiting or running)",
		},
		[]string{"stage", "queue"},
	)

	ignoredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "batchd",
			Subsystem: "scheduler",
			Name:      "ignored_total",
			Help:      "Requests dropped because the prompt exceeds the model context",
		},
	)

	generatedTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "batchd",
			Subsystem: "scheduler",
			Name:      "generated_tokens_total",
			Help:      "Tokens produced, by stage",
		},
		[]string{"stage"},
	)
)

func init() {
	prometheus.MustRegister(queueDepth, ignoredTotal, generatedTokensTotal)
}
