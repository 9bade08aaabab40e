package metrics

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	aiTokensIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_tokens_in",
			Help: "Sum of prompt (input) tokens per model.",
		},
		[]string{"model"},
	)

	aiTokensOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_tokens_out",
			Help: "Sum of completion (output) tokens per model.",
		},
		[]string{"model"},
	)

	aiTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_tokens_total",
			Help: "Sum of total tokens per model.",
		},
		[]string{"model"},
	)

	aiCallsLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_calls_latency_ms",
			Help:    "Model endpoint call latency distribution in milliseconds.",
			Buckets: []float64{10, 25, 50, 100, 200, 400, 800, 1600, 3000, 5000, 10000},
		},
		[]string{"model", "success"},
	)

	storeOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_ops_total",
			Help: "Conversation store operations by op and outcome.",
		},
		[]string{"op", "success"},
	)

	liveSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "store_live_subscriptions",
			Help: "Currently attached store change subscriptions.",
		},
	)

	sessionsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sessions_created_total",
			Help: "Sessions lazily created from drafts.",
		},
	)
)

// MustRegister registers collectors with the default registry (idempotent).
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(
			aiTokensIn, aiTokensOut, aiTokensTotal, aiCallsLatencyMs,
			storeOpsTotal, liveSubscriptions, sessionsCreatedTotal,
		)
	})
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// -------- Chat helpers --------

func ObserveGenerate(model string, tokensIn, tokensOut, tokensTotal int, latency time.Duration, success bool) {
	aiTokensIn.WithLabelValues(norm(model)).Add(float64(tokensIn))
	aiTokensOut.WithLabelValues(norm(model)).Add(float64(tokensOut))
	aiTokensTotal.WithLabelValues(norm(model)).Add(float64(tokensTotal))
	aiCallsLatencyMs.WithLabelValues(norm(model), strconv.FormatBool(success)).
		Observe(float64(latency.Milliseconds()))
}

func IncSessionCreated() {
	sessionsCreatedTotal.Inc()
}

// -------- Store helpers --------

func IncStoreOp(op string, success bool) {
	storeOpsTotal.WithLabelValues(norm(op), strconv.FormatBool(success)).Inc()
}

func SubscriptionAttached() { liveSubscriptions.Inc() }
func SubscriptionDetached() { liveSubscriptions.Dec() }
