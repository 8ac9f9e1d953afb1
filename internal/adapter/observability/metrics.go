package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	AIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "Total number of AI requests by provider and operation",
		},
		[]string{"provider", "operation"},
	)
	AIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "AI request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"provider", "operation"},
	)
	AITokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_tokens_total",
			Help: "Total tokens billed to agent turns",
		},
		[]string{"kind"},
	)

	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Total number of jobs submitted",
		},
		[]string{"mode"},
	)
	JobsClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_claimed_total",
			Help: "Total number of queue claims by mode",
		},
		[]string{"mode"},
	)
	JobsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_running",
			Help: "Number of jobs currently held by this process",
		},
		[]string{"mode"},
	)
	JobsFinalizedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_finalized_total",
			Help: "Total number of jobs finalized by terminal status",
		},
		[]string{"mode", "status"},
	)
	JobsRequeuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_requeued_total",
			Help: "Total number of stale claims returned to the queue",
		},
	)
	JobStepsHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_steps_used",
			Help:    "Distribution of steps consumed by finalized jobs",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		},
		[]string{"mode"},
	)

	EventsAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_appended_total",
			Help: "Total ledger events appended by kind",
		},
		[]string{"kind"},
	)
	BusOverflowTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_overflow_total",
			Help: "Total envelopes dropped because a subscriber queue was full",
		},
	)
	StreamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_subscribers",
			Help: "Number of currently connected stream subscribers",
		},
	)

	CircuitBreakerStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)
	EvaluationScoreDrift = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "evaluation_score_drift",
			Help: "Absolute drift of the windowed evaluation score average from baseline",
		},
		[]string{"axis"},
	)
	EvaluationScores = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evaluation_scores",
			Help:    "Distribution of evaluation scores per axis ([0,1])",
			Buckets: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
		[]string{"axis"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(AIRequestsTotal)
	prometheus.MustRegister(AIRequestDuration)
	prometheus.MustRegister(AITokensTotal)
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsClaimedTotal)
	prometheus.MustRegister(JobsRunning)
	prometheus.MustRegister(JobsFinalizedTotal)
	prometheus.MustRegister(JobsRequeuedTotal)
	prometheus.MustRegister(JobStepsHistogram)
	prometheus.MustRegister(EventsAppendedTotal)
	prometheus.MustRegister(BusOverflowTotal)
	prometheus.MustRegister(StreamSubscribers)
	prometheus.MustRegister(CircuitBreakerStateGauge)
	prometheus.MustRegister(EvaluationScoreDrift)
	prometheus.MustRegister(EvaluationScores)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func SubmitJob(mode string) {
	JobsSubmittedTotal.WithLabelValues(mode).Inc()
}

func ClaimJob(mode string) {
	JobsClaimedTotal.WithLabelValues(mode).Inc()
	JobsRunning.WithLabelValues(mode).Inc()
}

// ReleaseJob balances ClaimJob when the runner lets go of a claim for any
// reason, finalize or abandon alike.
func ReleaseJob(mode string) {
	JobsRunning.WithLabelValues(mode).Dec()
}

func FinalizeJob(mode, status string, stepsUsed int) {
	JobsFinalizedTotal.WithLabelValues(mode, status).Inc()
	JobStepsHistogram.WithLabelValues(mode).Observe(float64(stepsUsed))
}

func AppendEvent(kind string) {
	EventsAppendedTotal.WithLabelValues(kind).Inc()
}

// ObserveAITokens records billed token counts split by prompt/completion.
func ObserveAITokens(prompt, completion int) {
	AITokensTotal.WithLabelValues("prompt").Add(float64(prompt))
	AITokensTotal.WithLabelValues("completion").Add(float64(completion))
}

// ObserveEvaluation records the axis scores of one finalized job.
func ObserveEvaluation(correctness, efficiency, honesty, safety float64) {
	EvaluationScores.WithLabelValues("correctness").Observe(correctness)
	EvaluationScores.WithLabelValues("efficiency").Observe(efficiency)
	EvaluationScores.WithLabelValues("honesty").Observe(honesty)
	EvaluationScores.WithLabelValues("safety").Observe(safety)
}
