package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the Kora fee-payer gateway.
type Metrics struct {
	// RPC method metrics (signTransaction, signAndSendTransaction, estimateTransactionFee, ...)
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestErrors   *prometheus.CounterVec

	// Signer pool metrics
	SignerSelectionsTotal *prometheus.CounterVec
	SignerErrorsTotal     *prometheus.CounterVec

	// Fee estimation / payment metrics
	FeeEstimatesTotal     *prometheus.CounterVec
	FeePaymentAmountTotal *prometheus.CounterVec

	// Usage limiter metrics
	UsageLimitRejectionsTotal *prometheus.CounterVec

	// Cache / RPC facade metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
	RPCCallsTotal    *prometheus.CounterVec
	RPCCallDuration  *prometheus.HistogramVec
	RPCErrorsTotal   *prometheus.CounterVec

	// Pricing oracle metrics
	OracleCallsTotal   *prometheus.CounterVec
	OracleCallDuration *prometheus.HistogramVec

	// Bundle processing metrics
	BundlesProcessedTotal *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kora_requests_total",
				Help: "Total number of JSON-RPC requests by method",
			},
			[]string{"method", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kora_request_duration_seconds",
				Help:    "Time taken to process a JSON-RPC request (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method"},
		),
		RequestErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kora_request_errors_total",
				Help: "Total number of JSON-RPC requests that returned an error, by error code",
			},
			[]string{"method", "error_code"},
		),

		SignerSelectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kora_signer_selections_total",
				Help: "Total number of times a signer was selected from the pool",
			},
			[]string{"signer", "strategy"},
		),
		SignerErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kora_signer_errors_total",
				Help: "Total number of signer failures recorded against the pool",
			},
			[]string{"signer"},
		),

		FeeEstimatesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kora_fee_estimates_total",
				Help: "Total number of fee estimates produced",
			},
			[]string{"message_version"},
		),
		FeePaymentAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kora_fee_payment_amount_total",
				Help: "Total value of verified fee payments, in each mint's atomic units",
			},
			[]string{"mint"},
		),

		UsageLimitRejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kora_usage_limit_rejections_total",
				Help: "Total number of requests denied by the per-wallet usage limiter",
			},
			[]string{"rule"},
		),

		CacheHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kora_cache_hits_total",
				Help: "Total number of cache hits in the cache/RPC facade",
			},
			[]string{"resource"},
		),
		CacheMissesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kora_cache_misses_total",
				Help: "Total number of cache misses in the cache/RPC facade",
			},
			[]string{"resource"},
		),
		RPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kora_rpc_calls_total",
				Help: "Total number of upstream Solana RPC calls",
			},
			[]string{"method"},
		),
		RPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kora_rpc_call_duration_seconds",
				Help:    "Duration of upstream Solana RPC calls",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method"},
		),
		RPCErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kora_rpc_errors_total",
				Help: "Total number of upstream Solana RPC errors",
			},
			[]string{"method", "error_type"},
		),

		OracleCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kora_oracle_calls_total",
				Help: "Total number of pricing oracle calls",
			},
			[]string{"source", "status"},
		),
		OracleCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kora_oracle_call_duration_seconds",
				Help:    "Duration of pricing oracle calls",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"source"},
		),

		BundlesProcessedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kora_bundles_processed_total",
				Help: "Total number of transaction bundles processed",
			},
			[]string{"status"},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kora_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"limit_type", "identifier"},
		),
	}
}

// ObserveRequest records a completed JSON-RPC request.
func (m *Metrics) ObserveRequest(method string, duration time.Duration, errCode string) {
	status := "ok"
	if errCode != "" {
		status = "error"
		m.RequestErrors.WithLabelValues(method, errCode).Inc()
	}
	m.RequestsTotal.WithLabelValues(method, status).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// ObserveSignerSelection records a signer pool selection.
func (m *Metrics) ObserveSignerSelection(signer, strategy string) {
	m.SignerSelectionsTotal.WithLabelValues(signer, strategy).Inc()
}

// ObserveSignerError records a signer failure.
func (m *Metrics) ObserveSignerError(signer string) {
	m.SignerErrorsTotal.WithLabelValues(signer).Inc()
}

// ObserveFeeEstimate records a fee estimate by message version ("legacy" or "v0").
func (m *Metrics) ObserveFeeEstimate(messageVersion string) {
	m.FeeEstimatesTotal.WithLabelValues(messageVersion).Inc()
}

// ObserveFeePayment records the atomic value of a verified fee payment.
func (m *Metrics) ObserveFeePayment(mint string, atomicAmount uint64) {
	m.FeePaymentAmountTotal.WithLabelValues(mint).Add(float64(atomicAmount))
}

// ObserveUsageLimitRejection records a usage-limiter denial.
func (m *Metrics) ObserveUsageLimitRejection(rule string) {
	m.UsageLimitRejectionsTotal.WithLabelValues(rule).Inc()
}

// ObserveCache records a cache lookup outcome for the given resource kind
// ("account", "blockhash", "lookup_table").
func (m *Metrics) ObserveCache(resource string, hit bool) {
	if hit {
		m.CacheHitsTotal.WithLabelValues(resource).Inc()
		return
	}
	m.CacheMissesTotal.WithLabelValues(resource).Inc()
}

// ObserveRPCCall records an upstream Solana RPC call.
func (m *Metrics) ObserveRPCCall(method string, duration time.Duration, err error) {
	m.RPCCallsTotal.WithLabelValues(method).Inc()
	m.RPCCallDuration.WithLabelValues(method).Observe(duration.Seconds())

	if err != nil {
		errorType := classifyError(err.Error())
		m.RPCErrorsTotal.WithLabelValues(method, errorType).Inc()
	}
}

// ObserveOracleCall records a pricing oracle call.
func (m *Metrics) ObserveOracleCall(source string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.OracleCallsTotal.WithLabelValues(source, status).Inc()
	m.OracleCallDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveBundle records a processed bundle outcome.
func (m *Metrics) ObserveBundle(status string) {
	m.BundlesProcessedTotal.WithLabelValues(status).Inc()
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType, identifier string) {
	m.RateLimitHitsTotal.WithLabelValues(limitType, identifier).Inc()
}

func classifyError(errStr string) string {
	errStr = strings.ToLower(errStr)
	switch {
	case strings.Contains(errStr, "timeout"):
		return "timeout"
	case strings.Contains(errStr, "rate limit"):
		return "rate_limit"
	case strings.Contains(errStr, "connection"):
		return "connection"
	case strings.Contains(errStr, "not found"):
		return "not_found"
	default:
		return "other"
	}
}
