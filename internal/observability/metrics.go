package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the instruments of one pipeline stage process:
// - Latency: pass and HTTP request durations
// - Traffic: passes, messages and notifications
// - Errors: failed passes, credential failures, dropped log records
// - Saturation: jobs in the table
type Metrics struct {
	meter metric.Meter

	// HTTP metrics
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Pipeline metrics
	PassDuration       metric.Float64Histogram
	PassesTotal        metric.Int64Counter
	JobsActive         metric.Int64UpDownCounter
	TriggerSkipped     metric.Int64Counter
	MessagesTotal      metric.Int64Counter
	CredentialFailures metric.Int64Counter

	// Delivery metrics
	NotificationsTotal metric.Int64Counter
	LogRecordsDropped  metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("mash")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Pipeline metrics
	m.PassDuration, err = meter.Float64Histogram(
		"mash_job_pass_duration_seconds",
		metric.WithDescription("Job pass duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PassesTotal, err = meter.Int64Counter(
		"mash_job_passes_total",
		metric.WithDescription("Total number of finished job passes"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"mash_jobs_active",
		metric.WithDescription("Number of jobs in the job table (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TriggerSkipped, err = meter.Int64Counter(
		"mash_trigger_skipped_total",
		metric.WithDescription("Interval firings dropped because the previous pass was still running"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.MessagesTotal, err = meter.Int64Counter(
		"mash_messages_total",
		metric.WithDescription("Consumed broker messages by queue and outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CredentialFailures, err = meter.Int64Counter(
		"mash_credential_failures_total",
		metric.WithDescription("Credential requests or responses that failed"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Delivery metrics
	m.NotificationsTotal, err = meter.Int64Counter(
		"mash_notifications_total",
		metric.WithDescription("Notification emails by delivery outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.LogRecordsDropped, err = meter.Int64Counter(
		"mash_log_records_dropped_total",
		metric.WithDescription("Log records not forwarded to the broker"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordPass records a finished pass.
func (m *Metrics) RecordPass(ctx context.Context, service, provider, status string, durationSeconds float64) {
	attrs := metric.WithAttributes(serviceAttr(service), providerAttr(provider), attribute.String(attrStatus, status))
	m.PassDuration.Record(ctx, durationSeconds, attrs)
	m.PassesTotal.Add(ctx, 1, attrs)
}

// RecordTriggerSkipped records an interval firing dropped by the
// single-flight guard.
func (m *Metrics) RecordTriggerSkipped(ctx context.Context, service string) {
	m.TriggerSkipped.Add(ctx, 1, WithService(service))
}

// RecordMessage records a consumed message.
func (m *Metrics) RecordMessage(ctx context.Context, queue, outcome string) {
	m.MessagesTotal.Add(ctx, 1, metric.WithAttributes(queueAttr(queue), outcomeAttr(outcome)))
}

// RecordCredentialFailure records a failed credential exchange.
func (m *Metrics) RecordCredentialFailure(ctx context.Context, service string) {
	m.CredentialFailures.Add(ctx, 1, WithService(service))
}

// RecordJobsActive adjusts the job table gauge.
func (m *Metrics) RecordJobsActive(ctx context.Context, service string, delta int64) {
	m.JobsActive.Add(ctx, delta, WithService(service))
}

// RecordNotification records the delivery outcome of one email.
func (m *Metrics) RecordNotification(ctx context.Context, outcome string) {
	m.NotificationsTotal.Add(ctx, 1, WithOutcome(outcome))
}

// RecordLogDropped records a log record the broker handler could not forward.
func (m *Metrics) RecordLogDropped(ctx context.Context) {
	m.LogRecordsDropped.Add(ctx, 1)
}
