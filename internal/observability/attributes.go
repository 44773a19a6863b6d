// Package observability provides metrics and log forwarding utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrMethod   = "method"
	attrPath     = "path"
	attrStatus   = "status"
	attrService  = "service"
	attrProvider = "provider"
	attrQueue    = "queue"
	attrOutcome  = "outcome"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with IDs to reduce cardinality
	// /v1/jobs/abc123 -> /v1/jobs/{id}
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func serviceAttr(service string) attribute.KeyValue {
	return attribute.String(attrService, service)
}

func providerAttr(provider string) attribute.KeyValue {
	return attribute.String(attrProvider, provider)
}

func queueAttr(queue string) attribute.KeyValue {
	// Job scoped credential queues would explode cardinality.
	if strings.HasPrefix(queue, "credentials.") && !strings.Contains(queue, ".request.") {
		queue = "credentials.{job}"
	}
	return attribute.String(attrQueue, queue)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

// normalizePath replaces dynamic path segments with placeholders.
func normalizePath(path string) string {
	const prefix = "/v1/jobs/"
	if len(path) > len(prefix) && strings.HasPrefix(path, prefix) {
		return "/v1/jobs/{id}"
	}
	return path
}

// WithService returns a metric option with the service attribute.
func WithService(service string) metric.MeasurementOption {
	return metric.WithAttributes(serviceAttr(service))
}

// WithOutcome returns a metric option with the outcome attribute.
func WithOutcome(outcome string) metric.MeasurementOption {
	return metric.WithAttributes(outcomeAttr(outcome))
}
