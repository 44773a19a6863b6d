package job

import (
	"fmt"
	"slices"

	"mash/internal/apperrors"
)

// Provider identifies the cloud a job publishes to.
type Provider string

// Supported providers.
const (
	EC2   Provider = "ec2"
	Azure Provider = "azure"
	GCE   Provider = "gce"
	OCI   Provider = "oci"
)

// Providers lists every provider the pipeline knows about.
var Providers = []Provider{EC2, Azure, GCE, OCI}

// ParseProvider validates a provider name.
func ParseProvider(s string) (Provider, error) {
	p := Provider(s)
	if !slices.Contains(Providers, p) {
		return "", apperrors.Validation("provider", fmt.Sprintf("Provider %s is not supported.", s))
	}
	return p, nil
}

// Status is the outcome of the latest pass.
type Status string

// Status constants
const (
	StatusPrepared  Status = "prepared"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusException Status = "exception"
)

// Terminal reports whether s ends a pass.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusException
}

// Special utctime values.
const (
	UTCNow    = "now"
	UTCAlways = "always"
)

// Notification types.
const (
	NotifySingle   = "single"
	NotifyPeriodic = "periodic"
)

// Configuration keys the core reads. Everything else in a job document is
// provider specific and passed through untouched.
const (
	KeyID                = "id"
	KeyProvider          = "provider"
	KeyUTCTime           = "utctime"
	KeyLastService       = "last_service"
	KeyStatus            = "status"
	KeyIterationCount    = "iteration_count"
	KeyNotificationEmail = "notification_email"
	KeyNotificationType  = "notification_type"
	KeyJobFile           = "job_file"
	KeyErrorMsg          = "error_msg"
)

// Summary is the externally visible state of a job.
type Summary struct {
	ID             string `json:"id"`
	Provider       string `json:"provider"`
	Service        string `json:"service"`
	LastService    string `json:"last_service,omitempty"`
	UTCTime        string `json:"utctime"`
	Status         string `json:"status"`
	IterationCount int    `json:"iteration_count"`
	JobFile        string `json:"job_file,omitempty"`
}

// ListResponse represents the response for listing jobs
type ListResponse struct {
	Jobs []Summary `json:"jobs"`
}
