package provider

import (
	"context"

	"mash/internal/job"
)

// Noop succeeds immediately and never needs credentials.
type Noop struct {
	Message string
}

// Execute implements job.Executor.
func (n Noop) Execute(_ context.Context, j *job.Job) (job.Outcome, error) {
	if n.Message != "" {
		j.Log(n.Message, true)
	}
	return job.Outcome{Status: job.StatusSuccess}, nil
}

// SkipCredentials implements job.CredentialSkipper.
func (Noop) SkipCredentials(*job.Job) bool { return true }
