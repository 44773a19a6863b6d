package job

import (
	"context"
	"fmt"
	"maps"

	"mash/internal/apperrors"
)

// transitions lists the statuses reachable from each status. Terminal
// statuses loop back to running only for recurring jobs; see canTransition.
var transitions = map[Status][]Status{
	StatusPrepared:  {StatusRunning, StatusFailed},
	StatusRunning:   {StatusSuccess, StatusFailed, StatusException},
	StatusSuccess:   {StatusRunning},
	StatusFailed:    {StatusRunning},
	StatusException: {StatusRunning},
}

func (j *Job) canTransition(to Status) bool {
	if j.status.Terminal() && !j.Recurring() {
		return false
	}
	for _, s := range transitions[j.status] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves the job to status to, or returns a conflict error if the
// state machine does not allow it.
func (j *Job) Transition(to Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transitionLocked(to)
}

func (j *Job) transitionLocked(to Status) error {
	if !j.canTransition(to) {
		return apperrors.Conflict("job", j.ID, fmt.Sprintf("job %s cannot move from %s to %s", j.ID, j.status, to))
	}
	j.status = to
	return nil
}

// Outcome is what an executor reports for one pass.
type Outcome struct {
	Status Status         // StatusSuccess or StatusFailed
	Error  string         // failure detail, logged and included in notifications
	Result map[string]any // fields forwarded to the next stage
}

// Executor runs the provider specific part of one pass. A returned error is
// an engine fault, not a business failure; the caller maps it to
// StatusException.
type Executor interface {
	Execute(ctx context.Context, j *Job) (Outcome, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, j *Job) (Outcome, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, j *Job) (Outcome, error) {
	return f(ctx, j)
}

// CredentialSkipper is implemented by executors that, for some jobs, run
// without a credential exchange.
type CredentialSkipper interface {
	SkipCredentials(j *Job) bool
}

// NeedsCredentials reports whether exec requires credentials for j.
func NeedsCredentials(exec Executor, j *Job) bool {
	if s, ok := exec.(CredentialSkipper); ok {
		return !s.SkipCredentials(j)
	}
	return true
}

// RunPass executes one pass: it moves the job to running, increments the
// pass counter, runs exec and records the outcome. On an executor error the
// job stays running and the error is returned for the caller to map with
// MarkException.
func (j *Job) RunPass(ctx context.Context, exec Executor) (Status, error) {
	j.mu.Lock()
	if err := j.transitionLocked(StatusRunning); err != nil {
		j.mu.Unlock()
		return j.Status(), err
	}
	j.iteration++
	j.result = nil
	j.lastError = ""
	j.mu.Unlock()

	out, err := exec.Execute(ctx, j)
	if err != nil {
		return StatusRunning, apperrors.Execution("job.pass", err)
	}
	if out.Status != StatusSuccess && out.Status != StatusFailed {
		return StatusRunning, apperrors.Execution("job.pass", fmt.Errorf("executor returned status %q", out.Status))
	}

	j.mu.Lock()
	j.result = maps.Clone(out.Result)
	j.lastError = out.Error
	err = j.transitionLocked(out.Status)
	j.mu.Unlock()
	if err != nil {
		return j.Status(), err
	}

	if out.Status == StatusSuccess {
		j.Log("Job finished successfully.", true)
	} else {
		msg := "Job failed."
		if out.Error != "" {
			msg = "Job failed: " + out.Error
		}
		j.Log(msg, false)
	}
	return out.Status, nil
}

// MarkException records an engine fault raised during a pass.
func (j *Job) MarkException(cause error) {
	j.mu.Lock()
	if j.status != StatusRunning {
		// The fault happened before the pass started.
		j.iteration++
		j.status = StatusRunning
	}
	j.status = StatusException
	j.lastError = cause.Error()
	j.mu.Unlock()

	j.Log(fmt.Sprintf("Exception: %v", cause), false)
}

// MarkUpstreamFailure records that a previous stage failed, so this stage
// never runs the pass.
func (j *Job) MarkUpstreamFailure(detail string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusPrepared {
		if !j.Recurring() || !j.status.Terminal() {
			return apperrors.Conflict("job", j.ID, fmt.Sprintf("job %s cannot record an upstream failure while %s", j.ID, j.status))
		}
	}
	j.status = StatusFailed
	j.lastError = detail
	return nil
}
