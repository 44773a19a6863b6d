package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"mash/internal/apperrors"
	"mash/internal/broker"
	"mash/internal/credentials"
	"mash/internal/job"
	"mash/internal/notify"
	"mash/internal/scheduler"
)

// handleServiceMessage processes job documents and deletions.
func (d *Driver) handleServiceMessage(del *broker.Delivery) {
	if d.closing.Load() {
		// Left unsettled; the broker redelivers it after reconnect.
		return
	}
	ctx, cancel := opContext()
	defer cancel()

	doc, err := decodeEnvelope(del.Body)
	if err != nil {
		d.logger.Error("Invalid job message", "error", err)
		d.recordMessage(del.Queue, outcomeInvalid)
		_ = del.Ack()
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case doc[jobDocumentKey(d.service)] != nil:
		cfg, ok := doc[jobDocumentKey(d.service)].(map[string]any)
		if !ok {
			d.rejectLocked(ctx, del.Exchange, "", []string{jobDocumentKey(d.service) + " must be an object"})
			d.recordMessage(del.Queue, outcomeInvalid)
			break
		}
		outcome := outcomeAccepted
		if err := d.createJob(ctx, cfg); err != nil {
			outcome = d.classifyCreateError(ctx, del.Exchange, cfg, err)
		}
		d.recordMessage(del.Queue, outcome)

	case doc[jobDeleteKey(d.service)] != nil:
		id, _ := doc[jobDeleteKey(d.service)].(string)
		if err := d.cancelLocked(ctx, id); err != nil {
			d.logger.Warn("Job deletion failed", "jobId", id, "error", err)
			d.recordMessage(del.Queue, outcomeIgnored)
			break
		}
		d.recordMessage(del.Queue, outcomeAccepted)

	default:
		d.logger.Error("Invalid job message, no known document key", "keys", slices.Sorted(maps.Keys(doc)))
		d.recordMessage(del.Queue, outcomeInvalid)
	}

	if err := del.Ack(); err != nil {
		d.logger.Warn("Failed to acknowledge message", "queue", del.Queue, "error", err)
	}
}

// classifyCreateError reports a rejected job document and returns the
// message outcome.
func (d *Driver) classifyCreateError(ctx context.Context, exchange string, cfg map[string]any, err error) string {
	id, _ := cfg[job.KeyID].(string)
	var problems *invalidError
	switch {
	case errors.As(err, &problems):
		d.rejectLocked(ctx, exchange, id, problems.problems)
		return outcomeInvalid
	case errors.Is(err, apperrors.ErrValidation):
		d.rejectLocked(ctx, exchange, id, []string{validationMessage(err)})
		return outcomeInvalid
	case errors.Is(err, apperrors.ErrConflict):
		d.logger.Info("Job already queued.", "jobId", id)
		return outcomeDuplicate
	default:
		d.logger.Error("Failed to create job", "jobId", id, "error", err)
		return outcomeFailed
	}
}

type invalidError struct{ problems []string }

func (e *invalidError) Error() string { return fmt.Sprintf("invalid job document: %v", e.problems) }

func validationMessage(err error) string {
	var ae *apperrors.Error
	if errors.As(err, &ae) && ae.Message != "" {
		return ae.Message
	}
	return err.Error()
}

// rejectLocked publishes an invalid config notice to the exchange the
// document arrived on.
func (d *Driver) rejectLocked(ctx context.Context, exchange, jobID string, problems []string) {
	if exchange == "" {
		exchange = d.service
	}
	d.logger.Error("Invalid job configuration", "jobId", jobID, "errors", problems)
	if err := d.publish(ctx, exchange, broker.InvalidConfigKey, invalidConfigNotice(d.service, jobID, problems)); err != nil {
		d.logger.Error("Failed to publish invalid config notice", "jobId", jobID, "error", err)
	}
}

// createJob validates cfg, adds the job to the table and persists it. The
// first stage starts the pass right away; later stages wait for the
// upstream result. Live documents and recovered snapshots both come here.
func (d *Driver) createJob(ctx context.Context, cfg map[string]any) error {
	if problems := d.validator.Validate(d.service, cfg); len(problems) > 0 {
		return &invalidError{problems: problems}
	}
	j, err := job.New(d.service, cfg)
	if err != nil {
		return err
	}
	if !d.registry.Supports(d.service, j.Provider) {
		return apperrors.Validation(job.KeyProvider, fmt.Sprintf("Provider %s is not supported.", j.Provider))
	}
	if _, exists := d.jobs[j.ID]; exists {
		return apperrors.Conflict("job", j.ID, "Job already queued.")
	}

	d.jobs[j.ID] = j
	d.recordActive(1)
	d.persist(ctx, j)
	d.logger.Info("Job queued", "jobId", j.ID, "provider", j.Provider, "utctime", j.UTCTime)

	if d.previous == "" {
		d.startPassLocked(ctx, j)
	}
	return nil
}

// handleListenerMessage processes results published by the previous stage.
// A successful result starts this stage's pass; its message stays
// unacknowledged until the pass outcome is published.
func (d *Driver) handleListenerMessage(del *broker.Delivery) {
	if d.closing.Load() {
		return
	}
	ctx, cancel := opContext()
	defer cancel()

	doc, err := decodeEnvelope(del.Body)
	var res *listenerResult
	if err == nil {
		res, err = parseListenerResult(d.previous, doc)
	}
	if err != nil {
		d.logger.Error("Invalid listener message", "error", err)
		d.recordMessage(del.Queue, outcomeInvalid)
		_ = del.Ack()
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	j, ok := d.jobs[res.ID]
	if !ok {
		d.logger.Warn("Listener message for unknown job", "jobId", res.ID)
		d.recordMessage(del.Queue, outcomeIgnored)
		_ = del.Ack()
		return
	}

	// A pass of a deleted job with the same id may still be draining; only
	// this job's own pass makes the message a duplicate.
	if d.sched.Scheduled(j.ID) || j.Status() == job.StatusRunning {
		d.logger.Info("Job already running. Received multiple listener messages.", "jobId", j.ID)
		d.recordMessage(del.Queue, outcomeDuplicate)
		_ = del.Ack()
		return
	}

	if res.Status != job.StatusSuccess {
		d.upstreamFailureLocked(ctx, j, res)
		d.recordMessage(del.Queue, outcomeAccepted)
		_ = del.Ack()
		return
	}

	j.Merge(res.Fields)
	d.persist(ctx, j)
	j.HoldListenerMsg(del)
	d.recordMessage(del.Queue, outcomeAccepted)
	d.startPassLocked(ctx, j)
}

// upstreamFailureLocked forwards a previous stage's failure unchanged and
// drops the job.
func (d *Driver) upstreamFailureLocked(ctx context.Context, j *job.Job, res *listenerResult) {
	detail := res.Error
	if detail == "" {
		detail = fmt.Sprintf("%s reported status %s", d.previous, res.Status)
	}
	if err := j.MarkUpstreamFailure(detail); err != nil {
		d.logger.Warn("Cannot record upstream failure", "jobId", j.ID, "error", err)
	}
	j.Log("Upstream failure: "+detail, false)

	if d.next != "" && !j.Terminal() {
		if err := d.publish(ctx, d.next, broker.ListenerMsgKey, map[string]any{resultKey(d.service): res.Raw}); err != nil {
			d.logger.Error("Failed to forward upstream failure", "jobId", j.ID, "error", err)
		}
	}
	d.notifyLocked(notify.OutcomeOf(j, d.cfg.JobLogFile(j.ID)))
	d.teardownLocked(ctx, j)
}

// startPassLocked schedules the job once credentials are available,
// requesting them first when the executor needs them.
func (d *Driver) startPassLocked(ctx context.Context, j *job.Job) {
	exec, err := d.registry.Lookup(d.service, j.Provider)
	if err != nil {
		d.logger.Error("No executor for job", "jobId", j.ID, "error", err)
		return
	}
	if job.NeedsCredentials(exec, j) && !j.HasCredentials() {
		d.requestCredentialsLocked(ctx, j)
		return
	}
	d.scheduleLocked(j)
}

// requestCredentialsLocked binds the job scoped response queue and
// publishes a signed request. Failures leave the job waiting for the next
// trigger.
func (d *Driver) requestCredentialsLocked(ctx context.Context, j *job.Job) {
	key := credentials.ResponseRoutingKey(d.service, j.ID)
	r := resource{exchange: d.cfg.CredentialsExchange, routingKey: key, queue: key}
	if !d.resources.has(j.ID, r) {
		name, err := d.topology.BindQueue(ctx, r.exchange, r.routingKey, r.queue)
		if err != nil {
			d.credentialFailure(j, "bind credentials queue", err)
			return
		}
		d.resources.add(j.ID, r)
		if err := d.topology.Consume(ctx, name, d.handleCredentialsMessage); err != nil {
			d.credentialFailure(j, "consume credentials queue", err)
			return
		}
	}

	token, err := d.codec.NewRequest(j.ID)
	if err != nil {
		d.credentialFailure(j, "sign credentials request", err)
		return
	}
	body, err := credentials.EncodeMessage(token)
	if err != nil {
		d.credentialFailure(j, "encode credentials request", err)
		return
	}
	if err := d.topology.Publish(ctx, d.cfg.CredentialsExchange, credentials.RequestRoutingKey(d.service), body); err != nil {
		d.credentialFailure(j, "publish credentials request", err)
		return
	}
	d.logger.Debug("Credentials requested", "jobId", j.ID)
}

// handleCredentialsMessage processes a credentials response. Invalid
// tokens are logged and dropped; the requester is not retried.
func (d *Driver) handleCredentialsMessage(del *broker.Delivery) {
	if d.closing.Load() {
		return
	}
	defer func() { _ = del.Ack() }()

	token, err := credentials.DecodeMessage(del.Body)
	if err != nil {
		d.logger.Error("Invalid credentials message", "queue", del.Queue, "error", err)
		d.recordMessage(del.Queue, outcomeInvalid)
		return
	}
	resp, err := d.codec.ParseResponse(token)
	if err != nil {
		d.logger.Error("Invalid credentials response token", "queue", del.Queue, "error", err)
		d.recordMessage(del.Queue, outcomeInvalid)
		d.recordCredentialFailure()
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	j, ok := d.jobs[resp.JobID]
	if !ok {
		d.logger.Warn("Credentials for unknown job", "jobId", resp.JobID)
		d.recordMessage(del.Queue, outcomeIgnored)
		return
	}
	creds, err := credentials.Open(d.ring, resp.Credentials)
	if err != nil {
		d.credentialFailure(j, "decrypt credentials", err)
		d.recordMessage(del.Queue, outcomeInvalid)
		return
	}

	j.SetCredentials(creds)
	d.recordMessage(del.Queue, outcomeAccepted)
	d.scheduleLocked(j)
}

func (d *Driver) credentialFailure(j *job.Job, op string, err error) {
	d.logger.Error("Credential acquisition failed", "jobId", j.ID, "op", op, "error", apperrors.Credential(op, err))
	d.recordCredentialFailure()
}

func (d *Driver) recordCredentialFailure() {
	if d.metrics != nil {
		d.metrics.RecordCredentialFailure(context.Background(), d.service)
	}
}

// scheduleLocked admits the job to the scheduler. A recurring job fires now
// and then every nonstop interval; others fire once at their start time.
func (d *Driver) scheduleLocked(j *job.Job) {
	var trigger scheduler.Trigger
	switch {
	case j.Recurring():
		trigger = scheduler.Interval(d.cfg.NonstopInterval, timeNow())
	default:
		if at, ok := j.StartTime(); ok {
			trigger = scheduler.Date(at)
		} else {
			trigger = scheduler.Now()
		}
	}

	exec, err := d.registry.Lookup(d.service, j.Provider)
	if err != nil {
		d.logger.Error("No executor for job", "jobId", j.ID, "error", err)
		return
	}

	err = d.sched.Add(j.ID, trigger, func(ctx context.Context) (any, error) {
		return d.runPass(ctx, j, exec)
	})
	switch {
	case errors.Is(err, scheduler.ErrConflictingID):
		d.logger.Info("Job already running. Received multiple listener messages.", "jobId", j.ID)
	case err != nil:
		d.logger.Error("Failed to schedule job", "jobId", j.ID, "error", err)
	default:
		d.logger.Debug("Job scheduled", "jobId", j.ID)
	}
}
