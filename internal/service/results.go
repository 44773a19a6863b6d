package service

import (
	"context"
	"time"

	"mash/internal/broker"
	"mash/internal/job"
	"mash/internal/notify"
	"mash/internal/scheduler"
	"mash/pkg/backoff"
)

var timeNow = time.Now

// Result publication retries before the pass is left for redelivery.
var (
	publishAttempts = 4
	publishBackoff  = backoff.Config{Initial: 200 * time.Millisecond, Max: 2 * time.Second, Jitter: 0.2}
)

// passOutcome is what one pass leaves behind, captured by the goroutine
// that ran it. The result loop works from it instead of the live job, which
// a later pass or a job with the same id may already be using.
type passOutcome struct {
	job    *job.Job
	status job.Status
	result map[string]any
	notice notify.Outcome
}

// runPass executes one pass of j and captures its outcome.
func (d *Driver) runPass(ctx context.Context, j *job.Job, exec job.Executor) (any, error) {
	status, err := j.RunPass(ctx, exec)
	if err != nil {
		j.MarkException(err)
		status = job.StatusException
	}
	return passOutcome{
		job:    j,
		status: status,
		result: resultMessage(d.service, j),
		notice: notify.OutcomeOf(j, d.cfg.JobLogFile(j.ID)),
	}, err
}

// resultLoop turns scheduler events into result publication, notification
// and teardown. It ends when the scheduler closes its events channel.
func (d *Driver) resultLoop() {
	defer close(d.loopDone)
	for ev := range d.sched.Events() {
		d.processEvent(ev)
	}
}

func (d *Driver) processEvent(ev scheduler.Event) {
	if ev.Kind == scheduler.EventSkipped {
		d.logger.Info("Pass skipped, previous pass still running", "jobId", ev.JobID)
		if d.metrics != nil {
			d.metrics.RecordTriggerSkipped(context.Background(), d.service)
		}
		return
	}
	out, ok := ev.Value.(passOutcome)
	if !ok {
		d.logger.Error("Pass ended without an outcome", "jobId", ev.JobID, "error", ev.Err)
		return
	}

	ctx, cancel := opContext()
	defer cancel()

	d.mu.Lock()
	defer d.mu.Unlock()

	j := out.job
	if d.jobs[ev.JobID] != j {
		// Deleted, and possibly resubmitted, while the pass was running.
		d.logger.Info("Discarding result of deleted job", "jobId", ev.JobID)
		return
	}

	if ev.Err != nil {
		d.logger.Error("Pass raised an exception", "jobId", j.ID, "iteration", out.notice.IterationCount, "error", ev.Err)
	}
	if d.metrics != nil {
		d.metrics.RecordPass(ctx, d.service, string(j.Provider), string(out.status), ev.Duration.Seconds())
	}

	if d.next != "" && !j.Terminal() && (!j.Recurring() || out.status == job.StatusSuccess) {
		if err := d.publishResult(ctx, j, out.result); err != nil {
			d.logger.Error("Failed to publish job result, leaving it for redelivery", "jobId", j.ID, "error", err)
			d.persist(ctx, j)
			if !j.Recurring() {
				d.releaseLocked(ctx, j)
			}
			return
		}
	}

	d.notifyLocked(out.notice)

	if err := j.AckListenerMsg(); err != nil {
		d.logger.Warn("Failed to acknowledge listener message", "jobId", j.ID, "error", err)
	}

	if j.Recurring() {
		d.persist(ctx, j)
		return
	}
	d.teardownLocked(ctx, j)
}

// publishResult forwards a pass result to the next stage, retrying
// transient broker failures.
func (d *Driver) publishResult(ctx context.Context, j *job.Job, doc map[string]any) error {
	return backoff.Retry(ctx, publishAttempts, &publishBackoff, func(attempt int) error {
		err := d.publish(ctx, d.next, broker.ListenerMsgKey, doc)
		if err != nil && attempt < publishAttempts {
			d.logger.Warn("Result publish failed, retrying", "jobId", j.ID, "attempt", attempt, "error", err)
		}
		return err
	})
}

func (d *Driver) notifyLocked(o notify.Outcome) {
	if d.notifier == nil {
		return
	}
	d.notifier.Notify(o)
}
