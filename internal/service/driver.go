// Package service is the pipeline driver of one stage. It consumes job
// documents and upstream results, creates and persists jobs, obtains their
// credentials, schedules their passes and publishes the outcome downstream.
//
// All job table mutations happen under one mutex, whether they come from
// the broker delivery goroutine, the scheduler result loop or the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mash/internal/apperrors"
	"mash/internal/broker"
	"mash/internal/config"
	"mash/internal/credentials"
	"mash/internal/job"
	"mash/internal/notify"
	"mash/internal/provider"
	"mash/internal/scheduler"
	"mash/internal/schema"
	"mash/internal/store"
)

// Notifier receives the outcome of every finished pass.
type Notifier interface {
	Notify(o notify.Outcome) bool
	Close(ctx context.Context) error
}

// MetricsRecorder is an optional interface for recording driver metrics.
type MetricsRecorder interface {
	RecordPass(ctx context.Context, service, provider, status string, durationSeconds float64)
	RecordTriggerSkipped(ctx context.Context, service string)
	RecordMessage(ctx context.Context, queue, outcome string)
	RecordCredentialFailure(ctx context.Context, service string)
	RecordJobsActive(ctx context.Context, service string, delta int64)
}

// Message outcomes reported to MetricsRecorder.
const (
	outcomeAccepted  = "accepted"
	outcomeInvalid   = "invalid"
	outcomeDuplicate = "duplicate"
	outcomeIgnored   = "ignored"
	outcomeFailed    = "failed"
)

// Options wires a Driver. Metrics and Scheduler are optional.
type Options struct {
	Service   string
	Config    *config.Config
	Topology  broker.Topology
	Store     store.Store
	Registry  *provider.Registry
	Validator *schema.Validator
	Codec     *credentials.Codec
	KeyRing   *credentials.KeyRing
	Notifier  Notifier
	Metrics   MetricsRecorder
	Scheduler *scheduler.Scheduler
}

// Driver runs one pipeline stage.
type Driver struct {
	service  string
	previous string
	next     string
	cfg      *config.Config

	topology  broker.Topology
	store     store.Store
	registry  *provider.Registry
	validator *schema.Validator
	codec     *credentials.Codec
	ring      *credentials.KeyRing
	notifier  Notifier
	metrics   MetricsRecorder
	sched     *scheduler.Scheduler
	logger    *slog.Logger

	mu        sync.Mutex
	jobs      map[string]*job.Job
	resources *arena

	started  atomic.Bool
	closing  atomic.Bool
	loopDone chan struct{}
}

// New validates opts and builds a driver. Nothing touches the broker until
// Start.
func New(opts Options) (*Driver, error) {
	switch {
	case opts.Config == nil:
		return nil, errors.New("config is required")
	case opts.Topology == nil:
		return nil, errors.New("topology is required")
	case opts.Store == nil:
		return nil, errors.New("store is required")
	case opts.Registry == nil:
		return nil, errors.New("provider registry is required")
	case opts.Validator == nil:
		return nil, errors.New("schema validator is required")
	case opts.Codec == nil || opts.KeyRing == nil:
		return nil, errors.New("credential codec and key ring are required")
	}
	if !opts.Config.HasService(opts.Service) {
		return nil, apperrors.Validation("service", fmt.Sprintf("service %q is not one of %s", opts.Service, strings.Join(opts.Config.Services, ", ")))
	}

	previous, _ := opts.Config.PreviousService(opts.Service)
	next, _ := opts.Config.NextService(opts.Service)

	sched := opts.Scheduler
	if sched == nil {
		sched = scheduler.New(scheduler.WithLogger(slog.With("component", "scheduler", "service", opts.Service)))
	}

	return &Driver{
		service:   opts.Service,
		previous:  previous,
		next:      next,
		cfg:       opts.Config,
		topology:  opts.Topology,
		store:     opts.Store,
		registry:  opts.Registry,
		validator: opts.Validator,
		codec:     opts.Codec,
		ring:      opts.KeyRing,
		notifier:  opts.Notifier,
		metrics:   opts.Metrics,
		sched:     sched,
		logger:    slog.With("component", "service", "service", opts.Service),
		jobs:      make(map[string]*job.Job),
		resources: newArena(),
		loopDone:  make(chan struct{}),
	}, nil
}

// Service returns the stage name.
func (d *Driver) Service() string { return d.service }

// Start declares the topology, replays persisted jobs and begins consuming.
// Any error is a startup fault.
func (d *Driver) Start(ctx context.Context) error {
	if d.started.Swap(true) {
		return errors.New("driver already started")
	}

	if err := d.declare(ctx); err != nil {
		return err
	}

	go d.resultLoop()
	d.sched.Start()

	if err := d.recover(ctx); err != nil {
		return err
	}

	if err := d.topology.Consume(ctx, broker.QueueName(d.service, broker.ServiceQueue), d.handleServiceMessage); err != nil {
		return fmt.Errorf("consume service queue: %w", err)
	}
	if d.previous != "" {
		if err := d.topology.Consume(ctx, broker.QueueName(d.service, broker.ListenerQueue), d.handleListenerMessage); err != nil {
			return fmt.Errorf("consume listener queue: %w", err)
		}
	}

	d.logger.Info("Pipeline driver started", "previous", d.previous, "next", d.next)
	return nil
}

// declare creates the queues this stage consumes and the bindings its
// mandatory publishes rely on, so that those stay routable while peers are
// down.
func (d *Driver) declare(ctx context.Context) error {
	type bind struct{ exchange, key, queue string }
	binds := []bind{
		{d.service, broker.JobDocumentKey, broker.ServiceQueue},
		{d.service, broker.ListenerMsgKey, broker.ListenerQueue},
		{d.service, broker.InvalidConfigKey, broker.InvalidConfigQueue},
		{d.cfg.CredentialsExchange, credentials.RequestRoutingKey(d.service), credentials.RequestRoutingKey(d.service)},
	}
	if d.next != "" {
		binds = append(binds, bind{d.next, broker.ListenerMsgKey, broker.ListenerQueue})
	}

	for _, ex := range []string{d.service, d.cfg.CredentialsExchange} {
		if err := d.topology.DeclareExchange(ctx, ex); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex, err)
		}
	}
	for _, b := range binds {
		if _, err := d.topology.BindQueue(ctx, b.exchange, b.key, b.queue); err != nil {
			return fmt.Errorf("bind %s to %s: %w", b.queue, b.exchange, err)
		}
	}
	return nil
}

// recover replays every persisted snapshot through the same path as a live
// job document.
func (d *Driver) recover(ctx context.Context) error {
	pending, err := d.store.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, cfg := range pending {
		if err := d.createJob(ctx, cfg); err != nil {
			id, _ := cfg[job.KeyID].(string)
			d.logger.Warn("Failed to restore job", "jobId", id, "error", err)
		}
	}
	if len(pending) > 0 {
		d.logger.Info("Restored jobs", "count", len(d.jobs))
	}
	return nil
}

// Shutdown stops accepting messages, waits for running passes up to the
// context deadline, then closes notifications and the broker.
func (d *Driver) Shutdown(ctx context.Context) error {
	if d.closing.Swap(true) {
		return nil
	}
	d.logger.Info("Pipeline driver shutting down")

	var errs []error
	if err := d.sched.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}
	if d.started.Load() {
		select {
		case <-d.loopDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("wait for results: %w", ctx.Err()))
		}
	}
	if d.notifier != nil {
		if err := d.notifier.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close notifier: %w", err))
		}
	}
	if err := d.topology.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close broker: %w", err))
	}
	return errors.Join(errs...)
}

// Ready reports whether the driver accepts work.
func (d *Driver) Ready(ctx context.Context) error {
	if d.closing.Load() {
		return errors.New("shutting down")
	}
	return d.topology.Ready(ctx)
}

// List returns every job in the table, sorted by id.
func (d *Driver) List() []job.Summary {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]job.Summary, 0, len(d.jobs))
	for _, j := range d.jobs {
		out = append(out, j.Summarize())
	}
	slices.SortFunc(out, func(a, b job.Summary) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Get returns one job.
func (d *Driver) Get(id string) (job.Summary, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[id]
	if !ok {
		return job.Summary{}, apperrors.NotFound("job", id)
	}
	return j.Summarize(), nil
}

// Cancel deletes a job explicitly. A pass already running completes but its
// result is discarded.
func (d *Driver) Cancel(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelLocked(ctx, id)
}

func (d *Driver) cancelLocked(ctx context.Context, id string) error {
	j, ok := d.jobs[id]
	if !ok {
		return apperrors.NotFound("job", id)
	}
	d.logger.Info("Deleting job", "jobId", id)
	if d.sched.Running(id) {
		d.logger.Info("Pass still running, its result will be discarded", "jobId", id)
	}
	if err := j.AckListenerMsg(); err != nil {
		d.logger.Warn("Failed to acknowledge listener message", "jobId", id, "error", err)
	}
	d.teardownLocked(ctx, j)
	return nil
}

// teardownLocked removes every trace of j: scheduler entry, broker
// resources, credentials, table entry and snapshot.
func (d *Driver) teardownLocked(ctx context.Context, j *job.Job) {
	d.releaseLocked(ctx, j)
	if loc := j.JobFile(); loc != "" {
		if err := d.store.Remove(ctx, loc); err != nil {
			d.logger.Warn("Failed to remove job snapshot", "jobId", j.ID, "error", err)
		}
	}
}

// releaseLocked drops j from memory but keeps its snapshot, so a restart
// replays it.
func (d *Driver) releaseLocked(ctx context.Context, j *job.Job) {
	d.sched.Remove(j.ID)
	if err := d.resources.release(ctx, d.topology, j.ID); err != nil {
		d.logger.Warn("Failed to release job queues", "jobId", j.ID, "error", err)
	}
	j.ClearCredentials()
	if d.jobs[j.ID] == j {
		delete(d.jobs, j.ID)
		d.recordActive(-1)
	}
}

// persist writes the job snapshot. A failure only risks recovery, so it is
// logged and the pass continues.
func (d *Driver) persist(ctx context.Context, j *job.Job) {
	loc, err := d.store.Persist(ctx, j.Snapshot())
	if err != nil {
		d.logger.Warn("Failed to persist job, it will not survive a restart", "jobId", j.ID, "error", err)
		return
	}
	j.SetJobFile(loc)
}

func (d *Driver) publish(ctx context.Context, exchange, key string, doc map[string]any) error {
	body, err := encode(doc)
	if err != nil {
		return err
	}
	return d.topology.Publish(ctx, exchange, key, body)
}

func (d *Driver) recordMessage(queue, outcome string) {
	if d.metrics != nil {
		d.metrics.RecordMessage(context.Background(), queue, outcome)
	}
}

func (d *Driver) recordActive(delta int64) {
	if d.metrics != nil {
		d.metrics.RecordJobsActive(context.Background(), d.service, delta)
	}
}

// opContext bounds broker and store I/O made on behalf of one message.
func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
