package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"mash/internal/apperrors"
	"mash/pkg/backoff"
	"mash/pkg/circuitbreaker"
)

// ErrBufferFull is returned when a message cannot be queued.
var ErrBufferFull = errors.New("notification buffer full, message dropped")

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("notifier is closed")

// Delivery defaults.
const (
	defaultMaxAttempts      = 4
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	defaultSendTimeout      = 30 * time.Second
)

// Config configures a Notifier.
type Config struct {
	BufferSize  int // pending messages (default: 256)
	Workers     int // concurrent senders (default: 2)
	MaxAttempts int // per message, including the first (default: 4)
	Backoff     backoff.Config
	Breaker     circuitbreaker.Config
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = defaultBreakerThreshold
	}
	if c.Breaker.Cooldown <= 0 {
		c.Breaker.Cooldown = defaultBreakerCooldown
	}
	return c
}

// MetricsRecorder is an optional interface for recording delivery outcomes.
type MetricsRecorder interface {
	RecordNotification(ctx context.Context, outcome string)
}

// Stats holds delivery counters.
type Stats struct {
	QueueDepth   int
	Queued       int64
	Delivered    int64
	Failed       int64
	Dropped      int64
	Rejected     int64 // refused by an open breaker
	RetriesTotal int64
}

// Notifier evaluates the policy for a service and delivers the resulting
// mails from a bounded queue. Delivery failures are logged, never returned
// to the job that produced them.
type Notifier struct {
	service string
	subject string
	mailer  Mailer
	queue   chan Message
	breaker *circuitbreaker.Breaker
	config  Config
	logger  *slog.Logger
	metrics MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	rejected     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// New starts a notifier for service. metrics may be nil.
func New(service, subject string, mailer Mailer, cfg Config, metrics MetricsRecorder) *Notifier {
	cfg = cfg.withDefaults()
	n := &Notifier{
		service:  service,
		subject:  subject,
		mailer:   mailer,
		queue:    make(chan Message, cfg.BufferSize),
		breaker:  circuitbreaker.New(mailer.Host(), cfg.Breaker),
		config:   cfg,
		logger:   slog.With("component", "notify"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	n.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go n.worker()
	}
	return n
}

// Notify applies the policy to o and queues a mail when it says so. It
// reports whether a mail was queued.
func (n *Notifier) Notify(o Outcome) bool {
	if !ShouldNotify(n.service, o) {
		return false
	}
	err := n.Enqueue(Message{
		JobID:   o.JobID,
		To:      o.Email,
		Subject: n.subject,
		Body:    Content(n.service, o),
	})
	return err == nil
}

// Enqueue queues msg without blocking.
func (n *Notifier) Enqueue(msg Message) error {
	if n.closed.Load() {
		return ErrClosed
	}
	select {
	case n.queue <- msg:
		n.queued.Add(1)
		return nil
	default:
		n.dropped.Add(1)
		n.record("dropped")
		n.logger.Warn("Notification dropped, buffer full", "jobId", msg.JobID)
		return ErrBufferFull
	}
}

// Stats returns current delivery counters.
func (n *Notifier) Stats() Stats {
	return Stats{
		QueueDepth:   len(n.queue),
		Queued:       n.queued.Load(),
		Delivered:    n.delivered.Load(),
		Failed:       n.failed.Load(),
		Dropped:      n.dropped.Load(),
		Rejected:     n.rejected.Load(),
		RetriesTotal: n.retriesTotal.Load(),
	}
}

// Close stops accepting messages and waits for queued ones to be attempted.
func (n *Notifier) Close(ctx context.Context) error {
	if n.closed.Swap(true) {
		return nil
	}
	close(n.shutdown)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		n.logger.Warn("Notification shutdown timed out", "remaining", len(n.queue))
		return ctx.Err()
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for {
		select {
		case <-n.shutdown:
			n.drain()
			return
		case msg := <-n.queue:
			n.deliver(msg)
		}
	}
}

func (n *Notifier) drain() {
	for {
		select {
		case msg := <-n.queue:
			n.deliver(msg)
		default:
			return
		}
	}
}

func (n *Notifier) deliver(msg Message) {
	host := n.mailer.Host()
	breaker := n.breaker
	if !breaker.Allow() {
		n.rejected.Add(1)
		n.record("rejected")
		n.logger.Warn("Unable to send notification email: relay circuit open", "jobId", msg.JobID, "host", host)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultSendTimeout)
	defer cancel()

	err := backoff.Retry(ctx, n.config.MaxAttempts, &n.config.Backoff, func(attempt int) error {
		if attempt > 1 {
			n.retriesTotal.Add(1)
		}
		err := n.mailer.Send(ctx, msg)
		if errors.Is(err, apperrors.ErrValidation) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		if !errors.Is(err, apperrors.ErrValidation) {
			breaker.RecordFailure()
		}
		n.failed.Add(1)
		n.record("failed")
		n.logger.Warn(fmt.Sprintf("Unable to send notification email: %v", err), "jobId", msg.JobID, "host", host)
		return
	}

	breaker.RecordSuccess()
	n.delivered.Add(1)
	n.record("delivered")
	n.logger.Debug("Notification sent", "jobId", msg.JobID, "to", msg.To)
}

func (n *Notifier) record(outcome string) {
	if n.metrics != nil {
		n.metrics.RecordNotification(context.Background(), outcome)
	}
}
