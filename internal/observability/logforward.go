package observability

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Log forwarding defaults.
const (
	DefaultLogExchange   = "logger"
	DefaultLogRoutingKey = "mash.logger"
	defaultLogBuffer     = 1024
	publishTimeout       = 5 * time.Second
)

// Publisher is the broker surface log forwarding needs.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}

// DropRecorder is an optional interface for counting records that were not
// forwarded.
type DropRecorder interface {
	RecordLogDropped(ctx context.Context)
}

// BrokerHandlerOptions configures NewBrokerHandler.
type BrokerHandlerOptions struct {
	Exchange   string       // default DefaultLogExchange
	RoutingKey string       // default DefaultLogRoutingKey
	Level      slog.Leveler // minimum forwarded level, default Info
	BufferSize int          // default 1024
	Metrics    DropRecorder
}

// LogRecord is the document published for each forwarded record.
type LogRecord struct {
	ID        string         `json:"id"`
	Level     string         `json:"level"`
	Time      string         `json:"time"`
	Component string         `json:"component,omitempty"`
	JobID     string         `json:"job_id,omitempty"`
	Msg       string         `json:"msg"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// BrokerHandler wraps another handler and also publishes records to the
// broker. Publishing happens on a background goroutine fed by a bounded
// buffer; a full buffer or a failed publish drops the record.
type BrokerHandler struct {
	next   slog.Handler
	fwd    *forwarder
	attrs  []slog.Attr
	prefix string
}

type forwarder struct {
	pub        Publisher
	exchange   string
	routingKey string
	level      slog.Leveler
	metrics    DropRecorder

	queue     chan []byte
	dropped   atomic.Int64
	forwarded atomic.Int64
	closed    atomic.Bool
	mu        sync.RWMutex
	done      chan struct{}
}

// NewBrokerHandler returns a handler that writes to next and forwards to pub.
// Close must be called to flush the buffer.
func NewBrokerHandler(next slog.Handler, pub Publisher, opts BrokerHandlerOptions) *BrokerHandler {
	if opts.Exchange == "" {
		opts.Exchange = DefaultLogExchange
	}
	if opts.RoutingKey == "" {
		opts.RoutingKey = DefaultLogRoutingKey
	}
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultLogBuffer
	}

	f := &forwarder{
		pub:        pub,
		exchange:   opts.Exchange,
		routingKey: opts.RoutingKey,
		level:      opts.Level,
		metrics:    opts.Metrics,
		queue:      make(chan []byte, opts.BufferSize),
		done:       make(chan struct{}),
	}
	go f.run()
	return &BrokerHandler{next: next, fwd: f}
}

// Enabled reports whether either the wrapped handler or forwarding wants
// records of level.
func (h *BrokerHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level) || level >= h.fwd.level.Level()
}

// Handle writes r to the wrapped handler, then queues it for forwarding.
func (h *BrokerHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if h.next.Enabled(ctx, r.Level) {
		err = h.next.Handle(ctx, r)
	}
	if r.Level >= h.fwd.level.Level() {
		h.fwd.enqueue(h.record(r))
	}
	return err
}

// WithAttrs implements slog.Handler.
func (h *BrokerHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.next = h.next.WithAttrs(attrs)
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), prefixed(h.prefix, attrs)...)
	return &clone
}

// WithGroup implements slog.Handler.
func (h *BrokerHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.next = h.next.WithGroup(name)
	clone.prefix = h.prefix + name + "."
	return &clone
}

// Close stops forwarding and waits until buffered records are published or
// ctx ends.
func (h *BrokerHandler) Close(ctx context.Context) error {
	h.fwd.close()
	select {
	case <-h.fwd.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns the number of records not forwarded.
func (h *BrokerHandler) Dropped() int64 { return h.fwd.dropped.Load() }

// Forwarded returns the number of records published.
func (h *BrokerHandler) Forwarded() int64 { return h.fwd.forwarded.Load() }

func prefixed(prefix string, attrs []slog.Attr) []slog.Attr {
	if prefix == "" {
		return attrs
	}
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = slog.Attr{Key: prefix + a.Key, Value: a.Value}
	}
	return out
}

func (h *BrokerHandler) record(r slog.Record) []byte {
	rec := LogRecord{
		ID:    uuid.NewString(),
		Level: strings.ToLower(r.Level.String()),
		Time:  r.Time.UTC().Format(time.RFC3339Nano),
		Msg:   r.Message,
	}
	attrs := make(map[string]any)
	add := func(a slog.Attr) {
		switch a.Key {
		case "component":
			rec.Component = a.Value.String()
		case "jobId", "job_id":
			rec.JobID = a.Value.String()
		default:
			flatten(attrs, a.Key, a.Value)
		}
	}
	for _, a := range h.attrs {
		add(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		add(a)
		return true
	})
	if len(attrs) > 0 {
		rec.Attrs = attrs
	}

	data, err := json.Marshal(rec)
	if err != nil {
		data, _ = json.Marshal(LogRecord{ID: rec.ID, Level: rec.Level, Time: rec.Time, Msg: rec.Msg})
	}
	return data
}

func flatten(dst map[string]any, key string, v slog.Value) {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindGroup:
		for _, a := range v.Group() {
			flatten(dst, key+"."+a.Key, a.Value)
		}
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			dst[key] = err.Error()
			return
		}
		dst[key] = v.Any()
	case slog.KindTime:
		dst[key] = v.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindDuration:
		dst[key] = v.Duration().String()
	default:
		dst[key] = v.Any()
	}
}

func (f *forwarder) enqueue(body []byte) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed.Load() {
		f.drop()
		return
	}
	select {
	case f.queue <- body:
	default:
		f.drop()
	}
}

func (f *forwarder) drop() {
	f.dropped.Add(1)
	if f.metrics != nil {
		f.metrics.RecordLogDropped(context.Background())
	}
}

func (f *forwarder) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed.Swap(true) {
		return
	}
	close(f.queue)
}

func (f *forwarder) run() {
	defer close(f.done)
	for body := range f.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := f.pub.Publish(ctx, f.exchange, f.routingKey, body)
		cancel()
		if err != nil {
			// Reporting through slog would feed the failure back in.
			f.drop()
			continue
		}
		f.forwarded.Add(1)
	}
}
