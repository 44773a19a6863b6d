package broker

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"mash/internal/apperrors"
)

// Message is a publish recorded by Memory.
type Message struct {
	Exchange   string
	RoutingKey string
	Body       []byte
}

type binding struct {
	exchange   string
	routingKey string
}

type memQueue struct {
	bindings []binding
	backlog  [][]byte
	origin   []binding
	handler  Handler
}

// Memory is an in-process Topology with AMQP direct-exchange routing. It is
// used by tests and by single-process development setups.
type Memory struct {
	mu         sync.Mutex
	exchanges  map[string]bool
	queues     map[string]*memQueue
	published  []Message
	unacked    int
	publishErr error
	closed     bool

	dispatch *dispatcher
}

// NewMemory creates an empty in-memory topology.
func NewMemory() *Memory {
	return &Memory{
		exchanges: make(map[string]bool),
		queues:    make(map[string]*memQueue),
		dispatch:  newDispatcher(slog.With("component", "broker.memory")),
	}
}

func (m *Memory) DeclareExchange(_ context.Context, exchange string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.exchanges[exchange] = true
	return nil
}

func (m *Memory) BindQueue(_ context.Context, exchange, routingKey, queue string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}

	m.exchanges[exchange] = true
	name := QueueName(exchange, queue)
	q, ok := m.queues[name]
	if !ok {
		q = &memQueue{}
		m.queues[name] = q
	}
	b := binding{exchange: exchange, routingKey: routingKey}
	if !slices.Contains(q.bindings, b) {
		q.bindings = append(q.bindings, b)
	}
	return name, nil
}

func (m *Memory) UnbindQueue(_ context.Context, exchange, routingKey, queue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	q, ok := m.queues[QueueName(exchange, queue)]
	if !ok {
		return nil
	}
	b := binding{exchange: exchange, routingKey: routingKey}
	q.bindings = slices.DeleteFunc(q.bindings, func(x binding) bool { return x == b })
	return nil
}

func (m *Memory) DeleteQueue(_ context.Context, queue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.queues, queue)
	return nil
}

func (m *Memory) Publish(_ context.Context, exchange, routingKey string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.publishErr != nil {
		return m.publishErr
	}
	if !m.exchanges[exchange] {
		return apperrors.NotFound("exchange", exchange)
	}

	b := binding{exchange: exchange, routingKey: routingKey}
	routed := false
	for name, q := range m.queues {
		if !slices.Contains(q.bindings, b) {
			continue
		}
		routed = true
		m.enqueueLocked(name, q, b, slices.Clone(body), false)
	}
	if !routed {
		return fmt.Errorf("%s/%s: %w", exchange, routingKey, ErrUnroutable)
	}

	m.published = append(m.published, Message{Exchange: exchange, RoutingKey: routingKey, Body: slices.Clone(body)})
	return nil
}

func (m *Memory) enqueueLocked(name string, q *memQueue, b binding, body []byte, redelivered bool) {
	if q.handler == nil {
		q.backlog = append(q.backlog, body)
		q.origin = append(q.origin, b)
		return
	}
	m.deliverLocked(name, q.handler, b, body, redelivered)
}

func (m *Memory) deliverLocked(name string, h Handler, b binding, body []byte, redelivered bool) {
	m.unacked++
	d := &Delivery{
		Exchange:    b.exchange,
		RoutingKey:  b.routingKey,
		Queue:       name,
		Body:        body,
		Redelivered: redelivered,
	}
	d.ack = func() error {
		m.mu.Lock()
		m.unacked--
		m.mu.Unlock()
		return nil
	}
	d.nack = func(requeue bool) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.unacked--
		if q, ok := m.queues[name]; ok && requeue {
			m.enqueueLocked(name, q, b, body, true)
		}
		return nil
	}
	m.dispatch.push(h, d)
}

func (m *Memory) Consume(_ context.Context, queue string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	q, ok := m.queues[queue]
	if !ok {
		return apperrors.NotFound("queue", queue)
	}
	if q.handler != nil {
		return apperrors.Conflict("consumer", queue, fmt.Sprintf("queue %s already has a consumer", queue))
	}
	q.handler = h
	for i, body := range q.backlog {
		m.deliverLocked(queue, h, q.origin[i], body, false)
	}
	q.backlog, q.origin = nil, nil
	return nil
}

func (m *Memory) Ready(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close stops delivering messages. It is safe to call more than once.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.dispatch.close()
	return nil
}

// Published returns every successfully routed publish, oldest first.
func (m *Memory) Published() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.published)
}

// PublishedTo filters Published by exchange and routing key.
func (m *Memory) PublishedTo(exchange, routingKey string) []Message {
	var out []Message
	for _, msg := range m.Published() {
		if msg.Exchange == exchange && msg.RoutingKey == routingKey {
			out = append(out, msg)
		}
	}
	return out
}

// HasQueue reports whether the full queue name exists.
func (m *Memory) HasQueue(queue string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.queues[queue]
	return ok
}

// Bound reports whether queue is bound to exchange with routingKey.
func (m *Memory) Bound(queue, exchange, routingKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queue]
	return ok && slices.Contains(q.bindings, binding{exchange: exchange, routingKey: routingKey})
}

// Backlog returns the number of messages waiting for a consumer on queue.
func (m *Memory) Backlog(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[queue]; ok {
		return len(q.backlog)
	}
	return 0
}

// Unacked returns the number of delivered messages not yet settled.
func (m *Memory) Unacked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unacked
}

// FailPublishes makes every later Publish return err; nil restores normal
// behaviour.
func (m *Memory) FailPublishes(err error) {
	m.mu.Lock()
	m.publishErr = err
	m.mu.Unlock()
}
