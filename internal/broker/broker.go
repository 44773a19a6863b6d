// Package broker manages the message topology shared by the pipeline stages:
// durable direct exchanges, durable queues named <exchange>.<name>, bindings,
// confirmed mandatory publishing and acknowledged consumption.
package broker

import (
	"context"
	"errors"
	"sync/atomic"
)

// Routing keys shared by every stage.
const (
	JobDocumentKey   = "job_document"
	ListenerMsgKey   = "listener_msg"
	InvalidConfigKey = "invalid_config"
	LoggerKey        = "mash.logger"
)

// Queue suffixes for a stage's own queues.
const (
	ServiceQueue       = "service"
	ListenerQueue      = "listener"
	InvalidConfigQueue = "invalid_config"
)

// ErrUnroutable is returned by Publish when a mandatory message reached no queue.
var ErrUnroutable = errors.New("message unroutable")

// ErrNacked is returned by Publish when the broker refused a message.
var ErrNacked = errors.New("message nacked by broker")

// ErrClosed is returned by operations on a closed topology.
var ErrClosed = errors.New("broker closed")

// QueueName returns the queue name used for name on exchange,
// e.g. QueueName("obs", "service") is "obs.service".
func QueueName(exchange, name string) string {
	return exchange + "." + name
}

// Delivery is one consumed message. It must be acknowledged exactly once;
// later calls to Ack or Nack are no-ops.
type Delivery struct {
	Exchange    string
	RoutingKey  string
	Queue       string
	Body        []byte
	Redelivered bool

	settled atomic.Bool
	ack     func() error
	nack    func(requeue bool) error
}

// Ack acknowledges the delivery.
func (d *Delivery) Ack() error {
	if d.settled.Swap(true) || d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nack rejects the delivery, optionally returning it to the queue.
func (d *Delivery) Nack(requeue bool) error {
	if d.settled.Swap(true) || d.nack == nil {
		return nil
	}
	return d.nack(requeue)
}

// Settled reports whether Ack or Nack has been called.
func (d *Delivery) Settled() bool {
	return d.settled.Load()
}

// Handler processes a delivery. Handlers of one topology are never run
// concurrently.
type Handler func(*Delivery)

// Topology is the broker surface used by the pipeline driver.
type Topology interface {
	// DeclareExchange declares a durable direct exchange.
	DeclareExchange(ctx context.Context, exchange string) error
	// BindQueue declares the exchange and the durable queue
	// <exchange>.<queue>, binds it with routingKey and returns the full name.
	BindQueue(ctx context.Context, exchange, routingKey, queue string) (string, error)
	// UnbindQueue removes a binding made by BindQueue.
	UnbindQueue(ctx context.Context, exchange, routingKey, queue string) error
	// DeleteQueue cancels any consumer of the full queue name and deletes it.
	// Deleting a missing queue succeeds.
	DeleteQueue(ctx context.Context, queue string) error
	// Publish sends a persistent, mandatory message and waits for the
	// broker confirm.
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
	// Consume starts delivering messages from the full queue name to h.
	Consume(ctx context.Context, queue string, h Handler) error
	// Ready reports whether the connection is usable.
	Ready(ctx context.Context) error
	Close() error
}
