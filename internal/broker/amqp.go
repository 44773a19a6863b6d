package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"mash/internal/apperrors"
	"mash/pkg/backoff"
)

// AMQPConfig configures the RabbitMQ topology.
type AMQPConfig struct {
	URL       string
	User      string
	Password  string
	Heartbeat time.Duration // default: 600s
	Prefetch  int           // default: 1
	Reconnect backoff.Config
}

func (c AMQPConfig) withDefaults() AMQPConfig {
	if c.Heartbeat <= 0 {
		c.Heartbeat = 600 * time.Second
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 1
	}
	if c.Reconnect.Initial <= 0 {
		c.Reconnect.Initial = 500 * time.Millisecond
	}
	if c.Reconnect.Max <= 0 {
		c.Reconnect.Max = 30 * time.Second
	}
	if c.Reconnect.Jitter <= 0 {
		c.Reconnect.Jitter = 0.2
	}
	return c
}

type consumer struct {
	queue   string
	tag     string
	handler Handler
}

// AMQP is a Topology backed by RabbitMQ.
//
// Publishes go through one confirm-mode channel and are serialized so that a
// basic.return can be matched to the message it rejects. Consumers share a
// second channel. After the connection drops, a background loop reconnects
// with backoff and replays declared exchanges, bindings and consumers.
type AMQP struct {
	cfg    AMQPConfig
	logger *slog.Logger

	// pubMu serializes publishes. mu guards connection state and the
	// declared topology and is never held while waiting for the broker.
	pubMu sync.Mutex
	mu    sync.Mutex

	conn      *amqp.Connection
	pubCh     *amqp.Channel
	subCh     *amqp.Channel
	returns   chan amqp.Return
	exchanges map[string]bool
	bindings  map[binding]string // binding -> full queue name
	consumers map[string]*consumer

	tagSeq   atomic.Uint64
	closed   atomic.Bool
	stop     chan struct{}
	dispatch *dispatcher
}

// Dial connects to RabbitMQ. A failure here is a connection fault; callers in
// a startup path treat it as fatal.
func Dial(ctx context.Context, cfg AMQPConfig) (*AMQP, error) {
	a := &AMQP{
		cfg:       cfg.withDefaults(),
		logger:    slog.With("component", "broker"),
		exchanges: make(map[string]bool),
		bindings:  make(map[binding]string),
		consumers: make(map[string]*consumer),
		stop:      make(chan struct{}),
	}
	a.dispatch = newDispatcher(a.logger)

	if err := a.connect(ctx); err != nil {
		a.dispatch.close()
		return nil, err
	}
	return a, nil
}

func (a *AMQP) connect(ctx context.Context) error {
	amqpCfg := amqp.Config{
		Heartbeat:  a.cfg.Heartbeat,
		Properties: amqp.NewConnectionProperties(),
	}
	if a.cfg.User != "" {
		amqpCfg.SASL = []amqp.Authentication{&amqp.PlainAuth{Username: a.cfg.User, Password: a.cfg.Password}}
	}
	amqpCfg.Properties.SetClientConnectionName("mash")

	conn, err := amqp.DialConfig(a.cfg.URL, amqpCfg)
	if err != nil {
		return apperrors.Connection("broker.dial", err)
	}

	pubCh, subCh, returns, err := openChannels(conn, a.cfg.Prefetch)
	if err != nil {
		_ = conn.Close()
		return apperrors.Connection("broker.channel", err)
	}

	a.mu.Lock()
	a.conn, a.pubCh, a.subCh, a.returns = conn, pubCh, subCh, returns
	a.mu.Unlock()

	if err := a.restore(ctx); err != nil {
		_ = conn.Close()
		return apperrors.Connection("broker.restore", err)
	}

	closes := conn.NotifyClose(make(chan *amqp.Error, 1))
	go a.watch(closes)
	a.logger.Info("Broker connected", "url", redact(a.cfg.URL))
	return nil
}

func openChannels(conn *amqp.Connection, prefetch int) (*amqp.Channel, *amqp.Channel, chan amqp.Return, error) {
	pubCh, err := conn.Channel()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := pubCh.Confirm(false); err != nil {
		return nil, nil, nil, err
	}
	// Returns are delivered before the matching confirm; the buffer keeps the
	// connection reader from blocking until Publish drains it.
	returns := pubCh.NotifyReturn(make(chan amqp.Return, 16))

	subCh, err := conn.Channel()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := subCh.Qos(prefetch, 0, false); err != nil {
		return nil, nil, nil, err
	}
	return pubCh, subCh, returns, nil
}

// restore replays the declared topology on a fresh connection.
func (a *AMQP) restore(ctx context.Context) error {
	a.mu.Lock()
	exchanges := make([]string, 0, len(a.exchanges))
	for ex := range a.exchanges {
		exchanges = append(exchanges, ex)
	}
	bindings := make(map[binding]string, len(a.bindings))
	for b, q := range a.bindings {
		bindings[b] = q
	}
	consumers := make([]*consumer, 0, len(a.consumers))
	for _, c := range a.consumers {
		consumers = append(consumers, c)
	}
	a.mu.Unlock()

	for _, ex := range exchanges {
		if err := a.declareExchange(ex); err != nil {
			return err
		}
	}
	for b, q := range bindings {
		if err := a.declareAndBind(b.exchange, b.routingKey, q); err != nil {
			return err
		}
	}
	for _, c := range consumers {
		if err := a.startConsumer(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (a *AMQP) watch(closes <-chan *amqp.Error) {
	var cause *amqp.Error
	select {
	case cause = <-closes:
	case <-a.stop:
		return
	}
	if a.closed.Load() {
		return
	}
	a.logger.Warn("Broker connection lost", "error", cause)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-a.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	defer cancel()

	err := backoff.Retry(ctx, 0, &a.cfg.Reconnect, func(attempt int) error {
		err := a.connect(ctx)
		if err != nil {
			a.logger.Warn("Broker reconnect failed", "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil && !a.closed.Load() {
		a.logger.Error("Broker reconnect abandoned", "error", err)
	}
}

func (a *AMQP) channels() (*amqp.Channel, *amqp.Channel, chan amqp.Return, error) {
	if a.closed.Load() {
		return nil, nil, nil, ErrClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil || a.conn.IsClosed() {
		return nil, nil, nil, apperrors.Connection("broker.channel", errors.New("connection is not open"))
	}
	// A channel error such as a 404 closes only the channel; reopen it.
	if a.pubCh.IsClosed() || a.subCh.IsClosed() {
		pubCh, subCh, returns, err := openChannels(a.conn, a.cfg.Prefetch)
		if err != nil {
			return nil, nil, nil, apperrors.Connection("broker.channel", err)
		}
		a.pubCh, a.subCh, a.returns = pubCh, subCh, returns
	}
	return a.pubCh, a.subCh, a.returns, nil
}

func (a *AMQP) declareExchange(exchange string) error {
	ch, _, _, err := a.channels()
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return apperrors.Connection("broker.declareExchange", err)
	}
	return nil
}

func (a *AMQP) declareAndBind(exchange, routingKey, queue string) error {
	if err := a.declareExchange(exchange); err != nil {
		return err
	}
	ch, _, _, err := a.channels()
	if err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return apperrors.Connection("broker.declareQueue", err)
	}
	if err := ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		return apperrors.Connection("broker.bindQueue", err)
	}
	return nil
}

func (a *AMQP) DeclareExchange(_ context.Context, exchange string) error {
	if err := a.declareExchange(exchange); err != nil {
		return err
	}
	a.mu.Lock()
	a.exchanges[exchange] = true
	a.mu.Unlock()
	return nil
}

func (a *AMQP) BindQueue(_ context.Context, exchange, routingKey, queue string) (string, error) {
	name := QueueName(exchange, queue)
	if err := a.declareAndBind(exchange, routingKey, name); err != nil {
		return "", err
	}
	a.mu.Lock()
	a.exchanges[exchange] = true
	a.bindings[binding{exchange: exchange, routingKey: routingKey}] = name
	a.mu.Unlock()
	return name, nil
}

func (a *AMQP) UnbindQueue(_ context.Context, exchange, routingKey, queue string) error {
	name := QueueName(exchange, queue)
	a.mu.Lock()
	delete(a.bindings, binding{exchange: exchange, routingKey: routingKey})
	a.mu.Unlock()

	ch, _, _, err := a.channels()
	if err != nil {
		return err
	}
	if err := ch.QueueUnbind(name, routingKey, exchange, nil); err != nil {
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
			return nil
		}
		return apperrors.Connection("broker.unbindQueue", err)
	}
	return nil
}

func (a *AMQP) DeleteQueue(_ context.Context, queue string) error {
	a.mu.Lock()
	c := a.consumers[queue]
	delete(a.consumers, queue)
	for b, q := range a.bindings {
		if q == queue {
			delete(a.bindings, b)
		}
	}
	a.mu.Unlock()

	pubCh, subCh, _, err := a.channels()
	if err != nil {
		return err
	}
	if c != nil {
		if err := subCh.Cancel(c.tag, false); err != nil {
			a.logger.Warn("Consumer cancel failed", "queue", queue, "error", err)
		}
	}
	if _, err := pubCh.QueueDelete(queue, false, false, false); err != nil {
		return apperrors.Connection("broker.deleteQueue", err)
	}
	return nil
}

func (a *AMQP) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	a.pubMu.Lock()
	defer a.pubMu.Unlock()

	ch, _, returns, err := a.channels()
	if err != nil {
		return err
	}

	// Drop returns left over from a publish that timed out.
	for len(returns) > 0 {
		<-returns
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, true, false, msg)
	if err != nil {
		return apperrors.Connection("broker.publish", err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return apperrors.Connection("broker.publish", err)
	}

	select {
	case ret := <-returns:
		return fmt.Errorf("%s/%s: %s: %w", ret.Exchange, ret.RoutingKey, ret.ReplyText, ErrUnroutable)
	default:
	}
	if !acked {
		return fmt.Errorf("%s/%s: %w", exchange, routingKey, ErrNacked)
	}
	return nil
}

func (a *AMQP) Consume(ctx context.Context, queue string, h Handler) error {
	a.mu.Lock()
	if _, ok := a.consumers[queue]; ok {
		a.mu.Unlock()
		return apperrors.Conflict("consumer", queue, fmt.Sprintf("queue %s already has a consumer", queue))
	}
	c := &consumer{queue: queue, handler: h}
	a.consumers[queue] = c
	a.mu.Unlock()

	if err := a.startConsumer(ctx, c); err != nil {
		a.mu.Lock()
		delete(a.consumers, queue)
		a.mu.Unlock()
		return err
	}
	return nil
}

func (a *AMQP) startConsumer(_ context.Context, c *consumer) error {
	_, ch, _, err := a.channels()
	if err != nil {
		return err
	}

	tag := fmt.Sprintf("mash-%s-%d", c.queue, a.tagSeq.Add(1))
	deliveries, err := ch.Consume(c.queue, tag, false, false, false, false, nil)
	if err != nil {
		return apperrors.Connection("broker.consume", err)
	}

	a.mu.Lock()
	c.tag = tag
	a.mu.Unlock()

	go func() {
		for d := range deliveries {
			a.dispatch.push(c.handler, toDelivery(c.queue, d))
		}
	}()
	return nil
}

func toDelivery(queue string, d amqp.Delivery) *Delivery {
	return &Delivery{
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		Queue:       queue,
		Body:        d.Body,
		Redelivered: d.Redelivered,
		ack:         func() error { return d.Ack(false) },
		nack:        func(requeue bool) error { return d.Nack(false, requeue) },
	}
}

func (a *AMQP) Ready(context.Context) error {
	if a.closed.Load() {
		return ErrClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil || a.conn.IsClosed() {
		return apperrors.Connection("broker.ready", errors.New("connection is not open"))
	}
	return nil
}

// Close stops consuming, waits for the running handler and closes the
// connection.
func (a *AMQP) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	close(a.stop)

	a.mu.Lock()
	conn, subCh := a.conn, a.subCh
	tags := make([]string, 0, len(a.consumers))
	for _, c := range a.consumers {
		tags = append(tags, c.tag)
	}
	a.mu.Unlock()

	if subCh != nil && !subCh.IsClosed() {
		for _, tag := range tags {
			_ = subCh.Cancel(tag, false)
		}
	}
	a.dispatch.close()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return apperrors.Connection("broker.close", err)
	}
	a.logger.Info("Broker connection closed")
	return nil
}

func redact(raw string) string {
	uri, err := amqp.ParseURI(raw)
	if err != nil {
		return "invalid-url"
	}
	uri.Password = ""
	return fmt.Sprintf("%s://%s:%d/%s", uri.Scheme, uri.Host, uri.Port, uri.Vhost)
}
