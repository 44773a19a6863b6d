package broker

import (
	"log/slog"
	"sync"
)

type dispatchItem struct {
	handler  Handler
	delivery *Delivery
}

// dispatcher runs every handler of a topology on one goroutine, in arrival
// order. Pushing never blocks so that handlers may publish onto queues they
// consume.
type dispatcher struct {
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []dispatchItem
	closed  bool
	done    chan struct{}
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	d := &dispatcher{logger: logger, done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *dispatcher) push(h Handler, delivery *Delivery) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.pending = append(d.pending, dispatchItem{handler: h, delivery: delivery})
	d.cond.Signal()
	return true
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.pending) == 0 && !d.closed {
			d.cond.Wait()
		}
		if d.closed {
			d.mu.Unlock()
			return
		}
		item := d.pending[0]
		d.pending[0] = dispatchItem{}
		d.pending = d.pending[1:]
		d.mu.Unlock()

		d.handle(item)
	}
}

func (d *dispatcher) handle(item dispatchItem) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Message handler panicked",
				"queue", item.delivery.Queue,
				"routingKey", item.delivery.RoutingKey,
				"panic", r,
			)
		}
	}()
	item.handler(item.delivery)
}

// close stops the loop after the running handler returns. Pending
// deliveries are dropped unacknowledged so the broker redelivers them.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.pending = nil
	d.cond.Broadcast()
	d.mu.Unlock()
	<-d.done
}
