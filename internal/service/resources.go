package service

import (
	"context"
	"errors"
	"slices"

	"mash/internal/broker"
)

// resource is a queue binding a job owns for its lifetime.
type resource struct {
	exchange   string
	routingKey string
	queue      string // short name under exchange
}

func (r resource) fullName() string {
	return broker.QueueName(r.exchange, r.queue)
}

// arena records the broker resources owned by each job so that one release
// call frees all of them. It is guarded by the driver mutex.
type arena struct {
	owned map[string][]resource
}

func newArena() *arena {
	return &arena{owned: make(map[string][]resource)}
}

func (a *arena) add(jobID string, r resource) {
	if !slices.Contains(a.owned[jobID], r) {
		a.owned[jobID] = append(a.owned[jobID], r)
	}
}

func (a *arena) has(jobID string, r resource) bool {
	return slices.Contains(a.owned[jobID], r)
}

// release forgets the job's resources and tears each of them down.
func (a *arena) release(ctx context.Context, topo broker.Topology, jobID string) error {
	res := a.owned[jobID]
	delete(a.owned, jobID)

	var errs []error
	for _, r := range res {
		if err := topo.UnbindQueue(ctx, r.exchange, r.routingKey, r.queue); err != nil {
			errs = append(errs, err)
		}
		if err := topo.DeleteQueue(ctx, r.fullName()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
