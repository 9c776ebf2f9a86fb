// Package queue maintains the per-machine in-flight run counter that feeds
// load-aware dispatch.
package queue

import (
	"context"

	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/metrics"
	"github.com/droverhq/drover/internal/store"
)

// Counter mutates machine queue counts through the store's atomic
// operations and mirrors every new value into the queue depth gauge.
type Counter struct {
	store   store.Store
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
}

func NewCounter(st store.Store, m *metrics.Metrics, log *zap.SugaredLogger) *Counter {
	return &Counter{
		store:   st,
		metrics: m,
		log:     log.Named("queue"),
	}
}

// Increment raises the machine's count by one. store.ErrQueueFull signals
// the admission boundary: the machine is at capacity and the dispatcher
// should try the next candidate.
func (c *Counter) Increment(ctx context.Context, machineID string) (int, error) {
	n, err := c.store.IncrementQueue(ctx, machineID)
	if err != nil {
		return 0, err
	}
	c.publish(machineID, n)
	c.log.Debugf("queue_increment machine=%s count=%d", machineID, n)
	return n, nil
}

// Decrement lowers the count by one, floored at zero. Called exactly once
// per run completion; a machine deleted since dispatch is a no-op.
func (c *Counter) Decrement(ctx context.Context, machineID string) (int, error) {
	n, err := c.store.DecrementQueue(ctx, machineID)
	if err != nil {
		return 0, err
	}
	c.publish(machineID, n)
	c.log.Debugf("queue_decrement machine=%s count=%d", machineID, n)
	return n, nil
}

// Set overwrites the count with an authoritative value from the machine
// itself. Reconciler only.
func (c *Counter) Set(ctx context.Context, machineID string, value int) (int, error) {
	n, err := c.store.SetQueue(ctx, machineID, value)
	if err != nil {
		return 0, err
	}
	c.publish(machineID, n)
	c.log.Debugf("queue_set machine=%s count=%d", machineID, n)
	return n, nil
}

func (c *Counter) publish(machineID string, count int) {
	if c.metrics != nil {
		c.metrics.QueueDepth.WithLabelValues(machineID).Set(float64(count))
	}
}
