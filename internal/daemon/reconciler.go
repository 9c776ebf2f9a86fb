package daemon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/droverhq/drover/internal/engine"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/lock"
	"github.com/droverhq/drover/internal/metrics"
	"github.com/droverhq/drover/internal/model"
	"github.com/droverhq/drover/internal/queue"
	"github.com/droverhq/drover/internal/store"
)

// Reconciler heals drift between the tracked queue counters and reality.
// The completion decrement path never observes machine crashes, cancelled
// jobs, or work started behind the scheduler's back; the machine's own
// status endpoint is the source of truth of last resort, polled on a
// schedule and on demand.
type Reconciler struct {
	store   store.Store
	counter *queue.Counter
	engine  engine.Client
	bus     *events.Bus
	metrics *metrics.Metrics
	lockMap *lock.MutexMap
	log     *zap.SugaredLogger

	contactTimeout func() time.Duration
	concurrency    func() int
}

func NewReconciler(
	st store.Store,
	counter *queue.Counter,
	eng engine.Client,
	bus *events.Bus,
	m *metrics.Metrics,
	lockMap *lock.MutexMap,
	contactTimeout func() time.Duration,
	concurrency func() int,
	log *zap.SugaredLogger,
) *Reconciler {
	return &Reconciler{
		store:          st,
		counter:        counter,
		engine:         eng,
		bus:            bus,
		metrics:        m,
		lockMap:        lockMap,
		contactTimeout: contactTimeout,
		concurrency:    concurrency,
		log:            log.Named("reconciler"),
	}
}

// MachineSync records one successful reconciliation.
type MachineSync struct {
	MachineID  string `json:"machine_id"`
	QueueCount int    `json:"queue_count"`
}

// MachineSyncError records one machine that could not be reconciled. Its
// stored counter keeps the last known value.
type MachineSyncError struct {
	MachineID string `json:"machine_id"`
	Error     string `json:"error"`
}

// SyncReport aggregates a batch sync. Partial failure is the normal case:
// unreachable machines are reported, never fatal to the batch.
type SyncReport struct {
	Synced []MachineSync      `json:"synced"`
	Failed []MachineSyncError `json:"failed"`
}

// SyncMachine fetches the machine's live queue depth and overwrites the
// tracked counter with it. On any contact failure the stored value is left
// untouched and engine.ErrUnreachable is returned.
func (r *Reconciler) SyncMachine(ctx context.Context, machineID string) (int, error) {
	// One contact per machine at a time: a scheduled sync and an on-demand
	// sync must not interleave.
	key := "sync:" + machineID
	r.lockMap.Lock(key)
	defer r.lockMap.Unlock(key)

	m, err := r.store.GetMachine(ctx, machineID)
	if err != nil {
		return 0, err
	}
	return r.syncMachine(ctx, m)
}

func (r *Reconciler) syncMachine(ctx context.Context, m *model.Machine) (int, error) {
	contactCtx, cancel := context.WithTimeout(ctx, r.contactTimeout())
	defer cancel()

	depth, err := r.engine.QueueDepth(contactCtx, m)
	if err != nil {
		if r.metrics != nil {
			r.metrics.QueueSyncs.WithLabelValues("unreachable").Inc()
		}
		r.log.Warnf("sync_unreachable machine=%s error=%v", m.ID, err)
		return 0, err
	}

	n, err := r.counter.Set(ctx, m.ID, depth)
	if err != nil {
		return 0, err
	}
	if r.metrics != nil {
		r.metrics.QueueSyncs.WithLabelValues("synced").Inc()
	}
	if r.bus != nil {
		r.bus.Publish(events.EventMachineQueueSynced, map[string]interface{}{
			"machine_id":  m.ID,
			"queue_count": n,
		})
	}
	r.log.Infof("sync_machine machine=%s queue_count=%d", m.ID, n)
	return n, nil
}

// SyncMachines reconciles the given machines concurrently, bounded by the
// configured fan-out. Per-machine failures are collected into the report.
func (r *Reconciler) SyncMachines(ctx context.Context, machines []*model.Machine) *SyncReport {
	report := &SyncReport{
		Synced: []MachineSync{},
		Failed: []MachineSyncError{},
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency())

	for _, m := range machines {
		g.Go(func() error {
			key := "sync:" + m.ID
			r.lockMap.Lock(key)
			defer r.lockMap.Unlock(key)

			n, err := r.syncMachine(gctx, m)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed = append(report.Failed, MachineSyncError{
					MachineID: m.ID,
					Error:     err.Error(),
				})
				// Swallowed: one dead machine must not abort the batch.
				return nil
			}
			report.Synced = append(report.Synced, MachineSync{
				MachineID:  m.ID,
				QueueCount: n,
			})
			return nil
		})
	}
	_ = g.Wait()
	return report
}

// SyncAll reconciles every registered machine.
func (r *Reconciler) SyncAll(ctx context.Context) (*SyncReport, error) {
	machines, err := r.store.ListMachines(ctx)
	if err != nil {
		return nil, err
	}
	return r.SyncMachines(ctx, machines), nil
}
