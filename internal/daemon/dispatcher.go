package daemon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/engine"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/metrics"
	"github.com/droverhq/drover/internal/model"
	"github.com/droverhq/drover/internal/queue"
	"github.com/droverhq/drover/internal/run"
	"github.com/droverhq/drover/internal/store"
)

// Dispatcher assigns pending runs to machines. Policy: least-loaded first
// among candidates with free capacity, deterministic tiebreak by machine ID.
// The policy is deliberately minimal; the accounting substrate underneath it
// (increment on assignment, compensating decrement on delivery failure) is
// the part that must hold.
type Dispatcher struct {
	store   store.Store
	counter *queue.Counter
	engine  engine.Client
	runs    *run.Manager
	bus     *events.Bus
	metrics *metrics.Metrics
	log     *zap.SugaredLogger

	contactTimeout func() time.Duration
	maxAttempts    func() int
}

func NewDispatcher(
	st store.Store,
	counter *queue.Counter,
	eng engine.Client,
	runs *run.Manager,
	bus *events.Bus,
	m *metrics.Metrics,
	contactTimeout func() time.Duration,
	maxAttempts func() int,
	log *zap.SugaredLogger,
) *Dispatcher {
	return &Dispatcher{
		store:          st,
		counter:        counter,
		engine:         eng,
		runs:           runs,
		bus:            bus,
		metrics:        m,
		contactTimeout: contactTimeout,
		maxAttempts:    maxAttempts,
		log:            log.Named("dispatcher"),
	}
}

// DispatchPending runs one dispatch pass and returns how many runs were
// delivered.
func (d *Dispatcher) DispatchPending(ctx context.Context) int {
	pending, err := d.pendingRuns(ctx)
	if err != nil {
		d.log.Errorf("list_pending error=%v", err)
		return 0
	}

	dispatched := 0
	for _, r := range pending {
		if ctx.Err() != nil {
			return dispatched
		}
		ok, err := d.dispatchRun(ctx, r)
		if err != nil {
			d.log.Errorf("dispatch_error run=%s error=%v", r.ID, err)
			continue
		}
		if ok {
			dispatched++
		}
	}
	return dispatched
}

// pendingRuns lists unassigned not-started runs, oldest first.
func (d *Dispatcher) pendingRuns(ctx context.Context) ([]*model.WorkflowRun, error) {
	all, err := d.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	var pending []*model.WorkflowRun
	for _, r := range all {
		if r.Status == model.RunStatusNotStarted && r.MachineID == "" {
			pending = append(pending, r)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	return pending, nil
}

// dispatchRun tries the run's candidate machines in load order. Admission
// rejections skip to the next candidate; delivery failures compensate the
// counter, count an attempt, and eventually fail the run.
func (d *Dispatcher) dispatchRun(ctx context.Context, r *model.WorkflowRun) (bool, error) {
	candidates, err := d.candidateMachines(ctx, r)
	if err != nil {
		return false, err
	}
	if len(candidates) == 0 {
		d.log.Debugf("dispatch_no_candidates run=%s", r.ID)
		return false, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].QueueCount != candidates[j].QueueCount {
			return candidates[i].QueueCount < candidates[j].QueueCount
		}
		return candidates[i].ID < candidates[j].ID
	})

	for _, m := range candidates {
		if _, err := d.counter.Increment(ctx, m.ID); err != nil {
			if errors.Is(err, store.ErrQueueFull) || errors.Is(err, store.ErrNotFound) {
				// Machine full or gone: try the next candidate.
				continue
			}
			return false, err
		}

		delivered, err := d.deliver(ctx, r, m)
		if err != nil {
			return false, err
		}
		if delivered {
			return true, nil
		}
		// Delivery failed; compensation already done. Next candidate unless
		// the run just dead-lettered.
		if model.IsTerminal(r.Status) {
			return false, nil
		}
	}
	return false, nil
}

// deliver assigns the machine, then hands the run to its engine. Assignment
// is persisted before delivery so a fast status callback already finds the
// machine reference in place.
func (d *Dispatcher) deliver(ctx context.Context, r *model.WorkflowRun, m *model.Machine) (bool, error) {
	r.MachineID = m.ID
	if err := d.store.SaveRun(ctx, r); err != nil {
		d.compensate(ctx, m.ID)
		return false, fmt.Errorf("assign machine: %w", err)
	}

	contactCtx, cancel := context.WithTimeout(ctx, d.contactTimeout())
	err := d.engine.Dispatch(contactCtx, m, r)
	cancel()
	if err == nil {
		if d.metrics != nil {
			d.metrics.Dispatches.WithLabelValues("dispatched").Inc()
		}
		if d.bus != nil {
			d.bus.Publish(events.EventRunDispatched, map[string]interface{}{
				"run_id":     r.ID,
				"machine_id": m.ID,
			})
		}
		d.log.Infof("dispatch_success run=%s machine=%s", r.ID, m.ID)
		return true, nil
	}

	// Roll the assignment back and account the failed attempt.
	d.compensate(ctx, m.ID)
	r.MachineID = ""
	r.DispatchAttempts++
	r.LastDispatchError = err.Error()
	if saveErr := d.store.SaveRun(ctx, r); saveErr != nil {
		return false, fmt.Errorf("record failed dispatch: %w", saveErr)
	}
	if d.metrics != nil {
		d.metrics.Dispatches.WithLabelValues("failed").Inc()
	}
	d.log.Warnf("dispatch_failed run=%s machine=%s attempts=%d error=%v", r.ID, m.ID, r.DispatchAttempts, err)

	if r.DispatchAttempts >= d.maxAttempts() {
		return false, d.failRun(ctx, r)
	}
	return false, nil
}

func (d *Dispatcher) compensate(ctx context.Context, machineID string) {
	if _, err := d.counter.Decrement(ctx, machineID); err != nil {
		d.log.Errorf("compensate_decrement machine=%s error=%v", machineID, err)
	}
}

// failRun dead-letters a run that exhausted its dispatch attempts. Going
// through the lifecycle manager keeps completion stamping and events on the
// one path.
func (d *Dispatcher) failRun(ctx context.Context, r *model.WorkflowRun) error {
	d.log.Warnf("dispatch_exhausted run=%s attempts=%d last_error=%q", r.ID, r.DispatchAttempts, r.LastDispatchError)
	if d.metrics != nil {
		d.metrics.Dispatches.WithLabelValues("exhausted").Inc()
	}
	status := model.RunStatusFailed
	if err := d.runs.Update(ctx, r.ID, run.UpdateRequest{Status: &status}); err != nil {
		return fmt.Errorf("fail exhausted run %s: %w", r.ID, err)
	}
	r.Status = model.RunStatusFailed
	return nil
}

// candidateMachines resolves the run's target to machines in the run's
// scope. A deleted target yields no candidates; the run stays pending until
// an operator intervenes or the target reappears.
func (d *Dispatcher) candidateMachines(ctx context.Context, r *model.WorkflowRun) ([]*model.Machine, error) {
	if r.Target.MachineID != "" {
		m, err := d.store.GetMachine(ctx, r.Target.MachineID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		if m.Scope != r.Scope {
			return nil, nil
		}
		return []*model.Machine{m}, nil
	}

	memberIDs, err := d.store.ListGroupMembers(ctx, r.Target.GroupID)
	if err != nil {
		return nil, err
	}
	var machines []*model.Machine
	for _, id := range memberIDs {
		m, err := d.store.GetMachine(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if m.Scope != r.Scope {
			continue
		}
		machines = append(machines, m)
	}
	return machines, nil
}
