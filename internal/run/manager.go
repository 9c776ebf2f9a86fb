// Package run owns the workflow run lifecycle: status transitions, output
// accumulation, and the exactly-once completion accounting against the
// machine queue counter.
package run

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/metrics"
	"github.com/droverhq/drover/internal/model"
	"github.com/droverhq/drover/internal/queue"
	"github.com/droverhq/drover/internal/store"
)

// Manager validates and applies run mutations. Completion accounting rides
// on the store's transactional transition: of any number of terminal status
// writes for one run, exactly one observes a non-terminal previous status,
// and only that one decrements the assigned machine's queue counter.
type Manager struct {
	store   store.Store
	counter *queue.Counter
	bus     *events.Bus
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
}

func NewManager(st store.Store, counter *queue.Counter, bus *events.Bus, m *metrics.Metrics, log *zap.SugaredLogger) *Manager {
	return &Manager{
		store:   st,
		counter: counter,
		bus:     bus,
		metrics: m,
		log:     log.Named("run"),
	}
}

// UpdateRequest carries the two independent axes of a run update. Either or
// both may be set.
type UpdateRequest struct {
	Status *model.RunStatus
	Output json.RawMessage
}

// Create accepts a new run for the caller's scope. The run starts
// not-started and unassigned; the dispatcher picks a machine later.
func (m *Manager) Create(ctx context.Context, identity model.Identity, workflowVersionID string, target model.Target) (*model.WorkflowRun, error) {
	if workflowVersionID == "" {
		return nil, fmt.Errorf("%w: workflow version ID is required", model.ErrInvalid)
	}
	if target.IsZero() {
		return nil, fmt.Errorf("%w: scheduling target (machine or group) is required", model.ErrInvalid)
	}
	if target.MachineID != "" && target.GroupID != "" {
		return nil, fmt.Errorf("%w: scheduling target must be a machine or a group, not both", model.ErrInvalid)
	}

	id, err := model.GenerateID(model.IDTypeRun)
	if err != nil {
		return nil, fmt.Errorf("generate run ID: %w", err)
	}

	r := &model.WorkflowRun{
		ID:                id,
		WorkflowVersionID: workflowVersionID,
		Scope:             identity.Scope(),
		Target:            target,
		Status:            model.RunStatusNotStarted,
		CreatedAt:         time.Now().UTC(),
	}
	if err := m.store.SaveRun(ctx, r); err != nil {
		return nil, fmt.Errorf("save run: %w", err)
	}

	m.log.Infof("run_create run=%s workflow_version=%s scope=%s", r.ID, workflowVersionID, r.Scope)
	m.publish(events.EventRunCreated, map[string]interface{}{
		"run_id":              r.ID,
		"workflow_version_id": workflowVersionID,
	})
	return r, nil
}

// Update applies a status update from a machine callback. The output append
// and the status write are two separate commits: an appended output stays
// durable even if the subsequent status write fails, so callers must treat
// the operation as non-atomic across its two effects.
func (m *Manager) Update(ctx context.Context, runID string, req UpdateRequest) error {
	if req.Output != nil {
		if err := m.appendOutput(ctx, runID, req.Output); err != nil {
			return err
		}
	}

	if req.Status == nil {
		if req.Output == nil {
			// Nothing to do, but an unknown run is still the caller's error.
			if _, err := m.store.GetRun(ctx, runID); err != nil {
				return err
			}
		}
		return nil
	}

	updated, completing, err := m.store.TransitionRun(ctx, runID, *req.Status, time.Now())
	if err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.StatusUpdates.Inc()
	}
	m.log.Infof("run_status run=%s status=%s completing=%t", runID, *req.Status, completing)
	m.publish(events.EventRunStatusChanged, map[string]interface{}{
		"run_id": runID,
		"status": string(*req.Status),
	})

	if !completing {
		return nil
	}

	if m.metrics != nil {
		m.metrics.RunsCompleted.WithLabelValues(string(*req.Status)).Inc()
	}
	m.publish(events.EventRunCompleted, map[string]interface{}{
		"run_id":  runID,
		"status":  string(*req.Status),
		"machine": updated.MachineID,
	})

	if updated.MachineID == "" {
		// Completed without ever being dispatched; nothing to account.
		return nil
	}
	if _, err := m.counter.Decrement(ctx, updated.MachineID); err != nil {
		return fmt.Errorf("decrement queue for machine %s: %w", updated.MachineID, err)
	}
	return nil
}

func (m *Manager) appendOutput(ctx context.Context, runID string, data json.RawMessage) error {
	outputID, err := model.GenerateID(model.IDTypeOutput)
	if err != nil {
		return fmt.Errorf("generate output ID: %w", err)
	}
	o := &model.RunOutput{
		ID:        outputID,
		RunID:     runID,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.AppendOutput(ctx, o); err != nil {
		return err
	}
	m.log.Debugf("run_output run=%s output=%s bytes=%d", runID, outputID, len(data))
	return nil
}

// Get returns a run visible to the caller. Runs outside the caller's scope
// read as not found rather than leaking their existence.
func (m *Manager) Get(ctx context.Context, identity model.Identity, runID string) (*model.WorkflowRun, error) {
	r, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !identity.CanAccess(r.Scope) {
		return nil, store.ErrNotFound
	}
	return r, nil
}

// List returns the caller's runs.
func (m *Manager) List(ctx context.Context, identity model.Identity) ([]*model.WorkflowRun, error) {
	all, err := m.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	var visible []*model.WorkflowRun
	for _, r := range all {
		if identity.CanAccess(r.Scope) {
			visible = append(visible, r)
		}
	}
	return visible, nil
}

// Delete removes a run and its outputs.
func (m *Manager) Delete(ctx context.Context, identity model.Identity, runID string) error {
	if _, err := m.Get(ctx, identity, runID); err != nil {
		return err
	}
	if err := m.store.DeleteRun(ctx, runID); err != nil {
		return err
	}
	m.log.Infof("run_delete run=%s", runID)
	return nil
}

// Outputs returns the run's output log in append order.
func (m *Manager) Outputs(ctx context.Context, identity model.Identity, runID string) ([]*model.RunOutput, error) {
	if _, err := m.Get(ctx, identity, runID); err != nil {
		return nil, err
	}
	return m.store.ListOutputs(ctx, runID)
}

func (m *Manager) publish(t events.EventType, data map[string]interface{}) {
	if m.bus != nil {
		m.bus.Publish(t, data)
	}
}
