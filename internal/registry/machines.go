// Package registry manages machine and machine group records, scoped to the
// calling user or organization.
package registry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/metrics"
	"github.com/droverhq/drover/internal/model"
	"github.com/droverhq/drover/internal/store"
)

// Registry is the machine and group CRUD surface. Records outside the
// caller's scope read as not found so cross-tenant probing cannot confirm
// their existence.
type Registry struct {
	store   store.Store
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
}

func New(st store.Store, m *metrics.Metrics, log *zap.SugaredLogger) *Registry {
	return &Registry{
		store:   st,
		metrics: m,
		log:     log.Named("registry"),
	}
}

// CreateMachine registers a worker machine under the caller's scope.
// maxQueueSize 0 means unbounded.
func (r *Registry) CreateMachine(ctx context.Context, identity model.Identity, name, engineAddress string, maxQueueSize int) (*model.Machine, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: machine name is required", model.ErrInvalid)
	}
	if engineAddress == "" {
		return nil, fmt.Errorf("%w: engine address is required", model.ErrInvalid)
	}
	if maxQueueSize < 0 {
		return nil, fmt.Errorf("%w: max queue size must be >= 0, got %d", model.ErrInvalid, maxQueueSize)
	}

	id, err := model.GenerateID(model.IDTypeMachine)
	if err != nil {
		return nil, fmt.Errorf("generate machine ID: %w", err)
	}

	now := time.Now().UTC()
	m := &model.Machine{
		ID:             id,
		Name:           name,
		Scope:          identity.Scope(),
		EngineAddress:  engineAddress,
		MaxQueueSize:   maxQueueSize,
		QueueCount:     0,
		QueueUpdatedAt: now,
		CreatedAt:      now,
	}
	if err := r.store.SaveMachine(ctx, m); err != nil {
		return nil, fmt.Errorf("save machine: %w", err)
	}

	r.log.Infof("machine_create machine=%s name=%s scope=%s max_queue=%d", m.ID, name, m.Scope, maxQueueSize)
	return m, nil
}

// GetMachine returns a machine visible to the caller.
func (r *Registry) GetMachine(ctx context.Context, identity model.Identity, machineID string) (*model.Machine, error) {
	m, err := r.store.GetMachine(ctx, machineID)
	if err != nil {
		return nil, err
	}
	if !identity.CanAccess(m.Scope) {
		return nil, store.ErrNotFound
	}
	return m, nil
}

// ListMachines returns the caller's machines.
func (r *Registry) ListMachines(ctx context.Context, identity model.Identity) ([]*model.Machine, error) {
	all, err := r.store.ListMachines(ctx)
	if err != nil {
		return nil, err
	}
	var visible []*model.Machine
	for _, m := range all {
		if identity.CanAccess(m.Scope) {
			visible = append(visible, m)
		}
	}
	return visible, nil
}

// MachineUpdate holds the mutable machine fields. Nil means unchanged.
type MachineUpdate struct {
	Name          *string `json:"name,omitempty"`
	EngineAddress *string `json:"engine_address,omitempty"`
	MaxQueueSize  *int    `json:"max_queue_size,omitempty"`
}

// UpdateMachine applies a partial update. The queue count is deliberately
// not updatable here; only the counter and the reconciler write it.
func (r *Registry) UpdateMachine(ctx context.Context, identity model.Identity, machineID string, upd MachineUpdate) (*model.Machine, error) {
	m, err := r.GetMachine(ctx, identity, machineID)
	if err != nil {
		return nil, err
	}

	if upd.Name != nil {
		if *upd.Name == "" {
			return nil, fmt.Errorf("%w: machine name cannot be empty", model.ErrInvalid)
		}
		m.Name = *upd.Name
	}
	if upd.EngineAddress != nil {
		if *upd.EngineAddress == "" {
			return nil, fmt.Errorf("%w: engine address cannot be empty", model.ErrInvalid)
		}
		m.EngineAddress = *upd.EngineAddress
	}
	if upd.MaxQueueSize != nil {
		if *upd.MaxQueueSize < 0 {
			return nil, fmt.Errorf("%w: max queue size must be >= 0, got %d", model.ErrInvalid, *upd.MaxQueueSize)
		}
		m.MaxQueueSize = *upd.MaxQueueSize
	}

	if err := r.store.SaveMachine(ctx, m); err != nil {
		return nil, fmt.Errorf("save machine: %w", err)
	}
	r.log.Infof("machine_update machine=%s", machineID)
	return m, nil
}

// DeleteMachine removes the machine record. Historical runs keep their weak
// reference to the machine ID.
func (r *Registry) DeleteMachine(ctx context.Context, identity model.Identity, machineID string) error {
	if _, err := r.GetMachine(ctx, identity, machineID); err != nil {
		return err
	}
	if err := r.store.DeleteMachine(ctx, machineID); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.ForgetMachine(machineID)
	}
	r.log.Infof("machine_delete machine=%s", machineID)
	return nil
}
