// Package store persists machines, groups, runs, and run outputs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/droverhq/drover/internal/model"
)

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrQueueFull is returned by IncrementQueue when the machine is at its
	// configured maximum queue size. Admission control for the dispatcher.
	ErrQueueFull = errors.New("machine queue full")
)

// Store is the persistence boundary. Counter mutations and run status
// transitions are atomic at this layer: concurrent calls for the same
// machine or run are linearizable, never lost to read-modify-write races.
type Store interface {
	SaveMachine(ctx context.Context, m *model.Machine) error
	GetMachine(ctx context.Context, id string) (*model.Machine, error)
	ListMachines(ctx context.Context) ([]*model.Machine, error)
	DeleteMachine(ctx context.Context, id string) error

	SaveGroup(ctx context.Context, g *model.MachineGroup) error
	GetGroup(ctx context.Context, id string) (*model.MachineGroup, error)
	ListGroups(ctx context.Context) ([]*model.MachineGroup, error)
	// DeleteGroup removes the group and its membership records. Referenced
	// machines are never touched.
	DeleteGroup(ctx context.Context, id string) error

	// AddGroupMember records a (group, machine) membership. Re-adding an
	// existing member reports added=false with no error.
	AddGroupMember(ctx context.Context, groupID, machineID string) (added bool, err error)
	RemoveGroupMember(ctx context.Context, groupID, machineID string) error
	ListGroupMembers(ctx context.Context, groupID string) ([]string, error)

	SaveRun(ctx context.Context, r *model.WorkflowRun) error
	GetRun(ctx context.Context, id string) (*model.WorkflowRun, error)
	ListRuns(ctx context.Context) ([]*model.WorkflowRun, error)
	// DeleteRun removes the run and cascades its outputs.
	DeleteRun(ctx context.Context, id string) error

	AppendOutput(ctx context.Context, o *model.RunOutput) error
	ListOutputs(ctx context.Context, runID string) ([]*model.RunOutput, error)

	// TransitionRun writes a new status inside one transaction: it reads the
	// previous status, computes the completion predicate, sets CompletedAt on
	// the first terminal transition (clearing it on non-terminal writes), and
	// returns the updated run plus whether this call completed the run.
	// Under concurrent terminal writes exactly one caller observes
	// completing=true.
	TransitionRun(ctx context.Context, runID string, status model.RunStatus, now time.Time) (*model.WorkflowRun, bool, error)

	// IncrementQueue raises the machine's queue count by one, rejecting with
	// ErrQueueFull at max_queue_size (0 = unbounded). Returns the new count.
	IncrementQueue(ctx context.Context, machineID string) (int, error)
	// DecrementQueue lowers the count by one, floored at zero. A missing
	// machine is a no-op, not an error.
	DecrementQueue(ctx context.Context, machineID string) (int, error)
	// SetQueue overwrites the count with an authoritative value, clamped to
	// be non-negative. Reconciler only.
	SetQueue(ctx context.Context, machineID string, value int) (int, error)

	Close() error
}
