package model

import (
	"encoding/json"
	"time"
)

// Target is the scheduling target of a run: a single machine or a machine
// group. Exactly one of the two fields is set.
type Target struct {
	MachineID string `json:"machine_id,omitempty"`
	GroupID   string `json:"group_id,omitempty"`
}

func (t Target) IsZero() bool {
	return t.MachineID == "" && t.GroupID == ""
}

// WorkflowRun is one execution instance of a workflow version.
//
// MachineID is empty until the dispatcher assigns a machine; it is a weak
// reference; deleting a machine keeps its historical runs. CompletedAt is
// set exactly once, on the first transition into a terminal status, and is
// never overwritten by later status writes.
type WorkflowRun struct {
	ID                string     `json:"id"`
	WorkflowVersionID string     `json:"workflow_version_id"`
	Scope             Scope      `json:"scope"`
	Target            Target     `json:"target"`
	MachineID         string     `json:"machine_id,omitempty"`
	Status            RunStatus  `json:"status"`
	DispatchAttempts  int        `json:"dispatch_attempts"`
	LastDispatchError string     `json:"last_dispatch_error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// RunOutput is one append-only output payload produced during execution.
// A run owns its outputs; they are cascade-deleted with the run.
type RunOutput struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}
