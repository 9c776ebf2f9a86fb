// Package model defines the data structures for drover's configuration,
// machines, groups, and workflow runs.
package model

import "time"

// Machine is a registered worker node capable of executing runs.
// QueueCount is the number of runs dispatched to it but not yet terminal;
// it is mutated only through the queue counter and the reconciler.
type Machine struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Scope          Scope     `json:"scope"`
	EngineAddress  string    `json:"engine_address"`
	MaxQueueSize   int       `json:"max_queue_size"`
	QueueCount     int       `json:"queue_count"`
	QueueUpdatedAt time.Time `json:"queue_updated_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// MachineGroup is a named pool of machines usable as a single scheduling
// target. Membership records are owned by the group; deleting a group
// removes its memberships, never the referenced machines.
type MachineGroup struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Scope       Scope     `json:"scope"`
	CreatedAt   time.Time `json:"created_at"`
}

// MachineGroupMember relates one group to one machine. A machine may belong
// to multiple groups; the (group, machine) pair is unique.
type MachineGroupMember struct {
	GroupID   string    `json:"group_id"`
	MachineID string    `json:"machine_id"`
	CreatedAt time.Time `json:"created_at"`
}
