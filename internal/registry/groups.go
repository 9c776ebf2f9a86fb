package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/droverhq/drover/internal/model"
	"github.com/droverhq/drover/internal/store"
)

// GroupWithMachines is a group with its membership resolved to machine
// records. Members whose machine has since been deleted are dropped from
// the view.
type GroupWithMachines struct {
	Group    *model.MachineGroup `json:"group"`
	Machines []*model.Machine    `json:"machines"`
}

// CreateGroup creates a machine group under the caller's scope.
func (r *Registry) CreateGroup(ctx context.Context, identity model.Identity, name, description string) (*model.MachineGroup, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: group name is required", model.ErrInvalid)
	}

	id, err := model.GenerateID(model.IDTypeGroup)
	if err != nil {
		return nil, fmt.Errorf("generate group ID: %w", err)
	}

	g := &model.MachineGroup{
		ID:          id,
		Name:        name,
		Description: description,
		Scope:       identity.Scope(),
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.store.SaveGroup(ctx, g); err != nil {
		return nil, fmt.Errorf("save group: %w", err)
	}

	r.log.Infof("group_create group=%s name=%s scope=%s", g.ID, name, g.Scope)
	return g, nil
}

// GetGroup returns a group visible to the caller.
func (r *Registry) GetGroup(ctx context.Context, identity model.Identity, groupID string) (*model.MachineGroup, error) {
	g, err := r.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !identity.CanAccess(g.Scope) {
		return nil, store.ErrNotFound
	}
	return g, nil
}

// GroupUpdate holds the mutable group fields. Nil means unchanged.
type GroupUpdate struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

func (r *Registry) UpdateGroup(ctx context.Context, identity model.Identity, groupID string, upd GroupUpdate) (*model.MachineGroup, error) {
	g, err := r.GetGroup(ctx, identity, groupID)
	if err != nil {
		return nil, err
	}
	if upd.Name != nil {
		if *upd.Name == "" {
			return nil, fmt.Errorf("%w: group name cannot be empty", model.ErrInvalid)
		}
		g.Name = *upd.Name
	}
	if upd.Description != nil {
		g.Description = *upd.Description
	}
	if err := r.store.SaveGroup(ctx, g); err != nil {
		return nil, fmt.Errorf("save group: %w", err)
	}
	r.log.Infof("group_update group=%s", groupID)
	return g, nil
}

// DeleteGroup removes the group and its memberships. Member machines are
// never deleted.
func (r *Registry) DeleteGroup(ctx context.Context, identity model.Identity, groupID string) error {
	if _, err := r.GetGroup(ctx, identity, groupID); err != nil {
		return err
	}
	if err := r.store.DeleteGroup(ctx, groupID); err != nil {
		return err
	}
	r.log.Infof("group_delete group=%s", groupID)
	return nil
}

// AddMember adds a machine to a group. Adding an existing member is a
// success no-op: the pre-check-then-insert does not need to be atomic
// because a racing duplicate add converges on the same single membership.
func (r *Registry) AddMember(ctx context.Context, identity model.Identity, groupID, machineID string) error {
	if _, err := r.GetGroup(ctx, identity, groupID); err != nil {
		return err
	}
	if _, err := r.GetMachine(ctx, identity, machineID); err != nil {
		return err
	}

	added, err := r.store.AddGroupMember(ctx, groupID, machineID)
	if err != nil {
		return err
	}
	if added {
		r.log.Infof("group_member_add group=%s machine=%s", groupID, machineID)
	} else {
		r.log.Debugf("group_member_add group=%s machine=%s already_member=true", groupID, machineID)
	}
	return nil
}

// RemoveMember removes a machine from a group. Removing a non-member is a
// no-op.
func (r *Registry) RemoveMember(ctx context.Context, identity model.Identity, groupID, machineID string) error {
	if _, err := r.GetGroup(ctx, identity, groupID); err != nil {
		return err
	}
	if err := r.store.RemoveGroupMember(ctx, groupID, machineID); err != nil {
		return err
	}
	r.log.Infof("group_member_remove group=%s machine=%s", groupID, machineID)
	return nil
}

// ListGroups returns the caller's groups with resolved member machines.
func (r *Registry) ListGroups(ctx context.Context, identity model.Identity) ([]*GroupWithMachines, error) {
	groups, err := r.store.ListGroups(ctx)
	if err != nil {
		return nil, err
	}

	var out []*GroupWithMachines
	for _, g := range groups {
		if !identity.CanAccess(g.Scope) {
			continue
		}
		machines, err := r.resolveMembers(ctx, g.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, &GroupWithMachines{Group: g, Machines: machines})
	}
	return out, nil
}

// GroupMachines resolves a single group's member machines.
func (r *Registry) GroupMachines(ctx context.Context, identity model.Identity, groupID string) ([]*model.Machine, error) {
	if _, err := r.GetGroup(ctx, identity, groupID); err != nil {
		return nil, err
	}
	return r.resolveMembers(ctx, groupID)
}

func (r *Registry) resolveMembers(ctx context.Context, groupID string) ([]*model.Machine, error) {
	memberIDs, err := r.store.ListGroupMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}
	machines := make([]*model.Machine, 0, len(memberIDs))
	for _, id := range memberIDs {
		m, err := r.store.GetMachine(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Machine deleted after joining; membership is stale.
				continue
			}
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, nil
}
