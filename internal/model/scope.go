package model

import "fmt"

// ScopeKind discriminates the owner of a scoped record.
type ScopeKind string

const (
	ScopeKindUser         ScopeKind = "user"
	ScopeKindOrganization ScopeKind = "organization"
)

// Scope is the owning scope of a machine, group, or run: either a user or an
// organization, never both. The tagged form makes the mutual exclusivity
// structural instead of relying on two nullable foreign keys.
type Scope struct {
	Kind ScopeKind `json:"kind"`
	ID   string    `json:"id"`
}

func UserScope(userID string) Scope {
	return Scope{Kind: ScopeKindUser, ID: userID}
}

func OrganizationScope(orgID string) Scope {
	return Scope{Kind: ScopeKindOrganization, ID: orgID}
}

func (s Scope) IsZero() bool {
	return s.Kind == "" && s.ID == ""
}

func (s Scope) String() string {
	return fmt.Sprintf("%s:%s", s.Kind, s.ID)
}

// Identity is a resolved caller: a user, optionally acting inside an
// organization.
type Identity struct {
	UserID         string
	OrganizationID string
}

// Scope returns the owning scope new records are created under.
// Organization membership takes precedence over the personal scope.
func (id Identity) Scope() Scope {
	if id.OrganizationID != "" {
		return OrganizationScope(id.OrganizationID)
	}
	return UserScope(id.UserID)
}

// CanAccess reports whether the identity may read or mutate a record owned
// by scope. An organization member also keeps access to their personal
// records.
func (id Identity) CanAccess(scope Scope) bool {
	switch scope.Kind {
	case ScopeKindOrganization:
		return id.OrganizationID == scope.ID
	case ScopeKindUser:
		return id.UserID == scope.ID
	default:
		return false
	}
}
