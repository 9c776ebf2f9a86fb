// Package auth resolves caller identities at the API boundary. The real
// identity provider is an external collaborator; this package defines the
// boundary interface and a static-token implementation backed by config.
package auth

import (
	"errors"

	"github.com/droverhq/drover/internal/model"
)

// ErrUnauthorized is returned when no identity can be resolved for a caller.
// It is surfaced to the boundary unmodified and never retried.
var ErrUnauthorized = errors.New("unauthorized")

// IdentityResolver maps a bearer token onto a caller identity.
type IdentityResolver interface {
	Resolve(token string) (model.Identity, error)
}

// StaticResolver resolves identities from the static token table in config.
type StaticResolver struct {
	tokens map[string]model.Identity
}

func NewStaticResolver(tokens []model.AuthToken) *StaticResolver {
	r := &StaticResolver{tokens: make(map[string]model.Identity, len(tokens))}
	for _, t := range tokens {
		if t.Token == "" || t.UserID == "" {
			continue
		}
		r.tokens[t.Token] = model.Identity{
			UserID:         t.UserID,
			OrganizationID: t.OrganizationID,
		}
	}
	return r
}

func (r *StaticResolver) Resolve(token string) (model.Identity, error) {
	if token == "" {
		return model.Identity{}, ErrUnauthorized
	}
	id, ok := r.tokens[token]
	if !ok {
		return model.Identity{}, ErrUnauthorized
	}
	return id, nil
}

var _ IdentityResolver = (*StaticResolver)(nil)
