package auth

import (
	"context"
	"slices"
	"strings"
)

// Roles recognised on back-office routes.
const (
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

// Identity is the staff member behind an admin request. Roles are lower-cased and unique.
type Identity struct {
	UID      string
	Email    string
	Roles    []string
	Bypassed bool
}

func (i *Identity) HasRole(role string) bool {
	role = normaliseRole(role)
	return i != nil && role != "" && slices.Contains(i.Roles, role)
}

func (i *Identity) HasAnyRole(roles ...string) bool {
	return slices.ContainsFunc(roles, i.HasRole)
}

type identityKey struct{}

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext reports the identity admitted by RequireRoles.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, _ := ctx.Value(identityKey{}).(*Identity)
	return identity, identity != nil
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
