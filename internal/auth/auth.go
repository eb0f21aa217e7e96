// Package auth implements bearer-JWT authentication against tokens issued
// by the external User Management service. gpuorch never issues tokens
// itself — it only validates the signature and extracts claims.
package auth

import (
	"context"

	"github.com/google/uuid"
)

// Roles recognised by the RBAC checks.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// ValidRoles lists all known roles in descending privilege order.
var ValidRoles = []string{RoleAdmin, RoleUser}

// IsValidRole reports whether role is a recognised RBAC role.
func IsValidRole(role string) bool {
	for _, r := range ValidRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Identity represents the authenticated caller for the current request.
type Identity struct {
	UserID uuid.UUID // subject of the token, the owner of jobs/instances
	Email  string
	Role   string // one of the Role* constants
}

type ctxKey string

const identityKey ctxKey = "auth_identity"

// NewContext stores the identity in the context.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the identity from the context. Returns nil if no
// identity is set.
func FromContext(ctx context.Context) *Identity {
	v, _ := ctx.Value(identityKey).(*Identity)
	return v
}
