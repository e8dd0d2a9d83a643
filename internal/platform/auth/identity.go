package auth

import "context"

// Identity is the authenticated principal of a request.
type Identity struct {
	Subject string
	Roles   []string
	Email   string
}

type identityKey struct{}

// WithIdentity returns a context carrying the authenticated identity.
func WithIdentity(ctx context.Context, subject string, roles []string, email string) context.Context {
	return context.WithValue(ctx, identityKey{}, Identity{Subject: subject, Roles: roles, Email: email})
}

// IdentityFromContext returns the identity and whether one was set.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

func UserIDFromContext(ctx context.Context) string {
	id, _ := IdentityFromContext(ctx)
	return id.Subject
}

func RolesFromContext(ctx context.Context) []string {
	id, _ := IdentityFromContext(ctx)
	return id.Roles
}

func EmailFromContext(ctx context.Context) string {
	id, _ := IdentityFromContext(ctx)
	return id.Email
}
