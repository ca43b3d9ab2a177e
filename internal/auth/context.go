package auth

import "context"

// Principal is the signed-in clinic owner. OwnerID is the session subject and
// keys every tenant-scoped row.
type Principal struct {
	OwnerID    string
	Email      string
	Role       string
	AuthMethod string // jwt or cron_secret
}

type principalContextKey struct{}

func WithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, principal)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalContextKey{}).(Principal)
	return principal, ok
}
