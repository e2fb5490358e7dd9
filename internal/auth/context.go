package auth

import "context"

type principalContextKey struct{}

type authContext struct {
	principal Principal
	token     string
}

// ContextWithPrincipal attaches the authenticated principal and the raw bearer
// token it was resolved from.
func ContextWithPrincipal(ctx context.Context, principal Principal, token string) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &authContext{principal: principal, token: token})
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	ac := authFromContext(ctx)
	if ac == nil {
		return Principal{}, false
	}
	return ac.principal, true
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	ac := authFromContext(ctx)
	if ac == nil || ac.token == "" {
		return "", false
	}
	return ac.token, true
}

func authFromContext(ctx context.Context) *authContext {
	if ctx == nil {
		return nil
	}
	ac, _ := ctx.Value(principalContextKey{}).(*authContext)
	return ac
}
