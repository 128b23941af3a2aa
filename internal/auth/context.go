package auth

import "context"

type decisionContextKey struct{}
type tokenContextKey struct{}

// ContextWithDecision attaches the gate decision for the current request.
func ContextWithDecision(ctx context.Context, d Decision) context.Context {
	return context.WithValue(ctx, decisionContextKey{}, &d)
}

// DecisionFromContext extracts the gate decision from the context.
func DecisionFromContext(ctx context.Context) (Decision, bool) {
	if ctx == nil {
		return Decision{}, false
	}
	v, ok := ctx.Value(decisionContextKey{}).(*Decision)
	if !ok || v == nil {
		return Decision{}, false
	}
	return *v, true
}

// LoginFromContext returns the authenticated login, if any.
func LoginFromContext(ctx context.Context) (string, bool) {
	d, ok := DecisionFromContext(ctx)
	if !ok || d.User.Login == "" {
		return "", false
	}
	return d.User.Login, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
