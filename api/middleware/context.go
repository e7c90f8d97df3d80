package middleware

import "context"

type contextKey string

const (
	ctxOperator contextKey = "operator"
	ctxRole     contextKey = "actor_role"
)

// OperatorFromContext returns the authenticated operator, or "" for anonymous requests.
func OperatorFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxOperator).(string); ok {
		return v
	}
	return ""
}

func RoleFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxRole).(string); ok {
		return v
	}
	return ""
}

// WithOperator injects an operator identity, for tests and internal callers.
func WithOperator(ctx context.Context, operator, role string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithValue(ctx, ctxOperator, operator)
	return context.WithValue(ctx, ctxRole, role)
}
