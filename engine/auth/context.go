package auth

import (
	"context"

	"github.com/openclaw/gateway/engine/tenant"
)

type contextKey string

const (
	userIDCtxKey   contextKey = "tenant_user_id"
	instanceCtxKey contextKey = "tenant_instance"
)

// WithUserID attaches the authenticated tenant's user id to the
// context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDCtxKey, userID)
}

// UserIDFromContext returns the authenticated tenant's user id, if any.
func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDCtxKey).(string)
	return userID, ok && userID != ""
}

// WithInstance attaches a snapshot of the authenticated tenant's
// instance to the context.
func WithInstance(ctx context.Context, inst *tenant.Instance) context.Context {
	return context.WithValue(ctx, instanceCtxKey, inst)
}

// InstanceFromContext returns the tenant instance snapshot taken when
// the request authenticated. Handlers read config and workspace paths
// from here instead of querying the manager again.
func InstanceFromContext(ctx context.Context) (*tenant.Instance, bool) {
	inst, ok := ctx.Value(instanceCtxKey).(*tenant.Instance)
	return inst, ok && inst != nil
}
