package core

import "context"

type ctxKey string

const (
	CtxKeyExecutorId ctxKey = ctxKey("executorId")
	CtxKeyWorkerId   ctxKey = ctxKey("workerId")
	CtxKeyTenantId   ctxKey = ctxKey("tenantId")
	CtxKeyApiKeyId   ctxKey = ctxKey("apiKeyId")
)

// TenantFromContext returns the tenant the request was authenticated for.
func TenantFromContext(ctx context.Context) (string, bool) {
	tenant, ok := ctx.Value(CtxKeyTenantId).(string)
	return tenant, ok && tenant != ""
}

func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, CtxKeyTenantId, tenantID)
}
