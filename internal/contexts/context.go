package contexts

import (
	"context"

	"github.com/formahq/forma/internal/authz"
)

// ContextKey defines the context key type.
type ContextKey string

const (
	// containerContextKey is used to store the context container in the context.
	containerContextKey ContextKey = "context_container"
)

// WithTenantID stores the tenant id in the context.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	container := getContainer(ctx)
	container.TenantID = &tenantID

	return withContainer(ctx, container)
}

// GetTenantID retrieves the tenant id from the context.
func GetTenantID(ctx context.Context) (string, bool) {
	container := getContainer(ctx)
	if container.TenantID != nil {
		return *container.TenantID, true
	}

	return "", false
}

// WithPrincipal stores the authorization principal in the context.
func WithPrincipal(ctx context.Context, p authz.Principal) context.Context {
	container := getContainer(ctx)
	container.Principal = &p

	return withContainer(ctx, container)
}

// GetPrincipal retrieves the authorization principal from the context.
func GetPrincipal(ctx context.Context) (authz.Principal, bool) {
	container := getContainer(ctx)
	if container.Principal != nil {
		return *container.Principal, true
	}

	return authz.Principal{}, false
}

// WithTraceID stores the trace id in the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	container := getContainer(ctx)
	container.TraceID = &traceID

	return withContainer(ctx, container)
}

// GetTraceID retrieves the trace id from the context.
func GetTraceID(ctx context.Context) (string, bool) {
	container := getContainer(ctx)
	if container.TraceID != nil {
		return *container.TraceID, true
	}

	return "", false
}

// WithOperationName stores the operation name in the context.
func WithOperationName(ctx context.Context, name string) context.Context {
	container := getContainer(ctx)
	container.OperationName = &name

	return withContainer(ctx, container)
}

// GetOperationName retrieves the operation name from the context.
func GetOperationName(ctx context.Context) (string, bool) {
	container := getContainer(ctx)
	if container.OperationName != nil {
		return *container.OperationName, true
	}

	return "", false
}

// AppendError records an error on the request container for access logging.
func AppendError(ctx context.Context, err error) {
	if err == nil {
		return
	}

	container := getContainer(ctx)
	container.mu.Lock()
	container.Errors = append(container.Errors, err)
	container.mu.Unlock()
}

// GetErrors returns all errors recorded on the request container.
func GetErrors(ctx context.Context) []error {
	container := getContainer(ctx)
	container.mu.RLock()
	defer container.mu.RUnlock()

	errs := make([]error, len(container.Errors))
	copy(errs, container.Errors)

	return errs
}
