// Package requestctx carries the resolved caller identity through a request.
package requestctx

import "context"

type callerContextKey struct{}

// Caller is the external participant key resolved for a request. Exactly one
// of UserID or DeviceID is set for a resolved caller.
type Caller struct {
	UserID   string
	DeviceID string
	// Role is set for service callers holding a role claim.
	Role string
}

// RoleFulfilment marks the restaurant side that completes submitted orders.
const RoleFulfilment = "fulfilment"

// HasRole reports whether the caller carries role.
func (c Caller) HasRole(role string) bool {
	return role != "" && c.Role == role
}

// Anonymous reports whether the caller was identified by device only.
func (c Caller) Anonymous() bool {
	return c.UserID == "" && c.DeviceID != ""
}

// IsZero reports whether no identity was resolved.
func (c Caller) IsZero() bool {
	return c.UserID == "" && c.DeviceID == ""
}

// WithCaller stores the caller in context.
func WithCaller(ctx context.Context, caller Caller) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// CallerFromContext returns the caller stored in context, if any.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	if ctx == nil {
		return Caller{}, false
	}
	caller, ok := ctx.Value(callerContextKey{}).(Caller)
	return caller, ok && !caller.IsZero()
}
