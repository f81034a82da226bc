// Package requestcontext provides transport-independent context accessors for
// request-scoped values.
//
// The dispatcher sets these values when it accepts a request; handlers and
// stores read them without importing the broker or rpc packages.
//
// Usage in handlers (read values):
//
//	corrID := requestcontext.CorrelationID(ctx)
//	now := requestcontext.Now(ctx)
//
// Usage in the dispatcher (set values):
//
//	ctx = requestcontext.WithCorrelationID(ctx, req.CorrelationID)
//	ctx = requestcontext.WithTime(ctx, req.SentAt)
//
// Usage in tests (inject values):
//
//	ctx = requestcontext.WithTime(ctx, fixedTime)
package requestcontext

import (
	"context"
	"time"
)

// Context key types (unexported for encapsulation).
type (
	correlationIDKey  struct{}
	operationKey      struct{}
	idempotencyKeyKey struct{}
	replicaIDKey      struct{}
	requestTimeKey    struct{}
)

// Exported context keys for direct use in tests that need context.WithValue.
var (
	ContextKeyCorrelationID  = correlationIDKey{}
	ContextKeyOperation      = operationKey{}
	ContextKeyIdempotencyKey = idempotencyKeyKey{}
	ContextKeyReplicaID      = replicaIDKey{}
	ContextKeyRequestTime    = requestTimeKey{}
)

// -----------------------------------------------------------------------------
// Request metadata
// -----------------------------------------------------------------------------

// CorrelationID retrieves the correlation id of the request being handled.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(ContextKeyCorrelationID).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID injects a correlation id into the context.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, ContextKeyCorrelationID, correlationID)
}

// Operation retrieves the operation kind of the request being handled.
func Operation(ctx context.Context) string {
	if op, ok := ctx.Value(ContextKeyOperation).(string); ok {
		return op
	}
	return ""
}

// WithOperation injects an operation kind into the context.
func WithOperation(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, ContextKeyOperation, op)
}

// IdempotencyKey retrieves the caller-supplied idempotency key, if any.
func IdempotencyKey(ctx context.Context) string {
	if key, ok := ctx.Value(ContextKeyIdempotencyKey).(string); ok {
		return key
	}
	return ""
}

// WithIdempotencyKey injects an idempotency key into the context.
// Useful for handler unit tests that don't run through the dispatcher.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ContextKeyIdempotencyKey, key)
}

// ReplicaID retrieves the id of the recommender replica serving the request.
func ReplicaID(ctx context.Context) string {
	if id, ok := ctx.Value(ContextKeyReplicaID).(string); ok {
		return id
	}
	return ""
}

// WithReplicaID injects a replica id into the context.
func WithReplicaID(ctx context.Context, replicaID string) context.Context {
	return context.WithValue(ctx, ContextKeyReplicaID, replicaID)
}

// -----------------------------------------------------------------------------
// Request time
// -----------------------------------------------------------------------------

// Now retrieves the request-scoped time from context.
// Falls back to time.Now() if not set (for contexts outside the dispatcher like CLI and tests).
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(ContextKeyRequestTime).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime injects a specific time into a context.
// Useful for:
//   - Handler unit tests that need deterministic timestamps
//   - Replicas that score a whole query against one instant
//   - CLI commands
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyRequestTime, t)
}
