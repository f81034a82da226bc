package testutil

import (
	"context"
	"testing"
	"time"

	"parkline/pkg/requestcontext"
)

// Context returns a context cancelled when the test ends or after timeout,
// whichever comes first.
func Context(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// RequestContext is what a handler sees for a request with the given
// correlation id evaluated at now.
func RequestContext(correlationID string, now time.Time) context.Context {
	ctx := requestcontext.WithCorrelationID(context.Background(), correlationID)
	return requestcontext.WithTime(ctx, now)
}
