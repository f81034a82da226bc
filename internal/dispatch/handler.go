package dispatch

import (
	"context"

	"parkline/internal/rpc"
)

// Handler serves one operation kind. The returned value becomes the body of
// an Ok reply; a returned error becomes an Error reply whose code comes from
// rpc.CodeOf.
type Handler interface {
	Handle(ctx context.Context, req *rpc.Request) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *rpc.Request) (any, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, req *rpc.Request) (any, error) {
	return f(ctx, req)
}
