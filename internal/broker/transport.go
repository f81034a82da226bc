package broker

import "context"

// Dialer opens a connection to a single broker node.
type Dialer interface {
	Dial(ctx context.Context, node string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, node string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, node string) (Conn, error) {
	return f(ctx, node)
}

// Conn is a live connection to one node.
type Conn interface {
	Node() string
	Publish(ctx context.Context, destination string, msg Message) error
	Subscribe(ctx context.Context, destination string, opts SubscribeOptions) (Stream, error)
	// ConcurrentSafe reports whether Publish may be called from several
	// goroutines at once. The Cluster serializes publishes when it is false.
	ConcurrentSafe() bool
	// Done is closed when the connection is lost or closed.
	Done() <-chan struct{}
	Close() error
}

// Stream delivers messages for one subscription.
type Stream interface {
	// Messages is closed when the stream ends; Err then reports why.
	Messages() <-chan Message
	Err() error
	Close() error
}
