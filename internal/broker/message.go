// Package broker holds the connection to a clustered message broker.
//
// A Cluster owns one live connection to one of several interchangeable
// broker nodes and moves to the next candidate when that connection drops.
// It exposes only Publish and Subscribe and never looks inside message
// bodies. Delivery is not retried here; whether a message may be resent is
// decided by the layer that knows what the message means.
package broker

// Message is one unit moved through the broker. Body is opaque.
type Message struct {
	Destination string
	Key         string
	Headers     map[string]string
	Body        []byte
}

// SubscribeOptions describe how a destination is consumed.
type SubscribeOptions struct {
	// Group makes subscribers with the same group compete for messages so
	// each message reaches exactly one of them.
	Group string
	// AutoDelete declares a private destination that is removed from the
	// broker when the subscription closes.
	AutoDelete bool
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*SubscribeOptions)

// WithGroup joins the competing-consumer group name.
func WithGroup(name string) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Group = name
	}
}

// AutoDelete marks the destination as private to this subscription.
func AutoDelete() SubscribeOption {
	return func(o *SubscribeOptions) {
		o.AutoDelete = true
	}
}
