package broker

import "errors"

var (
	// ErrConnection means no candidate node accepted a connection within the
	// attempt budget.
	ErrConnection = errors.New("broker: no candidate node reachable")
	// ErrClusterUnavailable means a lost connection could not be replaced
	// after cycling through every candidate. It is fatal to the Cluster.
	ErrClusterUnavailable = errors.New("broker: cluster unavailable")
	// ErrConnectionLost ends streams whose underlying connection dropped.
	ErrConnectionLost = errors.New("broker: connection lost")
	// ErrNotConnected is returned by Publish while a reconnect is underway.
	ErrNotConnected = errors.New("broker: not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("broker: closed")
)

// IsConnectionFailure reports whether err means the transport itself
// failed, as opposed to a rejected or malformed message.
func IsConnectionFailure(err error) bool {
	return errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrClusterUnavailable) ||
		errors.Is(err, ErrConnection) ||
		errors.Is(err, ErrClosed)
}

// IsTransient reports whether err comes from a connection that dropped while
// the cluster is still failing over. Subscribing again is expected to work
// once the next node is up.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrNotConnected)
}
