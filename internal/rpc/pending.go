package rpc

import (
	"sync"

	"github.com/google/uuid"
)

// pendingTable maps correlation ids to outstanding calls. Whoever takes a
// call out of the table owns finishing it, so each call has exactly one
// outcome no matter which of reply, deadline, cancellation or connection
// loss gets there first.
type pendingTable struct {
	mu    sync.Mutex
	calls map[string]*Call
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]*Call)}
}

// register stores call under a fresh correlation id and returns the id.
func (t *pendingTable) register(call *Call) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		id := uuid.NewString()
		if _, taken := t.calls[id]; taken {
			continue
		}
		t.calls[id] = call
		return id
	}
}

// take removes and returns the call for id.
func (t *pendingTable) take(id string) (*Call, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	return call, ok
}

// drain removes every call.
func (t *pendingTable) drain() []*Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	calls := make([]*Call, 0, len(t.calls))
	for _, call := range t.calls {
		calls = append(calls, call)
	}
	t.calls = make(map[string]*Call)
	return calls
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
