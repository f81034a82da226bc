package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryNetwork is an in-process broker cluster. Every node shares the same
// set of queues, so nodes are interchangeable the way a real cluster's are.
// Subscribers on the same destination compete for its messages.
type MemoryNetwork struct {
	mu      sync.Mutex
	up      map[string]bool
	queues  map[string]*memQueue
	deleted map[string]struct{}
	conns   map[*memConn]struct{}
}

// NewMemoryNetwork creates a network with the given nodes, all up.
func NewMemoryNetwork(nodes ...string) *MemoryNetwork {
	n := &MemoryNetwork{
		up:      make(map[string]bool, len(nodes)),
		queues:  make(map[string]*memQueue),
		deleted: make(map[string]struct{}),
		conns:   make(map[*memConn]struct{}),
	}
	for _, node := range nodes {
		n.up[node] = true
	}
	return n
}

// Dial implements Dialer.
func (n *MemoryNetwork) Dial(ctx context.Context, node string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	up, known := n.up[node]
	if !known {
		return nil, fmt.Errorf("unknown node %q", node)
	}
	if !up {
		return nil, fmt.Errorf("node %q refused connection", node)
	}
	conn := &memConn{net: n, node: node, done: make(chan struct{})}
	n.conns[conn] = struct{}{}
	return conn, nil
}

// Fail takes node down and drops every connection to it.
func (n *MemoryNetwork) Fail(node string) {
	n.mu.Lock()
	n.up[node] = false
	var victims []*memConn
	for conn := range n.conns {
		if conn.node == node {
			victims = append(victims, conn)
		}
	}
	n.mu.Unlock()

	for _, conn := range victims {
		conn.drop()
	}
}

// Recover brings node back up.
func (n *MemoryNetwork) Recover(node string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.up[node] = true
}

// Destinations lists the declared destinations.
func (n *MemoryNetwork) Destinations() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	names := make([]string, 0, len(n.queues))
	for name := range n.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasDestination reports whether name is currently declared.
func (n *MemoryNetwork) HasDestination(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.queues[name]
	return ok
}

// Depth returns the number of undelivered messages on name.
func (n *MemoryNetwork) Depth(name string) int {
	n.mu.Lock()
	q, ok := n.queues[name]
	n.mu.Unlock()
	if !ok {
		return 0
	}
	return q.len()
}

func (n *MemoryNetwork) declare(name string, autoDelete bool) *memQueue {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.deleted, name)
	q, ok := n.queues[name]
	if !ok {
		q = newMemQueue(autoDelete)
		n.queues[name] = q
	}
	return q
}

func (n *MemoryNetwork) remove(name string, q *memQueue) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.queues[name] == q {
		delete(n.queues, name)
		n.deleted[name] = struct{}{}
	}
	q.destroy()
}

// publish enqueues msg. Messages to a deleted private destination are
// dropped, like a broker routing to a queue that no longer exists.
func (n *MemoryNetwork) publish(name string, msg Message) {
	n.mu.Lock()
	if _, gone := n.deleted[name]; gone {
		n.mu.Unlock()
		return
	}
	q, ok := n.queues[name]
	if !ok {
		q = newMemQueue(false)
		n.queues[name] = q
	}
	n.mu.Unlock()
	q.push(msg)
}

func (n *MemoryNetwork) forget(conn *memConn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.conns, conn)
}

type memQueue struct {
	mu         sync.Mutex
	items      []Message
	signal     chan struct{}
	autoDelete bool
	destroyed  bool
}

func newMemQueue(autoDelete bool) *memQueue {
	return &memQueue{signal: make(chan struct{}), autoDelete: autoDelete}
}

func (q *memQueue) push(msg Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return
	}
	q.items = append(q.items, msg)
	close(q.signal)
	q.signal = make(chan struct{})
}

func (q *memQueue) requeue(msg Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return
	}
	q.items = append([]Message{msg}, q.items...)
	close(q.signal)
	q.signal = make(chan struct{})
}

// pop blocks until a message is available, stop is closed or the queue is
// destroyed.
func (q *memQueue) pop(stop <-chan struct{}) (Message, bool) {
	for {
		q.mu.Lock()
		if q.destroyed {
			q.mu.Unlock()
			return Message{}, false
		}
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, true
		}
		signal := q.signal
		q.mu.Unlock()

		select {
		case <-signal:
		case <-stop:
			return Message{}, false
		}
	}
}

func (q *memQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *memQueue) destroy() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return
	}
	q.destroyed = true
	q.items = nil
	close(q.signal)
}

type memConn struct {
	net  *MemoryNetwork
	node string

	once sync.Once
	done chan struct{}
	lost bool

	mu      sync.Mutex
	private []*memStream
}

func (c *memConn) Node() string          { return c.node }
func (c *memConn) ConcurrentSafe() bool  { return true }
func (c *memConn) Done() <-chan struct{} { return c.done }

func (c *memConn) Publish(ctx context.Context, destination string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnectionLost
	default:
	}
	c.net.publish(destination, msg)
	return nil
}

func (c *memConn) Subscribe(ctx context.Context, destination string, opts SubscribeOptions) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-c.done:
		return nil, ErrConnectionLost
	default:
	}

	q := c.net.declare(destination, opts.AutoDelete)
	s := &memStream{
		conn:        c,
		destination: destination,
		queue:       q,
		autoDelete:  opts.AutoDelete,
		out:         make(chan Message),
		stop:        make(chan struct{}),
		finished:    make(chan struct{}),
	}
	if opts.AutoDelete {
		c.mu.Lock()
		c.private = append(c.private, s)
		c.mu.Unlock()
	}
	go s.run()
	return s, nil
}

// drop simulates the node going away. Private destinations owned by the
// connection go with it.
func (c *memConn) drop() {
	c.once.Do(func() {
		c.mu.Lock()
		c.lost = true
		private := c.private
		c.private = nil
		c.mu.Unlock()

		close(c.done)
		for _, s := range private {
			c.net.remove(s.destination, s.queue)
		}
		c.net.forget(c)
	})
}

func (c *memConn) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		private := c.private
		c.private = nil
		c.mu.Unlock()

		close(c.done)
		for _, s := range private {
			c.net.remove(s.destination, s.queue)
		}
		c.net.forget(c)
	})
	return nil
}

func (c *memConn) wasLost() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lost
}

type memStream struct {
	conn        *memConn
	destination string
	queue       *memQueue
	autoDelete  bool

	out      chan Message
	stop     chan struct{}
	stopOnce sync.Once
	finished chan struct{}

	mu  sync.Mutex
	err error
}

func (s *memStream) run() {
	defer close(s.finished)
	defer close(s.out)

	halt := make(chan struct{})
	go func() {
		select {
		case <-s.stop:
		case <-s.conn.done:
		}
		close(halt)
	}()

	for {
		msg, ok := s.queue.pop(halt)
		if !ok {
			break
		}
		select {
		case s.out <- msg:
		case <-halt:
			s.queue.requeue(msg)
			s.finish()
			return
		}
	}
	s.finish()
}

func (s *memStream) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	select {
	case <-s.stop:
		s.err = ErrClosed
		return
	default:
	}
	if s.conn.wasLost() {
		s.err = ErrConnectionLost
		return
	}
	select {
	case <-s.conn.done:
		s.err = ErrClosed
	default:
		// queue destroyed underneath us
		s.err = ErrConnectionLost
	}
}

func (s *memStream) Messages() <-chan Message { return s.out }

func (s *memStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *memStream) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.finished
	if s.autoDelete {
		s.conn.net.remove(s.destination, s.queue)
	}
	return nil
}
