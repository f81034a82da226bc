package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultMaxCycles    = 3
	defaultCycleBackoff = 500 * time.Millisecond
	defaultDialTimeout  = 5 * time.Second
)

// Config lists the candidate nodes and the reconnect budget.
type Config struct {
	// Nodes are interchangeable broker addresses, tried in order.
	Nodes []string
	// MaxCycles is how many full passes over Nodes are made before giving up.
	MaxCycles int
	// CycleBackoff is the pause between passes.
	CycleBackoff time.Duration
	// DialTimeout bounds a single dial attempt.
	DialTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxCycles <= 0 {
		c.MaxCycles = defaultMaxCycles
	}
	if c.CycleBackoff <= 0 {
		c.CycleBackoff = defaultCycleBackoff
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	return c
}

// Option configures a Cluster.
type Option func(*Cluster)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cluster) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(c *Cluster) {
		c.metrics = m
	}
}

// Cluster is an explicitly owned handle on a broker cluster. Whoever
// constructs it is responsible for calling Close.
type Cluster struct {
	dialer  Dialer
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics

	mu        sync.RWMutex
	conn      Conn
	current   int
	connected chan struct{} // closed while conn is live
	fatal     error
	done      chan struct{}

	publishMu sync.Mutex

	stopCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// Connect dials the first reachable candidate. It fails with ErrConnection
// when no candidate answers within cfg.MaxCycles passes.
func Connect(ctx context.Context, dialer Dialer, cfg Config, opts ...Option) (*Cluster, error) {
	if dialer == nil {
		return nil, fmt.Errorf("broker dialer is required")
	}
	if len(cfg.Nodes) == 0 {
		return nil, fmt.Errorf("at least one broker node is required")
	}

	c := &Cluster{
		dialer:    dialer,
		cfg:       cfg.withDefaults(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.stopCtx, c.stop = context.WithCancel(context.Background())

	conn, idx, err := c.dialCycles(ctx, 0)
	if err != nil {
		c.stop()
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	c.setConn(conn, idx)

	c.wg.Add(1)
	go c.watch(conn)

	return c, nil
}

// dialCycles walks the candidates round-robin starting at start.
func (c *Cluster) dialCycles(ctx context.Context, start int) (Conn, int, error) {
	n := len(c.cfg.Nodes)
	var lastErr error
	for cycle := 0; cycle < c.cfg.MaxCycles; cycle++ {
		if cycle > 0 {
			select {
			case <-time.After(c.cfg.CycleBackoff):
			case <-ctx.Done():
				return nil, -1, ctx.Err()
			case <-c.stopCtx.Done():
				return nil, -1, ErrClosed
			}
		}
		for i := 0; i < n; i++ {
			idx := (start + i) % n
			node := c.cfg.Nodes[idx]

			dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
			conn, err := c.dialer.Dial(dialCtx, node)
			cancel()
			if err == nil {
				return conn, idx, nil
			}
			lastErr = err
			c.metrics.incDialFailure(node)
			c.logger.Warn("broker dial failed",
				"node", node,
				"cycle", cycle+1,
				"error", err,
			)
			if ctx.Err() != nil {
				return nil, -1, ctx.Err()
			}
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no dial attempted")
	}
	return nil, -1, lastErr
}

func (c *Cluster) setConn(conn Conn, idx int) {
	c.mu.Lock()
	c.conn = conn
	c.current = idx
	close(c.connected)
	c.mu.Unlock()
	c.metrics.setConnected(true)
	c.logger.Info("broker connected", "node", conn.Node())
}

// watch replaces the connection each time it drops. It tracks the
// connection it installed rather than c.conn, which callers may already have
// cleared.
func (c *Cluster) watch(conn Conn) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCtx.Done():
			return
		case <-conn.Done():
		}

		c.markLost(conn)
		c.mu.RLock()
		next := (c.current + 1) % len(c.cfg.Nodes)
		c.mu.RUnlock()
		_ = conn.Close()

		c.logger.Warn("broker connection lost, trying next candidate",
			"node", conn.Node(),
			"next", c.cfg.Nodes[next],
		)

		replacement, idx, err := c.dialCycles(c.stopCtx, next)
		if err != nil {
			if c.stopCtx.Err() != nil {
				return
			}
			c.logger.Error("broker cluster unavailable",
				"cycles", c.cfg.MaxCycles,
				"error", err,
			)
			c.fail(fmt.Errorf("%w: %w", ErrClusterUnavailable, err))
			return
		}
		c.setConn(replacement, idx)
		c.metrics.incReconnects()
		conn = replacement
	}
}

// markLost retires conn if it is still the current connection. Both the
// watcher and callers that notice a dead connection first may call it; the
// watcher alone dials the replacement.
func (c *Cluster) markLost(conn Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = make(chan struct{})
	c.mu.Unlock()
	c.metrics.setConnected(false)
}

func isDead(conn Conn) bool {
	select {
	case <-conn.Done():
		return true
	default:
		return false
	}
}

func (c *Cluster) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatal != nil {
		return
	}
	c.fatal = err
	close(c.done)
}

// Done is closed once the cluster is unusable, either because reconnecting
// failed or because Close was called. Err reports which.
func (c *Cluster) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal error, or nil while the cluster is usable.
func (c *Cluster) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fatal
}

// Node returns the node currently connected, or "" during a reconnect.
func (c *Cluster) Node() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return ""
	}
	return c.conn.Node()
}

// Connected reports whether a connection is live.
func (c *Cluster) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.fatal == nil
}

// Publish sends msg to destination on the current connection. It does not
// wait for a reconnect in progress and does not retry.
func (c *Cluster) Publish(ctx context.Context, destination string, msg Message) error {
	c.mu.RLock()
	conn, fatal := c.conn, c.fatal
	c.mu.RUnlock()

	if fatal != nil {
		return fatal
	}
	if conn == nil {
		return ErrNotConnected
	}
	if isDead(conn) {
		c.markLost(conn)
		return ErrNotConnected
	}

	msg.Destination = destination
	if !conn.ConcurrentSafe() {
		c.publishMu.Lock()
		defer c.publishMu.Unlock()
	}
	if err := conn.Publish(ctx, destination, msg); err != nil {
		c.metrics.incPublishFailures()
		return fmt.Errorf("publish to %s: %w", destination, err)
	}
	return nil
}

// Subscribe opens a stream on destination. If a reconnect is in progress it
// waits for it, bounded by ctx.
func (c *Cluster) Subscribe(ctx context.Context, destination string, opts ...SubscribeOption) (*Subscription, error) {
	var options SubscribeOptions
	for _, opt := range opts {
		opt(&options)
	}

	for {
		conn, err := c.awaitConn(ctx)
		if err != nil {
			return nil, err
		}
		stream, err := conn.Subscribe(ctx, destination, options)
		if err != nil {
			if isDead(conn) {
				// Lost between awaitConn and Subscribe; wait for the next one.
				c.markLost(conn)
				continue
			}
			return nil, fmt.Errorf("subscribe to %s: %w", destination, err)
		}
		return &Subscription{
			Destination: destination,
			Node:        conn.Node(),
			stream:      stream,
		}, nil
	}
}

func (c *Cluster) awaitConn(ctx context.Context) (Conn, error) {
	for {
		c.mu.RLock()
		conn, fatal, connected := c.conn, c.fatal, c.connected
		c.mu.RUnlock()

		if fatal != nil {
			return nil, fatal
		}
		if conn != nil {
			if !isDead(conn) {
				return conn, nil
			}
			c.markLost(conn)
			continue
		}
		select {
		case <-connected:
		case <-c.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops reconnecting and closes the live connection.
func (c *Cluster) Close() error {
	c.stop()
	c.wg.Wait()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	c.fail(ErrClosed)
	c.metrics.setConnected(false)

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Subscription is a stream bound to the connection it was opened on. When
// that connection drops the stream ends with ErrConnectionLost and the owner
// is expected to subscribe again.
type Subscription struct {
	Destination string
	Node        string
	stream      Stream
}

// Messages is closed when the subscription ends.
func (s *Subscription) Messages() <-chan Message {
	return s.stream.Messages()
}

// Err reports why Messages was closed.
func (s *Subscription) Err() error {
	return s.stream.Err()
}

// Close ends the subscription and, for AutoDelete subscriptions, removes the
// destination.
func (s *Subscription) Close() error {
	return s.stream.Close()
}
