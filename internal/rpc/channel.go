package rpc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"parkline/internal/broker"
	"parkline/pkg/codec"
)

const (
	defaultReplyPrefix = "parkline.reply."
	defaultTimeout     = 5 * time.Second
	tracerName         = "parkline/rpc"
	resubscribeBackoff = 50 * time.Millisecond
)

// Transport is the part of broker.Cluster a Channel uses.
type Transport interface {
	Publish(ctx context.Context, destination string, msg broker.Message) error
	Subscribe(ctx context.Context, destination string, opts ...broker.SubscribeOption) (*broker.Subscription, error)
}

// Config configures a Channel.
type Config struct {
	// RequestDestination is where Call sends requests.
	RequestDestination string
	// ReplyPrefix prefixes the private reply destination name.
	ReplyPrefix string
	// DefaultTimeout applies when a call passes a zero timeout.
	DefaultTimeout time.Duration
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(c *Channel) {
		c.metrics = m
	}
}

// CallOption configures a single call.
type CallOption func(*Request)

// WithIdempotencyKey marks a call as safe to deduplicate on the server.
// Non-idempotent operations should carry one if they may be re-sent.
func WithIdempotencyKey(key string) CallOption {
	return func(r *Request) {
		r.IdempotencyKey = key
	}
}

// Channel multiplexes many concurrent calls over one private reply
// destination. It owns that destination: it is declared in NewChannel and
// deleted by Close.
type Channel struct {
	transport Transport
	cfg       Config
	replyTo   string
	pending   *pendingTable
	logger    *slog.Logger
	metrics   *Metrics
	tracer    trace.Tracer

	mu     sync.Mutex
	sub    *broker.Subscription
	ready  bool
	closed bool
	err    error

	stopCtx   context.Context
	stop      context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewChannel declares the channel's reply destination and starts its reply
// listener.
func NewChannel(ctx context.Context, transport Transport, cfg Config, opts ...Option) (*Channel, error) {
	if transport == nil {
		return nil, fmt.Errorf("rpc transport is required")
	}
	if cfg.ReplyPrefix == "" {
		cfg.ReplyPrefix = defaultReplyPrefix
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}

	c := &Channel{
		transport: transport,
		cfg:       cfg,
		replyTo:   cfg.ReplyPrefix + uuid.NewString(),
		pending:   newPendingTable(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}

	sub, err := transport.Subscribe(ctx, c.replyTo, broker.AutoDelete())
	if err != nil {
		return nil, fmt.Errorf("open reply destination %s: %w", c.replyTo, err)
	}
	c.sub = sub
	c.ready = true
	c.stopCtx, c.stop = context.WithCancel(context.Background())

	c.wg.Add(1)
	go c.listen(sub)

	c.logger.Debug("rpc channel ready", "reply_to", c.replyTo, "node", sub.Node)
	return c, nil
}

// ReplyTo is the name of the channel's private reply destination.
func (c *Channel) ReplyTo() string {
	return c.replyTo
}

// Pending is the number of calls waiting for a reply.
func (c *Channel) Pending() int {
	return c.pending.len()
}

// Call sends op to the configured request destination and waits for the
// outcome.
func (c *Channel) Call(ctx context.Context, op Operation, payload any, timeout time.Duration, opts ...CallOption) (*Reply, error) {
	return c.CallTo(ctx, c.cfg.RequestDestination, op, payload, timeout, opts...)
}

// CallTo sends op to destination and waits for the outcome.
func (c *Channel) CallTo(ctx context.Context, destination string, op Operation, payload any, timeout time.Duration, opts ...CallOption) (*Reply, error) {
	return c.Go(ctx, destination, op, payload, timeout, opts...).Wait()
}

// Go starts a call and returns without waiting. The result is available
// from the returned Call once Done is closed.
func (c *Channel) Go(ctx context.Context, destination string, op Operation, payload any, timeout time.Duration, opts ...CallOption) *Call {
	call := newCall(op, destination)
	call.onDone = c.observe

	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	if destination == "" {
		call.finish(nil, fmt.Errorf("rpc: no destination for %s", op))
		return call
	}
	if !c.isReady() {
		call.finish(nil, c.closedErr())
		return call
	}

	body, err := codec.Raw(payload)
	if err != nil {
		call.finish(nil, fmt.Errorf("rpc: %s: %w", op, err))
		return call
	}

	ctx, span := c.tracer.Start(ctx, "rpc.call "+string(op),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.operation", string(op)),
			attribute.String("messaging.destination", destination),
		),
	)
	call.mu.Lock()
	call.span = span
	call.mu.Unlock()

	id := c.pending.register(call)
	call.CorrelationID = id
	span.SetAttributes(attribute.String("rpc.correlation_id", id))
	c.metrics.setPending(c.pending.len())

	call.setTimer(time.AfterFunc(timeout, func() {
		if expired, ok := c.pending.take(id); ok {
			c.logger.Debug("rpc call timed out",
				"correlation_id", id,
				"operation", op,
				"timeout", timeout,
			)
			expired.finish(nil, fmt.Errorf("%w after %s", ErrRequestTimeout, timeout))
		}
	}))

	req := &Request{
		Operation:     op,
		CorrelationID: id,
		ReplyTo:       c.replyTo,
		SentAt:        time.Now().UTC(),
		Headers:       map[string]string{},
		Payload:       body,
	}
	for _, opt := range opts {
		opt(req)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(req.Headers))

	msg, err := EncodeRequest(req)
	if err != nil {
		c.abandon(id, err)
		return call
	}
	if err := c.transport.Publish(ctx, destination, msg); err != nil {
		if broker.IsConnectionFailure(err) {
			err = fmt.Errorf("%w: %w", ErrChannelClosed, err)
		}
		c.abandon(id, err)
		return call
	}

	if done := ctx.Done(); done != nil {
		go func() {
			select {
			case <-done:
				c.abandon(id, ctx.Err())
			case <-call.done:
			}
		}()
	}
	return call
}

// abandon finishes the call for id with err if it is still pending.
func (c *Channel) abandon(id string, err error) {
	if call, ok := c.pending.take(id); ok {
		call.finish(nil, err)
	}
}

func (c *Channel) observe(call *Call) {
	c.metrics.setPending(c.pending.len())
	c.metrics.observeCall(call.Operation, Classify(call.reply, call.err), call.Elapsed())
}

func (c *Channel) isReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready && !c.closed
}

func (c *Channel) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return fmt.Errorf("%w: %w", ErrChannelClosed, c.err)
	}
	return ErrChannelClosed
}

// listen demultiplexes replies by correlation id. When the subscription
// ends because the connection dropped, every pending call fails at once and
// the listener re-declares the reply destination on the new connection.
func (c *Channel) listen(sub *broker.Subscription) {
	defer c.wg.Done()
	for {
		if !c.consume(sub) {
			return
		}

		cause := sub.Err()
		_ = sub.Close()
		c.setReady(nil, false)
		failed := c.failPending(fmt.Errorf("%w: %w", ErrChannelClosed, cause))
		c.metrics.incResets()
		c.logger.Warn("rpc channel lost its connection",
			"reply_to", c.replyTo,
			"failed_calls", failed,
			"error", cause,
		)

		next, err := c.resubscribe()
		if err != nil {
			if c.stopCtx.Err() == nil {
				c.logger.Error("rpc channel cannot recover", "reply_to", c.replyTo, "error", err)
				c.markClosed(err)
			}
			return
		}
		if !c.setReady(next, true) {
			_ = next.Close()
			return
		}
		c.logger.Info("rpc channel resubscribed", "reply_to", c.replyTo, "node", next.Node)
		sub = next
	}
}

// resubscribe re-declares the reply destination, retrying while the cluster
// is between connections.
func (c *Channel) resubscribe() (*broker.Subscription, error) {
	for {
		sub, err := c.transport.Subscribe(c.stopCtx, c.replyTo, broker.AutoDelete())
		if err == nil || c.stopCtx.Err() != nil || !broker.IsTransient(err) {
			return sub, err
		}
		c.logger.Debug("reply resubscribe failed, retrying", "reply_to", c.replyTo, "error", err)
		select {
		case <-c.stopCtx.Done():
			return nil, c.stopCtx.Err()
		case <-time.After(resubscribeBackoff):
		}
	}
}

// consume delivers replies until the subscription ends (true) or the
// channel is stopped (false).
func (c *Channel) consume(sub *broker.Subscription) bool {
	for {
		select {
		case <-c.stopCtx.Done():
			return false
		case msg, ok := <-sub.Messages():
			if !ok {
				return c.stopCtx.Err() == nil
			}
			c.deliver(msg)
		}
	}
}

func (c *Channel) deliver(msg broker.Message) {
	reply, err := DecodeReply(msg)
	if err != nil {
		c.logger.Warn("dropping undecodable reply", "reply_to", c.replyTo, "error", err)
		return
	}
	call, ok := c.pending.take(reply.CorrelationID)
	if !ok {
		// Late replies after a timeout land here; that is expected.
		c.metrics.incUnmatched()
		c.logger.Debug("dropping unmatched reply", "correlation_id", reply.CorrelationID)
		return
	}
	call.finish(reply, nil)
}

func (c *Channel) failPending(err error) int {
	calls := c.pending.drain()
	for _, call := range calls {
		call.finish(nil, err)
	}
	return len(calls)
}

// setReady swaps the live subscription. It refuses once the channel is
// closed.
func (c *Channel) setReady(sub *broker.Subscription, ready bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.sub = sub
	c.ready = ready
	return true
}

func (c *Channel) markClosed(err error) {
	c.mu.Lock()
	c.closed = true
	c.ready = false
	c.err = err
	c.mu.Unlock()
	c.failPending(fmt.Errorf("%w: %w", ErrChannelClosed, err))
}

// Close fails outstanding calls with ErrChannelClosed and deletes the reply
// destination.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.ready = false
		c.mu.Unlock()

		c.stop()
		c.wg.Wait()

		c.mu.Lock()
		sub := c.sub
		c.sub = nil
		c.mu.Unlock()
		if sub != nil {
			err = sub.Close()
		}
		c.failPending(ErrChannelClosed)
	})
	return err
}

// Err reports why the channel stopped working, if it has.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil && c.closed {
		return ErrChannelClosed
	}
	return c.err
}
