// Package dispatch serves rpc requests from a shared broker destination.
//
// A Dispatcher joins a consumer group on the request destination, so several
// instances compete for requests and each request is handled by one of them.
// Every request that names a reply destination gets exactly one reply: the
// handler's result, an Error reply for handler failures and panics, or
// UNKNOWN_OPERATION when nothing is registered for its operation.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"parkline/internal/broker"
	"parkline/internal/rpc"
	"parkline/pkg/requestcontext"
)

const (
	defaultGroup          = "parkline-dispatchers"
	defaultIdempotencyTTL = 10 * time.Minute
	defaultHandlerTimeout = 30 * time.Second
	tracerName            = "parkline/dispatch"
	unknownOperationLabel = "unknown"
	resubscribeBackoff    = 50 * time.Millisecond
)

// Transport is the part of broker.Cluster a Dispatcher uses.
type Transport interface {
	Publish(ctx context.Context, destination string, msg broker.Message) error
	Subscribe(ctx context.Context, destination string, opts ...broker.SubscribeOption) (*broker.Subscription, error)
}

// Config configures a Dispatcher.
type Config struct {
	// Destination is the shared request destination to consume.
	Destination string
	// Group is the consumer group shared by competing dispatchers.
	Group string
	// IdempotencyTTL bounds how long replies to keyed requests are replayed.
	IdempotencyTTL time.Duration
	// HandlerTimeout bounds a single handler invocation.
	HandlerTimeout time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// Dispatcher routes requests to handlers by operation kind.
type Dispatcher struct {
	transport Transport
	cfg       Config
	logger    *slog.Logger
	metrics   *Metrics
	tracer    trace.Tracer
	replies   *replyCache

	mu       sync.RWMutex
	handlers map[rpc.Operation]Handler
}

// New builds a Dispatcher. Handlers are added with Register before Run.
func New(transport Transport, cfg Config, opts ...Option) (*Dispatcher, error) {
	if transport == nil {
		return nil, fmt.Errorf("dispatch transport is required")
	}
	if cfg.Destination == "" {
		return nil, fmt.Errorf("dispatch destination is required")
	}
	if cfg.Group == "" {
		cfg.Group = defaultGroup
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaultIdempotencyTTL
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = defaultHandlerTimeout
	}

	d := &Dispatcher{
		transport: transport,
		cfg:       cfg,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:    otel.Tracer(tracerName),
		replies:   newReplyCache(cfg.IdempotencyTTL),
		handlers:  make(map[rpc.Operation]Handler),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Register adds the handler for op, replacing any previous one.
func (d *Dispatcher) Register(op rpc.Operation, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[op] = h
}

// RegisterFunc adds a function handler for op.
func (d *Dispatcher) RegisterFunc(op rpc.Operation, fn func(ctx context.Context, req *rpc.Request) (any, error)) {
	d.Register(op, HandlerFunc(fn))
}

func (d *Dispatcher) handler(op rpc.Operation) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[op]
	return h, ok
}

// Run consumes requests until ctx is done, handling one at a time. A
// subscription lost with its connection is re-established on whichever node
// the cluster fails over to. Run returns ctx.Err() on shutdown, or the
// cluster's fatal error if it can no longer subscribe.
func (d *Dispatcher) Run(ctx context.Context) error {
	sub, err := d.resubscribe(ctx)
	if err != nil {
		return err
	}
	d.logger.Info("dispatcher consuming",
		"destination", d.cfg.Destination,
		"group", d.cfg.Group,
		"node", sub.Node,
	)

	for {
		if !d.consume(ctx, sub) {
			_ = sub.Close()
			return ctx.Err()
		}

		cause := sub.Err()
		_ = sub.Close()
		d.logger.Warn("dispatcher subscription ended, resubscribing",
			"destination", d.cfg.Destination,
			"error", cause,
		)
		d.metrics.incResubscriptions()

		if sub, err = d.resubscribe(ctx); err != nil {
			return err
		}
		d.logger.Info("dispatcher resubscribed", "destination", d.cfg.Destination, "node", sub.Node)
	}
}

// resubscribe subscribes, retrying while the cluster is between connections.
// It gives up only on ctx or a fatal cluster error.
func (d *Dispatcher) resubscribe(ctx context.Context) (*broker.Subscription, error) {
	for {
		sub, err := d.subscribe(ctx)
		if err == nil {
			return sub, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !broker.IsTransient(err) {
			return nil, err
		}
		d.logger.Debug("resubscribe failed, retrying", "destination", d.cfg.Destination, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(resubscribeBackoff):
		}
	}
}

func (d *Dispatcher) subscribe(ctx context.Context) (*broker.Subscription, error) {
	sub, err := d.transport.Subscribe(ctx, d.cfg.Destination, broker.WithGroup(d.cfg.Group))
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", d.cfg.Destination, err)
	}
	return sub, nil
}

// consume handles messages until the subscription ends (true) or ctx is
// done (false).
func (d *Dispatcher) consume(ctx context.Context, sub *broker.Subscription) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-sub.Messages():
			if !ok {
				return ctx.Err() == nil
			}
			d.handleMessage(ctx, msg)
		}
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, msg broker.Message) {
	req, err := rpc.DecodeRequest(msg)
	if err != nil {
		d.metrics.incDropped(dropUndecodable)
		d.logger.Warn("dropping undecodable request",
			"destination", d.cfg.Destination,
			"key", msg.Key,
			"error", err,
		)
		return
	}
	if req.ReplyTo == "" {
		d.metrics.incDropped(dropNoReplyTo)
		d.logger.Warn("dropping request without reply destination",
			"correlation_id", req.CorrelationID,
			"operation", req.Operation,
		)
		return
	}

	reply := d.Serve(ctx, req)

	out, err := rpc.EncodeReply(reply)
	if err != nil {
		// The body already encoded once, so this only fails on a broken
		// codec. Fall back to a bare INTERNAL reply.
		d.logger.Error("encode reply failed", "correlation_id", req.CorrelationID, "error", err)
		out, err = rpc.EncodeReply(rpc.NewErrorReply(req.CorrelationID, err))
		if err != nil {
			d.metrics.incDropped(dropPublish)
			return
		}
	}
	if err := d.transport.Publish(ctx, req.ReplyTo, out); err != nil {
		d.metrics.incDropped(dropPublish)
		d.logger.Error("publish reply failed",
			"correlation_id", req.CorrelationID,
			"operation", req.Operation,
			"destination", req.ReplyTo,
			"error", err,
		)
	}
}

// Serve produces the reply for req without touching the broker. It never
// returns nil.
func (d *Dispatcher) Serve(ctx context.Context, req *rpc.Request) *rpc.Reply {
	start := time.Now()

	if req.IdempotencyKey != "" {
		if reply, ok := d.replies.lookup(req.Operation, req.IdempotencyKey, req.CorrelationID); ok {
			d.metrics.incReplays()
			d.logger.Debug("replaying cached reply",
				"correlation_id", req.CorrelationID,
				"operation", req.Operation,
				"idempotency_key", req.IdempotencyKey,
			)
			return reply
		}
	}

	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(req.Headers))
	ctx, span := d.tracer.Start(ctx, "dispatch "+string(req.Operation),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rpc.operation", string(req.Operation)),
			attribute.String("rpc.correlation_id", req.CorrelationID),
		),
	)
	defer span.End()

	ctx = requestcontext.WithCorrelationID(ctx, req.CorrelationID)
	ctx = requestcontext.WithOperation(ctx, string(req.Operation))
	if req.IdempotencyKey != "" {
		ctx = requestcontext.WithIdempotencyKey(ctx, req.IdempotencyKey)
	}
	if !req.SentAt.IsZero() {
		ctx = requestcontext.WithTime(ctx, req.SentAt)
	}

	label := string(req.Operation)
	var reply *rpc.Reply
	h, ok := d.handler(req.Operation)
	if !ok {
		label = unknownOperationLabel
		reply = rpc.NewErrorReply(req.CorrelationID,
			rpc.NewError(rpc.CodeUnknownOperation, fmt.Sprintf("no handler for operation %q", req.Operation)))
	} else {
		reply = d.invoke(ctx, h, req)
	}

	code := "OK"
	if !reply.OK() {
		code = string(reply.Error.Code)
		span.SetStatus(codes.Error, code)
	}
	d.metrics.observeRequest(label, code, time.Since(start))

	if req.IdempotencyKey != "" {
		d.replies.store(req.Operation, req.IdempotencyKey, reply)
		d.metrics.setCachedReplies(d.replies.len())
	}
	return reply
}

// invoke runs h and converts its result, error or panic into a reply.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, req *rpc.Request) *rpc.Reply {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.HandlerTimeout)
	defer cancel()

	body, err := d.safeHandle(ctx, h, req)
	if err != nil {
		if rpc.CodeOf(err) == rpc.CodeInternal {
			d.logger.Error("handler failed",
				"correlation_id", req.CorrelationID,
				"operation", req.Operation,
				"error", err,
			)
		}
		return rpc.NewErrorReply(req.CorrelationID, err)
	}
	reply, err := rpc.NewOKReply(req.CorrelationID, body)
	if err != nil {
		d.logger.Error("encode handler result failed",
			"correlation_id", req.CorrelationID,
			"operation", req.Operation,
			"error", err,
		)
		return rpc.NewErrorReply(req.CorrelationID, err)
	}
	return reply
}

// safeHandle converts a handler panic into an INTERNAL error so the consume
// loop keeps running and the caller still gets its reply.
func (d *Dispatcher) safeHandle(ctx context.Context, h Handler, req *rpc.Request) (body any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.incPanics()
			d.logger.Error("handler panicked",
				"correlation_id", req.CorrelationID,
				"operation", req.Operation,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			body = nil
			err = rpc.Wrap(fmt.Errorf("panic: %v", r), rpc.CodeInternal, "internal error")
		}
	}()
	body, err = h.Handle(ctx, req)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		err = rpc.Wrap(err, rpc.CodeInternal, "handler timed out")
	}
	return body, err
}
