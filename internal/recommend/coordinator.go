package recommend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"parkline/internal/rpc"
)

const (
	// DefaultPerReplicaTimeout bounds each replica call.
	DefaultPerReplicaTimeout = 2 * time.Second
	// DefaultDeadline bounds a whole round.
	DefaultDeadline = 3 * time.Second

	tracerName = "parkline/recommend"
)

//go:generate mockgen -source=coordinator.go -destination=mocks/mocks.go -package=mocks Caller

// Caller issues a correlated call to a named destination. rpc.Channel
// implements it.
type Caller interface {
	CallTo(ctx context.Context, destination string, op rpc.Operation, payload any, timeout time.Duration, opts ...rpc.CallOption) (*rpc.Reply, error)
}

// Replica is a recommender instance reachable on its own destination.
type Replica struct {
	ID          string
	Destination string
}

// Config configures a Coordinator.
type Config struct {
	Replicas          []Replica
	PerReplicaTimeout time.Duration
	Deadline          time.Duration
	Quorum            QuorumRule
	// MinVotes is the fewest votes a round may decide on. Defaults to 1.
	MinVotes int
}

// Phase is where a round is in its lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseFanningOut
	PhaseCollecting
	PhaseReduced
	PhaseDecided
	PhaseNoQuorum
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFanningOut:
		return "fanning_out"
	case PhaseCollecting:
		return "collecting"
	case PhaseReduced:
		return "reduced"
	case PhaseDecided:
		return "decided"
	case PhaseNoQuorum:
		return "no_quorum"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithPhaseObserver is called on every phase transition of every round.
func WithPhaseObserver(fn func(roundID string, phase Phase)) Option {
	return func(c *Coordinator) {
		c.observe = fn
	}
}

// Coordinator runs consensus rounds across recommender replicas.
type Coordinator struct {
	caller  Caller
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
	observe func(string, Phase)
}

// NewCoordinator builds a Coordinator over caller.
func NewCoordinator(caller Caller, cfg Config, opts ...Option) (*Coordinator, error) {
	if caller == nil {
		return nil, fmt.Errorf("recommend caller is required")
	}
	if len(cfg.Replicas) == 0 {
		return nil, fmt.Errorf("at least one replica is required")
	}
	seen := make(map[string]bool, len(cfg.Replicas))
	for _, r := range cfg.Replicas {
		if r.ID == "" || r.Destination == "" {
			return nil, fmt.Errorf("replica needs an id and a destination: %+v", r)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate replica id %q", r.ID)
		}
		seen[r.ID] = true
	}
	if cfg.PerReplicaTimeout <= 0 {
		cfg.PerReplicaTimeout = DefaultPerReplicaTimeout
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	if cfg.Quorum == nil {
		cfg.Quorum = StrictMajority()
	}
	if cfg.MinVotes < 1 {
		cfg.MinVotes = 1
	}

	c := &Coordinator{
		caller: caller,
		cfg:    cfg,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// round holds the state of one consensus round.
type round struct {
	id    string
	phase Phase

	mu     sync.Mutex
	votes  map[string]Vote
	closed bool
}

func (r *round) add(v Vote) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.votes[v.ReplicaID] = v
	return true
}

// seal stops accepting votes and returns what arrived.
func (r *round) seal() []Vote {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	votes := make([]Vote, 0, len(r.votes))
	for _, v := range r.votes {
		votes = append(votes, v)
	}
	return votes
}

func (c *Coordinator) enter(r *round, phase Phase) {
	r.phase = phase
	c.logger.Debug("consensus round phase", "round_id", r.id, "phase", phase.String())
	if c.observe != nil {
		c.observe(r.id, phase)
	}
}

// Recommend runs one round for q. Each replica gets its own correlated call
// with its own timeout; the round ends when every replica has answered or
// the overall deadline passes, whichever is first. Replicas still pending
// then are abandoned.
func (c *Coordinator) Recommend(ctx context.Context, q Query) (*Decision, error) {
	if err := q.Validate(); err != nil {
		return nil, rpc.Wrap(err, rpc.CodeBadRequest, err.Error())
	}

	r := &round{id: uuid.NewString(), votes: make(map[string]Vote, len(c.cfg.Replicas))}
	c.enter(r, PhaseIdle)
	start := time.Now()

	ctx, span := c.tracer.Start(ctx, "recommend.round", trace.WithAttributes(
		attribute.String("recommend.round_id", r.id),
		attribute.String("recommend.zone", q.Zone),
		attribute.Int("recommend.replicas", len(c.cfg.Replicas)),
	))
	defer span.End()

	roundCtx, cancel := context.WithTimeout(ctx, c.cfg.Deadline)
	defer cancel()

	c.enter(r, PhaseFanningOut)
	g, gctx := errgroup.WithContext(roundCtx)
	for _, replica := range c.cfg.Replicas {
		g.Go(func() error {
			c.ask(gctx, r, replica, q)
			return nil
		})
	}

	c.enter(r, PhaseCollecting)
	finished := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-roundCtx.Done():
		c.logger.Debug("consensus deadline reached", "round_id", r.id, "deadline", c.cfg.Deadline)
	}
	votes := r.seal()

	decision, err := Reduce(votes, c.cfg.Quorum, c.cfg.MinVotes)
	c.enter(r, PhaseReduced)
	elapsed := time.Since(start)
	if err != nil {
		c.enter(r, PhaseNoQuorum)
		c.metrics.observeRound(PhaseNoQuorum, elapsed)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("consensus round without quorum",
			"round_id", r.id,
			"zone", q.Zone,
			"replicas", len(c.cfg.Replicas),
			"votes", len(votes),
		)
		// Parent cancellation is reported as such, not as a lack of votes.
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, fmt.Errorf("round %s: %w", r.id, ctxErr)
		}
		return nil, fmt.Errorf("round %s: %w", r.id, err)
	}

	decision.RoundID = r.id
	decision.Abstained = c.abstained(decision.Votes)
	c.enter(r, PhaseDecided)
	c.metrics.observeRound(PhaseDecided, elapsed)
	span.SetAttributes(
		attribute.String("recommend.space", decision.Space),
		attribute.Int("recommend.support", decision.Support),
		attribute.Int("recommend.received", decision.Received),
	)
	c.logger.Info("consensus round decided",
		"round_id", r.id,
		"zone", q.Zone,
		"space", decision.Space,
		"support", decision.Support,
		"received", decision.Received,
		"majority", decision.Majority,
		"quorum", c.cfg.Quorum.String(),
	)
	return decision, nil
}

// ask calls one replica and records its vote. Failures are abstentions.
func (c *Coordinator) ask(ctx context.Context, r *round, replica Replica, q Query) {
	reply, err := c.caller.CallTo(ctx, replica.Destination, rpc.OpRecommendSpace, q, c.cfg.PerReplicaTimeout)
	if err != nil {
		c.metrics.observeVote(replica.ID, voteResult(err))
		c.logger.Debug("replica did not vote",
			"round_id", r.id,
			"replica", replica.ID,
			"outcome", rpc.Classify(reply, err).String(),
			"error", err,
		)
		return
	}
	var vote Vote
	if err := reply.Decode(&vote); err != nil {
		c.metrics.observeVote(replica.ID, "rejected")
		c.logger.Warn("replica vote unusable", "round_id", r.id, "replica", replica.ID, "error", err)
		return
	}
	// The configured id is authoritative; a replica cannot vote twice by
	// reporting someone else's id.
	vote.ReplicaID = replica.ID
	if vote.Space == "" {
		c.metrics.observeVote(replica.ID, "abstained")
		return
	}
	if !r.add(vote) {
		c.metrics.observeVote(replica.ID, "late")
		return
	}
	c.metrics.observeVote(replica.ID, "voted")
}

func (c *Coordinator) abstained(votes []Vote) []string {
	voted := make(map[string]bool, len(votes))
	for _, v := range votes {
		voted[v.ReplicaID] = true
	}
	var out []string
	for _, r := range c.cfg.Replicas {
		if !voted[r.ID] {
			out = append(out, r.ID)
		}
	}
	return out
}

func voteResult(err error) string {
	switch rpc.Classify(nil, err) {
	case rpc.OutcomeTimedOut:
		return "timed_out"
	case rpc.OutcomeChannelClosed:
		return "channel_closed"
	default:
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "abandoned"
		}
		return "failed"
	}
}
