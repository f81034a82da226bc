package recommend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"time"

	"parkline/internal/dispatch"
	"parkline/internal/parking"
	"parkline/internal/rpc"
	"parkline/pkg/requestcontext"
)

const (
	defaultCitationWindow  = 7 * 24 * time.Hour
	defaultCitationPenalty = 25.0
	defaultConfidenceScale = 50.0
)

// Inventory is the part of parking.Store a replica scores against.
type Inventory interface {
	FreeSpaces(ctx context.Context, zone string, at time.Time) ([]parking.Space, error)
	CitationsAt(ctx context.Context, spaceID string, since time.Time) (int, error)
}

// Registrar is the part of dispatch.Dispatcher handlers register on.
type Registrar interface {
	Register(op rpc.Operation, h dispatch.Handler)
}

// Scoring tunes how a replica ranks spaces. Cost is the walking distance to
// the entrance in metres plus Penalty metres per citation issued at the
// space within Window.
type Scoring struct {
	Window  time.Duration
	Penalty float64
	// Scale is the cost at which confidence drops to one half.
	Scale float64
}

// ReplicaOption configures a ReplicaService.
type ReplicaOption func(*ReplicaService)

// WithReplicaLogger sets the logger.
func WithReplicaLogger(logger *slog.Logger) ReplicaOption {
	return func(r *ReplicaService) {
		r.logger = logger
	}
}

// WithScoring overrides the scoring parameters. Zero fields keep defaults.
func WithScoring(s Scoring) ReplicaOption {
	return func(r *ReplicaService) {
		if s.Window > 0 {
			r.scoring.Window = s.Window
		}
		if s.Penalty > 0 {
			r.scoring.Penalty = s.Penalty
		}
		if s.Scale > 0 {
			r.scoring.Scale = s.Scale
		}
	}
}

// ReplicaService answers RecommendSpace on one replica destination with this
// replica's own vote.
type ReplicaService struct {
	id      string
	inv     Inventory
	scoring Scoring
	logger  *slog.Logger
}

// NewReplica creates the replica-side RecommendSpace handler.
func NewReplica(id string, inv Inventory, opts ...ReplicaOption) (*ReplicaService, error) {
	if id == "" {
		return nil, fmt.Errorf("replica id is required")
	}
	if inv == nil {
		return nil, fmt.Errorf("replica inventory is required")
	}
	r := &ReplicaService{
		id:  id,
		inv: inv,
		scoring: Scoring{
			Window:  defaultCitationWindow,
			Penalty: defaultCitationPenalty,
			Scale:   defaultConfidenceScale,
		},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// ID is the replica's id.
func (r *ReplicaService) ID() string {
	return r.id
}

// Register serves RecommendSpace on reg.
func (r *ReplicaService) Register(reg Registrar) {
	reg.Register(rpc.OpRecommendSpace, r)
}

// Handle implements dispatch.Handler.
func (r *ReplicaService) Handle(ctx context.Context, req *rpc.Request) (any, error) {
	var q Query
	if err := req.Decode(&q); err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, rpc.Wrap(err, rpc.CodeBadRequest, err.Error())
	}
	return r.Vote(requestcontext.WithReplicaID(ctx, r.id), q)
}

type candidate struct {
	space parking.Space
	cost  float64
}

// Vote scores the free spaces in q.Zone and proposes the cheapest. With no
// free space the vote is an abstention.
func (r *ReplicaService) Vote(ctx context.Context, q Query) (Vote, error) {
	now := requestcontext.Now(ctx).UTC()
	vote := Vote{ReplicaID: r.id, At: now}

	free, err := r.inv.FreeSpaces(ctx, q.Zone, now)
	if err != nil {
		return Vote{}, fmt.Errorf("free spaces in %s: %w", q.Zone, err)
	}
	if len(free) == 0 {
		r.logger.Info("no free space to propose", "replica", r.id, "zone", q.Zone)
		return vote, nil
	}

	since := now.Add(-r.scoring.Window)
	candidates := make([]candidate, 0, len(free))
	for _, s := range free {
		n, err := r.inv.CitationsAt(ctx, s.ID, since)
		if err != nil {
			return Vote{}, fmt.Errorf("citations at %s: %w", s.ID, err)
		}
		cost := distance(s.Position, q.Entrance) + float64(n)*r.scoring.Penalty
		candidates = append(candidates, candidate{space: s, cost: cost})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].cost != candidates[j].cost {
			return candidates[i].cost < candidates[j].cost
		}
		return NaturalLess(candidates[i].space.ID, candidates[j].space.ID)
	})

	best := candidates[0]
	vote.Space = best.space.ID
	vote.Confidence = r.scoring.Scale / (r.scoring.Scale + best.cost)
	r.logger.Debug("replica vote",
		"replica", r.id,
		"correlation_id", requestcontext.CorrelationID(ctx),
		"zone", q.Zone,
		"space", vote.Space,
		"cost", best.cost,
	)
	return vote, nil
}

func distance(a, b parking.Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}
