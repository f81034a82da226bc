package recommend

import (
	"context"
	"errors"

	"parkline/internal/rpc"
)

// Recommender runs a consensus round. Coordinator implements it.
type Recommender interface {
	Recommend(ctx context.Context, q Query) (*Decision, error)
}

// Handler serves RecommendSpace on the front request destination.
type Handler struct {
	rec Recommender
}

// NewHandler wraps rec as the front RecommendSpace handler.
func NewHandler(rec Recommender) *Handler {
	return &Handler{rec: rec}
}

// Register serves RecommendSpace on reg.
func (h *Handler) Register(reg Registrar) {
	reg.Register(rpc.OpRecommendSpace, h)
}

// Handle implements dispatch.Handler.
func (h *Handler) Handle(ctx context.Context, req *rpc.Request) (any, error) {
	var q Query
	if err := req.Decode(&q); err != nil {
		return nil, err
	}
	decision, err := h.rec.Recommend(ctx, q)
	if errors.Is(err, ErrNoQuorum) {
		return nil, rpc.Wrap(err, rpc.CodeNoQuorum, "not enough recommender replicas answered")
	}
	if err != nil {
		return nil, err
	}
	return decision, nil
}
