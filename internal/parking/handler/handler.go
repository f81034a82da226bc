// Package handler serves the parking operations over the request
// dispatcher.
package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"parkline/internal/dispatch"
	"parkline/internal/parking"
	"parkline/internal/rpc"
	"parkline/pkg/platform/sentinel"
	"parkline/pkg/requestcontext"
)

// idNamespace derives stable record ids from idempotency keys, so a retried
// request that reaches a different dispatcher still collides in storage.
var idNamespace = uuid.MustParse("6f1c7c1e-3d0a-4b59-9a57-3c2f2a0d8e41")

// Registrar is the part of dispatch.Dispatcher the handlers register on.
type Registrar interface {
	Register(op rpc.Operation, h dispatch.Handler)
}

// Handler serves GetTransactions, GetCitations, ReserveSpace and
// ReportCitation.
type Handler struct {
	store  parking.Store
	logger *slog.Logger
	newID  func() string
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithIDGenerator overrides record id generation.
func WithIDGenerator(fn func() string) Option {
	return func(h *Handler) {
		h.newID = fn
	}
}

// New creates the parking handlers.
func New(store parking.Store, opts ...Option) *Handler {
	h := &Handler{
		store:  store,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds every parking operation to r.
func (h *Handler) Register(r Registrar) {
	r.Register(rpc.OpGetTransactions, dispatch.HandlerFunc(h.GetTransactions))
	r.Register(rpc.OpGetCitations, dispatch.HandlerFunc(h.GetCitations))
	r.Register(rpc.OpReserveSpace, dispatch.HandlerFunc(h.ReserveSpace))
	r.Register(rpc.OpReportCitation, dispatch.HandlerFunc(h.ReportCitation))
}

func badRequest(err error) error {
	return rpc.Wrap(err, rpc.CodeBadRequest, err.Error())
}

func (h *Handler) plate(req *rpc.Request) (string, error) {
	var q parking.PlateQuery
	if err := req.Decode(&q); err != nil {
		return "", err
	}
	plate, err := parking.NormalizePlate(q.Plate)
	if err != nil {
		return "", badRequest(err)
	}
	return plate, nil
}

// GetTransactions returns the reservations made for a vehicle.
func (h *Handler) GetTransactions(ctx context.Context, req *rpc.Request) (any, error) {
	plate, err := h.plate(req)
	if err != nil {
		return nil, err
	}
	txns, err := h.store.Transactions(ctx, plate)
	if err != nil {
		return nil, fmt.Errorf("transactions for %s: %w", plate, err)
	}
	return parking.TransactionList{Plate: plate, Transactions: txns}, nil
}

// GetCitations returns the citations issued to a vehicle.
func (h *Handler) GetCitations(ctx context.Context, req *rpc.Request) (any, error) {
	plate, err := h.plate(req)
	if err != nil {
		return nil, err
	}
	citations, err := h.store.Citations(ctx, plate)
	if err != nil {
		return nil, fmt.Errorf("citations for %s: %w", plate, err)
	}
	return parking.CitationList{Plate: plate, Citations: citations}, nil
}

// recordID is derived from the idempotency key when there is one.
func (h *Handler) recordID(ctx context.Context, op rpc.Operation) string {
	if key := requestcontext.IdempotencyKey(ctx); key != "" {
		return uuid.NewSHA1(idNamespace, []byte(string(op)+"/"+key)).String()
	}
	return h.newID()
}

// ReserveSpace books a space for a window. Repeating a keyed request returns
// the original reservation.
func (h *Handler) ReserveSpace(ctx context.Context, req *rpc.Request) (any, error) {
	var in parking.ReserveRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, badRequest(err)
	}
	plate, _ := parking.NormalizePlate(in.Plate)

	space, err := h.store.Space(ctx, in.SpaceID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, rpc.Wrap(err, rpc.CodeNotFound, fmt.Sprintf("space %s does not exist", in.SpaceID))
	}
	if err != nil {
		return nil, err
	}

	txn := parking.Transaction{
		ID:          h.recordID(ctx, rpc.OpReserveSpace),
		Plate:       plate,
		SpaceID:     space.ID,
		Zone:        space.Zone,
		Start:       in.Start.UTC(),
		End:         in.End.UTC(),
		AmountCents: in.AmountCents,
		CreatedAt:   requestcontext.Now(ctx).UTC(),
	}
	err = h.store.Reserve(ctx, txn)
	switch {
	case err == nil:
		h.logger.Info("space reserved",
			"correlation_id", requestcontext.CorrelationID(ctx),
			"transaction_id", txn.ID,
			"space_id", txn.SpaceID,
		)
		return txn, nil
	case errors.Is(err, sentinel.ErrConflict):
		if existing, ok := h.existing(ctx, plate, txn.ID); ok {
			return existing, nil
		}
		return nil, rpc.Wrap(err, rpc.CodeConflict, fmt.Sprintf("space %s is already reserved for that window", in.SpaceID))
	default:
		return nil, err
	}
}

// existing finds a reservation a previous attempt of the same keyed request
// already stored.
func (h *Handler) existing(ctx context.Context, plate, id string) (parking.Transaction, bool) {
	if requestcontext.IdempotencyKey(ctx) == "" {
		return parking.Transaction{}, false
	}
	txns, err := h.store.Transactions(ctx, plate)
	if err != nil {
		return parking.Transaction{}, false
	}
	for _, t := range txns {
		if t.ID == id {
			return t, true
		}
	}
	return parking.Transaction{}, false
}

// ReportCitation records a citation and returns it.
func (h *Handler) ReportCitation(ctx context.Context, req *rpc.Request) (any, error) {
	var in parking.CitationReport
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, badRequest(err)
	}
	plate, _ := parking.NormalizePlate(in.Plate)

	zone := in.Zone
	if in.SpaceID != "" {
		space, err := h.store.Space(ctx, in.SpaceID)
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, rpc.Wrap(err, rpc.CodeNotFound, fmt.Sprintf("space %s does not exist", in.SpaceID))
		}
		if err != nil {
			return nil, err
		}
		zone = space.Zone
	}

	c := parking.Citation{
		ID:        h.recordID(ctx, rpc.OpReportCitation),
		Plate:     plate,
		SpaceID:   in.SpaceID,
		Zone:      zone,
		Reason:    in.Reason,
		Officer:   in.Officer,
		FineCents: in.FineCents,
		IssuedAt:  requestcontext.Now(ctx).UTC(),
	}
	if err := h.store.AddCitation(ctx, c); err != nil {
		if errors.Is(err, sentinel.ErrConflict) && requestcontext.IdempotencyKey(ctx) != "" {
			if earlier, ok := h.earlierCitation(ctx, plate, c.ID); ok {
				return earlier, nil
			}
		}
		return nil, err
	}
	h.logger.Info("citation reported",
		"correlation_id", requestcontext.CorrelationID(ctx),
		"citation_id", c.ID,
		"zone", c.Zone,
	)
	return c, nil
}

func (h *Handler) earlierCitation(ctx context.Context, plate, id string) (parking.Citation, bool) {
	citations, err := h.store.Citations(ctx, plate)
	if err != nil {
		return parking.Citation{}, false
	}
	for _, c := range citations {
		if c.ID == id {
			return c, true
		}
	}
	return parking.Citation{}, false
}
