package parking

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"parkline/pkg/platform/circuit"
	"parkline/pkg/platform/sentinel"
)

// ErrCircuitOpen is returned while the store breaker is open. It wraps
// sentinel.ErrUnavailable so callers see a storage outage.
var ErrCircuitOpen = fmt.Errorf("storage circuit open: %w", sentinel.ErrUnavailable)

// GuardedStore wraps a Store with a circuit breaker. After a run of
// unavailability failures it short-circuits calls instead of waiting on a
// dead backend, letting one probe through per cooldown.
type GuardedStore struct {
	inner   Store
	breaker *circuit.Breaker
	logger  *slog.Logger
}

// GuardOption configures a GuardedStore.
type GuardOption func(*GuardedStore)

// WithGuardLogger sets the logger for breaker transitions.
func WithGuardLogger(logger *slog.Logger) GuardOption {
	return func(g *GuardedStore) {
		g.logger = logger
	}
}

// Guard wraps inner with breaker.
func Guard(inner Store, breaker *circuit.Breaker, opts ...GuardOption) *GuardedStore {
	g := &GuardedStore{
		inner:   inner,
		breaker: breaker,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Breaker exposes the breaker for health reporting.
func (g *GuardedStore) Breaker() *circuit.Breaker {
	return g.breaker
}

func (g *GuardedStore) record(err error) {
	if errors.Is(err, sentinel.ErrUnavailable) {
		if _, change := g.breaker.RecordFailure(); change.Opened {
			g.logger.Warn("storage circuit opened", "breaker", g.breaker.Name(), "error", err)
		}
		return
	}
	if _, change := g.breaker.RecordSuccess(); change.Closed {
		g.logger.Info("storage circuit closed", "breaker", g.breaker.Name())
	}
}

func guard[T any](g *GuardedStore, fn func() (T, error)) (T, error) {
	if !g.breaker.Allow() {
		var zero T
		return zero, ErrCircuitOpen
	}
	v, err := fn()
	g.record(err)
	return v, err
}

func guardErr(g *GuardedStore, fn func() error) error {
	_, err := guard(g, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

func (g *GuardedStore) Transactions(ctx context.Context, plate string) ([]Transaction, error) {
	return guard(g, func() ([]Transaction, error) { return g.inner.Transactions(ctx, plate) })
}

func (g *GuardedStore) Citations(ctx context.Context, plate string) ([]Citation, error) {
	return guard(g, func() ([]Citation, error) { return g.inner.Citations(ctx, plate) })
}

func (g *GuardedStore) Reserve(ctx context.Context, txn Transaction) error {
	return guardErr(g, func() error { return g.inner.Reserve(ctx, txn) })
}

func (g *GuardedStore) AddCitation(ctx context.Context, c Citation) error {
	return guardErr(g, func() error { return g.inner.AddCitation(ctx, c) })
}

func (g *GuardedStore) PutSpace(ctx context.Context, s Space) error {
	return guardErr(g, func() error { return g.inner.PutSpace(ctx, s) })
}

func (g *GuardedStore) Space(ctx context.Context, id string) (Space, error) {
	return guard(g, func() (Space, error) { return g.inner.Space(ctx, id) })
}

func (g *GuardedStore) FreeSpaces(ctx context.Context, zone string, at time.Time) ([]Space, error) {
	return guard(g, func() ([]Space, error) { return g.inner.FreeSpaces(ctx, zone, at) })
}

func (g *GuardedStore) CitationsAt(ctx context.Context, spaceID string, since time.Time) (int, error) {
	return guard(g, func() (int, error) { return g.inner.CitationsAt(ctx, spaceID, since) })
}

// Ping bypasses the breaker so health checks see the backend itself.
func (g *GuardedStore) Ping(ctx context.Context) error {
	err := g.inner.Ping(ctx)
	g.record(err)
	return err
}
