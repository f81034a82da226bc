package parking

import (
	"context"
	"time"
)

//go:generate mockgen -source=store.go -destination=mocks/mocks.go -package=mocks Store

// Store persists parking records. Implementations return the sentinel
// errors from pkg/platform/sentinel: ErrNotFound for unknown spaces,
// ErrConflict for overlapping reservations or duplicate ids, and
// ErrUnavailable when the backing system cannot be reached.
type Store interface {
	Transactions(ctx context.Context, plate string) ([]Transaction, error)
	Citations(ctx context.Context, plate string) ([]Citation, error)
	// Reserve records txn unless another reservation on the same space
	// overlaps its window.
	Reserve(ctx context.Context, txn Transaction) error
	AddCitation(ctx context.Context, c Citation) error
	PutSpace(ctx context.Context, s Space) error
	Space(ctx context.Context, id string) (Space, error)
	// FreeSpaces lists the spaces in zone without a reservation covering at.
	FreeSpaces(ctx context.Context, zone string, at time.Time) ([]Space, error)
	// CitationsAt counts citations issued at space since the given time.
	CitationsAt(ctx context.Context, spaceID string, since time.Time) (int, error)
	Ping(ctx context.Context) error
}
