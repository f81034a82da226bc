package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"parkline/internal/parking"
	"parkline/pkg/platform/sentinel"
	"parkline/pkg/platform/tx"
)

// Schema creates the tables the store needs. Migrate applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS parking_spaces (
	id   TEXT PRIMARY KEY,
	zone TEXT NOT NULL,
	x    DOUBLE PRECISION NOT NULL DEFAULT 0,
	y    DOUBLE PRECISION NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS parking_spaces_zone_idx ON parking_spaces (zone);

CREATE TABLE IF NOT EXISTS parking_transactions (
	id           TEXT PRIMARY KEY,
	plate        TEXT NOT NULL,
	space_id     TEXT NOT NULL REFERENCES parking_spaces (id),
	zone         TEXT NOT NULL,
	starts_at    TIMESTAMPTZ NOT NULL,
	ends_at      TIMESTAMPTZ NOT NULL,
	amount_cents BIGINT NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS parking_transactions_plate_idx ON parking_transactions (plate);
CREATE INDEX IF NOT EXISTS parking_transactions_space_idx ON parking_transactions (space_id, starts_at);

CREATE TABLE IF NOT EXISTS parking_citations (
	id         TEXT PRIMARY KEY,
	plate      TEXT NOT NULL,
	space_id   TEXT,
	zone       TEXT NOT NULL,
	reason     TEXT NOT NULL,
	officer    TEXT NOT NULL,
	fine_cents BIGINT NOT NULL DEFAULT 0,
	issued_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS parking_citations_plate_idx ON parking_citations (plate);
CREATE INDEX IF NOT EXISTS parking_citations_space_idx ON parking_citations (space_id, issued_at);
`

const uniqueViolation = "23505"

// PostgresStore persists parking records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// New constructs a PostgreSQL-backed parking store.
func New(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate parking schema: %w", err)
	}
	return nil
}

// classify maps driver errors onto the storage sentinels.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%s: %w", op, sentinel.ErrNotFound)
	case errors.As(err, &pgErr) && pgErr.Code == uniqueViolation:
		return fmt.Errorf("%s: %w", op, sentinel.ErrConflict)
	case errors.As(err, &pgErr):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, sentinel.ErrUnavailable, err)
	}
}

func (s *PostgresStore) Transactions(ctx context.Context, plate string) ([]parking.Transaction, error) {
	rows, err := tx.Or(ctx, s.pool).Query(ctx, `
		SELECT id, plate, space_id, zone, starts_at, ends_at, amount_cents, created_at
		FROM parking_transactions WHERE plate = $1 ORDER BY starts_at, id`, plate)
	if err != nil {
		return nil, classify("list transactions", err)
	}
	txns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (parking.Transaction, error) {
		var t parking.Transaction
		err := row.Scan(&t.ID, &t.Plate, &t.SpaceID, &t.Zone, &t.Start, &t.End, &t.AmountCents, &t.CreatedAt)
		return t, err
	})
	if err != nil {
		return nil, classify("list transactions", err)
	}
	return txns, nil
}

func (s *PostgresStore) Citations(ctx context.Context, plate string) ([]parking.Citation, error) {
	rows, err := tx.Or(ctx, s.pool).Query(ctx, `
		SELECT id, plate, COALESCE(space_id, ''), zone, reason, officer, fine_cents, issued_at
		FROM parking_citations WHERE plate = $1 ORDER BY issued_at, id`, plate)
	if err != nil {
		return nil, classify("list citations", err)
	}
	citations, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (parking.Citation, error) {
		var c parking.Citation
		err := row.Scan(&c.ID, &c.Plate, &c.SpaceID, &c.Zone, &c.Reason, &c.Officer, &c.FineCents, &c.IssuedAt)
		return c, err
	})
	if err != nil {
		return nil, classify("list citations", err)
	}
	return citations, nil
}

// Reserve locks the space row so overlapping reservations serialize, then
// inserts if nothing overlaps.
func (s *PostgresStore) Reserve(ctx context.Context, txn parking.Transaction) error {
	return tx.Run(ctx, s.pool, func(ctx context.Context) error {
		q := tx.Or(ctx, s.pool)

		var spaceID string
		err := q.QueryRow(ctx, `SELECT id FROM parking_spaces WHERE id = $1 FOR UPDATE`, txn.SpaceID).Scan(&spaceID)
		if err != nil {
			return classify("space "+txn.SpaceID, err)
		}

		var clash string
		err = q.QueryRow(ctx, `
			SELECT id FROM parking_transactions
			WHERE space_id = $1 AND starts_at < $3 AND $2 < ends_at
			LIMIT 1`, txn.SpaceID, txn.Start, txn.End).Scan(&clash)
		switch {
		case err == nil:
			return fmt.Errorf("space %s already reserved by %s: %w", txn.SpaceID, clash, sentinel.ErrConflict)
		case !errors.Is(err, pgx.ErrNoRows):
			return classify("check overlap", err)
		}

		_, err = q.Exec(ctx, `
			INSERT INTO parking_transactions (id, plate, space_id, zone, starts_at, ends_at, amount_cents, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			txn.ID, txn.Plate, txn.SpaceID, txn.Zone, txn.Start, txn.End, txn.AmountCents, txn.CreatedAt)
		if err != nil {
			return classify("transaction "+txn.ID, err)
		}
		return nil
	})
}

func (s *PostgresStore) AddCitation(ctx context.Context, c parking.Citation) error {
	var spaceID *string
	if c.SpaceID != "" {
		spaceID = &c.SpaceID
	}
	_, err := tx.Or(ctx, s.pool).Exec(ctx, `
		INSERT INTO parking_citations (id, plate, space_id, zone, reason, officer, fine_cents, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.Plate, spaceID, c.Zone, c.Reason, c.Officer, c.FineCents, c.IssuedAt)
	if err != nil {
		return classify("citation "+c.ID, err)
	}
	return nil
}

func (s *PostgresStore) PutSpace(ctx context.Context, sp parking.Space) error {
	_, err := tx.Or(ctx, s.pool).Exec(ctx, `
		INSERT INTO parking_spaces (id, zone, x, y) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET zone = EXCLUDED.zone, x = EXCLUDED.x, y = EXCLUDED.y`,
		sp.ID, sp.Zone, sp.Position.X, sp.Position.Y)
	if err != nil {
		return classify("put space", err)
	}
	return nil
}

func (s *PostgresStore) Space(ctx context.Context, id string) (parking.Space, error) {
	var sp parking.Space
	err := tx.Or(ctx, s.pool).QueryRow(ctx,
		`SELECT id, zone, x, y FROM parking_spaces WHERE id = $1`, id,
	).Scan(&sp.ID, &sp.Zone, &sp.Position.X, &sp.Position.Y)
	if err != nil {
		return parking.Space{}, classify("space "+id, err)
	}
	return sp, nil
}

func (s *PostgresStore) FreeSpaces(ctx context.Context, zone string, at time.Time) ([]parking.Space, error) {
	rows, err := tx.Or(ctx, s.pool).Query(ctx, `
		SELECT s.id, s.zone, s.x, s.y FROM parking_spaces s
		WHERE s.zone = $1 AND NOT EXISTS (
			SELECT 1 FROM parking_transactions t
			WHERE t.space_id = s.id AND t.starts_at <= $2 AND $2 < t.ends_at
		)
		ORDER BY s.id`, zone, at)
	if err != nil {
		return nil, classify("free spaces", err)
	}
	spaces, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (parking.Space, error) {
		var sp parking.Space
		err := row.Scan(&sp.ID, &sp.Zone, &sp.Position.X, &sp.Position.Y)
		return sp, err
	})
	if err != nil {
		return nil, classify("free spaces", err)
	}
	return spaces, nil
}

func (s *PostgresStore) CitationsAt(ctx context.Context, spaceID string, since time.Time) (int, error) {
	var n int
	err := tx.Or(ctx, s.pool).QueryRow(ctx,
		`SELECT count(*) FROM parking_citations WHERE space_id = $1 AND issued_at >= $2`, spaceID, since,
	).Scan(&n)
	if err != nil {
		return 0, classify("count citations", err)
	}
	return n, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w: %w", sentinel.ErrUnavailable, err)
	}
	return nil
}
