package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"parkline/internal/parking"
	"parkline/pkg/codec"
	"parkline/pkg/platform/sentinel"
)

const (
	defaultPrefix = "parkline:"
	// reserveAttempts bounds WATCH retries when concurrent reservations
	// touch the same space.
	reserveAttempts = 5
)

// RedisStore keeps parking records in Redis. Records are CBOR-encoded;
// per-space reservation and citation indexes are sorted sets scored by
// Unix milliseconds.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// Option configures a RedisStore.
type Option func(*RedisStore)

// WithPrefix namespaces every key.
func WithPrefix(prefix string) Option {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// New constructs a Redis-backed parking store. The client lifecycle is
// managed by the caller.
func New(client *redis.Client, opts ...Option) *RedisStore {
	s := &RedisStore{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) spaceKey(id string) string       { return s.prefix + "space:" + id }
func (s *RedisStore) zoneKey(zone string) string      { return s.prefix + "zone:" + zone + ":spaces" }
func (s *RedisStore) spaceTxnKey(id string) string    { return s.prefix + "space:" + id + ":txns" }
func (s *RedisStore) spaceTicketKey(id string) string { return s.prefix + "space:" + id + ":citations" }
func (s *RedisStore) plateTxnKey(plate string) string { return s.prefix + "plate:" + plate + ":txns" }
func (s *RedisStore) plateCitKey(plate string) string {
	return s.prefix + "plate:" + plate + ":citations"
}
func (s *RedisStore) txnIDKey(id string) string      { return s.prefix + "txn:" + id }
func (s *RedisStore) citationIDKey(id string) string { return s.prefix + "citation:" + id }

func millis(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// unavailable marks a Redis failure as a storage outage.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, sentinel.ErrUnavailable, err)
}

func (s *RedisStore) Transactions(ctx context.Context, plate string) ([]parking.Transaction, error) {
	raw, err := s.client.LRange(ctx, s.plateTxnKey(plate), 0, -1).Result()
	if err != nil {
		return nil, unavailable("list transactions", err)
	}
	return decodeAll[parking.Transaction](raw)
}

func (s *RedisStore) Citations(ctx context.Context, plate string) ([]parking.Citation, error) {
	raw, err := s.client.LRange(ctx, s.plateCitKey(plate), 0, -1).Result()
	if err != nil {
		return nil, unavailable("list citations", err)
	}
	return decodeAll[parking.Citation](raw)
}

// Reserve checks for overlaps and writes the reservation in one optimistic
// transaction on the space's reservation index.
func (s *RedisStore) Reserve(ctx context.Context, txn parking.Transaction) error {
	if _, err := s.Space(ctx, txn.SpaceID); err != nil {
		return err
	}
	body, err := codec.Marshal(txn)
	if err != nil {
		return fmt.Errorf("encode transaction: %w", err)
	}

	idxKey := s.spaceTxnKey(txn.SpaceID)
	idKey := s.txnIDKey(txn.ID)
	reserve := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, idKey).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("transaction %s: %w", txn.ID, sentinel.ErrConflict)
		}
		// Any reservation starting before our end may overlap.
		candidates, err := tx.ZRangeByScore(ctx, idxKey, &redis.ZRangeBy{
			Min: "-inf",
			Max: "(" + strconv.FormatInt(txn.End.UnixMilli(), 10),
		}).Result()
		if err != nil {
			return err
		}
		existing, err := decodeAll[parking.Transaction](candidates)
		if err != nil {
			return err
		}
		for _, other := range existing {
			if other.Overlaps(txn.Start, txn.End) {
				return fmt.Errorf("space %s already reserved by %s: %w", txn.SpaceID, other.ID, sentinel.ErrConflict)
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, idKey, txn.SpaceID, 0)
			pipe.ZAdd(ctx, idxKey, redis.Z{Score: millis(txn.Start), Member: body})
			pipe.RPush(ctx, s.plateTxnKey(txn.Plate), body)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < reserveAttempts; attempt++ {
		err = s.client.Watch(ctx, reserve, idxKey, idKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, sentinel.ErrConflict) {
			return unavailable("reserve space", err)
		}
		return err
	}
	return fmt.Errorf("space %s: concurrent reservations: %w", txn.SpaceID, sentinel.ErrConflict)
}

func (s *RedisStore) AddCitation(ctx context.Context, c parking.Citation) error {
	body, err := codec.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode citation: %w", err)
	}
	created, err := s.client.SetNX(ctx, s.citationIDKey(c.ID), c.Plate, 0).Result()
	if err != nil {
		return unavailable("add citation", err)
	}
	if !created {
		return fmt.Errorf("citation %s: %w", c.ID, sentinel.ErrConflict)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.plateCitKey(c.Plate), body)
	if c.SpaceID != "" {
		pipe.ZAdd(ctx, s.spaceTicketKey(c.SpaceID), redis.Z{Score: millis(c.IssuedAt), Member: c.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("add citation", err)
	}
	return nil
}

func (s *RedisStore) PutSpace(ctx context.Context, sp parking.Space) error {
	body, err := codec.Marshal(sp)
	if err != nil {
		return fmt.Errorf("encode space: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.spaceKey(sp.ID), body, 0)
	pipe.SAdd(ctx, s.zoneKey(sp.Zone), sp.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("put space", err)
	}
	return nil
}

func (s *RedisStore) Space(ctx context.Context, id string) (parking.Space, error) {
	raw, err := s.client.Get(ctx, s.spaceKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return parking.Space{}, fmt.Errorf("space %s: %w", id, sentinel.ErrNotFound)
	}
	if err != nil {
		return parking.Space{}, unavailable("get space", err)
	}
	var sp parking.Space
	if err := codec.Unmarshal(raw, &sp); err != nil {
		return parking.Space{}, fmt.Errorf("decode space %s: %w", id, err)
	}
	return sp, nil
}

func (s *RedisStore) FreeSpaces(ctx context.Context, zone string, at time.Time) ([]parking.Space, error) {
	ids, err := s.client.SMembers(ctx, s.zoneKey(zone)).Result()
	if err != nil {
		return nil, unavailable("list zone spaces", err)
	}
	sort.Strings(ids)

	atMs := strconv.FormatInt(at.UnixMilli(), 10)
	free := make([]parking.Space, 0, len(ids))
	for _, id := range ids {
		started, err := s.client.ZRangeByScore(ctx, s.spaceTxnKey(id), &redis.ZRangeBy{Min: "-inf", Max: atMs}).Result()
		if err != nil {
			return nil, unavailable("list reservations", err)
		}
		txns, err := decodeAll[parking.Transaction](started)
		if err != nil {
			return nil, err
		}
		if covered(txns, at) {
			continue
		}
		sp, err := s.Space(ctx, id)
		if err != nil {
			return nil, err
		}
		free = append(free, sp)
	}
	return free, nil
}

func covered(txns []parking.Transaction, at time.Time) bool {
	for _, t := range txns {
		if t.Covers(at) {
			return true
		}
	}
	return false
}

func (s *RedisStore) CitationsAt(ctx context.Context, spaceID string, since time.Time) (int, error) {
	n, err := s.client.ZCount(ctx, s.spaceTicketKey(spaceID), strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, unavailable("count citations", err)
	}
	return int(n), nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func decodeAll[T any](raw []string) ([]T, error) {
	out := make([]T, 0, len(raw))
	for _, r := range raw {
		var v T
		if err := codec.Unmarshal([]byte(r), &v); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}
