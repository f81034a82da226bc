package recommend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parkline/internal/parking"
	"parkline/internal/parking/store/memory"
	"parkline/internal/rpc"
	"parkline/pkg/codec"
	"parkline/pkg/requestcontext"
)

var at = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func inventory(t *testing.T, spaces ...parking.Space) *memory.InMemoryStore {
	t.Helper()
	s := memory.New()
	for _, sp := range spaces {
		require.NoError(t, s.PutSpace(context.Background(), sp))
	}
	return s
}

func TestReplicaVote(t *testing.T) {
	ctx := requestcontext.WithTime(context.Background(), at)
	near := parking.Space{ID: "A-01", Zone: "A", Position: parking.Point{X: 3}}
	far := parking.Space{ID: "A-02", Zone: "A", Position: parking.Point{X: 30}}

	t.Run("proposes the nearest free space", func(t *testing.T) {
		r, err := NewReplica("r1", inventory(t, near, far))
		require.NoError(t, err)

		v, err := r.Vote(ctx, Query{Zone: "A"})
		require.NoError(t, err)
		assert.Equal(t, "A-01", v.Space)
		assert.Equal(t, "r1", v.ReplicaID)
		assert.InDelta(t, 50.0/53.0, v.Confidence, 1e-9)
		assert.Equal(t, at, v.At)
	})

	t.Run("recent citations push a space back", func(t *testing.T) {
		inv := inventory(t, near, far)
		require.NoError(t, inv.AddCitation(ctx, parking.Citation{ID: "c1", Plate: "X", SpaceID: "A-01", Zone: "A", IssuedAt: at.Add(-time.Hour)}))
		require.NoError(t, inv.AddCitation(ctx, parking.Citation{ID: "c2", Plate: "Y", SpaceID: "A-01", Zone: "A", IssuedAt: at.Add(-2 * time.Hour)}))

		r, err := NewReplica("r1", inv)
		require.NoError(t, err)
		v, err := r.Vote(ctx, Query{Zone: "A"})
		require.NoError(t, err)
		assert.Equal(t, "A-02", v.Space, "3m + 2*25m penalty is worse than 30m")
	})

	t.Run("citations outside the window are ignored", func(t *testing.T) {
		inv := inventory(t, near, far)
		require.NoError(t, inv.AddCitation(ctx, parking.Citation{ID: "c1", Plate: "X", SpaceID: "A-01", Zone: "A", IssuedAt: at.Add(-30 * 24 * time.Hour)}))

		r, err := NewReplica("r1", inv)
		require.NoError(t, err)
		v, err := r.Vote(ctx, Query{Zone: "A"})
		require.NoError(t, err)
		assert.Equal(t, "A-01", v.Space)
	})

	t.Run("equal cost goes to the lowest space id", func(t *testing.T) {
		left := parking.Space{ID: "A-10", Zone: "A", Position: parking.Point{X: -5}}
		right := parking.Space{ID: "A-9", Zone: "A", Position: parking.Point{X: 5}}
		r, err := NewReplica("r1", inventory(t, left, right))
		require.NoError(t, err)
		v, err := r.Vote(ctx, Query{Zone: "A"})
		require.NoError(t, err)
		assert.Equal(t, "A-9", v.Space)
	})

	t.Run("reserved spaces are skipped", func(t *testing.T) {
		inv := inventory(t, near, far)
		require.NoError(t, inv.Reserve(ctx, parking.Transaction{ID: "t1", Plate: "P", SpaceID: "A-01", Start: at.Add(-time.Hour), End: at.Add(time.Hour)}))

		r, err := NewReplica("r1", inv)
		require.NoError(t, err)
		v, err := r.Vote(ctx, Query{Zone: "A"})
		require.NoError(t, err)
		assert.Equal(t, "A-02", v.Space)
	})

	t.Run("no free space abstains", func(t *testing.T) {
		r, err := NewReplica("r1", inventory(t, near))
		require.NoError(t, err)
		v, err := r.Vote(ctx, Query{Zone: "B"})
		require.NoError(t, err)
		assert.Empty(t, v.Space)
	})
}

func TestReplicaHandle(t *testing.T) {
	r, err := NewReplica("r7", inventory(t, parking.Space{ID: "A-01", Zone: "A"}))
	require.NoError(t, err)

	t.Run("answers with a vote", func(t *testing.T) {
		payload, err := codec.Raw(Query{Zone: "A"})
		require.NoError(t, err)
		out, err := r.Handle(context.Background(), &rpc.Request{Operation: rpc.OpRecommendSpace, Payload: payload})
		require.NoError(t, err)
		assert.Equal(t, "A-01", out.(Vote).Space)
	})

	t.Run("zone is required", func(t *testing.T) {
		payload, err := codec.Raw(Query{})
		require.NoError(t, err)
		_, err = r.Handle(context.Background(), &rpc.Request{Operation: rpc.OpRecommendSpace, Payload: payload})
		assert.True(t, rpc.HasCode(err, rpc.CodeBadRequest))
	})
}

func TestNewReplica(t *testing.T) {
	_, err := NewReplica("", memory.New())
	assert.Error(t, err)
	_, err = NewReplica("r1", nil)
	assert.Error(t, err)
}
