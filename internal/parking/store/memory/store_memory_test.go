package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parkline/internal/parking"
	"parkline/pkg/platform/sentinel"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func seeded(t *testing.T) *InMemoryStore {
	t.Helper()
	s := New()
	ctx := context.Background()
	for _, sp := range []parking.Space{
		{ID: "A-01", Zone: "A", Position: parking.Point{X: 1}},
		{ID: "A-02", Zone: "A", Position: parking.Point{X: 2}},
		{ID: "B-01", Zone: "B"},
	} {
		require.NoError(t, s.PutSpace(ctx, sp))
	}
	return s
}

func TestReserve(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects overlapping windows on the same space", func(t *testing.T) {
		s := seeded(t)
		require.NoError(t, s.Reserve(ctx, parking.Transaction{ID: "t1", Plate: "P1", SpaceID: "A-01", Start: base, End: base.Add(time.Hour)}))

		err := s.Reserve(ctx, parking.Transaction{ID: "t2", Plate: "P2", SpaceID: "A-01", Start: base.Add(30 * time.Minute), End: base.Add(2 * time.Hour)})
		assert.True(t, errors.Is(err, sentinel.ErrConflict))

		// Back-to-back windows do not overlap.
		assert.NoError(t, s.Reserve(ctx, parking.Transaction{ID: "t3", Plate: "P2", SpaceID: "A-01", Start: base.Add(time.Hour), End: base.Add(2 * time.Hour)}))
	})

	t.Run("unknown space is not found", func(t *testing.T) {
		s := seeded(t)
		err := s.Reserve(ctx, parking.Transaction{ID: "t1", SpaceID: "Z-99", Start: base, End: base.Add(time.Hour)})
		assert.True(t, errors.Is(err, sentinel.ErrNotFound))
	})
}

func TestFreeSpaces(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)
	require.NoError(t, s.Reserve(ctx, parking.Transaction{ID: "t1", Plate: "P1", SpaceID: "A-01", Start: base, End: base.Add(time.Hour)}))

	free, err := s.FreeSpaces(ctx, "A", base.Add(10*time.Minute))
	require.NoError(t, err)
	require.Len(t, free, 1)
	assert.Equal(t, "A-02", free[0].ID)

	free, err = s.FreeSpaces(ctx, "A", base.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, free, 2, "reservation ended")
}

func TestCitations(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)
	require.NoError(t, s.AddCitation(ctx, parking.Citation{ID: "c1", Plate: "12-345-67", SpaceID: "A-01", IssuedAt: base}))
	require.NoError(t, s.AddCitation(ctx, parking.Citation{ID: "c2", Plate: "12-345-67", SpaceID: "A-01", IssuedAt: base.Add(48 * time.Hour)}))

	list, err := s.Citations(ctx, "12-345-67")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	n, err := s.CitationsAt(ctx, "A-01", base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	err = s.AddCitation(ctx, parking.Citation{ID: "c1", Plate: "X"})
	assert.True(t, errors.Is(err, sentinel.ErrConflict))
}

func TestSeedIsRepeatable(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, parking.Seed(ctx, s, base))
	require.NoError(t, parking.Seed(ctx, s, base))

	citations, err := s.Citations(ctx, parking.DemoPlate)
	require.NoError(t, err)
	assert.Len(t, citations, 2)

	free, err := s.FreeSpaces(ctx, "A", base)
	require.NoError(t, err)
	assert.Len(t, free, 6)
}
