package parking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"parkline/pkg/platform/sentinel"
)

// DemoPlate has citations in the demo data set.
const DemoPlate = "12-345-67"

// DemoSpaces is a small two-zone site used by the CLI and tests.
func DemoSpaces() []Space {
	spaces := make([]Space, 0, 12)
	for i := 1; i <= 6; i++ {
		spaces = append(spaces,
			Space{ID: fmt.Sprintf("A-%02d", i), Zone: "A", Position: Point{X: float64(i) * 3, Y: 0}},
			Space{ID: fmt.Sprintf("B-%02d", i), Zone: "B", Position: Point{X: float64(i) * 3, Y: 20}},
		)
	}
	return spaces
}

// DemoCitations are the citations on record for DemoPlate, relative to now.
func DemoCitations(now time.Time) []Citation {
	return []Citation{
		{
			ID:        "cit-demo-0001",
			Plate:     DemoPlate,
			SpaceID:   "A-02",
			Zone:      "A",
			Reason:    "expired meter",
			Officer:   "officer-17",
			FineCents: 3500,
			IssuedAt:  now.Add(-72 * time.Hour).UTC(),
		},
		{
			ID:        "cit-demo-0002",
			Plate:     DemoPlate,
			SpaceID:   "B-05",
			Zone:      "B",
			Reason:    "no permit displayed",
			Officer:   "officer-04",
			FineCents: 6000,
			IssuedAt:  now.Add(-2 * time.Hour).UTC(),
		},
	}
}

// Seed loads the demo data set into s. Records that already exist are left
// alone, so seeding twice is harmless.
func Seed(ctx context.Context, s Store, now time.Time) error {
	for _, space := range DemoSpaces() {
		if err := s.PutSpace(ctx, space); err != nil {
			return fmt.Errorf("seed space %s: %w", space.ID, err)
		}
	}
	for _, c := range DemoCitations(now) {
		if err := s.AddCitation(ctx, c); err != nil && !errors.Is(err, sentinel.ErrConflict) {
			return fmt.Errorf("seed citation %s: %w", c.ID, err)
		}
	}
	return nil
}
