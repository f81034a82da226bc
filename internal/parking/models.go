// Package parking holds the records behind the parking operations:
// reservations (transactions), citations and the spaces they refer to.
package parking

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Point is a position on a zone's site plan, in metres.
type Point struct {
	X float64 `cbor:"x"`
	Y float64 `cbor:"y"`
}

// Space is a single parking bay.
type Space struct {
	ID       string `cbor:"id"`
	Zone     string `cbor:"zone"`
	Position Point  `cbor:"position"`
}

// Transaction is a paid reservation of a space for a time window.
type Transaction struct {
	ID          string    `cbor:"id"`
	Plate       string    `cbor:"plate"`
	SpaceID     string    `cbor:"space_id"`
	Zone        string    `cbor:"zone"`
	Start       time.Time `cbor:"start"`
	End         time.Time `cbor:"end"`
	AmountCents int64     `cbor:"amount_cents"`
	CreatedAt   time.Time `cbor:"created_at"`
}

// Overlaps reports whether the two reservation windows intersect.
func (t Transaction) Overlaps(start, end time.Time) bool {
	return t.Start.Before(end) && start.Before(t.End)
}

// Covers reports whether the reservation is active at instant at.
func (t Transaction) Covers(at time.Time) bool {
	return !at.Before(t.Start) && at.Before(t.End)
}

// Citation is a ticket issued to a vehicle.
type Citation struct {
	ID        string    `cbor:"id"`
	Plate     string    `cbor:"plate"`
	SpaceID   string    `cbor:"space_id,omitempty"`
	Zone      string    `cbor:"zone"`
	Reason    string    `cbor:"reason"`
	Officer   string    `cbor:"officer"`
	FineCents int64     `cbor:"fine_cents"`
	IssuedAt  time.Time `cbor:"issued_at"`
}

// -----------------------------------------------------------------------------
// Request payloads
// -----------------------------------------------------------------------------

// PlateQuery selects records for one vehicle.
type PlateQuery struct {
	Plate string `cbor:"plate"`
}

// ReserveRequest asks for a space for a time window.
type ReserveRequest struct {
	Plate       string    `cbor:"plate"`
	SpaceID     string    `cbor:"space_id"`
	Start       time.Time `cbor:"start"`
	End         time.Time `cbor:"end"`
	AmountCents int64     `cbor:"amount_cents"`
}

// CitationReport is an officer's report of a violation.
type CitationReport struct {
	Plate     string `cbor:"plate"`
	SpaceID   string `cbor:"space_id,omitempty"`
	Zone      string `cbor:"zone"`
	Reason    string `cbor:"reason"`
	Officer   string `cbor:"officer"`
	FineCents int64  `cbor:"fine_cents"`
}

// TransactionList is the reply body of GetTransactions.
type TransactionList struct {
	Plate        string        `cbor:"plate"`
	Transactions []Transaction `cbor:"transactions"`
}

// CitationList is the reply body of GetCitations.
type CitationList struct {
	Plate     string     `cbor:"plate"`
	Citations []Citation `cbor:"citations"`
}

// Plates look like "12-345-67": digit groups separated by dashes, or plain
// alphanumerics.
var platePattern = regexp.MustCompile(`^[A-Z0-9]{1,4}(-[A-Z0-9]{1,4}){0,3}$`)

// NormalizePlate upper-cases and trims a plate and checks its shape.
func NormalizePlate(plate string) (string, error) {
	p := strings.ToUpper(strings.TrimSpace(plate))
	if p == "" {
		return "", fmt.Errorf("plate is required")
	}
	if !platePattern.MatchString(p) {
		return "", fmt.Errorf("plate %q is malformed", plate)
	}
	return p, nil
}

// Validate checks a reservation request.
func (r ReserveRequest) Validate() error {
	if _, err := NormalizePlate(r.Plate); err != nil {
		return err
	}
	if r.SpaceID == "" {
		return fmt.Errorf("space_id is required")
	}
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("start and end are required")
	}
	if !r.End.After(r.Start) {
		return fmt.Errorf("end must be after start")
	}
	if r.AmountCents < 0 {
		return fmt.Errorf("amount_cents must not be negative")
	}
	return nil
}

// Validate checks a citation report.
func (r CitationReport) Validate() error {
	if _, err := NormalizePlate(r.Plate); err != nil {
		return err
	}
	if r.Zone == "" {
		return fmt.Errorf("zone is required")
	}
	if strings.TrimSpace(r.Reason) == "" {
		return fmt.Errorf("reason is required")
	}
	if r.Officer == "" {
		return fmt.Errorf("officer is required")
	}
	if r.FineCents < 0 {
		return fmt.Errorf("fine_cents must not be negative")
	}
	return nil
}
