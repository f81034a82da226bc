package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these (optionally
// wrapped) so handlers can translate them into reply codes.
//
// These represent factual states about records, not validation failures:
//   - ErrNotFound: the record does not exist in the store
//   - ErrConflict: the write collides with an existing record
//   - ErrUnavailable: the backing system cannot be reached
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("unavailable")
)
