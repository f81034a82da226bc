package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"parkline/internal/parking"
	"parkline/pkg/platform/sentinel"
)

// InMemoryStore keeps parking records in process memory. It backs tests and
// the single-process mode of the CLI.
type InMemoryStore struct {
	mu           sync.RWMutex
	spaces       map[string]parking.Space
	transactions map[string][]parking.Transaction
	bySpace      map[string][]parking.Transaction
	citations    map[string][]parking.Citation
	citationIDs  map[string]struct{}
	spaceTickets map[string][]time.Time
}

func New() *InMemoryStore {
	return &InMemoryStore{
		spaces:       make(map[string]parking.Space),
		transactions: make(map[string][]parking.Transaction),
		bySpace:      make(map[string][]parking.Transaction),
		citations:    make(map[string][]parking.Citation),
		citationIDs:  make(map[string]struct{}),
		spaceTickets: make(map[string][]time.Time),
	}
}

func (s *InMemoryStore) Transactions(_ context.Context, plate string) ([]parking.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]parking.Transaction{}, s.transactions[plate]...), nil
}

func (s *InMemoryStore) Citations(_ context.Context, plate string) ([]parking.Citation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]parking.Citation{}, s.citations[plate]...), nil
}

func (s *InMemoryStore) Reserve(_ context.Context, txn parking.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.spaces[txn.SpaceID]; !ok {
		return fmt.Errorf("space %s: %w", txn.SpaceID, sentinel.ErrNotFound)
	}
	for _, existing := range s.bySpace[txn.SpaceID] {
		if existing.ID == txn.ID {
			return fmt.Errorf("transaction %s: %w", txn.ID, sentinel.ErrConflict)
		}
		if existing.Overlaps(txn.Start, txn.End) {
			return fmt.Errorf("space %s already reserved by %s: %w", txn.SpaceID, existing.ID, sentinel.ErrConflict)
		}
	}
	s.transactions[txn.Plate] = append(s.transactions[txn.Plate], txn)
	s.bySpace[txn.SpaceID] = append(s.bySpace[txn.SpaceID], txn)
	return nil
}

func (s *InMemoryStore) AddCitation(_ context.Context, c parking.Citation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.citationIDs[c.ID]; dup {
		return fmt.Errorf("citation %s: %w", c.ID, sentinel.ErrConflict)
	}
	s.citationIDs[c.ID] = struct{}{}
	s.citations[c.Plate] = append(s.citations[c.Plate], c)
	if c.SpaceID != "" {
		s.spaceTickets[c.SpaceID] = append(s.spaceTickets[c.SpaceID], c.IssuedAt)
	}
	return nil
}

func (s *InMemoryStore) PutSpace(_ context.Context, sp parking.Space) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spaces[sp.ID] = sp
	return nil
}

func (s *InMemoryStore) Space(_ context.Context, id string) (parking.Space, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.spaces[id]
	if !ok {
		return parking.Space{}, fmt.Errorf("space %s: %w", id, sentinel.ErrNotFound)
	}
	return sp, nil
}

func (s *InMemoryStore) FreeSpaces(_ context.Context, zone string, at time.Time) ([]parking.Space, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var free []parking.Space
	for _, sp := range s.spaces {
		if sp.Zone != zone || s.occupied(sp.ID, at) {
			continue
		}
		free = append(free, sp)
	}
	sort.Slice(free, func(i, j int) bool { return free[i].ID < free[j].ID })
	return free, nil
}

func (s *InMemoryStore) occupied(spaceID string, at time.Time) bool {
	for _, txn := range s.bySpace[spaceID] {
		if txn.Covers(at) {
			return true
		}
	}
	return false
}

func (s *InMemoryStore) CitationsAt(_ context.Context, spaceID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, issued := range s.spaceTickets[spaceID] {
		if !issued.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Ping(context.Context) error {
	return nil
}
