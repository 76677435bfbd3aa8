package memstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/go-social-nosql/internal/opctx"
	"github.com/go-social-nosql/internal/store"
)

// Ranges lists the change-stream ranges ("0".."n-1"). They never close.
func (s *Store) Ranges(ctx context.Context) ([]store.Range, error) {
	if err := opctx.Intercept(ctx); err != nil {
		return nil, err
	}
	out := make([]store.Range, len(s.logs))
	for i := range s.logs {
		out[i] = store.Range{ID: strconv.Itoa(i)}
	}
	return out, nil
}

// Read returns up to limit changes of rangeID after cursor. The cursor is the
// offset into the range log; an empty cursor starts at the beginning.
func (s *Store) Read(ctx context.Context, rangeID, cursor string, limit int) (store.ChangeBatch, error) {
	if err := opctx.Intercept(ctx); err != nil {
		return store.ChangeBatch{}, err
	}
	idx, err := strconv.Atoi(rangeID)
	if err != nil || idx < 0 || idx >= len(s.logs) {
		return store.ChangeBatch{}, fmt.Errorf("unknown range %q", rangeID)
	}
	from := 0
	if cursor != "" {
		if from, err = strconv.Atoi(cursor); err != nil {
			return store.ChangeBatch{}, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.logs[idx]
	if from >= len(log) {
		return store.ChangeBatch{Next: cursor}, nil
	}
	to := len(log)
	if limit > 0 && from+limit < to {
		to = from + limit
	}
	changes := make([]store.Change, 0, to-from)
	for _, c := range log[from:to] {
		c.Item = c.Item.Clone()
		changes = append(changes, c)
	}
	return store.ChangeBatch{Changes: changes, Next: strconv.Itoa(to)}, nil
}

// ReportConflict records a concurrent write that lost against the stored
// version, the way a multi-writer replication layer would.
func (s *Store) ReportConflict(current, conflicting store.Item) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := strconv.FormatInt(s.seq, 10)
	s.conflicts = append(s.conflicts, store.Conflict{
		ID:          id,
		Key:         current.Key(),
		Current:     current.Clone(),
		Conflicting: conflicting.Clone(),
	})
	return id
}

func (s *Store) ReadConflicts(ctx context.Context, limit int) ([]store.Conflict, error) {
	if err := opctx.Intercept(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.conflicts)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]store.Conflict(nil), s.conflicts[:n]...), nil
}

func (s *Store) DeleteConflict(ctx context.Context, id string) error {
	if err := opctx.Intercept(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.conflicts {
		if c.ID == id {
			s.conflicts = append(s.conflicts[:i], s.conflicts[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("conflict %s: %w", id, store.ErrNotFound)
}

// Keys lists the keys of every live document, sorted. Intended for assertions.
func (s *Store) Keys(ctx context.Context) []store.Key {
	now := opctx.Now(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []store.Key
	for k, it := range s.docs {
		if it.Live(now) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
