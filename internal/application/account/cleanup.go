package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-social-nosql/internal/domain"
	"github.com/go-social-nosql/internal/opctx"
	"github.com/go-social-nosql/internal/pkg/id"
	"github.com/go-social-nosql/internal/store"
	"github.com/go-social-nosql/internal/uow"
)

const sweepBatch = 100

type cleaner struct {
	store store.Store
}

// cleanup undoes whatever a registration left behind. It is idempotent: each
// step treats an already-missing document as done. A Completed account keeps
// its account and locks; only the marker goes.
func (c cleaner) cleanup(ctx context.Context, m *domain.PendingRegistration) error {
	var acct domain.Account
	err := store.GetInto(ctx, c.store, domain.AccountKey(m.UserID), &acct)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return fmt.Errorf("read account %s: %w", m.UserID, err)
	case acct.Status == domain.AccountCompleted:
		return c.deleteIgnoringMissing(ctx, m.Key(), "")
	default:
		w := uow.New(c.store, acct.PK)
		w.Delete(domain.AccountKey(m.UserID), acct.ETag)
		w.Delete(domain.FollowersKey(m.UserID), "")
		w.Delete(domain.FollowingKey(m.UserID), "")
		if err := w.Commit(ctx); err != nil && !uow.IsNotFound(err) {
			return fmt.Errorf("delete pending account %s: %w", m.UserID, err)
		}
	}

	for _, key := range []store.Key{domain.EmailLockKey(m.Email), domain.HandleLockKey(m.Handle)} {
		if err := c.releaseLock(ctx, key, m.UserID); err != nil {
			return err
		}
	}
	return c.deleteIgnoringMissing(ctx, m.Key(), "")
}

// releaseLock deletes key only while it is still owned by owner.
func (c cleaner) releaseLock(ctx context.Context, key store.Key, owner string) error {
	var lock domain.UniqueLock
	err := store.GetInto(ctx, c.store, key, &lock)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read lock %s: %w", key, err)
	}
	if lock.OwnerID != owner {
		return nil
	}
	return c.deleteIgnoringMissing(ctx, key, lock.ETag)
}

func (c cleaner) deleteIgnoringMissing(ctx context.Context, key store.Key, etag string) error {
	w := uow.New(c.store, key.Partition)
	w.Delete(key, etag)
	if err := w.Commit(ctx); err != nil && !uow.IsNotFound(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Sweeper removes registrations abandoned for longer than MaxAge.
type Sweeper struct {
	cleaner
	maxAge   time.Duration
	interval time.Duration
	batch    int
}

func NewSweeper(s store.Store, maxAge, interval time.Duration) *Sweeper {
	return &Sweeper{cleaner: cleaner{store: s}, maxAge: maxAge, interval: interval, batch: sweepBatch}
}

// Sweep cleans markers created at or before now-maxAge. It walks them newest
// first, one batch at a time, and moves past markers it cannot clean so they
// never hide older ones. It returns the number of markers cleaned.
func (s *Sweeper) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	before := id.Boundary(opctx.Now(ctx).Add(-maxAge).Add(time.Millisecond))
	total := 0
	for {
		n, last, more, err := s.pass(ctx, before)
		total += n
		if err != nil || !more {
			return total, err
		}
		before = last
	}
}

// pass cleans one batch of markers older than before. It returns the id of
// the oldest marker seen and whether more may follow.
func (s *Sweeper) pass(ctx context.Context, before string) (cleaned int, last string, more bool, err error) {
	items, err := s.store.Query(ctx, store.Query{
		Partition:  domain.PendingPartition,
		Before:     before,
		Descending: true,
		Limit:      s.batch,
	})
	if err != nil {
		return 0, "", false, fmt.Errorf("query pending markers: %w", err)
	}
	for _, it := range items {
		last = it.Key().ID
		var m domain.PendingRegistration
		if err := store.Unmarshal(it, &m); err != nil {
			slog.Warn("account sweep: undecodable marker", "key", it.Key().String(), "err", err)
			continue
		}
		mctx, _ := opctx.New(ctx)
		if err := s.cleanup(mctx, &m); err != nil {
			slog.Warn("account sweep: cleanup failed", "marker", m.MarkerID, "user_id", m.UserID, "err", err)
			continue
		}
		cleaned++
	}
	return cleaned, last, len(items) == s.batch, nil
}

// Run sweeps every interval until ctx is cancelled. Failures are logged and
// the next tick retries.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		n, err := s.Sweep(ctx, s.maxAge)
		if err != nil && ctx.Err() == nil {
			slog.Error("account sweep failed", "err", err)
		} else if n > 0 {
			slog.Info("account sweep cleaned abandoned registrations", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
