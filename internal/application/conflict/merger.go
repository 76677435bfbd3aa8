// Package conflict resolves concurrent-write conflicts surfaced by the store:
// last writer wins for content, delta merge against a baseline for counters.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-social-nosql/internal/domain"
	"github.com/go-social-nosql/internal/opctx"
	"github.com/go-social-nosql/internal/store"
	"github.com/go-social-nosql/internal/uow"
)

// ErrAbandoned marks a conflict left on the feed for a later pass.
var ErrAbandoned = errors.New("merge abandoned")

const batchSize = 50

type Merger struct {
	store    store.Store
	feed     store.ConflictFeed
	interval time.Duration
}

func NewMerger(s store.Store, feed store.ConflictFeed, interval time.Duration) *Merger {
	return &Merger{store: s, feed: feed, interval: interval}
}

// Pass resolves one batch of conflicts and returns how many were resolved.
// Conflicts that cannot be merged are logged and stay on the feed.
func (m *Merger) Pass(ctx context.Context) (int, error) {
	conflicts, err := m.feed.ReadConflicts(ctx, batchSize)
	if err != nil {
		return 0, fmt.Errorf("read conflicts: %w", err)
	}
	resolved := 0
	for _, c := range conflicts {
		cctx, op := opctx.New(ctx)
		if err := m.Resolve(cctx, c); err != nil {
			slog.Warn("conflict: merge deferred", "conflict_id", c.ID, "key", c.Key.String(), "cost", op.Cost(), "err", err)
			continue
		}
		if err := m.feed.DeleteConflict(cctx, c.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			slog.Warn("conflict: delete resolved conflict failed", "conflict_id", c.ID, "err", err)
			continue
		}
		resolved++
	}
	return resolved, nil
}

// Run calls Pass every interval until ctx is cancelled.
func (m *Merger) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		if n, err := m.Pass(ctx); err != nil && ctx.Err() == nil {
			slog.Error("conflict: pass failed", "err", err)
		} else if n > 0 {
			slog.Info("conflict: resolved", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Resolve merges one conflict into the stored document.
func (m *Merger) Resolve(ctx context.Context, c store.Conflict) error {
	kind := c.Current.Kind()
	if other := c.Conflicting.Kind(); kind != other {
		return fmt.Errorf("%w: kind %q conflicts with %q", ErrAbandoned, kind, other)
	}
	switch kind {
	case domain.KindConversation, domain.KindCommentMirror, domain.KindFeedItem:
		return m.lastWriterWins(ctx, c)
	case domain.KindCounters:
		return m.deltaMerge(ctx, c)
	case domain.KindMirrorCounters, domain.KindFeedCounters:
		return m.higherVersionWins(ctx, c)
	}
	return fmt.Errorf("%w: no merge policy for kind %q", ErrAbandoned, kind)
}

// contentOf reads the shared content payload of any content-bearing kind.
func contentOf(it store.Item) (domain.Content, error) {
	var doc struct {
		store.Meta
		domain.Content
	}
	err := store.Unmarshal(it, &doc)
	return doc.Content, err
}

func (m *Merger) lastWriterWins(ctx context.Context, c store.Conflict) error {
	stored, err := m.store.Get(ctx, c.Key)
	if err != nil {
		return fmt.Errorf("read %s: %w", c.Key, err)
	}
	have, err := contentOf(stored)
	if err != nil {
		return err
	}
	theirs, err := contentOf(c.Conflicting)
	if err != nil {
		return err
	}
	if !newer(theirs, have) {
		return nil
	}
	return m.replace(ctx, c.Conflicting, stored.ETag())
}

func newer(a, b domain.Content) bool {
	if !a.LastModified.Equal(b.LastModified) {
		return a.LastModified.After(b.LastModified)
	}
	return a.Version > b.Version
}

// deltaMerge sums both writers' changes relative to the baseline so that
// concurrent increments are all kept.
func (m *Merger) deltaMerge(ctx context.Context, c store.Conflict) error {
	var stored, theirs domain.ConversationCounters
	if err := store.GetInto(ctx, m.store, c.Key, &stored); err != nil {
		return fmt.Errorf("read %s: %w", c.Key, err)
	}
	if err := store.Unmarshal(c.Conflicting, &theirs); err != nil {
		return err
	}
	var base domain.CountersBaseline
	if err := store.GetInto(ctx, m.store, domain.BaselineKey(stored.ConversationID), &base); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: no baseline for %s", ErrAbandoned, c.Key)
		}
		return err
	}

	etag, baseETag := stored.ETag, base.ETag
	merged := stored
	merged.Tally = domain.Tally{
		Likes:    base.Likes + (stored.Likes - base.Likes) + (theirs.Likes - base.Likes),
		Comments: base.Comments + (stored.Comments - base.Comments) + (theirs.Comments - base.Comments),
		Views:    base.Views + (stored.Views - base.Views) + (theirs.Views - base.Views),
	}
	merged.Version = max(stored.Version, theirs.Version) + 1
	merged.LastModified = opctx.Now(ctx)
	base.Tally = merged.Tally
	base.Version = merged.Version

	w := uow.New(m.store, c.Key.Partition)
	w.Replace(&merged, etag)
	w.Replace(&base, baseETag)
	return w.Commit(ctx)
}

func (m *Merger) higherVersionWins(ctx context.Context, c store.Conflict) error {
	stored, err := m.store.Get(ctx, c.Key)
	if err != nil {
		return fmt.Errorf("read %s: %w", c.Key, err)
	}
	if c.Conflicting.Int(store.FieldVersion) <= stored.Int(store.FieldVersion) {
		return nil
	}
	return m.replace(ctx, c.Conflicting, stored.ETag())
}

func (m *Merger) replace(ctx context.Context, winner store.Item, etag string) error {
	w := uow.New(m.store, winner.Key().Partition)
	w.ReplaceItem(winner, etag)
	if err := w.Commit(ctx); err != nil {
		return fmt.Errorf("re-save %s: %w", winner.Key(), err)
	}
	return nil
}
