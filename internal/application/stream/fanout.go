package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-social-nosql/internal/domain"
	"github.com/go-social-nosql/internal/opctx"
	"github.com/go-social-nosql/internal/store"
	"github.com/go-social-nosql/internal/uow"
)

func (p *Processor) followers(ctx context.Context, userID string) ([]string, error) {
	var fl domain.FollowerList
	if err := store.GetInto(ctx, p.store, domain.FollowersKey(userID), &fl); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]string, 0, len(fl.Followers))
	for id := range fl.Followers {
		out = append(out, id)
	}
	return out, nil
}

// fanOut calls fn for every owner with at most Parallelism calls in flight,
// paced by the limiter when one is configured.
func (p *Processor) fanOut(ctx context.Context, owners []string, fn func(ctx context.Context, owner string) error) error {
	sem := make(chan struct{}, p.cfg.Parallelism)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	stop := func(err error) error {
		wg.Wait()
		return errors.Join(append(errs, err)...)
	}
	for _, owner := range owners {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return stop(err)
			}
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return stop(ctx.Err())
		}
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := fn(ctx, owner); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("feed of %s: %w", owner, err))
				mu.Unlock()
			}
		}(owner)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// fanOutContent upserts conv into the feed of every follower of its author.
func (p *Processor) fanOutContent(ctx context.Context, conv *domain.Conversation) error {
	owners, err := p.followers(ctx, conv.AuthorID)
	if err != nil || len(owners) == 0 {
		return err
	}
	var ctr domain.ConversationCounters
	if err := store.GetInto(ctx, p.store, domain.CountersKey(conv.ConversationID), &ctr); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return p.fanOut(ctx, owners, func(ctx context.Context, owner string) error {
		return p.upsertFeedItem(ctx, owner, conv, &ctr)
	})
}

// upsertFeedItem moves a replica forward only. A tombstoned replica is final.
func (p *Processor) upsertFeedItem(ctx context.Context, owner string, conv *domain.Conversation, ctr *domain.ConversationCounters) error {
	now := opctx.Now(ctx)
	key := domain.FeedItemKey(owner, conv.CreatedAt, conv.ConversationID)
	var fi domain.FeedItem
	err := store.GetInto(ctx, p.store, key, &fi)
	w := uow.New(p.store, key.Partition)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if conv.Deleted {
			return nil
		}
		expires := now.Add(p.cfg.FeedTTL).Unix()
		w.Create(&domain.FeedItem{
			Meta:    store.Meta{PK: key.Partition, ID: key.ID, Kind: domain.KindFeedItem, TTL: expires},
			OwnerID: owner,
			Content: conv.Content,
		})
		ck := domain.FeedCountersKey(owner, conv.ConversationID)
		w.Create(&domain.FeedCounters{
			Meta:           store.Meta{PK: ck.Partition, ID: ck.ID, Kind: domain.KindFeedCounters, TTL: expires},
			OwnerID:        owner,
			ConversationID: conv.ConversationID,
			Tally:          ctr.Tally,
			Version:        ctr.Version,
		})
		if err := w.Commit(ctx); err != nil && !uow.IsConflict(err) {
			return err
		}
		return nil
	case err != nil:
		return err
	case fi.Deleted, fi.Version >= conv.Version:
		return nil
	}
	etag := fi.ETag
	fi.Content = conv.Content
	if conv.Deleted {
		fi.TTL = now.Add(p.cfg.TombstoneTTL).Unix()
	}
	w.Replace(&fi, etag)
	return w.Commit(ctx)
}

// fanOutCounters refreshes the counter replica in every follower's feed that
// already holds the conversation.
func (p *Processor) fanOutCounters(ctx context.Context, c *domain.ConversationCounters) error {
	owners, err := p.followers(ctx, c.AuthorID)
	if err != nil || len(owners) == 0 {
		return err
	}
	return p.fanOut(ctx, owners, func(ctx context.Context, owner string) error {
		key := domain.FeedCountersKey(owner, c.ConversationID)
		var fc domain.FeedCounters
		if err := store.GetInto(ctx, p.store, key, &fc); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		if fc.Version >= c.Version {
			return nil
		}
		etag := fc.ETag
		fc.Tally = c.Tally
		fc.Version = c.Version
		w := uow.New(p.store, key.Partition)
		w.Replace(&fc, etag)
		return w.Commit(ctx)
	})
}
