package content

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-social-nosql/internal/domain"
	"github.com/go-social-nosql/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func (s *service) Get(ctx context.Context, convID string) (*domain.ConversationView, error) {
	conv, err := s.live(ctx, convID)
	if err != nil {
		return nil, err
	}
	var ctr domain.ConversationCounters
	if err := store.GetInto(ctx, s.store, domain.CountersKey(convID), &ctr); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("read counters: %w", err)
	}
	return &domain.ConversationView{Content: conv.Content, Tally: ctr.Tally}, nil
}

// Comments lists the direct replies of convID newest first, read from the
// mirrors in its partition. cursor is the id of the last item of the previous page.
func (s *service) Comments(ctx context.Context, convID, cursor string, limit int) (*domain.Page, error) {
	if _, err := s.live(ctx, convID); err != nil {
		return nil, err
	}
	return s.page(ctx, domain.ConversationPartition(convID), domain.MirrorPrefix, cursor, limit,
		func(it store.Item) (domain.Content, store.Key, error) {
			var m domain.CommentMirror
			if err := store.Unmarshal(it, &m); err != nil {
				return domain.Content{}, store.Key{}, err
			}
			return m.Content, domain.MirrorCountersKey(convID, m.ConversationID), nil
		})
}

// Feed lists the replicas in userID's feed newest first.
func (s *service) Feed(ctx context.Context, userID, cursor string, limit int) (*domain.Page, error) {
	return s.page(ctx, domain.FeedPartition(userID), domain.FeedItemPrefix, cursor, limit,
		func(it store.Item) (domain.Content, store.Key, error) {
			var fi domain.FeedItem
			if err := store.Unmarshal(it, &fi); err != nil {
				return domain.Content{}, store.Key{}, err
			}
			return fi.Content, domain.FeedCountersKey(userID, fi.ConversationID), nil
		})
}

type decodeFn func(store.Item) (domain.Content, store.Key, error)

// page reads prefix in partition newest first, skipping tombstones, and joins
// each item with the counters document decode points at.
func (s *service) page(ctx context.Context, partition, prefix, cursor string, limit int, decode decodeFn) (*domain.Page, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	page := &domain.Page{Items: []domain.ConversationView{}}
	before := cursor
	for len(page.Items) < limit {
		items, err := s.store.Query(ctx, store.Query{
			Partition:  partition,
			Prefix:     prefix,
			Before:     before,
			Descending: true,
			Limit:      limit,
		})
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", partition, err)
		}
		for _, it := range items {
			before = it.Key().ID
			c, counters, err := decode(it)
			if err != nil {
				return nil, err
			}
			if c.Deleted {
				continue
			}
			v := domain.ConversationView{Content: c}
			var t struct {
				store.Meta
				domain.Tally
			}
			if err := store.GetInto(ctx, s.store, counters, &t); err != nil && !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("read counters %s: %w", counters, err)
			}
			v.Tally = t.Tally
			page.Items = append(page.Items, v)
			page.Cursor = before
			if len(page.Items) == limit {
				break
			}
		}
		if len(items) < limit {
			break
		}
	}
	return page, nil
}
