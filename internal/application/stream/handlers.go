package stream

import (
	"context"
	"errors"

	"github.com/go-social-nosql/internal/application/content"
	"github.com/go-social-nosql/internal/domain"
	"github.com/go-social-nosql/internal/opctx"
	"github.com/go-social-nosql/internal/store"
	"github.com/go-social-nosql/internal/uow"
)

// Handlers re-read the document named by the change and act on its current
// state, so re-delivered or reordered changes converge to the same result.

func (p *Processor) onConversation(ctx context.Context, key store.Key) error {
	var conv domain.Conversation
	if err := store.GetInto(ctx, p.store, key, &conv); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return stageError("read-conversation", key, err)
	}
	if conv.IsReply() {
		if err := p.syncMirror(ctx, &conv); err != nil {
			return stageError("sync-comment-mirror", key, err)
		}
	}
	if err := p.fanOutContent(ctx, &conv); err != nil {
		return stageError("fan-out-content", key, err)
	}
	return nil
}

func (p *Processor) syncMirror(ctx context.Context, conv *domain.Conversation) error {
	mk := domain.MirrorKey(conv.ParentID, conv.CreatedAt, conv.ConversationID)
	var m domain.CommentMirror
	err := store.GetInto(ctx, p.store, mk, &m)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if conv.Deleted {
			return nil
		}
		w := uow.New(p.store, mk.Partition)
		content.AddMirror(w, conv.Content, opctx.Now(ctx))
		if err := w.Commit(ctx); err != nil && !uow.IsConflict(err) {
			return err
		}
		return nil
	case err != nil:
		return err
	case m.Version >= conv.Version:
		return nil
	case conv.Deleted:
		return content.TombstoneMirror(ctx, p.store, conv.Content, opctx.Now(ctx).Add(p.cfg.TombstoneTTL))
	}
	etag := m.ETag
	m.Content = conv.Content
	w := uow.New(p.store, mk.Partition)
	w.Replace(&m, etag)
	return w.Commit(ctx)
}

// onCommentMirror treats a mirror as proof that its reply was created and
// creates the canonical document when the creating call died before writing it.
func (p *Processor) onCommentMirror(ctx context.Context, key store.Key) error {
	var m domain.CommentMirror
	if err := store.GetInto(ctx, p.store, key, &m); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return stageError("read-comment-mirror", key, err)
	}
	if m.Deleted {
		return nil
	}
	_, err := p.store.Get(ctx, domain.ConversationKey(m.ConversationID))
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return stageError("read-conversation", key, err)
	}
	if err := content.CreateCanonical(ctx, p.store, m.Content); err != nil && !uow.IsConflict(err) {
		return stageError("create-conversation", key, err)
	}
	return nil
}

func (p *Processor) onCounters(ctx context.Context, key store.Key) error {
	var c domain.ConversationCounters
	if err := store.GetInto(ctx, p.store, key, &c); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return stageError("read-counters", key, err)
	}
	// Version 0 is the state written at creation; nothing to propagate yet.
	if c.Version == 0 {
		return nil
	}
	if c.ParentID != "" {
		if err := p.syncMirrorCounters(ctx, &c); err != nil {
			return stageError("sync-comment-mirror-counters", key, err)
		}
	}
	if err := p.fanOutCounters(ctx, &c); err != nil {
		return stageError("fan-out-counters", key, err)
	}
	return nil
}

func (p *Processor) syncMirrorCounters(ctx context.Context, c *domain.ConversationCounters) error {
	mk := domain.MirrorCountersKey(c.ParentID, c.ConversationID)
	var mc domain.MirrorCounters
	if err := store.GetInto(ctx, p.store, mk, &mc); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if mc.Version >= c.Version {
		return nil
	}
	etag := mc.ETag
	mc.Tally = c.Tally
	mc.Version = c.Version
	w := uow.New(p.store, mk.Partition)
	w.Replace(&mc, etag)
	return w.Commit(ctx)
}

// onReactionMarker brings the conversation-side reaction record (and the
// like count with it) and the mirror-side record in line with the marker.
func (p *Processor) onReactionMarker(ctx context.Context, key store.Key) error {
	var m domain.ReactionMarker
	if err := store.GetInto(ctx, p.store, key, &m); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return stageError("read-reaction-marker", key, err)
	}
	rk := domain.ReactionKey(m.ConversationID, m.UserID)
	if err := p.syncReaction(ctx, &m, rk, domain.KindReaction, true); err != nil {
		return stageError("sync-reaction", key, err)
	}
	if m.ParentID != "" {
		mk := domain.MirrorReactionKey(m.ParentID, m.ConversationID, m.UserID)
		if err := p.syncReaction(ctx, &m, mk, domain.KindMirrorReaction, false); err != nil {
			return stageError("sync-mirror-reaction", key, err)
		}
	}
	return nil
}

// syncReaction applies marker m to the record at key when m is newer. With
// count set, a state change moves the conversation's like count in the same
// transaction.
func (p *Processor) syncReaction(ctx context.Context, m *domain.ReactionMarker, key store.Key, kind store.Kind, count bool) error {
	now := opctx.Now(ctx)
	var r domain.Reaction
	err := store.GetInto(ctx, p.store, key, &r)
	w := uow.New(p.store, key.Partition)
	var delta int64
	switch {
	case errors.Is(err, store.ErrNotFound):
		if !m.Liked {
			return nil
		}
		w.Create(&domain.Reaction{
			Meta:            store.Meta{PK: key.Partition, ID: key.ID, Kind: kind},
			UserID:          m.UserID,
			ConversationID:  m.ConversationID,
			ParentID:        m.ParentID,
			Liked:           true,
			MarkerUpdatedAt: m.UpdatedAt,
		})
		delta = 1
	case err != nil:
		return err
	case !r.MarkerUpdatedAt.Before(m.UpdatedAt):
		return nil
	default:
		if r.Liked != m.Liked {
			delta = 1
			if !m.Liked {
				delta = -1
			}
		}
		etag := r.ETag
		r.Liked = m.Liked
		r.MarkerUpdatedAt = m.UpdatedAt
		r.TTL = 0
		if !m.Liked {
			r.TTL = now.Add(p.cfg.UnlikeTTL).Unix()
		}
		w.Replace(&r, etag)
	}
	if count && delta != 0 {
		w.Patch(domain.CountersKey(m.ConversationID), "",
			store.Increment(store.FieldLikes, delta),
			store.Increment(store.FieldVersion, 1),
			store.Set(store.FieldLastModified, now),
		)
	}
	err = w.Commit(ctx)
	var oe *uow.OpError
	if errors.As(err, &oe) && oe.Index == 0 && oe.Code == domain.CodeConflict {
		// A concurrent delivery of the same marker got there first.
		return nil
	}
	return err
}
