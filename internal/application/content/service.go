// Package content owns canonical conversation writes and the reads served
// from their denormalized copies.
package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-social-nosql/internal/domain"
	"github.com/go-social-nosql/internal/opctx"
	"github.com/go-social-nosql/internal/pkg/id"
	"github.com/go-social-nosql/internal/pkg/validate"
	"github.com/go-social-nosql/internal/store"
	"github.com/go-social-nosql/internal/uow"
)

// Write checkpoints.
const (
	StepCreateMirror        = "create-comment-mirror"
	StepCreateCanonical     = "create-conversation"
	StepTombstone           = "tombstone-conversation"
	StepRemoveCommentMirror = "remove-comment-mirror"
	StepWriteReaction       = "write-reaction-marker"
	StepCountView           = "count-view"
)

type Service interface {
	Create(ctx context.Context, authorID string, req domain.CreateConversationRequest) (*domain.ConversationView, error)
	Delete(ctx context.Context, userID, convID string) error
	Like(ctx context.Context, userID, convID string) error
	Unlike(ctx context.Context, userID, convID string) error
	View(ctx context.Context, convID string) error
	Get(ctx context.Context, convID string) (*domain.ConversationView, error)
	Comments(ctx context.Context, convID, cursor string, limit int) (*domain.Page, error)
	Feed(ctx context.Context, userID, cursor string, limit int) (*domain.Page, error)
}

type service struct {
	store        store.Store
	tombstoneTTL time.Duration
}

func NewService(s store.Store, tombstoneTTL time.Duration) Service {
	return &service{store: s, tombstoneTTL: tombstoneTTL}
}

func (s *service) Create(ctx context.Context, authorID string, req domain.CreateConversationRequest) (*domain.ConversationView, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBadRequest, err)
	}
	now := opctx.Now(ctx)
	c := domain.Content{
		ConversationID: id.NewAt(now),
		AuthorID:       authorID,
		ParentID:       req.ParentID,
		Text:           req.Text,
		Version:        1,
		CreatedAt:      now,
		LastModified:   now,
	}

	if c.IsReply() {
		parent, err := s.live(ctx, c.ParentID)
		if err != nil {
			return nil, err
		}
		// The mirror and the parent's comment count move together; the
		// canonical document follows and is re-created from the mirror by
		// the stream processor if this call dies in between.
		opctx.Signal(ctx, StepCreateMirror)
		w := uow.New(s.store, domain.ConversationPartition(parent.ConversationID))
		AddMirror(w, c, now)
		if err := w.Commit(ctx); err != nil {
			return nil, fmt.Errorf("create comment mirror: %w", err)
		}
	}

	opctx.Signal(ctx, StepCreateCanonical)
	if err := CreateCanonical(ctx, s.store, c); err != nil && !uow.IsConflict(err) {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &domain.ConversationView{Content: c}, nil
}

func (s *service) Delete(ctx context.Context, userID, convID string) error {
	var conv domain.Conversation
	if err := store.GetInto(ctx, s.store, domain.ConversationKey(convID), &conv); err != nil {
		return notFound(convID, err)
	}
	if conv.AuthorID != userID {
		return fmt.Errorf("conversation %s: %w", convID, domain.ErrForbidden)
	}
	if conv.Deleted {
		return nil
	}

	now := opctx.Now(ctx)
	etag := conv.ETag
	conv.Deleted = true
	conv.Version++
	conv.LastModified = now
	opctx.Signal(ctx, StepTombstone)
	w := uow.New(s.store, conv.PK)
	w.Replace(&conv, etag)
	if err := w.Commit(ctx); err != nil {
		if uow.IsConflict(err) {
			return fmt.Errorf("conversation %s changed concurrently: %w", convID, domain.ErrConflict)
		}
		return fmt.Errorf("tombstone conversation: %w", err)
	}

	if conv.IsReply() {
		opctx.Signal(ctx, StepRemoveCommentMirror)
		if err := TombstoneMirror(ctx, s.store, conv.Content, now.Add(s.tombstoneTTL)); err != nil {
			slog.Warn("content: mirror removal deferred to stream processor",
				"conversation_id", convID, "parent_id", conv.ParentID, "err", err)
		}
	}
	return nil
}

func (s *service) Like(ctx context.Context, userID, convID string) error {
	return s.react(ctx, userID, convID, true)
}

func (s *service) Unlike(ctx context.Context, userID, convID string) error {
	return s.react(ctx, userID, convID, false)
}

// react records the user's intent in their own partition; the stream processor
// moves the conversation's like count.
func (s *service) react(ctx context.Context, userID, convID string, liked bool) error {
	conv, err := s.live(ctx, convID)
	if err != nil {
		return err
	}
	now := opctx.Now(ctx)
	key := domain.ReactionMarkerKey(userID, convID)

	var marker domain.ReactionMarker
	err = store.GetInto(ctx, s.store, key, &marker)
	w := uow.New(s.store, key.Partition)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if !liked {
			return nil
		}
		w.Create(&domain.ReactionMarker{
			Meta:           store.Meta{PK: key.Partition, ID: key.ID, Kind: domain.KindReactionMarker},
			UserID:         userID,
			ConversationID: convID,
			ParentID:       conv.ParentID,
			Liked:          true,
			UpdatedAt:      now,
		})
	case err != nil:
		return fmt.Errorf("read reaction: %w", err)
	case marker.Liked == liked:
		return nil
	default:
		etag := marker.ETag
		marker.Liked = liked
		marker.UpdatedAt = now
		w.Replace(&marker, etag)
	}
	opctx.Signal(ctx, StepWriteReaction)
	if err := w.Commit(ctx); err != nil {
		if uow.IsConflict(err) {
			return fmt.Errorf("reaction changed concurrently: %w", domain.ErrConflict)
		}
		return fmt.Errorf("write reaction: %w", err)
	}
	return nil
}

func (s *service) View(ctx context.Context, convID string) error {
	if _, err := s.live(ctx, convID); err != nil {
		return err
	}
	opctx.Signal(ctx, StepCountView)
	w := uow.New(s.store, domain.ConversationPartition(convID))
	w.Patch(domain.CountersKey(convID), "",
		store.Increment(store.FieldViews, 1),
		store.Increment(store.FieldVersion, 1),
		store.Set(store.FieldLastModified, opctx.Now(ctx)),
	)
	if err := w.Commit(ctx); err != nil {
		if uow.IsNotFound(err) {
			return notFound(convID, store.ErrNotFound)
		}
		return fmt.Errorf("count view: %w", err)
	}
	return nil
}

// live returns the canonical conversation unless it is missing or tombstoned.
func (s *service) live(ctx context.Context, convID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	if err := store.GetInto(ctx, s.store, domain.ConversationKey(convID), &conv); err != nil {
		return nil, notFound(convID, err)
	}
	if conv.Deleted {
		return nil, notFound(convID, store.ErrNotFound)
	}
	return &conv, nil
}

func notFound(convID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &domain.Error{Code: domain.CodeContentNotFound, Message: "conversation not found", Key: convID, Cause: domain.ErrNotFound}
	}
	return fmt.Errorf("read conversation %s: %w", convID, err)
}
