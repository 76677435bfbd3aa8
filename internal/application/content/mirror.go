package content

import (
	"context"
	"errors"
	"time"

	"github.com/go-social-nosql/internal/domain"
	"github.com/go-social-nosql/internal/store"
	"github.com/go-social-nosql/internal/uow"
)

// CreateCanonical writes a conversation with its counters and baseline in one
// transaction in the conversation's partition.
func CreateCanonical(ctx context.Context, tx store.Transactor, c domain.Content) error {
	ck := domain.ConversationKey(c.ConversationID)
	w := uow.New(tx, ck.Partition)
	w.Create(&domain.Conversation{
		Meta:    store.Meta{PK: ck.Partition, ID: ck.ID, Kind: domain.KindConversation},
		Content: c,
	})
	kk := domain.CountersKey(c.ConversationID)
	w.Create(&domain.ConversationCounters{
		Meta:           store.Meta{PK: kk.Partition, ID: kk.ID, Kind: domain.KindCounters},
		ConversationID: c.ConversationID,
		AuthorID:       c.AuthorID,
		ParentID:       c.ParentID,
		CreatedAt:      c.CreatedAt,
		LastModified:   c.CreatedAt,
	})
	bk := domain.BaselineKey(c.ConversationID)
	w.Create(&domain.CountersBaseline{
		Meta:           store.Meta{PK: bk.Partition, ID: bk.ID, Kind: domain.KindCountersBaseline},
		ConversationID: c.ConversationID,
	})
	return w.Commit(ctx)
}

// AddMirror queues, on a unit of work for the parent's partition, the mirror
// of reply c, its counters and the parent's comment increment.
func AddMirror(w *uow.UnitOfWork, c domain.Content, now time.Time) {
	mk := domain.MirrorKey(c.ParentID, c.CreatedAt, c.ConversationID)
	w.Create(&domain.CommentMirror{
		Meta:    store.Meta{PK: mk.Partition, ID: mk.ID, Kind: domain.KindCommentMirror},
		Content: c,
	})
	mck := domain.MirrorCountersKey(c.ParentID, c.ConversationID)
	w.Create(&domain.MirrorCounters{
		Meta:           store.Meta{PK: mck.Partition, ID: mck.ID, Kind: domain.KindMirrorCounters},
		ConversationID: c.ConversationID,
		ParentID:       c.ParentID,
	})
	w.Patch(domain.CountersKey(c.ParentID), "",
		store.Increment(store.FieldComments, 1),
		store.Increment(store.FieldVersion, 1),
		store.Set(store.FieldLastModified, now),
	)
}

// TombstoneMirror marks the mirror of deleted reply c and decrements the
// parent's comment count in the same transaction. The precondition on the
// mirror's deleted flag makes the decrement happen at most once; an already
// tombstoned or expired mirror is success.
func TombstoneMirror(ctx context.Context, tx store.Transactor, c domain.Content, expiresAt time.Time) error {
	mk := domain.MirrorKey(c.ParentID, c.CreatedAt, c.ConversationID)
	w := uow.New(tx, mk.Partition)
	w.PatchIf(mk, "", store.Condition{Field: store.FieldDeleted, Equals: false},
		store.Set(store.FieldDeleted, true),
		store.Set(store.FieldVersion, c.Version),
		store.Set(store.FieldLastModified, c.LastModified),
		store.Set(store.FieldTTL, expiresAt.Unix()),
	)
	w.Patch(domain.CountersKey(c.ParentID), "",
		store.Increment(store.FieldComments, -1),
		store.Increment(store.FieldVersion, 1),
		store.Set(store.FieldLastModified, c.LastModified),
	)
	err := w.Commit(ctx)
	if err == nil {
		return nil
	}
	var oe *uow.OpError
	if errors.As(err, &oe) && oe.Index == 0 && (oe.Code == domain.CodePreconditionFailed || oe.Code == domain.CodeNotFound) {
		return nil
	}
	return err
}
