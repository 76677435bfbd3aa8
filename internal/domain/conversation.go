package domain

import (
	"time"

	"github.com/go-social-nosql/internal/store"
)

const (
	KindConversation     store.Kind = "conversation"
	KindCounters         store.Kind = "conversation_counters"
	KindCountersBaseline store.Kind = "counters_baseline"
	KindCommentMirror    store.Kind = "comment_mirror"
	KindMirrorCounters   store.Kind = "comment_mirror_counters"
	KindFeedItem         store.Kind = "feed_item"
	KindFeedCounters     store.Kind = "feed_counters"
)

// Content is the conversation payload shared by the canonical document and its copies.
// Version increases on every canonical change; copies only move forward.
type Content struct {
	ConversationID string    `json:"id" dynamodbav:"conversation_id"`
	AuthorID       string    `json:"author_id" dynamodbav:"author_id"`
	ParentID       string    `json:"parent_id,omitempty" dynamodbav:"parent_id"`
	Text           string    `json:"text" dynamodbav:"text"`
	Version        int64     `json:"version" dynamodbav:"version"`
	Deleted        bool      `json:"deleted" dynamodbav:"deleted"`
	CreatedAt      time.Time `json:"created" dynamodbav:"created_at"`
	LastModified   time.Time `json:"last_modified" dynamodbav:"last_modified"`
}

// IsReply reports whether the conversation hangs off a parent.
func (c Content) IsReply() bool { return c.ParentID != "" }

// Conversation is the canonical root post or comment.
type Conversation struct {
	store.Meta
	Content
}

// Tally holds the aggregate counters.
type Tally struct {
	Likes    int64 `json:"likes" dynamodbav:"likes"`
	Comments int64 `json:"comments" dynamodbav:"comments"`
	Views    int64 `json:"views" dynamodbav:"views"`
}

// ConversationCounters is always created in the same transaction as its Conversation.
// Version is 0 until the first patch.
type ConversationCounters struct {
	store.Meta
	ConversationID string    `dynamodbav:"conversation_id"`
	AuthorID       string    `dynamodbav:"author_id"`
	ParentID       string    `dynamodbav:"parent_id"`
	CreatedAt      time.Time `dynamodbav:"created_at"`
	Tally
	Version      int64     `dynamodbav:"version"`
	LastModified time.Time `dynamodbav:"last_modified"`
}

// CountersBaseline is the last counters state every writer agreed on. It is
// written with the counters and moved only by the conflict merger, which
// computes each side's delta against it.
type CountersBaseline struct {
	store.Meta
	ConversationID string `dynamodbav:"conversation_id"`
	Tally
	Version int64 `dynamodbav:"version"`
}

// CommentMirror is a convergent copy of a reply kept in its parent's partition.
type CommentMirror struct {
	store.Meta
	Content
}

// MirrorCounters copies a reply's counters into the parent's partition.
type MirrorCounters struct {
	store.Meta
	ConversationID string `dynamodbav:"conversation_id"`
	ParentID       string `dynamodbav:"parent_id"`
	Tally
	Version int64 `dynamodbav:"version"`
}

// FeedItem is a per-follower replica of a conversation.
type FeedItem struct {
	store.Meta
	OwnerID string `json:"-" dynamodbav:"owner_id"`
	Content
}

// FeedCounters is a per-follower replica of a conversation's counters.
type FeedCounters struct {
	store.Meta
	OwnerID        string `dynamodbav:"owner_id"`
	ConversationID string `dynamodbav:"conversation_id"`
	Tally
	Version int64 `dynamodbav:"version"`
}

// ConversationView is a conversation joined with its counters for readers.
type ConversationView struct {
	Content
	Tally
}

type CreateConversationRequest struct {
	Text     string `json:"text" validate:"required,max=2000"`
	ParentID string `json:"parent_id"`
}

// Page is one page of a newest-first listing. Cursor is set whenever the page
// holds items; a listing is exhausted when a page comes back empty.
type Page struct {
	Items  []ConversationView `json:"data"`
	Cursor string             `json:"cursor,omitempty"`
}
