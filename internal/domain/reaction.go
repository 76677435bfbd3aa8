package domain

import (
	"time"

	"github.com/go-social-nosql/internal/store"
)

const (
	KindReactionMarker store.Kind = "reaction_marker"
	KindReaction       store.Kind = "reaction"
	KindMirrorReaction store.Kind = "mirror_reaction"
)

// ReactionMarker is the user-side record of a like or unlike. The stream
// processor reconciles conversation-side records against it.
type ReactionMarker struct {
	store.Meta
	UserID         string    `dynamodbav:"user_id"`
	ConversationID string    `dynamodbav:"conversation_id"`
	ParentID       string    `dynamodbav:"parent_id"`
	Liked          bool      `dynamodbav:"liked"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
}

// Reaction is the conversation-side (or mirror-side) record of a marker.
// Likes are permanent; unlikes carry a TTL.
type Reaction struct {
	store.Meta
	UserID          string    `dynamodbav:"user_id"`
	ConversationID  string    `dynamodbav:"conversation_id"`
	ParentID        string    `dynamodbav:"parent_id"`
	Liked           bool      `dynamodbav:"liked"`
	MarkerUpdatedAt time.Time `dynamodbav:"marker_updated_at"`
}
