package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-social-nosql/internal/store"
)

// Partition layout:
//
//	user#<userID>            account, followers, following, reaction markers, sessions
//	registrations#pending    pending-registration markers, ids ordered by creation time
//	lock#email#<email>       email uniqueness lock
//	lock#handle#<handle>     handle uniqueness lock
//	conv#<conversationID>    conversation, counters, baseline, reactions, mirrors of direct replies
//	feed#<userID>            feed replicas
//	stream#checkpoints       change-stream cursors per range
const (
	PendingPartition    = "registrations#pending"
	CheckpointPartition = "stream#checkpoints"

	MirrorPrefix   = "comment#"
	FeedItemPrefix = "item#"
)

func UserPartition(userID string) string         { return "user#" + userID }
func ConversationPartition(convID string) string { return "conv#" + convID }
func FeedPartition(userID string) string         { return "feed#" + userID }

func AccountKey(userID string) store.Key {
	return store.Key{Partition: UserPartition(userID), ID: "account"}
}

func FollowersKey(userID string) store.Key {
	return store.Key{Partition: UserPartition(userID), ID: "followers"}
}

func FollowingKey(userID string) store.Key {
	return store.Key{Partition: UserPartition(userID), ID: "following"}
}

func PendingKey(markerID string) store.Key {
	return store.Key{Partition: PendingPartition, ID: markerID}
}

func EmailLockKey(email string) store.Key {
	return store.Key{Partition: "lock#email#" + NormalizeEmail(email), ID: "lock"}
}

func HandleLockKey(handle string) store.Key {
	return store.Key{Partition: "lock#handle#" + NormalizeHandle(handle), ID: "lock"}
}

func ConversationKey(convID string) store.Key {
	return store.Key{Partition: ConversationPartition(convID), ID: "conversation"}
}

func CountersKey(convID string) store.Key {
	return store.Key{Partition: ConversationPartition(convID), ID: "counters"}
}

func BaselineKey(convID string) store.Key {
	return store.Key{Partition: ConversationPartition(convID), ID: "counters-baseline"}
}

// MirrorKey places the mirror of child under its parent, ordered by creation time.
func MirrorKey(parentID string, createdAt time.Time, childID string) store.Key {
	return store.Key{Partition: ConversationPartition(parentID), ID: MirrorPrefix + sortable(createdAt) + "#" + childID}
}

func MirrorCountersKey(parentID, childID string) store.Key {
	return store.Key{Partition: ConversationPartition(parentID), ID: "comment-counters#" + childID}
}

func FeedItemKey(ownerID string, createdAt time.Time, convID string) store.Key {
	return store.Key{Partition: FeedPartition(ownerID), ID: FeedItemPrefix + sortable(createdAt) + "#" + convID}
}

func FeedCountersKey(ownerID, convID string) store.Key {
	return store.Key{Partition: FeedPartition(ownerID), ID: "item-counters#" + convID}
}

func ReactionMarkerKey(userID, convID string) store.Key {
	return store.Key{Partition: UserPartition(userID), ID: "reaction#" + convID}
}

func ReactionKey(convID, userID string) store.Key {
	return store.Key{Partition: ConversationPartition(convID), ID: "like#" + userID}
}

func MirrorReactionKey(parentID, convID, userID string) store.Key {
	return store.Key{Partition: ConversationPartition(parentID), ID: "comment-like#" + convID + "#" + userID}
}

func SessionKey(userID, sessionID string) store.Key {
	return store.Key{Partition: UserPartition(userID), ID: "session#" + sessionID}
}

func CheckpointKey(rangeID string) store.Key {
	return store.Key{Partition: CheckpointPartition, ID: rangeID}
}

// NormalizeEmail is the canonical form used for uniqueness.
func NormalizeEmail(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

// NormalizeHandle is the canonical form used for uniqueness.
func NormalizeHandle(handle string) string { return strings.ToLower(strings.TrimSpace(handle)) }

// sortable renders t so that lexical order equals chronological order.
func sortable(t time.Time) string { return fmt.Sprintf("%020d", t.UnixNano()) }
