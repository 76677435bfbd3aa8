package domain

import (
	"fmt"

	"github.com/go-social-nosql/internal/store"
)

// decoders maps each discriminator to a constructor for its document type.
var decoders = map[store.Kind]func() store.Document{
	KindAccount:             func() store.Document { return &Account{} },
	KindPendingRegistration: func() store.Document { return &PendingRegistration{} },
	KindUniqueLock:          func() store.Document { return &UniqueLock{} },
	KindFollowers:           func() store.Document { return &FollowerList{} },
	KindFollowing:           func() store.Document { return &FollowingMap{} },
	KindConversation:        func() store.Document { return &Conversation{} },
	KindCounters:            func() store.Document { return &ConversationCounters{} },
	KindCountersBaseline:    func() store.Document { return &CountersBaseline{} },
	KindCommentMirror:       func() store.Document { return &CommentMirror{} },
	KindMirrorCounters:      func() store.Document { return &MirrorCounters{} },
	KindFeedItem:            func() store.Document { return &FeedItem{} },
	KindFeedCounters:        func() store.Document { return &FeedCounters{} },
	KindReactionMarker:      func() store.Document { return &ReactionMarker{} },
	KindReaction:            func() store.Document { return &Reaction{} },
	KindMirrorReaction:      func() store.Document { return &Reaction{} },
	KindSession:             func() store.Document { return &Session{} },
	KindStreamCheckpoint:    func() store.Document { return &StreamCheckpoint{} },
}

// Decode turns an item into its concrete document type by its kind attribute.
func Decode(it store.Item) (store.Document, error) {
	newDoc, ok := decoders[it.Kind()]
	if !ok {
		return nil, fmt.Errorf("decode %s: unknown kind %q", it.Key(), it.Kind())
	}
	doc := newDoc()
	if err := store.Unmarshal(it, doc); err != nil {
		return nil, err
	}
	return doc, nil
}
