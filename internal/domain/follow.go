package domain

import (
	"time"

	"github.com/go-social-nosql/internal/store"
)

const (
	KindFollowers store.Kind = "followers"
	KindFollowing store.Kind = "following"
)

type FollowStatus string

const (
	FollowPendingAdd    FollowStatus = "pending_add"
	FollowPendingRemove FollowStatus = "pending_remove"
	FollowReady         FollowStatus = "ready"
)

// FollowerList is the set of users following UserID, with the time each follow landed.
type FollowerList struct {
	store.Meta
	UserID    string               `dynamodbav:"user_id"`
	Followers map[string]time.Time `dynamodbav:"followers"`
	UpdatedAt time.Time            `dynamodbav:"updated_at"`
}

// FollowingMap is the set of users UserID follows, each with its reconciliation status.
type FollowingMap struct {
	store.Meta
	UserID    string                  `dynamodbav:"user_id"`
	Entries   map[string]FollowStatus `dynamodbav:"entries"`
	UpdatedAt time.Time               `dynamodbav:"updated_at"`
}

func NewFollowerList(userID string, now time.Time) *FollowerList {
	k := FollowersKey(userID)
	return &FollowerList{
		Meta:      store.Meta{PK: k.Partition, ID: k.ID, Kind: KindFollowers},
		UserID:    userID,
		Followers: map[string]time.Time{},
		UpdatedAt: now,
	}
}

func NewFollowingMap(userID string, now time.Time) *FollowingMap {
	k := FollowingKey(userID)
	return &FollowingMap{
		Meta:      store.Meta{PK: k.Partition, ID: k.ID, Kind: KindFollowing},
		UserID:    userID,
		Entries:   map[string]FollowStatus{},
		UpdatedAt: now,
	}
}
