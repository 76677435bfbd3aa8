// Package follow keeps the two halves of the follow graph (a user's following
// map and the followed user's follower list) in agreement without
// cross-partition transactions. Every mutation first heals entries a crashed
// call left pending.
package follow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-social-nosql/internal/domain"
	"github.com/go-social-nosql/internal/opctx"
	"github.com/go-social-nosql/internal/store"
	"github.com/go-social-nosql/internal/uow"
)

// Protocol checkpoints.
const (
	StepPersistHeal       = "persist-heal"
	StepMarkPendingAdd    = "mark-pending-add"
	StepAddFollower       = "add-follower"
	StepMarkReady         = "mark-ready"
	StepMarkPendingRemove = "mark-pending-remove"
	StepRemoveFollower    = "remove-follower"
	StepDropFollowing     = "drop-following"
)

type Service interface {
	Add(ctx context.Context, followerID, followedID string) error
	Remove(ctx context.Context, followerID, followedID string) error
	Followers(ctx context.Context, userID string) ([]string, error)
	Following(ctx context.Context, userID string) ([]string, error)
}

type service struct {
	store store.Store
}

func NewService(s store.Store) Service {
	return &service{store: s}
}

func (s *service) Add(ctx context.Context, followerID, followedID string) error {
	if followerID == followedID {
		return fmt.Errorf("%w: cannot follow yourself", domain.ErrBadRequest)
	}
	fm, err := s.healed(ctx, followerID)
	if err != nil {
		return err
	}
	if fm.Entries[followedID] == domain.FollowReady {
		return nil
	}
	if _, err := s.loadFollowers(ctx, followedID); err != nil {
		return err
	}

	opctx.Signal(ctx, StepMarkPendingAdd)
	fm.Entries[followedID] = domain.FollowPendingAdd
	if err := s.saveFollowing(ctx, fm); err != nil {
		return classify(StepMarkPendingAdd, fm.Key(), err)
	}

	if err := s.updateFollowers(ctx, StepAddFollower, followedID, func(fl *domain.FollowerList) bool {
		if _, ok := fl.Followers[followerID]; ok {
			return false
		}
		fl.Followers[followerID] = opctx.Now(ctx)
		return true
	}); err != nil {
		return classify(StepAddFollower, domain.FollowersKey(followedID), err)
	}

	opctx.Signal(ctx, StepMarkReady)
	fm.Entries[followedID] = domain.FollowReady
	if err := s.saveFollowing(ctx, fm); err != nil {
		return classify(StepMarkReady, fm.Key(), err)
	}
	return nil
}

func (s *service) Remove(ctx context.Context, followerID, followedID string) error {
	fm, err := s.healed(ctx, followerID)
	if err != nil {
		return err
	}
	if _, ok := fm.Entries[followedID]; !ok {
		return nil
	}

	opctx.Signal(ctx, StepMarkPendingRemove)
	fm.Entries[followedID] = domain.FollowPendingRemove
	if err := s.saveFollowing(ctx, fm); err != nil {
		return classify(StepMarkPendingRemove, fm.Key(), err)
	}

	err = s.updateFollowers(ctx, StepRemoveFollower, followedID, func(fl *domain.FollowerList) bool {
		if _, ok := fl.Followers[followerID]; !ok {
			return false
		}
		delete(fl.Followers, followerID)
		return true
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return classify(StepRemoveFollower, domain.FollowersKey(followedID), err)
	}

	opctx.Signal(ctx, StepDropFollowing)
	delete(fm.Entries, followedID)
	if err := s.saveFollowing(ctx, fm); err != nil {
		return classify(StepDropFollowing, fm.Key(), err)
	}
	return nil
}

func (s *service) Followers(ctx context.Context, userID string) ([]string, error) {
	fl, err := s.loadFollowers(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(fl.Followers))
	for id := range fl.Followers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Following lists only settled follows; pending entries are still in flight.
func (s *service) Following(ctx context.Context, userID string) ([]string, error) {
	fm, err := s.loadFollowing(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(fm.Entries))
	for id, st := range fm.Entries {
		if st == domain.FollowReady {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// healed loads userID's following map and settles every pending entry against
// the other side: present there means Ready, absent means dropped.
func (s *service) healed(ctx context.Context, userID string) (*domain.FollowingMap, error) {
	fm, err := s.loadFollowing(ctx, userID)
	if err != nil {
		return nil, err
	}
	changed := false
	for target, st := range fm.Entries {
		if st == domain.FollowReady {
			continue
		}
		fl, err := s.loadFollowers(ctx, target)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		if fl != nil {
			if _, ok := fl.Followers[userID]; ok {
				fm.Entries[target] = domain.FollowReady
				changed = true
				continue
			}
		}
		delete(fm.Entries, target)
		changed = true
	}
	if !changed {
		return fm, nil
	}
	opctx.Signal(ctx, StepPersistHeal)
	if err := s.saveFollowing(ctx, fm); err != nil {
		return nil, classify(StepPersistHeal, fm.Key(), err)
	}
	return fm, nil
}

func (s *service) loadFollowing(ctx context.Context, userID string) (*domain.FollowingMap, error) {
	var fm domain.FollowingMap
	if err := store.GetInto(ctx, s.store, domain.FollowingKey(userID), &fm); err != nil {
		return nil, readError(userID, err)
	}
	if fm.Entries == nil {
		fm.Entries = map[string]domain.FollowStatus{}
	}
	return &fm, nil
}

func (s *service) loadFollowers(ctx context.Context, userID string) (*domain.FollowerList, error) {
	var fl domain.FollowerList
	if err := store.GetInto(ctx, s.store, domain.FollowersKey(userID), &fl); err != nil {
		return nil, readError(userID, err)
	}
	if fl.Followers == nil {
		fl.Followers = map[string]time.Time{}
	}
	return &fl, nil
}

// saveFollowing replaces the map under its token and keeps the new token.
func (s *service) saveFollowing(ctx context.Context, fm *domain.FollowingMap) error {
	etag := fm.ETag
	fm.UpdatedAt = opctx.Now(ctx)
	w := uow.New(s.store, fm.PK)
	res := w.Replace(fm, etag)
	if err := w.Commit(ctx); err != nil {
		fm.ETag = etag
		return err
	}
	fm.ETag = res.ETag()
	return nil
}

// updateFollowers applies mutate to followedID's follower list and persists it
// under its token when mutate reports a change. step is signalled right before
// the write.
func (s *service) updateFollowers(ctx context.Context, step, followedID string, mutate func(*domain.FollowerList) bool) error {
	fl, err := s.loadFollowers(ctx, followedID)
	if err != nil {
		return err
	}
	if !mutate(fl) {
		return nil
	}
	etag := fl.ETag
	fl.UpdatedAt = opctx.Now(ctx)
	opctx.Signal(ctx, step)
	w := uow.New(s.store, fl.PK)
	w.Replace(fl, etag)
	return w.Commit(ctx)
}

func readError(userID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	return &domain.Error{Code: domain.CodeFollowerUnexpected, Message: "read follow graph", Key: userID, Cause: err}
}

func classify(step string, key store.Key, err error) error {
	var de *domain.Error
	if errors.As(err, &de) && de.Code == domain.CodeFollowerUnexpected {
		return err
	}
	code := domain.CodeFollowerUnexpected
	if uow.IsConflict(err) {
		code = domain.CodeConcurrencyFailure
	}
	return &domain.Error{Code: code, Stage: step, Key: key.String(), Cause: err}
}
