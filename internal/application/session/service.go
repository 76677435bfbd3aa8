// Package session logs accounts in by handle and password and tracks the
// resulting sessions as documents in the owner's partition.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-social-nosql/internal/domain"
	"github.com/go-social-nosql/internal/opctx"
	"github.com/go-social-nosql/internal/pkg/id"
	"github.com/go-social-nosql/internal/pkg/validate"
	"github.com/go-social-nosql/internal/store"
	"github.com/go-social-nosql/internal/uow"
)

// Verifier checks a plain password against a stored hash.
type Verifier interface {
	Compare(hash, plain string) error
}

// Signer issues the bearer token carried by API requests.
type Signer interface {
	Sign(userID, sessionID string) (string, error)
}

type LoginResult struct {
	Bearer  string          `json:"bearer"`
	Session *domain.Session `json:"session"`
}

type Service interface {
	Login(ctx context.Context, req domain.LoginRequest) (*LoginResult, error)
	End(ctx context.Context, userID, sessionID string) error
	Get(ctx context.Context, userID, sessionID string) (*domain.Session, error)
}

type service struct {
	store    store.Store
	verifier Verifier
	signer   Signer
	ttl      time.Duration
}

func NewService(s store.Store, verifier Verifier, signer Signer, ttl time.Duration) Service {
	return &service{store: s, verifier: verifier, signer: signer, ttl: ttl}
}

var errInvalidCredentials = fmt.Errorf("%w: invalid credentials", domain.ErrUnauthorized)

func (s *service) Login(ctx context.Context, req domain.LoginRequest) (*LoginResult, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBadRequest, err)
	}
	var lock domain.UniqueLock
	if err := store.GetInto(ctx, s.store, domain.HandleLockKey(req.Handle), &lock); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errInvalidCredentials
		}
		return nil, err
	}
	var acct domain.Account
	if err := store.GetInto(ctx, s.store, domain.AccountKey(lock.OwnerID), &acct); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errInvalidCredentials
		}
		return nil, err
	}
	// A pending account may still be compensated away.
	if acct.Status != domain.AccountCompleted {
		return nil, errInvalidCredentials
	}
	if err := s.verifier.Compare(acct.PasswordHash, req.Password); err != nil {
		return nil, errInvalidCredentials
	}

	now := opctx.Now(ctx)
	sessionID := id.NewAt(now)
	k := domain.SessionKey(acct.UserID, sessionID)
	sess := &domain.Session{
		Meta:      store.Meta{PK: k.Partition, ID: k.ID, Kind: domain.KindSession, TTL: now.Add(s.ttl).Unix()},
		SessionID: sessionID,
		UserID:    acct.UserID,
		CreatedAt: now,
	}
	w := uow.New(s.store, k.Partition)
	w.Create(sess)
	if err := w.Commit(ctx); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	bearer, err := s.signer.Sign(acct.UserID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sign bearer: %w", err)
	}
	return &LoginResult{Bearer: bearer, Session: sess}, nil
}

// End marks the session ended. Ending an ended session does nothing.
func (s *service) End(ctx context.Context, userID, sessionID string) error {
	sess, err := s.read(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	if !sess.Active() {
		return nil
	}
	w := uow.New(s.store, sess.PK)
	w.Patch(sess.Key(), sess.ETag, store.Set(store.FieldEndedAt, opctx.Now(ctx)))
	err = w.Commit(ctx)
	if uow.IsConflict(err) {
		// Sessions only change by being ended.
		return nil
	}
	return err
}

// Get returns the session while it is active.
func (s *service) Get(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	sess, err := s.read(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Active() {
		return nil, domain.NewError(domain.CodeInvalidSession, "session %s has ended", sessionID)
	}
	return sess, nil
}

func (s *service) read(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	var sess domain.Session
	if err := store.GetInto(ctx, s.store, domain.SessionKey(userID, sessionID), &sess); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.NewError(domain.CodeInvalidSession, "unknown session %s", sessionID)
		}
		return nil, err
	}
	return &sess, nil
}
