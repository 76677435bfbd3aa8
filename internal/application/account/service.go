// Package account registers users through a saga of single-partition writes
// guarded by uniqueness locks, with compensating cleanup and a background
// sweep for registrations that never finished.
package account

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

// Saga checkpoints, signalled immediately before the write they name.
const (
	StepCreatePendingMarker = "create-pending-marker"
	StepAcquireEmailLock    = "acquire-email-lock"
	StepAcquireHandleLock   = "acquire-handle-lock"
	StepCreateAccount       = "create-account"
	StepFinalizeEmailLock   = "finalize-email-lock"
	StepFinalizeHandleLock  = "finalize-handle-lock"
	StepFinalizeAccount     = "finalize-account"
	StepRemovePendingMarker = "remove-pending-marker"
)

// Hasher turns a plain password into a storable hash.
type Hasher interface {
	Hash(plain string) (string, error)
}

type Service interface {
	Register(ctx context.Context, req domain.RegisterRequest) (*domain.Account, error)
	Get(ctx context.Context, userID string) (*domain.Account, error)
}

type service struct {
	cleaner
	hasher  Hasher
	lockTTL time.Duration
}

func NewService(s store.Store, hasher Hasher, lockTTL time.Duration) Service {
	return &service{cleaner: cleaner{store: s}, hasher: hasher, lockTTL: lockTTL}
}

func (s *service) Get(ctx context.Context, userID string) (*domain.Account, error) {
	var a domain.Account
	if err := store.GetInto(ctx, s.store, domain.AccountKey(userID), &a); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("account %s: %w", userID, domain.ErrNotFound)
		}
		return nil, err
	}
	return &a, nil
}

func (s *service) Register(ctx context.Context, req domain.RegisterRequest) (*domain.Account, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBadRequest, err)
	}
	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, domain.Wrap(domain.CodeAccountUnexpected, "hash password", err)
	}

	now := opctx.Now(ctx)
	userID := id.New()
	markerID := id.NewAt(now)
	pk := domain.PendingKey(markerID)
	marker := &domain.PendingRegistration{
		Meta:      store.Meta{PK: pk.Partition, ID: pk.ID, Kind: domain.KindPendingRegistration},
		MarkerID:  markerID,
		Email:     domain.NormalizeEmail(req.Email),
		UserID:    userID,
		Handle:    domain.NormalizeHandle(req.Handle),
		CreatedAt: now,
	}

	opctx.Signal(ctx, StepCreatePendingMarker)
	if err := s.createOne(ctx, marker); err != nil {
		return nil, s.abort(ctx, marker, StepCreatePendingMarker, err)
	}

	opctx.Signal(ctx, StepAcquireEmailLock)
	emailLock, err := s.acquireLock(ctx, domain.LockEmail, marker.Email, userID, now)
	if err != nil {
		return nil, s.abort(ctx, marker, StepAcquireEmailLock, err)
	}

	opctx.Signal(ctx, StepAcquireHandleLock)
	handleLock, err := s.acquireLock(ctx, domain.LockHandle, marker.Handle, userID, now)
	if err != nil {
		return nil, s.abort(ctx, marker, StepAcquireHandleLock, err)
	}

	ak := domain.AccountKey(userID)
	acct := &domain.Account{
		Meta:         store.Meta{PK: ak.Partition, ID: ak.ID, Kind: domain.KindAccount},
		UserID:       userID,
		Email:        marker.Email,
		Handle:       marker.Handle,
		DisplayName:  req.DisplayName,
		PasswordHash: hash,
		Status:       domain.AccountPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	opctx.Signal(ctx, StepCreateAccount)
	w := uow.New(s.store, ak.Partition)
	w.Create(acct)
	w.Create(domain.NewFollowerList(userID, now))
	w.Create(domain.NewFollowingMap(userID, now))
	if err := w.Commit(ctx); err != nil {
		return nil, s.abort(ctx, marker, StepCreateAccount, err)
	}

	opctx.Signal(ctx, StepFinalizeEmailLock)
	if err := s.finalizeLock(ctx, domain.EmailLockKey(marker.Email), emailLock); err != nil {
		return nil, s.abort(ctx, marker, StepFinalizeEmailLock, err)
	}
	opctx.Signal(ctx, StepFinalizeHandleLock)
	if err := s.finalizeLock(ctx, domain.HandleLockKey(marker.Handle), handleLock); err != nil {
		return nil, s.abort(ctx, marker, StepFinalizeHandleLock, err)
	}

	opctx.Signal(ctx, StepFinalizeAccount)
	w = uow.New(s.store, ak.Partition)
	w.PatchIf(ak, "", store.Condition{Field: store.FieldStatus, Equals: string(domain.AccountPending)},
		store.Set(store.FieldStatus, string(domain.AccountCompleted)),
		store.Set(store.FieldUpdatedAt, now),
	)
	if err := w.Commit(ctx); err != nil {
		return nil, s.abort(ctx, marker, StepFinalizeAccount, err)
	}
	acct.Status = domain.AccountCompleted

	// The account is complete from here on; a leftover marker is only residue.
	opctx.Signal(ctx, StepRemovePendingMarker)
	w = uow.New(s.store, pk.Partition)
	w.Delete(pk, "")
	if err := w.Commit(ctx); err != nil && !uow.IsNotFound(err) {
		slog.Warn("account: remove pending marker failed, running cleanup", "marker", markerID, "user_id", userID, "err", err)
		if cerr := s.cleanup(ctx, marker); cerr != nil {
			slog.Warn("account: cleanup after completion failed", "marker", markerID, "err", cerr)
		}
	}
	return acct, nil
}

func (s *service) acquireLock(ctx context.Context, scope, value, owner string, now time.Time) (string, error) {
	key := domain.EmailLockKey(value)
	if scope == domain.LockHandle {
		key = domain.HandleLockKey(value)
	}
	lock := &domain.UniqueLock{
		Meta:      store.Meta{PK: key.Partition, ID: key.ID, Kind: domain.KindUniqueLock, TTL: now.Add(s.lockTTL).Unix()},
		Scope:     scope,
		Value:     value,
		OwnerID:   owner,
		CreatedAt: now,
	}
	w := uow.New(s.store, key.Partition)
	res := w.Create(lock)
	if err := w.Commit(ctx); err != nil {
		return "", err
	}
	return res.ETag(), nil
}

// finalizeLock clears the TTL, making the reservation permanent. The token
// guards against a lock that expired and was taken over meanwhile.
func (s *service) finalizeLock(ctx context.Context, key store.Key, etag string) error {
	w := uow.New(s.store, key.Partition)
	w.Patch(key, etag, store.Set(store.FieldTTL, int64(0)))
	return w.Commit(ctx)
}

func (s *service) createOne(ctx context.Context, doc store.Document) error {
	w := uow.New(s.store, doc.Metadata().PK)
	w.Create(doc)
	return w.Commit(ctx)
}

// abort compensates a failed step and classifies the failure.
func (s *service) abort(ctx context.Context, marker *domain.PendingRegistration, step string, cause error) error {
	if cerr := s.cleanup(ctx, marker); cerr != nil {
		slog.Warn("account: compensation failed, leaving residue for the sweep",
			"marker", marker.MarkerID, "user_id", marker.UserID, "stage", step, "err", cerr)
	}
	if uow.IsConflict(cause) {
		switch step {
		case StepAcquireEmailLock:
			return &domain.Error{Code: domain.CodeEmailAlreadyRegistered, Message: "email is already registered", Stage: step, Cause: cause}
		case StepAcquireHandleLock:
			return &domain.Error{Code: domain.CodeHandleAlreadyRegistered, Message: "handle is already registered", Stage: step, Cause: cause}
		}
	}
	return &domain.Error{Code: domain.CodeAccountUnexpected, Message: "registration failed", Stage: step, Key: marker.UserID, Cause: cause}
}
