package account

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-social-nosql/internal/domain"
	"github.com/go-social-nosql/internal/infrastructure/memstore"
	"github.com/go-social-nosql/internal/opctx"
	"github.com/go-social-nosql/internal/pkg/id"
	"github.com/go-social-nosql/internal/pkg/password"
	"github.com/go-social-nosql/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newFixture() (*memstore.Store, Service, *Sweeper) {
	s := memstore.New(2)
	return s, NewService(s, password.Bcrypt{Cost: bcrypt.MinCost}, 5*time.Minute), NewSweeper(s, time.Hour, time.Minute)
}

func req(email, handle string) domain.RegisterRequest {
	return domain.RegisterRequest{Email: email, Handle: handle, DisplayName: "Alice", Password: "s3cret-pass"}
}

func at(t time.Time, opts ...opctx.Option) context.Context {
	ctx, _ := opctx.New(context.Background(), append([]opctx.Option{opctx.WithFixedTime(t)}, opts...)...)
	return ctx
}

// accountKeys filters the keys a registration could leave behind.
func registrationKeys(keys []store.Key) []store.Key {
	var out []store.Key
	for _, k := range keys {
		if k.Partition == domain.PendingPartition || len(k.Partition) > 5 && k.Partition[:5] == "lock#" || k.ID == "account" {
			out = append(out, k)
		}
	}
	return out
}

func TestRegister_SuccessLeavesNoResidue(t *testing.T) {
	s, svc, _ := newFixture()
	ctx, op := opctx.New(context.Background(), opctx.WithFixedTime(t0))

	acct, err := svc.Register(ctx, req("Alice@Example.com", "alice"))
	require.NoError(t, err)
	assert.Equal(t, domain.AccountCompleted, acct.Status)
	assert.Equal(t, "alice@example.com", acct.Email)
	assert.Equal(t, []string{
		StepCreatePendingMarker, StepAcquireEmailLock, StepAcquireHandleLock, StepCreateAccount,
		StepFinalizeEmailLock, StepFinalizeHandleLock, StepFinalizeAccount, StepRemovePendingMarker,
	}, op.Checkpoints())
	assert.Greater(t, op.Cost(), 0.0)

	stored, err := svc.Get(ctx, acct.UserID)
	require.NoError(t, err)
	assert.Equal(t, domain.AccountCompleted, stored.Status)

	pending, err := s.Query(ctx, store.Query{Partition: domain.PendingPartition})
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Locks are permanent and owned by the new account.
	for _, k := range []store.Key{domain.EmailLockKey("alice@example.com"), domain.HandleLockKey("ALICE")} {
		it, err := s.Get(at(t0.Add(24*time.Hour)), k)
		require.NoError(t, err)
		assert.Zero(t, it.ExpiresAt())
		assert.Equal(t, acct.UserID, it.String("owner_id"))
	}
}

func TestRegister_RejectsInvalidRequest(t *testing.T) {
	_, svc, _ := newFixture()
	_, err := svc.Register(at(t0), domain.RegisterRequest{Email: "nope", Handle: "a"})
	assert.ErrorIs(t, err, domain.ErrBadRequest)
}

func TestRegister_FailureAtEachStepIsSweptAndRetryable(t *testing.T) {
	steps := []string{
		StepCreatePendingMarker, StepAcquireEmailLock, StepAcquireHandleLock,
		StepCreateAccount, StepFinalizeEmailLock, StepFinalizeHandleLock,
	}
	for _, step := range steps {
		t.Run(step, func(t *testing.T) {
			s, svc, sweeper := newFixture()

			_, err := svc.Register(at(t0, opctx.WithCrash(step)), req("bob@example.com", "bob"))
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrAccountUnexpected)
			assert.Equal(t, step, err.(*domain.Error).Stage)

			n, err := sweeper.Sweep(at(t0), 0)
			require.NoError(t, err)
			if step == StepCreatePendingMarker {
				assert.Zero(t, n)
			} else {
				assert.Equal(t, 1, n)
			}
			assert.Empty(t, registrationKeys(s.Keys(at(t0))), "sweep leaves no residue")

			acct, err := svc.Register(at(t0.Add(time.Second)), req("bob@example.com", "bob"))
			require.NoError(t, err)
			assert.Equal(t, domain.AccountCompleted, acct.Status)
		})
	}
}

func TestRegister_TransientFailureCompensatesImmediately(t *testing.T) {
	s, svc, _ := newFixture()
	boom := errors.New("throttled")

	_, err := svc.Register(at(t0, opctx.WithFault(StepFinalizeHandleLock, boom)), req("carol@example.com", "carol"))
	require.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, domain.ErrAccountUnexpected)
	assert.Empty(t, registrationKeys(s.Keys(at(t0))))
}

func TestRegister_DuplicateEmailAndHandle(t *testing.T) {
	s, svc, sweeper := newFixture()
	_, err := svc.Register(at(t0), req("dave@example.com", "dave"))
	require.NoError(t, err)

	_, err = svc.Register(at(t0), req("DAVE@example.com", "dave2"))
	assert.ErrorIs(t, err, domain.ErrEmailAlreadyRegistered)

	_, err = svc.Register(at(t0), req("other@example.com", "Dave"))
	assert.ErrorIs(t, err, domain.ErrHandleAlreadyRegistered)

	n, err := sweeper.Sweep(at(t0), 0)
	require.NoError(t, err)
	assert.Zero(t, n)
	// One account plus its two locks.
	assert.Len(t, registrationKeys(s.Keys(at(t0))), 3)
}

func TestRegister_ConcurrentSameEmail(t *testing.T) {
	s, svc, sweeper := newFixture()
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, handle := range []string{"erin", "erin2"} {
		wg.Add(1)
		go func(i int, handle string) {
			defer wg.Done()
			_, errs[i] = svc.Register(at(t0), req("erin@example.com", handle))
		}(i, handle)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrEmailAlreadyRegistered):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, dup)

	n, err := sweeper.Sweep(at(t0), 0)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, registrationKeys(s.Keys(at(t0))), 3)
}

func TestRegister_MarkerRemovalFailureKeepsCompletedAccount(t *testing.T) {
	s, svc, _ := newFixture()
	acct, err := svc.Register(at(t0, opctx.WithFault(StepRemovePendingMarker, errors.New("timeout"))), req("fay@example.com", "fay"))
	require.NoError(t, err)

	stored, err := svc.Get(at(t0), acct.UserID)
	require.NoError(t, err)
	assert.Equal(t, domain.AccountCompleted, stored.Status)
	pending, err := s.Query(at(t0), store.Query{Partition: domain.PendingPartition})
	require.NoError(t, err)
	assert.Empty(t, pending, "cleanup removes only the marker")
	assert.Len(t, registrationKeys(s.Keys(at(t0))), 3)
}

func TestSweep_CompletedAccountSurvives(t *testing.T) {
	s, svc, sweeper := newFixture()
	acct, err := svc.Register(at(t0, opctx.WithCrash(StepRemovePendingMarker)), req("gus@example.com", "gus"))
	require.NoError(t, err)

	n, err := sweeper.Sweep(at(t0), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = svc.Get(at(t0), acct.UserID)
	assert.NoError(t, err)
	assert.Len(t, registrationKeys(s.Keys(at(t0))), 3)
}

func TestSweep_RespectsMaxAge(t *testing.T) {
	_, svc, sweeper := newFixture()
	_, err := svc.Register(at(t0, opctx.WithCrash(StepCreateAccount)), req("hal@example.com", "hal"))
	require.Error(t, err)

	n, err := sweeper.Sweep(at(t0.Add(30*time.Minute)), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "marker is younger than the threshold")

	n, err = sweeper.Sweep(at(t0.Add(2*time.Hour)), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSweep_DoesNotReleaseLockTakenOverByAnotherOwner(t *testing.T) {
	s, svc, sweeper := newFixture()
	_, err := svc.Register(at(t0, opctx.WithCrash(StepCreateAccount)), req("ivy@example.com", "ivy"))
	require.Error(t, err)

	// Both locks expire; another registration claims the email.
	later := t0.Add(10 * time.Minute)
	acct, err := svc.Register(at(later), req("ivy@example.com", "ivy2"))
	require.NoError(t, err)

	n, err := sweeper.Sweep(at(later), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	it, err := s.Get(at(later), domain.EmailLockKey("ivy@example.com"))
	require.NoError(t, err)
	assert.Equal(t, acct.UserID, it.String("owner_id"))
}

func TestSweep_MovesPastMarkersThatCannotBeCleaned(t *testing.T) {
	s, svc, sweeper := newFixture()
	sweeper.batch = 2
	_, err := svc.Register(at(t0, opctx.WithCrash(StepCreateAccount)), req("jo@example.com", "jo_"))
	require.Error(t, err)

	// Newer markers that never decode fill the first batch.
	for i := 1; i <= 3; i++ {
		k := domain.PendingKey(id.NewAt(t0.Add(time.Duration(i) * time.Minute)))
		bad := store.Item{
			"pk":      &types.AttributeValueMemberS{Value: k.Partition},
			"id":      &types.AttributeValueMemberS{Value: k.ID},
			"kind":    &types.AttributeValueMemberS{Value: "pending_registration"},
			"user_id": &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{}},
		}
		_, err := s.Transact(at(t0), k.Partition, []store.Op{{Kind: store.OpCreate, Key: k, Item: bad}})
		require.NoError(t, err)
	}

	n, err := sweeper.Sweep(at(t0.Add(time.Hour)), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := s.Query(at(t0.Add(time.Hour)), store.Query{Partition: domain.PendingPartition})
	require.NoError(t, err)
	assert.Len(t, left, 3)
}
