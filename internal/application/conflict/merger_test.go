package conflict

import (
	"context"
	"testing"
	"time"

	"github.com/go-social-nosql/internal/application/content"
	"github.com/go-social-nosql/internal/application/stream"
	"github.com/go-social-nosql/internal/domain"
	"github.com/go-social-nosql/internal/infrastructure/memstore"
	"github.com/go-social-nosql/internal/opctx"
	"github.com/go-social-nosql/internal/store"
	"github.com/go-social-nosql/internal/uow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(t time.Time) context.Context {
	ctx, _ := opctx.New(context.Background(), opctx.WithFixedTime(t))
	return ctx
}

func seed(t *testing.T) (*memstore.Store, *Merger, string) {
	t.Helper()
	s := memstore.New(1)
	svc := content.NewService(s, time.Hour)
	v, err := svc.Create(at(t0), "u1", domain.CreateConversationRequest{Text: "original"})
	require.NoError(t, err)
	return s, NewMerger(s, s, time.Minute), v.ConversationID
}

func encode(t *testing.T, doc store.Document) store.Item {
	t.Helper()
	it, err := store.Marshal(doc)
	require.NoError(t, err)
	return it
}

func TestResolve_ContentLastWriterWins(t *testing.T) {
	s, m, id := seed(t)
	var conv domain.Conversation
	require.NoError(t, store.GetInto(at(t0), s, domain.ConversationKey(id), &conv))
	current := encode(t, &conv)

	theirs := conv
	theirs.Text = "edited elsewhere"
	theirs.LastModified = t0.Add(time.Minute)
	s.ReportConflict(current, encode(t, &theirs))

	older := conv
	older.Text = "stale"
	older.LastModified = t0.Add(-time.Minute)
	s.ReportConflict(current, encode(t, &older))

	n, err := m.Pass(at(t0))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, store.GetInto(at(t0), s, domain.ConversationKey(id), &conv))
	assert.Equal(t, "edited elsewhere", conv.Text)

	left, err := s.ReadConflicts(at(t0), 10)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestResolve_CountersDeltaMerge(t *testing.T) {
	s, m, id := seed(t)
	key := domain.CountersKey(id)

	// Baseline says 0/0/0; this region saw +3 views and +1 like, another saw +2 views.
	w := uow.New(s, key.Partition)
	w.Patch(key, "", store.Increment(store.FieldViews, 3), store.Increment(store.FieldLikes, 1), store.Increment(store.FieldVersion, 1))
	require.NoError(t, w.Commit(at(t0)))

	var ours domain.ConversationCounters
	require.NoError(t, store.GetInto(at(t0), s, key, &ours))
	theirs := ours
	theirs.Tally = domain.Tally{Views: 2}
	s.ReportConflict(encode(t, &ours), encode(t, &theirs))

	n, err := m.Pass(at(t0))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var merged domain.ConversationCounters
	require.NoError(t, store.GetInto(at(t0), s, key, &merged))
	assert.Equal(t, domain.Tally{Likes: 1, Views: 5}, merged.Tally)
	assert.Equal(t, int64(2), merged.Version)

	var base domain.CountersBaseline
	require.NoError(t, store.GetInto(at(t0), s, domain.BaselineKey(id), &base))
	assert.Equal(t, merged.Tally, base.Tally)
	assert.Equal(t, merged.Version, base.Version)
}

func TestResolve_DeltaMergeAfterStreamCatchUp(t *testing.T) {
	s, m, id := seed(t)
	proc := stream.NewProcessor(s, s, stream.Config{})
	key := domain.CountersKey(id)

	w := uow.New(s, key.Partition)
	w.Patch(key, "", store.Increment(store.FieldViews, 3), store.Increment(store.FieldLikes, 1), store.Increment(store.FieldVersion, 1))
	require.NoError(t, w.Commit(at(t0)))
	require.NoError(t, proc.CatchUp(at(t0)))

	var ours domain.ConversationCounters
	require.NoError(t, store.GetInto(at(t0), s, key, &ours))
	theirs := ours
	theirs.Tally = domain.Tally{Views: 2}
	s.ReportConflict(encode(t, &ours), encode(t, &theirs))

	n, err := m.Pass(at(t0))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, proc.CatchUp(at(t0)))

	var merged domain.ConversationCounters
	require.NoError(t, store.GetInto(at(t0), s, key, &merged))
	assert.Equal(t, domain.Tally{Likes: 1, Views: 5}, merged.Tally)

	var base domain.CountersBaseline
	require.NoError(t, store.GetInto(at(t0), s, domain.BaselineKey(id), &base))
	assert.Equal(t, merged.Tally, base.Tally)
}

func TestResolve_WithoutBaselineIsLeftForLater(t *testing.T) {
	s, m, id := seed(t)
	w := uow.New(s, domain.ConversationPartition(id))
	w.Delete(domain.BaselineKey(id), "")
	require.NoError(t, w.Commit(at(t0)))

	var ours domain.ConversationCounters
	require.NoError(t, store.GetInto(at(t0), s, domain.CountersKey(id), &ours))
	s.ReportConflict(encode(t, &ours), encode(t, &ours))

	n, err := m.Pass(at(t0))
	require.NoError(t, err)
	assert.Zero(t, n)

	left, err := s.ReadConflicts(at(t0), 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.ErrorIs(t, m.Resolve(at(t0), left[0]), ErrAbandoned)
}

func TestResolve_KindMismatchIsAbandoned(t *testing.T) {
	s, m, id := seed(t)
	var conv domain.Conversation
	var ctr domain.ConversationCounters
	require.NoError(t, store.GetInto(at(t0), s, domain.ConversationKey(id), &conv))
	require.NoError(t, store.GetInto(at(t0), s, domain.CountersKey(id), &ctr))

	err := m.Resolve(at(t0), store.Conflict{Key: conv.Key(), Current: encode(t, &conv), Conflicting: encode(t, &ctr)})
	assert.ErrorIs(t, err, ErrAbandoned)

	err = m.Resolve(at(t0), store.Conflict{Key: ctr.Key(), Current: encode(t, &domain.Session{
		Meta: store.Meta{PK: "p", ID: "s", Kind: domain.KindSession},
	}), Conflicting: encode(t, &domain.Session{Meta: store.Meta{PK: "p", ID: "s", Kind: domain.KindSession}})})
	assert.ErrorIs(t, err, ErrAbandoned)
}

func TestResolve_CopiesTakeHigherVersion(t *testing.T) {
	s := memstore.New(1)
	m := NewMerger(s, s, time.Minute)
	k := domain.FeedCountersKey("f1", "c1")
	fc := &domain.FeedCounters{
		Meta:           store.Meta{PK: k.Partition, ID: k.ID, Kind: domain.KindFeedCounters},
		OwnerID:        "f1",
		ConversationID: "c1",
		Tally:          domain.Tally{Likes: 1},
		Version:        1,
	}
	w := uow.New(s, k.Partition)
	w.Create(fc)
	require.NoError(t, w.Commit(at(t0)))

	theirs := *fc
	theirs.Tally = domain.Tally{Likes: 4}
	theirs.Version = 3
	require.NoError(t, m.Resolve(at(t0), store.Conflict{Key: k, Current: encode(t, fc), Conflicting: encode(t, &theirs)}))

	var got domain.FeedCounters
	require.NoError(t, store.GetInto(at(t0), s, k, &got))
	assert.Equal(t, int64(4), got.Likes)
	assert.Equal(t, int64(3), got.Version)
}
