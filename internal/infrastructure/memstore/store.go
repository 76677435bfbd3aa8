// Package memstore is an in-process implementation of the store capability set:
// single-partition transactions, TTL, ordered queries, a change stream split
// into partition ranges and a conflict feed. It backs tests and local runs.
package memstore

import (
	"context"
	"fmt"
	"hash/fnv"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-social-nosql/internal/opctx"
	"github.com/go-social-nosql/internal/store"
)

// Store keeps every document in memory. All methods are safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	docs      map[store.Key]store.Item
	logs      [][]store.Change
	conflicts []store.Conflict
	seq       int64
}

var (
	_ store.Store        = (*Store)(nil)
	_ store.ChangeFeed   = (*Store)(nil)
	_ store.ConflictFeed = (*Store)(nil)
)

// New creates an empty store whose change stream is split into ranges ranges.
func New(ranges int) *Store {
	if ranges < 1 {
		ranges = 1
	}
	return &Store{
		docs: make(map[store.Key]store.Item),
		logs: make([][]store.Change, ranges),
	}
}

func (s *Store) Get(ctx context.Context, key store.Key) (store.Item, error) {
	if err := opctx.Intercept(ctx); err != nil {
		return nil, err
	}
	opctx.AddCost(ctx, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.docs[key]
	if !ok || !it.Live(opctx.Now(ctx)) {
		return nil, fmt.Errorf("get %s: %w", key, store.ErrNotFound)
	}
	return it.Clone(), nil
}

func (s *Store) Query(ctx context.Context, q store.Query) ([]store.Item, error) {
	if err := opctx.Intercept(ctx); err != nil {
		return nil, err
	}
	now := opctx.Now(ctx)
	s.mu.Lock()
	var matched []store.Item
	for k, it := range s.docs {
		if k.Partition != q.Partition || !strings.HasPrefix(k.ID, q.Prefix) {
			continue
		}
		if q.Before != "" && k.ID >= q.Before {
			continue
		}
		if !it.Live(now) {
			continue
		}
		matched = append(matched, it.Clone())
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if q.Descending {
			return matched[i].Key().ID > matched[j].Key().ID
		}
		return matched[i].Key().ID < matched[j].Key().ID
	})
	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[q.Offset:]
		}
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	opctx.AddCost(ctx, 1+float64(len(matched))/2)
	return matched, nil
}

func (s *Store) Transact(ctx context.Context, partition string, ops []store.Op) (store.TxResult, error) {
	res := store.TxResult{Items: make([]store.Item, len(ops)), Cost: 2 * float64(len(ops))}
	if err := opctx.Intercept(ctx); err != nil {
		return res, err
	}
	now := opctx.Now(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	staged := make(map[store.Key]store.Item, len(ops))
	current := func(k store.Key) store.Item {
		if it, ok := staged[k]; ok {
			return it
		}
		if it, ok := s.docs[k]; ok && it.Live(now) {
			return it
		}
		return nil
	}
	fail := func(i int, r store.Reason, cause error) (store.TxResult, error) {
		return res, &store.TxError{Index: i, Kind: ops[i].Kind, Key: ops[i].Key, Reason: r, Cause: cause}
	}

	seq := s.seq
	nextETag := func() string {
		seq++
		return strconv.FormatInt(seq, 10)
	}

	for i, op := range ops {
		if op.Key.Partition != partition {
			return fail(i, store.ReasonUnknown, store.ErrCrossPartition)
		}
		if _, dup := staged[op.Key]; dup {
			return fail(i, store.ReasonUnknown, fmt.Errorf("duplicate key in transaction"))
		}
		cur := current(op.Key)
		switch op.Kind {
		case store.OpCreate:
			if cur != nil {
				return fail(i, store.ReasonConflict, nil)
			}
			if op.Item.Key() != op.Key {
				return fail(i, store.ReasonUnknown, fmt.Errorf("item key %s does not match op key", op.Item.Key()))
			}
			next := op.Item.Clone()
			next[string(store.FieldETag)] = &types.AttributeValueMemberS{Value: nextETag()}
			staged[op.Key] = next
		case store.OpReplace, store.OpPatch, store.OpDelete:
			if cur == nil {
				return fail(i, store.ReasonNotFound, nil)
			}
			if op.ETag != "" && cur.ETag() != op.ETag {
				return fail(i, store.ReasonConflict, nil)
			}
			switch op.Kind {
			case store.OpReplace:
				if op.Item.Key() != op.Key {
					return fail(i, store.ReasonUnknown, fmt.Errorf("item key %s does not match op key", op.Item.Key()))
				}
				next := op.Item.Clone()
				next[string(store.FieldETag)] = &types.AttributeValueMemberS{Value: nextETag()}
				staged[op.Key] = next
			case store.OpPatch:
				if op.Require != nil {
					ok, err := holds(cur, op.Require)
					if err != nil {
						return fail(i, store.ReasonUnknown, err)
					}
					if !ok {
						return fail(i, store.ReasonPreconditionFailed, nil)
					}
				}
				next, err := applyPatches(cur, op.Patches)
				if err != nil {
					return fail(i, store.ReasonUnknown, err)
				}
				next[string(store.FieldETag)] = &types.AttributeValueMemberS{Value: nextETag()}
				staged[op.Key] = next
			case store.OpDelete:
				staged[op.Key] = nil
			}
		default:
			return fail(i, store.ReasonUnknown, fmt.Errorf("unsupported op kind %d", op.Kind))
		}
	}

	s.seq = seq
	log := &s.logs[s.rangeOf(partition)]
	for i, op := range ops {
		next := staged[op.Key]
		if next == nil {
			delete(s.docs, op.Key)
			*log = append(*log, store.Change{Key: op.Key, Removed: true, At: now})
			continue
		}
		s.docs[op.Key] = next
		*log = append(*log, store.Change{Key: op.Key, Item: next.Clone(), At: now})
		if op.Return {
			res.Items[i] = next.Clone()
		}
	}
	return res, nil
}

func (s *Store) rangeOf(partition string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(partition))
	return int(h.Sum32() % uint32(len(s.logs)))
}

func applyPatches(cur store.Item, patches []store.Patch) (store.Item, error) {
	next := cur.Clone()
	for _, p := range patches {
		name := string(p.Field)
		switch p.Op {
		case store.PatchSet:
			if p.Field == store.FieldTTL && isZero(p.Value) {
				delete(next, name)
				continue
			}
			av, err := attributevalue.Marshal(p.Value)
			if err != nil {
				return nil, fmt.Errorf("marshal patch %s: %w", name, err)
			}
			next[name] = av
		case store.PatchIncrement:
			delta, ok := p.Value.(int64)
			if !ok {
				return nil, fmt.Errorf("increment %s: delta must be int64, got %T", name, p.Value)
			}
			sum := next.Int(p.Field) + delta
			next[name] = &types.AttributeValueMemberN{Value: strconv.FormatInt(sum, 10)}
		default:
			return nil, fmt.Errorf("unsupported patch op %d on %s", p.Op, name)
		}
	}
	return next, nil
}

func holds(cur store.Item, c *store.Condition) (bool, error) {
	want, err := attributevalue.Marshal(c.Equals)
	if err != nil {
		return false, fmt.Errorf("marshal condition %s: %w", c.Field, err)
	}
	got, ok := cur[string(c.Field)]
	if !ok {
		return false, nil
	}
	return reflect.DeepEqual(got, want), nil
}

func isZero(v any) bool {
	switch n := v.(type) {
	case int:
		return n == 0
	case int64:
		return n == 0
	case nil:
		return true
	}
	return false
}
