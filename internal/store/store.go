// Package store defines the capability contract of the partitioned document
// store: point reads, ordered range queries, single-partition atomic
// transactions, a per-partition ordered change stream and a conflict feed.
package store

import (
	"context"
	"time"
)

// Key addresses a document by partition and id.
type Key struct {
	Partition string
	ID        string
}

func (k Key) String() string { return k.Partition + "/" + k.ID }

// Query selects documents of one partition whose id starts with Prefix.
// Before, when set, is an exclusive upper bound on the id.
type Query struct {
	Partition  string
	Prefix     string
	Before     string
	Descending bool
	Offset     int
	Limit      int
}

// Reader is the read side of the store. Documents whose TTL has passed are
// reported as absent.
type Reader interface {
	Get(ctx context.Context, key Key) (Item, error)
	Query(ctx context.Context, q Query) ([]Item, error)
}

// Transactor commits a batch of operations atomically within one partition.
type Transactor interface {
	Transact(ctx context.Context, partition string, ops []Op) (TxResult, error)
}

// Store is the document store used by services and background workers.
type Store interface {
	Reader
	Transactor
}

// TxResult is returned by Transact even on failure so callers can account cost.
// Items is indexed by submission order; entries are nil unless the op asked
// for its resulting document.
type TxResult struct {
	Items []Item
	Cost  float64
}

// OpKind enumerates the operations a transaction may contain.
type OpKind int

const (
	OpCreate OpKind = iota
	OpReplace
	OpPatch
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpReplace:
		return "replace"
	case OpPatch:
		return "patch"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}

// Op is one operation of a transaction.
//   - Create fails with Conflict when a live document already holds the key.
//   - Replace, Patch and Delete fail with NotFound when the document is absent
//     and with Conflict when ETag is set and does not match.
//   - Patch fails with PreconditionFailed when Require does not hold.
type Op struct {
	Kind    OpKind
	Key     Key
	Item    Item
	ETag    string
	Patches []Patch
	Require *Condition
	Return  bool
}

// PatchOp is the operation applied to a single field.
type PatchOp int

const (
	PatchSet PatchOp = iota
	PatchIncrement
)

// Patch describes a partial-field update. Setting FieldTTL to 0 clears the expiry.
type Patch struct {
	Field Field
	Op    PatchOp
	Value any
}

// Set returns a patch assigning v to f.
func Set(f Field, v any) Patch { return Patch{Field: f, Op: PatchSet, Value: v} }

// Increment returns a patch adding delta to the numeric field f.
func Increment(f Field, delta int64) Patch { return Patch{Field: f, Op: PatchIncrement, Value: delta} }

// Condition requires Field to currently equal Equals.
type Condition struct {
	Field  Field
	Equals any
}

// ChangeFeed is the ordered, resumable, per-partition change stream. Each
// range covers a set of partitions; order holds within a partition only.
// Ranges may close and be succeeded by child ranges, so callers list them
// again from time to time.
type ChangeFeed interface {
	Ranges(ctx context.Context) ([]Range, error)
	Read(ctx context.Context, rangeID, cursor string, limit int) (ChangeBatch, error)
}

// Range is one unit of the change stream. A range with a Parent continues
// the parent's partitions and must not be read before the parent is drained.
type Range struct {
	ID     string
	Parent string
}

// Change is one committed write as observed on the stream.
type Change struct {
	Key     Key
	Item    Item // post-image; nil when Removed
	Removed bool
	At      time.Time
}

// ChangeBatch is one read from a range. Next resumes after the last change.
// Closed reports that the range accepts no more writes and this batch holds
// its last changes.
type ChangeBatch struct {
	Changes []Change
	Next    string
	Closed  bool
}

// Conflict pairs the stored version of a document with a concurrent write that lost.
type Conflict struct {
	ID          string
	Key         Key
	Current     Item
	Conflicting Item
}

// ConflictFeed exposes concurrent-write conflicts awaiting resolution.
type ConflictFeed interface {
	ReadConflicts(ctx context.Context, limit int) ([]Conflict, error)
	DeleteConflict(ctx context.Context, id string) error
}
