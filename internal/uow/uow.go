// Package uow batches document operations addressed to one partition into a
// single atomic transaction and classifies failures per operation.
package uow

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/go-social-nosql/internal/domain"
	"github.com/go-social-nosql/internal/opctx"
	"github.com/go-social-nosql/internal/store"
)

var tracer = otel.Tracer("github.com/go-social-nosql/internal/uow")

// Result is the slot for one submitted operation. It is populated when Commit
// succeeds and the operation produces a document.
type Result struct {
	item store.Item
}

// Ready reports whether the slot holds a document.
func (r *Result) Ready() bool { return r != nil && r.item != nil }

// Item returns the resulting document, or nil.
func (r *Result) Item() store.Item {
	if r == nil {
		return nil
	}
	return r.item
}

// ETag returns the concurrency token of the resulting document.
func (r *Result) ETag() string { return r.Item().ETag() }

// Decode unmarshals the resulting document into doc.
func (r *Result) Decode(doc store.Document) error {
	if !r.Ready() {
		return errors.New("result not available")
	}
	return store.Unmarshal(r.item, doc)
}

// UnitOfWork collects operations for one partition. It is not safe for concurrent use.
type UnitOfWork struct {
	tx        store.Transactor
	partition string
	ops       []store.Op
	slots     []*Result
	err       error
}

// New starts a unit of work scoped to partition.
func New(tx store.Transactor, partition string) *UnitOfWork {
	return &UnitOfWork{tx: tx, partition: partition}
}

func (u *UnitOfWork) add(op store.Op) *Result {
	slot := &Result{}
	u.ops = append(u.ops, op)
	u.slots = append(u.slots, slot)
	return slot
}

func (u *UnitOfWork) marshal(doc store.Document) store.Item {
	it, err := store.Marshal(doc)
	if err != nil && u.err == nil {
		u.err = err
	}
	return it
}

// Create adds a create of doc; it fails with Conflict if the key is taken.
func (u *UnitOfWork) Create(doc store.Document) *Result {
	m := doc.Metadata()
	m.ETag = ""
	return u.add(store.Op{Kind: store.OpCreate, Key: m.Key(), Item: u.marshal(doc), Return: true})
}

// Replace adds a full replacement of doc guarded by etag ("" skips the check).
func (u *UnitOfWork) Replace(doc store.Document, etag string) *Result {
	m := doc.Metadata()
	m.ETag = ""
	return u.add(store.Op{Kind: store.OpReplace, Key: m.Key(), Item: u.marshal(doc), ETag: etag, Return: true})
}

// ReplaceItem is Replace for a document that is already encoded.
func (u *UnitOfWork) ReplaceItem(it store.Item, etag string) *Result {
	it = it.Clone()
	delete(it, string(store.FieldETag))
	return u.add(store.Op{Kind: store.OpReplace, Key: it.Key(), Item: it, ETag: etag, Return: true})
}

// Patch adds a partial update of key guarded by etag ("" skips the check).
func (u *UnitOfWork) Patch(key store.Key, etag string, patches ...store.Patch) *Result {
	return u.add(store.Op{Kind: store.OpPatch, Key: key, ETag: etag, Patches: patches, Return: true})
}

// PatchIf is Patch with a field precondition; a mismatch fails with PreconditionFailed.
func (u *UnitOfWork) PatchIf(key store.Key, etag string, cond store.Condition, patches ...store.Patch) *Result {
	return u.add(store.Op{Kind: store.OpPatch, Key: key, ETag: etag, Require: &cond, Patches: patches, Return: true})
}

// Delete adds a delete of key guarded by etag ("" skips the check).
func (u *UnitOfWork) Delete(key store.Key, etag string) {
	u.add(store.Op{Kind: store.OpDelete, Key: key, ETag: etag})
}

// Len returns the number of queued operations.
func (u *UnitOfWork) Len() int { return len(u.ops) }

// Commit submits every queued operation as one transaction. The transaction
// cost is reported to the operation context whether or not it succeeds.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	if u.err != nil {
		return &OpError{Index: -1, Code: domain.CodeUnknown, Cause: u.err}
	}
	if len(u.ops) == 0 {
		return nil
	}
	ctx, span := tracer.Start(ctx, "uow.Commit")
	defer span.End()
	span.SetAttributes(
		attribute.String("store.partition", u.partition),
		attribute.Int("store.ops", len(u.ops)),
	)

	res, err := u.tx.Transact(ctx, u.partition, u.ops)
	opctx.AddCost(ctx, res.Cost)
	if err != nil {
		oe := classify(err)
		span.RecordError(oe)
		span.SetStatus(codes.Error, string(oe.Code))
		return oe
	}
	for i, slot := range u.slots {
		if i < len(res.Items) {
			slot.item = res.Items[i]
		}
	}
	return nil
}

func classify(err error) *OpError {
	var te *store.TxError
	if !errors.As(err, &te) {
		return &OpError{Index: -1, Code: domain.CodeUnknown, Cause: err}
	}
	code := domain.CodeUnknown
	switch te.Reason {
	case store.ReasonConflict:
		code = domain.CodeConflict
	case store.ReasonNotFound:
		code = domain.CodeNotFound
	case store.ReasonPreconditionFailed:
		code = domain.CodePreconditionFailed
	}
	return &OpError{Index: te.Index, Kind: te.Kind, Key: te.Key, Code: code, Cause: err}
}

// OpError identifies the operation that made a unit of work fail. Index is -1
// when the failure was not attributable to a single operation.
type OpError struct {
	Index int
	Kind  store.OpKind
	Key   store.Key
	Code  domain.Code
	Cause error
}

func (e *OpError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("unit of work %s: %v", e.Code, e.Cause)
	}
	return fmt.Sprintf("unit of work op %d (%s %s) %s", e.Index, e.Kind, e.Key, e.Code)
}

func (e *OpError) Unwrap() error { return e.Cause }

// Is matches coded domain errors so callers can test errors.Is(err, domain.ErrUoWConflict).
func (e *OpError) Is(target error) bool {
	if t, ok := target.(*domain.Error); ok {
		return t.Code == e.Code
	}
	return false
}

// IsConflict reports whether err is a unit-of-work Conflict.
func IsConflict(err error) bool { return errors.Is(err, domain.ErrUoWConflict) }

// IsNotFound reports whether err is a unit-of-work NotFound.
func IsNotFound(err error) bool { return errors.Is(err, domain.ErrUoWNotFound) }
