package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by point reads and deletes of absent documents.
var ErrNotFound = errors.New("document not found")

// ErrCrossPartition is returned when an op addresses a partition other than the transaction's.
var ErrCrossPartition = errors.New("operation outside transaction partition")

// Reason classifies why one operation of a failed transaction was rejected.
type Reason int

const (
	ReasonUnknown Reason = iota
	ReasonConflict
	ReasonNotFound
	ReasonPreconditionFailed
)

func (r Reason) String() string {
	switch r {
	case ReasonConflict:
		return "conflict"
	case ReasonNotFound:
		return "not found"
	case ReasonPreconditionFailed:
		return "precondition failed"
	}
	return "unknown"
}

// TxError reports the operation that caused a transaction to abort.
type TxError struct {
	Index  int
	Kind   OpKind
	Key    Key
	Reason Reason
	Cause  error
}

func (e *TxError) Error() string {
	msg := fmt.Sprintf("transaction op %d (%s %s): %s", e.Index, e.Kind, e.Key, e.Reason)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *TxError) Unwrap() error { return e.Cause }
