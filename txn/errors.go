package txn

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no record exists for a transaction id
	ErrNotFound = errors.New("transaction not found")

	// ErrAlreadyExists is returned by RecordNew for a reused id
	ErrAlreadyExists = errors.New("transaction already exists")

	// ErrAllocatorUnavailable means no timestamp could be issued; fatal to the caller
	ErrAllocatorUnavailable = errors.New("timestamp allocator unavailable")

	// ErrCommitTimestampMismatch is returned when a commit is replayed with a different timestamp
	ErrCommitTimestampMismatch = errors.New("commit timestamp mismatch")
)

// ConflictReason classifies a write-write conflict
type ConflictReason string

const (
	// ReasonCommittedAfterBegin: the other writer committed after this transaction began
	ReasonCommittedAfterBegin ConflictReason = "committed_after_begin"
	// ReasonConcurrentWriter: the other writer is still in flight
	ReasonConcurrentWriter ConflictReason = "concurrent_writer"
)

// WriteConflictError is raised synchronously at write time. Retryable by restarting the transaction.
type WriteConflictError struct {
	Table            string
	Row              []byte
	TxnID            uint64
	ConflictingTxnID uint64
	Reason           ConflictReason
}

func (e *WriteConflictError) Error() string {
	return fmt.Sprintf("write conflict on %s/%x: txn %d vs txn %d (%s)",
		e.Table, e.Row, e.TxnID, e.ConflictingTxnID, e.Reason)
}

// ReadOnlyError is a mutation attempted under a transaction never elevated to writable
type ReadOnlyError struct {
	TxnID uint64
	Table string
}

func (e *ReadOnlyError) Error() string {
	return fmt.Sprintf("txn %d is read-only, cannot write %s", e.TxnID, e.Table)
}

// NotActiveError is an operation on a transaction that already reached a terminal
// state, including one reclassified as rolled back after its keep-alive expired.
type NotActiveError struct {
	TxnID uint64
	State State
}

func (e *NotActiveError) Error() string {
	return fmt.Sprintf("txn %d is not active (state %s)", e.TxnID, e.State)
}

// CorruptRecordError is a persisted record that cannot be decoded into a valid transaction
type CorruptRecordError struct {
	TxnID uint64
	Field string
	Err   error
}

func (e *CorruptRecordError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("txn %d record corrupt at field %q: %v", e.TxnID, e.Field, e.Err)
	}
	return fmt.Sprintf("txn %d record missing required field %q", e.TxnID, e.Field)
}

func (e *CorruptRecordError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the caller may restart the transaction and try again
func IsRetryable(err error) bool {
	var conflict *WriteConflictError
	return errors.As(err, &conflict)
}

// IsNotActive reports whether err means the transaction is already terminal
func IsNotActive(err error) bool {
	var na *NotActiveError
	return errors.As(err, &na)
}
