// Package kv is the sorted, multi-versioned row store the transaction engine runs on.
// It offers atomic single-row reads and writes, ordered range scans, and
// per-row check-and-mutate. It has no notion of transactions.
package kv

import "errors"

var (
	ErrNotFound = errors.New("kv: not found")
	ErrClosed   = errors.New("kv: store closed")
)

// Store is the versioned row store contract
type Store interface {
	// ReadRow returns every stored cell of the row. A missing row is an empty Row, not an error.
	ReadRow(table string, row []byte) (*Row, error)

	// MutateRow writes cells to one row atomically
	MutateRow(table string, row []byte, cells []Cell) error

	// CheckAndMutate reads the row, passes it to fn and writes the cells fn returns,
	// atomically with respect to other CheckAndMutate calls on the same row.
	// An error from fn aborts without writing.
	CheckAndMutate(table string, row []byte, fn func(*Row) ([]Cell, error)) error

	// Scan visits rows of table in [start, end) ascending. nil bounds are open.
	// Returning an error from fn stops the scan and is returned.
	Scan(table string, start, end []byte, fn func(*Row) error) error

	// GetMeta reads an unversioned metadata value; ErrNotFound when absent
	GetMeta(name string) ([]byte, error)

	// SetMeta durably writes an unversioned metadata value
	SetMeta(name string, value []byte) error

	Close() error
}
