// Package txn holds the transaction data model shared by every engine component:
// states, isolation levels, the mutable Txn handle, the immutable TxnView, and typed errors.
package txn

import "fmt"

// State is the persisted lifecycle state of a transaction
type State uint8

const (
	StateActive     State = 1
	StateCommitting State = 2
	StateCommitted  State = 3
	StateRolledBack State = 4
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateCommitting:
		return "COMMITTING"
	case StateCommitted:
		return "COMMITTED"
	case StateRolledBack:
		return "ROLLEDBACK"
	default:
		return fmt.Sprintf("STATE(%d)", uint8(s))
	}
}

// IsTerminal reports whether the state can never change again
func (s State) IsTerminal() bool {
	return s == StateCommitted || s == StateRolledBack
}

// Valid reports whether s is a known state code
func (s State) Valid() bool {
	return s >= StateActive && s <= StateRolledBack
}

// IsolationLevel controls which committed writes a reader sees
type IsolationLevel uint8

const (
	Snapshot        IsolationLevel = 1
	ReadCommitted   IsolationLevel = 2
	ReadUncommitted IsolationLevel = 3
)

func (l IsolationLevel) String() string {
	switch l {
	case Snapshot:
		return "SNAPSHOT"
	case ReadCommitted:
		return "READ_COMMITTED"
	case ReadUncommitted:
		return "READ_UNCOMMITTED"
	default:
		return fmt.Sprintf("ISOLATION(%d)", uint8(l))
	}
}

// Valid reports whether l is a known isolation level
func (l IsolationLevel) Valid() bool {
	return l >= Snapshot && l <= ReadUncommitted
}

// ParseIsolationLevel accepts the String() form
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	for _, l := range []IsolationLevel{Snapshot, ReadCommitted, ReadUncommitted} {
		if l.String() == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown isolation level %q", s)
}

// Record is the full persisted content of one transaction
type Record struct {
	ID                    uint64
	BeginTimestamp        uint64
	ParentID              uint64 // 0 = root
	IsolationLevel        IsolationLevel
	Additive              bool
	State                 State
	CommitTimestamp       uint64 // non-zero iff State == StateCommitted
	GlobalCommitTimestamp uint64 // root ancestor's commit timestamp, 0 = unknown
	KeepAliveTimestamp    int64  // unix ms
	DestinationTables     []string
}

// IsRoot reports whether the transaction has no parent
func (r *Record) IsRoot() bool {
	return r.ParentID == 0
}
