package kv

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// CellKind distinguishes a value from a user-level delete tombstone
type CellKind uint8

const (
	KindPut    CellKind = 1
	KindDelete CellKind = 2
)

func (k CellKind) String() string {
	switch k {
	case KindPut:
		return "put"
	case KindDelete:
		return "delete"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MarkerColumn holds resolution markers. One marker at version = writer id
// stabilizes every cell that writer produced in the row. It sorts before any
// printable column name so a row scan meets markers first.
const MarkerColumn = "\x00r"

// RolledBackMarker is the marker payload for a rolled back writer
const RolledBackMarker uint64 = math.MaxUint64

// Cell is one version of one column
type Cell struct {
	Column  string
	Version uint64 // writer transaction id
	Kind    CellKind
	Value   []byte
}

// IsMarker reports whether the cell is a resolution marker
func (c Cell) IsMarker() bool {
	return c.Column == MarkerColumn
}

// CommitMarker returns the marker cell recording writer's effective commit timestamp
func CommitMarker(writer, commitTS uint64) Cell {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, commitTS)
	return Cell{Column: MarkerColumn, Version: writer, Kind: KindPut, Value: v}
}

// RollbackMarker returns the marker cell recording that writer rolled back
func RollbackMarker(writer uint64) Cell {
	return CommitMarker(writer, RolledBackMarker)
}

// Marker is a decoded resolution marker
type Marker struct {
	CommitTimestamp uint64
	RolledBack      bool
}

// DecodeMarker decodes a marker cell
func DecodeMarker(c Cell) (Marker, error) {
	if !c.IsMarker() || len(c.Value) != 8 {
		return Marker{}, fmt.Errorf("cell %q@%d is not a resolution marker", c.Column, c.Version)
	}
	ts := binary.BigEndian.Uint64(c.Value)
	if ts == RolledBackMarker {
		return Marker{RolledBack: true}, nil
	}
	return Marker{CommitTimestamp: ts}, nil
}

// Row is every stored cell of one row: columns ascending, versions newest first.
type Row struct {
	Table string
	Key   []byte
	Cells []Cell
}

// Empty reports whether the row has no stored cells
func (r *Row) Empty() bool {
	return r == nil || len(r.Cells) == 0
}

// Get returns the cell for column at exactly version
func (r *Row) Get(column string, version uint64) (Cell, bool) {
	if r == nil {
		return Cell{}, false
	}
	for _, c := range r.Cells {
		if c.Column == column && c.Version == version {
			return c, true
		}
	}
	return Cell{}, false
}

// Marker returns the decoded resolution marker for writer, if one exists
func (r *Row) Marker(writer uint64) (Marker, bool) {
	c, ok := r.Get(MarkerColumn, writer)
	if !ok {
		return Marker{}, false
	}
	m, err := DecodeMarker(c)
	if err != nil {
		return Marker{}, false
	}
	return m, true
}

// Writers returns the distinct writer ids of data cells, newest first
func (r *Row) Writers() []uint64 {
	if r == nil {
		return nil
	}
	seen := make(map[uint64]struct{})
	var out []uint64
	for _, c := range r.Cells {
		if c.IsMarker() {
			continue
		}
		if _, ok := seen[c.Version]; ok {
			continue
		}
		seen[c.Version] = struct{}{}
		out = append(out, c.Version)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out
}

// ColumnsWrittenBy returns the data columns writer produced in this row
func (r *Row) ColumnsWrittenBy(writer uint64) []string {
	if r == nil {
		return nil
	}
	var cols []string
	for _, c := range r.Cells {
		if c.Version == writer && !c.IsMarker() {
			cols = append(cols, c.Column)
		}
	}
	return cols
}
