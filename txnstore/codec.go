package txnstore

import (
	"encoding/binary"
	"fmt"

	"github.com/maxpert/sitxn/encoding"
	"github.com/maxpert/sitxn/kv"
	"github.com/maxpert/sitxn/txn"
)

// RecordTable holds one row per transaction, keyed by the 8-byte big-endian id
const RecordTable = "__txn"

// Record columns. Each is written independently so a keep-alive renewal or a
// state change never rewrites the rest of the record.
const (
	ColData              = "d" // packed [beginTs, parentId, additive, isolation]
	ColKeepAlive         = "k"
	ColCommitTimestamp   = "t"
	ColGlobalCommitTS    = "g"
	ColState             = "s"
	ColDestinationTables = "e"
)

// Record columns are single-version
const recordVersion = 0

type dataTuple struct {
	_msgpack       struct{} `msgpack:",as_array"`
	BeginTimestamp uint64
	ParentID       uint64
	Additive       bool
	Isolation      uint8
}

// RowKey returns the record row key for id
func RowKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

func uint64Cell(column string, v uint64) kv.Cell {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return kv.Cell{Column: column, Version: recordVersion, Kind: kv.KindPut, Value: buf}
}

func stateCell(s txn.State) kv.Cell {
	return kv.Cell{Column: ColState, Version: recordVersion, Kind: kv.KindPut, Value: []byte{byte(s)}}
}

func keepAliveCell(unixMS int64) kv.Cell {
	return uint64Cell(ColKeepAlive, uint64(unixMS))
}

func tablesCell(tables []string) (kv.Cell, error) {
	if tables == nil {
		tables = []string{}
	}
	data, err := encoding.Marshal(tables)
	if err != nil {
		return kv.Cell{}, fmt.Errorf("failed to encode destination tables: %w", err)
	}
	return kv.Cell{Column: ColDestinationTables, Version: recordVersion, Kind: kv.KindPut, Value: data}, nil
}

// Encode turns a record into its column cells. t and g are omitted while zero.
func Encode(rec txn.Record) ([]kv.Cell, error) {
	d, err := encoding.Marshal(&dataTuple{
		BeginTimestamp: rec.BeginTimestamp,
		ParentID:       rec.ParentID,
		Additive:       rec.Additive,
		Isolation:      uint8(rec.IsolationLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode txn %d data tuple: %w", rec.ID, err)
	}

	e, err := tablesCell(rec.DestinationTables)
	if err != nil {
		return nil, err
	}

	cells := []kv.Cell{
		{Column: ColData, Version: recordVersion, Kind: kv.KindPut, Value: d},
		keepAliveCell(rec.KeepAliveTimestamp),
		stateCell(rec.State),
		e,
	}
	if rec.CommitTimestamp != 0 {
		cells = append(cells, uint64Cell(ColCommitTimestamp, rec.CommitTimestamp))
	}
	if rec.GlobalCommitTimestamp != 0 {
		cells = append(cells, uint64Cell(ColGlobalCommitTS, rec.GlobalCommitTimestamp))
	}
	return cells, nil
}

// Decode rebuilds a record from its row. A row without d or s is corrupt and
// is never treated as ACTIVE or COMMITTED.
func Decode(id uint64, row *kv.Row, includeDestinationTables bool) (txn.Record, error) {
	if row.Empty() {
		return txn.Record{}, txn.ErrNotFound
	}

	rec := txn.Record{ID: id}

	d, ok := row.Get(ColData, recordVersion)
	if !ok {
		return txn.Record{}, &txn.CorruptRecordError{TxnID: id, Field: ColData}
	}
	var tuple dataTuple
	if err := encoding.Unmarshal(d.Value, &tuple); err != nil {
		return txn.Record{}, &txn.CorruptRecordError{TxnID: id, Field: ColData, Err: err}
	}
	rec.BeginTimestamp = tuple.BeginTimestamp
	rec.ParentID = tuple.ParentID
	rec.Additive = tuple.Additive
	rec.IsolationLevel = txn.IsolationLevel(tuple.Isolation)
	if !rec.IsolationLevel.Valid() {
		return txn.Record{}, &txn.CorruptRecordError{TxnID: id, Field: ColData,
			Err: fmt.Errorf("invalid isolation level %d", tuple.Isolation)}
	}

	s, ok := row.Get(ColState, recordVersion)
	if !ok {
		return txn.Record{}, &txn.CorruptRecordError{TxnID: id, Field: ColState}
	}
	if len(s.Value) != 1 || !txn.State(s.Value[0]).Valid() {
		return txn.Record{}, &txn.CorruptRecordError{TxnID: id, Field: ColState,
			Err: fmt.Errorf("invalid state code %v", s.Value)}
	}
	rec.State = txn.State(s.Value[0])

	var err error
	if rec.KeepAliveTimestamp, err = optionalInt64(row, id, ColKeepAlive); err != nil {
		return txn.Record{}, err
	}
	if rec.CommitTimestamp, err = optionalUint64(row, id, ColCommitTimestamp); err != nil {
		return txn.Record{}, err
	}
	if rec.GlobalCommitTimestamp, err = optionalUint64(row, id, ColGlobalCommitTS); err != nil {
		return txn.Record{}, err
	}

	if rec.State == txn.StateCommitted && rec.CommitTimestamp == 0 {
		return txn.Record{}, &txn.CorruptRecordError{TxnID: id, Field: ColCommitTimestamp}
	}
	if rec.State != txn.StateCommitted {
		rec.CommitTimestamp = 0
	}

	if includeDestinationTables {
		if e, ok := row.Get(ColDestinationTables, recordVersion); ok {
			var tables []string
			if err := encoding.Unmarshal(e.Value, &tables); err != nil {
				return txn.Record{}, &txn.CorruptRecordError{TxnID: id, Field: ColDestinationTables, Err: err}
			}
			if len(tables) > 0 {
				rec.DestinationTables = tables
			}
		}
	}

	return rec, nil
}

func optionalUint64(row *kv.Row, id uint64, column string) (uint64, error) {
	c, ok := row.Get(column, recordVersion)
	if !ok {
		return 0, nil
	}
	if len(c.Value) != 8 {
		return 0, &txn.CorruptRecordError{TxnID: id, Field: column,
			Err: fmt.Errorf("expected 8 bytes, got %d", len(c.Value))}
	}
	return binary.BigEndian.Uint64(c.Value), nil
}

func optionalInt64(row *kv.Row, id uint64, column string) (int64, error) {
	v, err := optionalUint64(row, id, column)
	return int64(v), err
}

func decodeRowKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key)
}
