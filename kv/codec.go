package kv

import (
	"encoding/binary"
	"fmt"
)

// Keys are memcomparable so pebble's byte order is (table, row, column) ascending
// and version descending within a column.
//
//	data: 'd' | enc(table) | enc(row) | enc(column) | ^version
//	meta: 'm' | name
const (
	tagData byte = 'd'
	tagMeta byte = 'm'

	encGroupSize = 8
	encMarker    = byte(0xFF)
	encPad       = byte(0x0)
)

var pads = make([]byte, encGroupSize)

// appendEncodedBytes appends the memcomparable form of data:
// 8-byte groups padded with zeros, each followed by 0xFF minus the pad count.
func appendEncodedBytes(dst, data []byte) []byte {
	dLen := len(data)
	for idx := 0; idx <= dLen; idx += encGroupSize {
		remain := dLen - idx
		padCount := 0
		if remain >= encGroupSize {
			dst = append(dst, data[idx:idx+encGroupSize]...)
		} else {
			padCount = encGroupSize - remain
			dst = append(dst, data[idx:]...)
			dst = append(dst, pads[:padCount]...)
		}
		dst = append(dst, encMarker-byte(padCount))
	}
	return dst
}

// decodeBytes decodes one memcomparable segment and returns the remainder
func decodeBytes(b []byte) ([]byte, []byte, error) {
	data := make([]byte, 0, len(b))
	for {
		if len(b) < encGroupSize+1 {
			return nil, nil, fmt.Errorf("insufficient bytes to decode key segment")
		}

		group := b[:encGroupSize]
		marker := b[encGroupSize]
		padCount := encMarker - marker
		if padCount > encGroupSize {
			return nil, nil, fmt.Errorf("invalid marker byte %#x", marker)
		}

		realGroupSize := encGroupSize - padCount
		data = append(data, group[:realGroupSize]...)
		b = b[encGroupSize+1:]

		if padCount != 0 {
			for _, v := range group[realGroupSize:] {
				if v != encPad {
					return nil, nil, fmt.Errorf("invalid padding byte %#x", v)
				}
			}
			return b, data, nil
		}
	}
}

func tablePrefix(table string) []byte {
	return appendEncodedBytes([]byte{tagData}, []byte(table))
}

func rowPrefix(table string, row []byte) []byte {
	return appendEncodedBytes(tablePrefix(table), row)
}

// cellKey builds the full key for one version of one column
func cellKey(table string, row []byte, column string, version uint64) []byte {
	key := appendEncodedBytes(rowPrefix(table, row), []byte(column))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], ^version)
	return append(key, ts[:]...)
}

func metaKey(name string) []byte {
	return append([]byte{tagMeta}, name...)
}

// decodeRowSuffix splits the part of a data key after the table prefix
func decodeRowSuffix(suffix []byte) (row []byte, column string, version uint64, err error) {
	rest, row, err := decodeBytes(suffix)
	if err != nil {
		return nil, "", 0, err
	}
	column, version, err = decodeColumnSuffix(rest)
	return row, column, version, err
}

// decodeColumnSuffix splits the part of a data key after the row prefix
func decodeColumnSuffix(suffix []byte) (string, uint64, error) {
	rest, col, err := decodeBytes(suffix)
	if err != nil {
		return "", 0, err
	}
	if len(rest) != 8 {
		return "", 0, fmt.Errorf("bad version suffix length %d", len(rest))
	}
	return string(col), ^binary.BigEndian.Uint64(rest), nil
}

// prefixSuccessor returns the smallest key greater than every key with the given prefix.
// Returns nil when no such key exists (prefix is all 0xFF).
func prefixSuccessor(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
