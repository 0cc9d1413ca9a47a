package kv

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Stored value header: [kind][codec] payload
const (
	codecRaw  byte = 0
	codecZstd byte = 1

	valueHeaderLen = 2
)

// valueCodec compresses values at or above a size threshold.
// EncodeAll/DecodeAll on a shared encoder/decoder are safe for concurrent use.
type valueCodec struct {
	threshold int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

func newValueCodec(threshold int) (*valueCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &valueCodec{threshold: threshold, enc: enc, dec: dec}, nil
}

func (c *valueCodec) encode(kind CellKind, value []byte) []byte {
	if c.threshold > 0 && len(value) >= c.threshold {
		out := make([]byte, valueHeaderLen, valueHeaderLen+len(value)/2)
		out[0], out[1] = byte(kind), codecZstd
		return c.enc.EncodeAll(value, out)
	}

	out := make([]byte, valueHeaderLen+len(value))
	out[0], out[1] = byte(kind), codecRaw
	copy(out[valueHeaderLen:], value)
	return out
}

// decode always returns a slice the caller owns
func (c *valueCodec) decode(stored []byte) (CellKind, []byte, error) {
	if len(stored) < valueHeaderLen {
		return 0, nil, fmt.Errorf("stored value too short (%d bytes)", len(stored))
	}

	kind := CellKind(stored[0])
	payload := stored[valueHeaderLen:]
	switch stored[1] {
	case codecRaw:
		out := make([]byte, len(payload))
		copy(out, payload)
		return kind, out, nil
	case codecZstd:
		out, err := c.dec.DecodeAll(payload, nil)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to decompress value: %w", err)
		}
		return kind, out, nil
	default:
		return 0, nil, fmt.Errorf("unknown value codec %d", stored[1])
	}
}

func (c *valueCodec) close() {
	c.enc.Close()
	c.dec.Close()
}
