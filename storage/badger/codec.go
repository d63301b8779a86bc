// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compression selects how log record payloads are stored.
type Compression string

const (
	CompressionNone Compression = ""
	CompressionS2   Compression = "s2"
	CompressionZstd Compression = "zstd"
)

// Payloads below this size are stored uncompressed.
const compressThreshold = 256

var errShortValue = errors.New("badger: value too short")

const (
	codecNone byte = iota
	codecS2
	codecZstd
)

type codec struct {
	kind byte
	enc  *zstd.Encoder
	dec  *zstd.Decoder
}

// newCodec always carries a zstd decoder so records written under a
// different compression setting stay readable.
func newCodec(c Compression) (*codec, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	cd := &codec{dec: dec}

	switch c {
	case CompressionNone:
		cd.kind = codecNone
	case CompressionS2:
		cd.kind = codecS2
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			dec.Close()
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		cd.kind = codecZstd
		cd.enc = enc
	default:
		dec.Close()
		return nil, fmt.Errorf("badger: unknown compression %q", string(c))
	}
	return cd, nil
}

// encode frames a payload as [codec][unix ms][payload].
func (c *codec) encode(ts time.Time, payload []byte) []byte {
	kind := c.kind
	if len(payload) < compressThreshold {
		kind = codecNone
	}
	switch kind {
	case codecS2:
		payload = s2.Encode(nil, payload)
	case codecZstd:
		payload = c.enc.EncodeAll(payload, nil)
	}

	buf := make([]byte, 9+len(payload))
	buf[0] = kind
	binary.BigEndian.PutUint64(buf[1:9], uint64(ts.UnixMilli()))
	copy(buf[9:], payload)
	return buf
}

func (c *codec) decode(val []byte) (time.Time, []byte, error) {
	if len(val) < 9 {
		return time.Time{}, nil, errShortValue
	}
	ts := time.UnixMilli(int64(binary.BigEndian.Uint64(val[1:9])))
	payload := val[9:]

	switch val[0] {
	case codecNone:
		out := make([]byte, len(payload))
		copy(out, payload)
		return ts, out, nil
	case codecS2:
		out, err := s2.Decode(nil, payload)
		return ts, out, err
	case codecZstd:
		out, err := c.dec.DecodeAll(payload, nil)
		return ts, out, err
	default:
		return ts, nil, fmt.Errorf("badger: unknown codec %d", val[0])
	}
}

func (c *codec) close() {
	if c.enc != nil {
		c.enc.Close()
	}
	if c.dec != nil {
		c.dec.Close()
	}
}

// Expiring values are framed as [expire-at unix ms][payload]. Badger's own
// TTL has one-second resolution, so reads check the embedded deadline and
// the entry TTL only serves garbage collection.
func wrapExpiring(value []byte, expireAt time.Time) []byte {
	buf := make([]byte, 8+len(value))
	var ms int64
	if !expireAt.IsZero() {
		ms = expireAt.UnixMilli()
	}
	binary.BigEndian.PutUint64(buf[:8], uint64(ms))
	copy(buf[8:], value)
	return buf
}

func unwrapExpiring(val []byte, now time.Time) (time.Time, []byte, bool, error) {
	if len(val) < 8 {
		return time.Time{}, nil, false, errShortValue
	}
	var expireAt time.Time
	if ms := int64(binary.BigEndian.Uint64(val[:8])); ms > 0 {
		expireAt = time.UnixMilli(ms)
		if !now.Before(expireAt) {
			return expireAt, nil, false, nil
		}
	}
	return expireAt, val[8:], true, nil
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
