// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool pools the scratch buffers used to encode stored records.
package bufpool

import (
	"bytes"
	"encoding/json"
	"sync"
)

// Buffers that grew past this are left to the GC.
const maxPooledCap = 64 * 1024

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Get returns an empty buffer.
func Get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns b to the pool. b must not be used afterwards.
func Put(b *bytes.Buffer) {
	if b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}

// EncodeJSON writes the JSON encoding of v to a pooled buffer. HTML
// characters are kept as is and the encoder's trailing newline is dropped.
// The bytes stay valid until the buffer is Put back.
func EncodeJSON(v any) (*bytes.Buffer, error) {
	b := Get()
	enc := json.NewEncoder(b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		Put(b)
		return nil, err
	}
	b.Truncate(b.Len() - 1)
	return b, nil
}
