// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package mempool pools the scratch buffers stored frames are encoded into.
package mempool

import (
	"bytes"
	"sync"
)

// DefaultMaxCap is the largest buffer the default pool keeps. Buffers grown by large
// payloads are left to the garbage collector.
const DefaultMaxCap = 64 * 1024

var bufPool = NewBuffer(DefaultMaxCap)

// GetBuffer takes an empty buffer from the default pool.
func GetBuffer() *bytes.Buffer { return bufPool.Get() }

// PutBuffer returns a buffer to the default pool.
func PutBuffer(x *bytes.Buffer) { bufPool.Put(x) }

// BufferPool hands out reusable buffers.
type BufferPool interface {
	Get() *bytes.Buffer
	Put(x *bytes.Buffer)
}

// NewBuffer returns a buffer pool which drops buffers whose capacity exceeds max.
// If max <= 0, every buffer is kept.
func NewBuffer(max int) BufferPool {
	return &Buffer{
		max: max,
		pool: sync.Pool{
			New: func() any { return new(bytes.Buffer) },
		},
	}
}

// Buffer is a pool of bytes.Buffer.
type Buffer struct {
	pool sync.Pool
	max  int
}

// Get returns an empty buffer.
func (b *Buffer) Get() *bytes.Buffer {
	return b.pool.Get().(*bytes.Buffer)
}

// Put resets the buffer and keeps it for reuse, unless it has outgrown the pool.
func (b *Buffer) Put(x *bytes.Buffer) {
	if x == nil || (b.max > 0 && x.Cap() > b.max) {
		return
	}

	x.Reset()
	b.pool.Put(x)
}
