// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

// Package joblog stores the output of one job as a sequence of chunks
// and serves it to any number of readers.
//
// A [Log] is written by exactly one producer (the job's runner) and
// read through [Cursor] values. A cursor starts after a given sequence
// number, replays what the log already holds, then blocks for new
// chunks, and reports io.EOF once the log is closed and drained. Each
// cursor sees every retained chunk exactly once, in sequence order,
// regardless of how many cursors exist or how slowly they read: the
// producer never waits for readers.
//
// Retained output is bounded by a byte capacity. When it is exceeded
// the oldest chunks are dropped and a cursor that wanted them is told
// how many it missed.
package joblog

import (
	"context"
	"io"
	"sync"

	"github.com/xerolinux/elevate/lib/process"
)

// DefaultCapacity bounds the retained output of one job. A full system
// upgrade with verbose hooks stays well below this.
const DefaultCapacity = 16 * 1024 * 1024

// Log is the chunk history of one job. Safe for concurrent use.
type Log struct {
	mu       sync.Mutex
	chunks   []process.Chunk
	bytes    int
	capacity int
	lastSeq  int64
	closed   bool

	// wake is closed and replaced whenever the log changes.
	wake chan struct{}
}

// New returns an empty log retaining at most capacity bytes of chunk
// data. capacity <= 0 uses DefaultCapacity.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{capacity: capacity, lastSeq: -1, wake: make(chan struct{})}
}

// Append adds a chunk. Chunks must arrive in increasing Seq order;
// appends after Close are dropped.
func (l *Log) Append(chunk process.Chunk) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || int64(chunk.Seq) <= l.lastSeq {
		return
	}
	l.chunks = append(l.chunks, chunk)
	l.bytes += len(chunk.Data)
	l.lastSeq = int64(chunk.Seq)

	// Keep at least the newest chunk even if it alone exceeds capacity.
	for l.bytes > l.capacity && len(l.chunks) > 1 {
		l.bytes -= len(l.chunks[0].Data)
		l.chunks[0] = process.Chunk{}
		l.chunks = l.chunks[1:]
	}
	l.broadcastLocked()
}

// Close marks the log complete. Cursors return io.EOF once drained.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.broadcastLocked()
}

// LastSeq returns the newest sequence number, or -1 for an empty log.
func (l *Log) LastSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

func (l *Log) broadcastLocked() {
	close(l.wake)
	l.wake = make(chan struct{})
}

// read returns the retained chunks with Seq > afterSeq, how many
// wanted chunks were already evicted, whether the log is closed, and
// a channel closed on the next change.
func (l *Log) read(afterSeq int64) (chunks []process.Chunk, missed uint64, closed bool, wake <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.chunks) > 0 {
		first := int64(l.chunks[0].Seq)
		start := 0
		if afterSeq+1 < first {
			missed = uint64(first - afterSeq - 1)
		} else {
			start = int(afterSeq + 1 - first)
		}
		if start < len(l.chunks) {
			chunks = append([]process.Chunk(nil), l.chunks[start:]...)
		}
	}
	return chunks, missed, l.closed, l.wake
}

// Cursor reads a Log from a starting point. A Cursor is not safe for
// concurrent use; give each reader its own.
type Cursor struct {
	log     *Log
	after   int64
	pending []process.Chunk
	missed  uint64
}

// Cursor returns a reader of the chunks with Seq > afterSeq. Pass -1
// to read from the beginning.
func (l *Log) Cursor(afterSeq int64) *Cursor {
	return &Cursor{log: l, after: afterSeq}
}

// Next returns the next chunk, blocking until one is appended. It
// returns io.EOF after the last chunk of a closed log, or ctx.Err().
func (c *Cursor) Next(ctx context.Context) (process.Chunk, error) {
	for {
		if len(c.pending) > 0 {
			chunk := c.pending[0]
			c.pending = c.pending[1:]
			c.after = int64(chunk.Seq)
			return chunk, nil
		}

		chunks, missed, closed, wake := c.log.read(c.after)
		c.missed += missed
		if len(chunks) > 0 {
			c.pending = chunks
			continue
		}
		if closed {
			return process.Chunk{}, io.EOF
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return process.Chunk{}, ctx.Err()
		}
	}
}

// Missed reports how many chunks this cursor skipped because they had
// been evicted before it reached them.
func (c *Cursor) Missed() uint64 { return c.missed }
