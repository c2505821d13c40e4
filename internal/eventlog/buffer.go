package eventlog

import (
	"sort"
	"sync"
	"unicode/utf8"
)

// Output stream identifiers used to tag chunks.
const (
	FDStdout = 1
	FDStderr = 2
)

// MaxMergedChunk caps how large an index entry grows by merging adjacent
// writes. A single larger write still gets one entry, and an entry ending
// inside a UTF-8 sequence keeps merging until the sequence completes.
const MaxMergedChunk = 32 << 10

// Chunk is a contiguous span of command output. End is the cursor a reader
// holds after consuming the chunk.
type Chunk struct {
	Start int64
	End   int64
	FD    int
	Data  []byte
}

// Snapshot is a consistent view of a Buffer taken at one instant.
//
// Wait is closed by the next Append or Close after the snapshot was taken,
// so a reader that found nothing new can block on it without missing data.
type Snapshot struct {
	Chunks []Chunk
	Next   int64
	Closed bool
	Wait   <-chan struct{}
}

// Buffer is the append-only, cursor-addressable output log of one command.
//
// There is exactly one writer (the command's output pump) and any number of
// readers. Readers never block the writer: every read copies slice headers
// under a read lock and returns. Cursors are byte offsets from the start of
// the output, so they increase strictly and are never reused.
type Buffer struct {
	mu     sync.RWMutex
	data   []byte
	chunks []Chunk
	closed bool
	wait   chan struct{}
}

// NewBuffer returns an empty, open Buffer.
func NewBuffer() *Buffer {
	return &Buffer{wait: make(chan struct{})}
}

// Append adds p to the log, tagged with fd, and returns the new end cursor.
// Appends after Close are dropped.
func (b *Buffer) Append(fd int, p []byte) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || len(p) == 0 {
		return int64(len(b.data))
	}

	start := int64(len(b.data))
	b.data = append(b.data, p...)
	end := int64(len(b.data))

	// Adjacent writes to the same stream share one index entry; readers
	// address by cursor so the merge is invisible to them.
	if n := len(b.chunks); n > 0 && b.chunks[n-1].FD == fd && b.mergeable(b.chunks[n-1]) {
		last := &b.chunks[n-1]
		last.End = end
	} else {
		b.chunks = append(b.chunks, Chunk{Start: start, End: end, FD: fd})
	}

	b.broadcast()
	return end
}

func (b *Buffer) mergeable(last Chunk) bool {
	if last.End-last.Start < MaxMergedChunk {
		return true
	}
	tail := b.data[last.Start:last.End]
	return RuneBoundary(tail) < len(tail)
}

// RuneBoundary returns the length of the longest prefix of p that does not
// end inside an incomplete UTF-8 sequence.
func RuneBoundary(p []byte) int {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if utf8.RuneStart(p[i]) {
			if utf8.FullRune(p[i:]) {
				return len(p)
			}
			return i
		}
	}
	return len(p)
}

// Close marks the end of output. It is idempotent.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.broadcast()
}

// broadcast wakes every waiting reader. Caller must hold b.mu.
func (b *Buffer) broadcast() {
	close(b.wait)
	b.wait = make(chan struct{})
}

// Len returns the current end cursor.
func (b *Buffer) Len() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(len(b.data))
}

// Closed reports whether the writer has finished.
func (b *Buffer) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// ReadFrom returns the bytes appended after cursor and the cursor to use for
// the next read. When there is nothing new the returned slice is empty and
// the cursor is returned unchanged. Negative cursors read from the start.
//
// The returned slice aliases the log and must not be modified.
func (b *Buffer) ReadFrom(cursor int64) ([]byte, int64) {
	if cursor < 0 {
		cursor = 0
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	end := int64(len(b.data))
	if cursor >= end {
		return nil, cursor
	}
	return b.data[cursor:end:end], end
}

// ChunksFrom returns the chunks that end after cursor. A chunk that straddles
// cursor is trimmed so that no byte before cursor is returned.
func (b *Buffer) ChunksFrom(cursor int64) Snapshot {
	if cursor < 0 {
		cursor = 0
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := Snapshot{
		Next:   cursor,
		Closed: b.closed,
		Wait:   b.wait,
	}

	end := int64(len(b.data))
	if cursor >= end {
		return snap
	}

	i := sort.Search(len(b.chunks), func(i int) bool {
		return b.chunks[i].End > cursor
	})
	for _, c := range b.chunks[i:] {
		start := max(c.Start, cursor)
		snap.Chunks = append(snap.Chunks, Chunk{
			Start: start,
			End:   c.End,
			FD:    c.FD,
			Data:  b.data[start:c.End:c.End],
		})
	}
	snap.Next = end
	return snap
}
