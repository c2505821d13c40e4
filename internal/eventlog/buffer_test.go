package eventlog

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

func TestReadFromEmpty(t *testing.T) {
	b := NewBuffer()

	data, next := b.ReadFrom(0)
	if len(data) != 0 || next != 0 {
		t.Fatalf("ReadFrom(0) on empty buffer = (%q, %d), want (\"\", 0)", data, next)
	}
}

func TestReadFromConcatenates(t *testing.T) {
	b := NewBuffer()
	b.Append(FDStdout, []byte("hello "))
	b.Append(FDStderr, []byte("world"))
	b.Append(FDStdout, []byte("!\n"))
	b.Close()

	whole, end := b.ReadFrom(0)
	if string(whole) != "hello world!\n" || end != 13 {
		t.Fatalf("ReadFrom(0) = (%q, %d)", whole, end)
	}

	for c1 := int64(0); c1 <= end; c1++ {
		first, c2 := b.ReadFrom(c1)
		second, c3 := b.ReadFrom(c2)
		if got := string(first) + string(second); got != string(whole[c1:]) {
			t.Errorf("ReadFrom(%d)+ReadFrom(%d) = %q, want %q", c1, c2, got, whole[c1:])
		}
		if c3 != end {
			t.Errorf("cursor after second read = %d, want %d", c3, end)
		}
	}
}

func TestReadFromIdempotent(t *testing.T) {
	b := NewBuffer()
	b.Append(FDStdout, []byte("abc"))

	d1, n1 := b.ReadFrom(1)
	d2, n2 := b.ReadFrom(1)
	if string(d1) != string(d2) || n1 != n2 {
		t.Fatalf("repeated reads differ: (%q, %d) vs (%q, %d)", d1, n1, d2, n2)
	}

	// Nothing new past the end: cursor is returned unchanged.
	d3, n3 := b.ReadFrom(n1)
	if len(d3) != 0 || n3 != n1 {
		t.Fatalf("ReadFrom(end) = (%q, %d), want (\"\", %d)", d3, n3, n1)
	}
}

func TestReadFromNegativeCursor(t *testing.T) {
	b := NewBuffer()
	b.Append(FDStdout, []byte("xyz"))

	data, next := b.ReadFrom(-5)
	if string(data) != "xyz" || next != 3 {
		t.Fatalf("ReadFrom(-5) = (%q, %d)", data, next)
	}
}

func TestAppendAfterCloseDropped(t *testing.T) {
	b := NewBuffer()
	b.Append(FDStdout, []byte("a"))
	b.Close()
	b.Close()
	if end := b.Append(FDStdout, []byte("b")); end != 1 {
		t.Fatalf("Append after Close returned %d, want 1", end)
	}
	if !b.Closed() || b.Len() != 1 {
		t.Fatalf("Closed()=%v Len()=%d", b.Closed(), b.Len())
	}
}

func TestChunksFromMergesAndTrims(t *testing.T) {
	b := NewBuffer()
	b.Append(FDStdout, []byte("ab"))
	b.Append(FDStdout, []byte("cd"))
	b.Append(FDStderr, []byte("EF"))
	b.Append(FDStdout, []byte("g"))

	snap := b.ChunksFrom(1)
	want := []struct {
		start, end int64
		fd         int
		data       string
	}{
		{1, 4, FDStdout, "bcd"},
		{4, 6, FDStderr, "EF"},
		{6, 7, FDStdout, "g"},
	}
	if len(snap.Chunks) != len(want) {
		t.Fatalf("got %d chunks, want %d: %+v", len(snap.Chunks), len(want), snap.Chunks)
	}
	for i, w := range want {
		c := snap.Chunks[i]
		if c.Start != w.start || c.End != w.end || c.FD != w.fd || string(c.Data) != w.data {
			t.Errorf("chunk %d = {%d %d %d %q}, want %+v", i, c.Start, c.End, c.FD, c.Data, w)
		}
	}
	if snap.Next != 7 || snap.Closed {
		t.Errorf("Next=%d Closed=%v", snap.Next, snap.Closed)
	}

	empty := b.ChunksFrom(7)
	if len(empty.Chunks) != 0 || empty.Next != 7 {
		t.Errorf("ChunksFrom(end) = %+v", empty)
	}
}

func TestMergeStopsAtCap(t *testing.T) {
	b := NewBuffer()
	line := bytes.Repeat([]byte("x"), 1000)
	for range 100 {
		b.Append(FDStdout, line)
	}

	snap := b.ChunksFrom(0)
	if len(snap.Chunks) < 3 {
		t.Fatalf("100000 bytes merged into %d chunks", len(snap.Chunks))
	}
	var pos int64
	for i, c := range snap.Chunks {
		if c.Start != pos {
			t.Fatalf("chunk %d starts at %d, want %d", i, c.Start, pos)
		}
		if size := c.End - c.Start; size >= MaxMergedChunk+int64(len(line)) {
			t.Errorf("chunk %d has %d bytes", i, size)
		}
		pos = c.End
	}
	if pos != 100000 {
		t.Errorf("chunks end at %d", pos)
	}
}

func TestMergeKeepsRunesWhole(t *testing.T) {
	b := NewBuffer()
	b.Append(FDStdout, bytes.Repeat([]byte("x"), MaxMergedChunk-1))
	b.Append(FDStdout, []byte("\xc3"))
	b.Append(FDStdout, []byte("\xa9"))
	b.Append(FDStdout, []byte("y"))

	snap := b.ChunksFrom(0)
	if len(snap.Chunks) != 2 {
		t.Fatalf("got %d chunks", len(snap.Chunks))
	}
	if first := snap.Chunks[0].Data; string(first[len(first)-2:]) != "é" {
		t.Errorf("first chunk ends with %q", first[len(first)-2:])
	}
	if string(snap.Chunks[1].Data) != "y" {
		t.Errorf("second chunk = %q", snap.Chunks[1].Data)
	}
}

func TestRuneBoundary(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"abc", 3},
		{"é", 2},
		{"a\xc3", 1},
		{"\xe2\x82", 0},
		{"x\xe2\x82\xac", 4},
		{"\xf0\x9f\x98", 0},
		{"\xff", 1},
		{"\x80\x80\x80\x80\x80", 5},
	}
	for _, tt := range tests {
		if got := RuneBoundary([]byte(tt.in)); got != tt.want {
			t.Errorf("RuneBoundary(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestSnapshotWaitWakesOnAppend(t *testing.T) {
	b := NewBuffer()
	snap := b.ChunksFrom(0)

	select {
	case <-snap.Wait:
		t.Fatal("wait channel closed before any append")
	default:
	}

	go b.Append(FDStdout, []byte("x"))

	select {
	case <-snap.Wait:
	case <-time.After(2 * time.Second):
		t.Fatal("wait channel not closed by Append")
	}

	next := b.ChunksFrom(snap.Next)
	if len(next.Chunks) != 1 || string(next.Chunks[0].Data) != "x" {
		t.Fatalf("chunks after wake = %+v", next.Chunks)
	}
}

func TestSnapshotWaitWakesOnClose(t *testing.T) {
	b := NewBuffer()
	snap := b.ChunksFrom(0)
	b.Close()

	select {
	case <-snap.Wait:
	case <-time.After(2 * time.Second):
		t.Fatal("wait channel not closed by Close")
	}
	if !b.ChunksFrom(0).Closed {
		t.Fatal("snapshot after Close not marked closed")
	}
}

func TestConcurrentReadersSeeOrderedOutput(t *testing.T) {
	b := NewBuffer()
	const writes = 500

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var cursor int64
			var got []byte
			for {
				snap := b.ChunksFrom(cursor)
				for _, c := range snap.Chunks {
					if c.Start != cursor {
						t.Errorf("gap: chunk starts at %d, cursor %d", c.Start, cursor)
						return
					}
					got = append(got, c.Data...)
					cursor = c.End
				}
				if len(snap.Chunks) == 0 {
					if snap.Closed {
						break
					}
					<-snap.Wait
				}
			}
			if len(got) != writes {
				t.Errorf("reader got %d bytes, want %d", len(got), writes)
			}
			for i, c := range got {
				if c != byte('a'+i%26) {
					t.Errorf("byte %d = %q out of order", i, c)
					return
				}
			}
		}()
	}

	for i := range writes {
		fd := FDStdout
		if i%3 == 0 {
			fd = FDStderr
		}
		b.Append(fd, []byte{byte('a' + i%26)})
	}
	b.Close()
	wg.Wait()
}
