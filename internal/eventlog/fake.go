package eventlog

import (
	"maps"
	"sync"
)

// Record is one entry captured by FakeSink.
type Record struct {
	Message string
	Fields  map[string]string
}

// FakeSink is an in-memory Sink for tests.
type FakeSink struct {
	mu      sync.Mutex
	records []Record
}

// NewFakeSink creates an empty FakeSink.
func NewFakeSink() *FakeSink {
	return &FakeSink{}
}

func (f *FakeSink) Write(message string, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, Record{Message: message, Fields: maps.Clone(fields)})
	return nil
}

// Records returns a copy of everything written so far.
func (f *FakeSink) Records() []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Record, len(f.records))
	copy(out, f.records)
	return out
}

// Events returns the records whose EXECD_EVENT field equals kind.
func (f *FakeSink) Events(kind string) []Record {
	var out []Record
	for _, r := range f.Records() {
		if r.Fields[FieldEvent] == kind {
			out = append(out, r)
		}
	}
	return out
}
