// Package emitter routes (tag, time, record) triples to output sinks.
package emitter

import (
	"errors"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Emitter accepts records for downstream routing. ts is epoch seconds.
type Emitter interface {
	Emit(tag string, ts int64, record map[string]any) error
}

// Record is one emitted triple plus a sortable unique id.
type Record struct {
	ID   string         `json:"id"`
	Tag  string         `json:"tag"`
	Time int64          `json:"time"`
	Data map[string]any `json:"record"`
}

// Sink receives fully formed records.
type Sink interface {
	Write(rec Record) error
}

// Dispatcher assigns ids and writes each record to every sink.
type Dispatcher struct {
	sinks []Sink
	newID func() string
}

var _ Emitter = (*Dispatcher)(nil)

func NewDispatcher(sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		sinks: sinks,
		newID: func() string { return ulid.Make().String() },
	}
}

// Emit writes to all sinks even when one fails; the failures are joined.
func (d *Dispatcher) Emit(tag string, ts int64, record map[string]any) error {
	rec := Record{ID: d.newID(), Tag: tag, Time: ts, Data: record}
	var errs []error
	for _, s := range d.sinks {
		if err := s.Write(rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps emitted records in memory.
type Recorder struct {
	mu      sync.Mutex
	records []Record
	// Err, when set, is returned by Emit and the record is dropped.
	Err error
}

var _ Emitter = (*Recorder)(nil)

func (r *Recorder) Emit(tag string, ts int64, record map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.records = append(r.records, Record{ID: ulid.Make().String(), Tag: tag, Time: ts, Data: record})
	return nil
}

// Records returns a copy of everything emitted so far.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}

// ByTag returns the records emitted with tag.
func (r *Recorder) ByTag(tag string) []Record {
	var out []Record
	for _, rec := range r.Records() {
		if rec.Tag == tag {
			out = append(out, rec)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.records = nil
	r.mu.Unlock()
}

// SetErr changes the error returned by Emit.
func (r *Recorder) SetErr(err error) {
	r.mu.Lock()
	r.Err = err
	r.mu.Unlock()
}
