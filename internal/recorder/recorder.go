// Package recorder writes per-request JSONL traces of the raw answer stream so
// schema drift can be diagnosed after the fact.
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"askbridge/internal/stream"
)

const (
	DefaultKeep = 3
	filePrefix  = "trace_"
	fileExt     = ".jsonl"
)

// Entry is one line of a trace file.
type Entry struct {
	Timestamp time.Time   `json:"ts"`
	Type      string      `json:"type"`
	RequestID string      `json:"request_id"`
	Seq       int         `json:"seq,omitempty"`
	Marker    string      `json:"marker,omitempty"`
	Raw       string      `json:"raw,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Recorder owns the trace directory and its rotation.
type Recorder struct {
	mu   sync.Mutex
	dir  string
	keep int
}

// NewRecorder ensures dir exists. keep <= 0 means DefaultKeep.
func NewRecorder(dir string, keep int) (*Recorder, error) {
	if dir == "" {
		return nil, fmt.Errorf("trace dir required")
	}
	if keep <= 0 {
		keep = DefaultKeep
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &Recorder{dir: dir, keep: keep}, nil
}

// Dir is the trace directory.
func (r *Recorder) Dir() string { return r.dir }

// Begin rotates old traces and opens a new one for requestID.
func (r *Recorder) Begin(requestID string) (*Trace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.rotate(); err != nil {
		return nil, fmt.Errorf("rotate traces: %w", err)
	}
	name := fmt.Sprintf("%s%s_%d%s", filePrefix, sanitize(requestID), time.Now().UnixNano(), fileExt)
	f, err := os.OpenFile(filepath.Join(r.dir, name), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	return &Trace{file: f, enc: json.NewEncoder(f), requestID: requestID, path: f.Name()}, nil
}

// rotate keeps the newest keep-1 traces to make room for the next one.
func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return err
	}
	type traceFile struct {
		name string
		mod  time.Time
	}
	var traces []traceFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), filePrefix) || filepath.Ext(e.Name()) != fileExt {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, traceFile{e.Name(), info.ModTime()})
	}
	sort.Slice(traces, func(i, j int) bool {
		if traces[i].mod.Equal(traces[j].mod) {
			return traces[i].name > traces[j].name
		}
		return traces[i].mod.After(traces[j].mod)
	})
	for i := r.keep - 1; i < len(traces); i++ {
		_ = os.Remove(filepath.Join(r.dir, traces[i].name))
	}
	return nil
}

// Trace is one request's trace file. A nil *Trace is a valid no-op.
type Trace struct {
	mu        sync.Mutex
	file      *os.File
	enc       *json.Encoder
	requestID string
	path      string
}

// Path of the trace file.
func (t *Trace) Path() string {
	if t == nil {
		return ""
	}
	return t.path
}

// Event records one raw stream payload.
func (t *Trace) Event(ev stream.RawEvent) {
	t.write(Entry{Type: "event", Seq: ev.Seq, Marker: ev.Marker, Raw: string(ev.Data)})
}

// Note records anything else: request metadata, status, the final answer.
func (t *Trace) Note(kind string, data interface{}) {
	t.write(Entry{Type: kind, Data: data})
}

func (t *Trace) write(e Entry) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enc == nil {
		return
	}
	e.Timestamp = time.Now()
	e.RequestID = t.requestID
	_ = t.enc.Encode(e)
}

// Close finishes the trace.
func (t *Trace) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	t.enc = nil
	return err
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '_'
		}
	}, id)
}
