package recorder

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"askbridge/internal/stream"
)

func TestRecorderRotation(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(dir, 3)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		tr, err := r.Begin("req")
		if err != nil {
			t.Fatal(err)
		}
		tr.Note("request", map[string]string{"query": "hello"})
		_ = tr.Close()
		time.Sleep(10 * time.Millisecond)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Errorf("expected 3 files, got %d", len(entries))
	}
}

func TestTraceEvents(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	tr, err := r.Begin("a/b")
	if err != nil {
		t.Fatal(err)
	}
	tr.Event(stream.RawEvent{Seq: 2, Marker: "message", Data: []byte(`{"text":"x"}`)})
	tr.Note("status", 200)
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	tr.Note("late", nil) // after close: ignored

	if filepath.Dir(tr.Path()) != dir {
		t.Errorf("trace written outside dir: %s", tr.Path())
	}
	f, err := os.Open(tr.Path())
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var lines []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		lines = append(lines, e)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0].Type != "event" || lines[0].Seq != 2 || lines[0].Raw != `{"text":"x"}` || lines[0].RequestID != "a/b" {
		t.Errorf("unexpected event line %+v", lines[0])
	}
}

func TestNilTraceIsNoop(t *testing.T) {
	var tr *Trace
	tr.Event(stream.RawEvent{})
	tr.Note("x", 1)
	if err := tr.Close(); err != nil {
		t.Error(err)
	}
}
