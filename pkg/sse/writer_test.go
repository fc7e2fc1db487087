package sse

import (
	"bufio"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriterFramesDataLines(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	if err := w.Chunk("hello", "conv-1"); err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if err := w.Done("conv-1", 42, 41, "trace-9"); err != nil {
		t.Fatalf("Done: %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	var events []map[string]any
	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		events = append(events, ev)
	}

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %v", len(events), events)
	}
	if events[0]["type"] != "chunk" || events[0]["content"] != "hello" {
		t.Errorf("chunk event = %+v", events[0])
	}
	if events[1]["type"] != "done" || events[1]["trace_id"] != "trace-9" {
		t.Errorf("done event = %+v", events[1])
	}
}
