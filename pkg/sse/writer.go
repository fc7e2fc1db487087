// Package sse writes Server-Sent Events framing for the chat streaming
// surface: each event is a JSON object on a `data:` line, flushed
// immediately so a client consuming text/event-stream sees tokens as they
// arrive rather than buffered at response-close.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Writer frames JSON-encoded events onto an http.ResponseWriter as
// Server-Sent Events, flushing after every write.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter sets the SSE response headers and returns a Writer. Returns an
// error if the underlying ResponseWriter cannot flush incrementally (a
// reverse proxy or test recorder that buffers the whole body).
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("sse: response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &Writer{w: w, flusher: flusher}, nil
}

// Send marshals payload to JSON and writes it as one `data:` frame.
func (s *Writer) Send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sse: marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Chunk streams one incremental content fragment.
func (s *Writer) Chunk(content, conversationID string) error {
	return s.Send(map[string]any{"type": "chunk", "content": content, "conversation_id": conversationID})
}

// ToolCall announces a tool invocation the agent loop is about to perform.
func (s *Writer) ToolCall(toolCallID, toolName string, toolArgs map[string]any, timestamp string) error {
	return s.Send(map[string]any{
		"type":         "tool_call",
		"tool_call_id": toolCallID,
		"tool_name":    toolName,
		"tool_args":    toolArgs,
		"timestamp":    timestamp,
	})
}

// ToolOutput streams a (possibly truncated) tool result.
func (s *Writer) ToolOutput(toolCallID, output string, truncated bool, fullLength int) error {
	return s.Send(map[string]any{
		"type":         "tool_output",
		"tool_call_id": toolCallID,
		"output":       output,
		"truncated":    truncated,
		"full_length":  fullLength,
	})
}

// ToolEnd reports a tool invocation's terminal status and duration.
func (s *Writer) ToolEnd(toolCallID, status string, durationMs int64) error {
	return s.Send(map[string]any{
		"type":         "tool_end",
		"tool_call_id": toolCallID,
		"status":       status,
		"duration_ms":  durationMs,
	})
}

// Error reports a user-visible failure. The turn's trace is marked failed
// by the caller; Error only notifies the client.
func (s *Writer) Error(status int, message string) error {
	return s.Send(map[string]any{"type": "error", "status": status, "message": message})
}

// Done emits the terminal event carrying the identifiers a client needs to
// fetch the full trace or continue the conversation. userMessageID is the
// id assigned to the user's prompt message this turn; 0 omits the field.
func (s *Writer) Done(conversationID string, messageID, userMessageID int64, traceID string) error {
	ev := map[string]any{
		"type":            "done",
		"conversation_id": conversationID,
		"message_id":      messageID,
		"trace_id":        traceID,
	}
	if userMessageID != 0 {
		ev["user_message_id"] = userMessageID
	}
	return s.Send(ev)
}
