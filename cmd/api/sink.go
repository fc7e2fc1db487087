package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sablehq/sable/engine/chatstore"
	"github.com/sablehq/sable/engine/domain"
	"github.com/sablehq/sable/pkg/sse"
)

// turnSink fans each pipeline event out to the SSE stream and, when a
// store is configured, to the trace log. A/B variant sinks carry a tag
// ("model_a"/"model_b") and no store — the caller owns the single trace row
// for the paired turn. The tag is added as config_tag to chunk events only;
// tool, error and done events are sent without it.
type turnSink struct {
	writer         *sse.Writer
	store          *chatstore.Store
	traceID        string
	conversationID int64
	userMessageID  int64
	tag            string
}

func (t *turnSink) Chunk(content string) error {
	if t.tag != "" {
		if err := t.writer.Send(map[string]any{
			"type":            "chunk",
			"content":         content,
			"conversation_id": fmt.Sprint(t.conversationID),
			"config_tag":      t.tag,
		}); err != nil {
			return err
		}
	} else if err := t.writer.Chunk(content, fmt.Sprint(t.conversationID)); err != nil {
		return err
	}
	t.record(domain.EventChunk, map[string]any{"content": content})
	return nil
}

func (t *turnSink) ToolCall(toolCallID, toolName string, toolArgs map[string]any, timestamp time.Time) error {
	if err := t.writer.ToolCall(toolCallID, toolName, toolArgs, timestamp.UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}
	t.record(domain.EventToolStart, map[string]any{
		"tool_call_id": toolCallID,
		"tool_name":    toolName,
		"tool_args":    toolArgs,
	})
	return nil
}

func (t *turnSink) ToolOutput(toolCallID, output string, truncated bool, fullLength int) error {
	if err := t.writer.ToolOutput(toolCallID, output, truncated, fullLength); err != nil {
		return err
	}
	t.record(domain.EventToolOutput, map[string]any{
		"tool_call_id": toolCallID,
		"output":       output,
		"truncated":    truncated,
		"full_length":  fullLength,
	})
	return nil
}

func (t *turnSink) ToolEnd(toolCallID, status string, duration time.Duration) error {
	if err := t.writer.ToolEnd(toolCallID, status, duration.Milliseconds()); err != nil {
		return err
	}
	t.record(domain.EventToolEnd, map[string]any{
		"tool_call_id": toolCallID,
		"status":       status,
		"duration_ms":  duration.Milliseconds(),
	})
	return nil
}

func (t *turnSink) Error(status int, message string) error {
	if err := t.writer.Error(status, message); err != nil {
		return err
	}
	t.record(domain.EventError, map[string]any{"status": status, "message": message})
	return nil
}

func (t *turnSink) Done(messageID int64, traceID string) error {
	return t.writer.Done(fmt.Sprint(t.conversationID), messageID, t.userMessageID, traceID)
}

// record appends a trace event, best-effort: a failed trace append must
// not abort a turn that is otherwise streaming fine. The store itself
// rejects out-of-order timestamps and post-terminal events.
func (t *turnSink) record(kind domain.EventType, fields map[string]any) {
	if t.store == nil || t.traceID == "" {
		return
	}
	_ = t.store.AppendTraceEvent(context.Background(), t.traceID, domain.TraceEvent{
		Type:      kind,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	})
}
