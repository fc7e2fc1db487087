package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sablehq/sable/engine/domain"
	"github.com/sablehq/sable/pkg/sse"
)

func TestTurnSinkStreamsAndRecords(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	convID, err := s.store.CreateConversation(ctx, "web-1", "")
	require.NoError(t, err)
	traceID, err := s.store.StartTrace(ctx, convID, "agent", nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	writer, err := sse.NewWriter(rec)
	require.NoError(t, err)

	sink := &turnSink{writer: writer, store: s.store, traceID: traceID, conversationID: convID}
	require.NoError(t, sink.Chunk("hello "))
	require.NoError(t, sink.ToolCall("tc-1", "search", map[string]any{"q": "brakes"}, time.Now().UTC()))
	require.NoError(t, sink.ToolOutput("tc-1", "result text", false, 11))
	require.NoError(t, sink.ToolEnd("tc-1", "ok", 40*time.Millisecond))

	body := rec.Body.String()
	require.Contains(t, body, `"type":"chunk"`)
	require.Contains(t, body, `"content":"hello "`)
	require.Contains(t, body, `"tool_name":"search"`)
	require.Contains(t, body, `"tool_call_id":"tc-1"`)
	require.Contains(t, body, `"status":"ok"`)

	tr, err := s.store.GetTrace(ctx, traceID)
	require.NoError(t, err)
	require.Len(t, tr.Events, 4)
	require.Equal(t, domain.EventChunk, tr.Events[0].Type)
	require.Equal(t, domain.EventToolStart, tr.Events[1].Type)
	require.Equal(t, domain.EventToolOutput, tr.Events[2].Type)
	require.Equal(t, domain.EventToolEnd, tr.Events[3].Type)
	for i := 1; i < len(tr.Events); i++ {
		require.False(t, tr.Events[i].Timestamp.Before(tr.Events[i-1].Timestamp))
	}
}

func TestTurnSinkTaggedVariant(t *testing.T) {
	rec := httptest.NewRecorder()
	writer, err := sse.NewWriter(rec)
	require.NoError(t, err)

	// A/B variant sinks carry a tag and no store: wire events must be
	// stamped with the config tag so the client can split the streams.
	sink := &turnSink{writer: writer, conversationID: 7, tag: "model_b"}
	require.NoError(t, sink.Chunk("from b"))

	body := rec.Body.String()
	require.Contains(t, body, `"config_tag":"model_b"`)
	require.Contains(t, body, `"from b"`)
	require.True(t, strings.Contains(body, `"conversation_id":"7"`))
}
