package chatstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sablehq/sable/engine/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir + "/chat.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateConversationAndAppendMessage(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	convID, err := s.CreateConversation(ctx, "client-1", "")
	require.NoError(t, err)
	require.NotZero(t, convID)

	m1, err := s.AppendMessage(ctx, convID, AppendMessageParams{Sender: domain.SenderUser, Content: "hello"})
	require.NoError(t, err)
	m2, err := s.AppendMessage(ctx, convID, AppendMessageParams{Sender: domain.SenderAssistant, Content: "hi there"})
	require.NoError(t, err)
	require.Greater(t, m2, m1)

	msgs, err := s.LoadConversation(ctx, convID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "hello", msgs[0].Content)
	require.Equal(t, "hi there", msgs[1].Content)

	convs, err := s.ListConversations(ctx, "client-1")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	require.WithinDuration(t, msgs[1].Timestamp, convs[0].LastMessageAt, time.Second)
}

func TestAppendMessageUnknownConversation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, err := s.AppendMessage(ctx, 999, AppendMessageParams{Sender: domain.SenderUser, Content: "x"})
	require.ErrorIs(t, err, domain.ErrUnknownConversation)
}

func TestDeleteConversationCascades(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	convID, err := s.CreateConversation(ctx, "client-1", "")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, convID, AppendMessageParams{Sender: domain.SenderUser, Content: "hello"})
	require.NoError(t, err)

	traceID, err := s.StartTrace(ctx, convID, "qa", nil)
	require.NoError(t, err)

	require.NoError(t, s.DeleteConversation(ctx, convID, "client-1"))

	msgs, err := s.LoadConversation(ctx, convID)
	require.NoError(t, err)
	require.Empty(t, msgs)

	_, err = s.GetTrace(ctx, traceID)
	require.Error(t, err)
}

func TestDeleteConversationWrongClient(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	convID, err := s.CreateConversation(ctx, "client-1", "")
	require.NoError(t, err)
	err = s.DeleteConversation(ctx, convID, "someone-else")
	require.ErrorIs(t, err, domain.ErrUnknownConversation)
}

func TestTraceEventOrderingAndTerminality(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	convID, _ := s.CreateConversation(ctx, "client-1", "")
	traceID, err := s.StartTrace(ctx, convID, "qa", nil)
	require.NoError(t, err)

	t0 := time.Now().UTC()
	require.NoError(t, s.AppendTraceEvent(ctx, traceID, domain.TraceEvent{Type: domain.EventChunk, Timestamp: t0}))

	// Out-of-order timestamp rejected.
	err = s.AppendTraceEvent(ctx, traceID, domain.TraceEvent{Type: domain.EventChunk, Timestamp: t0.Add(-time.Second)})
	require.ErrorIs(t, err, domain.ErrEventOutOfOrder)

	require.NoError(t, s.AppendTraceEvent(ctx, traceID, domain.TraceEvent{Type: domain.EventDone, Timestamp: t0.Add(time.Millisecond)}))
	require.NoError(t, s.FinishTrace(ctx, traceID, domain.TraceCompleted, 0, map[string]any{"tokens": 42}))

	// No further events once terminal.
	err = s.AppendTraceEvent(ctx, traceID, domain.TraceEvent{Type: domain.EventChunk, Timestamp: t0.Add(2 * time.Millisecond)})
	require.ErrorIs(t, err, domain.ErrTraceTerminal)

	trace, err := s.GetTrace(ctx, traceID)
	require.NoError(t, err)
	require.Equal(t, domain.TraceCompleted, trace.Status)
	require.Len(t, trace.Events, 2)
	require.True(t, trace.Events[len(trace.Events)-1].IsTerminal())
}

func TestFinishTraceOnlyOnce(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	convID, _ := s.CreateConversation(ctx, "client-1", "")
	traceID, _ := s.StartTrace(ctx, convID, "qa", nil)

	require.NoError(t, s.FinishTrace(ctx, traceID, domain.TraceCompleted, 0, nil))
	err := s.FinishTrace(ctx, traceID, domain.TraceFailed, 0, nil)
	require.ErrorIs(t, err, domain.ErrTraceTerminal)
}

func TestABPreferenceWriteOnce(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	convID, _ := s.CreateConversation(ctx, "client-1", "")
	um, _ := s.AppendMessage(ctx, convID, AppendMessageParams{Sender: domain.SenderUser, Content: "q"})
	am, _ := s.AppendMessage(ctx, convID, AppendMessageParams{Sender: domain.SenderAssistant, Content: "a"})
	bm, _ := s.AppendMessage(ctx, convID, AppendMessageParams{Sender: domain.SenderAssistant, Content: "b"})

	compID, err := s.CreateABComparison(ctx, CreateABComparisonParams{
		ConversationID: convID, UserPromptMessageID: um, ResponseAMessageID: am, ResponseBMessageID: bm,
		ConfigA: "model-a", ConfigB: "model-b", IsAFirst: true,
	})
	require.NoError(t, err)

	require.NoError(t, s.RecordABPreference(ctx, compID, domain.PreferenceA))
	err = s.RecordABPreference(ctx, compID, domain.PreferenceB)
	require.ErrorIs(t, err, domain.ErrPreferenceReplay)

	comp, err := s.GetABComparison(ctx, compID)
	require.NoError(t, err)
	require.Equal(t, domain.PreferenceA, comp.Preference)
}

func TestDocumentSelectionDefaultEnabled(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	convID, _ := s.CreateConversation(ctx, "client-1", "")

	enabled, err := s.GetEnabledHashes(ctx, convID, "", []string{"doc-a", "doc-b"})
	require.NoError(t, err)
	require.True(t, enabled["doc-a"])
	require.True(t, enabled["doc-b"])

	require.NoError(t, s.SetDocumentEnabled(ctx, convID, "doc-a", false))
	enabled, err = s.GetEnabledHashes(ctx, convID, "", []string{"doc-a", "doc-b"})
	require.NoError(t, err)
	require.False(t, enabled["doc-a"])
	require.True(t, enabled["doc-b"])

	// Re-enabling returns to the default.
	require.NoError(t, s.SetDocumentEnabled(ctx, convID, "doc-a", true))
	enabled, err = s.GetEnabledHashes(ctx, convID, "", []string{"doc-a"})
	require.NoError(t, err)
	require.True(t, enabled["doc-a"])
}

func TestFeedbackRecorded(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	convID, _ := s.CreateConversation(ctx, "client-1", "")
	mid, err := s.AppendMessage(ctx, convID, AppendMessageParams{Sender: domain.SenderAssistant, Content: "answer"})
	require.NoError(t, err)

	require.NoError(t, s.RecordFeedback(ctx, mid, domain.FeedbackDislike, FeedbackFlags{Unhelpful: true}, "too vague"))

	msgs, err := s.LoadConversation(ctx, convID)
	require.NoError(t, err)
	require.Len(t, msgs[0].Feedback, 1)
	require.Equal(t, domain.FeedbackDislike, msgs[0].Feedback[0].Kind)
	require.True(t, msgs[0].Feedback[0].Unhelpful)
}

func TestConversationLock(t *testing.T) {
	s := openTestStore(t)
	unlock := s.Lock(1)
	done := make(chan struct{})
	go func() {
		unlock2 := s.Lock(1)
		close(done)
		unlock2()
	}()
	select {
	case <-done:
		t.Fatal("second lock acquired while first still held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-done
}
