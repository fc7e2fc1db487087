package chatstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sablehq/sable/engine/domain"
)

// StartTrace opens a new Trace row for conversationID in the running
// state, optionally linked to a config tag (used by A/B paired execution
// to distinguish model_a/model_b), and returns its id.
func (s *Store) StartTrace(ctx context.Context, conversationID int64, pipelineName string, config map[string]any) (string, error) {
	traceID := uuid.New().String()
	var configJSON []byte
	if len(config) > 0 {
		var err error
		configJSON, err = json.Marshal(config)
		if err != nil {
			return "", fmt.Errorf("chatstore: marshal trace config: %w", err)
		}
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO traces (trace_id, conversation_id, message_id, pipeline_name, status, config, started_at, last_event_at)
		 VALUES (?, ?, NULL, ?, ?, ?, ?, ?)`,
		traceID, conversationID, pipelineName, domain.TraceRunning, nullBytes(configJSON), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("chatstore: start trace: %w", err)
	}
	return traceID, nil
}

// AppendTraceEvent appends event to traceID's ordered log. Rejects
// events whose timestamp precedes the last appended event, and rejects
// any event once the trace has reached a terminal status.
func (s *Store) AppendTraceEvent(ctx context.Context, traceID string, event domain.TraceEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("chatstore: append trace event: %w", err)
	}
	defer tx.Rollback()

	var status domain.TraceStatus
	var lastEventAt sql.NullTime
	if err := tx.QueryRowContext(ctx,
		`SELECT status, last_event_at FROM traces WHERE trace_id = ?`, traceID,
	).Scan(&status, &lastEventAt); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("chatstore: unknown trace %s", traceID)
		}
		return fmt.Errorf("chatstore: append trace event: %w", err)
	}

	if status != domain.TraceRunning {
		return fmt.Errorf("%w: trace %s is %s", domain.ErrTraceTerminal, traceID, status)
	}
	if lastEventAt.Valid && event.Timestamp.Before(lastEventAt.Time) {
		return fmt.Errorf("%w: trace %s", domain.ErrEventOutOfOrder, traceID)
	}

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM trace_events WHERE trace_id = ?`, traceID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("chatstore: next event seq: %w", err)
	}

	var fieldsJSON []byte
	if len(event.Fields) > 0 {
		fieldsJSON, err = json.Marshal(event.Fields)
		if err != nil {
			return fmt.Errorf("chatstore: marshal event fields: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO trace_events (trace_id, seq, event_type, timestamp, fields) VALUES (?, ?, ?, ?, ?)`,
		traceID, seq, event.Type, event.Timestamp, nullBytes(fieldsJSON),
	); err != nil {
		return fmt.Errorf("chatstore: insert trace event: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE traces SET last_event_at = ? WHERE trace_id = ?`, event.Timestamp, traceID,
	); err != nil {
		return fmt.Errorf("chatstore: update last_event_at: %w", err)
	}

	return tx.Commit()
}

// FinishTrace transitions traceID to a terminal status with totals
// (token counts, duration, etc.), and — when messageID is non-zero —
// links the trace to the assistant message it produced.
func (s *Store) FinishTrace(ctx context.Context, traceID string, status domain.TraceStatus, messageID int64, totals map[string]any) error {
	if status == domain.TraceRunning {
		return fmt.Errorf("chatstore: finish trace requires a terminal status, got %s", status)
	}
	var totalsJSON []byte
	if len(totals) > 0 {
		var err error
		totalsJSON, err = json.Marshal(totals)
		if err != nil {
			return fmt.Errorf("chatstore: marshal trace totals: %w", err)
		}
	}
	now := time.Now().UTC()

	var msgIDArg any
	if messageID != 0 {
		msgIDArg = messageID
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE traces SET status = ?, completed_at = ?, totals = ?, message_id = COALESCE(?, message_id)
		 WHERE trace_id = ? AND status = ?`,
		status, now, nullBytes(totalsJSON), msgIDArg, traceID, domain.TraceRunning,
	)
	if err != nil {
		return fmt.Errorf("chatstore: finish trace: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("chatstore: finish trace: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: trace %s already terminal or unknown", domain.ErrTraceTerminal, traceID)
	}
	return nil
}

// CancelStream marks traceID cancelled. reason, when non-empty, is
// recorded in totals under "cancel_reason".
func (s *Store) CancelStream(ctx context.Context, traceID string, reason string) error {
	totals := map[string]any{}
	if reason != "" {
		totals["cancel_reason"] = reason
	}
	return s.FinishTrace(ctx, traceID, domain.TraceCancelled, 0, totals)
}

// GetTrace loads a trace and its full ordered event log.
func (s *Store) GetTrace(ctx context.Context, traceID string) (domain.Trace, error) {
	var t domain.Trace
	var messageID sql.NullInt64
	var configJSON, totalsJSON sql.NullString
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT trace_id, conversation_id, message_id, pipeline_name, status, totals, started_at, completed_at
		 FROM traces WHERE trace_id = ?`, traceID,
	).Scan(&t.TraceID, &t.ConversationID, &messageID, &t.PipelineName, &t.Status, &totalsJSON, &t.StartedAt, &completedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Trace{}, fmt.Errorf("chatstore: unknown trace %s", traceID)
		}
		return domain.Trace{}, fmt.Errorf("chatstore: get trace: %w", err)
	}
	_ = configJSON
	if messageID.Valid {
		v := messageID.Int64
		t.MessageID = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	if totalsJSON.Valid && totalsJSON.String != "" {
		if err := json.Unmarshal([]byte(totalsJSON.String), &t.Totals); err != nil {
			return domain.Trace{}, fmt.Errorf("chatstore: unmarshal totals: %w", err)
		}
	}

	events, err := s.loadTraceEvents(ctx, traceID)
	if err != nil {
		return domain.Trace{}, err
	}
	t.Events = events
	return t, nil
}

// GetTraceByMessage loads the trace that produced messageID.
func (s *Store) GetTraceByMessage(ctx context.Context, messageID int64) (domain.Trace, error) {
	var traceID string
	if err := s.db.QueryRowContext(ctx,
		`SELECT trace_id FROM traces WHERE message_id = ?`, messageID,
	).Scan(&traceID); err != nil {
		if err == sql.ErrNoRows {
			return domain.Trace{}, fmt.Errorf("chatstore: no trace for message %d", messageID)
		}
		return domain.Trace{}, fmt.Errorf("chatstore: get trace by message: %w", err)
	}
	return s.GetTrace(ctx, traceID)
}

func (s *Store) loadTraceEvents(ctx context.Context, traceID string) ([]domain.TraceEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_type, timestamp, fields FROM trace_events WHERE trace_id = ? ORDER BY seq ASC`, traceID)
	if err != nil {
		return nil, fmt.Errorf("chatstore: load trace events: %w", err)
	}
	defer rows.Close()

	var out []domain.TraceEvent
	for rows.Next() {
		var e domain.TraceEvent
		var fieldsJSON sql.NullString
		if err := rows.Scan(&e.Type, &e.Timestamp, &fieldsJSON); err != nil {
			return nil, fmt.Errorf("chatstore: scan trace event: %w", err)
		}
		if fieldsJSON.Valid && fieldsJSON.String != "" {
			if err := json.Unmarshal([]byte(fieldsJSON.String), &e.Fields); err != nil {
				return nil, fmt.Errorf("chatstore: unmarshal event fields: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
