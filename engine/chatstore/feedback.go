package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sablehq/sable/engine/domain"
)

// FeedbackFlags carries the three boolean flags a feedback row may set.
type FeedbackFlags struct {
	Incorrect     bool
	Unhelpful     bool
	Inappropriate bool
}

// RecordFeedback attaches a feedback row to messageID. At most one row per
// (message_id, feedback_ts) exists; a caller submitting feedback again
// within the same timestamp resolution overwrites via upsert rather than
// accumulating duplicate rows.
func (s *Store) RecordFeedback(ctx context.Context, messageID int64, kind domain.FeedbackKind, flags FeedbackFlags, text string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (message_id, feedback_ts, kind, incorrect, unhelpful, inappropriate, text)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(message_id, feedback_ts) DO UPDATE SET
		   kind=excluded.kind, incorrect=excluded.incorrect, unhelpful=excluded.unhelpful,
		   inappropriate=excluded.inappropriate, text=excluded.text`,
		messageID, now, kind, boolToInt(flags.Incorrect), boolToInt(flags.Unhelpful), boolToInt(flags.Inappropriate), nullString(text),
	)
	if err != nil {
		return fmt.Errorf("chatstore: record feedback: %w", err)
	}
	return nil
}

func (s *Store) feedbackForMessage(ctx context.Context, messageID int64) ([]domain.Feedback, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, feedback_ts, kind, incorrect, unhelpful, inappropriate, text
		 FROM feedback WHERE message_id = ? ORDER BY feedback_ts ASC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("chatstore: load feedback: %w", err)
	}
	defer rows.Close()

	var out []domain.Feedback
	for rows.Next() {
		var f domain.Feedback
		var incorrect, unhelpful, inappropriate int
		var text sql.NullString
		if err := rows.Scan(&f.MessageID, &f.FeedbackTS, &f.Kind, &incorrect, &unhelpful, &inappropriate, &text); err != nil {
			return nil, fmt.Errorf("chatstore: scan feedback: %w", err)
		}
		f.Incorrect = incorrect != 0
		f.Unhelpful = unhelpful != 0
		f.Inappropriate = inappropriate != 0
		f.Text = text.String
		out = append(out, f)
	}
	return out, rows.Err()
}
