package chatstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sablehq/sable/engine/domain"
	"github.com/sablehq/sable/pkg/repo"
)

// CreateConversation opens a new conversation. clientID is required and
// sufficient to own a conversation; userID is optional, attached only
// when an upstream identity provider supplied one.
func (s *Store) CreateConversation(ctx context.Context, clientID, userID string) (int64, error) {
	if clientID == "" {
		return 0, fmt.Errorf("chatstore: client_id required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (user_id, client_id, title, created_at, last_message_at)
		 VALUES (?, ?, '', ?, ?)`,
		nullString(userID), clientID, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("chatstore: create conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("chatstore: create conversation: %w", err)
	}
	return id, nil
}

// AppendMessageParams bundles the fields of a new Message row; MessageID
// and Timestamp are assigned by AppendMessage.
type AppendMessageParams struct {
	Sender       domain.Sender
	Content      string
	ModelUsed    string
	PipelineUsed string
	Link         string
	Context      map[string]any
	Partial      bool
}

// AppendMessage appends a message to conversationID and advances
// last_message_at in the same transaction, returning the monotonically
// increasing message id. A non-idempotent write: it is never retried.
func (s *Store) AppendMessage(ctx context.Context, conversationID int64, p AppendMessageParams) (int64, error) {
	var ctxJSON []byte
	if len(p.Context) > 0 {
		var err error
		ctxJSON, err = json.Marshal(p.Context)
		if err != nil {
			return 0, fmt.Errorf("chatstore: marshal message context: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("chatstore: append message: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE conversation_id = ?`, conversationID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("%w: conversation %d", domain.ErrUnknownConversation, conversationID)
		}
		return 0, fmt.Errorf("chatstore: append message: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, sender, content, model_used, pipeline_used, link, context, partial, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conversationID, p.Sender, p.Content, nullString(p.ModelUsed), nullString(p.PipelineUsed),
		nullString(p.Link), nullBytes(ctxJSON), boolToInt(p.Partial), now,
	)
	if err != nil {
		return 0, fmt.Errorf("chatstore: insert message: %w", err)
	}
	messageID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("chatstore: insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = ? WHERE conversation_id = ?`, now, conversationID,
	); err != nil {
		return 0, fmt.Errorf("chatstore: update last_message_at: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("chatstore: append message commit: %w", err)
	}
	return messageID, nil
}

// LoadConversation returns every message of conversationID in insertion
// (message_id) order, each with its feedback summary attached.
func (s *Store) LoadConversation(ctx context.Context, conversationID int64) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, conversation_id, sender, content, model_used, pipeline_used, link, context, partial, timestamp
		 FROM messages WHERE conversation_id = ? ORDER BY message_id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("chatstore: load conversation: %w", err)
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("chatstore: scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatstore: load conversation: %w", err)
	}

	for i := range messages {
		fb, err := s.feedbackForMessage(ctx, messages[i].MessageID)
		if err != nil {
			return nil, err
		}
		messages[i].Feedback = fb
	}
	return messages, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(rows rowScanner) (domain.Message, error) {
	var m domain.Message
	var modelUsed, pipelineUsed, link sql.NullString
	var ctxJSON sql.NullString
	var partial int
	if err := rows.Scan(&m.MessageID, &m.ConversationID, &m.Sender, &m.Content,
		&modelUsed, &pipelineUsed, &link, &ctxJSON, &partial, &m.Timestamp); err != nil {
		return domain.Message{}, err
	}
	m.ModelUsed = modelUsed.String
	m.PipelineUsed = pipelineUsed.String
	m.Link = link.String
	m.Partial = partial != 0
	if ctxJSON.Valid && ctxJSON.String != "" {
		if err := json.Unmarshal([]byte(ctxJSON.String), &m.Context); err != nil {
			return domain.Message{}, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	return m, nil
}

// ListConversations returns clientID's conversations ordered by
// last_message_at descending.
func (s *Store) ListConversations(ctx context.Context, clientID string) ([]domain.Conversation, error) {
	return s.Conversations().List(ctx, repo.ListOpts{
		Filter: map[string]any{"client_id": clientID},
	})
}

// DeleteConversation cascade-deletes messages, traces, feedback, and
// document overrides belonging to conversationID, scoped to clientID so a
// caller cannot delete another client's conversation.
func (s *Store) DeleteConversation(ctx context.Context, conversationID int64, clientID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE conversation_id = ? AND client_id = ?`, conversationID, clientID)
	if err != nil {
		return fmt.Errorf("chatstore: delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("chatstore: delete conversation: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: conversation %d for client %s", domain.ErrUnknownConversation, conversationID, clientID)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
