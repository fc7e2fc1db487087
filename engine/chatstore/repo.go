package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sablehq/sable/engine/domain"
	"github.com/sablehq/sable/pkg/repo"
)

// ConversationRepo adapts the conversations table to the generic
// repo.Repository contract for callers (admin tooling, list endpoints)
// that want plain CRUD rather than the turn-oriented accessors. Messages
// are append-only, so Update mutates the title — the one attribute a
// committed conversation may change.
type ConversationRepo struct {
	s *Store
}

var _ repo.Repository[domain.Conversation, int64] = (*ConversationRepo)(nil)

// Conversations returns the CRUD view over this store's conversations.
func (s *Store) Conversations() *ConversationRepo {
	return &ConversationRepo{s: s}
}

func (r *ConversationRepo) Get(ctx context.Context, id int64) (domain.Conversation, error) {
	row := r.s.db.QueryRowContext(ctx,
		`SELECT conversation_id, user_id, client_id, title, created_at, last_message_at
		 FROM conversations WHERE conversation_id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return domain.Conversation{}, fmt.Errorf("%w: conversation %d", domain.ErrUnknownConversation, id)
	}
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("chatstore: get conversation: %w", err)
	}
	return c, nil
}

// List returns conversations ordered by last_message_at descending.
// opts.Filter recognizes "client_id" and "user_id"; opts.Limit <= 0 means
// unbounded.
func (r *ConversationRepo) List(ctx context.Context, opts repo.ListOpts) ([]domain.Conversation, error) {
	query := `SELECT conversation_id, user_id, client_id, title, created_at, last_message_at
	          FROM conversations`
	var args []any
	var where []string
	if v, ok := opts.Filter["client_id"].(string); ok && v != "" {
		where = append(where, "client_id = ?")
		args = append(args, v)
	}
	if v, ok := opts.Filter["user_id"].(string); ok && v != "" {
		where = append(where, "user_id = ?")
		args = append(args, v)
	}
	for i, w := range where {
		if i == 0 {
			query += " WHERE " + w
		} else {
			query += " AND " + w
		}
	}
	query += " ORDER BY last_message_at DESC"
	limit := opts.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, opts.Offset)

	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("chatstore: list conversations: %w", err)
	}
	defer rows.Close()

	var out []domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("chatstore: scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *ConversationRepo) Create(ctx context.Context, c domain.Conversation) (domain.Conversation, error) {
	if c.ClientID == "" {
		return domain.Conversation{}, fmt.Errorf("chatstore: client_id required")
	}
	now := time.Now().UTC()
	res, err := r.s.db.ExecContext(ctx,
		`INSERT INTO conversations (user_id, client_id, title, created_at, last_message_at)
		 VALUES (?, ?, ?, ?, ?)`,
		nullString(c.UserID), c.ClientID, c.Title, now, now,
	)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("chatstore: create conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("chatstore: create conversation: %w", err)
	}
	c.ConversationID = id
	c.CreatedAt = now
	c.LastMessageAt = now
	return c, nil
}

func (r *ConversationRepo) Update(ctx context.Context, c domain.Conversation) (domain.Conversation, error) {
	res, err := r.s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ? WHERE conversation_id = ?`, c.Title, c.ConversationID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("chatstore: update conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("chatstore: update conversation: %w", err)
	}
	if n == 0 {
		return domain.Conversation{}, fmt.Errorf("%w: conversation %d", domain.ErrUnknownConversation, c.ConversationID)
	}
	return r.Get(ctx, c.ConversationID)
}

// Delete removes a conversation by id, cascading to messages, traces,
// feedback, and document overrides. Unlike Store.DeleteConversation it is
// not scoped to a client — ownership checks belong to the HTTP layer that
// uses the scoped accessor.
func (r *ConversationRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE conversation_id = ?`, id)
	if err != nil {
		return fmt.Errorf("chatstore: delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("chatstore: delete conversation: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: conversation %d", domain.ErrUnknownConversation, id)
	}
	return nil
}

func scanConversation(row rowScanner) (domain.Conversation, error) {
	var c domain.Conversation
	var userID sql.NullString
	if err := row.Scan(&c.ConversationID, &userID, &c.ClientID, &c.Title, &c.CreatedAt, &c.LastMessageAt); err != nil {
		return domain.Conversation{}, err
	}
	c.UserID = userID.String
	return c, nil
}
