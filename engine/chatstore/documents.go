package chatstore

import (
	"context"
	"fmt"

	"github.com/sablehq/sable/engine/index"
)

// SetDocumentEnabled records a per-conversation deviation from the
// default (enabled=true) document visibility. Only deviations are stored
// — re-enabling a document removes the override row entirely rather than
// storing enabled=1, so the default layer stays authoritative once a
// conversation's explicit state matches it again.
func (s *Store) SetDocumentEnabled(ctx context.Context, conversationID int64, resourceHash string, enabled bool) error {
	if enabled {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM document_selections WHERE conversation_id = ? AND resource_hash = ?`,
			conversationID, resourceHash)
		if err != nil {
			return fmt.Errorf("chatstore: clear document override: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_selections (conversation_id, resource_hash, enabled) VALUES (?, ?, 0)
		 ON CONFLICT(conversation_id, resource_hash) DO UPDATE SET enabled = 0`,
		conversationID, resourceHash)
	if err != nil {
		return fmt.Errorf("chatstore: set document disabled: %w", err)
	}
	return nil
}

// BulkSetDocumentEnabled applies SetDocumentEnabled to every hash in
// resourceHashes, backing /documents/bulk-enable and
// /documents/bulk-disable.
func (s *Store) BulkSetDocumentEnabled(ctx context.Context, conversationID int64, resourceHashes []string, enabled bool) error {
	for _, h := range resourceHashes {
		if err := s.SetDocumentEnabled(ctx, conversationID, h, enabled); err != nil {
			return err
		}
	}
	return nil
}

// SetUserDocumentDefault sets the per-user default layer that overrides
// the system default (enabled=true) when no per-conversation deviation
// exists; the per-conversation layer always wins when present.
func (s *Store) SetUserDocumentDefault(ctx context.Context, userID, resourceHash string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_document_defaults (user_id, resource_hash, enabled) VALUES (?, ?, ?)
		 ON CONFLICT(user_id, resource_hash) DO UPDATE SET enabled = excluded.enabled`,
		userID, resourceHash, boolToInt(enabled))
	if err != nil {
		return fmt.Errorf("chatstore: set user document default: %w", err)
	}
	return nil
}

// GetEnabledHashes returns the effective enabled/disabled resource hashes
// for conversationID out of allHashes: per-conversation overrides win,
// then the user's default layer, then the system default of enabled=true.
func (s *Store) GetEnabledHashes(ctx context.Context, conversationID int64, userID string, allHashes []string) (map[string]bool, error) {
	userDefaults, err := s.userDefaults(ctx, userID)
	if err != nil {
		return nil, err
	}
	overrides, err := s.conversationOverrides(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	out := make(map[string]bool, len(allHashes))
	for _, h := range allHashes {
		enabled := true
		if v, ok := userDefaults[h]; ok {
			enabled = v
		}
		if v, ok := overrides[h]; ok {
			enabled = v
		}
		out[h] = enabled
	}
	return out, nil
}

// Filter builds an index.Filter closed over conversationID's effective
// document selection, for direct use by engine/index.HybridSearcher.
func (s *Store) Filter(ctx context.Context, conversationID int64, userID string) (index.Filter, error) {
	userDefaults, err := s.userDefaults(ctx, userID)
	if err != nil {
		return nil, err
	}
	overrides, err := s.conversationOverrides(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return func(resourceHash string) bool {
		enabled := true
		if v, ok := userDefaults[resourceHash]; ok {
			enabled = v
		}
		if v, ok := overrides[resourceHash]; ok {
			enabled = v
		}
		return enabled
	}, nil
}

func (s *Store) conversationOverrides(ctx context.Context, conversationID int64) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT resource_hash, enabled FROM document_selections WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("chatstore: load document overrides: %w", err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var hash string
		var enabled int
		if err := rows.Scan(&hash, &enabled); err != nil {
			return nil, fmt.Errorf("chatstore: scan document override: %w", err)
		}
		out[hash] = enabled != 0
	}
	return out, rows.Err()
}

func (s *Store) userDefaults(ctx context.Context, userID string) (map[string]bool, error) {
	out := make(map[string]bool)
	if userID == "" {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT resource_hash, enabled FROM user_document_defaults WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("chatstore: load user document defaults: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var hash string
		var enabled int
		if err := rows.Scan(&hash, &enabled); err != nil {
			return nil, fmt.Errorf("chatstore: scan user document default: %w", err)
		}
		out[hash] = enabled != 0
	}
	return out, rows.Err()
}
