package chatstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/sablehq/sable/engine/domain"
)

// CreateABComparisonParams bundles the fields of a new A/B comparison
// row, written once both paired pipeline variants have produced their
// responses and before any preference is recorded.
type CreateABComparisonParams struct {
	ConversationID      int64
	UserPromptMessageID int64
	ResponseAMessageID  int64
	ResponseBMessageID  int64
	ConfigA             string
	ConfigB             string
	IsAFirst            bool
}

// CreateABComparison inserts a pending comparison row (preference unset)
// and returns its id.
func (s *Store) CreateABComparison(ctx context.Context, p CreateABComparisonParams) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ab_comparisons
		   (comparison_id, conversation_id, user_prompt_message_id, response_a_message_id,
		    response_b_message_id, config_a, config_b, is_a_first, preference)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, '')`,
		id, p.ConversationID, p.UserPromptMessageID, p.ResponseAMessageID, p.ResponseBMessageID,
		p.ConfigA, p.ConfigB, boolToInt(p.IsAFirst),
	)
	if err != nil {
		return "", fmt.Errorf("chatstore: create ab comparison: %w", err)
	}
	return id, nil
}

// RecordABPreference records a write-once preference: the first call to
// succeed; every subsequent call for the same comparisonID is rejected
// with domain.ErrPreferenceReplay regardless of which value it carries.
func (s *Store) RecordABPreference(ctx context.Context, comparisonID string, preference domain.Preference) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ab_comparisons SET preference = ? WHERE comparison_id = ? AND preference = ''`,
		preference, comparisonID,
	)
	if err != nil {
		return fmt.Errorf("chatstore: record ab preference: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("chatstore: record ab preference: %w", err)
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM ab_comparisons WHERE comparison_id = ?`, comparisonID).Scan(&exists); err == sql.ErrNoRows {
			return fmt.Errorf("chatstore: unknown ab comparison %s", comparisonID)
		}
		return fmt.Errorf("%w: comparison %s", domain.ErrPreferenceReplay, comparisonID)
	}
	return nil
}

// GetABComparison loads a comparison row by id.
func (s *Store) GetABComparison(ctx context.Context, comparisonID string) (domain.ABComparison, error) {
	var c domain.ABComparison
	var isAFirst int
	err := s.db.QueryRowContext(ctx,
		`SELECT comparison_id, conversation_id, user_prompt_message_id, response_a_message_id,
		        response_b_message_id, config_a, config_b, is_a_first, preference
		 FROM ab_comparisons WHERE comparison_id = ?`, comparisonID,
	).Scan(&c.ComparisonID, &c.ConversationID, &c.UserPromptMessageID, &c.ResponseAMessageID,
		&c.ResponseBMessageID, &c.ConfigA, &c.ConfigB, &isAFirst, &c.Preference)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.ABComparison{}, fmt.Errorf("chatstore: unknown ab comparison %s", comparisonID)
		}
		return domain.ABComparison{}, fmt.Errorf("chatstore: get ab comparison: %w", err)
	}
	c.IsAFirst = isAFirst != 0
	return c, nil
}
