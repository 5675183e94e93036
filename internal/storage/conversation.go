package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// sequenceLayout is a fixed-width UTC timestamp, so sequence keys sort
// chronologically as strings.
const sequenceLayout = "2006-01-02T15:04:05.000000000Z"

// SequenceKey builds the "<timestamp>_<role>" key a turn is stored under.
func SequenceKey(at time.Time, role string) string {
	return at.UTC().Format(sequenceLayout) + "_" + role
}

// AppendTurn stores one conversation turn. SequenceKey and CreatedAt are
// filled in when empty.
func (s *Store) AppendTurn(ctx context.Context, turn Turn) error {
	if turn.ConversationID == "" {
		return fmt.Errorf("appending turn: empty conversation id")
	}
	if turn.Role != RoleUser && turn.Role != RoleAssistant {
		return fmt.Errorf("appending turn: invalid role %q", turn.Role)
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	if turn.SequenceKey == "" {
		turn.SequenceKey = SequenceKey(turn.CreatedAt, turn.Role)
	}
	sources := turn.Sources
	if sources == nil {
		sources = []SourceRef{}
	}
	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("encoding sources: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversation_turns (conversation_id, sequence_key, role, text, sources, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		turn.ConversationID, turn.SequenceKey, turn.Role, turn.Text, string(sourcesJSON),
		turn.CreatedAt.UTC().Format(sequenceLayout),
	)
	if err != nil {
		return fmt.Errorf("writing %s turn for conversation %s: %w", turn.Role, turn.ConversationID, err)
	}
	return nil
}

// ListTurns returns the turns of a conversation in sequence order. An unknown
// conversation yields ErrNotFound.
func (s *Store) ListTurns(ctx context.Context, conversationID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, sequence_key, role, text, sources, created_at
		FROM conversation_turns WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying conversation %s: %w", conversationID, err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var sources, createdAt string
		if err := rows.Scan(&t.ConversationID, &t.SequenceKey, &t.Role, &t.Text, &sources, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		if err := json.Unmarshal([]byte(sources), &t.Sources); err != nil {
			return nil, fmt.Errorf("decoding sources of turn %s: %w", t.SequenceKey, err)
		}
		if t.CreatedAt, err = time.Parse(sequenceLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at of turn %s: %w", t.SequenceKey, err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return nil, ErrNotFound
	}
	return turns, nil
}
