package store

import (
	"context"
	"fmt"
)

// Responders authorize non-admin users to answer agent questions in a channel.

func (s *Store) AddResponder(ctx context.Context, channelID, userID string) error {
	_, err := s.exec(ctx, `
		INSERT INTO responders (channel_id, user_id) VALUES (?, ?)
		ON CONFLICT(channel_id, user_id) DO NOTHING;
	`, channelID, userID)
	if err != nil {
		return fmt.Errorf("add responder: %w", err)
	}
	return nil
}

func (s *Store) RemoveResponder(ctx context.Context, channelID, userID string) error {
	if _, err := s.exec(ctx, `DELETE FROM responders WHERE channel_id = ? AND user_id = ?;`, channelID, userID); err != nil {
		return fmt.Errorf("remove responder: %w", err)
	}
	return nil
}

func (s *Store) ListResponders(ctx context.Context, channelID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM responders WHERE channel_id = ?;`, channelID)
	if err != nil {
		return nil, fmt.Errorf("list responders: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) IsResponder(ctx context.Context, channelID, userID string) (bool, error) {
	st, err := s.stmt(ctx, `SELECT COUNT(1) FROM responders WHERE channel_id = ? AND user_id = ?;`)
	if err != nil {
		return false, err
	}
	var n int
	if err := st.QueryRowContext(ctx, channelID, userID).Scan(&n); err != nil {
		return false, fmt.Errorf("is responder: %w", err)
	}
	return n > 0, nil
}
