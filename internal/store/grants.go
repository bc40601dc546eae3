package store

import (
	"context"
	"fmt"
	"time"
)

// GrantRow is the durable mirror of one in-memory grant.
type GrantRow struct {
	ChannelID string
	Path      string
	Mode      string // "ro" | "rw"
	ExpiresAt time.Time
}

func (s *Store) PutGrant(ctx context.Context, g GrantRow) error {
	_, err := s.exec(ctx, `
		INSERT INTO grants (channel_id, path, mode, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(channel_id, path) DO UPDATE SET
			mode = excluded.mode,
			expires_at = excluded.expires_at;
	`, g.ChannelID, g.Path, g.Mode, g.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("put grant: %w", err)
	}
	return nil
}

func (s *Store) DeleteGrant(ctx context.Context, channelID, path string) error {
	if _, err := s.exec(ctx, `DELETE FROM grants WHERE channel_id = ? AND path = ?;`, channelID, path); err != nil {
		return fmt.Errorf("delete grant: %w", err)
	}
	return nil
}

func (s *Store) DeleteChannelGrants(ctx context.Context, channelID string) error {
	if _, err := s.exec(ctx, `DELETE FROM grants WHERE channel_id = ?;`, channelID); err != nil {
		return fmt.Errorf("delete channel grants: %w", err)
	}
	return nil
}

func (s *Store) ListGrants(ctx context.Context, channelID string) ([]GrantRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, path, mode, expires_at FROM grants WHERE channel_id = ?;
	`, channelID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	var out []GrantRow
	for rows.Next() {
		var g GrantRow
		if err := rows.Scan(&g.ChannelID, &g.Path, &g.Mode, &g.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) ListAllGrants(ctx context.Context) ([]GrantRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT channel_id, path, mode, expires_at FROM grants;`)
	if err != nil {
		return nil, fmt.Errorf("list all grants: %w", err)
	}
	defer rows.Close()

	var out []GrantRow
	for rows.Next() {
		var g GrantRow
		if err := rows.Scan(&g.ChannelID, &g.Path, &g.Mode, &g.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// DeleteExpiredGrants removes every grant whose expiry is at or before now.
func (s *Store) DeleteExpiredGrants(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM grants WHERE expires_at <= ?;`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired grants: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
