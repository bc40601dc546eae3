package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RepoOverride points a channel at a repository other than the default.
type RepoOverride struct {
	ChannelID string
	RemoteURL string
	RepoPath  string
	Project   string
}

// SetRepoOverride records the override and drops any branch override for the
// channel: a branch name is only meaningful against its repo.
func (s *Store) SetRepoOverride(ctx context.Context, o RepoOverride) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin repo override: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO repo_overrides (channel_id, remote_url, repo_path, project)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			remote_url = excluded.remote_url,
			repo_path = excluded.repo_path,
			project = excluded.project;
	`, o.ChannelID, o.RemoteURL, o.RepoPath, o.Project); err != nil {
		return fmt.Errorf("set repo override: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM branch_overrides WHERE channel_id = ?;`, o.ChannelID); err != nil {
		return fmt.Errorf("clear branch override: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetRepoOverride(ctx context.Context, channelID string) (RepoOverride, error) {
	st, err := s.stmt(ctx, `
		SELECT channel_id, remote_url, repo_path, project FROM repo_overrides WHERE channel_id = ?;
	`)
	if err != nil {
		return RepoOverride{}, err
	}
	var o RepoOverride
	err = st.QueryRowContext(ctx, channelID).Scan(&o.ChannelID, &o.RemoteURL, &o.RepoPath, &o.Project)
	if errors.Is(err, sql.ErrNoRows) {
		return RepoOverride{}, ErrNotFound
	}
	return o, err
}

func (s *Store) DeleteRepoOverride(ctx context.Context, channelID string) error {
	if _, err := s.exec(ctx, `DELETE FROM repo_overrides WHERE channel_id = ?;`, channelID); err != nil {
		return fmt.Errorf("delete repo override: %w", err)
	}
	return nil
}

func (s *Store) SetBranchOverride(ctx context.Context, channelID, branch string) error {
	_, err := s.exec(ctx, `
		INSERT INTO branch_overrides (channel_id, branch) VALUES (?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET branch = excluded.branch;
	`, channelID, branch)
	if err != nil {
		return fmt.Errorf("set branch override: %w", err)
	}
	return nil
}

func (s *Store) GetBranchOverride(ctx context.Context, channelID string) (string, error) {
	st, err := s.stmt(ctx, `SELECT branch FROM branch_overrides WHERE channel_id = ?;`)
	if err != nil {
		return "", err
	}
	var branch string
	err = st.QueryRowContext(ctx, channelID).Scan(&branch)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return branch, err
}

func (s *Store) DeleteBranchOverride(ctx context.Context, channelID string) error {
	if _, err := s.exec(ctx, `DELETE FROM branch_overrides WHERE channel_id = ?;`, channelID); err != nil {
		return fmt.Errorf("delete branch override: %w", err)
	}
	return nil
}
