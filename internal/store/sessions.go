package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SessionRow mirrors one channel's durable session state.
type SessionRow struct {
	ChannelID     string
	Project       string
	WorkspacePath string
	BaseBranch    string
	AgentBranch   string
	Status        string // "idle" | "working"
	Paused        bool
	Model         string
	LastActivity  time.Time
}

var ErrNotFound = errors.New("not found")

func (s *Store) UpsertSession(ctx context.Context, row SessionRow) error {
	_, err := s.exec(ctx, `
		INSERT INTO sessions (channel_id, project, workspace_path, base_branch, agent_branch, status, paused, model, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			project = excluded.project,
			workspace_path = excluded.workspace_path,
			base_branch = excluded.base_branch,
			agent_branch = excluded.agent_branch,
			status = excluded.status,
			paused = excluded.paused,
			model = excluded.model,
			last_activity = excluded.last_activity;
	`, row.ChannelID, row.Project, row.WorkspacePath, row.BaseBranch, row.AgentBranch,
		row.Status, boolToInt(row.Paused), row.Model, row.LastActivity.UTC())
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, channelID string) (SessionRow, error) {
	st, err := s.stmt(ctx, `
		SELECT channel_id, project, workspace_path, base_branch, agent_branch, status, paused, model, last_activity
		FROM sessions WHERE channel_id = ?;
	`)
	if err != nil {
		return SessionRow{}, err
	}
	row, err := scanSession(st.QueryRowContext(ctx, channelID))
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRow{}, ErrNotFound
	}
	return row, err
}

func (s *Store) ListSessions(ctx context.Context) ([]SessionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, project, workspace_path, base_branch, agent_branch, status, paused, model, last_activity
		FROM sessions ORDER BY channel_id;
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		row, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSession(ctx context.Context, channelID string) error {
	if _, err := s.exec(ctx, `DELETE FROM sessions WHERE channel_id = ?;`, channelID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *Store) SetSessionStatus(ctx context.Context, channelID, status string) error {
	if _, err := s.exec(ctx, `
		UPDATE sessions SET status = ?, last_activity = CURRENT_TIMESTAMP WHERE channel_id = ?;
	`, status, channelID); err != nil {
		return fmt.Errorf("set session status: %w", err)
	}
	return nil
}

func (s *Store) SetSessionPaused(ctx context.Context, channelID string, paused bool) error {
	if _, err := s.exec(ctx, `UPDATE sessions SET paused = ? WHERE channel_id = ?;`, boolToInt(paused), channelID); err != nil {
		return fmt.Errorf("set session paused: %w", err)
	}
	return nil
}

func (s *Store) SetSessionModel(ctx context.Context, channelID, model string) error {
	if _, err := s.exec(ctx, `UPDATE sessions SET model = ? WHERE channel_id = ?;`, model, channelID); err != nil {
		return fmt.Errorf("set session model: %w", err)
	}
	return nil
}

// ResetWorkingSessions flips every working session back to idle and returns
// the affected channel ids. Runs once at boot before any queue starts.
func (s *Store) ResetWorkingSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT channel_id FROM sessions WHERE status = 'working';`)
	if err != nil {
		return nil, fmt.Errorf("query working sessions: %w", err)
	}
	var channels []string
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			rows.Close()
			return nil, err
		}
		channels = append(channels, ch)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		return nil, nil
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = 'idle' WHERE status = 'working';`); err != nil {
		return nil, fmt.Errorf("reset working sessions: %w", err)
	}
	return channels, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (SessionRow, error) {
	var row SessionRow
	var paused int
	if err := r.Scan(&row.ChannelID, &row.Project, &row.WorkspacePath, &row.BaseBranch,
		&row.AgentBranch, &row.Status, &paused, &row.Model, &row.LastActivity); err != nil {
		return SessionRow{}, err
	}
	row.Paused = paused != 0
	return row, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
