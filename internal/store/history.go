package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Task history statuses.
const (
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskAborted   = "aborted"
)

type TaskHistoryRow struct {
	ID          string
	ChannelID   string
	Prompt      string
	Status      string
	StartedAt   time.Time
	CompletedAt *time.Time
	TimeoutMS   *int64
	SubmitterID string
}

func (s *Store) InsertTaskRun(ctx context.Context, row TaskHistoryRow) error {
	var timeout any
	if row.TimeoutMS != nil {
		timeout = *row.TimeoutMS
	}
	_, err := s.exec(ctx, `
		INSERT INTO task_history (id, channel_id, prompt, status, started_at, timeout_ms, submitter_id)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, row.ID, row.ChannelID, row.Prompt, TaskRunning, row.StartedAt.UTC(), timeout, row.SubmitterID)
	if err != nil {
		return fmt.Errorf("insert task run: %w", err)
	}
	return nil
}

// CompleteTaskRun terminalizes a running row. Completing an already-terminal
// row is a no-op so stale callbacks cannot rewrite history.
func (s *Store) CompleteTaskRun(ctx context.Context, id, status string, at time.Time) error {
	switch status {
	case TaskCompleted, TaskFailed, TaskAborted:
	default:
		return fmt.Errorf("invalid terminal status %q", status)
	}
	_, err := s.exec(ctx, `
		UPDATE task_history SET status = ?, completed_at = ?
		WHERE id = ? AND status = 'running';
	`, status, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("complete task run: %w", err)
	}
	return nil
}

// AbortRunningTasks terminalizes every running row as aborted and returns
// the affected rows (boot crash recovery).
func (s *Store) AbortRunningTasks(ctx context.Context) ([]TaskHistoryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, prompt, status, started_at, completed_at, timeout_ms, submitter_id
		FROM task_history WHERE status = 'running';
	`)
	if err != nil {
		return nil, fmt.Errorf("query running tasks: %w", err)
	}
	var out []TaskHistoryRow
	for rows.Next() {
		row, err := scanTaskRow(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE task_history SET status = 'aborted', completed_at = CURRENT_TIMESTAMP
		WHERE status = 'running';
	`); err != nil {
		return nil, fmt.Errorf("abort running tasks: %w", err)
	}
	return out, nil
}

func (s *Store) GetTaskRun(ctx context.Context, id string) (TaskHistoryRow, error) {
	st, err := s.stmt(ctx, `
		SELECT id, channel_id, prompt, status, started_at, completed_at, timeout_ms, submitter_id
		FROM task_history WHERE id = ?;
	`)
	if err != nil {
		return TaskHistoryRow{}, err
	}
	row, err := scanTaskRow(st.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return TaskHistoryRow{}, ErrNotFound
	}
	return row, err
}

// LastPrompt returns the most recent prompt recorded for a channel.
func (s *Store) LastPrompt(ctx context.Context, channelID string) (string, error) {
	st, err := s.stmt(ctx, `
		SELECT prompt FROM task_history WHERE channel_id = ?
		ORDER BY started_at DESC LIMIT 1;
	`)
	if err != nil {
		return "", err
	}
	var prompt string
	err = st.QueryRowContext(ctx, channelID).Scan(&prompt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return prompt, err
}

// PruneTaskHistory deletes rows older than the cutoff.
func (s *Store) PruneTaskHistory(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM task_history WHERE started_at < ?;`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune task history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanTaskRow(r rowScanner) (TaskHistoryRow, error) {
	var row TaskHistoryRow
	var completed sql.NullTime
	var timeout sql.NullInt64
	if err := r.Scan(&row.ID, &row.ChannelID, &row.Prompt, &row.Status, &row.StartedAt,
		&completed, &timeout, &row.SubmitterID); err != nil {
		return TaskHistoryRow{}, err
	}
	if completed.Valid {
		t := completed.Time
		row.CompletedAt = &t
	}
	if timeout.Valid {
		v := timeout.Int64
		row.TimeoutMS = &v
	}
	return row, nil
}
