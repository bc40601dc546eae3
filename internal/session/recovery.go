package session

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/autopilot/internal/chat"
	"github.com/basket/autopilot/internal/store"
)

const retryPromptDeadline = 10 * time.Minute

// Bootstrap runs the startup reconciliation: crash recovery on durable
// state, workspace reconciliation, and grant restoration. It must complete
// before the chat adapter starts delivering events.
func (m *Manager) Bootstrap(ctx context.Context) error {
	// Sessions stuck in working died mid-task.
	crashed, err := m.db.ResetWorkingSessions(ctx)
	if err != nil {
		return fmt.Errorf("reset working sessions: %w", err)
	}
	// Their task rows are terminalized as aborted.
	abortedTasks, err := m.db.AbortRunningTasks(ctx)
	if err != nil {
		return fmt.Errorf("abort running tasks: %w", err)
	}

	// Remove on-disk worktrees no durable session references, and durable
	// rows whose workspace vanished.
	rows, err := m.db.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	referenced := make(map[string]string, len(rows))
	for _, r := range rows {
		referenced[r.ChannelID] = r.WorkspacePath
	}
	for _, channel := range m.ws.Reconcile(ctx, referenced) {
		m.logger.Info("dropping session row without workspace", "channel", channel)
		if err := m.db.DeleteSession(ctx, channel); err != nil {
			m.logger.Error("delete orphan session row", "channel", channel, "error", err)
		}
	}

	if err := m.grants.Restore(ctx); err != nil {
		return fmt.Errorf("restore grants: %w", err)
	}

	// Notify crashed channels and offer (or perform) a retry.
	byChannel := make(map[string]store.TaskHistoryRow, len(abortedTasks))
	for _, t := range abortedTasks {
		byChannel[t.ChannelID] = t
	}
	for _, channel := range crashed {
		task, hasTask := byChannel[channel]
		if !hasTask {
			_, _ = m.msgr.Send(ctx, channel, "The agent restarted; the running task was aborted.")
			continue
		}
		go m.offerRetry(channel, task)
	}
	return nil
}

// offerRetry re-enqueues the interrupted prompt automatically when the flag
// is set, otherwise posts a retry button clickable only by the original
// submitter or an admin.
func (m *Manager) offerRetry(channel string, task store.TaskHistoryRow) {
	ctx, cancel := context.WithTimeout(context.Background(), retryPromptDeadline+time.Minute)
	defer cancel()

	if m.cfg.AutoRetryCrash {
		_, _ = m.msgr.Send(ctx, channel,
			"The agent restarted mid-task; re-running the last prompt.")
		if err := m.Enqueue(ctx, channel, QueuedTask{
			Prompt:      task.Prompt,
			SubmitterID: task.SubmitterID,
		}); err != nil {
			m.logger.Error("auto-retry enqueue failed", "channel", channel, "error", err)
		}
		return
	}

	ref, err := m.msgr.SendButtons(ctx, channel,
		"The agent restarted mid-task. Retry the interrupted prompt?",
		[]chat.Button{{ID: "crash-retry", Label: "Retry"}})
	if err != nil {
		m.logger.Warn("retry prompt post failed", "channel", channel, "error", err)
		return
	}

	click, err := m.msgr.AwaitButton(ctx, ref, func(c chat.ButtonClick) bool {
		return c.UserID == task.SubmitterID || m.IsAdmin(ctx, channel, c.UserID)
	}, retryPromptDeadline)
	if err != nil {
		_ = m.msgr.DisableButtons(ctx, ref, "Retry offer expired.")
		return
	}
	_ = m.msgr.DisableButtons(ctx, ref, "Retrying the interrupted task.")
	if err := m.Enqueue(ctx, channel, QueuedTask{
		Prompt:      task.Prompt,
		SubmitterID: click.UserID,
	}); err != nil {
		m.logger.Error("retry enqueue failed", "channel", channel, "error", err)
	}
}
