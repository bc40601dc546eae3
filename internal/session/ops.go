package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/basket/autopilot/internal/sink"
	"github.com/basket/autopilot/internal/store"
)

// Pause stops queue promotion. A task already in working runs to completion.
func (m *Manager) Pause(ctx context.Context, channelID string) error {
	sess, ok := m.Get(channelID)
	if !ok {
		return ErrNoSession
	}
	sess.mu.Lock()
	sess.paused = true
	sess.mu.Unlock()
	return m.db.SetSessionPaused(ctx, channelID, true)
}

// Resume clears the paused flag and kicks the queue.
func (m *Manager) Resume(ctx context.Context, channelID string) error {
	sess, ok := m.Get(channelID)
	if !ok {
		return ErrNoSession
	}
	sess.mu.Lock()
	sess.paused = false
	sess.graceWarned = false
	if sess.graceTimer != nil {
		sess.graceTimer.Stop()
		sess.graceTimer = nil
	}
	sess.mu.Unlock()
	if err := m.db.SetSessionPaused(ctx, channelID, false); err != nil {
		return err
	}
	go m.processQueue(sess)
	return nil
}

// Stop aborts the running task and optionally clears the queue. The session
// ends idle either way.
func (m *Manager) Stop(ctx context.Context, channelID string, clearQueue bool) error {
	sess, ok := m.Get(channelID)
	if !ok {
		return ErrNoSession
	}

	sess.mu.Lock()
	working := sess.status == StatusWorking
	out := sess.out
	agentSess := sess.agentSess
	var cleared int
	if clearQueue {
		cleared = len(sess.queue)
		sess.queue = nil
	}
	if working {
		sess.aborted = true
	}
	sess.mu.Unlock()

	if cleared > 0 && m.metrics != nil {
		m.metrics.QueueDepth.Add(ctx, int64(-cleared))
	}
	if working {
		if out != nil {
			out.Finish(sink.FinalNotice("stopped", "task aborted by user"))
		}
		agentSess.Abort()
	}
	return nil
}

// Reset destroys the session and its workspace. Grants, overrides, and
// responders are channel-owned and survive.
func (m *Manager) Reset(ctx context.Context, channelID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[channelID]
	if ok {
		delete(m.sessions, channelID)
	}
	m.mu.Unlock()
	if !ok {
		// No live session; still drop any durable row and stale worktree.
		if row, err := m.db.GetSession(ctx, channelID); err == nil {
			m.ws.RemoveWorktree(ctx, filepath.Join(m.cfg.ReposRoot(), row.Project), row.WorkspacePath)
			return m.db.DeleteSession(ctx, channelID)
		}
		return ErrNoSession
	}
	m.destroySession(ctx, sess, true)
	return nil
}

// destroySession tears a session down: cancel collectors, abort work,
// release the subprocess, optionally remove the worktree, drop durable rows.
func (m *Manager) destroySession(ctx context.Context, sess *Session, removeWorktree bool) {
	sess.mu.Lock()
	working := sess.status == StatusWorking
	out := sess.out
	agentSess := sess.agentSess
	workspacePath := sess.workspacePath
	project := sess.project
	currentTaskID := sess.currentTaskID
	if sess.graceTimer != nil {
		sess.graceTimer.Stop()
		sess.graceTimer = nil
	}
	sess.taskGen++ // invalidate in-flight completions
	sess.queue = nil
	sess.currentTaskID = ""
	sess.mu.Unlock()

	sess.cancel()
	if working {
		if out != nil {
			out.Finish(sink.FinalNotice("stopped", "session reset"))
		}
		agentSess.Abort()
		// The in-flight completion will see a stale generation, so the
		// history row is terminalized here.
		if currentTaskID != "" {
			if err := m.db.CompleteTaskRun(ctx, currentTaskID, store.TaskAborted, time.Now()); err != nil {
				m.logger.Error("terminalize task on destroy", "task", currentTaskID, "error", err)
			}
		}
	}
	agentSess.Destroy()

	if removeWorktree {
		m.ws.RemoveWorktree(ctx, filepath.Join(m.cfg.ReposRoot(), project), workspacePath)
	}
	if err := m.db.DeleteSession(ctx, sess.ChannelID); err != nil {
		m.logger.Error("delete session row", "channel", sess.ChannelID, "error", err)
	}
	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(ctx, -1)
	}
	m.logger.Info("session destroyed", "channel", sess.ChannelID)
}

// SetModel hot-swaps the agent session onto a new model. The old session
// stays live until the replacement exists; on failure nothing changes.
func (m *Manager) SetModel(ctx context.Context, channelID, model string) error {
	sess, ok := m.Get(channelID)
	if !ok {
		return ErrNoSession
	}

	sess.mu.Lock()
	if sess.status == StatusWorking {
		sess.mu.Unlock()
		return ErrBusyWorking
	}
	if sess.changingModel {
		sess.mu.Unlock()
		return ErrModelSwapBusy
	}
	sess.changingModel = true
	old := sess.agentSess
	oldPump := sess.pumpDone
	sess.mu.Unlock()

	defer func() {
		sess.mu.Lock()
		sess.changingModel = false
		sess.mu.Unlock()
		go m.processQueue(sess)
	}()

	replacement, err := m.createAgentSession(ctx, sess, model)
	if err != nil {
		return fmt.Errorf("model swap failed, keeping %s: %w", sess.Model(), err)
	}

	sess.mu.Lock()
	sess.agentSess = replacement
	sess.model = model
	sess.mu.Unlock()

	old.Destroy()
	if oldPump != nil {
		select {
		case <-oldPump:
		case <-time.After(5 * time.Second):
		}
	}
	m.startPump(sess, replacement)

	if err := m.db.SetSessionModel(ctx, channelID, model); err != nil {
		m.logger.Error("persist model", "channel", channelID, "error", err)
	}
	return nil
}

// persistSession writes the session's durable row.
func (m *Manager) persistSession(ctx context.Context, sess *Session) error {
	sess.mu.Lock()
	row := store.SessionRow{
		ChannelID:     sess.ChannelID,
		Project:       sess.project,
		WorkspacePath: sess.workspacePath,
		BaseBranch:    sess.baseBranch,
		AgentBranch:   sess.agentBranch,
		Status:        sess.status,
		Paused:        sess.paused,
		Model:         sess.model,
		LastActivity:  sess.lastActivity,
	}
	sess.mu.Unlock()
	if !filepath.IsAbs(row.WorkspacePath) {
		return errors.New("workspace path must be absolute")
	}
	return m.db.UpsertSession(ctx, row)
}

// Shutdown marks the manager closed, cancels sweeps, and releases every
// agent subprocess.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.shuttingDown = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	if m.sweeps != nil {
		m.sweeps.Stop()
	}
	m.eventBus.Unsubscribe(m.tapSub)
	for _, sess := range sessions {
		sess.mu.Lock()
		working := sess.status == StatusWorking
		agentSess := sess.agentSess
		if sess.graceTimer != nil {
			sess.graceTimer.Stop()
		}
		sess.mu.Unlock()
		sess.cancel()
		if working {
			agentSess.Abort()
		}
		agentSess.Destroy()
	}
	m.grants.Shutdown()
}
