package session

import (
	"context"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/autopilot/internal/bus"
)

const historyRetention = 90 * 24 * time.Hour

// Sweeper drives the periodic maintenance passes: expired-grant purge every
// minute, the pause-grace/idle sweep every 12 hours, and a daily
// task-history prune.
type Sweeper struct {
	mgr  *Manager
	cron *cronlib.Cron
}

func newSweeper(m *Manager) *Sweeper {
	return &Sweeper{mgr: m, cron: cronlib.New()}
}

// Start registers the sweep schedule and begins ticking.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc("@every 1m", s.purgeGrants); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 12h", s.sweepSessions); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 24h", s.pruneHistory); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
	}
}

func (s *Sweeper) purgeGrants() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if n, err := s.mgr.grants.PurgeExpired(ctx); err != nil {
		s.mgr.logger.Warn("grant purge failed", "error", err)
	} else if n > 0 {
		s.mgr.logger.Info("purged expired grants", "count", n)
	}
}

func (s *Sweeper) pruneHistory() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if n, err := s.mgr.db.PruneTaskHistory(ctx, time.Now().Add(-historyRetention)); err != nil {
		s.mgr.logger.Warn("history prune failed", "error", err)
	} else if n > 0 {
		s.mgr.logger.Info("pruned task history", "count", n)
	}
}

// sweepSessions handles long-idle sessions: an empty queue is destroyed
// outright; a paused session with pending tasks gets one warning and a grace
// period before destruction.
func (s *Sweeper) sweepSessions() {
	m := s.mgr
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, sess := range sessions {
		sess.mu.Lock()
		idleFor := now.Sub(sess.lastActivity)
		working := sess.status == StatusWorking
		queued := len(sess.queue)
		paused := sess.paused
		warned := sess.graceWarned
		sess.mu.Unlock()

		if working || idleFor < m.cfg.IdleSweepAfter {
			continue
		}

		switch {
		case queued == 0:
			m.sweepDestroy(sess, "Session closed after 24 hours of inactivity.")
		case paused && !warned:
			m.warnPauseGrace(sess)
		}
	}
}

// warnPauseGrace posts the warning and arms the grace timer. If the session
// is still paused with the warning flag set when it fires, it is destroyed.
func (m *Manager) warnPauseGrace(sess *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, _ = m.msgr.Send(ctx, sess.ChannelID,
		"⏸️ This session is paused with queued tasks and has been idle for a day. "+
			"Resume it or it will be closed soon.")

	sess.mu.Lock()
	sess.graceWarned = true
	if sess.graceTimer != nil {
		sess.graceTimer.Stop()
	}
	sess.graceTimer = time.AfterFunc(m.cfg.PauseGrace, func() {
		sess.mu.Lock()
		stillDue := sess.paused && sess.graceWarned
		sess.mu.Unlock()
		if stillDue {
			m.sweepDestroy(sess, "Session closed: still paused when the grace period ended.")
		}
	})
	sess.mu.Unlock()
}

func (m *Manager) sweepDestroy(sess *Session, notice string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	m.mu.Lock()
	if m.sessions[sess.ChannelID] != sess {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, sess.ChannelID)
	m.mu.Unlock()

	_, _ = m.msgr.Send(ctx, sess.ChannelID, notice)
	m.destroySession(ctx, sess, true)
	m.eventBus.Publish(bus.TopicSessionSwept, bus.TaskEvent{Channel: sess.ChannelID})
}

// StartSweeps begins the background maintenance schedule.
func (m *Manager) StartSweeps() error {
	return m.sweeps.Start()
}
