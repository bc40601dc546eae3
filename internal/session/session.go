// Package session is the per-channel lifecycle machine: a FIFO task queue,
// the idle/working state machine with its paused flag, policy-hooked agent
// sessions, sweeps, and crash recovery.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/basket/autopilot/internal/agent"
	"github.com/basket/autopilot/internal/sink"
)

// Status values for a session.
const (
	StatusIdle    = "idle"
	StatusWorking = "working"
)

// QueuedTask is one pending prompt.
type QueuedTask struct {
	ID              string
	Prompt          string
	OutputChannelID string // may be a thread distinct from the session channel
	SubmitterID     string
}

// Session is the runtime association of a channel with an agent subprocess,
// a workspace, a queue, and an output sink. All mutable fields are guarded
// by mu; the status field is the per-channel lock: at most one task is in
// working at any time.
type Session struct {
	ChannelID string

	// ctx is cancelled on reset; collectors blocked on approval or
	// question answers unwind through it.
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	project       string
	workspacePath string
	baseBranch    string
	agentBranch   string
	model         string

	status           string
	paused           bool
	queue            []QueuedTask
	agentSess        agent.Session
	out              *sink.Sink
	currentTaskID    string
	aborted          bool
	awaitingQuestion bool
	toolsCompleted   int
	lastActivity     time.Time
	taskGen          uint64
	changingModel    bool

	// pause-grace sweep state; in-memory only, reset across restarts.
	graceWarned bool
	graceTimer  *time.Timer

	// pumpDone closes when the event pump for the current agent session
	// exits.
	pumpDone chan struct{}
}

// WorkspacePath returns the session's worktree directory.
func (s *Session) WorkspacePath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workspacePath
}

// Model returns the active model identifier.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// Status returns the machine state and paused flag.
func (s *Session) Status() (status string, paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.paused
}

// QueueLen returns the number of pending tasks.
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// AwaitingQuestion reports whether the agent is blocked on a human answer.
func (s *Session) AwaitingQuestion() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awaitingQuestion
}

// touch records activity for the idle sweep.
func (s *Session) touch() {
	s.lastActivity = time.Now()
}
