package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/basket/autopilot/internal/agent"
	"github.com/basket/autopilot/internal/approval"
	"github.com/basket/autopilot/internal/bus"
	"github.com/basket/autopilot/internal/chat"
	"github.com/basket/autopilot/internal/config"
	"github.com/basket/autopilot/internal/grants"
	"github.com/basket/autopilot/internal/metrics"
	"github.com/basket/autopilot/internal/redact"
	"github.com/basket/autopilot/internal/sink"
	"github.com/basket/autopilot/internal/store"
	"github.com/basket/autopilot/internal/workspace"
)

// Input-rejection sentinels surfaced to the user without mutating state.
var (
	ErrQueueFull      = errors.New("task queue is full")
	ErrPromptTooLong  = errors.New("prompt is too long")
	ErrShuttingDown   = errors.New("shutting down")
	ErrBusyWorking    = errors.New("a task is currently running")
	ErrNoSession      = errors.New("no session for this channel")
	ErrModelSwapBusy  = errors.New("a model change is already in progress")
	ErrNoDefaultRepo  = errors.New("no repository configured for this channel")
)

const createSessionTimeout = 60 * time.Second

// Workspaces is the slice of the workspace manager the session machine and
// command layer depend on; tests substitute a fake.
type Workspaces interface {
	EnsureRepo(ctx context.Context, remoteURL, project string) (string, error)
	CreateWorktree(ctx context.Context, channelID, project, repoPath, branchOverride string) (workspace.Worktree, error)
	RemoveWorktree(ctx context.Context, repoPath, path string)
	Healthy(ctx context.Context, dir string) bool
	ValidateBranch(ctx context.Context, repoPath, branch string) error
	Reconcile(ctx context.Context, referenced map[string]string) []string
}

// Manager owns every channel session plus the maps that make concurrent
// entry points safe: pending creations, the session table, and shutdown
// state. Command handlers and the chat adapter all funnel through it.
type Manager struct {
	cfg      config.Config
	db       *store.Store
	grants   *grants.Store
	msgr     chat.Messenger
	factory  agent.Factory
	ws       Workspaces
	approver *approval.Collector
	eventBus *bus.Bus
	metrics  *metrics.Metrics
	scanner  *redact.Scanner
	logger   *slog.Logger

	mu           sync.Mutex
	sessions     map[string]*Session
	creating     map[string]*creation
	shuttingDown bool
	allow        atomic.Pointer[Allowlists]

	sweeps *Sweeper
	tapSub *bus.Subscription
}

type creation struct {
	done chan struct{}
	sess *Session
	err  error
}

// Deps bundles the collaborators a Manager needs.
type Deps struct {
	Config   config.Config
	Store    *store.Store
	Grants   *grants.Store
	Msgr     chat.Messenger
	Factory  agent.Factory
	WS       Workspaces
	Approver *approval.Collector
	Bus      *bus.Bus
	Metrics  *metrics.Metrics
	Scanner  *redact.Scanner
	Logger   *slog.Logger
}

func NewManager(d Deps) *Manager {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	eventBus := d.Bus
	if eventBus == nil {
		eventBus = bus.New(logger)
	}
	m := &Manager{
		cfg:      d.Config,
		db:       d.Store,
		grants:   d.Grants,
		msgr:     d.Msgr,
		factory:  d.Factory,
		ws:       d.WS,
		approver: d.Approver,
		eventBus: eventBus,
		metrics:  d.Metrics,
		scanner:  d.Scanner,
		logger:   logger,
		sessions: make(map[string]*Session),
		creating: make(map[string]*creation),
	}
	m.sweeps = newSweeper(m)
	m.startTap()
	return m
}

// Get returns the live session for a channel, if any.
func (m *Manager) Get(channelID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[channelID]
	return s, ok
}

// Enqueue validates and queues a task for the channel, creating the session
// on first use. Rejections (queue full, prompt too long) leave state
// untouched.
func (m *Manager) Enqueue(ctx context.Context, channelID string, task QueuedTask) error {
	if len(task.Prompt) > m.cfg.MaxPromptLen {
		return fmt.Errorf("%w (%d > %d chars)", ErrPromptTooLong, len(task.Prompt), m.cfg.MaxPromptLen)
	}
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	m.mu.Unlock()

	sess, err := m.getOrCreate(ctx, channelID)
	if err != nil {
		return err
	}

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.OutputChannelID == "" {
		task.OutputChannelID = channelID
	}

	sess.mu.Lock()
	if len(sess.queue) >= m.cfg.MaxQueueSize {
		sess.mu.Unlock()
		return fmt.Errorf("%w (max %d)", ErrQueueFull, m.cfg.MaxQueueSize)
	}
	sess.queue = append(sess.queue, task)
	sess.touch()
	if m.metrics != nil {
		m.metrics.QueueDepth.Add(ctx, 1)
	}
	sess.mu.Unlock()

	go m.processQueue(sess)
	return nil
}

// getOrCreate resolves the session, sharing one creation promise between
// concurrent first-task callers.
func (m *Manager) getOrCreate(ctx context.Context, channelID string) (*Session, error) {
	m.mu.Lock()
	if sess, ok := m.sessions[channelID]; ok {
		m.mu.Unlock()
		return sess, nil
	}
	if c, ok := m.creating[channelID]; ok {
		m.mu.Unlock()
		select {
		case <-c.done:
			return c.sess, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c := &creation{done: make(chan struct{})}
	m.creating[channelID] = c
	m.mu.Unlock()

	c.sess, c.err = m.createSession(ctx, channelID)
	close(c.done)

	m.mu.Lock()
	delete(m.creating, channelID)
	if c.err == nil {
		m.sessions[channelID] = c.sess
	}
	m.mu.Unlock()
	if c.err == nil && m.metrics != nil {
		m.metrics.ActiveSessions.Add(ctx, 1)
	}
	return c.sess, c.err
}

// createSession provisions workspace, branch, and agent subprocess for a
// channel, reusing a durable session's worktree when it still passes the
// integrity check.
func (m *Manager) createSession(ctx context.Context, channelID string) (*Session, error) {
	remoteURL, project, err := m.resolveRepo(ctx, channelID)
	if err != nil {
		return nil, err
	}
	repoPath, err := m.ws.EnsureRepo(ctx, remoteURL, project)
	if err != nil {
		return nil, fmt.Errorf("clone repository: %w", err)
	}

	branchOverride := ""
	if b, err := m.db.GetBranchOverride(ctx, channelID); err == nil {
		branchOverride = b
	}

	sess := &Session{
		ChannelID: channelID,
		status:    StatusIdle,
		model:     m.cfg.DefaultModel,
	}
	sess.ctx, sess.cancel = context.WithCancel(context.Background())
	sess.project = project
	sess.lastActivity = time.Now()

	// Reuse the previous worktree when it survived the restart intact.
	reused := false
	if row, err := m.db.GetSession(ctx, channelID); err == nil {
		if row.Project == project && m.ws.Healthy(ctx, row.WorkspacePath) {
			sess.workspacePath = row.WorkspacePath
			sess.baseBranch = row.BaseBranch
			sess.agentBranch = row.AgentBranch
			sess.paused = row.Paused
			if row.Model != "" {
				sess.model = row.Model
			}
			reused = true
		}
	}
	if !reused {
		wt, err := m.ws.CreateWorktree(ctx, channelID, project, repoPath, branchOverride)
		if err != nil {
			return nil, fmt.Errorf("create worktree: %w", err)
		}
		sess.workspacePath = wt.Path
		sess.baseBranch = wt.BaseBranch
		sess.agentBranch = wt.Branch
	}

	agentSess, err := m.createAgentSession(ctx, sess, sess.model)
	if err != nil {
		return nil, fmt.Errorf("create agent session: %w", err)
	}
	sess.agentSess = agentSess
	m.startPump(sess, agentSess)

	if err := m.persistSession(ctx, sess); err != nil {
		agentSess.Destroy()
		return nil, err
	}
	m.logger.Info("session created",
		"channel", channelID, "project", project,
		"workspace", sess.workspacePath, "branch", sess.agentBranch, "reused", reused)
	return sess, nil
}

// createAgentSession wraps factory creation with the 60 s ceiling and one
// retry for transient failures.
func (m *Manager) createAgentSession(ctx context.Context, sess *Session, model string) (agent.Session, error) {
	opts := agent.SessionOptions{
		WorkDir:      sess.workspacePath,
		Model:        model,
		Streaming:    true,
		SystemPrompt: m.systemPrompt(sess),
		Hooks: agent.Hooks{
			PreToolUse: m.preToolUseHook(sess),
			UserInput:  m.userInputHook(sess),
			ErrorOccurred: func(err error) {
				m.logger.Error("agent error", "channel", sess.ChannelID, "error", err)
			},
		},
	}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		createCtx, cancel := context.WithTimeout(ctx, createSessionTimeout)
		as, err := m.factory.CreateSession(createCtx, opts)
		cancel()
		if err == nil {
			return as, nil
		}
		lastErr = err
		m.logger.Warn("agent session creation failed", "channel", sess.ChannelID, "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func (m *Manager) systemPrompt(sess *Session) string {
	return fmt.Sprintf(
		"You are working in %s on branch %s. Stay inside the workspace; "+
			"pushes require human approval and paths outside the workspace require a grant.",
		sess.workspacePath, sess.agentBranch)
}

func (m *Manager) resolveRepo(ctx context.Context, channelID string) (remoteURL, project string, err error) {
	if o, err := m.db.GetRepoOverride(ctx, channelID); err == nil {
		return o.RemoteURL, o.Project, nil
	}
	if m.cfg.DefaultRepo == "" {
		return "", "", ErrNoDefaultRepo
	}
	return workspace.ParseRepoInput(m.cfg.DefaultRepo)
}

// startPump publishes agent events onto the bus, stamped with the
// generation current at receipt. The manager's tap consumes them; anything
// arriving after its task completed carries a stale generation and is
// discarded there.
func (m *Manager) startPump(sess *Session, as agent.Session) {
	done := make(chan struct{})
	sess.mu.Lock()
	sess.pumpDone = done
	sess.mu.Unlock()

	go func() {
		defer close(done)
		for ev := range as.Events() {
			m.publishAgentEvent(sess, as, ev)
		}
	}()
}

func (m *Manager) publishAgentEvent(sess *Session, from agent.Session, ev agent.Event) {
	sess.mu.Lock()
	// Events from a replaced agent session (model hot-swap) are stale.
	if sess.agentSess != from {
		sess.mu.Unlock()
		return
	}
	gen := sess.taskGen
	channel := sess.ChannelID
	sess.mu.Unlock()

	switch ev.Kind {
	case agent.EventDelta:
		m.eventBus.Publish(bus.TopicAgentDelta, bus.AgentDelta{Channel: channel, Generation: gen, Text: ev.Text})
	case agent.EventToolStart:
		m.eventBus.Publish(bus.TopicAgentToolStart, bus.AgentToolEvent{Channel: channel, Generation: gen, Tool: ev.Text})
	case agent.EventToolDone:
		m.eventBus.Publish(bus.TopicAgentToolDone, bus.AgentToolEvent{Channel: channel, Generation: gen, Tool: ev.Text, Done: true})
	case agent.EventIdle:
		m.eventBus.Publish(bus.TopicAgentIdle, bus.AgentIdle{Channel: channel, Generation: gen, Err: ev.Err})
	}
}

// processQueue promotes the next task when the session is idle, unpaused,
// and not mid-model-change. The status field is the lock: the check and the
// transition to working happen under sess.mu.
func (m *Manager) processQueue(sess *Session) {
	sess.mu.Lock()
	if sess.paused || sess.changingModel || sess.status != StatusIdle || len(sess.queue) == 0 {
		sess.mu.Unlock()
		return
	}
	task := sess.queue[0]
	sess.queue = sess.queue[1:]
	sess.status = StatusWorking
	sess.aborted = false
	sess.toolsCompleted = 0
	sess.taskGen++
	gen := sess.taskGen
	sess.currentTaskID = task.ID
	out := sink.New(m.msgr, m.scanner, task.OutputChannelID, m.cfg.EditThrottle, m.logger)
	if m.metrics != nil {
		hist := m.metrics.FlushDuration
		out.SetFlushObserver(func(d time.Duration) {
			hist.Record(context.Background(), d.Seconds())
		})
	}
	sess.out = out
	sess.touch()
	agentSess := sess.agentSess
	sess.mu.Unlock()

	ctx := context.Background()
	if m.metrics != nil {
		m.metrics.QueueDepth.Add(ctx, -1)
	}
	timeoutMS := m.cfg.TaskTimeout.Milliseconds()
	if err := m.db.InsertTaskRun(ctx, store.TaskHistoryRow{
		ID: task.ID, ChannelID: sess.ChannelID, Prompt: task.Prompt,
		StartedAt: time.Now(), TimeoutMS: &timeoutMS, SubmitterID: task.SubmitterID,
	}); err != nil {
		m.logger.Error("task history insert failed", "channel", sess.ChannelID, "error", err)
	}
	if err := m.db.SetSessionStatus(ctx, sess.ChannelID, StatusWorking); err != nil {
		m.logger.Error("session status persist failed", "channel", sess.ChannelID, "error", err)
	}
	m.eventBus.Publish(bus.TopicTaskStarted, bus.TaskEvent{
		Channel: sess.ChannelID, TaskID: task.ID, Generation: gen, Status: store.TaskRunning,
	})
	_ = m.msgr.Typing(ctx, task.OutputChannelID)

	_, err := agentSess.SendAndWait(ctx, task.Prompt, m.cfg.TaskTimeout)
	m.finishTask(sess, gen, task, out, err)
}

// finishTask moves the session back to idle, terminalizes the history row,
// and kicks the queue. A stale generation (reset or hot-swap happened
// mid-flight) must not wipe a later task's state.
func (m *Manager) finishTask(sess *Session, gen uint64, task QueuedTask, out *sink.Sink, taskErr error) {
	sess.mu.Lock()
	if sess.taskGen != gen {
		sess.mu.Unlock()
		m.logger.Warn("discarding stale task completion",
			"channel", sess.ChannelID, "task", task.ID, "generation", gen)
		return
	}
	aborted := sess.aborted
	agentSess := sess.agentSess
	sess.status = StatusIdle
	sess.out = nil
	sess.currentTaskID = ""
	sess.touch()
	sess.mu.Unlock()

	ctx := context.Background()
	status := store.TaskCompleted
	switch {
	case errors.Is(taskErr, agent.ErrTimeout):
		status = store.TaskAborted
		agentSess.Abort()
		out.Finish(sink.FinalNotice("timed out", fmt.Sprintf("after %s", m.cfg.TaskTimeout)))
	case aborted:
		// User abort: the sink was already finalized by Stop.
		status = store.TaskAborted
	case taskErr != nil:
		status = store.TaskFailed
		out.Finish(sink.FinalNotice("failed", m.scanner.Redact(taskErr.Error())))
	default:
		out.Finish("")
	}

	if err := m.db.CompleteTaskRun(ctx, task.ID, status, time.Now()); err != nil {
		m.logger.Error("task history update failed", "task", task.ID, "error", err)
	}
	if err := m.db.SetSessionStatus(ctx, sess.ChannelID, StatusIdle); err != nil {
		m.logger.Error("session status persist failed", "channel", sess.ChannelID, "error", err)
	}
	m.eventBus.Publish(bus.TopicTaskFinished, bus.TaskEvent{
		Channel: sess.ChannelID, TaskID: task.ID, Generation: gen, Status: status,
	})

	go m.processQueue(sess)
}
