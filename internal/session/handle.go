package session

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/basket/autopilot/internal/chat"
	"github.com/basket/autopilot/internal/safety"
)

// HandlePrompt is the entry point for a user addressing the agent by
// mention, thread message, or direct message. It enforces the allowlists,
// routes replies to pending agent questions, and enqueues everything else.
func (m *Manager) HandlePrompt(ctx context.Context, msg chat.InboundMessage, info chat.ChannelInfo) {
	if !m.allowed(msg, info) {
		return
	}
	prompt := strings.TrimSpace(msg.Content)
	if prompt == "" {
		return
	}
	if finding := safety.Screen(prompt); finding.Verdict == safety.VerdictBlock {
		m.logger.Warn("prompt blocked", "channel", info.ID, "reason", finding.Reason)
		_, _ = m.msgr.Send(ctx, info.ID, "That prompt was blocked: it "+finding.Reason+".")
		return
	} else if finding.Verdict == safety.VerdictWarn {
		m.logger.Warn("suspicious prompt", "channel", info.ID, "reason", finding.Reason)
	}

	// Threads share their parent channel's session; output stays in the
	// thread.
	sessionChannel := info.ID
	outputChannel := info.ID
	if info.IsThread && info.ParentID != "" {
		sessionChannel = info.ParentID
	}

	// While the agent is waiting on a question, the next authorized
	// message is the answer — the collector consumes it, so anything
	// reaching here from that channel is either unauthorized or a race;
	// do not turn it into a new task.
	if sess, ok := m.Get(sessionChannel); ok && sess.AwaitingQuestion() {
		return
	}

	err := m.Enqueue(ctx, sessionChannel, QueuedTask{
		Prompt:          prompt,
		OutputChannelID: outputChannel,
		SubmitterID:     msg.UserID,
	})
	if err != nil {
		reply := "Could not queue the task: " + m.scanner.Redact(err.Error())
		if errors.Is(err, ErrQueueFull) || errors.Is(err, ErrPromptTooLong) {
			reply = err.Error()
		}
		_, _ = m.msgr.Send(ctx, outputChannel, reply)
		return
	}
	sess, _ := m.Get(sessionChannel)
	if sess != nil {
		if status, _ := sess.Status(); status == StatusWorking {
			_, _ = m.msgr.Send(ctx, outputChannel, "Queued — the agent will pick this up next.")
		}
	}
}

// Allowlists are the hot-reloadable access dimensions.
type Allowlists struct {
	Guilds   []string
	Channels []string
	DMUsers  []string
}

// UpdateAllowlists swaps in fresh allowlists, typically from the config
// watcher after config.yaml changed on disk.
func (m *Manager) UpdateAllowlists(a Allowlists) {
	m.allow.Store(&a)
}

func (m *Manager) allowlists() Allowlists {
	if a := m.allow.Load(); a != nil {
		return *a
	}
	return Allowlists{
		Guilds:   m.cfg.GuildAllowlist,
		Channels: m.cfg.ChannelAllowlist,
		DMUsers:  m.cfg.DMUserAllowlist,
	}
}

// allowed applies the guild, channel, and DM-user allowlists. An empty list
// means unrestricted for that dimension.
func (m *Manager) allowed(msg chat.InboundMessage, info chat.ChannelInfo) bool {
	if msg.Bot {
		return false
	}
	lists := m.allowlists()
	if info.IsDM {
		return len(lists.DMUsers) == 0 || slices.Contains(lists.DMUsers, msg.UserID)
	}
	if !info.TextCapable {
		return false
	}
	if len(lists.Guilds) > 0 && !slices.Contains(lists.Guilds, info.GuildID) {
		return false
	}
	if len(lists.Channels) > 0 {
		channel := info.ID
		if info.IsThread && info.ParentID != "" {
			channel = info.ParentID
		}
		if !slices.Contains(lists.Channels, channel) {
			return false
		}
	}
	return true
}
