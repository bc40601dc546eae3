package session

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/basket/autopilot/internal/agent"
	"github.com/basket/autopilot/internal/audit"
	"github.com/basket/autopilot/internal/bus"
	"github.com/basket/autopilot/internal/chat"
	"github.com/basket/autopilot/internal/policy"
)

const questionDeadline = 5 * time.Minute

// preToolUseHook arbitrates every sensitive action the agent attempts. The
// additional context on a denial is surfaced to the agent as feedback so it
// does not keep retrying a gated action.
func (m *Manager) preToolUseHook(sess *Session) func(string, map[string]any) agent.Decision {
	return func(toolName string, toolArgs map[string]any) agent.Decision {
		inv := policy.Classify(toolName, toolArgs)
		d := policy.Evaluate(inv, sess.WorkspacePath(), m.grants.Active(sess.ChannelID))

		if d.Allow {
			audit.Record(sess.ChannelID, toolName, "allow", "", "")
			return agent.Decision{Allow: true}
		}

		audit.Record(sess.ChannelID, toolName, "deny", string(d.Gate), d.Reason)
		// The tap counts the denial off this event.
		m.eventBus.Publish(bus.TopicPolicyDenied, bus.PolicyDenied{
			Channel: sess.ChannelID, Tool: toolName, Gate: string(d.Gate), Reason: d.Reason,
		})

		switch d.Gate {
		case policy.GatePush:
			if m.approver.Request(sess.ctx, sess.ChannelID, sess.WorkspacePath(), inv.Command) {
				audit.Record(sess.ChannelID, toolName, "allow", "push-approved", "")
				return agent.Decision{Allow: true, Context: "The push was approved by an admin."}
			}
			return agent.Decision{
				Allow: false,
				Context: "The push was not approved. Do not retry; continue without pushing " +
					"and tell the user the push was declined.",
			}
		case policy.GateOutside:
			return agent.Decision{
				Allow: false,
				Context: fmt.Sprintf("%s. Do not retry; ask the user to run /grant with the "+
					"path and the required mode if access is genuinely needed.", d.Reason),
			}
		default:
			return agent.Decision{
				Allow:   false,
				Context: d.Reason + ". Do not retry this command.",
			}
		}
	}
}

// userInputHook relays agent questions to the channel and waits for an
// authorized human answer. While the flag is set, normal message handling
// must not re-enqueue the reply as a new task.
func (m *Manager) userInputHook(sess *Session) func(context.Context, string) (string, error) {
	return func(ctx context.Context, question string) (string, error) {
		sess.mu.Lock()
		sess.awaitingQuestion = true
		sess.mu.Unlock()
		defer func() {
			sess.mu.Lock()
			sess.awaitingQuestion = false
			sess.mu.Unlock()
		}()

		if _, err := m.msgr.Send(ctx, sess.ChannelID, "❓ "+m.scanner.Redact(question)); err != nil {
			return "", fmt.Errorf("post question: %w", err)
		}

		waitCtx, cancel := mergeContexts(ctx, sess.ctx)
		defer cancel()
		msg, err := m.msgr.AwaitMessage(waitCtx, sess.ChannelID, func(in chat.InboundMessage) bool {
			return !in.Bot && m.isAuthorizedResponder(waitCtx, sess.ChannelID, in.UserID)
		}, questionDeadline)
		if err != nil {
			return "", fmt.Errorf("no answer: %w", err)
		}
		return msg.Content, nil
	}
}

// IsAdmin reports whether a user may run privileged actions in a channel:
// the configured admin user, or any member holding an admin role.
func (m *Manager) IsAdmin(ctx context.Context, channelID, userID string) bool {
	if userID != "" && userID == m.cfg.AdminUserID {
		return true
	}
	if len(m.cfg.AdminRoleIDs) == 0 {
		return false
	}
	info, err := m.msgr.ChannelInfo(ctx, channelID)
	if err != nil || info.GuildID == "" {
		return false
	}
	roles, err := m.msgr.MemberRoles(ctx, info.GuildID, userID)
	if err != nil {
		return false
	}
	for _, r := range roles {
		if slices.Contains(m.cfg.AdminRoleIDs, r) {
			return true
		}
	}
	return false
}

// isAuthorizedResponder decides who may answer agent questions: admins,
// DM-allowlisted users in direct messages, and per-channel responders.
func (m *Manager) isAuthorizedResponder(ctx context.Context, channelID, userID string) bool {
	if m.IsAdmin(ctx, channelID, userID) {
		return true
	}
	if info, err := m.msgr.ChannelInfo(ctx, channelID); err == nil && info.IsDM {
		if slices.Contains(m.cfg.DMUserAllowlist, userID) {
			return true
		}
	}
	ok, err := m.db.IsResponder(ctx, channelID, userID)
	return err == nil && ok
}

// mergeContexts cancels the derived context when either parent does.
func mergeContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
