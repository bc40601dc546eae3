// Package approval runs the human gate in front of push-capable tool use:
// it posts a prompt with diff and commit-log summaries and waits for an
// admin to click approve or reject.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/autopilot/internal/chat"
	"github.com/basket/autopilot/internal/redact"
)

const (
	// Deadline is how long an approval prompt stays clickable.
	Deadline = 10 * time.Minute
	// summaryLimit caps each of the diff and log sections.
	summaryLimit = 900
)

// DiffSource supplies workspace summaries for the prompt.
type DiffSource interface {
	CommitLog(ctx context.Context, dir string) (string, error)
	DiffSummary(ctx context.Context, dir string) (string, error)
}

// Collector posts approval prompts and resolves clicks.
type Collector struct {
	msgr    chat.Messenger
	diffs   DiffSource
	scanner *redact.Scanner
	isAdmin func(ctx context.Context, channelID, userID string) bool
	logger  *slog.Logger

	// AutoApprove bypasses the prompt entirely.
	AutoApprove bool
}

func New(msgr chat.Messenger, diffs DiffSource, scanner *redact.Scanner, isAdmin func(ctx context.Context, channelID, userID string) bool, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		msgr:    msgr,
		diffs:   diffs,
		scanner: scanner,
		isAdmin: isAdmin,
		logger:  logger,
	}
}

// Request posts the prompt and blocks until an admin resolves it, the
// deadline passes, or ctx is cancelled (session reset). It returns true only
// on an explicit approve; timeouts, rejections, and post failures are false.
// A rejection is not persisted: the next push attempt prompts again.
func (c *Collector) Request(ctx context.Context, channelID, workspace, command string) bool {
	if c.AutoApprove {
		return true
	}

	prompt := c.buildPrompt(ctx, workspace, command)
	ref, err := c.msgr.SendButtons(ctx, channelID, prompt, []chat.Button{
		{ID: "push-approve", Label: "Approve"},
		{ID: "push-reject", Label: "Reject", Danger: true},
	})
	if err != nil {
		c.logger.Warn("approval prompt post failed", "channel", channelID, "error", err)
		return false
	}

	click, err := c.msgr.AwaitButton(ctx, ref, func(click chat.ButtonClick) bool {
		return c.isAdmin(ctx, channelID, click.UserID)
	}, Deadline)

	switch {
	case err == nil && click.ButtonID == "push-approve":
		c.resolve(ref, fmt.Sprintf("Push approved by <@%s>.", click.UserID))
		return true
	case err == nil:
		c.resolve(ref, fmt.Sprintf("Push rejected by <@%s>.", click.UserID))
		return false
	case ctx.Err() != nil:
		// Session reset: remove the dangling prompt.
		cleanup, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = c.msgr.Delete(cleanup, ref)
		return false
	default:
		c.resolve(ref, "Push approval timed out.")
		return false
	}
}

func (c *Collector) resolve(ref chat.MessageRef, outcome string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.msgr.DisableButtons(ctx, ref, outcome); err != nil {
		c.logger.Warn("approval prompt update failed", "error", err)
	}
}

func (c *Collector) buildPrompt(ctx context.Context, workspace, command string) string {
	section := func(title, fetchErrNote string, fetch func(context.Context, string) (string, error)) string {
		out, err := fetch(ctx, workspace)
		if err != nil {
			return fmt.Sprintf("**%s**: %s", title, fetchErrNote)
		}
		out = clamp(c.scanner.Redact(out), summaryLimit)
		if out == "" {
			out = "(empty)"
		}
		return fmt.Sprintf("**%s**\n```\n%s\n```", title, out)
	}

	return fmt.Sprintf(
		"The agent wants to push.\n`%s`\n\n%s\n%s",
		clamp(c.scanner.Redact(command), 200),
		section("Recent commits", "unavailable", c.diffs.CommitLog),
		section("Diff summary", "unavailable", c.diffs.DiffSummary),
	)
}

func clamp(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
