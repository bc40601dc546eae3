// Package commands implements the administrative verbs. Inputs arrive as
// structured options from the platform's slash-command surface; every verb
// replies with a short, redacted status line.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/basket/autopilot/internal/config"
	"github.com/basket/autopilot/internal/grants"
	"github.com/basket/autopilot/internal/redact"
	"github.com/basket/autopilot/internal/session"
	"github.com/basket/autopilot/internal/store"
	"github.com/basket/autopilot/internal/workspace"
)

const (
	defaultGrantTTL = 60 * time.Minute
	maxGrantTTL     = 24 * time.Hour
)

// Request is one command invocation, already resolved to structured options.
type Request struct {
	Name      string
	ChannelID string
	UserID    string
	Options   map[string]string
}

// Handler executes admin commands against the core.
type Handler struct {
	cfg     config.Config
	mgr     *session.Manager
	db      *store.Store
	grants  *grants.Store
	ws      session.Workspaces
	scanner *redact.Scanner
	logger  *slog.Logger
}

func NewHandler(cfg config.Config, mgr *session.Manager, db *store.Store, gs *grants.Store, ws session.Workspaces, scanner *redact.Scanner, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{cfg: cfg, mgr: mgr, db: db, grants: gs, ws: ws, scanner: scanner, logger: logger}
}

// Handle dispatches one command and returns the user-facing reply.
func (h *Handler) Handle(ctx context.Context, req Request) string {
	if !h.mgr.IsAdmin(ctx, req.ChannelID, req.UserID) {
		return "You are not authorized to run this command."
	}

	reply, err := h.dispatch(ctx, req)
	if err != nil {
		h.logger.Warn("command failed", "command", req.Name, "channel", req.ChannelID, "error", err)
		return "Error: " + h.scanner.Redact(err.Error())
	}
	return reply
}

func (h *Handler) dispatch(ctx context.Context, req Request) (string, error) {
	switch req.Name {
	case "grant":
		return h.grant(ctx, req)
	case "revoke":
		return h.revoke(ctx, req)
	case "reset":
		if err := h.mgr.Reset(ctx, req.ChannelID); err != nil {
			return "", err
		}
		return "Session and workspace destroyed. The next task starts fresh.", nil
	case "stop":
		clearQueue := req.Options["clear_queue"] == "true"
		if err := h.mgr.Stop(ctx, req.ChannelID, clearQueue); err != nil {
			return "", err
		}
		if clearQueue {
			return "Task aborted and queue cleared.", nil
		}
		return "Task aborted.", nil
	case "pause":
		if err := h.mgr.Pause(ctx, req.ChannelID); err != nil {
			return "", err
		}
		return "Paused. The current task finishes; queued tasks wait.", nil
	case "resume":
		if err := h.mgr.Resume(ctx, req.ChannelID); err != nil {
			return "", err
		}
		return "Resumed.", nil
	case "set-repo":
		return h.setRepo(ctx, req)
	case "set-branch":
		return h.setBranch(ctx, req)
	case "set-model":
		model := strings.TrimSpace(req.Options["id"])
		if model == "" {
			return "", fmt.Errorf("model id is required")
		}
		if err := h.mgr.SetModel(ctx, req.ChannelID, model); err != nil {
			return "", err
		}
		return "Model switched to `" + model + "`.", nil
	case "responder":
		return h.responder(ctx, req)
	case "config":
		return h.configSummary(ctx, req.ChannelID), nil
	default:
		return "", fmt.Errorf("unknown command %q", req.Name)
	}
}

func (h *Handler) grant(ctx context.Context, req Request) (string, error) {
	path := strings.TrimSpace(req.Options["path"])
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("path must be absolute")
	}
	mode := grants.Mode(req.Options["mode"])
	if mode != grants.ReadOnly && mode != grants.ReadWrite {
		return "", fmt.Errorf("mode must be ro or rw")
	}
	ttl := defaultGrantTTL
	if v := req.Options["ttl"]; v != "" {
		minutes, err := strconv.Atoi(v)
		if err != nil || minutes <= 0 {
			return "", fmt.Errorf("ttl must be a positive number of minutes")
		}
		ttl = time.Duration(minutes) * time.Minute
		if ttl > maxGrantTTL {
			ttl = maxGrantTTL
		}
	}
	g, err := h.grants.Add(ctx, req.ChannelID, path, mode, ttl)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Granted `%s` access to `%s` until <t:%d:f>.", mode, g.Path, g.ExpiresAt.Unix()), nil
}

func (h *Handler) revoke(ctx context.Context, req Request) (string, error) {
	path := strings.TrimSpace(req.Options["path"])
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if err := h.grants.Revoke(ctx, req.ChannelID, path); err != nil {
		return "", err
	}
	return fmt.Sprintf("Revoked access to `%s`.", path), nil
}

func (h *Handler) setRepo(ctx context.Context, req Request) (string, error) {
	input := strings.TrimSpace(req.Options["repo"])
	remoteURL, project, err := workspace.ParseRepoInput(input)
	if err != nil {
		return "", err
	}
	repoPath, err := h.ws.EnsureRepo(ctx, remoteURL, project)
	if err != nil {
		return "", fmt.Errorf("clone %s: %w", project, err)
	}
	if err := h.db.SetRepoOverride(ctx, store.RepoOverride{
		ChannelID: req.ChannelID,
		RemoteURL: remoteURL,
		RepoPath:  repoPath,
		Project:   project,
	}); err != nil {
		return "", err
	}
	// The old session points at the old checkout; tear it down.
	if err := h.mgr.Reset(ctx, req.ChannelID); err != nil && err != session.ErrNoSession {
		return "", err
	}
	return fmt.Sprintf("Repository set to `%s`. Branch override cleared; session reset.", project), nil
}

func (h *Handler) setBranch(ctx context.Context, req Request) (string, error) {
	branch := strings.TrimSpace(req.Options["name"])
	if branch == "" {
		return "", fmt.Errorf("branch name is required")
	}

	remoteURL, project, err := h.resolveRepo(ctx, req.ChannelID)
	if err != nil {
		return "", err
	}
	repoPath, err := h.ws.EnsureRepo(ctx, remoteURL, project)
	if err != nil {
		return "", err
	}
	if err := h.ws.ValidateBranch(ctx, repoPath, branch); err != nil {
		return "", err
	}
	if err := h.db.SetBranchOverride(ctx, req.ChannelID, branch); err != nil {
		return "", err
	}
	if err := h.mgr.Reset(ctx, req.ChannelID); err != nil && err != session.ErrNoSession {
		return "", err
	}
	return fmt.Sprintf("Base branch set to `%s`; session reset.", branch), nil
}

func (h *Handler) responder(ctx context.Context, req Request) (string, error) {
	user := strings.TrimSpace(req.Options["user"])
	if !config.IsSnowflake(user) {
		return "", fmt.Errorf("user must be a valid identifier")
	}
	if req.Options["remove"] == "true" {
		if err := h.db.RemoveResponder(ctx, req.ChannelID, user); err != nil {
			return "", err
		}
		return fmt.Sprintf("<@%s> may no longer answer agent questions here.", user), nil
	}
	if err := h.db.AddResponder(ctx, req.ChannelID, user); err != nil {
		return "", err
	}
	return fmt.Sprintf("<@%s> may now answer agent questions in this channel.", user), nil
}

func (h *Handler) configSummary(ctx context.Context, channelID string) string {
	var b strings.Builder
	b.WriteString("**Configuration**\n")
	fmt.Fprintf(&b, "default model: `%s`\n", h.cfg.DefaultModel)
	fmt.Fprintf(&b, "default repo: `%s`\n", orNone(h.cfg.DefaultRepo))
	fmt.Fprintf(&b, "default branch: `%s`\n", h.cfg.DefaultBranch)
	fmt.Fprintf(&b, "task timeout: `%s` · queue cap: `%d`\n", h.cfg.TaskTimeout, h.cfg.MaxQueueSize)

	if o, err := h.db.GetRepoOverride(ctx, channelID); err == nil {
		fmt.Fprintf(&b, "repo override: `%s`\n", o.Project)
	}
	if branch, err := h.db.GetBranchOverride(ctx, channelID); err == nil {
		fmt.Fprintf(&b, "branch override: `%s`\n", branch)
	}
	if sess, ok := h.mgr.Get(channelID); ok {
		status, paused := sess.Status()
		fmt.Fprintf(&b, "session: `%s` (paused: %t, queued: %d, model: `%s`)\n",
			status, paused, sess.QueueLen(), sess.Model())
	}
	active := h.grants.Active(channelID)
	if len(active) > 0 {
		b.WriteString("grants:\n")
		for _, g := range active {
			fmt.Fprintf(&b, "- `%s` (%s) until <t:%d:R>\n", g.Path, g.Mode, g.ExpiresAt.Unix())
		}
	}
	return b.String()
}

func (h *Handler) resolveRepo(ctx context.Context, channelID string) (string, string, error) {
	if o, err := h.db.GetRepoOverride(ctx, channelID); err == nil {
		return o.RemoteURL, o.Project, nil
	}
	if h.cfg.DefaultRepo == "" {
		return "", "", fmt.Errorf("no repository configured; use set-repo first")
	}
	return workspace.ParseRepoInput(h.cfg.DefaultRepo)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
