// Package workspace provisions per-channel git worktrees: clones repos on
// demand, cuts agent branches, validates and heals corrupted trees, and
// reconciles the on-disk layout with the durable store at boot.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

var ownerRepoRe = regexp.MustCompile(`^[\w.-]+/[\w.-]+$`)

// Manager owns the workspaces/ and repos/ directories.
type Manager struct {
	git            *Git
	workspacesRoot string
	reposRoot      string
	defaultBranch  string
	logger         *slog.Logger

	cloneMu       sync.Mutex
	pendingClones map[string]*cloneOp
}

type cloneOp struct {
	done chan struct{}
	path string
	err  error
}

func NewManager(git *Git, workspacesRoot, reposRoot, defaultBranch string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		git:            git,
		workspacesRoot: workspacesRoot,
		reposRoot:      reposRoot,
		defaultBranch:  defaultBranch,
		logger:         logger,
		pendingClones:  make(map[string]*cloneOp),
	}
}

// ParseRepoInput accepts `owner/repo` or a full hosting URL and returns the
// clone URL plus the project name. Anything else is rejected.
func ParseRepoInput(input string) (remoteURL, project string, err error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", "", fmt.Errorf("empty repository")
	}
	if ownerRepoRe.MatchString(input) {
		project = input[strings.LastIndexByte(input, '/')+1:]
		return "https://github.com/" + input + ".git", strings.TrimSuffix(project, ".git"), nil
	}
	u, parseErr := url.Parse(input)
	if parseErr != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return "", "", fmt.Errorf("repository must be owner/repo or a hosting URL: %q", input)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("hosting URL must name owner and repository: %q", input)
	}
	project = strings.TrimSuffix(parts[len(parts)-1], ".git")
	if project == "" {
		return "", "", fmt.Errorf("hosting URL must name a repository: %q", input)
	}
	return input, project, nil
}

// EnsureRepo returns the local clone for a project, cloning on first use.
// Concurrent callers for the same project share one clone operation.
func (m *Manager) EnsureRepo(ctx context.Context, remoteURL, project string) (string, error) {
	m.cloneMu.Lock()
	if op, ok := m.pendingClones[project]; ok {
		m.cloneMu.Unlock()
		select {
		case <-op.done:
			return op.path, op.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	op := &cloneOp{done: make(chan struct{})}
	m.pendingClones[project] = op
	m.cloneMu.Unlock()

	op.path, op.err = m.ensureRepoLocked(ctx, remoteURL, project)
	close(op.done)

	m.cloneMu.Lock()
	delete(m.pendingClones, project)
	m.cloneMu.Unlock()
	return op.path, op.err
}

func (m *Manager) ensureRepoLocked(ctx context.Context, remoteURL, project string) (string, error) {
	repoPath := filepath.Join(m.reposRoot, project)
	if m.git.IsHealthy(ctx, repoPath) {
		return repoPath, nil
	}
	// A directory without source-control metadata is a half-finished clone.
	if _, err := os.Stat(repoPath); err == nil {
		m.logger.Warn("removing stale repo directory", "path", repoPath)
		if err := os.RemoveAll(repoPath); err != nil {
			return "", fmt.Errorf("remove stale repo: %w", err)
		}
	}
	if err := os.MkdirAll(m.reposRoot, 0o755); err != nil {
		return "", fmt.Errorf("create repos root: %w", err)
	}
	if err := m.git.Clone(ctx, remoteURL, repoPath); err != nil {
		return "", err
	}
	return repoPath, nil
}

// Healthy reports whether a worktree passes the quick integrity check.
func (m *Manager) Healthy(ctx context.Context, dir string) bool {
	return m.git.IsHealthy(ctx, dir)
}

// BranchName derives the agent branch for a channel: the channel id's last
// eight characters plus a base36 timestamp.
func BranchName(channelID string, now time.Time) string {
	suffix := channelID
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	return "agent/" + suffix + "-" + strconv.FormatInt(now.Unix(), 36)
}

// Worktree describes a provisioned channel workspace.
type Worktree struct {
	Path       string
	Branch     string
	BaseBranch string
}

// CreateWorktree provisions a fresh worktree for the channel. The base ref is
// the branch override when set and fetchable, else the configured default
// branch, else the repository HEAD. A corrupt result is removed and recreated
// once.
func (m *Manager) CreateWorktree(ctx context.Context, channelID, project, repoPath, branchOverride string) (Worktree, error) {
	wt, err := m.createWorktreeOnce(ctx, channelID, project, repoPath, branchOverride)
	if err != nil {
		return Worktree{}, err
	}
	if !m.git.IsHealthy(ctx, wt.Path) {
		m.logger.Warn("worktree failed integrity check, recreating", "path", wt.Path)
		m.RemoveWorktree(ctx, repoPath, wt.Path)
		return m.createWorktreeOnce(ctx, channelID, project, repoPath, branchOverride)
	}
	return wt, nil
}

func (m *Manager) createWorktreeOnce(ctx context.Context, channelID, project, repoPath, branchOverride string) (Worktree, error) {
	baseBranch, baseRef := m.resolveBase(ctx, repoPath, branchOverride)

	path := filepath.Join(m.workspacesRoot, project, channelID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Worktree{}, fmt.Errorf("create workspace parent: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		m.RemoveWorktree(ctx, repoPath, path)
	}

	branch := BranchName(channelID, time.Now())
	if err := m.git.WorktreeAdd(ctx, repoPath, path, branch, baseRef); err != nil {
		return Worktree{}, fmt.Errorf("add worktree: %w", err)
	}
	return Worktree{Path: path, Branch: branch, BaseBranch: baseBranch}, nil
}

// resolveBase picks the base branch and the concrete ref to branch from.
func (m *Manager) resolveBase(ctx context.Context, repoPath, branchOverride string) (branch, ref string) {
	try := func(name string) (string, bool) {
		if name == "" {
			return "", false
		}
		if err := m.git.Fetch(ctx, repoPath, "origin", name); err != nil {
			return "", false
		}
		candidate := "origin/" + name
		if _, err := m.git.RevParse(ctx, repoPath, candidate); err != nil {
			return "", false
		}
		return candidate, true
	}
	if ref, ok := try(branchOverride); ok {
		return branchOverride, ref
	}
	if ref, ok := try(m.defaultBranch); ok {
		return m.defaultBranch, ref
	}
	return m.defaultBranch, "HEAD"
}

// ValidateBranch confirms that a branch exists on the remote.
func (m *Manager) ValidateBranch(ctx context.Context, repoPath, branch string) error {
	if err := m.git.Fetch(ctx, repoPath, "origin", branch); err != nil {
		return fmt.Errorf("branch %q not fetchable: %w", branch, err)
	}
	if _, err := m.git.RevParse(ctx, repoPath, "origin/"+branch); err != nil {
		return fmt.Errorf("branch %q not found on remote: %w", branch, err)
	}
	return nil
}

// RemoveWorktree is best-effort: directory removal plus registration prune.
func (m *Manager) RemoveWorktree(ctx context.Context, repoPath, path string) {
	if err := m.git.WorktreeRemove(ctx, repoPath, path); err != nil {
		if rmErr := os.RemoveAll(path); rmErr != nil {
			m.logger.Warn("worktree removal failed", "path", path, "error", rmErr)
		}
	}
	if repoPath != "" {
		if err := m.git.WorktreePrune(ctx, repoPath); err != nil {
			m.logger.Warn("worktree prune failed", "repo", repoPath, "error", err)
		}
	}
}

// Reconcile removes on-disk channel directories no durable session
// references, reports durable rows whose workspace vanished, and prunes
// worktree registrations on every known repo.
func (m *Manager) Reconcile(ctx context.Context, referenced map[string]string) (orphanRows []string) {
	known := make(map[string]struct{}, len(referenced))
	for _, path := range referenced {
		known[filepath.Clean(path)] = struct{}{}
	}

	projects, err := os.ReadDir(m.workspacesRoot)
	if err == nil {
		for _, proj := range projects {
			if !proj.IsDir() {
				continue
			}
			projDir := filepath.Join(m.workspacesRoot, proj.Name())
			channels, err := os.ReadDir(projDir)
			if err != nil {
				continue
			}
			for _, ch := range channels {
				dir := filepath.Join(projDir, ch.Name())
				if _, ok := known[filepath.Clean(dir)]; ok {
					continue
				}
				m.logger.Info("removing unreferenced workspace", "path", dir)
				m.RemoveWorktree(ctx, filepath.Join(m.reposRoot, proj.Name()), dir)
			}
		}
	}

	for channel, path := range referenced {
		if _, err := os.Stat(path); err != nil {
			orphanRows = append(orphanRows, channel)
		}
	}

	repos, err := os.ReadDir(m.reposRoot)
	if err == nil {
		for _, repo := range repos {
			if repo.IsDir() {
				_ = m.git.WorktreePrune(ctx, filepath.Join(m.reposRoot, repo.Name()))
			}
		}
	}
	return orphanRows
}
