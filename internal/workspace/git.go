package workspace

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

const gitTimeout = 5 * time.Minute

// Git shells out to the source-control binary. Credentials are injected via
// git config environment variables rather than URL rewriting, so tokens never
// land in remotes or process listings.
type Git struct {
	hostToken string
}

func NewGit(hostToken string) *Git {
	return &Git{hostToken: hostToken}
}

// Run executes one git command in dir and returns its combined output.
func (g *Git) Run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(), g.credentialEnv()...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

func (g *Git) credentialEnv() []string {
	if g.hostToken == "" {
		return nil
	}
	basic := base64.StdEncoding.EncodeToString([]byte("x-access-token:" + g.hostToken))
	return []string{
		"GIT_CONFIG_COUNT=1",
		"GIT_CONFIG_KEY_0=http.https://github.com/.extraheader",
		"GIT_CONFIG_VALUE_0=AUTHORIZATION: basic " + basic,
		"GIT_TERMINAL_PROMPT=0",
	}
}

func (g *Git) Clone(ctx context.Context, remoteURL, dest string) error {
	_, err := g.Run(ctx, "", "clone", remoteURL, dest)
	return err
}

func (g *Git) Fetch(ctx context.Context, dir, remote, ref string) error {
	_, err := g.Run(ctx, dir, "fetch", remote, ref)
	return err
}

func (g *Git) RevParse(ctx context.Context, dir, ref string) (string, error) {
	out, err := g.Run(ctx, dir, "rev-parse", "--verify", ref)
	return strings.TrimSpace(out), err
}

// IsHealthy runs a quick integrity check on a worktree or repository.
func (g *Git) IsHealthy(ctx context.Context, dir string) bool {
	if _, err := os.Stat(dir); err != nil {
		return false
	}
	_, err := g.Run(ctx, dir, "rev-parse", "--git-dir")
	return err == nil
}

func (g *Git) WorktreeAdd(ctx context.Context, repoDir, path, branch, baseRef string) error {
	_, err := g.Run(ctx, repoDir, "worktree", "add", "-b", branch, path, baseRef)
	return err
}

func (g *Git) WorktreeRemove(ctx context.Context, repoDir, path string) error {
	_, err := g.Run(ctx, repoDir, "worktree", "remove", "--force", path)
	return err
}

func (g *Git) WorktreePrune(ctx context.Context, repoDir string) error {
	_, err := g.Run(ctx, repoDir, "worktree", "prune")
	return err
}

// CommitLog returns a short recent-commit summary for approval prompts.
func (g *Git) CommitLog(ctx context.Context, dir string) (string, error) {
	return g.Run(ctx, dir, "log", "--oneline", "-10")
}

// DiffSummary returns staged-plus-unstaged stat output for approval prompts.
func (g *Git) DiffSummary(ctx context.Context, dir string) (string, error) {
	staged, err := g.Run(ctx, dir, "diff", "--cached", "--stat")
	if err != nil {
		return "", err
	}
	unstaged, err := g.Run(ctx, dir, "diff", "--stat")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(staged + "\n" + unstaged), nil
}
