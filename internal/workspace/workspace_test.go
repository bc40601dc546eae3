package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestParseRepoInput(t *testing.T) {
	cases := []struct {
		in      string
		url     string
		project string
		wantErr bool
	}{
		{"owner/repo", "https://github.com/owner/repo.git", "repo", false},
		{"some-org/some.repo", "https://github.com/some-org/some.repo.git", "some.repo", false},
		{"https://github.com/owner/repo", "https://github.com/owner/repo", "repo", false},
		{"https://github.com/owner/repo.git", "https://github.com/owner/repo.git", "repo", false},
		{"https://gitlab.example.com/group/sub/project.git", "https://gitlab.example.com/group/sub/project.git", "project", false},
		{"", "", "", true},
		{"not a repo", "", "", true},
		{"owner/repo/extra", "", "", true},
		{"ftp://example.com/owner/repo", "", "", true},
		{"https://github.com/", "", "", true},
	}
	for _, tc := range cases {
		url, project, err := ParseRepoInput(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%q: expected error, got %q/%q", tc.in, url, project)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tc.in, err)
			continue
		}
		if url != tc.url || project != tc.project {
			t.Errorf("%q: got (%q, %q), want (%q, %q)", tc.in, url, project, tc.url, tc.project)
		}
	}
}

func TestBranchName(t *testing.T) {
	now := time.Unix(1700000000, 0)
	name := BranchName("123456789012345678", now)
	if !strings.HasPrefix(name, "agent/12345678-") {
		t.Fatalf("branch = %q", name)
	}
	suffix := strings.TrimPrefix(name, "agent/12345678-")
	if _, err := strconv.ParseInt(suffix, 36, 64); err != nil {
		t.Fatalf("suffix %q is not base36: %v", suffix, err)
	}

	// Short channel ids are used whole.
	if got := BranchName("abc", now); !strings.HasPrefix(got, "agent/abc-") {
		t.Fatalf("short id branch = %q", got)
	}
}

func TestReconcile_FindsOrphans(t *testing.T) {
	base := t.TempDir()
	wsRoot := filepath.Join(base, "workspaces")
	reposRoot := filepath.Join(base, "repos")

	// Referenced workspace that exists.
	kept := filepath.Join(wsRoot, "proj", "chan-kept")
	// Unreferenced workspace that must be removed.
	stray := filepath.Join(wsRoot, "proj", "chan-stray")
	for _, d := range []string{kept, stray} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}

	m := NewManager(NewGit(""), wsRoot, reposRoot, "main", nil)
	referenced := map[string]string{
		"chan-kept": kept,
		"chan-gone": filepath.Join(wsRoot, "proj", "chan-gone"), // row without a directory
	}
	orphans := m.Reconcile(context.Background(), referenced)

	if len(orphans) != 1 || orphans[0] != "chan-gone" {
		t.Fatalf("orphan rows = %v", orphans)
	}
	if _, err := os.Stat(kept); err != nil {
		t.Fatalf("referenced workspace removed: %v", err)
	}
	if _, err := os.Stat(stray); !os.IsNotExist(err) {
		t.Fatalf("stray workspace survived")
	}
}
