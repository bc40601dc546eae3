// Package policy is the stateless classifier gating every tool invocation
// the agent attempts. Given the invocation, the workspace root, and the
// channel's active grants it returns allow, or deny with a gate naming what
// would unblock it: push needs human approval, outside needs a grant.
package policy

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/basket/autopilot/internal/grants"
)

// Gate categorizes a denial.
type Gate string

const (
	GatePush    Gate = "push"
	GateOutside Gate = "outside"
	GateOther   Gate = "other"
)

// Decision is the outcome of evaluating one tool invocation.
type Decision struct {
	Allow  bool
	Gate   Gate
	Reason string
}

func allow() Decision {
	return Decision{Allow: true}
}

func deny(gate Gate, format string, args ...any) Decision {
	return Decision{Allow: false, Gate: gate, Reason: fmt.Sprintf(format, args...)}
}

// Kind tags the invocation family.
type Kind int

const (
	KindOther Kind = iota
	KindShell
	KindRead
	KindWrite
)

// Invocation is a tool call reduced to the fields the policy inspects.
type Invocation struct {
	Kind    Kind
	Tool    string
	Command string // shell family
	Cwd     string // shell family, optional explicit working directory
	Path    string // read/write families, optional
}

var shellTools = map[string]struct{}{
	"bash": {}, "shell": {}, "exec": {}, "run_command": {},
	"run_terminal_cmd": {}, "execute_command": {},
}

var readTools = map[string]struct{}{
	"read": {}, "read_file": {}, "view_file": {}, "open_file": {},
	"grep": {}, "glob": {}, "search": {}, "list_dir": {}, "ls": {},
	"notebook_read": {},
}

var writeTools = map[string]struct{}{
	"write": {}, "write_file": {}, "edit": {}, "edit_file": {},
	"create_file": {}, "apply_patch": {}, "str_replace": {},
	"notebook_edit": {}, "multi_edit": {},
}

var commandKeys = []string{"command", "cmd", "script"}
var cwdKeys = []string{"cwd", "working_dir", "workingDir", "directory"}
var pathKeys = []string{"path", "file_path", "filePath", "file", "target_file", "notebook_path"}

// Classify reduces a raw tool call to a tagged Invocation. Arguments are
// heterogeneous across agent versions, so extraction goes through a small
// fixed set of attribute names.
func Classify(toolName string, args map[string]any) Invocation {
	name := strings.ToLower(strings.TrimSpace(toolName))
	inv := Invocation{Kind: KindOther, Tool: toolName}

	lookup := func(keys []string) string {
		for _, k := range keys {
			if v, ok := args[k]; ok {
				if s, ok := v.(string); ok && s != "" {
					return s
				}
			}
		}
		return ""
	}

	switch {
	case contains(shellTools, name):
		inv.Kind = KindShell
		inv.Command = lookup(commandKeys)
		inv.Cwd = lookup(cwdKeys)
	case contains(readTools, name):
		inv.Kind = KindRead
		inv.Path = lookup(pathKeys)
	case contains(writeTools, name):
		inv.Kind = KindWrite
		inv.Path = lookup(pathKeys)
	}
	return inv
}

func contains(set map[string]struct{}, name string) bool {
	_, ok := set[name]
	return ok
}

// Evaluate is the single entry point: stateless, no side effects.
func Evaluate(inv Invocation, workspaceRoot string, active map[string]grants.Grant) Decision {
	switch inv.Kind {
	case KindShell:
		return evalShell(inv, workspaceRoot, active)
	case KindRead:
		return evalPath(inv.Path, workspaceRoot, active, grants.ReadOnly)
	case KindWrite:
		return evalPath(inv.Path, workspaceRoot, active, grants.ReadWrite)
	default:
		return allow()
	}
}

// evalPath gates the read and write families. A missing path (e.g. content
// search scoped to the workspace) allows.
func evalPath(path, root string, active map[string]grants.Grant, need grants.Mode) Decision {
	if path == "" {
		return allow()
	}
	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}
	if IsInsideWorkspace(root, target) {
		return allow()
	}
	if grants.Covers(active, target, need) {
		return allow()
	}
	return deny(GateOutside, "path %s is outside the workspace and not granted", path)
}

// IsInsideWorkspace reports whether target sits at or under root. Both sides
// are canonicalized, so a symlink cannot smuggle an escape, and a
// non-existent target resolves through its nearest existing ancestor.
func IsInsideWorkspace(root, target string) bool {
	cr := grants.Canonicalize(root)
	ct := grants.Canonicalize(target)
	return ct == cr || strings.HasPrefix(ct, cr+string(filepath.Separator))
}
