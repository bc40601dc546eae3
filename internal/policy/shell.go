package policy

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/basket/autopilot/internal/grants"
)

// evalShell runs the four shell gates over every sub-command reachable from
// the command string, plus the raw string itself.
func evalShell(inv Invocation, root string, active map[string]grants.Grant) Decision {
	raw := inv.Command
	segments := ExpandCommand(raw)

	// 1. Push gate.
	for _, seg := range segments {
		if d := checkPushSegment(seg); !d.Allow {
			return d
		}
	}
	if d := checkPushRaw(raw); !d.Allow {
		return d
	}

	// 2. Explicit working directory.
	if inv.Cwd != "" {
		if !IsInsideWorkspace(root, inv.Cwd) && !grants.Covers(active, inv.Cwd, grants.ReadOnly) {
			return deny(GateOutside, "working directory %s is outside the workspace and not granted", inv.Cwd)
		}
	}

	for _, seg := range segments {
		// 3. Directory changes.
		if d := checkDirChange(seg, root, active); !d.Allow {
			return d
		}
		// 4. File operations on absolute paths.
		if d := checkFileOps(seg, root, active); !d.Allow {
			return d
		}
	}
	return allow()
}

// ExpandCommand returns every sub-command reachable from cmd: the top-level
// segments split at &&, ||, ;, | and newlines (quote-aware), the inner
// commands of `sh -c '…'` wrappers, and the contents of command
// substitutions — $(…) at any nesting depth and backticks.
func ExpandCommand(cmd string) []string {
	var out []string
	seen := make(map[string]struct{})
	var walk func(s string)
	walk = func(s string) {
		for _, seg := range splitSegments(s) {
			if _, ok := seen[seg]; ok {
				continue
			}
			seen[seg] = struct{}{}
			out = append(out, seg)
			if inner := unwrapShellC(seg); inner != "" {
				walk(inner)
			}
			for _, sub := range commandSubstitutions(seg) {
				walk(sub)
			}
		}
	}
	walk(cmd)
	return out
}

// splitSegments splits at top-level &&, ||, ;, | and newlines, respecting
// single- and double-quoted runs and $( … ) nesting.
func splitSegments(cmd string) []string {
	var segments []string
	var buf strings.Builder
	inSingle, inDouble := false, false
	parenDepth := 0

	flush := func() {
		if seg := strings.TrimSpace(buf.String()); seg != "" {
			segments = append(segments, seg)
		}
		buf.Reset()
	}

	runes := []rune(cmd)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case inSingle:
			buf.WriteRune(c)
			if c == '\'' {
				inSingle = false
			}
		case inDouble:
			if c == '\\' && i+1 < len(runes) {
				buf.WriteRune(c)
				i++
				buf.WriteRune(runes[i])
				continue
			}
			buf.WriteRune(c)
			if c == '"' {
				inDouble = false
			}
		case c == '\'':
			inSingle = true
			buf.WriteRune(c)
		case c == '"':
			inDouble = true
			buf.WriteRune(c)
		case c == '$' && i+1 < len(runes) && runes[i+1] == '(':
			parenDepth++
			buf.WriteRune(c)
		case c == ')' && parenDepth > 0:
			parenDepth--
			buf.WriteRune(c)
		case parenDepth > 0:
			buf.WriteRune(c)
		case c == '\n' || c == ';':
			flush()
		case c == '&' && i+1 < len(runes) && runes[i+1] == '&':
			flush()
			i++
		case c == '|':
			if i+1 < len(runes) && runes[i+1] == '|' {
				i++
			}
			flush()
		default:
			buf.WriteRune(c)
		}
	}
	flush()
	return segments
}

// commandSubstitutions extracts the bodies of $(…) (handling nesting) and
// backtick substitutions.
func commandSubstitutions(s string) []string {
	var out []string
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		if runes[i] == '$' && i+1 < len(runes) && runes[i+1] == '(' {
			depth := 1
			j := i + 2
			for ; j < len(runes) && depth > 0; j++ {
				switch {
				case runes[j] == '$' && j+1 < len(runes) && runes[j+1] == '(':
					depth++
					j++
				case runes[j] == ')':
					depth--
				}
			}
			body := strings.TrimSpace(string(runes[i+2 : j-1]))
			if body != "" {
				out = append(out, body)
			}
			i = j - 1
			continue
		}
		if runes[i] == '`' {
			j := i + 1
			for ; j < len(runes) && runes[j] != '`'; j++ {
			}
			if j < len(runes) {
				body := strings.TrimSpace(string(runes[i+1 : j]))
				if body != "" {
					out = append(out, body)
				}
				i = j
			}
		}
	}
	return out
}

var shellBinaries = map[string]struct{}{
	"sh": {}, "bash": {}, "zsh": {}, "dash": {}, "ksh": {},
}

// unwrapShellC returns the inner command of `<shell> -c '<inner>'`, or "".
func unwrapShellC(seg string) string {
	fields := shellFields(seg)
	if len(fields) < 3 {
		return ""
	}
	base := filepath.Base(fields[0])
	if _, ok := shellBinaries[base]; !ok {
		return ""
	}
	for i := 1; i < len(fields)-1; i++ {
		if fields[i] == "-c" {
			return fields[i+1]
		}
	}
	return ""
}

// shellFields tokenizes respecting quotes; quotes are stripped from tokens.
func shellFields(s string) []string {
	var fields []string
	var buf strings.Builder
	inSingle, inDouble := false, false
	flush := func() {
		if buf.Len() > 0 {
			fields = append(fields, buf.String())
			buf.Reset()
		}
	}
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case inSingle:
			if c == '\'' {
				inSingle = false
			} else {
				buf.WriteRune(c)
			}
		case inDouble:
			if c == '"' {
				inDouble = false
			} else {
				buf.WriteRune(c)
			}
		case c == '\'':
			inSingle = true
		case c == '"':
			inDouble = true
		case c == ' ' || c == '\t':
			flush()
		default:
			buf.WriteRune(c)
		}
	}
	flush()
	return fields
}

var (
	// git as the command with optional leading flags (value-carrying or
	// not), then the push verb. Segments are trimmed, so anchoring at the
	// start keeps `echo git push` out of scope.
	gitPushRe = regexp.MustCompile(`^git\s+(?:-{1,2}[\w-]+(?:[=\s]\S+)?\s+)*push\b`)
	// hosting-service CLI publishing verbs.
	ghPublishRe = regexp.MustCompile(`^gh\s+pr\s+(?:create|merge|push)\b`)
	// environment-prefix form: VAR=value git push.
	envPrefixPushRe = regexp.MustCompile(`^(?:\w+=\S+\s+)+git\s+(?:-{1,2}[\w-]+(?:[=\s]\S+)?\s+)*push\b`)
	// alias definition that references a push-capable verb.
	gitAliasRe = regexp.MustCompile(`git\s+config\s+(?:--?\S+\s+)*alias\.\S+`)
	// git followed by a dynamic sub-command: variable, substitution, backtick.
	gitDynamicRe = regexp.MustCompile("(?:^|\\s)git\\s+[\"']?(?:\\$|`)")
	// eval / source wrappers.
	dangerousWrapRe = regexp.MustCompile(`(?:^|\s)(?:eval|source)\s`)
)

// checkPushSegment gates one sub-command.
func checkPushSegment(seg string) Decision {
	if gitPushRe.MatchString(seg) || envPrefixPushRe.MatchString(seg) {
		return deny(GatePush, "command contains git push: %s", seg)
	}
	if ghPublishRe.MatchString(seg) {
		return deny(GatePush, "command publishes a pull request: %s", seg)
	}
	return allow()
}

// checkPushRaw gates the suspicious shapes that only make sense against the
// whole command string.
func checkPushRaw(raw string) Decision {
	if dangerousWrapRe.MatchString(raw) &&
		strings.Contains(raw, "git") && strings.Contains(raw, "push") {
		return deny(GatePush, "eval/source wrapper around git push: %s", raw)
	}
	if m := gitAliasRe.FindStringIndex(raw); m != nil && strings.Contains(raw[m[0]:], "push") {
		return deny(GatePush, "git alias definition references push: %s", raw)
	}
	if gitDynamicRe.MatchString(raw) {
		return deny(GatePush, "git with dynamic sub-command: %s", raw)
	}
	return allow()
}

// checkDirChange gates cd / pushd targets in one sub-command.
func checkDirChange(seg string, root string, active map[string]grants.Grant) Decision {
	fields := shellFields(seg)
	for i, f := range fields {
		if f != "cd" && f != "pushd" {
			continue
		}
		if i+1 >= len(fields) {
			// Bare cd goes to $HOME, which is unresolvable here.
			return deny(GateOutside, "cd without a target leaves the workspace")
		}
		target := fields[i+1]
		switch {
		case target == "-":
			return deny(GateOutside, "cd - targets an unresolvable previous directory")
		case strings.HasPrefix(target, "~"):
			return deny(GateOutside, "cd target %s uses home expansion", target)
		case strings.ContainsAny(target, "$`"):
			return deny(GateOutside, "cd target %s is dynamic", target)
		}
		resolved := target
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(root, resolved)
		}
		if !IsInsideWorkspace(root, resolved) && !grants.Covers(active, resolved, grants.ReadOnly) {
			return deny(GateOutside, "cd target %s is outside the workspace and not granted", target)
		}
	}
	return allow()
}

// Classic file-reading verbs gated when given an absolute path.
var readVerbs = map[string]struct{}{
	"cat": {}, "head": {}, "tail": {}, "less": {}, "more": {}, "sort": {},
	"uniq": {}, "wc": {}, "file": {}, "stat": {}, "od": {}, "xxd": {},
	"strings": {}, "base64": {}, "type": {}, "nl": {}, "tac": {},
}

var devExemptRe = regexp.MustCompile(`^/dev/(?:null|stdin|stdout|stderr|urandom|random|zero|tty|fd/\d+)$`)

var redirectRe = regexp.MustCompile(`>>?\s*(/[^\s;|&]+)`)

// checkFileOps gates reads, redirections, and HTTP-client uploads touching
// absolute paths in one sub-command.
func checkFileOps(seg string, root string, active map[string]grants.Grant) Decision {
	fields := shellFields(seg)
	if len(fields) == 0 {
		return allow()
	}

	requires := func(path string, need grants.Mode, what string) Decision {
		if devExemptRe.MatchString(path) {
			return allow()
		}
		if IsInsideWorkspace(root, path) || grants.Covers(active, path, need) {
			return allow()
		}
		return deny(GateOutside, "%s %s is outside the workspace and not granted", what, path)
	}

	// (a) reading verbs with absolute path arguments.
	if _, ok := readVerbs[filepath.Base(fields[0])]; ok {
		for _, arg := range fields[1:] {
			if strings.HasPrefix(arg, "/") {
				if d := requires(arg, grants.ReadOnly, "read of"); !d.Allow {
					return d
				}
			}
		}
	}

	// (b) output redirections to absolute paths.
	for _, m := range redirectRe.FindAllStringSubmatch(seg, -1) {
		if d := requires(m[1], grants.ReadWrite, "redirection to"); !d.Allow {
			return d
		}
	}

	// (c) HTTP-client upload shapes.
	if base := filepath.Base(fields[0]); base == "curl" || base == "wget" {
		for i, f := range fields {
			var candidate string
			switch {
			case f == "-d" || strings.HasPrefix(f, "--data"):
				val := ""
				if eq := strings.IndexByte(f, '='); eq >= 0 && strings.HasPrefix(f, "--data") {
					val = f[eq+1:]
				} else if i+1 < len(fields) {
					val = fields[i+1]
				}
				if strings.HasPrefix(val, "@") {
					candidate = strings.TrimPrefix(val, "@")
				}
			case f == "--upload-file" || f == "-T":
				if i+1 < len(fields) {
					candidate = fields[i+1]
				}
			case strings.HasPrefix(f, "--upload-file="):
				candidate = strings.TrimPrefix(f, "--upload-file=")
			}
			if candidate != "" && strings.HasPrefix(candidate, "/") {
				if d := requires(candidate, grants.ReadOnly, "upload of"); !d.Allow {
					return d
				}
			}
		}
	}
	return allow()
}
