// Package redact scrubs secrets from text before it reaches chat, logs,
// or the durable store.
package redact

import (
	"regexp"
	"strings"
	"sync"
)

const Placeholder = "[REDACTED]"

// OverlapWindow is the number of trailing characters a streaming caller must
// rescan so a secret split across two chunks is still caught. It must be at
// least as long as the longest fixed-length pattern below.
const OverlapWindow = 120

// secretPatterns matches secret-bearing shapes in arbitrary text.
var secretPatterns = []*regexp.Regexp{
	// GitHub tokens: classic PATs, fine-grained, OAuth, app tokens.
	regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`),
	regexp.MustCompile(`github_pat_[A-Za-z0-9_]{22,255}`),
	regexp.MustCompile(`gh[oasru]_[A-Za-z0-9]{36,}`),
	// Chat platform bot tokens (three dot-separated base64 runs).
	regexp.MustCompile(`[MNO][A-Za-z0-9_-]{23,25}\.[A-Za-z0-9_-]{6}\.[A-Za-z0-9_-]{27,}`),
	// Anthropic / OpenAI style keys.
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`),
	// Google API keys.
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
	// AWS access key ids.
	regexp.MustCompile(`AKIA[A-Z0-9]{16}`),
	// Bearer tokens in Authorization headers.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// key=value assignments with secret-looking names.
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|password|token)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{12,})"?`),
	// Private key material.
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
}

// sensitiveEnvTokens name env vars whose literal values are scrubbed too.
var sensitiveEnvTokens = []string{"token", "secret", "key", "password", "credential"}

// Scanner redacts both pattern matches and literal values captured from the
// process environment at Init time. Capturing once keeps the scanner
// deterministic and lets tests inject a synthetic environment.
type Scanner struct {
	mu        sync.RWMutex
	envValues []string
}

// NewScanner builds a scanner from environ entries ("KEY=VALUE" form, as
// returned by os.Environ). Only values of secret-looking keys at least 8
// characters long are captured.
func NewScanner(environ []string) *Scanner {
	s := &Scanner{}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || len(v) < 8 {
			continue
		}
		lower := strings.ToLower(k)
		for _, tok := range sensitiveEnvTokens {
			if strings.Contains(lower, tok) {
				s.envValues = append(s.envValues, v)
				break
			}
		}
	}
	return s
}

// Redact replaces every secret-bearing match in input with [REDACTED].
func (s *Scanner) Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	s.mu.RLock()
	for _, v := range s.envValues {
		result = strings.ReplaceAll(result, v, Placeholder)
	}
	s.mu.RUnlock()
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			sub := pat.FindStringSubmatch(match)
			// Patterns with a prefix group keep the prefix, redact the value.
			if len(sub) >= 3 {
				return sub[1] + Placeholder
			}
			return Placeholder
		})
	}
	return result
}

// AddValue registers an additional literal value to scrub (e.g. a token read
// from config rather than the environment).
func (s *Scanner) AddValue(v string) {
	if len(v) < 8 {
		return
	}
	s.mu.Lock()
	s.envValues = append(s.envValues, v)
	s.mu.Unlock()
}

// SensitiveKey reports whether a structured-log key should be redacted
// wholesale based on its name.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, tok := range []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"} {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}
