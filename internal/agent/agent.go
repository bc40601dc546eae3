// Package agent defines the contract the session manager requires of the
// coding-agent subprocess SDK. The SDK itself is an external collaborator;
// everything here is interface, event, and error shape.
package agent

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by SendAndWait when the task deadline expires. The
// session machine maps it to an aborted task with a user-facing notice.
var ErrTimeout = errors.New("agent: request timed out")

// ErrAborted is returned when an in-flight request was cancelled by Abort.
var ErrAborted = errors.New("agent: request aborted")

// Decision is the verdict a PreToolUse hook hands back to the subprocess.
type Decision struct {
	Allow bool
	// Context is surfaced to the agent as natural-language feedback, e.g.
	// telling it not to retry a denied push.
	Context string
}

// Hooks are invoked by the SDK from the subprocess event stream.
type Hooks struct {
	// PreToolUse arbitrates a tool invocation before it runs.
	PreToolUse func(toolName string, toolArgs map[string]any) Decision
	// UserInput is fired when the agent asks the human a question; it
	// blocks until an answer arrives or its deadline passes.
	UserInput func(ctx context.Context, question string) (string, error)
	// ErrorOccurred reports subprocess-level failures.
	ErrorOccurred func(err error)
}

// EventKind tags streaming events from the subprocess.
type EventKind int

const (
	EventDelta EventKind = iota
	EventToolStart
	EventToolDone
	EventIdle
)

// Event is one streaming occurrence from the agent session.
type Event struct {
	Kind EventKind
	Text string // delta text or tool name
	Err  error  // terminal error accompanying EventIdle, if any
}

// SessionOptions configure a new subprocess session.
type SessionOptions struct {
	WorkDir      string
	Model        string
	Streaming    bool
	SystemPrompt string
	Hooks        Hooks
}

// Session is one live subprocess conversation.
type Session interface {
	// SendAndWait submits a prompt and blocks until the agent goes idle or
	// the timeout expires; on expiry the error is ErrTimeout.
	SendAndWait(ctx context.Context, prompt string, timeout time.Duration) (string, error)
	// Abort cancels an in-flight request.
	Abort()
	// Destroy releases the subprocess.
	Destroy()
	// Events streams deltas, tool starts/completions, and idle markers.
	Events() <-chan Event
}

// Factory creates sessions. Creation must be wrappable with an external
// timeout; the manager enforces a 60 s ceiling and retries once.
type Factory interface {
	CreateSession(ctx context.Context, opts SessionOptions) (Session, error)
}
