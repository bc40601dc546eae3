// Package sink streams agent output into a chat channel: append-only input,
// throttled message edits, incremental secret redaction across chunk
// boundaries, length-based splitting, and attachment overflow.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/autopilot/internal/chat"
	"github.com/basket/autopilot/internal/redact"
)

const (
	// SplitThreshold is where the current message is closed and a new one
	// started.
	SplitThreshold = 1800
	// MessageCeiling is the hard platform limit; final content above it is
	// shipped as a text attachment.
	MessageCeiling = 1990

	overlap = redact.OverlapWindow
)

// Sink wraps one chat channel plus a single live message.
type Sink struct {
	msgr      chat.Messenger
	scanner   *redact.Scanner
	channelID string
	throttle  time.Duration
	logger    *slog.Logger

	mu sync.Mutex
	// raw accumulates appended text for boundary-overlap rescans.
	raw string
	// committed counts the scanned-output prefix already moved to cleaned.
	committed int
	// cleaned is redaction-safe content for the current message.
	cleaned string
	ref     *chat.MessageRef
	status  string

	finished  bool
	flushing  bool
	rerun     bool
	lastFlush time.Time
	timer     *time.Timer

	observe      func(time.Duration)
	sendFailures int
}

func New(msgr chat.Messenger, scanner *redact.Scanner, channelID string, throttle time.Duration, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		msgr:      msgr,
		scanner:   scanner,
		channelID: channelID,
		throttle:  throttle,
		logger:    logger,
	}
}

// SetFlushObserver records every flush's duration, platform round-trips
// included. Install it before streaming starts.
func (o *Sink) SetFlushObserver(fn func(time.Duration)) {
	o.mu.Lock()
	o.observe = fn
	o.mu.Unlock()
}

// Append adds streamed text. Appends after Finish are ignored.
func (o *Sink) Append(text string) {
	o.mu.Lock()
	if o.finished || text == "" {
		o.mu.Unlock()
		return
	}
	o.raw += text
	o.mu.Unlock()
	o.requestFlush()
}

// SetStatus replaces the transient footer shown under the streaming content.
func (o *Sink) SetStatus(status string) {
	o.mu.Lock()
	if o.finished {
		o.mu.Unlock()
		return
	}
	o.status = status
	o.mu.Unlock()
	o.requestFlush()
}

// Flush forces an immediate flush, bypassing the throttle.
func (o *Sink) Flush() {
	o.startFlush(false)
}

// Finish cancels the throttle, forces a final flush committing everything,
// appends the epilogue, clears the status footer, and marks the sink done.
func (o *Sink) Finish(epilogue string) {
	o.mu.Lock()
	if o.finished {
		o.mu.Unlock()
		return
	}
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	// Wait out an in-flight flush so the final pass sees settled state.
	for o.flushing {
		o.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		o.mu.Lock()
	}
	o.flushing = true
	o.status = ""
	o.mu.Unlock()

	o.doFlush(true, o.scanner.Redact(epilogue))

	o.mu.Lock()
	o.flushing = false
	o.finished = true
	o.mu.Unlock()
}

// requestFlush coalesces: during a flush it records a single follow-up; under
// the throttle interval it arms (at most one) delayed timer.
func (o *Sink) requestFlush() {
	o.mu.Lock()
	if o.finished {
		o.mu.Unlock()
		return
	}
	if o.flushing {
		o.rerun = true
		o.mu.Unlock()
		return
	}
	if wait := o.throttle - time.Since(o.lastFlush); wait > 0 {
		if o.timer == nil {
			o.timer = time.AfterFunc(wait, func() {
				o.mu.Lock()
				o.timer = nil
				o.mu.Unlock()
				o.startFlush(false)
			})
		}
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	o.startFlush(false)
}

func (o *Sink) startFlush(finishing bool) {
	o.mu.Lock()
	if o.finished || o.flushing {
		if o.flushing {
			o.rerun = true
		}
		o.mu.Unlock()
		return
	}
	o.flushing = true
	o.mu.Unlock()

	for {
		o.doFlush(finishing, "")
		o.mu.Lock()
		o.lastFlush = time.Now()
		if o.rerun && !finishing {
			o.rerun = false
			o.mu.Unlock()
			continue
		}
		o.flushing = false
		o.mu.Unlock()
		return
	}
}

// doFlush rescans the raw accumulator, commits the safe prefix into the
// cleaned buffer, splits completed messages, and renders the live tail. The
// epilogue is appended after splitting so a terminal notice lands on the
// last message.
func (o *Sink) doFlush(finishing bool, epilogue string) {
	started := time.Now()
	o.mu.Lock()

	scanned := o.scanner.Redact(o.raw)
	safeEnd := len(scanned)
	if !finishing {
		// Hold back the overlap window: a secret may still be straddling
		// the boundary with a chunk that has not arrived yet.
		safeEnd -= overlap
	}
	if safeEnd < o.committed {
		safeEnd = o.committed
	}
	o.cleaned += scanned[o.committed:safeEnd]
	o.committed = safeEnd

	// Bound the rescan cost: once the accumulator is far past the window,
	// keep only the tail still subject to boundary rescans.
	if !finishing && len(o.raw) > 4*overlap {
		o.raw = o.raw[len(o.raw)-2*overlap:]
		rescanned := o.scanner.Redact(o.raw)
		o.committed = len(rescanned) - overlap
		if o.committed < 0 {
			o.committed = 0
		}
	}

	// Close out full messages.
	var heads []string
	for len(o.cleaned) > SplitThreshold {
		cut := splitPoint(o.cleaned)
		heads = append(heads, strings.TrimRight(o.cleaned[:cut], "\n"))
		o.cleaned = strings.TrimLeft(o.cleaned[cut:], "\n")
	}

	tail := o.cleaned
	status := o.status
	ref := o.ref
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, head := range heads {
		ref = o.emit(ctx, ref, head)
		ref = nil // head content is final; the next text opens a new message
	}

	render := tail
	if finishing {
		if epilogue != "" {
			if render != "" {
				render += "\n\n"
			}
			render += epilogue
		}
	} else if status != "" {
		if render != "" {
			render += "\n"
		}
		render += "-# " + status
	}

	if finishing && len(render) > MessageCeiling {
		if _, err := o.msgr.SendFile(ctx, o.channelID, "output.txt", []byte(render)); err != nil {
			o.logger.Warn("attachment overflow send failed", "channel", o.channelID, "error", err)
		}
		ref = nil
	} else if render != "" {
		ref = o.emit(ctx, ref, render)
	}

	o.mu.Lock()
	o.ref = ref
	observe := o.observe
	o.mu.Unlock()
	if observe != nil {
		observe(time.Since(started))
	}
}

// emit edits the current message or sends a fresh one. A gone message or
// channel drops the reference and retries as a fresh send exactly once.
func (o *Sink) emit(ctx context.Context, ref *chat.MessageRef, content string) *chat.MessageRef {
	if ref != nil {
		err := o.msgr.Edit(ctx, *ref, content)
		if err == nil {
			return ref
		}
		if !errors.Is(err, chat.ErrGone) {
			o.logger.Warn("message edit failed", "channel", o.channelID, "error", err)
			return ref
		}
		ref = nil
	}
	sent, err := o.msgr.Send(ctx, o.channelID, content)
	if err != nil {
		o.mu.Lock()
		o.sendFailures++
		failures := o.sendFailures
		o.mu.Unlock()
		if failures <= 3 {
			o.logger.Warn("message send failed", "channel", o.channelID, "error", err)
		}
		return nil
	}
	o.mu.Lock()
	o.sendFailures = 0
	o.mu.Unlock()
	return &sent
}

// splitPoint picks where to close the current message: the last newline
// within the threshold, else the last space above 70% of it, else the exact
// threshold.
func splitPoint(s string) int {
	window := s[:SplitThreshold]
	if idx := strings.LastIndexByte(window, '\n'); idx > 0 {
		return idx
	}
	if idx := strings.LastIndexByte(window, ' '); idx > SplitThreshold*7/10 {
		return idx
	}
	return SplitThreshold
}

// Finished reports whether Finish has run.
func (o *Sink) Finished() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.finished
}

// FinalNotice formats a terminal marker appended beneath the streamed
// content, e.g. a timeout or abort note.
func FinalNotice(kind, detail string) string {
	if detail == "" {
		return fmt.Sprintf("*%s*", kind)
	}
	return fmt.Sprintf("*%s: %s*", kind, detail)
}
