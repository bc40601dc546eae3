package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/autopilot/internal/chat"
	"github.com/basket/autopilot/internal/redact"
)

// fakeMessenger records message traffic and can simulate gone messages.
type fakeMessenger struct {
	mu       sync.Mutex
	nextID   int
	sends    []string
	edits    map[string][]string // message id -> contents
	files    map[string][]byte
	editErr  error
	sendErr  error
	editErrs int // how many edits fail before succeeding
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{edits: make(map[string][]string), files: make(map[string][]byte)}
}

func (f *fakeMessenger) Send(_ context.Context, channelID, content string) (chat.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return chat.MessageRef{}, f.sendErr
	}
	f.nextID++
	id := fmt.Sprintf("m%d", f.nextID)
	f.sends = append(f.sends, content)
	f.edits[id] = []string{content}
	return chat.MessageRef{ChannelID: channelID, MessageID: id}, nil
}

func (f *fakeMessenger) Edit(_ context.Context, ref chat.MessageRef, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErrs > 0 {
		f.editErrs--
		return f.editErr
	}
	f.edits[ref.MessageID] = append(f.edits[ref.MessageID], content)
	return nil
}

func (f *fakeMessenger) Delete(context.Context, chat.MessageRef) error { return nil }

func (f *fakeMessenger) SendFile(_ context.Context, channelID, filename string, content []byte) (chat.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[filename] = content
	return chat.MessageRef{ChannelID: channelID, MessageID: "file"}, nil
}

func (f *fakeMessenger) Typing(context.Context, string) error { return nil }

func (f *fakeMessenger) SendButtons(_ context.Context, channelID, content string, _ []chat.Button) (chat.MessageRef, error) {
	return f.Send(context.Background(), channelID, content)
}

func (f *fakeMessenger) AwaitButton(context.Context, chat.MessageRef, func(chat.ButtonClick) bool, time.Duration) (chat.ButtonClick, error) {
	return chat.ButtonClick{}, chat.ErrCollectorTimeout
}

func (f *fakeMessenger) DisableButtons(context.Context, chat.MessageRef, string) error { return nil }

func (f *fakeMessenger) AwaitMessage(context.Context, string, func(chat.InboundMessage) bool, time.Duration) (chat.InboundMessage, error) {
	return chat.InboundMessage{}, chat.ErrCollectorTimeout
}

func (f *fakeMessenger) ChannelInfo(context.Context, string) (chat.ChannelInfo, error) {
	return chat.ChannelInfo{TextCapable: true}, nil
}

func (f *fakeMessenger) MemberRoles(context.Context, string, string) ([]string, error) {
	return nil, nil
}

func (f *fakeMessenger) allContent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var b strings.Builder
	for _, s := range f.sends {
		b.WriteString(s)
		b.WriteString("\n")
	}
	for _, versions := range f.edits {
		for _, v := range versions {
			b.WriteString(v)
			b.WriteString("\n")
		}
	}
	for _, data := range f.files {
		b.Write(data)
	}
	return b.String()
}

func (f *fakeMessenger) lastContent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sends) == 0 {
		return ""
	}
	// Return the newest version of the last message.
	id := fmt.Sprintf("m%d", f.nextID)
	versions := f.edits[id]
	if len(versions) > 0 {
		return versions[len(versions)-1]
	}
	return f.sends[len(f.sends)-1]
}

func newTestSink(f *fakeMessenger) *Sink {
	return New(f, redact.NewScanner(nil), "chan", 0, nil)
}

func TestSecretStraddlingChunks(t *testing.T) {
	f := newFakeMessenger()
	s := newTestSink(f)

	token := "ghp_" + "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	s.Append("ghp_")
	s.Append("ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")
	s.Finish("")

	all := f.allContent()
	if strings.Contains(all, token) {
		t.Fatalf("token leaked to the platform")
	}
	// No substring of the token beyond the prefix-sized overlap may appear.
	for l := 12; l <= len(token); l++ {
		for i := 0; i+l <= len(token); i++ {
			if strings.Contains(all, token[i:i+l]) {
				t.Fatalf("token substring %q leaked", token[i:i+l])
			}
		}
	}
	if !strings.Contains(all, redact.Placeholder) {
		t.Fatalf("expected placeholder in output, got %q", all)
	}
}

func TestAppendOrderPreserved(t *testing.T) {
	f := newFakeMessenger()
	s := newTestSink(f)

	s.Append("first ")
	s.Append("second ")
	s.Append("third")
	s.Finish("")

	if got := f.lastContent(); got != "first second third" {
		t.Fatalf("content = %q", got)
	}
}

func TestFinish_AppendsEpilogueAndIgnoresLaterAppends(t *testing.T) {
	f := newFakeMessenger()
	s := newTestSink(f)

	s.Append("work done")
	s.Finish("*task complete*")

	if !s.Finished() {
		t.Fatalf("sink not finished")
	}
	got := f.lastContent()
	if !strings.Contains(got, "work done") || !strings.Contains(got, "*task complete*") {
		t.Fatalf("content = %q", got)
	}

	s.Append("late text")
	s.Flush()
	if strings.Contains(f.allContent(), "late text") {
		t.Fatalf("append after finish must be ignored")
	}
	// Finish is idempotent.
	s.Finish("again")
	if strings.Contains(f.allContent(), "again") {
		t.Fatalf("second finish must be a no-op")
	}
}

func TestStatusFooter_RenderedNotPersisted(t *testing.T) {
	f := newFakeMessenger()
	s := newTestSink(f)

	s.Append("building")
	s.SetStatus("running tests")
	s.Flush()

	// The footer may not have surfaced yet (content held in the overlap
	// window); force enough content through.
	s.Append(strings.Repeat("x", 3*redact.OverlapWindow))
	s.Flush()
	if !strings.Contains(f.allContent(), "running tests") {
		t.Fatalf("status footer never rendered: %q", f.allContent())
	}

	s.Finish("")
	if strings.Contains(f.lastContent(), "running tests") {
		t.Fatalf("status footer must be cleared on finish: %q", f.lastContent())
	}
}

func TestSplitting_LongOutput(t *testing.T) {
	f := newFakeMessenger()
	s := newTestSink(f)

	var lines []string
	for i := 0; i < 120; i++ {
		lines = append(lines, fmt.Sprintf("line %03d of the build log with some padding text", i))
	}
	s.Append(strings.Join(lines, "\n"))
	s.Finish("")

	f.mu.Lock()
	sendCount := len(f.sends)
	f.mu.Unlock()
	if sendCount < 2 {
		t.Fatalf("expected multiple messages, got %d", sendCount)
	}
	for _, content := range f.sends {
		if len(content) > MessageCeiling {
			t.Fatalf("message exceeds ceiling: %d chars", len(content))
		}
	}
	// All lines must survive the splits.
	all := f.allContent()
	for _, l := range lines {
		if !strings.Contains(all, l) {
			t.Fatalf("line lost in split: %q", l)
		}
	}
}

func TestOverflow_SentAsAttachment(t *testing.T) {
	f := newFakeMessenger()
	s := newTestSink(f)

	// The final tail plus the epilogue exceeds the ceiling; the message
	// must ship as a text attachment instead.
	s.Append(strings.Repeat("a", SplitThreshold-10))
	s.Finish(strings.Repeat("e", MessageCeiling-SplitThreshold+100))

	f.mu.Lock()
	_, hasFile := f.files["output.txt"]
	f.mu.Unlock()
	if !hasFile {
		t.Fatalf("expected attachment overflow")
	}
}

func TestEditGoneRecovery(t *testing.T) {
	f := newFakeMessenger()
	s := newTestSink(f)

	s.Append("hello world, this is the first chunk of output")
	s.Flush()
	s.Append(strings.Repeat("x", 3*redact.OverlapWindow))
	s.Flush()

	// Simulate the live message being deleted: next edit fails with gone.
	f.mu.Lock()
	f.editErr = fmt.Errorf("%w: deleted", chat.ErrGone)
	f.editErrs = 1
	sendsBefore := len(f.sends)
	f.mu.Unlock()

	s.Append(" more output after deletion")
	s.Finish("")

	f.mu.Lock()
	sendsAfter := len(f.sends)
	f.mu.Unlock()
	if sendsAfter <= sendsBefore {
		t.Fatalf("expected fresh send after gone edit")
	}
	if !strings.Contains(f.allContent(), "more output after deletion") {
		t.Fatalf("content lost during recovery")
	}
}

func TestNonGoneEditErrorDoesNotResend(t *testing.T) {
	f := newFakeMessenger()
	s := newTestSink(f)

	s.Append("visible content beyond the overlap " + strings.Repeat("y", 3*redact.OverlapWindow))
	s.Flush()

	f.mu.Lock()
	f.editErr = errors.New("rate limited")
	f.editErrs = 1
	sendsBefore := len(f.sends)
	f.mu.Unlock()

	s.Append("z")
	s.Finish("")

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sends) != sendsBefore {
		t.Fatalf("transient edit error must not spawn a new message")
	}
}

func TestFlushObserver_RecordsEveryFlush(t *testing.T) {
	f := newFakeMessenger()
	s := newTestSink(f)

	var mu sync.Mutex
	var seen []time.Duration
	s.SetFlushObserver(func(d time.Duration) {
		mu.Lock()
		seen = append(seen, d)
		mu.Unlock()
	})

	s.Append("observable output " + strings.Repeat("o", 3*redact.OverlapWindow))
	s.Flush()
	s.Finish("")

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 2 {
		t.Fatalf("observer saw %d flushes, want at least 2", len(seen))
	}
	for _, d := range seen {
		if d < 0 {
			t.Fatalf("negative flush duration %v", d)
		}
	}
}

func TestThrottle_CoalescesFlushes(t *testing.T) {
	f := newFakeMessenger()
	s := New(f, redact.NewScanner(nil), "chan", 80*time.Millisecond, nil)

	filler := strings.Repeat("w", 2*redact.OverlapWindow) + " "
	s.Append(filler)
	for i := 0; i < 20; i++ {
		s.Append(fmt.Sprintf("chunk%d ", i))
	}
	time.Sleep(250 * time.Millisecond)
	s.Finish("")

	f.mu.Lock()
	total := 0
	for _, versions := range f.edits {
		total += len(versions)
	}
	f.mu.Unlock()
	// 20 rapid appends within ~2 throttle intervals must collapse into a
	// handful of renders, not one per append.
	if total > 8 {
		t.Fatalf("throttle failed to coalesce: %d renders", total)
	}
	if !strings.Contains(f.allContent(), "chunk19") {
		t.Fatalf("final content missing after coalesced flushes")
	}
}
