package approval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/autopilot/internal/chat"
	"github.com/basket/autopilot/internal/redact"
)

type fakeDiffs struct{}

func (fakeDiffs) CommitLog(context.Context, string) (string, error) {
	return "abc123 fix cache\ndef456 add tests", nil
}

func (fakeDiffs) DiffSummary(context.Context, string) (string, error) {
	return strings.Repeat("internal/cache/cache.go | 25 +++--\n", 60), nil
}

type fakeApprovalMessenger struct {
	mu         sync.Mutex
	prompt     string
	outcome    string
	deleted    bool
	click      chat.ButtonClick
	clickErr   error
	sendErr    error
	seenFilter func(chat.ButtonClick) bool
}

func (f *fakeApprovalMessenger) Send(_ context.Context, ch, content string) (chat.MessageRef, error) {
	return chat.MessageRef{ChannelID: ch, MessageID: "m1"}, nil
}
func (f *fakeApprovalMessenger) Edit(context.Context, chat.MessageRef, string) error { return nil }
func (f *fakeApprovalMessenger) Delete(context.Context, chat.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = true
	return nil
}
func (f *fakeApprovalMessenger) SendFile(_ context.Context, ch, _ string, _ []byte) (chat.MessageRef, error) {
	return chat.MessageRef{ChannelID: ch, MessageID: "f1"}, nil
}
func (f *fakeApprovalMessenger) Typing(context.Context, string) error { return nil }
func (f *fakeApprovalMessenger) SendButtons(_ context.Context, ch, content string, _ []chat.Button) (chat.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return chat.MessageRef{}, f.sendErr
	}
	f.prompt = content
	return chat.MessageRef{ChannelID: ch, MessageID: "m1"}, nil
}
func (f *fakeApprovalMessenger) AwaitButton(ctx context.Context, _ chat.MessageRef, filter func(chat.ButtonClick) bool, _ time.Duration) (chat.ButtonClick, error) {
	f.mu.Lock()
	f.seenFilter = filter
	click, err := f.click, f.clickErr
	f.mu.Unlock()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			<-ctx.Done()
			return chat.ButtonClick{}, ctx.Err()
		}
		return chat.ButtonClick{}, err
	}
	return click, nil
}
func (f *fakeApprovalMessenger) DisableButtons(_ context.Context, _ chat.MessageRef, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcome = content
	return nil
}
func (f *fakeApprovalMessenger) AwaitMessage(context.Context, string, func(chat.InboundMessage) bool, time.Duration) (chat.InboundMessage, error) {
	return chat.InboundMessage{}, chat.ErrCollectorTimeout
}
func (f *fakeApprovalMessenger) ChannelInfo(context.Context, string) (chat.ChannelInfo, error) {
	return chat.ChannelInfo{TextCapable: true}, nil
}
func (f *fakeApprovalMessenger) MemberRoles(context.Context, string, string) ([]string, error) {
	return nil, nil
}

func adminSet(ids ...string) func(context.Context, string, string) bool {
	set := make(map[string]struct{})
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(_ context.Context, _, userID string) bool {
		_, ok := set[userID]
		return ok
	}
}

func newCollector(f *fakeApprovalMessenger) *Collector {
	return New(f, fakeDiffs{}, redact.NewScanner(nil), adminSet("admin-1"), nil)
}

func TestRequest_Approved(t *testing.T) {
	f := &fakeApprovalMessenger{click: chat.ButtonClick{ButtonID: "push-approve", UserID: "admin-1"}}
	c := newCollector(f)

	if !c.Request(context.Background(), "chan", "/ws", "git push origin main") {
		t.Fatalf("expected approval")
	}
	if !strings.Contains(f.outcome, "approved") {
		t.Fatalf("outcome = %q", f.outcome)
	}
	if !strings.Contains(f.prompt, "git push origin main") {
		t.Fatalf("prompt missing command: %q", f.prompt)
	}
	if !strings.Contains(f.prompt, "Recent commits") || !strings.Contains(f.prompt, "Diff summary") {
		t.Fatalf("prompt missing summaries: %q", f.prompt)
	}
	// Long diff summaries are clamped.
	if len(f.prompt) > 2*summaryLimit+600 {
		t.Fatalf("prompt not clamped: %d chars", len(f.prompt))
	}
	// The admin filter must gate clicks.
	if f.seenFilter == nil || f.seenFilter(chat.ButtonClick{UserID: "rando"}) {
		t.Fatalf("non-admin click must be filtered")
	}
	if !f.seenFilter(chat.ButtonClick{UserID: "admin-1"}) {
		t.Fatalf("admin click must pass the filter")
	}
}

func TestRequest_Rejected(t *testing.T) {
	f := &fakeApprovalMessenger{click: chat.ButtonClick{ButtonID: "push-reject", UserID: "admin-1"}}
	c := newCollector(f)
	if c.Request(context.Background(), "chan", "/ws", "git push") {
		t.Fatalf("expected rejection")
	}
	if !strings.Contains(f.outcome, "rejected") {
		t.Fatalf("outcome = %q", f.outcome)
	}
}

func TestRequest_Timeout(t *testing.T) {
	f := &fakeApprovalMessenger{clickErr: chat.ErrCollectorTimeout}
	c := newCollector(f)
	if c.Request(context.Background(), "chan", "/ws", "git push") {
		t.Fatalf("timeout must resolve to false")
	}
	if !strings.Contains(f.outcome, "timed out") {
		t.Fatalf("outcome = %q", f.outcome)
	}
}

func TestRequest_PostFailure(t *testing.T) {
	f := &fakeApprovalMessenger{sendErr: errors.New("no access")}
	c := newCollector(f)
	if c.Request(context.Background(), "chan", "/ws", "git push") {
		t.Fatalf("post failure must resolve to false")
	}
}

func TestRequest_CancelledOnReset(t *testing.T) {
	f := &fakeApprovalMessenger{clickErr: context.Canceled}
	c := newCollector(f)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() { done <- c.Request(ctx, "chan", "/ws", "git push") }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if <-done {
		t.Fatalf("cancelled approval must be false")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.deleted {
		t.Fatalf("prompt must be deleted on reset")
	}
}

func TestRequest_AutoApprove(t *testing.T) {
	f := &fakeApprovalMessenger{}
	c := newCollector(f)
	c.AutoApprove = true
	if !c.Request(context.Background(), "chan", "/ws", "git push") {
		t.Fatalf("auto-approve must bypass the prompt")
	}
	if f.prompt != "" {
		t.Fatalf("prompt posted despite auto-approve")
	}
}
