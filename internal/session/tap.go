package session

import (
	"context"
	"fmt"

	"github.com/basket/autopilot/internal/bus"
	"github.com/basket/autopilot/internal/sink"
	"github.com/basket/autopilot/internal/store"
)

// startTap subscribes the manager to its own bus for the process lifetime.
// The tap is the consuming side of the event channel: streamed agent events
// land in the active output sink, and task and policy events feed the metric
// instruments. Each agent event carries the generation stamped at receipt;
// the tap discards anything whose generation is no longer current, so a
// stale delta or tool event cannot touch a later task's output.
func (m *Manager) startTap() {
	m.tapSub = m.eventBus.Subscribe("")
	go func() {
		for ev := range m.tapSub.Ch() {
			m.consume(ev)
		}
	}()
}

func (m *Manager) consume(ev bus.Event) {
	ctx := context.Background()
	switch payload := ev.Payload.(type) {
	case bus.AgentDelta:
		if _, out, ok := m.currentTask(payload.Channel, payload.Generation); ok {
			out.Append(payload.Text)
		}
	case bus.AgentToolEvent:
		sess, out, ok := m.currentTask(payload.Channel, payload.Generation)
		if !ok {
			return
		}
		if !payload.Done {
			out.SetStatus("running " + payload.Tool)
			return
		}
		sess.mu.Lock()
		sess.toolsCompleted++
		count := sess.toolsCompleted
		sess.mu.Unlock()
		out.SetStatus(fmt.Sprintf("%d tools completed", count))
	case bus.AgentIdle:
		// Task completion is driven by SendAndWait returning; the idle
		// event is informational and needs no action here.
	case bus.TaskEvent:
		if m.metrics == nil {
			return
		}
		switch {
		case ev.Topic == bus.TopicTaskStarted:
			m.metrics.TasksStarted.Add(ctx, 1)
		case ev.Topic == bus.TopicTaskFinished && payload.Status == store.TaskCompleted:
			m.metrics.TasksCompleted.Add(ctx, 1)
		case ev.Topic == bus.TopicTaskFinished && payload.Status == store.TaskAborted:
			m.metrics.TasksAborted.Add(ctx, 1)
		}
	case bus.PolicyDenied:
		if m.metrics != nil {
			m.metrics.PolicyDenials.Add(ctx, 1)
		}
	}
}

// currentTask resolves the channel's session and sink iff the generation is
// still the one in working.
func (m *Manager) currentTask(channel string, gen uint64) (*Session, *sink.Sink, bool) {
	sess, ok := m.Get(channel)
	if !ok {
		return nil, nil, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.taskGen != gen || sess.status != StatusWorking || sess.out == nil {
		return nil, nil, false
	}
	return sess, sess.out, true
}
