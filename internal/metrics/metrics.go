// Package metrics holds the OpenTelemetry instruments the core records into.
package metrics

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all instruments.
type Metrics struct {
	TasksStarted   metric.Int64Counter
	TasksCompleted metric.Int64Counter
	TasksAborted   metric.Int64Counter
	PolicyDenials  metric.Int64Counter
	ActiveSessions metric.Int64UpDownCounter
	QueueDepth     metric.Int64UpDownCounter
	FlushDuration  metric.Float64Histogram
}

// New creates all metric instruments from the given meter.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksStarted, err = meter.Int64Counter("autopilot.tasks.started",
		metric.WithDescription("Tasks promoted to working"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("autopilot.tasks.completed",
		metric.WithDescription("Tasks finished successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksAborted, err = meter.Int64Counter("autopilot.tasks.aborted",
		metric.WithDescription("Tasks aborted by user, timeout, or crash recovery"),
	)
	if err != nil {
		return nil, err
	}

	m.PolicyDenials, err = meter.Int64Counter("autopilot.policy.denials",
		metric.WithDescription("Tool invocations denied by the policy engine"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("autopilot.sessions.active",
		metric.WithDescription("Live channel sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("autopilot.queue.depth",
		metric.WithDescription("Queued tasks across all channels"),
	)
	if err != nil {
		return nil, err
	}

	m.FlushDuration, err = meter.Float64Histogram("autopilot.sink.flush_duration",
		metric.WithDescription("Output sink flush duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
