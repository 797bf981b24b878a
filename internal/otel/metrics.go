package otel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce sync.Once

	workflowRunsCounter  metric.Int64Counter
	workflowStepDuration metric.Float64Histogram
	detectionsCounter    metric.Int64Counter
	eventsIngested       metric.Int64Counter
	repliesCounter       metric.Int64Counter
	gatewayEventsCounter metric.Int64Counter
	gatewayFramesCounter metric.Int64Counter
	gatewayConnsGauge    metric.Int64ObservableGauge

	gatewayConns atomic.Int64
)

// InitMetrics creates the instruments once. Call after InitMeterProvider;
// the Record helpers are no-ops until it has run.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		workflowRunsCounter, err = m.Int64Counter("aide_workflow_runs_total", metric.WithDescription("Workflow runs that reached a terminal status"))
		if err != nil {
			return
		}
		workflowStepDuration, err = m.Float64Histogram("aide_workflow_step_duration_seconds", metric.WithDescription("Workflow tool call duration in seconds"))
		if err != nil {
			return
		}
		detectionsCounter, err = m.Int64Counter("aide_detections_total", metric.WithDescription("Threat detections produced"))
		if err != nil {
			return
		}
		eventsIngested, err = m.Int64Counter("aide_events_ingested_total", metric.WithDescription("Log events processed by the detection engine"))
		if err != nil {
			return
		}
		repliesCounter, err = m.Int64Counter("aide_replies_total", metric.WithDescription("Auto-reply lifecycle changes"))
		if err != nil {
			return
		}
		gatewayEventsCounter, err = m.Int64Counter("aide_gateway_events_total", metric.WithDescription("Gateway events broadcast"))
		if err != nil {
			return
		}
		gatewayFramesCounter, err = m.Int64Counter("aide_gateway_frames_total", metric.WithDescription("Client frames received by the gateway"))
		if err != nil {
			return
		}
		gatewayConnsGauge, err = m.Int64ObservableGauge("aide_gateway_connections", metric.WithDescription("Open gateway connections"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(gatewayConnsGauge, gatewayConns.Load())
			return nil
		}, gatewayConnsGauge)
	})
	return err
}

// RecordWorkflowRun counts a run that finished with status.
func RecordWorkflowRun(ctx context.Context, workflow, status string) {
	if workflowRunsCounter == nil {
		return
	}
	workflowRunsCounter.Add(ctx, 1, metric.WithAttributes(AttrWorkflow.String(workflow), AttrStatus.String(status)))
}

// RecordWorkflowStep records one tool invocation.
func RecordWorkflowStep(ctx context.Context, tool, outcome string, d time.Duration) {
	if workflowStepDuration == nil {
		return
	}
	workflowStepDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrTool.String(tool), AttrOutcome.String(outcome)))
}

// RecordDetection counts one detection.
func RecordDetection(ctx context.Context, ruleID, severity string) {
	if detectionsCounter == nil {
		return
	}
	detectionsCounter.Add(ctx, 1, metric.WithAttributes(AttrRule.String(ruleID), AttrSeverity.String(severity)))
}

// RecordEventsIngested counts n processed log events.
func RecordEventsIngested(ctx context.Context, n int) {
	if eventsIngested == nil || n <= 0 {
		return
	}
	eventsIngested.Add(ctx, int64(n))
}

// RecordReply counts a reply reaching status on channel.
func RecordReply(ctx context.Context, channel, status string) {
	if repliesCounter == nil {
		return
	}
	repliesCounter.Add(ctx, 1, metric.WithAttributes(AttrChannel.String(channel), AttrStatus.String(status)))
}

// RecordGatewayEvent counts one broadcast gateway event.
func RecordGatewayEvent(ctx context.Context, eventType string) {
	if gatewayEventsCounter == nil {
		return
	}
	gatewayEventsCounter.Add(ctx, 1, metric.WithAttributes(AttrType.String(eventType)))
}

// RecordGatewayFrame counts one inbound client frame.
func RecordGatewayFrame(ctx context.Context, frameType string) {
	if gatewayFramesCounter == nil {
		return
	}
	gatewayFramesCounter.Add(ctx, 1, metric.WithAttributes(AttrType.String(frameType)))
}

// AddGatewayConnection increments the connection gauge.
func AddGatewayConnection() { gatewayConns.Add(1) }

// RemoveGatewayConnection decrements the connection gauge, never below zero.
func RemoveGatewayConnection() {
	for {
		n := gatewayConns.Load()
		if n <= 0 || gatewayConns.CompareAndSwap(n, n-1) {
			return
		}
	}
}

// GatewayConnections returns the gauge's current value.
func GatewayConnections() int64 { return gatewayConns.Load() }

// TaskCountFunc reports the number of running gateway tasks.
type TaskCountFunc func() int64

// InitMetricsWithTaskCount is InitMetrics plus an aide_tasks_active gauge fed
// by taskCount. A nil taskCount skips the gauge.
func InitMetricsWithTaskCount(ctx context.Context, taskCount TaskCountFunc) error {
	if err := InitMetrics(ctx); err != nil {
		return err
	}
	if taskCount == nil {
		return nil
	}
	m := Meter()
	gauge, err := m.Int64ObservableGauge("aide_tasks_active", metric.WithDescription("Gateway tasks currently running"))
	if err != nil {
		return err
	}
	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, taskCount())
		return nil
	}, gauge)
	return err
}
