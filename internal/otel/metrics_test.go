package otel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRecordHelpersBeforeInit(t *testing.T) {
	// Helpers must be safe when no instruments exist.
	ctx := context.Background()
	if workflowRunsCounter != nil {
		t.Skip("instruments already initialized by another test")
	}
	RecordWorkflowRun(ctx, "wf", "completed")
	RecordWorkflowStep(ctx, "echo", "ok", time.Millisecond)
	RecordDetection(ctx, "r1", "high")
	RecordEventsIngested(ctx, 3)
	RecordReply(ctx, "email", "sent")
	RecordGatewayEvent(ctx, "Connected")
	RecordGatewayFrame(ctx, "Ping")
}

func TestGatewayConnectionGauge(t *testing.T) {
	start := GatewayConnections()
	AddGatewayConnection()
	AddGatewayConnection()
	if got := GatewayConnections(); got != start+2 {
		t.Fatalf("connections = %d, want %d", got, start+2)
	}
	for i := int64(0); i < start+5; i++ {
		RemoveGatewayConnection()
	}
	if got := GatewayConnections(); got != 0 {
		t.Fatalf("connections = %d, want 0", got)
	}
}

func TestMetricsExported(t *testing.T) {
	ctx := context.Background()
	handler, err := InitMeterProvider(ctx, "metrics-test")
	if err != nil {
		t.Fatalf("InitMeterProvider: %v", err)
	}
	if err := InitMetricsWithTaskCount(ctx, func() int64 { return 2 }); err != nil {
		t.Fatalf("InitMetricsWithTaskCount: %v", err)
	}
	RecordWorkflowRun(ctx, "deploy", "completed")
	RecordWorkflowStep(ctx, "echo", "ok", 20*time.Millisecond)
	RecordDetection(ctx, "ssh_brute_force", "high")
	RecordEventsIngested(ctx, 5)
	RecordReply(ctx, "email", "approved")
	RecordGatewayEvent(ctx, "TaskSubmitted")
	RecordGatewayFrame(ctx, "SubmitTask")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, name := range []string{"aide_workflow_runs_total", "aide_detections_total", "aide_tasks_active"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestInitMetricsWithTaskCount_nilFunc(t *testing.T) {
	ctx := context.Background()
	_, _ = InitMeterProvider(ctx, "taskcount-nil-test")
	if err := InitMetricsWithTaskCount(ctx, nil); err != nil {
		t.Fatalf("InitMetricsWithTaskCount(nil): %v", err)
	}
}
