// Package models provides the gateway wire types and the operations API JSON
// shapes shared by the daemon, pkg/client and external tools.
package models

import (
	"encoding/json"
	"time"
)

// ClientMessage is one client frame. Type selects the variant; only the
// fields belonging to that variant are meaningful.
type ClientMessage struct {
	Type        string          `json:"type"`
	Token       string          `json:"token,omitempty"`
	Description string          `json:"description,omitempty"`
	TaskID      string          `json:"task_id,omitempty"`
	Timestamp   json.RawMessage `json:"timestamp,omitempty"`
}

// StatusInfo is the payload of a StatusResponse frame.
type StatusInfo struct {
	ConnectedClients int   `json:"connected_clients"`
	ActiveTasks      int   `json:"active_tasks"`
	UptimeSecs       int64 `json:"uptime_secs"`
}

// ChannelInfo is one entry of a ChannelStatus frame.
type ChannelInfo struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// NodeInfo is one entry of a NodeStatus frame.
type NodeInfo struct {
	Name   string `json:"name"`
	Health string `json:"health"`
}

// ServerMessage is one server frame.
type ServerMessage struct {
	Type         string        `json:"type"`
	ConnectionID string        `json:"connection_id,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	Event        *GatewayEvent `json:"event,omitempty"`
	*StatusInfo
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	Channels  []ChannelInfo   `json:"channels,omitempty"`
	Nodes     []NodeInfo      `json:"nodes,omitempty"`
}

// GatewayEvent is fanned out to subscribers or sent to a single connection
// (errors). Fields are populated per Type.
type GatewayEvent struct {
	Type         string    `json:"type"`
	ConnectionID string    `json:"connection_id,omitempty"`
	TaskID       string    `json:"task_id,omitempty"`
	Description  string    `json:"description,omitempty"`
	Status       string    `json:"status,omitempty"`
	Message      string    `json:"message,omitempty"`
	Code         string    `json:"code,omitempty"`
	RuleID       string    `json:"rule_id,omitempty"`
	Severity     string    `json:"severity,omitempty"`
	ReplyID      string    `json:"reply_id,omitempty"`
	Channel      string    `json:"channel,omitempty"`
	Time         time.Time `json:"time"`
}

// EventFrame wraps ev in an Event server frame.
func EventFrame(ev GatewayEvent) ServerMessage {
	return ServerMessage{Type: ServerEvent, Event: &ev}
}

// ErrorEvent builds an Error gateway event.
func ErrorEvent(code, message string, now time.Time) GatewayEvent {
	return GatewayEvent{Type: EventError, Code: code, Message: message, Time: now}
}

// Health is the gateway /health response.
type Health struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Sessions    int    `json:"sessions"`
	UptimeSecs  int64  `json:"uptime_secs"`
}

// Run is a workflow run as returned by the operations API.
type Run struct {
	RunID            string         `json:"run_id"`
	Workflow         string         `json:"workflow_name"`
	Inputs           map[string]any `json:"inputs"`
	CurrentStepIndex int            `json:"current_step_index"`
	Status           string         `json:"status"`
	StepOutputs      map[string]any `json:"step_outputs"`
	Error            string         `json:"error,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Workflow summarizes a loaded workflow definition.
type Workflow struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Steps       []string `json:"steps"`
}

// Detection is a threat detection as returned by the operations API.
type Detection struct {
	ID          string    `json:"id"`
	RuleID      string    `json:"rule_id"`
	RuleName    string    `json:"rule_name,omitempty"`
	Severity    string    `json:"severity"`
	Mitre       string    `json:"mitre,omitempty"`
	Description string    `json:"description,omitempty"`
	DetectedAt  time.Time `json:"detected_at"`
	Response    string    `json:"response,omitempty"`
	EventCount  int       `json:"event_count"`
}

// Reply is a pending reply as returned by the operations API.
type Reply struct {
	ID              string    `json:"id"`
	Channel         string    `json:"channel"`
	Recipient       string    `json:"recipient"`
	OriginalSummary string    `json:"original_summary"`
	Priority        string    `json:"priority"`
	Draft           string    `json:"draft"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	Reasoning       string    `json:"reasoning"`
}

// RiskAssessment is the POST /v1/risk response.
type RiskAssessment struct {
	Risk    float64  `json:"risk"`
	Reasons []string `json:"reasons"`
}

// Accuracy is the GET /v1/accuracy response.
type Accuracy struct {
	TruePositives  int     `json:"true_positives"`
	FalsePositives int     `json:"false_positives"`
	FalseNegatives int     `json:"false_negatives"`
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
	F1             float64 `json:"f1"`
}

// Incident is the POST /v1/incidents body: an incident and the commits that
// caused it.
type Incident struct {
	IncidentID       string    `json:"incident_id"`
	Commits          []string  `json:"commits"`
	ChangedFiles     []string  `json:"changed_files"`
	ChangedFunctions []string  `json:"changed_functions,omitempty"`
	LatencyNS        int64     `json:"latency_ns,omitempty"`
	RecordedAt       time.Time `json:"recorded_at,omitzero"`
}

// Feedback is the POST /v1/feedback body.
type Feedback struct {
	FindingID string `json:"finding_id"`
	ScannerID string `json:"scanner_id"`
	RuleID    string `json:"rule_id"`
	Kind      string `json:"kind"`
	Comment   string `json:"comment,omitempty"`
}

// Pattern is a risky code hotspot.
type Pattern struct {
	ID            string  `json:"id"`
	Kind          string  `json:"kind"`
	Target        string  `json:"target"`
	IncidentCount int     `json:"incident_count"`
	Confidence    float64 `json:"confidence"`
	Description   string  `json:"description"`
}

// Message is a raw inbound message for POST /v1/messages.
type Message struct {
	Channel string `json:"channel"`
	Sender  string `json:"sender"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// MessageResult is the POST /v1/messages response.
type MessageResult struct {
	Classified struct {
		Priority        string  `json:"priority"`
		MessageType     string  `json:"message_type"`
		SuggestedAction string  `json:"suggested_action"`
		Confidence      float64 `json:"confidence"`
	} `json:"classified"`
	Reply     *Reply `json:"reply,omitempty"`
	Digested  bool   `json:"digested,omitempty"`
	Escalated bool   `json:"escalated,omitempty"`
}
