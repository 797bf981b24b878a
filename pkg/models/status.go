package models

// Client frame types.
const (
	ClientAuthenticate = "Authenticate"
	ClientSubmitTask   = "SubmitTask"
	ClientCancelTask   = "CancelTask"
	ClientGetStatus    = "GetStatus"
	ClientPing         = "Ping"
	ClientListChannels = "ListChannels"
	ClientListNodes    = "ListNodes"
)

// Server frame types.
const (
	ServerAuthenticated  = "Authenticated"
	ServerAuthFailed     = "AuthFailed"
	ServerEvent          = "Event"
	ServerStatusResponse = "StatusResponse"
	ServerPong           = "Pong"
	ServerChannelStatus  = "ChannelStatus"
	ServerNodeStatus     = "NodeStatus"
)

// Gateway event types.
const (
	EventConnected        = "Connected"
	EventDisconnected     = "Disconnected"
	EventTaskSubmitted    = "TaskSubmitted"
	EventTaskCompleted    = "TaskCompleted"
	EventAssistantMessage = "AssistantMessage"
	EventError            = "Error"
	EventThreatDetected   = "ThreatDetected"
	EventReplyQueued      = "ReplyQueued"
)

// Error event codes.
const (
	CodeCapacityFull   = "CAPACITY_FULL"
	CodeParseError     = "PARSE_ERROR"
	CodeNotFound       = "NOT_FOUND"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeUnavailable    = "UNAVAILABLE"
	CodeTaskFailed     = "TASK_FAILED"
)

// Task statuses carried by TaskCompleted.
const (
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

// Default limits.
const (
	DefaultGatewayPort         = 3548
	DefaultMaxConnections      = 64
	DefaultMaxRequestBodyBytes = 1 << 20 // 1 MiB
	DefaultBroadcastBuffer     = 256
	DefaultMaxFrameBytes       = 1 << 20
)
