package v1

import "time"

// MessagePriority is advisory; the Coordination Bus never reorders delivery
// based on it, but handlers and transports may use it to prioritize work.
type MessagePriority string

const (
	PriorityLow      MessagePriority = "Low"
	PriorityNormal   MessagePriority = "Normal"
	PriorityHigh     MessagePriority = "High"
	PriorityCritical MessagePriority = "Critical"
)

// CoordinationKind discriminates the CoordinationMessage tagged variant.
type CoordinationKind string

const (
	KindRegistration   CoordinationKind = "Registration"
	KindTaskAssignment CoordinationKind = "TaskAssignment"
	KindTaskCompleted  CoordinationKind = "TaskCompleted"
	KindTaskProgress   CoordinationKind = "TaskProgress"
	KindHelpRequest    CoordinationKind = "HelpRequest"
	KindStatusUpdate   CoordinationKind = "StatusUpdate"
	KindCustom         CoordinationKind = "Custom"
)

// CoordinationMessage is the single envelope type the Coordination Bus
// carries; Kind discriminates which of the payload fields is populated.
type CoordinationMessage struct {
	Kind      CoordinationKind `json:"kind"`
	Priority  MessagePriority  `json:"priority"`
	Timestamp time.Time        `json:"timestamp"`

	AgentID string `json:"agent_id,omitempty"`

	// Registration
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	// TaskAssignment / TaskCompleted / TaskProgress
	TaskID   string                 `json:"task_id,omitempty"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	Result   map[string]interface{} `json:"result,omitempty"`
	Progress float64                `json:"progress,omitempty"`
	Note     string                 `json:"note,omitempty"`

	// HelpRequest
	Context string `json:"context,omitempty"`

	// StatusUpdate
	Status  AgentStatus            `json:"status,omitempty"`
	Metrics map[string]interface{} `json:"metrics,omitempty"`

	// Custom
	CustomKind string                 `json:"custom_kind,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
}
