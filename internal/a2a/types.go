package a2a

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type MessageRequest struct {
	TaskID    string  `json:"task_id"`
	ContextID string  `json:"context_id,omitempty"`
	Message   Message `json:"message"`
}

type MessageResponse struct {
	TaskID    string  `json:"task_id"`
	ContextID string  `json:"context_id"`
	Message   Message `json:"message"`
}

type resubscribeRequest struct {
	TaskID string `json:"task_id"`
}

type resubscribeResponse struct {
	TaskID    string           `json:"task_id"`
	State     string           `json:"state"`
	Artifacts []map[string]any `json:"artifacts"`
}

// Event types carried in the "event" field of a stream frame.
const (
	EventTaskStatus   = "task-status"
	EventTaskArtifact = "task-artifact"
)

// Backend task states as they appear on the wire.
const (
	StateQueued        = "queued"
	StateWorking       = "working"
	StateInputRequired = "input-required"
	StateCompleted     = "completed"
	StateFailed        = "failed"
)

// Event is one decoded stream frame. For task-status frames State (and
// optionally Detail) is set; for task-artifact frames Artifact is.
type Event struct {
	Type     string         `json:"event"`
	TaskID   string         `json:"task_id,omitempty"`
	State    string         `json:"state,omitempty"`
	Detail   string         `json:"detail,omitempty"`
	Artifact map[string]any `json:"artifact,omitempty"`
}

// AgentCard is the optional descriptive metadata a stage serves.
type AgentCard struct {
	Name           string         `json:"name" yaml:"name"`
	Description    string         `json:"description" yaml:"description"`
	Capabilities   map[string]any `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Skills         []AgentSkill   `json:"skills,omitempty" yaml:"skills,omitempty"`
	Authentication map[string]any `json:"authentication,omitempty" yaml:"authentication,omitempty"`
}

type AgentSkill struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}
