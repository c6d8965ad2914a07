package asyncx

import (
	"errors"
	"time"
)

// State is the task state observed by polling clients.
// SUCCESS and FAILURE are terminal.
type State string

const (
	StatePending   State = "PENDING"
	StateStreaming State = "STREAMING"
	StateSuccess   State = "SUCCESS"
	StateFailure   State = "FAILURE"
)

// Terminal reports whether no further transition is allowed from s.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailure
}

// Kind selects the handler and the lane a task is routed to.
type Kind string

const (
	KindChat        Kind = "chat"
	KindChatStream  Kind = "chat_stream"
	KindConsolidate Kind = "consolidate"
)

// Lane names. Each lane is served by its own worker server.
const (
	LaneChat       = "chat"
	LaneBackground = "background"
)

// TaskType returns the asynq task type name for the kind.
func (k Kind) TaskType() string {
	switch k {
	case KindChat:
		return "chat:reply"
	case KindChatStream:
		return "chat:stream"
	case KindConsolidate:
		return "notes:consolidate"
	}
	return ""
}

// Lane returns the lane a kind is routed to.
func (k Kind) Lane() string {
	if k == KindConsolidate {
		return LaneBackground
	}
	return LaneChat
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k.TaskType() != ""
}

var (
	ErrNotFound    = errors.New("asyncx: task not found")
	ErrTerminal    = errors.New("asyncx: task already terminal")
	ErrSubmit      = errors.New("asyncx: submission failed")
	ErrTaskTimeout = errors.New("asyncx: task timed out")
)

// Snapshot is the latest published result of a task.
type Snapshot struct {
	Text      string    `json:"current_text,omitempty"` // accumulated streaming text
	Chunks    []string  `json:"chunks,omitempty"`
	Answer    string    `json:"answer,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	TimedOut  bool      `json:"timed_out,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskRecord is the persisted representation of a task lifecycle.
type TaskRecord struct {
	ID        string
	Kind      Kind
	Queue     string
	Payload   string // raw JSON payload
	State     State
	Snapshot  Snapshot
	CreatedAt time.Time
	UpdatedAt time.Time
}
