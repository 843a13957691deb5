package model

import "time"

// Sender identifies who authored a Message.
type Sender string

const (
	SenderUser   Sender = "user"
	SenderServer Sender = "server"
)

// Thread is a single conversation between a user and the orchestrator.
// Threads are created on demand and live for the lifetime of the backing
// SessionStore; the core never edits or deletes a thread once created.
type Thread struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Message is one entry in a thread's transcript. Messages are append-only:
// the core never edits or deletes a Message after AddMessage returns.
type Message struct {
	ID        string
	ThreadID  string
	Sender    Sender
	Content   string
	Metadata  *MessageMetadata
	CreatedAt time.Time
}

// MessageMetadata carries pipeline-internal detail about how a server
// Message was produced. It is populated only for SenderServer messages and
// never changes the content of Content.
type MessageMetadata struct {
	Result     *TurnResult     `json:"result,omitempty"`
	DebugTrace []DebugTraceRow `json:"debug_trace,omitempty"`
}

// DebugTraceRow records one LLM call for UI inspection when the debug flag
// is enabled. Recording a trace row must never change pipeline behavior.
type DebugTraceRow struct {
	ID               string        `json:"id"`
	Stage            string        `json:"stage"`
	Tier             ModelTier     `json:"tier"`
	ModelID          string        `json:"model_id"`
	SystemPrompt     string        `json:"system_prompt"`
	UserPrompt       string        `json:"user_prompt"`
	StructuredOutput string        `json:"structured_output,omitempty"`
	InputTokens      int           `json:"input_tokens"`
	OutputTokens     int           `json:"output_tokens"`
	Elapsed          time.Duration `json:"elapsed_ns"`
	RecordedAt       time.Time     `json:"recorded_at"`
}

// TokenUsage aggregates LLM token consumption for a thread. Fields are
// monotonically non-decreasing for the lifetime of the thread.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	CallCount    int64
}
