// Package provider wraps concrete LLM SDK transports behind a single
// streaming contract. Each provider is a black box that turns a request into
// a channel of raw stream events; normalization into the canonical part
// vocabulary happens downstream in the runtime adapter.
package provider

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/coworker/internal/protocol"
)

// Provider families. The family decides reasoning presentation downstream:
// OpenAI-family streams carry provider-side summaries, the rest carry raw
// reasoning text.
const (
	FamilyOpenAI    = "openai"
	FamilyAnthropic = "anthropic"
)

// Raw stream event types. The vocabulary follows the OpenAI responses wire
// shapes; the anthropic transport maps its SDK events into the same set at
// its edge so the translation table downstream has one source dialect.
const (
	EventCreated               = "response.created"
	EventOutputTextDelta       = "response.output_text.delta"
	EventOutputTextDone        = "response.output_text.done"
	EventReasoningDelta        = "response.reasoning_text.delta"
	EventReasoningDone         = "response.reasoning_text.done"
	EventReasoningSummaryDelta = "response.reasoning_summary_text.delta"
	EventReasoningSummaryDone  = "response.reasoning_summary_text.done"
	EventFunctionCallAdded     = "response.function_call.added"
	EventFunctionCallArgsDelta = "response.function_call_arguments.delta"
	EventFunctionCallArgsDone  = "response.function_call_arguments.done"
	EventCompleted             = "response.completed"
	EventFailed                = "response.failed"
)

// StreamEvent is one raw provider event. Type discriminates which fields are
// set.
type StreamEvent struct {
	Type string

	// Text and reasoning deltas.
	ItemID string
	Delta  string
	Text   string

	// Function calls.
	ToolCallID string
	ToolName   string
	Arguments  string

	// Terminal events.
	StopReason string
	Usage      *protocol.Usage
	Err        error

	// Raw payload for events outside the known vocabulary.
	Payload json.RawMessage
}

// ToolDefinition is a tool surfaced to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is one model-stream invocation.
type Request struct {
	Model     string
	System    string
	Messages  []protocol.Message
	Tools     []ToolDefinition
	MaxTokens int

	// ProviderOptions carries provider-specific knobs merged in by
	// prepare-step hooks (reasoning effort, thinking budgets).
	ProviderOptions map[string]any
}

// Provider streams model output for a request. The returned channel closes
// after a terminal event (completed or failed); callers stop pulling on
// context cancellation.
type Provider interface {
	Name() string
	Family() string
	Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error)
}
