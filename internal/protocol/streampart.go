package protocol

import "encoding/json"

// StreamPartType discriminates the canonical model stream vocabulary. Every
// provider stream is normalized into this set before anything downstream
// (orchestrator, bus, transcript) sees it.
type StreamPartType string

const (
	// Lifecycle.
	PartStart      StreamPartType = "start"
	PartFinish     StreamPartType = "finish"
	PartAbort      StreamPartType = "abort"
	PartError      StreamPartType = "error"
	PartStartStep  StreamPartType = "start_step"
	PartFinishStep StreamPartType = "finish_step"

	// Text.
	PartTextStart StreamPartType = "text_start"
	PartTextDelta StreamPartType = "text_delta"
	PartTextEnd   StreamPartType = "text_end"

	// Reasoning.
	PartReasoningStart StreamPartType = "reasoning_start"
	PartReasoningDelta StreamPartType = "reasoning_delta"
	PartReasoningEnd   StreamPartType = "reasoning_end"

	// Tools.
	PartToolInputStart      StreamPartType = "tool_input_start"
	PartToolInputDelta      StreamPartType = "tool_input_delta"
	PartToolInputEnd        StreamPartType = "tool_input_end"
	PartToolCall            StreamPartType = "tool_call"
	PartToolResult          StreamPartType = "tool_result"
	PartToolError           StreamPartType = "tool_error"
	PartToolOutputDenied    StreamPartType = "tool_output_denied"
	PartToolApprovalRequest StreamPartType = "tool_approval_request"

	// Opaque.
	PartRaw     StreamPartType = "raw"
	PartUnknown StreamPartType = "unknown"
)

// ReasoningMode distinguishes raw chain-of-thought streams from provider-side
// summaries.
type ReasoningMode string

const (
	ReasoningModeReasoning ReasoningMode = "reasoning"
	ReasoningModeSummary   ReasoningMode = "summary"
)

// Stop reasons carried by finish and finish_step parts.
const (
	StopReasonStop             = "stop"
	StopReasonToolCalls        = "tool_calls"
	StopReasonStepLimitReached = "step_limit_reached"
	StopReasonError            = "error"
	StopReasonAborted          = "aborted"
)

// StreamPart is one canonical element of the model stream. Type discriminates
// which fields are set; unused fields are omitted on the wire so that a
// serialize/parse round trip preserves structural equality.
type StreamPart struct {
	Type StreamPartType `json:"type"`

	// Lifecycle: finish, finish_step, abort carry Reason; finish and
	// finish_step carry Usage; start_step and finish_step carry Step.
	Reason string `json:"reason,omitempty"`
	Usage  *Usage `json:"usage,omitempty"`
	Step   int    `json:"step,omitempty"`

	// Error parts.
	Err string `json:"err,omitempty"`

	// Text and reasoning blocks.
	ID   string        `json:"id,omitempty"`
	Mode ReasoningMode `json:"mode,omitempty"`
	Text string        `json:"text,omitempty"`

	// Tool parts. Key is the tool call id threading input deltas, the call
	// and its result/error together.
	Key    string          `json:"key,omitempty"`
	Name   string          `json:"name,omitempty"`
	Delta  string          `json:"delta,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output *ToolOutcome    `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`

	// Approval gating.
	ApprovalID string    `json:"approvalId,omitempty"`
	Call       *ToolCall `json:"call,omitempty"`

	// Opaque carriers.
	PartType string          `json:"partType,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// ParseStreamPart decodes a serialized stream part.
func ParseStreamPart(data []byte) (*StreamPart, error) {
	var part StreamPart
	if err := json.Unmarshal(data, &part); err != nil {
		return nil, err
	}
	return &part, nil
}
