// Package protocol defines the wire protocol between coworker clients and the
// session server: conversation messages, the canonical model stream vocabulary,
// server events, client frames, and the error taxonomy.
package protocol

import "encoding/json"

// Message roles in a session transcript.
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleToolResult = "tool_result"
)

// Message is one transcript entry. The Role field discriminates which of the
// remaining fields are meaningful:
//   - user: Text
//   - assistant: Parts
//   - tool_result: ToolCallID, ToolName, Content, IsError
type Message struct {
	Role string `json:"role"`

	// User messages.
	Text string `json:"text,omitempty"`

	// Assistant messages.
	Parts []MessagePart `json:"parts,omitempty"`

	// Tool results.
	ToolCallID string     `json:"toolCallId,omitempty"`
	ToolName   string     `json:"toolName,omitempty"`
	Content    []TextPart `json:"content,omitempty"`
	IsError    bool       `json:"isError,omitempty"`
}

// Message part types within an assistant message.
const (
	MessagePartText      = "text"
	MessagePartReasoning = "reasoning"
	MessagePartToolCall  = "tool_call"
)

// MessagePart is one element of an assistant message, in emission order.
type MessagePart struct {
	Type string `json:"type"`

	Text string        `json:"text,omitempty"`
	Mode ReasoningMode `json:"mode,omitempty"`
	Call *ToolCall     `json:"call,omitempty"`
}

// TextPart is a piece of textual content inside tool results.
type TextPart struct {
	Type string `json:"type"` // always "text"
	Text string `json:"text"`
}

// Text wraps a string in a single-element TextPart slice.
func Text(s string) []TextPart {
	return []TextPart{{Type: "text", Text: s}}
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolOutcome is the result of executing a tool call.
type ToolOutcome struct {
	Content []TextPart      `json:"content"`
	IsError bool            `json:"isError,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// ErrorText extracts the most useful error string from a failed outcome:
// the first textual content element, falling back to a JSON encoding.
func (o *ToolOutcome) ErrorText() string {
	if len(o.Content) > 0 && o.Content[0].Text != "" {
		return o.Content[0].Text
	}
	data, err := json.Marshal(o)
	if err != nil {
		return "tool error"
	}
	return string(data)
}

// Usage counts tokens consumed by one step or one whole turn.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// Add folds another usage sample into the receiver.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// TodoItem is one entry in a session's todo list.
type TodoItem struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Status string `json:"status"` // pending | in_progress | done
}

// UserMessage builds a user transcript entry.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Text: text}
}

// ToolResultMessage builds a tool_result transcript entry.
func ToolResultMessage(callID, toolName string, outcome *ToolOutcome) Message {
	return Message{
		Role:       RoleToolResult,
		ToolCallID: callID,
		ToolName:   toolName,
		Content:    outcome.Content,
		IsError:    outcome.IsError,
	}
}

// AssistantText returns the concatenated text parts of an assistant message.
func (m *Message) AssistantText() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == MessagePartText {
			out += p.Text
		}
	}
	return out
}

// ReasoningText returns the concatenated reasoning parts of an assistant
// message.
func (m *Message) ReasoningText() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == MessagePartReasoning {
			out += p.Text
		}
	}
	return out
}

// ToolCalls returns the tool calls of an assistant message in emission order.
func (m *Message) ToolCalls() []*ToolCall {
	var calls []*ToolCall
	for _, p := range m.Parts {
		if p.Type == MessagePartToolCall && p.Call != nil {
			calls = append(calls, p.Call)
		}
	}
	return calls
}
