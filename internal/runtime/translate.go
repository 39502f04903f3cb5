// Package runtime drives the bounded step loop for one turn: it pulls raw
// provider events, normalizes them into the canonical stream part vocabulary,
// accumulates the assistant message, and hands tool calls to the dispatcher.
package runtime

import (
	"encoding/json"

	"github.com/haasonsaas/coworker/internal/protocol"
	"github.com/haasonsaas/coworker/internal/provider"
)

// streamState translates one provider stream into canonical parts while
// accumulating the assistant message for the step.
type streamState struct {
	mode protocol.ReasoningMode

	openText      map[string]bool
	openReasoning map[string]protocol.ReasoningMode
	toolNames     map[string]string

	parts      []protocol.MessagePart
	stopReason string
	usage      protocol.Usage
	finished   bool
	failure    error
}

func newStreamState(mode protocol.ReasoningMode) *streamState {
	return &streamState{
		mode:          mode,
		openText:      make(map[string]bool),
		openReasoning: make(map[string]protocol.ReasoningMode),
		toolNames:     make(map[string]string),
	}
}

// translate maps one raw event to zero or more canonical parts and folds its
// content into the accumulating assistant message.
func (s *streamState) translate(ev provider.StreamEvent) []*protocol.StreamPart {
	switch ev.Type {
	case provider.EventCreated:
		return nil

	case provider.EventOutputTextDelta:
		var out []*protocol.StreamPart
		if !s.openText[ev.ItemID] {
			s.openText[ev.ItemID] = true
			out = append(out, &protocol.StreamPart{Type: protocol.PartTextStart, ID: ev.ItemID})
		}
		s.appendText(protocol.MessagePartText, ev.Delta, "")
		out = append(out, &protocol.StreamPart{Type: protocol.PartTextDelta, ID: ev.ItemID, Text: ev.Delta})
		return out

	case provider.EventOutputTextDone:
		if !s.openText[ev.ItemID] {
			return nil
		}
		delete(s.openText, ev.ItemID)
		return []*protocol.StreamPart{{Type: protocol.PartTextEnd, ID: ev.ItemID}}

	case provider.EventReasoningDelta, provider.EventReasoningSummaryDelta:
		mode := s.mode
		if ev.Type == provider.EventReasoningSummaryDelta {
			mode = protocol.ReasoningModeSummary
		}
		var out []*protocol.StreamPart
		if _, open := s.openReasoning[ev.ItemID]; !open {
			s.openReasoning[ev.ItemID] = mode
			out = append(out, &protocol.StreamPart{Type: protocol.PartReasoningStart, ID: ev.ItemID, Mode: mode})
		}
		s.appendText(protocol.MessagePartReasoning, ev.Delta, mode)
		out = append(out, &protocol.StreamPart{Type: protocol.PartReasoningDelta, ID: ev.ItemID, Mode: mode, Text: ev.Delta})
		return out

	case provider.EventReasoningDone, provider.EventReasoningSummaryDone:
		mode, open := s.openReasoning[ev.ItemID]
		if !open {
			return nil
		}
		delete(s.openReasoning, ev.ItemID)
		return []*protocol.StreamPart{{Type: protocol.PartReasoningEnd, ID: ev.ItemID, Mode: mode}}

	case provider.EventFunctionCallAdded:
		s.toolNames[ev.ToolCallID] = ev.ToolName
		return []*protocol.StreamPart{{Type: protocol.PartToolInputStart, Key: ev.ToolCallID, Name: ev.ToolName}}

	case provider.EventFunctionCallArgsDelta:
		return []*protocol.StreamPart{{Type: protocol.PartToolInputDelta, Key: ev.ToolCallID, Delta: ev.Delta}}

	case provider.EventFunctionCallArgsDone:
		name := ev.ToolName
		if name == "" {
			name = s.toolNames[ev.ToolCallID]
		}
		input := json.RawMessage(ev.Arguments)
		s.parts = append(s.parts, protocol.MessagePart{
			Type: protocol.MessagePartToolCall,
			Call: &protocol.ToolCall{ID: ev.ToolCallID, Name: name, Input: input},
		})
		return []*protocol.StreamPart{
			{Type: protocol.PartToolInputEnd, Key: ev.ToolCallID, Name: name},
			{Type: protocol.PartToolCall, Key: ev.ToolCallID, Name: name, Input: input},
		}

	case provider.EventCompleted:
		s.finished = true
		s.stopReason = ev.StopReason
		if ev.Usage != nil {
			s.usage = *ev.Usage
		}
		return s.closeOpenBlocks()

	case provider.EventFailed:
		s.finished = true
		s.stopReason = protocol.StopReasonError
		s.failure = ev.Err
		return nil

	default:
		return []*protocol.StreamPart{{Type: protocol.PartUnknown, PartType: ev.Type, Payload: ev.Payload}}
	}
}

// closeOpenBlocks emits end parts for any text or reasoning block the
// provider left open at stream completion.
func (s *streamState) closeOpenBlocks() []*protocol.StreamPart {
	var out []*protocol.StreamPart
	for id := range s.openText {
		out = append(out, &protocol.StreamPart{Type: protocol.PartTextEnd, ID: id})
		delete(s.openText, id)
	}
	for id, mode := range s.openReasoning {
		out = append(out, &protocol.StreamPart{Type: protocol.PartReasoningEnd, ID: id, Mode: mode})
		delete(s.openReasoning, id)
	}
	return out
}

// appendText folds a delta into the trailing message part of the same type,
// starting a new part on type transitions so emission order is preserved.
func (s *streamState) appendText(partType, delta string, mode protocol.ReasoningMode) {
	if n := len(s.parts); n > 0 && s.parts[n-1].Type == partType {
		s.parts[n-1].Text += delta
		return
	}
	s.parts = append(s.parts, protocol.MessagePart{Type: partType, Text: delta, Mode: mode})
}

// assistantMessage returns the accumulated assistant message for the step.
func (s *streamState) assistantMessage() protocol.Message {
	return protocol.Message{Role: protocol.RoleAssistant, Parts: s.parts}
}

// toolCalls returns the step's tool calls in emission order.
func (s *streamState) toolCalls() []*protocol.ToolCall {
	msg := s.assistantMessage()
	return msg.ToolCalls()
}
