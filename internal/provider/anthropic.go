package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/coworker/internal/credentials"
	"github.com/haasonsaas/coworker/internal/protocol"
)

const (
	anthropicDefaultMaxTokens = 8192
	anthropicMaxRetries       = 3
	anthropicRetryDelay       = time.Second
)

// AnthropicProvider streams completions from the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	logger *slog.Logger
}

// NewAnthropic creates a provider from resolved credential material. API keys
// authenticate with the x-api-key header; OAuth material uses a bearer token
// plus whatever extra headers the resolver attached.
func NewAnthropic(mat credentials.Material, logger *slog.Logger) *AnthropicProvider {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []option.RequestOption{}
	if mat.AuthMode == credentials.AuthModeAPIKey {
		opts = append(opts, option.WithAPIKey(mat.AccessToken))
	} else {
		opts = append(opts, option.WithAuthToken(mat.AccessToken))
	}
	for k, v := range mat.ExtraHeaders {
		opts = append(opts, option.WithHeader(k, v))
	}

	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		logger: logger.With("component", "provider", "provider", "anthropic"),
	}
}

func (p *AnthropicProvider) Name() string   { return "anthropic" }
func (p *AnthropicProvider) Family() string { return FamilyAnthropic }

// Stream issues the request and emits raw events on the returned channel.
// Transient failures creating the stream are retried with exponential
// backoff; once streaming has begun, errors surface as a failed event.
func (p *AnthropicProvider) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		for attempt := 0; attempt <= anthropicMaxRetries; attempt++ {
			stream = p.client.Messages.NewStreaming(ctx, params)
			if stream.Err() == nil {
				break
			}
			if !isRetryable(stream.Err()) || attempt == anthropicMaxRetries {
				events <- StreamEvent{Type: EventFailed, Err: fmt.Errorf("anthropic: %w", stream.Err())}
				return
			}
			backoff := anthropicRetryDelay * time.Duration(math.Pow(2, float64(attempt)))
			p.logger.Warn("stream create failed, retrying", "attempt", attempt, "error", stream.Err())
			select {
			case <-ctx.Done():
				events <- StreamEvent{Type: EventFailed, Err: ctx.Err()}
				return
			case <-time.After(backoff):
			}
		}

		p.pump(ctx, stream, events)
	}()
	return events, nil
}

func (p *AnthropicProvider) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	for _, tool := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("invalid schema for tool %s: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool != nil && tool.Description != "" {
			toolParam.OfTool.Description = anthropic.String(tool.Description)
		}
		params.Tools = append(params.Tools, toolParam)
	}
	if budget, ok := req.ProviderOptions["thinking_budget_tokens"].(int); ok && budget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(budget))
	}
	return params, nil
}

// pump converts SDK stream events into the raw event vocabulary. Tool input
// JSON fragments are accumulated per content block and emitted whole on
// block stop.
func (p *AnthropicProvider) pump(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- StreamEvent) {
	var (
		usage        protocol.Usage
		stopReason   string
		curToolID    string
		curToolName  string
		curToolInput strings.Builder
		blockID      string
	)

	send := func(ev StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	send(StreamEvent{Type: EventCreated})

	for stream.Next() {
		if ctx.Err() != nil {
			return
		}
		event := stream.Current()

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.InputTokens = int(start.Message.Usage.InputTokens)

		case "content_block_start":
			blockStart := event.AsContentBlockStart()
			blockID = fmt.Sprintf("blk-%d", blockStart.Index)
			if blockStart.ContentBlock.Type == "tool_use" {
				toolUse := blockStart.ContentBlock.AsToolUse()
				curToolID = toolUse.ID
				curToolName = toolUse.Name
				curToolInput.Reset()
				if !send(StreamEvent{Type: EventFunctionCallAdded, ToolCallID: curToolID, ToolName: curToolName}) {
					return
				}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" && !send(StreamEvent{Type: EventOutputTextDelta, ItemID: blockID, Delta: delta.Text}) {
					return
				}
			case "thinking_delta":
				if delta.Thinking != "" && !send(StreamEvent{Type: EventReasoningDelta, ItemID: blockID, Delta: delta.Thinking}) {
					return
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					curToolInput.WriteString(delta.PartialJSON)
					if !send(StreamEvent{Type: EventFunctionCallArgsDelta, ToolCallID: curToolID, Delta: delta.PartialJSON}) {
						return
					}
				}
			}

		case "content_block_stop":
			if curToolID != "" {
				args := curToolInput.String()
				if args == "" {
					args = "{}"
				}
				if !send(StreamEvent{Type: EventFunctionCallArgsDone, ToolCallID: curToolID, ToolName: curToolName, Arguments: args}) {
					return
				}
				curToolID, curToolName = "", ""
			}

		case "message_delta":
			msgDelta := event.AsMessageDelta()
			usage.OutputTokens = int(msgDelta.Usage.OutputTokens)
			if msgDelta.Delta.StopReason != "" {
				stopReason = string(msgDelta.Delta.StopReason)
			}

		case "message_stop":
			usage.TotalTokens = usage.InputTokens + usage.OutputTokens
			reason := StopReasonFromAnthropic(stopReason)
			send(StreamEvent{Type: EventCompleted, StopReason: reason, Usage: &usage})
			return

		case "error":
			send(StreamEvent{Type: EventFailed, Err: fmt.Errorf("anthropic stream error")})
			return
		}
	}

	if err := stream.Err(); err != nil {
		send(StreamEvent{Type: EventFailed, Err: fmt.Errorf("anthropic: %w", err)})
		return
	}
	// Stream closed without message_stop.
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	send(StreamEvent{Type: EventCompleted, StopReason: protocol.StopReasonStop, Usage: &usage})
}

// StopReasonFromAnthropic maps SDK stop reasons onto the canonical set.
func StopReasonFromAnthropic(reason string) string {
	switch reason {
	case "tool_use":
		return protocol.StopReasonToolCalls
	case "end_turn", "stop_sequence", "":
		return protocol.StopReasonStop
	default:
		return reason
	}
}

func convertAnthropicMessages(messages []protocol.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case protocol.RoleUser:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Text)))

		case protocol.RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			for _, part := range msg.Parts {
				switch part.Type {
				case protocol.MessagePartText:
					if part.Text != "" {
						content = append(content, anthropic.NewTextBlock(part.Text))
					}
				case protocol.MessagePartToolCall:
					var input map[string]any
					if err := json.Unmarshal(part.Call.Input, &input); err != nil {
						return nil, fmt.Errorf("invalid tool call input for %s: %w", part.Call.Name, err)
					}
					content = append(content, anthropic.NewToolUseBlock(part.Call.ID, input, part.Call.Name))
				}
				// Reasoning parts are not echoed back.
			}
			if len(content) > 0 {
				result = append(result, anthropic.NewAssistantMessage(content...))
			}

		case protocol.RoleToolResult:
			var text string
			for _, c := range msg.Content {
				text += c.Text
			}
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, text, msg.IsError),
			))
		}
	}
	return result, nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate limit", "429", "overloaded", "529", "500", "502", "503", "timeout", "connection reset"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
