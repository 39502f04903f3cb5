package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/coworker/internal/credentials"
	"github.com/haasonsaas/coworker/internal/protocol"
)

// OpenAIProvider streams chat completions from the OpenAI API.
type OpenAIProvider struct {
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAI creates a provider from resolved credential material. The token
// rides as the bearer credential; any extra headers the resolver attached
// (ChatGPT OAuth needs the account id on every request) are injected at the
// transport.
func NewOpenAI(mat credentials.Material, logger *slog.Logger) *OpenAIProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(openAIConfig(mat)),
		logger: logger.With("component", "provider", "provider", "openai"),
	}
}

func openAIConfig(mat credentials.Material) openai.ClientConfig {
	cfg := openai.DefaultConfig(mat.AccessToken)
	if len(mat.ExtraHeaders) > 0 {
		cfg.HTTPClient = &http.Client{
			Transport: &headerTransport{base: http.DefaultTransport, headers: mat.ExtraHeaders},
		}
	}
	return cfg
}

// headerTransport sets static headers on every outbound request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		clone.Header.Set(k, v)
	}
	return t.base.RoundTrip(clone)
}

func (p *OpenAIProvider) Name() string   { return "openai" }
func (p *OpenAIProvider) Family() string { return FamilyOpenAI }

// Stream issues the request and emits raw events on the returned channel.
func (p *OpenAIProvider) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: convertOpenAIMessages(req.Messages, req.System),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxCompletionTokens = req.MaxTokens
	}
	for _, tool := range req.Tools {
		var params any
		if err := json.Unmarshal(tool.InputSchema, &params); err != nil {
			return nil, fmt.Errorf("invalid schema for tool %s: %w", tool.Name, err)
		}
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}
	if effort, ok := req.ProviderOptions["reasoning_effort"].(string); ok && effort != "" {
		chatReq.ReasoningEffort = effort
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	events := make(chan StreamEvent)
	go p.pump(ctx, stream, events)
	return events, nil
}

type pendingCall struct {
	id   string
	name string
	args string
}

// pump converts SDK chunks into the raw event vocabulary. Tool call argument
// fragments accumulate per index until the finish reason marks them whole.
func (p *OpenAIProvider) pump(ctx context.Context, stream *openai.ChatCompletionStream, events chan<- StreamEvent) {
	defer close(events)
	defer stream.Close()

	send := func(ev StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	send(StreamEvent{Type: EventCreated})

	calls := make(map[int]*pendingCall)
	announced := make(map[int]bool)
	var usage protocol.Usage
	stopReason := protocol.StopReasonStop

	flushCalls := func() bool {
		indexes := make([]int, 0, len(calls))
		for i := range calls {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			call := calls[i]
			if call.id == "" || call.name == "" {
				continue
			}
			args := call.args
			if args == "" {
				args = "{}"
			}
			if !send(StreamEvent{Type: EventFunctionCallArgsDone, ToolCallID: call.id, ToolName: call.name, Arguments: args}) {
				return false
			}
		}
		calls = make(map[int]*pendingCall)
		announced = make(map[int]bool)
		return true
	}

	for {
		if ctx.Err() != nil {
			return
		}
		response, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				if !flushCalls() {
					return
				}
				send(StreamEvent{Type: EventCompleted, StopReason: stopReason, Usage: &usage})
				return
			}
			send(StreamEvent{Type: EventFailed, Err: fmt.Errorf("openai: %w", err)})
			return
		}

		if response.Usage != nil {
			usage = protocol.Usage{
				InputTokens:  response.Usage.PromptTokens,
				OutputTokens: response.Usage.CompletionTokens,
				TotalTokens:  response.Usage.TotalTokens,
			}
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			if !send(StreamEvent{Type: EventOutputTextDelta, ItemID: "msg-0", Delta: delta.Content}) {
				return
			}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if calls[index] == nil {
				calls[index] = &pendingCall{}
			}
			call := calls[index]
			if tc.ID != "" {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
			}
			if !announced[index] && call.id != "" && call.name != "" {
				announced[index] = true
				if !send(StreamEvent{Type: EventFunctionCallAdded, ToolCallID: call.id, ToolName: call.name}) {
					return
				}
			}
			if tc.Function.Arguments != "" {
				call.args += tc.Function.Arguments
				if !send(StreamEvent{Type: EventFunctionCallArgsDelta, ToolCallID: call.id, Delta: tc.Function.Arguments}) {
					return
				}
			}
		}

		switch choice.FinishReason {
		case openai.FinishReasonToolCalls:
			stopReason = protocol.StopReasonToolCalls
			if !flushCalls() {
				return
			}
		case openai.FinishReasonStop:
			stopReason = protocol.StopReasonStop
		case openai.FinishReasonLength:
			stopReason = "length"
		}
	}
}

// convertOpenAIMessages maps transcript messages onto the chat completion
// wire format. The system prompt rides as the leading system message.
func convertOpenAIMessages(messages []protocol.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case protocol.RoleUser:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Text,
			})

		case protocol.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.AssistantText(),
			}
			for _, call := range msg.ToolCalls() {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Input),
					},
				})
			}
			result = append(result, oaiMsg)

		case protocol.RoleToolResult:
			var text string
			for _, c := range msg.Content {
				text += c.Text
			}
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: msg.ToolCallID,
				Content:    text,
			})
		}
	}
	return result
}
