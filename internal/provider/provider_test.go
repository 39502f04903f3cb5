package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/coworker/internal/credentials"
	"github.com/haasonsaas/coworker/internal/protocol"
)

func sampleTranscript() []protocol.Message {
	return []protocol.Message{
		protocol.UserMessage("list the files"),
		{
			Role: protocol.RoleAssistant,
			Parts: []protocol.MessagePart{
				{Type: protocol.MessagePartText, Text: "checking"},
				{Type: protocol.MessagePartToolCall, Call: &protocol.ToolCall{
					ID: "tc-1", Name: "bash", Input: json.RawMessage(`{"command":"ls"}`),
				}},
			},
		},
		protocol.ToolResultMessage("tc-1", "bash", &protocol.ToolOutcome{Content: protocol.Text("file.txt")}),
	}
}

func TestConvertOpenAIMessages(t *testing.T) {
	got := convertOpenAIMessages(sampleTranscript(), "be terse")

	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	if got[0].Role != openai.ChatMessageRoleSystem || got[0].Content != "be terse" {
		t.Fatalf("system = %+v", got[0])
	}
	if got[1].Role != openai.ChatMessageRoleUser || got[1].Content != "list the files" {
		t.Fatalf("user = %+v", got[1])
	}
	asst := got[2]
	if asst.Role != openai.ChatMessageRoleAssistant || asst.Content != "checking" {
		t.Fatalf("assistant = %+v", asst)
	}
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != "tc-1" || asst.ToolCalls[0].Function.Name != "bash" {
		t.Fatalf("tool calls = %+v", asst.ToolCalls)
	}
	toolMsg := got[3]
	if toolMsg.Role != openai.ChatMessageRoleTool || toolMsg.ToolCallID != "tc-1" || toolMsg.Content != "file.txt" {
		t.Fatalf("tool result = %+v", toolMsg)
	}
}

func TestOpenAIExtraHeadersReachRequests(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	cfg := openAIConfig(credentials.Material{
		AccessToken:  "oauth-token",
		AuthMode:     credentials.AuthModeChatGPT,
		ExtraHeaders: map[string]string{"chatgpt-account-id": "acct-1"},
	})
	cfg.BaseURL = srv.URL
	client := openai.NewClientWithConfig(cfg)

	_, err := client.CreateChatCompletion(context.Background(), openai.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if got.Get("chatgpt-account-id") != "acct-1" {
		t.Fatalf("chatgpt-account-id = %q", got.Get("chatgpt-account-id"))
	}
	if got.Get("Authorization") != "Bearer oauth-token" {
		t.Fatalf("Authorization = %q", got.Get("Authorization"))
	}
}

func TestOpenAIConfigWithoutExtraHeaders(t *testing.T) {
	cfg := openAIConfig(credentials.Material{AccessToken: "sk-1", AuthMode: credentials.AuthModeAPIKey})
	if hc, ok := cfg.HTTPClient.(*http.Client); ok {
		if _, wrapped := hc.Transport.(*headerTransport); wrapped {
			t.Fatal("api-key material must not wrap the transport")
		}
	}
}

func TestConvertAnthropicMessages(t *testing.T) {
	got, err := convertAnthropicMessages(sampleTranscript())
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	// user, assistant (text + tool_use), user (tool result)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Role != "user" || got[1].Role != "assistant" || got[2].Role != "user" {
		t.Fatalf("roles = %s %s %s", got[0].Role, got[1].Role, got[2].Role)
	}
	if len(got[1].Content) != 2 {
		t.Fatalf("assistant blocks = %d, want 2", len(got[1].Content))
	}
}

func TestConvertAnthropicMessagesBadToolInput(t *testing.T) {
	msgs := []protocol.Message{{
		Role: protocol.RoleAssistant,
		Parts: []protocol.MessagePart{
			{Type: protocol.MessagePartToolCall, Call: &protocol.ToolCall{ID: "tc-1", Name: "bash", Input: json.RawMessage(`{`)}},
		},
	}}
	if _, err := convertAnthropicMessages(msgs); err == nil {
		t.Fatal("expected error for malformed tool input")
	}
}

func TestStopReasonFromAnthropic(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"tool_use", protocol.StopReasonToolCalls},
		{"end_turn", protocol.StopReasonStop},
		{"stop_sequence", protocol.StopReasonStop},
		{"", protocol.StopReasonStop},
		{"max_tokens", "max_tokens"},
	}
	for _, tt := range tests {
		if got := StopReasonFromAnthropic(tt.in); got != tt.want {
			t.Errorf("StopReasonFromAnthropic(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCatalogAndFactory(t *testing.T) {
	catalog := Catalog()
	if len(catalog) != 2 {
		t.Fatalf("catalog size = %d", len(catalog))
	}
	for _, entry := range catalog {
		if entry.DefaultModel == "" || len(entry.AuthMethods) == 0 {
			t.Errorf("incomplete entry %+v", entry)
		}
		p, err := New(entry.Name, credentials.Material{AccessToken: "k", AuthMode: credentials.AuthModeAPIKey}, nil)
		if err != nil {
			t.Fatalf("New(%s): %v", entry.Name, err)
		}
		if p.Name() != entry.Name || p.Family() != entry.Family {
			t.Errorf("provider identity mismatch: %s/%s", p.Name(), p.Family())
		}
	}
	if _, err := New("nope", credentials.Material{}, nil); err == nil {
		t.Fatal("expected error for unknown provider")
	}
	if AuthMethods("anthropic") == nil || AuthMethods("nope") != nil {
		t.Fatal("AuthMethods lookup broken")
	}
}

func TestStatusesFromStore(t *testing.T) {
	store := credentials.NewStore(t.TempDir())
	if err := store.SaveAPIKey("anthropic", "sk-ant"); err != nil {
		t.Fatalf("SaveAPIKey: %v", err)
	}

	statuses := Statuses(store)
	byName := make(map[string]Status)
	for _, st := range statuses {
		byName[st.Name] = st
	}
	if !byName["anthropic"].Connected || byName["anthropic"].AuthMode != credentials.AuthModeAPIKey {
		t.Fatalf("anthropic status = %+v", byName["anthropic"])
	}
	if byName["openai"].Connected {
		t.Fatalf("openai status = %+v", byName["openai"])
	}
}
