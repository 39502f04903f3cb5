package protocol

import "encoding/json"

// Server-originated event types.
const (
	EventServerHello         = "server_hello"
	EventUserMessage         = "user_message"
	EventAssistantMessage    = "assistant_message"
	EventReasoning           = "reasoning"
	EventModelStreamChunk    = "model_stream_chunk"
	EventToolCall            = "tool_call"
	EventToolResult          = "tool_result"
	EventAsk                 = "ask"
	EventApproval            = "approval"
	EventTodos               = "todos"
	EventLog                 = "log"
	EventError               = "error"
	EventSessionSettings     = "session_settings"
	EventMCPServers          = "mcp_servers"
	EventProviderCatalog     = "provider_catalog"
	EventProviderAuthMethods = "provider_auth_methods"
	EventProviderStatus      = "provider_status"
	EventDropped             = "dropped"
)

// Client-originated message types.
const (
	MsgUserMessage           = "user_message"
	MsgAskResponse           = "ask_response"
	MsgApprovalResponse      = "approval_response"
	MsgCancel                = "cancel"
	MsgConnectProvider       = "connect_provider"
	MsgProviderCatalogGet    = "provider_catalog_get"
	MsgProviderAuthMethods   = "provider_auth_methods_get"
	MsgRefreshProviderStatus = "refresh_provider_status"
	MsgMCPServersGet         = "mcp_servers_get"
	MsgMCPServerUpsert       = "mcp_server_upsert"
	MsgMCPServerDelete       = "mcp_server_delete"
	MsgSetEnableMCP          = "set_enable_mcp"
	MsgReset                 = "reset"
)

// ProtocolVersion is bumped on breaking wire changes.
const ProtocolVersion = 1

// SessionConfig is the per-session configuration echoed in server_hello and
// session_settings events.
type SessionConfig struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	WorkingDir string `json:"workingDir,omitempty"`
	OutputDir  string `json:"outputDir,omitempty"`
	EnableMCP  bool   `json:"enableMcp"`
	Yolo       bool   `json:"yolo"`
	MaxSteps   int    `json:"maxSteps,omitempty"`
}

// ServerEvent is one server-to-client frame. Type discriminates which fields
// are meaningful; everything else is omitted from the encoding.
type ServerEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`

	// server_hello, session_settings.
	ProtocolVersion int            `json:"protocolVersion,omitempty"`
	Config          *SessionConfig `json:"config,omitempty"`

	// user_message, assistant_message, reasoning, log.
	Text            string `json:"text,omitempty"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
	Kind            string `json:"kind,omitempty"`
	Level           string `json:"level,omitempty"`
	Message         string `json:"message,omitempty"`

	// model_stream_chunk.
	Part *StreamPart `json:"part,omitempty"`

	// tool_call, tool_result.
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     *ToolOutcome    `json:"output,omitempty"`

	// ask, approval.
	RequestID  string `json:"requestId,omitempty"`
	Question   string `json:"question,omitempty"`
	Command    string `json:"command,omitempty"`
	Dangerous  bool   `json:"dangerous,omitempty"`
	ReasonCode string `json:"reasonCode,omitempty"`

	// todos.
	Todos []TodoItem `json:"todos,omitempty"`

	// error.
	Code   ErrorCode   `json:"code,omitempty"`
	Source ErrorSource `json:"source,omitempty"`

	// dropped.
	Reason string `json:"reason,omitempty"`

	// mcp_servers, provider_catalog, provider_auth_methods, provider_status.
	Servers  json.RawMessage `json:"servers,omitempty"`
	Catalog  json.RawMessage `json:"catalog,omitempty"`
	Provider string          `json:"provider,omitempty"`
	Methods  []string        `json:"methods,omitempty"`
	Statuses json.RawMessage `json:"statuses,omitempty"`
}

// ErrorEvent builds an error frame for a session from a classified failure.
func ErrorEvent(sessionID string, te *TurnError) *ServerEvent {
	return &ServerEvent{
		Type:      EventError,
		SessionID: sessionID,
		Message:   te.Message,
		Code:      te.Code,
		Source:    te.Source,
	}
}

// ClientMessage is one client-to-server frame.
type ClientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`

	// user_message.
	Text            string `json:"text,omitempty"`
	ClientMessageID string `json:"clientMessageId,omitempty"`

	// ask_response, approval_response.
	RequestID string `json:"requestId,omitempty"`
	Answer    string `json:"answer,omitempty"`
	Approved  bool   `json:"approved,omitempty"`

	// connect_provider, provider RPCs.
	Provider string `json:"provider,omitempty"`
	APIKey   string `json:"apiKey,omitempty"`
	AuthFlow string `json:"authFlow,omitempty"`

	// MCP registry RPCs.
	Server       json.RawMessage `json:"server,omitempty"`
	PreviousName string          `json:"previousName,omitempty"`
	Name         string          `json:"name,omitempty"`
	EnableMCP    bool            `json:"enableMcp,omitempty"`
}
