package protocol

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Inbound frames are validated against a per-type JSON schema before routing.
// Unknown types are rejected by the router, not here.

var clientSchemaSources = map[string]string{
	MsgUserMessage: `{
		"type": "object",
		"required": ["type", "text"],
		"properties": {
			"type": {"const": "user_message"},
			"text": {"type": "string", "minLength": 1},
			"clientMessageId": {"type": "string"}
		}
	}`,
	MsgAskResponse: `{
		"type": "object",
		"required": ["type", "requestId"],
		"properties": {
			"type": {"const": "ask_response"},
			"requestId": {"type": "string", "minLength": 1},
			"answer": {"type": "string"}
		}
	}`,
	MsgApprovalResponse: `{
		"type": "object",
		"required": ["type", "requestId", "approved"],
		"properties": {
			"type": {"const": "approval_response"},
			"requestId": {"type": "string", "minLength": 1},
			"approved": {"type": "boolean"}
		}
	}`,
	MsgCancel: `{
		"type": "object",
		"required": ["type"],
		"properties": {"type": {"const": "cancel"}}
	}`,
	MsgConnectProvider: `{
		"type": "object",
		"required": ["type", "provider"],
		"properties": {
			"type": {"const": "connect_provider"},
			"provider": {"type": "string", "minLength": 1},
			"apiKey": {"type": "string"},
			"authFlow": {"type": "string"}
		}
	}`,
	MsgMCPServerUpsert: `{
		"type": "object",
		"required": ["type", "server"],
		"properties": {
			"type": {"const": "mcp_server_upsert"},
			"server": {"type": "object"},
			"previousName": {"type": "string"}
		}
	}`,
	MsgMCPServerDelete: `{
		"type": "object",
		"required": ["type", "name"],
		"properties": {
			"type": {"const": "mcp_server_delete"},
			"name": {"type": "string", "minLength": 1}
		}
	}`,
	MsgSetEnableMCP: `{
		"type": "object",
		"required": ["type", "enableMcp"],
		"properties": {
			"type": {"const": "set_enable_mcp"},
			"enableMcp": {"type": "boolean"}
		}
	}`,
}

var (
	clientSchemasOnce sync.Once
	clientSchemas     map[string]*jsonschema.Schema
)

func compiledClientSchemas() map[string]*jsonschema.Schema {
	clientSchemasOnce.Do(func() {
		clientSchemas = make(map[string]*jsonschema.Schema, len(clientSchemaSources))
		for msgType, src := range clientSchemaSources {
			schema, err := jsonschema.CompileString(msgType+".json", src)
			if err != nil {
				panic(fmt.Sprintf("protocol: compile schema for %s: %v", msgType, err))
			}
			clientSchemas[msgType] = schema
		}
	})
	return clientSchemas
}

// ValidateClientFrame checks a raw inbound frame against the schema for its
// type. Types without a registered schema (parameterless RPCs) pass.
func ValidateClientFrame(msgType string, raw []byte) error {
	schema, ok := compiledClientSchemas()[msgType]
	if !ok {
		return nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid %s frame: %w", msgType, err)
	}
	return nil
}
