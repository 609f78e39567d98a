// Package mcp implements the tool backend layer: the adapter contract, local
// (stdio) and remote (HTTP/SSE) MCP clients, the per-user connection manager,
// and the tool registry.
package mcp

import (
	"encoding/json"
	"sort"
	"strings"
)

// ProtocolVersion is the MCP protocol revision this client speaks. Servers
// reporting this version or higher are accepted.
const ProtocolVersion = "2025-03-26"

// TransportKind identifies how an adapter reaches its backend.
type TransportKind string

const (
	TransportLocal  TransportKind = "local"
	TransportRemote TransportKind = "remote"
)

// ToolParam is one parameter of a tool in the LLM-friendly flattened form.
type ToolParam struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// ToolSchema describes a tool an adapter exposes. Params is a flattened
// projection of the JSON-Schema the server advertises; RawSchema keeps the
// original for argument validation.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Params      []ToolParam     `json:"params,omitempty"`
	RawSchema   json.RawMessage `json:"-"`
}

// JSON-RPC 2.0 envelope types.

// JSONRPCRequest is a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError is a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Standard JSON-RPC error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// ServerInfo identifies an MCP server implementation.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult holds the result of the initialize method.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
}

// wireTool is the tools/list entry as the server advertises it.
type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// listToolsResult holds the result of tools/list.
type listToolsResult struct {
	Tools []wireTool `json:"tools"`
}

// callToolParams holds parameters for tools/call.
type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// toolCallResult is the tools/call result envelope.
type toolCallResult struct {
	Content           []toolResultContent `json:"content"`
	StructuredContent json.RawMessage     `json:"structuredContent,omitempty"`
	IsError           bool                `json:"isError,omitempty"`
}

// toolResultContent is one content block of a tool result.
type toolResultContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// flattenSchema projects a JSON-Schema object into the LLM-friendly parameter
// list. Unknown or non-object schemas flatten to nil.
func flattenSchema(raw json.RawMessage) []ToolParam {
	if len(raw) == 0 {
		return nil
	}
	var schema struct {
		Type       string `json:"type"`
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(raw, &schema); err != nil || len(schema.Properties) == 0 {
		return nil
	}

	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}

	params := make([]ToolParam, 0, len(schema.Properties))
	for name, prop := range schema.Properties {
		typ := prop.Type
		if typ == "" {
			typ = "string"
		}
		params = append(params, ToolParam{
			Name:        name,
			Type:        typ,
			Required:    required[name],
			Description: prop.Description,
		})
	}
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })
	return params
}

// decodeToolResult converts a tools/call envelope into the adapter's result
// value: structured content when present, otherwise joined text content
// decoded as JSON when possible.
func decodeToolResult(result *toolCallResult) any {
	if result == nil {
		return nil
	}
	if len(result.StructuredContent) > 0 {
		var v any
		if err := json.Unmarshal(result.StructuredContent, &v); err == nil {
			return v
		}
	}

	var parts []string
	for _, item := range result.Content {
		if item.Type == "text" && item.Text != "" {
			parts = append(parts, item.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if text == "" {
		return nil
	}

	var v any
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v
	}
	return text
}
