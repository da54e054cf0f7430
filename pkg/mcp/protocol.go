package mcp

import "encoding/json"

const jsonrpcVersion = "2.0"

// ErrorCode is a JSON-RPC 2.0 error code. Unknown tools and bad tool
// arguments are not protocol errors; they come back as ToolCallResult with
// IsError.
type ErrorCode int

const (
	CodeParseError     ErrorCode = -32700
	CodeInvalidRequest ErrorCode = -32600
	CodeMethodNotFound ErrorCode = -32601
	CodeInvalidParams  ErrorCode = -32602
	CodeInternalError  ErrorCode = -32603
)

// Request is one line read from the client. A missing ID marks a
// notification, which gets no response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is one line written back, echoing the request ID.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// InitializeResult advertises ledgerlens and its tool support.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
	Capabilities    Capabilities `json:"capabilities"`
}

type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities lists what the server offers. Only tools are served; the
// empty object tells the client the tool list never changes.
type Capabilities struct {
	Tools struct{} `json:"tools"`
}

// ToolDefinition is an analysis, cache or log operation offered to the
// client.
type ToolDefinition struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	InputSchema ObjectSchema `json:"inputSchema"`
}

// ObjectSchema is the JSON Schema of a tool's arguments object.
type ObjectSchema struct {
	Type       string              `json:"type"`
	Required   []string            `json:"required,omitempty"`
	Properties map[string]Property `json:"properties"`
}

// Property is the schema of one tool argument.
type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Minimum     *int     `json:"minimum,omitempty"`
}

type ToolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// ToolCallParams names the tool and carries its raw arguments, which each
// handler decodes into its own struct.
type ToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolCallResult is what a tool returns: formatted analysis output, stats
// or log rows as text. Engine failures set IsError.
type ToolCallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

func errorResult(text string) ToolCallResult {
	r := textResult(text)
	r.IsError = true
	return r
}
