// Package mcp provides the JSON-RPC message view the gateway inspects on
// the agent-to-tool path. Frames flowing back from the tool server are
// sanitized as raw bytes and never decoded here.
package mcp

import (
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// WarrantParamKey is the params field the gateway injects the signed
// routing warrant into before forwarding a tool call downstream.
const WarrantParamKey = "__chimera_warrant__"

// Message wraps a decoded upstream JSON-RPC frame. It keeps the raw bytes
// alongside the decoded form so frames the gateway does not act on are
// forwarded byte-for-byte.
type Message struct {
	// Raw contains the original bytes of the frame.
	Raw []byte

	// Decoded contains the parsed JSON-RPC message.
	Decoded jsonrpc.Message

	// ParsedParams caches the decoded request params across the
	// interception pipeline. Populated lazily by ParseParams.
	ParsedParams map[string]interface{}
}

// WrapMessage decodes a raw upstream frame. A decode error means the frame
// is not JSON-RPC; callers forward such frames verbatim instead.
func WrapMessage(raw []byte) (*Message, error) {
	decoded, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return nil, err
	}
	return &Message{Raw: raw, Decoded: decoded}, nil
}

// Method returns the method name if this is a request, empty string otherwise.
func (m *Message) Method() string {
	req := m.request()
	if req == nil {
		return ""
	}
	return req.Method
}

// IsToolCall returns true if this is a tools/call request.
// Only tool invocations go through risk assessment and warrant issuance;
// everything else is forwarded verbatim.
func (m *Message) IsToolCall() bool {
	return m.Method() == "tools/call"
}

func (m *Message) request() *jsonrpc.Request {
	if m.Decoded == nil {
		return nil
	}
	req, _ := m.Decoded.(*jsonrpc.Request)
	return req
}

// ParseParams parses the request params and stores in ParsedParams.
// Safe to call multiple times (no-op if already parsed).
// Returns the parsed params or nil if not a request or parsing fails.
func (m *Message) ParseParams() map[string]interface{} {
	if m.ParsedParams != nil {
		return m.ParsedParams
	}

	req := m.request()
	if req == nil || req.Params == nil {
		return nil
	}

	var params map[string]interface{}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil
	}

	m.ParsedParams = params
	return params
}

// ToolName returns the tool name from a tools/call request, or empty string.
func (m *Message) ToolName() string {
	params := m.ParseParams()
	if params == nil {
		return ""
	}
	name, _ := params["name"].(string)
	return name
}

// ToolArguments returns the arguments map from a tools/call request.
// Returns an empty map when arguments are absent so callers never branch on nil.
func (m *Message) ToolArguments() map[string]interface{} {
	params := m.ParseParams()
	if params == nil {
		return map[string]interface{}{}
	}
	args, ok := params["arguments"].(map[string]interface{})
	if !ok {
		return map[string]interface{}{}
	}
	return args
}

// CallContext returns the caller-attached context object from a tools/call
// request (params.context). Returns an empty map when absent.
func (m *Message) CallContext() map[string]interface{} {
	params := m.ParseParams()
	if params == nil {
		return map[string]interface{}{}
	}
	ctx, ok := params["context"].(map[string]interface{})
	if !ok {
		return map[string]interface{}{}
	}
	return ctx
}

// RawID extracts the request ID from the raw frame as json.RawMessage.
// The SDK's jsonrpc.ID type does not round-trip through interface{}, so the
// ID is read straight from the raw JSON to preserve its original form
// (number, string, or null).
func (m *Message) RawID() json.RawMessage {
	if m.Raw == nil {
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(m.Raw, &raw); err != nil {
		return nil
	}

	return raw["id"]
}
