// Package proxy contains the interception pipeline that inspects every
// upstream message and decides its route.
package proxy

import (
	"encoding/json"
)

// CodeAccessDenied is the JSON-RPC error code returned upstream when policy
// denies a tool call.
const CodeAccessDenied = -32000

// CreateJSONRPCError builds a JSON-RPC 2.0 error response. id is the raw
// request id so its original form (number, string, null) is preserved; a
// nil id becomes null.
func CreateJSONRPCError(id json.RawMessage, code int, message string) []byte {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	resp := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	}
	b, _ := json.Marshal(resp)
	return b
}
