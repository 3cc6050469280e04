package mcp

import (
	"testing"
)

func TestWrapMessage_ToolCall(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"read_file","arguments":{"filename":"notes.txt"},"context":{"session_id":"s1"}}}`)

	msg, err := WrapMessage(raw)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if !msg.IsToolCall() {
		t.Error("expected tools/call to be recognized")
	}
	if got := msg.Method(); got != "tools/call" {
		t.Errorf("method = %q", got)
	}
	if got := msg.ToolName(); got != "read_file" {
		t.Errorf("tool name = %q", got)
	}
	if got := msg.ToolArguments()["filename"]; got != "notes.txt" {
		t.Errorf("arguments = %v", msg.ToolArguments())
	}
	if got := msg.CallContext()["session_id"]; got != "s1" {
		t.Errorf("context = %v", msg.CallContext())
	}
}

func TestWrapMessage_RejectsNonJSONRPC(t *testing.T) {
	for _, raw := range []string{"not json", `{}`, `{"jsonrpc":"1.0","id":1,"method":"test"}`} {
		if _, err := WrapMessage([]byte(raw)); err == nil {
			t.Errorf("expected decode error for %q", raw)
		}
	}
}

func TestMessage_NonToolCallAccessors(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)

	msg, err := WrapMessage(raw)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if msg.IsToolCall() {
		t.Error("tools/list misclassified as tool call")
	}
	if msg.ToolName() != "" {
		t.Errorf("tool name = %q", msg.ToolName())
	}
	if args := msg.ToolArguments(); args == nil || len(args) != 0 {
		t.Errorf("arguments = %v, want empty map", args)
	}
	if ctx := msg.CallContext(); ctx == nil || len(ctx) != 0 {
		t.Errorf("context = %v, want empty map", ctx)
	}
}

func TestMessage_RawID(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"numeric", `{"jsonrpc":"2.0","id":42,"method":"tools/list"}`, "42"},
		{"string", `{"jsonrpc":"2.0","id":"abc","method":"tools/list"}`, `"abc"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := WrapMessage([]byte(tt.raw))
			if err != nil {
				t.Fatalf("wrap: %v", err)
			}
			if got := string(msg.RawID()); got != tt.want {
				t.Errorf("raw id = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMessage_ParseParamsCached(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"x"}}`)

	msg, err := WrapMessage(raw)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	first := msg.ParseParams()
	if first == nil {
		t.Fatal("params not parsed")
	}
	first["name"] = "mutated"
	if got := msg.ParseParams()["name"]; got != "mutated" {
		t.Errorf("second parse did not return the cached map: %v", got)
	}
}
