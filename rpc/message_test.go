package rpc

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMessage_EncodeDecode(t *testing.T) {
	payload, err := marshalPayload("authkey123")
	if err != nil {
		t.Fatalf("marshalPayload() error: %v", err)
	}
	msg := Message{Cmd: CmdAuth, Payload: payload}

	data, err := msg.encode()
	if err != nil {
		t.Fatalf("encode() error: %v", err)
	}

	got, err := decodeMessage(data)
	if err != nil {
		t.Fatalf("decodeMessage() error: %v", err)
	}

	if diff := cmp.Diff(msg, got); diff != "" {
		t.Errorf("decodeMessage() round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeMessage_EmptyPayload(t *testing.T) {
	got, err := decodeMessage([]byte(`{"cmd":"OK","payload":[]}`))
	if err != nil {
		t.Fatalf("decodeMessage() error: %v", err)
	}
	if got.Cmd != CmdOK {
		t.Errorf("decodeMessage() cmd = %v, want %v", got.Cmd, CmdOK)
	}
	if len(got.Payload) != 0 {
		t.Errorf("decodeMessage() payload = %v, want empty", got.Payload)
	}
}

func TestDecodeMessage_Errors(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"not json", "not json at all"},
		{"missing cmd", `{"payload":[]}`},
		{"cmd not a string", `{"cmd":5,"payload":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeMessage([]byte(tt.line)); err == nil {
				t.Errorf("decodeMessage(%q) want error, got nil", tt.line)
			}
		})
	}
}

func TestUnmarshalPayload_ArityMismatch(t *testing.T) {
	payload, err := marshalPayload("a", "b")
	if err != nil {
		t.Fatalf("marshalPayload() error: %v", err)
	}

	var one string
	err = unmarshalPayload(payload, &one)
	if err == nil {
		t.Fatal("unmarshalPayload() want arity error, got nil")
	}
}

func TestUnmarshalPayload_Positional(t *testing.T) {
	payload, err := marshalPayload("CALL", 42, true)
	if err != nil {
		t.Fatalf("marshalPayload() error: %v", err)
	}

	var cmd string
	var n int
	var b bool
	if err := unmarshalPayload(payload, &cmd, &n, &b); err != nil {
		t.Fatalf("unmarshalPayload() error: %v", err)
	}
	if cmd != "CALL" || n != 42 || !b {
		t.Errorf("unmarshalPayload() = (%q, %d, %v), want (\"CALL\", 42, true)", cmd, n, b)
	}
}

func TestMessage_EncodeNilPayloadBecomesEmptyArray(t *testing.T) {
	data, err := Message{Cmd: CmdQuit}.encode()
	if err != nil {
		t.Fatalf("encode() error: %v", err)
	}

	var w struct {
		Payload []json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		t.Fatalf("json.Unmarshal() error: %v", err)
	}
	if w.Payload == nil {
		t.Error("encode() payload = nil, want non-nil empty array")
	}
}
