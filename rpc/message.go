package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Command is one of the eight reserved wire tokens.
//
// Any other value received on the wire is rejected: the server replies
// ERR and keeps the session open; the client proxy treats it as a fatal
// protocol error.
type Command string

const (
	// CmdAuth authenticates a client connection with the shared authkey.
	// Payload: (authkey).
	CmdAuth Command = "AUTH"

	// CmdOK positively acknowledges AUTH. Payload: ().
	CmdOK Command = "OK"

	// CmdPing probes liveness. Payload: (client_timestamp).
	CmdPing Command = "PING"

	// CmdPong replies to PING, echoing the timestamp. Payload: (echoed_timestamp).
	CmdPong Command = "PONG"

	// CmdCall invokes a remote method. Payload: (method_name, positional_args, keyword_args).
	CmdCall Command = "CALL"

	// CmdRes carries a successful CALL result. Payload: (return_value).
	CmdRes Command = "RES"

	// CmdExc carries an exception raised by a remote method.
	// Payload: (qualified_class_name, message_string).
	CmdExc Command = "EXC"

	// CmdErr carries a protocol/server error. The session is unusable afterward.
	// Payload: (reason_string).
	CmdErr Command = "ERR"

	// CmdQuit gracefully ends the session from the client side. Payload: ().
	CmdQuit Command = "QUIT"
)

// Message is a decoded (cmd, payload) pair, the unit exchanged by Connection.
//
// Payload elements are kept as raw JSON so the framer never needs to know
// the shape of any particular command's arguments — that's the dispatcher's
// and the remote proxy's job.
type Message struct {
	Cmd     Command
	Payload []json.RawMessage
}

// wireMessage is the on-the-wire JSON shape: {"cmd": "...", "payload": [...]}.
type wireMessage struct {
	Cmd     Command           `json:"cmd"`
	Payload []json.RawMessage `json:"payload"`
}

// encode marshals a Message to a single compact JSON object with no
// embedded newlines, so one frame is always exactly one line on the wire.
func (m Message) encode() ([]byte, error) {
	w := wireMessage{Cmd: m.Cmd, Payload: m.Payload}
	if w.Payload == nil {
		w.Payload = []json.RawMessage{}
	}
	return json.Marshal(w)
}

// decodeMessage parses one line (without its trailing newline) into a Message.
//
// A missing "cmd" field or a present but non-array "payload" is a framing
// error, same as any other JSON syntax failure. An absent (or null)
// "payload" is accepted and read as an empty list.
func decodeMessage(line []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(line, &w); err != nil {
		return Message{}, err
	}
	if w.Cmd == "" {
		return Message{}, errors.New("missing \"cmd\" field")
	}
	// A wholly absent "payload" field normalizes to an empty list rather
	// than a framing error; only a present-but-non-array payload would
	// have failed to unmarshal above.
	if w.Payload == nil {
		w.Payload = []json.RawMessage{}
	}
	return Message{Cmd: w.Cmd, Payload: w.Payload}, nil
}

// marshalPayload encodes an ordered list of arbitrary values into the raw
// JSON payload elements a Message carries on the wire.
func marshalPayload(values ...any) ([]json.RawMessage, error) {
	payload := make([]json.RawMessage, len(values))
	for i, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal payload[%d]: %w", i, err)
		}
		payload[i] = data
	}
	return payload, nil
}

// unmarshalPayload decodes exactly len(dst) payload elements into dst,
// positionally. It is the Go substitute for Python's tuple-unpack-with-
// arity-check used throughout the original dispatcher.
func unmarshalPayload(payload []json.RawMessage, dst ...any) error {
	if len(payload) != len(dst) {
		return fmt.Errorf("need %d values to unpack, got %d", len(dst), len(payload))
	}
	for i, d := range dst {
		if err := json.Unmarshal(payload[i], d); err != nil {
			return fmt.Errorf("unpack payload[%d]: %w", i, err)
		}
	}
	return nil
}
