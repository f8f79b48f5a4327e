package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// callHandler is a registered remote method's server-side entry point: the
// raw CALL positional-args and keyword-args payload elements in, a result
// value or error out. It is the registry substitute for Python's dynamic
// getattr-plus-remote-marker lookup.
type callHandler func(args, kwargs json.RawMessage) (any, error)

// RemoteMethod binds a single remote method name to a typed request and
// response pair on one Endpoint.
//
// Call behaves symmetrically depending on the endpoint's committed Mode:
// in ModeServer it runs the local body directly and returns its result; in
// ModeClient (or unset, which Connect promotes to ModeClient) it performs
// the CALL/RES round trip over the wire. Either way the caller sees the
// same typed signature.
type RemoteMethod[TReq, TResp any] struct {
	endpoint *Endpoint
	name     string
	local    func(context.Context, TReq) (TResp, error)
}

// NewRemoteMethod registers name on e and returns a handle through which
// both servers and clients invoke it. local is the implementation executed
// when e is serving; it is never called on a client-mode endpoint, so a
// RemoteMethod built only for client use may pass nil.
func NewRemoteMethod[TReq, TResp any](e *Endpoint, name string, local func(context.Context, TReq) (TResp, error)) *RemoteMethod[TReq, TResp] {
	m := &RemoteMethod[TReq, TResp]{endpoint: e, name: name, local: local}
	e.register(name, m.dispatch)
	return m
}

// dispatch adapts the registry's raw-JSON calling convention to the typed
// local body. A RemoteMethod's wire convention is a single positional
// argument carrying the whole request value; keyword args are accepted
// but ignored, since TReq already carries the full request shape.
func (m *RemoteMethod[TReq, TResp]) dispatch(args, _ json.RawMessage) (any, error) {
	var positional []json.RawMessage
	if err := json.Unmarshal(args, &positional); err != nil {
		return nil, err
	}

	var req TReq
	if len(positional) > 0 {
		if err := json.Unmarshal(positional[0], &req); err != nil {
			return nil, err
		}
	}
	return m.local(context.Background(), req)
}

// Call invokes the method: locally if the endpoint is a server, over the
// wire if it is a client (connecting first if necessary).
func (m *RemoteMethod[TReq, TResp]) Call(ctx context.Context, req TReq) (TResp, error) {
	var zero TResp

	ctx, span := m.endpoint.telemetry.startSpan(ctx, "rpc.call", attribute.String("rpc.method", m.name))
	start := time.Now()
	defer func() {
		m.endpoint.telemetry.callDuration.Record(ctx, time.Since(start).Seconds())
	}()

	if m.endpoint.Mode() == ModeServer {
		result, err := m.local(ctx, req)
		endSpanWithError(span, err)
		return result, err
	}

	if err := m.endpoint.Connect(); err != nil {
		endSpanWithError(span, err)
		return zero, err
	}
	conn := m.endpoint.activeConn()
	if conn == nil {
		endSpanWithError(span, ErrNotConnected)
		return zero, ErrNotConnected
	}

	reqPayload, err := marshalPayload(req)
	if err != nil {
		endSpanWithError(span, err)
		return zero, err
	}
	positional, err := json.Marshal(reqPayload)
	if err != nil {
		endSpanWithError(span, err)
		return zero, err
	}

	if err := conn.Send(CmdCall, m.name, json.RawMessage(positional), map[string]any{}); err != nil {
		endSpanWithError(span, err)
		return zero, err
	}

	msg, err := conn.Recv()
	if err != nil {
		var fe *FramingError
		if errors.As(err, &fe) {
			_ = m.endpoint.Close()
		}
		endSpanWithError(span, err)
		return zero, err
	}

	switch msg.Cmd {
	case CmdRes:
		var result TResp
		if err := unmarshalPayload(msg.Payload, &result); err != nil {
			endSpanWithError(span, err)
			return zero, err
		}
		span.End()
		return result, nil

	case CmdExc:
		var class, message string
		if err := unmarshalPayload(msg.Payload, &class, &message); err != nil {
			endSpanWithError(span, err)
			return zero, err
		}
		remoteErr := m.endpoint.resolveException(class, message)
		endSpanWithError(span, remoteErr)
		return zero, remoteErr

	case CmdErr:
		var reason string
		_ = unmarshalPayload(msg.Payload, &reason)
		_ = m.endpoint.Close()
		callErr := newCatastrophicError(reason)
		endSpanWithError(span, callErr)
		return zero, callErr

	default:
		_ = m.endpoint.Close()
		callErr := newInvalidResponseError(msg.Cmd)
		endSpanWithError(span, callErr)
		return zero, callErr
	}
}
