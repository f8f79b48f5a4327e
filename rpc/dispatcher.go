package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
)

// session is the per-connection auth state machine driven by serve. AUTH is
// the only command accepted before authenticated flips true; every other
// command, including a second AUTH, is rejected.
type session struct {
	authenticated bool
}

// serve runs one accepted connection's command loop until the peer closes
// it, the peer sends QUIT, or an unrecoverable error occurs. It always
// runs in its own goroutine, spawned once per accepted connection by
// acceptLoop.
func (e *Endpoint) serve(conn *Connection, peer net.Addr, connID string) {
	host, port := splitPeer(peer)
	defer func() {
		e.logger.Info(fmt.Sprintf("Closing connection from %s port %s", host, port), "conn_id", connID)
		_ = conn.Close()
	}()

	sess := &session{}
	ctx := context.Background()

	for {
		msg, err := conn.Recv()
		if err != nil {
			if errors.Is(err, ErrConnectionClosed) {
				return
			}
			var fe *FramingError
			if errors.As(err, &fe) {
				_ = conn.Send(CmdErr, fe.Error())
				continue
			}
			e.logger.Warn(fmt.Sprintf("Error serving client at %s port %s: %s", host, port, err), "conn_id", connID)
			return
		}

		e.logger.Debug(fmt.Sprintf("Received command '%s' from %s port %s; payload: %s",
			msg.Cmd, host, port, payloadPreview(msg.Payload)), "conn_id", connID)
		e.telemetry.recordCommand(ctx, msg.Cmd)

		if msg.Cmd == CmdAuth {
			if closeSession := e.handleAuth(ctx, conn, msg.Payload, sess); closeSession {
				return
			}
			continue
		}

		if !sess.authenticated {
			e.reply(ctx, conn, CmdErr, "Not authenticated")
			return
		}

		switch msg.Cmd {
		case CmdPing:
			_ = conn.SendRaw(CmdPong, msg.Payload)
			e.telemetry.recordReply(ctx, CmdPong)
		case CmdQuit:
			return
		case CmdCall:
			e.handleCall(ctx, conn, msg.Payload)
		default:
			e.reply(ctx, conn, CmdErr, fmt.Sprintf("Unrecognized command '%s'", msg.Cmd))
		}
	}
}

// reply sends a single-value payload and records it, the common case for
// every ERR/OK/EXC reply the dispatcher issues.
func (e *Endpoint) reply(ctx context.Context, conn *Connection, cmd Command, values ...any) {
	_ = conn.Send(cmd, values...)
	e.telemetry.recordReply(ctx, cmd)
}

// handleAuth processes one AUTH command and reports whether serve must
// close the session afterward: a wrong key closes it (the loop's caller
// returns without reading another frame), every other outcome — including
// success — leaves it open.
func (e *Endpoint) handleAuth(ctx context.Context, conn *Connection, payload []json.RawMessage, sess *session) bool {
	if sess.authenticated {
		e.reply(ctx, conn, CmdErr, "Already authenticated")
		return false
	}

	var key string
	if err := unmarshalPayload(payload, &key); err != nil {
		e.reply(ctx, conn, CmdErr, fmt.Sprintf("Invalid payload for 'AUTH' command: %s", err))
		return false
	}

	if key != e.authkey {
		e.reply(ctx, conn, CmdErr, "Invalid authentication key")
		return true
	}

	e.reply(ctx, conn, CmdOK)
	sess.authenticated = true
	return false
}

func (e *Endpoint) handleCall(ctx context.Context, conn *Connection, payload []json.RawMessage) {
	var name string
	var args, kwargs json.RawMessage
	if err := unmarshalPayload(payload, &name, &args, &kwargs); err != nil {
		e.reply(ctx, conn, CmdErr, fmt.Sprintf("Invalid payload for 'CALL' command: %s", err))
		return
	}

	handler, ok := e.lookup(name)
	if !ok {
		exc := newNoSuchMethodError(e.TypeName, name)
		e.reply(ctx, conn, CmdExc, attributeErrorClass, exc.Error())
		return
	}

	result, err := handler(args, kwargs)
	if err != nil {
		class, message := classifyError(err)
		e.reply(ctx, conn, CmdExc, class, message)
		return
	}
	e.reply(ctx, conn, CmdRes, result)
}

// classifyError derives the wire-level (qualified_class_name, message) pair
// for an application error raised by a registered method's body.
//
// An error that implements remoteClassifier controls its own wire class
// name; everything else is classified from its Go type into a
// "<package path>:<type name>" shape.
func classifyError(err error) (string, string) {
	var ae *AttributeError
	if errors.As(err, &ae) {
		return attributeErrorClass, ae.Error()
	}

	var rc remoteClassifier
	if errors.As(err, &rc) {
		return rc.RemoteClass(), err.Error()
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "rpc:error", err.Error()
	}
	pkg := t.PkgPath()
	if pkg == "" {
		pkg = "errors"
	}
	return pkg + ":" + t.Name(), err.Error()
}

// remoteClassifier lets an application-defined error type name its own
// wire class, instead of falling back to its Go reflect type name.
type remoteClassifier interface {
	RemoteClass() string
}

func payloadPreview(payload []json.RawMessage) string {
	parts := make([]string, len(payload))
	for i, v := range payload {
		parts[i] = string(v)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
