package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mode is the role an Endpoint plays. An Endpoint starts ModeUnset and
// permanently commits to one of the other two on its first Connect or
// Listen call; once committed, the other role is permanently forbidden on
// that instance.
type Mode int

const (
	ModeUnset Mode = iota
	ModeClient
	ModeServer
)

func (m Mode) String() string {
	switch m {
	case ModeClient:
		return "client"
	case ModeServer:
		return "server"
	default:
		return "unset"
	}
}

// defaultMaxAcceptErrors is the accept loop's consecutive-error threshold,
// overridable via WithMaxAcceptErrors.
const defaultMaxAcceptErrors = 10

// Endpoint is the user-visible object that is either a connected client or
// a listening server, never both.
type Endpoint struct {
	Host    string
	Port    string
	authkey string

	// TypeName names the service for the purposes of the synthesized
	// AttributeError message ("'<TypeName>' object has no attribute
	// '<name>'"); it has no other behavior.
	TypeName string

	// MaxAcceptErrors bounds how many consecutive Accept() failures the
	// server's accept loop tolerates before shutting down. Zero means
	// defaultMaxAcceptErrors.
	MaxAcceptErrors int

	logger    Logger
	telemetry *telemetry

	mu   sync.Mutex
	mode Mode
	conn *Connection

	methodsMu sync.RWMutex
	methods   map[string]callHandler

	exceptionsMu sync.RWMutex
	exceptions   map[string]func(string) error
}

// Option configures an Endpoint at construction time.
type Option func(*Endpoint)

// WithLogger overrides the Endpoint's Logger (default: a silent no-op,
// matching an unconfigured Python `logging` module).
func WithLogger(l Logger) Option {
	return func(e *Endpoint) { e.logger = l }
}

// WithTelemetry enables OpenTelemetry tracing/metrics for this Endpoint.
func WithTelemetry(cfg TelemetryConfig) Option {
	return func(e *Endpoint) { e.telemetry = initTelemetry(cfg) }
}

// WithMaxAcceptErrors overrides the accept loop's error threshold.
func WithMaxAcceptErrors(n int) Option {
	return func(e *Endpoint) { e.MaxAcceptErrors = n }
}

// NewEndpoint constructs an Endpoint bound to (host, port) with the given
// shared authkey. typeName is used only in synthesized AttributeError text.
func NewEndpoint(host, port, authkey, typeName string, opts ...Option) *Endpoint {
	e := &Endpoint{
		Host:       host,
		Port:       port,
		authkey:    authkey,
		TypeName:   typeName,
		logger:     discardLogger{},
		telemetry:  noopTelemetry(),
		methods:    make(map[string]callHandler),
		exceptions: make(map[string]func(string) error),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Mode returns the endpoint's current role.
func (e *Endpoint) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// RegisterException makes a remotely-raised exception whose qualified
// class name equals class reconstructible as a Go error via ctor, instead
// of falling back to the generic *RemoteError.
func (e *Endpoint) RegisterException(class string, ctor func(message string) error) {
	e.exceptionsMu.Lock()
	defer e.exceptionsMu.Unlock()
	e.exceptions[class] = ctor
}

func (e *Endpoint) resolveException(class, message string) error {
	e.exceptionsMu.RLock()
	ctor, ok := e.exceptions[class]
	e.exceptionsMu.RUnlock()
	if ok {
		return ctor(message)
	}
	return &RemoteError{Class: class, Message: message}
}

func (e *Endpoint) register(name string, h callHandler) {
	e.methodsMu.Lock()
	defer e.methodsMu.Unlock()
	e.methods[name] = h
}

func (e *Endpoint) lookup(name string) (callHandler, bool) {
	e.methodsMu.RLock()
	defer e.methodsMu.RUnlock()
	h, ok := e.methods[name]
	return h, ok
}

func (e *Endpoint) activeConn() *Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

// Close idempotently releases any held client connection and shuts down
// telemetry export. Mode is left unchanged.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()

	shutdownErr := e.telemetry.Shutdown(context.Background())
	if conn == nil {
		return shutdownErr
	}
	if err := conn.Close(); err != nil {
		return err
	}
	return shutdownErr
}

// Connect transitions mode from unset to client and, unless a connection
// is already held, dials the remote address and authenticates.
// Authentication failure (an ERR reply) is not an error: Connect returns
// nil and leaves the endpoint in the "client with no connection" state, so
// the next call retries.
func (e *Endpoint) Connect() error {
	e.mu.Lock()
	if e.mode == ModeServer {
		e.mu.Unlock()
		return errors.New("rpc: endpoint already in server mode")
	}
	e.mode = ModeClient
	if e.conn != nil {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	sock, err := net.Dial("tcp", net.JoinHostPort(e.Host, e.Port))
	if err != nil {
		return err
	}
	conn := NewConnection(sock)

	if err := conn.Send(CmdAuth, e.authkey); err != nil {
		_ = conn.Close()
		return err
	}

	msg, err := conn.Recv()
	if err != nil {
		_ = conn.Close()
		var fe *FramingError
		switch {
		case errors.Is(err, ErrConnectionClosed):
			e.logger.Warn("Connection closed while authenticating to server")
		case errors.As(err, &fe):
			e.logger.Warn(fmt.Sprintf("Received bogus response from server: %s", err))
		default:
			e.logger.Warn(fmt.Sprintf("Failed to authenticate to server: %s", err))
		}
		return err
	}

	switch msg.Cmd {
	case CmdOK:
		e.mu.Lock()
		e.conn = conn
		e.mu.Unlock()
		return nil
	case CmdErr:
		var reason string
		_ = unmarshalPayload(msg.Payload, &reason)
		e.logger.Warn(fmt.Sprintf("Failed to authenticate to %s port %s: %s", e.Host, e.Port, reason))
		_ = conn.Close()
		return nil
	default:
		_ = conn.Close()
		err := fmt.Errorf("rpc: unexpected authentication reply: %s", msg.Cmd)
		e.logger.Warn(fmt.Sprintf("Failed to authenticate to server: %s", err))
		return err
	}
}

// ErrNotConnected is returned by Ping when Connect succeeded (no error) but
// left no connection held — i.e. the server rejected authentication.
var ErrNotConnected = errors.New("rpc: not connected")

// Ping ensures the endpoint is connected, sends the current wall-clock
// timestamp, and returns the elapsed seconds since that timestamp as
// measured against the server's echoed value.
func (e *Endpoint) Ping() (float64, error) {
	if err := e.Connect(); err != nil {
		return 0, err
	}
	conn := e.activeConn()
	if conn == nil {
		return 0, ErrNotConnected
	}

	sent := time.Now()
	if err := conn.Send(CmdPing, unixSeconds(sent)); err != nil {
		return 0, err
	}

	msg, err := conn.Recv()
	if err != nil {
		return 0, err
	}
	if msg.Cmd != CmdPong {
		_ = e.Close()
		return 0, fmt.Errorf("rpc: unexpected reply to PING: %s", msg.Cmd)
	}

	var echoed float64
	if err := unmarshalPayload(msg.Payload, &echoed); err != nil {
		return 0, err
	}
	return unixSeconds(time.Now()) - echoed, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Listen transitions mode from unset to server, builds the listening
// socket, and runs the accept loop until it shuts down — either because
// the loop trips MaxAcceptErrors or the listener is closed externally.
// Call it in its own goroutine to avoid blocking the caller, the same way
// callers of http.Serve do.
func (e *Endpoint) Listen() error {
	e.mu.Lock()
	if e.mode == ModeClient {
		e.mu.Unlock()
		return errors.New("rpc: endpoint already in client mode")
	}
	e.mode = ModeServer
	e.mu.Unlock()

	ln, err := newListener(e.Host, e.Port)
	if err != nil {
		return err
	}

	e.acceptLoop(ln)
	return nil
}

func (e *Endpoint) acceptLoop(ln net.Listener) {
	defer ln.Close()

	maxErrors := e.MaxAcceptErrors
	if maxErrors <= 0 {
		maxErrors = defaultMaxAcceptErrors
	}

	consecutiveErrors := 0
	for {
		sock, err := ln.Accept()
		if err != nil {
			consecutiveErrors++
			if consecutiveErrors > maxErrors {
				e.logger.Warn(fmt.Sprintf("Too many errors accepting connections: %s", err))
				return
			}
			continue
		}
		consecutiveErrors = 0

		peer := sock.RemoteAddr()
		host, port := splitPeer(peer)
		e.logger.Info(fmt.Sprintf("Accepted connection from %s port %s", host, port))

		conn := NewConnection(sock)
		go e.serve(conn, peer, uuid.NewString())
	}
}

func splitPeer(addr net.Addr) (string, string) {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), ""
	}
	return host, port
}

