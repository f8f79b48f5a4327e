package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
)

// recvChunkSize is the size of the read-some primitive's buffer. Arbitrarily
// fragmented reads are expected and handled: a line may arrive split across
// any number of reads, or several lines may arrive in one read.
const recvChunkSize = 4096

// queueItem is either a decoded Message or a framing-error marker. Framing
// errors are queued rather than raised immediately so that several frames
// arriving in one read surface in order: good frames before the malformed
// one that follows them.
type queueItem struct {
	msg Message
	err error
}

// Connection frames a byte stream into a sequence of Messages.
//
// It owns one net.Conn, an ordered queue of already-parsed items, and a
// partial-line buffer for incomplete trailing data. If the socket is absent
// (closed), both buffers are empty — Close and the internal release() path
// both maintain this invariant.
type Connection struct {
	mu      sync.Mutex
	sock    net.Conn
	queue   []queueItem
	partial []byte
}

// NewConnection wraps an already-established net.Conn for framed send/recv.
func NewConnection(sock net.Conn) *Connection {
	return &Connection{sock: sock}
}

// Send builds {"cmd": cmd, "payload": values}, encodes it, and writes the
// frame plus a trailing newline in a single write.
//
// Returns ErrConnectionClosed if the connection is already closed. Any
// transport error from the write discards the underlying socket before
// being re-raised to the caller.
func (c *Connection) Send(cmd Command, values ...any) error {
	payload, err := marshalPayload(values...)
	if err != nil {
		return err
	}
	data, err := Message{Cmd: cmd, Payload: payload}.encode()
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		return ErrConnectionClosed
	}

	if _, err := sock.Write(data); err != nil {
		c.release()
		return err
	}
	return nil
}

// SendRaw is Send for a caller that already holds payload elements as raw
// JSON (e.g. the dispatcher echoing a PING's timestamp back verbatim in a
// PONG, without a decode/re-encode round trip).
func (c *Connection) SendRaw(cmd Command, payload []json.RawMessage) error {
	data, err := Message{Cmd: cmd, Payload: payload}.encode()
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		return ErrConnectionClosed
	}

	if _, err := sock.Write(data); err != nil {
		c.release()
		return err
	}
	return nil
}

// Recv returns the next (cmd, payload) pair.
//
// If a message was already parsed from a prior read, it (or a deferred
// framing error) is returned immediately. Otherwise Recv blocks on the
// socket, appends whatever arrives to the partial buffer, splits off any
// completed lines, and recurses into the queue-drain branch.
func (c *Connection) Recv() (Message, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			item := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			if item.err != nil {
				return Message{}, item.err
			}
			return item.msg, nil
		}
		sock := c.sock
		c.mu.Unlock()

		if sock == nil {
			return Message{}, ErrConnectionClosed
		}

		buf := make([]byte, recvChunkSize)
		n, err := sock.Read(buf)
		if err != nil {
			c.release()
			if errors.Is(err, io.EOF) {
				return Message{}, ErrConnectionClosed
			}
			return Message{}, err
		}
		if n == 0 {
			c.release()
			return Message{}, ErrConnectionClosed
		}

		c.mu.Lock()
		c.partial = append(c.partial, buf[:n]...)
		c.drainLines()
		c.mu.Unlock()
		// Loop back: queue may now hold one or more items to return.
	}
}

// drainLines splits c.partial on '\n', decoding each completed line into a
// queue item. Must be called with c.mu held. The trailing, possibly-empty
// remainder (which never contains the delimiter) becomes the new partial
// buffer.
func (c *Connection) drainLines() {
	for {
		idx := bytes.IndexByte(c.partial, '\n')
		if idx < 0 {
			break
		}
		line := make([]byte, idx)
		copy(line, c.partial[:idx])
		c.partial = c.partial[idx+1:]

		msg, err := decodeMessage(line)
		if err != nil {
			c.queue = append(c.queue, queueItem{err: &FramingError{Line: line, Err: err}})
			continue
		}
		c.queue = append(c.queue, queueItem{msg: msg})
	}
}

// release discards the socket and clears both buffers without raising a
// close-time error. Used internally whenever the connection is found dead
// mid-operation (peer closed, or a transport error occurred).
func (c *Connection) release() {
	c.mu.Lock()
	sock := c.sock
	c.sock = nil
	c.queue = nil
	c.partial = nil
	c.mu.Unlock()

	if sock != nil {
		_ = sock.Close()
	}
}

// Close idempotently closes the connection, suppressing any close-time
// transport error, and clears both buffers.
func (c *Connection) Close() error {
	c.release()
	return nil
}

// Closed reports whether the connection currently has no underlying socket.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock == nil
}
