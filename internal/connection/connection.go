// Package connection implements per-client message framing: reassembling
// length-prefixed frames off a stream socket, dispatching each parsed
// body to a request handler, and writing back the framed response.
package connection

import (
	"encoding/binary"
	"io"
	"net"

	logging "github.com/op/go-logging"

	"krypt.co/agentd/internal/protocol"
)

// Dispatcher is the subset of handler.Handler a Connection depends on,
// named here so this package doesn't import the handler package directly.
type Dispatcher interface {
	Handle(req *protocol.Request, socketType protocol.SocketType) *protocol.Response
}

const readChunkSize = 4 * 1024

// Connection owns one accepted client socket: its read buffer and a
// reference to the shared dispatcher. A Connection is used from a single
// goroutine; the dispatcher it calls into is expected to be safe for
// concurrent use across many Connections.
type Connection struct {
	conn       net.Conn
	socketType protocol.SocketType
	dispatcher Dispatcher
	log        *logging.Logger

	buf []byte
}

// New wraps an accepted client connection.
func New(conn net.Conn, socketType protocol.SocketType, dispatcher Dispatcher, log *logging.Logger) *Connection {
	return &Connection{conn: conn, socketType: socketType, dispatcher: dispatcher, log: log}
}

// Serve reads and answers requests until the client disconnects or an
// I/O error occurs on either side; it always closes the underlying
// connection before returning.
func (c *Connection) Serve() {
	defer c.conn.Close()

	chunk := make([]byte, readChunkSize)
	for {
		n, err := c.conn.Read(chunk)
		if n > 0 {
			c.buf = append(c.buf, chunk[:n]...)
			if !c.drainFrames() {
				return
			}
		}
		if err != nil {
			if err != io.EOF && c.log != nil {
				c.log.Debugf("connection read error: %v", err)
			}
			return
		}
	}
}

// drainFrames extracts and handles every complete frame currently in the
// buffer, leaving any trailing partial frame in place. It returns false
// if a frame header claims more than protocol.MaxMessageLength or a
// response write failed, in which case the connection must close.
func (c *Connection) drainFrames() bool {
	for {
		if len(c.buf) < 4 {
			return true
		}
		length := binary.BigEndian.Uint32(c.buf[:4])
		if length > protocol.MaxMessageLength {
			// A client claiming an oversize frame is not worth waiting on;
			// the frame can never be answered within the size ceiling.
			return false
		}
		if uint64(len(c.buf)) < 4+uint64(length) {
			return true
		}
		body := c.buf[4 : 4+length]
		bodyCopy := make([]byte, len(body))
		copy(bodyCopy, body)
		c.buf = c.buf[4+length:]

		if !c.handleFrame(bodyCopy) {
			return false
		}
	}
}

func (c *Connection) handleFrame(body []byte) bool {
	req, err := protocol.ParseRequest(body)
	var resp *protocol.Response
	if err != nil {
		resp = protocol.Failure()
	} else {
		resp = c.dispatcher.Handle(req, c.socketType)
	}
	return c.writeResponse(resp)
}

func (c *Connection) writeResponse(resp *protocol.Response) bool {
	frame := protocol.Frame(protocol.Serialize(resp))
	for len(frame) > 0 {
		n, err := c.conn.Write(frame)
		if err != nil {
			if c.log != nil {
				c.log.Debugf("connection write error: %v", err)
			}
			return false
		}
		if n <= 0 {
			return false
		}
		frame = frame[n:]
	}
	return true
}
