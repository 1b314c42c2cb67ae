// Package server implements socket bind/listen/accept and graceful
// shutdown for the two Unix-domain-socket listeners the agent exposes,
// each handing accepted connections off to the connection package.
package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	logging "github.com/op/go-logging"

	"krypt.co/agentd/internal/connection"
	"krypt.co/agentd/internal/protocol"
)

// maxSunPathLen is the BSD/macOS sockaddr_un.sun_path size, the smaller
// of the common platform limits (Linux allows 108). New rejects any path
// of this length or longer, on every platform.
const maxSunPathLen = 104

// Server owns one Unix-domain-socket listener and the live connections
// accepted from it.
type Server struct {
	path       string
	socketType protocol.SocketType
	dispatcher connection.Dispatcher
	log        *logging.Logger

	listener net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// New binds and listens on path. It unlinks any stale socket file first,
// chmods the new socket to 0600, and rejects paths of maxSunPathLen bytes
// or more. A bind/listen/chmod failure here is
// meant to be treated as fatal by the caller; this is startup, not
// steady-state, failure.
func New(path string, socketType protocol.SocketType, dispatcher connection.Dispatcher, log *logging.Logger) (*Server, error) {
	if len(path) >= maxSunPathLen {
		return nil, fmt.Errorf("server: socket path %q exceeds sun_path length limit", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("server: unlink stale socket: %w", err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("server: listen on %q: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("server: chmod %q: %w", path, err)
	}
	return &Server{
		path:       path,
		socketType: socketType,
		dispatcher: dispatcher,
		log:        log,
		listener:   listener,
		conns:      make(map[net.Conn]struct{}),
	}, nil
}

// Serve accepts connections until the listener is closed by Shutdown.
func (s *Server) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.drop(conn)
			connection.New(conn, s.socketType, s.dispatcher, s.log).Serve()
		}()
	}
}

func (s *Server) drop(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Shutdown stops accepting, closes the listener, closes every live
// connection, and unlinks the socket path. Call Wait afterward to block
// until the connection goroutines those closes unblocked have returned.
func (s *Server) Shutdown() {
	s.listener.Close()
	os.Remove(s.path)

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
}

// Wait blocks until every connection handler spawned by Serve has
// returned. Call after Shutdown during a graceful exit.
func (s *Server) Wait() {
	s.wg.Wait()
}
