// Package frontend runs the WebSocket server that bot clients connect to.
// Every inbound frame is handed to the dispatcher; replies and correlated
// responses are written back on the originating session.
package frontend

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/onedispatch/onedispatch/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// Handler receives every text frame read from a client session.
type Handler func(sessionID string, raw []byte)

// CloseHandler is told when a session goes away.
type CloseHandler func(sessionID string)

// Session is one connected bot client.
type Session struct {
	ID         string
	RemoteAddr string
	OpenedAt   time.Time

	conn *websocket.Conn
	send chan []byte
	srv  *Server

	// closed is flipped under closedMu before send is closed; enqueue takes
	// the same lock, so no send can hit a closed channel.
	closedMu sync.Mutex
	closed   bool
}

// Server accepts WebSocket clients and fans frames in and out.
type Server struct {
	handler Handler
	onClose CloseHandler

	mu       sync.Mutex
	sessions map[string]*Session

	httpSrv  *http.Server
	addr     net.Addr
	upgrader websocket.Upgrader
}

func NewServer(handler Handler, onClose CloseHandler) *Server {
	return &Server{
		handler:  handler,
		onClose:  onClose,
		sessions: make(map[string]*Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Listen starts serving on addr. It returns once the listener is bound so
// callers can treat a port conflict as a startup error.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr()
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveWS)
	s.httpSrv = &http.Server{Handler: mux}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Errorf("frontend server: %v", err)
		}
	}()
	logging.Infof("frontend listening on ws://%s", s.addr)
	return nil
}

// Addr returns the bound listen address, once Listen has succeeded.
func (s *Server) Addr() string {
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnf("frontend upgrade failed: %v", err)
		return
	}

	sess := &Session{
		ID:         uuid.NewString(),
		RemoteAddr: r.RemoteAddr,
		OpenedAt:   time.Now(),
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		srv:        s,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	n := len(s.sessions)
	s.mu.Unlock()
	logging.Infof("frontend session %s from %s (%d open)", sess.ID, sess.RemoteAddr, n)

	go sess.writePump()
	go sess.readPump()
}

func (s *Server) drop(sess *Session) {
	s.mu.Lock()
	_, open := s.sessions[sess.ID]
	delete(s.sessions, sess.ID)
	s.mu.Unlock()
	if !open {
		return
	}
	sess.closedMu.Lock()
	sess.closed = true
	close(sess.send)
	sess.closedMu.Unlock()
	logging.Infof("frontend session %s closed", sess.ID)
	if s.onClose != nil {
		s.onClose(sess.ID)
	}
}

// Send writes a frame to one session. It reports false when the session is
// gone or its queue is full.
func (s *Server) Send(sessionID string, data []byte) bool {
	s.mu.Lock()
	sess := s.sessions[sessionID]
	s.mu.Unlock()
	if sess == nil {
		return false
	}
	delivered, open := sess.enqueue(data)
	if !open {
		return false
	}
	if !delivered {
		// A reader this far behind will not catch up.
		logging.Warnf("frontend session %s write backlog, closing", sessionID)
		_ = sess.conn.Close()
		return false
	}
	return true
}

// enqueue queues a frame unless the session is already closing.
func (sess *Session) enqueue(data []byte) (delivered, open bool) {
	sess.closedMu.Lock()
	defer sess.closedMu.Unlock()
	if sess.closed {
		return false, false
	}
	select {
	case sess.send <- data:
		return true, true
	default:
		return false, true
	}
}

// Broadcast writes a frame to every open session.
func (s *Server) Broadcast(data []byte) {
	s.mu.Lock()
	targets := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.mu.Unlock()
	for _, sess := range targets {
		s.Send(sess.ID, data)
	}
}

// Count returns the number of open sessions.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sessions returns a snapshot of open sessions for the admin API.
func (s *Server) Sessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, Session{ID: sess.ID, RemoteAddr: sess.RemoteAddr, OpenedAt: sess.OpenedAt})
	}
	return out
}

// Close shuts the listener and every open session.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	targets := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.mu.Unlock()
	for _, sess := range targets {
		_ = sess.conn.Close()
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (sess *Session) readPump() {
	defer func() {
		sess.srv.drop(sess)
		_ = sess.conn.Close()
	}()
	sess.conn.SetReadLimit(maxMessageSize)
	_ = sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warnf("frontend session %s read error: %v", sess.ID, err)
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		sess.srv.handler(sess.ID, data)
	}
}

func (sess *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = sess.conn.Close()
	}()
	for {
		select {
		case data, ok := <-sess.send:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = sess.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sess.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
