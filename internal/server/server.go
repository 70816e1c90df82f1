// Package server is the HTTP admin API: health, monitoring, connection
// control, user management, dry-run resolution and a live log stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/onedispatch/onedispatch/internal/dispatch"
	"github.com/onedispatch/onedispatch/internal/logging"
)

// Server serves the admin API for one dispatcher instance.
type Server struct {
	d       *dispatch.Dispatcher
	httpSrv *http.Server
	logWS   websocket.Upgrader
}

func New(d *dispatch.Dispatcher) *Server {
	return &Server{
		d: d,
		logWS: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/monitor/stats", s.handleStats)
		r.Get("/connections", s.handleConnections)
		r.Post("/connections/{id}/connect", s.handleConnect)
		r.Post("/connections/{id}/disconnect", s.handleDisconnect)
		r.Post("/resolve", s.handleResolve)
		r.Post("/config/reload", s.handleReload)
		r.Get("/users", s.handleUsers)
		r.Put("/users/{id}/privilege", s.handlePrivilege)
	})
	r.Get("/ws/logs", s.handleLogStream)
	return r
}

// Listen binds addr and serves in the background.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.httpSrv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Errorf("admin server: %v", err)
		}
	}()
	logging.Infof("admin API listening on http://%s", addr)
	return nil
}

func (s *Server) Close(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.d.Stats())
}

func (s *Server) handleConnections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.d.Pool().Statuses())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.d.Pool().Connect(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": "connecting"})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.d.Pool().Disconnect(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": "disconnected"})
}

type resolveRequest struct {
	UserID  int64  `json:"user_id"`
	GroupID int64  `json:"group_id"`
	Text    string `json:"text"`
}

type resolveResponse struct {
	Decision     string `json:"decision"`
	ConnectionID string `json:"connection_id,omitempty"`
	Text         string `json:"text,omitempty"`
	ReplyText    string `json:"reply_text,omitempty"`
	CommandSetID string `json:"command_set_id,omitempty"`
	CommandName  string `json:"command_name,omitempty"`
}

// handleResolve runs the routing pipeline without forwarding anything.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	dec := s.d.DryRun(r.Context(), req.UserID, req.GroupID, req.Text)
	writeJSON(w, http.StatusOK, resolveResponse{
		Decision:     dec.Kind.String(),
		ConnectionID: dec.ConnectionID,
		Text:         dec.Text,
		ReplyText:    dec.ReplyText,
		CommandSetID: dec.CommandSetID,
		CommandName:  dec.CommandName,
	})
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	if err := s.d.Reload(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.d.Store().ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handlePrivilege(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	var body struct {
		Privileged bool `json:"privileged"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.d.Store().SetPrivileged(r.Context(), id, body.Privileged); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"qq_id": id, "is_privileged": body.Privileged})
}

// handleLogStream upgrades to a WebSocket, replays the recent ring buffer and
// then streams live log entries until the client goes away.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.logWS.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for _, e := range logging.Recent() {
		if err := conn.WriteJSON(e); err != nil {
			return
		}
	}

	ch := logging.Subscribe(64)
	defer logging.Unsubscribe(ch)

	// Drain reads so close frames are noticed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}
}
