package frontend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onedispatch/onedispatch/internal/logging"
)

type recorder struct {
	mu     sync.Mutex
	frames []string
	ids    []string
	closed []string
	notify chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 16)}
}

func (r *recorder) onFrame(sessionID string, raw []byte) {
	r.mu.Lock()
	r.frames = append(r.frames, string(raw))
	r.ids = append(r.ids, sessionID)
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *recorder) onClose(sessionID string) {
	r.mu.Lock()
	r.closed = append(r.closed, sessionID)
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frontend event")
	}
}

func newTestFrontend(t *testing.T) (*Server, *recorder, string) {
	t.Helper()
	logging.Disable()
	t.Cleanup(logging.Enable)

	rec := newRecorder()
	srv := NewServer(rec.onFrame, rec.onClose)
	ts := httptest.NewServer(http.HandlerFunc(srv.serveWS))
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Close(ctx)
	})
	return srv, rec, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestInboundFramesReachHandler(t *testing.T) {
	srv, rec, url := newTestFrontend(t)
	conn := dial(t, url)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"post_type":"message"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.frames) != 1 || rec.frames[0] != `{"post_type":"message"}` {
		t.Fatalf("frames = %v", rec.frames)
	}
	if srv.Count() != 1 {
		t.Fatalf("count = %d", srv.Count())
	}
}

func TestSendReachesTheRightSession(t *testing.T) {
	srv, rec, url := newTestFrontend(t)
	a := dial(t, url)
	b := dial(t, url)

	// Identify each session by sending a frame and reading the recorded id.
	if err := a.WriteMessage(websocket.TextMessage, []byte(`a`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	rec.wait(t)
	rec.mu.Lock()
	sessA := rec.ids[0]
	rec.mu.Unlock()

	if !srv.Send(sessA, []byte(`for-a`)) {
		t.Fatal("Send reported failure")
	}
	_ = a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := a.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "for-a" {
		t.Fatalf("got %q", data)
	}

	// b must not receive anything; broadcast reaches both.
	srv.Broadcast([]byte(`all`))
	_ = b.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err = b.ReadMessage()
	if err != nil {
		t.Fatalf("read b: %v", err)
	}
	if string(data) != "all" {
		t.Fatalf("b got %q, want broadcast only", data)
	}
}

func TestSendToUnknownSession(t *testing.T) {
	srv, _, _ := newTestFrontend(t)
	if srv.Send("nope", []byte(`x`)) {
		t.Fatal("Send to unknown session reported success")
	}
}

func TestSendRacingDisconnectDoesNotPanic(t *testing.T) {
	logging.Disable()
	t.Cleanup(logging.Enable)
	srv := NewServer(func(string, []byte) {}, nil)

	for i := 0; i < 500; i++ {
		sess := &Session{ID: "s", send: make(chan []byte, sendBuffer), srv: srv}
		srv.mu.Lock()
		srv.sessions[sess.ID] = sess
		srv.mu.Unlock()

		done := make(chan struct{})
		go func() {
			srv.drop(sess)
			close(done)
		}()
		for j := 0; j < 8; j++ {
			srv.Send("s", []byte(`x`))
		}
		<-done
	}
}

func TestCloseHandlerFires(t *testing.T) {
	srv, rec, url := newTestFrontend(t)
	conn := dial(t, url)

	// Learn the session id first.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`x`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	rec.wait(t)

	conn.Close()
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.closed) != 1 || rec.closed[0] != rec.ids[0] {
		t.Fatalf("closed = %v, ids = %v", rec.closed, rec.ids)
	}
	if srv.Count() != 0 {
		t.Fatalf("count = %d after close", srv.Count())
	}
}
