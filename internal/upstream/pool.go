package upstream

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/onedispatch/onedispatch/internal/config"
	"github.com/onedispatch/onedispatch/internal/logging"
)

// Status is the externally visible view of one supervised connection.
type Status struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	URL          string    `json:"url"`
	State        string    `json:"state"`
	ConnectedAt  time.Time `json:"connected_at,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	Reconnects   int       `json:"reconnects"`
	AllowForward bool      `json:"allow_forward"`
}

// Pool owns one supervised client per configured connection and reconciles
// the set against each config snapshot.
type Pool struct {
	onFrame FrameHandler

	mu      sync.Mutex
	clients map[string]*Client

	ctx    context.Context
	cancel context.CancelFunc
}

func NewPool(onFrame FrameHandler) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		onFrame: onFrame,
		clients: make(map[string]*Client),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Reconcile brings the client set in line with the snapshot: new connections
// are started, removed ones stopped, and a changed URL or token forces a
// redial.
func (p *Pool) Reconcile(snap *config.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	want := make(map[string]config.Connection, len(snap.Config.Connections))
	for _, cc := range snap.Config.Connections {
		want[cc.ID] = cc
	}

	for id, c := range p.clients {
		cc, keep := want[id]
		if keep && cc.URL == c.cfg.URL && cc.Token == c.cfg.Token {
			c.mu.Lock()
			c.cfg = cc
			c.mu.Unlock()
			continue
		}
		if keep {
			logging.Infof("upstream %s: endpoint changed, redialing", id)
		} else {
			logging.Infof("upstream %s: removed from config", id)
		}
		c.setWanted(false)
		c.closeConn()
		delete(p.clients, id)
	}

	for id, cc := range want {
		if _, ok := p.clients[id]; ok {
			continue
		}
		c := newClient(cc, p.onFrame)
		p.clients[id] = c
		go c.run(p.ctx)
	}
}

func (p *Pool) client(id string) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clients[id]
}

// Connect asks a stopped connection to come up.
func (p *Pool) Connect(id string) error {
	c := p.client(id)
	if c == nil {
		return fmt.Errorf("unknown connection %q", id)
	}
	c.setWanted(true)
	return nil
}

// Disconnect takes a connection down until Connect or a config reload.
func (p *Pool) Disconnect(id string) error {
	c := p.client(id)
	if c == nil {
		return fmt.Errorf("unknown connection %q", id)
	}
	c.setWanted(false)
	c.closeConn()
	return nil
}

// Connected reports whether the connection is up. Satisfies the router's
// liveness check.
func (p *Pool) Connected(id string) bool {
	c := p.client(id)
	return c != nil && c.Connected()
}

// Send delivers a frame to one upstream, failing fast when it is down.
func (p *Pool) Send(id string, data []byte) error {
	c := p.client(id)
	if c == nil {
		return fmt.Errorf("unknown connection %q", id)
	}
	return c.Send(data)
}

// Broadcast sends a frame to every connected upstream marked allow_forward.
// Down connections are skipped silently.
func (p *Pool) Broadcast(data []byte) {
	p.mu.Lock()
	targets := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		if c.cfg.AllowForward {
			targets = append(targets, c)
		}
	}
	p.mu.Unlock()
	for _, c := range targets {
		if err := c.Send(data); err != nil && err != ErrNotConnected {
			logging.Warnf("broadcast to %s failed: %v", c.cfg.ID, err)
		}
	}
}

// Counts returns connected and total connection counts.
func (p *Pool) Counts() (connected, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		total++
		if c.Connected() {
			connected++
		}
	}
	return connected, total
}

// Statuses returns a stable, id-ordered status list for the admin API.
func (p *Pool) Statuses() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Status, 0, len(p.clients))
	for _, c := range p.clients {
		c.mu.Lock()
		out = append(out, Status{
			ID:           c.cfg.ID,
			Name:         c.cfg.Name,
			URL:          c.cfg.URL,
			State:        c.state.String(),
			ConnectedAt:  c.connectedAt,
			LastError:    c.lastErr,
			Reconnects:   c.reconnects,
			AllowForward: c.cfg.AllowForward,
		})
		c.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops every client and waits briefly for their loops to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	clients := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.Unlock()

	p.cancel()
	for _, c := range clients {
		c.closeConn()
	}
	for _, c := range clients {
		select {
		case <-c.done:
		case <-time.After(2 * time.Second):
		}
	}
}
