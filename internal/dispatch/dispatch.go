// Package dispatch wires the frontend server, the routing engine, the
// upstream pool and the correlation table into one running service.
package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/onedispatch/onedispatch/internal/config"
	"github.com/onedispatch/onedispatch/internal/correlate"
	"github.com/onedispatch/onedispatch/internal/db"
	"github.com/onedispatch/onedispatch/internal/frontend"
	"github.com/onedispatch/onedispatch/internal/logging"
	"github.com/onedispatch/onedispatch/internal/onebot"
	"github.com/onedispatch/onedispatch/internal/router"
	"github.com/onedispatch/onedispatch/internal/style"
	"github.com/onedispatch/onedispatch/internal/upstream"
)

// Dispatcher is the running service. The config snapshot is swapped
// atomically on reload; in-flight resolutions keep the snapshot they
// started with.
type Dispatcher struct {
	configPath string
	snap       atomic.Pointer[config.Snapshot]

	store  *db.Store
	pool   *upstream.Pool
	front  *frontend.Server
	table  *correlate.Table
	router *router.Router
	styles *style.Manager
	sched  *cron.Cron

	msgToday  atomic.Int64
	msgTotal  atomic.Int64
	forwarded atomic.Int64
	replied   atomic.Int64
	dropped   atomic.Int64

	startedAt time.Time
	cancel    context.CancelFunc
}

func New(configPath string, snap *config.Snapshot, store *db.Store) *Dispatcher {
	d := &Dispatcher{
		configPath: configPath,
		store:      store,
		table:      correlate.NewTable(),
		sched:      cron.New(),
	}
	d.snap.Store(snap)
	d.pool = upstream.NewPool(d.onUpstreamFrame)
	d.front = frontend.NewServer(d.onClientFrame, d.table.DropSession)
	d.styles = style.NewManager(store, d)
	d.router = router.New(d.styles, d.pool)
	return d
}

// Snapshot returns the current config snapshot.
func (d *Dispatcher) Snapshot() *config.Snapshot { return d.snap.Load() }

// Pool exposes the upstream pool for the admin API.
func (d *Dispatcher) Pool() *upstream.Pool { return d.pool }

// Frontend exposes the client-facing server for the admin API.
func (d *Dispatcher) Frontend() *frontend.Server { return d.front }

// Store exposes the user repository for the admin API.
func (d *Dispatcher) Store() *db.Store { return d.store }

// Start brings up the upstream pool, the frontend listener, the correlation
// sweeper, the daily counter reset and the config watcher.
func (d *Dispatcher) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)
	d.startedAt = time.Now()

	snap := d.Snapshot()
	d.pool.Reconcile(snap)

	addr := fmt.Sprintf("%s:%d", snap.Config.Server.Host, snap.Config.Server.WSPort)
	if err := d.front.Listen(addr); err != nil {
		return fmt.Errorf("frontend listen: %w", err)
	}

	go d.table.Run(ctx)

	if _, err := d.sched.AddFunc("0 0 * * *", func() {
		d.msgToday.Store(0)
		logging.Infof("daily message counter reset")
	}); err != nil {
		return fmt.Errorf("schedule counter reset: %w", err)
	}
	d.sched.Start()

	if d.configPath != "" {
		go d.watchConfig(ctx)
	}
	return nil
}

// Stop tears everything down in dependency order.
func (d *Dispatcher) Stop(ctx context.Context) {
	if d.cancel != nil {
		d.cancel()
	}
	d.sched.Stop()
	_ = d.front.Close(ctx)
	d.pool.Close()
}

// onClientFrame handles one frame read from a frontend session.
func (d *Dispatcher) onClientFrame(sessionID string, raw []byte) {
	f, err := onebot.Classify(raw)
	if err != nil {
		logging.Warnf("session %s sent an unparseable frame: %v", sessionID, err)
		return
	}

	switch f.Kind {
	case onebot.KindMessage:
		d.handleMessage(sessionID, f)
	case onebot.KindAPICall:
		d.handleAPICall(sessionID, f)
	default:
		// Meta and unclassified events fan out to the forwarding upstreams.
		d.pool.Broadcast(raw)
	}
}

func (d *Dispatcher) handleMessage(sessionID string, f *onebot.Frame) {
	d.msgToday.Add(1)
	d.msgTotal.Add(1)

	snap := d.Snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A broken repository degrades to an empty user record rather than
	// taking message routing down with it.
	user, err := d.store.GetOrCreateUser(ctx, f.UserID, f.Nickname)
	if err != nil {
		logging.Warnf("user lookup for %d failed, routing without record: %v", f.UserID, err)
		user = nil
	}

	dec := d.router.Resolve(ctx, snap, user, router.Input{
		Text:    f.Text,
		UserID:  f.UserID,
		GroupID: f.GroupID,
	})
	d.execute(sessionID, f, dec)
}

func (d *Dispatcher) execute(sessionID string, f *onebot.Frame, dec router.Decision) {
	switch dec.Kind {
	case router.Reply:
		d.replied.Add(1)
		reply, err := onebot.Reply(f, dec.ReplyText)
		if err != nil {
			logging.Errorf("build reply failed: %v", err)
			return
		}
		d.front.Send(sessionID, reply)

	case router.Forward:
		out := f.Raw
		if dec.Mutated {
			var err error
			out, err = f.WithText(dec.Text)
			if err != nil {
				logging.Errorf("rewrite message failed: %v", err)
				return
			}
		}
		if err := d.pool.Send(dec.ConnectionID, out); err != nil {
			// The target can go down between the liveness check and here.
			logging.Warnf("forward to %s failed: %v", dec.ConnectionID, err)
			d.dropped.Add(1)
			if reply, rerr := onebot.Reply(f, router.MsgTargetUnavailable); rerr == nil {
				d.front.Send(sessionID, reply)
			}
			return
		}
		d.forwarded.Add(1)
		logging.Debugf("forwarded message from %d to %s (set=%s cmd=%s)",
			f.UserID, dec.ConnectionID, dec.CommandSetID, dec.CommandName)

	default:
		d.dropped.Add(1)
		logging.Debugf("dropped message from %d", f.UserID)
	}
}

// handleAPICall forwards a client API call to the forwarding upstreams,
// registering the echo so the response finds its way back.
func (d *Dispatcher) handleAPICall(sessionID string, f *onebot.Frame) {
	echo := f.Echo
	generated := false
	out := f.Raw
	if echo == "" {
		echo = correlate.NewEcho()
		generated = true
		var err error
		out, err = onebot.WithEcho(f.Raw, echo)
		if err != nil {
			logging.Errorf("tag api call failed: %v", err)
			return
		}
	}
	d.table.Track(echo, sessionID, generated)
	d.pool.Broadcast(out)
}

// onUpstreamFrame handles one frame read from an upstream connection.
func (d *Dispatcher) onUpstreamFrame(connID string, raw []byte) {
	f, err := onebot.Classify(raw)
	if err != nil {
		logging.Warnf("upstream %s sent an unparseable frame: %v", connID, err)
		return
	}

	if f.Kind == onebot.KindAPIResponse {
		if f.Echo == "" {
			return
		}
		// Acks for replies the dispatcher itself sent need no delivery.
		if onebot.IsReplyEcho(f.Echo) {
			return
		}
		sessionID, generated, ok := d.table.Resolve(f.Echo)
		if !ok {
			logging.Debugf("upstream %s: response with unknown echo %q", connID, f.Echo)
			return
		}
		out := raw
		if generated {
			if out, err = onebot.WithoutEcho(raw); err != nil {
				logging.Errorf("strip echo failed: %v", err)
				out = raw
			}
		}
		d.front.Send(sessionID, out)
		return
	}

	// Everything else an upstream emits goes to every connected client.
	d.front.Broadcast(raw)
}

// Reload re-reads the config file, swaps the snapshot and reconciles the
// upstream pool. The old snapshot stays valid for in-flight work.
func (d *Dispatcher) Reload() error {
	snap, err := config.Load(d.configPath)
	if err != nil {
		return err
	}
	d.snap.Store(snap)
	d.pool.Reconcile(snap)
	logging.SetLevel(logging.ParseLevel(snap.Config.Logging.Level))
	logging.Infof("config reloaded: %d sets, %d connections",
		len(snap.Config.CommandSets), len(snap.Config.Connections))
	return nil
}

// watchConfig reloads on file changes, debounced so editors that write in
// several steps trigger a single reload.
func (d *Dispatcher) watchConfig(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Warnf("config watcher unavailable: %v", err)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(d.configPath); err != nil {
		logging.Warnf("cannot watch %s: %v", d.configPath, err)
		return
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			pending = time.After(500 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.Warnf("config watcher: %v", err)
		case <-pending:
			pending = nil
			if err := d.Reload(); err != nil {
				logging.Errorf("config reload rejected: %v", err)
			}
		}
	}
}

// ConnectionCounts implements style.StatusSource.
func (d *Dispatcher) ConnectionCounts() (connected, total int) { return d.pool.Counts() }

// MessagesToday implements style.StatusSource.
func (d *Dispatcher) MessagesToday() int64 { return d.msgToday.Load() }

// Stats is the monitoring view served by the admin API.
type Stats struct {
	Uptime         string `json:"uptime"`
	Sessions       int    `json:"sessions"`
	ConnectedWS    int    `json:"connected_ws"`
	TotalWS        int    `json:"total_ws"`
	MessagesToday  int64  `json:"messages_today"`
	MessagesTotal  int64  `json:"messages_total"`
	Forwarded      int64  `json:"forwarded"`
	Replied        int64  `json:"replied"`
	Dropped        int64  `json:"dropped"`
	PendingAPICall int    `json:"pending_api_calls"`
}

func (d *Dispatcher) Stats() Stats {
	connected, total := d.pool.Counts()
	return Stats{
		Uptime:         time.Since(d.startedAt).Round(time.Second).String(),
		Sessions:       d.front.Count(),
		ConnectedWS:    connected,
		TotalWS:        total,
		MessagesToday:  d.msgToday.Load(),
		MessagesTotal:  d.msgTotal.Load(),
		Forwarded:      d.forwarded.Load(),
		Replied:        d.replied.Load(),
		Dropped:        d.dropped.Load(),
		PendingAPICall: d.table.Len(),
	}
}

// DryRun resolves a message text for a user without touching any session.
// Serves the admin resolve endpoint and the CLI resolve command.
func (d *Dispatcher) DryRun(ctx context.Context, userID, groupID int64, text string) router.Decision {
	snap := d.Snapshot()
	user, err := d.store.GetUser(ctx, userID)
	if err != nil {
		user = nil
	}
	return d.router.Resolve(ctx, snap, user, router.Input{Text: text, UserID: userID, GroupID: groupID})
}
