// Package router turns a message text plus sender identity into a routing
// decision. Resolution is a pure function of the config snapshot, the user
// record and the input; the wall clock enters only through the time-window
// guard.
package router

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/onedispatch/onedispatch/internal/config"
	"github.com/onedispatch/onedispatch/internal/db"
)

// Reply literals surfaced to chat users.
const (
	MsgSetDisabled       = "指令集已禁用"
	MsgAccessDenied      = "无权使用"
	MsgPrivilegeRequired = "该指令需要特权"
	MsgOutsideTimeWindow = "不在可用时间"
	MsgTargetUnavailable = "目标连接不可用"
)

// metaPrefixes are reserved for the built-in meta commands and cannot be
// shadowed by configured command sets.
var metaPrefixes = []string{"/help", "/status", "/list", "/style", "/admin"}

// Input is the routed view of one message event.
type Input struct {
	Text    string
	UserID  int64
	GroupID int64 // 0 when the message is private
}

// MetaHandler answers the built-in meta commands (/help, /status, /list,
// /style, /admin). Implemented by the style manager.
type MetaHandler interface {
	HandleMeta(ctx context.Context, snap *config.Snapshot, user *db.User, in Input) string
}

// Liveness reports whether an upstream connection is currently connected.
// Implemented by the upstream pool.
type Liveness interface {
	Connected(id string) bool
}

// Router is the decision engine. It holds no mutable state of its own.
type Router struct {
	Meta MetaHandler
	Live Liveness
	Now  func() time.Time
}

func New(meta MetaHandler, live Liveness) *Router {
	return &Router{Meta: meta, Live: live, Now: time.Now}
}

// Resolve runs the resolution pipeline against one snapshot. user may be
// nil when the repository is unavailable; the router then behaves as if the
// user had an empty record.
func (r *Router) Resolve(ctx context.Context, snap *config.Snapshot, user *db.User, in Input) Decision {
	text := strings.TrimSpace(in.Text)

	// Stage A: meta commands always win.
	if isMeta(text) {
		return reply(r.Meta.HandleMeta(ctx, snap, user, Input{Text: text, UserID: in.UserID, GroupID: in.GroupID}))
	}

	// Stage B: forced command-set dispatch ("<set name or prefix> <rest>").
	if token, rest, ok := splitToken(text); ok {
		forced := snap.CommandSetByName(token)
		if forced == nil {
			forced = snap.CommandSetByPrefix(token)
		}
		if forced != nil {
			if !forced.IsEnabled() {
				return reply(MsgSetDisabled)
			}
			return r.matchCommand(snap, user, in, []*config.CommandSet{forced}, rest)
		}
	}

	// Stage C: candidate assembly.
	candidates := assembleCandidates(snap, user)

	// Stage D: prefix promotion.
	for _, cs := range candidates {
		if cs.Prefix == "" {
			continue
		}
		if rest, ok := cutPrefix(text, cs.Prefix); ok {
			t := text
			if cs.StripPrefix {
				t = rest
			}
			return r.matchCommand(snap, user, in, []*config.CommandSet{cs}, t)
		}
	}

	// Stage E over the full candidate list.
	return r.matchCommand(snap, user, in, candidates, text)
}

func isMeta(text string) bool {
	for _, p := range metaPrefixes {
		if text == p || strings.HasPrefix(text, p+" ") {
			return true
		}
	}
	return false
}

// splitToken splits "<token> <rest>"; ok is false without a non-empty rest.
func splitToken(text string) (token, rest string, ok bool) {
	i := strings.IndexByte(text, ' ')
	if i <= 0 {
		return "", "", false
	}
	token = text[:i]
	rest = strings.TrimLeft(text[i+1:], " ")
	if rest == "" {
		return "", "", false
	}
	return token, rest, true
}

// cutPrefix matches prefix followed by a space or end of string.
func cutPrefix(text, prefix string) (rest string, ok bool) {
	if text == prefix {
		return "", true
	}
	if strings.HasPrefix(text, prefix+" ") {
		return strings.TrimLeft(text[len(prefix)+1:], " "), true
	}
	return "", false
}

// assembleCandidates builds the ordered candidate list: enabled public sets,
// then per enabled category the user's selection, the category default, or —
// for non-mutex categories — every enabled set. Order is priority descending
// with config order as the stable tiebreak.
func assembleCandidates(snap *config.Snapshot, user *db.User) []*config.CommandSet {
	var out []*config.CommandSet
	seen := map[string]struct{}{}
	add := func(cs *config.CommandSet) {
		if cs == nil {
			return
		}
		if _, dup := seen[cs.ID]; dup {
			return
		}
		seen[cs.ID] = struct{}{}
		out = append(out, cs)
	}

	for _, cs := range snap.PublicSets() {
		add(cs)
	}

	var styles map[string]string
	if user != nil {
		styles = user.SelectedStyles
	}

	for _, cat := range snap.Categories() {
		if !cat.IsEnabled() {
			continue
		}
		if id, ok := styles[cat.ID]; ok {
			if cs := snap.CommandSetByID(id); cs != nil && cs.Category == cat.ID {
				add(cs)
				continue
			}
		}
		if cat.DefaultCommandSet != "" {
			add(snap.CommandSetByID(cat.DefaultCommandSet))
			continue
		}
		if !cat.Mutex() {
			for _, cs := range snap.SetsInCategory(cat.ID) {
				if cs.IsEnabled() {
					add(cs)
				}
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// matchCommand is Stage E: find the first command match in candidate order
// and apply the guards, then Stage F when nothing matched.
func (r *Router) matchCommand(snap *config.Snapshot, user *db.User, in Input, candidates []*config.CommandSet, text string) Decision {
	admin := snap.IsAdmin(in.UserID)
	privileged := admin || (user != nil && user.IsPrivileged)

	for _, cs := range candidates {
		cmd, name := findCommand(cs, text)
		if cmd == nil {
			continue
		}

		// Guard 1: a disabled set is a miss, not a denial.
		if !cs.IsEnabled() {
			continue
		}

		// Guard 2: access lists. Deny is sticky once the command is named.
		if !admin {
			if cs.UserAccessList != "" {
				if !accessAllows(snap, cs.UserAccessList, in.UserID) {
					return reply(MsgAccessDenied)
				}
			}
			if cs.GroupAccessList != "" && in.GroupID != 0 {
				if !accessAllows(snap, cs.GroupAccessList, in.GroupID) {
					return reply(MsgAccessDenied)
				}
			}
		}

		// Guard 3: privilege.
		if cmd.IsPrivileged && !privileged {
			return reply(MsgPrivilegeRequired)
		}

		// Guard 4: time window.
		if cmd.TimeRestriction != nil && !admin {
			if !cmd.TimeRestriction.Contains(r.Now()) {
				return reply(MsgOutsideTimeWindow)
			}
		}

		if cs.TargetWS == "" || r.Live == nil || !r.Live.Connected(cs.TargetWS) {
			return reply(MsgTargetUnavailable)
		}
		return Decision{
			Kind:         Forward,
			ConnectionID: cs.TargetWS,
			Text:         text,
			Mutated:      true,
			CommandSetID: cs.ID,
			CommandName:  name,
		}
	}

	return r.finalRule(snap)
}

func accessAllows(snap *config.Snapshot, listID string, id int64) bool {
	al := snap.AccessList(listID)
	if al == nil {
		return true
	}
	in := snap.AccessListContains(listID, id)
	if al.Mode == config.ModeWhitelist {
		return in
	}
	return !in
}

// findCommand matches text against the set's commands, longest name first,
// accepting an exact match or the name followed by whitespace.
func findCommand(cs *config.CommandSet, text string) (*config.Command, string) {
	type matcher struct {
		name string
		cmd  *config.Command
	}
	var matchers []matcher
	for i := range cs.Commands {
		cmd := &cs.Commands[i]
		matchers = append(matchers, matcher{cmd.Name, cmd})
		for _, a := range cmd.Aliases {
			matchers = append(matchers, matcher{a, cmd})
		}
	}
	sort.SliceStable(matchers, func(i, j int) bool {
		return len(matchers[i].name) > len(matchers[j].name)
	})
	for _, m := range matchers {
		if text == m.name {
			return m.cmd, m.name
		}
		if strings.HasPrefix(text, m.name) {
			rest := text[len(m.name):]
			if rest[0] == ' ' || rest[0] == '\t' {
				return m.cmd, m.name
			}
		}
	}
	return nil, ""
}

func (r *Router) finalRule(snap *config.Snapshot) Decision {
	final := &snap.Config.Final
	switch final.Action {
	case config.FinalForward:
		return Decision{Kind: Forward, ConnectionID: final.TargetWS}
	case config.FinalAllow:
		return drop()
	default: // reject
		if final.SendsMessage() {
			return reply(final.Message)
		}
		return drop()
	}
}
