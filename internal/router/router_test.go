package router

import (
	"context"
	"testing"
	"time"

	"github.com/onedispatch/onedispatch/internal/config"
	"github.com/onedispatch/onedispatch/internal/db"
)

func boolPtr(b bool) *bool { return &b }

type fakeMeta struct{ last string }

func (m *fakeMeta) HandleMeta(_ context.Context, _ *config.Snapshot, _ *db.User, in Input) string {
	m.last = in.Text
	return "meta:" + in.Text
}

type fakeLive map[string]bool

func (l fakeLive) Connected(id string) bool { return l[id] }

// baseConfig is a two-connection, two-category setup shared by most tests.
func baseConfig() *config.Config {
	return &config.Config{
		Connections: []config.Connection{
			{ID: "ws_a", Name: "A", URL: "ws://a"},
			{ID: "ws_b", Name: "B", URL: "ws://b"},
		},
		Categories: []config.Category{
			{ID: "chat", Name: "chat", DisplayName: "聊天", Order: 1, DefaultCommandSet: "classic"},
			{ID: "tools", Name: "tools", DisplayName: "工具", Order: 2, IsMutex: boolPtr(false)},
		},
		CommandSets: []config.CommandSet{
			{
				ID: "classic", Name: "经典", Category: "chat", TargetWS: "ws_a", Priority: 10,
				Commands: []config.Command{
					{Name: "/info"},
					{Name: "/weather", Aliases: []string{"/天气"}},
				},
			},
			{
				ID: "modern", Name: "现代", Category: "chat", TargetWS: "ws_b", Priority: 10,
				Commands: []config.Command{
					{Name: "/info"},
				},
			},
			{
				ID: "util", Name: "工具箱", Category: "tools", TargetWS: "ws_b", Priority: 5,
				Commands: []config.Command{
					{Name: "/calc"},
				},
			},
			{
				ID: "pub", Name: "公共", IsPublic: true, TargetWS: "ws_a", Priority: 100,
				Commands: []config.Command{
					{Name: "/ping"},
				},
			},
		},
		Final: config.FinalRule{Action: config.FinalReject, Message: "未知指令"},
	}
}

func buildSnap(t *testing.T, c *config.Config) *config.Snapshot {
	t.Helper()
	snap, err := config.Build(c)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return snap
}

func newTestRouter(live fakeLive) (*Router, *fakeMeta) {
	meta := &fakeMeta{}
	r := New(meta, live)
	r.Now = func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.Local)
	}
	return r, meta
}

func resolve(t *testing.T, r *Router, snap *config.Snapshot, user *db.User, text string) Decision {
	t.Helper()
	return r.Resolve(context.Background(), snap, user, Input{Text: text, UserID: 1001, GroupID: 2002})
}

func TestMetaCommandsAlwaysWin(t *testing.T) {
	c := baseConfig()
	// A set named like a meta command must not shadow it.
	c.CommandSets[0].Commands = append(c.CommandSets[0].Commands, config.Command{Name: "/help"})
	snap := buildSnap(t, c)
	r, meta := newTestRouter(fakeLive{"ws_a": true, "ws_b": true})

	dec := resolve(t, r, snap, nil, "/help")
	if dec.Kind != Reply || dec.ReplyText != "meta:/help" {
		t.Fatalf("got %+v, want meta reply", dec)
	}
	dec = resolve(t, r, snap, nil, "  /style select chat modern  ")
	if dec.Kind != Reply {
		t.Fatalf("got %+v, want reply", dec)
	}
	if meta.last != "/style select chat modern" {
		t.Fatalf("meta saw %q, want trimmed text", meta.last)
	}
}

func TestForcedDispatchByName(t *testing.T) {
	snap := buildSnap(t, baseConfig())
	r, _ := newTestRouter(fakeLive{"ws_a": true, "ws_b": true})

	dec := resolve(t, r, snap, nil, "现代 /info hello")
	if dec.Kind != Forward {
		t.Fatalf("got %v, want forward", dec.Kind)
	}
	if dec.ConnectionID != "ws_b" {
		t.Fatalf("got target %q, want ws_b", dec.ConnectionID)
	}
	if dec.Text != "/info hello" {
		t.Fatalf("got text %q, want %q", dec.Text, "/info hello")
	}
}

func TestForcedDispatchDisabledSet(t *testing.T) {
	c := baseConfig()
	c.CommandSets[1].Enabled = boolPtr(false)
	snap := buildSnap(t, c)
	r, _ := newTestRouter(fakeLive{"ws_a": true, "ws_b": true})

	dec := resolve(t, r, snap, nil, "现代 /info")
	if dec.Kind != Reply || dec.ReplyText != MsgSetDisabled {
		t.Fatalf("got %+v, want %q reply", dec, MsgSetDisabled)
	}
}

func TestForcedDispatchIsCaseSensitive(t *testing.T) {
	c := baseConfig()
	c.CommandSets[3].Name = "Pub"
	snap := buildSnap(t, c)
	r, _ := newTestRouter(fakeLive{"ws_a": true, "ws_b": true})

	// "pub" does not name a set, so the text falls through to the normal
	// pipeline and misses.
	dec := resolve(t, r, snap, nil, "pub /ping")
	if dec.Kind != Reply || dec.ReplyText != "未知指令" {
		t.Fatalf("got %+v, want final reject", dec)
	}
}

func TestPrefixPromotion(t *testing.T) {
	c := baseConfig()
	c.CommandSets[3].Prefix = "#"
	c.CommandSets[3].StripPrefix = true
	snap := buildSnap(t, c)
	r, _ := newTestRouter(fakeLive{"ws_a": true, "ws_b": true})

	dec := resolve(t, r, snap, nil, "# /ping now")
	if dec.Kind != Forward || dec.Text != "/ping now" {
		t.Fatalf("got %+v, want stripped forward", dec)
	}

	// Prefix must be followed by a space or end of text.
	dec = resolve(t, r, snap, nil, "#/ping")
	if dec.Kind != Reply || dec.ReplyText != "未知指令" {
		t.Fatalf("got %+v, want final reject", dec)
	}
}

func TestPrefixKeptWithoutStrip(t *testing.T) {
	c := baseConfig()
	c.CommandSets[3].Prefix = "!"
	c.CommandSets[3].Commands = []config.Command{{Name: "! /ping"}}
	snap := buildSnap(t, c)
	r, _ := newTestRouter(fakeLive{"ws_a": true, "ws_b": true})

	dec := resolve(t, r, snap, nil, "! /ping")
	if dec.Kind != Forward || dec.Text != "! /ping" {
		t.Fatalf("got %+v, want unstripped forward", dec)
	}
}

func TestCommandAliasAndLongestMatch(t *testing.T) {
	c := baseConfig()
	c.CommandSets[0].Commands = []config.Command{
		{Name: "/w"},
		{Name: "/weather", Aliases: []string{"/天气"}},
	}
	snap := buildSnap(t, c)
	r, _ := newTestRouter(fakeLive{"ws_a": true, "ws_b": true})

	dec := resolve(t, r, snap, nil, "/weather tomorrow")
	if dec.Kind != Forward || dec.CommandName != "/weather" {
		t.Fatalf("got %+v, want /weather match", dec)
	}
	dec = resolve(t, r, snap, nil, "/天气")
	if dec.Kind != Forward || dec.CommandName != "/天气" {
		t.Fatalf("got %+v, want alias match", dec)
	}
	// "/weatherx" matches neither /weather (no separator) nor /w (no separator).
	dec = resolve(t, r, snap, nil, "/weatherx")
	if dec.Kind != Reply {
		t.Fatalf("got %+v, want final reject", dec)
	}
}

func TestPriorityOrderAndStableTiebreak(t *testing.T) {
	snap := buildSnap(t, baseConfig())
	r, _ := newTestRouter(fakeLive{"ws_a": true, "ws_b": true})

	// pub (priority 100) wins /ping even though chat sets come first in config.
	dec := resolve(t, r, snap, nil, "/ping")
	if dec.Kind != Forward || dec.CommandSetID != "pub" {
		t.Fatalf("got %+v, want pub", dec)
	}

	// classic and modern share priority; config order breaks the tie and the
	// chat category contributes only one set (default), so classic wins /info.
	dec = resolve(t, r, snap, nil, "/info")
	if dec.Kind != Forward || dec.CommandSetID != "classic" {
		t.Fatalf("got %+v, want classic", dec)
	}
}

func TestUserStyleSelectionNarrowsCategory(t *testing.T) {
	snap := buildSnap(t, baseConfig())
	r, _ := newTestRouter(fakeLive{"ws_a": true, "ws_b": true})

	user := &db.User{QQID: 1001, SelectedStyles: map[string]string{"chat": "modern"}}
	dec := resolve(t, r, snap, user, "/info hi")
	if dec.Kind != Forward || dec.CommandSetID != "modern" || dec.ConnectionID != "ws_b" {
		t.Fatalf("got %+v, want modern via ws_b", dec)
	}
}

func TestNonMutexCategoryContributesAllSets(t *testing.T) {
	c := baseConfig()
	c.CommandSets = append(c.CommandSets, config.CommandSet{
		ID: "util2", Name: "工具箱2", Category: "tools", TargetWS: "ws_a", Priority: 5,
		Commands: []config.Command{{Name: "/hash"}},
	})
	snap := buildSnap(t, c)
	r, _ := newTestRouter(fakeLive{"ws_a": true, "ws_b": true})

	if dec := resolve(t, r, snap, nil, "/calc 1+1"); dec.CommandSetID != "util" {
		t.Fatalf("got %+v, want util", dec)
	}
	if dec := resolve(t, r, snap, nil, "/hash x"); dec.CommandSetID != "util2" {
		t.Fatalf("got %+v, want util2", dec)
	}
}

func TestDisabledSetIsAMissNotADenial(t *testing.T) {
	c := baseConfig()
	// Both chat sets carry /info; disable the selected one. Selection makes
	// modern the chat candidate, so /info falls through to the final rule.
	c.CommandSets[1].Enabled = boolPtr(false)
	snap := buildSnap(t, c)
	r, _ := newTestRouter(fakeLive{"ws_a": true, "ws_b": true})

	user := &db.User{QQID: 1001, SelectedStyles: map[string]string{"chat": "modern"}}
	dec := resolve(t, r, snap, user, "/info")
	if dec.Kind != Reply || dec.ReplyText != "未知指令" {
		t.Fatalf("got %+v, want final reject", dec)
	}
}

func TestAccessListDenyIsSticky(t *testing.T) {
	c := baseConfig()
	c.AccessLists = []config.AccessList{
		{ID: "vips", Name: "vips", Type: config.AccessTypeUser, Mode: config.ModeWhitelist, Items: []int64{42}},
	}
	c.CommandSets[3].UserAccessList = "vips"
	// A lower-priority set also knows /ping; the deny must not fall through.
	c.CommandSets = append(c.CommandSets, config.CommandSet{
		ID: "pub2", Name: "公共2", IsPublic: true, TargetWS: "ws_b", Priority: 1,
		Commands: []config.Command{{Name: "/ping"}},
	})
	snap := buildSnap(t, c)
	r, _ := newTestRouter(fakeLive{"ws_a": true, "ws_b": true})

	dec := resolve(t, r, snap, nil, "/ping")
	if dec.Kind != Reply || dec.ReplyText != MsgAccessDenied {
		t.Fatalf("got %+v, want %q", dec, MsgAccessDenied)
	}
}

func TestGroupBlacklist(t *testing.T) {
	c := baseConfig()
	c.AccessLists = []config.AccessList{
		{ID: "banned", Name: "banned", Type: config.AccessTypeGroup, Mode: config.ModeBlacklist, Items: []int64{2002}},
	}
	c.CommandSets[3].GroupAccessList = "banned"
	snap := buildSnap(t, c)
	r, _ := newTestRouter(fakeLive{"ws_a": true, "ws_b": true})

	dec := resolve(t, r, snap, nil, "/ping")
	if dec.Kind != Reply || dec.ReplyText != MsgAccessDenied {
		t.Fatalf("got %+v, want group deny", dec)
	}

	// Private messages carry no group id and skip the group list.
	dec = r.Resolve(context.Background(), snap, nil, Input{Text: "/ping", UserID: 1001})
	if dec.Kind != Forward {
		t.Fatalf("got %+v, want forward for private message", dec)
	}
}

func TestPrivilegeGuard(t *testing.T) {
	c := baseConfig()
	c.CommandSets[3].Commands = []config.Command{{Name: "/ping", IsPrivileged: true}}
	snap := buildSnap(t, c)
	r, _ := newTestRouter(fakeLive{"ws_a": true, "ws_b": true})

	dec := resolve(t, r, snap, &db.User{QQID: 1001}, "/ping")
	if dec.Kind != Reply || dec.ReplyText != MsgPrivilegeRequired {
		t.Fatalf("got %+v, want %q", dec, MsgPrivilegeRequired)
	}
	dec = resolve(t, r, snap, &db.User{QQID: 1001, IsPrivileged: true}, "/ping")
	if dec.Kind != Forward {
		t.Fatalf("got %+v, want forward for privileged user", dec)
	}
}

func TestTimeWindowGuard(t *testing.T) {
	c := baseConfig()
	c.CommandSets[3].Commands = []config.Command{
		{Name: "/ping", TimeRestriction: &config.TimeRestriction{Start: "22:00", End: "06:00"}},
	}
	snap := buildSnap(t, c)
	r, _ := newTestRouter(fakeLive{"ws_a": true, "ws_b": true})

	at := func(h, m int) {
		r.Now = func() time.Time {
			return time.Date(2025, 6, 1, h, m, 0, 0, time.Local)
		}
	}

	at(12, 0)
	if dec := resolve(t, r, snap, nil, "/ping"); dec.ReplyText != MsgOutsideTimeWindow {
		t.Fatalf("got %+v, want outside window at noon", dec)
	}
	at(23, 30)
	if dec := resolve(t, r, snap, nil, "/ping"); dec.Kind != Forward {
		t.Fatalf("got %+v, want forward at 23:30", dec)
	}
	at(5, 59)
	if dec := resolve(t, r, snap, nil, "/ping"); dec.Kind != Forward {
		t.Fatalf("got %+v, want forward at 05:59", dec)
	}
	at(6, 0)
	if dec := resolve(t, r, snap, nil, "/ping"); dec.ReplyText != MsgOutsideTimeWindow {
		t.Fatalf("got %+v, want end to be exclusive", dec)
	}
}

func TestAdminBypassesGuards(t *testing.T) {
	c := baseConfig()
	c.Admins = []int64{1001}
	c.AccessLists = []config.AccessList{
		{ID: "vips", Name: "vips", Type: config.AccessTypeUser, Mode: config.ModeWhitelist, Items: []int64{42}},
	}
	c.CommandSets[3].UserAccessList = "vips"
	c.CommandSets[3].Commands = []config.Command{
		{Name: "/ping", IsPrivileged: true, TimeRestriction: &config.TimeRestriction{Start: "02:00", End: "03:00"}},
	}
	snap := buildSnap(t, c)
	r, _ := newTestRouter(fakeLive{"ws_a": true, "ws_b": true})

	dec := resolve(t, r, snap, nil, "/ping")
	if dec.Kind != Forward {
		t.Fatalf("got %+v, want admin to bypass access, privilege and time guards", dec)
	}
}

func TestTargetUnavailable(t *testing.T) {
	snap := buildSnap(t, baseConfig())
	r, _ := newTestRouter(fakeLive{"ws_a": false, "ws_b": true})

	dec := resolve(t, r, snap, nil, "/ping")
	if dec.Kind != Reply || dec.ReplyText != MsgTargetUnavailable {
		t.Fatalf("got %+v, want %q", dec, MsgTargetUnavailable)
	}
}

func TestFinalRules(t *testing.T) {
	c := baseConfig()
	snap := buildSnap(t, c)
	r, _ := newTestRouter(fakeLive{"ws_a": true, "ws_b": true})

	dec := resolve(t, r, snap, nil, "plain chatter")
	if dec.Kind != Reply || dec.ReplyText != "未知指令" {
		t.Fatalf("got %+v, want reject reply", dec)
	}

	c.Final = config.FinalRule{Action: config.FinalReject, Message: "x", SendMessage: boolPtr(false)}
	snap = buildSnap(t, c)
	if dec := resolve(t, r, snap, nil, "plain"); dec.Kind != Drop {
		t.Fatalf("got %+v, want silent drop", dec)
	}

	c.Final = config.FinalRule{Action: config.FinalAllow}
	snap = buildSnap(t, c)
	if dec := resolve(t, r, snap, nil, "plain"); dec.Kind != Drop {
		t.Fatalf("got %+v, want allow to drop", dec)
	}

	c.Final = config.FinalRule{Action: config.FinalForward, TargetWS: "ws_a"}
	snap = buildSnap(t, c)
	dec = resolve(t, r, snap, nil, "plain chatter")
	if dec.Kind != Forward || dec.ConnectionID != "ws_a" {
		t.Fatalf("got %+v, want forward to ws_a", dec)
	}
	if dec.Mutated {
		t.Fatalf("final forward must carry the payload unmodified")
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	snap := buildSnap(t, baseConfig())
	r, _ := newTestRouter(fakeLive{"ws_a": true, "ws_b": true})

	first := resolve(t, r, snap, nil, "/info hello")
	for i := 0; i < 50; i++ {
		if got := resolve(t, r, snap, nil, "/info hello"); got != first {
			t.Fatalf("iteration %d: got %+v, want %+v", i, got, first)
		}
	}
}
