// Package style implements the built-in meta commands: /help, /status,
// /list, /style and the admin-only /admin. It holds no state; user writes go
// through the repository.
package style

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/onedispatch/onedispatch/internal/config"
	"github.com/onedispatch/onedispatch/internal/db"
	"github.com/onedispatch/onedispatch/internal/logging"
	"github.com/onedispatch/onedispatch/internal/router"
)

// StatusSource supplies the live numbers for /status.
type StatusSource interface {
	ConnectionCounts() (connected, total int)
	MessagesToday() int64
}

// Manager answers meta commands. It implements router.MetaHandler.
type Manager struct {
	store  *db.Store
	status StatusSource
}

func NewManager(store *db.Store, status StatusSource) *Manager {
	return &Manager{store: store, status: status}
}

// HandleMeta dispatches a reserved-prefix command and returns the reply text.
func (m *Manager) HandleMeta(ctx context.Context, snap *config.Snapshot, user *db.User, in router.Input) string {
	cmd, args, _ := strings.Cut(in.Text, " ")
	args = strings.TrimSpace(args)

	switch cmd {
	case "/help":
		return m.help(snap)
	case "/status":
		return m.statusReply(snap)
	case "/list":
		return m.list(snap, user, args, false)
	case "/style":
		return m.styleCommand(ctx, snap, user, in.UserID, args)
	case "/admin":
		return m.adminCommand(ctx, snap, in.UserID, args)
	}
	return m.help(snap)
}

func (m *Manager) help(snap *config.Snapshot) string {
	lines := []string{
		"📖 指令帮助",
		"",
		"系统指令：",
		"  /help - 显示帮助信息",
		"  /status - 显示系统状态",
		"  /list - 列出所有分类",
		"  /list <分类> - 列出分类下的指令集",
		"  /style list - 列出可切换的风格",
		"  /style current - 查看当前风格",
		"  /style select <分类> <风格> - 选择风格",
	}
	var switchable []string
	for _, cat := range snap.Categories() {
		if cat.IsEnabled() && cat.AllowsUserSwitch() {
			switchable = append(switchable, cat.DisplayName)
		}
	}
	if len(switchable) > 0 {
		lines = append(lines, "", "可切换的分类："+strings.Join(switchable, "、"))
	}
	lines = append(lines, "", "也可以用指令集名称强制路由：", "  <指令集名称> <指令>")
	return strings.Join(lines, "\n")
}

func (m *Manager) statusReply(snap *config.Snapshot) string {
	connected, total := 0, 0
	var today int64
	if m.status != nil {
		connected, total = m.status.ConnectionCounts()
		today = m.status.MessagesToday()
	}
	lines := []string{
		"📊 系统状态：",
		"",
		fmt.Sprintf("连接: %d/%d", connected, total),
		fmt.Sprintf("今日消息: %d", today),
		fmt.Sprintf("指令集: %d 个", len(snap.Config.CommandSets)),
		fmt.Sprintf("分类: %d 个", len(snap.Config.Categories)),
	}
	return strings.Join(lines, "\n")
}

// list renders the category overview, or one category's sets with the
// user's current selection marked. switchableOnly serves "/style list".
func (m *Manager) list(snap *config.Snapshot, user *db.User, args string, switchableOnly bool) string {
	if args == "" {
		lines := []string{"📂 可用分类：", ""}
		n := 0
		for _, cat := range snap.Categories() {
			if !cat.IsEnabled() {
				continue
			}
			if switchableOnly && !cat.AllowsUserSwitch() {
				continue
			}
			lines = append(lines, fmt.Sprintf("  【%s】(%s)", cat.DisplayName, cat.ID))
			n++
		}
		if n == 0 {
			lines = append(lines, "  暂无分类")
		}
		lines = append(lines, "", "/list <分类> 查看指令集")
		return strings.Join(lines, "\n")
	}

	cat := findCategory(snap, args)
	if cat == nil {
		return fmt.Sprintf("分类 '%s' 不存在", args)
	}

	lines := []string{fmt.Sprintf("📂 %s", cat.DisplayName)}
	if cat.Description != "" {
		lines = append(lines, "", cat.Description)
	}
	lines = append(lines, "", "可选风格：")

	var selected string
	if user != nil {
		selected = user.SelectedStyles[cat.ID]
	}
	if selected == "" {
		selected = cat.DefaultCommandSet
	}
	for _, cs := range snap.SetsInCategory(cat.ID) {
		if !cs.IsEnabled() {
			continue
		}
		mark := ""
		if cs.ID == selected {
			mark = " ✓ 当前"
		}
		lines = append(lines, fmt.Sprintf("  【%s】%s", cs.Name, mark))
		if cs.Description != "" {
			lines = append(lines, "    "+cs.Description)
		}
	}
	return strings.Join(lines, "\n")
}

func (m *Manager) styleCommand(ctx context.Context, snap *config.Snapshot, user *db.User, userID int64, args string) string {
	sub, rest, _ := strings.Cut(args, " ")
	rest = strings.TrimSpace(rest)

	switch sub {
	case "", "list":
		return m.list(snap, user, "", true)
	case "current":
		return m.current(snap, user)
	case "select":
		parts := strings.Fields(rest)
		if len(parts) < 2 {
			return "用法: /style select <分类> <风格>"
		}
		return m.selectStyle(ctx, snap, userID, parts[0], strings.Join(parts[1:], " "))
	}
	return "用法: /style [list|current|select <分类> <风格>]"
}

func (m *Manager) current(snap *config.Snapshot, user *db.User) string {
	lines := []string{"🎨 当前风格：", ""}
	n := 0
	if user != nil {
		// Stable output: categories in config order.
		keys := make([]string, 0, len(user.SelectedStyles))
		for k := range user.SelectedStyles {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, catID := range keys {
			setID := user.SelectedStyles[catID]
			catName, setName := catID, setID
			if cat := snap.Category(catID); cat != nil {
				catName = cat.DisplayName
			}
			if cs := snap.CommandSetByID(setID); cs != nil {
				setName = cs.Name
			}
			lines = append(lines, fmt.Sprintf("  %s: %s", catName, setName))
			n++
		}
	}
	if n == 0 {
		lines = append(lines, "  暂未选择任何风格")
	}
	return strings.Join(lines, "\n")
}

func (m *Manager) selectStyle(ctx context.Context, snap *config.Snapshot, userID int64, catArg, setArg string) string {
	cat := findCategory(snap, catArg)
	if cat == nil {
		return fmt.Sprintf("分类 '%s' 不存在", catArg)
	}
	if !cat.AllowsUserSwitch() && !snap.IsAdmin(userID) {
		return "此分类不允许用户切换风格，请联系管理员"
	}

	var target *config.CommandSet
	for _, cs := range snap.SetsInCategory(cat.ID) {
		if cs.ID == setArg || cs.Name == setArg {
			target = cs
			break
		}
	}
	if target == nil {
		return fmt.Sprintf("分类 '%s' 下没有风格 '%s'", cat.DisplayName, setArg)
	}
	if !target.IsEnabled() {
		return router.MsgSetDisabled
	}

	if err := m.store.SelectStyle(ctx, userID, cat.ID, target.ID); err != nil {
		logging.Errorf("style select failed for %d: %v", userID, err)
		return "保存失败，请稍后再试"
	}
	return fmt.Sprintf("✅ 已切换【%s】分类到【%s】风格", cat.DisplayName, target.Name)
}

func (m *Manager) adminCommand(ctx context.Context, snap *config.Snapshot, userID int64, args string) string {
	if !snap.IsAdmin(userID) {
		return "你没有管理员权限"
	}
	parts := strings.Fields(args)
	if len(parts) == 0 {
		return strings.Join([]string{
			"🔧 管理员指令：",
			"",
			"  /admin set <QQ号> <分类> <风格> - 为用户设置风格",
			"  /admin privilege <QQ号> [on|off] - 设置用户特权",
		}, "\n")
	}

	switch parts[0] {
	case "set":
		if len(parts) < 4 {
			return "用法: /admin set <QQ号> <分类> <风格>"
		}
		target, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return "无效的 QQ 号"
		}
		cat := findCategory(snap, parts[2])
		if cat == nil {
			return fmt.Sprintf("分类 '%s' 不存在", parts[2])
		}
		setArg := strings.Join(parts[3:], " ")
		for _, cs := range snap.SetsInCategory(cat.ID) {
			if cs.ID == setArg || cs.Name == setArg {
				if err := m.store.SelectStyle(ctx, target, cat.ID, cs.ID); err != nil {
					return "保存失败，请稍后再试"
				}
				return fmt.Sprintf("✅ 已为用户 %d 设置 %s 风格为【%s】", target, cat.DisplayName, cs.Name)
			}
		}
		return fmt.Sprintf("风格 '%s' 不存在", setArg)
	case "privilege":
		if len(parts) < 2 {
			return "用法: /admin privilege <QQ号> [on|off]"
		}
		target, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return "无效的 QQ 号"
		}
		on := true
		if len(parts) > 2 {
			on = parts[2] == "on"
		}
		if err := m.store.SetPrivileged(ctx, target, on); err != nil {
			return "保存失败，请稍后再试"
		}
		state := "开启"
		if !on {
			state = "关闭"
		}
		return fmt.Sprintf("✅ 已%s用户 %d 的特权", state, target)
	}
	return "无效的管理员指令"
}

func findCategory(snap *config.Snapshot, arg string) *config.Category {
	for _, cat := range snap.Categories() {
		if cat.ID == arg || cat.DisplayName == arg || cat.Name == arg {
			return cat
		}
	}
	return nil
}
