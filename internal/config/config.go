package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the full dispatcher configuration as loaded from YAML.
// Boolean fields whose default is true are pointers; use the Is* accessors.
type Config struct {
	Server      Server       `yaml:"server"`
	Database    Database     `yaml:"database"`
	Logging     Logging      `yaml:"logging"`
	Categories  []Category   `yaml:"categories"`
	Connections []Connection `yaml:"connections"`
	CommandSets []CommandSet `yaml:"command_sets"`
	AccessLists []AccessList `yaml:"access_lists"`
	Final       FinalRule    `yaml:"final"`
	Admins      []int64      `yaml:"admins"`
}

type Server struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	WSPort int    `yaml:"ws_port"`
}

type Database struct {
	Path string `yaml:"path"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// Category groups command sets; a mutex category lets a user pick exactly
// one set as their active style.
type Category struct {
	ID                string `yaml:"id"`
	Name              string `yaml:"name"`
	DisplayName       string `yaml:"display_name"`
	Description       string `yaml:"description,omitempty"`
	Icon              string `yaml:"icon,omitempty"`
	Order             int    `yaml:"order"`
	Enabled           *bool  `yaml:"enabled,omitempty"`
	AllowUserSwitch   *bool  `yaml:"allow_user_switch,omitempty"`
	IsMutex           *bool  `yaml:"is_mutex,omitempty"`
	DefaultCommandSet string `yaml:"default_command_set,omitempty"`
}

func (c *Category) IsEnabled() bool       { return c.Enabled == nil || *c.Enabled }
func (c *Category) AllowsUserSwitch() bool { return c.AllowUserSwitch == nil || *c.AllowUserSwitch }
func (c *Category) Mutex() bool           { return c.IsMutex == nil || *c.IsMutex }

// CommandSet is a named bundle of commands targeting one upstream connection.
type CommandSet struct {
	ID              string    `yaml:"id"`
	Name            string    `yaml:"name"`
	Prefix          string    `yaml:"prefix,omitempty"`
	Category        string    `yaml:"category,omitempty"`
	Description     string    `yaml:"description,omitempty"`
	IsPublic        bool      `yaml:"is_public"`
	TargetWS        string    `yaml:"target_ws,omitempty"`
	Priority        int       `yaml:"priority"`
	StripPrefix     bool      `yaml:"strip_prefix"`
	Enabled         *bool     `yaml:"enabled,omitempty"`
	IsDefault       bool      `yaml:"is_default"`
	UserAccessList  string    `yaml:"user_access_list,omitempty"`
	GroupAccessList string    `yaml:"group_access_list,omitempty"`
	Commands        []Command `yaml:"commands"`
}

func (s *CommandSet) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

type Command struct {
	Name            string           `yaml:"name"`
	Aliases         []string         `yaml:"aliases,omitempty"`
	Description     string           `yaml:"description,omitempty"`
	IsPrivileged    bool             `yaml:"is_privileged"`
	TimeRestriction *TimeRestriction `yaml:"time_restriction,omitempty"`
}

// AccessList is a user or group id set used as a whitelist or blacklist.
type AccessList struct {
	ID    string  `yaml:"id"`
	Name  string  `yaml:"name"`
	Type  string  `yaml:"type"` // "user" | "group"
	Mode  string  `yaml:"mode"` // "whitelist" | "blacklist"
	Items []int64 `yaml:"items"`
}

const (
	AccessTypeUser  = "user"
	AccessTypeGroup = "group"

	ModeWhitelist = "whitelist"
	ModeBlacklist = "blacklist"
)

// Connection describes one upstream WebSocket backend.
type Connection struct {
	ID                string `yaml:"id"`
	Name              string `yaml:"name"`
	URL               string `yaml:"url"`
	Token             string `yaml:"token,omitempty"`
	AutoReconnect     *bool  `yaml:"auto_reconnect,omitempty"`
	ReconnectInterval int    `yaml:"reconnect_interval,omitempty"` // seconds
	AllowForward      bool   `yaml:"allow_forward"`
}

func (c *Connection) AutoReconnects() bool { return c.AutoReconnect == nil || *c.AutoReconnect }

// FinalRule is the fallback applied to unmatched message events.
type FinalRule struct {
	Action      string `yaml:"action"` // reject | allow | forward
	TargetWS    string `yaml:"target_ws,omitempty"`
	Message     string `yaml:"message"`
	SendMessage *bool  `yaml:"send_message,omitempty"`
}

const (
	FinalReject  = "reject"
	FinalAllow   = "allow"
	FinalForward = "forward"
)

func (f *FinalRule) SendsMessage() bool { return f.SendMessage == nil || *f.SendMessage }

func applyDefaults(c *Config) {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.WSPort == 0 {
		c.Server.WSPort = 8765
	}
	if c.Database.Path == "" {
		c.Database.Path = "./data/dispatcher.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
	if c.Final.Action == "" {
		c.Final.Action = FinalReject
	}
	if c.Final.Message == "" {
		c.Final.Message = "未知指令"
	}
	for i := range c.Connections {
		if c.Connections[i].ReconnectInterval <= 0 {
			c.Connections[i].ReconnectInterval = 5
		}
	}
}

// Load reads and validates a config file, returning an immutable snapshot.
// Environment references in the file are expanded before parsing.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// envRef matches ${NAME} references. Bare $ stays literal so user-facing
// strings may contain dollar signs.
var envRef = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*\}`)

func expandEnvRefs(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(m[2 : len(m)-1])
	})
}

// Parse builds a snapshot from raw YAML bytes.
func Parse(data []byte) (*Snapshot, error) {
	var c Config
	expanded := expandEnvRefs(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return nil, &Error{Path: "(file)", Reason: err.Error()}
	}
	applyDefaults(&c)
	return Build(&c)
}

// Save writes the configuration back to disk as YAML.
func Save(c *Config, path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o644)
}
