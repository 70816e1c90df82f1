package config

import (
	"fmt"
	"sort"
)

// Snapshot is a validated, immutable view of one configuration with id
// indexes built. Readers hold the same snapshot for a whole decision; hot
// reload swaps a pointer and never mutates a published snapshot.
type Snapshot struct {
	Config *Config

	setsByID       map[string]*CommandSet
	setsByName     map[string]*CommandSet
	setsByPrefix   map[string]*CommandSet
	setsByCategory map[string][]*CommandSet
	categoriesByID map[string]*Category
	accessByID     map[string]*AccessList
	accessItems    map[string]map[int64]struct{}
	connByID       map[string]*Connection
	admins         map[int64]struct{}

	orderedCategories []*Category
	publicSets        []*CommandSet
}

// Build validates the config and constructs the snapshot indexes.
// The returned error is always a *Error.
func Build(c *Config) (*Snapshot, error) {
	s := &Snapshot{
		Config:         c,
		setsByID:       make(map[string]*CommandSet),
		setsByName:     make(map[string]*CommandSet),
		setsByPrefix:   make(map[string]*CommandSet),
		setsByCategory: make(map[string][]*CommandSet),
		categoriesByID: make(map[string]*Category),
		accessByID:     make(map[string]*AccessList),
		accessItems:    make(map[string]map[int64]struct{}),
		connByID:       make(map[string]*Connection),
		admins:         make(map[int64]struct{}),
	}

	for i := range c.Connections {
		conn := &c.Connections[i]
		if conn.ID == "" {
			return nil, &Error{Path: fmt.Sprintf("connections[%d]", i), Reason: "missing id"}
		}
		if conn.URL == "" {
			return nil, &Error{Path: "connections." + conn.ID, Reason: "missing url"}
		}
		if _, dup := s.connByID[conn.ID]; dup {
			return nil, &Error{Path: "connections." + conn.ID, Reason: "duplicate id"}
		}
		s.connByID[conn.ID] = conn
	}

	for i := range c.AccessLists {
		al := &c.AccessLists[i]
		if al.ID == "" {
			return nil, &Error{Path: fmt.Sprintf("access_lists[%d]", i), Reason: "missing id"}
		}
		if al.Type != AccessTypeUser && al.Type != AccessTypeGroup {
			return nil, &Error{Path: "access_lists." + al.ID, Reason: "type must be user or group"}
		}
		if al.Mode != ModeWhitelist && al.Mode != ModeBlacklist {
			return nil, &Error{Path: "access_lists." + al.ID, Reason: "mode must be whitelist or blacklist"}
		}
		if _, dup := s.accessByID[al.ID]; dup {
			return nil, &Error{Path: "access_lists." + al.ID, Reason: "duplicate id"}
		}
		s.accessByID[al.ID] = al
		items := make(map[int64]struct{}, len(al.Items))
		for _, id := range al.Items {
			items[id] = struct{}{}
		}
		s.accessItems[al.ID] = items
	}

	for i := range c.Categories {
		cat := &c.Categories[i]
		if cat.ID == "" {
			return nil, &Error{Path: fmt.Sprintf("categories[%d]", i), Reason: "missing id"}
		}
		if _, dup := s.categoriesByID[cat.ID]; dup {
			return nil, &Error{Path: "categories." + cat.ID, Reason: "duplicate id"}
		}
		s.categoriesByID[cat.ID] = cat
	}

	for i := range c.CommandSets {
		cs := &c.CommandSets[i]
		path := "command_sets." + cs.ID
		if cs.ID == "" {
			return nil, &Error{Path: fmt.Sprintf("command_sets[%d]", i), Reason: "missing id"}
		}
		if _, dup := s.setsByID[cs.ID]; dup {
			return nil, &Error{Path: path, Reason: "duplicate id"}
		}
		if cs.IsPublic && cs.Category != "" {
			return nil, &Error{Path: path, Reason: "is_public and category are mutually exclusive"}
		}
		if cs.Category != "" {
			if _, ok := s.categoriesByID[cs.Category]; !ok {
				return nil, &Error{Path: path, Reason: "unknown category " + cs.Category}
			}
		}
		if cs.TargetWS != "" {
			if _, ok := s.connByID[cs.TargetWS]; !ok {
				return nil, &Error{Path: path, Reason: "unknown target_ws " + cs.TargetWS}
			}
		}
		if cs.UserAccessList != "" {
			al, ok := s.accessByID[cs.UserAccessList]
			if !ok {
				return nil, &Error{Path: path, Reason: "unknown user_access_list " + cs.UserAccessList}
			}
			if al.Type != AccessTypeUser {
				return nil, &Error{Path: path, Reason: "user_access_list must have type user"}
			}
		}
		if cs.GroupAccessList != "" {
			al, ok := s.accessByID[cs.GroupAccessList]
			if !ok {
				return nil, &Error{Path: path, Reason: "unknown group_access_list " + cs.GroupAccessList}
			}
			if al.Type != AccessTypeGroup {
				return nil, &Error{Path: path, Reason: "group_access_list must have type group"}
			}
		}
		for j := range cs.Commands {
			cmd := &cs.Commands[j]
			if cmd.Name == "" {
				return nil, &Error{Path: fmt.Sprintf("%s.commands[%d]", path, j), Reason: "missing name"}
			}
			if cmd.TimeRestriction != nil {
				if err := cmd.TimeRestriction.compile(); err != nil {
					return nil, &Error{Path: path + ".commands." + cmd.Name, Reason: err.Error()}
				}
			}
		}
		s.setsByID[cs.ID] = cs
		if cs.Name != "" {
			s.setsByName[cs.Name] = cs
		}
		if cs.Prefix != "" {
			s.setsByPrefix[cs.Prefix] = cs
		}
		if cs.Category != "" {
			s.setsByCategory[cs.Category] = append(s.setsByCategory[cs.Category], cs)
		}
		if cs.IsPublic && cs.IsEnabled() {
			s.publicSets = append(s.publicSets, cs)
		}
	}

	for i := range c.Categories {
		cat := &c.Categories[i]
		if cat.DefaultCommandSet == "" {
			continue
		}
		def, ok := s.setsByID[cat.DefaultCommandSet]
		if !ok {
			return nil, &Error{Path: "categories." + cat.ID, Reason: "unknown default_command_set " + cat.DefaultCommandSet}
		}
		if def.Category != cat.ID {
			return nil, &Error{Path: "categories." + cat.ID, Reason: "default_command_set belongs to another category"}
		}
	}

	switch c.Final.Action {
	case FinalReject, FinalAllow:
	case FinalForward:
		if c.Final.TargetWS == "" {
			return nil, &Error{Path: "final", Reason: "action forward requires target_ws"}
		}
		if _, ok := s.connByID[c.Final.TargetWS]; !ok {
			return nil, &Error{Path: "final", Reason: "unknown target_ws " + c.Final.TargetWS}
		}
	default:
		return nil, &Error{Path: "final", Reason: "action must be reject, allow or forward"}
	}

	for _, id := range c.Admins {
		s.admins[id] = struct{}{}
	}

	s.orderedCategories = make([]*Category, 0, len(c.Categories))
	for i := range c.Categories {
		s.orderedCategories = append(s.orderedCategories, &c.Categories[i])
	}
	sort.SliceStable(s.orderedCategories, func(i, j int) bool {
		return s.orderedCategories[i].Order < s.orderedCategories[j].Order
	})

	return s, nil
}

// CommandSetByID returns the set with the given id, or nil.
func (s *Snapshot) CommandSetByID(id string) *CommandSet { return s.setsByID[id] }

// CommandSetByName returns the set with the given name, or nil.
func (s *Snapshot) CommandSetByName(name string) *CommandSet { return s.setsByName[name] }

// CommandSetByPrefix returns the set with the given prefix, or nil.
func (s *Snapshot) CommandSetByPrefix(prefix string) *CommandSet { return s.setsByPrefix[prefix] }

// Category returns the category with the given id, or nil.
func (s *Snapshot) Category(id string) *Category { return s.categoriesByID[id] }

// Categories returns all categories sorted by their configured order.
func (s *Snapshot) Categories() []*Category { return s.orderedCategories }

// SetsInCategory returns the category's command sets in config order.
func (s *Snapshot) SetsInCategory(categoryID string) []*CommandSet {
	return s.setsByCategory[categoryID]
}

// PublicSets returns all enabled public sets in config order.
func (s *Snapshot) PublicSets() []*CommandSet { return s.publicSets }

// Connection returns the connection with the given id, or nil.
func (s *Snapshot) Connection(id string) *Connection { return s.connByID[id] }

// AccessList returns the access list with the given id, or nil.
func (s *Snapshot) AccessList(id string) *AccessList { return s.accessByID[id] }

// AccessListContains reports whether id is a member of the named list.
func (s *Snapshot) AccessListContains(listID string, id int64) bool {
	items, ok := s.accessItems[listID]
	if !ok {
		return false
	}
	_, in := items[id]
	return in
}

// IsAdmin reports whether qqID is a configured administrator.
func (s *Snapshot) IsAdmin(qqID int64) bool {
	_, ok := s.admins[qqID]
	return ok
}
