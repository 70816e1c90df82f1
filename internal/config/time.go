package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeRestriction is a wall-clock window in local time. The window is
// inclusive of start and exclusive of end; end before start wraps midnight.
type TimeRestriction struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`

	startMin int
	endMin   int
}

func parseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

func (r *TimeRestriction) compile() error {
	start, err := parseClock(r.Start)
	if err != nil {
		return err
	}
	end, err := parseClock(r.End)
	if err != nil {
		return err
	}
	r.startMin, r.endMin = start, end
	return nil
}

// Contains reports whether t falls inside the window.
func (r *TimeRestriction) Contains(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	if r.startMin <= r.endMin {
		return m >= r.startMin && m < r.endMin
	}
	// wraps midnight
	return m >= r.startMin || m < r.endMin
}
