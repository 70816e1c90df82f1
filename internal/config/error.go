package config

import "fmt"

// Error describes an invalid configuration value. Fatal at initial load;
// at reload the previous snapshot stays live and the error is reported.
type Error struct {
	Path   string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s: %s", e.Path, e.Reason)
}
