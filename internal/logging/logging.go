package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is a log severity. Entries below the configured level are dropped.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	}
	return "INFO"
}

// ParseLevel maps a config string to a Level. Unknown values mean Info.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

var (
	mu       sync.Mutex
	disabled = false
	minLevel = LevelInfo
	logger   = log.New(os.Stdout, "", log.LstdFlags)
	ring     = newRingBuffer(1024)
)

// Disable turns off all logging
func Disable() {
	mu.Lock()
	defer mu.Unlock()
	disabled = true
}

// Enable turns logging back on
func Enable() {
	mu.Lock()
	defer mu.Unlock()
	disabled = false
}

// SetLevel sets the minimum severity that is emitted.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	minLevel = l
}

func emit(l Level, msg string) {
	mu.Lock()
	defer mu.Unlock()
	if disabled || l < minLevel {
		return
	}
	logger.Printf("%s %s", l, msg)
	ring.append(Entry{Time: time.Now(), Level: l.String(), Message: msg})
}

// Debugf logs a formatted debug message
func Debugf(format string, v ...any) { emit(LevelDebug, fmt.Sprintf(format, v...)) }

// Infof logs a formatted info message
func Infof(format string, v ...any) { emit(LevelInfo, fmt.Sprintf(format, v...)) }

// Warnf logs a formatted warning message
func Warnf(format string, v ...any) { emit(LevelWarn, fmt.Sprintf(format, v...)) }

// Errorf logs a formatted error message
func Errorf(format string, v ...any) { emit(LevelError, fmt.Sprintf(format, v...)) }

// Info logs an info message
func Info(v ...any) { emit(LevelInfo, fmt.Sprint(v...)) }

// Warn logs a warning message
func Warn(v ...any) { emit(LevelWarn, fmt.Sprint(v...)) }

// Error logs an error message
func Error(v ...any) { emit(LevelError, fmt.Sprint(v...)) }

// Debug logs a debug message
func Debug(v ...any) { emit(LevelDebug, fmt.Sprint(v...)) }
