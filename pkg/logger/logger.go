// Package logger provides component-tagged structured logging for relayclaw.
//
// Every call names the component that produced it ("relay", "poller",
// "telegram", ...) so the output can be filtered per subsystem. The backend
// is zerolog; callers never import it directly unless they need a
// sub-logger for a third-party library.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case DEBUG:
		return zerolog.DebugLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	case FATAL:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

var (
	mu           sync.RWMutex
	currentLevel = INFO
	base         = newBase(os.Stderr, os.Getenv("RELAYCLAW_LOG_JSON") == "true")
)

func newBase(w io.Writer, jsonOutput bool) zerolog.Logger {
	if !jsonOutput {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(currentLevel.zerolog())
}

// SetOutput redirects all log output. jsonOutput selects raw JSON lines
// instead of the human-readable console format.
func SetOutput(w io.Writer, jsonOutput bool) {
	mu.Lock()
	defer mu.Unlock()
	base = newBase(w, jsonOutput)
}

func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
	base = base.Level(level.zerolog())
}

func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// ParseLevel accepts level names case-insensitively ("debug", "WARN", ...).
func ParseLevel(s string) (LogLevel, error) {
	for level, name := range levelNames {
		if strings.EqualFold(name, s) {
			return level, nil
		}
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

// Zerolog returns a sub-logger tagged with component.
func Zerolog(component string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.With().Str("component", component).Logger()
}

func logMessage(level LogLevel, component, message string, fields map[string]any) {
	mu.RLock()
	l := base
	mu.RUnlock()

	var evt *zerolog.Event
	switch level {
	case DEBUG:
		evt = l.Debug()
	case WARN:
		evt = l.Warn()
	case ERROR:
		evt = l.Error()
	case FATAL:
		evt = l.WithLevel(zerolog.FatalLevel)
	default:
		evt = l.Info()
	}
	if evt == nil {
		return
	}
	if component != "" {
		evt = evt.Str("component", component)
	}
	if len(fields) > 0 {
		evt = evt.Fields(fields)
	}
	evt.Msg(message)

	if level == FATAL {
		os.Exit(1)
	}
}

func Debug(message string) { logMessage(DEBUG, "", message, nil) }

func DebugC(component, message string) { logMessage(DEBUG, component, message, nil) }

func DebugCF(component, message string, fields map[string]any) {
	logMessage(DEBUG, component, message, fields)
}

func Info(message string) { logMessage(INFO, "", message, nil) }

func InfoC(component, message string) { logMessage(INFO, component, message, nil) }

func InfoCF(component, message string, fields map[string]any) {
	logMessage(INFO, component, message, fields)
}

func Warn(message string) { logMessage(WARN, "", message, nil) }

func WarnC(component, message string) { logMessage(WARN, component, message, nil) }

func WarnCF(component, message string, fields map[string]any) {
	logMessage(WARN, component, message, fields)
}

func Error(message string) { logMessage(ERROR, "", message, nil) }

func ErrorC(component, message string) { logMessage(ERROR, component, message, nil) }

func ErrorCF(component, message string, fields map[string]any) {
	logMessage(ERROR, component, message, fields)
}

func FatalCF(component, message string, fields map[string]any) {
	logMessage(FATAL, component, message, fields)
}

// TelegoAdapter bridges telego's printf-style logger onto a component.
type TelegoAdapter struct {
	component string
}

// TelegoLogger returns a value satisfying telego.Logger.
func TelegoLogger() *TelegoAdapter {
	return &TelegoAdapter{component: "telegram"}
}

func (t *TelegoAdapter) Debugf(format string, args ...any) {
	logMessage(DEBUG, t.component, fmt.Sprintf(format, args...), nil)
}

func (t *TelegoAdapter) Errorf(format string, args ...any) {
	logMessage(ERROR, t.component, fmt.Sprintf(format, args...), nil)
}
