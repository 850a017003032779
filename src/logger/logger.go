package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// LogLevel represents the severity level of a log message
type LogLevel int32

const (
	// DEBUG level for detailed debugging information
	DEBUG LogLevel = iota
	// INFO level for general informational messages
	INFO
	// WARN level for warning messages
	WARN
	// ERROR level for error messages
	ERROR
)

var (
	levelNames = map[LogLevel]string{
		DEBUG: "DEBUG",
		INFO:  "INFO",
		WARN:  "WARN",
		ERROR: "ERROR",
	}

	levelColors = map[LogLevel]string{
		DEBUG: "\033[36m", // Cyan
		INFO:  "\033[32m", // Green
		WARN:  "\033[33m", // Yellow
		ERROR: "\033[31m", // Red
	}
)

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseLevel maps a level name to a LogLevel. Unknown names fall back to INFO.
func ParseLevel(name string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// Logger provides leveled, prefixed logging. Loggers derived with WithPrefix
// share their parent's level, so SetLevel on the root affects every child.
type Logger struct {
	level        *atomic.Int32
	enableColors bool
	prefix       string
	stdLogger    *log.Logger
}

var (
	defaultLogger *Logger
	defaultMu     sync.Mutex
)

// Configure replaces the default logger. Called once from main after the
// configuration has been loaded.
func Configure(level string, enableColors bool) *Logger {
	l := New(ParseLevel(level), os.Stdout, enableColors, "")
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	return l
}

// New creates a new Logger instance
func New(level LogLevel, output io.Writer, enableColors bool, prefix string) *Logger {
	lvl := &atomic.Int32{}
	lvl.Store(int32(level))
	return &Logger{
		level:        lvl,
		enableColors: enableColors,
		prefix:       prefix,
		stdLogger:    log.New(output, "", log.LstdFlags|log.Lmicroseconds),
	}
}

// SetLevel changes the current log level
func (l *Logger) SetLevel(level LogLevel) {
	l.level.Store(int32(level))
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	return LogLevel(l.level.Load())
}

// IsLevelEnabled checks if a specific log level is enabled
func (l *Logger) IsLevelEnabled(level LogLevel) bool {
	return level >= l.GetLevel()
}

func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	if !l.IsLevelEnabled(level) {
		return
	}

	msg := fmt.Sprintf(format, args...)
	levelName := levelNames[level]

	var output string
	if l.enableColors {
		color := levelColors[level]
		reset := "\033[0m"
		if l.prefix != "" {
			output = fmt.Sprintf("%s[%s]%s [%s] %s", color, levelName, reset, l.prefix, msg)
		} else {
			output = fmt.Sprintf("%s[%s]%s %s", color, levelName, reset, msg)
		}
	} else {
		if l.prefix != "" {
			output = fmt.Sprintf("[%s] [%s] %s", levelName, l.prefix, msg)
		} else {
			output = fmt.Sprintf("[%s] %s", levelName, msg)
		}
	}

	l.stdLogger.Output(3, output)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(WARN, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}

// WithPrefix creates a child logger. A non-empty parent prefix is kept, so
// WithPrefix("Relay").WithPrefix("call-1") logs as "[Relay/call-1]".
func (l *Logger) WithPrefix(prefix string) *Logger {
	if l.prefix != "" && prefix != "" {
		prefix = l.prefix + "/" + prefix
	}
	return &Logger{
		level:        l.level,
		enableColors: l.enableColors,
		prefix:       prefix,
		stdLogger:    l.stdLogger,
	}
}

// Global convenience functions that use the default logger

// GetDefault returns the default logger instance. Until Configure is called
// it honours LOG_LEVEL and LOG_COLOR from the environment.
func GetDefault() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		enableColors := true
		if colorStr := os.Getenv("LOG_COLOR"); colorStr == "false" || colorStr == "0" {
			enableColors = false
		}
		defaultLogger = New(ParseLevel(os.Getenv("LOG_LEVEL")), os.Stdout, enableColors, "")
	}
	return defaultLogger
}

// Error logs an error message using the default logger
func Error(format string, args ...interface{}) {
	GetDefault().log(ERROR, format, args...)
}
