// Leveled logging for the axiplot host.
//
// Supports per-component prefixes, structured key=value fields, text and
// JSON output, and ANSI colors on terminals. Every serial exchange with the
// plotter is logged at DEBUG, so the level filter matters for throughput.
package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level is the severity of a log message.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	}
	return "UNKNOWN"
}

// ParseLevel maps a level name to a Level; unknown names map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	}
	return INFO
}

// Format selects the output encoding.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Fields holds structured key/value pairs attached to a message.
type Fields map[string]interface{}

var levelColors = map[Level]string{
	DEBUG: "\x1b[36m",
	INFO:  "\x1b[32m",
	WARN:  "\x1b[33m",
	ERROR: "\x1b[31m",
}

const colorReset = "\x1b[0m"

// Logger writes leveled messages for one component.
type Logger struct {
	mu       sync.Mutex
	prefix   string
	writer   io.Writer
	level    Level
	format   Format
	colorize bool
}

// New creates a logger writing to stderr with the given component prefix.
func New(prefix string) *Logger {
	l := &Logger{
		prefix:   prefix,
		writer:   os.Stderr,
		level:    INFO,
		format:   FormatText,
		colorize: os.Getenv("NO_COLOR") == "",
	}
	l.configureFromEnv()
	return l
}

// configureFromEnv applies AXIPLOT_LOG_LEVEL and AXIPLOT_LOG_FORMAT.
func (l *Logger) configureFromEnv() {
	if v := os.Getenv("AXIPLOT_LOG_LEVEL"); v != "" {
		l.level = ParseLevel(v)
	}
	switch strings.ToLower(os.Getenv("AXIPLOT_LOG_FORMAT")) {
	case "json":
		l.format = FormatJSON
	case "text":
		l.format = FormatText
	}
}

// SetLevel sets the minimum level that will be written.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

// SetWriter redirects output, e.g. to a buffer in tests.
func (l *Logger) SetWriter(w io.Writer) {
	l.mu.Lock()
	l.writer = w
	l.mu.Unlock()
}

// SetFormat selects text or JSON output.
func (l *Logger) SetFormat(f Format) {
	l.mu.Lock()
	l.format = f
	l.mu.Unlock()
}

// SetColorize enables or disables ANSI colors.
func (l *Logger) SetColorize(on bool) {
	l.mu.Lock()
	l.colorize = on
	l.mu.Unlock()
}

// WithPrefix derives a logger for a sub-component sharing the same sink.
func (l *Logger) WithPrefix(prefix string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &Logger{
		prefix:   prefix,
		writer:   l.writer,
		level:    l.level,
		format:   l.format,
		colorize: l.colorize,
	}
}

type jsonEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Logger    string                 `json:"logger"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func (l *Logger) write(level Level, msg string, fields Fields) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}

	var out string
	if l.format == FormatJSON {
		e := jsonEntry{
			Timestamp: time.Now().Format(time.RFC3339Nano),
			Level:     level.String(),
			Logger:    l.prefix,
			Message:   msg,
		}
		if len(fields) > 0 {
			e.Fields = fields
		}
		data, err := json.Marshal(e)
		if err != nil {
			data = []byte(fmt.Sprintf(`{"error":"marshal log entry: %v"}`, err))
		}
		out = string(data) + "\n"
	} else {
		var sb strings.Builder
		sb.WriteString(time.Now().Format("2006-01-02 15:04:05.000"))
		sb.WriteString(fmt.Sprintf(" [%-5s] ", level.String()))
		if l.colorize {
			sb.WriteString(levelColors[level])
		}
		sb.WriteString(l.prefix)
		if l.colorize {
			sb.WriteString(colorReset)
		}
		sb.WriteString(": ")
		sb.WriteString(msg)
		if len(fields) > 0 {
			keys := make([]string, 0, len(fields))
			for k := range fields {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			sb.WriteString(" {")
			for i, k := range keys {
				if i > 0 {
					sb.WriteString(", ")
				}
				fmt.Fprintf(&sb, "%s=%v", k, fields[k])
			}
			sb.WriteString("}")
		}
		sb.WriteString("\n")
		out = sb.String()
	}
	fmt.Fprint(l.writer, out)
}

// Debug logs a formatted message at DEBUG level.
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.write(DEBUG, sprintf(msg, args), nil)
}

// Info logs a formatted message at INFO level.
func (l *Logger) Info(msg string, args ...interface{}) {
	l.write(INFO, sprintf(msg, args), nil)
}

// Warn logs a formatted message at WARN level.
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.write(WARN, sprintf(msg, args), nil)
}

// Error logs a formatted message at ERROR level.
func (l *Logger) Error(msg string, args ...interface{}) {
	l.write(ERROR, sprintf(msg, args), nil)
}

// Entry carries fields toward a single log call.
type Entry struct {
	logger *Logger
	fields Fields
}

// WithField starts an entry with one field.
func (l *Logger) WithField(key string, value interface{}) *Entry {
	return &Entry{logger: l, fields: Fields{key: value}}
}

// WithFields starts an entry with several fields.
func (l *Logger) WithFields(fields Fields) *Entry {
	return &Entry{logger: l, fields: fields}
}

// WithError starts an entry carrying the error text.
func (l *Logger) WithError(err error) *Entry {
	return l.WithField("error", err.Error())
}

// WithField adds a field, returning a new entry.
func (e *Entry) WithField(key string, value interface{}) *Entry {
	merged := make(Fields, len(e.fields)+1)
	for k, v := range e.fields {
		merged[k] = v
	}
	merged[key] = value
	return &Entry{logger: e.logger, fields: merged}
}

// Debug logs the entry at DEBUG level.
func (e *Entry) Debug(msg string, args ...interface{}) {
	e.logger.write(DEBUG, sprintf(msg, args), e.fields)
}

// Info logs the entry at INFO level.
func (e *Entry) Info(msg string, args ...interface{}) {
	e.logger.write(INFO, sprintf(msg, args), e.fields)
}

// Warn logs the entry at WARN level.
func (e *Entry) Warn(msg string, args ...interface{}) {
	e.logger.write(WARN, sprintf(msg, args), e.fields)
}

// Error logs the entry at ERROR level.
func (e *Entry) Error(msg string, args ...interface{}) {
	e.logger.write(ERROR, sprintf(msg, args), e.fields)
}

func sprintf(msg string, args []interface{}) string {
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}

var (
	defaultMu     sync.Mutex
	defaultLogger *Logger
)

// Default returns the process-wide logger, creating it on first use.
func Default() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New("axiplot")
	}
	return defaultLogger
}

// GetLogger derives a component logger from the default one.
func GetLogger(prefix string) *Logger {
	return Default().WithPrefix(prefix)
}
