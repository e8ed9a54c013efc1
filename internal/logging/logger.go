package logging

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"livecode/internal/console"
)

// FileOptions configures the rotating log file. An empty Path disables it.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

type Options struct {
	Level   Level
	Console *console.Console
	File    FileOptions
}

type Logger struct {
	sinks       *sinks
	minLevel    Level
	baseContext map[string]string
}

type sinks struct {
	mu      sync.Mutex
	console *console.Console
	output  *log.Logger
	file    *lumberjack.Logger
}

// New builds a logger writing to the console handle and, when configured, a rotating file.
func New(options Options) *Logger {
	target := &sinks{console: options.Console}
	if path := strings.TrimSpace(options.File.Path); path != "" {
		target.file = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    options.File.MaxSizeMB,
			MaxBackups: options.File.MaxBackups,
			MaxAge:     options.File.MaxAgeDays,
			Compress:   options.File.Compress,
		}
		target.output = log.New(target.file, "", log.LstdFlags)
	}
	return &Logger{sinks: target, minLevel: normalizeLevel(options.Level)}
}

// NewLoggerWithOutput writes plain lines to output. Used by tests and embedders.
func NewLoggerWithOutput(minLevel Level, output io.Writer) *Logger {
	if output == nil {
		output = io.Discard
	}
	return &Logger{
		sinks:    &sinks{output: log.New(output, "", 0)},
		minLevel: normalizeLevel(minLevel),
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewLoggerWithOutput(LevelError, io.Discard)
}

func (l *Logger) With(fields map[string]string) *Logger {
	if l == nil {
		return l
	}
	return &Logger{
		sinks:       l.sinks,
		minLevel:    l.minLevel,
		baseContext: cloneFields(l.baseContext, fields),
	}
}

func (l *Logger) Debug(message string, fields map[string]string) {
	l.log(LevelDebug, message, fields)
}

func (l *Logger) Info(message string, fields map[string]string) {
	l.log(LevelInfo, message, fields)
}

func (l *Logger) Warn(message string, fields map[string]string) {
	l.log(LevelWarning, message, fields)
}

func (l *Logger) Error(message string, fields map[string]string) {
	l.log(LevelError, message, fields)
}

func (l *Logger) Enabled(level Level) bool {
	if l == nil {
		return false
	}
	return levelRank(level) >= levelRank(l.minLevel)
}

// Close flushes and closes the log file, if any. The console is owned by the caller.
func (l *Logger) Close() error {
	if l == nil || l.sinks == nil || l.sinks.file == nil {
		return nil
	}
	l.sinks.mu.Lock()
	defer l.sinks.mu.Unlock()
	return l.sinks.file.Close()
}

func (l *Logger) log(level Level, message string, fields map[string]string) {
	if l == nil || l.sinks == nil || !l.Enabled(level) {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Context:   cloneFields(l.baseContext, fields),
	}
	line := formatEntry(entry)

	l.sinks.mu.Lock()
	defer l.sinks.mu.Unlock()
	if l.sinks.console != nil {
		l.sinks.console.Println(formatConsoleEntry(l.sinks.console, entry))
	}
	if l.sinks.output != nil {
		l.sinks.output.Print(line)
	}
}

func normalizeLevel(level Level) Level {
	switch level {
	case LevelDebug, LevelInfo, LevelWarning, LevelError:
		return level
	default:
		return LevelInfo
	}
}

func levelRank(level Level) int {
	switch level {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarning:
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}

var ErrUnknownLevel = errors.New("unknown log level")

func ParseLevel(value string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warning", "warn":
		return LevelWarning, true
	case "error":
		return LevelError, true
	default:
		return "", false
	}
}

// ParseLevelStrict is ParseLevel returning an error suitable for config validation.
func ParseLevelStrict(value string) (Level, error) {
	level, ok := ParseLevel(value)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownLevel, value)
	}
	return level, nil
}

func cloneFields(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	combined := make(map[string]string, len(base)+len(extra))
	for key, value := range base {
		combined[key] = value
	}
	for key, value := range extra {
		combined[key] = value
	}
	return combined
}

func formatEntry(entry LogEntry) string {
	builder := strings.Builder{}
	builder.WriteString("level=")
	builder.WriteString(string(entry.Level))
	builder.WriteString(" msg=")
	builder.WriteString(strconv.Quote(entry.Message))
	writeContext(&builder, entry.Context)
	return builder.String()
}

// formatConsoleEntry keeps the key=value layout but styles the level and drops the quoting of msg.
func formatConsoleEntry(out *console.Console, entry LogEntry) string {
	builder := strings.Builder{}
	builder.WriteString(entry.Timestamp.Local().Format("15:04:05"))
	builder.WriteString(" ")
	builder.WriteString(out.Styled(levelStyle(entry.Level), fmt.Sprintf("%-7s", strings.ToUpper(string(entry.Level)))))
	builder.WriteString(" ")
	builder.WriteString(entry.Message)
	writeContext(&builder, entry.Context)
	return builder.String()
}

func writeContext(builder *strings.Builder, context map[string]string) {
	if len(context) == 0 {
		return
	}
	keys := make([]string, 0, len(context))
	for key := range context {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		builder.WriteString(" ")
		builder.WriteString(fmt.Sprintf("%s=%s", key, strconv.Quote(context[key])))
	}
}

func levelStyle(level Level) string {
	switch level {
	case LevelDebug:
		return console.StyleDebug
	case LevelWarning:
		return console.StyleWarning
	case LevelError:
		return console.StyleError
	default:
		return console.StyleInfo
	}
}
