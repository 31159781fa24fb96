// Package logging provides the leveled, structured logger shared by the
// receiver, its sinks and the command line front end.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Level is a logging severity.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l Level) String() string {
	if l < Debug || l > Error {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel converts a flag or environment value to a Level. An empty
// string selects Info.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug, nil
	case "info", "":
		return Info, nil
	case "warn", "warning":
		return Warn, nil
	case "error":
		return Error, nil
	}
	return Info, fmt.Errorf("unsupported log level %q", s)
}

// Format selects how entries are rendered.
type Format int

const (
	Text Format = iota
	JSON
)

func (f Format) String() string {
	switch f {
	case Text:
		return "text"
	case JSON:
		return "json"
	}
	return "unknown"
}

// ParseFormat converts a flag or environment value to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "":
		return Text, nil
	case "json":
		return JSON, nil
	}
	return Text, fmt.Errorf("unsupported log format %q", s)
}

// Field is one structured key/value pair.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for Field{Key: key, Value: value}.
func F(key string, value any) Field { return Field{Key: key, Value: value} }

// Logger is the leveled logging surface used throughout the module.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
}

var (
	defaultMu     sync.RWMutex
	defaultLogger Logger = Nop()
)

// Default returns the process-wide logger. It discards everything until
// SetDefault is called.
func Default() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault replaces the process-wide logger. A nil logger is ignored.
func SetDefault(l Logger) {
	if l == nil {
		return
	}
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// output serializes writes from every logger derived from one New call.
type output struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

func (o *output) write(line []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, _ = o.w.Write(line)
}

type logger struct {
	level  Level
	format Format
	fields []Field
	out    *output
}

// New returns a Logger writing entries at or above level to w.
func New(level Level, format Format, w io.Writer) Logger {
	return &logger{level: level, format: format, out: &output{w: w, now: time.Now}}
}

func (l *logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &logger{level: l.level, format: l.format, fields: merged, out: l.out}
}

func (l *logger) Debug(msg string, fields ...Field) { l.emit(Debug, msg, fields) }
func (l *logger) Info(msg string, fields ...Field)  { l.emit(Info, msg, fields) }
func (l *logger) Warn(msg string, fields ...Field)  { l.emit(Warn, msg, fields) }
func (l *logger) Error(msg string, fields ...Field) { l.emit(Error, msg, fields) }

func (l *logger) emit(level Level, msg string, fields []Field) {
	if level < l.level {
		return
	}
	ts := l.out.now()
	if l.format == JSON {
		l.out.write(l.renderJSON(ts, level, msg, fields))
		return
	}
	l.out.write(l.renderText(ts, level, msg, fields))
}

func (l *logger) renderText(ts time.Time, level Level, msg string, fields []Field) []byte {
	var b strings.Builder
	b.WriteString(ts.Format("2006/01/02 15:04:05.000"))
	fmt.Fprintf(&b, " [%s] %s", level, msg)
	for _, set := range [2][]Field{l.fields, fields} {
		for _, f := range set {
			if f.Key == "" {
				continue
			}
			fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
		}
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

func (l *logger) renderJSON(ts time.Time, level Level, msg string, fields []Field) []byte {
	payload := make(map[string]any, 3+len(l.fields)+len(fields))
	for _, set := range [2][]Field{l.fields, fields} {
		for _, f := range set {
			if f.Key == "" {
				continue
			}
			payload[f.Key] = jsonValue(f.Value)
		}
	}
	payload["time"] = ts.Format(time.RFC3339Nano)
	payload["level"] = level.String()
	payload["msg"] = msg
	data, err := json.Marshal(payload)
	if err != nil {
		data, _ = json.Marshal(map[string]any{
			"time":  ts.Format(time.RFC3339Nano),
			"level": Error.String(),
			"msg":   "marshal log entry failed",
			"error": err.Error(),
		})
	}
	return append(data, '\n')
}

// jsonValue keeps values encoding/json cannot represent readable.
func jsonValue(v any) any {
	switch x := v.(type) {
	case error:
		return x.Error()
	case time.Duration:
		return x.String()
	case complex128, complex64:
		return fmt.Sprint(x)
	case fmt.Stringer:
		return x.String()
	}
	return v
}

type nop struct{}

// Nop returns a Logger that discards everything.
func Nop() Logger { return nop{} }

func (nop) Debug(string, ...Field) {}
func (nop) Info(string, ...Field)  {}
func (nop) Warn(string, ...Field)  {}
func (nop) Error(string, ...Field) {}
func (nop) With(...Field) Logger   { return nop{} }
