// Package logging provides structured logging for the Parley SDK. It
// supports leveled output, bound fields, text and JSON formats, and
// request-id propagation through contexts.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	parleyerrors "github.com/parleyproto/parley-go/pkg/errors"
)

// Level represents the severity of a log message
type Level int

const (
	// DebugLevel traces internal decisions during development.
	DebugLevel Level = iota - 1
	// InfoLevel reports normal operation.
	InfoLevel
	// WarnLevel flags recoverable anomalies.
	WarnLevel
	// ErrorLevel reports failed operations.
	ErrorLevel
	// FatalLevel reports failures the process cannot survive.
	FatalLevel
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

// String returns the level's wire name, UNKNOWN for values outside the
// defined range.
func (l Level) String() string {
	idx := int(l) + 1
	if idx < 0 || idx >= len(levelNames) {
		return "UNKNOWN"
	}
	return levelNames[idx]
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value interface{}
}

// String creates a field holding a string value.
func String(key, value string) Field {
	return Field{key, value}
}

// Int creates a field holding an integer value.
func Int(key string, value int) Field {
	return Field{key, value}
}

// Bool creates a field holding a boolean value.
func Bool(key string, value bool) Field {
	return Field{key, value}
}

// ErrorField creates a field holding an error under the "error" key.
func ErrorField(err error) Field {
	return Field{"error", err}
}

// Duration creates a field holding an elapsed time.
func Duration(key string, value time.Duration) Field {
	return Field{key, value}
}

// Time creates a field holding a point in time.
func Time(key string, value time.Time) Field {
	return Field{key, value}
}

// Any creates a field holding an arbitrary value.
func Any(key string, value interface{}) Field {
	return Field{key, value}
}

// Stage creates a field carrying the session lifecycle stage
func Stage(stage string) Field {
	return Field{fieldStage, stage}
}

// Method creates a field carrying a protocol method name
func Method(method string) Field {
	return Field{"method", method}
}

// Header field keys the text formatter renders specially.
const (
	fieldRequestID = "request_id"
	fieldStage     = "stage"
	fieldComponent = "component"
	fieldOperation = "operation"
)

// Logger is the interface for structured logging
type Logger interface {
	// Leveled emission. Fatal exits the process after writing.
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	// Derivation. Each returns a logger with more bound fields and
	// leaves the receiver untouched.
	WithFields(fields ...Field) Logger
	WithContext(ctx context.Context) Logger
	WithError(err error) Logger

	// Level control, safe for concurrent use.
	SetLevel(level Level)
	GetLevel() Level
}

// Entry represents one formatted log record. The header fields
// (RequestID, Stage, Component, Operation) duplicate their Fields
// entries so formatters can render them in fixed positions.
type Entry struct {
	Level     Level
	Message   string
	Fields    map[string]interface{}
	Timestamp time.Time
	RequestID string
	Stage     string
	Component string
	Operation string
}

// put records one field, routing header fields to their slots. Later
// fields for the same key win.
func (e *Entry) put(f Field) {
	e.Fields[f.Key] = f.Value
	s, isString := f.Value.(string)
	if !isString {
		return
	}
	switch f.Key {
	case fieldRequestID:
		e.RequestID = s
	case fieldStage:
		e.Stage = s
	case fieldComponent:
		e.Component = s
	case fieldOperation:
		e.Operation = s
	}
}

// Formatter renders entries to bytes.
type Formatter interface {
	Format(entry *Entry) ([]byte, error)
}

// stdLogger writes formatted entries to a single output. Derived loggers
// (WithFields and friends) share the output and its write lock; bound
// fields are carried in order so later bindings override earlier ones.
type stdLogger struct {
	level     int32
	bound     []Field
	output    io.Writer
	formatter Formatter
	writeMu   *sync.Mutex
}

// New builds a logger writing formatted entries to output at InfoLevel.
// A nil output falls back to stdout, a nil formatter to the text format.
func New(output io.Writer, formatter Formatter) Logger {
	l := &stdLogger{
		level:     int32(InfoLevel),
		output:    output,
		formatter: formatter,
		writeMu:   &sync.Mutex{},
	}
	if l.output == nil {
		l.output = os.Stdout
	}
	if l.formatter == nil {
		l.formatter = NewTextFormatter()
	}
	return l
}

func (l *stdLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }
func (l *stdLogger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields) }
func (l *stdLogger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields) }
func (l *stdLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }

// Fatal logs the message and terminates the process.
func (l *stdLogger) Fatal(msg string, fields ...Field) {
	l.log(FatalLevel, msg, fields)
	os.Exit(1)
}

// derive copies the logger with room for more bound fields. The write
// lock is shared so interleaved output from the family stays whole.
func (l *stdLogger) derive(extra int) *stdLogger {
	bound := make([]Field, len(l.bound), len(l.bound)+extra)
	copy(bound, l.bound)
	return &stdLogger{
		level:     atomic.LoadInt32(&l.level),
		bound:     bound,
		output:    l.output,
		formatter: l.formatter,
		writeMu:   l.writeMu,
	}
}

func (l *stdLogger) WithFields(fields ...Field) Logger {
	child := l.derive(len(fields))
	child.bound = append(child.bound, fields...)
	return child
}

// WithContext returns a new logger carrying the context's request id,
// when one is present.
func (l *stdLogger) WithContext(ctx context.Context) Logger {
	if id := RequestIDFromContext(ctx); id != "" {
		return l.WithFields(String(fieldRequestID, id))
	}
	return l
}

// WithError binds the error plus, for ParleyErrors, its code, category,
// severity, and any attached context.
func (l *stdLogger) WithError(err error) Logger {
	fields := append([]Field{ErrorField(err)}, errorContextFields(err)...)
	return l.WithFields(fields...)
}

func errorContextFields(err error) []Field {
	parleyErr, ok := parleyerrors.AsParleyError(err)
	if !ok {
		return nil
	}

	fields := []Field{
		Int("error_code", parleyErr.Code()),
		String("error_category", string(parleyErr.Category())),
		String("error_severity", string(parleyErr.Severity())),
	}

	ctx := parleyErr.Context()
	if ctx == nil {
		return fields
	}
	for _, pair := range []struct{ key, value string }{
		{fieldRequestID, ctx.RequestID},
		{"session_id", ctx.SessionID},
		{fieldStage, ctx.Stage},
		{fieldComponent, ctx.Component},
		{fieldOperation, ctx.Operation},
	} {
		if pair.value != "" {
			fields = append(fields, String(pair.key, pair.value))
		}
	}
	return fields
}

func (l *stdLogger) SetLevel(level Level) {
	atomic.StoreInt32(&l.level, int32(level))
}

func (l *stdLogger) GetLevel() Level {
	return Level(atomic.LoadInt32(&l.level))
}

func (l *stdLogger) log(lvl Level, msg string, fields []Field) {
	if lvl < l.GetLevel() {
		return
	}

	rec := &Entry{
		Level:     lvl,
		Message:   msg,
		Fields:    make(map[string]interface{}, len(l.bound)+len(fields)),
		Timestamp: time.Now(),
	}
	for _, f := range l.bound {
		rec.put(f)
	}
	for _, f := range fields {
		rec.put(f)
	}

	data, err := l.formatter.Format(rec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: dropping entry: %v\n", err)
		return
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.output.Write(data); err != nil {
		fmt.Fprintf(os.Stderr, "logging: write failed: %v\n", err)
	}
}

type contextKey string

const requestIDKey contextKey = "request_id"

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the request ID from a context, or ""
// when none was set.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
