package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// TextFormatter renders entries as single-line human-readable text:
// timestamp, bracketed level, request id, stage, component/operation
// header, message, then sorted key=value fields.
type TextFormatter struct {
	TimestampFormat  string // layout for the leading timestamp
	DisableColors    bool   // suppress ANSI level coloring
	DisableTimestamp bool   // drop the timestamp entirely
	DisableSorting   bool   // emit fields in map iteration order
}

// NewTextFormatter returns a text formatter with the default timestamp layout.
func NewTextFormatter() *TextFormatter {
	return &TextFormatter{TimestampFormat: "2006-01-02 15:04:05.000"}
}

// Format renders one entry per the formatter's options.
func (f *TextFormatter) Format(entry *Entry) ([]byte, error) {
	var out bytes.Buffer

	f.writeHeader(&out, entry)
	out.WriteString(entry.Message)

	if keys := f.fieldKeys(entry); len(keys) > 0 {
		out.WriteString(" | ")
		for i, key := range keys {
			if i > 0 {
				out.WriteByte(' ')
			}
			out.WriteString(key)
			out.WriteByte('=')
			out.WriteString(renderValue(entry.Fields[key]))
		}
	}

	out.WriteByte('\n')
	return out.Bytes(), nil
}

func (f *TextFormatter) writeHeader(out *bytes.Buffer, entry *Entry) {
	if !f.DisableTimestamp {
		out.WriteString(entry.Timestamp.Format(f.TimestampFormat))
		out.WriteByte(' ')
	}

	level := "[" + entry.Level.String() + "]"
	if color, ok := levelColors[entry.Level]; ok && !f.DisableColors {
		level = color + level + colorReset
	}
	out.WriteString(level)
	out.WriteByte(' ')

	if entry.RequestID != "" {
		fmt.Fprintf(out, "[%s] ", entry.RequestID)
	}
	if entry.Stage != "" {
		fmt.Fprintf(out, "<%s> ", entry.Stage)
	}
	if entry.Component != "" {
		out.WriteString(entry.Component)
		if entry.Operation != "" {
			out.WriteByte('/')
			out.WriteString(entry.Operation)
		}
		out.WriteString(": ")
	}
}

// fieldKeys returns the keys to render in the field list, leaving out the
// ones the header already shows.
func (f *TextFormatter) fieldKeys(entry *Entry) []string {
	keys := make([]string, 0, len(entry.Fields))
	for key := range entry.Fields {
		switch {
		case key == fieldRequestID:
		case key == fieldStage && entry.Stage != "":
		case key == fieldComponent && entry.Component != "":
		case key == fieldOperation && entry.Component != "" && entry.Operation != "":
		default:
			keys = append(keys, key)
		}
	}
	if !f.DisableSorting {
		sort.Strings(keys)
	}
	return keys
}

// renderValue stringifies one field value. Strings with spaces are quoted
// so the key=value list stays splittable.
func renderValue(v interface{}) string {
	switch val := v.(type) {
	case error:
		return val.Error()
	case string:
		if strings.ContainsRune(val, ' ') {
			return fmt.Sprintf("%q", val)
		}
		return val
	default:
		return fmt.Sprintf("%v", v)
	}
}

const colorReset = "\033[0m"

var levelColors = map[Level]string{
	DebugLevel: "\033[90m",
	InfoLevel:  "\033[34m",
	WarnLevel:  "\033[33m",
	ErrorLevel: "\033[31m",
	FatalLevel: "\033[31m",
}

// JSONFormatter renders entries as one JSON object per line with level,
// message, timestamp, and the flattened fields.
type JSONFormatter struct {
	TimestampFormat  string // layout for the timestamp value
	PrettyPrint      bool   // indent the JSON output
	DisableTimestamp bool   // drop the timestamp key entirely
}

// NewJSONFormatter returns a JSON formatter with the default timestamp layout.
func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"}
}

// Format renders one entry as a JSON object.
func (f *JSONFormatter) Format(entry *Entry) ([]byte, error) {
	record := make(map[string]interface{}, len(entry.Fields)+3)
	record["level"] = entry.Level.String()
	record["message"] = entry.Message
	if !f.DisableTimestamp {
		record["timestamp"] = entry.Timestamp.Format(f.TimestampFormat)
	}

	for key, value := range entry.Fields {
		// Errors rarely marshal usefully; store their text.
		if err, ok := value.(error); ok {
			record[key] = err.Error()
			continue
		}
		record[key] = value
	}

	marshal := json.Marshal
	if f.PrettyPrint {
		marshal = func(v interface{}) ([]byte, error) {
			return json.MarshalIndent(v, "", "  ")
		}
	}

	data, err := marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode log entry: %w", err)
	}
	return append(data, '\n'), nil
}
