package client

import (
	"io"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field is one structured log attribute.
type Field struct {
	Key   string
	Value interface{}
}

func String(key, val string) Field                 { return Field{Key: key, Value: val} }
func Int(key string, val int) Field                { return Field{Key: key, Value: val} }
func Int64(key string, val int64) Field            { return Field{Key: key, Value: val} }
func Uint64(key string, val uint64) Field          { return Field{Key: key, Value: val} }
func Float64(key string, val float64) Field        { return Field{Key: key, Value: val} }
func Bool(key string, val bool) Field              { return Field{Key: key, Value: val} }
func Duration(key string, val time.Duration) Field { return Field{Key: key, Value: val} }
func Error(key string, err error) Field             { return Field{Key: key, Value: err} }

// Logger is the structured logging interface used by connectors, pools and hooks.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	WithFields(fields ...Field) Logger
}

// parseLevel accepts DEBUG, INFO, WARN/WARNING, ERROR and OFF in any case.
// Anything else is INFO.
func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "warning":
		return zerolog.WarnLevel
	case "off", "none":
		return zerolog.Disabled
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

type zerologLogger struct {
	zl zerolog.Logger
}

// NewLogger creates a JSON logger at level writing to output (stdout when nil).
func NewLogger(level string, output io.Writer) Logger {
	if output == nil {
		output = os.Stdout
	}
	zl := zerolog.New(output).Level(parseLevel(level)).With().Timestamp().Logger()
	return &zerologLogger{zl: zl}
}

// NewConsoleLogger creates a human readable logger for terminals.
func NewConsoleLogger(level string, output io.Writer, color bool) Logger {
	if output == nil {
		output = os.Stderr
	}
	cw := zerolog.ConsoleWriter{Out: output, NoColor: !color, TimeFormat: "15:04:05.000"}
	zl := zerolog.New(cw).Level(parseLevel(level)).With().Timestamp().Logger()
	return &zerologLogger{zl: zl}
}

// NewZerologLogger adapts an existing zerolog.Logger.
func NewZerologLogger(zl zerolog.Logger) Logger {
	return &zerologLogger{zl: zl}
}

func (l *zerologLogger) Debug(msg string, fields ...Field) { emit(l.zl.Debug(), msg, fields) }
func (l *zerologLogger) Info(msg string, fields ...Field)  { emit(l.zl.Info(), msg, fields) }
func (l *zerologLogger) Warn(msg string, fields ...Field)  { emit(l.zl.Warn(), msg, fields) }
func (l *zerologLogger) Error(msg string, fields ...Field) { emit(l.zl.Error(), msg, fields) }

func (l *zerologLogger) WithFields(fields ...Field) Logger {
	ctx := l.zl.With()
	for _, f := range fields {
		f = redact(f)
		switch v := f.Value.(type) {
		case error:
			ctx = ctx.AnErr(f.Key, v)
		case time.Duration:
			ctx = ctx.Str(f.Key, v.String())
		default:
			ctx = ctx.Interface(f.Key, v)
		}
	}
	return &zerologLogger{zl: ctx.Logger()}
}

// emit writes one event. zerolog hands back a nil event for disabled levels,
// so fields are only converted when the line is actually written.
func emit(ev *zerolog.Event, msg string, fields []Field) {
	if ev == nil {
		return
	}
	for _, f := range fields {
		f = redact(f)
		switch v := f.Value.(type) {
		case string:
			ev = ev.Str(f.Key, v)
		case int:
			ev = ev.Int(f.Key, v)
		case int64:
			ev = ev.Int64(f.Key, v)
		case uint64:
			ev = ev.Uint64(f.Key, v)
		case float64:
			ev = ev.Float64(f.Key, v)
		case bool:
			ev = ev.Bool(f.Key, v)
		case time.Duration:
			ev = ev.Str(f.Key, v.String())
		case error:
			ev = ev.AnErr(f.Key, v)
		case nil:
			ev = ev.Interface(f.Key, nil)
		default:
			ev = ev.Interface(f.Key, v)
		}
	}
	ev.Msg(msg)
}

var sensitiveKeys = map[string]bool{
	"password":    true,
	"passfile":    true,
	"sslpassword": true,
	"token":       true,
	"secret":      true,
}

var keywordPassword = regexp.MustCompile(`(?i)\b(password|sslpassword)\s*=\s*('(?:[^'\\]|\\.)*'|\S+)`)

// redact masks secrets. Keys named like credentials are replaced entirely;
// connection strings keep everything but the password.
func redact(f Field) Field {
	key := strings.ToLower(f.Key)
	if sensitiveKeys[key] {
		return Field{Key: f.Key, Value: "[REDACTED]"}
	}
	if s, ok := f.Value.(string); ok && (strings.Contains(key, "conn") || strings.Contains(key, "dsn")) {
		return Field{Key: f.Key, Value: maskConnString(s)}
	}
	return f
}

func maskConnString(s string) string {
	if strings.HasPrefix(s, "postgres://") || strings.HasPrefix(s, "postgresql://") {
		u, err := url.Parse(s)
		if err != nil {
			return "[REDACTED]"
		}
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
		q := u.Query()
		if q.Has("password") {
			q.Set("password", "xxxxx")
			u.RawQuery = q.Encode()
		}
		return u.String()
	}
	return keywordPassword.ReplaceAllString(s, "$1=xxxxx")
}

type noopLogger struct{}

func (n *noopLogger) Debug(msg string, fields ...Field) {}
func (n *noopLogger) Info(msg string, fields ...Field)  {}
func (n *noopLogger) Warn(msg string, fields ...Field)  {}
func (n *noopLogger) Error(msg string, fields ...Field) {}
func (n *noopLogger) WithFields(fields ...Field) Logger { return n }

// NewNoopLogger returns a logger that discards everything.
func NewNoopLogger() Logger {
	return &noopLogger{}
}
