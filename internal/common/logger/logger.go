package logger

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu   sync.RWMutex
	base = newBase(os.Stdout, zerolog.InfoLevel, true)
)

// Init replaces the process-wide output and level. Loggers created before Init
// pick up the change on their next call.
func Init(level string, jsonOutput bool, out io.Writer) {
	if out == nil {
		out = os.Stdout
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	mu.Lock()
	base = newBase(out, lvl, jsonOutput)
	mu.Unlock()
}

func newBase(out io.Writer, lvl zerolog.Level, jsonOutput bool) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFieldName = "timestamp"
	if !jsonOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Str("hostname", hostname()).Logger()
}

type Logger struct {
	service string
	fields  map[string]any
}

func New(service string) *Logger { return &Logger{service: service} }

// With returns a child logger that adds fields to every entry.
func (l *Logger) With(fields map[string]any) *Logger {
	merged := make(map[string]any, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{service: l.service, fields: merged}
}

func (l *Logger) log(ev *zerolog.Event, action string, fields map[string]any, err error) {
	if ev == nil {
		return
	}
	ev = ev.Str("service", l.service).Str("action", action)
	if len(l.fields) > 0 {
		ev = ev.Fields(l.fields)
	}
	if len(fields) > 0 {
		ev = ev.Fields(fields)
	}
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg(action)
}

func current() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func (l *Logger) Info(action string, fields map[string]any) {
	zl := current()
	l.log(zl.Info(), action, fields, nil)
}

func (l *Logger) Debug(action string, fields map[string]any) {
	zl := current()
	l.log(zl.Debug(), action, fields, nil)
}

func (l *Logger) Warn(action string, fields map[string]any) {
	zl := current()
	l.log(zl.Warn(), action, fields, nil)
}

func (l *Logger) Error(action string, err error, fields map[string]any) {
	zl := current()
	l.log(zl.Error(), action, fields, err)
}

func hostname() string { h, _ := os.Hostname(); return h }
