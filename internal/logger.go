// Package internal holds farshow's process-wide plumbing: leveled logging
// through pterm and the sender and receiver configuration.
package internal

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pterm/pterm"
)

type FieldKey string

const (
	FieldError      FieldKey = "error"
	FieldMsg        FieldKey = "message"
	FieldStream     FieldKey = "stream"
	FieldFrameID    FieldKey = "frame_id"
	FieldPart       FieldKey = "part"
	FieldTotalParts FieldKey = "parts"
	FieldBytes      FieldKey = "bytes"
	FieldAddr       FieldKey = "addr"
	FieldPort       FieldKey = "port"
	FieldFormat     FieldKey = "format"
	FieldSuppressed FieldKey = "suppressed"
	ConfigPath      FieldKey = "config_path"
)

type Fields map[FieldKey]any

// FrameFields starts the field set every per-frame record carries.
func FrameFields(stream string, frameID uint32) Fields {
	return Fields{FieldStream: stream, FieldFrameID: frameID}
}

type Level = pterm.LogLevel

const (
	LevelTrace Level = pterm.LogLevelTrace
	LevelDebug Level = pterm.LogLevelDebug
	LevelInfo  Level = pterm.LogLevelInfo
	LevelWarn  Level = pterm.LogLevelWarn
	LevelError Level = pterm.LogLevelError
	LevelFatal Level = pterm.LogLevelFatal
)

var (
	levelNames = map[string]Level{
		"trace":   LevelTrace,
		"debug":   LevelDebug,
		"info":    LevelInfo,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"fatal":   LevelFatal,
	}

	loggerMu = sync.RWMutex{}

	// Stream names and frame ids are what an operator scans for when a
	// viewer stalls, so they stand out next to errors.
	baseLogger = func() *pterm.Logger {
		template := pterm.DefaultLogger.WithTime(true).
			WithTimeFormat(time.RFC3339).
			WithMaxWidth(120).
			WithCaller(false)
		return template.AppendKeyStyles(map[string]pterm.Style{
			string(FieldError):      *pterm.NewStyle(pterm.FgRed, pterm.Bold),
			string(FieldStream):     *pterm.NewStyle(pterm.FgCyan),
			string(FieldFrameID):    *pterm.NewStyle(pterm.FgLightBlue),
			string(FieldSuppressed): *pterm.NewStyle(pterm.FgYellow),
		})
	}()

	currentLevel = LevelInfo

	warnLimits = newRateLimiter()
)

// ConfigureLogger applies a --log-level or log_level value. An unknown name
// leaves the level at info and is reported.
func ConfigureLogger(level string) error {
	level = strings.TrimSpace(strings.ToLower(level))
	if level == "" {
		SetLogLevel(LevelInfo)
		return nil
	}
	lvl, ok := levelNames[level]
	if !ok {
		SetLogLevel(LevelInfo)
		return fmt.Errorf("unknown log level %q", level)
	}
	SetLogLevel(lvl)
	return nil
}

func SetLogLevel(level Level) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	currentLevel = level
	baseLogger.Level = pterm.LogLevel(level)
}

func getLevel() Level {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return currentLevel
}

// DebugEnabled lets the per-datagram paths skip building Fields for records
// that would be dropped.
func DebugEnabled() bool {
	return shouldLog(LevelDebug)
}

func shouldLog(level Level) bool {
	return level >= getLevel()
}

func log(level Level, msg string, fields Fields) {
	if !shouldLog(level) {
		return
	}

	loggerMu.RLock()
	logger := baseLogger.WithLevel(pterm.LogLevel(currentLevel))
	loggerMu.RUnlock()

	args := makeLoggerArgs(fields)

	switch level {
	case LevelTrace:
		logger.Trace(msg, args)
	case LevelDebug:
		logger.Debug(msg, args)
	case LevelWarn:
		logger.Warn(msg, args)
	case LevelError:
		logger.Error(msg, args)
	case LevelFatal:
		logger.Fatal(msg, args)
	default:
		logger.Info(msg, args)
	}
}

// makeLoggerArgs orders fields by key so records of one kind line up.
func makeLoggerArgs(fields Fields) []pterm.LoggerArgument {
	if len(fields) == 0 {
		return nil
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	args := make([]pterm.LoggerArgument, 0, len(keys))
	for _, key := range keys {
		args = append(args, pterm.LoggerArgument{Key: key, Value: fields[FieldKey(key)]})
	}
	return args
}

func Debug(msg string, fields Fields) { log(LevelDebug, msg, fields) }
func Info(msg string, fields Fields)  { log(LevelInfo, msg, fields) }
func Warn(msg string, fields Fields)  { log(LevelWarn, msg, fields) }
func Error(msg string, fields Fields) { log(LevelError, msg, fields) }

// WarnEvery logs at most one warning per key and interval. A broken stream
// fails on every frame; the warnings skipped in between are reported on the
// next one that gets through.
func WarnEvery(key string, every time.Duration, msg string, fields Fields) {
	if !shouldLog(LevelWarn) {
		return
	}
	skipped, ok := warnLimits.allow(key, every, time.Now())
	if !ok {
		return
	}
	if skipped > 0 {
		out := make(Fields, len(fields)+1)
		for k, v := range fields {
			out[k] = v
		}
		out[FieldSuppressed] = skipped
		fields = out
	}
	log(LevelWarn, msg, fields)
}

type rateLimiter struct {
	mu   sync.Mutex
	keys map[string]*rateEntry
}

type rateEntry struct {
	last    time.Time
	skipped int
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{keys: make(map[string]*rateEntry)}
}

// allow reports whether key may log at now, and how many attempts it refused
// since the last one allowed.
func (l *rateLimiter) allow(key string, every time.Duration, now time.Time) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.keys[key]
	if !ok {
		l.keys[key] = &rateEntry{last: now}
		return 0, true
	}
	if now.Sub(e.last) < every {
		e.skipped++
		return 0, false
	}
	skipped := e.skipped
	e.last = now
	e.skipped = 0
	return skipped, true
}
