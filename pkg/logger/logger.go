// Package logger provides leveled, component-scoped logging for the enclave
// runtime. Output can go to a rotating file, the host log callback, or both.
//
// Callers must redact secret material before logging. The logger performs no
// redaction of its own.
package logger

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is the logger severity level.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarning
	LevelError
	LevelCritical
	// LevelNone disables all output.
	LevelNone
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	case LevelCritical:
		return "CRITICAL"
	case LevelNone:
		return "NONE"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// ParseLevel parses a level name. Unknown names default to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARN", "WARNING":
		return LevelWarning
	case "ERROR":
		return LevelError
	case "CRITICAL", "FATAL":
		return LevelCritical
	case "NONE", "OFF":
		return LevelNone
	default:
		return LevelInfo
	}
}

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case LevelTrace:
		return logrus.TraceLevel
	case LevelDebug:
		return logrus.DebugLevel
	case LevelInfo:
		return logrus.InfoLevel
	case LevelWarning:
		return logrus.WarnLevel
	default:
		return logrus.ErrorLevel
	}
}

// gateLevel is the logrus level used to gate entries created via WithField /
// WithError, which bypass the wrapper's own check.
func (l Level) gateLevel() logrus.Level {
	if l == LevelNone {
		return logrus.PanicLevel
	}
	return l.logrusLevel()
}

// RotationConfig controls the rotating file sink.
type RotationConfig struct {
	// Path of the active log file. Empty disables the file sink.
	Path string
	// MaxSizeMB is the size threshold that triggers rotation.
	MaxSizeMB int
	// MaxBackups bounds the number of retained rotated files; the oldest is
	// deleted on overflow.
	MaxBackups int
}

// Config configures a Logger.
type Config struct {
	Level    Level
	Rotation RotationConfig

	// HostCallback receives every formatted record in addition to the file
	// sink. Used to surface logs across the boundary.
	HostCallback func(string)
}

// Logger is a leveled, component-scoped logger.
type Logger struct {
	mu        sync.RWMutex
	level     Level
	component string
	entry     *logrus.Entry
	closer    io.Closer
}

// New creates a Logger with the given configuration.
func New(component string, cfg Config) *Logger {
	base := logrus.New()
	base.SetLevel(cfg.Level.gateLevel())
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	var closer io.Closer
	if cfg.Rotation.Path != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.Rotation.Path,
			MaxSize:    max(cfg.Rotation.MaxSizeMB, 1),
			MaxBackups: max(cfg.Rotation.MaxBackups, 1),
		}
		base.SetOutput(rotator)
		closer = rotator
	} else {
		base.SetOutput(io.Discard)
	}

	if cfg.HostCallback != nil {
		base.AddHook(&hostHook{callback: cfg.HostCallback})
	}

	return &Logger{
		level:     cfg.Level,
		component: component,
		entry:     base.WithField("component", component),
		closer:    closer,
	}
}

// NewDefault creates a Logger at INFO with no sinks attached beyond stderr.
// Intended for tests and for services constructed without explicit logging.
func NewDefault(component string) *Logger {
	base := logrus.New()
	base.SetLevel(logrus.InfoLevel)
	return &Logger{
		level:     LevelInfo,
		component: component,
		entry:     base.WithField("component", component),
	}
}

// Component returns a child logger scoped to the given component name. The
// child shares sinks and level with its parent.
func (l *Logger) Component(name string) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{
		level:     l.level,
		component: name,
		entry:     l.entry.Logger.WithField("component", name),
		closer:    nil, // parent owns the file sink
	}
}

// SetLevel changes the minimum level at runtime.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.entry.Logger.SetLevel(level.gateLevel())
	l.mu.Unlock()
}

// Level returns the current minimum level.
func (l *Logger) Level() Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

// Close flushes and closes the file sink, if any.
func (l *Logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

func (l *Logger) enabled(level Level) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level != LevelNone && level >= l.level
}

func (l *Logger) log(level Level, args ...interface{}) {
	if !l.enabled(level) {
		return
	}
	entry := l.entry
	if level == LevelCritical {
		entry = entry.WithField("severity", "critical")
	}
	entry.Log(level.logrusLevel(), args...)
}

func (l *Logger) logf(level Level, format string, args ...interface{}) {
	if !l.enabled(level) {
		return
	}
	entry := l.entry
	if level == LevelCritical {
		entry = entry.WithField("severity", "critical")
	}
	entry.Logf(level.logrusLevel(), format, args...)
}

// Trace logs at TRACE.
func (l *Logger) Trace(args ...interface{}) { l.log(LevelTrace, args...) }

// Debug logs at DEBUG.
func (l *Logger) Debug(args ...interface{}) { l.log(LevelDebug, args...) }

// Info logs at INFO.
func (l *Logger) Info(args ...interface{}) { l.log(LevelInfo, args...) }

// Warn logs at WARNING.
func (l *Logger) Warn(args ...interface{}) { l.log(LevelWarning, args...) }

// Error logs at ERROR.
func (l *Logger) Error(args ...interface{}) { l.log(LevelError, args...) }

// Critical logs at CRITICAL.
func (l *Logger) Critical(args ...interface{}) { l.log(LevelCritical, args...) }

// Tracef logs a formatted message at TRACE.
func (l *Logger) Tracef(format string, args ...interface{}) { l.logf(LevelTrace, format, args...) }

// Debugf logs a formatted message at DEBUG.
func (l *Logger) Debugf(format string, args ...interface{}) { l.logf(LevelDebug, format, args...) }

// Infof logs a formatted message at INFO.
func (l *Logger) Infof(format string, args ...interface{}) { l.logf(LevelInfo, format, args...) }

// Warnf logs a formatted message at WARNING.
func (l *Logger) Warnf(format string, args ...interface{}) { l.logf(LevelWarning, format, args...) }

// Errorf logs a formatted message at ERROR.
func (l *Logger) Errorf(format string, args ...interface{}) { l.logf(LevelError, format, args...) }

// Criticalf logs a formatted message at CRITICAL.
func (l *Logger) Criticalf(format string, args ...interface{}) {
	l.logf(LevelCritical, format, args...)
}

// WithField returns a logrus entry carrying an extra field. Level gating has
// already happened by the time the entry emits, so callers should pair this
// with an explicit level method: log.WithField(...).Info(...).
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.entry.WithField(key, value)
}

// WithError returns a logrus entry carrying an error field.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.entry.WithError(err)
}

// hostHook forwards formatted records to the host log callback.
type hostHook struct {
	mu       sync.Mutex
	callback func(string)
}

func (h *hostHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *hostHook) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.callback(strings.TrimRight(line, "\n"))
	h.mu.Unlock()
	return nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
