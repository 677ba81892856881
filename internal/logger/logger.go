// Package logger is a module-tagged leveled logger on top of logrus.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	formatter "github.com/antonfisher/nested-logrus-formatter"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel is the minimum severity that gets written.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	SILENT // No logging
)

var levels = [...]struct {
	name   string
	logrus logrus.Level
}{
	DEBUG:  {"DEBUG", logrus.DebugLevel},
	INFO:   {"INFO", logrus.InfoLevel},
	WARN:   {"WARN", logrus.WarnLevel},
	ERROR:  {"ERROR", logrus.ErrorLevel},
	SILENT: {"SILENT", logrus.PanicLevel},
}

// Logger writes "[module] message" entries through logrus.
type Logger struct {
	level atomic.Int32
	out   *logrus.Logger
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init sets up the process-wide logger. Later calls are ignored.
func Init(level LogLevel, output io.Writer, useColor bool) {
	once.Do(func() {
		defaultLogger = New(level, output, useColor)
	})
}

// New creates a Logger writing to output (stderr when nil).
func New(level LogLevel, output io.Writer, useColor bool) *Logger {
	if output == nil {
		output = os.Stderr
	}
	out := logrus.New()
	out.SetOutput(output)
	out.SetLevel(logrus.DebugLevel)
	out.SetFormatter(&formatter.Formatter{
		NoColors:        !useColor,
		HideKeys:        true,
		FieldsOrder:     []string{"module"},
		TimestampFormat: "2006/01/02 15:04:05.000000",
	})

	l := &Logger{out: out}
	l.SetLevel(level)
	return l
}

// RotatingFile returns a size-rotated log file writer. Combine it with os.Stderr
// through io.MultiWriter to keep console output.
func RotatingFile(path string) io.Writer {
	return &lumberjack.Logger{
		Filename:   path,
		LocalTime:  true,
		Compress:   true,
		MaxSize:    50,
		MaxAge:     7,
		MaxBackups: 3,
	}
}

func (l *Logger) SetLevel(level LogLevel) { l.level.Store(int32(level)) }

func (l *Logger) GetLevel() LogLevel { return LogLevel(l.level.Load()) }

func (l *Logger) log(level LogLevel, module, format string, args ...any) {
	if level < l.GetLevel() || level >= SILENT {
		return
	}
	entry := logrus.NewEntry(l.out)
	if module != "" {
		entry = entry.WithField("module", module)
	}
	entry.Log(levels[level].logrus, fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(module, format string, args ...any) { l.log(DEBUG, module, format, args...) }
func (l *Logger) Info(module, format string, args ...any)  { l.log(INFO, module, format, args...) }
func (l *Logger) Warn(module, format string, args ...any)  { l.log(WARN, module, format, args...) }
func (l *Logger) Error(module, format string, args ...any) { l.log(ERROR, module, format, args...) }

// Package-level helpers write to the Init logger and are no-ops before Init.

func SetLevel(level LogLevel) {
	if defaultLogger != nil {
		defaultLogger.SetLevel(level)
	}
}

func GetLevel() LogLevel {
	if defaultLogger != nil {
		return defaultLogger.GetLevel()
	}
	return INFO
}

func logDefault(level LogLevel, module, format string, args ...any) {
	if defaultLogger != nil {
		defaultLogger.log(level, module, format, args...)
	}
}

func Debug(module, format string, args ...any) { logDefault(DEBUG, module, format, args...) }
func Info(module, format string, args ...any)  { logDefault(INFO, module, format, args...) }
func Warn(module, format string, args ...any)  { logDefault(WARN, module, format, args...) }
func Error(module, format string, args ...any) { logDefault(ERROR, module, format, args...) }

// ParseLevel accepts level names case-insensitively, plus "warning" and "none".
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(s) {
	case "warning":
		return WARN, nil
	case "none":
		return SILENT, nil
	}
	for lv, def := range levels {
		if strings.EqualFold(def.name, s) {
			return LogLevel(lv), nil
		}
	}
	return INFO, fmt.Errorf("invalid log level: %s", s)
}

func (l LogLevel) String() string {
	if l >= 0 && int(l) < len(levels) {
		return levels[l].name
	}
	return "UNKNOWN"
}
