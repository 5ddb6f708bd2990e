// Leveled log wrapper used across the txmem module.
//
// Levels, from most to least severe: FATAL, ERROR, WARN, INFO, DEBUG.
// The default output level is INFO; change it with log.SetLevel() or the
// `LOG_LEVEL` environment variable via config.

package log

import (
	"fmt"
	"log"
	"os"
	"runtime"
)

type Level int

const (
	LevelFatal Level = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
)

var std = New(os.Stderr)

func init() {
	std.SetHighlighting(runtime.GOOS != "windows")
}

// Logger filters messages by level before handing them to a standard
// library logger.
type Logger struct {
	out          *log.Logger
	level        Level
	highlighting bool
}

func New(w *os.File) *Logger {
	return &Logger{
		out:   log.New(w, "", log.Ldate|log.Ltime|log.Lshortfile),
		level: LevelInfo,
	}
}

func (l *Logger) SetLevel(level Level)          { l.level = level }
func (l *Logger) SetLevelByString(level string) { l.level = parseLevel(level) }
func (l *Logger) SetHighlighting(on bool)       { l.highlighting = on }
func (l *Logger) GetLevel() Level               { return l.level }

func (l *Logger) logf(level Level, format string, v ...interface{}) {
	if level > l.level {
		return
	}
	tag, color := levelTag(level)
	s := "[" + tag + "] " + fmt.Sprintf(format, v...)
	if l.highlighting {
		s = "\033" + color + "m" + s + "\033[0m"
	}
	l.out.Output(3, s)
}

func (l *Logger) Debugf(format string, v ...interface{}) { l.logf(LevelDebug, format, v...) }
func (l *Logger) Infof(format string, v ...interface{})  { l.logf(LevelInfo, format, v...) }
func (l *Logger) Warnf(format string, v ...interface{})  { l.logf(LevelWarn, format, v...) }
func (l *Logger) Errorf(format string, v ...interface{}) { l.logf(LevelError, format, v...) }

func (l *Logger) Fatalf(format string, v ...interface{}) {
	l.logf(LevelFatal, format, v...)
	os.Exit(1)
}

func parseLevel(level string) Level {
	switch level {
	case "fatal":
		return LevelFatal
	case "error":
		return LevelError
	case "warn", "warning":
		return LevelWarn
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	}
	return LevelDebug
}

func levelTag(level Level) (string, string) {
	switch level {
	case LevelFatal:
		return "fatal", "[0;31"
	case LevelError:
		return "error", "[0;31"
	case LevelWarn:
		return "warning", "[0;33"
	case LevelDebug:
		return "debug", "[0;36"
	default:
		return "info", "[0;37"
	}
}

// Package-level helpers log through the shared default logger.

func SetLevel(level Level)          { std.SetLevel(level) }
func SetLevelByString(level string) { std.SetLevelByString(level) }

func Debugf(format string, v ...interface{}) { std.Debugf(format, v...) }
func Infof(format string, v ...interface{})  { std.Infof(format, v...) }
func Warnf(format string, v ...interface{})  { std.Warnf(format, v...) }
func Errorf(format string, v ...interface{}) { std.Errorf(format, v...) }
func Fatalf(format string, v ...interface{}) { std.Fatalf(format, v...) }
