package log

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"runtime/debug"
	"sync"
	"time"
)

type LogLevel string

const (
	FatalLevel    = "fatal"
	ErrorLevel    = "error"
	WarningLevel  = "warn"
	DebugLevel    = "debug"
	InfoLevel     = "info"
	TraceLevel    = "trace"
	DisabledLevel = "disabled"
)

var levelmap = map[LogLevel]int{
	TraceLevel:    5,
	DebugLevel:    4,
	InfoLevel:     3,
	WarningLevel:  2,
	ErrorLevel:    1,
	FatalLevel:    0,
	DisabledLevel: -1,
}

// Exit is called by Fatal and Fatalf after the message has been written.
// Tests replace it to observe fatal conditions without terminating.
var Exit = os.Exit

type logWrapper struct {
	mu    sync.Mutex
	log   *log.Logger
	Level LogLevel
}

func (l *logWrapper) Printf(level LogLevel, format string, args ...any) {
	if !l.enabled(level) {
		return
	}
	l.Println(level, fmt.Sprintf(format, args...))
}

func (l *logWrapper) Println(level LogLevel, args ...any) {
	if !l.enabled(level) {
		return
	}
	ts := time.Now().Local()
	timeStr := fmt.Sprintf("%s.%03d", ts.Format("2006-01-02 15:04:05"), ts.Nanosecond()/1000000)
	levelStr := fmt.Sprintf("- %5s -", level)
	allArgs := []any{timeStr, levelStr}
	allArgs = append(allArgs, args...)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.log.Println(allArgs...)
}

func (l *logWrapper) enabled(level LogLevel) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ShouldLog(level, l.Level)
}

var (
	stdoutLog = &logWrapper{log: log.New(os.Stdout, "", 0), Level: InfoLevel}
	stderrLog = &logWrapper{log: log.New(os.Stderr, "", 0), Level: InfoLevel}
)

func SetLevel(loglevel LogLevel) error {
	if !ValidLogLevel(loglevel) {
		return fmt.Errorf("No such log level %s", loglevel)
	}

	for _, l := range []*logWrapper{stdoutLog, stderrLog} {
		l.mu.Lock()
		l.Level = loglevel
		l.mu.Unlock()
	}
	return nil
}

// Redirect log output. Informational records go to stdout,
// warnings and errors to stderr. A nil writer leaves the stream unchanged.
func SetOutput(stdout, stderr io.Writer) {
	if stdout != nil {
		stdoutLog.mu.Lock()
		stdoutLog.log.SetOutput(stdout)
		stdoutLog.mu.Unlock()
	}
	if stderr != nil {
		stderrLog.mu.Lock()
		stderrLog.log.SetOutput(stderr)
		stderrLog.mu.Unlock()
	}
}

// Maps a -v count to a log level.
func SetVerbosity(verbosity int) {
	switch {
	case verbosity >= 2:
		SetLevel(TraceLevel)
	case verbosity >= 1:
		SetLevel(DebugLevel)
	}
}

func ValidLogLevel(level LogLevel) bool {
	_, ok := levelmap[level]
	return ok
}

func ShouldLog(logLevel, enabled LogLevel) bool {
	if !ValidLogLevel(logLevel) || !ValidLogLevel(enabled) {
		return false
	}
	return levelmap[logLevel] <= levelmap[enabled]
}

func Trace(args ...interface{}) {
	stdoutLog.Println(TraceLevel, args...)
}

func Debug(args ...interface{}) {
	stdoutLog.Println(DebugLevel, args...)
}

func Info(args ...interface{}) {
	stdoutLog.Println(InfoLevel, args...)
}

func Warn(args ...interface{}) {
	stderrLog.Println(WarningLevel, args...)
}

func Error(args ...interface{}) {
	stderrLog.Println(ErrorLevel, args...)
}

func Fatal(args ...interface{}) {
	stderrLog.Println(FatalLevel, args...)
	debug.PrintStack()
	Exit(1)
}

func Tracef(format string, args ...interface{}) {
	stdoutLog.Printf(TraceLevel, format, args...)
}

func Debugf(format string, args ...interface{}) {
	stdoutLog.Printf(DebugLevel, format, args...)
}

func Infof(format string, args ...interface{}) {
	stdoutLog.Printf(InfoLevel, format, args...)
}

func Warnf(format string, args ...interface{}) {
	stderrLog.Printf(WarningLevel, format, args...)
}

func Errorf(format string, args ...interface{}) {
	stderrLog.Printf(ErrorLevel, format, args...)
}

func Fatalf(format string, args ...interface{}) {
	stderrLog.Printf(FatalLevel, format, args...)
	debug.PrintStack()
	Exit(1)
}

type writeFunc func([]byte) (int, error)

func (fn writeFunc) Write(data []byte) (int, error) {
	return fn(data)
}

// Returns a writer that forwards each write as one log record.
// Used to capture the output of launched worker processes.
func NewLogWriter(level LogLevel) io.Writer {
	return writeFunc(func(data []byte) (int, error) {
		switch level {
		case TraceLevel:
			Tracef("%s", data)
		case DebugLevel:
			Debugf("%s", data)
		case WarningLevel:
			Warnf("%s", data)
		case ErrorLevel:
			Errorf("%s", data)
		default:
			Infof("%s", data)
		}
		return len(data), nil
	})
}

func DebugError(err error) {
	indent := 1

	Debug(err.Error())

	for {
		if err = errors.Unwrap(err); err == nil {
			break
		}

		Debugf("| %d: %s", indent, err.Error())
		indent += 1
	}
}
