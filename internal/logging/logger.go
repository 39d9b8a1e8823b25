package logging

// Leveled logging for the runner, backed by logrus.

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the logging level
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelInfo
	LogLevelVerbose
	LogLevelDebug
)

func (l LogLevel) logrus() logrus.Level {
	switch l {
	case LogLevelError:
		return logrus.ErrorLevel
	case LogLevelInfo:
		return logrus.InfoLevel
	case LogLevelVerbose:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}

// Logger writes leveled messages to stderr and, optionally, to a file that
// receives every message regardless of the console level.
type Logger struct {
	mu      sync.Mutex
	level   LogLevel
	console *logrus.Logger
	file    *os.File
	fileLog *logrus.Logger
	fields  logrus.Fields
	format  string
}

// NewLogger creates a new logger
func NewLogger(level LogLevel, logFile string) (*Logger, error) {
	return NewLoggerWithOptions(level, logFile, "text")
}

// NewLoggerWithOptions creates a logger whose file output uses format
// ("text" or "json").
func NewLoggerWithOptions(level LogLevel, logFile, format string) (*Logger, error) {
	if format == "" {
		format = "text"
	}
	console := logrus.New()
	console.SetOutput(os.Stderr)
	console.SetLevel(logrus.TraceLevel)
	console.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})

	l := &Logger{
		level:   level,
		console: console,
		fields:  logrus.Fields{},
		format:  format,
	}
	if logFile != "" {
		file, err := os.Create(logFile)
		if err != nil {
			return nil, fmt.Errorf("create log file: %w", err)
		}
		l.file = file
		l.fileLog = newFileLogger(file, format)
	}
	return l, nil
}

func newFileLogger(w io.Writer, format string) *logrus.Logger {
	fl := logrus.New()
	fl.SetOutput(w)
	fl.SetLevel(logrus.TraceLevel)
	if format == "json" {
		fl.SetFormatter(&logrus.JSONFormatter{})
	} else {
		fl.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	}
	return fl
}

// SetOutput redirects console output.
func (l *Logger) SetOutput(w io.Writer) {
	l.console.SetOutput(w)
}

// Transcript returns a child logger that additionally writes every message,
// at all levels, to path. The child shares the console with its parent.
func (l *Logger) Transcript(path string) (*Logger, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create transcript: %w", err)
	}
	child := l.With(nil)
	child.file = file
	child.fileLog = newFileLogger(file, l.format)
	return child, nil
}

// With returns a child logger that adds fields to every message. The child
// shares the parent's outputs and must not be closed.
func (l *Logger) With(fields map[string]any) *Logger {
	merged := logrus.Fields{}
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{
		level:   l.GetLevel(),
		console: l.console,
		fileLog: l.fileLog,
		fields:  merged,
		format:  l.format,
	}
}

// Close closes the logger's own file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// Error logs an error message
func (l *Logger) Error(format string, v ...interface{}) {
	l.log(LogLevelError, format, v...)
}

// Info logs an info message
func (l *Logger) Info(format string, v ...interface{}) {
	l.log(LogLevelInfo, format, v...)
}

// Verbose logs a verbose message
func (l *Logger) Verbose(format string, v ...interface{}) {
	l.log(LogLevelVerbose, format, v...)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, v ...interface{}) {
	l.log(LogLevelDebug, format, v...)
}

func (l *Logger) log(level LogLevel, format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	if l.fileLog != nil {
		l.fileLog.WithFields(l.fields).Log(level.logrus(), ansiEscape.ReplaceAllString(msg, ""))
	}
	if level <= l.GetLevel() {
		l.console.WithFields(l.fields).Log(level.logrus(), msg)
	}
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current logging level
func (l *Logger) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// LineWriter returns a writer that logs every complete line at debug level
// with the given unit name. Close flushes a trailing partial line.
func (l *Logger) LineWriter(unit string) io.WriteCloser {
	return &lineWriter{log: l.With(map[string]any{"unit": unit})}
}

type lineWriter struct {
	mu  sync.Mutex
	log *Logger
	buf bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Incomplete line; keep it for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.log.Debug("%s", line[:len(line)-1])
	}
	return len(p), nil
}

func (w *lineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.log.Debug("%s", w.buf.String())
		w.buf.Reset()
	}
	return nil
}

// ansiEscape matches terminal escape sequences, which are kept out of files.
var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
