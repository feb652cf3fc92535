package banext

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var logger = newSimpleLogger()

// LogLevel selects the minimum severity the package logger emits.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

var levelNames = []string{
	"DEBUG",
	"INFO",
	"WARN",
	"ERROR",
}

func (l LogLevel) String() string {
	if int(l) >= 0 && int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "UNKNOWN"
}

// ParseLogLevel accepts the names printed by LogLevel.String, case
// insensitively.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LogLevelDebug, nil
	case "INFO", "":
		return LogLevelInfo, nil
	case "WARN", "WARNING":
		return LogLevelWarn, nil
	case "ERROR":
		return LogLevelError, nil
	}
	return LogLevelInfo, fmt.Errorf("unknown log level %q", s)
}

type logEvent struct {
	level LogLevel
	msg   string
	attrs []any
}

// SimpleLogger is an asynchronous leveled key/value logger. Lines are queued
// and written by one goroutine so callers never block on disk. When the queue
// is full new lines are dropped and counted.
type SimpleLogger struct {
	level       atomic.Int32
	queue       chan logEvent
	done        chan struct{}
	writerMu    sync.RWMutex
	mainWriter  io.Writer
	errorWriter io.Writer
	stdout      bool
	wg          sync.WaitGroup
	stopOnce    sync.Once
	closing     atomic.Bool
	dropped     atomic.Uint64
}

const logQueueSize = 4096

func newSimpleLogger() *SimpleLogger {
	return newSimpleLoggerWithQueue(logQueueSize)
}

func newSimpleLoggerWithQueue(size int) *SimpleLogger {
	l := &SimpleLogger{
		queue:       make(chan logEvent, size),
		done:        make(chan struct{}),
		mainWriter:  os.Stderr,
		errorWriter: io.Discard,
	}
	l.level.Store(int32(LogLevelWarn))
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *SimpleLogger) run() {
	defer l.wg.Done()
	for {
		select {
		case evt := <-l.queue:
			l.writeEntry(evt)
			l.reportDropped()
		case <-l.done:
			for {
				select {
				case evt := <-l.queue:
					l.writeEntry(evt)
				default:
					l.reportDropped()
					return
				}
			}
		}
	}
}

func (l *SimpleLogger) reportDropped() {
	if n := l.dropped.Swap(0); n > 0 {
		l.writeEntry(logEvent{
			level: LogLevelWarn,
			msg:   "log queue full; lines dropped",
			attrs: []any{"component", "log", "kind", "overflow", "dropped", n},
		})
	}
}

func (l *SimpleLogger) log(level LogLevel, msg string, attrs ...any) {
	if int32(level) < l.level.Load() {
		return
	}
	if l.closing.Load() {
		return
	}
	select {
	case l.queue <- logEvent{level: level, msg: msg, attrs: append([]any(nil), attrs...)}:
	default:
		l.dropped.Add(1)
	}
}

func (l *SimpleLogger) Info(msg string, attrs ...any) {
	l.log(LogLevelInfo, msg, attrs...)
}

func (l *SimpleLogger) Warn(msg string, attrs ...any) {
	l.log(LogLevelWarn, msg, attrs...)
}

func (l *SimpleLogger) Error(msg string, attrs ...any) {
	l.log(LogLevelError, msg, attrs...)
}

func (l *SimpleLogger) Debug(msg string, attrs ...any) {
	l.log(LogLevelDebug, msg, attrs...)
}

func (l *SimpleLogger) configureWriters(main, errWriter io.Writer, stdout bool) {
	if main == nil {
		main = io.Discard
	}
	if errWriter == nil {
		errWriter = io.Discard
	}
	l.writerMu.Lock()
	prevMain, prevErr := l.mainWriter, l.errorWriter
	l.mainWriter = main
	l.errorWriter = errWriter
	l.stdout = stdout
	l.writerMu.Unlock()
	closeWriter(prevMain)
	closeWriter(prevErr)
}

func (l *SimpleLogger) Stop() {
	l.stopOnce.Do(func() {
		l.closing.Store(true)
		close(l.done)
		l.wg.Wait()
		l.writerMu.Lock()
		closeWriter(l.mainWriter)
		closeWriter(l.errorWriter)
		l.mainWriter = io.Discard
		l.errorWriter = io.Discard
		l.writerMu.Unlock()
	})
}

func closeWriter(w io.Writer) {
	if w == os.Stdout || w == os.Stderr {
		return
	}
	if closer, ok := w.(io.Closer); ok {
		_ = closer.Close()
	}
}

func (l *SimpleLogger) writeEntry(evt logEvent) {
	attrs := formatAttrs(evt.attrs)
	var entry strings.Builder
	entry.WriteString(time.Now().UTC().Format(time.RFC3339Nano))
	entry.WriteString(" [")
	entry.WriteString(evt.level.String())
	entry.WriteString("] ")
	entry.WriteString(evt.msg)
	if attrs != "" {
		entry.WriteString(" ")
		entry.WriteString(attrs)
	}
	entry.WriteByte('\n')
	line := []byte(entry.String())

	l.writerMu.RLock()
	main := l.mainWriter
	errWriter := l.errorWriter
	stdout := l.stdout
	l.writerMu.RUnlock()

	if stdout {
		_, _ = os.Stdout.Write(line)
	}
	if main != nil {
		_, _ = main.Write(line)
	}
	if evt.level >= LogLevelError && errWriter != nil {
		_, _ = errWriter.Write(line)
	}
}

func formatAttrs(attrs []any) string {
	if len(attrs) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i < len(attrs); i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		key := fmt.Sprint(attrs[i])
		if i+1 < len(attrs) {
			b.WriteString(key)
			b.WriteByte('=')
			b.WriteString(fmt.Sprint(attrs[i+1]))
			i++
		} else {
			b.WriteString(key)
		}
	}
	return b.String()
}

func newRollingFileWriter(path string) io.Writer {
	if path == "" {
		return io.Discard
	}
	return &rollingFileWriter{path: path}
}

// rollingFileWriter reopens its file when it disappears, so external
// rotation (mv + reopen) needs no signal.
type rollingFileWriter struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

func (w *rollingFileWriter) ensureFile() error {
	if _, err := os.Stat(w.path); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		if w.f != nil {
			_ = w.f.Close()
			w.f = nil
		}
	}
	if w.f == nil {
		f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		w.f = f
	}
	return nil
}

func (w *rollingFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ensureFile(); err != nil {
		return 0, err
	}
	return w.f.Write(p)
}

func (w *rollingFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// DefaultLogger returns the logger the package writes to, so hosts can log
// through the same queue and files.
func DefaultLogger() *SimpleLogger {
	return logger
}

// SetLogLevel changes the minimum level of the package logger.
func SetLogLevel(level LogLevel) {
	logger.level.Store(int32(level))
}

// ConfigureLogging redirects the package logger. With an empty path, lines go
// to stderr. errorPath, when set, additionally receives ERROR lines only.
func ConfigureLogging(path, errorPath string, stdout bool) {
	var main io.Writer = os.Stderr
	if path != "" {
		main = newRollingFileWriter(path)
	} else if stdout {
		main = io.Discard
	}
	logger.configureWriters(main, newRollingFileWriter(errorPath), stdout)
}

// StopLogging drains queued log lines and closes log files. Later log calls
// are dropped.
func StopLogging() {
	logger.Stop()
}
