// Package fault provides the node's structured logging and critical-failure
// sink: one named logger per subsystem, a per-context severity threshold,
// and process-terminating Critical logs with optional backtrace capture.
package fault

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"sync"
)

// Severity orders log importance; lower value means higher priority,
// mirroring the ordering dragonboat's logger.LogLevel uses.
type Severity int

const (
	Critical Severity = iota
	Warning
	Info
	Debug
	Detail
)

func (s Severity) String() string {
	switch s {
	case Critical:
		return "CRITICAL"
	case Warning:
		return "WARNING"
	case Info:
		return "INFO"
	case Debug:
		return "DEBUG"
	case Detail:
		return "DETAIL"
	default:
		return "UNKNOWN"
	}
}

// ParseSeverity converts a string level (as found in config) to a Severity.
func ParseSeverity(level string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "critical":
		return Critical, nil
	case "warning", "warn":
		return Warning, nil
	case "info":
		return Info, nil
	case "debug":
		return Debug, nil
	case "detail":
		return Detail, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s (expected critical, warning, info, debug, detail)", level)
	}
}

// MaxSinks is the maximum number of sinks a registry may hold.
const MaxSinks = 8

// Sink is a single logging destination with its own per-context thresholds.
type Sink struct {
	name       string
	out        *log.Logger
	file       *os.File
	path       string // "" for stdout sinks
	mu         sync.RWMutex
	thresholds map[string]Severity
	defaultSev Severity
}

// newStdoutSink creates a sink that writes to stdout.
func newStdoutSink(name string, def Severity) *Sink {
	return &Sink{
		name:       name,
		out:        log.New(os.Stdout, "", log.Ldate|log.Ltime|log.Lmicroseconds),
		thresholds: make(map[string]Severity),
		defaultSev: def,
	}
}

// newFileSink creates a sink that appends to path.
func newFileSink(name, path string, def Severity) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log sink %s: %w", path, err)
	}
	return &Sink{
		name:       name,
		out:        log.New(f, "", log.Ldate|log.Ltime|log.Lmicroseconds),
		file:       f,
		path:       path,
		thresholds: make(map[string]Severity),
		defaultSev: def,
	}, nil
}

// SetThreshold sets the minimum severity this sink emits for a given context.
func (s *Sink) SetThreshold(context string, sev Severity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thresholds[context] = sev
}

func (s *Sink) threshold(context string) Severity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sev, ok := s.thresholds[context]; ok {
		return sev
	}
	return s.defaultSev
}

func (s *Sink) emit(context string, sev Severity, msg string) {
	if sev > s.threshold(context) {
		return
	}
	s.out.Printf("%-8s | %-12s | %s", sev, context, msg)
}

// roll closes and reopens a file-backed sink in place, for cooperation with
// external log rotation.
func (s *Sink) roll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	if err := s.file.Close(); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	s.file = f
	s.out = log.New(f, "", log.Ldate|log.Ltime|log.Lmicroseconds)
	return nil
}

// Registry holds every Sink and hands out named Loggers.
type Registry struct {
	mu    sync.RWMutex
	sinks []*Sink
}

var global = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry { return global }

func NewRegistry() *Registry {
	r := &Registry{}
	r.sinks = append(r.sinks, newStdoutSink("stdout", Info))
	return r
}

// AddFileSink registers a file-backed sink. Returns an error if MaxSinks is
// already reached.
func (r *Registry) AddFileSink(name, path string, def Severity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sinks) >= MaxSinks {
		return fmt.Errorf("fault: cannot add sink %s, MaxSinks (%d) reached", name, MaxSinks)
	}
	sink, err := newFileSink(name, path, def)
	if err != nil {
		return err
	}
	r.sinks = append(r.sinks, sink)
	return nil
}

// RollSinks closes and reopens every file-backed sink, for logrotate-style
// cooperation.
func (r *Registry) RollSinks() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var firstErr error
	for _, s := range r.sinks {
		if err := s.roll(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SetThreshold sets the severity threshold for a context across every sink.
func (r *Registry) SetThreshold(context string, sev Severity) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sinks {
		s.SetThreshold(context, sev)
	}
}

// Logger returns a Logger bound to context, backed by every sink in r.
func (r *Registry) Logger(context string) *Logger {
	return &Logger{context: context, registry: r}
}

// Logger is a named logging handle for one subsystem context.
type Logger struct {
	context  string
	registry *Registry
}

func Get(context string) *Logger { return global.Logger(context) }

func (l *Logger) emit(sev Severity, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.registry.mu.RLock()
	sinks := l.registry.sinks
	l.registry.mu.RUnlock()
	for _, s := range sinks {
		s.emit(l.context, sev, msg)
	}
}

func (l *Logger) Detailf(format string, args ...interface{}) { l.emit(Detail, format, args...) }
func (l *Logger) Debugf(format string, args ...interface{})  { l.emit(Debug, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})   { l.emit(Info, format, args...) }
func (l *Logger) Warningf(format string, args ...interface{}) {
	l.emit(Warning, format, args...)
}

// Critical logs at Critical severity, captures a backtrace, and terminates
// the process. Used for invariant violations from which no recovery is
// possible.
func (l *Logger) Critical(format string, args ...interface{}) {
	l.emit(Critical, format, args...)
	buf := make([]byte, 1<<16)
	n := runtime.Stack(buf, true)
	l.emit(Critical, "backtrace:\n%s", buf[:n])
	os.Exit(1)
}

// CriticalNoStack is like Critical but skips backtrace capture, for use from
// within signal/backtrace handling itself to avoid recursion.
func (l *Logger) CriticalNoStack(format string, args ...interface{}) {
	l.emit(Critical, format, args...)
	os.Exit(1)
}

// Context returns the subsystem name this logger is bound to.
func (l *Logger) Context() string { return l.context }
