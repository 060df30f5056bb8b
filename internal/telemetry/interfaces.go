package telemetry

import (
	"log"
	"strings"

	"glass-frontier/hub/logging"
)

// Logger is the diagnostics sink handed to hub components.
type Logger interface {
	Printf(format string, args ...any)
}

type LoggerFunc func(format string, args ...any)

func (f LoggerFunc) Printf(format string, args ...any) {
	if f != nil {
		f(format, args...)
	}
}

// WrapLogger returns a Logger writing to logger. A nil logger discards.
func WrapLogger(logger *log.Logger) Logger {
	return stdLogger{logger}
}

type stdLogger struct {
	*log.Logger
}

func (l stdLogger) Printf(format string, args ...any) {
	if l.Logger != nil {
		l.Logger.Printf(format, args...)
	}
}

// StandardLogger returns a *log.Logger that forwards each line to logger,
// for APIs such as http.Server.ErrorLog.
func StandardLogger(logger Logger) *log.Logger {
	if wrapped, ok := logger.(stdLogger); ok && wrapped.Logger != nil {
		return wrapped.Logger
	}
	return log.New(lineWriter{logger}, "", 0)
}

type lineWriter struct {
	logger Logger
}

func (w lineWriter) Write(p []byte) (int, error) {
	if w.logger != nil {
		w.logger.Printf("%s", strings.TrimRight(string(p), "\n"))
	}
	return len(p), nil
}

// Metrics is the counter surface used by hub components.
type Metrics interface {
	Add(key string, delta uint64)
	Store(key string, value uint64)
}

type nopMetrics struct{}

func (nopMetrics) Add(string, uint64)   {}
func (nopMetrics) Store(string, uint64) {}

func NopMetrics() Metrics {
	return nopMetrics{}
}

// WrapMetrics records into the logging registry served by /diagnostics.
func WrapMetrics(registry *logging.Metrics) Metrics {
	if registry == nil {
		return nopMetrics{}
	}
	return registryMetrics{registry}
}

type registryMetrics struct {
	registry *logging.Metrics
}

func (m registryMetrics) Add(key string, delta uint64) {
	m.registry.TelemetryAdd(key, delta)
}

func (m registryMetrics) Store(key string, value uint64) {
	m.registry.TelemetryStore(key, value)
}
