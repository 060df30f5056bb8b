package logging

import (
	"maps"
	"slices"
	"time"
)

// Config selects the router's sinks and the events they receive.
type Config struct {
	EnabledSinks     []string
	BufferSize       int
	MinimumSeverity  Severity
	Fields           map[string]any
	DropWarnInterval time.Duration

	Console ConsoleConfig
	JSON    JSONConfig
	Memory  MemoryConfig
}

type ConsoleConfig struct {
	UseColor bool
}

// JSONConfig writes newline-delimited events to FilePath, or stdout when empty.
type JSONConfig struct {
	FilePath      string
	FlushInterval time.Duration
}

// MemoryConfig bounds the in-process sink served by diagnostics. Zero keeps
// every event.
type MemoryConfig struct {
	Retain int
}

func DefaultConfig() Config {
	return Config{
		EnabledSinks:     []string{"console"},
		BufferSize:       defaultQueueSize,
		MinimumSeverity:  SeverityInfo,
		Fields:           map[string]any{"service": "glass-frontier-hub"},
		DropWarnInterval: 5 * time.Second,
		JSON:             JSONConfig{FlushInterval: 2 * time.Second},
		Memory:           MemoryConfig{Retain: 1000},
	}
}

func (c Config) HasSink(name string) bool {
	return slices.Contains(c.EnabledSinks, name)
}

func (c Config) CloneFields() map[string]any {
	if len(c.Fields) == 0 {
		return nil
	}
	return maps.Clone(c.Fields)
}
