package model

import "sync/atomic"

// Log levels accepted by the logs table enum.  Anything else is coerced to
// LevelInfo before it crosses a ring buffer.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
	LevelFatal = "FATAL"
)

// LogEntry is a decoded log record.  It crosses exactly one ring buffer, from
// the stream consumer to one writer.  UpstreamID is the message id assigned by
// the upstream stream; entries with an empty UpstreamID are written but never
// acknowledged.
type LogEntry struct {
	AppID       string
	Message     string
	Source      string
	Level       string
	Environment string
	Metadata    string
	TraceID     string
	UserID      string
	UpstreamID  string
}

// ValidLevel reports whether level is a member of the logs table enum.
func ValidLevel(level string) bool {
	switch level {
	case LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal:
		return true
	}
	return false
}

// ConsumerStats are counters owned by the stream consumer.  They are
// statistics, not synchronization: all accesses are relaxed.
type ConsumerStats struct {
	MessagesRead atomic.Uint64
	ParseErrors  atomic.Uint64
}

// WriterStats are counters owned by the writer pool.
type WriterStats struct {
	LogsWritten    atomic.Uint64
	BatchesWritten atomic.Uint64
	WriteErrors    atomic.Uint64
}
