package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime TCP connections accepted
	ActiveConnections atomic.Int64 // current live sessions
	TotalDisconnects  atomic.Int64 // total client disconnects (clean + unclean)
	HandlesAssigned   atomic.Int64 // handles drawn from the name pool

	// Routing counters
	MessagesBroadcast atomic.Int64 // frames fanned out to all sessions
	MessagesRouted    atomic.Int64 // frames delivered to a user or group
	MalformedFrames   atomic.Int64 // frames that failed to decode
	InvalidCommands   atomic.Int64 // unknown commands answered with /command_invalid

	// Directory counters
	Renames       atomic.Int64 // successful handle changes
	GroupsCreated atomic.Int64
	GroupJoins    atomic.Int64
	GroupLeaves   atomic.Int64

	// File transfer counters
	FilesRelayed atomic.Int64 // completed server-side relays
	FileBytesIn  atomic.Int64 // file bytes drained from senders
	FileBytesOut atomic.Int64 // file bytes streamed to recipients
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics as a serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	TotalDisconnects  int64 `json:"total_disconnects"`
	HandlesAssigned   int64 `json:"handles_assigned"`

	MessagesBroadcast int64 `json:"messages_broadcast"`
	MessagesRouted    int64 `json:"messages_routed"`
	MalformedFrames   int64 `json:"malformed_frames"`
	InvalidCommands   int64 `json:"invalid_commands"`

	Renames       int64 `json:"renames"`
	GroupsCreated int64 `json:"groups_created"`
	GroupJoins    int64 `json:"group_joins"`
	GroupLeaves   int64 `json:"group_leaves"`

	FilesRelayed int64 `json:"files_relayed"`
	FileBytesIn  int64 `json:"file_bytes_in"`
	FileBytesOut int64 `json:"file_bytes_out"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:            uptime.Truncate(time.Second).String(),
		UptimeSeconds:     int64(uptime.Seconds()),
		ActiveConnections: m.ActiveConnections.Load(),
		TotalConnections:  m.TotalConnections.Load(),
		TotalDisconnects:  m.TotalDisconnects.Load(),
		HandlesAssigned:   m.HandlesAssigned.Load(),
		MessagesBroadcast: m.MessagesBroadcast.Load(),
		MessagesRouted:    m.MessagesRouted.Load(),
		MalformedFrames:   m.MalformedFrames.Load(),
		InvalidCommands:   m.InvalidCommands.Load(),
		Renames:           m.Renames.Load(),
		GroupsCreated:     m.GroupsCreated.Load(),
		GroupJoins:        m.GroupJoins.Load(),
		GroupLeaves:       m.GroupLeaves.Load(),
		FilesRelayed:      m.FilesRelayed.Load(),
		FileBytesIn:       m.FileBytesIn.Load(),
		FileBytesOut:      m.FileBytesOut.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"broadcast", s.MessagesBroadcast,
		"routed", s.MessagesRouted,
		"files_relayed", s.FilesRelayed,
		"malformed", s.MalformedFrames,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
