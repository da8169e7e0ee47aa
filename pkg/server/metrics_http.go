package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// StartMetricsHTTP starts a lightweight HTTP server that exposes /metrics
// in Prometheus text exposition format. It runs in the background and
// shuts down when the server context is cancelled.
//
// Bind address is :1062 by default — configurable via Config.MetricsAddr.
func (s *Server) StartMetricsHTTP() {
	addr := s.cfg.MetricsAddr
	if addr == "" {
		return // metrics endpoint disabled
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics HTTP listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics HTTP error", "err", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		_ = srv.Close()
	}()
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Helper for gauge/counter lines.
	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("chatline_uptime_seconds", "Server uptime in seconds.", "gauge", uptime)

	write("chatline_connections_active", "Current live sessions.", "gauge",
		m.ActiveConnections.Load())
	write("chatline_connections_total", "Lifetime TCP connections accepted.", "counter",
		m.TotalConnections.Load())
	write("chatline_disconnects_total", "Total client disconnects.", "counter",
		m.TotalDisconnects.Load())
	write("chatline_handles_assigned_total", "Handles drawn from the name pool.", "counter",
		m.HandlesAssigned.Load())

	write("chatline_messages_broadcast_total", "Frames fanned out to all sessions.", "counter",
		m.MessagesBroadcast.Load())
	write("chatline_messages_routed_total", "Frames delivered to a user or group.", "counter",
		m.MessagesRouted.Load())
	write("chatline_malformed_frames_total", "Frames that failed to decode.", "counter",
		m.MalformedFrames.Load())
	write("chatline_invalid_commands_total", "Unknown commands rejected.", "counter",
		m.InvalidCommands.Load())

	write("chatline_renames_total", "Successful handle changes.", "counter",
		m.Renames.Load())
	write("chatline_groups_created_total", "Groups created.", "counter",
		m.GroupsCreated.Load())
	write("chatline_group_joins_total", "Group joins.", "counter",
		m.GroupJoins.Load())
	write("chatline_group_leaves_total", "Group leaves.", "counter",
		m.GroupLeaves.Load())

	write("chatline_files_relayed_total", "Completed server-side file relays.", "counter",
		m.FilesRelayed.Load())
	write("chatline_file_bytes_in_total", "File bytes drained from senders.", "counter",
		m.FileBytesIn.Load())
	write("chatline_file_bytes_out_total", "File bytes streamed to recipients.", "counter",
		m.FileBytesOut.Load())
}
