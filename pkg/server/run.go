package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dhashemi/chatline/pkg/namepool"
)

// Run starts the listener, the metrics endpoint and the accept loop, then
// blocks until SIGINT/SIGTERM or an internal fatal condition (such as name
// pool exhaustion) stops the server.
func (s *Server) Run() error {
	if s.store == nil {
		return fmt.Errorf("server: missing store dependency")
	}
	if err := os.MkdirAll(s.cfg.MediaDir, 0o750); err != nil {
		return fmt.Errorf("server: create media dir: %w", err)
	}
	if err := s.StartListener(); err != nil {
		return err
	}
	slog.Info("chatline server running", "addr", s.cfg.ListenAddr)

	s.StartMetricsHTTP()
	s.metrics.StartPeriodicLog(60*time.Second, s.ctx.Done())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case <-s.ctx.Done():
	}

	s.Shutdown()
	return s.fatalErr()
}

// StartListener binds the chat port and starts accepting in the background.
func (s *Server) StartListener() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	go s.acceptLoop(ln)
	return nil
}

// Shutdown stops the accept loop and cancels everything hanging off the
// server context. In-flight sessions are torn down as their reads fail.
func (s *Server) Shutdown() {
	s.cancel()
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.metrics.LogSummary()
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			slog.Error("accept failed", "err", err)
			return
		}
		s.metrics.TotalConnections.Add(1)
		s.dispatch(func() { s.handleConn(conn) })
	}
}

// handleConn runs the full lifecycle of one client connection.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	sess, err := s.router.Attach(conn)
	if err != nil {
		if errors.Is(err, namepool.ErrExhausted) {
			slog.Error("username pool exhausted, stopping server", "err", err)
			s.setFatal(err)
			s.cancel()
			return
		}
		slog.Error("session setup failed", "remote", conn.RemoteAddr(), "err", err)
		return
	}

	s.metrics.ActiveConnections.Add(1)
	slog.Info("client connected", "remote", sess.Addr(), "handle", sess.Handle())

	sess.run()

	s.metrics.ActiveConnections.Add(-1)
	s.metrics.TotalDisconnects.Add(1)
	slog.Info("client disconnected", "remote", sess.Addr(), "handle", sess.Handle())
}
