package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/dhashemi/chatline/pkg/model"
	"github.com/dhashemi/chatline/pkg/protocol"
	"github.com/dhashemi/chatline/pkg/transfer"
)

// Session owns one client connection: it reads frames, dispatches commands
// and relays chat traffic through the router. The write path is serialized
// behind its own mutex so concurrent broadcasts cannot interleave frame
// bytes, and so a frame-then-file-stream pair goes out contiguously.
type Session struct {
	conn     net.Conn
	addr     string
	router   *Router
	mediaDir string

	writeMu sync.Mutex

	mu     sync.RWMutex
	handle string

	closeOnce sync.Once
}

func newSession(conn net.Conn, addr, handle string, router *Router, mediaDir string) *Session {
	return &Session{
		conn:     conn,
		addr:     addr,
		router:   router,
		mediaDir: mediaDir,
		handle:   handle,
	}
}

// Addr returns the remote address this session is keyed by.
func (s *Session) Addr() string { return s.addr }

// Handle returns the current display handle.
func (s *Session) Handle() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle
}

func (s *Session) setHandle(handle string) {
	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()
}

// send writes a single frame to the client.
func (s *Session) send(f protocol.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return protocol.WriteFrame(s.conn, f)
}

// sendFile writes the announce frame and then streams the file contents in
// one critical section, so no other frame can land between them.
func (s *Session) sendFile(f protocol.Frame, path string, size int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := protocol.WriteFrame(s.conn, f); err != nil {
		return err
	}
	return transfer.Send(s.conn, path, size, transfer.Options{})
}

// reply sends a server-originated frame addressed to this session's handle.
func (s *Session) reply(content string) {
	err := s.send(protocol.Frame{
		Sender:    protocol.ServerName,
		Recipient: s.Handle(),
		Content:   content,
	})
	if err != nil {
		slog.Error("reply write failed", "remote", s.addr, "err", err)
	}
}

// run is the session's read loop. A clean or abrupt disconnect ends the loop
// and tears the session down; a malformed frame is logged and skipped so one
// bad write cannot kill the connection.
func (s *Session) run() {
	defer s.close()
	for {
		f, err := protocol.ReadFrame(s.conn)
		switch {
		case err == nil:
			s.dispatch(f)
		case errors.Is(err, io.EOF):
			return
		case errors.Is(err, protocol.ErrMalformedFrame) || errors.Is(err, protocol.ErrNonASCII):
			s.router.metrics.MalformedFrames.Add(1)
			slog.Warn("dropping malformed frame", "remote", s.addr, "err", err)
		default:
			slog.Error("connection read failed", "remote", s.addr, "err", err)
			return
		}
	}
}

// close announces the departure, deregisters the session and closes the
// socket. Safe to call more than once.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.router.Broadcast(protocol.Frame{
			Sender:    protocol.ServerName,
			Recipient: protocol.Broadcast,
			Content:   fmt.Sprintf("%s left the chat!", s.Handle()),
		}, s.addr)
		s.router.Detach(s)
		_ = s.conn.Close()
	})
}

func (s *Session) dispatch(f protocol.Frame) {
	if !protocol.IsCommand(f.Content) {
		s.routeChat(f)
		return
	}
	verb, args := protocol.Command(f.Content)
	switch verb {
	case protocol.CmdSendFile:
		s.handleSendFile(f)
	case protocol.CmdChangeChat:
		s.handleChangeChat(args)
	case protocol.CmdChangeUsername:
		s.handleChangeUsername(args)
	case protocol.CmdOnlineUsers:
		s.handleOnlineUsers()
	case protocol.CmdCreateGroup:
		s.handleCreateGroup(args)
	case protocol.CmdJoinGroup:
		s.handleJoinGroup(args)
	case protocol.CmdShowGroups:
		s.handleShowGroups()
	case protocol.CmdLeaveGroup:
		s.handleLeaveGroup(args)
	default:
		s.router.metrics.InvalidCommands.Add(1)
		s.reply(protocol.ReplyInvalid)
	}
}

// routeChat relays a plain chat frame to its recipient set. Frames to
// unknown or offline recipients vanish without an error reply; the client
// validates recipients up front via /change-chat.
func (s *Session) routeChat(f protocol.Frame) {
	if f.Recipient == protocol.Broadcast {
		s.router.Broadcast(f, s.addr)
		return
	}
	targets := s.router.Resolve(f.Recipient, s.addr)
	for _, t := range targets {
		if err := t.send(f); err != nil {
			slog.Error("relay write failed", "remote", t.addr, "err", err)
		}
	}
	if len(targets) > 0 {
		s.router.metrics.MessagesRouted.Add(1)
	}
}

// handleSendFile receives the announced file into the media directory, then
// replays the announcement and the bytes to each resolved recipient.
func (s *Session) handleSendFile(f protocol.Frame) {
	name, size, err := protocol.ParseSendFile(f.Content)
	if err != nil {
		s.router.metrics.InvalidCommands.Add(1)
		s.reply(protocol.ReplyInvalid)
		return
	}

	base := filepath.Base(name)
	saved := filepath.Join(s.mediaDir, uuid.NewString()+"-"+base)
	if err := transfer.Receive(s.conn, saved, size, transfer.Options{}); err != nil {
		slog.Error("file receive failed", "remote", s.addr, "file", base, "err", err)
		return
	}
	s.router.metrics.FileBytesIn.Add(size)

	relay := protocol.Frame{
		Sender:    f.Sender,
		Recipient: f.Recipient,
		Content:   protocol.SendFileRequest(base, size),
	}
	for _, t := range s.router.Resolve(f.Recipient, s.addr) {
		if err := t.sendFile(relay, saved, size); err != nil {
			slog.Error("file relay failed", "remote", t.addr, "file", base, "err", err)
			continue
		}
		s.router.metrics.FileBytesOut.Add(size)
	}
	s.router.metrics.FilesRelayed.Add(1)
	slog.Info("file relayed", "from", s.Handle(), "to", f.Recipient, "file", base, "size", size)
}

// handleChangeChat validates a proposed conversation target. The recipient
// state itself lives in the client; the server only answers whether the name
// exists.
func (s *Session) handleChangeChat(args string) {
	target := strings.TrimSpace(args)
	if target == protocol.Broadcast || (target != "" && s.router.NameExists(target)) {
		s.reply(protocol.ChangeChatResult(target))
		return
	}
	s.reply(protocol.ChangeChatResult(protocol.ResultFailure))
}

func (s *Session) handleChangeUsername(args string) {
	newHandle := strings.TrimSpace(args)
	if err := model.ValidateHandle(newHandle); err != nil {
		s.reply(protocol.ChangeUsernameResult(protocol.ResultFailure))
		return
	}
	if err := s.router.Rename(s.addr, newHandle); err != nil {
		if !errors.Is(err, ErrNameTaken) {
			slog.Error("rename failed", "remote", s.addr, "err", err)
		}
		s.reply(protocol.ChangeUsernameResult(protocol.ResultFailure))
		return
	}
	s.reply(protocol.ChangeUsernameResult(newHandle))
}

func (s *Session) handleOnlineUsers() {
	handles, err := s.router.ListOnline()
	if err != nil {
		// Every command gets exactly one reply; degrade to an empty list.
		slog.Error("list online users failed", "err", err)
		handles = nil
	}
	s.reply(protocol.OnlineUsersReply(handles))
}

func (s *Session) handleCreateGroup(args string) {
	name := strings.TrimSpace(args)
	if err := model.ValidateHandle(name); err != nil {
		s.reply(protocol.CreateGroupResult(protocol.ResultFailure))
		return
	}
	if err := s.router.CreateGroup(s.addr, name); err != nil {
		if !errors.Is(err, ErrNameTaken) {
			slog.Error("create group failed", "remote", s.addr, "err", err)
		}
		s.reply(protocol.CreateGroupResult(protocol.ResultFailure))
		return
	}
	s.reply(protocol.CreateGroupResult(name))
}

func (s *Session) handleJoinGroup(args string) {
	name := strings.TrimSpace(args)
	res, err := s.router.JoinGroup(s.addr, name)
	if err != nil {
		slog.Error("join group failed", "remote", s.addr, "group", name, "err", err)
		s.reply(protocol.JoinGroupResult(protocol.ResultFailure))
		return
	}
	switch res {
	case MembershipOk:
		s.reply(protocol.JoinGroupResult(name))
	case MembershipNoOp:
		s.reply(protocol.JoinGroupResult(protocol.ResultNoOp))
	default:
		s.reply(protocol.JoinGroupResult(protocol.ResultFailure))
	}
}

func (s *Session) handleLeaveGroup(args string) {
	name := strings.TrimSpace(args)
	res, err := s.router.LeaveGroup(s.addr, name)
	if err != nil {
		slog.Error("leave group failed", "remote", s.addr, "group", name, "err", err)
		s.reply(protocol.LeaveGroupResult(protocol.ResultFailure))
		return
	}
	switch res {
	case MembershipOk:
		s.reply(protocol.LeaveGroupResult(name))
	case MembershipNoOp:
		s.reply(protocol.LeaveGroupResult(protocol.ResultNoOp))
	default:
		s.reply(protocol.LeaveGroupResult(protocol.ResultFailure))
	}
}

func (s *Session) handleShowGroups() {
	groups, err := s.router.ListGroups()
	if err != nil {
		slog.Error("list groups failed", "err", err)
		s.reply(protocol.ShowGroupsReply(nil))
		return
	}
	rows := make([]string, len(groups))
	for i, g := range groups {
		rows[i] = fmt.Sprintf("%d\t%s\t%s\t%s",
			g.ID, g.Name, g.CreatorAddress, g.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	s.reply(protocol.ShowGroupsReply(rows))
}
