// Package client implements the terminal chat client: a send loop reading
// the user's input and a receive loop printing inbound traffic, both running
// against one TCP connection. The two loops share the username and current
// recipient behind a lock because either side can change them (the server
// assigns and renames the username, the user retargets the recipient).
package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dhashemi/chatline/pkg/protocol"
	"github.com/dhashemi/chatline/pkg/transfer"
)

// Config carries the client's connection and I/O endpoints. Input and Output
// default to the process terminal; tests swap in pipes.
type Config struct {
	ServerAddr string
	SaveDir    string
	Input      io.Reader
	Output     io.Writer
}

// Engine is the duplex client state machine.
type Engine struct {
	cfg  Config
	conn net.Conn

	writeMu sync.Mutex

	mu        sync.RWMutex
	username  string
	recipient string

	done     chan struct{}
	stopOnce sync.Once
}

// New creates an engine. The initial recipient is the broadcast identity.
func New(cfg Config) *Engine {
	if cfg.Input == nil {
		cfg.Input = os.Stdin
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	if cfg.SaveDir == "" {
		cfg.SaveDir = "client_media"
	}
	return &Engine{
		cfg:       cfg,
		recipient: protocol.Broadcast,
		done:      make(chan struct{}),
	}
}

// Username returns the server-assigned handle, empty before INIT arrives.
func (e *Engine) Username() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.username
}

func (e *Engine) setUsername(name string) {
	e.mu.Lock()
	e.username = name
	e.mu.Unlock()
}

// Recipient returns the current conversation target.
func (e *Engine) Recipient() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.recipient
}

func (e *Engine) setRecipient(target string) {
	e.mu.Lock()
	e.recipient = target
	e.mu.Unlock()
}

// Connect dials the server. Run may then be called once.
func (e *Engine) Connect() error {
	conn, err := net.Dial("tcp", e.cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", e.cfg.ServerAddr, err)
	}
	e.conn = conn
	return nil
}

// RunConn runs the engine over an already-established connection.
func (e *Engine) RunConn(conn net.Conn) error {
	e.conn = conn
	return e.Run()
}

// Run starts both loops and blocks until the user quits or the connection
// drops. Either loop ending stops the engine: a server-side close must not
// leave the process waiting on a stdin read that may never come.
func (e *Engine) Run() error {
	if e.conn == nil {
		return fmt.Errorf("client: not connected")
	}
	if err := os.MkdirAll(e.cfg.SaveDir, 0o750); err != nil {
		return fmt.Errorf("client: create save dir: %w", err)
	}
	defer e.conn.Close()

	go e.receiveLoop()
	go e.sendLoop()
	<-e.done
	return nil
}

func (e *Engine) stop() {
	e.stopOnce.Do(func() {
		close(e.done)
		_ = e.conn.Close()
	})
}

func (e *Engine) printf(format string, args ...any) {
	fmt.Fprintf(e.cfg.Output, format+"\n", args...)
}

// send writes one frame; sendFile keeps the announce frame and the byte
// stream contiguous under the same lock.
func (e *Engine) send(f protocol.Frame) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return protocol.WriteFrame(e.conn, f)
}

func (e *Engine) frame(content string) protocol.Frame {
	return protocol.Frame{
		Sender:    e.Username(),
		Recipient: e.Recipient(),
		Content:   content,
	}
}

// sendLoop reads user input line by line until /quit or input EOF.
func (e *Engine) sendLoop() {
	defer e.stop()

	sc := bufio.NewScanner(e.cfg.Input)
	for sc.Scan() {
		select {
		case <-e.done:
			return
		default:
		}

		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		switch {
		case line == protocol.CmdQuit:
			farewell := protocol.Frame{
				Sender:    e.Username(),
				Recipient: protocol.Broadcast,
				Content:   fmt.Sprintf("%s left the chat!", e.Username()),
			}
			if err := e.send(farewell); err != nil {
				slog.Debug("farewell send failed", "err", err)
			}
			e.printf("Bye!")
			return
		case strings.HasPrefix(line, protocol.CmdSendFile+" "):
			e.sendFile(strings.TrimSpace(strings.TrimPrefix(line, protocol.CmdSendFile)))
		default:
			if err := e.send(e.frame(line)); err != nil {
				e.printf("Failed to send message: %v", err)
				return
			}
		}
	}
	if err := sc.Err(); err != nil {
		slog.Error("input read failed", "err", err)
	}
}

// sendFile announces a local file to the current recipient and streams its
// bytes right behind the announcement.
func (e *Engine) sendFile(path string) {
	if path == "" {
		e.printf("Usage: %s <path>", protocol.CmdSendFile)
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		e.printf("Cannot read %s: %v", path, err)
		return
	}
	if info.IsDir() {
		e.printf("%s is a directory", path)
		return
	}

	announce := e.frame(protocol.SendFileRequest(filepath.Base(path), info.Size()))

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := protocol.WriteFrame(e.conn, announce); err != nil {
		e.printf("Failed to announce file: %v", err)
		return
	}
	if err := transfer.Send(e.conn, path, info.Size(), transfer.Options{}); err != nil {
		e.printf("File transfer failed: %v", err)
		return
	}
	e.printf("Sent %s (%d bytes) to %s", filepath.Base(path), info.Size(), e.Recipient())
}

// receiveLoop reads frames from the server until the connection drops.
func (e *Engine) receiveLoop() {
	defer e.stop()
	for {
		f, err := protocol.ReadFrame(e.conn)
		if err != nil {
			select {
			case <-e.done:
			default:
				if errors.Is(err, io.EOF) {
					e.printf("Lost connection to the server.")
				} else {
					e.printf("Connection error: %v", err)
				}
			}
			return
		}
		e.handleFrame(f)
	}
}

func (e *Engine) handleFrame(f protocol.Frame) {
	if handle, ok := protocol.ParseInitUsername(f.Content); ok {
		e.setUsername(handle)
		e.printf("Connected! Your username is %s. You are chatting with everyone.", handle)
		e.printf("Type %s <name> to chat with a specific user or group.", protocol.CmdChangeChat)
		joined := protocol.Frame{
			Sender:    handle,
			Recipient: protocol.Broadcast,
			Content:   fmt.Sprintf("%s has joined the chat. Say hi!", handle),
		}
		if err := e.send(joined); err != nil {
			slog.Debug("join announcement failed", "err", err)
		}
		return
	}

	switch {
	case strings.HasPrefix(f.Content, protocol.CmdSendFile+" "):
		e.receiveFile(f)
	case strings.HasPrefix(f.Content, protocol.CmdChangeChat+"_result:"):
		if v := protocol.ResultValue(f.Content); v == protocol.ResultFailure {
			e.printf("No user or group with that name.")
		} else {
			e.setRecipient(v)
			e.printf("Now chatting with %s.", v)
		}
	case strings.HasPrefix(f.Content, protocol.CmdChangeUsername+"_result:"):
		if v := protocol.ResultValue(f.Content); v == protocol.ResultFailure {
			e.printf("That username is invalid or already taken.")
		} else {
			e.setUsername(v)
			e.printf("Your username is now %s.", v)
		}
	case strings.HasPrefix(f.Content, protocol.CmdCreateGroup+"_result:"):
		if v := protocol.ResultValue(f.Content); v == protocol.ResultFailure {
			e.printf("Could not create the group: name invalid or already taken.")
		} else {
			e.printf("Group %s created. You are a member.", v)
		}
	case strings.HasPrefix(f.Content, protocol.CmdJoinGroup+"_result:"):
		switch v := protocol.ResultValue(f.Content); v {
		case protocol.ResultFailure:
			e.printf("No group with that name.")
		case protocol.ResultNoOp:
			e.printf("You are already a member of that group.")
		default:
			e.printf("Joined group %s.", v)
		}
	case strings.HasPrefix(f.Content, protocol.CmdLeaveGroup+"_result:"):
		switch v := protocol.ResultValue(f.Content); v {
		case protocol.ResultFailure:
			e.printf("No group with that name.")
		case protocol.ResultNoOp:
			e.printf("You are not a member of that group.")
		default:
			e.printf("Left group %s.", v)
		}
	case strings.HasPrefix(f.Content, protocol.CmdShowGroups+"_result="):
		_, rows, _ := strings.Cut(f.Content, "\n")
		e.printf("id\tname\tcreator\tcreated")
		e.printf("%s", strings.TrimRight(rows, "\n"))
	case strings.HasPrefix(f.Content, protocol.CmdOnlineUsers+"\n"):
		_, rows, _ := strings.Cut(f.Content, "\n")
		e.printf("Online users:")
		e.printf("%s", strings.TrimRight(rows, "\n"))
	case f.Content == protocol.ReplyInvalid:
		e.printf("Unknown command.")
	default:
		e.printf("%s to %s: %s", f.Sender, f.Recipient, f.Content)
	}
}

// receiveFile pulls the announced byte stream into the save directory.
func (e *Engine) receiveFile(f protocol.Frame) {
	name, size, err := protocol.ParseSendFile(f.Content)
	if err != nil {
		e.printf("Bad file announcement from %s: %v", f.Sender, err)
		return
	}
	dest := filepath.Join(e.cfg.SaveDir, filepath.Base(name))
	e.printf("Receiving %s (%d bytes) from %s...", name, size, f.Sender)
	if err := transfer.Receive(e.conn, dest, size, transfer.Options{}); err != nil {
		e.printf("File receive failed: %v", err)
		return
	}
	e.printf("Saved %s to %s.", name, dest)
}
