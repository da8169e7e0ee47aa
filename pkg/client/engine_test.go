package client

import (
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dhashemi/chatline/pkg/protocol"
)

type stubAddr string

func (a stubAddr) Network() string { return "tcp" }
func (a stubAddr) String() string  { return string(a) }

// stubConn records outbound frames and plays back queued read payloads.
type stubConn struct {
	mu     sync.Mutex
	frames []protocol.Frame
	writes [][]byte
	reads  [][]byte
	pos    int
}

func (c *stubConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pos >= len(c.reads) {
		return 0, io.EOF
	}
	n := copy(p, c.reads[c.pos])
	c.pos++
	return n, nil
}

func (c *stubConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := append([]byte(nil), p...)
	c.writes = append(c.writes, buf)
	if f, err := protocol.Decode(buf); err == nil {
		c.frames = append(c.frames, f)
	}
	return len(p), nil
}

func (c *stubConn) Frames() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Frame(nil), c.frames...)
}

func (c *stubConn) Close() error                       { return nil }
func (c *stubConn) LocalAddr() net.Addr                { return stubAddr("local") }
func (c *stubConn) RemoteAddr() net.Addr               { return stubAddr("remote") }
func (c *stubConn) SetDeadline(_ time.Time) error      { return nil }
func (c *stubConn) SetReadDeadline(_ time.Time) error  { return nil }
func (c *stubConn) SetWriteDeadline(_ time.Time) error { return nil }

func newTestEngine(t *testing.T, input string) (*Engine, *stubConn, *bytes.Buffer) {
	t.Helper()
	conn := &stubConn{}
	out := &bytes.Buffer{}
	e := New(Config{
		ServerAddr: "test",
		SaveDir:    t.TempDir(),
		Input:      strings.NewReader(input),
		Output:     out,
	})
	e.conn = conn
	return e, conn, out
}

func TestHandleInitUsername(t *testing.T) {
	t.Parallel()

	e, conn, out := newTestEngine(t, "")

	e.handleFrame(protocol.Frame{
		Sender:    protocol.ServerName,
		Recipient: "Falcon",
		Content:   protocol.InitUsername("Falcon"),
	})

	if e.Username() != "Falcon" {
		t.Fatalf("Username = %q", e.Username())
	}
	if e.Recipient() != protocol.Broadcast {
		t.Fatalf("Recipient = %q", e.Recipient())
	}
	if !strings.Contains(out.String(), "Falcon") {
		t.Fatalf("welcome output = %q", out.String())
	}

	frames := conn.Frames()
	if len(frames) != 1 {
		t.Fatalf("sent %d frames", len(frames))
	}
	joined := frames[0]
	if joined.Sender != "Falcon" || joined.Recipient != protocol.Broadcast ||
		!strings.Contains(joined.Content, "joined the chat") {
		t.Fatalf("join announcement = %+v", joined)
	}
}

func TestHandleResultFrames(t *testing.T) {
	t.Parallel()

	tcases := map[string]struct {
		content       string
		wantOutput    string
		wantRecipient string
		wantUsername  string
	}{
		"change_chat_ok": {
			content:       protocol.ChangeChatResult("Otter"),
			wantOutput:    "Now chatting with Otter",
			wantRecipient: "Otter",
		},
		"change_chat_fail": {
			content:       protocol.ChangeChatResult(protocol.ResultFailure),
			wantOutput:    "No user or group",
			wantRecipient: protocol.Broadcast,
		},
		"rename_ok": {
			content:       protocol.ChangeUsernameResult("Heron"),
			wantOutput:    "username is now Heron",
			wantRecipient: protocol.Broadcast,
			wantUsername:  "Heron",
		},
		"rename_fail": {
			content:       protocol.ChangeUsernameResult(protocol.ResultFailure),
			wantOutput:    "invalid or already taken",
			wantRecipient: protocol.Broadcast,
		},
		"create_group_ok": {
			content:       protocol.CreateGroupResult("birds"),
			wantOutput:    "Group birds created",
			wantRecipient: protocol.Broadcast,
		},
		"join_group_noop": {
			content:       protocol.JoinGroupResult(protocol.ResultNoOp),
			wantOutput:    "already a member",
			wantRecipient: protocol.Broadcast,
		},
		"leave_group_ok": {
			content:       protocol.LeaveGroupResult("birds"),
			wantOutput:    "Left group birds",
			wantRecipient: protocol.Broadcast,
		},
		"invalid_command": {
			content:       protocol.ReplyInvalid,
			wantOutput:    "Unknown command",
			wantRecipient: protocol.Broadcast,
		},
		"plain_chat": {
			content:       "hello there",
			wantOutput:    "Otter to broadcast: hello there",
			wantRecipient: protocol.Broadcast,
		},
	}

	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			e, _, out := newTestEngine(t, "")
			e.handleFrame(protocol.Frame{Sender: "Otter", Recipient: protocol.Broadcast, Content: tc.content})

			if !strings.Contains(out.String(), tc.wantOutput) {
				t.Fatalf("output = %q, want substring %q", out.String(), tc.wantOutput)
			}
			if e.Recipient() != tc.wantRecipient {
				t.Fatalf("Recipient = %q, want %q", e.Recipient(), tc.wantRecipient)
			}
			if tc.wantUsername != "" && e.Username() != tc.wantUsername {
				t.Fatalf("Username = %q, want %q", e.Username(), tc.wantUsername)
			}
		})
	}
}

func TestHandleOnlineUsersReply(t *testing.T) {
	t.Parallel()

	e, _, out := newTestEngine(t, "")
	e.handleFrame(protocol.Frame{
		Sender:    protocol.ServerName,
		Recipient: "Falcon",
		Content:   protocol.OnlineUsersReply([]string{"Falcon", "Otter"}),
	})
	got := out.String()
	if !strings.Contains(got, "Online users") || !strings.Contains(got, "Otter") {
		t.Fatalf("output = %q", got)
	}
}

func TestSendLoopChatAndQuit(t *testing.T) {
	t.Parallel()

	e, conn, out := newTestEngine(t, "hello everyone\n/quit\n")
	e.setUsername("Falcon")

	e.sendLoop()

	frames := conn.Frames()
	if len(frames) != 2 {
		t.Fatalf("sent %d frames: %+v", len(frames), frames)
	}
	if frames[0].Content != "hello everyone" || frames[0].Recipient != protocol.Broadcast ||
		frames[0].Sender != "Falcon" {
		t.Fatalf("chat frame = %+v", frames[0])
	}
	if !strings.Contains(frames[1].Content, "left the chat") {
		t.Fatalf("farewell frame = %+v", frames[1])
	}
	if !strings.Contains(out.String(), "Bye") {
		t.Fatalf("output = %q", out.String())
	}

	select {
	case <-e.done:
	default:
		t.Fatal("engine not stopped after /quit")
	}
}

func TestSendLoopSkipsBlankLines(t *testing.T) {
	t.Parallel()

	e, conn, _ := newTestEngine(t, "\n   \n/quit\n")
	e.setUsername("Falcon")
	e.sendLoop()

	frames := conn.Frames()
	if len(frames) != 1 { // farewell only
		t.Fatalf("sent %d frames: %+v", len(frames), frames)
	}
}

func TestSendLoopTargetsCurrentRecipient(t *testing.T) {
	t.Parallel()

	e, conn, _ := newTestEngine(t, "psst\n")
	e.setUsername("Falcon")
	e.setRecipient("Otter")
	e.sendLoop()

	frames := conn.Frames()
	if len(frames) != 1 || frames[0].Recipient != "Otter" {
		t.Fatalf("frames = %+v", frames)
	}
}

func TestSendFileMissingPath(t *testing.T) {
	t.Parallel()

	e, conn, out := newTestEngine(t, "")
	e.sendFile(filepath.Join(t.TempDir(), "nope.txt"))

	if len(conn.Frames()) != 0 {
		t.Fatal("announced a file that does not exist")
	}
	if !strings.Contains(out.String(), "Cannot read") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestSendFileAnnouncesAndStreams(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "notes.txt")
	payload := []byte("0123456789")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	e, conn, _ := newTestEngine(t, "")
	e.setUsername("Falcon")
	e.sendFile(path)

	frames := conn.Frames()
	if len(frames) != 1 || frames[0].Content != "/send-file notes.txt 10" {
		t.Fatalf("announce = %+v", frames)
	}
	conn.mu.Lock()
	last := conn.writes[len(conn.writes)-1]
	conn.mu.Unlock()
	if !bytes.Equal(last, payload) {
		t.Fatalf("streamed bytes = %q", last)
	}
}

func TestReceiveFileSavesPayload(t *testing.T) {
	t.Parallel()

	e, conn, out := newTestEngine(t, "")
	payload := []byte("0123456789")
	conn.reads = [][]byte{payload}

	e.handleFrame(protocol.Frame{
		Sender:    "Otter",
		Recipient: "Falcon",
		Content:   protocol.SendFileRequest("notes.txt", int64(len(payload))),
	})

	saved, err := os.ReadFile(filepath.Join(e.cfg.SaveDir, "notes.txt"))
	if err != nil {
		t.Fatalf("read saved file: %v", err)
	}
	if !bytes.Equal(saved, payload) {
		t.Fatalf("saved bytes = %q", saved)
	}
	if !strings.Contains(out.String(), "Saved notes.txt") {
		t.Fatalf("output = %q", out.String())
	}
}

// blockedReader models a terminal where the user never types a line.
type blockedReader struct {
	unblock chan struct{}
}

func (r *blockedReader) Read(_ []byte) (int, error) {
	<-r.unblock
	return 0, io.EOF
}

func TestRunReturnsOnServerClose(t *testing.T) {
	t.Parallel()

	// The conn reports EOF immediately; stdin never yields a line. Run must
	// still return instead of waiting on the blocked input read.
	conn := &stubConn{}
	e := New(Config{
		ServerAddr: "test",
		SaveDir:    t.TempDir(),
		Input:      &blockedReader{unblock: make(chan struct{})},
		Output:     &bytes.Buffer{},
	})

	finished := make(chan error, 1)
	go func() { finished <- e.RunConn(conn) }()

	select {
	case err := <-finished:
		if err != nil {
			t.Fatalf("RunConn: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run still blocked after the server closed the connection")
	}
}

func TestReceiveLoopReportsLostConnection(t *testing.T) {
	t.Parallel()

	e, _, out := newTestEngine(t, "")
	e.receiveLoop()

	if !strings.Contains(out.String(), "Lost connection") {
		t.Fatalf("output = %q", out.String())
	}
	select {
	case <-e.done:
	default:
		t.Fatal("engine not stopped after connection loss")
	}
}
