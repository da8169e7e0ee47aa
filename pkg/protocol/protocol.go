// Package protocol defines the chat frame format and stream framing.
//
// A frame is the ASCII triple "From: <sender>|To: <recipient>|Content: <content>".
// The pipe separator delimits exactly three fields, so neither identities nor
// content may contain it. Frames are not length-prefixed: one stream segment
// of at most MaxFrameSize bytes carries one frame, and both ends rely on that
// convention to stay in sync.
package protocol

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// MaxFrameSize is the largest encoded frame the stream framing accepts.
	MaxFrameSize = 1024

	// Separator delimits the three frame fields on the wire.
	Separator = "|"

	// Broadcast is the reserved recipient meaning "all other connected users".
	Broadcast = "broadcast"

	// ServerName is the sender identity used by the server itself.
	ServerName = "Server"
)

// Field prefixes of the wire format.
const (
	prefixFrom    = "From: "
	prefixTo      = "To: "
	prefixContent = "Content: "
)

// ErrMalformedFrame reports a byte sequence that does not decode into
// exactly three prefixed fields. Decoding never partially succeeds.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// ErrNonASCII reports frame fields containing bytes outside the ASCII range.
var ErrNonASCII = errors.New("protocol: frame fields must be ASCII")

// ErrSeparatorInContent reports content that would collide with the field
// separator and make the frame ambiguous to decode.
var ErrSeparatorInContent = errors.New("protocol: content must not contain the field separator")

// Frame is one complete (sender, recipient, content) unit of the application
// protocol. Frames are immutable once constructed.
type Frame struct {
	Sender    string
	Recipient string
	Content   string
}

// Encode serializes a frame to its wire representation.
// All three fields must be ASCII and free of the separator.
func Encode(f Frame) ([]byte, error) {
	for _, field := range []string{f.Sender, f.Recipient, f.Content} {
		if !isASCII(field) {
			return nil, ErrNonASCII
		}
		if strings.Contains(field, Separator) {
			return nil, ErrSeparatorInContent
		}
	}
	return []byte(prefixFrom + f.Sender + Separator + prefixTo + f.Recipient + Separator + prefixContent + f.Content), nil
}

// Decode parses a wire representation back into a frame. It fails with
// ErrMalformedFrame unless splitting on the separator yields exactly three
// correctly prefixed fields.
func Decode(data []byte) (Frame, error) {
	if !isASCII(string(data)) {
		return Frame{}, ErrNonASCII
	}
	parts := strings.Split(string(data), Separator)
	if len(parts) != 3 {
		return Frame{}, fmt.Errorf("%w: %d fields", ErrMalformedFrame, len(parts))
	}
	sender, ok := strings.CutPrefix(parts[0], prefixFrom)
	if !ok {
		return Frame{}, fmt.Errorf("%w: missing sender prefix", ErrMalformedFrame)
	}
	recipient, ok := strings.CutPrefix(parts[1], prefixTo)
	if !ok {
		return Frame{}, fmt.Errorf("%w: missing recipient prefix", ErrMalformedFrame)
	}
	content, ok := strings.CutPrefix(parts[2], prefixContent)
	if !ok {
		return Frame{}, fmt.Errorf("%w: missing content prefix", ErrMalformedFrame)
	}
	return Frame{Sender: sender, Recipient: recipient, Content: content}, nil
}

// ReadFrame reads one frame from the stream. One Read of up to MaxFrameSize
// bytes is treated as one frame. A zero-length read reports io.EOF: the peer
// closed the connection.
func ReadFrame(r io.Reader) (Frame, error) {
	buf := make([]byte, MaxFrameSize)
	n, err := r.Read(buf)
	if n == 0 {
		if err == nil || err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("protocol: read frame: %w", err)
	}
	return Decode(buf[:n])
}

// WriteFrame encodes a frame and writes it to the stream in a single write.
func WriteFrame(w io.Writer, f Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("protocol: write frame: %w", err)
	}
	return nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return false
		}
	}
	return true
}
