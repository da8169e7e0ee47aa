// Package transfer streams file bytes over an already-connected byte stream
// in fixed-size chunks.
//
// The channel carries no framing of its own: both ends must have agreed on
// the byte count in-band (the /send-file control frame) immediately before
// the raw bytes, or the stream desynchronizes permanently.
package transfer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// DefaultChunkSize is the read/write granularity in bytes.
const DefaultChunkSize = 1024

// DefaultSendTimeout is the idle deadline applied to the stream while
// sending. There is no timeout on the receive side: the sender's liveness is
// the sender's responsibility.
const DefaultSendTimeout = 5 * time.Second

// ErrTimeout reports an aborted send after the stream stayed idle past the
// deadline. Transfers are not retried or resumed.
var ErrTimeout = errors.New("transfer: stream idle timeout")

// ErrShortRead reports a peer that closed the stream before the agreed byte
// count arrived. The partial destination file remains.
var ErrShortRead = errors.New("transfer: stream closed before all bytes arrived")

// Options tunes a single transfer. The zero value selects the defaults.
type Options struct {
	ChunkSize int
	Timeout   time.Duration // send-side idle deadline, 0 = DefaultSendTimeout
	// Progress observes the running byte count. Advisory only.
	Progress func(transferred, total int64)
}

func (o Options) chunkSize() int {
	if o.ChunkSize > 0 {
		return o.ChunkSize
	}
	return DefaultChunkSize
}

func (o Options) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return DefaultSendTimeout
}

// deadlineStream is the subset of net.Conn needed to bound a send.
type deadlineStream interface {
	SetWriteDeadline(time.Time) error
}

// Send reads path in fixed-size chunks and writes each chunk to stream until
// exactly size bytes have been written. When the stream supports write
// deadlines, each chunk gets a bounded idle deadline; expiry aborts the
// transfer with ErrTimeout.
func Send(stream io.Writer, path string, size int64, opts Options) error {
	f, err := os.Open(path) //nolint:gosec // path chosen by the local user
	if err != nil {
		return fmt.Errorf("transfer: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	ds, bounded := stream.(deadlineStream)
	if bounded {
		defer func() { _ = ds.SetWriteDeadline(time.Time{}) }()
	}

	buf := make([]byte, opts.chunkSize())
	var sent int64
	for sent < size {
		want := int64(len(buf))
		if rem := size - sent; rem < want {
			want = rem
		}
		n, rerr := io.ReadFull(f, buf[:want])
		if rerr != nil {
			return fmt.Errorf("transfer: read %s at %d: %w", path, sent, rerr)
		}

		if bounded {
			_ = ds.SetWriteDeadline(time.Now().Add(opts.timeout()))
		}
		if _, werr := stream.Write(buf[:n]); werr != nil {
			if isTimeout(werr) {
				return fmt.Errorf("%w after %d/%d bytes", ErrTimeout, sent, size)
			}
			return fmt.Errorf("transfer: write at %d: %w", sent, werr)
		}

		sent += int64(n)
		if opts.Progress != nil {
			opts.Progress(sent, size)
		}
	}
	return nil
}

// Receive reads from stream in fixed-size chunks and appends to dest until
// exactly size bytes have been written. A peer close before size bytes is
// ErrShortRead; the partial file remains.
func Receive(stream io.Reader, dest string, size int64, opts Options) error {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec // dest derived from configured media dir
	if err != nil {
		return fmt.Errorf("transfer: open %s: %w", dest, err)
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, opts.chunkSize())
	var received int64
	for received < size {
		want := int64(len(buf))
		if rem := size - received; rem < want {
			want = rem
		}
		n, rerr := stream.Read(buf[:want])
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return fmt.Errorf("transfer: write %s at %d: %w", dest, received, werr)
			}
			received += int64(n)
			if opts.Progress != nil {
				opts.Progress(received, size)
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				if received < size {
					return fmt.Errorf("%w: got %d of %d bytes", ErrShortRead, received, size)
				}
				return nil
			}
			return fmt.Errorf("transfer: read at %d: %w", received, rerr)
		}
	}
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return os.IsTimeout(err)
}
