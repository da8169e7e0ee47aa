package transfer

import (
	"bytes"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func TestSendReceiveExactBytes(t *testing.T) {
	t.Parallel()

	// 2.5 chunks: exercises both full chunks and the short tail.
	const size = DefaultChunkSize*2 + 512
	src, want := writeTempFile(t, size)
	dest := filepath.Join(t.TempDir(), "received.bin")

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	var sendErr error
	go func() {
		defer wg.Done()
		sendErr = Send(a, src, size, Options{})
	}()

	require.NoError(t, Receive(b, dest, size, Options{}))
	wg.Wait()
	require.NoError(t, sendErr)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(want, got), "received bytes differ from sent")
}

func TestSendZeroBytes(t *testing.T) {
	t.Parallel()

	src, _ := writeTempFile(t, 0)
	var sink bytes.Buffer
	require.NoError(t, Send(&sink, src, 0, Options{}))
	assert.Zero(t, sink.Len())
}

func TestReceiveShortRead(t *testing.T) {
	t.Parallel()

	dest := filepath.Join(t.TempDir(), "partial.bin")

	a, b := net.Pipe()
	go func() {
		_, _ = a.Write(make([]byte, 100))
		_ = a.Close()
	}()

	err := Receive(b, dest, 500, Options{})
	require.ErrorIs(t, err, ErrShortRead)

	// The partial file stays on disk.
	info, statErr := os.Stat(dest)
	require.NoError(t, statErr)
	assert.Equal(t, int64(100), info.Size())
}

func TestSendTimeoutOnStalledPeer(t *testing.T) {
	t.Parallel()

	src, _ := writeTempFile(t, DefaultChunkSize*4)

	// The peer never reads, so the pipe's first unread write stalls until
	// the per-chunk deadline fires.
	a, b := net.Pipe()
	defer b.Close()
	defer a.Close()

	err := Send(a, src, DefaultChunkSize*4, Options{Timeout: 50 * time.Millisecond})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestSendMissingFile(t *testing.T) {
	t.Parallel()

	var sink bytes.Buffer
	err := Send(&sink, filepath.Join(t.TempDir(), "nope.bin"), 10, Options{})
	require.Error(t, err)
}

func TestProgressCallback(t *testing.T) {
	t.Parallel()

	const size = DefaultChunkSize + 100
	src, _ := writeTempFile(t, size)

	var calls []int64
	var sink bytes.Buffer
	require.NoError(t, Send(&sink, src, size, Options{
		Progress: func(transferred, total int64) {
			assert.Equal(t, int64(size), total)
			calls = append(calls, transferred)
		},
	}))
	require.Len(t, calls, 2)
	assert.Equal(t, int64(DefaultChunkSize), calls[0])
	assert.Equal(t, int64(size), calls[1])
}

func TestReceiveCustomChunkSize(t *testing.T) {
	t.Parallel()

	const size = 1000
	src, want := writeTempFile(t, size)
	dest := filepath.Join(t.TempDir(), "received.bin")

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		_ = Send(a, src, size, Options{ChunkSize: 64})
	}()
	require.NoError(t, Receive(b, dest, size, Options{ChunkSize: 64}))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
