package server

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/fa-platform/faarchiver/fabuf"
)

const testBlockSize = 8

type testHarness struct {
	buf    *fabuf.Buffer
	srv    *Server
	cancel context.CancelFunc
	wg     *errgroup.Group
}

func newTestServer(t *testing.T) *testHarness {
	t.Helper()

	buf, err := fabuf.New(testBlockSize, 4)
	require.NoError(t, err)

	srv, err := NewServer(buf, "127.0.0.1:0", "fa-test", WithLog(zaptest.NewLogger(t).Sugar()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	wg := &errgroup.Group{}
	wg.Go(func() error {
		return srv.Run(ctx)
	})

	h := &testHarness{buf: buf, srv: srv, cancel: cancel, wg: wg}
	t.Cleanup(func() {
		cancel()
		require.ErrorIs(t, wg.Wait(), context.Canceled)
		require.NoError(t, buf.Close())
	})
	return h
}

func (h *testHarness) dial(t *testing.T, command string) *bufio.Reader {
	t.Helper()

	conn, err := net.Dial("tcp", h.srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
	})

	_, err = conn.Write([]byte(command + "\n"))
	require.NoError(t, err)
	return bufio.NewReader(conn)
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()

	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return line
}

// readFrame reads one framed block: header then payload.
func readFrame(t *testing.T, r *bufio.Reader) (uint64, []byte) {
	t.Helper()

	header := make([]byte, headerSize)
	_, err := io.ReadFull(r, header)
	require.NoError(t, err)

	timestamp := binary.LittleEndian.Uint64(header[0:8])
	length := binary.LittleEndian.Uint64(header[8:16])
	if length == 0 {
		return timestamp, nil
	}

	payload := make([]byte, length)
	_, err = io.ReadFull(r, payload)
	require.NoError(t, err)
	return timestamp, payload
}

func commitLive(t *testing.T, buf *fabuf.Buffer, payload []byte, timestamp uint64) {
	t.Helper()

	copy(buf.WriteBlock(), payload)
	require.True(t, buf.CommitWrite(false, timestamp))
}

func TestSubscribeStreamsBlocks(t *testing.T) {
	h := newTestServer(t)

	r := h.dial(t, "Sfa-*")
	assert.Equal(t, "OK 8\n", readLine(t, r))

	payload := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	commitLive(t, h.buf, payload, 1000)

	timestamp, block := readFrame(t, r)
	assert.Equal(t, uint64(1000), timestamp)
	assert.Equal(t, payload, block)

	// A gap comes through as a zero-length frame, then the stream resumes.
	require.True(t, h.buf.CommitWrite(true, 0))
	_, block = readFrame(t, r)
	assert.Nil(t, block)

	next := []byte{0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18}
	commitLive(t, h.buf, next, 2000)
	timestamp, block = readFrame(t, r)
	assert.Equal(t, uint64(2000), timestamp)
	assert.Equal(t, next, block)
}

func TestSubscribePatternMismatch(t *testing.T) {
	h := newTestServer(t)

	r := h.dial(t, "Sbpm-*")
	assert.Equal(t, "ERR no match\n", readLine(t, r))
}

func TestSubscribeBadPattern(t *testing.T) {
	h := newTestServer(t)

	r := h.dial(t, "S[")
	assert.Equal(t, "ERR bad pattern\n", readLine(t, r))
}

func TestHaltAndResume(t *testing.T) {
	h := newTestServer(t)

	r := h.dial(t, "H")
	assert.Equal(t, "OK\n", readLine(t, r))
	assert.False(t, h.buf.WriteEnabled())

	r = h.dial(t, "R")
	assert.Equal(t, "OK\n", readLine(t, r))
	assert.True(t, h.buf.WriteEnabled())
}

func TestStatusQuery(t *testing.T) {
	h := newTestServer(t)

	r := h.dial(t, "Q")
	assert.Equal(t, "enabled=true block_size=8 block_count=4\n", readLine(t, r))
}

func TestUnknownCommand(t *testing.T) {
	h := newTestServer(t)

	r := h.dial(t, "X")
	assert.Contains(t, readLine(t, r), "ERR unknown command")
}

func TestTwoSubscribersSeeTheSameBlock(t *testing.T) {
	h := newTestServer(t)

	r1 := h.dial(t, "Sfa-test")
	r2 := h.dial(t, "S*")
	assert.Equal(t, "OK 8\n", readLine(t, r1))
	assert.Equal(t, "OK 8\n", readLine(t, r2))

	payload := []byte{0xA0, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5, 0xA6, 0xA7}
	commitLive(t, h.buf, payload, 3000)

	for _, r := range []*bufio.Reader{r1, r2} {
		timestamp, block := readFrame(t, r)
		assert.Equal(t, uint64(3000), timestamp)
		assert.Equal(t, payload, block)
	}
}

func TestShutdownDetachesSubscriber(t *testing.T) {
	buf, err := fabuf.New(testBlockSize, 4)
	require.NoError(t, err)
	defer buf.Close()

	srv, err := NewServer(buf, "127.0.0.1:0", "fa-test", WithLog(zaptest.NewLogger(t).Sugar()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	wg := errgroup.Group{}
	wg.Go(func() error {
		return srv.Run(ctx)
	})

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("S*\n"))
	require.NoError(t, err)
	readLine(t, bufio.NewReader(conn))

	done := make(chan error, 1)
	go func() {
		done <- wg.Wait()
	}()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down with an idle subscriber attached")
	}
}
