package disk

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/fa-platform/faarchiver/fabuf"
)

const testBlockSize = 8

func newTestWriter(t *testing.T, cfg Config) (*fabuf.Buffer, *Writer) {
	t.Helper()

	buf, err := fabuf.New(testBlockSize, 4)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, buf.Close())
	})

	w, err := NewWriter(buf, cfg, WithLog(zaptest.NewLogger(t).Sugar()))
	require.NoError(t, err)
	return buf, w
}

func commitLive(t *testing.T, buf *fabuf.Buffer, fill byte, timestamp uint64) {
	t.Helper()

	block := buf.WriteBlock()
	for i := range block {
		block[i] = fill
	}
	require.True(t, buf.CommitWrite(false, timestamp))
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return -1
	}
	return info.Size()
}

func TestWriterStartsNewSegmentAfterGap(t *testing.T) {
	dir := t.TempDir()
	buf, w := newTestWriter(t, Config{Dir: dir, SegmentSize: 1 << 20})

	ctx, cancel := context.WithCancel(context.Background())
	wg := errgroup.Group{}
	wg.Go(func() error {
		return w.Run(ctx)
	})

	commitLive(t, buf, 0xA1, 1000)
	commitLive(t, buf, 0xA2, 2000)
	commitLive(t, buf, 0xA3, 3000)

	first := filepath.Join(dir, "fa-0000000000001000.dat")
	require.Eventually(t, func() bool {
		return fileSize(first) == 3*testBlockSize
	}, 5*time.Second, time.Millisecond)

	// A gap closes the running segment; the stream resumes into a new one.
	require.True(t, buf.CommitWrite(true, 0))
	commitLive(t, buf, 0xB1, 4000)
	commitLive(t, buf, 0xB2, 5000)

	second := filepath.Join(dir, "fa-0000000000004000.dat")
	require.Eventually(t, func() bool {
		return fileSize(second) == 2*testBlockSize
	}, 5*time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, wg.Wait(), context.Canceled)
	w.Close()

	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, byte(0xA1), data[0])
	assert.Equal(t, byte(0xA3), data[2*testBlockSize])
}

func TestWriterRotatesAtSegmentSize(t *testing.T) {
	dir := t.TempDir()
	buf, w := newTestWriter(t, Config{Dir: dir, SegmentSize: testBlockSize})

	ctx, cancel := context.WithCancel(context.Background())
	wg := errgroup.Group{}
	wg.Go(func() error {
		return w.Run(ctx)
	})

	commitLive(t, buf, 0x01, 1000)
	commitLive(t, buf, 0x02, 2000)

	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(dir)
		return err == nil && len(entries) == 2
	}, 5*time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, wg.Wait(), context.Canceled)
	w.Close()

	for _, name := range []string{"fa-0000000000001000.dat", "fa-0000000000002000.dat"} {
		assert.Equal(t, int64(testBlockSize), fileSize(filepath.Join(dir, name)))
	}
}

func TestDiscardSegmentRemovesFile(t *testing.T) {
	dir := t.TempDir()
	_, w := newTestWriter(t, Config{Dir: dir, SegmentSize: 1 << 20})
	defer w.Close()

	require.NoError(t, w.writeBlock(make([]byte, testBlockSize), 7000))
	path := filepath.Join(dir, "fa-0000000000007000.dat")
	require.Equal(t, int64(testBlockSize), fileSize(path))

	w.discardSegment()
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
