// Package fabuf implements the in-memory frame block buffer at the heart of
// the archiver: fixed-capacity ring storage filled by a single producer and
// drained concurrently by any number of readers. The disk writer holds the
// buffer's reserved reader and is never overwritten; network subscribers hold
// unreserved readers and tolerate loss.
package fabuf

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// defaultWaitTimeout bounds one slice of a reader's wait for new data. It is
// a liveness safety net against missed wake-ups, not a tuning knob; a healthy
// buffer never reaches it.
const defaultWaitTimeout = 2 * time.Second

// frameInfo describes one block slot. A slot whose gap flag is set occupies
// its position in the ring but carries no meaningful bytes.
type frameInfo struct {
	gap       bool
	timestamp uint64
}

// Buffer is a fixed-geometry ring of page-aligned blocks shared between one
// writer and many readers. All cursor state is guarded by a single mutex;
// readers wait on a notification channel that every commit closes and
// replaces.
type Buffer struct {
	mu     sync.Mutex
	notify chan struct{}

	data   []byte
	frames []frameInfo

	blockSize  int
	blockCount int

	indexIn      int
	cycleCount   uint64
	writeBlocked bool
	reserved     *Reader

	waitTimeout time.Duration
	log         *zap.SugaredLogger
}

type options struct {
	Log         *zap.SugaredLogger
	WaitTimeout time.Duration
}

func newOptions() *options {
	return &options{
		Log:         zap.NewNop().Sugar(),
		WaitTimeout: defaultWaitTimeout,
	}
}

// Option configures a Buffer.
type Option func(*options)

// WithLog sets the logger for the buffer.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithWaitTimeout overrides the bounded wait slice used by blocked readers.
// The bound cannot be removed; values below one millisecond are clamped.
func WithWaitTimeout(d time.Duration) Option {
	return func(o *options) {
		if d < time.Millisecond {
			d = time.Millisecond
		}
		o.WaitTimeout = d
	}
}

// New creates a buffer of blockCount blocks of blockSize bytes each. The
// block region is an anonymous mapping, so it is page-aligned and the blocks
// may be handed directly to O_DIRECT writes downstream.
func New(blockSize, blockCount int, opts ...Option) (*Buffer, error) {
	if blockSize <= 0 || blockCount <= 0 {
		return nil, fmt.Errorf("invalid buffer geometry: %d blocks of %d bytes", blockCount, blockSize)
	}

	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	data, err := unix.Mmap(-1, 0, blockSize*blockCount,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("failed to map block region: %w", err)
	}

	return &Buffer{
		notify:      make(chan struct{}),
		data:        data,
		frames:      make([]frameInfo, blockCount),
		blockSize:   blockSize,
		blockCount:  blockCount,
		waitTimeout: o.WaitTimeout,
		log:         o.Log,
	}, nil
}

// Close unmaps the block region. The caller must have closed all readers and
// stopped the writer first.
func (b *Buffer) Close() error {
	b.mu.Lock()
	data := b.data
	b.data = nil
	b.mu.Unlock()

	if data == nil {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("failed to unmap block region: %w", err)
	}
	return nil
}

// BlockSize returns the size of one block in bytes.
func (b *Buffer) BlockSize() int {
	return b.blockSize
}

// BlockCount returns the number of blocks in the ring.
func (b *Buffer) BlockCount() int {
	return b.blockCount
}

// EnableWrite sets whether commits may store live data. While writes are
// disabled every commit is forced into a gap regardless of the writer's
// intent. This is the control surface used to halt and resume archiving.
func (b *Buffer) EnableWrite(enabled bool) {
	b.mu.Lock()
	b.writeBlocked = !enabled
	b.mu.Unlock()
}

// WriteEnabled reports whether commits currently store live data.
func (b *Buffer) WriteEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.writeBlocked
}

// WriteBlock returns the block the writer fills next. No locking is needed:
// the buffer supports exactly one writer, and readers never touch the slot at
// the write cursor. The slice stays valid until the matching CommitWrite.
func (b *Buffer) WriteBlock() []byte {
	return b.block(b.indexIn)
}

// CommitWrite completes the block obtained from WriteBlock, either as live
// data stamped with timestamp (microseconds since the epoch) or as a gap
// marker. The return value is false when the commit was converted to a gap to
// avoid overwriting the reserved reader's pending block; the writer may retry
// the same slot with fresh bytes.
func (b *Buffer) CommitWrite(isGap bool, timestamp uint64) bool {
	advanced := true

	b.mu.Lock()
	if isGap || b.writeBlocked {
		b.frames[b.indexIn].gap = true
	} else {
		next := (b.indexIn + 1) % b.blockCount
		if b.reserved != nil && next == b.reserved.indexOut {
			// Advancing would overwrite the slot the reserved reader has
			// yet to consume. Sacrifice this block instead.
			b.frames[b.indexIn].gap = true
			advanced = false
		} else {
			b.frames[b.indexIn].timestamp = timestamp
			b.indexIn = next
			b.frames[next].gap = false
			if next == 0 {
				b.cycleCount++
			}
		}
	}
	b.wake()
	b.mu.Unlock()

	return advanced
}

// block returns the byte region of slot index.
func (b *Buffer) block(index int) []byte {
	return b.data[index*b.blockSize : (index+1)*b.blockSize]
}

// wake releases every waiting reader. Must be called with mu held. Replacing
// the channel on every commit is the channel rendition of a broadcast: any
// subset of readers may be waiting on the same edge.
func (b *Buffer) wake() {
	close(b.notify)
	b.notify = make(chan struct{})
}
