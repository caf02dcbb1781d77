package fabuf

import (
	"time"

	"go.uber.org/zap"
)

// Reader is one consumer's view of a Buffer. A reader starts at the current
// write position and is advanced one block at a time by the ReadBlock and
// ReleaseBlock pair. Reader methods must not be called concurrently with each
// other, except Interrupt, which may be called from any goroutine.
type Reader struct {
	buf      *Buffer
	reserved bool

	// The buffer mutex guards the fields below: the writer inspects the
	// reserved reader's cursor during commit, and Interrupt crosses
	// goroutines.
	running     bool
	gapReported bool
	indexOut    int
	cycleCount  uint64
}

// OpenReader attaches a new consumer positioned at the current write cursor;
// fresh readers do not consume history. A reserved reader is never
// overwritten by the writer; at most one may exist, and the persistence path
// is expected to hold it. Opening a second reserved reader is a programming
// error and panics.
func (b *Buffer) OpenReader(reserved bool) *Reader {
	b.mu.Lock()
	defer b.mu.Unlock()

	if reserved && b.reserved != nil {
		panic("fabuf: reserved reader already open")
	}

	r := &Reader{
		buf:        b,
		reserved:   reserved,
		running:    true,
		indexOut:   b.indexIn,
		cycleCount: b.cycleCount,
	}
	if reserved {
		b.reserved = r
	}
	return r
}

// Close detaches the reader from the buffer. Close does not release a block
// still held from ReadBlock; callers release explicitly before closing.
func (r *Reader) Close() {
	b := r.buf
	b.mu.Lock()
	if b.reserved == r {
		b.reserved = nil
	}
	r.running = false
	b.wake()
	b.mu.Unlock()
}

// Interrupt unblocks a pending ReadBlock, which then returns nil promptly.
// Interrupting an already interrupted reader is a no-op.
func (r *Reader) Interrupt() {
	b := r.buf
	b.mu.Lock()
	r.running = false
	b.wake()
	b.mu.Unlock()
}

// ReadBlock blocks until the next block downstream of the reader is
// available and returns it together with its commit timestamp. A nil block
// means one of: the reader was interrupted; the stream has a gap at the
// reader's position (reported exactly once per contiguous gap run); or the
// bounded wait expired with no progress, which is logged as a coordination
// anomaly and treated by callers as "no data".
func (r *Reader) ReadBlock() ([]byte, uint64) {
	b := r.buf

	b.mu.Lock()
	for r.waiting(b) {
		ch := b.notify
		b.mu.Unlock()

		timer := time.NewTimer(b.waitTimeout)
		select {
		case <-ch:
			timer.Stop()
			b.mu.Lock()
		case <-timer.C:
			b.mu.Lock()
			if r.waiting(b) {
				// No wake-up and no progress within the bound. Never seen
				// in healthy operation; report "no data" and let the
				// caller decide.
				r.gapReported = true
				b.mu.Unlock()
				b.log.Warnw("timed out waiting for a block",
					zap.Duration("timeout", b.waitTimeout),
					zap.Int("index_out", r.indexOut),
				)
				return nil, 0
			}
		}
	}

	var block []byte
	var timestamp uint64
	switch {
	case !r.running:
	case b.frames[r.indexOut].gap && !r.gapReported:
		// Gap edge: answer nil once, deliver the data on the next call.
	default:
		block = b.block(r.indexOut)
		timestamp = b.frames[r.indexOut].timestamp
	}
	r.gapReported = block == nil
	b.mu.Unlock()

	return block, timestamp
}

// waiting reports whether the reader has nothing to deliver yet: it is still
// running, not at an unreported gap edge, and level with the write cursor.
// Must be called with the buffer mutex held.
func (r *Reader) waiting(b *Buffer) bool {
	return r.running &&
		!(b.frames[r.indexOut].gap && !r.gapReported) &&
		r.indexOut == b.indexIn
}

// ReleaseBlock completes the block returned by the previous successful
// ReadBlock. It returns true when the reader advanced by exactly one slot,
// and false when the writer has lapped the reader: the reader is then
// resynchronized to the current write position and the caller must discard
// any downstream state derived from the lost stretch, such as an open output
// file.
func (r *Reader) ReleaseBlock() bool {
	b := r.buf

	b.mu.Lock()
	defer b.mu.Unlock()

	// The (index, cycle) pair forms a logical position: the reader is intact
	// iff the writer is ahead within the same cycle, or ahead of the wrap by
	// exactly one cycle. Equal cursors always mean the writer came all the
	// way around.
	safe := (b.indexIn > r.indexOut && b.cycleCount == r.cycleCount) ||
		(b.indexIn < r.indexOut && b.cycleCount == r.cycleCount+1)
	if safe {
		r.indexOut = (r.indexOut + 1) % b.blockCount
		if r.indexOut == 0 {
			r.cycleCount++
		}
		return true
	}

	r.indexOut = b.indexIn
	r.cycleCount = b.cycleCount
	r.gapReported = false
	return false
}
