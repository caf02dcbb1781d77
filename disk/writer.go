// Package disk drains the block buffer's reserved reader into segment files.
// Holding the reserved slot makes this path lossless: the buffer's writer
// sacrifices its own blocks rather than overwrite a block still pending here.
package disk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fa-platform/faarchiver/fabuf"
)

var (
	metricBytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "faarchiver",
		Name:      "disk_bytes_written_total",
		Help:      "Total bytes of block data persisted to segment files.",
	})
	metricSegmentsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "faarchiver",
		Name:      "disk_segments_opened_total",
		Help:      "Total segment files opened.",
	})
	metricSegmentsDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "faarchiver",
		Name:      "disk_segments_discarded_total",
		Help:      "Segment files discarded after the reader lost its place in the stream.",
	})
)

// Config describes the persistence target.
type Config struct {
	// Dir is the directory segment files are written into.
	Dir string
	// SegmentSize is the rotation threshold in bytes. A segment is closed
	// once it reaches this size.
	SegmentSize uint64
	// Direct opens segments with O_DIRECT. Requires the buffer's block size
	// to be a multiple of the filesystem block size; the buffer's block
	// region is page-aligned, which covers the memory alignment side.
	Direct bool
}

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Option configures a Writer.
type Option func(*options)

// WithLog sets the logger for the writer.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// Writer persists the block stream. It owns the buffer's reserved reader for
// its whole lifetime.
type Writer struct {
	cfg    Config
	reader *fabuf.Reader

	file    *os.File
	written uint64

	log *zap.SugaredLogger
}

// NewWriter opens the buffer's reserved reader and prepares the segment
// directory.
func NewWriter(buf *fabuf.Buffer, cfg Config, opts ...Option) (*Writer, error) {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create segment directory: %w", err)
	}

	return &Writer{
		cfg:    cfg,
		reader: buf.OpenReader(true),
		log:    o.Log,
	}, nil
}

// Run drains the reserved reader until the context is canceled. A gap in the
// stream closes the current segment, so every segment file holds one
// contiguous stretch of live data.
func (w *Writer) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, w.reader.Interrupt)
	defer stop()
	defer w.closeSegment()

	for {
		block, timestamp := w.reader.ReadBlock()
		if block == nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Gap edge, or a stalled stream. Either way the data is
			// discontinuous here.
			w.closeSegment()
			continue
		}

		if err := w.writeBlock(block, timestamp); err != nil {
			return err
		}
		if !w.reader.ReleaseBlock() {
			// The buffer resynchronized the reader; whatever the current
			// segment holds no longer ends where the stream continues.
			w.discardSegment()
		}
	}
}

// Close detaches the reserved reader. Run must have returned.
func (w *Writer) Close() {
	w.reader.Close()
}

func (w *Writer) writeBlock(block []byte, timestamp uint64) error {
	if w.file == nil {
		if err := w.openSegment(timestamp); err != nil {
			return err
		}
	}

	if _, err := w.file.Write(block); err != nil {
		return fmt.Errorf("failed to write block to %q: %w", w.file.Name(), err)
	}
	w.written += uint64(len(block))
	metricBytesWritten.Add(float64(len(block)))

	if w.written >= w.cfg.SegmentSize {
		w.closeSegment()
	}
	return nil
}

// openSegment creates the segment file named after the first block's
// timestamp.
func (w *Writer) openSegment(timestamp uint64) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if w.cfg.Direct {
		flags |= unix.O_DIRECT
	}

	path := filepath.Join(w.cfg.Dir, fmt.Sprintf("fa-%016d.dat", timestamp))
	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open segment: %w", err)
	}

	w.file = file
	w.written = 0
	metricSegmentsOpened.Inc()
	w.log.Infow("opened segment", zap.String("path", path))
	return nil
}

func (w *Writer) closeSegment() {
	if w.file == nil {
		return
	}
	if err := w.file.Close(); err != nil {
		w.log.Warnw("failed to close segment", zap.String("path", w.file.Name()), zap.Error(err))
	}
	w.file = nil
}

// discardSegment removes the in-progress segment after the stream was reset
// underneath the reader.
func (w *Writer) discardSegment() {
	if w.file == nil {
		return
	}
	path := w.file.Name()
	w.closeSegment()
	if err := os.Remove(path); err != nil {
		w.log.Warnw("failed to remove discarded segment", zap.String("path", path), zap.Error(err))
	}
	metricSegmentsDiscarded.Inc()
	w.log.Infow("discarded segment after stream reset", zap.String("path", path))
}
