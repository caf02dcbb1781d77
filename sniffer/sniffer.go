// Package sniffer is the single producer of the block buffer: it packs FA
// frames from a source into fixed-size blocks and commits them at stream
// rate. Source failures are committed as gaps so every consumer observes the
// discontinuity, then the source is reopened under exponential backoff.
package sniffer

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fa-platform/faarchiver/fabuf"
)

const defaultFlushInterval = 100 * time.Millisecond

var (
	metricFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "faarchiver",
		Name:      "sniffer_frames_total",
		Help:      "FA frames received from the source.",
	})
	metricBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "faarchiver",
		Name:      "sniffer_blocks_committed_total",
		Help:      "Blocks committed live to the buffer.",
	})
	metricGaps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "faarchiver",
		Name:      "sniffer_gaps_committed_total",
		Help:      "Gap markers committed to the buffer.",
	})
	metricDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "faarchiver",
		Name:      "sniffer_blocks_dropped_total",
		Help:      "Blocks sacrificed to reserved-reader back-pressure.",
	})
)

// DialFunc opens the frame source. It is called again after every source
// failure.
type DialFunc func(ctx context.Context) (Source, error)

type options struct {
	Log           *zap.SugaredLogger
	FlushInterval time.Duration
}

func newOptions() *options {
	return &options{
		Log:           zap.NewNop().Sugar(),
		FlushInterval: defaultFlushInterval,
	}
}

// Option configures a Sniffer.
type Option func(*options)

// WithLog sets the logger for the sniffer.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithFlushInterval bounds how long a partially filled block may wait for
// further frames before being committed.
func WithFlushInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.FlushInterval = d
		}
	}
}

// Sniffer drives the buffer's writer side. There must be exactly one per
// buffer.
type Sniffer struct {
	buf           *fabuf.Buffer
	dial          DialFunc
	flushInterval time.Duration
	log           *zap.SugaredLogger
}

// New creates the producer for buf, reading frames from the source opened by
// dial.
func New(buf *fabuf.Buffer, dial DialFunc, opts ...Option) *Sniffer {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Sniffer{
		buf:           buf,
		dial:          dial,
		flushInterval: o.FlushInterval,
		log:           o.Log,
	}
}

// Run acquires the source and pumps frames into the buffer until the context
// is canceled or a finite source is exhausted.
func (s *Sniffer) Run(ctx context.Context) error {
	for {
		src, err := s.connect(ctx)
		if err != nil {
			return err
		}

		err = s.pump(ctx, src)
		src.Close()

		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, io.EOF):
			s.log.Info("frame source exhausted")
			return nil
		default:
			s.log.Warnw("frame source failed, reconnecting", zap.Error(err))
		}
	}
}

// connect opens the source, retrying under exponential backoff until it
// succeeds or the context is canceled.
func (s *Sniffer) connect(ctx context.Context) (Source, error) {
	bo := backoff.ExponentialBackOff{
		InitialInterval:     backoff.DefaultInitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         time.Minute,
	}
	bo.Reset()

	for {
		src, err := s.dial(ctx)
		if err == nil {
			return src, nil
		}

		next := bo.NextBackOff()
		s.log.Warnw("failed to open frame source",
			zap.Error(err),
			zap.Duration("retry_in", next),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(next):
		}
	}
}

// pump packs frames into blocks. The block in flight is committed when full,
// or once the flush interval has passed since its first frame. A source
// error commits a gap marker so consumers see the discontinuity before the
// source is reopened.
func (s *Sniffer) pump(ctx context.Context, src Source) error {
	block := s.buf.WriteBlock()
	filled := 0
	var blockTimestamp uint64
	var blockStarted time.Time

	commit := func() {
		// Frames never straddle blocks; the tail beyond the last whole
		// frame is zeroed.
		clear(block[filled:])
		if s.buf.CommitWrite(false, blockTimestamp) {
			metricBlocks.Inc()
		} else {
			metricDropped.Inc()
		}
		block = s.buf.WriteBlock()
		filled = 0
	}

	frame := make([]byte, s.buf.BlockSize())
	for {
		n, timestamp, err := src.ReadFrame(ctx, frame)
		switch {
		case errors.Is(err, os.ErrDeadlineExceeded):
			if filled > 0 && time.Since(blockStarted) >= s.flushInterval {
				commit()
			}
			continue
		case err != nil:
			s.buf.CommitWrite(true, 0)
			metricGaps.Inc()
			return err
		case n == 0:
			continue
		}

		metricFrames.Inc()
		if filled+n > len(block) {
			commit()
		}
		if filled == 0 {
			blockTimestamp = timestamp
			blockStarted = time.Now()
		}
		filled += copy(block[filled:], frame[:n])
		if filled == len(block) || time.Since(blockStarted) >= s.flushInterval {
			commit()
		}
	}
}
