// Package archiver assembles the FA archiver daemon: one block buffer, the
// sniffer filling it, the disk writer draining the reserved reader, and the
// live subscription server.
package archiver

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fa-platform/faarchiver/disk"
	"github.com/fa-platform/faarchiver/fabuf"
	"github.com/fa-platform/faarchiver/server"
	"github.com/fa-platform/faarchiver/sniffer"
)

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// ArchiverOption is a function that configures the archiver.
type ArchiverOption func(*options)

// WithLog sets the logger for the archiver.
func WithLog(log *zap.SugaredLogger) ArchiverOption {
	return func(o *options) {
		o.Log = log
	}
}

// Archiver is the daemon: it owns the buffer and the three components
// attached to it.
type Archiver struct {
	cfg     *Config
	buf     *fabuf.Buffer
	disk    *disk.Writer
	sniffer *sniffer.Sniffer
	server  *server.Server
	log     *zap.SugaredLogger
}

// NewArchiver builds the daemon from the provided configuration.
func NewArchiver(cfg *Config, options ...ArchiverOption) (*Archiver, error) {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	log := opts.Log
	log.Infow("initializing FA archiver",
		zap.String("stream", cfg.Stream),
		zap.Stringer("block_size", cfg.Buffer.BlockSize),
		zap.Int("block_count", cfg.Buffer.BlockCount),
	)

	buf, err := fabuf.New(int(cfg.Buffer.BlockSize), cfg.Buffer.BlockCount,
		fabuf.WithLog(log.With(zap.String("component", "fabuf"))))
	if err != nil {
		return nil, fmt.Errorf("failed to create block buffer: %w", err)
	}

	diskWriter, err := disk.NewWriter(buf, disk.Config{
		Dir:         cfg.Disk.Dir,
		SegmentSize: uint64(cfg.Disk.SegmentSize),
		Direct:      cfg.Disk.Direct,
	}, disk.WithLog(log.With(zap.String("component", "disk"))))
	if err != nil {
		buf.Close()
		return nil, fmt.Errorf("failed to create disk writer: %w", err)
	}

	var dial sniffer.DialFunc
	if cfg.Sniffer.Replay != "" {
		dial = func(context.Context) (sniffer.Source, error) {
			return sniffer.OpenPcap(cfg.Sniffer.Replay)
		}
	} else {
		dial = func(context.Context) (sniffer.Source, error) {
			return sniffer.ListenUDP(cfg.Sniffer.Listen)
		}
	}
	sn := sniffer.New(buf, dial,
		sniffer.WithLog(log.With(zap.String("component", "sniffer"))),
		sniffer.WithFlushInterval(cfg.Sniffer.FlushInterval),
	)

	srv, err := server.NewServer(buf, cfg.Server.Endpoint, cfg.Stream,
		server.WithLog(log.With(zap.String("component", "server"))))
	if err != nil {
		diskWriter.Close()
		buf.Close()
		return nil, fmt.Errorf("failed to create subscription server: %w", err)
	}

	return &Archiver{
		cfg:     cfg,
		buf:     buf,
		disk:    diskWriter,
		sniffer: sn,
		server:  srv,
		log:     log,
	}, nil
}

// Run drives all components until the context is canceled. A finished replay
// source stops the sniffer but leaves persistence and subscriptions serving.
func (m *Archiver) Run(ctx context.Context) error {
	m.log.Info("running archiver")
	defer m.log.Info("stopped archiver")

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return m.disk.Run(ctx)
	})
	wg.Go(func() error {
		return m.sniffer.Run(ctx)
	})
	wg.Go(func() error {
		return m.server.Run(ctx)
	})
	if m.cfg.Metrics.Endpoint != "" {
		wg.Go(func() error {
			return m.serveMetrics(ctx)
		})
	}

	return wg.Wait()
}

// Close releases the buffer and the reserved reader. Run must have returned.
func (m *Archiver) Close() error {
	m.disk.Close()
	return m.buf.Close()
}

func (m *Archiver) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: m.cfg.Metrics.Endpoint, Handler: mux}

	stop := context.AfterFunc(ctx, func() {
		srv.Close()
	})
	defer stop()

	m.log.Infow("serving metrics", zap.String("endpoint", m.cfg.Metrics.Endpoint))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return ctx.Err()
}
