// Package server exposes the live subscription surface: a TCP listener where
// each subscriber receives the block stream through its own unreserved
// reader. Subscribers tolerate loss by construction; a lapped reader simply
// resynchronizes to the current write position.
//
// The protocol is one LF-terminated command line per connection, selected by
// its first byte:
//
//	S<pattern>  subscribe when the glob pattern matches the stream name;
//	            the reply "OK <block_size>" is followed by framed blocks
//	H, R        halt or resume archiving (the debug surface)
//	Q           one-line status
//
// Each framed block is a 16-byte little-endian header (timestamp in
// microseconds, payload length) followed by the block bytes. A zero length
// flags a discontinuity.
package server

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fa-platform/faarchiver/fabuf"
)

// headerSize is the framed-block header: timestamp and payload length.
const headerSize = 16

// writeTimeout bounds one send to a subscriber so a dead peer cannot pin a
// handler goroutine.
const writeTimeout = 10 * time.Second

var metricSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "faarchiver",
	Name:      "server_subscribers",
	Help:      "Currently connected block stream subscribers.",
})

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Option configures a Server.
type Option func(*options)

// WithLog sets the logger for the server.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// Server serves the subscription protocol for one buffer.
type Server struct {
	buf      *fabuf.Buffer
	stream   string
	listener net.Listener
	log      *zap.SugaredLogger
}

// NewServer binds the subscription endpoint. stream is the archiver's stream
// name that subscribe patterns are matched against.
func NewServer(buf *fabuf.Buffer, endpoint, stream string, opts ...Option) (*Server, error) {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	listener, err := net.Listen("tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %q: %w", endpoint, err)
	}

	return &Server{
		buf:      buf,
		stream:   stream,
		listener: listener,
		log:      o.Log,
	}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Run accepts subscribers until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	s.log.Infow("serving subscriptions", zap.Stringer("addr", s.listener.Addr()))

	stop := context.AfterFunc(ctx, func() {
		s.listener.Close()
	})
	defer stop()

	wg, ctx := errgroup.WithContext(ctx)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			wg.Wait()
			return fmt.Errorf("accept failed: %w", err)
		}
		wg.Go(func() error {
			// Unblock any pending read or write on shutdown.
			stop := context.AfterFunc(ctx, func() {
				conn.Close()
			})
			defer stop()
			defer conn.Close()
			s.handle(ctx, conn)
			return nil
		})
	}

	wg.Wait()
	return ctx.Err()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		fmt.Fprint(conn, "ERR empty command\n")
		return
	}

	log := s.log.With(zap.Stringer("peer", conn.RemoteAddr()))
	switch line[0] {
	case 'S':
		s.subscribe(ctx, conn, line[1:], log)
	case 'H':
		s.buf.EnableWrite(false)
		log.Infow("archiving halted")
		fmt.Fprint(conn, "OK\n")
	case 'R':
		s.buf.EnableWrite(true)
		log.Infow("archiving resumed")
		fmt.Fprint(conn, "OK\n")
	case 'Q':
		fmt.Fprintf(conn, "enabled=%t block_size=%d block_count=%d\n",
			s.buf.WriteEnabled(), s.buf.BlockSize(), s.buf.BlockCount())
	default:
		fmt.Fprintf(conn, "ERR unknown command %q\n", line[0])
	}
}

// subscribe streams framed blocks for as long as the peer keeps up with its
// reads and the context stays alive.
func (s *Server) subscribe(ctx context.Context, conn net.Conn, pattern string, log *zap.SugaredLogger) {
	g, err := glob.Compile(pattern)
	if err != nil {
		fmt.Fprint(conn, "ERR bad pattern\n")
		return
	}
	if !g.Match(s.stream) {
		fmt.Fprint(conn, "ERR no match\n")
		return
	}
	// Attach before acknowledging: a block committed the instant the peer
	// sees OK must already be downstream of this reader.
	reader := s.buf.OpenReader(false)
	defer reader.Close()
	stop := context.AfterFunc(ctx, reader.Interrupt)
	defer stop()

	if _, err := fmt.Fprintf(conn, "OK %d\n", s.buf.BlockSize()); err != nil {
		return
	}

	metricSubscribers.Inc()
	defer metricSubscribers.Dec()
	log.Infow("subscriber attached", zap.String("pattern", pattern))
	defer log.Infow("subscriber detached")

	header := make([]byte, headerSize)
	for {
		block, timestamp := reader.ReadBlock()
		if block == nil && ctx.Err() != nil {
			return
		}

		binary.LittleEndian.PutUint64(header[0:8], timestamp)
		binary.LittleEndian.PutUint64(header[8:16], uint64(len(block)))

		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := conn.Write(header); err != nil {
			return
		}
		if block == nil {
			continue
		}
		if _, err := conn.Write(block); err != nil {
			return
		}
		reader.ReleaseBlock()
	}
}
