package sniffer

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/gopacket/gopacket/pcapgo"

	"github.com/fa-platform/faarchiver/fabuf"
)

// readSlice bounds one blocking read on a live source so the pump regains
// control to flush partial blocks and observe cancellation.
const readSlice = 200 * time.Millisecond

// Source delivers FA frames one at a time.
type Source interface {
	// ReadFrame fills buf with the next frame and returns its length and
	// capture timestamp in microseconds since the epoch. A live source
	// returns os.ErrDeadlineExceeded when no frame arrived within one read
	// slice; a finite source returns io.EOF when exhausted.
	ReadFrame(ctx context.Context, buf []byte) (int, uint64, error)
	Close() error
}

// UDPSource receives one FA frame per datagram, stamped at arrival.
type UDPSource struct {
	conn *net.UDPConn
}

// ListenUDP opens a datagram listener on endpoint.
func ListenUDP(endpoint string) (*UDPSource, error) {
	addr, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %q: %w", endpoint, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %q: %w", endpoint, err)
	}
	return &UDPSource{conn: conn}, nil
}

func (s *UDPSource) ReadFrame(ctx context.Context, buf []byte) (int, uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	if err := s.conn.SetReadDeadline(time.Now().Add(readSlice)); err != nil {
		return 0, 0, err
	}
	n, _, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, 0, os.ErrDeadlineExceeded
		}
		return 0, 0, err
	}
	return n, fabuf.Now(), nil
}

// Addr returns the bound listen address.
func (s *UDPSource) Addr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *UDPSource) Close() error {
	return s.conn.Close()
}

// PcapSource replays FA frames from a capture file, one frame per packet,
// with timestamps taken from the capture headers. Used for offline
// re-archiving and tests.
type PcapSource struct {
	file   *os.File
	reader *pcapgo.Reader
}

// OpenPcap opens a capture file for replay.
func OpenPcap(path string) (*PcapSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file: %w", err)
	}
	reader, err := pcapgo.NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read capture header of %q: %w", path, err)
	}
	return &PcapSource{file: file, reader: reader}, nil
}

func (s *PcapSource) ReadFrame(ctx context.Context, buf []byte) (int, uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	data, info, err := s.reader.ReadPacketData()
	if err != nil {
		return 0, 0, err
	}
	n := copy(buf, data)
	ts := fabuf.TimespecMicro(info.Timestamp.Unix(), int64(info.Timestamp.Nanosecond()))
	return n, ts, nil
}

func (s *PcapSource) Close() error {
	return s.file.Close()
}
