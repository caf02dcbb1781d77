package archiver

import (
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for the archiver daemon.
type Config struct {
	// Stream is the archiver's stream name, matched against subscription
	// patterns.
	Stream string `yaml:"stream"`
	// Buffer configures the in-memory block ring.
	Buffer BufferConfig `yaml:"buffer"`
	// Sniffer configures the frame source.
	Sniffer SnifferConfig `yaml:"sniffer"`
	// Disk configures the persistence path.
	Disk DiskConfig `yaml:"disk"`
	// Server configures the live subscription endpoint.
	Server ServerConfig `yaml:"server"`
	// Metrics configures the Prometheus endpoint. Empty disables it.
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoadConfig loads configuration from a YAML file at the specified path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Stream: "fa",
		Buffer: BufferConfig{
			BlockSize:  64 * datasize.KB,
			BlockCount: 64,
		},
		Sniffer: SnifferConfig{
			Listen:        "[::]:8889",
			FlushInterval: 100 * time.Millisecond,
		},
		Disk: DiskConfig{
			Dir:         "/var/lib/faarchiver",
			SegmentSize: 256 * datasize.MB,
			Direct:      true,
		},
		Server: ServerConfig{
			Endpoint: "[::]:8888",
		},
	}
}

// Validate checks the configuration for inconsistencies the decoder cannot
// catch.
func (m *Config) Validate() error {
	if m.Buffer.BlockSize == 0 || m.Buffer.BlockCount <= 0 {
		return fmt.Errorf("invalid buffer geometry: %d blocks of %s",
			m.Buffer.BlockCount, m.Buffer.BlockSize)
	}
	if m.Disk.Direct && m.Buffer.BlockSize%4096 != 0 {
		return fmt.Errorf("direct I/O requires the block size to be a multiple of 4096, got %d",
			uint64(m.Buffer.BlockSize))
	}
	if m.Sniffer.Listen == "" && m.Sniffer.Replay == "" {
		return fmt.Errorf("sniffer needs either a listen endpoint or a replay file")
	}
	if m.Sniffer.Listen != "" && m.Sniffer.Replay != "" {
		return fmt.Errorf("sniffer listen endpoint and replay file are mutually exclusive")
	}
	return nil
}

// BufferConfig fixes the ring geometry for the process lifetime.
type BufferConfig struct {
	// BlockSize is the size of one block, the unit of both write commit and
	// read delivery.
	BlockSize datasize.ByteSize `yaml:"block_size"`
	// BlockCount is the number of blocks in the ring.
	BlockCount int `yaml:"block_count"`
}

// SnifferConfig selects the frame source.
type SnifferConfig struct {
	// Listen is the UDP endpoint FA frames arrive on.
	Listen string `yaml:"listen"`
	// Replay is a pcap file to re-archive instead of listening. Mutually
	// exclusive with Listen.
	Replay string `yaml:"replay"`
	// FlushInterval bounds how long a partially filled block waits for
	// further frames.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DiskConfig describes the persistence target.
type DiskConfig struct {
	// Dir is the directory segment files are written into.
	Dir string `yaml:"dir"`
	// SegmentSize is the rotation threshold.
	SegmentSize datasize.ByteSize `yaml:"segment_size"`
	// Direct opens segment files with O_DIRECT.
	Direct bool `yaml:"direct"`
}

// ServerConfig configures the subscription surface.
type ServerConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	Endpoint string `yaml:"endpoint"`
}
