package vsock

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultGuestCID is the first CID the vsock spec allows a guest to use
	// (0 and 1 are reserved, 2 is the host).
	DefaultGuestCID = 3

	// DefaultQueueSize is the maximum virtqueue size advertised to the guest.
	DefaultQueueSize = 256

	// DefaultRxBacklog bounds the number of outbound records the muxer holds
	// while the guest's RX rings are out of descriptors.
	DefaultRxBacklog = 256
)

// Config describes one vsock multiplexer instance.
type Config struct {
	GuestCID  uint64 `yaml:"guestCID"`
	TxBufSize uint32 `yaml:"txBufSize,omitempty"`
	RxBacklog int    `yaml:"rxBacklog,omitempty"`
	QueueSize uint16 `yaml:"queueSize,omitempty"`

	// DebugAddress enables an HTTP listener serving muxer state at /status.
	DebugAddress string `yaml:"debugAddress,omitempty"`
	// CapturePath streams every vsock packet crossing the muxer to a pcap file.
	CapturePath string `yaml:"capturePath,omitempty"`
	// TracePath enables the binary trace log consumed by tsitrace.
	TracePath string `yaml:"tracePath,omitempty"`
}

func (c *Config) normalize() {
	if c.GuestCID == 0 {
		c.GuestCID = DefaultGuestCID
	}
	if c.TxBufSize == 0 {
		c.TxBufSize = DefaultTxBufSize
	}
	if c.RxBacklog == 0 {
		c.RxBacklog = DefaultRxBacklog
	}
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}
}

// LoadConfig reads a muxer configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.normalize()
	return cfg, nil
}
