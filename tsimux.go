//go:build linux

// Package tsimux multiplexes guest vsock connections onto host TCP sockets.
//
// A Muxer sits on the host side of a virtio-vsock device. The embedding VMM
// hands it guest memory and forwards virtqueue notifications; the muxer
// answers the guest's TSI (Transport Socket Interface) control requests by
// opening real host sockets, then shuttles stream payload between guest
// descriptors and those sockets under vsock credit flow control.
package tsimux

import (
	"log/slog"

	"github.com/tinyrange/tsimux/internal/virtio"
	"github.com/tinyrange/tsimux/internal/vsock"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from internal/vsock and internal/virtio
// -----------------------------------------------------------------------------

// Muxer is the host side of one virtio-vsock device.
type Muxer = vsock.Muxer

// Config describes one multiplexer instance.
type Config = vsock.Config

// MuxerStatus is a point-in-time snapshot of the muxer and its proxies.
type MuxerStatus = vsock.MuxerStatus

// ProxyInfo describes one proxy in a MuxerStatus.
type ProxyInfo = vsock.ProxyInfo

// ProxyStats counts the traffic one proxy has moved.
type ProxyStats = vsock.ProxyStats

// GuestMemory provides access to guest physical memory. Ring structures and
// descriptor payloads are resolved through this interface.
type GuestMemory = virtio.GuestMemory

// Queue is a split virtqueue driven from the device side. The embedding VMM
// configures addresses and size from the guest's MMIO writes, then marks the
// queue ready.
type Queue = virtio.Queue

// Virtqueue indices of the vsock device. Stream queues carry connection
// handshakes and payload, dgram queues carry the TSI control conversation.
const (
	QueueStreamRx = vsock.QueueStreamRx
	QueueStreamTx = vsock.QueueStreamTx
	QueueDgramRx  = vsock.QueueDgramRx
	QueueDgramTx  = vsock.QueueDgramTx
)

// Defaults applied by New wherever the corresponding Config field is zero.
const (
	DefaultGuestCID  = vsock.DefaultGuestCID
	DefaultTxBufSize = vsock.DefaultTxBufSize
	DefaultQueueSize = vsock.DefaultQueueSize
	DefaultRxBacklog = vsock.DefaultRxBacklog
)

// ErrNotReady reports queue access before the driver configured and enabled
// the ring.
var ErrNotReady = virtio.ErrNotReady

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

// LoadConfig reads a YAML muxer configuration file and applies defaults.
func LoadConfig(path string) (Config, error) {
	return vsock.LoadConfig(path)
}

// New builds a muxer over the given guest memory. signal is invoked from the
// muxer goroutine whenever the guest must be interrupted for a queue; it may
// be nil. A nil log falls back to slog.Default.
//
// Configure each virtqueue through Queue, then call Start. The caller must
// call Close when finished to release host sockets and file descriptors.
func New(cfg Config, mem GuestMemory, signal func(queue int), log *slog.Logger) (*Muxer, error) {
	return vsock.New(cfg, mem, signal, log)
}
