//go:build ignore

// This file demonstrates every public API in the tsimux package.
// It is excluded from the build and serves as a reference and compile-time check.

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/tinyrange/tsimux"
)

// guestRAM is a minimal GuestMemory implementation: a flat block of host
// memory standing in for the guest's physical address space.
type guestRAM struct {
	mu  sync.Mutex
	buf []byte
}

func (g *guestRAM) ReadAt(p []byte, off int64) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if off < 0 || off >= int64(len(g.buf)) {
		return 0, fmt.Errorf("read outside guest memory: %#x", off)
	}
	return copy(p, g.buf[off:]), nil
}

func (g *guestRAM) WriteAt(p []byte, off int64) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(g.buf)) {
		return 0, fmt.Errorf("write outside guest memory: %#x", off)
	}
	return copy(g.buf[off:], p), nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// =========================================================================
	// Config - direct construction or YAML
	// =========================================================================
	cfg := tsimux.Config{
		GuestCID:  tsimux.DefaultGuestCID,
		TxBufSize: tsimux.DefaultTxBufSize,
		QueueSize: tsimux.DefaultQueueSize,
		RxBacklog: tsimux.DefaultRxBacklog,

		DebugAddress: "127.0.0.1:0",      // HTTP listener serving /status
		CapturePath:  "/tmp/vsock.pcap",  // pcap of every packet crossing the muxer
		TracePath:    "/tmp/vsock.trace", // binary trace, inspect with tsitrace
	}

	// Or load the same fields from a YAML file:
	if fromFile, err := tsimux.LoadConfig("vsock.yaml"); err == nil {
		cfg = fromFile
	}

	// =========================================================================
	// New - build the muxer over guest memory
	// =========================================================================
	mem := &guestRAM{buf: make([]byte, 64<<20)}

	// signal runs on the muxer goroutine when a queue's used ring advanced;
	// a VMM injects the device interrupt for that queue here.
	signal := func(queue int) {
		_ = queue // e.g. irqchip.InjectQueueInterrupt(vsockDev, queue)
	}

	m, err := tsimux.New(cfg, mem, signal, slog.Default())
	if err != nil {
		return fmt.Errorf("new muxer: %w", err)
	}
	defer m.Close()

	// =========================================================================
	// Queue - wire the four virtqueues from the guest's MMIO writes
	// =========================================================================
	queues := []int{
		tsimux.QueueStreamRx, // host to guest: handshakes and stream payload
		tsimux.QueueStreamTx, // guest to host: handshakes and stream payload
		tsimux.QueueDgramRx,  // host to guest: TSI control responses
		tsimux.QueueDgramTx,  // guest to host: TSI control requests
	}
	for _, idx := range queues {
		q := m.Queue(idx)
		q.SetAddresses(0x1000, 0x2000, 0x3000) // desc table, avail ring, used ring
		if err := q.SetSize(tsimux.DefaultQueueSize); err != nil {
			return fmt.Errorf("queue %d: %w", idx, err)
		}
		q.SetReady(true)
	}

	// =========================================================================
	// Start / Notify - run the loop and forward guest kicks
	// =========================================================================
	m.Start()

	// The VMM calls Notify from its MMIO exit handler when the guest writes
	// the queue-notify register.
	if err := m.Notify(tsimux.QueueDgramTx); err != nil {
		return fmt.Errorf("notify: %w", err)
	}

	// =========================================================================
	// Status - point-in-time snapshot, also served as JSON at /status
	// =========================================================================
	st := m.Status()
	_ = st.GuestCID      // CID the guest answers to
	_ = st.StreamBacklog // records waiting for stream RX descriptors
	_ = st.DgramBacklog  // records waiting for dgram RX descriptors
	_ = st.StreamDropped // records dropped from a full stream backlog
	_ = st.DgramDropped  // records dropped from a full dgram backlog
	for _, p := range st.Proxies {
		_ = p.ID
		_ = p.Status          // "idle", "connected", "listening", ...
		_ = p.Stats.LocalPort // host-side vsock port
		_ = p.Stats.PeerPort  // guest-side vsock port
		_ = p.Stats.TxCnt     // guest-to-host bytes
		_ = p.Stats.RxCnt     // host-to-guest bytes
		_ = p.Stats.PushCnt   // bytes pushed to the used ring, headers included
	}

	// =========================================================================
	// Diagnostics - packet capture and the debug HTTP listener
	// =========================================================================

	// OpenPacketCapture streams packets to any writer; CapturePath above is
	// the file-backed shortcut. Calling it again redirects the capture.
	var sink io.Writer = io.Discard
	if err := m.OpenPacketCapture(sink); err != nil {
		return fmt.Errorf("capture: %w", err)
	}

	// EnableDebugHTTP starts the /status listener; DebugAddress above is the
	// config-driven shortcut. DebugAddr reports the bound address.
	if err := m.EnableDebugHTTP("127.0.0.1:0"); err != nil {
		_ = err // already enabled via DebugAddress
	}
	fmt.Println("debug endpoint:", m.DebugAddr())

	// =========================================================================
	// Sentinel errors
	// =========================================================================
	if _, _, err := m.Queue(tsimux.QueueStreamRx).Pop(); errors.Is(err, tsimux.ErrNotReady) {
		_ = err // driver has not enabled the ring yet
	}

	// =========================================================================
	// Type aliases (for reference)
	// =========================================================================
	var (
		_ *tsimux.Muxer      // host side of one vsock device
		_ tsimux.Config      // muxer configuration
		_ tsimux.MuxerStatus // snapshot of muxer and proxies
		_ tsimux.ProxyInfo   // one proxy in a snapshot
		_ tsimux.ProxyStats  // traffic counters
		_ tsimux.GuestMemory // guest physical memory access
		_ *tsimux.Queue      // split virtqueue, device side
	)

	// =========================================================================
	// Lifecycle
	// =========================================================================
	return m.Close()
}
