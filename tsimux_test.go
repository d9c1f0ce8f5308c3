//go:build linux

package tsimux_test

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/tinyrange/tsimux"
)

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

func TestMuxerLifecycle(t *testing.T) {
	var mem tsimux.GuestMemory = &guestRAM{buf: make([]byte, 1<<20)}

	m, err := tsimux.New(tsimux.Config{}, mem, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	for _, idx := range []int{
		tsimux.QueueStreamRx,
		tsimux.QueueStreamTx,
		tsimux.QueueDgramRx,
		tsimux.QueueDgramTx,
	} {
		if m.Queue(idx) == nil {
			t.Fatalf("Queue(%d) = nil", idx)
		}
	}
	if m.Queue(4) != nil {
		t.Fatal("Queue(4) should be nil")
	}

	m.Start()
	// Kicking an unconfigured queue must be harmless.
	if err := m.Notify(tsimux.QueueDgramTx); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	st := m.Status()
	if st.GuestCID != tsimux.DefaultGuestCID {
		t.Fatalf("GuestCID = %d, want default %d", st.GuestCID, tsimux.DefaultGuestCID)
	}
	if len(st.Proxies) != 0 {
		t.Fatalf("fresh muxer has %d proxies", len(st.Proxies))
	}
	if addr := m.DebugAddr(); addr != "" {
		t.Fatalf("DebugAddr = %q without DebugAddress configured", addr)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vsock.yaml")
	yaml := "guestCID: 7\ntxBufSize: 32768\ndebugAddress: \"127.0.0.1:0\"\n"
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := tsimux.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.GuestCID != 7 {
		t.Fatalf("GuestCID = %d, want 7", cfg.GuestCID)
	}
	if cfg.TxBufSize != 32768 {
		t.Fatalf("TxBufSize = %d, want 32768", cfg.TxBufSize)
	}
	if cfg.DebugAddress != "127.0.0.1:0" {
		t.Fatalf("DebugAddress = %q", cfg.DebugAddress)
	}
	if cfg.QueueSize != tsimux.DefaultQueueSize {
		t.Fatalf("QueueSize = %d, want default %d", cfg.QueueSize, tsimux.DefaultQueueSize)
	}
	if cfg.RxBacklog != tsimux.DefaultRxBacklog {
		t.Fatalf("RxBacklog = %d, want default %d", cfg.RxBacklog, tsimux.DefaultRxBacklog)
	}

	if _, err := tsimux.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("LoadConfig of a missing file should fail")
	}
}
