package vsock

import (
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/tsimux/internal/virtio"
)

const (
	ringDescFNext  = 1
	ringDescFWrite = 2
)

// testMem is a sparse, mutex-guarded guest memory. Muxer tests read ring
// state from the test goroutine while the loop goroutine writes it.
type testMem struct {
	mu   sync.Mutex
	data map[uint64]byte
}

func newTestMem() *testMem {
	return &testMem{data: make(map[uint64]byte)}
}

func (m *testMem) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range p {
		p[i] = m.data[uint64(off)+uint64(i)]
	}
	return len(p), nil
}

func (m *testMem) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, b := range p {
		m.data[uint64(off)+uint64(i)] = b
	}
	return len(p), nil
}

func (m *testMem) readBytes(addr uint64, n int) []byte {
	buf := make([]byte, n)
	m.ReadAt(buf, int64(addr))
	return buf
}

func (m *testMem) readUint16(addr uint64) uint16 {
	return binary.LittleEndian.Uint16(m.readBytes(addr, 2))
}

func (m *testMem) readUint32(addr uint64) uint32 {
	return binary.LittleEndian.Uint32(m.readBytes(addr, 4))
}

func (m *testMem) writeUint16(addr uint64, v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	m.WriteAt(buf[:], int64(addr))
}

type ringDesc struct {
	addr   uint64
	length uint32
}

// testRing drives one virtqueue from the driver (guest) side. The layout
// places the descriptor table, avail ring, used ring and a payload arena at
// fixed offsets from base.
type testRing struct {
	t    *testing.T
	mem  *testMem
	size uint16

	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	nextDesc  uint16
	arenaNext uint64
	lastUsed  uint16

	descs map[uint16]ringDesc
}

func newTestRing(t *testing.T, mem *testMem, base uint64, size uint16) *testRing {
	return &testRing{
		t:         t,
		mem:       mem,
		size:      size,
		descAddr:  base,
		availAddr: base + 0x1000,
		usedAddr:  base + 0x2000,
		arenaNext: base + 0x10000,
		descs:     make(map[uint16]ringDesc),
	}
}

// attach configures a device-side queue against this ring's layout.
func (r *testRing) attach(q *virtio.Queue) *virtio.Queue {
	r.t.Helper()
	q.SetAddresses(r.descAddr, r.availAddr, r.usedAddr)
	if err := q.SetSize(r.size); err != nil {
		r.t.Fatalf("SetSize: %v", err)
	}
	q.SetReady(true)
	return q
}

func (r *testRing) newQueue() *virtio.Queue {
	return r.attach(virtio.NewQueue(r.mem, r.size))
}

func (r *testRing) alloc(n int) uint64 {
	addr := r.arenaNext
	r.arenaNext += uint64(n) + 16
	return addr
}

func (r *testRing) writeDesc(idx uint16, addr uint64, length uint32, flags uint16, next uint16) {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], addr)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	binary.LittleEndian.PutUint16(buf[12:14], flags)
	binary.LittleEndian.PutUint16(buf[14:16], next)
	r.mem.WriteAt(buf[:], int64(r.descAddr+uint64(idx)*16))
}

func (r *testRing) pushAvail(head uint16) {
	idx := r.mem.readUint16(r.availAddr + 2)
	r.mem.writeUint16(r.availAddr+4+uint64(idx%r.size)*2, head)
	r.mem.writeUint16(r.availAddr+2, idx+1)
}

// postBuffer posts one device-writable descriptor of n bytes and returns its
// index.
func (r *testRing) postBuffer(n int) uint16 {
	idx := r.nextDesc % r.size
	r.nextDesc++
	addr := r.alloc(n)
	r.writeDesc(idx, addr, uint32(n), ringDescFWrite, 0)
	r.descs[idx] = ringDesc{addr: addr, length: uint32(n)}
	r.pushAvail(idx)
	return idx
}

// postPacket posts data as one device-readable descriptor.
func (r *testRing) postPacket(data []byte) uint16 {
	idx := r.nextDesc % r.size
	r.nextDesc++
	addr := r.alloc(len(data))
	r.mem.WriteAt(data, int64(addr))
	r.writeDesc(idx, addr, uint32(len(data)), 0, 0)
	r.descs[idx] = ringDesc{addr: addr, length: uint32(len(data))}
	r.pushAvail(idx)
	return idx
}

// usedCount reports how many used entries the device published that the
// driver side has not consumed yet.
func (r *testRing) usedCount() int {
	return int(r.mem.readUint16(r.usedAddr+2) - r.lastUsed)
}

// nextUsed consumes one used entry.
func (r *testRing) nextUsed() (head uint16, length uint32) {
	r.t.Helper()
	if r.usedCount() == 0 {
		r.t.Fatal("no used entries")
	}
	slot := r.lastUsed % r.size
	base := r.usedAddr + 4 + uint64(slot)*8
	head = uint16(r.mem.readUint32(base))
	length = r.mem.readUint32(base + 4)
	r.lastUsed++
	return head, length
}

// readPacket consumes one used entry and parses the packet the device wrote
// into its descriptor.
func (r *testRing) readPacket() Packet {
	r.t.Helper()
	head, length := r.nextUsed()
	d, ok := r.descs[head]
	if !ok {
		r.t.Fatalf("used entry names unknown descriptor %d", head)
	}
	if length == 0 {
		r.t.Fatalf("used entry for descriptor %d has zero length", head)
	}
	if length > d.length {
		r.t.Fatalf("used length %d exceeds descriptor size %d", length, d.length)
	}
	pkt, err := ParsePacket(r.mem.readBytes(d.addr, int(length)))
	if err != nil {
		r.t.Fatalf("parsing device packet: %v", err)
	}
	return pkt
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
