//go:build linux

package vsock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/tsimux/internal/debug"
	"github.com/tinyrange/tsimux/internal/epoll"
	"github.com/tinyrange/tsimux/internal/pcap"
	"github.com/tinyrange/tsimux/internal/virtio"
)

// Virtqueue layout. Stream queues carry connection handshakes and payload;
// dgram queues carry the TSI control conversation.
const (
	QueueStreamRx = 0
	QueueStreamTx = 1
	QueueDgramRx  = 2
	QueueDgramTx  = 3

	queueCount = 4
)

const (
	// Proxy ids stay below tokenKickBase; tokens at or above it belong to
	// the loop's own event fds.
	tokenKickBase = uint64(1) << 62
	tokenStop     = tokenKickBase + queueCount

	// Host-side ports handed to reverse proxies start here, clear of the
	// guest's ephemeral range.
	reverseLocalPortBase = 1 << 30

	captureSnapLen = 8192
)

// streamKey addresses one stream connection: the guest-side port paired
// with the host-side port.
type streamKey struct {
	src uint32
	dst uint32
}

// SharedQueue pairs an RX virtqueue with the lock that serializes access
// between the muxer and its proxies, and tracks whether used entries were
// added since the guest was last signaled.
type SharedQueue struct {
	mu      sync.Mutex
	q       *virtio.Queue
	pending atomic.Bool
	capture func(hdr Header, payload []byte)
}

// NewSharedQueue wraps q for shared use.
func NewSharedQueue(q *virtio.Queue) *SharedQueue {
	return &SharedQueue{q: q}
}

// Acquire locks the queue and returns it. Callers must call Release.
func (s *SharedQueue) Acquire() *virtio.Queue {
	s.mu.Lock()
	return s.q
}

// Release unlocks the queue.
func (s *SharedQueue) Release() {
	s.mu.Unlock()
}

// MarkPending records that the guest should be signaled for this queue.
func (s *SharedQueue) MarkPending() {
	s.pending.Store(true)
}

// TakePending consumes the pending-signal flag.
func (s *SharedQueue) TakePending() bool {
	return s.pending.Swap(false)
}

// InterruptNeeded reports whether the driver currently wants an interrupt.
func (s *SharedQueue) InterruptNeeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.InterruptNeeded()
}

func (s *SharedQueue) capturePkt(hdr Header, payload []byte) {
	if s.capture != nil {
		s.capture(hdr, payload)
	}
}

// pushPacket delivers rx straight into a guest RX descriptor when the
// backlog is empty, otherwise enqueues it. The rxq lock is taken before the
// queue lock, never the other way around.
func pushPacket(cid uint64, rx MuxerRx, rxq *RxQueue, sq *SharedQueue, bufAlloc uint32) {
	if rxq.PushOrDeliver(rx, func(r MuxerRx) bool {
		return deliverRx(cid, r, sq, bufAlloc)
	}) {
		slog.Warn("vsock: rx backlog full, dropped oldest record",
			"kind", rx.Kind.String(), "peer_port", rx.PeerPort)
	}
}

// deliverRx renders one record into the next available RX descriptor.
// A descriptor that cannot take the packet is completed with length zero so
// the ring keeps moving; the record stays behind for the next descriptor.
func deliverRx(cid uint64, rx MuxerRx, sq *SharedQueue, bufAlloc uint32) bool {
	q := sq.Acquire()
	defer sq.Release()

	chain, ok, err := q.Pop()
	if err != nil {
		if !errors.Is(err, virtio.ErrNotReady) {
			slog.Warn("vsock: RX ring error", "err", err)
		}
		return false
	}
	if !ok {
		return false
	}

	hdr, payload := rx.render(cid, bufAlloc)

	pkt, err := NewRxPacket(q, chain)
	if err == nil && len(payload) > pkt.BufCap() {
		err = ErrInvalidDescriptorChain
	}
	if err == nil {
		pkt.Hdr = hdr
		if werr := pkt.WritePayload(0, payload); werr != nil {
			err = werr
		} else {
			err = pkt.Commit()
		}
	}

	if err != nil {
		debug.Writef("vsock-muxer.deliverRx", "unusable RX descriptor: %v", err)
		if uerr := q.AddUsed(chain.Head, 0); uerr != nil {
			slog.Error("vsock: used ring error", "err", uerr)
		}
		sq.MarkPending()
		return false
	}

	if err := q.AddUsed(chain.Head, pkt.UsedLen()); err != nil {
		slog.Error("vsock: used ring error", "err", err)
	}
	sq.MarkPending()
	sq.capturePkt(hdr, payload)

	debug.Writef("vsock-muxer.deliverRx", "kind=%s local_port=%d peer_port=%d len=%d",
		rx.Kind, rx.LocalPort, rx.PeerPort, len(payload))
	return true
}

// Muxer owns the four virtqueues, the receive backlogs, and the proxy table,
// and runs the epoll loop that drives every proxy. The embedding VMM
// configures the queues, forwards guest kicks through Notify, and receives
// used-ring notifications through the signal callback.
type Muxer struct {
	log *slog.Logger

	cid      uint64
	bufAlloc uint32

	queues        [queueCount]*virtio.Queue
	queueStreamRx *SharedQueue
	queueDgramRx  *SharedQueue

	rxqStream *RxQueue
	rxqDgram  *RxQueue

	poller *epoll.Poller
	kicks  [queueCount]*epoll.EventFD
	stop   *epoll.EventFD

	// signal notifies the guest that a queue's used ring advanced.
	signal func(queue int)

	// mu serializes packet dispatch, event dispatch, and the proxy table.
	mu          sync.Mutex
	proxies     map[uint64]Proxy
	tsiIndex    map[uint32]uint64
	streamIndex map[streamKey]uint64

	nextID        uint64
	nextLocalPort uint32

	captureMu   sync.Mutex
	captureW    *pcap.Writer
	captureFile *os.File

	traceOpen bool

	debugMu       sync.Mutex
	debugSrv      *http.Server
	debugListener net.Listener
	debugWG       sync.WaitGroup
	debugAddr     string

	wg        sync.WaitGroup
	started   bool
	closeOnce sync.Once
}

// New builds a muxer over the given guest memory. signal is invoked from the
// muxer goroutine whenever the guest must be interrupted for a queue; it may
// be nil. Queues are configured through Queue before Start.
func New(cfg Config, mem virtio.GuestMemory, signal func(queue int), log *slog.Logger) (*Muxer, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg.normalize()

	m := &Muxer{
		log:           log,
		cid:           cfg.GuestCID,
		bufAlloc:      cfg.TxBufSize,
		signal:        signal,
		rxqStream:     NewRxQueue(cfg.RxBacklog),
		rxqDgram:      NewRxQueue(cfg.RxBacklog),
		proxies:       make(map[uint64]Proxy),
		tsiIndex:      make(map[uint32]uint64),
		streamIndex:   make(map[streamKey]uint64),
		nextID:        1,
		nextLocalPort: reverseLocalPortBase,
	}
	for i := range m.queues {
		m.queues[i] = virtio.NewQueue(mem, cfg.QueueSize)
	}
	m.queueStreamRx = &SharedQueue{q: m.queues[QueueStreamRx], capture: m.capturePacket}
	m.queueDgramRx = &SharedQueue{q: m.queues[QueueDgramRx], capture: m.capturePacket}

	poller, err := epoll.NewPoller()
	if err != nil {
		return nil, fmt.Errorf("vsock: creating poller: %w", err)
	}
	m.poller = poller

	cleanup := func() {
		for _, k := range m.kicks {
			if k != nil {
				k.Close()
			}
		}
		if m.stop != nil {
			m.stop.Close()
		}
		poller.Close()
	}

	for i := range m.kicks {
		efd, err := epoll.NewEventFD()
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("vsock: creating kick fd: %w", err)
		}
		m.kicks[i] = efd
		if err := poller.Update(tokenKickBase+uint64(i), efd.Fd(), epoll.In); err != nil {
			cleanup()
			return nil, fmt.Errorf("vsock: registering kick fd: %w", err)
		}
	}

	m.stop, err = epoll.NewEventFD()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("vsock: creating stop fd: %w", err)
	}
	if err := poller.Update(tokenStop, m.stop.Fd(), epoll.In); err != nil {
		cleanup()
		return nil, fmt.Errorf("vsock: registering stop fd: %w", err)
	}

	if cfg.TracePath != "" {
		if err := debug.OpenFile(cfg.TracePath); err != nil {
			log.Warn("vsock: opening trace log", "path", cfg.TracePath, "err", err)
		} else {
			m.traceOpen = true
		}
	}
	if cfg.CapturePath != "" {
		f, err := os.Create(cfg.CapturePath)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("vsock: creating capture file: %w", err)
		}
		if err := m.OpenPacketCapture(f); err != nil {
			f.Close()
			cleanup()
			return nil, err
		}
		m.captureFile = f
	}
	if cfg.DebugAddress != "" {
		if err := m.EnableDebugHTTP(cfg.DebugAddress); err != nil {
			log.Warn("vsock: debug http disabled", "err", err)
		}
	}

	return m, nil
}

// Queue exposes a virtqueue so the transport layer can configure addresses,
// size and readiness. Configure before Start; the muxer goroutine owns the
// queues afterwards.
func (m *Muxer) Queue(queue int) *virtio.Queue {
	if queue < 0 || queue >= queueCount {
		return nil
	}
	return m.queues[queue]
}

// Notify tells the muxer the guest kicked a queue. Safe to call from any
// goroutine.
func (m *Muxer) Notify(queue int) error {
	if queue < 0 || queue >= queueCount {
		return fmt.Errorf("vsock: queue %d out of range", queue)
	}
	return m.kicks[queue].Kick()
}

// Start launches the event loop.
func (m *Muxer) Start() {
	m.started = true
	m.wg.Add(1)
	go m.run()
}

// Close stops the loop, tears down every proxy and releases the loop fds.
func (m *Muxer) Close() error {
	m.closeOnce.Do(func() {
		if m.started {
			if err := m.stop.Kick(); err != nil {
				m.log.Warn("vsock: stop kick failed", "err", err)
			}
			m.wg.Wait()
		}

		m.mu.Lock()
		proxies := make([]Proxy, 0, len(m.proxies))
		for _, p := range m.proxies {
			proxies = append(proxies, p)
		}
		m.proxies = make(map[uint64]Proxy)
		m.tsiIndex = make(map[uint32]uint64)
		m.streamIndex = make(map[streamKey]uint64)
		m.mu.Unlock()
		for _, p := range proxies {
			p.Close()
		}

		for _, k := range m.kicks {
			k.Close()
		}
		m.stop.Close()
		if err := m.poller.Close(); err != nil {
			m.log.Warn("vsock: closing poller", "err", err)
		}

		m.captureMu.Lock()
		m.captureW = nil
		f := m.captureFile
		m.captureFile = nil
		m.captureMu.Unlock()
		if f != nil {
			if err := f.Close(); err != nil {
				m.log.Warn("vsock: closing capture file", "err", err)
			}
		}

		m.shutdownDebugHTTP()

		if m.traceOpen {
			if err := debug.Close(); err != nil {
				m.log.Warn("vsock: closing trace log", "err", err)
			}
		}
	})
	return nil
}

func (m *Muxer) run() {
	defer m.wg.Done()

	for {
		events, err := m.poller.Wait(-1)
		if err != nil {
			m.log.Error("vsock: epoll wait failed", "err", err)
			return
		}

		for _, ev := range events {
			switch {
			case ev.Token == tokenStop:
				m.stop.Drain()
				return
			case ev.Token >= tokenKickBase:
				queue := int(ev.Token - tokenKickBase)
				m.kicks[queue].Drain()
				switch queue {
				case QueueStreamTx, QueueDgramTx:
					m.processTx(queue)
				case QueueStreamRx:
					m.flushRx(m.rxqStream, m.queueStreamRx)
				case QueueDgramRx:
					m.flushRx(m.rxqDgram, m.queueDgramRx)
				}
			default:
				m.dispatchProxyEvent(ev.Token, ev.Events)
			}
		}

		m.signalQueues()
	}
}

// processTx drains one guest TX ring, dispatching each packet to its proxy.
func (m *Muxer) processTx(queue int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[queue]
	var processed int
	for {
		chain, ok, err := q.Pop()
		if err != nil {
			if !errors.Is(err, virtio.ErrNotReady) {
				m.log.Warn("vsock: TX ring error", "queue", queue, "err", err)
			}
			break
		}
		if !ok {
			break
		}

		var usedLen uint32
		data, err := q.ReadChain(chain)
		if err != nil {
			m.log.Warn("vsock: reading TX chain", "queue", queue, "err", err)
		} else {
			usedLen = uint32(len(data))
			pkt, perr := ParsePacket(data)
			if perr != nil {
				m.log.Warn("vsock: dropping malformed TX packet", "queue", queue, "err", perr)
			} else {
				m.capturePacket(pkt.Hdr, pkt.Data)
				if queue == QueueStreamTx {
					m.handleStreamPacket(pkt)
				} else {
					m.handleDgramPacket(pkt)
				}
			}
		}

		if err := q.AddUsed(chain.Head, usedLen); err != nil {
			m.log.Error("vsock: TX used ring error", "queue", queue, "err", err)
			break
		}
		processed++
	}

	if processed > 0 && q.InterruptNeeded() {
		m.signalGuest(queue)
	}
}

// handleStreamPacket routes one guest stream packet. Callers hold m.mu.
func (m *Muxer) handleStreamPacket(pkt Packet) {
	debug.Writef("vsock-muxer.streamTx", "src=%d:%d dst=%d:%d op=%s len=%d",
		pkt.Hdr.SrcCID, pkt.Hdr.SrcPort, pkt.Hdr.DstCID, pkt.Hdr.DstPort, opString(pkt.Hdr.Op), pkt.Hdr.Len)

	if pkt.Hdr.Type != VIRTIO_VSOCK_TYPE_STREAM {
		m.log.Warn("vsock: non-stream packet on stream queue", "type", pkt.Hdr.Type)
		return
	}

	key := streamKey{src: pkt.Hdr.SrcPort, dst: pkt.Hdr.DstPort}
	id, ok := m.streamIndex[key]
	if !ok && pkt.Hdr.Op == VIRTIO_VSOCK_OP_REQUEST {
		// First stream packet of a guest-initiated connection: adopt the
		// proxy created over TSI and pin the port pair.
		if tid, tok := m.tsiIndex[pkt.Hdr.SrcPort]; tok {
			id, ok = tid, true
			m.streamIndex[key] = tid
		}
	}

	var p Proxy
	if ok {
		p = m.proxies[id]
	}
	if p == nil {
		if pkt.Hdr.Op != VIRTIO_VSOCK_OP_RST {
			m.log.Warn("vsock: stream packet for unknown connection",
				"src_port", pkt.Hdr.SrcPort, "dst_port", pkt.Hdr.DstPort, "op", opString(pkt.Hdr.Op))
			rx := MuxerRx{Kind: RxReset, LocalPort: pkt.Hdr.DstPort, PeerPort: pkt.Hdr.SrcPort}
			pushPacket(m.cid, rx, m.rxqStream, m.queueStreamRx, m.bufAlloc)
		}
		return
	}

	switch pkt.Hdr.Op {
	case VIRTIO_VSOCK_OP_REQUEST:
		p.ConfirmConnect(pkt)
	case VIRTIO_VSOCK_OP_RESPONSE:
		m.applyUpdate(p, p.ProcessOpResponse(pkt))
	case VIRTIO_VSOCK_OP_RW:
		m.applyUpdate(p, p.Sendmsg(pkt))
	case VIRTIO_VSOCK_OP_CREDIT_UPDATE:
		m.applyUpdate(p, p.UpdatePeerCredit(pkt))
	case VIRTIO_VSOCK_OP_CREDIT_REQUEST:
		p.ProcessCreditRequest(pkt)
	case VIRTIO_VSOCK_OP_SHUTDOWN:
		p.Shutdown(pkt)
	case VIRTIO_VSOCK_OP_RST:
		m.applyUpdate(p, p.Release())
	default:
		m.log.Warn("vsock: unexpected stream op", "op", opString(pkt.Hdr.Op))
	}
}

// handleDgramPacket routes one guest TSI request. Callers hold m.mu.
func (m *Muxer) handleDgramPacket(pkt Packet) {
	debug.Writef("vsock-muxer.dgramTx", "src=%d:%d dst=%d:%d(%s) op=%s len=%d",
		pkt.Hdr.SrcCID, pkt.Hdr.SrcPort, pkt.Hdr.DstCID, pkt.Hdr.DstPort,
		tsiPortString(pkt.Hdr.DstPort), opString(pkt.Hdr.Op), pkt.Hdr.Len)

	if pkt.Hdr.Type != VIRTIO_VSOCK_TYPE_DGRAM {
		m.log.Warn("vsock: non-dgram packet on dgram queue", "type", pkt.Hdr.Type)
		return
	}
	if pkt.Hdr.Op != VIRTIO_VSOCK_OP_RW {
		m.log.Warn("vsock: unexpected dgram op", "op", opString(pkt.Hdr.Op))
		return
	}

	switch pkt.Hdr.DstPort {
	case TSI_PROXY_CREATE:
		m.handleProxyCreate(pkt)

	case TSI_CONNECT:
		req, err := parseTsiConnectReq(pkt.Data)
		if err != nil {
			m.log.Warn("vsock: bad connect request", "err", err)
			return
		}
		if p := m.lookupTsi(req.PeerPort, 0); p != nil {
			m.applyUpdate(p, p.Connect(pkt, req))
		} else {
			m.log.Warn("vsock: connect for unknown proxy", "peer_port", req.PeerPort)
		}

	case TSI_GETNAME:
		req, err := parseTsiGetnameReq(pkt.Data)
		if err != nil {
			m.log.Warn("vsock: bad getname request", "err", err)
			return
		}
		if p := m.lookupTsi(req.PeerPort, req.LocalPort); p != nil {
			p.Getpeername(pkt)
		} else {
			m.log.Warn("vsock: getname for unknown proxy", "peer_port", req.PeerPort)
		}

	case TSI_SENDTO_ADDR:
		req, err := parseTsiSendtoAddr(pkt.Data)
		if err != nil {
			m.log.Warn("vsock: bad sendto-addr request", "err", err)
			return
		}
		if p := m.lookupTsi(req.PeerPort, 0); p != nil {
			p.SendtoAddr(req)
		}

	case TSI_SENDTO_DATA:
		// Datagram payload path; owned by the UDP sibling, not this muxer.
		debug.Writef("vsock-muxer.dgramTx", "ignoring SENDTO_DATA from port %d", pkt.Hdr.SrcPort)

	case TSI_LISTEN:
		req, err := parseTsiListenReq(pkt.Data)
		if err != nil {
			m.log.Warn("vsock: bad listen request", "err", err)
			return
		}
		if p := m.lookupTsi(req.PeerPort, 0); p != nil {
			m.applyUpdate(p, p.Listen(pkt, req))
		} else {
			m.log.Warn("vsock: listen for unknown proxy", "peer_port", req.PeerPort)
		}

	case TSI_ACCEPT:
		req, err := parseTsiAcceptReq(pkt.Data)
		if err != nil {
			m.log.Warn("vsock: bad accept request", "err", err)
			return
		}
		if p := m.lookupTsi(req.PeerPort, 0); p != nil {
			m.applyUpdate(p, p.Accept(pkt, req))
		} else {
			m.log.Warn("vsock: accept for unknown proxy", "peer_port", req.PeerPort)
		}

	case TSI_PROXY_RELEASE:
		req, err := parseTsiReleaseReq(pkt.Data)
		if err != nil {
			m.log.Warn("vsock: bad release request", "err", err)
			return
		}
		if p := m.lookupTsi(req.PeerPort, req.LocalPort); p != nil {
			m.applyUpdate(p, p.Release())
		} else {
			debug.Writef("vsock-muxer.dgramTx", "release for unknown proxy peer_port=%d local_port=%d",
				req.PeerPort, req.LocalPort)
		}

	default:
		m.log.Warn("vsock: dgram to unknown TSI port", "dst_port", pkt.Hdr.DstPort)
	}
}

// handleProxyCreate builds a proxy for a newly hijacked guest socket.
// Callers hold m.mu.
func (m *Muxer) handleProxyCreate(pkt Packet) {
	req, err := parseTsiProxyCreateReq(pkt.Data)
	if err != nil {
		m.log.Warn("vsock: bad proxy-create request", "err", err)
		return
	}

	switch req.Type {
	case unix.SOCK_STREAM:
		id := m.nextID
		m.nextID++
		proxy, err := NewTcpProxy(id, m.cid, 0, req.PeerPort, pkt.Hdr.SrcPort, m.bufAlloc,
			m.queueStreamRx, m.queueDgramRx, m.rxqStream, m.rxqDgram)
		if err != nil {
			m.log.Warn("vsock: creating tcp proxy", "peer_port", req.PeerPort, "err", err)
			return
		}
		m.proxies[id] = proxy
		m.tsiIndex[req.PeerPort] = id
		debug.Writef("vsock-muxer.proxyCreate", "id=%d peer_port=%d control_port=%d",
			id, req.PeerPort, pkt.Hdr.SrcPort)
	case unix.SOCK_DGRAM:
		// UDP rides a sibling proxy.
		debug.Writef("vsock-muxer.proxyCreate", "ignoring dgram proxy for port %d", req.PeerPort)
	default:
		m.log.Warn("vsock: unknown proxy type", "type", req.Type, "peer_port", req.PeerPort)
	}
}

// lookupTsi resolves a TSI request to a proxy. Established connections are
// keyed by their port pair; proxies that have not completed a stream
// handshake are keyed by guest port alone. Callers hold m.mu.
func (m *Muxer) lookupTsi(peerPort, localPort uint32) Proxy {
	if id, ok := m.streamIndex[streamKey{src: peerPort, dst: localPort}]; ok {
		return m.proxies[id]
	}
	if id, ok := m.tsiIndex[peerPort]; ok {
		return m.proxies[id]
	}
	return nil
}

// dispatchProxyEvent hands fd readiness to the owning proxy.
func (m *Muxer) dispatchProxyEvent(id uint64, evset epoll.EventSet) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.proxies[id]
	if p == nil {
		debug.Writef("vsock-muxer.event", "event for unknown proxy id=%d evset=%s", id, evset)
		return
	}
	m.applyUpdate(p, p.ProcessEvent(evset))
}

// applyUpdate enacts the side effects a proxy operation reported. Removal
// always runs last. Callers hold m.mu.
func (m *Muxer) applyUpdate(p Proxy, update ProxyUpdate) {
	if update.PushCreditReq != nil {
		pushPacket(m.cid, *update.PushCreditReq, m.rxqStream, m.queueStreamRx, m.bufAlloc)
	}

	if update.NewProxy != nil {
		m.addReverseProxy(p, update.NewProxy)
	}

	if update.PushAccept != nil {
		if parent := m.proxies[update.PushAccept.ParentID]; parent != nil {
			parent.PushAcceptRsp(0)
		} else {
			m.log.Warn("vsock: accepted connection but listener is gone",
				"id", update.PushAccept.ID, "parent", update.PushAccept.ParentID)
		}
	}

	if update.SignalQueue {
		m.queueStreamRx.MarkPending()
	}

	if pu := update.Polling; pu != nil {
		if err := m.poller.Update(pu.ID, pu.Fd, pu.Events); err != nil {
			m.log.Warn("vsock: epoll update failed", "id", pu.ID, "events", pu.Events.String(), "err", err)
		}
	}

	if update.RemoveProxy {
		m.removeProxy(p.ID())
	}
}

// addReverseProxy wraps an accepted host fd in a child proxy and starts the
// host-to-guest handshake. Callers hold m.mu.
func (m *Muxer) addReverseProxy(parent Proxy, nf *NewProxyFd) {
	id := m.nextID
	m.nextID++
	local := m.nextLocalPort
	m.nextLocalPort++

	child := NewReverseTcpProxy(id, m.cid, parent.ID(), local, nf.PeerPort, m.bufAlloc, nf.Fd,
		m.queueStreamRx, m.queueDgramRx, m.rxqStream, m.rxqDgram)
	m.proxies[id] = child
	m.streamIndex[streamKey{src: nf.PeerPort, dst: local}] = id

	child.PushOpRequest()
}

// removeProxy drops a proxy from the table and closes its fd. Closing the fd
// also clears any epoll registration. Callers hold m.mu.
func (m *Muxer) removeProxy(id uint64) {
	p, ok := m.proxies[id]
	if !ok {
		return
	}
	delete(m.proxies, id)
	for port, pid := range m.tsiIndex {
		if pid == id {
			delete(m.tsiIndex, port)
		}
	}
	for key, pid := range m.streamIndex {
		if pid == id {
			delete(m.streamIndex, key)
		}
	}
	p.Close()
	debug.Writef("vsock-muxer.removeProxy", "id=%d remaining=%d", id, len(m.proxies))
}

// flushRx pushes backlogged records into freshly posted RX descriptors.
func (m *Muxer) flushRx(rxq *RxQueue, sq *SharedQueue) {
	n := rxq.DrainDeliver(func(r MuxerRx) bool {
		return deliverRx(m.cid, r, sq, m.bufAlloc)
	})
	if n > 0 {
		debug.Writef("vsock-muxer.flushRx", "delivered %d backlogged records, %d left", n, rxq.Len())
	}
}

// signalQueues interrupts the guest for RX rings that advanced during this
// loop iteration.
func (m *Muxer) signalQueues() {
	if m.queueStreamRx.TakePending() && m.queueStreamRx.InterruptNeeded() {
		m.signalGuest(QueueStreamRx)
	}
	if m.queueDgramRx.TakePending() && m.queueDgramRx.InterruptNeeded() {
		m.signalGuest(QueueDgramRx)
	}
}

func (m *Muxer) signalGuest(queue int) {
	debug.Writef("vsock-muxer.signal", "queue=%d", queue)
	if m.signal != nil {
		m.signal(queue)
	}
}

////////////////////////////////////////////////////////////////////////////////
// Packet capture (pcap).
////////////////////////////////////////////////////////////////////////////////

// OpenPacketCapture enables streaming packet capture to the given writer.
// Every vsock packet crossing the muxer, in both directions, is recorded.
func (m *Muxer) OpenPacketCapture(out io.Writer) error {
	m.captureMu.Lock()
	defer m.captureMu.Unlock()

	writer, err := pcap.NewWriter(out, captureSnapLen, pcap.LinkTypeUser0)
	if err != nil {
		return fmt.Errorf("vsock: starting capture: %w", err)
	}
	m.captureW = writer
	return nil
}

func (m *Muxer) capturePacket(hdr Header, payload []byte) {
	m.captureMu.Lock()
	defer m.captureMu.Unlock()

	if m.captureW == nil {
		return
	}

	frame := append(encodeHeader(hdr), payload...)
	if err := m.captureW.WritePacket(time.Now(), frame, len(frame)); err != nil {
		m.log.Warn("pcap: write frame failed", "err", err)
	}
}

////////////////////////////////////////////////////////////////////////////////
// Debug HTTP endpoint providing JSON status.
////////////////////////////////////////////////////////////////////////////////

// MuxerStatus is the JSON structure exposed at /status.
type MuxerStatus struct {
	GuestCID      uint64      `json:"guestCID"`
	Proxies       []ProxyInfo `json:"proxies"`
	StreamBacklog int         `json:"streamBacklog"`
	DgramBacklog  int         `json:"dgramBacklog"`
	StreamDropped uint64      `json:"streamDropped"`
	DgramDropped  uint64      `json:"dgramDropped"`
}

// ProxyInfo is one proxy's entry in MuxerStatus.
type ProxyInfo struct {
	ID     uint64     `json:"id"`
	Status string     `json:"status"`
	Stats  ProxyStats `json:"stats"`
}

// Status snapshots the proxy table and backlog counters.
func (m *Muxer) Status() MuxerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := MuxerStatus{
		GuestCID:      m.cid,
		Proxies:       make([]ProxyInfo, 0, len(m.proxies)),
		StreamBacklog: m.rxqStream.Len(),
		DgramBacklog:  m.rxqDgram.Len(),
		StreamDropped: m.rxqStream.Dropped(),
		DgramDropped:  m.rxqDgram.Dropped(),
	}
	for id, p := range m.proxies {
		st.Proxies = append(st.Proxies, ProxyInfo{
			ID:     id,
			Status: p.Status().String(),
			Stats:  p.Stats(),
		})
	}
	sort.Slice(st.Proxies, func(i, j int) bool { return st.Proxies[i].ID < st.Proxies[j].ID })
	return st
}

// EnableDebugHTTP starts a small debug server exposing muxer state at /status.
func (m *Muxer) EnableDebugHTTP(addr string) error {
	if addr == "" {
		return nil
	}

	m.debugMu.Lock()
	defer m.debugMu.Unlock()

	if m.debugSrv != nil {
		return fmt.Errorf("debug http already enabled on %s", m.debugAddr)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen debug http: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", m.handleDebugStatus)

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	m.debugSrv = srv
	m.debugListener = ln
	m.debugAddr = ln.Addr().String()

	m.debugWG.Add(1)
	go func() {
		defer m.debugWG.Done()
		if err := srv.Serve(ln); err != nil &&
			!errors.Is(err, http.ErrServerClosed) &&
			!errors.Is(err, net.ErrClosed) {
			m.log.Warn("vsock: debug http serve", "err", err)
		}
	}()

	return nil
}

// DebugAddr reports the bound debug listener address, if any.
func (m *Muxer) DebugAddr() string {
	m.debugMu.Lock()
	defer m.debugMu.Unlock()
	return m.debugAddr
}

func (m *Muxer) handleDebugStatus(w http.ResponseWriter, r *http.Request) {
	status := m.Status()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		m.log.Warn("vsock: debug status encode", "err", err)
	}
}

func (m *Muxer) shutdownDebugHTTP() {
	m.debugMu.Lock()
	srv := m.debugSrv
	ln := m.debugListener
	m.debugSrv = nil
	m.debugListener = nil
	m.debugAddr = ""
	m.debugMu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Warn("vsock: debug http shutdown", "err", err)
		}
		cancel()
	}
	m.debugWG.Wait()
}
