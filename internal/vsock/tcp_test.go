//go:build linux

package vsock

import (
	"bytes"
	"io"
	"net"
	"strconv"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/tsimux/internal/epoll"
)

// proxyEnv wires shared queues and backlogs to driver-side test rings so
// proxies can be exercised without a muxer loop.
type proxyEnv struct {
	t          *testing.T
	mem        *testMem
	streamRing *testRing
	dgramRing  *testRing
	sqStream   *SharedQueue
	sqDgram    *SharedQueue
	rxqStream  *RxQueue
	rxqDgram   *RxQueue
}

func newProxyEnv(t *testing.T) *proxyEnv {
	mem := newTestMem()
	streamRing := newTestRing(t, mem, 0x100000, 8)
	dgramRing := newTestRing(t, mem, 0x200000, 8)
	env := &proxyEnv{
		t:          t,
		mem:        mem,
		streamRing: streamRing,
		dgramRing:  dgramRing,
		sqStream:   NewSharedQueue(streamRing.newQueue()),
		sqDgram:    NewSharedQueue(dgramRing.newQueue()),
		rxqStream:  NewRxQueue(16),
		rxqDgram:   NewRxQueue(16),
	}
	for i := 0; i < 4; i++ {
		streamRing.postBuffer(2048)
		dgramRing.postBuffer(2048)
	}
	return env
}

func (e *proxyEnv) forwardProxy(id uint64, peerPort, controlPort, bufAlloc uint32) *TcpProxy {
	e.t.Helper()
	p, err := NewTcpProxy(id, DefaultGuestCID, 0, peerPort, controlPort, bufAlloc,
		e.sqStream, e.sqDgram, e.rxqStream, e.rxqDgram)
	if err != nil {
		e.t.Fatalf("NewTcpProxy: %v", err)
	}
	return p
}

// socketpairProxy builds a connected proxy over an AF_UNIX pair. Returns the
// proxy and the test-side fd.
func socketpairProxy(t *testing.T, env *proxyEnv, bufAlloc uint32) (*TcpProxy, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	p := NewReverseTcpProxy(1, DefaultGuestCID, 0, 100, 200, bufAlloc, fds[0],
		env.sqStream, env.sqDgram, env.rxqStream, env.rxqDgram)
	t.Cleanup(func() {
		p.Close()
		unix.Close(fds[1])
	})
	return p, fds[1]
}

func tcpServer(t *testing.T) (net.Listener, uint16) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("splitting %q: %v", ln.Addr(), err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing port %q: %v", portStr, err)
	}
	return ln, uint16(port)
}

// freePort finds a port with no listener on it.
func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, port := tcpServer(t)
	ln.Close()
	return port
}

// waitFd blocks until fd reports one of events, standing in for the muxer's
// poller.
func waitFd(t *testing.T, fd int, events int16) {
	t.Helper()
	pfd := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		n, err := unix.Poll(pfd, 5000)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if n == 0 {
			t.Fatalf("timed out waiting for fd events %#x", events)
		}
		return
	}
}

func controlPkt(srcPort, dstPort uint32, payload []byte) Packet {
	return Packet{
		Hdr: Header{
			SrcCID:  DefaultGuestCID,
			DstCID:  VSOCK_CID_HOST,
			SrcPort: srcPort,
			DstPort: dstPort,
			Len:     uint32(len(payload)),
			Type:    VIRTIO_VSOCK_TYPE_DGRAM,
			Op:      VIRTIO_VSOCK_OP_RW,
		},
		Data: payload,
	}
}

func streamPkt(srcPort, dstPort uint32, op uint16, payload []byte, bufAlloc, fwdCnt uint32) Packet {
	return Packet{
		Hdr: Header{
			SrcCID:   DefaultGuestCID,
			DstCID:   VSOCK_CID_HOST,
			SrcPort:  srcPort,
			DstPort:  dstPort,
			Len:      uint32(len(payload)),
			Type:     VIRTIO_VSOCK_TYPE_STREAM,
			Op:       op,
			BufAlloc: bufAlloc,
			FwdCnt:   fwdCnt,
		},
		Data: payload,
	}
}

func TestTcpProxyConnectLifecycle(t *testing.T) {
	env := newProxyEnv(t)
	ln, port := tcpServer(t)

	const controlPort = 5001
	p := env.forwardProxy(1, 1234, controlPort, DefaultTxBufSize)
	defer p.Close()
	if p.Status() != Idle {
		t.Fatalf("fresh proxy must be idle, got %s", p.Status())
	}

	req := TsiConnectReq{PeerPort: 1234, Addr: [4]byte{127, 0, 0, 1}, Port: port}
	update := p.Connect(controlPkt(controlPort, TSI_CONNECT, encodeTsiConnectReq(req)), req)

	// Loopback connects may complete synchronously or report EINPROGRESS.
	switch p.Status() {
	case Connecting:
		if update.Polling == nil || !update.Polling.Events.Has(epoll.Out) {
			t.Fatalf("connecting proxy must poll for OUT, got %+v", update.Polling)
		}
		waitFd(t, p.fd, unix.POLLOUT)
		done := p.ProcessEvent(epoll.Out)
		if !done.SignalQueue {
			t.Fatal("expected signal after connect completion")
		}
		if done.Polling == nil || !done.Polling.Events.Has(epoll.In) || done.Polling.Events.Has(epoll.Out) {
			t.Fatalf("connected proxy must poll IN only, got %+v", done.Polling)
		}
	case Connected:
		if update.Polling == nil || !update.Polling.Events.Has(epoll.In) {
			t.Fatalf("connected proxy must poll IN, got %+v", update.Polling)
		}
	default:
		t.Fatalf("unexpected status %s after connect", p.Status())
	}
	if p.Status() != Connected {
		t.Fatalf("expected connected, got %s", p.Status())
	}

	rsp := env.dgramRing.readPacket()
	if rsp.Hdr.SrcPort != TSI_CONNECT || rsp.Hdr.DstPort != controlPort {
		t.Fatalf("connect response must go to the control port: %+v", rsp.Hdr)
	}
	if rsp.Hdr.Type != VIRTIO_VSOCK_TYPE_DGRAM || rsp.Hdr.Op != VIRTIO_VSOCK_OP_RW {
		t.Fatalf("connect response must be dgram RW: %+v", rsp.Hdr)
	}
	cr, err := parseTsiConnectRsp(rsp.Data)
	if err != nil {
		t.Fatalf("parsing connect response: %v", err)
	}
	if cr.Result != 0 {
		t.Fatalf("expected connect result 0, got %d", cr.Result)
	}

	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer conn.Close()

	// The guest's stream handshake pins the connection's port pair.
	p.ConfirmConnect(streamPkt(1234, 9000, VIRTIO_VSOCK_OP_REQUEST, nil, 65536, 0))
	opRsp := env.streamRing.readPacket()
	if opRsp.Hdr.Op != VIRTIO_VSOCK_OP_RESPONSE || opRsp.Hdr.SrcPort != 9000 || opRsp.Hdr.DstPort != 1234 {
		t.Fatalf("unexpected op response: %+v", opRsp.Hdr)
	}
	if opRsp.Hdr.BufAlloc != DefaultTxBufSize {
		t.Fatalf("op response must advertise the host window, got %d", opRsp.Hdr.BufAlloc)
	}

	// Guest to host.
	p.Sendmsg(streamPkt(1234, 9000, VIRTIO_VSOCK_OP_RW, []byte("hello"), 65536, 0))
	buf := make([]byte, 5)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("reading from host socket: %v", err)
	}
	if !bytes.Equal(buf, []byte("hello")) {
		t.Fatalf("host socket got %q", buf)
	}

	// getpeername reports the remote TCP endpoint.
	p.Getpeername(controlPkt(controlPort, TSI_GETNAME,
		encodeTsiGetnameReq(TsiGetnameReq{PeerPort: 1234, LocalPort: 9000, Peer: 1})))
	gn := env.dgramRing.readPacket()
	if gn.Hdr.SrcPort != TSI_GETNAME || gn.Hdr.DstPort != controlPort {
		t.Fatalf("getname response ports: %+v", gn.Hdr)
	}
	name, err := parseTsiGetnameRsp(gn.Data)
	if err != nil {
		t.Fatalf("parsing getname response: %v", err)
	}
	if name.Result != 0 || name.Addr != [4]byte{127, 0, 0, 1} || name.Port != port {
		t.Fatalf("unexpected peer name: %+v", name)
	}

	// Host to guest.
	if _, err := conn.Write([]byte("world")); err != nil {
		t.Fatalf("writing to host socket: %v", err)
	}
	waitFd(t, p.fd, unix.POLLIN)
	got := p.ProcessEvent(epoll.In)
	if !got.SignalQueue {
		t.Fatal("expected signal after filling RX descriptors")
	}
	data := env.streamRing.readPacket()
	if data.Hdr.Op != VIRTIO_VSOCK_OP_RW || data.Hdr.SrcPort != 9000 || data.Hdr.DstPort != 1234 {
		t.Fatalf("unexpected data packet: %+v", data.Hdr)
	}
	if !bytes.Equal(data.Data, []byte("world")) {
		t.Fatalf("guest got %q", data.Data)
	}
	if st := p.Stats(); st.TxCnt != 5 || st.RxCnt != 5 {
		t.Fatalf("unexpected counters: %+v", st)
	}

	// Remote close tears the proxy down with a reset.
	conn.Close()
	waitFd(t, p.fd, unix.POLLIN)
	closed := p.ProcessEvent(epoll.In)
	if !closed.RemoveProxy {
		t.Fatal("expected proxy removal after remote close")
	}
	if !closed.SignalQueue {
		t.Fatal("expected signal for the reset packet")
	}
	if closed.Polling == nil || !closed.Polling.Events.Empty() {
		t.Fatalf("expected fd deregistration, got %+v", closed.Polling)
	}
	if p.Status() != Closed {
		t.Fatalf("expected closed, got %s", p.Status())
	}
	rst := env.streamRing.readPacket()
	if rst.Hdr.Op != VIRTIO_VSOCK_OP_RST || rst.Hdr.SrcPort != 9000 || rst.Hdr.DstPort != 1234 {
		t.Fatalf("unexpected reset packet: %+v", rst.Hdr)
	}
}

func TestTcpProxyConnectRefused(t *testing.T) {
	env := newProxyEnv(t)
	port := freePort(t)

	const controlPort = 5002
	p := env.forwardProxy(1, 1234, controlPort, DefaultTxBufSize)
	defer p.Close()

	req := TsiConnectReq{PeerPort: 1234, Addr: [4]byte{127, 0, 0, 1}, Port: port}
	p.Connect(controlPkt(controlPort, TSI_CONNECT, encodeTsiConnectReq(req)), req)

	if p.Status() == Connecting {
		waitFd(t, p.fd, unix.POLLOUT)
		update := p.ProcessEvent(epoll.Out | epoll.HangUp)
		if !update.RemoveProxy {
			t.Fatal("expected proxy removal after refused connect")
		}
		if p.Status() != Closed {
			t.Fatalf("expected closed, got %s", p.Status())
		}
	}

	rsp := env.dgramRing.readPacket()
	cr, err := parseTsiConnectRsp(rsp.Data)
	if err != nil {
		t.Fatalf("parsing connect response: %v", err)
	}
	if cr.Result != -int32(unix.ECONNREFUSED) {
		t.Fatalf("expected -ECONNREFUSED (%d), got %d", -int32(unix.ECONNREFUSED), cr.Result)
	}

	// The refusal is answered on the control port alone; the connection was
	// never up, so no reset goes to the stream queue.
	if n := env.streamRing.usedCount(); n != 0 {
		t.Fatalf("refused connect must not push a reset, found %d stream packets", n)
	}
}

func TestTcpProxyListenAcceptFlow(t *testing.T) {
	env := newProxyEnv(t)

	const controlPort = 6001
	parent := env.forwardProxy(1, 4321, controlPort, DefaultTxBufSize)
	defer parent.Close()

	port := freePort(t)
	lreq := TsiListenReq{PeerPort: 4321, Addr: [4]byte{127, 0, 0, 1}, Port: port, VMPort: 4321, Backlog: 4}
	update := parent.Listen(controlPkt(controlPort, TSI_LISTEN, encodeTsiListenReq(lreq)), lreq)
	if parent.Status() != Listening {
		t.Fatalf("expected listening, got %s", parent.Status())
	}
	if update.Polling == nil || !update.Polling.Events.Has(epoll.In) {
		t.Fatalf("listener must poll for IN, got %+v", update.Polling)
	}

	lrsp := env.dgramRing.readPacket()
	if lrsp.Hdr.SrcPort != TSI_LISTEN || lrsp.Hdr.DstPort != controlPort {
		t.Fatalf("listen response ports: %+v", lrsp.Hdr)
	}
	if lr, err := parseTsiListenRsp(lrsp.Data); err != nil || lr.Result != 0 {
		t.Fatalf("expected listen success, got %+v err=%v", lr, err)
	}

	// A repeated listen for the same socket succeeds without rebinding.
	parent.Listen(controlPkt(controlPort, TSI_LISTEN, encodeTsiListenReq(lreq)), lreq)
	if lr, err := parseTsiListenRsp(env.dgramRing.readPacket().Data); err != nil || lr.Result != 0 {
		t.Fatalf("repeated listen must succeed, got %+v err=%v", lr, err)
	}

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitFd(t, parent.fd, unix.POLLIN)
	ev := parent.ProcessEvent(epoll.In)
	if ev.NewProxy == nil || ev.NewProxy.PeerPort != 4321 {
		t.Fatalf("expected accepted fd for vm port 4321, got %+v", ev.NewProxy)
	}
	if !ev.SignalQueue {
		t.Fatal("expected signal after accept")
	}

	child := NewReverseTcpProxy(2, DefaultGuestCID, parent.ID(), reverseLocalPortBase, 4321,
		DefaultTxBufSize, ev.NewProxy.Fd, env.sqStream, env.sqDgram, env.rxqStream, env.rxqDgram)
	defer child.Close()
	if child.Status() != ReverseInit {
		t.Fatalf("expected reverse-init, got %s", child.Status())
	}

	// The host opens the guest-side handshake.
	child.PushOpRequest()
	opReq := env.dgramRing.readPacket()
	if opReq.Hdr.Op != VIRTIO_VSOCK_OP_REQUEST || opReq.Hdr.Type != VIRTIO_VSOCK_TYPE_STREAM {
		t.Fatalf("unexpected op request: %+v", opReq.Hdr)
	}
	if opReq.Hdr.SrcPort != reverseLocalPortBase || opReq.Hdr.DstPort != 4321 {
		t.Fatalf("op request ports: %+v", opReq.Hdr)
	}
	if opReq.Hdr.BufAlloc != DefaultTxBufSize {
		t.Fatalf("op request must advertise the host window, got %d", opReq.Hdr.BufAlloc)
	}

	done := child.ProcessOpResponse(streamPkt(4321, reverseLocalPortBase, VIRTIO_VSOCK_OP_RESPONSE, nil, 65536, 0))
	if child.Status() != Connected {
		t.Fatalf("expected connected child, got %s", child.Status())
	}
	if done.PushAccept == nil || done.PushAccept.ID != 2 || done.PushAccept.ParentID != 1 {
		t.Fatalf("expected accept ref to the parent, got %+v", done.PushAccept)
	}
	if done.Polling == nil || !done.Polling.Events.Has(epoll.In) {
		t.Fatalf("connected child must poll IN, got %+v", done.Polling)
	}

	// The deferred accept response flows through the parent's control port.
	parent.PushAcceptRsp(0)
	arsp := env.dgramRing.readPacket()
	if arsp.Hdr.SrcPort != TSI_ACCEPT || arsp.Hdr.DstPort != controlPort {
		t.Fatalf("accept response ports: %+v", arsp.Hdr)
	}
	if ar, err := parseTsiAcceptRsp(arsp.Data); err != nil || ar.Result != 0 {
		t.Fatalf("expected accept success, got %+v err=%v", ar, err)
	}

	// Data flows through the child in both directions.
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("writing to dialed conn: %v", err)
	}
	waitFd(t, child.fd, unix.POLLIN)
	if in := child.ProcessEvent(epoll.In); !in.SignalQueue {
		t.Fatal("expected signal for received data")
	}
	pkt := env.streamRing.readPacket()
	if pkt.Hdr.SrcPort != reverseLocalPortBase || pkt.Hdr.DstPort != 4321 || !bytes.Equal(pkt.Data, []byte("ping")) {
		t.Fatalf("unexpected child data packet: %+v %q", pkt.Hdr, pkt.Data)
	}

	child.Sendmsg(streamPkt(4321, reverseLocalPortBase, VIRTIO_VSOCK_OP_RW, []byte("pong"), 65536, 4))
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("reading from dialed conn: %v", err)
	}
	if !bytes.Equal(buf, []byte("pong")) {
		t.Fatalf("dialed conn got %q", buf)
	}
}

func TestTcpProxyAcceptRetry(t *testing.T) {
	env := newProxyEnv(t)

	const controlPort = 6002
	parent := env.forwardProxy(1, 4321, controlPort, DefaultTxBufSize)
	defer parent.Close()

	port := freePort(t)
	lreq := TsiListenReq{PeerPort: 4321, Addr: [4]byte{127, 0, 0, 1}, Port: port, VMPort: 4321, Backlog: 4}
	parent.Listen(controlPkt(controlPort, TSI_LISTEN, encodeTsiListenReq(lreq)), lreq)
	env.dgramRing.readPacket() // listen response

	// No pending connection: EAGAIN is swallowed so the guest can retry
	// when the listener becomes readable.
	areq := TsiAcceptReq{PeerPort: 4321}
	update := parent.Accept(controlPkt(controlPort, TSI_ACCEPT, encodeTsiAcceptReq(areq)), areq)
	if update.NewProxy != nil {
		t.Fatalf("expected no accepted fd, got %+v", update.NewProxy)
	}
	if n := env.dgramRing.usedCount(); n != 0 {
		t.Fatalf("EAGAIN must not produce a response, found %d packets", n)
	}

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitFd(t, parent.fd, unix.POLLIN)
	update = parent.Accept(controlPkt(controlPort, TSI_ACCEPT, encodeTsiAcceptReq(areq)), areq)
	if update.NewProxy == nil {
		t.Fatal("expected accepted fd")
	}
	unix.Close(update.NewProxy.Fd)

	arsp := env.dgramRing.readPacket()
	if ar, err := parseTsiAcceptRsp(arsp.Data); err != nil || ar.Result != 0 {
		t.Fatalf("expected accept success, got %+v err=%v", ar, err)
	}
}

func TestTcpProxyCreditExhaustion(t *testing.T) {
	env := newProxyEnv(t)
	p, peer := socketpairProxy(t, env, 64)

	// The guest advertises a 4-byte window.
	p.ProcessOpResponse(streamPkt(200, 100, VIRTIO_VSOCK_OP_RESPONSE, nil, 4, 0))

	if _, err := unix.Write(peer, []byte("abcdefgh")); err != nil {
		t.Fatalf("writing to peer: %v", err)
	}
	waitFd(t, p.fd, unix.POLLIN)

	update := p.ProcessEvent(epoll.In)
	if !update.SignalQueue {
		t.Fatal("expected signal for the delivered slice")
	}
	if p.Status() != WaitingCreditUpdate {
		t.Fatalf("expected waiting-credit-update, got %s", p.Status())
	}
	if update.PushCreditReq == nil || update.PushCreditReq.Kind != RxCreditRequest {
		t.Fatalf("expected a credit request, got %+v", update.PushCreditReq)
	}
	if update.PushCreditReq.LocalPort != 100 || update.PushCreditReq.PeerPort != 200 {
		t.Fatalf("credit request ports: %+v", update.PushCreditReq)
	}
	if update.Polling == nil || !update.Polling.Events.Empty() {
		t.Fatalf("read path must pause while out of credit, got %+v", update.Polling)
	}

	first := env.streamRing.readPacket()
	if !bytes.Equal(first.Data, []byte("abcd")) {
		t.Fatalf("expected the window-limited slice, got %q", first.Data)
	}
	if first.Hdr.BufAlloc != 64 {
		t.Fatalf("data packets must advertise the host window, got %d", first.Hdr.BufAlloc)
	}
	if st := p.Stats(); st.RxCnt != 4 {
		t.Fatalf("expected rx count 4, got %d", st.RxCnt)
	}

	// Fresh credit resumes the read path.
	update = p.UpdatePeerCredit(streamPkt(200, 100, VIRTIO_VSOCK_OP_CREDIT_UPDATE, nil, 65536, 4))
	if p.Status() != Connected {
		t.Fatalf("expected connected after credit update, got %s", p.Status())
	}
	if update.Polling == nil || !update.Polling.Events.Has(epoll.In) {
		t.Fatalf("expected IN registration, got %+v", update.Polling)
	}

	p.ProcessEvent(epoll.In)
	second := env.streamRing.readPacket()
	if !bytes.Equal(second.Data, []byte("efgh")) {
		t.Fatalf("expected the remaining bytes, got %q", second.Data)
	}
	if st := p.Stats(); st.RxCnt != 8 {
		t.Fatalf("expected rx count 8, got %d", st.RxCnt)
	}
}

func TestTcpProxyPeerCreditWrap(t *testing.T) {
	// Credit counters are modular; on a long-lived connection rx_cnt wraps
	// past the guest's forwarded count.
	p := &TcpProxy{peerBufAlloc: 65536, peerFwdCnt: 0xFFFF8000, rxCnt: 0x800}
	if got := p.peerAvailCredit(); got != 30720 {
		t.Fatalf("expected 30720 bytes of credit across the wrap, got %d", got)
	}
	p.rxCnt = p.peerFwdCnt + p.peerBufAlloc
	if got := p.peerAvailCredit(); got != 0 {
		t.Fatalf("expected an exhausted window, got %d", got)
	}

	// The wrapped window bounds the live read path the same way.
	env := newProxyEnv(t)
	live, peer := socketpairProxy(t, env, 64)
	live.ProcessOpResponse(streamPkt(200, 100, VIRTIO_VSOCK_OP_RESPONSE, nil, 4, 0))
	live.peerFwdCnt = 0xFFFFFFFE
	live.rxCnt = 1 // three bytes in flight across the wrap, one credit left

	if _, err := unix.Write(peer, []byte("zz")); err != nil {
		t.Fatalf("writing to peer: %v", err)
	}
	waitFd(t, live.fd, unix.POLLIN)

	update := live.ProcessEvent(epoll.In)
	if !update.SignalQueue {
		t.Fatal("expected signal for the delivered byte")
	}
	if live.Status() != WaitingCreditUpdate {
		t.Fatalf("expected waiting-credit-update, got %s", live.Status())
	}
	pkt := env.streamRing.readPacket()
	if !bytes.Equal(pkt.Data, []byte("z")) {
		t.Fatalf("expected the single-credit slice, got %q", pkt.Data)
	}
	if st := live.Stats(); st.RxCnt != 2 {
		t.Fatalf("expected rx count 2, got %d", st.RxCnt)
	}
}

func TestTcpProxySendmsgCreditUpdate(t *testing.T) {
	env := newProxyEnv(t)
	p, peer := socketpairProxy(t, env, 64)

	payload := bytes.Repeat([]byte("x"), 32)
	update := p.Sendmsg(streamPkt(200, 100, VIRTIO_VSOCK_OP_RW, payload, 65536, 0))
	if !update.SignalQueue {
		t.Fatal("expected signal for the credit update")
	}

	buf := make([]byte, 32)
	if _, err := unix.Read(peer, buf); err != nil {
		t.Fatalf("reading from peer: %v", err)
	}
	if !bytes.Equal(buf, payload) {
		t.Fatal("payload corrupted in transit")
	}

	cu := env.streamRing.readPacket()
	if cu.Hdr.Op != VIRTIO_VSOCK_OP_CREDIT_UPDATE {
		t.Fatalf("expected credit update, got %+v", cu.Hdr)
	}
	if cu.Hdr.FwdCnt != 32 || cu.Hdr.BufAlloc != 64 {
		t.Fatalf("credit update fields: %+v", cu.Hdr)
	}
	if cu.Hdr.SrcPort != 100 || cu.Hdr.DstPort != 200 {
		t.Fatalf("credit update ports: %+v", cu.Hdr)
	}

	// Below the threshold no update is sent.
	update = p.Sendmsg(streamPkt(200, 100, VIRTIO_VSOCK_OP_RW, []byte("y"), 65536, 0))
	if update.SignalQueue {
		t.Fatal("unexpected signal below the credit threshold")
	}
	if n := env.streamRing.usedCount(); n != 0 {
		t.Fatalf("unexpected packets: %d", n)
	}

	// Empty payloads are rejected without touching the socket.
	before := p.Stats().TxCnt
	p.Sendmsg(streamPkt(200, 100, VIRTIO_VSOCK_OP_RW, nil, 65536, 0))
	if p.Stats().TxCnt != before {
		t.Fatal("empty payload must not advance the tx counter")
	}
}

func TestTcpProxyGetpeernameNonInet(t *testing.T) {
	env := newProxyEnv(t)
	p, _ := socketpairProxy(t, env, DefaultTxBufSize)

	p.Getpeername(controlPkt(7000, TSI_GETNAME,
		encodeTsiGetnameReq(TsiGetnameReq{PeerPort: 200, LocalPort: 100, Peer: 1})))

	gn := env.dgramRing.readPacket()
	name, err := parseTsiGetnameRsp(gn.Data)
	if err != nil {
		t.Fatalf("parsing getname response: %v", err)
	}
	if name.Result != -int32(unix.EINVAL) {
		t.Fatalf("expected -EINVAL for a non-inet peer, got %d", name.Result)
	}
}

func TestTcpProxyShutdown(t *testing.T) {
	env := newProxyEnv(t)
	p, peer := socketpairProxy(t, env, DefaultTxBufSize)

	pkt := streamPkt(200, 100, VIRTIO_VSOCK_OP_SHUTDOWN, nil, 0, 0)
	pkt.Hdr.Flags = VIRTIO_VSOCK_SHUTDOWN_SEND
	p.Shutdown(pkt)

	buf := make([]byte, 1)
	n, err := unix.Read(peer, buf)
	if err != nil {
		t.Fatalf("reading from peer: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected EOF after shutdown, read %d bytes", n)
	}
}

func TestTcpProxyRelease(t *testing.T) {
	env := newProxyEnv(t)
	p, _ := socketpairProxy(t, env, DefaultTxBufSize)

	update := p.Release()
	if !update.RemoveProxy {
		t.Fatal("release must ask for removal")
	}
}
