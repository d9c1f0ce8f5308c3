//go:build linux

package vsock

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/tsimux/internal/debug"
	"github.com/tinyrange/tsimux/internal/epoll"
)

// recvResult classifies one attempt to fill an RX descriptor from the fd.
type recvResult int

const (
	recvRead recvResult = iota
	recvWaitForCredit
	recvClose
	recvError
)

var recvBufPool = sync.Pool{
	New: func() any {
		return make([]byte, DefaultTxBufSize)
	},
}

// TcpProxy shuttles bytes between one guest vsock stream and one host TCP
// socket. The credit protocol bounds the host-to-guest direction; the
// guest-to-host direction relies on TCP backpressure via a blocking fd.
type TcpProxy struct {
	id          uint64
	cid         uint64
	parentID    uint64
	localPort   uint32
	peerPort    uint32
	controlPort uint32
	fd          int
	status      ProxyStatus

	queueStream *SharedQueue
	queueDgram  *SharedQueue
	rxqStream   *RxQueue
	rxqDgram    *RxQueue

	// bufAlloc is the advertised host receive window (buf_alloc on every
	// outgoing stream header) and the credit update threshold base.
	bufAlloc uint32

	// Credit counters; modulo 2^32 wraparound is intentional.
	rxCnt         uint32
	txCnt         uint32
	lastTxCntSent uint32
	peerBufAlloc  uint32
	peerFwdCnt    uint32
	pushCnt       uint64
}

var _ Proxy = (*TcpProxy)(nil)

// NewTcpProxy creates a forward proxy for a guest-initiated connection. The
// fd starts out non-blocking so connect can be driven from the event loop.
func NewTcpProxy(id, cid uint64, localPort, peerPort, controlPort, bufAlloc uint32, queueStream, queueDgram *SharedQueue, rxqStream, rxqDgram *RxQueue) (*TcpProxy, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("creating proxy socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		slog.Warn("vsock: error switching to non-blocking", "id", id, "err", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setting SO_REUSEPORT: %w", err)
	}

	return &TcpProxy{
		id:          id,
		cid:         cid,
		localPort:   localPort,
		peerPort:    peerPort,
		controlPort: controlPort,
		fd:          fd,
		status:      Idle,
		queueStream: queueStream,
		queueDgram:  queueDgram,
		rxqStream:   rxqStream,
		rxqDgram:    rxqDgram,
		bufAlloc:    bufAlloc,
	}, nil
}

// NewReverseTcpProxy wraps an fd accepted on a listening proxy. The guest
// side of the connection does not exist yet; the muxer follows up with
// PushOpRequest to start the handshake.
func NewReverseTcpProxy(id, cid, parentID uint64, localPort, peerPort, bufAlloc uint32, fd int, queueStream, queueDgram *SharedQueue, rxqStream, rxqDgram *RxQueue) *TcpProxy {
	debug.Writef("vsock-tcp.newReverse", "id=%d local_port=%d peer_port=%d", id, localPort, peerPort)
	return &TcpProxy{
		id:          id,
		cid:         cid,
		parentID:    parentID,
		localPort:   localPort,
		peerPort:    peerPort,
		fd:          fd,
		status:      ReverseInit,
		queueStream: queueStream,
		queueDgram:  queueDgram,
		rxqStream:   rxqStream,
		rxqDgram:    rxqDgram,
		bufAlloc:    bufAlloc,
	}
}

func (p *TcpProxy) ID() uint64 { return p.id }

func (p *TcpProxy) Status() ProxyStatus { return p.status }

func (p *TcpProxy) Stats() ProxyStats {
	return ProxyStats{
		LocalPort: p.localPort,
		PeerPort:  p.peerPort,
		RxCnt:     p.rxCnt,
		TxCnt:     p.txCnt,
		PushCnt:   p.pushCnt,
	}
}

// errnoOf extracts the errno for the guest-visible failure channel.
func errnoOf(err error) int32 {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return int32(errno)
	}
	return int32(unix.EIO)
}

func (p *TcpProxy) switchToConnected() {
	p.status = Connected
	// sendmsg uses bounded blocking writes from here on.
	if err := unix.SetNonblock(p.fd, false); err != nil {
		slog.Warn("vsock: error switching to blocking", "id", p.id, "err", err)
	}
}

// initDataPkt fills the canonical data packet header for host-to-guest
// stream traffic.
func (p *TcpProxy) initDataPkt(pkt *RxPacket) {
	debug.Writef("vsock-tcp.initDataPkt", "id=%d local_port=%d peer_port=%d", p.id, p.localPort, p.peerPort)
	pkt.Hdr = Header{
		SrcCID:   VSOCK_CID_HOST,
		DstCID:   p.cid,
		SrcPort:  p.localPort,
		DstPort:  p.peerPort,
		Type:     VIRTIO_VSOCK_TYPE_STREAM,
		Op:       VIRTIO_VSOCK_OP_RW,
		BufAlloc: p.bufAlloc,
		FwdCnt:   p.txCnt,
	}
}

// peerAvailCredit is how many more bytes the guest can absorb right now.
func (p *TcpProxy) peerAvailCredit() int {
	return int(p.peerBufAlloc - (p.rxCnt - p.peerFwdCnt))
}

func (p *TcpProxy) pushConnectRsp(result int32) {
	debug.Writef("vsock-tcp.pushConnectRsp", "id=%d control_port=%d result=%d", p.id, p.controlPort, result)

	// This response goes to the control port (DGRAM).
	rx := MuxerRx{
		Kind:      RxConnResponse,
		LocalPort: TSI_CONNECT,
		PeerPort:  p.controlPort,
		Result:    result,
	}
	pushPacket(p.cid, rx, p.rxqDgram, p.queueDgram, p.bufAlloc)
}

func (p *TcpProxy) pushReset() {
	debug.Writef("vsock-tcp.pushReset", "id=%d peer_port=%d local_port=%d", p.id, p.peerPort, p.localPort)

	// This packet goes to the connection.
	rx := MuxerRx{
		Kind:      RxReset,
		LocalPort: p.localPort,
		PeerPort:  p.peerPort,
	}
	pushPacket(p.cid, rx, p.rxqStream, p.queueStream, p.bufAlloc)
}

// Connect starts a non-blocking connect to the requested address. An
// immediate success or failure is answered right away; EINPROGRESS defers
// the answer to the OUT (or HANG_UP) event.
func (p *TcpProxy) Connect(pkt Packet, req TsiConnectReq) ProxyUpdate {
	var update ProxyUpdate

	var result int32
	sa := &unix.SockaddrInet4{Port: int(req.Port), Addr: req.Addr}
	err := unix.Connect(p.fd, sa)
	switch {
	case err == nil:
		debug.Writef("vsock-tcp.connect", "id=%d connected", p.id)
		p.switchToConnected()
	case err == unix.EINPROGRESS:
		debug.Writef("vsock-tcp.connect", "id=%d connecting", p.id)
		p.status = Connecting
	default:
		debug.Writef("vsock-tcp.connect", "id=%d error connecting: %v", p.id, err)
		result = -errnoOf(err)
	}

	if p.status == Connecting {
		update.Polling = &PollUpdate{ID: p.id, Fd: p.fd, Events: epoll.In | epoll.Out}
	} else {
		if p.status == Connected {
			update.Polling = &PollUpdate{ID: p.id, Fd: p.fd, Events: epoll.In}
		}
		p.pushConnectRsp(result)
	}

	return update
}

// ConfirmConnect handles the guest's stream handshake that follows a
// successful connect: snapshot the guest's credit, rebind the ports data
// packets will carry, and answer with an OpResponse.
func (p *TcpProxy) ConfirmConnect(pkt Packet) {
	debug.Writef("vsock-tcp.confirmConnect", "id=%d src_port=%d dst_port=%d", p.id, pkt.Hdr.SrcPort, pkt.Hdr.DstPort)

	p.peerBufAlloc = pkt.Hdr.BufAlloc
	p.peerFwdCnt = pkt.Hdr.FwdCnt

	p.localPort = pkt.Hdr.DstPort
	p.peerPort = pkt.Hdr.SrcPort

	// This response goes to the connection.
	rx := MuxerRx{
		Kind:      RxOpResponse,
		LocalPort: pkt.Hdr.DstPort,
		PeerPort:  pkt.Hdr.SrcPort,
	}
	pushPacket(p.cid, rx, p.rxqStream, p.queueStream, p.bufAlloc)
}

// Getpeername answers a guest getpeername call with the fd's remote
// address. Anything that is not IPv4 becomes EINVAL.
func (p *TcpProxy) Getpeername(pkt Packet) {
	debug.Writef("vsock-tcp.getpeername", "id=%d", p.id)

	var rsp TsiGetnameRsp
	sa, err := unix.Getpeername(p.fd)
	if err != nil {
		rsp.Result = -errnoOf(err)
	} else if inet, ok := sa.(*unix.SockaddrInet4); ok {
		rsp.Addr = inet.Addr
		rsp.Port = uint16(inet.Port)
	} else {
		rsp.Result = -int32(unix.EINVAL)
	}

	debug.Writef("vsock-tcp.getpeername", "id=%d reply=%+v", p.id, rsp)

	// This response goes to the control port (DGRAM).
	rx := MuxerRx{
		Kind:      RxGetnameResponse,
		LocalPort: pkt.Hdr.DstPort,
		PeerPort:  pkt.Hdr.SrcPort,
		Getname:   rsp,
	}
	pushPacket(p.cid, rx, p.rxqDgram, p.queueDgram, p.bufAlloc)
}

// Sendmsg writes the packet payload to the host socket. Once half the
// advertised buffer has been forwarded since the last update, a credit
// update is pushed so the guest can keep the pipe full.
func (p *TcpProxy) Sendmsg(pkt Packet) ProxyUpdate {
	var update ProxyUpdate

	var ret int
	if len(pkt.Data) > 0 {
		sent, err := unix.Write(p.fd, pkt.Data)
		if err != nil {
			ret = -int(errnoOf(err))
		} else {
			if sent != len(pkt.Data) {
				slog.Error("vsock: short write to proxy socket", "id", p.id, "buf", len(pkt.Data), "sent", sent)
			}
			p.txCnt += uint32(sent)
			ret = sent
		}
	} else {
		ret = -int(unix.EINVAL)
	}

	if ret > 0 && p.txCnt-p.lastTxCntSent >= p.bufAlloc/2 {
		debug.Writef("vsock-tcp.sendmsg", "sending credit update: id=%d tx_cnt=%d last_tx_cnt=%d", p.id, p.txCnt, p.lastTxCntSent)
		p.lastTxCntSent = p.txCnt
		// This packet goes to the connection.
		rx := MuxerRx{
			Kind:      RxCreditUpdate,
			LocalPort: pkt.Hdr.DstPort,
			PeerPort:  pkt.Hdr.SrcPort,
			FwdCnt:    p.txCnt,
		}
		pushPacket(p.cid, rx, p.rxqStream, p.queueStream, p.bufAlloc)
		update.SignalQueue = true
	}

	debug.Writef("vsock-tcp.sendmsg", "id=%d ret=%d", p.id, ret)
	return update
}

// SendtoAddr is datagram-only; stream proxies ignore it.
func (p *TcpProxy) SendtoAddr(req TsiSendtoAddr) {
	debug.Writef("vsock-tcp.sendtoAddr", "id=%d ignored", p.id)
}

// Listen binds and listens on the requested address. Repeated listen calls
// are answered with success without touching the fd.
func (p *TcpProxy) Listen(pkt Packet, req TsiListenReq) ProxyUpdate {
	debug.Writef("vsock-tcp.listen", "id=%d addr=%d.%d.%d.%d port=%d vm_port=%d backlog=%d",
		p.id, req.Addr[0], req.Addr[1], req.Addr[2], req.Addr[3], req.Port, req.VMPort, req.Backlog)

	var update ProxyUpdate

	var result int32
	if p.status != Listening {
		sa := &unix.SockaddrInet4{Port: int(req.Port), Addr: req.Addr}
		if err := unix.Bind(p.fd, sa); err != nil {
			slog.Warn("vsock: proxy bind failed", "id", p.id, "err", err)
			result = -errnoOf(err)
		} else if err := unix.Listen(p.fd, int(req.Backlog)); err != nil {
			slog.Warn("vsock: proxy listen failed", "id", p.id, "err", err)
			result = -errnoOf(err)
		}
	}

	// This response goes to the control port (DGRAM).
	rx := MuxerRx{
		Kind:      RxListenResponse,
		LocalPort: pkt.Hdr.DstPort,
		PeerPort:  pkt.Hdr.SrcPort,
		Result:    result,
	}
	pushPacket(p.cid, rx, p.rxqDgram, p.queueDgram, p.bufAlloc)

	if result == 0 {
		p.peerPort = req.VMPort
		p.status = Listening
		update.Polling = &PollUpdate{ID: p.id, Fd: p.fd, Events: epoll.In}
	}

	return update
}

// Accept takes one pending connection off the listener. EAGAIN suppresses
// the response; the guest retries once the listener becomes readable.
func (p *TcpProxy) Accept(pkt Packet, req TsiAcceptReq) ProxyUpdate {
	debug.Writef("vsock-tcp.accept", "id=%d flags=%d", p.id, req.Flags)

	var update ProxyUpdate

	var result int32
	fd, _, err := unix.Accept4(p.fd, unix.SOCK_CLOEXEC)
	if err != nil {
		result = -errnoOf(err)
	} else {
		update.NewProxy = &NewProxyFd{PeerPort: p.peerPort, Fd: fd}
	}

	if result != -int32(unix.EAGAIN) {
		// This response goes to the control port (DGRAM).
		rx := MuxerRx{
			Kind:      RxAcceptResponse,
			LocalPort: pkt.Hdr.DstPort,
			PeerPort:  pkt.Hdr.SrcPort,
			Result:    result,
		}
		pushPacket(p.cid, rx, p.rxqDgram, p.queueDgram, p.bufAlloc)
	}

	return update
}

// UpdatePeerCredit refreshes the guest's advertised window and resumes the
// read path.
func (p *TcpProxy) UpdatePeerCredit(pkt Packet) ProxyUpdate {
	debug.Writef("vsock-tcp.updatePeerCredit", "id=%d buf_alloc=%d rx_cnt=%d fwd_cnt=%d", p.id, pkt.Hdr.BufAlloc, p.rxCnt, pkt.Hdr.FwdCnt)

	p.peerBufAlloc = pkt.Hdr.BufAlloc
	p.peerFwdCnt = pkt.Hdr.FwdCnt

	p.status = Connected

	return ProxyUpdate{
		Polling: &PollUpdate{ID: p.id, Fd: p.fd, Events: epoll.In},
	}
}

// ProcessCreditRequest answers a guest credit probe with the current
// forward counter.
func (p *TcpProxy) ProcessCreditRequest(pkt Packet) {
	debug.Writef("vsock-tcp.processCreditRequest", "id=%d tx_cnt=%d", p.id, p.txCnt)

	p.lastTxCntSent = p.txCnt
	// This packet goes to the connection.
	rx := MuxerRx{
		Kind:      RxCreditUpdate,
		LocalPort: pkt.Hdr.DstPort,
		PeerPort:  pkt.Hdr.SrcPort,
		FwdCnt:    p.txCnt,
	}
	pushPacket(p.cid, rx, p.rxqStream, p.queueStream, p.bufAlloc)
}

// PushOpRequest starts the reverse handshake for an accepted connection.
func (p *TcpProxy) PushOpRequest() {
	debug.Writef("vsock-tcp.pushOpRequest", "id=%d local_port=%d peer_port=%d", p.id, p.localPort, p.peerPort)

	// This packet goes to the connection.
	rx := MuxerRx{
		Kind:      RxOpRequest,
		LocalPort: p.localPort,
		PeerPort:  p.peerPort,
	}
	pushPacket(p.cid, rx, p.rxqDgram, p.queueDgram, p.bufAlloc)
}

// ProcessOpResponse completes the reverse handshake: the guest accepted the
// host's OpRequest and advertised its credit.
func (p *TcpProxy) ProcessOpResponse(pkt Packet) ProxyUpdate {
	debug.Writef("vsock-tcp.processOpResponse", "id=%d src_port=%d dst_port=%d", p.id, pkt.Hdr.SrcPort, pkt.Hdr.DstPort)

	p.peerBufAlloc = pkt.Hdr.BufAlloc
	p.peerFwdCnt = pkt.Hdr.FwdCnt

	p.switchToConnected()

	return ProxyUpdate{
		Polling:    &PollUpdate{ID: p.id, Fd: p.fd, Events: epoll.In},
		PushAccept: &AcceptRef{ID: p.id, ParentID: p.parentID},
	}
}

// PushAcceptRsp delivers the deferred accept response through this proxy's
// control port. Called on the parent once a child handshake completes.
func (p *TcpProxy) PushAcceptRsp(result int32) {
	debug.Writef("vsock-tcp.pushAcceptRsp", "control_port=%d result=%d", p.controlPort, result)

	// This response goes to the control port (DGRAM).
	rx := MuxerRx{
		Kind:      RxAcceptResponse,
		LocalPort: TSI_ACCEPT,
		PeerPort:  p.controlPort,
		Result:    result,
	}
	pushPacket(p.cid, rx, p.rxqDgram, p.queueDgram, p.bufAlloc)
}

// Shutdown applies the packet's shutdown flags to the host socket.
func (p *TcpProxy) Shutdown(pkt Packet) {
	recvOff := pkt.Hdr.Flags&VIRTIO_VSOCK_SHUTDOWN_RCV != 0
	sendOff := pkt.Hdr.Flags&VIRTIO_VSOCK_SHUTDOWN_SEND != 0

	var how int
	switch {
	case recvOff && sendOff:
		how = unix.SHUT_RDWR
	case recvOff:
		how = unix.SHUT_RD
	default:
		how = unix.SHUT_WR
	}

	if err := unix.Shutdown(p.fd, how); err != nil {
		slog.Warn("vsock: error sending shutdown to socket", "id", p.id, "err", err)
	}
}

// Release marks the proxy for removal.
func (p *TcpProxy) Release() ProxyUpdate {
	debug.Writef("vsock-tcp.release", "id=%d tx_cnt=%d last_tx_cnt=%d", p.id, p.txCnt, p.lastTxCntSent)
	return ProxyUpdate{RemoveProxy: true}
}

// recvToPkt runs a single bounded recv for one RX descriptor.
func (p *TcpProxy) recvToPkt(pkt *RxPacket, staging []byte) (recvResult, int) {
	if pkt.BufCap() == 0 {
		debug.Writef("vsock-tcp.recvPkt", "pkt without buf")
		return recvError, 0
	}

	maxLen := pkt.BufCap()
	if credit := p.peerAvailCredit(); maxLen > credit {
		maxLen = credit
	}
	if maxLen > len(staging) {
		maxLen = len(staging)
	}

	debug.Writef("vsock-tcp.recvPkt", "peer_avail_credit=%d buf_cap=%d max_len=%d", p.peerAvailCredit(), pkt.BufCap(), maxLen)

	if maxLen == 0 {
		return recvWaitForCredit, 0
	}

	n, _, err := unix.Recvfrom(p.fd, staging[:maxLen], unix.MSG_DONTWAIT)
	if err != nil {
		debug.Writef("vsock-tcp.recvPkt", "recv error: %v", err)
		return recvError, 0
	}
	if n == 0 {
		return recvClose, 0
	}
	return recvRead, n
}

// recvPkt drains the stream RX ring, filling each descriptor with at most
// one recv from the socket. Returns whether used entries were added and
// whether the guest's window ran out.
func (p *TcpProxy) recvPkt() (haveUsed, waitCredit bool) {
	q := p.queueStream.Acquire()
	defer p.queueStream.Release()

	staging := recvBufPool.Get().([]byte)
	defer recvBufPool.Put(staging)

	for {
		chain, ok, err := q.Pop()
		if err != nil {
			slog.Warn("vsock: stream RX ring error", "id", p.id, "err", err)
			break
		}
		if !ok {
			break
		}

		var usedLen uint32
		pkt, err := NewRxPacket(q, chain)
		if err != nil {
			debug.Writef("vsock-tcp.recvPkt", "RX queue error: %v", err)
		} else {
			res, cnt := p.recvToPkt(pkt, staging)
			switch res {
			case recvWaitForCredit:
				waitCredit = true
			case recvRead:
				p.initDataPkt(pkt)
				pkt.Hdr.Len = uint32(cnt)
				if err := pkt.WritePayload(0, staging[:cnt]); err != nil {
					slog.Error("vsock: dropping received bytes", "id", p.id, "err", err)
				} else if err := pkt.Commit(); err != nil {
					slog.Error("vsock: dropping received bytes", "id", p.id, "err", err)
				} else {
					p.rxCnt += uint32(cnt)
					usedLen = pkt.UsedLen()
					p.queueStream.capturePkt(pkt.Hdr, staging[:cnt])
				}
			case recvClose:
				p.status = Closed
			case recvError:
			}
		}

		if usedLen == 0 {
			q.UndoPop()
			break
		}

		haveUsed = true
		p.pushCnt += uint64(usedLen)
		debug.Writef("vsock-tcp.recvPkt", "pushing packet with %d bytes, push_cnt=%d", usedLen, p.pushCnt)
		if err := q.AddUsed(chain.Head, usedLen); err != nil {
			slog.Error("vsock: used ring error", "id", p.id, "err", err)
			break
		}
	}

	debug.Writef("vsock-tcp.recvPkt", "have_used=%v", haveUsed)
	if haveUsed {
		p.queueStream.MarkPending()
	}
	return haveUsed, waitCredit
}

// ProcessEvent reacts to host fd readiness reported by the muxer loop.
func (p *TcpProxy) ProcessEvent(evset epoll.EventSet) ProxyUpdate {
	var update ProxyUpdate

	if evset.Has(epoll.HangUp) {
		debug.Writef("vsock-tcp.processEvent", "id=%d HANG_UP", p.id)
		if p.status == Connecting {
			p.pushConnectRsp(-int32(unix.ECONNREFUSED))
		} else {
			p.pushReset()
		}

		p.status = Closed
		update.Polling = &PollUpdate{ID: p.id, Fd: p.fd}
		update.SignalQueue = true
		update.RemoveProxy = true
		return update
	}

	if evset.Has(epoll.In) {
		debug.Writef("vsock-tcp.processEvent", "id=%d IN", p.id)
		switch p.status {
		case Connected:
			haveUsed, waitCredit := p.recvPkt()
			update.SignalQueue = haveUsed

			if waitCredit && p.status != WaitingCreditUpdate {
				p.status = WaitingCreditUpdate
				update.PushCreditReq = &MuxerRx{
					Kind:      RxCreditRequest,
					LocalPort: p.localPort,
					PeerPort:  p.peerPort,
					FwdCnt:    p.txCnt,
				}
			}

			if p.status == Closed {
				debug.Writef("vsock-tcp.processEvent", "id=%d endpoint closed, sending reset", p.id)
				p.pushReset()
				update.SignalQueue = true
				update.Polling = &PollUpdate{ID: p.id, Fd: p.fd}
				update.RemoveProxy = true
				return update
			}
			if p.status == WaitingCreditUpdate {
				debug.Writef("vsock-tcp.processEvent", "id=%d waiting for credit update", p.id)
				update.Polling = &PollUpdate{ID: p.id, Fd: p.fd}
			}
		case Listening:
			fd, _, err := unix.Accept4(p.fd, unix.SOCK_CLOEXEC)
			if err != nil {
				slog.Warn("vsock: error accepting connection", "id", p.id, "err", err)
			} else {
				update.NewProxy = &NewProxyFd{PeerPort: p.peerPort, Fd: fd}
			}
			update.SignalQueue = true
			return update
		default:
			debug.Writef("vsock-tcp.processEvent", "id=%d IN while %s", p.id, p.status)
		}
	}

	if evset.Has(epoll.Out) {
		debug.Writef("vsock-tcp.processEvent", "id=%d OUT", p.id)
		if p.status == Connecting {
			p.switchToConnected()
			p.pushConnectRsp(0)
			update.SignalQueue = true
			update.Polling = &PollUpdate{ID: p.id, Fd: p.fd, Events: epoll.In}
		} else {
			slog.Error("vsock: OUT event while not connecting", "id", p.id, "status", p.status.String())
		}
	}

	return update
}

// Close releases the host fd. The muxer calls this exactly once.
func (p *TcpProxy) Close() error {
	if err := unix.Close(p.fd); err != nil {
		slog.Warn("vsock: error closing proxy fd", "id", p.id, "err", err)
		return err
	}
	return nil
}
