//go:build linux

package vsock

import (
	"github.com/tinyrange/tsimux/internal/epoll"
)

// ProxyStatus tracks a proxy's position in its connection lifecycle.
type ProxyStatus uint8

const (
	// Idle is the initial state of a forward (guest-initiated) proxy.
	Idle ProxyStatus = iota
	// Connecting means a non-blocking connect is in flight.
	Connecting
	// Connected means stream data may flow in both directions.
	Connected
	// Listening means the fd is a bound listener owned by the guest.
	Listening
	// ReverseInit is the initial state of an accepted child proxy,
	// waiting for the guest to answer the host's OpRequest.
	ReverseInit
	// WaitingCreditUpdate means the guest's receive window is exhausted
	// and the read path is paused until a credit update arrives.
	WaitingCreditUpdate
	// Closed is terminal; the muxer removes the proxy.
	Closed
)

func (s ProxyStatus) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Listening:
		return "listening"
	case ReverseInit:
		return "reverse-init"
	case WaitingCreditUpdate:
		return "waiting-credit-update"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// PollUpdate is a desired epoll registration. An empty event set means
// deregister the fd.
type PollUpdate struct {
	ID     uint64
	Fd     int
	Events epoll.EventSet
}

// NewProxyFd is an accepted connection handed to the muxer to wrap as a
// reverse child proxy. The fd becomes the child's exclusive property.
type NewProxyFd struct {
	PeerPort uint32
	Fd       int
}

// AcceptRef identifies a completed child handshake so the muxer can deliver
// the deferred accept response through the parent.
type AcceptRef struct {
	ID       uint64
	ParentID uint64
}

// ProxyUpdate describes the side effects the muxer must enact after a proxy
// operation returns.
type ProxyUpdate struct {
	Polling       *PollUpdate
	RemoveProxy   bool
	SignalQueue   bool
	NewProxy      *NewProxyFd
	PushAccept    *AcceptRef
	PushCreditReq *MuxerRx
}

// ProxyStats is a point-in-time snapshot for diagnostics.
type ProxyStats struct {
	LocalPort uint32 `json:"localPort"`
	PeerPort  uint32 `json:"peerPort"`
	RxCnt     uint32 `json:"rxCnt"`
	TxCnt     uint32 `json:"txCnt"`
	PushCnt   uint64 `json:"pushCnt"`
}

// Proxy is one guest socket's host-side endpoint. All methods are invoked
// from the muxer loop and must not block indefinitely.
type Proxy interface {
	ID() uint64
	Status() ProxyStatus
	Stats() ProxyStats

	// Control operations, dispatched from guest datagram requests.
	Connect(pkt Packet, req TsiConnectReq) ProxyUpdate
	Listen(pkt Packet, req TsiListenReq) ProxyUpdate
	Accept(pkt Packet, req TsiAcceptReq) ProxyUpdate
	Getpeername(pkt Packet)
	SendtoAddr(req TsiSendtoAddr)
	Release() ProxyUpdate

	// Stream operations, dispatched from guest stream packets.
	ConfirmConnect(pkt Packet)
	Sendmsg(pkt Packet) ProxyUpdate
	UpdatePeerCredit(pkt Packet) ProxyUpdate
	ProcessCreditRequest(pkt Packet)
	ProcessOpResponse(pkt Packet) ProxyUpdate
	Shutdown(pkt Packet)

	// Reverse handshake, driven by the muxer.
	PushOpRequest()
	PushAcceptRsp(result int32)

	// Host fd readiness.
	ProcessEvent(evset epoll.EventSet) ProxyUpdate

	// Close releases the host fd. Called exactly once by the muxer.
	Close() error
}
