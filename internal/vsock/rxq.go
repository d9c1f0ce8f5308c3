package vsock

import (
	"sync"
)

// RxKind discriminates pending host-to-guest records.
type RxKind uint8

const (
	RxReset RxKind = iota
	RxOpRequest
	RxOpResponse
	RxConnResponse
	RxListenResponse
	RxAcceptResponse
	RxGetnameResponse
	RxCreditUpdate
	RxCreditRequest
)

func (k RxKind) String() string {
	switch k {
	case RxReset:
		return "Reset"
	case RxOpRequest:
		return "OpRequest"
	case RxOpResponse:
		return "OpResponse"
	case RxConnResponse:
		return "ConnResponse"
	case RxListenResponse:
		return "ListenResponse"
	case RxAcceptResponse:
		return "AcceptResponse"
	case RxGetnameResponse:
		return "GetnameResponse"
	case RxCreditUpdate:
		return "CreditUpdate"
	case RxCreditRequest:
		return "CreditRequest"
	default:
		return "Unknown"
	}
}

// MuxerRx is one pending host-to-guest record. It is rendered into a packet
// only once an RX descriptor chain is available.
type MuxerRx struct {
	Kind      RxKind
	LocalPort uint32
	PeerPort  uint32
	Result    int32
	FwdCnt    uint32
	Getname   TsiGetnameRsp
}

// render produces the packet header and payload for a record. bufAlloc is
// the host's advertised stream buffer; control responses carry no credit.
func (rx MuxerRx) render(guestCID uint64, bufAlloc uint32) (Header, []byte) {
	hdr := Header{
		SrcCID:  VSOCK_CID_HOST,
		DstCID:  guestCID,
		SrcPort: rx.LocalPort,
		DstPort: rx.PeerPort,
	}
	var payload []byte

	switch rx.Kind {
	case RxReset:
		hdr.Type = VIRTIO_VSOCK_TYPE_STREAM
		hdr.Op = VIRTIO_VSOCK_OP_RST
	case RxOpRequest:
		hdr.Type = VIRTIO_VSOCK_TYPE_STREAM
		hdr.Op = VIRTIO_VSOCK_OP_REQUEST
		hdr.BufAlloc = bufAlloc
	case RxOpResponse:
		hdr.Type = VIRTIO_VSOCK_TYPE_STREAM
		hdr.Op = VIRTIO_VSOCK_OP_RESPONSE
		hdr.BufAlloc = bufAlloc
	case RxCreditUpdate:
		hdr.Type = VIRTIO_VSOCK_TYPE_STREAM
		hdr.Op = VIRTIO_VSOCK_OP_CREDIT_UPDATE
		hdr.BufAlloc = bufAlloc
		hdr.FwdCnt = rx.FwdCnt
	case RxCreditRequest:
		hdr.Type = VIRTIO_VSOCK_TYPE_STREAM
		hdr.Op = VIRTIO_VSOCK_OP_CREDIT_REQUEST
		hdr.BufAlloc = bufAlloc
		hdr.FwdCnt = rx.FwdCnt
	case RxConnResponse:
		hdr.Type = VIRTIO_VSOCK_TYPE_DGRAM
		hdr.Op = VIRTIO_VSOCK_OP_RW
		payload = encodeTsiConnectRsp(TsiConnectRsp{Result: rx.Result})
	case RxListenResponse:
		hdr.Type = VIRTIO_VSOCK_TYPE_DGRAM
		hdr.Op = VIRTIO_VSOCK_OP_RW
		payload = encodeTsiListenRsp(TsiListenRsp{Result: rx.Result})
	case RxAcceptResponse:
		hdr.Type = VIRTIO_VSOCK_TYPE_DGRAM
		hdr.Op = VIRTIO_VSOCK_OP_RW
		payload = encodeTsiAcceptRsp(TsiAcceptRsp{Result: rx.Result})
	case RxGetnameResponse:
		hdr.Type = VIRTIO_VSOCK_TYPE_DGRAM
		hdr.Op = VIRTIO_VSOCK_OP_RW
		payload = encodeTsiGetnameRsp(rx.Getname)
	}

	hdr.Len = uint32(len(payload))
	return hdr, payload
}

// RxQueue is a bounded FIFO of pending records for one RX virtqueue. When
// the queue overflows, the oldest record is dropped so fresh control traffic
// is not starved behind a stalled backlog.
type RxQueue struct {
	mu      sync.Mutex
	buf     []MuxerRx
	head    int
	count   int
	dropped uint64
}

// NewRxQueue creates a queue bounded at capacity records.
func NewRxQueue(capacity int) *RxQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &RxQueue{buf: make([]MuxerRx, capacity)}
}

// PushOrDeliver hands rx to deliver when the backlog is empty, preserving
// FIFO order otherwise. A record that cannot be delivered is queued. Returns
// whether an older record was dropped to make room.
func (q *RxQueue) PushOrDeliver(rx MuxerRx, deliver func(MuxerRx) bool) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 && deliver(rx) {
		return false
	}
	return q.push(rx)
}

// DrainDeliver pops queued records while deliver keeps accepting them.
// Returns the number delivered.
func (q *RxQueue) DrainDeliver(deliver func(MuxerRx) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	delivered := 0
	for q.count > 0 {
		if !deliver(q.buf[q.head]) {
			break
		}
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		delivered++
	}
	return delivered
}

// Len returns the backlog depth.
func (q *RxQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Dropped returns the total number of records discarded on overflow.
func (q *RxQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *RxQueue) push(rx MuxerRx) (dropped bool) {
	if q.count == len(q.buf) {
		// Full: discard the oldest record.
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		q.dropped++
		dropped = true
	}
	q.buf[(q.head+q.count)%len(q.buf)] = rx
	q.count++
	return dropped
}
