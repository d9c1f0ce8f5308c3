// Package vsock implements the host side of a virtio-vsock stream
// multiplexer. Guest sockets are hijacked by a thin in-guest shim that talks
// a datagram control protocol (well-known ports 1024-1031) to the host; the
// muxer here turns those requests into real host TCP sockets and proxies
// stream data between the guest rings and the sockets.
package vsock

import "fmt"

// Vsock header size
const vsockHdrSize = 44

// Vsock packet types
const (
	VIRTIO_VSOCK_TYPE_STREAM = 1
	VIRTIO_VSOCK_TYPE_DGRAM  = 3
)

// Vsock operations
const (
	VIRTIO_VSOCK_OP_INVALID        = 0
	VIRTIO_VSOCK_OP_REQUEST        = 1 // Connection request
	VIRTIO_VSOCK_OP_RESPONSE       = 2 // Connection accepted
	VIRTIO_VSOCK_OP_RST            = 3 // Reset/reject
	VIRTIO_VSOCK_OP_SHUTDOWN       = 4 // Graceful shutdown
	VIRTIO_VSOCK_OP_RW             = 5 // Data transfer
	VIRTIO_VSOCK_OP_CREDIT_UPDATE  = 6 // Flow control
	VIRTIO_VSOCK_OP_CREDIT_REQUEST = 7 // Request credit info
)

// Vsock shutdown flags
const (
	VIRTIO_VSOCK_SHUTDOWN_RCV  = 1
	VIRTIO_VSOCK_SHUTDOWN_SEND = 2
)

// Well-known CIDs
const (
	VSOCK_CID_HYPERVISOR = 0 // Reserved
	VSOCK_CID_LOCAL      = 1 // Local loopback
	VSOCK_CID_HOST       = 2 // Host CID
)

// Control ports for the in-guest socket shim. Requests arrive as datagram RW
// packets addressed to these host ports; responses go back on the same port.
const (
	TSI_PROXY_CREATE  = 1024
	TSI_CONNECT       = 1025
	TSI_GETNAME       = 1026
	TSI_SENDTO_ADDR   = 1027
	TSI_SENDTO_DATA   = 1028
	TSI_LISTEN        = 1029
	TSI_ACCEPT        = 1030
	TSI_PROXY_RELEASE = 1031
)

// DefaultTxBufSize is the per-connection transmit buffer the host advertises
// to the guest (buf_alloc). Credit updates are pushed once half of it has
// been forwarded since the last update.
const DefaultTxBufSize = 64 * 1024

// opString returns a human-readable string for a vsock operation.
func opString(op uint16) string {
	switch op {
	case VIRTIO_VSOCK_OP_INVALID:
		return "INVALID"
	case VIRTIO_VSOCK_OP_REQUEST:
		return "REQUEST"
	case VIRTIO_VSOCK_OP_RESPONSE:
		return "RESPONSE"
	case VIRTIO_VSOCK_OP_RST:
		return "RST"
	case VIRTIO_VSOCK_OP_SHUTDOWN:
		return "SHUTDOWN"
	case VIRTIO_VSOCK_OP_RW:
		return "RW"
	case VIRTIO_VSOCK_OP_CREDIT_UPDATE:
		return "CREDIT_UPDATE"
	case VIRTIO_VSOCK_OP_CREDIT_REQUEST:
		return "CREDIT_REQUEST"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", op)
	}
}

// tsiPortString names a control port for trace output.
func tsiPortString(port uint32) string {
	switch port {
	case TSI_PROXY_CREATE:
		return "PROXY_CREATE"
	case TSI_CONNECT:
		return "CONNECT"
	case TSI_GETNAME:
		return "GETNAME"
	case TSI_SENDTO_ADDR:
		return "SENDTO_ADDR"
	case TSI_SENDTO_DATA:
		return "SENDTO_DATA"
	case TSI_LISTEN:
		return "LISTEN"
	case TSI_ACCEPT:
		return "ACCEPT"
	case TSI_PROXY_RELEASE:
		return "PROXY_RELEASE"
	default:
		return fmt.Sprintf("PORT(%d)", port)
	}
}
