package vsock

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/tsimux/internal/virtio"
)

// ErrInvalidDescriptorChain is returned when a descriptor chain cannot hold
// a vsock packet header, or when the header length field disagrees with the
// chain contents.
var ErrInvalidDescriptorChain = errors.New("vsock: invalid descriptor chain")

// Header is the virtio-vsock packet header.
// Layout:
//
//	u64 src_cid
//	u64 dst_cid
//	u32 src_port
//	u32 dst_port
//	u32 len
//	u16 type
//	u16 op
//	u32 flags
//	u32 buf_alloc
//	u32 fwd_cnt
type Header struct {
	SrcCID   uint64
	DstCID   uint64
	SrcPort  uint32
	DstPort  uint32
	Len      uint32
	Type     uint16
	Op       uint16
	Flags    uint32
	BufAlloc uint32
	FwdCnt   uint32
}

func parseHeader(data []byte) (Header, error) {
	if len(data) < vsockHdrSize {
		return Header{}, fmt.Errorf("%w: header too short (%d < %d)", ErrInvalidDescriptorChain, len(data), vsockHdrSize)
	}
	return Header{
		SrcCID:   binary.LittleEndian.Uint64(data[0:8]),
		DstCID:   binary.LittleEndian.Uint64(data[8:16]),
		SrcPort:  binary.LittleEndian.Uint32(data[16:20]),
		DstPort:  binary.LittleEndian.Uint32(data[20:24]),
		Len:      binary.LittleEndian.Uint32(data[24:28]),
		Type:     binary.LittleEndian.Uint16(data[28:30]),
		Op:       binary.LittleEndian.Uint16(data[30:32]),
		Flags:    binary.LittleEndian.Uint32(data[32:36]),
		BufAlloc: binary.LittleEndian.Uint32(data[36:40]),
		FwdCnt:   binary.LittleEndian.Uint32(data[40:44]),
	}, nil
}

func encodeHeader(hdr Header) []byte {
	buf := make([]byte, vsockHdrSize)
	binary.LittleEndian.PutUint64(buf[0:8], hdr.SrcCID)
	binary.LittleEndian.PutUint64(buf[8:16], hdr.DstCID)
	binary.LittleEndian.PutUint32(buf[16:20], hdr.SrcPort)
	binary.LittleEndian.PutUint32(buf[20:24], hdr.DstPort)
	binary.LittleEndian.PutUint32(buf[24:28], hdr.Len)
	binary.LittleEndian.PutUint16(buf[28:30], hdr.Type)
	binary.LittleEndian.PutUint16(buf[30:32], hdr.Op)
	binary.LittleEndian.PutUint32(buf[32:36], hdr.Flags)
	binary.LittleEndian.PutUint32(buf[36:40], hdr.BufAlloc)
	binary.LittleEndian.PutUint32(buf[40:44], hdr.FwdCnt)
	return buf
}

// Packet is a parsed guest-to-host packet from a TX descriptor chain.
type Packet struct {
	Hdr  Header
	Data []byte
}

// ParsePacket decodes a packet from the gathered bytes of a TX chain. Bytes
// past the header-declared length are ignored.
func ParsePacket(data []byte) (Packet, error) {
	hdr, err := parseHeader(data)
	if err != nil {
		return Packet{}, err
	}
	payload := data[vsockHdrSize:]
	if uint64(hdr.Len) > uint64(len(payload)) {
		return Packet{}, fmt.Errorf("%w: declared length %d exceeds chain payload %d", ErrInvalidDescriptorChain, hdr.Len, len(payload))
	}
	return Packet{Hdr: hdr, Data: payload[:hdr.Len]}, nil
}

// RxPacket is a host-to-guest packet being assembled in the writable space
// of an RX descriptor chain. Callers fill Hdr and the payload, then Commit.
type RxPacket struct {
	Hdr Header

	q     *virtio.Queue
	chain virtio.Chain
	cap   int
}

// NewRxPacket wraps an RX chain. The chain must have space for a header and
// yields ErrInvalidDescriptorChain otherwise.
func NewRxPacket(q *virtio.Queue, chain virtio.Chain) (*RxPacket, error) {
	writable := chain.WritableLen()
	if writable < vsockHdrSize {
		return nil, fmt.Errorf("%w: RX chain holds %d bytes, need %d for header", ErrInvalidDescriptorChain, writable, vsockHdrSize)
	}
	return &RxPacket{q: q, chain: chain, cap: writable - vsockHdrSize}, nil
}

// BufCap returns the payload capacity of the chain.
func (p *RxPacket) BufCap() int { return p.cap }

// Head returns the chain head for the used ring.
func (p *RxPacket) Head() uint16 { return p.chain.Head }

// WritePayload copies data into the chain's payload area at the given
// offset. It does not update Hdr.Len.
func (p *RxPacket) WritePayload(offset int, data []byte) error {
	if offset+len(data) > p.cap {
		return fmt.Errorf("%w: payload write of %d at %d exceeds capacity %d", ErrInvalidDescriptorChain, len(data), offset, p.cap)
	}
	return p.q.WriteChain(p.chain, vsockHdrSize+offset, data)
}

// Commit writes the header into the chain. The payload must already be in
// place.
func (p *RxPacket) Commit() error {
	return p.q.WriteChain(p.chain, 0, encodeHeader(p.Hdr))
}

// UsedLen returns the byte count to publish on the used ring.
func (p *RxPacket) UsedLen() uint32 {
	return vsockHdrSize + p.Hdr.Len
}
