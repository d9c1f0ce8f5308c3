package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ErrNotReady reports queue access before the driver configured and enabled
// the ring.
var ErrNotReady = errors.New("virtio: queue not ready")

// GuestMemory provides access to guest physical memory.
// Ring structures and descriptor payloads are resolved through this interface.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

const (
	descFNext  = 1
	descFWrite = 2

	availFNoInterrupt = 1
)

// Descriptor is a single entry of the descriptor table, already resolved
// from guest memory.
type Descriptor struct {
	Addr    uint64
	Length  uint32
	IsWrite bool
}

// Chain is a popped descriptor chain. Head must be handed back to AddUsed
// once the chain has been consumed.
type Chain struct {
	Head uint16
	Desc []Descriptor
}

// ReadableLen returns the total length of the device-readable descriptors.
func (c Chain) ReadableLen() int {
	var n int
	for _, d := range c.Desc {
		if !d.IsWrite {
			n += int(d.Length)
		}
	}
	return n
}

// WritableLen returns the total capacity of the device-writable descriptors.
func (c Chain) WritableLen() int {
	var n int
	for _, d := range c.Desc {
		if d.IsWrite {
			n += int(d.Length)
		}
	}
	return n
}

// Queue is a split virtqueue driven from the device side. The embedding VMM
// configures the ring addresses and size, then marks the queue ready.
// Methods are not safe for concurrent use; callers serialize access.
type Queue struct {
	DescTableAddr uint64
	AvailRingAddr uint64
	UsedRingAddr  uint64
	Size          uint16
	MaxSize       uint16
	Ready         bool

	lastAvailIdx uint16
	usedIdx      uint16

	mem GuestMemory
}

// NewQueue creates a queue backed by the given guest memory.
func NewQueue(mem GuestMemory, maxSize uint16) *Queue {
	return &Queue{MaxSize: maxSize, mem: mem}
}

// Reset clears the queue state.
func (q *Queue) Reset() {
	q.Size = 0
	q.Ready = false
	q.DescTableAddr = 0
	q.AvailRingAddr = 0
	q.UsedRingAddr = 0
	q.lastAvailIdx = 0
	q.usedIdx = 0
}

// SetAddresses configures the queue ring addresses.
func (q *Queue) SetAddresses(descAddr, availAddr, usedAddr uint64) {
	q.DescTableAddr = descAddr
	q.AvailRingAddr = availAddr
	q.UsedRingAddr = usedAddr
}

// SetSize sets the queue size (number of descriptors).
func (q *Queue) SetSize(size uint16) error {
	if size > q.MaxSize {
		return fmt.Errorf("queue size %d exceeds max size %d", size, q.MaxSize)
	}
	if size == 0 {
		return fmt.Errorf("queue size cannot be zero")
	}
	q.Size = size
	return nil
}

// SetReady marks the queue as ready for operation.
func (q *Queue) SetReady(ready bool) {
	q.Ready = ready
	if !ready {
		q.Reset()
	}
}

// Pop takes the next available descriptor chain off the avail ring.
// Returns (chain, true, nil) when a chain was available.
func (q *Queue) Pop() (Chain, bool, error) {
	if err := q.ensureReady(); err != nil {
		return Chain{}, false, err
	}

	var header [4]byte
	if err := q.readGuestInto(q.AvailRingAddr, header[:]); err != nil {
		return Chain{}, false, err
	}
	availIdx := binary.LittleEndian.Uint16(header[2:4])
	if q.lastAvailIdx == availIdx {
		return Chain{}, false, nil
	}

	ringIndex := q.lastAvailIdx % q.Size
	var buf [2]byte
	if err := q.readGuestInto(q.AvailRingAddr+4+uint64(ringIndex)*2, buf[:]); err != nil {
		return Chain{}, false, err
	}
	head := binary.LittleEndian.Uint16(buf[:])

	chain, err := q.readChainDescriptors(head)
	if err != nil {
		return Chain{}, false, err
	}
	q.lastAvailIdx++
	return chain, true, nil
}

// UndoPop returns the most recently popped chain to the avail ring. Only
// valid immediately after a successful Pop with no AddUsed in between.
func (q *Queue) UndoPop() {
	q.lastAvailIdx--
}

// AddUsed publishes a consumed chain on the used ring. length is the number
// of bytes the device wrote into the chain.
func (q *Queue) AddUsed(head uint16, length uint32) error {
	if err := q.ensureReady(); err != nil {
		return err
	}

	usedIdx := q.usedIdx % q.Size
	base := q.UsedRingAddr + 4 + uint64(usedIdx)*8
	if err := q.writeGuestUint32(base, uint32(head)); err != nil {
		return err
	}
	if err := q.writeGuestUint32(base+4, length); err != nil {
		return err
	}

	q.usedIdx++
	return q.writeGuestUint16(q.UsedRingAddr+2, q.usedIdx)
}

// InterruptNeeded reports whether the driver wants an interrupt for newly
// used buffers (VIRTQ_AVAIL_F_NO_INTERRUPT clear).
func (q *Queue) InterruptNeeded() bool {
	flags, err := q.readGuestUint16(q.AvailRingAddr)
	if err != nil {
		return true
	}
	return flags&availFNoInterrupt == 0
}

// ReadChain gathers the contents of the device-readable descriptors of a
// chain into a single buffer.
func (q *Queue) ReadChain(c Chain) ([]byte, error) {
	var data []byte
	for _, d := range c.Desc {
		if d.IsWrite {
			return data, fmt.Errorf("unexpected writable descriptor in read chain")
		}
		if d.Length == 0 {
			continue
		}
		chunk := make([]byte, d.Length)
		if err := q.readGuestInto(d.Addr, chunk); err != nil {
			return data, err
		}
		data = append(data, chunk...)
	}
	return data, nil
}

// WriteChain scatters data into the device-writable descriptors of a chain,
// starting offset bytes into the chain's writable space.
func (q *Queue) WriteChain(c Chain, offset int, data []byte) error {
	consumed := 0
	for _, d := range c.Desc {
		if !d.IsWrite || d.Length == 0 {
			continue
		}
		if offset >= int(d.Length) {
			offset -= int(d.Length)
			continue
		}
		toCopy := int(d.Length) - offset
		if remaining := len(data) - consumed; toCopy > remaining {
			toCopy = remaining
		}
		if toCopy > 0 {
			if err := q.writeGuestFrom(d.Addr+uint64(offset), data[consumed:consumed+toCopy]); err != nil {
				return err
			}
			consumed += toCopy
		}
		offset = 0
		if consumed == len(data) {
			return nil
		}
	}
	if consumed != len(data) {
		return fmt.Errorf("descriptor chain too small (want %d, wrote %d)", len(data), consumed)
	}
	return nil
}

func (q *Queue) readChainDescriptors(head uint16) (Chain, error) {
	chain := Chain{Head: head}
	index := head

	// Walk the descriptor chain, bounded by queue size to stop loops.
	for i := uint16(0); i < q.Size; i++ {
		desc, err := q.readDescriptor(index)
		if err != nil {
			return chain, err
		}
		chain.Desc = append(chain.Desc, Descriptor{
			Addr:    desc.addr,
			Length:  desc.length,
			IsWrite: desc.flags&descFWrite != 0,
		})
		if desc.flags&descFNext == 0 {
			break
		}
		index = desc.next
	}
	return chain, nil
}

type rawDescriptor struct {
	addr   uint64
	length uint32
	flags  uint16
	next   uint16
}

func (q *Queue) readDescriptor(idx uint16) (rawDescriptor, error) {
	if idx >= q.Size {
		return rawDescriptor{}, fmt.Errorf("descriptor index %d out of bounds (size %d)", idx, q.Size)
	}

	var buf [16]byte
	if err := q.readGuestInto(q.DescTableAddr+uint64(idx)*16, buf[:]); err != nil {
		return rawDescriptor{}, err
	}
	return rawDescriptor{
		addr:   binary.LittleEndian.Uint64(buf[0:8]),
		length: binary.LittleEndian.Uint32(buf[8:12]),
		flags:  binary.LittleEndian.Uint16(buf[12:14]),
		next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

func (q *Queue) ensureReady() error {
	if !q.Ready || q.Size == 0 {
		return ErrNotReady
	}
	if q.mem == nil {
		return fmt.Errorf("guest memory accessor is nil")
	}
	return nil
}

func (q *Queue) readGuestInto(addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(buf))
	if err != nil {
		return err
	}
	// A full read is a success even when ReadAt pairs it with io.EOF.
	n, err := q.mem.ReadAt(buf, off)
	if n != len(buf) {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("virtio: guest memory read at %#x: %w", addr, err)
	}
	return nil
}

func (q *Queue) writeGuestFrom(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(data))
	if err != nil {
		return err
	}
	n, err := q.mem.WriteAt(data, off)
	if n != len(data) {
		if err == nil {
			err = io.ErrShortWrite
		}
		return fmt.Errorf("virtio: guest memory write at %#x: %w", addr, err)
	}
	return nil
}

func (q *Queue) readGuestUint16(addr uint64) (uint16, error) {
	var buf [2]byte
	if err := q.readGuestInto(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (q *Queue) writeGuestUint16(addr uint64, value uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	return q.writeGuestFrom(addr, buf[:])
}

func (q *Queue) writeGuestUint32(addr uint64, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return q.writeGuestFrom(addr, buf[:])
}

func guestOffset(addr uint64, length int) (int64, error) {
	if length < 0 {
		return 0, fmt.Errorf("virtio: negative length %d", length)
	}
	if addr > math.MaxInt64 {
		return 0, fmt.Errorf("virtio: guest address %#x out of range", addr)
	}
	if uint64(length) > uint64(math.MaxInt64)-addr {
		return 0, fmt.Errorf("virtio: guest access length overflow addr=%#x length=%d", addr, length)
	}
	return int64(addr), nil
}
