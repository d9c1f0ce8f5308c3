// Package pcap writes classic libpcap capture files.
//
// The muxer records every vsock packet crossing it: the 44-byte packet
// header followed by as much payload as the snap length allows. Vsock
// frames have no standard link type, so captures use LinkTypeUser0; map
// DLT_USER0 to the virtio-vsock dissector in Wireshark to decode them.
package pcap

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"
)

// LinkTypeUser0 is the first tcpdump/libpcap user-defined link type (DLT 147).
const LinkTypeUser0 uint32 = 147

const (
	magicLE      = 0xa1b2c3d4
	versionMajor = 2
	versionMinor = 4
)

// Writer emits one classic (microsecond, little-endian) pcap stream.
// Methods are not safe for concurrent use; callers serialize access.
type Writer struct {
	w       io.Writer
	snapLen uint32
}

// NewWriter writes the 24-byte global header to out and returns a Writer
// bound to it. snapLen caps how many bytes of each packet are stored; zero
// stores packets whole.
func NewWriter(out io.Writer, snapLen uint32, linkType uint32) (*Writer, error) {
	var hdr [24]byte
	binary.LittleEndian.PutUint32(hdr[0:4], magicLE)
	binary.LittleEndian.PutUint16(hdr[4:6], versionMajor)
	binary.LittleEndian.PutUint16(hdr[6:8], versionMinor)
	// Bytes 8..16 are thiszone and sigfigs, both zero.
	binary.LittleEndian.PutUint32(hdr[16:20], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], linkType)
	if _, err := out.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("pcap: write file header: %w", err)
	}
	return &Writer{w: out, snapLen: snapLen}, nil
}

// WritePacket appends one record. frame is truncated to the snap length;
// origLen is the packet's untruncated size on the wire.
func (w *Writer) WritePacket(ts time.Time, frame []byte, origLen int) error {
	capLen := len(frame)
	if w.snapLen != 0 && capLen > int(w.snapLen) {
		capLen = int(w.snapLen)
	}
	if origLen < capLen {
		origLen = capLen
	}
	if origLen > math.MaxUint32 {
		return fmt.Errorf("pcap: packet length %d overflows record header", origLen)
	}

	var tsSec, tsUsec uint32
	if !ts.IsZero() {
		sec := ts.Unix()
		if sec < 0 || sec > math.MaxUint32 {
			return fmt.Errorf("pcap: timestamp %v outside the classic pcap range", ts)
		}
		tsSec = uint32(sec)
		tsUsec = uint32(ts.Nanosecond() / 1_000)
	}

	var rec [16]byte
	binary.LittleEndian.PutUint32(rec[0:4], tsSec)
	binary.LittleEndian.PutUint32(rec[4:8], tsUsec)
	binary.LittleEndian.PutUint32(rec[8:12], uint32(capLen))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(origLen))
	if _, err := w.w.Write(rec[:]); err != nil {
		return fmt.Errorf("pcap: write record header: %w", err)
	}
	if capLen == 0 {
		return nil
	}
	if _, err := w.w.Write(frame[:capLen]); err != nil {
		return fmt.Errorf("pcap: write packet data: %w", err)
	}
	return nil
}
