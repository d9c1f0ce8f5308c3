package vsock

import (
	"encoding/binary"
	"fmt"
)

// TSI control records ride as datagram RW payloads. All fields are
// little-endian and packed; addresses are the four IPv4 bytes in network
// order, matching what the socket layer hands back.

// TsiProxyCreateReq asks the muxer to instantiate a proxy for a guest
// socket. Type selects the transport (stream or dgram).
type TsiProxyCreateReq struct {
	PeerPort uint32
	Type     uint16
}

// TsiConnectReq asks a proxy to connect to an IPv4 address and port.
type TsiConnectReq struct {
	PeerPort uint32
	Addr     [4]byte
	Port     uint16
}

// TsiConnectRsp reports connect progress: 0 or a negative errno.
type TsiConnectRsp struct {
	Result int32
}

// TsiListenReq asks a proxy to bind and listen. VMPort is the guest-side
// port that accepted connections will be addressed to.
type TsiListenReq struct {
	PeerPort uint32
	Addr     [4]byte
	Port     uint16
	VMPort   uint32
	Backlog  int32
}

// TsiListenRsp reports bind/listen outcome.
type TsiListenRsp struct {
	Result int32
}

// TsiAcceptReq asks a listening proxy for a pending connection. Flags is
// carried through from the guest accept4 call and currently ignored.
type TsiAcceptReq struct {
	PeerPort uint32
	Flags    uint32
}

// TsiAcceptRsp reports accept outcome.
type TsiAcceptRsp struct {
	Result int32
}

// TsiGetnameReq asks for a socket name. Peer is 1 for the remote endpoint.
type TsiGetnameReq struct {
	PeerPort  uint32
	LocalPort uint32
	Peer      uint32
}

// TsiGetnameRsp carries the looked-up address.
type TsiGetnameRsp struct {
	Addr   [4]byte
	Port   uint16
	Result int32
}

// TsiSendtoAddr carries a datagram destination. Stream proxies ignore it.
type TsiSendtoAddr struct {
	PeerPort uint32
	Addr     [4]byte
	Port     uint16
}

// TsiReleaseReq asks the muxer to drop a proxy.
type TsiReleaseReq struct {
	PeerPort  uint32
	LocalPort uint32
}

func tsiLenCheck(kind string, data []byte, want int) error {
	if len(data) < want {
		return fmt.Errorf("tsi: short %s payload: %d < %d", kind, len(data), want)
	}
	return nil
}

func parseTsiProxyCreateReq(data []byte) (TsiProxyCreateReq, error) {
	if err := tsiLenCheck("proxy create", data, 6); err != nil {
		return TsiProxyCreateReq{}, err
	}
	return TsiProxyCreateReq{
		PeerPort: binary.LittleEndian.Uint32(data[0:4]),
		Type:     binary.LittleEndian.Uint16(data[4:6]),
	}, nil
}

func parseTsiConnectReq(data []byte) (TsiConnectReq, error) {
	if err := tsiLenCheck("connect", data, 10); err != nil {
		return TsiConnectReq{}, err
	}
	var req TsiConnectReq
	req.PeerPort = binary.LittleEndian.Uint32(data[0:4])
	copy(req.Addr[:], data[4:8])
	req.Port = binary.LittleEndian.Uint16(data[8:10])
	return req, nil
}

func encodeTsiConnectReq(req TsiConnectReq) []byte {
	buf := make([]byte, 10)
	binary.LittleEndian.PutUint32(buf[0:4], req.PeerPort)
	copy(buf[4:8], req.Addr[:])
	binary.LittleEndian.PutUint16(buf[8:10], req.Port)
	return buf
}

func encodeTsiConnectRsp(rsp TsiConnectRsp) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(rsp.Result))
	return buf
}

func parseTsiConnectRsp(data []byte) (TsiConnectRsp, error) {
	if err := tsiLenCheck("connect response", data, 4); err != nil {
		return TsiConnectRsp{}, err
	}
	return TsiConnectRsp{Result: int32(binary.LittleEndian.Uint32(data[0:4]))}, nil
}

func parseTsiListenReq(data []byte) (TsiListenReq, error) {
	if err := tsiLenCheck("listen", data, 18); err != nil {
		return TsiListenReq{}, err
	}
	var req TsiListenReq
	req.PeerPort = binary.LittleEndian.Uint32(data[0:4])
	copy(req.Addr[:], data[4:8])
	req.Port = binary.LittleEndian.Uint16(data[8:10])
	req.VMPort = binary.LittleEndian.Uint32(data[10:14])
	req.Backlog = int32(binary.LittleEndian.Uint32(data[14:18]))
	return req, nil
}

func encodeTsiListenReq(req TsiListenReq) []byte {
	buf := make([]byte, 18)
	binary.LittleEndian.PutUint32(buf[0:4], req.PeerPort)
	copy(buf[4:8], req.Addr[:])
	binary.LittleEndian.PutUint16(buf[8:10], req.Port)
	binary.LittleEndian.PutUint32(buf[10:14], req.VMPort)
	binary.LittleEndian.PutUint32(buf[14:18], uint32(req.Backlog))
	return buf
}

func encodeTsiListenRsp(rsp TsiListenRsp) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(rsp.Result))
	return buf
}

func parseTsiListenRsp(data []byte) (TsiListenRsp, error) {
	if err := tsiLenCheck("listen response", data, 4); err != nil {
		return TsiListenRsp{}, err
	}
	return TsiListenRsp{Result: int32(binary.LittleEndian.Uint32(data[0:4]))}, nil
}

func parseTsiAcceptReq(data []byte) (TsiAcceptReq, error) {
	if err := tsiLenCheck("accept", data, 8); err != nil {
		return TsiAcceptReq{}, err
	}
	return TsiAcceptReq{
		PeerPort: binary.LittleEndian.Uint32(data[0:4]),
		Flags:    binary.LittleEndian.Uint32(data[4:8]),
	}, nil
}

func encodeTsiAcceptReq(req TsiAcceptReq) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], req.PeerPort)
	binary.LittleEndian.PutUint32(buf[4:8], req.Flags)
	return buf
}

func encodeTsiAcceptRsp(rsp TsiAcceptRsp) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(rsp.Result))
	return buf
}

func parseTsiAcceptRsp(data []byte) (TsiAcceptRsp, error) {
	if err := tsiLenCheck("accept response", data, 4); err != nil {
		return TsiAcceptRsp{}, err
	}
	return TsiAcceptRsp{Result: int32(binary.LittleEndian.Uint32(data[0:4]))}, nil
}

func parseTsiGetnameReq(data []byte) (TsiGetnameReq, error) {
	if err := tsiLenCheck("getname", data, 12); err != nil {
		return TsiGetnameReq{}, err
	}
	return TsiGetnameReq{
		PeerPort:  binary.LittleEndian.Uint32(data[0:4]),
		LocalPort: binary.LittleEndian.Uint32(data[4:8]),
		Peer:      binary.LittleEndian.Uint32(data[8:12]),
	}, nil
}

func encodeTsiGetnameReq(req TsiGetnameReq) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], req.PeerPort)
	binary.LittleEndian.PutUint32(buf[4:8], req.LocalPort)
	binary.LittleEndian.PutUint32(buf[8:12], req.Peer)
	return buf
}

func encodeTsiGetnameRsp(rsp TsiGetnameRsp) []byte {
	buf := make([]byte, 10)
	copy(buf[0:4], rsp.Addr[:])
	binary.LittleEndian.PutUint16(buf[4:6], rsp.Port)
	binary.LittleEndian.PutUint32(buf[6:10], uint32(rsp.Result))
	return buf
}

func parseTsiGetnameRsp(data []byte) (TsiGetnameRsp, error) {
	if err := tsiLenCheck("getname response", data, 10); err != nil {
		return TsiGetnameRsp{}, err
	}
	var rsp TsiGetnameRsp
	copy(rsp.Addr[:], data[0:4])
	rsp.Port = binary.LittleEndian.Uint16(data[4:6])
	rsp.Result = int32(binary.LittleEndian.Uint32(data[6:10]))
	return rsp, nil
}

func parseTsiSendtoAddr(data []byte) (TsiSendtoAddr, error) {
	if err := tsiLenCheck("sendto addr", data, 10); err != nil {
		return TsiSendtoAddr{}, err
	}
	var req TsiSendtoAddr
	req.PeerPort = binary.LittleEndian.Uint32(data[0:4])
	copy(req.Addr[:], data[4:8])
	req.Port = binary.LittleEndian.Uint16(data[8:10])
	return req, nil
}

func parseTsiReleaseReq(data []byte) (TsiReleaseReq, error) {
	if err := tsiLenCheck("release", data, 8); err != nil {
		return TsiReleaseReq{}, err
	}
	return TsiReleaseReq{
		PeerPort:  binary.LittleEndian.Uint32(data[0:4]),
		LocalPort: binary.LittleEndian.Uint32(data[4:8]),
	}, nil
}

func encodeTsiProxyCreateReq(req TsiProxyCreateReq) []byte {
	buf := make([]byte, 6)
	binary.LittleEndian.PutUint32(buf[0:4], req.PeerPort)
	binary.LittleEndian.PutUint16(buf[4:6], req.Type)
	return buf
}

func encodeTsiReleaseReq(req TsiReleaseReq) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], req.PeerPort)
	binary.LittleEndian.PutUint32(buf[4:8], req.LocalPort)
	return buf
}
