// Package pdu implements the wire format of a simptcp protocol data unit:
// encode/decode with the Internet-style one's-complement checksum from
// [MS-RDPEUDP]-adjacent framing, specialized to a fixed 16-byte header.
package pdu

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Flag bits carried in the header's flags byte.
const (
	FlagSYN uint8 = 0x01
	FlagACK uint8 = 0x02
	FlagFIN uint8 = 0x04
)

// HeaderSize is the fixed size of a PDU header in bytes.
const HeaderSize = 16

// Errors returned by Decode. A PDU that fails validation is
// counted in the caller's input_errors statistic and dropped silently;
// these are never surfaced to the application.
var (
	ErrTruncated  = errors.New("pdu: truncated datagram")
	ErrBadHeader  = errors.New("pdu: malformed header")
	ErrBadChecksum = errors.New("pdu: checksum mismatch")
)

// PDU is a decoded protocol data unit: fixed header plus payload.
type PDU struct {
	SrcPort   uint16
	DstPort   uint16
	Seq       uint16
	Ack       uint16
	HeaderLen uint8
	Flags     uint8
	TotalLen  uint16
	Window    uint16
	Checksum  uint16
	Payload   []byte
}

// HasFlag reports whether all bits of flag are set.
func (p *PDU) HasFlag(flag uint8) bool { return p.Flags&flag == flag }

// IsSYN reports whether the SYN flag is set.
func (p *PDU) IsSYN() bool { return p.HasFlag(FlagSYN) }

// IsACK reports whether the ACK flag is set.
func (p *PDU) IsACK() bool { return p.HasFlag(FlagACK) }

// IsFIN reports whether the FIN flag is set.
func (p *PDU) IsFIN() bool { return p.HasFlag(FlagFIN) }

// Encode lays out a PDU on the wire: fixed header, payload, and the
// 16-bit one's-complement Internet checksum computed over the whole
// datagram with the checksum field zeroed.
func Encode(srcPort, dstPort, seq, ack uint16, flags uint8, payload []byte) []byte {
	total := HeaderSize + len(payload)
	buf := make([]byte, total)

	binary.BigEndian.PutUint16(buf[0:2], srcPort)
	binary.BigEndian.PutUint16(buf[2:4], dstPort)
	binary.BigEndian.PutUint16(buf[4:6], seq)
	binary.BigEndian.PutUint16(buf[6:8], ack)
	buf[8] = HeaderSize
	buf[9] = flags
	binary.BigEndian.PutUint16(buf[10:12], uint16(total))
	binary.BigEndian.PutUint16(buf[12:14], 0) // advertised window, always 0
	binary.BigEndian.PutUint16(buf[14:16], 0) // checksum placeholder
	copy(buf[HeaderSize:], payload)

	sum := checksum(buf)
	binary.BigEndian.PutUint16(buf[14:16], sum)
	return buf
}

// Decode validates raw bytes and, on success, returns the decoded PDU.
func Decode(raw []byte) (*PDU, error) {
	if len(raw) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, want at least %d", ErrTruncated, len(raw), HeaderSize)
	}

	headerLen := raw[8]
	totalLen := binary.BigEndian.Uint16(raw[10:12])

	if headerLen < HeaderSize || int(totalLen) < int(headerLen) {
		return nil, fmt.Errorf("%w: header_len=%d total_len=%d", ErrBadHeader, headerLen, totalLen)
	}
	if len(raw) < int(totalLen) {
		return nil, fmt.Errorf("%w: have %d bytes, total_len=%d", ErrTruncated, len(raw), totalLen)
	}

	frame := raw[:totalLen]
	wantChecksum := binary.BigEndian.Uint16(frame[14:16])

	verify := make([]byte, len(frame))
	copy(verify, frame)
	binary.BigEndian.PutUint16(verify[14:16], 0)
	if got := checksum(verify); got != wantChecksum {
		return nil, fmt.Errorf("%w: got %#04x want %#04x", ErrBadChecksum, got, wantChecksum)
	}

	p := &PDU{
		SrcPort:   binary.BigEndian.Uint16(frame[0:2]),
		DstPort:   binary.BigEndian.Uint16(frame[2:4]),
		Seq:       binary.BigEndian.Uint16(frame[4:6]),
		Ack:       binary.BigEndian.Uint16(frame[6:8]),
		HeaderLen: headerLen,
		Flags:     frame[9],
		TotalLen:  totalLen,
		Window:    binary.BigEndian.Uint16(frame[12:14]),
		Checksum:  wantChecksum,
	}
	if int(totalLen) > int(headerLen) {
		p.Payload = append([]byte(nil), frame[headerLen:totalLen]...)
	}
	return p, nil
}

// checksum computes the 16-bit one's-complement Internet checksum over
// buf, treating an odd trailing byte as padded with an implicit zero.
func checksum(buf []byte) uint16 {
	var sum uint32
	n := len(buf)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(buf[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(buf[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}
