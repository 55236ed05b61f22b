// Package protocol defines the wire format of the reliable datagram
// transport: the fixed 7-byte fragment header, the five fragment
// types, and the CRC-16/IBM integrity check carried by DATA fragments.
//
// - Application: this package frames/parses INIT, METADATA/DATA, NAK,
//   KEEPALIVE and ACK fragments. Everything above the wire format
//   (batching, retransmission, handshake) lives in sender/receiver.
// - Transport: a connectionless datagram socket (net.PacketConn), no
//   ordering or delivery guarantee of its own.
// - Network/Link: the maximum fragment payload (1463 bytes) is chosen
//   so header + data + CRC stays under a typical 1500-byte link MTU.
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/howeyc/crc16"
)

// FragmentType identifies the role of a fragment on the wire.
type FragmentType byte

const (
	TypeInit      FragmentType = 1
	TypeData      FragmentType = 2 // also used for the METADATA fragment
	TypeNak       FragmentType = 3
	TypeKeepAlive FragmentType = 4
	TypeAck       FragmentType = 5
)

func (t FragmentType) String() string {
	switch t {
	case TypeInit:
		return "INIT"
	case TypeData:
		return "DATA"
	case TypeNak:
		return "NAK"
	case TypeKeepAlive:
		return "KEEPALIVE"
	case TypeAck:
		return "ACK"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

const (
	// HeaderSize is the fixed size, in bytes, of every fragment header.
	HeaderSize = 7
	// MaxPayload is the largest payload region a single fragment may carry.
	MaxPayload = 1463
	// CRCSize is the size of the trailing CRC-16/IBM suffix on DATA fragments.
	CRCSize = 2
)

// Fragment is the generic decoding of a datagram's 7-byte header plus
// its raw tail. Because the wire header alone cannot distinguish a
// METADATA fragment from a DATA fragment (both are type 2), callers
// decode the tail further with DecodeMeta or DecodeData depending on
// which the receiver's state machine is expecting.
type Fragment struct {
	Type       FragmentType
	DataLength uint16
	TotalN     uint16
	Order      uint16
	Tail       []byte
}

// ParseError reports a malformed header; per the spec a malformed
// fragment is discarded by the caller and treated as a missing index,
// not raised as a fatal framing error.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "protocol: parse error: " + e.Reason }

// Parse decodes the fixed header from a raw datagram and returns the
// fragment with everything past the header left undecoded in Tail.
func Parse(b []byte) (Fragment, error) {
	if len(b) < HeaderSize {
		return Fragment{}, &ParseError{Reason: fmt.Sprintf("datagram too short: %d bytes", len(b))}
	}
	f := Fragment{
		Type:       FragmentType(b[0]),
		DataLength: binary.BigEndian.Uint16(b[1:3]),
		TotalN:     binary.BigEndian.Uint16(b[3:5]),
		Order:      binary.BigEndian.Uint16(b[5:7]),
	}
	if len(b) > HeaderSize {
		f.Tail = b[HeaderSize:]
	}
	switch f.Type {
	case TypeInit, TypeData, TypeNak, TypeKeepAlive, TypeAck:
	default:
		return Fragment{}, &ParseError{Reason: fmt.Sprintf("unknown fragment type %d", b[0])}
	}
	return f, nil
}

func putHeader(buf []byte, t FragmentType, dataLength, totalN, order uint16) {
	buf[0] = byte(t)
	binary.BigEndian.PutUint16(buf[1:3], dataLength)
	binary.BigEndian.PutUint16(buf[3:5], totalN)
	binary.BigEndian.PutUint16(buf[5:7], order)
}

// EncodeControl builds a control fragment (INIT, ACK or KEEPALIVE):
// the 7-byte header with no trailing data and no CRC.
func EncodeControl(t FragmentType) []byte {
	buf := make([]byte, HeaderSize)
	putHeader(buf, t, 0, 0, 0)
	return buf
}

// EncodeMeta builds the METADATA fragment that opens a transfer.
// An empty filename selects message mode (DataLength == 0); otherwise
// the ASCII filename is carried as the data region. No CRC suffix is
// appended — METADATA follows the control-fragment shape.
func EncodeMeta(totalN uint16, filename string) []byte {
	name := []byte(filename)
	buf := make([]byte, HeaderSize+len(name))
	putHeader(buf, TypeData, uint16(len(name)), totalN, 0)
	copy(buf[HeaderSize:], name)
	return buf
}

// EncodeData builds a DATA fragment. fragmentSize is the session's
// configured fragment size (advertised in the header even when this
// particular fragment's own payload is shorter, e.g. the final
// fragment of a transfer); payload is this fragment's actual bytes.
// A trailing 2-byte CRC-16/IBM over payload is appended.
func EncodeData(totalN, order, fragmentSize uint16, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload)+CRCSize)
	putHeader(buf, TypeData, fragmentSize, totalN, order)
	copy(buf[HeaderSize:], payload)
	crc := CRC16(payload)
	binary.BigEndian.PutUint16(buf[HeaderSize+len(payload):], crc)
	return buf
}

// EncodeNak builds a NAK fragment listing the fragment indices the
// receiver wants retransmitted. DataLength is 2*len(missing); TotalN
// carries the count itself (not the session's total fragment count).
func EncodeNak(missing []uint16) []byte {
	buf := make([]byte, HeaderSize+2*len(missing))
	putHeader(buf, TypeNak, uint16(2*len(missing)), uint16(len(missing)), 0)
	for i, idx := range missing {
		binary.BigEndian.PutUint16(buf[HeaderSize+2*i:], idx)
	}
	return buf
}

// DecodeMeta interprets a parsed type-2 fragment as METADATA: message
// mode when DataLength == 0, file mode with the ASCII filename in Tail
// otherwise.
func DecodeMeta(f Fragment) (totalN uint16, filename string, err error) {
	if f.Type != TypeData {
		return 0, "", &ParseError{Reason: "not a METADATA fragment"}
	}
	if f.DataLength == 0 {
		return f.TotalN, "", nil
	}
	if len(f.Tail) < int(f.DataLength) {
		return 0, "", &ParseError{Reason: "METADATA filename truncated"}
	}
	return f.TotalN, string(f.Tail[:f.DataLength]), nil
}

// DecodeData interprets a parsed type-2 fragment as DATA: the payload
// is everything in Tail but the trailing 2-byte CRC, which is
// validated against CRC-16/IBM of that payload. A CRC mismatch is
// reported via the bool return, not an error — integrity failures are
// recoverable at the batch boundary, not framing errors.
func DecodeData(f Fragment) (payload []byte, order uint16, valid bool, err error) {
	if f.Type != TypeData {
		return nil, 0, false, &ParseError{Reason: "not a DATA fragment"}
	}
	if len(f.Tail) < CRCSize {
		return nil, 0, false, &ParseError{Reason: "DATA fragment missing CRC suffix"}
	}
	payload = f.Tail[:len(f.Tail)-CRCSize]
	wantCRC := binary.BigEndian.Uint16(f.Tail[len(f.Tail)-CRCSize:])
	return payload, f.Order, CRC16(payload) == wantCRC, nil
}

// DecodeNak extracts the missing-fragment index list from a NAK fragment.
func DecodeNak(f Fragment) ([]uint16, error) {
	if f.Type != TypeNak {
		return nil, &ParseError{Reason: "not a NAK fragment"}
	}
	count := int(f.TotalN)
	if len(f.Tail) < 2*count {
		return nil, &ParseError{Reason: "NAK index list truncated"}
	}
	missing := make([]uint16, count)
	for i := range missing {
		missing[i] = binary.BigEndian.Uint16(f.Tail[2*i : 2*i+2])
	}
	return missing, nil
}

// CRC16 computes CRC-16/IBM (a.k.a. ARC: polynomial 0x8005, initial
// value 0, reflected input/output, no final XOR) over data.
func CRC16(data []byte) uint16 {
	return crc16.ChecksumIBM(data)
}
