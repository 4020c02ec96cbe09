package wire

import (
	"encoding/binary"
	"fmt"
)

// FrameType is the type byte of a request frame.
type FrameType uint8

const (
	FrameInfo           FrameType = 1
	FrameSecurity       FrameType = 2
	FrameData           FrameType = 3
	FrameDataCompressed FrameType = 4
)

func (t FrameType) String() string {
	switch t {
	case FrameInfo:
		return "info"
	case FrameSecurity:
		return "security"
	case FrameData:
		return "data"
	case FrameDataCompressed:
		return "data-compressed"
	default:
		return fmt.Sprintf("frame-type(%d)", uint8(t))
	}
}

const (
	// Version is the only recognized non-zero protocol version.
	Version uint8 = 2
	// HeaderSize is version(1) + type(1) + size(6, big-endian).
	HeaderSize = 8
	// ProtoSizeMax bounds a frame's body size; an MB-scale constant per
	// spec.md §4.2, fixed at 10 MiB to match the end-to-end boundary
	// scenario ("size = PROTO_SIZE_MAX is accepted, +1 is rejected").
	ProtoSizeMax = 10 * 1024 * 1024
)

// Header is a parsed frame header.
type Header struct {
	Version uint8
	Type    FrameType
	Size    uint64 // body size in bytes
}

// ParseStatus distinguishes a header parse's three outcomes.
type ParseStatus int

const (
	StatusOK ParseStatus = iota
	StatusIncomplete
	StatusInvalid
)

// ParseFrameHeader reads a frame header from the front of buf.
//
// Returns StatusIncomplete if buf is shorter than HeaderSize (caller should
// wait for more bytes, not an error). Returns StatusInvalid if the header is
// well-formed in length but fails validation (bad version, size over cap).
func ParseFrameHeader(buf []byte) (Header, ParseStatus, error) {
	if len(buf) < HeaderSize {
		return Header{}, StatusIncomplete, nil
	}

	version := buf[0]
	typ := FrameType(buf[1])

	// size is a 6-byte big-endian field; read as the low 6 bytes of a u64.
	var sizeBuf [8]byte
	copy(sizeBuf[2:], buf[2:8])
	size := binary.BigEndian.Uint64(sizeBuf[:])

	// Version 0 is only valid for the security frame type (legacy clients).
	if version != Version {
		if !(version == 0 && typ == FrameSecurity) {
			return Header{}, StatusInvalid, fmt.Errorf("wire: unsupported frame version %d", version)
		}
	}

	if size == 0 {
		return Header{}, StatusInvalid, fmt.Errorf("wire: frame size 0 is too small")
	}
	if size > ProtoSizeMax {
		return Header{}, StatusInvalid, fmt.Errorf("wire: frame size %d exceeds PROTO_SIZE_MAX (%d)", size, ProtoSizeMax)
	}

	return Header{Version: version, Type: typ, Size: size}, StatusOK, nil
}

// ComposeFrameHeader writes h into an 8-byte big-endian header.
func ComposeFrameHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.Version
	buf[1] = uint8(h.Type)
	var sizeBuf [8]byte
	binary.BigEndian.PutUint64(sizeBuf[:], h.Size)
	copy(buf[2:8], sizeBuf[2:])
	return buf
}
