package wire

import (
	"encoding/binary"
	"fmt"
)

// DataHeaderSize is the fixed sub-header preceding fields/ops in a data
// message body: header_sz|info1|info2|info3|unused|result_code(each 1B) +
// generation|record_ttl|transaction_ttl(each 4B BE) + n_fields|n_ops(each 2B BE).
const DataHeaderSize = 6 + 4 + 4 + 4 + 2 + 2

// Info3Last marks the trailer reply of a multi-part batch response (the
// "LAST trailer" of the glossary). Bit position is this module's own
// assignment; spec.md does not number info3's bits.
const Info3Last uint8 = 1 << 0

// DataHeader is the data-message sub-header, byte-swapped to host order.
type DataHeader struct {
	HeaderSz       uint8
	Info1          uint8
	Info2          uint8
	Info3          uint8
	Unused         uint8
	ResultCode     uint8
	Generation     uint32
	RecordTTL      uint32
	TransactionTTL uint32 // overloaded to carry batch_index for batch sub-replies
	NFields        uint16
	NOps           uint16
}

// DataMessage is a fully parsed data-message body.
type DataMessage struct {
	Header    DataHeader
	FieldMask uint32 // bitmask of which recognized FieldType values were present
	Fields    map[FieldType]Field
	UnknownFields []Field // field types present but not in the recognized set
	Ops       []Op

	// Trailer is whatever bytes followed the declared fields and ops
	// (tolerated rather than rejected, see below). A batch request frame
	// carries n_ops=0 and a single FieldBatch field; the raw row payload
	// for wire.ParseBatchRows lives here rather than in Ops.
	Trailer []byte
}

// HasField reports whether a recognized field type was present, via the
// presence bitmask (so callers can avoid re-scanning Fields).
func (m *DataMessage) HasField(t FieldType) bool {
	return m.FieldMask&t.Mask() != 0
}

// ParseDataMessage walks a data message body: sub-header, then n_fields TLV
// fields, then n_ops TLV ops. Field and op payloads are NOT copied; Value
// slices point into payload.
//
// Trailing bytes after the declared fields and ops are tolerated (legacy
// client compatibility). A field or op declaring a size that extends past
// the end of payload is a hard parse error. Unknown field types are
// recorded in UnknownFields rather than aborting the parse.
func ParseDataMessage(payload []byte) (*DataMessage, error) {
	if len(payload) < DataHeaderSize {
		return nil, fmt.Errorf("wire: data message shorter than header (%d < %d)", len(payload), DataHeaderSize)
	}

	h := DataHeader{
		HeaderSz:       payload[0],
		Info1:          payload[1],
		Info2:          payload[2],
		Info3:          payload[3],
		Unused:         payload[4],
		ResultCode:     payload[5],
		Generation:     binary.BigEndian.Uint32(payload[6:10]),
		RecordTTL:      binary.BigEndian.Uint32(payload[10:14]),
		TransactionTTL: binary.BigEndian.Uint32(payload[14:18]),
		NFields:        binary.BigEndian.Uint16(payload[18:20]),
		NOps:           binary.BigEndian.Uint16(payload[20:22]),
	}

	msg := &DataMessage{Header: h, Fields: make(map[FieldType]Field, h.NFields)}

	pos := int(h.HeaderSz)
	if pos < DataHeaderSize {
		pos = DataHeaderSize
	}

	for i := uint16(0); i < h.NFields; i++ {
		if pos+4 > len(payload) {
			return nil, fmt.Errorf("wire: field %d header overruns body", i)
		}
		size := int(binary.BigEndian.Uint32(payload[pos : pos+4]))
		if size < 1 {
			return nil, fmt.Errorf("wire: field %d has invalid size %d", i, size)
		}
		fieldStart := pos + 4
		if fieldStart+size > len(payload) {
			return nil, fmt.Errorf("wire: field %d (size %d) overruns body", i, size)
		}
		typ := FieldType(payload[fieldStart])
		value := payload[fieldStart+1 : fieldStart+size]
		f := Field{Type: typ, Value: value}
		if mask := typ.Mask(); mask != 0 {
			msg.FieldMask |= mask
			msg.Fields[typ] = f
		} else {
			msg.UnknownFields = append(msg.UnknownFields, f)
		}
		pos = fieldStart + size
	}

	for i := uint16(0); i < h.NOps; i++ {
		if pos+4 > len(payload) {
			return nil, fmt.Errorf("wire: op %d header overruns body", i)
		}
		opSz := int(binary.BigEndian.Uint32(payload[pos : pos+4]))
		if opSz < 4 {
			return nil, fmt.Errorf("wire: op %d has invalid op_sz %d", i, opSz)
		}
		opStart := pos + 4
		opEnd := opStart + opSz
		if opEnd > len(payload) {
			return nil, fmt.Errorf("wire: op %d (op_sz %d) overruns body", i, opSz)
		}
		if opStart+4 > opEnd {
			return nil, fmt.Errorf("wire: op %d header shorter than fixed fields", i)
		}
		op := OpType(payload[opStart])
		particleType := payload[opStart+1]
		version := payload[opStart+2]
		nameSz := int(payload[opStart+3])
		nameStart := opStart + 4
		nameEnd := nameStart + nameSz
		if nameEnd > opEnd {
			return nil, fmt.Errorf("wire: op %d name (size %d) overruns op body", i, nameSz)
		}
		msg.Ops = append(msg.Ops, Op{
			Op:           op,
			ParticleType: particleType,
			Version:      version,
			Name:         string(payload[nameStart:nameEnd]),
			Value:        payload[nameEnd:opEnd],
		})
		pos = opEnd
	}

	if pos < len(payload) {
		msg.Trailer = payload[pos:]
	}

	return msg, nil
}

// ComposeDataMessage serializes h, fields, and ops into a data message body.
func ComposeDataMessage(h DataHeader, fields []Field, ops []Op) []byte {
	h.NFields = uint16(len(fields))
	h.NOps = uint16(len(ops))
	if h.HeaderSz == 0 {
		h.HeaderSz = DataHeaderSize
	}

	size := int(h.HeaderSz)
	for _, f := range fields {
		size += 4 + 1 + len(f.Value)
	}
	for _, o := range ops {
		size += 4 + 4 + len(o.Name) + len(o.Value)
	}

	buf := make([]byte, size)
	buf[0] = h.HeaderSz
	buf[1] = h.Info1
	buf[2] = h.Info2
	buf[3] = h.Info3
	buf[4] = h.Unused
	buf[5] = h.ResultCode
	binary.BigEndian.PutUint32(buf[6:10], h.Generation)
	binary.BigEndian.PutUint32(buf[10:14], h.RecordTTL)
	binary.BigEndian.PutUint32(buf[14:18], h.TransactionTTL)
	binary.BigEndian.PutUint16(buf[18:20], h.NFields)
	binary.BigEndian.PutUint16(buf[20:22], h.NOps)

	pos := int(h.HeaderSz)
	for _, f := range fields {
		fieldSize := 1 + len(f.Value)
		binary.BigEndian.PutUint32(buf[pos:pos+4], uint32(fieldSize))
		buf[pos+4] = uint8(f.Type)
		copy(buf[pos+5:], f.Value)
		pos += 4 + fieldSize
	}
	for _, o := range ops {
		opSz := 4 + len(o.Name) + len(o.Value)
		binary.BigEndian.PutUint32(buf[pos:pos+4], uint32(opSz))
		buf[pos+4] = uint8(o.Op)
		buf[pos+5] = o.ParticleType
		buf[pos+6] = o.Version
		buf[pos+7] = uint8(len(o.Name))
		copy(buf[pos+8:], o.Name)
		copy(buf[pos+8+len(o.Name):], o.Value)
		pos += 4 + opSz
	}

	return buf
}
