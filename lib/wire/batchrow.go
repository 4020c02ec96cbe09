package wire

import (
	"encoding/binary"
	"fmt"
)

// BatchRow is one parsed row of a batch request: either a full row (carries
// its own namespace/fields/ops) or a repeat row (shares the previous full
// row's fields and ops, per spec.md §4.7).
type BatchRow struct {
	Index     uint32
	Digest    Digest
	Info1     uint8
	FieldMask uint32
	Fields    map[FieldType]Field
	Ops       []Op
	Repeat    bool
}

// batchRowFixedSize is index(4) + digest(20) + repeat(1).
const batchRowFixedSize = 4 + DigestSize + 1

// batchRowFullExtra is info1(1) + n_fields(2) + n_ops(2) beyond the fixed part.
const batchRowFullExtra = 1 + 2 + 2

// ParseBatchRows walks count rows out of payload. Full rows are parsed in
// full; repeat rows share the previous full row's Fields/Ops slices rather
// than copying them, matching the "no per-row allocation" intent of
// spec.md §4.7 within idiomatic Go (the C original mutates the receive
// buffer in place to the same end).
func ParseBatchRows(payload []byte, count uint32) ([]BatchRow, error) {
	rows := make([]BatchRow, 0, count)
	pos := 0

	var prevInfo1 uint8
	var prevMask uint32
	var prevFields map[FieldType]Field
	var prevOps []Op
	haveFull := false

	for i := uint32(0); i < count; i++ {
		if pos+batchRowFixedSize > len(payload) {
			return nil, fmt.Errorf("wire: batch row %d header overruns body", i)
		}
		row := BatchRow{
			Index: binary.BigEndian.Uint32(payload[pos : pos+4]),
		}
		copy(row.Digest[:], payload[pos+4:pos+4+DigestSize])
		repeatByte := payload[pos+4+DigestSize]
		pos += batchRowFixedSize

		if repeatByte == 1 {
			if !haveFull {
				return nil, fmt.Errorf("wire: batch row %d is a repeat row with no preceding full row", i)
			}
			row.Repeat = true
			row.Info1 = prevInfo1
			row.FieldMask = prevMask
			row.Fields = prevFields
			row.Ops = prevOps
			rows = append(rows, row)
			continue
		}

		if pos+batchRowFullExtra > len(payload) {
			return nil, fmt.Errorf("wire: batch row %d full-row header overruns body", i)
		}
		row.Info1 = payload[pos]
		nFields := binary.BigEndian.Uint16(payload[pos+1 : pos+3])
		nOps := binary.BigEndian.Uint16(payload[pos+3 : pos+5])
		pos += batchRowFullExtra

		fields := make(map[FieldType]Field, nFields)
		var mask uint32
		for f := uint16(0); f < nFields; f++ {
			if pos+4 > len(payload) {
				return nil, fmt.Errorf("wire: batch row %d field %d header overruns body", i, f)
			}
			size := int(binary.BigEndian.Uint32(payload[pos : pos+4]))
			if size < 1 {
				return nil, fmt.Errorf("wire: batch row %d field %d has invalid size %d", i, f, size)
			}
			start := pos + 4
			if start+size > len(payload) {
				return nil, fmt.Errorf("wire: batch row %d field %d overruns body", i, f)
			}
			typ := FieldType(payload[start])
			value := payload[start+1 : start+size]
			if m := typ.Mask(); m != 0 {
				mask |= m
				fields[typ] = Field{Type: typ, Value: value}
			}
			pos = start + size
		}

		var ops []Op
		for o := uint16(0); o < nOps; o++ {
			if pos+4 > len(payload) {
				return nil, fmt.Errorf("wire: batch row %d op %d header overruns body", i, o)
			}
			opSz := int(binary.BigEndian.Uint32(payload[pos : pos+4]))
			if opSz < 4 {
				return nil, fmt.Errorf("wire: batch row %d op %d has invalid op_sz %d", i, o, opSz)
			}
			opStart := pos + 4
			opEnd := opStart + opSz
			if opEnd > len(payload) {
				return nil, fmt.Errorf("wire: batch row %d op %d overruns body", i, o)
			}
			nameSz := int(payload[opStart+3])
			nameStart := opStart + 4
			nameEnd := nameStart + nameSz
			if nameEnd > opEnd {
				return nil, fmt.Errorf("wire: batch row %d op %d name overruns op body", i, o)
			}
			ops = append(ops, Op{
				Op:           OpType(payload[opStart]),
				ParticleType: payload[opStart+1],
				Version:      payload[opStart+2],
				Name:         string(payload[nameStart:nameEnd]),
				Value:        payload[nameEnd:opEnd],
			})
			pos = opEnd
		}

		row.FieldMask = mask
		row.Fields = fields
		row.Ops = ops
		rows = append(rows, row)

		prevInfo1, prevMask, prevFields, prevOps = row.Info1, mask, fields, ops
		haveFull = true
	}

	return rows, nil
}
