package wire

import (
	"encoding/binary"
)

// ReplyOptions configures MakeReply's optional fields.
type ReplyOptions struct {
	// TransactionID, if non-nil, is emitted as a FieldTransactionID field.
	TransactionID *uint32
	// BatchIndex, if non-nil, overloads the TransactionTTL header field to
	// carry the originating batch row's index, per spec.md §9 and
	// SUPPLEMENTED FEATURES item 4. Mutually exclusive with a real TTL in
	// practice, since a batch sub-reply never needs the record TTL.
	BatchIndex *uint32
	// Last marks this reply as a batch trailer (info3 LAST bit).
	Last bool
}

// MakeReply composes a single data-message reply frame: result code,
// generation, void time, and the given ops, as a complete frame (header +
// body) ready to write to the connection.
func MakeReply(resultCode uint8, generation, voidTime uint32, ops []Op, opts ReplyOptions) []byte {
	h := DataHeader{
		HeaderSz:   DataHeaderSize,
		ResultCode: resultCode,
		Generation: generation,
		RecordTTL:  voidTime,
	}
	if opts.Last {
		h.Info3 |= Info3Last
	}
	if opts.BatchIndex != nil {
		h.TransactionTTL = *opts.BatchIndex
	}

	var fields []Field
	if opts.TransactionID != nil {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], *opts.TransactionID)
		fields = append(fields, Field{Type: FieldTransactionID, Value: b[:]})
	}

	body := ComposeDataMessage(h, fields, ops)
	frameHeader := ComposeFrameHeader(Header{Version: Version, Type: FrameData, Size: uint64(len(body))})
	return append(frameHeader, body...)
}

// MakeBatchTrailer composes the "LAST trailer" reply for a batch: a data
// body with n_fields=0, n_ops=0, info3 LAST set, and the batch's sticky
// result code (SUPPLEMENTED FEATURES item 1).
func MakeBatchTrailer(resultCode uint8) []byte {
	return MakeReply(resultCode, 0, 0, nil, ReplyOptions{Last: true})
}
