package wire

import (
	"bytes"
	"testing"
)

func TestParseFrameHeaderBoundaries(t *testing.T) {
	cases := []struct {
		name   string
		header Header
		status ParseStatus
	}{
		{"max size accepted", Header{Version: Version, Type: FrameData, Size: ProtoSizeMax}, StatusOK},
	}
	for _, c := range cases {
		buf := ComposeFrameHeader(c.header)
		got, status, err := ParseFrameHeader(buf)
		if status != c.status {
			t.Fatalf("%s: status = %v, want %v (err=%v)", c.name, status, c.status, err)
		}
		if status == StatusOK && got != c.header {
			t.Fatalf("%s: got %+v, want %+v", c.name, got, c.header)
		}
	}
}

func TestParseFrameHeaderIncomplete(t *testing.T) {
	_, status, err := ParseFrameHeader([]byte{1, 2, 3})
	if status != StatusIncomplete || err != nil {
		t.Fatalf("short buffer: status=%v err=%v, want Incomplete/nil", status, err)
	}
}

func TestParseFrameHeaderSizeZeroRejected(t *testing.T) {
	h := Header{Version: Version, Type: FrameData, Size: 0}
	buf := ComposeFrameHeader(h)
	_, status, err := ParseFrameHeader(buf)
	if status != StatusInvalid || err == nil {
		t.Fatalf("size=0: status=%v err=%v, want Invalid/error", status, err)
	}
}

func TestParseFrameHeaderOverCapRejected(t *testing.T) {
	h := Header{Version: Version, Type: FrameData, Size: ProtoSizeMax + 1}
	buf := ComposeFrameHeader(h)
	_, status, err := ParseFrameHeader(buf)
	if status != StatusInvalid || err == nil {
		t.Fatalf("size over cap: status=%v err=%v, want Invalid/error", status, err)
	}
}

func TestDataMessageRoundTrip(t *testing.T) {
	h := DataHeader{
		HeaderSz:       DataHeaderSize,
		Info1:          1,
		ResultCode:     0,
		Generation:     7,
		RecordTTL:      1000,
		TransactionTTL: 42,
	}
	fields := []Field{
		{Type: FieldNamespace, Value: []byte("test")},
		{Type: FieldDigest, Value: bytes.Repeat([]byte{0x01}, DigestSize)},
	}
	ops := []Op{
		{Op: OpRead, ParticleType: 1, Name: "a", Value: nil},
		{Op: OpWrite, ParticleType: 1, Name: "b", Value: []byte{0, 0, 0, 42}},
	}

	composed := ComposeDataMessage(h, fields, ops)
	parsed, err := ParseDataMessage(composed)
	if err != nil {
		t.Fatalf("ParseDataMessage: %v", err)
	}

	if parsed.Header.Generation != h.Generation || parsed.Header.RecordTTL != h.RecordTTL ||
		parsed.Header.TransactionTTL != h.TransactionTTL || parsed.Header.ResultCode != h.ResultCode {
		t.Fatalf("header mismatch: got %+v, want %+v", parsed.Header, h)
	}
	if !parsed.HasField(FieldNamespace) || !parsed.HasField(FieldDigest) {
		t.Fatalf("expected namespace and digest fields present, mask=%b", parsed.FieldMask)
	}
	if string(parsed.Fields[FieldNamespace].Value) != "test" {
		t.Fatalf("namespace field = %q, want %q", parsed.Fields[FieldNamespace].Value, "test")
	}
	if len(parsed.Ops) != 2 || parsed.Ops[0].Name != "a" || parsed.Ops[1].Name != "b" {
		t.Fatalf("ops mismatch: %+v", parsed.Ops)
	}
}

func TestDataMessageTrailingBytesTolerated(t *testing.T) {
	h := DataHeader{HeaderSz: DataHeaderSize}
	composed := ComposeDataMessage(h, nil, nil)
	composed = append(composed, 0xde, 0xad, 0xbe, 0xef)

	if _, err := ParseDataMessage(composed); err != nil {
		t.Fatalf("trailing bytes should be tolerated, got error: %v", err)
	}
}

func TestDataMessageFieldOverrunIsHardError(t *testing.T) {
	buf := ComposeDataMessage(DataHeader{HeaderSz: DataHeaderSize}, nil, nil)
	// Hand-craft a single field whose declared size overruns the buffer.
	fieldBytes := []byte{0, 0, 0, 100, byte(FieldNamespace)} // size=100 but nothing follows
	buf = append(buf, fieldBytes...)
	buf[19] = 1 // n_fields = 1
	if _, err := ParseDataMessage(buf); err == nil {
		t.Fatalf("expected hard error for field overrunning body")
	}
}

func TestDataMessageUnknownFieldTypeIgnored(t *testing.T) {
	h := DataHeader{HeaderSz: DataHeaderSize}
	fields := []Field{{Type: FieldType(200), Value: []byte("x")}}
	composed := ComposeDataMessage(h, fields, nil)
	parsed, err := ParseDataMessage(composed)
	if err != nil {
		t.Fatalf("unknown field type should not abort parse: %v", err)
	}
	if len(parsed.UnknownFields) != 1 {
		t.Fatalf("expected 1 unknown field, got %d", len(parsed.UnknownFields))
	}
}

func TestMakeReplyRoundTrip(t *testing.T) {
	ops := []Op{{Op: OpRead, Name: "a", Value: []byte{0, 0, 0, 42}}}
	frame := MakeReply(0, 7, 1000, ops, ReplyOptions{})

	header, status, err := ParseFrameHeader(frame)
	if status != StatusOK || err != nil {
		t.Fatalf("ParseFrameHeader: status=%v err=%v", status, err)
	}
	body := frame[HeaderSize : HeaderSize+int(header.Size)]
	msg, err := ParseDataMessage(body)
	if err != nil {
		t.Fatalf("ParseDataMessage: %v", err)
	}
	if msg.Header.ResultCode != 0 || msg.Header.Generation != 7 || msg.Header.RecordTTL != 1000 {
		t.Fatalf("reply header mismatch: %+v", msg.Header)
	}
	if len(msg.Ops) != 1 || msg.Ops[0].Name != "a" {
		t.Fatalf("reply ops mismatch: %+v", msg.Ops)
	}
}

func TestMakeBatchTrailerSetsLastBit(t *testing.T) {
	frame := MakeBatchTrailer(uint8(5))
	header, _, _ := ParseFrameHeader(frame)
	body := frame[HeaderSize : HeaderSize+int(header.Size)]
	msg, err := ParseDataMessage(body)
	if err != nil {
		t.Fatalf("ParseDataMessage: %v", err)
	}
	if msg.Header.Info3&Info3Last == 0 {
		t.Fatalf("expected Info3Last bit set")
	}
	if msg.Header.ResultCode != 5 {
		t.Fatalf("ResultCode = %d, want 5", msg.Header.ResultCode)
	}
	if msg.Header.NFields != 0 || msg.Header.NOps != 0 {
		t.Fatalf("trailer must have n_fields=0, n_ops=0")
	}
}

func TestBatchRowsFullAndRepeat(t *testing.T) {
	var buf []byte

	// full row: index=0, digest=0x10..., info1=0xff, n_fields=1 (namespace="a"), n_ops=0
	appendU32 := func(v uint32) {
		buf = append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
	appendU16 := func(v uint16) {
		buf = append(buf, byte(v>>8), byte(v))
	}

	appendU32(0)
	buf = append(buf, bytes.Repeat([]byte{0x10}, DigestSize)...)
	buf = append(buf, 0)    // repeat=0
	buf = append(buf, 0xff) // info1
	appendU16(1)             // n_fields
	appendU16(0)             // n_ops
	appendU32(2)             // field size = 2 (type+1 byte value)
	buf = append(buf, byte(FieldNamespace), 'a')

	// repeat row: index=1, digest=0x11...
	appendU32(1)
	buf = append(buf, bytes.Repeat([]byte{0x11}, DigestSize)...)
	buf = append(buf, 1) // repeat=1

	rows, err := ParseBatchRows(buf, 2)
	if err != nil {
		t.Fatalf("ParseBatchRows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Repeat {
		t.Fatalf("row 0 should not be a repeat row")
	}
	if !rows[1].Repeat {
		t.Fatalf("row 1 should be a repeat row")
	}
	if string(rows[1].Fields[FieldNamespace].Value) != "a" {
		t.Fatalf("repeat row should inherit namespace field, got %q", rows[1].Fields[FieldNamespace].Value)
	}
}

func TestBatchRowsRejectsRepeatBeforeFull(t *testing.T) {
	var buf []byte
	buf = append(buf, 0, 0, 0, 0)
	buf = append(buf, bytes.Repeat([]byte{0x01}, DigestSize)...)
	buf = append(buf, 1) // repeat=1 with no prior full row

	if _, err := ParseBatchRows(buf, 1); err == nil {
		t.Fatalf("expected error for repeat row with no preceding full row")
	}
}
