// Package txn defines the transaction object that carries a request through
// the pipeline, its origin variant, and the wire-level result code taxonomy.
package txn

import "fmt"

// ResultCode is the single-byte wire error taxonomy from the protocol.
type ResultCode uint8

const (
	OK                  ResultCode = 0
	Unknown             ResultCode = 1
	Parameter           ResultCode = 2
	Forbidden           ResultCode = 3
	DeviceOverload      ResultCode = 4
	NotFound            ResultCode = 5
	KeyMismatch         ResultCode = 6
	UnsupportedFeature  ResultCode = 7
	RecordTooBig        ResultCode = 8
	BatchDisabled       ResultCode = 9
	BatchMaxRequests    ResultCode = 10
	BatchQueuesFull     ResultCode = 11
	Timeout             ResultCode = 12
	UDFExecution        ResultCode = 13
	BinName             ResultCode = 14
)

func (c ResultCode) String() string {
	switch c {
	case OK:
		return "OK"
	case Unknown:
		return "UNKNOWN"
	case Parameter:
		return "PARAMETER"
	case Forbidden:
		return "FORBIDDEN"
	case DeviceOverload:
		return "DEVICE_OVERLOAD"
	case NotFound:
		return "NOTFOUND"
	case KeyMismatch:
		return "KEY_MISMATCH"
	case UnsupportedFeature:
		return "UNSUPPORTED_FEATURE"
	case RecordTooBig:
		return "RECORD_TOO_BIG"
	case BatchDisabled:
		return "BATCH_DISABLED"
	case BatchMaxRequests:
		return "BATCH_MAX_REQUESTS"
	case BatchQueuesFull:
		return "BATCH_QUEUES_FULL"
	case Timeout:
		return "TIMEOUT"
	case UDFExecution:
		return "UDF_EXECUTION"
	case BinName:
		return "BIN_NAME"
	default:
		return "UNKNOWN"
	}
}

// Sticky reports whether a batch's shared result code should be overwritten
// by c: the first non-OK, non-NOTFOUND code sticks.
func (c ResultCode) Sticky() bool {
	return c != OK && c != NotFound
}

// MarshalJSON renders the code by name, matching rpc/common/proto.go's
// enum-with-JSON idiom used for message types.
func (c ResultCode) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", c.String())), nil
}

// CoerceWireCode maps a raw wire byte to ResultCode, coercing an incoming 0
// that was not produced by this server (i.e. arriving on a field that should
// never legitimately carry OK, such as a parse-stage code) to Unknown. Most
// call sites use the raw cast directly; this helper exists for the one
// documented coercion rule in the error taxonomy.
func CoerceWireCode(b uint8) ResultCode {
	if b == 0 {
		return Unknown
	}
	return ResultCode(b)
}

// Error wraps a ResultCode with a descriptive message, mirroring
// lib/store's store.Error (Code + Msg).
type Error struct {
	Code ResultCode
	Msg  string
}

func NewError(code ResultCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}
