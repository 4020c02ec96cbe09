package wire

import "fmt"

// FieldType identifies a data-message field. Numeric values are this
// module's own assignment — spec.md does not number field types, only the
// frame and data-message byte layout are bit-exact.
type FieldType uint8

const (
	FieldNamespace FieldType = iota + 1
	FieldSet
	FieldKey
	FieldDigest
	FieldDigestArray
	FieldTransactionID
	FieldScanOptions
	FieldIndexName
	FieldIndexRange
	FieldIndexType
	FieldUDFFilename
	FieldUDFFunction
	FieldUDFArgList
	FieldUDFOp
	FieldQueryBinList
	FieldBatch
	FieldBatchWithSet
)

func (t FieldType) String() string {
	switch t {
	case FieldNamespace:
		return "namespace"
	case FieldSet:
		return "set"
	case FieldKey:
		return "key"
	case FieldDigest:
		return "digest"
	case FieldDigestArray:
		return "digest-array"
	case FieldTransactionID:
		return "transaction-id"
	case FieldScanOptions:
		return "scan-options"
	case FieldIndexName:
		return "index-name"
	case FieldIndexRange:
		return "index-range"
	case FieldIndexType:
		return "index-type"
	case FieldUDFFilename:
		return "udf-filename"
	case FieldUDFFunction:
		return "udf-function"
	case FieldUDFArgList:
		return "udf-arg-list"
	case FieldUDFOp:
		return "udf-op"
	case FieldQueryBinList:
		return "query-bin-list"
	case FieldBatch:
		return "batch"
	case FieldBatchWithSet:
		return "batch-with-set"
	default:
		return fmt.Sprintf("field-type(%d)", uint8(t))
	}
}

// Mask returns the field-presence bitmask bit for this field type, or 0 for
// a type with no reserved bit (e.g. unknown types read off the wire).
func (t FieldType) Mask() uint32 {
	if t == 0 || t > 31 {
		return 0
	}
	return 1 << (uint32(t) - 1)
}

// Field is a single parsed field: its type and the raw value bytes, which
// point into the owning frame buffer rather than being copied.
type Field struct {
	Type  FieldType
	Value []byte
}
