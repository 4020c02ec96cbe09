package wire

import "fmt"

// OpType identifies the operation carried by an Op (read, write, etc).
// Numbering is this module's own assignment.
type OpType uint8

const (
	OpRead OpType = iota + 1
	OpWrite
	OpIncrement
	OpAppend
	OpPrepend
	OpTouch
	OpDelete
)

func (o OpType) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpIncrement:
		return "increment"
	case OpAppend:
		return "append"
	case OpPrepend:
		return "prepend"
	case OpTouch:
		return "touch"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op-type(%d)", uint8(o))
	}
}

// Op is a single bin operation within a data message: `op_sz | op |
// particle_type | version | name_sz | name | value`.
type Op struct {
	Op           OpType
	ParticleType uint8
	Version      uint8
	Name         string
	Value        []byte
}
