package udf

import "github.com/asnode/txcore/lib/storage"

// classify maps the script engine's has-updates/closed signals plus the
// record's pre-existence and final bin count onto a storage.RecordOp,
// exactly following spec.md §4.8's classification rules.
func classify(hasUpdates, closed, preExisted bool, binCountAfter int) storage.RecordOp {
	var op storage.RecordOp
	switch {
	case hasUpdates && !closed:
		op = storage.OpWrite
	case hasUpdates && closed && preExisted:
		op = storage.OpDelete
	case hasUpdates && closed && !preExisted:
		op = storage.OpNone // created then deleted within the same apply: a no-op
	case !hasUpdates && preExisted && closed:
		op = storage.OpDelete
	default:
		op = storage.OpRead
	}

	if op == storage.OpWrite && binCountAfter == 0 {
		op = storage.OpDelete // a write that leaves zero bins is promoted to a delete
	}
	return op
}
