// Package udf implements the UDF transaction pipeline: the asynchronous
// state machine that takes a transaction through duplicate resolution,
// master application of the user script, and replica writes, per
// spec.md §4.8. Grounded on lib/store/dstore/statemachine.go's
// KVStateMachine.Update dispatch shape for the apply-and-classify loop,
// and lib/lockmgr/impl.go's CAS-then-verify pattern for the
// "respond-on-master-complete vs repl-write" race, which here reuses
// lib/txn.From.Clear instead of a bytes.Equal ownership check.
package udf

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/asnode/txcore/lib/fault"
	"github.com/asnode/txcore/lib/metrics"
	"github.com/asnode/txcore/lib/storage"
	"github.com/asnode/txcore/lib/txn"
)

var log = fault.Get("udf")

// Request is a parsed UDF invocation: filename/function/args plus the two
// early-reject signals checked before the transaction ever enters the
// request hash.
type Request struct {
	Filename string
	Function string
	Args     []byte

	XDRFilterReject   bool
	StorageOverloaded bool

	Deadline time.Time
}

// ScriptResult is what the script engine reports after running one UDF
// against a record façade, per spec.md §4.8's has-updates/closed signals.
// The script engine itself is out of scope (spec.md §1); this is the
// narrow contract the pipeline drives it through.
type ScriptResult struct {
	HasUpdates bool
	Closed     bool
}

// ScriptEngine runs a UDF against rec. A non-nil error is a script-side
// failure (UDF_EXECUTION or BIN_NAME, distinguished by IsBinNameError).
type ScriptEngine interface {
	Apply(ctx context.Context, rec *storage.Record, filename, function string, args []byte, tracker *TimeTracker) (ScriptResult, error)
}

// BinNameError marks a script failure caused by an invalid bin name, which
// reports BIN_NAME rather than UDF_EXECUTION.
type BinNameError struct{ Err error }

func (e *BinNameError) Error() string { return e.Err.Error() }
func (e *BinNameError) Unwrap() error { return e.Err }

// DupResolver asks the peers that may hold a newer copy of the record to
// vote before master-apply proceeds; completion is reported asynchronously
// via onDone, matching the "suspend until the peer ack callback fires"
// model of spec.md §5.
type DupResolver interface {
	Resolve(ctx context.Context, namespace string, digest storage.Digest, duplicates []string, onDone func(error))
}

// ReplWriter ships a replication pickle to replicas, completing
// asynchronously via onDone.
type ReplWriter interface {
	Write(ctx context.Context, namespace string, pickle []byte, replicas []string, onDone func(error))
}

// Config carries the pipeline's tunables.
type Config struct {
	DisableDupRes           bool // write-duplicate-resolution-disable
	RespondOnMasterComplete bool // respond-client-on-master-completion
}

// stage is the pipeline record's position, per REDESIGN FLAGS' guidance to
// express the coroutine-style state machine as an explicit stage field
// advancing under a lock rather than as blocking calls.
type stage int

const (
	stageInitial stage = iota
	stageAwaitingDupRes
	stageAwaitingReplWrite
	stageDone
)

// Pipeline drives one UDF transaction through start, dup-res, master-apply,
// and repl-write. It reuses a single record across phases as spec.md §4.8
// describes ("reuse a single recyclable pipeline record ... reset for the
// repl-write phase"), modeled here as the same *Pipeline advancing its
// stage field rather than allocating a fresh object per phase.
type Pipeline struct {
	mu    sync.Mutex
	stage stage

	tx  *txn.Transaction
	req Request

	store   storage.Engine
	script  ScriptEngine
	dupRes  DupResolver
	repl    ReplWriter
	metrics *metrics.Registry

	cfg Config

	reservation storage.Reservation

	// onDone, if set, fires exactly once when the pipeline reaches a
	// terminal state (one of the early-reject responses, the synchronous
	// master-apply responses, or the repl-write completion). Lets a caller
	// retire bookkeeping keyed to this transaction's lifetime, such as
	// lib/reqhash's at-most-one-in-flight entry, without the pipeline
	// itself knowing about that bookkeeping.
	onDone func()
}

func NewPipeline(tx *txn.Transaction, req Request, store storage.Engine, script ScriptEngine, dupRes DupResolver, repl ReplWriter, m *metrics.Registry, cfg Config) *Pipeline {
	return &Pipeline{tx: tx, req: req, store: store, script: script, dupRes: dupRes, repl: repl, metrics: m, cfg: cfg}
}

// SetOnDone registers the pipeline's terminal-state callback. Must be
// called before Start.
func (p *Pipeline) SetOnDone(fn func()) { p.onDone = fn }

func (p *Pipeline) finish() {
	if p.onDone != nil {
		p.onDone()
	}
}

// Start runs the pipeline's early-reject checks and, if none fire, reserves
// the partition and either hands off to duplicate resolution or proceeds
// straight to master-apply.
func (p *Pipeline) Start(ctx context.Context) {
	if p.req.XDRFilterReject {
		p.tx.RespondError(txn.Forbidden, p.errorCounter())
		p.finish()
		return
	}
	if p.req.StorageOverloaded {
		p.tx.RespondError(txn.DeviceOverload, p.errorCounter())
		p.finish()
		return
	}

	digest := storage.Digest(p.tx.Digest)
	reservation, err := p.store.Reserve(ctx, p.tx.Namespace, digest)
	if err != nil {
		p.tx.RespondError(txn.Unknown, p.errorCounter())
		p.finish()
		return
	}
	p.reservation = reservation
	p.tx.Reservation = reservation

	duplicates := reservation.Duplicates()
	if !p.cfg.DisableDupRes && len(duplicates) > 0 {
		p.setStage(stageAwaitingDupRes)
		p.dupRes.Resolve(ctx, p.tx.Namespace, digest, duplicates, func(err error) {
			p.onDupResDone(ctx, err)
		})
		return
	}

	p.masterApply(ctx)
}

func (p *Pipeline) onDupResDone(ctx context.Context, err error) {
	if err != nil {
		p.tx.RespondError(txn.Unknown, p.errorCounter())
		p.tx.ReleaseReservation()
		p.finish()
		return
	}
	p.masterApply(ctx)
}

func (p *Pipeline) masterApply(ctx context.Context) {
	digest := storage.Digest(p.tx.Digest)

	rec, err := p.store.Open(ctx, p.tx.Namespace, digest)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			p.tx.RespondError(txn.Unknown, p.errorCounter())
			p.tx.ReleaseReservation()
			p.finish()
			return
		}
		rec = &storage.Record{Digest: digest, Bins: make(map[string]interface{})}
	}
	preExisted := rec.Existed

	tracker := NewTimeTracker(p.req.Deadline)
	result, err := p.script.Apply(ctx, rec, p.req.Filename, p.req.Function, p.req.Args, tracker)
	if err != nil {
		if p.metrics != nil {
			p.metrics.IncLangError(p.tx.Namespace)
		}
		var binErr *BinNameError
		code := txn.UDFExecution
		if errors.As(err, &binErr) {
			code = txn.BinName
		}
		p.tx.RespondError(code, p.errorCounter())
		p.tx.ReleaseReservation()
		p.finish()
		return
	}

	op := classify(result.HasUpdates, result.Closed, preExisted, rec.BinCount())

	pickle, err := p.store.Apply(ctx, p.tx.Namespace, rec, op)
	success := err == nil
	p.recordStats(op, success)
	if err != nil {
		p.tx.RespondError(txn.Unknown, p.errorCounter())
		p.tx.ReleaseReservation()
		p.finish()
		return
	}

	p.tx.Generation = rec.Generation
	p.tx.VoidTime = rec.VoidTime
	p.tx.ResultCode = txn.OK

	if op == storage.OpRead || op == storage.OpNone {
		p.tx.Respond(nil)
		p.tx.ReleaseReservation()
		p.finish()
		return
	}

	replicas := p.reservation.Duplicates()
	if len(replicas) == 0 {
		p.tx.Respond(nil)
		p.tx.ReleaseReservation()
		p.finish()
		return
	}

	if p.cfg.RespondOnMasterComplete {
		p.tx.Respond(nil) // fast-respond; the repl-write completion below is a no-op race loser
	}

	p.setStage(stageAwaitingReplWrite)
	p.repl.Write(ctx, p.tx.Namespace, pickle, replicas, p.onReplWriteDone)
}

func (p *Pipeline) onReplWriteDone(err error) {
	if err != nil {
		log.Debugf("repl-write failed for namespace=%s digest=%s: %v", p.tx.Namespace, p.tx.Digest, err)
		p.tx.RespondError(txn.Unknown, p.errorCounter())
	} else {
		p.tx.Respond(nil) // no-op if respond-on-master-complete already won the race
	}
	p.tx.ReleaseReservation()
	p.setStage(stageDone)
	p.finish()
}

func (p *Pipeline) recordStats(op storage.RecordOp, success bool) {
	if p.metrics == nil {
		return
	}
	switch op {
	case storage.OpRead:
		p.metrics.RecordOp(p.tx.Namespace, metrics.OpKindRead, success)
	case storage.OpWrite:
		p.metrics.RecordOp(p.tx.Namespace, metrics.OpKindWrite, success)
	case storage.OpDelete:
		p.metrics.RecordOp(p.tx.Namespace, metrics.OpKindDelete, success)
	}
}

func (p *Pipeline) setStage(s stage) {
	p.mu.Lock()
	p.stage = s
	p.mu.Unlock()
}

func (p *Pipeline) errorCounter() txn.ErrorCounter {
	if p.metrics == nil {
		return nil
	}
	return p.metrics
}
