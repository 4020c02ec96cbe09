// Package metrics wires the node's counters and latency histograms:
// github.com/VictoriaMetrics/metrics for gauges/counters sampled by the
// ticker, and github.com/rcrowley/go-metrics for per-operation latency
// histograms (spec.md §4.11/§2 Telemetry).
package metrics

import (
	"fmt"
	"io"
	"sync"
	"time"

	vm "github.com/VictoriaMetrics/metrics"
	gm "github.com/rcrowley/go-metrics"
)

// Registry is a telemetry set. Its VictoriaMetrics counters live in a
// private vm.Set, so each Registry is independent of any other in the same
// process. Namespaced counters are created lazily so namespaces declared
// only in config need not be enumerated here.
type Registry struct {
	mu  sync.Mutex
	set *vm.Set

	openConnections   *vm.Counter
	demarshalErrors   *vm.Counter
	reaperCloses      *vm.Counter
	batchQueuesFull   *vm.Counter

	perNamespace map[string]*namespaceCounters
	perOpLatency gm.Registry
}

type namespaceCounters struct {
	readReqs, readSuccess       *vm.Counter
	writeReqs, writeSuccess     *vm.Counter
	deleteReqs, deleteSuccess   *vm.Counter
	langErrors                  *vm.Counter
	clientErrors                *vm.Counter
	timeouts                    *vm.Counter
}

func NewRegistry() *Registry {
	set := vm.NewSet()
	return &Registry{
		set:             set,
		openConnections: set.NewCounter("txcore_open_connections"),
		demarshalErrors: set.NewCounter("txcore_demarshal_errors_total"),
		reaperCloses:    set.NewCounter("txcore_reaper_closes_total"),
		batchQueuesFull: set.NewCounter("txcore_batch_queues_full_total"),
		perNamespace:    make(map[string]*namespaceCounters),
		perOpLatency:    gm.NewRegistry(),
	}
}

func (r *Registry) namespace(ns string) *namespaceCounters {
	r.mu.Lock()
	defer r.mu.Unlock()
	nc, ok := r.perNamespace[ns]
	if ok {
		return nc
	}
	nc = &namespaceCounters{
		readReqs:      r.set.GetOrCreateCounter(fmt.Sprintf(`txcore_read_requests_total{namespace=%q}`, ns)),
		readSuccess:   r.set.GetOrCreateCounter(fmt.Sprintf(`txcore_read_success_total{namespace=%q}`, ns)),
		writeReqs:     r.set.GetOrCreateCounter(fmt.Sprintf(`txcore_write_requests_total{namespace=%q}`, ns)),
		writeSuccess:  r.set.GetOrCreateCounter(fmt.Sprintf(`txcore_write_success_total{namespace=%q}`, ns)),
		deleteReqs:    r.set.GetOrCreateCounter(fmt.Sprintf(`txcore_delete_requests_total{namespace=%q}`, ns)),
		deleteSuccess: r.set.GetOrCreateCounter(fmt.Sprintf(`txcore_delete_success_total{namespace=%q}`, ns)),
		langErrors:    r.set.GetOrCreateCounter(fmt.Sprintf(`txcore_udf_lang_errors_total{namespace=%q}`, ns)),
		clientErrors:  r.set.GetOrCreateCounter(fmt.Sprintf(`txcore_client_errors_total{namespace=%q}`, ns)),
		timeouts:      r.set.GetOrCreateCounter(fmt.Sprintf(`txcore_timeouts_total{namespace=%q}`, ns)),
	}
	r.perNamespace[ns] = nc
	return nc
}

// IncConnectionOpened/IncConnectionClosed track the reactor's
// open_connections gauge (opened - closed, per spec.md §4.3).
func (r *Registry) IncConnectionOpened() { r.openConnections.Inc() }
func (r *Registry) IncConnectionClosed() { r.openConnections.Dec() }

// IncDemarshalError counts a frame-level rejection that happened before a
// transaction existed, distinct from post-transaction error counters
// (SUPPLEMENTED FEATURES item 5).
func (r *Registry) IncDemarshalError() { r.demarshalErrors.Inc() }

// IncReaperClose counts a connection closed by the idle reaper.
func (r *Registry) IncReaperClose() { r.reaperCloses.Inc() }

// IncBatchQueuesFull counts a sealed batch response buffer that no worker
// queue accepted (the batch engine then sends it synchronously).
func (r *Registry) IncBatchQueuesFull() { r.batchQueuesFull.Inc() }

// IncClientError counts a per-namespace, per-origin error response.
func (r *Registry) IncClientError(namespace string) { r.namespace(namespace).clientErrors.Inc() }

// IncTimeout counts a per-namespace transaction timeout (not included in
// latency histograms, per spec.md §7).
func (r *Registry) IncTimeout(namespace string) { r.namespace(namespace).timeouts.Inc() }

// RecordOp updates per-namespace request/success counters for a completed
// storage operation classification.
func (r *Registry) RecordOp(namespace string, op OpKind, success bool) {
	nc := r.namespace(namespace)
	switch op {
	case OpKindRead:
		nc.readReqs.Inc()
		if success {
			nc.readSuccess.Inc()
		}
	case OpKindWrite:
		nc.writeReqs.Inc()
		if success {
			nc.writeSuccess.Inc()
		}
	case OpKindDelete:
		nc.deleteReqs.Inc()
		if success {
			nc.deleteSuccess.Inc()
		}
	}
}

// IncLangError counts a script-engine-side UDF failure for namespace.
func (r *Registry) IncLangError(namespace string) { r.namespace(namespace).langErrors.Inc() }

// OpKind classifies a completed operation for RecordOp.
type OpKind int

const (
	OpKindRead OpKind = iota
	OpKindWrite
	OpKindDelete
)

// Latency returns (creating if needed) the rcrowley/go-metrics histogram
// for a named operation (e.g. "read", "write", "udf", "batch").
func (r *Registry) Latency(op string) gm.Histogram {
	name := "latency." + op
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing := r.perOpLatency.Get(name); existing != nil {
		return existing.(gm.Histogram)
	}
	h := gm.NewHistogram(gm.NewExpDecaySample(1028, 0.015))
	_ = r.perOpLatency.Register(name, h)
	return h
}

// Observe records a single latency sample for op.
func (r *Registry) Observe(op string, d time.Duration) {
	r.Latency(op).Update(d.Nanoseconds())
}

// WriteMetrics serializes every VictoriaMetrics counter in this Registry in
// Prometheus text exposition format, for the ticker or an HTTP /metrics
// handler.
func (r *Registry) WriteMetrics(w io.Writer) {
	r.set.WritePrometheus(w)
}

// OpenConnections reads the current open-connections gauge, for the
// ticker's snapshot line (spec.md §4.9).
func (r *Registry) OpenConnections() int64 { return int64(r.openConnections.Get()) }

// DemarshalErrors reads the cumulative early-failure count.
func (r *Registry) DemarshalErrors() uint64 { return r.demarshalErrors.Get() }

// ReaperCloses reads the cumulative idle-reaper close count.
func (r *Registry) ReaperCloses() uint64 { return r.reaperCloses.Get() }

// BatchQueuesFull reads the cumulative count of batch response buffers that
// no worker queue accepted.
func (r *Registry) BatchQueuesFull() uint64 { return r.batchQueuesFull.Get() }

// NamespaceCounterSnapshot is a point-in-time read of one namespace's
// request/success/error counters, for the ticker's per-namespace dump.
type NamespaceCounterSnapshot struct {
	ReadReqs, ReadSuccess     uint64
	WriteReqs, WriteSuccess   uint64
	DeleteReqs, DeleteSuccess uint64
	LangErrors                uint64
	ClientErrors              uint64
	Timeouts                  uint64
}

// NamespaceCounters reads ns's counters without creating them if ns has
// never been touched by RecordOp/IncClientError/IncTimeout/IncLangError.
func (r *Registry) NamespaceCounters(ns string) NamespaceCounterSnapshot {
	r.mu.Lock()
	nc, ok := r.perNamespace[ns]
	r.mu.Unlock()
	if !ok {
		return NamespaceCounterSnapshot{}
	}
	return NamespaceCounterSnapshot{
		ReadReqs:      nc.readReqs.Get(),
		ReadSuccess:   nc.readSuccess.Get(),
		WriteReqs:     nc.writeReqs.Get(),
		WriteSuccess:  nc.writeSuccess.Get(),
		DeleteReqs:    nc.deleteReqs.Get(),
		DeleteSuccess: nc.deleteSuccess.Get(),
		LangErrors:    nc.langErrors.Get(),
		ClientErrors:  nc.clientErrors.Get(),
		Timeouts:      nc.timeouts.Get(),
	}
}
