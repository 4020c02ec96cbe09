// Package ticker implements the periodic stats-snapshot goroutine of
// spec.md §4.9: a background thread wakes once per second and, every
// ticker-interval seconds, logs a node-wide and per-namespace snapshot.
// Grounded on rpc/server/server.go's periodic pprof-server goroutine
// ("go func() { ... }()" pattern), generalized from a one-shot startup
// goroutine to a self-ticking loop, and on
// cekkr-lmdb/cheetah-db/resource_monitor.go's runtime.MemStats sampling for
// the system-memory line spec.md calls for but no reference source reads.
package ticker

import (
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/asnode/txcore/lib/fault"
	"github.com/asnode/txcore/lib/handle"
	"github.com/asnode/txcore/lib/metrics"
	"github.com/asnode/txcore/lib/reqhash"
)

var log = fault.Get("ticker")

// InflightSource reports accounting-only per-worker connection counts, as
// built by lib/reactor's workerFor hash. Optional: a Ticker with no
// InflightSource simply omits the per-worker line.
type InflightSource interface {
	InflightFor(idx int) int64
}

// NamespaceStats is the narrow contract the ticker reads per-namespace
// object counts and resource usage through. The storage engine's actual
// object/index/migration bookkeeping is out of scope (spec.md §1); this
// interface is the only place that engine touches the ticker.
type NamespaceStats interface {
	ObjectCounts(namespace string) (total, master, prole int64)
	MigrationInProgress(namespace string) bool
	MemoryUsageBytes(namespace string) (total, index, sindex, data int64)
	DeviceUsageBytes(namespace string) int64
}

// Config bundles the ticker's identity and cadence.
type Config struct {
	NodeID      string
	ClusterSize int
	Interval    time.Duration // ticker-interval; 0 disables snapshot emission (tick still runs)
	Namespaces  []string
	Workers     int // length of the inflight accounting to report, 0 to omit
}

// Ticker drives the once-per-second wake loop and the ticker-interval-gated
// snapshot emission.
type Ticker struct {
	cfg     Config
	handles *handle.Registry
	reqHash *reqhash.Hash
	metrics *metrics.Registry
	inflt   InflightSource
	stats   NamespaceStats

	stop     chan struct{}
	shutdown atomic.Bool
}

// New wires a Ticker to its collaborators. inflt and stats may be nil.
func New(cfg Config, handles *handle.Registry, reqHash *reqhash.Hash, m *metrics.Registry, inflt InflightSource, stats NamespaceStats) *Ticker {
	return &Ticker{
		cfg:     cfg,
		handles: handles,
		reqHash: reqHash,
		metrics: m,
		inflt:   inflt,
		stats:   stats,
		stop:    make(chan struct{}),
	}
}

// Shutdown marks the node as shutting down; frames due after this point are
// skipped rather than logged (spec.md §4.9's "skips frames after shutdown
// is signaled").
func (t *Ticker) Shutdown() { t.shutdown.Store(true) }

// Stop ends Run's loop.
func (t *Ticker) Stop() { close(t.stop) }

// Run wakes once per second until Stop is called, emitting a snapshot every
// cfg.Interval seconds (0 means never). Intended to run in its own
// goroutine, matching the module's usual "go func() { ... }()" startup shape.
func (t *Ticker) Run() {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	var sinceLastSnapshot time.Duration
	for {
		select {
		case <-t.stop:
			return
		case <-tick.C:
			sinceLastSnapshot += time.Second
			if t.cfg.Interval <= 0 || sinceLastSnapshot < t.cfg.Interval {
				continue
			}
			sinceLastSnapshot = 0
			if t.shutdown.Load() {
				continue
			}
			t.emit()
		}
	}
}

func (t *Ticker) emit() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var line strings.Builder
	fmt.Fprintf(&line, "node-id %s cluster-size %d mem-alloc %d mem-sys %d goroutines %d",
		t.cfg.NodeID, t.cfg.ClusterSize, mem.Alloc, mem.Sys, runtime.NumGoroutine())

	if t.handles != nil {
		fmt.Fprintf(&line, " open-connections %d", t.handles.OpenCount())
	}
	if t.reqHash != nil {
		fmt.Fprintf(&line, " request-hash-size %d", t.reqHash.Len())
	}
	if t.metrics != nil {
		fmt.Fprintf(&line, " demarshal-errors %d reaper-closes %d batch-queues-full %d",
			t.metrics.DemarshalErrors(), t.metrics.ReaperCloses(), t.metrics.BatchQueuesFull())
	}
	if t.inflt != nil && t.cfg.Workers > 0 {
		counts := make([]string, t.cfg.Workers)
		for i := 0; i < t.cfg.Workers; i++ {
			counts[i] = fmt.Sprintf("%d", t.inflt.InflightFor(i))
		}
		fmt.Fprintf(&line, " worker-inflight [%s]", strings.Join(counts, ","))
	}

	log.Infof("%s", line.String())

	for _, ns := range t.cfg.Namespaces {
		t.emitNamespace(ns)
	}
}

func (t *Ticker) emitNamespace(ns string) {
	var line strings.Builder
	fmt.Fprintf(&line, "namespace %s", ns)

	if t.metrics != nil {
		c := t.metrics.NamespaceCounters(ns)
		fmt.Fprintf(&line, " reads(%d/%d) writes(%d/%d) deletes(%d/%d) lang-errors %d client-errors %d timeouts %d",
			c.ReadSuccess, c.ReadReqs, c.WriteSuccess, c.WriteReqs, c.DeleteSuccess, c.DeleteReqs,
			c.LangErrors, c.ClientErrors, c.Timeouts)
	}

	if t.stats != nil {
		total, master, prole := t.stats.ObjectCounts(ns)
		totalMem, indexMem, sindexMem, dataMem := t.stats.MemoryUsageBytes(ns)
		fmt.Fprintf(&line, " objects(total=%d master=%d prole=%d) migrating=%t mem(total=%d index=%d sindex=%d data=%d) device=%d",
			total, master, prole, t.stats.MigrationInProgress(ns),
			totalMem, indexMem, sindexMem, dataMem, t.stats.DeviceUsageBytes(ns))
	}

	log.Infof("%s", line.String())
}
