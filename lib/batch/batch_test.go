package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/asnode/txcore/lib/storage"
	"github.com/asnode/txcore/lib/txn"
	"github.com/asnode/txcore/lib/wire"
)

// syncWriter is a concurrency-safe io.Writer standing in for a client
// connection: multiple response workers may write to the same batch's
// connection from different goroutines (a batch's buffers can fan out
// across workers), so appends must be serialized.
type syncWriter struct {
	mu   sync.Mutex
	data []byte
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.data = append(w.data, p...)
	return len(p), nil
}

// ForceClose satisfies Conn; tests don't assert on it directly here (see
// shared_test.go for a Conn whose ForceClose is observed).
func (w *syncWriter) ForceClose() {}

func (w *syncWriter) snapshot() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.data...)
}

// parsedFrame is one decoded wire frame from the accumulated response stream.
type parsedFrame struct {
	header wire.Header
	msg    *wire.DataMessage
}

func parseFrames(t *testing.T, data []byte) []parsedFrame {
	t.Helper()
	var frames []parsedFrame
	for len(data) > 0 {
		h, status, err := wire.ParseFrameHeader(data)
		if status != wire.StatusOK {
			break
		}
		if err != nil {
			t.Fatalf("ParseFrameHeader: %v", err)
		}
		body := data[wire.HeaderSize : wire.HeaderSize+int(h.Size)]
		msg, err := wire.ParseDataMessage(body)
		if err != nil {
			t.Fatalf("ParseDataMessage: %v", err)
		}
		frames = append(frames, parsedFrame{header: h, msg: msg})
		data = data[wire.HeaderSize+int(h.Size):]
	}
	return frames
}

func waitForFrameCount(t *testing.T, w *syncWriter, want int) []parsedFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		frames := parseFrames(t, w.snapshot())
		if len(frames) >= want {
			return frames
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d frames, got %d", want, len(frames))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func seedRecord(store *storage.MemEngine, namespace string, digest wire.Digest, value string) {
	store.Put(namespace, &storage.Record{
		Digest:     storage.Digest(digest),
		Generation: 1,
		VoidTime:   0,
		Bins:       map[string]interface{}{"v": value},
	})
}

func TestEngineSubmitPacksOneRowPerTinyBuffer(t *testing.T) {
	store := storage.NewMemEngine()
	const namespace = "test"

	var rows []wire.BatchRow
	for i := uint32(0); i < 5; i++ {
		var digest wire.Digest
		digest[0] = byte(i + 1)
		seedRecord(store, namespace, digest, "same-length-value")
		rows = append(rows, wire.BatchRow{
			Index:  i,
			Digest: digest,
			Ops:    []wire.Op{{Op: wire.OpRead, Name: "v"}},
		})
	}

	engine := NewEngine(store, nil, Config{Workers: 2, BufferCapacity: 1, MaxBuffersPerQueue: 16})
	w := &syncWriter{}

	if err := engine.Submit(context.Background(), w, namespace, rows); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// A 1-byte configured buffer capacity forces each row's (equal-length)
	// reply into its own buffer, so there are 5 row frames plus the trailer.
	frames := waitForFrameCount(t, w, 6)
	if len(frames) != 6 {
		t.Fatalf("expected exactly 6 frames, got %d", len(frames))
	}

	seenRows := make(map[uint32]bool)
	lastCount := 0
	for _, f := range frames {
		if f.header.Type != wire.FrameData {
			t.Fatalf("unexpected frame type %v", f.header.Type)
		}
		if f.msg.Header.Info3&wire.Info3Last != 0 {
			lastCount++
			continue
		}
		seenRows[f.msg.Header.TransactionTTL] = true
		if len(f.msg.Ops) != 1 || f.msg.Ops[0].Name != "v" {
			t.Fatalf("unexpected ops in row reply: %+v", f.msg.Ops)
		}
	}
	if lastCount != 1 {
		t.Fatalf("expected exactly one trailer frame, got %d", lastCount)
	}
	if len(seenRows) != 5 {
		t.Fatalf("expected 5 distinct row replies, got %d", len(seenRows))
	}
}

func TestEngineSubmitNotFoundStillRespondsAndTrailers(t *testing.T) {
	store := storage.NewMemEngine()
	const namespace = "test"
	var missing wire.Digest
	missing[0] = 0xAA

	rows := []wire.BatchRow{{Index: 0, Digest: missing}}

	engine := NewEngine(store, nil, Config{Workers: 1, BufferCapacity: DefaultBufferCapacity, MaxBuffersPerQueue: 4})
	w := &syncWriter{}

	if err := engine.Submit(context.Background(), w, namespace, rows); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	frames := waitForFrameCount(t, w, 2)
	if frames[0].msg.Header.ResultCode != uint8(txn.NotFound) {
		t.Fatalf("expected NOTFOUND, got code %d", frames[0].msg.Header.ResultCode)
	}
	// NOTFOUND is not sticky (txn.ResultCode.Sticky): a miss on one row must
	// not drag the batch's overall trailer code away from OK.
	if frames[1].msg.Header.ResultCode != uint8(txn.OK) {
		t.Fatalf("expected trailer to stay OK despite a NOTFOUND row, got %d", frames[1].msg.Header.ResultCode)
	}
}

func TestEngineSubmitRejectsOverMaxRequests(t *testing.T) {
	store := storage.NewMemEngine()
	engine := NewEngine(store, nil, Config{Workers: 1, MaxRequests: 1})

	rows := []wire.BatchRow{{Index: 0}, {Index: 1}}
	err := engine.Submit(context.Background(), &syncWriter{}, "test", rows)
	if err == nil {
		t.Fatalf("expected BatchMaxRequests error")
	}
	batchErr, ok := err.(*txn.Error)
	if !ok || batchErr.Code != txn.BatchMaxRequests {
		t.Fatalf("expected BatchMaxRequests error, got %v", err)
	}
}

func TestEngineSubmitRejectsWhenDisabled(t *testing.T) {
	store := storage.NewMemEngine()
	engine := NewEngine(store, nil, Config{Workers: 1, Disabled: true})

	err := engine.Submit(context.Background(), &syncWriter{}, "test", []wire.BatchRow{{Index: 0}})
	batchErr, ok := err.(*txn.Error)
	if !ok || batchErr.Code != txn.BatchDisabled {
		t.Fatalf("expected BatchDisabled error, got %v", err)
	}
}

func TestEngineResizeDrainsOldWorkers(t *testing.T) {
	store := storage.NewMemEngine()
	var digest wire.Digest
	digest[0] = 1
	seedRecord(store, "test", digest, "x")

	engine := NewEngine(store, nil, Config{Workers: 2, BufferCapacity: DefaultBufferCapacity, MaxBuffersPerQueue: 4})
	w := &syncWriter{}
	if err := engine.Submit(context.Background(), w, "test", []wire.BatchRow{{Index: 0, Digest: digest}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForFrameCount(t, w, 2)

	engine.Resize(4)
	if len(engine.workers) != 4 {
		t.Fatalf("expected 4 workers after resize, got %d", len(engine.workers))
	}

	w2 := &syncWriter{}
	if err := engine.Submit(context.Background(), w2, "test", []wire.BatchRow{{Index: 0, Digest: digest}}); err != nil {
		t.Fatalf("Submit after resize: %v", err)
	}
	waitForFrameCount(t, w2, 2)
}

func TestEngineSubmitRejectsZeroRows(t *testing.T) {
	store := storage.NewMemEngine()
	engine := NewEngine(store, nil, Config{Workers: 1})

	err := engine.Submit(context.Background(), &syncWriter{}, "test", nil)
	batchErr, ok := err.(*txn.Error)
	if !ok || batchErr.Code != txn.Parameter {
		t.Fatalf("expected PARAMETER error for zero rows, got %v", err)
	}
}

func TestEngineResizeShrinksAfterDrain(t *testing.T) {
	store := storage.NewMemEngine()
	var digest wire.Digest
	digest[0] = 2
	seedRecord(store, "test", digest, "x")

	engine := NewEngine(store, nil, Config{Workers: 4, BufferCapacity: DefaultBufferCapacity, MaxBuffersPerQueue: 4})
	w := &syncWriter{}
	if err := engine.Submit(context.Background(), w, "test", []wire.BatchRow{{Index: 0, Digest: digest}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForFrameCount(t, w, 2)

	engine.Resize(2)
	if len(engine.workers) != 2 {
		t.Fatalf("expected shrink to 2 workers to commit once drained, got %d", len(engine.workers))
	}
}

func TestEngineResizeAbortsWhenDrainTimesOut(t *testing.T) {
	store := storage.NewMemEngine()
	engine := NewEngine(store, nil, Config{Workers: 2, BufferCapacity: DefaultBufferCapacity, MaxBuffersPerQueue: 4})

	// Pretend the surplus worker still has a buffer in flight: depth never
	// reaches zero, so the shrink's drain wait can only time out.
	surplus := engine.workers[1]
	surplus.depth.Add(1)

	engine.shrinkToWithDeadline(1, engine.workers, 20*time.Millisecond, time.Millisecond)
	if len(engine.workers) != 2 {
		t.Fatalf("expected aborted shrink to leave both workers active, got %d", len(engine.workers))
	}
	if !surplus.isActive() {
		t.Fatalf("expected the surplus worker to be reactivated after the aborted shrink")
	}
}
