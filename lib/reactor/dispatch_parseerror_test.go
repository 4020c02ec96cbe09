package reactor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/asnode/txcore/lib/batch"
	"github.com/asnode/txcore/lib/handle"
	"github.com/asnode/txcore/lib/storage"
	"github.com/asnode/txcore/lib/txn"
	"github.com/asnode/txcore/lib/wire"
)

// TestDispatchMalformedBodySendsMinimalErrorReply proves a demarshal failure
// before a transaction exists still yields a reply frame (spec.md §7)
// instead of leaving the peer waiting on a frame that never comes.
func TestDispatchMalformedBodySendsMinimalErrorReply(t *testing.T) {
	store := storage.NewMemEngine()
	registry := handle.NewRegistry(time.Minute)
	dispatcher := NewDefaultDispatcher(DefaultDispatcherConfig{Storage: store})
	r := NewReactor(nil, registry, nil, dispatcher, Config{Workers: 1})

	client, server := net.Pipe()
	defer client.Close()
	h := registry.New(server)
	done := make(chan struct{})
	go func() {
		r.handleConnection(context.Background(), h)
		close(done)
	}()

	// A body too short to carry a valid data-message header.
	body := []byte{0xFF}
	frame := append(wire.ComposeFrameHeader(wire.Header{Version: wire.Version, Type: wire.FrameData, Size: uint64(len(body))}), body...)
	go func() {
		if _, err := client.Write(frame); err != nil {
			t.Errorf("write: %v", err)
		}
	}()

	_, reply := readFrame(t, client)
	if reply.Header.ResultCode != uint8(txn.Parameter) {
		t.Fatalf("expected PARAMETER, got code %d", reply.Header.ResultCode)
	}

	client.Close()
	<-done
}

// TestDispatchBatchMalformedCountFieldSendsMinimalErrorReply proves a
// truncated batch-count field also yields a reply rather than silence.
func TestDispatchBatchMalformedCountFieldSendsMinimalErrorReply(t *testing.T) {
	store := storage.NewMemEngine()
	batchEngine := batch.NewEngine(store, nil, batch.Config{Workers: 1})
	registry := handle.NewRegistry(time.Minute)
	dispatcher := NewDefaultDispatcher(DefaultDispatcherConfig{Storage: store, Batch: batchEngine})
	r := NewReactor(nil, registry, nil, dispatcher, Config{Workers: 1})

	client, server := net.Pipe()
	defer client.Close()
	h := registry.New(server)
	done := make(chan struct{})
	go func() {
		r.handleConnection(context.Background(), h)
		close(done)
	}()

	fields := []wire.Field{{Type: wire.FieldBatch, Value: []byte{0x00, 0x01}}} // 2 bytes, not the required 4
	body := wire.ComposeDataMessage(wire.DataHeader{}, fields, nil)
	frame := append(wire.ComposeFrameHeader(wire.Header{Version: wire.Version, Type: wire.FrameData, Size: uint64(len(body))}), body...)
	go func() {
		if _, err := client.Write(frame); err != nil {
			t.Errorf("write: %v", err)
		}
	}()

	_, reply := readFrame(t, client)
	if reply.Header.ResultCode != uint8(txn.Parameter) {
		t.Fatalf("expected PARAMETER, got code %d", reply.Header.ResultCode)
	}

	client.Close()
	<-done
}

// TestDispatchBatchMalformedRowsSendsMinimalErrorReply proves a batch count
// field that overruns the actual row payload also yields a reply.
func TestDispatchBatchMalformedRowsSendsMinimalErrorReply(t *testing.T) {
	store := storage.NewMemEngine()
	batchEngine := batch.NewEngine(store, nil, batch.Config{Workers: 1})
	registry := handle.NewRegistry(time.Minute)
	dispatcher := NewDefaultDispatcher(DefaultDispatcherConfig{Storage: store, Batch: batchEngine})
	r := NewReactor(nil, registry, nil, dispatcher, Config{Workers: 1})

	client, server := net.Pipe()
	defer client.Close()
	h := registry.New(server)
	done := make(chan struct{})
	go func() {
		r.handleConnection(context.Background(), h)
		close(done)
	}()

	// Declares 5 rows but supplies no row payload at all.
	fields := []wire.Field{{Type: wire.FieldBatch, Value: []byte{0x00, 0x00, 0x00, 0x05}}}
	body := wire.ComposeDataMessage(wire.DataHeader{}, fields, nil)
	frame := append(wire.ComposeFrameHeader(wire.Header{Version: wire.Version, Type: wire.FrameData, Size: uint64(len(body))}), body...)
	go func() {
		if _, err := client.Write(frame); err != nil {
			t.Errorf("write: %v", err)
		}
	}()

	_, reply := readFrame(t, client)
	if reply.Header.ResultCode != uint8(txn.Parameter) {
		t.Fatalf("expected PARAMETER, got code %d", reply.Header.ResultCode)
	}

	client.Close()
	<-done
}
