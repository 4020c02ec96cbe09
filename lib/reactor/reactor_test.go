package reactor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/asnode/txcore/lib/handle"
	"github.com/asnode/txcore/lib/storage"
	"github.com/asnode/txcore/lib/wire"
)

// stubDispatcher records every frame handed to it; used to prove the info
// fast path never reaches the dispatcher (SUPPLEMENTED FEATURES item 6).
type stubDispatcher struct {
	calls int
}

func (s *stubDispatcher) Dispatch(_ context.Context, _ *handle.Handle, _ wire.Header, _ []byte) {
	s.calls++
}

func composeRequestFrame(t *testing.T, namespace string, digest wire.Digest, ops []wire.Op) []byte {
	t.Helper()
	fields := []wire.Field{
		{Type: wire.FieldNamespace, Value: []byte(namespace)},
		{Type: wire.FieldDigest, Value: digest[:]},
	}
	body := wire.ComposeDataMessage(wire.DataHeader{}, fields, ops)
	header := wire.ComposeFrameHeader(wire.Header{Version: wire.Version, Type: wire.FrameData, Size: uint64(len(body))})
	return append(header, body...)
}

func readFrame(t *testing.T, conn net.Conn) (wire.Header, *wire.DataMessage) {
	t.Helper()
	header := make([]byte, wire.HeaderSize)
	if _, err := readFull(conn, header); err != nil {
		t.Fatalf("read header: %v", err)
	}
	hdr, status, err := wire.ParseFrameHeader(header)
	if status != wire.StatusOK {
		t.Fatalf("parse header: status=%v err=%v", status, err)
	}
	body := make([]byte, hdr.Size)
	if _, err := readFull(conn, body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	msg, err := wire.ParseDataMessage(body)
	if err != nil {
		t.Fatalf("parse body: %v", err)
	}
	return hdr, msg
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestHandleConnectionInfoFastPathSkipsDispatcher(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	registry := handle.NewRegistry(time.Minute)
	stub := &stubDispatcher{}
	r := NewReactor(nil, registry, nil, stub, Config{Workers: 2})

	h := registry.New(server)
	done := make(chan struct{})
	go func() {
		r.handleConnection(context.Background(), h)
		close(done)
	}()

	infoBody := []byte("open-connections\n")
	frame := append(wire.ComposeFrameHeader(wire.Header{Version: wire.Version, Type: wire.FrameInfo, Size: uint64(len(infoBody))}), infoBody...)
	if _, err := client.Write(frame); err != nil {
		t.Fatalf("write info frame: %v", err)
	}

	header := make([]byte, wire.HeaderSize)
	if _, err := readFull(client, header); err != nil {
		t.Fatalf("read info response header: %v", err)
	}
	hdr, status, err := wire.ParseFrameHeader(header)
	if status != wire.StatusOK {
		t.Fatalf("parse info response header: status=%v err=%v", status, err)
	}
	body := make([]byte, hdr.Size)
	if _, err := readFull(client, body); err != nil {
		t.Fatalf("read info response body: %v", err)
	}

	if string(body) != "open-connections\t1\n" {
		t.Fatalf("unexpected info response: %q", body)
	}
	if stub.calls != 0 {
		t.Fatalf("expected the info frame to skip the dispatcher, dispatcher was called %d times", stub.calls)
	}

	client.Close()
	<-done
}

func TestHandleConnectionDataFrameReachesDispatcher(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	registry := handle.NewRegistry(time.Minute)
	stub := &stubDispatcher{}
	r := NewReactor(nil, registry, nil, stub, Config{Workers: 2})

	h := registry.New(server)
	done := make(chan struct{})
	go func() {
		r.handleConnection(context.Background(), h)
		close(done)
	}()

	var digest wire.Digest
	digest[0] = 7
	frame := composeRequestFrame(t, "test", digest, nil)
	if _, err := client.Write(frame); err != nil {
		t.Fatalf("write data frame: %v", err)
	}

	client.Close()
	<-done

	if stub.calls != 1 {
		t.Fatalf("expected exactly one dispatch call, got %d", stub.calls)
	}
}

func TestDefaultDispatcherPlainWriteThenRead(t *testing.T) {
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

	var digest wire.Digest
	digest[0] = 9

	writeFrame := composeRequestFrame(t, "test", digest, []wire.Op{{Op: wire.OpWrite, Name: "v", Value: []byte("hello")}})
	go func() {
		if _, err := client.Write(writeFrame); err != nil {
			t.Errorf("write: %v", err)
		}
	}()
	_, writeReply := readFrame(t, client)
	if writeReply.Header.ResultCode != 0 {
		t.Fatalf("write expected OK, got code %d", writeReply.Header.ResultCode)
	}

	readReqFrame := composeRequestFrame(t, "test", digest, []wire.Op{{Op: wire.OpRead, Name: "v"}})
	go func() {
		if _, err := client.Write(readReqFrame); err != nil {
			t.Errorf("write: %v", err)
		}
	}()
	_, readReply := readFrame(t, client)
	if readReply.Header.ResultCode != 0 {
		t.Fatalf("read expected OK, got code %d", readReply.Header.ResultCode)
	}
	if len(readReply.Ops) != 1 || string(readReply.Ops[0].Value) != "hello" {
		t.Fatalf("unexpected read reply ops: %+v", readReply.Ops)
	}

	client.Close()
	<-done
}

func TestDefaultDispatcherPlainReadMissingReturnsNotFound(t *testing.T) {
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

	var digest wire.Digest
	digest[0] = 3
	frame := composeRequestFrame(t, "test", digest, []wire.Op{{Op: wire.OpRead, Name: "v"}})
	go func() {
		if _, err := client.Write(frame); err != nil {
			t.Errorf("write: %v", err)
		}
	}()
	_, reply := readFrame(t, client)
	if reply.Header.ResultCode != 5 { // txn.NotFound
		t.Fatalf("expected NOTFOUND, got code %d", reply.Header.ResultCode)
	}

	client.Close()
	<-done
}

func TestServeBackpressureClosesOverCapConnections(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	registry := handle.NewRegistry(time.Minute)
	stub := &stubDispatcher{}
	r := NewReactor(listener, registry, nil, stub, Config{Workers: 1, MaxOpenConnections: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Serve(ctx)

	first, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()

	deadline := time.Now().Add(2 * time.Second)
	for registry.OpenCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if registry.OpenCount() != 1 {
		t.Fatalf("expected 1 open connection, got %d", registry.OpenCount())
	}

	second, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()

	// The second connection should be closed immediately by the reactor's
	// backpressure check rather than registered.
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := second.Read(buf); err == nil {
		t.Fatalf("expected the over-cap connection to be closed, got a successful read")
	}
	if registry.OpenCount() != 1 {
		t.Fatalf("expected open count to stay at 1, got %d", registry.OpenCount())
	}
}
