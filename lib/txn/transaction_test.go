package txn

import (
	"net"
	"testing"

	"github.com/asnode/txcore/lib/handle"
	"github.com/asnode/txcore/lib/wire"
)

type fakeBatchResponder struct {
	calls []struct {
		row  uint32
		code ResultCode
	}
}

func (f *fakeBatchResponder) SubmitSubResult(rowIndex uint32, code ResultCode, ops []wire.Op, generation, voidTime uint32) {
	f.calls = append(f.calls, struct {
		row  uint32
		code ResultCode
	}{rowIndex, code})
}

type fakeInternalResponder struct {
	completions int
	lastCode    ResultCode
}

func (f *fakeInternalResponder) Complete(code ResultCode, pickle []byte) {
	f.completions++
	f.lastCode = code
}

type fakeCounter struct {
	errors   int
	timeouts int
}

func (c *fakeCounter) IncClientError(namespace string) { c.errors++ }
func (c *fakeCounter) IncTimeout(namespace string)     { c.timeouts++ }

func TestRespondExactlyOnce(t *testing.T) {
	fr := &fakeInternalResponder{}
	tx := New("test", wire.Digest{}, OriginInternalUDF, NewInternalFrom(fr))

	tx.Respond(nil)
	tx.Respond(nil) // should be a no-op, the From was already cleared

	if fr.completions != 1 {
		t.Fatalf("Complete called %d times, want exactly 1", fr.completions)
	}
}

func TestRespondErrorIncrementsCounterOnce(t *testing.T) {
	fr := &fakeInternalResponder{}
	counter := &fakeCounter{}
	tx := New("test", wire.Digest{}, OriginInternalUDF, NewInternalFrom(fr))

	tx.RespondError(Parameter, counter)
	tx.RespondError(Parameter, counter) // lost race, must not double count

	if counter.errors != 1 {
		t.Fatalf("IncClientError called %d times, want 1", counter.errors)
	}
	if fr.lastCode != Parameter {
		t.Fatalf("lastCode = %v, want Parameter", fr.lastCode)
	}
}

func TestTimeoutVersusNaturalCompletionRace(t *testing.T) {
	fr := &fakeInternalResponder{}
	counter := &fakeCounter{}
	tx := New("test", wire.Digest{}, OriginInternalUDF, NewInternalFrom(fr))

	// Natural completion wins.
	tx.Respond(nil)
	tx.RespondTimeout(counter)

	if fr.completions != 1 {
		t.Fatalf("expected exactly one completion, got %d", fr.completions)
	}
	if counter.timeouts != 0 {
		t.Fatalf("timeout counter should not increment once natural completion already won")
	}
}

func TestBatchSubOriginDispatch(t *testing.T) {
	resp := &fakeBatchResponder{}
	tx := New("test", wire.Digest{}, OriginBatchSub, NewBatchFrom(resp))
	tx.FromData = 3
	tx.ResultCode = NotFound

	tx.Respond(nil)

	if len(resp.calls) != 1 || resp.calls[0].row != 3 || resp.calls[0].code != NotFound {
		t.Fatalf("unexpected batch dispatch: %+v", resp.calls)
	}
}

func TestClientOriginWritesReplyFrame(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	reg := handle.NewRegistry(0)
	h := reg.New(serverConn)

	tx := New("test", wire.Digest{}, OriginClient, NewClientFrom(h))
	tx.Generation = 1

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 256)
		n, _ := clientConn.Read(buf)
		done <- buf[:n]
	}()

	tx.Respond(nil)

	frame := <-done
	header, status, err := wire.ParseFrameHeader(frame)
	if status != wire.StatusOK || err != nil {
		t.Fatalf("ParseFrameHeader: status=%v err=%v", status, err)
	}
	if header.Type != wire.FrameData {
		t.Fatalf("expected data frame, got %v", header.Type)
	}
}

func TestReleaseReservationTwiceIsCritical(t *testing.T) {
	// ReleaseReservation calls log.Critical (os.Exit) on a double release;
	// exercising only the nil-reservation no-op path here, matching the idempotence
	// contract documented for handle.Release (process-exit is not unit
	// testable without a subprocess harness).
	tx := New("test", wire.Digest{}, OriginClient, NewClientFrom(nil))
	if tx.Reservation != nil {
		t.Fatalf("expected nil reservation by default")
	}
	tx.ReleaseReservation() // no-op, nil reservation
}
