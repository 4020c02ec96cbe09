package metrics

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestRecordOpAndLatency(t *testing.T) {
	r := NewRegistry()
	r.RecordOp("test", OpKindRead, true)
	r.RecordOp("test", OpKindWrite, false)
	r.Observe("read", 5*time.Millisecond)

	hist := r.Latency("read")
	if hist.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", hist.Count())
	}
}

func TestWriteMetricsIncludesDemarshalCounter(t *testing.T) {
	r := NewRegistry()
	r.IncDemarshalError()

	var buf bytes.Buffer
	r.WriteMetrics(&buf)

	if !strings.Contains(buf.String(), "txcore_demarshal_errors_total") {
		t.Fatalf("expected demarshal error counter in metrics output, got:\n%s", buf.String())
	}
}
