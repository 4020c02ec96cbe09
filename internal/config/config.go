// Package config defines the server's configuration surface (spec.md §6)
// and its cobra/viper binding. String()'s addSection/addField
// diagnostic-dump style is grounded on a section-per-concern config
// printer, generalized here to spec.md §6's transaction-processing-core
// options.
package config

import (
	"fmt"
	"strconv"
	"strings"
)

// NamespaceOverride carries the two per-namespace policy knobs spec.md §6
// allows overriding: read-consistency-level-override and
// write-commit-level-override. Both are opaque policy names the storage
// layer interprets (spec.md §1 places consistency-level semantics out of
// scope); this core only threads the override through to config display
// and whatever composition root wiring consumes it.
type NamespaceOverride struct {
	ReadConsistencyLevel string
	WriteCommitLevel     string
}

// Config is the fully parsed configuration surface of spec.md §6's table.
type Config struct {
	Endpoint string
	LogLevel string
	NodeID   string

	ServiceThreads             int
	TransactionQueues          int
	TransactionThreadsPerQueue int

	ProtoFDMax    int64
	ProtoFDIdleMS int64

	BatchIndexThreads       int
	BatchMaxBuffersPerQueue int
	BatchMaxUnusedBuffers   int
	BatchMaxRequests        int

	AllowInlineTransactions bool
	TransactionMaxMS        int64

	RespondClientOnMasterCompletion bool
	WriteDuplicateResolutionDisable bool

	TickerIntervalSeconds int

	Namespaces        []string
	NamespaceOverride map[string]NamespaceOverride
}

// ParseNamespaceOverride parses one repeatable --namespace-override value
// of the form "ns:read=X,write=Y" (either key may be omitted).
func ParseNamespaceOverride(raw string) (string, NamespaceOverride, error) {
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", NamespaceOverride{}, fmt.Errorf("config: invalid namespace-override %q (expected ns:read=X,write=Y)", raw)
	}
	ns := parts[0]
	var ov NamespaceOverride
	for _, kv := range strings.Split(parts[1], ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		eq := strings.SplitN(kv, "=", 2)
		if len(eq) != 2 {
			return "", NamespaceOverride{}, fmt.Errorf("config: invalid namespace-override field %q in %q", kv, raw)
		}
		switch strings.TrimSpace(eq[0]) {
		case "read":
			ov.ReadConsistencyLevel = strings.TrimSpace(eq[1])
		case "write":
			ov.WriteCommitLevel = strings.TrimSpace(eq[1])
		default:
			return "", NamespaceOverride{}, fmt.Errorf("config: unknown namespace-override field %q in %q", eq[0], raw)
		}
	}
	return ns, ov, nil
}

// String renders a human-readable dump of the resolved configuration, in
// rpc/common/config.go's ServerConfig.String() section/field layout.
func (c *Config) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-34s: %s\n", name, value))
	}

	addSection("Server")
	addField("Endpoint", c.Endpoint)
	addField("Node ID", c.NodeID)
	addField("Log Level", c.LogLevel)

	addSection("Reactor")
	addField("Service Threads", strconv.Itoa(c.ServiceThreads))
	addField("Proto FD Max", strconv.FormatInt(c.ProtoFDMax, 10))
	addField("Proto FD Idle (ms)", strconv.FormatInt(c.ProtoFDIdleMS, 10))

	addSection("Transaction")
	addField("Transaction Queues", strconv.Itoa(c.TransactionQueues))
	addField("Transaction Threads/Queue", strconv.Itoa(c.TransactionThreadsPerQueue))
	addField("Transaction Max (ms)", strconv.FormatInt(c.TransactionMaxMS, 10))
	addField("Allow Inline Transactions", strconv.FormatBool(c.AllowInlineTransactions))

	addSection("Batch")
	addField("Batch Index Threads", strconv.Itoa(c.BatchIndexThreads))
	addField("Batch Max Buffers/Queue", strconv.Itoa(c.BatchMaxBuffersPerQueue))
	addField("Batch Max Unused Buffers", strconv.Itoa(c.BatchMaxUnusedBuffers))
	addField("Batch Max Requests", strconv.Itoa(c.BatchMaxRequests))

	addSection("UDF")
	addField("Respond On Master Complete", strconv.FormatBool(c.RespondClientOnMasterCompletion))
	addField("Write Dup-Res Disable", strconv.FormatBool(c.WriteDuplicateResolutionDisable))

	addSection("Ticker")
	addField("Ticker Interval (s)", strconv.Itoa(c.TickerIntervalSeconds))

	if len(c.NamespaceOverride) > 0 {
		addSection("Namespace Overrides")
		for ns, ov := range c.NamespaceOverride {
			addField(ns, fmt.Sprintf("read=%s write=%s", ov.ReadConsistencyLevel, ov.WriteCommitLevel))
		}
	}

	return sb.String()
}
