package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// AddFlags registers every spec.md §6 option as a persistent flag on cmd,
// one PersistentFlags() call per option, grouped by concern.
func AddFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()

	f.String("endpoint", "0.0.0.0:3000", "address the reactor's listener binds")
	f.String("node-id", "", "this node's identifier, reported by the ticker")
	f.String("log-level", "info", "log level (critical, warning, info, debug, detail)")

	f.Int("service-threads", 4, "reactor worker count")
	f.Int64("proto-fd-max", 15000, "open connection cap (0 disables backpressure)")
	f.Int64("proto-fd-idle-ms", 60000, "idle connection reap threshold, milliseconds")

	f.Int("transaction-queues", 4, "service pool queue count")
	f.Int("transaction-threads-per-queue", 4, "service pool threads per queue")
	f.Int64("transaction-max-ms", 1000, "default transaction timeout, milliseconds")
	f.Bool("allow-inline-transactions", false, "permit inline processing for fully in-memory namespaces")

	f.Int("batch-index-threads", 4, "response worker count")
	f.Int("batch-max-buffers-per-queue", 255, "soft backpressure threshold on a response worker's queue")
	f.Int("batch-max-unused-buffers", 256, "response buffer pool cap")
	f.Int("batch-max-requests", 5000, "max rows accepted in one batch request")

	f.Bool("respond-client-on-master-completion", false, "enable the UDF fast-respond optimization")
	f.Bool("write-duplicate-resolution-disable", false, "skip the duplicate-resolution phase before a UDF master-apply")

	f.Int("ticker-interval", 10, "seconds between ticker snapshot frames")
	f.StringSlice("namespace", nil, "namespace this node serves (repeatable)")
	f.StringSlice("namespace-override", nil, "per-namespace policy override, ns:read=X,write=Y (repeatable)")
}

// Load resolves AddFlags' bound viper keys into a Config, parsing each
// occurrence of the repeatable namespace-override flag as one override.
func Load(cmd *cobra.Command) (*Config, error) {
	if err := viper.BindPFlags(cmd.PersistentFlags()); err != nil {
		return nil, err
	}

	cfg := &Config{
		Endpoint: viper.GetString("endpoint"),
		NodeID:   viper.GetString("node-id"),
		LogLevel: viper.GetString("log-level"),

		ServiceThreads: viper.GetInt("service-threads"),
		ProtoFDMax:     viper.GetInt64("proto-fd-max"),
		ProtoFDIdleMS:  viper.GetInt64("proto-fd-idle-ms"),

		TransactionQueues:          viper.GetInt("transaction-queues"),
		TransactionThreadsPerQueue: viper.GetInt("transaction-threads-per-queue"),
		TransactionMaxMS:           viper.GetInt64("transaction-max-ms"),
		AllowInlineTransactions:    viper.GetBool("allow-inline-transactions"),

		BatchIndexThreads:       viper.GetInt("batch-index-threads"),
		BatchMaxBuffersPerQueue: viper.GetInt("batch-max-buffers-per-queue"),
		BatchMaxUnusedBuffers:   viper.GetInt("batch-max-unused-buffers"),
		BatchMaxRequests:        viper.GetInt("batch-max-requests"),

		RespondClientOnMasterCompletion: viper.GetBool("respond-client-on-master-completion"),
		WriteDuplicateResolutionDisable: viper.GetBool("write-duplicate-resolution-disable"),

		TickerIntervalSeconds: viper.GetInt("ticker-interval"),
		Namespaces:            viper.GetStringSlice("namespace"),
		NamespaceOverride:     make(map[string]NamespaceOverride),
	}

	for _, raw := range viper.GetStringSlice("namespace-override") {
		ns, ov, err := ParseNamespaceOverride(raw)
		if err != nil {
			return nil, err
		}
		cfg.NamespaceOverride[ns] = ov
	}

	return cfg, nil
}

// InitEnv wires .env loading and the TXCORE_<FLAG> environment-variable
// convention.
func InitEnv() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("txcore")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// ParseLogLevel is a small indirection so cmd/ doesn't need to import
// lib/fault directly just to validate a flag value before Load returns.
func ParseLogLevel(s string) error {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "warning", "warn", "info", "debug", "detail":
		return nil
	default:
		return fmt.Errorf("invalid log level: %s", s)
	}
}
