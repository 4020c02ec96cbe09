package serve

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/asnode/txcore/internal/config"
	"github.com/asnode/txcore/lib/batch"
	"github.com/asnode/txcore/lib/fault"
	"github.com/asnode/txcore/lib/handle"
	"github.com/asnode/txcore/lib/metrics"
	"github.com/asnode/txcore/lib/reactor"
	"github.com/asnode/txcore/lib/reqhash"
	"github.com/asnode/txcore/lib/storage"
	"github.com/asnode/txcore/lib/ticker"
	"github.com/asnode/txcore/lib/udf"
)

var log = fault.Get("serve")

// logContexts lists every lib/fault.Get context this module's packages
// register, so processConfig can apply --log-level across all of them
// (lib/fault.Registry.SetThreshold only affects the one context it's given).
var logContexts = []string{"serve", "reactor", "handle", "reqhash", "batch", "udf", "txn", "ticker"}

var (
	serveCmdConfig *config.Config
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the txcore server",
		Long:    `Start the txcore connection reactor and transaction-processing core. The configuration can be set via command line flags or environment variables. The format of the environment variables is TXCORE_<FLAG> (e.g. TXCORE_LOG_LEVEL=debug)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cobra.OnInitialize(config.InitEnv)
	config.AddFlags(ServeCmd)
}

// processConfig resolves the bound flags/environment into serveCmdConfig.
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := config.ParseLogLevel(cmd.Flag("log-level").Value.String()); err != nil {
		return err
	}

	cfg, err := config.Load(cmd)
	if err != nil {
		return err
	}
	serveCmdConfig = cfg
	return nil
}

// run wires every collaborator package into a running server and blocks
// until SIGINT/SIGTERM or the listener errors.
func run(_ *cobra.Command, _ []string) error {
	cfg := serveCmdConfig

	sev, err := fault.ParseSeverity(cfg.LogLevel)
	if err != nil {
		return err
	}
	for _, ctx := range logContexts {
		fault.Default().SetThreshold(ctx, sev)
	}

	log.Infof("starting txcore%s", cfg.String())

	listener, err := net.Listen("tcp", cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Endpoint, err)
	}
	listener = reactor.WrapTCPListener(listener, reactor.TCPTuning{
		NoDelay:         true,
		KeepAlivePeriod: 30 * time.Second,
		LingerSeconds:   -1,
	})

	idleThreshold := time.Duration(cfg.ProtoFDIdleMS) * time.Millisecond
	handles := handle.NewRegistry(idleThreshold)
	go handles.Run()
	defer handles.Stop()

	reqHash := reqhash.New(cfg.ServiceThreads)
	go reqHash.Run(time.Second)
	defer reqHash.Stop()

	m := metrics.NewRegistry()

	// The namespace storage engine is out of scope (spec.md §1); MemEngine
	// is the in-process stand-in so the reactor/batch/udf pipelines have a
	// concrete storage.Engine to drive against.
	store := storage.NewMemEngine()

	batchEngine := batch.NewEngine(store, m, batch.Config{
		Workers:            cfg.BatchIndexThreads,
		BufferCapacity:     batch.DefaultBufferCapacity,
		MaxUnusedBuffers:   cfg.BatchMaxUnusedBuffers,
		MaxBuffersPerQueue: int32(cfg.BatchMaxBuffersPerQueue),
		MaxRequests:        cfg.BatchMaxRequests,
	})

	requestTimeout := time.Duration(cfg.TransactionMaxMS) * time.Millisecond

	// Script, duplicate-resolution, and replica-write collaborators are all
	// out of scope (spec.md §1: UDF language runtime, replica placement).
	// DefaultDispatcher responds txn.Unknown to UDF requests when any of
	// these are nil rather than panicking.
	dispatcher := reactor.NewDefaultDispatcher(reactor.DefaultDispatcherConfig{
		Storage:        store,
		Batch:          batchEngine,
		Metrics:        m,
		UDF:            udf.Config{DisableDupRes: cfg.WriteDuplicateResolutionDisable, RespondOnMasterComplete: cfg.RespondClientOnMasterCompletion},
		ReqHash:        reqHash,
		RequestTimeout: requestTimeout,
	})

	r := reactor.NewReactor(listener, handles, m, dispatcher, reactor.Config{
		Workers:            cfg.ServiceThreads,
		MaxOpenConnections: cfg.ProtoFDMax,
		IdleThreshold:      idleThreshold,
	})

	tk := ticker.New(ticker.Config{
		NodeID:      cfg.NodeID,
		ClusterSize: 1, // cluster membership is out of scope (spec.md §1)
		Interval:    time.Duration(cfg.TickerIntervalSeconds) * time.Second,
		Namespaces:  cfg.Namespaces,
		Workers:     cfg.ServiceThreads,
	}, handles, reqHash, m, r, nil)
	go tk.Run()
	defer tk.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		tk.Shutdown()
	}()

	return r.Serve(ctx)
}
