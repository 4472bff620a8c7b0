// Command descartesd is the Descartes daemon: it wires the process
// supervisor, sub-agent proxy, transcript store, file lease manager, task
// DAG, and RPC control plane together and serves the control socket.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/descartes-run/descartes"
	"github.com/descartes-run/descartes/dag"
	"github.com/descartes-run/descartes/dag/pgstore"
	"github.com/descartes-run/descartes/dag/sqlitestore"
	"github.com/descartes-run/descartes/internal/config"
	"github.com/descartes-run/descartes/lease"
	"github.com/descartes-run/descartes/logging"
	"github.com/descartes-run/descartes/observer"
	"github.com/descartes-run/descartes/proxy"
	"github.com/descartes-run/descartes/rpc"
	"github.com/descartes-run/descartes/supervisor"
	"github.com/descartes-run/descartes/transcript"
)

func main() {
	// 1. Load config: defaults -> TOML file -> env.
	cfg := config.Load(os.Getenv("DESCARTES_CONFIG"))

	logger := logging.Default()

	// 2. Observer (opt-in via config or DESCARTES_OTLP_ENDPOINT).
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(context.Background())
		if err != nil {
			log.Fatalf("observer init failed: %v", err)
		}
		defer shutdown(context.Background())
		logger.Info("observer: OTEL observability enabled", "endpoint", cfg.Observer.OTLPEndpoint)
	} else {
		// Uninstrumented decorators still need an Instruments value; the
		// global OTEL providers default to no-ops when Init was never
		// called, so these record into the void rather than panic.
		var err error
		inst, _, err = observer.Init(context.Background())
		if err != nil {
			log.Fatalf("observer: building no-op instruments failed: %v", err)
		}
	}

	// 3. Process Supervisor.
	sup := supervisor.New(cfg.Supervisor.MaxConcurrent,
		supervisor.WithLogger(logger),
		supervisor.WithLineBufferCap(cfg.Supervisor.LineBufferCap))

	// 4. Harness: a subprocess-backed harness, the daemon's only
	// supported harness kind today.
	command := os.Getenv("DESCARTES_HARNESS_CMD")
	if command == "" {
		command = "claude"
	}
	harness := newSubprocessHarness(command, []string{"--print", "--output-format", "stream-json"}, sup, logger)

	// 5. Transcript Store.
	transcripts := transcript.New(cfg.Transcript.Root, transcript.WithLogger(logger))

	// 6. Category registry, seeded with any TOML overrides.
	categories := descartes.NewCategoryRegistry()
	for name, c := range cfg.Categories {
		categories.Register(descartes.ParseCategory(name), descartes.CategoryDefaults{Model: c.Model, Tools: c.Tools})
	}

	// 7. Sub-agent Proxy, instrumented.
	p := proxy.New(harness, transcripts, categories, proxy.WithLogger(logger))
	observedProxy := observer.WrapProxy(p, inst)

	// 8. File Lease Manager, backed by SQLite for restart recovery.
	leaseStore, err := lease.NewSQLiteStore(cfg.Lease.DBPath)
	if err != nil {
		log.Fatalf("lease store: %v", err)
	}
	leaseMgr := lease.New(lease.WithLogger(logger), lease.WithStore(leaseStore))
	observedLease := observer.WrapLeaseManager(leaseMgr, inst)

	// 9. Task DAG & Wave Scheduler, backend chosen by config.
	graph := buildGraph(context.Background(), cfg)
	observedGraph := observer.WrapGraph(graph, inst)

	// 10. RPC Control Plane.
	backend := newDaemonBackend(observedProxy, sup, graph, observedGraph, observedLease, withBackendLogger(logger))
	observedBackend := observer.WrapBackend(backend, inst)
	server := rpc.New(rpc.WithLogger(logger), rpc.WithRequestTimeout(rpc.DefaultRequestTimeout))
	rpc.RegisterBackend(server, observedBackend)

	sockPath, err := rpc.SocketPath()
	if err != nil {
		log.Fatalf("rpc socket path: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("descartesd: shutting down")
		cancel()
	}()

	logger.Info("descartesd: listening", "socket", sockPath)
	if err := server.Serve(ctx, sockPath); err != nil {
		log.Fatalf("rpc serve: %v", err)
	}
}

func buildGraph(ctx context.Context, cfg config.Config) *dag.Graph {
	switch cfg.DAG.Driver {
	case "postgres":
		store, err := pgstore.New(ctx, cfg.DAG.PostgresDSN)
		if err != nil {
			log.Fatalf("dag postgres store: %v", err)
		}
		g, err := dag.New(dag.WithStorage(store))
		if err != nil {
			log.Fatalf("dag graph: %v", err)
		}
		return g
	default:
		store, err := sqlitestore.New(cfg.DAG.DBPath)
		if err != nil {
			log.Fatalf("dag sqlite store: %v", err)
		}
		g, err := dag.New(dag.WithStorage(store))
		if err != nil {
			log.Fatalf("dag graph: %v", err)
		}
		return g
	}
}
