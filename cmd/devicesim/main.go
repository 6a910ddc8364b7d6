// Package main provides the devicesim CLI: the device fleet simulator
// service and catalog inspection.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/arloliu/devicesim/agent"
	"github.com/arloliu/devicesim/cluster"
	"github.com/arloliu/devicesim/devicemodels"
	"github.com/arloliu/devicesim/internal/logging"
	"github.com/arloliu/devicesim/internal/telemetry"
	"github.com/arloliu/devicesim/internal/workers"
	"github.com/arloliu/devicesim/model"
	"github.com/arloliu/devicesim/registry"
	"github.com/arloliu/devicesim/runner"
	"github.com/arloliu/devicesim/server"
	"github.com/arloliu/devicesim/simulations"
	"github.com/arloliu/devicesim/storage"
	"github.com/arloliu/devicesim/storage/natskv"
	"github.com/arloliu/devicesim/storage/postgres"
	"github.com/arloliu/devicesim/transport"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	mode := os.Args[1]
	switch mode {
	case "run":
		runService(os.Args[2:])
	case "models":
		listModels(os.Args[2:])
	case "tail":
		tailTelemetry(os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
	default:
		_, _ = fmt.Fprintf(os.Stderr, "Unknown mode: %s\n", mode)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`devicesim - IoT device fleet simulator

Usage:
  devicesim <mode> [flags]

Modes:
  run      Run the simulator agent and status server
  models   List the device models of the catalog
  tail     Print the telemetry devices publish to NATS

Run Flags:
  --config       YAML or JSON config file (default: environment only)
  --mode         single or cluster (overrides agent.mode)
  --node-id      Cluster node id (overrides cluster.nodeId)
  --status-addr  Status server address, empty to disable

Models Flags:
  --config       Config file, used to reach custom models in storage

Tail Flags:
  --config       Config file, used for the NATS URL and stream
  --device       Only show one device id (default: all)

Environment Variables:
  DEVICESIM_MODE            single or cluster
  DEVICESIM_NODE_ID         Cluster node id
  DEVICESIM_STORAGE         memory, nats or postgres
  DEVICESIM_DATABASE_URL    Postgres connection string
  DEVICESIM_REGISTRY        memory or http
  DEVICESIM_REGISTRY_URL    Device registry REST root
  DEVICESIM_TRANSPORT       memory or nats
  NATS_URL                  NATS server URL
  DEVICESIM_LOG_LEVEL       Log level
  OTEL_EXPORTER_OTLP_*      OpenTelemetry exporter settings

Examples:
  devicesim run --config devicesim.yaml
  DEVICESIM_STORAGE=nats devicesim run --mode cluster --node-id node-1
  devicesim models
  devicesim tail --device truck-01.0`)
}

func runService(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file")
	mode := fs.String("mode", "", "single or cluster")
	nodeID := fs.String("node-id", "", "Cluster node id")
	statusAddr := fs.String("status-addr", "-", "Status server address")

	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Agent.Mode = agent.Mode(*mode)
	}
	if *nodeID != "" {
		cfg.Cluster.NodeID = *nodeID
	}
	if *statusAddr != "-" {
		cfg.Status.Addr = *statusAddr
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := serve(ctx, cfg); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func listModels(args []string) {
	fs := flag.NewFlagSet("models", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file")

	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := printModels(ctx, cfg); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func tailTelemetry(args []string) {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file")
	deviceID := fs.String("device", "", "Device id")

	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := tail(ctx, cfg, *deviceID); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func tail(ctx context.Context, cfg *Config, deviceID string) error {
	nc, err := nats.Connect(cfg.NATS.URL, nats.Name(cfg.NATS.Name+"-tail"), nats.Timeout(cfg.NATS.Timeout))
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer func() { _ = nc.Drain() }()
	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("jetstream: %w", err)
	}

	filter := cfg.Transport.SubjectPrefix + ".>"
	if deviceID != "" {
		filter = transport.DeviceFilter(cfg.Transport.SubjectPrefix, deviceID)
	}
	fmt.Printf("Tailing %s on stream %s\n", filter, cfg.Transport.Stream)

	return transport.Tail(ctx, js, cfg.Transport.Stream, filter, func(_ context.Context, t transport.Telemetry) {
		fmt.Printf("%s %s %s %s\n", t.Created.Format(time.RFC3339Nano), t.DeviceID, t.Schema, t.Payload)
	})
}

func loadConfig(path string) (*Config, error) {
	if path == "" {
		return ParseConfig([]byte("{}"))
	}

	return LoadConfig(path)
}

func printModels(ctx context.Context, cfg *Config) error {
	d, err := connect(ctx, cfg, zerolog.Nop())
	if err != nil {
		return err
	}
	defer d.close()

	models, err := d.catalog.List(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tPROTOCOL\tMESSAGES\tNAME")
	for _, m := range models {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", m.ID, m.Protocol, len(m.Telemetry), m.Name)
	}

	return w.Flush()
}

// deps are the long-lived connections of the process.
type deps struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	store   storage.Engine
	catalog *devicemodels.Catalog
}

func (d *deps) close() {
	if d.store != nil {
		_ = d.store.Close()
	}
	if d.nc != nil {
		_ = d.nc.Drain()
	}
}

// connect opens NATS when a component needs it, the storage engine and the
// model catalog.
func connect(ctx context.Context, cfg *Config, logger zerolog.Logger) (*deps, error) {
	d := &deps{}
	if cfg.needsNATS() {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name(cfg.NATS.Name), nats.Timeout(cfg.NATS.Timeout))
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		d.nc = nc
		js, err := jetstream.New(nc)
		if err != nil {
			d.close()
			return nil, fmt.Errorf("jetstream: %w", err)
		}
		d.js = js
	}

	switch cfg.Storage.Type {
	case "nats":
		d.store = natskv.New(d.js, natskv.WithBucketPrefix(cfg.Storage.BucketPrefix), natskv.WithReplicas(cfg.Storage.Replicas))
	case "postgres":
		pg, err := postgres.Open(ctx, cfg.Storage.DSN)
		if err != nil {
			d.close()
			return nil, err
		}
		d.store = pg
	default:
		d.store = storage.NewMemory()
	}

	catalog, err := devicemodels.New(d.store, logger)
	if err != nil {
		d.close()
		return nil, err
	}
	d.catalog = catalog

	return d, nil
}

// devices builds the registry and the device client factory.
func devices(ctx context.Context, cfg *Config, d *deps) (registry.Registry, registry.ClientFactory, error) {
	var reg registry.Registry
	switch cfg.Registry.Type {
	case "http":
		h, err := registry.NewHTTP(registry.HTTPConfig{
			BaseURL:  cfg.Registry.URL,
			Token:    cfg.Registry.Token,
			Secret:   cfg.Registry.Secret,
			HostName: cfg.Registry.HostName,
			Timeout:  cfg.Registry.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		reg = h
	default:
		hub := registry.NewMemory(cfg.Registry.Secret, cfg.Registry.HostName)
		if cfg.Transport.Type != "nats" {
			return hub, hub, nil
		}
		reg = hub
	}

	prefix := cfg.Transport.SubjectPrefix
	_, err := d.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Transport.Stream,
		Subjects: []string{prefix + ".>"},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry stream: %w", err)
	}
	pub := transport.NewPublisher(d.js)

	return reg, transport.NewFactory(pub, reg, d.store, d.nc, transport.WithSubjectPrefix(prefix)), nil
}

// seed stores the configured simulation when none exists yet.
func seed(ctx context.Context, sims *simulations.Service, s SeedConfig, logger zerolog.Logger) error {
	if len(s.Models) == 0 {
		return nil
	}
	_, err := sims.Get(ctx, model.SimulationID)
	if !errors.Is(err, model.ErrNotFound) {
		return err
	}
	_, err = sims.Insert(ctx, s.seed())
	if errors.Is(err, model.ErrConflict) {
		return nil
	}
	if err == nil {
		logger.Info().Interface("models", s.Models).Msg("seeded simulation")
	}

	return err
}

func serve(ctx context.Context, cfg *Config) error {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}

	providers, err := telemetry.New(ctx, &cfg.Telemetry)
	switch {
	case errors.Is(err, telemetry.ErrDisabled):
	case err != nil:
		return err
	default:
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := providers.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("telemetry shutdown")
			}
		}()
	}

	d, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()

	sims := simulations.New(d.store, d.catalog, logger)
	if err := seed(ctx, sims, cfg.Simulation, logger); err != nil {
		return fmt.Errorf("seed simulation: %w", err)
	}

	reg, clients, err := devices(ctx, cfg, d)
	if err != nil {
		return err
	}

	var backends agent.Backends
	switch cfg.Agent.Mode {
	case agent.ModeCluster:
		nodes := cluster.NewNodes(d.store, cfg.Cluster, logger)
		// Every component must agree on the node id.
		cfg.Cluster.NodeID = nodes.ID()
		parts := cluster.NewPartitions(d.store, sims, cfg.Cluster, logger)
		tables := workers.NewTables()
		backends.Cluster = &agent.Cluster{
			Nodes:      nodes,
			Partitions: parts,
			Manager: cluster.NewSimulationManager(cfg.Cluster, cluster.ManagerDeps{
				Partitions:  parts,
				Nodes:       nodes,
				Tables:      tables,
				Models:      d.catalog,
				Registry:    reg,
				Clients:     clients,
				Store:       d.store,
				Logger:      logger,
				TwinTagging: cfg.Runner.TwinTagging,
				StepTimeout: cfg.Runner.StepTimeout,
			}),
			Tables: tables,
			Loops:  cfg.Runner.Loops,
		}
	default:
		backends.Runner = runner.New(cfg.Runner, d.catalog, reg, clients, d.store, logger)
	}

	a, err := agent.New(cfg.Agent, sims, backends, logger)
	if err != nil {
		return err
	}

	if providers != nil && providers.Meter != nil {
		gauges, err := a.RegisterGauges(providers.Meter.Meter(telemetry.ScopeName))
		if err != nil {
			return err
		}
		defer func() { _ = gauges.Unregister() }()
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	if cfg.Status.Addr != "" {
		srv := server.New(cfg.Status, a, logger)
		wg.Go(func() {
			if err := srv.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("status server")
			}
		})
	}

	return a.Run(ctx)
}
