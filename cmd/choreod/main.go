// Command choreod runs a choreo engine node configured from YAML.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	clientv3 "go.etcd.io/etcd/client/v3"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	audithook "github.com/xraph/choreo/audit_hook"
	"github.com/xraph/choreo/cluster"
	"github.com/xraph/choreo/cluster/etcd"
	"github.com/xraph/choreo/cluster/k8s"
	clusterredis "github.com/xraph/choreo/cluster/redis"
	"github.com/xraph/choreo/config"
	"github.com/xraph/choreo/engine"
	"github.com/xraph/choreo/id"
	mw "github.com/xraph/choreo/middleware"
	"github.com/xraph/choreo/observability"
	"github.com/xraph/choreo/scheduler"
	"github.com/xraph/choreo/store"
	"github.com/xraph/choreo/store/badger"
	"github.com/xraph/choreo/store/memory"
	"github.com/xraph/choreo/store/postgres"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("choreod exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nodeID := id.NewNodeID()
	if cfg.Node.ID != "" {
		parsed, err := id.ParseNodeID(cfg.Node.ID)
		if err != nil {
			return fmt.Errorf("node.id: %w", err)
		}
		nodeID = parsed
	}
	boot := uuid.NewString()
	logger = logger.With(slog.String("node_id", nodeID.String()))
	logger.Info("Starting choreod",
		slog.String("boot_id", boot),
		slog.String("store", cfg.Store.Type),
		slog.String("cluster", cfg.Cluster.Type),
		slog.Int("processes", len(cfg.Processes)),
	)

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("store close failed", "error", err)
		}
	}()

	schedOpts := []scheduler.Option{scheduler.WithNodeID(nodeID)}
	if cfg.Node.Hostname != "" {
		schedOpts = append(schedOpts, scheduler.WithHostname(cfg.Node.Hostname))
	}
	clusterOpts, cleanup, err := clusterOptions(cfg, st, nodeID, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	schedOpts = append(schedOpts, clusterOpts...)

	engOpts := []engine.Option{
		engine.WithConfig(cfg.Choreo()),
		engine.WithLogger(logger),
		engine.WithMaintenance(cfg.Cron()),
		engine.WithQueueConfig(cfg.QueueConfigs()...),
		engine.WithSchedulerOptions(schedOpts...),
		engine.WithMiddleware(jobMiddleware(cfg)...),
		engine.WithBreaker(cfg.Engine.Breaker.MaxFailures, cfg.Engine.Breaker.OpenTimeout),
		engine.WithBreakerStateChange(func(endpoint string, from, to gobreaker.State) {
			logger.Warn("partner breaker state changed",
				slog.String("endpoint", endpoint),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		}),
	}

	if cfg.Audit.Enabled {
		auditLog := logger.WithGroup("audit")
		aopts := []audithook.Option{audithook.WithLogger(logger)}
		if len(cfg.Audit.Actions) > 0 {
			aopts = append(aopts, audithook.WithActions(cfg.Audit.Actions...))
		}
		engOpts = append(engOpts, engine.WithExtension(
			audithook.New(audithook.LogRecorder{Logger: auditLog}, aopts...),
		))
	}

	if cfg.Metrics.Enabled {
		providers, err := observability.InitProvider(ctx, observability.ProviderConfig{
			Endpoint:        cfg.Metrics.Endpoint,
			ServiceName:     cfg.Metrics.ServiceName,
			InstanceID:      nodeID.String(),
			Traces:          cfg.Metrics.TracesEnabled,
			TraceSampleRate: cfg.Metrics.TraceSampleRate,
		})
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := providers.Shutdown(sctx); err != nil {
				logger.Error("telemetry shutdown failed", "error", err)
			}
		}()
		engOpts = append(engOpts, engine.WithMeterProvider(providers.Meter))
		if providers.Tracer != nil {
			engOpts = append(engOpts, engine.WithTracerProvider(providers.Tracer))
		}
	}

	eng, err := engine.New(st, newJournal(cfg.Processes, logger), engOpts...)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down choreod")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownTimeout)
		defer cancel()
		return eng.Stop(sctx)
	})
	return g.Wait()
}

// jobMiddleware returns the configured middleware appended to the
// engine's default stack.
func jobMiddleware(cfg *config.Config) []mw.Middleware {
	d, perType := cfg.JobTimeouts()
	if d <= 0 && len(perType) == 0 {
		return nil
	}
	return []mw.Middleware{mw.Timeout(d, perType)}
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store.Type {
	case config.StoreBadger:
		s, err := badger.Open(badger.Config{
			Dir:        cfg.Store.Badger.Dir,
			SyncWrites: cfg.Store.Badger.SyncWrites,
			GCInterval: cfg.Store.Badger.GCInterval,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("Using BadgerDB store", slog.String("dir", cfg.Store.Badger.Dir))
		return s, nil

	case config.StorePostgres:
		s, err := postgres.New(ctx, cfg.Store.Postgres.DSN, postgres.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		if cfg.Store.Postgres.Migrate {
			if err := s.Migrate(ctx); err != nil {
				_ = s.Close()
				return nil, err
			}
		}
		logger.Info("Using PostgreSQL store")
		return s, nil

	default:
		logger.Info("Using in-memory store")
		return memory.New(), nil
	}
}

// clusterOptions builds the coordinator and node registry options. The
// returned cleanup closes any client opened here.
func clusterOptions(cfg *config.Config, st store.Store, nodeID id.NodeID, logger *slog.Logger) ([]scheduler.Option, func(), error) {
	noop := func() {}
	c := cfg.Cluster
	lease := func(cs cluster.Store) scheduler.Option {
		return scheduler.WithCoordinator(cluster.NewLeaseCoordinator(cs, nodeID,
			cluster.WithLeaseTTL(c.LeaseTTL),
			cluster.WithLeaseLogger(logger),
		))
	}

	switch c.Type {
	case config.ClusterLease:
		return []scheduler.Option{lease(st)}, noop, nil

	case config.ClusterEtcd:
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   c.Etcd.Endpoints,
			DialTimeout: c.Etcd.DialTimeout,
		})
		if err != nil {
			return nil, noop, fmt.Errorf("etcd client: %w", err)
		}
		coord := etcd.New(client, nodeID,
			etcd.WithPrefix(c.Etcd.Prefix),
			etcd.WithSessionTTL(c.Etcd.SessionTTL),
			etcd.WithLogger(logger),
		)
		return []scheduler.Option{scheduler.WithCoordinator(coord)}, func() { _ = client.Close() }, nil

	case config.ClusterKubernetes:
		restCfg, err := kubeConfig(c.Kubernetes.Kubeconfig)
		if err != nil {
			return nil, noop, err
		}
		client, err := kubernetes.NewForConfig(restCfg)
		if err != nil {
			return nil, noop, fmt.Errorf("kubernetes client: %w", err)
		}
		kopts := []k8s.Option{k8s.WithLogger(logger)}
		if c.Kubernetes.LeaseName != "" {
			kopts = append(kopts, k8s.WithLeaseName(c.Kubernetes.LeaseName))
		}
		if c.Kubernetes.LabelSelector != "" {
			kopts = append(kopts, k8s.WithLabelSelector(c.Kubernetes.LabelSelector))
		}
		provider := k8s.New(client, c.Kubernetes.Namespace, kopts...)
		return []scheduler.Option{scheduler.WithClusterStore(provider), lease(provider)}, noop, nil

	case config.ClusterRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		registry := clusterredis.New(client,
			clusterredis.WithPrefix(c.Redis.Prefix),
			clusterredis.WithLogger(logger),
		)
		return []scheduler.Option{scheduler.WithClusterStore(registry), lease(registry)}, func() { _ = client.Close() }, nil

	default:
		return []scheduler.Option{scheduler.WithCoordinator(cluster.Static(true))}, noop, nil
	}
}

func kubeConfig(path string) (*rest.Config, error) {
	if path == "" {
		cfg, err := rest.InClusterConfig()
		if err != nil {
			if errors.Is(err, rest.ErrNotInCluster) {
				return nil, errors.New("kubernetes: not running in a cluster and no kubeconfig set")
			}
			return nil, fmt.Errorf("kubernetes in-cluster config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := clientcmd.BuildConfigFromFlags("", path)
	if err != nil {
		return nil, fmt.Errorf("kubernetes kubeconfig %s: %w", path, err)
	}
	return cfg, nil
}
