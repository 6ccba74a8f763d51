// Package config loads the daemon configuration from YAML.
//
// Load starts from Default and overlays the file, so a file only needs the
// settings it changes:
//
//	store:
//	  type: postgres
//	  postgres:
//	    dsn: postgres://choreo:secret@db:5432/choreo
//	scheduler:
//	  job_timeout: 5m
//	  job_timeouts:
//	    INVOKE_INTERNAL: 30s
//	cluster:
//	  type: lease
//	  lease_ttl: 15s
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xraph/choreo"
	audithook "github.com/xraph/choreo/audit_hook"
	"github.com/xraph/choreo/correlation"
	"github.com/xraph/choreo/cron"
	"github.com/xraph/choreo/job"
	"github.com/xraph/choreo/queue"
)

// Store kinds.
const (
	StoreMemory   = "memory"
	StoreBadger   = "badger"
	StorePostgres = "postgres"
)

// Cluster kinds.
const (
	ClusterStatic     = "static"
	ClusterLease      = "lease"
	ClusterEtcd       = "etcd"
	ClusterKubernetes = "kubernetes"
	ClusterRedis      = "redis"
)

// Config holds all configuration for the daemon.
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Log         LogConfig         `yaml:"log"`
	Store       StoreConfig       `yaml:"store"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Engine      EngineConfig      `yaml:"engine"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Audit       AuditConfig       `yaml:"audit"`
	Queues      []QueueConfig     `yaml:"queues"`
	Processes   []ProcessConfig   `yaml:"processes"`
}

// NodeConfig identifies this engine node.
type NodeConfig struct {
	// ID is a node id ("node_..."). Empty generates one at startup.
	ID       string `yaml:"id"`
	Hostname string `yaml:"hostname"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Type     string         `yaml:"type"`
	Badger   BadgerConfig   `yaml:"badger"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// BadgerConfig configures the embedded store.
type BadgerConfig struct {
	Dir        string        `yaml:"dir"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval"`
}

// PostgresConfig configures the PostgreSQL store.
type PostgresConfig struct {
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate"`
}

// SchedulerConfig mirrors the scheduling fields of choreo.Config.
type SchedulerConfig struct {
	Concurrency         int           `yaml:"concurrency"`
	VolatileConcurrency int           `yaml:"volatile_concurrency"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	ClaimBatch          int           `yaml:"claim_batch"`
	LeaseDuration       time.Duration `yaml:"lease_duration"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	NodeTTL             time.Duration `yaml:"node_ttl"`
	RecoveryInterval    time.Duration `yaml:"recovery_interval"`
	MaxRetries          int           `yaml:"max_retries"`
	TransactionTimeout  time.Duration `yaml:"transaction_timeout"`
	LockTimeout         time.Duration `yaml:"lock_timeout"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
	// JobTimeout bounds the processing of one job. Zero means unbounded.
	JobTimeout time.Duration `yaml:"job_timeout"`
	// JobTimeouts overrides JobTimeout per job type; zero disables the
	// bound for that type.
	JobTimeouts map[string]time.Duration `yaml:"job_timeouts"`
}

// EngineConfig holds exchange and partner settings.
type EngineConfig struct {
	InactiveProcessDelay time.Duration `yaml:"inactive_process_delay"`
	MexTimeout           time.Duration `yaml:"mex_timeout"`
	Breaker              BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the per-endpoint circuit breakers.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// ClusterConfig selects how nodes elect the coordinator.
type ClusterConfig struct {
	Type       string           `yaml:"type"`
	LeaseTTL   time.Duration    `yaml:"lease_ttl"`
	Etcd       EtcdConfig       `yaml:"etcd"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	Redis      RedisConfig      `yaml:"redis"`
}

// EtcdConfig configures the etcd election.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	SessionTTL  int           `yaml:"session_ttl"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// KubernetesConfig configures the Lease based provider.
type KubernetesConfig struct {
	Namespace     string `yaml:"namespace"`
	LeaseName     string `yaml:"lease_name"`
	LabelSelector string `yaml:"label_selector"`
	// Kubeconfig is used outside the cluster. Empty means in-cluster.
	Kubeconfig string `yaml:"kubeconfig"`
}

// RedisConfig configures the Redis node registry.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// MaintenanceConfig holds the cron schedules of maintenance tasks. An
// empty schedule disables that task.
type MaintenanceConfig struct {
	DLQPurge          string        `yaml:"dlq_purge"`
	DLQRetention      time.Duration `yaml:"dlq_retention"`
	ExchangePurge     string        `yaml:"exchange_purge"`
	ExchangeRetention time.Duration `yaml:"exchange_retention"`
	NodeSweep         string        `yaml:"node_sweep"`
}

// MetricsConfig configures OpenTelemetry export over OTLP/gRPC.
type MetricsConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Endpoint        string  `yaml:"endpoint"`
	ServiceName     string  `yaml:"service_name"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"`
}

// AuditConfig enables the audit log of lifecycle events.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
	// Actions restricts the audited actions. Empty audits everything.
	Actions []string `yaml:"actions"`
}

// QueueConfig limits one job type.
type QueueConfig struct {
	Type           string  `yaml:"type"`
	MaxConcurrency int     `yaml:"max_concurrency"`
	RateLimit      float64 `yaml:"rate_limit"`
	RateBurst      int     `yaml:"rate_burst"`
}

// ProcessConfig declares a deployed process for the daemon's journal
// executor.
type ProcessConfig struct {
	Name       string `yaml:"name"`
	Service    string `yaml:"service"`
	Correlator string `yaml:"correlator"`
	// CorrelationParts are the request parts whose values form the
	// correlation keys, one key per part.
	CorrelationParts []string          `yaml:"correlation_parts"`
	Inactive         bool              `yaml:"inactive"`
	Operations       []OperationConfig `yaml:"operations"`
}

// OperationConfig declares one operation of a process's service.
type OperationConfig struct {
	Name           string `yaml:"name"`
	OneWay         bool   `yaml:"one_way"`
	CreateInstance bool   `yaml:"create_instance"`
}

// Default returns a configuration for a single node on the memory store.
func Default() *Config {
	core := choreo.DefaultConfig()
	maint := cron.DefaultConfig()
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Store: StoreConfig{
			Type: StoreMemory,
			Badger: BadgerConfig{
				Dir:        "/var/lib/choreo",
				GCInterval: 10 * time.Minute,
			},
			Postgres: PostgresConfig{Migrate: true},
		},
		Scheduler: SchedulerConfig{
			Concurrency:         core.Concurrency,
			VolatileConcurrency: core.VolatileConcurrency,
			PollInterval:        core.PollInterval,
			ClaimBatch:          core.ClaimBatch,
			LeaseDuration:       core.LeaseDuration,
			HeartbeatInterval:   core.HeartbeatInterval,
			NodeTTL:             core.NodeTTL,
			RecoveryInterval:    core.RecoveryInterval,
			MaxRetries:          core.MaxRetries,
			TransactionTimeout:  core.TransactionTimeout,
			LockTimeout:         core.LockTimeout,
			ShutdownTimeout:     core.ShutdownTimeout,
		},
		Engine: EngineConfig{
			InactiveProcessDelay: core.InactiveProcessDelay,
			MexTimeout:           core.MexTimeout,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				OpenTimeout: 30 * time.Second,
			},
		},
		Cluster: ClusterConfig{
			Type:     ClusterStatic,
			LeaseTTL: 15 * time.Second,
			Etcd: EtcdConfig{
				Prefix:      "/choreo/coordinator",
				SessionTTL:  10,
				DialTimeout: 5 * time.Second,
			},
			Kubernetes: KubernetesConfig{
				Namespace: "default",
				LeaseName: "choreo-coordinator",
			},
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "choreo:",
			},
		},
		Maintenance: MaintenanceConfig{
			DLQPurge:          maint.DLQPurge,
			DLQRetention:      maint.DLQRetention,
			ExchangePurge:     maint.ExchangePurge,
			ExchangeRetention: maint.ExchangeRetention,
			NodeSweep:         maint.NodeSweep,
		},
		Metrics: MetricsConfig{
			Endpoint:        "localhost:4317",
			ServiceName:     "choreo",
			TraceSampleRate: 0.1,
		},
	}
}

// Load reads configuration from a YAML file. An empty filename or a
// missing file yields Default.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is consistent. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		fail("log.level must be one of: debug, info, warn, error")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		fail("log.format must be text or json")
	}

	switch c.Store.Type {
	case StoreMemory:
	case StoreBadger:
		if c.Store.Badger.Dir == "" {
			fail("store.badger.dir required for the badger store")
		}
	case StorePostgres:
		if c.Store.Postgres.DSN == "" {
			fail("store.postgres.dsn required for the postgres store")
		}
	default:
		fail("store.type must be one of: memory, badger, postgres")
	}

	s := c.Scheduler
	if s.Concurrency < 1 {
		fail("scheduler.concurrency must be at least 1")
	}
	if s.VolatileConcurrency < 1 {
		fail("scheduler.volatile_concurrency must be at least 1")
	}
	if s.ClaimBatch < 1 {
		fail("scheduler.claim_batch must be at least 1")
	}
	if s.PollInterval <= 0 {
		fail("scheduler.poll_interval must be positive")
	}
	if s.HeartbeatInterval <= 0 || s.HeartbeatInterval >= s.LeaseDuration {
		fail("scheduler.heartbeat_interval must be positive and below lease_duration")
	}
	if s.MaxRetries < 0 {
		fail("scheduler.max_retries cannot be negative")
	}
	if s.TransactionTimeout <= 0 {
		fail("scheduler.transaction_timeout must be positive")
	}
	if s.JobTimeout < 0 {
		fail("scheduler.job_timeout cannot be negative")
	}
	for typ, d := range s.JobTimeouts {
		if !job.Type(typ).Valid() {
			fail("scheduler.job_timeouts: %q is not a job type", typ)
		}
		if d < 0 {
			fail("scheduler.job_timeouts[%s] cannot be negative", typ)
		}
	}

	if c.Engine.MexTimeout <= 0 {
		fail("engine.mex_timeout must be positive")
	}
	if c.Engine.Breaker.MaxFailures > 0 && c.Engine.Breaker.OpenTimeout <= 0 {
		fail("engine.breaker.open_timeout must be positive when the breaker is enabled")
	}

	switch c.Cluster.Type {
	case ClusterStatic:
	case ClusterLease:
		if c.Store.Type == StoreMemory {
			fail("cluster.type lease needs a shared store, not memory")
		}
		if c.Cluster.LeaseTTL <= 0 {
			fail("cluster.lease_ttl must be positive")
		}
	case ClusterEtcd:
		if len(c.Cluster.Etcd.Endpoints) == 0 {
			fail("cluster.etcd.endpoints required for the etcd coordinator")
		}
		if c.Cluster.Etcd.SessionTTL < 1 {
			fail("cluster.etcd.session_ttl must be at least 1")
		}
	case ClusterKubernetes:
		if c.Cluster.Kubernetes.Namespace == "" {
			fail("cluster.kubernetes.namespace required")
		}
		if c.Cluster.LeaseTTL <= 0 {
			fail("cluster.lease_ttl must be positive")
		}
	case ClusterRedis:
		if c.Cluster.Redis.Addr == "" {
			fail("cluster.redis.addr required for the redis registry")
		}
		if c.Cluster.LeaseTTL <= 0 {
			fail("cluster.lease_ttl must be positive")
		}
	default:
		fail("cluster.type must be one of: static, lease, etcd, kubernetes, redis")
	}

	if c.Metrics.Enabled && c.Metrics.Endpoint == "" {
		fail("metrics.endpoint required when metrics are enabled")
	}
	if c.Metrics.TraceSampleRate < 0 || c.Metrics.TraceSampleRate > 1 {
		fail("metrics.trace_sample_rate must be between 0 and 1")
	}

	known := make(map[string]bool)
	for _, a := range audithook.AllActions() {
		known[a] = true
	}
	for _, a := range c.Audit.Actions {
		if !known[a] {
			fail("audit.actions: unknown action %q", a)
		}
	}

	for i, q := range c.Queues {
		if !job.Type(q.Type).Valid() {
			fail("queues[%d].type %q is not a job type", i, q.Type)
		}
		if q.MaxConcurrency < 0 || q.RateLimit < 0 || q.RateBurst < 0 {
			fail("queues[%d] limits cannot be negative", i)
		}
	}

	seen := make(map[string]bool)
	for i, p := range c.Processes {
		if p.Name == "" || p.Service == "" {
			fail("processes[%d] needs name and service", i)
		}
		for _, part := range p.CorrelationParts {
			if err := correlation.ValidateSet(part); err != nil {
				fail("processes[%d].correlation_parts: %w", i, err)
			}
		}
		for _, op := range p.Operations {
			key := p.Service + "/" + op.Name
			if seen[key] {
				fail("processes[%d]: operation %s declared twice", i, key)
			}
			seen[key] = true
		}
	}

	return errors.Join(errs...)
}

// Choreo returns the runtime configuration for the scheduler and engine.
func (c *Config) Choreo() choreo.Config {
	s := c.Scheduler
	return choreo.Config{
		Concurrency:          s.Concurrency,
		VolatileConcurrency:  s.VolatileConcurrency,
		PollInterval:         s.PollInterval,
		ClaimBatch:           s.ClaimBatch,
		LeaseDuration:        s.LeaseDuration,
		HeartbeatInterval:    s.HeartbeatInterval,
		NodeTTL:              s.NodeTTL,
		RecoveryInterval:     s.RecoveryInterval,
		MaxRetries:           s.MaxRetries,
		TransactionTimeout:   s.TransactionTimeout,
		LockTimeout:          s.LockTimeout,
		ShutdownTimeout:      s.ShutdownTimeout,
		InactiveProcessDelay: c.Engine.InactiveProcessDelay,
		MexTimeout:           c.Engine.MexTimeout,
	}
}

// JobTimeouts returns the processing bound for jobs and its per-type
// overrides.
func (c *Config) JobTimeouts() (time.Duration, map[job.Type]time.Duration) {
	perType := make(map[job.Type]time.Duration, len(c.Scheduler.JobTimeouts))
	for typ, d := range c.Scheduler.JobTimeouts {
		perType[job.Type(typ)] = d
	}
	return c.Scheduler.JobTimeout, perType
}

// Cron returns the maintenance schedules.
func (c *Config) Cron() cron.Config {
	m := c.Maintenance
	return cron.Config{
		DLQPurge:          m.DLQPurge,
		DLQRetention:      m.DLQRetention,
		ExchangePurge:     m.ExchangePurge,
		ExchangeRetention: m.ExchangeRetention,
		NodeSweep:         m.NodeSweep,
	}
}

// QueueConfigs returns the per-type limits.
func (c *Config) QueueConfigs() []queue.Config {
	out := make([]queue.Config, 0, len(c.Queues))
	for _, q := range c.Queues {
		out = append(out, queue.Config{
			Type:           job.Type(q.Type),
			MaxConcurrency: q.MaxConcurrency,
			RateLimit:      q.RateLimit,
			RateBurst:      q.RateBurst,
		})
	}
	return out
}

// SlogLevel maps Log.Level to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
