package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/choreo"
	"github.com/xraph/choreo/job"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, StoreMemory, cfg.Store.Type)
	assert.Equal(t, ClusterStatic, cfg.Cluster.Type)
	assert.Equal(t, choreo.DefaultConfig(), cfg.Choreo())
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "choreo.yaml")
	data := []byte(`
log:
  level: debug
  format: json
store:
  type: postgres
  postgres:
    dsn: postgres://localhost/choreo
scheduler:
  concurrency: 32
  lease_duration: 1m
cluster:
  type: etcd
  etcd:
    endpoints: ["etcd-0:2379", "etcd-1:2379"]
queues:
  - type: INVOKE_INTERNAL
    max_concurrency: 4
    rate_limit: 50
    rate_burst: 10
processes:
  - name: order
    service: OrderService
    correlator: order-corr
    correlation_parts: [orderId]
    operations:
      - name: place
        create_instance: true
      - name: cancel
        one_way: true
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, "postgres://localhost/choreo", cfg.Store.Postgres.DSN)
	assert.True(t, cfg.Store.Postgres.Migrate, "unset fields keep their defaults")

	core := cfg.Choreo()
	assert.Equal(t, 32, core.Concurrency)
	assert.Equal(t, time.Minute, core.LeaseDuration)
	assert.Equal(t, choreo.DefaultConfig().PollInterval, core.PollInterval)

	assert.Equal(t, []string{"etcd-0:2379", "etcd-1:2379"}, cfg.Cluster.Etcd.Endpoints)
	assert.Equal(t, "/choreo/coordinator", cfg.Cluster.Etcd.Prefix)

	queues := cfg.QueueConfigs()
	require.Len(t, queues, 1)
	assert.Equal(t, job.TypeInvokeInternal, queues[0].Type)
	assert.Equal(t, 4, queues[0].MaxConcurrency)
	assert.InDelta(t, 50.0, queues[0].RateLimit, 0)

	require.Len(t, cfg.Processes, 1)
	assert.Equal(t, []string{"orderId"}, cfg.Processes[0].CorrelationParts)
	assert.True(t, cfg.Processes[0].Operations[0].CreateInstance)
	assert.True(t, cfg.Processes[0].Operations[1].OneWay)

	assert.Equal(t, cfg.Maintenance.NodeSweep, cfg.Cron().NodeSweep)
}

func TestJobTimeouts(t *testing.T) {
	d, perType := Default().JobTimeouts()
	assert.Zero(t, d)
	assert.Empty(t, perType)

	cfg, err := Parse([]byte(`
scheduler:
  job_timeout: 5m
  job_timeouts:
    INVOKE_INTERNAL: 30s
    TIMER: 0s
`))
	require.NoError(t, err)

	d, perType = cfg.JobTimeouts()
	assert.Equal(t, 5*time.Minute, d)
	assert.Equal(t, map[job.Type]time.Duration{
		job.TypeInvokeInternal: 30 * time.Second,
		job.TypeTimer:          0,
	}, perType)
}

func TestParseRejectsBadYAML(t *testing.T) {
	_, err := Parse([]byte("store: [unterminated"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: parse")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: "log.level",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: "log.format",
		},
		{
			name:    "unknown store",
			mutate:  func(c *Config) { c.Store.Type = "sqlite" },
			wantErr: "store.type",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.Store.Type = StorePostgres },
			wantErr: "store.postgres.dsn",
		},
		{
			name: "badger without dir",
			mutate: func(c *Config) {
				c.Store.Type = StoreBadger
				c.Store.Badger.Dir = ""
			},
			wantErr: "store.badger.dir",
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Scheduler.Concurrency = 0 },
			wantErr: "scheduler.concurrency",
		},
		{
			name:    "heartbeat not below lease",
			mutate:  func(c *Config) { c.Scheduler.HeartbeatInterval = c.Scheduler.LeaseDuration },
			wantErr: "scheduler.heartbeat_interval",
		},
		{
			name:    "negative retries",
			mutate:  func(c *Config) { c.Scheduler.MaxRetries = -1 },
			wantErr: "scheduler.max_retries",
		},
		{
			name:    "negative job timeout",
			mutate:  func(c *Config) { c.Scheduler.JobTimeout = -time.Second },
			wantErr: "scheduler.job_timeout",
		},
		{
			name:    "job timeout for unknown type",
			mutate:  func(c *Config) { c.Scheduler.JobTimeouts = map[string]time.Duration{"EMAIL": time.Second} },
			wantErr: "scheduler.job_timeouts",
		},
		{
			name:    "breaker without open timeout",
			mutate:  func(c *Config) { c.Engine.Breaker.OpenTimeout = 0 },
			wantErr: "engine.breaker.open_timeout",
		},
		{
			name:    "lease cluster on memory store",
			mutate:  func(c *Config) { c.Cluster.Type = ClusterLease },
			wantErr: "shared store",
		},
		{
			name:    "etcd without endpoints",
			mutate:  func(c *Config) { c.Cluster.Type = ClusterEtcd },
			wantErr: "cluster.etcd.endpoints",
		},
		{
			name: "redis without addr",
			mutate: func(c *Config) {
				c.Cluster.Type = ClusterRedis
				c.Cluster.Redis.Addr = ""
			},
			wantErr: "cluster.redis.addr",
		},
		{
			name:    "unknown cluster",
			mutate:  func(c *Config) { c.Cluster.Type = "raft" },
			wantErr: "cluster.type",
		},
		{
			name:    "sample rate out of range",
			mutate:  func(c *Config) { c.Metrics.TraceSampleRate = 1.5 },
			wantErr: "metrics.trace_sample_rate",
		},
		{
			name:    "unknown queue type",
			mutate:  func(c *Config) { c.Queues = []QueueConfig{{Type: "EMAIL"}} },
			wantErr: "queues[0].type",
		},
		{
			name: "duplicate operation",
			mutate: func(c *Config) {
				op := OperationConfig{Name: "place"}
				c.Processes = []ProcessConfig{
					{Name: "a", Service: "S", Operations: []OperationConfig{op}},
					{Name: "b", Service: "S", Operations: []OperationConfig{op}},
				}
			},
			wantErr: "declared twice",
		},
		{
			name: "correlation part with tilde",
			mutate: func(c *Config) {
				c.Processes = []ProcessConfig{{Name: "a", Service: "S", CorrelationParts: []string{"order~id"}}}
			},
			wantErr: "correlation_parts",
		},
		{
			name:    "unknown audit action",
			mutate:  func(c *Config) { c.Audit.Actions = []string{"job.exploded"} },
			wantErr: "audit.actions",
		},
		{
			name: "lease cluster on postgres",
			mutate: func(c *Config) {
				c.Store.Type = StorePostgres
				c.Store.Postgres.DSN = "postgres://localhost/choreo"
				c.Cluster.Type = ClusterLease
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "loud"
	cfg.Scheduler.ClaimBatch = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log.level")
	assert.Contains(t, err.Error(), "scheduler.claim_batch")
}
