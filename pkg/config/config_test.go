package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/petrijr/approvalflow/pkg/api"
)

const sampleYAML = `
engine:
  level_timeout: 24h
  level_timeouts:
    2: 12h
  thresholds: [10000, 1000]
  activity_timeout: 5s
  lanes: 4
  retry:
    notification:
      max_attempts: 3
tenants:
  globex:
    level_timeout: 4h
    thresholds: [50]
    retry:
      standard:
        initial_interval: 2s
storage:
  backend: postgres
  dsn: postgres://approvals@localhost/approvals
http:
  addr: ":9090"
kafka:
  brokers: [kafka-1:9092]
  topic: approvals.audit
`

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "approvald.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeFile(t, sampleYAML))
	require.NoError(t, err)

	require.Equal(t, BackendPostgres, cfg.Storage.Backend)
	require.Equal(t, ":9090", cfg.HTTP.Addr)
	require.Equal(t, Duration(15*time.Second), cfg.HTTP.ShutdownTimeout, "unset keys keep defaults")

	opts, err := cfg.EngineOptions()
	require.NoError(t, err)
	require.Equal(t, 24*time.Hour, opts.LevelTimeout)
	require.Equal(t, 12*time.Hour, opts.LevelTimeoutFor("acme", 2))
	require.Equal(t, 4*time.Hour, opts.LevelTimeoutFor("globex", 2))
	require.Equal(t, 5*time.Second, opts.ActivityTimeout)
	require.Equal(t, 4, opts.Lanes)

	require.Equal(t, 3, opts.RetryPolicies.Notification.MaxAttempts)
	require.Equal(t, api.NotificationRetryPolicy.InitialInterval, opts.RetryPolicies.Notification.InitialInterval)
	require.Equal(t, api.StandardRetryPolicy, opts.RetryPolicies.Standard)

	globex := opts.RetryPoliciesFor("globex")
	require.Equal(t, 2*time.Second, globex.Standard.InitialInterval)
	require.Equal(t, 3, globex.Notification.MaxAttempts)

	require.Equal(t, 3, opts.LevelPolicyFor("acme").Levels(api.Entity{Amount: 20000}))
	require.Equal(t, 2, opts.LevelPolicyFor("globex").Levels(api.Entity{Amount: 60}))
}

func TestRetryBackoffModes(t *testing.T) {
	cfg, err := Load(writeFile(t, `
engine:
  retry:
    standard:
      backoff: constant
      initial_interval: 3s
      max_attempts: 4
    status_update:
      backoff: immediate
    notification:
      backoff_coefficient: 3
      max_interval: 1m
`))
	require.NoError(t, err)
	opts, err := cfg.EngineOptions()
	require.NoError(t, err)

	require.Equal(t, api.Retry(4).WithConstantBackoff(3*time.Second).Policy(), opts.RetryPolicies.Standard)
	require.Equal(t, api.RetryFrom(api.StatusUpdateRetryPolicy).Immediate().Policy(), opts.RetryPolicies.StatusUpdate)
	require.Equal(t, api.RetryPolicy{
		InitialInterval:    api.NotificationRetryPolicy.InitialInterval,
		BackoffCoefficient: 3,
		MaxInterval:        time.Minute,
		MaxAttempts:        api.NotificationRetryPolicy.MaxAttempts,
	}, opts.RetryPolicies.Notification)

	cfg.Tenants = map[string]Tenant{"acme": {Retry: &RetryPolicies{Standard: &RetryPolicy{Backoff: "linear"}}}}
	_, err = cfg.EngineOptions()
	require.ErrorContains(t, err, `tenants.acme.retry.standard: unknown retry backoff "linear"`)
	require.Error(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default().Storage.Backend, cfg.Storage.Backend)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("APPROVALFLOW_STORAGE_BACKEND", "redis")
	t.Setenv("APPROVALFLOW_REDIS_ADDR", "cache:6379")
	t.Setenv("APPROVALFLOW_LEVEL_TIMEOUT", "2h")
	t.Setenv("APPROVALFLOW_KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("APPROVALFLOW_KAFKA_TOPIC", "audit")
	t.Setenv("APPROVALFLOW_LANES", "16")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, BackendRedis, cfg.Storage.Backend)
	require.Equal(t, "cache:6379", cfg.Storage.Redis.Addr)
	require.Equal(t, Duration(2*time.Hour), cfg.Engine.LevelTimeout)
	require.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	require.Equal(t, 16, cfg.Engine.Lanes)
}

func TestEnvOverrideErrors(t *testing.T) {
	t.Setenv("APPROVALFLOW_LEVEL_TIMEOUT", "two days")
	_, err := Load("")
	require.ErrorContains(t, err, "APPROVALFLOW_LEVEL_TIMEOUT")
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"unknown backend": "storage: {backend: cassandra}",
		"postgres dsn":    "storage: {backend: postgres, dsn: ''}",
		"mongo uri":       "storage: {backend: mongo}",
		"kafka topic":     "kafka: {brokers: [k:9092]}",
		"bad duration":    "engine: {level_timeout: soon}",
		"bad level":       "engine: {level_timeouts: {0: 1h}}",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, body))
			require.Error(t, err)
		})
	}
}

func TestDurationRoundTrip(t *testing.T) {
	out, err := yaml.Marshal(struct {
		D Duration `yaml:"d"`
	}{D: Duration(90 * time.Minute)})
	require.NoError(t, err)
	require.Equal(t, "d: 1h30m0s\n", string(out))
}
