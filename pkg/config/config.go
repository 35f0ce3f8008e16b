// Package config loads approvald configuration from a YAML file with
// APPROVALFLOW_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/approvalflow/pkg/api"
)

const envPrefix = "APPROVALFLOW_"

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
)

// Duration is a time.Duration written as a Go duration string ("48h").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Backoff modes of a retry section.
const (
	BackoffExponential = "exponential"
	BackoffConstant    = "constant"
	BackoffImmediate   = "immediate"
)

// RetryPolicy overrides fields of a built-in api.RetryPolicy. Zero fields
// keep the built-in value. Backoff defaults to exponential; constant waits
// initial_interval between attempts and immediate does not wait.
type RetryPolicy struct {
	Backoff            string   `yaml:"backoff,omitempty"`
	InitialInterval    Duration `yaml:"initial_interval"`
	BackoffCoefficient float64  `yaml:"backoff_coefficient"`
	MaxInterval        Duration `yaml:"max_interval"`
	MaxAttempts        int      `yaml:"max_attempts"`
}

func (p *RetryPolicy) build(base api.RetryPolicy) (api.RetryPolicy, error) {
	if p == nil {
		return base, nil
	}
	b := api.RetryFrom(base)
	if p.MaxAttempts > 0 {
		b = b.WithMaxAttempts(p.MaxAttempts)
	}
	initial := base.InitialInterval
	if p.InitialInterval > 0 {
		initial = time.Duration(p.InitialInterval)
	}

	switch p.Backoff {
	case "", BackoffExponential:
		coef, max := base.BackoffCoefficient, base.MaxInterval
		if p.BackoffCoefficient > 0 {
			coef = p.BackoffCoefficient
		}
		if p.MaxInterval > 0 {
			max = time.Duration(p.MaxInterval)
		}
		b = b.WithExponentialBackoff(initial, coef, max)
	case BackoffConstant:
		b = b.WithConstantBackoff(initial)
	case BackoffImmediate:
		b = b.Immediate()
	default:
		return api.RetryPolicy{}, fmt.Errorf("unknown retry backoff %q", p.Backoff)
	}
	return b.Policy(), nil
}

// RetryPolicies overrides the built-in policies per activity kind.
type RetryPolicies struct {
	Standard     *RetryPolicy `yaml:"standard,omitempty"`
	StatusUpdate *RetryPolicy `yaml:"status_update,omitempty"`
	Notification *RetryPolicy `yaml:"notification,omitempty"`
}

func (r RetryPolicies) resolve(base api.RetryPolicies) (api.RetryPolicies, error) {
	var err error
	if base.Standard, err = r.Standard.build(base.Standard); err != nil {
		return base, fmt.Errorf("retry.standard: %w", err)
	}
	if base.StatusUpdate, err = r.StatusUpdate.build(base.StatusUpdate); err != nil {
		return base, fmt.Errorf("retry.status_update: %w", err)
	}
	if base.Notification, err = r.Notification.build(base.Notification); err != nil {
		return base, fmt.Errorf("retry.notification: %w", err)
	}
	return base, nil
}

// Tenant overrides engine settings for one tenant.
type Tenant struct {
	LevelTimeout  Duration         `yaml:"level_timeout,omitempty"`
	LevelTimeouts map[int]Duration `yaml:"level_timeouts,omitempty"`
	Thresholds    []float64        `yaml:"thresholds,omitempty"`
	Retry         *RetryPolicies   `yaml:"retry,omitempty"`
}

// Engine holds engine-wide settings.
type Engine struct {
	LevelTimeout    Duration         `yaml:"level_timeout"`
	LevelTimeouts   map[int]Duration `yaml:"level_timeouts,omitempty"`
	Thresholds      []float64        `yaml:"thresholds,omitempty"`
	ActivityTimeout Duration         `yaml:"activity_timeout"`
	Lanes           int              `yaml:"lanes"`
	Retry           RetryPolicies    `yaml:"retry,omitempty"`
}

// Storage selects the persistence backend.
type Storage struct {
	Backend string `yaml:"backend"`
	// DSN is the sqlite file or the postgres connection string.
	DSN   string `yaml:"dsn,omitempty"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password,omitempty"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix,omitempty"`
	} `yaml:"redis"`
	Mongo struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	} `yaml:"mongo"`
}

type HTTP struct {
	Addr            string   `yaml:"addr"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

type NATS struct {
	URL           string `yaml:"url,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix,omitempty"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers,omitempty"`
	Topic   string   `yaml:"topic,omitempty"`
}

type Archive struct {
	Bucket    string   `yaml:"bucket,omitempty"`
	Prefix    string   `yaml:"prefix,omitempty"`
	Region    string   `yaml:"region,omitempty"`
	OlderThan Duration `yaml:"older_than"`
	Interval  Duration `yaml:"interval"`
}

// Directory locates the entity service and the approvers per level.
type Directory struct {
	EntitiesURL     string         `yaml:"entities_url,omitempty"`
	EntitiesTimeout Duration       `yaml:"entities_timeout"`
	Approvers       map[int]string `yaml:"approvers,omitempty"`
	Escalation      []string       `yaml:"escalation,omitempty"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the approvald configuration file.
type Config struct {
	Engine    Engine            `yaml:"engine"`
	Tenants   map[string]Tenant `yaml:"tenants,omitempty"`
	Storage   Storage           `yaml:"storage"`
	HTTP      HTTP              `yaml:"http"`
	NATS      NATS              `yaml:"nats"`
	Kafka     Kafka             `yaml:"kafka"`
	Archive   Archive           `yaml:"archive"`
	Directory Directory         `yaml:"directory"`
	Log       Log               `yaml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var c Config
	c.Engine = Engine{
		LevelTimeout:    Duration(api.DefaultLevelTimeout),
		ActivityTimeout: Duration(api.DefaultActivityTimeout),
		Lanes:           8,
	}
	c.Storage.Backend = BackendSQLite
	c.Storage.DSN = "approvalflow.db"
	c.Storage.Redis.Addr = "localhost:6379"
	c.Storage.Mongo.Database = "approvalflow"
	c.HTTP = HTTP{Addr: ":8080", ShutdownTimeout: Duration(15 * time.Second)}
	c.Archive = Archive{Prefix: "approvals", OlderThan: Duration(30 * 24 * time.Hour), Interval: Duration(time.Hour)}
	c.Directory.EntitiesTimeout = Duration(10 * time.Second)
	c.Log = Log{Level: "info", Format: "json"}
	return c
}

// Load reads path over Default and applies environment overrides. An empty
// path or a missing file yields the defaults plus the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *Duration) error {
		v, ok := lookup(envPrefix + name)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", envPrefix, name, err)
		}
		*dst = Duration(d)
		return nil
	}

	str("STORAGE_BACKEND", &c.Storage.Backend)
	str("STORAGE_DSN", &c.Storage.DSN)
	str("REDIS_ADDR", &c.Storage.Redis.Addr)
	str("REDIS_PASSWORD", &c.Storage.Redis.Password)
	str("MONGO_URI", &c.Storage.Mongo.URI)
	str("MONGO_DATABASE", &c.Storage.Mongo.Database)
	str("HTTP_ADDR", &c.HTTP.Addr)
	str("NATS_URL", &c.NATS.URL)
	str("NATS_SUBJECT_PREFIX", &c.NATS.SubjectPrefix)
	str("KAFKA_TOPIC", &c.Kafka.Topic)
	str("S3_BUCKET", &c.Archive.Bucket)
	str("S3_PREFIX", &c.Archive.Prefix)
	str("S3_REGION", &c.Archive.Region)
	str("ENTITIES_URL", &c.Directory.EntitiesURL)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup(envPrefix + "KAFKA_BROKERS"); ok && v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v, ok := lookup(envPrefix + "LANES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %sLANES: %w", envPrefix, err)
		}
		c.Engine.Lanes = n
	}
	return errors.Join(
		dur("LEVEL_TIMEOUT", &c.Engine.LevelTimeout),
		dur("ACTIVITY_TIMEOUT", &c.Engine.ActivityTimeout),
		dur("ARCHIVE_OLDER_THAN", &c.Archive.OlderThan),
	)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks settings that do not depend on reaching a backend.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendSQLite:
	case BackendPostgres:
		if c.Storage.DSN == "" {
			return errors.New("config: storage.dsn is required for postgres")
		}
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			return errors.New("config: storage.redis.addr is required")
		}
	case BackendMongo:
		if c.Storage.Mongo.URI == "" {
			return errors.New("config: storage.mongo.uri is required")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("config: kafka.topic is required when brokers are set")
	}
	if c.Engine.Lanes < 0 {
		return errors.New("config: engine.lanes must not be negative")
	}
	if _, err := c.EngineOptions(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// EngineOptions converts the engine and tenant sections to api.Options.
// The observer is left for the caller to set.
func (c Config) EngineOptions() (api.Options, error) {
	opts := api.DefaultOptions()
	if c.Engine.LevelTimeout > 0 {
		opts.LevelTimeout = time.Duration(c.Engine.LevelTimeout)
	}
	if c.Engine.ActivityTimeout > 0 {
		opts.ActivityTimeout = time.Duration(c.Engine.ActivityTimeout)
	}
	if c.Engine.Lanes > 0 {
		opts.Lanes = c.Engine.Lanes
	}
	opts.LevelTimeouts = durations(c.Engine.LevelTimeouts)
	opts.Thresholds = append([]float64(nil), c.Engine.Thresholds...)
	rp, err := c.Engine.Retry.resolve(api.DefaultRetryPolicies())
	if err != nil {
		return opts, fmt.Errorf("engine.%w", err)
	}
	opts.RetryPolicies = rp

	if len(c.Tenants) > 0 {
		opts.Tenants = make(map[string]api.TenantOptions, len(c.Tenants))
		for id, t := range c.Tenants {
			to := api.TenantOptions{
				LevelTimeout:  time.Duration(t.LevelTimeout),
				LevelTimeouts: durations(t.LevelTimeouts),
				Thresholds:    append([]float64(nil), t.Thresholds...),
			}
			if t.Retry != nil {
				rp, err := t.Retry.resolve(opts.RetryPolicies)
				if err != nil {
					return opts, fmt.Errorf("tenants.%s.%w", id, err)
				}
				to.RetryPolicies = &rp
			}
			opts.Tenants[id] = to
		}
	}
	return opts, opts.Validate()
}

func durations(in map[int]Duration) map[int]time.Duration {
	if len(in) == 0 {
		return nil
	}
	out := make(map[int]time.Duration, len(in))
	for k, v := range in {
		out[k] = time.Duration(v)
	}
	return out
}
