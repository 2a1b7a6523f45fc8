// Package config provides hierarchical configuration management.
// Priority: defaults < system < user < project < explicit file < env < flags
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/logflow/tickflow/internal/model"
	"github.com/logflow/tickflow/pkg/errors"
	"github.com/logflow/tickflow/pkg/retry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TICKFLOW_"

// DefaultSymbols are the tickers tracked when a topic lists none.
var DefaultSymbols = []string{"AAPL", "MSFT", "GOOGL", "AMZN", "NVDA", "META"}

// Gap policies decide what happens when retention outruns a cursor.
const (
	GapHalt = "halt"
	GapSkip = "skip"
)

// Config holds all TickFlow configuration.
type Config struct {
	ConsumerGroup string        `yaml:"consumer_group"`
	Topics        []TopicConfig `yaml:"topics"`

	Upstream   UpstreamConfig   `yaml:"upstream"`
	Stream     StreamConfig     `yaml:"stream"`
	Sink       SinkConfig       `yaml:"sink"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Retry      retry.Policy     `yaml:"retry"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	GapPolicy  string           `yaml:"gap_policy"` // halt | skip
	Health     HealthConfig     `yaml:"health"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Log        LogConfig        `yaml:"log"`
}

// TopicConfig describes one logical pipeline.
type TopicConfig struct {
	Name         string        `yaml:"name"`
	Endpoint     string        `yaml:"endpoint"` // upstream path, e.g. /quote
	Symbols      []string      `yaml:"symbols"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MinSpacing   time.Duration `yaml:"min_spacing"`
	Lookback     time.Duration `yaml:"lookback"`
	Shards       int           `yaml:"shards"`
	BatchSize    int           `yaml:"batch_size"`
	BatchWindow  time.Duration `yaml:"batch_window"`
}

// UpstreamConfig locates the market data API and its credential.
type UpstreamConfig struct {
	BaseURL        string        `yaml:"base_url"`
	CredentialEnv  string        `yaml:"credential_env"`
	CredentialFile string        `yaml:"credential_file"`
	Timeout        time.Duration `yaml:"timeout"`
}

// StreamConfig selects the stream transport.
type StreamConfig struct {
	Backend   string        `yaml:"backend"` // memory | redis | kinesis
	Retention time.Duration `yaml:"retention"`
	Redis     RedisConfig   `yaml:"redis"`
	Kinesis   KinesisConfig `yaml:"kinesis"`
}

// RedisConfig is shared by the Redis stream and cursor backends.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// KinesisConfig locates Kinesis data streams. Stream names are
// StreamPrefix + topic.
type KinesisConfig struct {
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	StreamPrefix string `yaml:"stream_prefix"`
}

// S3Config is shared by the S3 sink and cursor backends.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// SinkConfig selects the object store for output and dead letters.
type SinkConfig struct {
	Backend     string   `yaml:"backend"` // local | s3
	Root        string   `yaml:"root"`
	S3          S3Config `yaml:"s3"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// CheckpointConfig selects where cursors live.
type CheckpointConfig struct {
	Backend string      `yaml:"backend"` // local | redis | s3
	Dir     string      `yaml:"dir"`
	Redis   RedisConfig `yaml:"redis"`
	S3      S3Config    `yaml:"s3"`
}

// SupervisorConfig bounds restart backoff for crashed loops.
type SupervisorConfig struct {
	RestartInitial time.Duration `yaml:"restart_initial"`
	RestartMax     time.Duration `yaml:"restart_max"`
}

// HealthConfig for the health endpoint.
type HealthConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig for OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// LogConfig for zap.
type LogConfig struct {
	JSON  bool   `yaml:"json"`
	Level string `yaml:"level"`
}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".tickflow")

	return &Config{
		ConsumerGroup: "tickflow",
		Topics: []TopicConfig{
			DefaultTopic(model.TopicQuotes),
			DefaultTopic(model.TopicNews),
		},
		Upstream: UpstreamConfig{
			BaseURL:       "https://finnhub.io/api/v1",
			CredentialEnv: "FINNHUB_API_KEY",
			Timeout:       10 * time.Second,
		},
		Stream: StreamConfig{
			Backend:   "memory",
			Retention: 24 * time.Hour,
			Redis:     RedisConfig{Addr: "localhost:6379", KeyPrefix: "tickflow:"},
			Kinesis:   KinesisConfig{StreamPrefix: "tickflow-"},
		},
		Sink: SinkConfig{
			Backend:     "local",
			Root:        filepath.Join(dataDir, "data"),
			MaxAttempts: 5,
		},
		Checkpoint: CheckpointConfig{
			Backend: "local",
			Dir:     filepath.Join(dataDir, "cursors"),
			Redis:   RedisConfig{Addr: "localhost:6379", KeyPrefix: "tickflow:"},
		},
		Retry: retry.DefaultPolicy(),
		Supervisor: SupervisorConfig{
			RestartInitial: time.Second,
			RestartMax:     2 * time.Minute,
		},
		GapPolicy: GapHalt,
		Health:    HealthConfig{Addr: ":8080"},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			ServiceName: "tickflow",
			Insecure:    true,
		},
		Log: LogConfig{Level: "info"},
	}
}

// DefaultTopic returns the built-in settings for a known topic.
func DefaultTopic(t model.Topic) TopicConfig {
	tc := TopicConfig{
		Name:        string(t),
		Symbols:     append([]string(nil), DefaultSymbols...),
		Shards:      1,
		BatchSize:   100,
		BatchWindow: 10 * time.Second,
	}
	switch t {
	case model.TopicQuotes:
		tc.Endpoint = "/quote"
		tc.PollInterval = time.Minute
		tc.MinSpacing = 2 * time.Second
	case model.TopicNews:
		tc.Endpoint = "/company-news"
		tc.PollInterval = 15 * time.Minute
		tc.MinSpacing = 5 * time.Second
		tc.Lookback = 48 * time.Hour
	}
	return tc
}

// Topic returns the configuration for name.
func (c *Config) Topic(name model.Topic) (TopicConfig, bool) {
	for _, t := range c.Topics {
		if model.Topic(t.Name) == name {
			return t, true
		}
	}
	return TopicConfig{}, false
}

// Validate reports the first misconfiguration as a ConfigurationError.
func (c *Config) Validate() error {
	if c.ConsumerGroup == "" {
		return errors.Configuration(errors.CodeInvalidConfig, "consumer_group is empty")
	}
	if len(c.Topics) == 0 {
		return errors.Configuration(errors.CodeMissingTopic, "no topics configured")
	}

	seen := make(map[model.Topic]bool)
	for _, t := range c.Topics {
		name, err := model.ParseTopic(t.Name)
		if err != nil {
			return errors.Configuration(errors.CodeMissingTopic, err.Error())
		}
		if seen[name] {
			return errors.Configuration(errors.CodeInvalidConfig, "duplicate topic").WithContext("topic", name)
		}
		seen[name] = true

		switch {
		case t.BatchSize <= 0:
			return errors.Configuration(errors.CodeInvalidConfig, "batch_size must be positive").WithContext("topic", name)
		case t.BatchWindow <= 0:
			return errors.Configuration(errors.CodeInvalidConfig, "batch_window must be positive").WithContext("topic", name)
		case t.Shards <= 0:
			return errors.Configuration(errors.CodeInvalidConfig, "shards must be positive").WithContext("topic", name)
		case len(t.Symbols) == 0:
			return errors.Configuration(errors.CodeInvalidConfig, "no symbols configured").WithContext("topic", name)
		case t.PollInterval <= 0:
			return errors.Configuration(errors.CodeInvalidConfig, "poll_interval must be positive").WithContext("topic", name)
		case t.MinSpacing < 0:
			return errors.Configuration(errors.CodeInvalidConfig, "min_spacing must not be negative").WithContext("topic", name)
		}
	}

	if c.Stream.Retention <= 0 {
		return errors.Configuration(errors.CodeInvalidConfig, "stream.retention must be positive")
	}
	if err := oneOf("stream.backend", c.Stream.Backend, "memory", "redis", "kinesis"); err != nil {
		return err
	}
	if err := oneOf("sink.backend", c.Sink.Backend, "local", "s3"); err != nil {
		return err
	}
	if c.Sink.Backend == "s3" && c.Sink.S3.Bucket == "" {
		return errors.Configuration(errors.CodeInvalidConfig, "sink.s3.bucket is required")
	}
	if c.Sink.MaxAttempts <= 0 {
		return errors.Configuration(errors.CodeInvalidConfig, "sink.max_attempts must be positive")
	}
	if err := oneOf("checkpoint.backend", c.Checkpoint.Backend, "local", "redis", "s3"); err != nil {
		return err
	}
	if c.Checkpoint.Backend == "s3" && c.Checkpoint.S3.Bucket == "" {
		return errors.Configuration(errors.CodeInvalidConfig, "checkpoint.s3.bucket is required")
	}
	if err := oneOf("gap_policy", c.GapPolicy, GapHalt, GapSkip); err != nil {
		return err
	}
	if c.Upstream.BaseURL == "" {
		return errors.Configuration(errors.CodeInvalidConfig, "upstream.base_url is empty")
	}
	if c.Upstream.CredentialEnv == "" && c.Upstream.CredentialFile == "" {
		return errors.Configuration(errors.CodeMissingCredential, "no upstream credential reference configured")
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return errors.Configuration(errors.CodeInvalidConfig, "unknown value").
		WithContext("key", key).
		WithContext("value", value).
		WithContext("allowed", strings.Join(allowed, "|"))
}

// Manager handles configuration loading and merging.
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	paths    []string // Paths that were loaded
	explicit string
	lookup   func(string) (string, bool)
}

// NewManager creates a new configuration manager. explicit, when non-empty,
// is loaded after the well-known locations and must exist.
func NewManager(explicit string) *Manager {
	return &Manager{
		config:   Default(),
		explicit: explicit,
		lookup:   os.LookupEnv,
	}
}

// Load loads configuration from all sources in priority order.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config = Default()
	m.paths = nil

	for _, path := range m.getConfigPaths() {
		if err := m.loadFile(path); err != nil {
			if !os.IsNotExist(err) {
				return errors.Wrapf(err, errors.CodeInvalidConfig, "load %s", path)
			}
		} else {
			m.paths = append(m.paths, path)
		}
	}

	if m.explicit != "" {
		if err := m.loadFile(m.explicit); err != nil {
			return errors.Wrapf(err, errors.CodeInvalidConfig, "load %s", m.explicit)
		}
		m.paths = append(m.paths, m.explicit)
	}

	if err := m.loadEnv(); err != nil {
		return err
	}
	m.fillTopicDefaults()
	return nil
}

// getConfigPaths returns config file paths in priority order.
func (m *Manager) getConfigPaths() []string {
	var paths []string

	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/tickflow/config.yaml")
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".tickflow", "config.yaml"))
	}
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".tickflow.yaml"))
	}
	return paths
}

// loadFile decodes a YAML file over the current config. Keys absent from the
// file keep their current values; a topics list replaces the previous list.
func (m *Manager) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, m.config)
}

// fillTopicDefaults completes partially specified topics from the built-in
// settings for that topic.
func (m *Manager) fillTopicDefaults() {
	for i := range m.config.Topics {
		t := &m.config.Topics[i]
		t.Name = strings.ToLower(strings.TrimSpace(t.Name))
		d := DefaultTopic(model.Topic(t.Name))
		if t.Endpoint == "" {
			t.Endpoint = d.Endpoint
		}
		if len(t.Symbols) == 0 {
			t.Symbols = d.Symbols
		}
		if t.PollInterval == 0 {
			t.PollInterval = d.PollInterval
		}
		if t.MinSpacing == 0 {
			t.MinSpacing = d.MinSpacing
		}
		if t.Lookback == 0 {
			t.Lookback = d.Lookback
		}
		if t.Shards == 0 {
			t.Shards = d.Shards
		}
		if t.BatchSize == 0 {
			t.BatchSize = d.BatchSize
		}
		if t.BatchWindow == 0 {
			t.BatchWindow = d.BatchWindow
		}
	}
}

// loadEnv applies TICKFLOW_* overrides.
func (m *Manager) loadEnv() error {
	str := func(key string, dst *string) {
		if v, ok := m.lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	str("CONSUMER_GROUP", &m.config.ConsumerGroup)
	str("UPSTREAM_BASE_URL", &m.config.Upstream.BaseURL)
	str("CREDENTIAL_ENV", &m.config.Upstream.CredentialEnv)
	str("CREDENTIAL_FILE", &m.config.Upstream.CredentialFile)
	str("STREAM_BACKEND", &m.config.Stream.Backend)
	str("REDIS_ADDR", &m.config.Stream.Redis.Addr)
	str("REDIS_ADDR", &m.config.Checkpoint.Redis.Addr)
	str("KINESIS_REGION", &m.config.Stream.Kinesis.Region)
	str("SINK_BACKEND", &m.config.Sink.Backend)
	str("SINK_ROOT", &m.config.Sink.Root)
	str("S3_BUCKET", &m.config.Sink.S3.Bucket)
	str("S3_REGION", &m.config.Sink.S3.Region)
	str("CHECKPOINT_BACKEND", &m.config.Checkpoint.Backend)
	str("CHECKPOINT_DIR", &m.config.Checkpoint.Dir)
	str("GAP_POLICY", &m.config.GapPolicy)
	str("HEALTH_ADDR", &m.config.Health.Addr)
	str("LOG_LEVEL", &m.config.Log.Level)
	str("OTEL_ENDPOINT", &m.config.Telemetry.Endpoint)

	if v, ok := m.lookup(EnvPrefix + "STREAM_RETENTION"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, errors.CodeInvalidConfig, EnvPrefix+"STREAM_RETENTION")
		}
		m.config.Stream.Retention = d
	}
	for _, key := range []string{"LOG_JSON", "TELEMETRY_ENABLED"} {
		v, ok := m.lookup(EnvPrefix + key)
		if !ok || v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrap(err, errors.CodeInvalidConfig, EnvPrefix+key)
		}
		if key == "LOG_JSON" {
			m.config.Log.JSON = b
		} else {
			m.config.Telemetry.Enabled = b
		}
	}
	return nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetPaths returns the paths that were loaded.
func (m *Manager) GetPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.paths...)
}

// Marshal renders the effective configuration as YAML.
func (m *Manager) Marshal() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, err := yaml.Marshal(m.config)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}
