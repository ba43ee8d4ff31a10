package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"edgewatch/internal/models"
	"edgewatch/internal/threshold"
)

// Config holds runtime configuration for the detector
type Config struct {
	Node     string
	HTTPAddr string
	LogLevel string

	MQTT       MQTTConfig
	Kafka      KafkaConfig
	ClickHouse ClickHouseConfig
	Detector   DetectorConfig
	State      StateConfig
	Ingest     IngestConfig
	Emitter    EmitterConfig
}

// MQTTConfig configures the broker connection. An empty broker disables MQTT.
type MQTTConfig struct {
	Broker        string
	ClientID      string
	Username      string
	Password      string
	ReadingsTopic string
	AlertsTopic   string
	AlarmsTopic   string // enables thin-edge.io alarms when set
	QoS           byte
}

// Enabled reports whether MQTT is configured
func (c MQTTConfig) Enabled() bool {
	return c.Broker != ""
}

// KafkaConfig configures the optional Kafka source and sink
type KafkaConfig struct {
	Brokers       []string
	ReadingsTopic string
	AlertsTopic   string
	GroupID       string
	Producer      ProducerConfig
}

// ProducerConfig holds Kafka producer tuning
type ProducerConfig struct {
	PoolSize     int
	BatchSize    int
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	RequiredAcks int
	Compression  string
	MaxRetries   int
	RetryBackoff time.Duration
}

// ClickHouseConfig configures alert history. An empty address disables it.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// Enabled reports whether ClickHouse is configured
func (c ClickHouseConfig) Enabled() bool {
	return c.Addr != ""
}

// DetectorConfig holds evaluation settings
type DetectorConfig struct {
	Cooldown        time.Duration
	EscalationRearm bool
	PatternsEnabled bool
	MaxClockSkew    time.Duration // how far ahead of the local clock a reading may be stamped
	BandsFile       string
	Bands           map[models.Metric]threshold.BandDefinition
}

// StateConfig holds device state store settings
type StateConfig struct {
	Shards        int
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// IngestConfig holds ingestion loop settings
type IngestConfig struct {
	Workers   int
	QueueSize int
}

// EmitterConfig holds alert delivery settings
type EmitterConfig struct {
	QueueSize    int
	Workers      int
	BatchSize    int
	BatchTimeout time.Duration
}

// ConfigurationError reports an invalid or missing setting
type ConfigurationError struct {
	Key string
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %v", e.Key, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Default returns a sensible default config for local dev
func Default() *Config {
	node, err := os.Hostname()
	if err != nil || node == "" {
		node = "edgewatch"
	}

	return &Config{
		Node:     node,
		HTTPAddr: ":8080",
		LogLevel: "info",
		MQTT: MQTTConfig{
			Broker:        "tcp://localhost:1883",
			ClientID:      "edgewatch-detector",
			ReadingsTopic: "te/device/+/m/+",
			AlertsTopic:   "te/device/{device_id}/e/ai_alert",
			QoS:           1,
		},
		Kafka: KafkaConfig{
			GroupID: "edgewatch-detector",
			Producer: ProducerConfig{
				PoolSize:     2,
				BatchSize:    100,
				BatchTimeout: 10 * time.Millisecond,
				WriteTimeout: 10 * time.Second,
				RequiredAcks: -1,
				Compression:  "snappy",
				MaxRetries:   3,
				RetryBackoff: 100 * time.Millisecond,
			},
		},
		ClickHouse: ClickHouseConfig{
			Database: "edgewatch",
			Username: "default",
		},
		Detector: DetectorConfig{
			Cooldown:        10 * time.Second,
			PatternsEnabled: true,
			MaxClockSkew:    time.Minute,
			Bands:           threshold.DefaultBands(),
		},
		State: StateConfig{
			Shards:        64,
			IdleTimeout:   time.Hour,
			SweepInterval: time.Minute,
		},
		Ingest: IngestConfig{
			Workers:   4,
			QueueSize: 1024,
		},
		Emitter: EmitterConfig{
			QueueSize:    1024,
			Workers:      2,
			BatchSize:    50,
			BatchTimeout: 100 * time.Millisecond,
		},
	}
}

// Load reads configuration from the environment, after loading a .env file
// if one exists, and applies the optional band override file
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	env := &envReader{}

	cfg.Node = env.str("NODE_ID", cfg.Node)
	cfg.HTTPAddr = env.str("HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = env.str("LOG_LEVEL", cfg.LogLevel)

	cfg.MQTT.Broker = env.strAllowEmpty("MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.ClientID = env.str("MQTT_CLIENT_ID", cfg.MQTT.ClientID)
	cfg.MQTT.Username = env.str("MQTT_USERNAME", cfg.MQTT.Username)
	cfg.MQTT.Password = env.str("MQTT_PASSWORD", cfg.MQTT.Password)
	cfg.MQTT.ReadingsTopic = env.str("MQTT_TOPIC_READINGS", cfg.MQTT.ReadingsTopic)
	cfg.MQTT.AlertsTopic = env.str("MQTT_TOPIC_ALERTS", cfg.MQTT.AlertsTopic)
	cfg.MQTT.AlarmsTopic = env.str("MQTT_TOPIC_ALARMS", cfg.MQTT.AlarmsTopic)
	cfg.MQTT.QoS = byte(env.int("MQTT_QOS", int(cfg.MQTT.QoS)))

	cfg.Kafka.Brokers = env.list("KAFKA_BROKERS", cfg.Kafka.Brokers)
	cfg.Kafka.ReadingsTopic = env.str("KAFKA_READINGS_TOPIC", cfg.Kafka.ReadingsTopic)
	cfg.Kafka.AlertsTopic = env.str("KAFKA_ALERTS_TOPIC", cfg.Kafka.AlertsTopic)
	cfg.Kafka.GroupID = env.str("KAFKA_GROUP_ID", cfg.Kafka.GroupID)
	cfg.Kafka.Producer.PoolSize = env.int("KAFKA_PRODUCER_POOL_SIZE", cfg.Kafka.Producer.PoolSize)
	cfg.Kafka.Producer.Compression = env.str("KAFKA_COMPRESSION", cfg.Kafka.Producer.Compression)
	cfg.Kafka.Producer.RequiredAcks = env.int("KAFKA_REQUIRED_ACKS", cfg.Kafka.Producer.RequiredAcks)
	cfg.Kafka.Producer.MaxRetries = env.int("KAFKA_MAX_RETRIES", cfg.Kafka.Producer.MaxRetries)
	cfg.Kafka.Producer.RetryBackoff = env.duration("KAFKA_RETRY_BACKOFF", cfg.Kafka.Producer.RetryBackoff)

	cfg.ClickHouse.Addr = env.str("CLICKHOUSE_ADDR", cfg.ClickHouse.Addr)
	cfg.ClickHouse.Database = env.str("CLICKHOUSE_DB", cfg.ClickHouse.Database)
	cfg.ClickHouse.Username = env.str("CLICKHOUSE_USER", cfg.ClickHouse.Username)
	cfg.ClickHouse.Password = env.str("CLICKHOUSE_PASS", cfg.ClickHouse.Password)

	cfg.Detector.Cooldown = env.duration("DETECTOR_COOLDOWN", cfg.Detector.Cooldown)
	cfg.Detector.EscalationRearm = env.bool("DETECTOR_ESCALATION_REARM", cfg.Detector.EscalationRearm)
	cfg.Detector.PatternsEnabled = env.bool("DETECTOR_PATTERNS_ENABLED", cfg.Detector.PatternsEnabled)
	cfg.Detector.MaxClockSkew = env.duration("DETECTOR_MAX_CLOCK_SKEW", cfg.Detector.MaxClockSkew)
	cfg.Detector.BandsFile = env.str("BANDS_FILE", cfg.Detector.BandsFile)

	cfg.State.Shards = env.int("STATE_SHARDS", cfg.State.Shards)
	cfg.State.IdleTimeout = env.duration("STATE_IDLE_TIMEOUT", cfg.State.IdleTimeout)
	cfg.State.SweepInterval = env.duration("STATE_SWEEP_INTERVAL", cfg.State.SweepInterval)

	cfg.Ingest.Workers = env.int("INGEST_WORKERS", cfg.Ingest.Workers)
	cfg.Ingest.QueueSize = env.int("INGEST_QUEUE_SIZE", cfg.Ingest.QueueSize)

	cfg.Emitter.QueueSize = env.int("EMITTER_QUEUE_SIZE", cfg.Emitter.QueueSize)
	cfg.Emitter.Workers = env.int("EMITTER_WORKERS", cfg.Emitter.Workers)
	cfg.Emitter.BatchSize = env.int("EMITTER_BATCH_SIZE", cfg.Emitter.BatchSize)
	cfg.Emitter.BatchTimeout = env.duration("EMITTER_BATCH_TIMEOUT", cfg.Emitter.BatchTimeout)

	if err := env.err(); err != nil {
		return nil, err
	}

	if cfg.Detector.BandsFile != "" {
		bands, err := LoadBands(cfg.Detector.BandsFile, cfg.Detector.Bands)
		if err != nil {
			return nil, &ConfigurationError{Key: "BANDS_FILE", Err: err}
		}
		cfg.Detector.Bands = bands
	}

	return cfg, nil
}

// Validate checks the configuration can start the detector
func (c *Config) Validate() error {
	if c.Detector.Cooldown <= 0 {
		return &ConfigurationError{Key: "DETECTOR_COOLDOWN", Err: fmt.Errorf("must be positive, got %s", c.Detector.Cooldown)}
	}

	if c.Detector.MaxClockSkew < 0 {
		return &ConfigurationError{Key: "DETECTOR_MAX_CLOCK_SKEW", Err: fmt.Errorf("must not be negative, got %s", c.Detector.MaxClockSkew)}
	}

	if _, err := threshold.NewPolicy(c.Detector.Bands); err != nil {
		return &ConfigurationError{Key: "bands", Err: err}
	}

	if c.MQTT.QoS > 2 {
		return &ConfigurationError{Key: "MQTT_QOS", Err: fmt.Errorf("must be 0, 1 or 2, got %d", c.MQTT.QoS)}
	}

	if c.MQTT.Enabled() && c.MQTT.ReadingsTopic == "" && c.MQTT.AlertsTopic == "" {
		return &ConfigurationError{Key: "MQTT_TOPIC_READINGS", Err: errors.New("mqtt enabled without topics")}
	}

	if len(c.Kafka.Brokers) == 0 && (c.Kafka.ReadingsTopic != "" || c.Kafka.AlertsTopic != "") {
		return &ConfigurationError{Key: "KAFKA_BROKERS", Err: errors.New("required when a kafka topic is set")}
	}

	positive := []struct {
		key   string
		value int
	}{
		{"INGEST_WORKERS", c.Ingest.Workers},
		{"INGEST_QUEUE_SIZE", c.Ingest.QueueSize},
		{"EMITTER_QUEUE_SIZE", c.Emitter.QueueSize},
		{"EMITTER_WORKERS", c.Emitter.Workers},
		{"EMITTER_BATCH_SIZE", c.Emitter.BatchSize},
		{"STATE_SHARDS", c.State.Shards},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return &ConfigurationError{Key: p.key, Err: fmt.Errorf("must be positive, got %d", p.value)}
		}
	}

	if c.State.IdleTimeout <= 0 || c.State.SweepInterval <= 0 {
		return &ConfigurationError{Key: "STATE_IDLE_TIMEOUT", Err: errors.New("idle timeout and sweep interval must be positive")}
	}

	// Eviction drops the last alert time, so a key must outlive its cooldown
	if c.State.IdleTimeout < c.Detector.Cooldown {
		return &ConfigurationError{Key: "STATE_IDLE_TIMEOUT", Err: fmt.Errorf("must be at least the cooldown %s, got %s", c.Detector.Cooldown, c.State.IdleTimeout)}
	}

	return nil
}

// Policy builds the threshold policy from the configured bands
func (c *Config) Policy() (*threshold.Policy, error) {
	return threshold.NewPolicy(c.Detector.Bands)
}

// envReader reads typed values and collects parse failures
type envReader struct {
	errs []error
}

func (r *envReader) str(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// strAllowEmpty lets an explicitly empty variable clear the default
func (r *envReader) strAllowEmpty(key, defaultValue string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	return value
}

func (r *envReader) int(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		r.errs = append(r.errs, &ConfigurationError{Key: key, Err: err})
		return defaultValue
	}
	return intValue
}

func (r *envReader) bool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		r.errs = append(r.errs, &ConfigurationError{Key: key, Err: err})
		return defaultValue
	}
	return boolValue
}

// duration accepts Go durations ("10s") or a bare number of seconds
func (r *envReader) duration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(seconds * float64(time.Second))
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		r.errs = append(r.errs, &ConfigurationError{Key: key, Err: err})
		return defaultValue
	}
	return d
}

func (r *envReader) list(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (r *envReader) err() error {
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[0]
}
