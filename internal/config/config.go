// Package config loads the server configuration from an optional YAML file,
// applies environment overrides and fills in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts "250ms" and "5s" style strings in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full server configuration.
type Config struct {
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
	HTTPAddr  string `yaml:"httpAddr"`

	AMQP     AMQP     `yaml:"amqp"`
	MQTT     MQTT     `yaml:"mqtt"`
	History  History  `yaml:"history"`
	Backfill Backfill `yaml:"backfill"`

	SeedPath string `yaml:"seedPath"`
}

// AMQP configures the inbound broker queue.
type AMQP struct {
	URL   string `yaml:"url"`
	Queue string `yaml:"queue"`
}

// MQTT configures the alarm publication broker.
type MQTT struct {
	Broker    string `yaml:"broker"`
	Topic     string `yaml:"topic"`
	QueueSize int    `yaml:"queueSize"`
}

// History configures Postgres persistence. Without a DSN history stays off.
type History struct {
	DSN           string   `yaml:"dsn"`
	BatchSize     int      `yaml:"batchSize"`
	FlushInterval Duration `yaml:"flushInterval"`
	FallbackPath  string   `yaml:"fallbackPath"`
}

// Enabled reports whether history persistence is configured.
func (h History) Enabled() bool { return h.DSN != "" }

// Backfill configures the startup ancestry derivation.
type Backfill struct {
	StateFile string `yaml:"stateFile"`
	Workers   int    `yaml:"workers"`
	BatchSize int    `yaml:"batchSize"`
}

func defaults() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "json",
		HTTPAddr:  ":8080",
		AMQP:      AMQP{Queue: "plantmon.ingest"},
		MQTT:      MQTT{Topic: "plantmon/alarms", QueueSize: 256},
		History: History{
			BatchSize:     200,
			FlushInterval: Duration(5 * time.Second),
			FallbackPath:  "history.fallback",
		},
		Backfill: Backfill{
			StateFile: "backfill.state",
			Workers:   4,
			BatchSize: 500,
		},
	}
}

// Load reads the YAML file at path (skipped when path is empty), overlays
// environment variables on top and validates the result.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.LogLevel = getenvDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getenvDefault("LOG_FORMAT", cfg.LogFormat)
	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", cfg.HTTPAddr)

	cfg.AMQP.URL = getenvDefault("AMQP_URL", cfg.AMQP.URL)
	cfg.AMQP.Queue = getenvDefault("AMQP_QUEUE", cfg.AMQP.Queue)

	cfg.MQTT.Broker = getenvDefault("MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.Topic = getenvDefault("MQTT_TOPIC", cfg.MQTT.Topic)
	cfg.MQTT.QueueSize = getenvIntDefault("MQTT_QUEUE_SIZE", cfg.MQTT.QueueSize)

	cfg.History.DSN = getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", cfg.History.DSN))
	cfg.History.BatchSize = getenvIntDefault("HISTORY_BATCH_SIZE", cfg.History.BatchSize)
	cfg.History.FlushInterval = Duration(getenvDuration("HISTORY_FLUSH_INTERVAL", cfg.History.FlushInterval.Std()))
	cfg.History.FallbackPath = getenvDefault("HISTORY_FALLBACK_PATH", cfg.History.FallbackPath)

	cfg.Backfill.StateFile = getenvDefault("BACKFILL_STATE_FILE", cfg.Backfill.StateFile)
	cfg.Backfill.Workers = getenvIntDefault("BACKFILL_WORKERS", cfg.Backfill.Workers)
	cfg.Backfill.BatchSize = getenvIntDefault("BACKFILL_BATCH_SIZE", cfg.Backfill.BatchSize)

	cfg.SeedPath = getenvDefault("SEED_PATH", cfg.SeedPath)
}

func (c Config) validate() error {
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	if c.AMQP.URL == "" {
		return errors.New("config: amqp.url (AMQP_URL) is required")
	}
	if c.AMQP.Queue == "" {
		return errors.New("config: amqp.queue (AMQP_QUEUE) is required")
	}
	if c.MQTT.Broker == "" {
		return errors.New("config: mqtt.broker (MQTT_BROKER) is required")
	}
	if c.MQTT.Topic == "" {
		return errors.New("config: mqtt.topic (MQTT_TOPIC) is required")
	}
	if c.History.Enabled() {
		if c.History.BatchSize <= 0 {
			return errors.New("config: history.batchSize must be positive")
		}
		if c.History.FlushInterval.Std() <= 0 {
			return errors.New("config: history.flushInterval must be positive")
		}
		if c.History.FallbackPath == "" {
			return errors.New("config: history.fallbackPath is required when history is enabled")
		}
	}
	if c.Backfill.StateFile == "" {
		return errors.New("config: backfill.stateFile is required")
	}
	return nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
