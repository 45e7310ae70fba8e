package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		RateLimit      struct {
			PerMinute int `yaml:"per_minute"`
			Burst     int `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled         bool   `yaml:"enabled"`
		Broker          string `yaml:"broker"`
		ClientID        string `yaml:"client_id"`
		Username        string `yaml:"username"`
		Password        string `yaml:"password"`
		TopicPrefix     string `yaml:"topic_prefix"`
		Discovery       bool   `yaml:"discovery"`
		DiscoveryPrefix string `yaml:"discovery_prefix"`
	} `yaml:"mqtt"`
	InfluxDB struct {
		Enabled       bool   `yaml:"enabled"`
		URL           string `yaml:"url"`
		Token         string `yaml:"token"`
		Org           string `yaml:"org"`
		Bucket        string `yaml:"bucket"`
		BatchSize     int    `yaml:"batch_size"`
		FlushInterval int    `yaml:"flush_interval"` // seconds
	} `yaml:"influxdb"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	AgentsFile string `yaml:"agents_file"`
}

func (c *Config) validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			return fmt.Errorf("influxdb.url, influxdb.org and influxdb.bucket are required when influxdb is enabled")
		}
	}
	if c.Web.RateLimit.PerMinute < 0 || c.Web.RateLimit.Burst < 0 {
		return fmt.Errorf("web.rate_limit values must not be negative")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg, os.Getenv)
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Web.RateLimit.PerMinute > 0 && cfg.Web.RateLimit.Burst == 0 {
		cfg.Web.RateLimit.Burst = 20
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "agent-gateway.db"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "agentgw"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "agent-gateway"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

// applyEnv overrides secrets and the listen address from AGENTGW_*
// environment variables.
func applyEnv(cfg *Config, getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.Web.Listen, "AGENTGW_WEB_LISTEN")
	set(&cfg.Web.APIKey, "AGENTGW_API_KEY")
	set(&cfg.MQTT.Broker, "AGENTGW_MQTT_BROKER")
	set(&cfg.MQTT.Username, "AGENTGW_MQTT_USERNAME")
	set(&cfg.MQTT.Password, "AGENTGW_MQTT_PASSWORD")
	set(&cfg.InfluxDB.Token, "AGENTGW_INFLUXDB_TOKEN")
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
