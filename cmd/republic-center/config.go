package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"republic-center/internal/assistant"
	"republic-center/internal/health"
)

type Config struct {
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled         bool   `yaml:"enabled"`
		Broker          string `yaml:"broker"`
		Username        string `yaml:"username"`
		Password        string `yaml:"password"`
		ClientID        string `yaml:"client_id"`
		TopicPrefix     string `yaml:"topic_prefix"`
		Discovery       bool   `yaml:"discovery"`
		DiscoveryPrefix string `yaml:"discovery_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Admin struct {
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"admin"`
	Pairing struct {
		Host            string `yaml:"host"`
		Port            string `yaml:"port"`
		RepairOnInvalid *bool  `yaml:"repair_on_invalid"`
	} `yaml:"pairing"`
	Health struct {
		RepairDelay      time.Duration `yaml:"repair_delay"`
		WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	} `yaml:"health"`
	Wifi struct {
		ScanDelay    time.Duration `yaml:"scan_delay"`
		ConnectDelay time.Duration `yaml:"connect_delay"`
	} `yaml:"wifi"`
	Assistant struct {
		APIKey       string `yaml:"api_key"`
		Model        string `yaml:"model"`
		Endpoint     string `yaml:"endpoint"`
		HistoryLimit int    `yaml:"history_limit"`
	} `yaml:"assistant"`
	Discovery struct {
		Enabled  bool `yaml:"enabled"`
		AllPorts bool `yaml:"all_ports"`
		Probe    bool `yaml:"probe"`
		Baud     int  `yaml:"baud"`
	} `yaml:"discovery"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.Web.Listen == "" {
		return fmt.Errorf("web.listen is required")
	}
	if strings.TrimSpace(c.Admin.Username) == "" {
		return fmt.Errorf("admin.username must not be empty")
	}
	if c.Admin.Password == "" {
		return fmt.Errorf("admin.password must not be empty")
	}
	if port, err := strconv.Atoi(c.Pairing.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("pairing.port must be 1-65535, got %q", c.Pairing.Port)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.Health.RepairDelay <= 0 || c.Health.WatchdogInterval <= 0 {
		return fmt.Errorf("health.repair_delay and health.watchdog_interval must be positive")
	}
	if c.Wifi.ScanDelay < 0 || c.Wifi.ConnectDelay < 0 {
		return fmt.Errorf("wifi delays must not be negative")
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
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "republic-center.db"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "republic"
	}
	if cfg.MQTT.DiscoveryPrefix == "" {
		cfg.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	// The stock password only applies to the stock account.
	if cfg.Admin.Username == "" && cfg.Admin.Password == "" {
		cfg.Admin.Password = "123"
	}
	if cfg.Admin.Username == "" {
		cfg.Admin.Username = "admin"
	}
	if cfg.Pairing.Host == "" {
		cfg.Pairing.Host = "192.168.1.100"
	}
	if cfg.Pairing.Port == "" {
		cfg.Pairing.Port = "8080"
	}
	if cfg.Pairing.RepairOnInvalid == nil {
		on := true
		cfg.Pairing.RepairOnInvalid = &on
	}
	if cfg.Health.RepairDelay == 0 {
		cfg.Health.RepairDelay = health.DefaultRepairDelay
	}
	if cfg.Health.WatchdogInterval == 0 {
		cfg.Health.WatchdogInterval = health.DefaultWatchdogInterval
	}
	if cfg.Wifi.ScanDelay == 0 {
		cfg.Wifi.ScanDelay = 2 * time.Second
	}
	if cfg.Wifi.ConnectDelay == 0 {
		cfg.Wifi.ConnectDelay = 2500 * time.Millisecond
	}
	if cfg.Assistant.APIKey == "" {
		cfg.Assistant.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if cfg.Assistant.Model == "" {
		cfg.Assistant.Model = assistant.DefaultModel
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	return &cfg, nil
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
