// Package config loads server configuration from an optional YAML file and
// overlays the environment variables the deployment scripts set.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the top-level server configuration.
type Config struct {
	Server        ServerConfig       `yaml:"server"`
	Database      DatabaseConfig     `yaml:"database"`
	Notifications NotificationConfig `yaml:"notifications"`
	Intake        IntakeConfig       `yaml:"intake"`
	Log           LogConfig          `yaml:"log"`
}

// ServerConfig holds HTTP and websocket transport settings.
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	OutboundQueue  int           `yaml:"outbound_queue"`
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

// DatabaseConfig selects the SQL driver used for appointments, transcripts,
// notes and (with the sql backend) notifications.
type DatabaseConfig struct {
	Driver        string `yaml:"driver"` // "sqlite3" or "postgres"
	DSN           string `yaml:"dsn"`
	NotifyChannel string `yaml:"notify_channel"`
}

// NotificationConfig selects the notification store backend.
type NotificationConfig struct {
	Backend      string        `yaml:"backend"` // "sql", "memory" or "redis"
	PollInterval time.Duration `yaml:"poll_interval"`
	RedisAddr    string        `yaml:"redis_addr"`
	RedisDB      int           `yaml:"redis_db"`
	RedisPrefix  string        `yaml:"redis_prefix"`
}

// IntakeConfig configures the automated responder behind the intake chat.
type IntakeConfig struct {
	Responder    string `yaml:"responder"` // "rules" or "openai"
	APIKey       string `yaml:"api_key"`
	ChatModel    string `yaml:"chat_model"`
	SummaryModel string `yaml:"summary_model"`
	HistoryLimit int    `yaml:"history_limit"`
}

// LogConfig controls the zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// Load reads the YAML file at path (if path is non-empty), overlays the
// environment and returns a validated Config.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "config: read %s", path)
		}
		data = b
	}
	return parse(data, os.Getenv)
}

// Parse unmarshals YAML bytes into a validated Config without consulting the
// environment.
func Parse(data []byte) (*Config, error) {
	return parse(data, func(string) string { return "" })
}

func parse(data []byte, getenv func(string) string) (*Config, error) {
	var cfg Config
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrap(err, "config: parse")
		}
	}
	cfg.applyEnv(getenv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays the variables used by the container images.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
		if c.Database.Driver == "" && (strings.HasPrefix(v, "postgres://") || strings.HasPrefix(v, "postgresql://")) {
			c.Database.Driver = "postgres"
		}
	}
	if v := getenv("DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := getenv("POSTGRES_NOTIFY_CHANNEL"); v != "" {
		c.Database.NotifyChannel = v
	}
	if v := getenv("PORT"); v != "" {
		c.Server.Addr = ":" + v
	}
	if v := getenv("ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	if v := getenv("NOTIFICATION_BACKEND"); v != "" {
		c.Notifications.Backend = v
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		c.Notifications.RedisAddr = v
	}
	if v := getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Notifications.RedisDB = n
		}
	}
	if v := getenv("INTAKE_RESPONDER"); v != "" {
		c.Intake.Responder = v
	}
	if v := getenv("OPENAI_API_KEY"); v != "" {
		c.Intake.APIKey = v
	}
	if v := getenv("OPENAI_MODEL_CHAT"); v != "" {
		c.Intake.ChatModel = v
	}
	if v := getenv("OPENAI_MODEL_SUMMARY"); v != "" {
		c.Intake.SummaryModel = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:3001", "http://localhost:3002"}
	}
	if c.Server.OutboundQueue <= 0 {
		c.Server.OutboundQueue = 32
	}
	if c.Server.EnqueueTimeout <= 0 {
		c.Server.EnqueueTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.PingInterval <= 0 {
		c.Server.PingInterval = 30 * time.Second
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite3" {
		c.Database.DSN = "file:therapy.db?_foreign_keys=on"
	}
	if c.Database.NotifyChannel == "" {
		c.Database.NotifyChannel = "notifications"
	}
	if c.Notifications.Backend == "" {
		c.Notifications.Backend = "sql"
	}
	if c.Notifications.PollInterval <= 0 {
		c.Notifications.PollInterval = 10 * time.Second
	}
	if c.Notifications.RedisPrefix == "" {
		c.Notifications.RedisPrefix = "therapy"
	}
	if c.Intake.Responder == "" {
		c.Intake.Responder = "rules"
	}
	if c.Intake.ChatModel == "" {
		c.Intake.ChatModel = "gpt-4o-mini"
	}
	if c.Intake.SummaryModel == "" {
		c.Intake.SummaryModel = c.Intake.ChatModel
	}
	if c.Intake.HistoryLimit <= 0 {
		c.Intake.HistoryLimit = 20
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be sqlite3 or postgres", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, "database.dsn is required")
	}
	switch c.Notifications.Backend {
	case "sql", "memory":
	case "redis":
		if c.Notifications.RedisAddr == "" {
			errs = append(errs, "notifications.redis_addr is required for the redis backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("notifications.backend %q must be sql, memory or redis", c.Notifications.Backend))
	}
	switch c.Intake.Responder {
	case "rules":
	case "openai":
		if c.Intake.APIKey == "" {
			errs = append(errs, "intake.api_key (OPENAI_API_KEY) is required for the openai responder")
		}
	default:
		errs = append(errs, fmt.Sprintf("intake.responder %q must be rules or openai", c.Intake.Responder))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q must be console or json", c.Log.Format))
	}
	if len(errs) > 0 {
		return errors.Wrapf(ErrInvalid, "config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// UsesPostgres reports whether LISTEN/NOTIFY is available.
func (c *Config) UsesPostgres() bool {
	return c.Database.Driver == "postgres"
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
