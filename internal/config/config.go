// Package config loads the relay configuration from a YAML file and environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Source kinds.
const (
	KindSQL   = "sql"
	KindPgx   = "pgx"
	KindMongo = "mongo"
)

// Source modes.
const (
	ModePoll = "poll"
	ModePush = "push"
)

// Target kinds.
const (
	KindKafka    = "kafka"
	KindRabbitMQ = "rabbitmq"
	KindNATS     = "nats"
)

type Config struct {
	Log     Log      `yaml:"log"`
	HTTP    HTTP     `yaml:"http"`
	Engine  Engine   `yaml:"engine"`
	Redis   Redis    `yaml:"redis"`
	Sources []Source `yaml:"sources"`
	Targets []Target `yaml:"targets"`
}

type Log struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

type HTTP struct {
	Addr string `yaml:"addr" env:"HTTP_ADDR" env-default:":8080"`
}

type Engine struct {
	CompletionTimeout time.Duration `yaml:"completion_timeout" env:"OUTBOX_COMPLETION_TIMEOUT" env-default:"30s"`
}

// Redis enables cross-process triggers when Addr is set.
type Redis struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
	Channel  string `yaml:"channel" env:"REDIS_TRIGGER_CHANNEL" env-default:"outboxkit:trigger"`
}

// Source is an outbox store drained by the relay.
type Source struct {
	Key  string `yaml:"key"`
	Kind string `yaml:"kind"`
	Mode string `yaml:"mode"`

	// Driver is the database/sql driver name of sql sources.
	Driver string `yaml:"driver"`
	// Dialect defaults to the dialect of Driver.
	Dialect string `yaml:"dialect"`
	DSN     string `yaml:"dsn"`
	// Database is the MongoDB database of mongo sources.
	Database string `yaml:"database"`
	// Table is the outbox table or collection.
	Table string `yaml:"table"`

	BatchSize       int           `yaml:"batch_size"`
	PollingInterval time.Duration `yaml:"polling_interval"`
	MaxWait         time.Duration `yaml:"max_wait"`

	// Standalone marks a mongo server without replica set: acknowledged documents are deleted
	// outside a transaction. Push mode is not available.
	Standalone bool `yaml:"standalone"`

	Lock Lock `yaml:"lock"`
}

// Lock configures the distributed lock of mongo sources.
type Lock struct {
	Collection      string        `yaml:"collection"`
	ID              string        `yaml:"id"`
	Duration        time.Duration `yaml:"duration"`
	MaxPollInterval time.Duration `yaml:"max_poll_interval"`
	ChangeStreams   *bool         `yaml:"change_streams"`
}

// Target is a broker messages are produced to. Name is matched against the message target.
type Target struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`

	Brokers         []string `yaml:"brokers"`
	Topic           string   `yaml:"topic"`
	TopicFromTarget bool     `yaml:"topic_from_target"`

	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`

	Subject string `yaml:"subject"`
}

// Load reads path, falling back to environment variables alone when the file does not exist.
// Environment variables override file values. The result is validated.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading config %q: %w", path, err)
		}
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("reading config from environment: %w", err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.Mode == "" {
			s.Mode = ModePoll
		}
		if s.Kind == KindSQL && s.Dialect == "" {
			s.Dialect = dialectOf(s.Driver)
		}
		if s.BatchSize == 0 {
			s.BatchSize = 100
		}
		if s.PollingInterval == 0 {
			s.PollingInterval = 5 * time.Minute
		}
		if s.MaxWait == 0 {
			s.MaxWait = 5 * time.Minute
		}
		if s.Lock.ChangeStreams == nil {
			// push sources wait on change streams anyway
			enabled := s.Mode == ModePush
			s.Lock.ChangeStreams = &enabled
		}
	}
}

// drivers maps the supported database/sql driver names to their dialect.
var drivers = map[string]string{
	"mysql":     "mysql",
	"postgres":  "postgres",
	"pgx":       "postgres",
	"sqlite3":   "sqlite",
	"oracle":    "oracle",
	"sqlserver": "sqlserver",
}

func dialectOf(driver string) string {
	return drivers[driver]
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log format %q: must be json or text", c.Log.Format))
	}
	if c.Engine.CompletionTimeout <= 0 {
		errs = append(errs, errors.New("engine completion timeout must be positive"))
	}

	if len(c.Sources) == 0 {
		errs = append(errs, errors.New("no source configured"))
	}
	keys := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.Key == "" {
			errs = append(errs, fmt.Errorf("source #%d: missing key", i+1))
			continue
		}
		if keys[s.Key] {
			errs = append(errs, fmt.Errorf("duplicate source key %q", s.Key))
		}
		keys[s.Key] = true
		if err := s.validate(); err != nil {
			errs = append(errs, fmt.Errorf("source %q: %w", s.Key, err))
		}
	}

	if len(c.Targets) == 0 {
		errs = append(errs, errors.New("no target configured"))
	}
	names := make(map[string]bool, len(c.Targets))
	for i, t := range c.Targets {
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("target #%d: missing name", i+1))
			continue
		}
		if names[t.Name] {
			errs = append(errs, fmt.Errorf("duplicate target %q", t.Name))
		}
		names[t.Name] = true
		if err := t.validate(); err != nil {
			errs = append(errs, fmt.Errorf("target %q: %w", t.Name, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid relay configuration: %w", err)
	}
	return nil
}

func (s *Source) validate() error {
	var errs []error

	if s.DSN == "" {
		errs = append(errs, errors.New("missing dsn"))
	}

	switch s.Kind {
	case KindSQL:
		if _, ok := drivers[s.Driver]; !ok {
			errs = append(errs, fmt.Errorf("unsupported driver %q", s.Driver))
		}
	case KindPgx:
	case KindMongo:
		if s.Database == "" {
			errs = append(errs, errors.New("missing database"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown kind %q", s.Kind))
	}

	switch s.Mode {
	case ModePoll:
	case ModePush:
		if s.Kind != KindMongo {
			errs = append(errs, fmt.Errorf("push mode needs a mongo source, got %q", s.Kind))
		}
		if s.Standalone {
			errs = append(errs, errors.New("push mode needs a replica set, not a standalone server"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", s.Mode))
	}

	if s.BatchSize < 0 {
		errs = append(errs, errors.New("batch size must be positive"))
	}
	if s.PollingInterval < 0 || s.MaxWait < 0 || s.Lock.Duration < 0 || s.Lock.MaxPollInterval < 0 {
		errs = append(errs, errors.New("durations must be positive"))
	}

	return errors.Join(errs...)
}

func (t *Target) validate() error {
	switch t.Kind {
	case KindKafka:
		if len(t.Brokers) == 0 {
			return errors.New("missing brokers")
		}
		if t.Topic != "" && t.TopicFromTarget {
			return errors.New("topic and topic_from_target are mutually exclusive")
		}
	case KindRabbitMQ, KindNATS:
		if t.URL == "" {
			return errors.New("missing url")
		}
	default:
		return fmt.Errorf("unknown kind %q", t.Kind)
	}
	return nil
}

func (l Log) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", l.Level, err)
	}
	return level, nil
}

// NewLogger returns a logger writing to w with the configured format and level.
func (l Log) NewLogger(w io.Writer) *slog.Logger {
	level, err := l.level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(l.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
