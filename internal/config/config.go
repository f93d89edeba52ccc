// Package config loads the configuration of the sweep server.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Broker kinds.
const (
	BrokerNone   = "none"
	BrokerAMQP   = "amqp"
	BrokerRedis  = "redis"
	BrokerSolace = "solace"
)

// Codec names.
const (
	CodecJSON  = "json"
	CodecProto = "proto"
)

const (
	defListen              = ":8080"
	defDriver              = "postgres"
	defCodec               = CodecJSON
	defExecutionTimeout    = 15 * time.Minute
	defTimeNeeded          = 5 * time.Second
	defDispatchAttempts    = 3
	defConsumerWorkers     = 10
	defResumerInterval     = 10 * time.Second
	defBackoffBaseSec      = 10
	defBackoffMaxSec       = 10240
	defMaxDispatchAttempts = 10
	defCheckpointLimit     = 100
	defPageSize            = 100
	defShutdownTimeout     = 30 * time.Second
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrInvalidEnv    = errors.New("invalid environment variable")
)

// envPattern matches ${VAR} and ${VAR:-default} expressions.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-((?:[^}\\]|\\.)*))?\}`)

type (
	// Config is the root of the server configuration.
	Config struct {
		Listen          string        `yaml:"listen"`
		ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
		Codec           string        `yaml:"codec"`
		Database        Database      `yaml:"database"`
		Broker          Broker        `yaml:"broker"`
		Execution       Execution     `yaml:"execution"`
		Resumer         Resumer       `yaml:"resumer"`
		Sweeps          []Sweep       `yaml:"sweeps"`
	}

	// Database selects the store of checkpoints, runs and swept tables.
	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	}

	// Broker selects the transport continuations are dispatched through.
	// With BrokerNone executions are triggered over HTTP and run in-process.
	Broker struct {
		Kind   string `yaml:"kind"`
		AMQP   AMQP   `yaml:"amqp"`
		Redis  Redis  `yaml:"redis"`
		Solace Solace `yaml:"solace"`
	}

	AMQP struct {
		URL      string `yaml:"url"`
		Target   string `yaml:"target"`
		Source   string `yaml:"source"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	}

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Queue    string `yaml:"queue"`
	}

	Solace struct {
		Host     string `yaml:"host"`
		VPN      string `yaml:"vpn"`
		Target   string `yaml:"target"`
		Source   string `yaml:"source"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		CADir    string `yaml:"caDir"`
	}

	// Execution bounds every execution of a sweep.
	Execution struct {
		Timeout             time.Duration `yaml:"timeout"`
		TimeNeededToRecurse time.Duration `yaml:"timeNeededToRecurse"`
		DispatchAttempts    int           `yaml:"dispatchAttempts"`
		MaxGenerations      int           `yaml:"maxGenerations"`
		Workers             int           `yaml:"workers"`
	}

	// Resumer configures the redispatch of sweeps whose continuation failed.
	Resumer struct {
		Enabled             bool          `yaml:"enabled"`
		Interval            time.Duration `yaml:"interval"`
		BackoffBaseSec      uint64        `yaml:"backoffBaseSec"`
		BackoffMaxSec       uint64        `yaml:"backoffMaxSec"`
		MaxDispatchAttempts int64         `yaml:"maxDispatchAttempts"`
		Limit               int           `yaml:"limit"`
	}

	// Sweep is one table swept by key. Every row runs Statement with the row key
	// as its only parameter.
	Sweep struct {
		Target    string   `yaml:"target"`
		Table     string   `yaml:"table"`
		Key       string   `yaml:"key"`
		Operation string   `yaml:"operation"`
		PageSize  int      `yaml:"pageSize"`
		ItemLimit int      `yaml:"itemLimit"`
		Filters   []Filter `yaml:"filters"`
		Statement string   `yaml:"statement"`
		Schedule  string   `yaml:"schedule"`
	}

	// Filter is a condition the FILTER operation applies.
	Filter struct {
		Column   string `yaml:"column"`
		Operator string `yaml:"operator"`
		Value    any    `yaml:"value"`
	}
)

// Load reads a YAML configuration file, expands ${VAR} expressions, applies
// defaults and SWEEP_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse parses a YAML configuration like Load does.
func Parse(raw []byte) (*Config, error) {
	expanded, err := expandEnv(raw)
	if err != nil {
		return nil, fmt.Errorf("config: expanding variables: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing: %w", err)
	}

	cfg.defaults()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.Database.DSN == "" {
		invalid("database.dsn is required")
	}
	switch c.Codec {
	case CodecJSON, CodecProto:
	default:
		invalid("unknown codec %q", c.Codec)
	}
	switch c.Broker.Kind {
	case BrokerNone:
	case BrokerAMQP:
		if c.Broker.AMQP.URL == "" {
			invalid("broker.amqp.url is required")
		}
	case BrokerRedis:
		if c.Broker.Redis.Addr == "" {
			invalid("broker.redis.addr is required")
		}
	case BrokerSolace:
		if c.Broker.Solace.Host == "" {
			invalid("broker.solace.host is required")
		}
	default:
		invalid("unknown broker kind %q", c.Broker.Kind)
	}
	if c.Execution.Timeout <= c.Execution.TimeNeededToRecurse {
		invalid("execution.timeout must exceed execution.timeNeededToRecurse")
	}
	if c.Execution.DispatchAttempts <= 0 {
		invalid("execution.dispatchAttempts must be positive")
	}

	targets := map[string]struct{}{}
	for i, s := range c.Sweeps {
		if s.Target == "" {
			invalid("sweeps[%d].target is required", i)
		}
		if _, ok := targets[s.Target]; ok {
			invalid("duplicate sweep target %q", s.Target)
		}
		targets[s.Target] = struct{}{}
		if s.Table == "" || s.Key == "" {
			invalid("sweeps[%d] needs table and key", i)
		}
		if s.Statement == "" {
			invalid("sweeps[%d].statement is required", i)
		}
		if s.Operation != "ENUMERATE" && s.Operation != "FILTER" {
			invalid("sweeps[%d].operation must be ENUMERATE or FILTER", i)
		}
	}
	return errors.Join(errs...)
}

func (c *Config) defaults() {
	setDefault(&c.Listen, defListen)
	setDefault(&c.ShutdownTimeout, defShutdownTimeout)
	setDefault(&c.Codec, defCodec)
	setDefault(&c.Database.Driver, defDriver)
	setDefault(&c.Broker.Kind, BrokerNone)
	setDefault(&c.Execution.Timeout, defExecutionTimeout)
	setDefault(&c.Execution.TimeNeededToRecurse, defTimeNeeded)
	setDefault(&c.Execution.DispatchAttempts, defDispatchAttempts)
	setDefault(&c.Execution.Workers, defConsumerWorkers)
	setDefault(&c.Resumer.Interval, defResumerInterval)
	setDefault(&c.Resumer.BackoffBaseSec, defBackoffBaseSec)
	setDefault(&c.Resumer.BackoffMaxSec, defBackoffMaxSec)
	setDefault(&c.Resumer.MaxDispatchAttempts, defMaxDispatchAttempts)
	setDefault(&c.Resumer.Limit, defCheckpointLimit)
	for i := range c.Sweeps {
		setDefault(&c.Sweeps[i].Operation, "ENUMERATE")
		setDefault(&c.Sweeps[i].PageSize, defPageSize)
	}
}

func (c *Config) applyEnv() error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	c.Listen = getEnvOrDefault("SWEEP_LISTEN", c.Listen)
	c.Codec = getEnvOrDefault("SWEEP_CODEC", c.Codec)
	c.Database.Driver = getEnvOrDefault("SWEEP_DATABASE_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnvOrDefault("SWEEP_DATABASE_DSN", c.Database.DSN)
	c.Broker.Kind = getEnvOrDefault("SWEEP_BROKER_KIND", c.Broker.Kind)
	c.Broker.AMQP.URL = getEnvOrDefault("SWEEP_AMQP_URL", c.Broker.AMQP.URL)
	c.Broker.AMQP.Password = getEnvOrDefault("SWEEP_AMQP_PASSWORD", c.Broker.AMQP.Password)
	c.Broker.Redis.Addr = getEnvOrDefault("SWEEP_REDIS_ADDR", c.Broker.Redis.Addr)
	c.Broker.Redis.Password = getEnvOrDefault("SWEEP_REDIS_PASSWORD", c.Broker.Redis.Password)
	c.Broker.Solace.Host = getEnvOrDefault("SWEEP_SOLACE_HOST", c.Broker.Solace.Host)
	c.Broker.Solace.Password = getEnvOrDefault("SWEEP_SOLACE_PASSWORD", c.Broker.Solace.Password)

	var err error
	c.Execution.Timeout, err = getEnvOrDefaultDuration("SWEEP_EXECUTION_TIMEOUT", c.Execution.Timeout)
	collect(err)
	c.Execution.TimeNeededToRecurse, err = getEnvOrDefaultDuration("SWEEP_TIME_NEEDED_TO_RECURSE", c.Execution.TimeNeededToRecurse)
	collect(err)
	c.Execution.DispatchAttempts, err = getEnvOrDefaultInt("SWEEP_DISPATCH_ATTEMPTS", c.Execution.DispatchAttempts)
	collect(err)
	c.Execution.Workers, err = getEnvOrDefaultInt("SWEEP_WORKERS", c.Execution.Workers)
	collect(err)
	c.Resumer.Enabled, err = getEnvOrDefaultBool("SWEEP_RESUMER_ENABLED", c.Resumer.Enabled)
	collect(err)
	c.Resumer.Interval, err = getEnvOrDefaultDuration("SWEEP_RESUMER_INTERVAL", c.Resumer.Interval)
	collect(err)

	return errors.Join(errs...)
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvOrDefaultInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	valueInt, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%w: %s=%q", ErrInvalidEnv, key, value)
	}
	return valueInt, nil
}

func getEnvOrDefaultBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	valueBool, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%w: %s=%q", ErrInvalidEnv, key, value)
	}
	return valueBool, nil
}

func getEnvOrDefaultDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	valueDuration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%w: %s=%q", ErrInvalidEnv, key, value)
	}
	return valueDuration, nil
}

// expandEnv replaces ${VAR} and ${VAR:-default} patterns in raw YAML bytes.
func expandEnv(raw []byte) ([]byte, error) {
	var errs []error

	result := envPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		subs := envPattern.FindSubmatch(match)
		name := string(subs[1])

		if value, ok := os.LookupEnv(name); ok {
			return []byte(value)
		}
		if subs[2] != nil {
			return subs[2]
		}

		errs = append(errs, fmt.Errorf("unresolved variable: %s", name))
		return match
	})

	return result, errors.Join(errs...)
}
