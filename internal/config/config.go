package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
)

type Config struct {
	Port             string        `mapstructure:"port"`
	JWTSecret        string        `mapstructure:"jwt-secret"`
	TaskPoolSize     int           `mapstructure:"task-pool-size"`
	Profiling        string        `mapstructure:"profiling"`
	LogFile          string        `mapstructure:"log-file"`
	LogLevel         string        `mapstructure:"log-level"`
	PresenceTTL      time.Duration `mapstructure:"presence-ttl"`
	SweepInterval    time.Duration `mapstructure:"sweep-interval"`
	RegistryBackend  string        `mapstructure:"registry-backend"`
	NATSURL          string        `mapstructure:"nats-url"`
	NATSBucketPrefix string        `mapstructure:"nats-bucket-prefix"`
	SendBuffer       int           `mapstructure:"send-buffer"`
	HandlerTimeout   time.Duration `mapstructure:"handler-timeout"`
}

// option describes one setting: its flag name, the environment variable
// that overrides it and the default used when neither is set.
type option struct {
	flag        string
	env         string
	def         interface{}
	description string
}

var options = []option{
	{"port", "PORT", "8080", "HTTP server port"},
	{"jwt-secret", "SECRET_KEY", "supersecret", "JWT secret key"},
	{"task-pool-size", "TASK_POOL_SIZE", 10000, "size of task pool"},
	{"profiling", "PROFILING", "false", "enable pprof profiling (true/false)"},
	{"log-file", "LOG_FILE", "logs/server.log", "server log file"},
	{"log-level", "LOG_LEVEL", "info", "log level (debug, info, warn, error)"},
	{"presence-ttl", "PRESENCE_TTL", 90 * time.Second, "idle time after which a presence entry expires"},
	{"sweep-interval", "SWEEP_INTERVAL", 30 * time.Second, "how often expired presence entries are swept"},
	{"registry-backend", "REGISTRY_BACKEND", BackendMemory, "presence registry backend (memory, nats)"},
	{"nats-url", "NATS_URL", "nats://localhost:4222", "NATS server URL"},
	{"nats-bucket-prefix", "NATS_BUCKET_PREFIX", "SIGNALHUB", "prefix for JetStream KV buckets"},
	{"send-buffer", "SEND_BUFFER", 256, "per-connection outbound buffer size"},
	{"handler-timeout", "HANDLER_TIMEOUT", 5 * time.Second, "deadline for registry and relay calls of one event"},
}

var (
	instance *Config
	once     sync.Once
)

// NewConfig загружает конфигурацию из окружения или флагов
func NewConfig() *Config {
	once.Do(func() {
		cfg, err := Load(os.Args[1:])
		if err != nil {
			fmt.Fprintln(os.Stderr, "config:", err)
			os.Exit(2)
		}
		instance = cfg
	})
	return instance
}

// Load builds a Config from command-line args, environment and an optional
// config file. Precedence: flag, env, file, default.
func Load(args []string) (*Config, error) {
	v := viper.New()
	fs := pflag.NewFlagSet("signalhub", pflag.ContinueOnError)
	fs.String("config", "", "config file location (yaml, json or toml)")

	for _, o := range options {
		v.SetDefault(o.flag, o.def)
		switch d := o.def.(type) {
		case string:
			fs.String(o.flag, d, o.description)
		case int:
			fs.Int(o.flag, d, o.description)
		case time.Duration:
			fs.Duration(o.flag, d, o.description)
		}
		if err := v.BindEnv(o.flag, o.env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", o.env, err)
		}
	}

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.TaskPoolSize <= 0 {
		errs = append(errs, errors.New("task-pool-size must be positive"))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, errors.New("send-buffer must be positive"))
	}
	if c.PresenceTTL <= 0 {
		errs = append(errs, errors.New("presence-ttl must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep-interval must be positive"))
	}
	switch strings.ToLower(c.RegistryBackend) {
	case BackendMemory, BackendNATS:
	default:
		errs = append(errs, fmt.Errorf("unknown registry-backend %q", c.RegistryBackend))
	}
	return errors.Join(errs...)
}

// IsProfilingEnabled returns true if profiling is enabled in the config
func (c *Config) IsProfilingEnabled() bool {
	switch c.Profiling {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

// UsesNATS reports whether presence and delivery are shared through NATS.
func (c *Config) UsesNATS() bool {
	return strings.EqualFold(c.RegistryBackend, BackendNATS)
}
