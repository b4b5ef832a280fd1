// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ParseCronSpec validates and parses a standard 5-field cron expression,
// the same parser SPEC_FULL.md §4.10 grounds housekeeping's schedule on.
func ParseCronSpec(spec string) (cron.Schedule, error) {
	return cronParser.Parse(spec)
}

// Bus carries the JetStream connection and datacenter naming spec.md §6
// requires (metadata_broker_list -> NatsURL; dc_name/consume_dc/produce_dc
// fall back to "datacenter1" when unset, per spec.md §6).
type Bus struct {
	NatsURL      string        `mapstructure:"nats_url"`
	ConsumeDC    string        `mapstructure:"consume_dc"`
	ProduceDC    string        `mapstructure:"produce_dc"`
	DCName       string        `mapstructure:"dc_name"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
}

// ResolvedConsumeDC returns ConsumeDC, falling back to DCName, else the
// spec-mandated literal default (spec.md §6).
func (b Bus) ResolvedConsumeDC() string { return firstNonEmpty(b.ConsumeDC, b.DCName, "datacenter1") }

// ResolvedProduceDC mirrors ResolvedConsumeDC for the produce side.
func (b Bus) ResolvedProduceDC() string { return firstNonEmpty(b.ProduceDC, b.DCName, "datacenter1") }

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// Observability configures structured logging and the metrics/health port.
type Observability struct {
	LogLevel    string `mapstructure:"log_level"`
	LogFile     string `mapstructure:"log_file"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

type AdminAPI struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

type Housekeeping struct {
	CronSpec string `mapstructure:"cron_spec"`
}

type Config struct {
	Bus           Bus           `mapstructure:"bus"`
	Redis         Redis         `mapstructure:"redis"`
	RulesDir      string        `mapstructure:"rules_dir"`
	Observability Observability `mapstructure:"observability"`
	AdminAPI      AdminAPI      `mapstructure:"admin_api"`
	Housekeeping  Housekeeping  `mapstructure:"housekeeping"`
}

func defaultConfig() *Config {
	return &Config{
		Bus: Bus{
			NatsURL:      "nats://localhost:4222",
			ConsumeDC:    "dc1",
			ProduceDC:    "dc1",
			DCName:       "datacenter1",
			StartupDelay: 0,
		},
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		RulesDir: "./rules",
		Observability: Observability{
			LogLevel:    "info",
			LogFile:     "",
			MetricsPort: 9090,
		},
		AdminAPI: AdminAPI{
			ListenAddr: ":8090",
		},
		Housekeeping: Housekeeping{
			CronSpec: "0 */6 * * *",
		},
	}
}

// Load reads configuration from a YAML file (spec.md §6, SPEC_FULL.md §6),
// applying defaults first and allowing environment variable overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("bus.nats_url", def.Bus.NatsURL)
	v.SetDefault("bus.consume_dc", def.Bus.ConsumeDC)
	v.SetDefault("bus.produce_dc", def.Bus.ProduceDC)
	v.SetDefault("bus.dc_name", def.Bus.DCName)
	v.SetDefault("bus.startup_delay", def.Bus.StartupDelay)

	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("rules_dir", def.RulesDir)

	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.log_file", def.Observability.LogFile)
	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)

	v.SetDefault("admin_api.listen_addr", def.AdminAPI.ListenAddr)

	v.SetDefault("housekeeping.cron_spec", def.Housekeeping.CronSpec)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Bus.NatsURL == "" {
		return fmt.Errorf("bus.nats_url is required")
	}
	if cfg.RulesDir == "" {
		return fmt.Errorf("rules_dir is required")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.AdminAPI.ListenAddr == "" {
		return fmt.Errorf("admin_api.listen_addr is required")
	}
	if _, err := ParseCronSpec(cfg.Housekeeping.CronSpec); err != nil {
		return fmt.Errorf("housekeeping.cron_spec: %w", err)
	}
	return nil
}
