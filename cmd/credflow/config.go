package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/credflow/internal/engine"
	"github.com/rendis/credflow/internal/monitor"
	"github.com/rendis/credflow/internal/queue"
	"github.com/rendis/credflow/internal/scheduler"
)

// envPrefix is the prefix for environment variables, e.g. CREDFLOW_STORE_DSN.
const envPrefix = "CREDFLOW"

// Config holds all credflow configuration.
// Priority: env vars > settings file > defaults.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`

	Store     StoreConfig      `mapstructure:"store"`
	Gateway   GatewayConfig    `mapstructure:"gateway"`
	Queue     QueueConfig      `mapstructure:"queue"`
	Engine    engine.Config    `mapstructure:"engine"`
	Monitor   monitor.Config   `mapstructure:"monitor"`
	Scheduler scheduler.Config `mapstructure:"scheduler"`
	Streaming StreamingConfig  `mapstructure:"streaming"`
}

// StoreConfig selects the SQL backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // libsql or postgres
	DSN    string `mapstructure:"dsn"`
}

// GatewayConfig points at the approval/signature service.
type GatewayConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// QueueConfig combines dispatcher and runner settings under one key.
type QueueConfig struct {
	queue.Config       `mapstructure:",squash"`
	queue.RunnerConfig `mapstructure:",squash"`
}

// StreamingConfig selects the event hub. An empty RedisAddr means in-memory.
type StreamingConfig struct {
	RedisAddr    string `mapstructure:"redis_addr"`
	RedisChannel string `mapstructure:"redis_channel"`
}

func credflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".credflow"
	}
	return filepath.Join(home, ".credflow")
}

// setDefaults registers every key so env vars bind even without a file.
func setDefaults(v *viper.Viper) {
	q := queue.DefaultConfig()
	e := engine.DefaultConfig()
	m := monitor.DefaultConfig()
	s := scheduler.DefaultConfig()

	v.SetDefault("listen_addr", ":4200")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.dsn", "file:"+filepath.Join(credflowDir(), "credflow.db"))

	v.SetDefault("gateway.base_url", "")
	v.SetDefault("gateway.timeout", 10*time.Second)

	v.SetDefault("queue.max_attempts", q.MaxAttempts)
	v.SetDefault("queue.lease", q.Lease)
	v.SetDefault("queue.retry_cap", q.DefaultRetryCap)
	v.SetDefault("queue.backoff.strategy", q.Backoff.Strategy)
	v.SetDefault("queue.backoff.delay", q.Backoff.Delay)
	v.SetDefault("queue.backoff.max_delay", q.Backoff.MaxDelay)
	v.SetDefault("queue.worker_id", defaultWorkerID())
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.poll_interval", time.Second)
	v.SetDefault("queue.claim_rate", 0.0)

	v.SetDefault("engine.max_nodes_per_turn", e.MaxNodesPerTurn)
	v.SetDefault("engine.guard_timeout", e.GuardTimeout)
	v.SetDefault("engine.default_wait_deadline", e.DefaultWaitDeadline)
	v.SetDefault("engine.breaker.failure_threshold", e.Breaker.FailureThreshold)
	v.SetDefault("engine.breaker.cooldown", e.Breaker.Cooldown)
	v.SetDefault("engine.breaker.half_open_max", e.Breaker.HalfOpenMax)

	v.SetDefault("monitor.sla_budget", m.SLABudget)
	v.SetDefault("monitor.signature_alert_after", m.SignatureAlertAfter)
	v.SetDefault("monitor.signature_expire_after", m.SignatureExpireAfter)
	v.SetDefault("monitor.escalation_recipient", m.EscalationRecipient)

	v.SetDefault("scheduler.enabled", s.Enabled)
	v.SetDefault("scheduler.monitor_cron", s.MonitorCron)
	v.SetDefault("scheduler.sweep_cron", s.SweepCron)
	v.SetDefault("scheduler.tick", s.Tick)

	v.SetDefault("streaming.redis_addr", "")
	v.SetDefault("streaming.redis_channel", "")
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return fmt.Sprintf("credflow-%d", os.Getpid())
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// loadConfig layers defaults, the settings file and CREDFLOW_* env vars.
// An explicit cfgFile must exist; the default settings file is optional.
func loadConfig(v *viper.Viper, cfgFile string) (Config, error) {
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("settings")
		v.AddConfigPath(credflowDir())
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Store.Driver {
	case "libsql", "postgres":
	default:
		return fmt.Errorf("store.driver must be libsql or postgres, got %q", c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return errors.New("store.dsn is required")
	}
	if c.Monitor.SignatureAlertAfter >= c.Monitor.SignatureExpireAfter {
		return fmt.Errorf("monitor.signature_alert_after (%s) must be below monitor.signature_expire_after (%s)",
			c.Monitor.SignatureAlertAfter, c.Monitor.SignatureExpireAfter)
	}
	return nil
}
