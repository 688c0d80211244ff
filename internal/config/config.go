// Package config loads the agent configuration file and watches it for
// changes.
//
// A file names one or more Logz.io destinations, the pod log tree the
// daemon tails and the address metrics are served on. Tokens can be kept
// out of the file with token_env, or supplied through LOGZIO_TOKEN.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/Chichichkin/LogzioShipper/internal/logging"
	"github.com/Chichichkin/LogzioShipper/internal/logging/sender"
)

const (
	DefaultMetricsAddr  = ":9102"
	DefaultLogLevel     = "info"
	DefaultLogPath      = "/var/log/pods"
	DefaultScanInterval = 30 * time.Second
	DefaultWorkers      = 2

	// TokenEnv is consulted when a destination has neither token nor token_env.
	TokenEnv = "LOGZIO_TOKEN"
)

const (
	QueueMemory = "memory"
	QueueFile   = "file"
)

// Destination kinds. A loki destination uses its token as the tenant id.
const (
	KindLogzio = "logzio"
	KindLoki   = "loki"
)

type Config struct {
	LogLevel     string        `yaml:"log_level"`
	MetricsAddr  string        `yaml:"metrics_addr"`
	Daemon       DaemonConfig  `yaml:"daemon"`
	Destinations []Destination `yaml:"destinations"`
}

// DaemonConfig controls the pod log tailer.
type DaemonConfig struct {
	Enabled         bool          `yaml:"enabled"`
	LogPath         string        `yaml:"log_path"`
	ScanInterval    time.Duration `yaml:"scan_interval"`
	Workers         int           `yaml:"workers"`
	FileIdleTimeout time.Duration `yaml:"file_idle_timeout"`
	ReadFromHead    bool          `yaml:"read_from_head"`

	// NodeName labels every record; defaults to $NODE_NAME.
	NodeName string `yaml:"node_name"`
	// Destination is the name of the destination tailed lines go to.
	// Defaults to the first destination.
	Destination string `yaml:"destination"`
}

// Destination is one Logz.io listener and the sender settings used for it.
// Zero values fall back to the sender defaults.
type Destination struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Host     string `yaml:"host"`
	Token    string `yaml:"token"`
	TokenEnv string `yaml:"token_env"`
	Type     string `yaml:"type"`

	BatchSize         int           `yaml:"batch_size"`
	DrainInterval     time.Duration `yaml:"drain_interval"`
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialRetryDelay time.Duration `yaml:"initial_retry_delay"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	Trigger           string        `yaml:"trigger"`
	OnGiveUp          string        `yaml:"on_give_up"`

	Queue QueueConfig `yaml:"queue"`
}

type QueueConfig struct {
	Kind       string        `yaml:"kind"`
	Dir        string        `yaml:"dir"`
	MaxBytes   int64         `yaml:"max_bytes"`
	GCInterval time.Duration `yaml:"gc_interval"`
}

// Key resolves the account token: token_env first, then the literal token,
// then LOGZIO_TOKEN.
func (d Destination) Key() string {
	if d.TokenEnv != "" {
		if v := os.Getenv(d.TokenEnv); v != "" {
			return v
		}
	}
	if d.Token != "" {
		return d.Token
	}
	return os.Getenv(TokenEnv)
}

// SenderConfig maps the destination onto sender settings.
func (d Destination) SenderConfig() sender.Config {
	return sender.Config{
		Name:              d.Name,
		Host:              d.Host,
		Key:               d.Key(),
		Type:              d.Type,
		BatchSize:         d.BatchSize,
		DrainInterval:     d.DrainInterval,
		MaxAttempts:       d.MaxAttempts,
		InitialRetryDelay: d.InitialRetryDelay,
		ConnectTimeout:    d.ConnectTimeout,
		ReadTimeout:       d.ReadTimeout,
		Trigger:           sender.Trigger(d.Trigger),
		OnGiveUp:          sender.GiveUpPolicy(d.OnGiveUp),
		QueueMaxBytes:     d.Queue.MaxBytes,
		GCInterval:        d.Queue.GCInterval,
	}
}

// Load reads and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	cfg.fill()

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		LogLevel:    DefaultLogLevel,
		MetricsAddr: DefaultMetricsAddr,
		Daemon: DaemonConfig{
			Enabled:      true,
			LogPath:      DefaultLogPath,
			ScanInterval: DefaultScanInterval,
			Workers:      DefaultWorkers,
		},
	}
}

// fill applies the defaults that depend on other fields.
func (c *Config) fill() {
	for i := range c.Destinations {
		d := &c.Destinations[i]
		if d.Type == "" {
			d.Type = logging.DefaultType
		}
		if d.Name == "" {
			d.Name = d.Type
		}
		if d.Kind == "" {
			d.Kind = KindLogzio
		}
		if d.Queue.Kind == "" {
			d.Queue.Kind = QueueMemory
		}
	}
	if c.Daemon.NodeName == "" {
		c.Daemon.NodeName = os.Getenv("NODE_NAME")
	}
	if c.Daemon.Destination == "" && len(c.Destinations) > 0 {
		c.Daemon.Destination = c.Destinations[0].Name
	}
}

func validate(cfg *Config) error {
	if _, err := zapcore.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if len(cfg.Destinations) == 0 {
		return errors.New("at least one destination is required")
	}

	seen := make(map[string]bool, len(cfg.Destinations))
	for i, d := range cfg.Destinations {
		if seen[d.Name] {
			return fmt.Errorf("destinations[%d]: duplicate name %q", i, d.Name)
		}
		seen[d.Name] = true

		if d.Kind != KindLogzio && d.Kind != KindLoki {
			return fmt.Errorf("destinations[%d] %q: unknown kind %q", i, d.Name, d.Kind)
		}
		if strings.TrimSpace(d.Host) == "" {
			return fmt.Errorf("destinations[%d] %q: host is required", i, d.Name)
		}
		if strings.TrimSpace(d.Key()) == "" {
			return fmt.Errorf("destinations[%d] %q: no token (set token, token_env or %s)", i, d.Name, TokenEnv)
		}
		switch sender.Trigger(d.Trigger) {
		case sender.TriggerTimer, sender.TriggerThreshold, sender.TriggerBoth, "":
		default:
			return fmt.Errorf("destinations[%d] %q: unknown trigger %q", i, d.Name, d.Trigger)
		}
		switch sender.GiveUpPolicy(d.OnGiveUp) {
		case sender.GiveUpDrop, sender.GiveUpRequeue, "":
		default:
			return fmt.Errorf("destinations[%d] %q: unknown on_give_up %q", i, d.Name, d.OnGiveUp)
		}
		switch d.Queue.Kind {
		case QueueMemory:
		case QueueFile:
			if d.Queue.Dir == "" {
				return fmt.Errorf("destinations[%d] %q: queue.dir is required for a file queue", i, d.Name)
			}
		default:
			return fmt.Errorf("destinations[%d] %q: unknown queue kind %q", i, d.Name, d.Queue.Kind)
		}
		if d.Queue.MaxBytes < 0 {
			return fmt.Errorf("destinations[%d] %q: queue.max_bytes must not be negative", i, d.Name)
		}
	}

	if cfg.Daemon.Enabled {
		if cfg.Daemon.LogPath == "" {
			return errors.New("daemon.log_path is required")
		}
		if cfg.Daemon.ScanInterval <= 0 {
			return errors.New("daemon.scan_interval must be positive")
		}
		if cfg.Daemon.Workers <= 0 {
			return errors.New("daemon.workers must be positive")
		}
		if !seen[cfg.Daemon.Destination] {
			return fmt.Errorf("daemon.destination: unknown destination %q", cfg.Daemon.Destination)
		}
	}
	return nil
}
