package sender

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Chichichkin/LogzioShipper/internal/logging"
	"github.com/Chichichkin/LogzioShipper/internal/logging/batch"
	"github.com/Chichichkin/LogzioShipper/internal/logging/logzio"
	"github.com/Chichichkin/LogzioShipper/internal/logging/retry"
)

const (
	DefaultDrainInterval = 2 * time.Second
	DefaultGCInterval    = 30 * time.Second
)

// Trigger selects what starts a drain cycle.
type Trigger string

const (
	TriggerTimer     Trigger = "timer"
	TriggerThreshold Trigger = "threshold"
	TriggerBoth      Trigger = "both"
)

func (t Trigger) timer() bool     { return t == TriggerTimer || t == TriggerBoth }
func (t Trigger) threshold() bool { return t == TriggerThreshold || t == TriggerBoth }

// GiveUpPolicy decides what happens to a batch once retries are exhausted.
type GiveUpPolicy string

const (
	GiveUpDrop    GiveUpPolicy = "drop"
	GiveUpRequeue GiveUpPolicy = "requeue"
)

type Config struct {
	// Name labels logs and metrics. Defaults to Type.
	Name string
	Host string
	Key  string
	Type string

	BatchSize         int
	DrainInterval     time.Duration
	MaxAttempts       int
	InitialRetryDelay time.Duration
	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration

	Trigger  Trigger
	OnGiveUp GiveUpPolicy

	// QueueMaxBytes caps the default in-memory queue; 0 means unbounded.
	QueueMaxBytes int64
	// GCInterval is how often a disk-backed queue is compacted.
	GCInterval time.Duration
}

var (
	ErrInvalidHost = errors.New("invalid host")
	ErrInvalidKey  = errors.New("invalid key")
)

// ConfigurationError is returned by New when the destination cannot be used.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("sender configuration: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func (c Config) withDefaults() Config {
	if c.Type == "" {
		c.Type = logging.DefaultType
	}
	if c.Name == "" {
		c.Name = c.Type
	}
	if c.BatchSize <= 0 {
		c.BatchSize = batch.DefaultMaxBytes
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = DefaultDrainInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = retry.DefaultMaxAttempts
	}
	if c.InitialRetryDelay <= 0 {
		c.InitialRetryDelay = retry.DefaultInitialDelay
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = logzio.DefaultConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = logzio.DefaultReadTimeout
	}
	if c.Trigger == "" {
		c.Trigger = TriggerBoth
	}
	if c.OnGiveUp == "" {
		c.OnGiveUp = GiveUpDrop
	}
	if c.GCInterval <= 0 {
		c.GCInterval = DefaultGCInterval
	}
	return c
}

func (c Config) validate() error {
	host := strings.TrimSpace(c.Host)
	if host == "" {
		return &ConfigurationError{Field: "host", Err: fmt.Errorf("%w: host is required", ErrInvalidHost)}
	}
	u, err := url.Parse(host)
	if err != nil {
		return &ConfigurationError{Field: "host", Err: fmt.Errorf("%w: %v", ErrInvalidHost, err)}
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ConfigurationError{Field: "host", Err: fmt.Errorf("%w: %q is not an http(s) url", ErrInvalidHost, host)}
	}
	if strings.TrimSpace(c.Key) == "" {
		return &ConfigurationError{Field: "key", Err: fmt.Errorf("%w: key is required", ErrInvalidKey)}
	}

	switch c.Trigger {
	case TriggerTimer, TriggerThreshold, TriggerBoth:
	default:
		return &ConfigurationError{Field: "trigger", Err: fmt.Errorf("unknown trigger %q", c.Trigger)}
	}
	switch c.OnGiveUp {
	case GiveUpDrop, GiveUpRequeue:
	default:
		return &ConfigurationError{Field: "on_give_up", Err: fmt.Errorf("unknown policy %q", c.OnGiveUp)}
	}
	return nil
}

func (c Config) endpoint() logging.Endpoint {
	return logging.Endpoint{
		URL:   strings.TrimSpace(c.Host),
		Token: c.Key,
		Type:  c.Type,
	}
}
