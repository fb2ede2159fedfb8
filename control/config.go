// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Typed configuration loaded from YAML, environment overrides, and a
// thread-safe store with hot-reload propagation.

package control

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/momentics/hioload-bridge/api"
)

// Environment overrides.
const (
	EnvLogLevel = "HIOLOAD_BRIDGE_LOG_LEVEL"
	EnvShmDir   = "HIOLOAD_BRIDGE_SHM_DIR"
)

// Config is the full runtime configuration.
type Config struct {
	// ShmDir holds region files for cross-process connections.
	ShmDir    string          `yaml:"shm_dir"`
	Ring      RingConfig      `yaml:"ring"`
	Pool      PoolConfig      `yaml:"pool"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Client    ClientConfig    `yaml:"client"`
	Transport TransportConfig `yaml:"transport"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// RingConfig sizes the shared region. Read at process start only.
type RingConfig struct {
	SlotSize  int `yaml:"slot_size"`
	SlotCount int `yaml:"slot_count"`
}

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	MaxConnections  int           `yaml:"max_connections"`
	MinIdle         int           `yaml:"min_idle"`
	MaxLifetime     time.Duration `yaml:"max_lifetime"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	AcquireTimeout  time.Duration `yaml:"acquire_timeout"`
	HealthTimeout   time.Duration `yaml:"health_timeout"`
	MaxFailedProbes int           `yaml:"max_failed_probes"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	CreateRate      float64       `yaml:"create_rate"`
	CreateBurst     int           `yaml:"create_burst"`
}

// DispatchConfig sizes the handler worker pool and session timeouts.
type DispatchConfig struct {
	Workers         int                      `yaml:"workers"`
	QueueDepth      int                      `yaml:"queue_depth"`
	DefaultTimeout  time.Duration            `yaml:"default_timeout"`
	Timeouts        map[string]time.Duration `yaml:"timeouts"`
	ApprovalTimeout time.Duration            `yaml:"approval_timeout"`
	SessionShards   int                      `yaml:"session_shards"`
	// RequestRate caps requests per second on one connection; 0 disables it.
	RequestRate  float64 `yaml:"request_rate"`
	RequestBurst int     `yaml:"request_burst"`
}

// ClientConfig controls reconnection.
type ClientConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// TransportConfig bounds reassembly.
type TransportConfig struct {
	ReassemblyTimeout time.Duration `yaml:"reassembly_timeout"`
	MaxMessageSize    int           `yaml:"max_message_size"`
}

// LoggingConfig selects level and encoding.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig sets the metrics listen address; empty disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a configuration suitable for a single editor instance.
func DefaultConfig() *Config {
	return &Config{
		ShmDir: defaultShmDir(),
		Ring: RingConfig{
			SlotSize:  1024,
			SlotCount: 1024,
		},
		Pool: PoolConfig{
			MaxConnections:  16,
			MinIdle:         1,
			MaxLifetime:     30 * time.Minute,
			IdleTimeout:     5 * time.Minute,
			AcquireTimeout:  5 * time.Second,
			HealthTimeout:   time.Second,
			MaxFailedProbes: 3,
			SweepInterval:   30 * time.Second,
			CreateRate:      100,
			CreateBurst:     10,
		},
		Dispatch: DispatchConfig{
			Workers:        runtime.NumCPU(),
			QueueDepth:     1024,
			DefaultTimeout: 2 * time.Minute,
			Timeouts: map[string]time.Duration{
				"command_exec": 10 * time.Minute,
				"diff_apply":   30 * time.Second,
			},
			ApprovalTimeout: 5 * time.Minute,
			SessionShards:   32,
			RequestRate:     1000,
			RequestBurst:    100,
		},
		Client: ClientConfig{
			MaxAttempts:    5,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     time.Second,
		},
		Transport: TransportConfig{
			ReassemblyTimeout: 2 * time.Second,
			MaxMessageSize:    10 << 20,
		},
		Logging: LoggingConfig{Level: "info", JSON: true},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9477"},
	}
}

// Load reads path over DefaultConfig, applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvShmDir); v != "" {
		c.ShmDir = v
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var err error
	check := func(ok bool, field string, v any) {
		if !ok {
			err = multierr.Append(err, api.NewError(api.KindInvalidArgument, "invalid "+field).WithContext("value", v))
		}
	}
	check(c.Ring.SlotSize >= 64, "ring.slot_size", c.Ring.SlotSize)
	check(c.Ring.SlotCount >= 2, "ring.slot_count", c.Ring.SlotCount)
	check(c.Pool.MaxConnections > 0, "pool.max_connections", c.Pool.MaxConnections)
	check(c.Pool.MinIdle >= 0 && c.Pool.MinIdle <= c.Pool.MaxConnections, "pool.min_idle", c.Pool.MinIdle)
	check(c.Pool.AcquireTimeout > 0, "pool.acquire_timeout", c.Pool.AcquireTimeout)
	check(c.Pool.HealthTimeout > 0, "pool.health_timeout", c.Pool.HealthTimeout)
	check(c.Pool.MaxFailedProbes > 0, "pool.max_failed_probes", c.Pool.MaxFailedProbes)
	check(c.Pool.SweepInterval > 0, "pool.sweep_interval", c.Pool.SweepInterval)
	check(c.Pool.CreateRate >= 0, "pool.create_rate", c.Pool.CreateRate)
	check(c.Dispatch.Workers > 0, "dispatch.workers", c.Dispatch.Workers)
	check(c.Dispatch.QueueDepth > 0, "dispatch.queue_depth", c.Dispatch.QueueDepth)
	check(c.Dispatch.DefaultTimeout > 0, "dispatch.default_timeout", c.Dispatch.DefaultTimeout)
	check(c.Dispatch.RequestRate >= 0, "dispatch.request_rate", c.Dispatch.RequestRate)
	check(c.Dispatch.RequestRate == 0 || c.Dispatch.RequestBurst > 0, "dispatch.request_burst", c.Dispatch.RequestBurst)
	for name, d := range c.Dispatch.Timeouts {
		check(d > 0, "dispatch.timeouts."+name, d)
	}
	check(c.Client.MaxAttempts > 0, "client.max_attempts", c.Client.MaxAttempts)
	check(c.Client.InitialBackoff > 0 && c.Client.InitialBackoff <= c.Client.MaxBackoff,
		"client.initial_backoff", c.Client.InitialBackoff)
	check(c.Transport.ReassemblyTimeout > 0, "transport.reassembly_timeout", c.Transport.ReassemblyTimeout)
	check(c.Transport.MaxMessageSize > 0, "transport.max_message_size", c.Transport.MaxMessageSize)
	return err
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	cp := *c
	cp.Dispatch.Timeouts = make(map[string]time.Duration, len(c.Dispatch.Timeouts))
	for k, v := range c.Dispatch.Timeouts {
		cp.Dispatch.Timeouts[k] = v
	}
	return &cp
}

// ConfigStore holds the live configuration with atomic snapshot reads and
// listener support.
type ConfigStore struct {
	cur       atomic.Pointer[Config]
	mu        sync.Mutex
	listeners []func(old, cur *Config)
}

// NewConfigStore initializes a store with cfg.
func NewConfigStore(cfg *Config) *ConfigStore {
	cs := &ConfigStore{}
	cs.cur.Store(cfg)
	return cs
}

// Snapshot returns the current configuration. Callers must not mutate it.
func (cs *ConfigStore) Snapshot() *Config {
	return cs.cur.Load()
}

// Update installs cfg and invokes listeners synchronously in registration order.
// The ring geometry is process-start only and is carried over from the old value.
func (cs *ConfigStore) Update(cfg *Config) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	old := cs.cur.Load()
	next := cfg.Clone()
	next.Ring = old.Ring
	next.ShmDir = old.ShmDir
	cs.cur.Store(next)
	for _, fn := range cs.listeners {
		fn(old, next)
	}
}

// OnReload registers a listener hook called on config changes.
func (cs *ConfigStore) OnReload(fn func(old, cur *Config)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}

// Stats flattens the hot-reloadable settings for debug output.
func (cs *ConfigStore) Stats() map[string]any {
	c := cs.Snapshot()
	return map[string]any{
		"ring.slot_size":        c.Ring.SlotSize,
		"ring.slot_count":       c.Ring.SlotCount,
		"pool.max_connections":  c.Pool.MaxConnections,
		"pool.min_idle":         c.Pool.MinIdle,
		"pool.acquire_timeout":  c.Pool.AcquireTimeout.String(),
		"pool.idle_timeout":     c.Pool.IdleTimeout.String(),
		"pool.max_lifetime":     c.Pool.MaxLifetime.String(),
		"dispatch.workers":      c.Dispatch.Workers,
		"dispatch.queue_depth":  c.Dispatch.QueueDepth,
		"dispatch.request_rate": c.Dispatch.RequestRate,
		"logging.level":         c.Logging.Level,
		"transport.max_message": c.Transport.MaxMessageSize,
	}
}
