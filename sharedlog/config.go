package sharedlog

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"xdao.co/peerlog/compliance"
	"xdao.co/peerlog/oplog"
	"xdao.co/peerlog/storage/casconfig"
	"xdao.co/peerlog/wire"
)

// ReplicateMode selects how a node sizes its share of the keyspace.
type ReplicateMode string

const (
	// ReplicateDynamic lets the PID controller size the share.
	ReplicateDynamic ReplicateMode = "dynamic"
	// ReplicateFixed holds Factor.
	ReplicateFixed ReplicateMode = "fixed"
	// ReplicateNone observes without replicating.
	ReplicateNone ReplicateMode = "none"
)

// PIDConfig overrides the controller gains. Zero values keep the defaults.
type PIDConfig struct {
	KP float64 `yaml:"kp"`
	KI float64 `yaml:"ki"`
	KD float64 `yaml:"kd"`
}

// TrimConfig selects the log trim policy. MaxBytes wins over From/To.
type TrimConfig struct {
	From     int   `yaml:"from"`
	To       int   `yaml:"to"`
	MaxBytes int64 `yaml:"max_bytes"`
}

// Policy returns the configured policy, or nil when trimming is off.
func (c TrimConfig) Policy() oplog.TrimPolicy {
	switch {
	case c.MaxBytes > 0:
		return oplog.TrimBytes{Max: c.MaxBytes}
	case c.From > 0:
		return oplog.TrimLength{From: c.From, To: c.To}
	}
	return nil
}

// Config configures a SharedLog.
type Config struct {
	LogID     string        `yaml:"log_id"`
	Replicate ReplicateMode `yaml:"replicate"`
	// Factor is the fixed share in fixed mode and the starting share in
	// dynamic mode.
	Factor float64 `yaml:"factor"`
	// MinReplicas is how many other replicators must cover an entry before
	// it is pruned from a node that does not cover it.
	MinReplicas   int             `yaml:"min_replicas"`
	Compatibility uint32          `yaml:"compatibility"`
	Verify        compliance.Mode `yaml:"verify"`

	ControlInterval      time.Duration `yaml:"control_interval"`
	SyncInterval         time.Duration `yaml:"sync_interval"`
	DistributionDebounce time.Duration `yaml:"distribution_debounce"`
	// AnnounceHysteresis is the smallest factor change worth announcing.
	AnnounceHysteresis float64 `yaml:"announce_hysteresis"`
	// AnnounceRate bounds announcements per second. Zero is unlimited.
	AnnounceRate   float64       `yaml:"announce_rate"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxSyncPeers   int           `yaml:"max_sync_peers"`

	TargetMemoryBytes int64      `yaml:"target_memory_bytes"`
	MaxCPUUsage       float64    `yaml:"max_cpu_usage"`
	PID               PIDConfig  `yaml:"pid"`
	Trim              TrimConfig `yaml:"trim"`
	EventBuffer       int        `yaml:"event_buffer"`

	// Blocks opens the block store when Deps.CAS is nil. An empty backend
	// list keeps blocks in memory.
	Blocks casconfig.Config `yaml:"blocks"`
	// StatePath is the bbolt file for heads and segments when Deps.State
	// is nil. Empty keeps them in memory.
	StatePath string `yaml:"state_path"`
}

// DefaultConfig returns the defaults for logID.
func DefaultConfig(logID string) Config {
	return Config{
		LogID:                logID,
		Replicate:            ReplicateDynamic,
		Factor:               1,
		MinReplicas:          2,
		Compatibility:        wire.CurrentCompatibility,
		Verify:               compliance.Permissive,
		ControlInterval:      2 * time.Second,
		SyncInterval:         5 * time.Second,
		DistributionDebounce: 500 * time.Millisecond,
		AnnounceHysteresis:   0.01,
		AnnounceRate:         2,
		FetchTimeout:         10 * time.Second,
		RequestTimeout:       10 * time.Second,
		MaxSyncPeers:         8,
		EventBuffer:          64,
	}
}

// Validate checks that c is usable.
func (c Config) Validate() error {
	var errs []error
	if c.LogID == "" {
		errs = append(errs, errors.New("log_id is required"))
	}
	switch c.Replicate {
	case ReplicateDynamic, ReplicateFixed, ReplicateNone:
	default:
		errs = append(errs, fmt.Errorf("unknown replicate mode %q", c.Replicate))
	}
	if c.Factor < 0 || c.Factor > 1 {
		errs = append(errs, fmt.Errorf("factor %v is outside [0,1]", c.Factor))
	}
	if c.MinReplicas < 1 {
		errs = append(errs, errors.New("min_replicas must be at least 1"))
	}
	if c.Compatibility < wire.MinCompatibility || c.Compatibility > wire.CurrentCompatibility {
		errs = append(errs, fmt.Errorf("compatibility %d is outside [%d,%d]", c.Compatibility, wire.MinCompatibility, wire.CurrentCompatibility))
	}
	for name, d := range map[string]time.Duration{
		"control_interval": c.ControlInterval,
		"sync_interval":    c.SyncInterval,
		"fetch_timeout":    c.FetchTimeout,
		"request_timeout":  c.RequestTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.DistributionDebounce < 0 {
		errs = append(errs, errors.New("distribution_debounce must not be negative"))
	}
	if c.AnnounceHysteresis < 0 || c.AnnounceRate < 0 {
		errs = append(errs, errors.New("announce_hysteresis and announce_rate must not be negative"))
	}
	if c.MaxSyncPeers < 1 {
		errs = append(errs, errors.New("max_sync_peers must be at least 1"))
	}
	if c.TargetMemoryBytes < 0 {
		errs = append(errs, errors.New("target_memory_bytes must not be negative"))
	}
	if c.MaxCPUUsage < 0 || c.MaxCPUUsage > 1 {
		errs = append(errs, fmt.Errorf("max_cpu_usage %v is outside [0,1]", c.MaxCPUUsage))
	}
	if c.Trim.From > 0 && (c.Trim.To < 1 || c.Trim.To > c.Trim.From) {
		errs = append(errs, errors.New("trim.to must be in [1, trim.from]"))
	}
	if len(c.Blocks.Backends) > 0 {
		if err := c.Blocks.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := multierr.Combine(errs...); err != nil {
		return fmt.Errorf("sharedlog: invalid config: %w", err)
	}
	return nil
}

// LoadConfig reads a YAML config. Missing keys keep their defaults.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig("")
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("sharedlog: parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}
