// Package config loads tracerec settings from ~/.tracerec/config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreJSON   = "json"
	StoreSQLite = "sqlite"
)

// GlobalConfig holds settings shared by every recording.
type GlobalConfig struct {
	Record  RecordConfig  `yaml:"record"`
	Store   StoreConfig   `yaml:"store"`
	Debug   DebugConfig   `yaml:"debug"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// RecordConfig tunes the scheduler.
type RecordConfig struct {
	// SchedSignal is the signal number used to preempt a thread.
	SchedSignal int `yaml:"sched_signal"`
	// SlicePolls is how many not-ready polls a running thread gets before
	// it is preempted. Zero disables preemption.
	SlicePolls int `yaml:"slice_polls"`
	// IdleBackoff is slept when every thread is still running.
	IdleBackoff time.Duration `yaml:"idle_backoff"`
	// SingleStep walks user code one instruction at a time.
	SingleStep bool `yaml:"single_step"`
	StepLimit  int  `yaml:"step_limit"`
	// TimingTraps makes rdtsc and rdtscp fault so they are emulated and
	// recorded.
	TimingTraps bool `yaml:"timing_traps"`
	// MaxCapture bounds the bytes saved per syscall buffer.
	MaxCapture int `yaml:"max_capture"`
}

// StoreConfig selects where events are written.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	// Dir overrides ~/.tracerec/sessions.
	Dir string `yaml:"dir"`
}

// DebugConfig controls the debug log files.
type DebugConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

// MetricsConfig controls the Prometheus endpoint served while recording.
type MetricsConfig struct {
	// Addr is a listen address such as ":9464". Empty disables the endpoint.
	Addr string `yaml:"addr"`
}

// DefaultGlobalConfig returns the configuration used when no file exists.
func DefaultGlobalConfig() *GlobalConfig {
	return &GlobalConfig{
		Record: RecordConfig{
			SchedSignal: 16,
			SlicePolls:  2000,
			IdleBackoff: 50 * time.Microsecond,
			StepLimit:   1 << 20,
			TimingTraps: true,
			MaxCapture:  64 * 1024,
		},
		Store: StoreConfig{Backend: StoreJSON},
		Debug: DebugConfig{RetentionDays: 14},
	}
}

// LoadGlobal reads ~/.tracerec/config.yaml and applies environment overrides.
// A missing file is not an error.
func LoadGlobal() (*GlobalConfig, error) {
	return load(filepath.Join(GlobalConfigDir(), "config.yaml"))
}

func load(path string) (*GlobalConfig, error) {
	cfg := DefaultGlobalConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func applyEnv(cfg *GlobalConfig) error {
	if v := os.Getenv("TRACEREC_SCHED_SIGNAL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TRACEREC_SCHED_SIGNAL: %w", err)
		}
		cfg.Record.SchedSignal = n
	}
	if v := os.Getenv("TRACEREC_SLICE_POLLS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TRACEREC_SLICE_POLLS: %w", err)
		}
		cfg.Record.SlicePolls = n
	}
	if v := os.Getenv("TRACEREC_STORE"); v != "" {
		cfg.Store.Backend = v
	}
	if v, ok := os.LookupEnv("TRACEREC_METRICS_ADDR"); ok {
		cfg.Metrics.Addr = v
	}
	return nil
}

// Validate rejects settings the recorder cannot run with.
func (c *GlobalConfig) Validate() error {
	switch c.Store.Backend {
	case StoreJSON, StoreSQLite:
	default:
		return fmt.Errorf("store.backend %q: must be %q or %q", c.Store.Backend, StoreJSON, StoreSQLite)
	}
	// SIGKILL and SIGSTOP cannot be intercepted; 0 and anything past the
	// realtime range are not signals.
	if s := c.Record.SchedSignal; s <= 0 || s > 64 || s == 9 || s == 19 {
		return fmt.Errorf("record.sched_signal %d cannot be used for scheduling", s)
	}
	if c.Record.SlicePolls < 0 {
		return fmt.Errorf("record.slice_polls must not be negative")
	}
	if c.Record.MaxCapture < 0 {
		return fmt.Errorf("record.max_capture must not be negative")
	}
	return nil
}

// SessionsDir returns where recordings are stored.
func (c *GlobalConfig) SessionsDir() string {
	if c.Store.Dir != "" {
		return c.Store.Dir
	}
	return filepath.Join(GlobalConfigDir(), "sessions")
}

// GlobalConfigDir returns the path to ~/.tracerec.
func GlobalConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".tracerec")
	}
	return filepath.Join(homeDir, ".tracerec")
}

// DebugDir returns the directory of the debug log files.
func DebugDir() string {
	return filepath.Join(GlobalConfigDir(), "debug")
}
