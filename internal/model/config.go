package model

import "time"

type Config struct {
	Drover    DroverConfig    `yaml:"drover"`
	HTTP      HTTPConfig      `yaml:"http"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Machines  MachinesConfig  `yaml:"machines"`
	Events    EventsConfig    `yaml:"events"`
	Auth      AuthConfig      `yaml:"auth"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type DroverConfig struct {
	Name    string `yaml:"name,omitempty"`
	Version string `yaml:"version"`
	Created string `yaml:"created"`
}

type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type SchedulerConfig struct {
	DispatchIntervalSec int `yaml:"dispatch_interval_sec"`
	SyncIntervalSec     int `yaml:"sync_interval_sec"`
	SyncConcurrency     int `yaml:"sync_concurrency"`
	MaxDispatchAttempts int `yaml:"max_dispatch_attempts"`
}

type MachinesConfig struct {
	ContactTimeoutSec int `yaml:"contact_timeout_sec"`
}

type EventsConfig struct {
	BufferSize int    `yaml:"buffer_size"`
	NATSURL    string `yaml:"nats_url,omitempty"`
}

// AuthToken maps a static bearer token to a caller identity. The production
// identity provider is an external collaborator; the static table is the
// in-repo implementation of the same boundary.
type AuthToken struct {
	Token          string `yaml:"token"`
	UserID         string `yaml:"user_id"`
	OrganizationID string `yaml:"organization_id,omitempty"`
}

type AuthConfig struct {
	Tokens []AuthToken `yaml:"tokens"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DispatchInterval returns the dispatch tick with its default applied.
func (c SchedulerConfig) DispatchInterval() time.Duration {
	if c.DispatchIntervalSec <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.DispatchIntervalSec) * time.Second
}

func (c SchedulerConfig) SyncInterval() time.Duration {
	if c.SyncIntervalSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.SyncIntervalSec) * time.Second
}

func (c SchedulerConfig) MaxAttempts() int {
	if c.MaxDispatchAttempts <= 0 {
		return 3
	}
	return c.MaxDispatchAttempts
}

func (c SchedulerConfig) Concurrency() int {
	if c.SyncConcurrency <= 0 {
		return 8
	}
	return c.SyncConcurrency
}

// ContactTimeout bounds a single machine status call so one dead machine
// cannot stall a batch sync.
func (c MachinesConfig) ContactTimeout() time.Duration {
	if c.ContactTimeoutSec <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.ContactTimeoutSec) * time.Second
}

func (c DaemonConfig) ShutdownTimeout() time.Duration {
	if c.ShutdownTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}
