// Package setup handles drover data directory initialization.
package setup

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/droverhq/drover/internal/model"
	atomicyaml "github.com/droverhq/drover/internal/yaml"
)

// DirName is the data directory created inside the project directory.
const DirName = ".drover"

// Run initializes the .drover/ directory structure under projectDir.
// name overrides the auto-detected project name (directory basename).
// Refuses to touch an existing data directory.
func Run(projectDir, name string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, DirName)
	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	dirs := []string{
		"data",
		"logs",
		"locks",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if name == "" {
		name = filepath.Base(absDir)
	}
	cfg := defaultConfig(name)
	if err := atomicyaml.AtomicWrite(filepath.Join(base, "config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	// Empty lock file so status can distinguish "never started" from
	// "missing directory".
	if err := os.WriteFile(filepath.Join(base, "locks", "daemon.lock"), nil, 0600); err != nil {
		return fmt.Errorf("create daemon.lock: %w", err)
	}

	return nil
}

func defaultConfig(name string) model.Config {
	return model.Config{
		Drover: model.DroverConfig{
			Name:    name,
			Version: "1",
			Created: time.Now().Format(time.RFC3339),
		},
		HTTP: model.HTTPConfig{
			ListenAddr: "127.0.0.1:7420",
		},
		Metrics: model.MetricsConfig{
			ListenAddr: "127.0.0.1:7421",
		},
		Scheduler: model.SchedulerConfig{
			DispatchIntervalSec: 5,
			SyncIntervalSec:     60,
			SyncConcurrency:     8,
			MaxDispatchAttempts: 3,
		},
		Machines: model.MachinesConfig{
			ContactTimeoutSec: 5,
		},
		Events: model.EventsConfig{
			BufferSize: 100,
		},
		Daemon: model.DaemonConfig{
			ShutdownTimeoutSec: 30,
		},
		Logging: model.LoggingConfig{
			Level: "info",
		},
	}
}
