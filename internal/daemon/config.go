package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/droverhq/drover/internal/model"
)

// LoadConfig reads and validates config.yaml from the data directory.
func LoadConfig(dataDir string) (model.Config, error) {
	path := filepath.Join(dataDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := ValidateConfig(cfg); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

// ValidateConfig rejects configurations the daemon cannot run with. Interval
// fields may be zero (defaults apply) but never negative.
func ValidateConfig(cfg model.Config) error {
	if cfg.Scheduler.DispatchIntervalSec < 0 {
		return fmt.Errorf("scheduler.dispatch_interval_sec must be >= 0, got %d", cfg.Scheduler.DispatchIntervalSec)
	}
	if cfg.Scheduler.SyncIntervalSec < 0 {
		return fmt.Errorf("scheduler.sync_interval_sec must be >= 0, got %d", cfg.Scheduler.SyncIntervalSec)
	}
	if cfg.Scheduler.SyncConcurrency < 0 {
		return fmt.Errorf("scheduler.sync_concurrency must be >= 0, got %d", cfg.Scheduler.SyncConcurrency)
	}
	if cfg.Scheduler.MaxDispatchAttempts < 0 {
		return fmt.Errorf("scheduler.max_dispatch_attempts must be >= 0, got %d", cfg.Scheduler.MaxDispatchAttempts)
	}
	if cfg.Machines.ContactTimeoutSec < 0 {
		return fmt.Errorf("machines.contact_timeout_sec must be >= 0, got %d", cfg.Machines.ContactTimeoutSec)
	}
	for i, t := range cfg.Auth.Tokens {
		if t.Token != "" && t.UserID == "" {
			return fmt.Errorf("auth.tokens[%d]: user_id is required", i)
		}
	}
	return nil
}
