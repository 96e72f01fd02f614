// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"time"
)

// Settings holds the daemon's own configuration, as opposed to the balanced
// service state owned by the Store. Loaded from YAML with BALANCER_* env
// overrides; see Loader.
type Settings struct {
	// API settings for the control plane HTTP server.
	API APISettings `koanf:"api"`

	// Balancer settings for probing, rotation and forwarding.
	Balancer BalancerSettings `koanf:"balancer"`

	// Data settings for on-disk state.
	Data DataSettings `koanf:"data"`

	// Log settings.
	Log LogSettings `koanf:"log"`
}

// APISettings configures the control plane HTTP server.
type APISettings struct {
	Addr      string `koanf:"addr"`       // listen address, e.g. ":8000"
	StaticDir string `koanf:"static_dir"` // dashboard asset tree ("" = disabled)
}

// BalancerSettings configures the health/forwarding engine.
type BalancerSettings struct {
	CheckInterval    time.Duration `koanf:"check_interval"`    // health tick period
	RotationInterval time.Duration `koanf:"rotation_interval"` // round-robin rotation gate
	ProbeTimeout     time.Duration `koanf:"probe_timeout"`     // per-probe hard bound
	DialTimeout      time.Duration `koanf:"dial_timeout"`      // upstream connect timeout
	ProbeConcurrency int           `koanf:"probe_concurrency"` // max in-flight probes per tick
}

// DataSettings configures on-disk state locations.
type DataSettings struct {
	Dir string `koanf:"dir"` // directory holding servers.json and the instance lock
}

// LogSettings configures zerolog output.
type LogSettings struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json or console
}

// StateFilePath returns the path of the persisted service state.
func (s *Settings) StateFilePath() string {
	return s.Data.Dir + "/servers.json"
}

// Validate checks settings for invalid values.
func (s *Settings) Validate() error {
	if s.API.Addr == "" {
		return fmt.Errorf("api.addr cannot be empty")
	}
	if s.Balancer.CheckInterval <= 0 {
		return fmt.Errorf("balancer.check_interval must be positive")
	}
	if s.Balancer.RotationInterval <= 0 {
		return fmt.Errorf("balancer.rotation_interval must be positive")
	}
	if s.Balancer.ProbeTimeout <= 0 {
		return fmt.Errorf("balancer.probe_timeout must be positive")
	}
	if s.Balancer.ProbeConcurrency <= 0 {
		return fmt.Errorf("balancer.probe_concurrency must be positive")
	}
	if s.Data.Dir == "" {
		return fmt.Errorf("data.dir cannot be empty")
	}
	switch s.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console (got %q)", s.Log.Format)
	}
	return nil
}

// DefaultSettings returns settings with production defaults. The check and
// rotation intervals match the balancer's documented behavior: backends are
// probed every 5s and round-robin services rotate at most once per 60s.
func DefaultSettings() *Settings {
	return &Settings{
		API: APISettings{
			Addr:      ":8000",
			StaticDir: "static",
		},
		Balancer: BalancerSettings{
			CheckInterval:    5 * time.Second,
			RotationInterval: 60 * time.Second,
			ProbeTimeout:     2 * time.Second,
			DialTimeout:      5 * time.Second,
			ProbeConcurrency: 32,
		},
		Data: DataSettings{
			Dir: "data",
		},
		Log: LogSettings{
			Level:  "info",
			Format: "json",
		},
	}
}
