// SPDX-License-Identifier: MIT

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader wraps koanf for daemon settings.
//
// It provides:
//   - Multiple configuration sources (YAML file + environment variables)
//   - Override precedence (env vars override YAML, YAML overrides defaults)
//   - Atomic reload
type Loader struct {
	k         *koanf.Koanf
	mu        sync.RWMutex
	filePath  string
	envPrefix string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithYAMLFile sets the YAML settings file path. A missing file is not an
// error; defaults and env vars still apply.
func WithYAMLFile(path string) LoaderOption {
	return func(l *Loader) {
		l.filePath = path
	}
}

// WithEnvPrefix sets the environment variable prefix (default: "BALANCER").
func WithEnvPrefix(prefix string) LoaderOption {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// NewLoader creates a settings loader and performs the initial load.
//
// Precedence (highest to lowest):
//  1. Environment variables (BALANCER_*)
//  2. YAML settings file
//  3. Built-in defaults
func NewLoader(opts ...LoaderOption) (*Loader, error) {
	l := &Loader{
		k:         koanf.New("."),
		envPrefix: "BALANCER",
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Load unmarshals and validates the settings, applying defaults for any
// value no source provided.
func (l *Loader) Load() (*Settings, error) {
	l.mu.RLock()
	k := l.k
	l.mu.RUnlock()

	cfg := DefaultSettings()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return cfg, nil
}

// Reload re-reads all sources.
func (l *Loader) Reload() error {
	return l.reload()
}

func (l *Loader) reload() error {
	// New koanf instance so the swap is atomic.
	newK := koanf.New(".")

	if l.filePath != "" {
		err := newK.Load(file.Provider(l.filePath), yaml.Parser())
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load settings file: %w", err)
		}
	}

	// Environment overrides. BALANCER_API_ADDR → api.addr,
	// BALANCER_BALANCER_CHECK_INTERVAL → balancer.check_interval, etc.
	// TransformFunc receives the full variable name, so it trims the prefix
	// itself.
	envProvider := env.Provider(".", env.Opt{
		Prefix: l.envPrefix + "_",
		TransformFunc: func(k, v string) (string, any) {
			k = strings.TrimPrefix(k, l.envPrefix+"_")
			k = strings.ToLower(k)

			topLevelKeys := []string{"api_", "balancer_", "data_", "log_"}
			for _, prefix := range topLevelKeys {
				if strings.HasPrefix(k, prefix) {
					rest := strings.TrimPrefix(k, prefix)
					return strings.TrimSuffix(prefix, "_") + "." + rest, v
				}
			}
			return strings.ReplaceAll(k, "_", "."), v
		},
	})
	if err := newK.Load(envProvider, nil); err != nil {
		return fmt.Errorf("load environment variables: %w", err)
	}

	l.mu.Lock()
	l.k = newK
	l.mu.Unlock()
	return nil
}
