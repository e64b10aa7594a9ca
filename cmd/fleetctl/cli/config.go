// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/webalive/fleet/lib/config"
)

// ConfigFlag selects the orchestrator configuration file. Embed it in
// a command's params struct to get the --config flag; [BindFlags]
// binds it through the [FlagBinder] interface.
//
// The flag overrides the FLEET_CONFIG environment variable. Neither
// being set is an error reported at load time, not at parse time, so
// commands that do not touch the config (version, hostd status with
// --socket) stay usable without one.
type ConfigFlag struct {
	// Path is the config file path from --config. Empty means fall
	// back to FLEET_CONFIG.
	Path string
}

// AddFlags binds the --config flag, satisfying [FlagBinder].
func (c *ConfigFlag) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.Path, "config", "", "path to the fleet config file (default: $FLEET_CONFIG)")
}

// Load loads and validates the selected configuration. Commands that
// need to inspect a broken config (doctor) should use [ConfigFlag.LoadLenient]
// instead.
func (c *ConfigFlag) Load() (*config.Config, error) {
	cfg, err := c.LoadLenient()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadLenient loads the selected configuration without validating it.
func (c *ConfigFlag) LoadLenient() (*config.Config, error) {
	if c.Path != "" {
		return config.LoadFile(c.Path)
	}
	return config.Load()
}
