// Copyright 2026 The Shelfscan Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// cliConfig is the shelfscan config file. All fields are optional;
// flags override whatever the file provides.
type cliConfig struct {
	// BaseURL is the root URL of the scan service API.
	BaseURL string `yaml:"base_url"`

	// DeviceID pins a stable device identity. When empty, each run
	// generates a fresh one.
	DeviceID string `yaml:"device_id"`

	// Timeout bounds the whole scan, upload through final results, in
	// time.ParseDuration syntax ("90s", "2m"). Empty means no limit.
	Timeout string `yaml:"timeout"`
}

// timeout parses the configured scan deadline. Zero when unset.
func (config *cliConfig) timeout() (time.Duration, error) {
	if config.Timeout == "" {
		return 0, nil
	}
	timeout, err := time.ParseDuration(config.Timeout)
	if err != nil {
		return 0, fmt.Errorf("parsing timeout %q: %w", config.Timeout, err)
	}
	return timeout, nil
}

// loadConfig reads the config file named by the --config flag or the
// SHELFSCAN_CONFIG environment variable, in that order. No file at
// all is fine: every value has a flag.
func loadConfig(flagPath string) (*cliConfig, error) {
	path := flagPath
	if path == "" {
		path = os.Getenv("SHELFSCAN_CONFIG")
	}

	config := &cliConfig{}
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return config, nil
}
