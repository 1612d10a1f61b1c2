/*
 * PandoraCAS
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package config parses the YAML configuration file (usually
// /etc/pandoracas.yaml) and turns its account blocks into account
// configs.
package config

import (
	"io"
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v2"

	"github.com/gravitational/pandoracas/lib/account"
	"github.com/gravitational/pandoracas/lib/defaults"
	"github.com/gravitational/pandoracas/lib/utils"
)

// FileConfig is the on-disk YAML configuration.
type FileConfig struct {
	Accounts []Account `yaml:"accounts"`
}

// Account configures one set of Pandora credentials.
type Account struct {
	// Username and Password are the cloud account credentials.
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// BaseURL overrides the service root, e.g. for the PanDECT branded
	// deployments. Empty means the production cloud.
	BaseURL string `yaml:"base_url,omitempty"`
	// UserAgent overrides the browser identity presented upstream.
	UserAgent string `yaml:"user_agent,omitempty"`
	// PollingInterval overrides the updates poll cadence. Accepts a
	// duration string ("90s") or a bare number of seconds.
	PollingInterval Duration `yaml:"polling_interval,omitempty"`
	// DisableWebsockets runs the account on HTTP polling alone.
	DisableWebsockets bool `yaml:"disable_websockets,omitempty"`
	// Devices holds per-device overrides keyed by device ID.
	Devices map[int64]Device `yaml:"devices,omitempty"`
}

// Device holds per-device overrides inside an account block.
type Device struct {
	// Enabled hides the device from presentation surfaces when false.
	// Unlisted devices default to enabled.
	Enabled *bool `yaml:"enabled,omitempty"`
}

// ReadConfigFile loads the configuration from cliConfigPath, falling
// back to the default location when it is empty. A missing default
// file is not an error and yields a nil config.
func ReadConfigFile(cliConfigPath string) (*FileConfig, error) {
	configFilePath := defaults.ConfigFilePath
	if cliConfigPath != "" {
		configFilePath = cliConfigPath
		if !utils.FileExists(configFilePath) {
			return nil, trace.NotFound("file %v is not found", configFilePath)
		}
	}
	if !utils.FileExists(configFilePath) {
		return nil, nil
	}
	return ReadFromFile(configFilePath)
}

// ReadFromFile reads the YAML configuration from a file.
func ReadFromFile(filePath string) (*FileConfig, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()
	return ReadConfig(f)
}

// ReadConfig parses and validates the YAML configuration from reader.
func ReadConfig(reader io.Reader) (*FileConfig, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, trace.Wrap(err, "failed to read the configuration")
	}
	var fc FileConfig
	if err := yaml.UnmarshalStrict(data, &fc); err != nil {
		return nil, trace.BadParameter("failed to parse the configuration: %v", err)
	}
	if err := fc.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &fc, nil
}

// Check validates every account block.
func (fc *FileConfig) Check() error {
	if len(fc.Accounts) == 0 {
		return trace.BadParameter("no accounts configured")
	}
	seen := make(map[string]bool, len(fc.Accounts))
	for i := range fc.Accounts {
		block := &fc.Accounts[i]
		if err := block.Check(); err != nil {
			return trace.Wrap(err)
		}
		if seen[block.Username] {
			return trace.BadParameter("account %q is configured twice", block.Username)
		}
		seen[block.Username] = true
	}
	return nil
}

// Check validates one account block.
func (a *Account) Check() error {
	if a.Username == "" {
		return trace.BadParameter("account block is missing a username")
	}
	if a.Password == "" {
		return trace.BadParameter("account %q is missing a password", a.Username)
	}
	if interval := a.PollingInterval.Duration(); interval != 0 {
		if interval < defaults.MinPollInterval || interval > defaults.MaxPollInterval {
			return trace.BadParameter("account %q: polling_interval must be between %v and %v",
				a.Username, defaults.MinPollInterval, defaults.MaxPollInterval)
		}
	}
	return nil
}

// AccountConfig converts the block into an account config.
func (a *Account) AccountConfig() account.Config {
	return account.Config{
		Username:          a.Username,
		Password:          a.Password,
		BaseURL:           a.BaseURL,
		UserAgent:         a.UserAgent,
		PollInterval:      a.PollingInterval.Duration(),
		DisableWebsockets: a.DisableWebsockets,
	}
}

// DeviceEnabled reports whether a device should be surfaced. Devices
// without an override default to enabled.
func (a *Account) DeviceEnabled(id int64) bool {
	device, ok := a.Devices[id]
	if !ok || device.Enabled == nil {
		return true
	}
	return *device.Enabled
}

// Duration is a time.Duration that unmarshals from either a duration
// string or a bare number of seconds.
type Duration time.Duration

// Duration returns the standard library form.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// MarshalYAML renders the duration in the string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML parses a duration string or a number of seconds.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return trace.Wrap(err)
	}
	switch val := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return trace.BadParameter("invalid duration %q", val)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(time.Duration(val) * time.Second)
	case int64:
		*d = Duration(time.Duration(val) * time.Second)
	case float64:
		*d = Duration(time.Duration(val * float64(time.Second)))
	default:
		return trace.BadParameter("invalid duration value %v", raw)
	}
	return nil
}
