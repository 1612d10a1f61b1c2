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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestReadConfig(t *testing.T) {
	t.Parallel()

	fc, err := ReadConfig(strings.NewReader(`
accounts:
  - username: alice@example.com
    password: hunter2
    polling_interval: 90s
    devices:
      1234:
        enabled: false
      5678:
        enabled: true
  - username: bob@example.com
    password: swordfish
    base_url: https://pandect.example.com
    user_agent: pandoracas-test
    polling_interval: 120
    disable_websockets: true
`))
	require.NoError(t, err)
	require.Len(t, fc.Accounts, 2)

	alice := fc.Accounts[0]
	require.Equal(t, "alice@example.com", alice.Username)
	require.Equal(t, 90*time.Second, alice.PollingInterval.Duration())
	require.False(t, alice.DeviceEnabled(1234))
	require.True(t, alice.DeviceEnabled(5678))
	require.True(t, alice.DeviceEnabled(9999), "unlisted devices default to enabled")

	bob := fc.Accounts[1]
	require.Equal(t, "https://pandect.example.com", bob.BaseURL)
	require.Equal(t, 2*time.Minute, bob.PollingInterval.Duration())
	require.True(t, bob.DisableWebsockets)

	cfg := bob.AccountConfig()
	require.Equal(t, "bob@example.com", cfg.Username)
	require.Equal(t, "swordfish", cfg.Password)
	require.Equal(t, "pandoracas-test", cfg.UserAgent)
	require.Equal(t, 2*time.Minute, cfg.PollInterval)
	require.True(t, cfg.DisableWebsockets)
}

func TestReadConfigRejects(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		desc    string
		yaml    string
		errText string
	}{
		{
			desc:    "unknown keys",
			yaml:    "accounts:\n  - username: a\n    password: b\n    pollinterval: 5s\n",
			errText: "failed to parse",
		},
		{
			desc:    "no accounts",
			yaml:    "accounts: []\n",
			errText: "no accounts",
		},
		{
			desc:    "missing username",
			yaml:    "accounts:\n  - password: b\n",
			errText: "missing a username",
		},
		{
			desc:    "missing password",
			yaml:    "accounts:\n  - username: a\n",
			errText: "missing a password",
		},
		{
			desc:    "interval below the floor",
			yaml:    "accounts:\n  - username: a\n    password: b\n    polling_interval: 5s\n",
			errText: "polling_interval",
		},
		{
			desc:    "interval above the ceiling",
			yaml:    "accounts:\n  - username: a\n    password: b\n    polling_interval: 2h\n",
			errText: "polling_interval",
		},
		{
			desc:    "duplicate account",
			yaml:    "accounts:\n  - username: a\n    password: b\n  - username: a\n    password: c\n",
			errText: "configured twice",
		},
		{
			desc:    "malformed duration",
			yaml:    "accounts:\n  - username: a\n    password: b\n    polling_interval: soon\n",
			errText: "invalid duration",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			t.Parallel()
			_, err := ReadConfig(strings.NewReader(tc.yaml))
			require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
			require.ErrorContains(t, err, tc.errText)
		})
	}
}

func TestReadConfigFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "pandoracas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"accounts:\n  - username: alice@example.com\n    password: hunter2\n"), 0o600))

	fc, err := ReadConfigFile(path)
	require.NoError(t, err)
	require.Len(t, fc.Accounts, 1)

	_, err = ReadConfigFile(filepath.Join(dir, "absent.yaml"))
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
}
