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

// Package pandoracas holds constants shared across the client library.
package pandoracas

import "strings"

// Version is the semver of this library. Bump on release.
const Version = "0.4.1"

const (
	// ComponentKey is the log attribute key holding the component name.
	ComponentKey = "component"

	// ComponentClient is the HTTP/WebSocket transport layer.
	ComponentClient = "client"

	// ComponentAuth is the session authenticator.
	ComponentAuth = "auth"

	// ComponentStream is the WebSocket update stream.
	ComponentStream = "stream"

	// ComponentPoller is the periodic snapshot poller.
	ComponentPoller = "poller"

	// ComponentCommander is the remote command dispatcher.
	ComponentCommander = "commander"

	// ComponentDevice is the in-memory device model.
	ComponentDevice = "device"

	// ComponentAccount is the per-credential composition root.
	ComponentAccount = "account"

	// ComponentEvents is the downstream event bus.
	ComponentEvents = "events"

	// ComponentCLI is the pandoracas command line tool.
	ComponentCLI = "cli"
)

// Component generates a colon-joined component name for logging, e.g.
// Component("account", "poller") -> "account:poller".
func Component(parts ...string) string {
	return strings.Join(parts, ":")
}
