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

// Package log provides helpers for configuring the slog loggers used
// throughout pandoracas.
package log

import (
	"log/slog"
)

// NewPackageLogger creates a logger with the provided key/value pairs
// attached, derived from the process-wide default logger. Packages
// typically call this once into a package-level variable.
func NewPackageLogger(args ...any) *slog.Logger {
	return slog.Default().With(args...)
}
