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

package utils

import (
	"flag"
	"io"
	"log/slog"
	"os"
	"testing"
)

// InitLogger configures the process-wide default logger. Called once
// from tool entry points before any package logger is derived.
func InitLogger(level slog.Leveler, w io.Writer) {
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	})))
}

// InitLoggerForTests initializes the standard logger for tests. Output
// is discarded unless tests run with -v.
func InitLoggerForTests() {
	// Parse flags to check testing.Verbose().
	flag.Parse()

	level := slog.LevelWarn
	w := io.Writer(io.Discard)
	if testing.Verbose() {
		level = slog.LevelDebug
		w = os.Stderr
	}
	InitLogger(level, w)
}
