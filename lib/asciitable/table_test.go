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

package asciitable

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMakeTable(t *testing.T) {
	t.Parallel()

	table := MakeTable([]string{"Device", "State"})
	table.AddRow([]string{"Family Car", "online"})
	table.AddRow([]string{"Bike", "offline"})

	out := table.AsBuffer().String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	require.Contains(t, lines[0], "Device")
	require.Contains(t, lines[1], "------")
	require.Contains(t, lines[2], "Family Car")
}

func TestSortRowsBy(t *testing.T) {
	t.Parallel()

	table := MakeTable([]string{"Name"})
	table.AddRow([]string{"zeta"})
	table.AddRow([]string{"alpha"})
	table.SortRowsBy([]int{0}, true)

	out := table.AsBuffer().String()
	require.Less(t, strings.Index(out, "alpha"), strings.Index(out, "zeta"))
}

func TestTruncatedColumn(t *testing.T) {
	t.Parallel()

	rows := [][]string{{strings.Repeat("a", 200), "ok"}}
	table := MakeTableWithTruncatedColumn([]string{"Details", "Status"}, rows, "Details")

	out := table.AsBuffer().String()
	require.Contains(t, out, "...")
	require.Contains(t, out, "ok")
}
