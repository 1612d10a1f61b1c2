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

package pandora

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExpandBits(t *testing.T) {
	t.Parallel()

	flags := ExpandBits(uint64(FlagLocked | FlagEngineRunning | FlagTrunkOpen))
	require.Len(t, flags, len(stateFlagNames))
	require.True(t, flags["locked"])
	require.True(t, flags["engine_running"])
	require.True(t, flags["trunk_open"])
	require.False(t, flags["ignition"])
	require.False(t, flags["alarm"])

	// Bits outside the codification have no name to expand to.
	flags = ExpandBits(1 << 32)
	require.Len(t, flags, len(stateFlagNames))
	for name, set := range flags {
		require.False(t, set, "flag %q set by an unassigned bit", name)
	}
}

func TestExpandCANBits(t *testing.T) {
	t.Parallel()

	flags := ExpandCANBits(uint32(CANFlagBeltDriverFastened | CANFlagLowLiquid))
	require.Len(t, flags, len(canFlagNames))
	require.True(t, flags["belt_driver_fastened"])
	require.True(t, flags["low_liquid"])
	require.False(t, flags["glass_driver_open"])
	require.False(t, flags["ev_ready"])
}

func TestComposeCANBits(t *testing.T) {
	t.Parallel()

	yes := true
	state := &State{
		CANGlassDriver: &yes,
		CANSeatTaken:   &yes,
	}
	word := CANFlag(ComposeCANBits(state))
	require.True(t, word.Has(CANFlagGlassDriverOpen))
	require.True(t, word.Has(CANFlagSeatTaken))
	require.False(t, word.Has(CANFlagLowLiquid))

	// The wire word is authoritative over the discrete booleans.
	explicit := uint32(CANFlagEVReady)
	state.CANBitState = &explicit
	require.Equal(t, explicit, ComposeCANBits(state))

	require.Zero(t, ComposeCANBits(nil))
}
