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
	"strconv"

	"github.com/gravitational/trace"
)

// CommandID identifies a remote command executable by a device. The
// numeric value is authoritative on the wire, symbolic aliases exist
// for configuration and logging convenience.
type CommandID int

const (
	// Locking mechanism.
	CommandLock   CommandID = 1
	CommandUnlock CommandID = 2

	// Engine toggles.
	CommandStartEngine CommandID = 4
	CommandStopEngine  CommandID = 8

	// Tracking toggle.
	CommandEnableTracking  CommandID = 16
	CommandDisableTracking CommandID = 32

	// Active security toggle.
	CommandEnableActiveSecurity  CommandID = 17
	CommandDisableActiveSecurity CommandID = 18

	// Coolant heater toggle.
	CommandTurnOnBlockHeater  CommandID = 21
	CommandTurnOffBlockHeater CommandID = 22

	// External (timer) channel toggle.
	CommandTurnOnExtChannel  CommandID = 33
	CommandTurnOffExtChannel CommandID = 34

	// Service mode toggle.
	CommandEnableServiceMode  CommandID = 40
	CommandDisableServiceMode CommandID = 41

	// Status output toggle.
	CommandEnableStatusOutput  CommandID = 48
	CommandDisableStatusOutput CommandID = 49

	// Various commands.
	CommandTriggerHorn  CommandID = 23
	CommandTriggerLight CommandID = 24
	CommandTriggerTrunk CommandID = 35
	CommandCheck        CommandID = 255

	CommandEraseDTC CommandID = 57856
	CommandReadDTC  CommandID = 57857

	// Additional commands.
	CommandAdditional1 CommandID = 100
	CommandAdditional2 CommandID = 128

	// Connection toggle. The unit-side meaning of this pair is not
	// well defined, replies are surfaced verbatim.
	CommandEnableConnection  CommandID = 240
	CommandDisableConnection CommandID = 15

	// NAV12-specific commands.
	CommandNAV12DisableServiceMode  CommandID = 57374
	CommandNAV12EnableServiceMode   CommandID = 57375
	CommandNAV12TurnOffBlockHeater  CommandID = 57353
	CommandNAV12TurnOnBlockHeater   CommandID = 57354
	CommandNAV12ResetErrors         CommandID = 57408
	CommandNAV12EnableStatusOutput  CommandID = 57372
	CommandNAV12DisableStatusOutput CommandID = 57371

	// Untested commands, kept for completeness.
	CommandStayHome     CommandID = 42
	CommandLowPowerMode CommandID = 50
	CommandPSCall       CommandID = 256
)

// commandNames maps command identifiers to their symbolic aliases.
var commandNames = map[CommandID]string{
	CommandLock:                     "lock",
	CommandUnlock:                   "unlock",
	CommandStartEngine:              "start_engine",
	CommandStopEngine:               "stop_engine",
	CommandEnableTracking:           "enable_tracking",
	CommandDisableTracking:          "disable_tracking",
	CommandEnableActiveSecurity:     "enable_active_security",
	CommandDisableActiveSecurity:    "disable_active_security",
	CommandTurnOnBlockHeater:        "turn_on_block_heater",
	CommandTurnOffBlockHeater:       "turn_off_block_heater",
	CommandTurnOnExtChannel:         "turn_on_ext_channel",
	CommandTurnOffExtChannel:        "turn_off_ext_channel",
	CommandEnableServiceMode:        "enable_service_mode",
	CommandDisableServiceMode:       "disable_service_mode",
	CommandEnableStatusOutput:       "enable_status_output",
	CommandDisableStatusOutput:      "disable_status_output",
	CommandTriggerHorn:              "trigger_horn",
	CommandTriggerLight:             "trigger_light",
	CommandTriggerTrunk:             "trigger_trunk",
	CommandCheck:                    "check",
	CommandEraseDTC:                 "erase_dtc",
	CommandReadDTC:                  "read_dtc",
	CommandAdditional1:              "additional_command_1",
	CommandAdditional2:              "additional_command_2",
	CommandEnableConnection:         "enable_connection",
	CommandDisableConnection:        "disable_connection",
	CommandNAV12DisableServiceMode:  "nav12_disable_service_mode",
	CommandNAV12EnableServiceMode:   "nav12_enable_service_mode",
	CommandNAV12TurnOffBlockHeater:  "nav12_turn_off_block_heater",
	CommandNAV12TurnOnBlockHeater:   "nav12_turn_on_block_heater",
	CommandNAV12ResetErrors:         "nav12_reset_errors",
	CommandNAV12EnableStatusOutput:  "nav12_enable_status_output",
	CommandNAV12DisableStatusOutput: "nav12_disable_status_output",
	CommandStayHome:                 "stay_home",
	CommandLowPowerMode:             "low_power_mode",
	CommandPSCall:                   "ps_call",
}

// commandAliases is the inverse of commandNames, plus the coolant
// heater spelling some vendor material uses for the pre-start heater.
var commandAliases = func() map[string]CommandID {
	out := make(map[string]CommandID, len(commandNames)+2)
	for id, name := range commandNames {
		out[name] = id
	}
	out["turn_on_coolant_heater"] = CommandTurnOnBlockHeater
	out["turn_off_coolant_heater"] = CommandTurnOffBlockHeater
	return out
}()

// String returns the symbolic alias of the command, or the decimal id
// when the command is not in the registry.
func (c CommandID) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return strconv.Itoa(int(c))
}

// ParseCommand resolves a symbolic alias or a decimal id into a
// CommandID. Numeric input is accepted even when it is not in the
// registry, the service is the authority on valid ids.
func ParseCommand(s string) (CommandID, error) {
	if id, ok := commandAliases[s]; ok {
		return id, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, trace.BadParameter("unknown command %q", s)
	}
	return CommandID(n), nil
}
