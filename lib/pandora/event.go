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

// PrimaryEventID is the coarse classification code of a device event.
// The vendor table is partly undocumented, codes missing from the
// registry are reported as EventUnknown with the raw codes preserved.
type PrimaryEventID int

const (
	EventUnknown                   PrimaryEventID = 0
	EventLockingEnabled            PrimaryEventID = 1
	EventLockingDisabled           PrimaryEventID = 2
	EventAlert                     PrimaryEventID = 3
	EventEngineStarted             PrimaryEventID = 4
	EventEngineStopped             PrimaryEventID = 5
	EventEngineLocked              PrimaryEventID = 6
	EventServiceModeEnabled        PrimaryEventID = 7
	EventSettingsChanged           PrimaryEventID = 8
	EventRefuel                    PrimaryEventID = 9
	EventCollision                 PrimaryEventID = 10
	EventGSMConnection             PrimaryEventID = 11
	EventEmergencyCall             PrimaryEventID = 12
	EventFailedStartAttempt        PrimaryEventID = 13
	EventTrackingEnabled           PrimaryEventID = 14
	EventTrackingDisabled          PrimaryEventID = 15
	EventSystemPowerLoss           PrimaryEventID = 16
	EventSecureTrunkOpen           PrimaryEventID = 17
	EventFactoryTesting            PrimaryEventID = 18
	EventPowerDip                  PrimaryEventID = 19
	EventCheckReceived             PrimaryEventID = 20
	EventSystemLogin               PrimaryEventID = 29
	EventActiveSecurityEnabled     PrimaryEventID = 32
	EventActiveSecurityDisabled    PrimaryEventID = 33
	EventActiveSecurityAlert       PrimaryEventID = 34
	EventBlockHeaterEnabled        PrimaryEventID = 35
	EventBlockHeaterDisabled       PrimaryEventID = 36
	EventRoughRoadConditions       PrimaryEventID = 37
	EventDriving                   PrimaryEventID = 38
	EventEngineRunningProlongation PrimaryEventID = 40
	EventServiceModeDisabled       PrimaryEventID = 41
	EventGSMChannelEnabled         PrimaryEventID = 42
	EventGSMChannelDisabled        PrimaryEventID = 43
	EventNAV11Status               PrimaryEventID = 48
	EventDTCReadRequest            PrimaryEventID = 166
	EventDTCReadError              PrimaryEventID = 167
	EventDTCReadActive             PrimaryEventID = 168
	EventDTCEraseRequest           PrimaryEventID = 169
	EventDTCEraseActive            PrimaryEventID = 170
	EventSystemMessage             PrimaryEventID = 176
	EventEcoModeEnabled            PrimaryEventID = 177
	EventEcoModeDisabled           PrimaryEventID = 178
	EventTirePressureLow           PrimaryEventID = 179
	EventBluetoothStatus           PrimaryEventID = 220
	EventTagRequirementEnabled     PrimaryEventID = 230
	EventTagRequirementDisabled    PrimaryEventID = 231
	EventTagPollingEnabled         PrimaryEventID = 232
	EventTagPollingDisabled        PrimaryEventID = 233
	EventPoint                     PrimaryEventID = 250
)

// primaryEventNames is the codifier table: stable symbolic names keyed
// by primary code.
var primaryEventNames = map[PrimaryEventID]string{
	EventUnknown:                   "unknown",
	EventLockingEnabled:            "locking_enabled",
	EventLockingDisabled:           "locking_disabled",
	EventAlert:                     "alert",
	EventEngineStarted:             "engine_started",
	EventEngineStopped:             "engine_stopped",
	EventEngineLocked:              "engine_locked",
	EventServiceModeEnabled:        "service_mode_enabled",
	EventSettingsChanged:           "settings_changed",
	EventRefuel:                    "refuel",
	EventCollision:                 "collision",
	EventGSMConnection:             "gsm_connection",
	EventEmergencyCall:             "emergency_call",
	EventFailedStartAttempt:        "failed_start_attempt",
	EventTrackingEnabled:           "tracking_enabled",
	EventTrackingDisabled:          "tracking_disabled",
	EventSystemPowerLoss:           "system_power_loss",
	EventSecureTrunkOpen:           "secure_trunk_open",
	EventFactoryTesting:            "factory_testing",
	EventPowerDip:                  "power_dip",
	EventCheckReceived:             "check_received",
	EventSystemLogin:               "system_login",
	EventActiveSecurityEnabled:     "active_security_enabled",
	EventActiveSecurityDisabled:    "active_security_disabled",
	EventActiveSecurityAlert:       "active_security_alert",
	EventBlockHeaterEnabled:        "block_heater_enabled",
	EventBlockHeaterDisabled:       "block_heater_disabled",
	EventRoughRoadConditions:       "rough_road_conditions",
	EventDriving:                   "driving",
	EventEngineRunningProlongation: "engine_running_prolongation",
	EventServiceModeDisabled:       "service_mode_disabled",
	EventGSMChannelEnabled:         "gsm_channel_enabled",
	EventGSMChannelDisabled:        "gsm_channel_disabled",
	EventNAV11Status:               "nav11_status",
	EventDTCReadRequest:            "dtc_read_request",
	EventDTCReadError:              "dtc_read_error",
	EventDTCReadActive:             "dtc_read_active",
	EventDTCEraseRequest:           "dtc_erase_request",
	EventDTCEraseActive:            "dtc_erase_active",
	EventSystemMessage:             "system_message",
	EventEcoModeEnabled:            "eco_mode_enabled",
	EventEcoModeDisabled:           "eco_mode_disabled",
	EventTirePressureLow:           "tire_pressure_low",
	EventBluetoothStatus:           "bluetooth_status",
	EventTagRequirementEnabled:     "tag_requirement_enabled",
	EventTagRequirementDisabled:    "tag_requirement_disabled",
	EventTagPollingEnabled:         "tag_polling_enabled",
	EventTagPollingDisabled:        "tag_polling_disabled",
	EventPoint:                     "point",
}

// Known reports whether the primary code is present in the codifier
// table.
func (id PrimaryEventID) Known() bool {
	_, ok := primaryEventNames[id]
	return ok
}

// String returns the stable symbolic name of the primary code, or
// "unknown" for codes missing from the table.
func (id PrimaryEventID) String() string {
	if name, ok := primaryEventNames[id]; ok {
		return name
	}
	return primaryEventNames[EventUnknown]
}

// EventType derives the stable symbolic event type for a primary and
// secondary code pair. The secondary code does not currently refine the
// name, it is carried in payloads verbatim.
func EventType(primary, secondary int) string {
	return PrimaryEventID(primary).String()
}

// Event is an immutable record of a single device event as carried by
// event frames and history responses.
type Event struct {
	ID                  int64          `mapstructure:"id"`
	DeviceID            int64          `mapstructure:"dev_id"`
	BitState            uint64         `mapstructure:"bit_state_1"`
	Primary             int            `mapstructure:"eventid1"`
	Secondary           int            `mapstructure:"eventid2"`
	Latitude            *float64       `mapstructure:"x"`
	Longitude           *float64       `mapstructure:"y"`
	GSMLevel            *int           `mapstructure:"gsm_level"`
	Fuel                *float64       `mapstructure:"fuel"`
	ExteriorTemperature *float64       `mapstructure:"out_temp"`
	EngineTemperature   *float64       `mapstructure:"engine_temp"`
	InteriorTemperature *float64       `mapstructure:"cabin_temp"`
	EngineRPM           *int           `mapstructure:"engine_rpm"`
	Voltage             *float64       `mapstructure:"voltage"`
	Timestamp           int64          `mapstructure:"dtime"`
	RecordedTimestamp   int64          `mapstructure:"dtime_rec"`
	Raw                 map[string]any `mapstructure:"-"`
}

// Type returns the stable symbolic name of the event.
func (e *Event) Type() string {
	return EventType(e.Primary, e.Secondary)
}

// TrackPoint is a single GPS track record delivered by point frames.
type TrackPoint struct {
	DeviceID  int64    `mapstructure:"dev_id"`
	TrackID   *int64   `mapstructure:"track_id"`
	Latitude  float64  `mapstructure:"x"`
	Longitude float64  `mapstructure:"y"`
	Timestamp int64    `mapstructure:"dtime"`
	Fuel      *float64 `mapstructure:"fuel"`
	Speed     *float64 `mapstructure:"speed"`
	MaxSpeed  *float64 `mapstructure:"max_speed"`
	Length    *float64 `mapstructure:"length"`
}

// StateDelta folds the point into a telemetry delta: a track record is
// also the freshest position fix. The point time lands in the local
// state timestamp so stale-update protection applies.
func (p *TrackPoint) StateDelta() *StateDelta {
	lat, lon, ts := p.Latitude, p.Longitude, p.Timestamp
	delta := &StateDelta{DeviceID: p.DeviceID}
	delta.State.Latitude = &lat
	delta.State.Longitude = &lon
	delta.State.Speed = p.Speed
	delta.State.Fuel = p.Fuel
	if ts != 0 {
		delta.State.StateTimestamp = &ts
	}
	return delta
}

// CommandReply is the asynchronous acknowledgement of a submitted
// command. Result zero means the unit accepted the command, any other
// value is a failure with Reply carrying vendor detail.
type CommandReply struct {
	DeviceID  int64     `mapstructure:"dev_id"`
	CommandID CommandID `mapstructure:"command"`
	Result    int       `mapstructure:"result"`
	Reply     int       `mapstructure:"reply"`
}

// OK reports whether the unit accepted the command.
func (r *CommandReply) OK() bool {
	return r.Result == 0
}
