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

// StateFlag is a bit of the primary status word (bit_state). The word is
// always replaced wholesale by updates, bits are positive assertions of
// the current state, never sticky.
type StateFlag uint64

const (
	FlagLocked                StateFlag = 1 << 0
	FlagAlarm                 StateFlag = 1 << 1
	FlagEngineRunning         StateFlag = 1 << 2
	FlagIgnition              StateFlag = 1 << 3
	FlagAutostartActive       StateFlag = 1 << 4
	FlagHandsFreeLocking      StateFlag = 1 << 5
	FlagHandsFreeUnlocking    StateFlag = 1 << 6
	FlagGSMActive             StateFlag = 1 << 7
	FlagGPSActive             StateFlag = 1 << 8
	FlagTrackingEnabled       StateFlag = 1 << 9
	FlagEngineLocked          StateFlag = 1 << 10
	FlagExtSensorAlertZone    StateFlag = 1 << 11
	FlagExtSensorMainZone     StateFlag = 1 << 12
	FlagSensorAlertZone       StateFlag = 1 << 13
	FlagSensorMainZone        StateFlag = 1 << 14
	FlagAutostartEnabled      StateFlag = 1 << 15
	FlagIncomingSMSEnabled    StateFlag = 1 << 16
	FlagIncomingCallsEnabled  StateFlag = 1 << 17
	FlagExteriorLightsActive  StateFlag = 1 << 18
	FlagSirenWarningsEnabled  StateFlag = 1 << 19
	FlagSirenSoundEnabled     StateFlag = 1 << 20
	FlagDoorDriverOpen        StateFlag = 1 << 21
	FlagDoorPassengerOpen     StateFlag = 1 << 22
	FlagDoorBackLeftOpen      StateFlag = 1 << 23
	FlagDoorBackRightOpen     StateFlag = 1 << 24
	FlagTrunkOpen             StateFlag = 1 << 25
	FlagHoodOpen              StateFlag = 1 << 26
	FlagHandbrakeEngaged      StateFlag = 1 << 27
	FlagBrakesEngaged         StateFlag = 1 << 28
	FlagBlockHeaterActive     StateFlag = 1 << 29
	FlagActiveSecurityEnabled StateFlag = 1 << 30
	FlagBlockHeaterEnabled    StateFlag = 1 << 31

	// bit 32 is unassigned in the vendor codification

	FlagEvacuationModeActive StateFlag = 1 << 33
	FlagServiceModeActive    StateFlag = 1 << 34
	FlagStayHomeActive       StateFlag = 1 << 35

	// bits 36-59 are unassigned in the vendor codification

	FlagSecurityTagsIgnored  StateFlag = 1 << 60
	FlagSecurityTagsEnforced StateFlag = 1 << 61
)

// stateFlagNames lists the primary word bits in ascending bit order.
var stateFlagNames = []struct {
	flag StateFlag
	name string
}{
	{FlagLocked, "locked"},
	{FlagAlarm, "alarm"},
	{FlagEngineRunning, "engine_running"},
	{FlagIgnition, "ignition"},
	{FlagAutostartActive, "autostart_active"},
	{FlagHandsFreeLocking, "hands_free_locking"},
	{FlagHandsFreeUnlocking, "hands_free_unlocking"},
	{FlagGSMActive, "gsm_active"},
	{FlagGPSActive, "gps_active"},
	{FlagTrackingEnabled, "tracking_enabled"},
	{FlagEngineLocked, "engine_locked"},
	{FlagExtSensorAlertZone, "ext_sensor_alert_zone"},
	{FlagExtSensorMainZone, "ext_sensor_main_zone"},
	{FlagSensorAlertZone, "sensor_alert_zone"},
	{FlagSensorMainZone, "sensor_main_zone"},
	{FlagAutostartEnabled, "autostart_enabled"},
	{FlagIncomingSMSEnabled, "incoming_sms_enabled"},
	{FlagIncomingCallsEnabled, "incoming_calls_enabled"},
	{FlagExteriorLightsActive, "exterior_lights_active"},
	{FlagSirenWarningsEnabled, "siren_warnings_enabled"},
	{FlagSirenSoundEnabled, "siren_sound_enabled"},
	{FlagDoorDriverOpen, "door_driver_open"},
	{FlagDoorPassengerOpen, "door_passenger_open"},
	{FlagDoorBackLeftOpen, "door_back_left_open"},
	{FlagDoorBackRightOpen, "door_back_right_open"},
	{FlagTrunkOpen, "trunk_open"},
	{FlagHoodOpen, "hood_open"},
	{FlagHandbrakeEngaged, "handbrake_engaged"},
	{FlagBrakesEngaged, "brakes_engaged"},
	{FlagBlockHeaterActive, "block_heater_active"},
	{FlagActiveSecurityEnabled, "active_security_enabled"},
	{FlagBlockHeaterEnabled, "block_heater_enabled"},
	{FlagEvacuationModeActive, "evacuation_mode_active"},
	{FlagServiceModeActive, "service_mode_active"},
	{FlagStayHomeActive, "stay_home_active"},
	{FlagSecurityTagsIgnored, "security_tags_ignored"},
	{FlagSecurityTagsEnforced, "security_tags_enforced"},
}

// Has reports whether all bits of flag are set in the word.
func (w StateFlag) Has(flag StateFlag) bool {
	return w&flag == flag
}

// ExpandBits expands the primary status word into a map of named
// booleans. Every known bit is present in the result, unknown bits are
// ignored.
func ExpandBits(word uint64) map[string]bool {
	out := make(map[string]bool, len(stateFlagNames))
	for _, b := range stateFlagNames {
		out[b.name] = StateFlag(word).Has(b.flag)
	}
	return out
}

// CANFlag is a bit of the secondary status word (can_bit_state) carrying
// boolean CAN readings.
type CANFlag uint32

const (
	CANFlagGlassDriverOpen CANFlag = 1 << iota
	CANFlagGlassPassengerOpen
	CANFlagGlassBackLeftOpen
	CANFlagGlassBackRightOpen
	CANFlagBeltDriverFastened
	CANFlagBeltPassengerFastened
	CANFlagBeltBackLeftFastened
	CANFlagBeltBackRightFastened
	CANFlagBeltBackCenterFastened
	CANFlagChargingConnected
	CANFlagChargingSlow
	CANFlagChargingFast
	CANFlagEVReady
	CANFlagLowLiquid
	CANFlagSeatTaken
	CANFlagNeedPadsExchange
)

var canFlagNames = []struct {
	flag CANFlag
	name string
}{
	{CANFlagGlassDriverOpen, "glass_driver_open"},
	{CANFlagGlassPassengerOpen, "glass_passenger_open"},
	{CANFlagGlassBackLeftOpen, "glass_back_left_open"},
	{CANFlagGlassBackRightOpen, "glass_back_right_open"},
	{CANFlagBeltDriverFastened, "belt_driver_fastened"},
	{CANFlagBeltPassengerFastened, "belt_passenger_fastened"},
	{CANFlagBeltBackLeftFastened, "belt_back_left_fastened"},
	{CANFlagBeltBackRightFastened, "belt_back_right_fastened"},
	{CANFlagBeltBackCenterFastened, "belt_back_center_fastened"},
	{CANFlagChargingConnected, "charging_connected"},
	{CANFlagChargingSlow, "charging_slow"},
	{CANFlagChargingFast, "charging_fast"},
	{CANFlagEVReady, "ev_ready"},
	{CANFlagLowLiquid, "low_liquid"},
	{CANFlagSeatTaken, "seat_taken"},
	{CANFlagNeedPadsExchange, "need_pads_exchange"},
}

// Has reports whether all bits of flag are set in the word.
func (w CANFlag) Has(flag CANFlag) bool {
	return w&flag == flag
}

// ExpandCANBits expands the secondary status word into a map of named
// booleans.
func ExpandCANBits(word uint32) map[string]bool {
	out := make(map[string]bool, len(canFlagNames))
	for _, b := range canFlagNames {
		out[b.name] = CANFlag(word).Has(b.flag)
	}
	return out
}

// ComposeCANBits derives the secondary status word from a state. When
// the wire carried the word itself it wins, otherwise the word is
// assembled from the discrete CAN booleans so both report paths expose
// identical flag views.
func ComposeCANBits(s *State) uint32 {
	if s == nil {
		return 0
	}
	if s.CANBitState != nil {
		return *s.CANBitState
	}
	var word CANFlag
	set := func(cond *bool, flag CANFlag) {
		if cond != nil && *cond {
			word |= flag
		}
	}
	set(s.CANGlassDriver, CANFlagGlassDriverOpen)
	set(s.CANGlassPassenger, CANFlagGlassPassengerOpen)
	set(s.CANGlassBackLeft, CANFlagGlassBackLeftOpen)
	set(s.CANGlassBackRight, CANFlagGlassBackRightOpen)
	set(s.CANBeltDriver, CANFlagBeltDriverFastened)
	set(s.CANBeltPassenger, CANFlagBeltPassengerFastened)
	set(s.CANBeltBackLeft, CANFlagBeltBackLeftFastened)
	set(s.CANBeltBackRight, CANFlagBeltBackRightFastened)
	set(s.CANBeltBackCenter, CANFlagBeltBackCenterFastened)
	set(s.EVChargingConnected, CANFlagChargingConnected)
	set(s.EVChargingSlow, CANFlagChargingSlow)
	set(s.EVChargingFast, CANFlagChargingFast)
	set(s.EVStatusReady, CANFlagEVReady)
	set(s.CANLowLiquid, CANFlagLowLiquid)
	set(s.CANSeatTaken, CANFlagSeatTaken)
	set(s.CANNeedPadsExchange, CANFlagNeedPadsExchange)
	return uint32(word)
}

// Features is the capability bitmask of a device, assembled from the
// feature map the inventory endpoint reports.
type Features uint32

const (
	FeatureActiveSecurity Features = 1 << iota
	FeatureAutoCheck
	FeatureAutostart
	FeatureBeeper
	FeatureBluetooth
	FeatureExtChannel
	FeatureNetwork
	FeatureCustomPhones
	FeatureEvents
	FeatureExtendedProperties
	FeatureBlockHeater
	FeatureKeepAlive
	FeatureLightToggle
	FeatureNotifications
	FeatureSchedule
	FeatureSensors
	FeatureTracking
	FeatureTrunkTrigger
	FeatureNav
)

// featureKeys maps the wire keys of the inventory feature map to flags.
var featureKeys = map[string]Features{
	"active_security": FeatureActiveSecurity,
	"auto_check":      FeatureAutoCheck,
	"autostart":       FeatureAutostart,
	"beep":            FeatureBeeper,
	"bluetooth":       FeatureBluetooth,
	"channel":         FeatureExtChannel,
	"connection":      FeatureNetwork,
	"custom_phones":   FeatureCustomPhones,
	"events":          FeatureEvents,
	"extend_props":    FeatureExtendedProperties,
	"heater":          FeatureBlockHeater,
	"keep_alive":      FeatureKeepAlive,
	"light":           FeatureLightToggle,
	"notification":    FeatureNotifications,
	"schedule":        FeatureSchedule,
	"sensors":         FeatureSensors,
	"tracking":        FeatureTracking,
	"trunk":           FeatureTrunkTrigger,
	"nav":             FeatureNav,
}

// Has reports whether all bits of flag are set in the mask.
func (f Features) Has(flag Features) bool {
	return f&flag == flag
}

// FeaturesFromMap assembles the capability mask from the feature map of
// an inventory response. Presence of a key grants the capability, the
// mapped value is ignored, matching the service behavior.
func FeaturesFromMap(m map[string]any) Features {
	var out Features
	for key, flag := range featureKeys {
		if _, ok := m[key]; ok {
			out |= flag
		}
	}
	return out
}
