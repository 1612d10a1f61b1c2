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

// Package pandora implements the wire protocol of the Pandora/PanDECT
// vehicle-alarm cloud: frame decoding, the sparse device state model,
// bitfield expansion and the command/event registries.
//
// Everything in this package is pure data manipulation. Transport and
// connection lifecycles live in lib/webclient and lib/stream.
package pandora

import (
	"reflect"
	"slices"
	"strings"
)

// Balance is an account balance reported for one of the device SIM cards.
type Balance struct {
	Value    float64 `mapstructure:"value" json:"value"`
	Currency string  `mapstructure:"cur" json:"cur"`
}

// FuelTank is a single fuel tank reading. Ras and RasT ride along
// undecoded, the vendor does not document them.
type FuelTank struct {
	ID    int      `mapstructure:"id" json:"id"`
	Value float64  `mapstructure:"val" json:"val"`
	Ras   *float64 `mapstructure:"ras" json:"ras,omitempty"`
	RasT  *float64 `mapstructure:"ras_t" json:"ras_t,omitempty"`
}

// State is the telemetry of a single device. Every field is independently
// nullable: nil means the value has never been observed (or was explicitly
// cleared). Values reachable through pointers are read-only once a State
// has been published to subscribers.
//
// The mapstructure tag of each field is its canonical name: the name used
// in change notifications, in StateDelta.Cleared and by Merge.
type State struct {
	IsOnline *bool `mapstructure:"is_online"`

	Latitude  *float64 `mapstructure:"latitude"`
	Longitude *float64 `mapstructure:"longitude"`
	Speed     *float64 `mapstructure:"speed"`
	// Rotation is the course over ground in degrees.
	Rotation *float64 `mapstructure:"rotation"`

	// BitState is the primary status word, see StateFlag.
	BitState *uint64 `mapstructure:"bit_state"`
	// CANBitState is the secondary status word carrying CAN-derived
	// booleans, see CANFlag.
	CANBitState *uint32 `mapstructure:"can_bit_state"`

	EngineRPM           *int     `mapstructure:"engine_rpm"`
	EngineTemperature   *float64 `mapstructure:"engine_temperature"`
	InteriorTemperature *float64 `mapstructure:"interior_temperature"`
	ExteriorTemperature *float64 `mapstructure:"exterior_temperature"`
	Fuel                *float64 `mapstructure:"fuel"`
	Voltage             *float64 `mapstructure:"voltage"`
	GSMLevel            *int     `mapstructure:"gsm_level"`
	Mileage             *float64 `mapstructure:"mileage"`
	CANMileage          *float64 `mapstructure:"can_mileage"`

	Balance          *Balance `mapstructure:"balance"`
	BalanceSecondary *Balance `mapstructure:"balance_other"`
	ActiveSIM        *int     `mapstructure:"active_sim"`

	TagNumber         *int     `mapstructure:"tag_number"`
	KeyNumber         *int     `mapstructure:"key_number"`
	Relay             *int     `mapstructure:"relay"`
	IsMoving          *bool    `mapstructure:"is_moving"`
	IsEvacuating      *bool    `mapstructure:"is_evacuating"`
	LockLatitude      *float64 `mapstructure:"lock_latitude"`
	LockLongitude     *float64 `mapstructure:"lock_longitude"`
	TrackingRemaining *float64 `mapstructure:"tracking_remaining"`

	CANSeatTaken            *bool    `mapstructure:"can_seat_taken"`
	CANAverageSpeed         *float64 `mapstructure:"can_average_speed"`
	CANConsumption          *float64 `mapstructure:"can_consumption"`
	CANConsumptionAfter     *float64 `mapstructure:"can_consumption_after"`
	CANNeedPadsExchange     *bool    `mapstructure:"can_need_pads_exchange"`
	CANDaysToMaintenance    *int     `mapstructure:"can_days_to_maintenance"`
	CANTPMSFrontLeft        *float64 `mapstructure:"can_tpms_front_left"`
	CANTPMSFrontRight       *float64 `mapstructure:"can_tpms_front_right"`
	CANTPMSBackLeft         *float64 `mapstructure:"can_tpms_back_left"`
	CANTPMSBackRight        *float64 `mapstructure:"can_tpms_back_right"`
	CANTPMSReserve          *float64 `mapstructure:"can_tpms_reserve"`
	CANGlassDriver          *bool    `mapstructure:"can_glass_driver"`
	CANGlassPassenger       *bool    `mapstructure:"can_glass_passenger"`
	CANGlassBackLeft        *bool    `mapstructure:"can_glass_back_left"`
	CANGlassBackRight       *bool    `mapstructure:"can_glass_back_right"`
	CANBeltDriver           *bool    `mapstructure:"can_belt_driver"`
	CANBeltPassenger        *bool    `mapstructure:"can_belt_passenger"`
	CANBeltBackLeft         *bool    `mapstructure:"can_belt_back_left"`
	CANBeltBackRight        *bool    `mapstructure:"can_belt_back_right"`
	CANBeltBackCenter       *bool    `mapstructure:"can_belt_back_center"`
	CANLowLiquid            *bool    `mapstructure:"can_low_liquid"`
	CANMileageByBattery     *float64 `mapstructure:"can_mileage_by_battery"`
	CANMileageToEmpty       *float64 `mapstructure:"can_mileage_to_empty"`
	CANMileageToMaintenance *float64 `mapstructure:"can_mileage_to_maintenance"`

	EVStateOfCharge     *float64 `mapstructure:"ev_state_of_charge"`
	EVStateOfHealth     *float64 `mapstructure:"ev_state_of_health"`
	EVChargingConnected *bool    `mapstructure:"ev_charging_connected"`
	EVChargingSlow      *bool    `mapstructure:"ev_charging_slow"`
	EVChargingFast      *bool    `mapstructure:"ev_charging_fast"`
	EVStatusReady       *bool    `mapstructure:"ev_status_ready"`
	BatteryTemperature  *int     `mapstructure:"battery_temperature"`

	FuelTanks []FuelTank `mapstructure:"fuel_tanks"`

	// The service reports wall-clock timestamps in the unit's local
	// time alongside UTC ones. Missing counterparts are reconstructed
	// from the device UTC offset during merge.
	StateTimestamp       *int64 `mapstructure:"state_timestamp"`
	StateTimestampUTC    *int64 `mapstructure:"state_timestamp_utc"`
	OnlineTimestamp      *int64 `mapstructure:"online_timestamp"`
	OnlineTimestampUTC   *int64 `mapstructure:"online_timestamp_utc"`
	SettingsTimestampUTC *int64 `mapstructure:"settings_timestamp_utc"`
	CommandTimestampUTC  *int64 `mapstructure:"command_timestamp_utc"`
}

// StateDelta is a sparse update for a single device: nil fields are
// unchanged, names listed in Cleared were explicitly nulled by the
// frame. Raw preserves the wire keys the decoder did not recognize.
type StateDelta struct {
	DeviceID int64
	State    State
	Cleared  []string
	Raw      map[string]any
}

// stateFieldIndex maps canonical field names to State field indices.
var stateFieldIndex = func() map[string]int {
	fields := make(map[string]int)
	t := reflect.TypeOf(State{})
	for i := range t.NumField() {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			continue
		}
		fields[name] = i
	}
	return fields
}()

// StateFieldNames returns the canonical names of all State fields in
// struct order.
func StateFieldNames() []string {
	t := reflect.TypeOf(State{})
	names := make([]string, 0, t.NumField())
	for i := range t.NumField() {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			continue
		}
		names = append(names, name)
	}
	return names
}

// IsStateField reports whether name is a canonical State field name.
func IsStateField(name string) bool {
	_, ok := stateFieldIndex[name]
	return ok
}

// Merge applies a sparse delta onto dst and returns the sorted canonical
// names of the fields whose values changed. Set fields replace previous
// values wholesale (the status words are never bit-merged), cleared
// fields drop to nil, everything else is left untouched.
func Merge(dst *State, delta *StateDelta) (changed []string) {
	dv := reflect.ValueOf(&delta.State).Elem()
	sv := reflect.ValueOf(dst).Elem()
	t := dv.Type()

	for i := range t.NumField() {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			continue
		}
		nv := dv.Field(i)
		if nv.IsNil() {
			continue
		}
		if !reflect.DeepEqual(sv.Field(i).Interface(), nv.Interface()) {
			changed = append(changed, name)
		}
		sv.Field(i).Set(nv)
	}

	for _, name := range delta.Cleared {
		i, ok := stateFieldIndex[name]
		if !ok {
			continue
		}
		f := sv.Field(i)
		if f.IsNil() {
			continue
		}
		f.Set(reflect.Zero(f.Type()))
		changed = append(changed, name)
	}

	slices.Sort(changed)
	return slices.Compact(changed)
}

// Clone returns a shallow copy of the state. Pointer targets are shared;
// they are treated as immutable by every producer in this package.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	if s.FuelTanks != nil {
		out.FuelTanks = slices.Clone(s.FuelTanks)
	}
	return &out
}

// DeviceInfo is the identity portion of a device as reported by the
// device inventory endpoint. It only changes on snapshots.
type DeviceInfo struct {
	ID             int64          `mapstructure:"id"`
	Type           string         `mapstructure:"type"`
	Name           string         `mapstructure:"name"`
	Model          string         `mapstructure:"model"`
	Firmware       string         `mapstructure:"firmware"`
	VoiceVersion   string         `mapstructure:"voice_version"`
	Color          string         `mapstructure:"color"`
	CarType        string         `mapstructure:"car_type"`
	Photo          string         `mapstructure:"photo"`
	Phone          string         `mapstructure:"phone"`
	PhoneSecondary string         `mapstructure:"phone1"`
	Features       Features       `mapstructure:"-"`
	Raw            map[string]any `mapstructure:"-"`
}
