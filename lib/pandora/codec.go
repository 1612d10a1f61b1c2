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
	"encoding/json"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/mapstructure"
)

// wireJSON decodes service payloads with numbers preserved as
// json.Number: the status words use bits beyond the float64 mantissa.
var wireJSON = jsoniter.Config{UseNumber: true}.Froze()

// FrameType discriminates websocket frame payloads.
type FrameType string

const (
	// FrameInitialState is the full state snapshot pushed right after
	// the subscription is established.
	FrameInitialState FrameType = "initial-state"
	// FrameState is a sparse telemetry update.
	FrameState FrameType = "state"
	// FramePoint carries a single GPS track record.
	FramePoint FrameType = "point"
	// FrameEvent carries a device event record.
	FrameEvent FrameType = "event"
	// FrameCommand acknowledges a previously submitted command.
	FrameCommand FrameType = "command"
	// FrameUpdateSettings signals a device settings revision.
	FrameUpdateSettings FrameType = "update-settings"
)

// Frame is the envelope of a single websocket message.
type Frame struct {
	Type FrameType
	Data map[string]any
}

// ParseFrame splits the websocket envelope and validates the frame
// type. Unknown types are rejected so the caller can log and skip them.
func ParseFrame(payload []byte) (*Frame, error) {
	var envelope struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := wireJSON.Unmarshal(payload, &envelope); err != nil {
		return nil, trace.BadParameter("malformed frame envelope: %v", err)
	}
	switch t := FrameType(envelope.Type); t {
	case FrameInitialState, FrameState, FramePoint, FrameEvent, FrameCommand, FrameUpdateSettings:
		return &Frame{Type: t, Data: envelope.Data}, nil
	case "":
		return nil, trace.BadParameter("frame envelope carries no type")
	default:
		return nil, trace.BadParameter("unknown frame type %q", envelope.Type)
	}
}

// wireKey binds a wire attribute to its canonical field name, with an
// optional value conversion.
type wireKey struct {
	name    string
	convert func(any) (any, error)
}

// commonWireKeys is the attribute dialect shared by websocket state
// frames and HTTP poll entries.
var commonWireKeys = map[string]wireKey{
	"active_sim":  {name: "active_sim"},
	"balance":     {name: "balance", convert: balanceValue},
	"balance1":    {name: "balance_other", convert: balanceValue},
	"bit_state_1": {name: "bit_state"},
	"brelok":      {name: "key_number"},
	"cabin_temp":  {name: "interior_temperature"},
	"engine_rpm":  {name: "engine_rpm"},
	"engine_temp": {name: "engine_temperature"},
	"evaq":        {name: "is_evacuating"},
	"fuel":        {name: "fuel"},
	"gsm_level":   {name: "gsm_level"},
	"metka":       {name: "tag_number"},
	"mileage":     {name: "mileage"},
	"mileage_CAN": {name: "can_mileage"},
	"move":        {name: "is_moving"},
	"out_temp":    {name: "exterior_temperature"},
	"relay":       {name: "relay"},
	"rot":         {name: "rotation"},
	"speed":       {name: "speed"},
	"voltage":     {name: "voltage"},
	"x":           {name: "latitude"},
	"y":           {name: "longitude"},
}

// websocketWireKeys extends the common dialect for state frames. On
// this path "online" is the online timestamp; the online flag travels
// as "online_mode". Lock coordinates arrive in microdegrees.
var websocketWireKeys = mergedWireKeys(commonWireKeys, map[string]wireKey{
	"online_mode":   {name: "is_online"},
	"state":         {name: "state_timestamp"},
	"state_utc":     {name: "state_timestamp_utc"},
	"online":        {name: "online_timestamp"},
	"online_utc":    {name: "online_timestamp_utc"},
	"setting_utc":   {name: "settings_timestamp_utc"},
	"command_utc":   {name: "command_timestamp_utc"},
	"lock_x":        {name: "lock_latitude", convert: microDegrees},
	"lock_y":        {name: "lock_longitude", convert: microDegrees},
	"track_remains": {name: "tracking_remaining"},
	"tanks":         {name: "fuel_tanks"},
})

// httpWireKeys extends the common dialect for HTTP poll entries. Here
// "online" is the online flag; timestamps travel in the separate per
// device time block.
var httpWireKeys = mergedWireKeys(commonWireKeys, map[string]wireKey{
	"online": {name: "is_online"},
})

// timeWireKeys is the per-device time block of an HTTP poll response.
// "onlined" is the unit-local wall clock, "online" is UTC.
var timeWireKeys = map[string]string{
	"onlined": "online_timestamp",
	"online":  "online_timestamp_utc",
	"command": "command_timestamp_utc",
	"setting": "settings_timestamp_utc",
}

// canWireKeys is the CAN attribute group. Websocket frames carry these
// flat, HTTP poll entries nest them under a "can" object. Key spelling
// follows the vendor, misspellings included.
var canWireKeys = map[string]wireKey{
	"CAN_TMPS_forvard_left":      {name: "can_tpms_front_left"},
	"CAN_TMPS_forvard_right":     {name: "can_tpms_front_right"},
	"CAN_TMPS_back_left":         {name: "can_tpms_back_left"},
	"CAN_TMPS_back_right":        {name: "can_tpms_back_right"},
	"CAN_TMPS_reserve":           {name: "can_tpms_reserve"},
	"CAN_driver_glass":           {name: "can_glass_driver"},
	"CAN_passenger_glass":        {name: "can_glass_passenger"},
	"CAN_back_left_glass":        {name: "can_glass_back_left"},
	"CAN_back_right_glass":       {name: "can_glass_back_right"},
	"CAN_driver_belt":            {name: "can_belt_driver"},
	"CAN_passenger_belt":         {name: "can_belt_passenger"},
	"CAN_back_left_belt":         {name: "can_belt_back_left"},
	"CAN_back_right_belt":        {name: "can_belt_back_right"},
	"CAN_back_center_belt":       {name: "can_belt_back_center"},
	"CAN_mileage_by_battery":     {name: "can_mileage_by_battery"},
	"CAN_mileage_to_empty":       {name: "can_mileage_to_empty"},
	"CAN_mileage_to_maintenance": {name: "can_mileage_to_maintenance"},
	"CAN_average_speed":          {name: "can_average_speed"},
	"CAN_low_liquid":             {name: "can_low_liquid"},
	"CAN_seat_taken":             {name: "can_seat_taken"},
	"CAN_consumption":            {name: "can_consumption"},
	"CAN_consumption_after":      {name: "can_consumption_after"},
	"CAN_need_pads_exchange":     {name: "can_need_pads_exchange"},
	"CAN_days_to_maintenance":    {name: "can_days_to_maintenance"},
	"charging_connect":           {name: "ev_charging_connected"},
	"charging_slow":              {name: "ev_charging_slow"},
	"charging_fast":              {name: "ev_charging_fast"},
	"SOC":                        {name: "ev_state_of_charge"},
	"SOH":                        {name: "ev_state_of_health"},
	"ev_status_ready":            {name: "ev_status_ready"},
	"battery_temperature":        {name: "battery_temperature"},
}

func mergedWireKeys(tables ...map[string]wireKey) map[string]wireKey {
	out := make(map[string]wireKey)
	for _, table := range tables {
		for key, tr := range table {
			out[key] = tr
		}
	}
	return out
}

// identityWireKeys carry the device identity; they never land in the
// raw sidecar.
var identityWireKeys = map[string]struct{}{
	"dev_id": {},
	"id":     {},
}

// DecodeState decodes the payload of a state or initial-state frame
// into a sparse delta. Recognized wire keys translate to canonical
// field names, an explicit null lists the field in Cleared, everything
// the decoder does not recognize rides along in Raw.
func DecodeState(data map[string]any) (*StateDelta, error) {
	return decodeStateDelta(data, websocketWireKeys, true)
}

// DecodeInitialState decodes the initial-state frame pushed right after
// subscribing. The shape matches a state frame but the payload is a
// full replacement snapshot.
func DecodeInitialState(data map[string]any) (*StateDelta, error) {
	delta, err := decodeStateDelta(data, websocketWireKeys, true)
	return delta, trace.Wrap(err)
}

func decodeStateDelta(data map[string]any, table map[string]wireKey, flatCAN bool) (*StateDelta, error) {
	if data == nil {
		return nil, trace.BadParameter("state payload carries no data")
	}
	id, err := deviceIDOf(data)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	canonical := make(map[string]any, len(data))
	var cleared []string
	var raw map[string]any

	keep := func(key string, val any) {
		if raw == nil {
			raw = make(map[string]any)
		}
		raw[key] = val
	}
	assign := func(key string, val any, tr wireKey) error {
		if val == nil {
			cleared = append(cleared, tr.name)
			return nil
		}
		if tr.convert != nil {
			converted, err := tr.convert(val)
			if err != nil {
				return trace.BadParameter("bad value for %q: %v", key, err)
			}
			val = converted
		}
		canonical[tr.name] = val
		return nil
	}

	for key, val := range data {
		if _, ok := identityWireKeys[key]; ok {
			continue
		}
		if tr, ok := table[key]; ok {
			if err := assign(key, val, tr); err != nil {
				return nil, trace.Wrap(err)
			}
			continue
		}
		if flatCAN {
			if tr, ok := canWireKeys[key]; ok {
				if err := assign(key, val, tr); err != nil {
					return nil, trace.Wrap(err)
				}
				continue
			}
		} else if key == "can" {
			group, ok := val.(map[string]any)
			if !ok {
				if val != nil {
					keep(key, val)
				}
				continue
			}
			for canKey, canVal := range group {
				tr, ok := canWireKeys[canKey]
				if !ok {
					keep(canKey, canVal)
					continue
				}
				if err := assign(canKey, canVal, tr); err != nil {
					return nil, trace.Wrap(err)
				}
			}
			continue
		}
		keep(key, val)
	}

	slices.Sort(cleared)
	delta := &StateDelta{
		DeviceID: id,
		Cleared:  slices.Compact(cleared),
		Raw:      raw,
	}
	if err := decodeWeak(canonical, &delta.State); err != nil {
		return nil, trace.Wrap(err)
	}
	return delta, nil
}

// decodeWeak maps a wire attribute map onto a struct by its tags. Weak
// typing absorbs the service habit of encoding booleans as 0/1.
func decodeWeak(data map[string]any, target any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := dec.Decode(data); err != nil {
		return trace.BadParameter("malformed payload: %v", err)
	}
	return nil
}

// DecodeEvent decodes an event frame or a single history record.
// Unrecognized wire keys are preserved in the event Raw map.
func DecodeEvent(data map[string]any) (*Event, error) {
	if data == nil {
		return nil, trace.BadParameter("event payload carries no data")
	}
	var event Event
	md := &mapstructure.Metadata{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &event,
		Metadata:         md,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := dec.Decode(data); err != nil {
		return nil, trace.BadParameter("malformed event payload: %v", err)
	}
	if event.DeviceID == 0 {
		return nil, trace.BadParameter("event carries no device id")
	}
	// Some firmware revisions report the event time under "time".
	if event.Timestamp == 0 {
		if val, ok := data["time"]; ok && val != nil {
			ts, err := toInt64(val)
			if err != nil {
				return nil, trace.BadParameter("bad event time: %v", err)
			}
			event.Timestamp = ts
		}
	}
	for _, key := range md.Unused {
		if key == "time" {
			continue
		}
		if event.Raw == nil {
			event.Raw = make(map[string]any)
		}
		event.Raw[key] = data[key]
	}
	return &event, nil
}

// DecodePoint decodes a point frame carrying one GPS track record.
func DecodePoint(data map[string]any) (*TrackPoint, error) {
	if data == nil {
		return nil, trace.BadParameter("point payload carries no data")
	}
	var point TrackPoint
	if err := decodeWeak(data, &point); err != nil {
		return nil, trace.Wrap(err)
	}
	if point.DeviceID == 0 {
		return nil, trace.BadParameter("point carries no device id")
	}
	return &point, nil
}

// DecodeCommandReply decodes a command frame acknowledging a submitted
// command.
func DecodeCommandReply(data map[string]any) (*CommandReply, error) {
	if data == nil {
		return nil, trace.BadParameter("command payload carries no data")
	}
	var reply CommandReply
	if err := decodeWeak(data, &reply); err != nil {
		return nil, trace.Wrap(err)
	}
	if reply.DeviceID == 0 {
		return nil, trace.BadParameter("command reply carries no device id")
	}
	return &reply, nil
}

// DecodeUpdateSettings decodes an update-settings frame. The service
// sends no event record for settings changes, so one is synthesized
// with the settings_changed code and the frame payload preserved raw.
func DecodeUpdateSettings(data map[string]any) (*Event, error) {
	if data == nil {
		return nil, trace.BadParameter("update-settings payload carries no data")
	}
	id, err := deviceIDOf(data)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	event := &Event{
		DeviceID: id,
		Primary:  int(EventSettingsChanged),
	}
	if val, ok := data["dtime"]; ok && val != nil {
		ts, err := toInt64(val)
		if err != nil {
			return nil, trace.BadParameter("bad settings time: %v", err)
		}
		event.Timestamp = ts
	}
	for key, val := range data {
		if _, ok := identityWireKeys[key]; ok {
			continue
		}
		if key == "dtime" {
			continue
		}
		if event.Raw == nil {
			event.Raw = make(map[string]any)
		}
		event.Raw[key] = val
	}
	return event, nil
}

// Updates is the decoded body of a GET /api/updates poll.
type Updates struct {
	// Timestamp is the server cursor to carry into the next poll.
	Timestamp int64
	// Deltas are per-device telemetry updates, ordered by device id.
	Deltas []*StateDelta
	// Events are the history records embedded in the poll response.
	Events []*Event
}

// DecodeUpdates decodes the body of a GET /api/updates poll:
// per-device telemetry under "stats", per-device timestamps under
// "time", history records under "lenta" and the server cursor under
// "ts".
func DecodeUpdates(body []byte) (*Updates, error) {
	var envelope struct {
		Timestamp int64                     `json:"ts"`
		Stats     map[string]map[string]any `json:"stats"`
		Time      map[string]map[string]any `json:"time"`
		Lenta     []lentaEntry              `json:"lenta"`
	}
	if err := wireJSON.Unmarshal(body, &envelope); err != nil {
		return nil, trace.BadParameter("malformed updates response: %v", err)
	}

	updates := &Updates{Timestamp: envelope.Timestamp}
	deltas := make(map[int64]*StateDelta, len(envelope.Stats))
	order := make([]int64, 0, len(envelope.Stats))

	for key, attrs := range envelope.Stats {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, trace.BadParameter("bad device id %q in stats block", key)
		}
		if attrs == nil {
			continue
		}
		attrs["dev_id"] = key
		delta, err := decodeStateDelta(attrs, httpWireKeys, false)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		deltas[id] = delta
		order = append(order, id)
	}

	for key, times := range envelope.Time {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, trace.BadParameter("bad device id %q in time block", key)
		}
		delta := deltas[id]
		if delta == nil {
			delta = &StateDelta{DeviceID: id}
			deltas[id] = delta
			order = append(order, id)
		}
		canonical := make(map[string]any, len(times))
		for wire, val := range times {
			name, ok := timeWireKeys[wire]
			if !ok || val == nil {
				continue
			}
			canonical[name] = val
		}
		if err := decodeWeak(canonical, &delta.State); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	slices.Sort(order)
	for _, id := range order {
		updates.Deltas = append(updates.Deltas, deltas[id])
	}

	events, err := decodeLenta(envelope.Lenta)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	updates.Events = events
	return updates, nil
}

type lentaEntry struct {
	Object map[string]any `json:"obj"`
}

func decodeLenta(entries []lentaEntry) ([]*Event, error) {
	var events []*Event
	for i, entry := range entries {
		if entry.Object == nil {
			continue
		}
		event, err := DecodeEvent(entry.Object)
		if err != nil {
			return nil, trace.BadParameter("bad history record %d: %v", i, err)
		}
		events = append(events, event)
	}
	return events, nil
}

// DecodeEventHistory decodes the body of a GET /api/lenta request.
func DecodeEventHistory(body []byte) ([]*Event, error) {
	var envelope struct {
		Lenta []lentaEntry `json:"lenta"`
	}
	if err := wireJSON.Unmarshal(body, &envelope); err != nil {
		return nil, trace.BadParameter("malformed history response: %v", err)
	}
	events, err := decodeLenta(envelope.Lenta)
	return events, trace.Wrap(err)
}

// DecodeDeviceList decodes the GET /api/devices inventory: identity
// attributes per device plus the capability map under "features".
func DecodeDeviceList(body []byte) ([]*DeviceInfo, error) {
	var entries []map[string]any
	if err := wireJSON.Unmarshal(body, &entries); err != nil {
		return nil, trace.BadParameter("malformed device inventory: %v", err)
	}
	infos := make([]*DeviceInfo, 0, len(entries))
	for i, attrs := range entries {
		info, err := DecodeDeviceInfo(attrs)
		if err != nil {
			return nil, trace.BadParameter("bad inventory entry %d: %v", i, err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// DecodeDeviceInfo decodes a single inventory entry. Attributes beyond
// the identity set are preserved in Raw.
func DecodeDeviceInfo(attrs map[string]any) (*DeviceInfo, error) {
	if attrs == nil {
		return nil, trace.BadParameter("inventory entry carries no data")
	}
	var info DeviceInfo
	md := &mapstructure.Metadata{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &info,
		Metadata:         md,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := dec.Decode(attrs); err != nil {
		return nil, trace.BadParameter("malformed inventory entry: %v", err)
	}
	if info.ID == 0 {
		return nil, trace.BadParameter("inventory entry carries no device id")
	}
	if features, ok := attrs["features"].(map[string]any); ok {
		info.Features = FeaturesFromMap(features)
	}
	for _, key := range md.Unused {
		if key == "features" {
			continue
		}
		if info.Raw == nil {
			info.Raw = make(map[string]any)
		}
		info.Raw[key] = attrs[key]
	}
	return &info, nil
}

// DecodeDeviceSettings decodes a GET /api/devices/settings response,
// returning the most recent settings revision for the device. The
// service may report several revisions; "dtime" orders them.
func DecodeDeviceSettings(body []byte, deviceID int64) (map[string]any, error) {
	var envelope struct {
		DeviceSettings map[string][]map[string]any `json:"device_settings"`
	}
	if err := wireJSON.Unmarshal(body, &envelope); err != nil {
		return nil, trace.BadParameter("malformed settings response: %v", err)
	}
	revisions := envelope.DeviceSettings[strconv.FormatInt(deviceID, 10)]
	if len(revisions) == 0 {
		return nil, trace.NotFound("no settings for device %v", deviceID)
	}
	var latest map[string]any
	latestTime := int64(-1)
	for _, revision := range revisions {
		var ts int64
		if val, ok := revision["dtime"]; ok && val != nil {
			parsed, err := toInt64(val)
			if err != nil {
				return nil, trace.BadParameter("bad settings revision time: %v", err)
			}
			ts = parsed
		}
		if ts > latestTime {
			latest, latestTime = revision, ts
		}
	}
	return latest, nil
}

// EncodeState renders a state back into its canonical field map with
// the raw sidecar merged in. The codec guarantees that decoding a
// frame and encoding the result reproduces the same semantic map.
func EncodeState(s *State, raw map[string]any) map[string]any {
	out := make(map[string]any)
	v := reflect.ValueOf(s).Elem()
	t := v.Type()
	for i := range t.NumField() {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			continue
		}
		f := v.Field(i)
		if f.IsNil() {
			continue
		}
		if f.Kind() == reflect.Pointer {
			out[name] = f.Elem().Interface()
			continue
		}
		out[name] = f.Interface()
	}
	for key, val := range raw {
		out[key] = val
	}
	return out
}

// deviceIDOf extracts the device identity from a wire map, accepting
// both spellings the service uses.
func deviceIDOf(data map[string]any) (int64, error) {
	for _, key := range []string{"dev_id", "id"} {
		val, ok := data[key]
		if !ok || val == nil {
			continue
		}
		id, err := toInt64(val)
		if err != nil {
			return 0, trace.BadParameter("bad %s: %v", key, err)
		}
		return id, nil
	}
	return 0, trace.BadParameter("payload carries no device id")
}

func toInt64(val any) (int64, error) {
	switch v := val.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		f, err := v.Float64()
		if err != nil {
			return 0, trace.BadParameter("not a number: %q", string(v))
		}
		return int64(f), nil
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case string:
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, trace.BadParameter("not a number: %q", v)
		}
		return i, nil
	}
	return 0, trace.BadParameter("unsupported numeric type %T", val)
}

func toFloat64(val any) (float64, error) {
	switch v := val.(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, trace.BadParameter("not a number: %q", string(v))
		}
		return f, nil
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	}
	return 0, trace.BadParameter("unsupported numeric type %T", val)
}

// microDegrees converts the microdegree lock coordinates the service
// reports into degrees.
func microDegrees(val any) (any, error) {
	f, err := toFloat64(val)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return f / 1e6, nil
}

// balanceValue tolerates the two balance shapes seen in the wild: the
// documented object and a bare number on older firmware.
func balanceValue(val any) (any, error) {
	switch v := val.(type) {
	case map[string]any:
		return v, nil
	case json.Number, float64, int64, int:
		f, err := toFloat64(v)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return map[string]any{"value": f}, nil
	}
	return nil, trace.BadParameter("unsupported balance shape %T", val)
}
