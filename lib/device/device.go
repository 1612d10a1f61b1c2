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

// Package device keeps the in-memory model of every vehicle unit an
// account observes: identity, accumulated telemetry and the listener
// fan-out that turns committed merges into notifications.
package device

import (
	"log/slog"
	"maps"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gravitational/pandoracas/lib/defaults"
	"github.com/gravitational/pandoracas/lib/pandora"
)

// InfoField is the pseudo field name reported to listeners when the
// identity attributes of a device change.
const InfoField = "info"

// View is an immutable snapshot of one device. The state clone and the
// raw map are never mutated after publication; listeners may hold on
// to them.
type View struct {
	// Info is the identity of the device as last reported by the
	// inventory endpoint.
	Info pandora.DeviceInfo
	// State is the accumulated telemetry.
	State *pandora.State
	// Raw holds the latest value of every wire key the codec did not
	// recognize.
	Raw map[string]any
	// UTCOffset is the unit's local clock offset derived from paired
	// timestamps, zero until a pair has been observed.
	UTCOffset time.Duration
}

// Update is delivered to listeners after a merge commits.
type Update struct {
	// DeviceID names the device the update belongs to. Zero on the
	// final notification of an account-wide subscription.
	DeviceID int64
	// View is the device snapshot after the merge.
	View View
	// Changed lists the canonical names of the fields the merge
	// touched, sorted. Identity changes are reported as InfoField.
	Changed []string
	// Backpressure marks a delivery that absorbed older pending
	// updates because the listener fell behind.
	Backpressure bool
	// Closed marks the final notification of a subscription; no
	// further deliveries follow.
	Closed bool
}

// Device accumulates the reported state of a single unit. All methods
// are safe for concurrent use.
type Device struct {
	id       int64
	registry *Registry
	logger   *slog.Logger

	mu        sync.Mutex
	info      pandora.DeviceInfo
	state     pandora.State
	raw       map[string]any
	utcOffset time.Duration
	subs      map[string]*subscription
	closed    bool
}

func newDevice(id int64, registry *Registry) *Device {
	return &Device{
		id:       id,
		registry: registry,
		logger:   registry.logger.With("device_id", id),
		subs:     make(map[string]*subscription),
	}
}

// ID returns the device identifier.
func (d *Device) ID() int64 {
	return d.id
}

// Snapshot returns the current view of the device.
func (d *Device) Snapshot() View {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

// SetInfo replaces the identity attributes wholesale. Listeners are
// notified with InfoField when anything actually changed.
func (d *Device) SetInfo(info pandora.DeviceInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if reflect.DeepEqual(d.info, info) {
		return
	}
	d.info = info
	d.notifyLocked([]string{InfoField})
}

// ApplySnapshot merges a dense state report, such as the body of an
// updates poll or the initial-state frame pushed on stream connect.
// Reports older than the accumulated state are dropped whole and
// reported as stale.
func (d *Device) ApplySnapshot(delta *pandora.StateDelta) (changed []string, stale bool) {
	return d.apply(delta)
}

// ApplyDelta merges a sparse state frame. Field values are replaced
// wholesale, the status words are never bit-merged with previous
// values.
func (d *Device) ApplyDelta(delta *pandora.StateDelta) (changed []string, stale bool) {
	return d.apply(delta)
}

// Subscribe registers fn for update notifications. Each subscription
// owns a bounded queue drained by its own goroutine, so a slow
// listener stalls nobody else; when the queue overflows, older pending
// updates are folded into newer ones and the delivery is marked with
// Backpressure. Closing the handle stops deliveries after a final
// Closed notification.
func (d *Device) Subscribe(fn func(Update)) *Handle {
	sub := newSubscription(d.id, fn, func(id string) {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.subs, id)
	})
	d.mu.Lock()
	closed := d.closed
	if !closed {
		d.subs[sub.id] = sub
	}
	d.mu.Unlock()
	if closed {
		sub.close()
	}
	return &Handle{sub: sub}
}

func (d *Device) apply(delta *pandora.StateDelta) (changed []string, stale bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.reconcileTimestamps(delta) {
		d.logger.Debug("Dropped stale update.",
			"state_timestamp", d.state.StateTimestampUTC,
			"online_timestamp", d.state.OnlineTimestampUTC)
		return nil, true
	}

	changed = pandora.Merge(&d.state, delta)
	changed = d.recomposeCANBits(changed)
	if len(delta.Raw) > 0 {
		if d.raw == nil {
			d.raw = make(map[string]any, len(delta.Raw))
		}
		maps.Copy(d.raw, delta.Raw)
	}
	if len(changed) == 0 {
		return nil, false
	}
	d.notifyLocked(changed)
	return changed, false
}

// reconcileTimestamps fixes the unit's UTC offset from paired local
// and UTC timestamps, reconstructs the missing half of any lone
// timestamp and rejects reports that would step a clock backwards.
// The incoming delta is modified in place.
func (d *Device) reconcileTimestamps(delta *pandora.StateDelta) bool {
	in := &delta.State
	pairs := []struct {
		local, utc **int64
	}{
		{&in.OnlineTimestamp, &in.OnlineTimestampUTC},
		{&in.StateTimestamp, &in.StateTimestampUTC},
	}

	// A pair carried together fixes the offset, rounded to whole
	// minutes.
	for _, p := range pairs {
		if *p.local != nil && *p.utc != nil {
			offset := time.Duration(**p.local-**p.utc) * time.Second
			d.utcOffset = offset.Round(time.Minute)
			break
		}
	}
	for _, p := range pairs {
		switch {
		case *p.local == nil && *p.utc != nil:
			v := **p.utc + int64(d.utcOffset/time.Second)
			*p.local = &v
		case *p.local != nil && *p.utc == nil:
			v := **p.local - int64(d.utcOffset/time.Second)
			*p.utc = &v
		}
	}

	guards := []struct {
		have, incoming *int64
	}{
		{d.state.OnlineTimestamp, in.OnlineTimestamp},
		{d.state.OnlineTimestampUTC, in.OnlineTimestampUTC},
		{d.state.StateTimestamp, in.StateTimestamp},
		{d.state.StateTimestampUTC, in.StateTimestampUTC},
	}
	for _, g := range guards {
		if g.have != nil && g.incoming != nil && *g.have > *g.incoming {
			return false
		}
	}
	return true
}

// canWordSources are the canonical names of the discrete booleans the
// secondary status word is assembled from.
var canWordSources = map[string]struct{}{
	"can_glass_driver":       {},
	"can_glass_passenger":    {},
	"can_glass_back_left":    {},
	"can_glass_back_right":   {},
	"can_belt_driver":        {},
	"can_belt_passenger":     {},
	"can_belt_back_left":     {},
	"can_belt_back_right":    {},
	"can_belt_back_center":   {},
	"ev_charging_connected":  {},
	"ev_charging_slow":       {},
	"ev_charging_fast":       {},
	"ev_status_ready":        {},
	"can_low_liquid":         {},
	"can_seat_taken":         {},
	"can_need_pads_exchange": {},
}

// recomposeCANBits reassembles the secondary status word after a merge
// that touched any of its source booleans. A word carried by the frame
// itself wins; composition never reads the sparse delta, only the
// accumulated state, so unrelated flags survive.
func (d *Device) recomposeCANBits(changed []string) []string {
	if slices.Contains(changed, "can_bit_state") {
		return changed
	}
	touched := false
	for _, name := range changed {
		if _, ok := canWordSources[name]; ok {
			touched = true
			break
		}
	}
	if !touched {
		return changed
	}
	scratch := d.state
	scratch.CANBitState = nil
	word := pandora.ComposeCANBits(&scratch)
	if d.state.CANBitState != nil && *d.state.CANBitState == word {
		return changed
	}
	d.state.CANBitState = &word
	changed = append(changed, "can_bit_state")
	slices.Sort(changed)
	return changed
}

// notifyLocked publishes the committed view to the device's own
// listeners and to the account-wide ones. Called with d.mu held so the
// queue order of every subscription matches the commit order.
func (d *Device) notifyLocked(changed []string) {
	view := d.snapshotLocked()
	update := Update{DeviceID: d.id, View: view, Changed: changed}
	for _, sub := range d.subs {
		sub.enqueue(update)
	}
	for _, sub := range d.registry.subscribers() {
		sub.enqueue(update)
	}
}

func (d *Device) snapshotLocked() View {
	return View{
		Info:      d.info,
		State:     d.state.Clone(),
		Raw:       maps.Clone(d.raw),
		UTCOffset: d.utcOffset,
	}
}

// close marks the device closed and hands its subscriptions to the
// caller for shutdown.
func (d *Device) close() []*subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return slices.Collect(maps.Values(d.subs))
}

// Handle detaches its subscription when closed.
type Handle struct {
	sub *subscription
}

// Close stops deliveries. Updates still queued are delivered first,
// then the listener receives a final Closed notification. Close does
// not wait for that to happen and must not be called from the listener
// itself when the caller intends to wait elsewhere.
func (h *Handle) Close() {
	h.sub.close()
}

// subscription owns the bounded delivery queue of one listener and the
// goroutine draining it.
type subscription struct {
	id       string
	deviceID int64
	fn       func(Update)
	limit    int
	detach   func(id string)

	mu     sync.Mutex
	queue  []Update
	closed bool

	wake  chan struct{}
	stopC chan struct{}
	done  chan struct{}
}

func newSubscription(deviceID int64, fn func(Update), detach func(id string)) *subscription {
	s := &subscription{
		id:       uuid.NewString(),
		deviceID: deviceID,
		fn:       fn,
		limit:    defaults.ListenerQueueSize,
		detach:   detach,
		wake:     make(chan struct{}, 1),
		stopC:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *subscription) enqueue(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.queue) >= s.limit {
		// Fold the oldest pending update of the same device into the
		// incoming one; its view is already subsumed by the newer
		// snapshot. Without a sibling the oldest entry is dropped
		// outright.
		if i := slices.IndexFunc(s.queue, func(p Update) bool { return p.DeviceID == u.DeviceID }); i >= 0 {
			u.Changed = mergeChanged(s.queue[i].Changed, u.Changed)
			s.queue = slices.Delete(s.queue, i, i+1)
		} else {
			s.queue = slices.Delete(s.queue, 0, 1)
		}
		u.Backpressure = true
	}
	s.queue = append(s.queue, u)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) next() (Update, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Update{}, false
	}
	u := s.queue[0]
	s.queue = slices.Delete(s.queue, 0, 1)
	return u, true
}

func (s *subscription) run() {
	defer close(s.done)
	for {
		select {
		case <-s.wake:
		case <-s.stopC:
		}
		for {
			u, ok := s.next()
			if !ok {
				break
			}
			s.fn(u)
		}
		select {
		case <-s.stopC:
			// Drain updates that slipped in between the last pop and
			// the close.
			for {
				u, ok := s.next()
				if !ok {
					break
				}
				s.fn(u)
			}
			s.fn(Update{DeviceID: s.deviceID, Closed: true})
			return
		default:
		}
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	if s.detach != nil {
		s.detach(s.id)
	}
	close(s.stopC)
}

func (s *subscription) wait() {
	<-s.done
}

func mergeChanged(older, newer []string) []string {
	merged := append(slices.Clone(older), newer...)
	slices.Sort(merged)
	return slices.Compact(merged)
}
