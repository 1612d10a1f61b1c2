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

package device

import (
	"cmp"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/gravitational/pandoracas"
	logutils "github.com/gravitational/pandoracas/lib/utils/log"
)

// Registry owns the devices of a single account. Devices are created
// lazily on first reference and live until the registry closes.
type Registry struct {
	logger *slog.Logger

	// mu guards the maps below. It is never held while a device lock
	// is taken.
	mu      sync.Mutex
	devices map[int64]*Device
	subs    map[string]*subscription
	closed  bool
}

// NewRegistry returns an empty registry. A nil logger falls back to
// the package logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = logutils.NewPackageLogger(pandoracas.ComponentKey, pandoracas.ComponentDevice)
	}
	return &Registry{
		logger:  logger,
		devices: make(map[int64]*Device),
		subs:    make(map[string]*subscription),
	}
}

// Device returns the device registered under id, creating it on first
// reference. The returned device is never nil.
func (r *Registry) Device(id int64) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		d = newDevice(id, r)
		r.devices[id] = d
	}
	return d
}

// Devices returns every known device, sorted by identifier.
func (r *Registry) Devices() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := slices.Collect(maps.Values(r.devices))
	slices.SortFunc(out, func(a, b *Device) int { return cmp.Compare(a.id, b.id) })
	return out
}

// Subscribe registers fn for the updates of every device, current and
// future. Delivery semantics match Device.Subscribe.
func (r *Registry) Subscribe(fn func(Update)) *Handle {
	sub := newSubscription(0, fn, func(id string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	})
	r.mu.Lock()
	closed := r.closed
	if !closed {
		r.subs[sub.id] = sub
	}
	r.mu.Unlock()
	if closed {
		sub.close()
	}
	return &Handle{sub: sub}
}

// subscribers returns the account-wide subscriptions.
func (r *Registry) subscribers() []*subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Collect(maps.Values(r.subs))
}

// Close shuts down every subscription of the registry and of its
// devices. Pending queues drain, every listener receives a final
// Closed notification, and Close returns only after all deliveries
// finished. Devices remain readable afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	devices := slices.Collect(maps.Values(r.devices))
	subs := slices.Collect(maps.Values(r.subs))
	r.mu.Unlock()

	for _, d := range devices {
		subs = append(subs, d.close()...)
	}
	for _, s := range subs {
		s.close()
	}
	for _, s := range subs {
		s.wait()
	}
}
