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

// Package events carries the typed domain events of an account to
// downstream consumers: tracking events, command outcomes, track
// points and account status transitions, each on its own topic.
package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/gravitational/pandoracas"
	"github.com/gravitational/pandoracas/lib/defaults"
	"github.com/gravitational/pandoracas/lib/pandora"
	logutils "github.com/gravitational/pandoracas/lib/utils/log"
)

// Bus topics.
const (
	// TopicEvent carries EventMessage payloads.
	TopicEvent = "pandora_cas_event"
	// TopicCommand carries CommandMessage payloads.
	TopicCommand = "pandora_cas_command"
	// TopicPoint carries PointMessage payloads.
	TopicPoint = "pandora_cas_point"
	// TopicStatus carries StatusMessage payloads.
	TopicStatus = "pandora_cas_status"
)

// Command outcomes reported in CommandMessage.
const (
	OutcomeOK        = "ok"
	OutcomeFailure   = "failure"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
)

// EventMessage is the TopicEvent payload: one tracking event together
// with its codified names.
type EventMessage struct {
	DeviceID            int64
	Primary             int
	Secondary           int
	TitlePrimary        string
	TitleSecondary      string
	EventType           string
	Latitude            *float64
	Longitude           *float64
	GSMLevel            *int
	Fuel                *float64
	ExteriorTemperature *float64
	EngineTemperature   *float64
	Timestamp           int64
}

// NewEventMessage builds the bus payload for a decoded tracking event.
// The secondary title is left empty, the wire does not carry one and
// the secondary code's meaning depends on the primary.
func NewEventMessage(evt *pandora.Event) *EventMessage {
	return &EventMessage{
		DeviceID:            evt.DeviceID,
		Primary:             evt.Primary,
		Secondary:           evt.Secondary,
		TitlePrimary:        pandora.PrimaryEventID(evt.Primary).String(),
		EventType:           evt.Type(),
		Latitude:            evt.Latitude,
		Longitude:           evt.Longitude,
		GSMLevel:            evt.GSMLevel,
		Fuel:                evt.Fuel,
		ExteriorTemperature: evt.ExteriorTemperature,
		EngineTemperature:   evt.EngineTemperature,
		Timestamp:           evt.Timestamp,
	}
}

// CommandMessage is the TopicCommand payload: the terminal outcome of
// one submitted command.
type CommandMessage struct {
	DeviceID  int64
	CommandID pandora.CommandID
	// Result is the unit-reported code, -1 when no reply ever arrived.
	Result int
	Reply  int
	// Outcome is one of the Outcome constants.
	Outcome string
}

// PointMessage is the TopicPoint payload: one track point.
type PointMessage struct {
	DeviceID  int64
	Timestamp int64
	TrackID   *int64
	Latitude  float64
	Longitude float64
	Fuel      *float64
	Speed     *float64
	MaxSpeed  *float64
	Length    *float64
}

// NewPointMessage builds the bus payload for a decoded track point.
func NewPointMessage(point *pandora.TrackPoint) *PointMessage {
	return &PointMessage{
		DeviceID:  point.DeviceID,
		Timestamp: point.Timestamp,
		TrackID:   point.TrackID,
		Latitude:  point.Latitude,
		Longitude: point.Longitude,
		Fuel:      point.Fuel,
		Speed:     point.Speed,
		MaxSpeed:  point.MaxSpeed,
		Length:    point.Length,
	}
}

// StatusMessage is the TopicStatus payload: an account health
// transition.
type StatusMessage struct {
	// State is one of the account state constants: ok, degraded,
	// auth_failure or closed.
	State string
	// Reason names the cause of a degraded or auth_failure state.
	Reason string
}

// Message is one bus publication.
type Message struct {
	Topic   string
	Payload any
}

// Bus fans publications out to topic subscriptions. Publishing never
// blocks: a subscription that falls behind loses its oldest queued
// messages first.
type Bus struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

// NewBus returns an empty bus. A nil logger falls back to the package
// logger.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = logutils.NewPackageLogger(pandoracas.ComponentKey, pandoracas.ComponentEvents)
	}
	return &Bus{
		logger: logger,
		subs:   make(map[string]*Subscription),
	}
}

// Subscribe registers for the given topics, or for every topic when
// none are named. The subscription channel closes when the
// subscription or the bus closes.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	s := &Subscription{
		bus: b,
		id:  uuid.NewString(),
		ch:  make(chan Message, defaults.EventQueueSize),
	}
	if len(topics) > 0 {
		s.topics = make(map[string]struct{}, len(topics))
		for _, topic := range topics {
			s.topics[topic] = struct{}{}
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s.id] = s
	return s
}

// PublishEvent publishes m on TopicEvent.
func (b *Bus) PublishEvent(m *EventMessage) {
	b.publish(Message{Topic: TopicEvent, Payload: m})
}

// PublishCommand publishes m on TopicCommand.
func (b *Bus) PublishCommand(m *CommandMessage) {
	b.publish(Message{Topic: TopicCommand, Payload: m})
}

// PublishPoint publishes m on TopicPoint.
func (b *Bus) PublishPoint(m *PointMessage) {
	b.publish(Message{Topic: TopicPoint, Payload: m})
}

// PublishStatus publishes m on TopicStatus.
func (b *Bus) PublishStatus(m *StatusMessage) {
	b.publish(Message{Topic: TopicStatus, Payload: m})
}

func (b *Bus) publish(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if !s.matches(msg.Topic) {
			continue
		}
		select {
		case s.ch <- msg:
			continue
		default:
		}
		// The subscriber fell behind: sacrifice its oldest message.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- msg:
			b.logger.Debug("Dropped oldest bus message for a slow subscriber.", "topic", msg.Topic)
		default:
		}
	}
}

// Close shuts the bus down. Every subscription channel is closed,
// later publications are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(s.ch)
}

// Subscription receives the messages of its topics.
type Subscription struct {
	bus    *Bus
	id     string
	topics map[string]struct{}
	ch     chan Message
}

// Events returns the delivery channel. It closes once the subscription
// or the bus is closed; queued messages remain readable.
func (s *Subscription) Events() <-chan Message {
	return s.ch
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

func (s *Subscription) matches(topic string) bool {
	if s.topics == nil {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}
