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

package events

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/pandoracas/lib/defaults"
	"github.com/gravitational/pandoracas/lib/pandora"
	"github.com/gravitational/pandoracas/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

func recvMessage(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		require.True(t, ok, "subscription channel closed")
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestSubscribeTopics(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	defer bus.Close()

	all := bus.Subscribe()
	commands := bus.Subscribe(TopicCommand)

	bus.PublishEvent(&EventMessage{DeviceID: 1, EventType: "alert"})
	bus.PublishCommand(&CommandMessage{DeviceID: 1, CommandID: pandora.CommandStartEngine, Outcome: OutcomeOK})
	bus.PublishPoint(&PointMessage{DeviceID: 1, Latitude: 55.5})

	require.Equal(t, TopicEvent, recvMessage(t, all.Events()).Topic)
	require.Equal(t, TopicCommand, recvMessage(t, all.Events()).Topic)
	require.Equal(t, TopicPoint, recvMessage(t, all.Events()).Topic)

	m := recvMessage(t, commands.Events())
	require.Equal(t, TopicCommand, m.Topic)
	payload, ok := m.Payload.(*CommandMessage)
	require.True(t, ok)
	require.Equal(t, pandora.CommandStartEngine, payload.CommandID)
	require.Empty(t, commands.Events())
}

func TestPublishDoesNotBlock(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	defer bus.Close()

	sub := bus.Subscribe(TopicEvent)

	// Two messages past the queue cap: the oldest two are sacrificed.
	total := defaults.EventQueueSize + 2
	for i := 0; i < total; i++ {
		bus.PublishEvent(&EventMessage{DeviceID: int64(i)})
	}

	first := recvMessage(t, sub.Events())
	require.Equal(t, int64(2), first.Payload.(*EventMessage).DeviceID)

	count := 1
	for len(sub.Events()) > 0 {
		last := recvMessage(t, sub.Events())
		count++
		if count == defaults.EventQueueSize {
			require.Equal(t, int64(total-1), last.Payload.(*EventMessage).DeviceID)
		}
	}
	require.Equal(t, defaults.EventQueueSize, count)
}

func TestSubscriptionClose(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	defer bus.Close()

	sub := bus.Subscribe()
	bus.PublishEvent(&EventMessage{DeviceID: 7})
	sub.Close()
	sub.Close() // closing twice is fine

	// Queued messages drain, then the channel reports closed.
	m, ok := <-sub.Events()
	require.True(t, ok)
	require.Equal(t, int64(7), m.Payload.(*EventMessage).DeviceID)
	_, ok = <-sub.Events()
	require.False(t, ok)

	// Publications no longer reach the detached subscription.
	bus.PublishEvent(&EventMessage{DeviceID: 8})
}

func TestBusClose(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	sub := bus.Subscribe()

	bus.Close()
	bus.Close() // closing twice is fine

	_, ok := <-sub.Events()
	require.False(t, ok)

	// Publishing into a closed bus is a no-op.
	bus.PublishCommand(&CommandMessage{DeviceID: 1})

	late := bus.Subscribe(TopicPoint)
	_, ok = <-late.Events()
	require.False(t, ok)
}

func TestNewEventMessage(t *testing.T) {
	t.Parallel()

	fuel := 45.0
	lat := 55.75
	evt := &pandora.Event{
		DeviceID:  1234,
		Primary:   int(pandora.EventEngineStarted),
		Secondary: 2,
		Latitude:  &lat,
		Fuel:      &fuel,
		Timestamp: 1700000000,
	}
	m := NewEventMessage(evt)
	require.Equal(t, int64(1234), m.DeviceID)
	require.Equal(t, "engine_started", m.EventType)
	require.Equal(t, "engine_started", m.TitlePrimary)
	require.Empty(t, m.TitleSecondary)
	require.Equal(t, 2, m.Secondary)
	require.Equal(t, &fuel, m.Fuel)
	require.Equal(t, &lat, m.Latitude)
	require.Equal(t, int64(1700000000), m.Timestamp)

	unknown := NewEventMessage(&pandora.Event{Primary: 9999})
	require.Equal(t, "unknown", unknown.EventType)
}

func TestNewPointMessage(t *testing.T) {
	t.Parallel()

	speed := 60.0
	track := int64(42)
	point := &pandora.TrackPoint{
		DeviceID:  1234,
		TrackID:   &track,
		Latitude:  55.5,
		Longitude: 37.6,
		Speed:     &speed,
		Timestamp: 1700000001,
	}
	m := NewPointMessage(point)
	require.Equal(t, int64(1234), m.DeviceID)
	require.Equal(t, &track, m.TrackID)
	require.Equal(t, 55.5, m.Latitude)
	require.Equal(t, 37.6, m.Longitude)
	require.Equal(t, &speed, m.Speed)
	require.Equal(t, int64(1700000001), m.Timestamp)
}
