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

package poller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/pandoracas/lib/auth"
	"github.com/gravitational/pandoracas/lib/defaults"
	"github.com/gravitational/pandoracas/lib/device"
	"github.com/gravitational/pandoracas/lib/events"
	"github.com/gravitational/pandoracas/lib/utils"
	"github.com/gravitational/pandoracas/lib/webclient"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

// updatesService fakes the updates endpoint plus the login endpoints
// the authenticator needs. Tokens are numbered by issue order so tests
// can observe refreshes.
type updatesService struct {
	mu      sync.Mutex
	tokens  int
	logins  int
	updates func(w http.ResponseWriter, query url.Values)
	gate    chan struct{}

	reqC chan url.Values
}

func newUpdatesService() *updatesService {
	return &updatesService{reqC: make(chan url.Values, 16)}
}

func (s *updatesService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.tokens++
		n := s.tokens
		s.mu.Unlock()
		w.Write([]byte(`{"access_token":"token-` + strconv.Itoa(n) + `"}`))
	})
	mux.HandleFunc("/api/users/login", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.logins++
		s.mu.Unlock()
		w.Write([]byte(`{"user_id":4242,"session_id":"sess-1"}`))
	})
	mux.HandleFunc("/api/updates", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		s.mu.Lock()
		override := s.updates
		gate := s.gate
		s.mu.Unlock()
		s.reqC <- query
		if gate != nil {
			<-gate
		}
		if override != nil {
			override(w, query)
			return
		}
		w.Write([]byte(`{"ts":100}`))
	})
	return mux
}

func (s *updatesService) setUpdates(fn func(w http.ResponseWriter, query url.Values)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = fn
}

func (s *updatesService) setGate(gate chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = gate
}

func (s *updatesService) counts() (tokens, logins int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens, s.logins
}

type pollFixture struct {
	service  *updatesService
	client   *webclient.Client
	auth     *auth.Authenticator
	registry *device.Registry
	poller   *Poller
	clock    *clockwork.FakeClock
	messages <-chan events.Message
	healthC  chan error
}

func newPollFixture(t *testing.T, mutate func(*Config)) *pollFixture {
	t.Helper()
	service := newUpdatesService()
	server := httptest.NewServer(service.handler())
	t.Cleanup(server.Close)

	client, err := webclient.New(webclient.Config{
		BaseURL:   server.URL,
		UserAgent: "test-agent",
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, client.Close()) })

	authenticator, err := auth.New(auth.Config{
		Client:   client,
		Username: "user@example.com",
		Password: "hunter2",
	})
	require.NoError(t, err)
	_, err = authenticator.Login(context.Background())
	require.NoError(t, err)

	registry := device.NewRegistry(nil)
	t.Cleanup(registry.Close)
	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)
	sub := bus.Subscribe(events.TopicEvent)
	t.Cleanup(sub.Close)

	healthC := make(chan error, 16)
	clock := clockwork.NewFakeClock()
	cfg := Config{
		Client:   client,
		Auth:     authenticator,
		Registry: registry,
		Bus:      bus,
		Clock:    clock,
		OnHealth: func(err error) { healthC <- err },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	poller, err := New(cfg)
	require.NoError(t, err)

	return &pollFixture{
		service:  service,
		client:   client,
		auth:     authenticator,
		registry: registry,
		poller:   poller,
		clock:    clock,
		messages: sub.Events(),
		healthC:  healthC,
	}
}

func (f *pollFixture) recvQuery(t *testing.T) url.Values {
	t.Helper()
	select {
	case query := <-f.service.reqC:
		return query
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an updates request")
		return nil
	}
}

func (f *pollFixture) requireNoQuery(t *testing.T) {
	t.Helper()
	select {
	case query := <-f.service.reqC:
		t.Fatalf("unexpected updates request: %v", query)
	case <-time.After(150 * time.Millisecond):
	}
}

func (f *pollFixture) recvEvent(t *testing.T) *events.EventMessage {
	t.Helper()
	select {
	case msg, ok := <-f.messages:
		require.True(t, ok, "bus subscription closed unexpectedly")
		payload, ok := msg.Payload.(*events.EventMessage)
		require.True(t, ok, "unexpected payload %T", msg.Payload)
		return payload
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an event message")
		return nil
	}
}

func TestPollOnce(t *testing.T) {
	t.Parallel()
	f := newPollFixture(t, nil)
	ctx := context.Background()

	f.service.setUpdates(func(w http.ResponseWriter, query url.Values) {
		w.Write([]byte(`{
			"ts": 1700000100,
			"stats": {
				"1234": {"online": 1, "speed": 52.5, "engine_rpm": 1800, "fuel": 40, "bunker": 7}
			},
			"time": {
				"1234": {"onlined": 1700010850, "online": 1700000050}
			},
			"lenta": [
				{"type": 3, "obj": {
					"dev_id": 1234, "id": 9001, "eventid1": 4, "eventid2": 0,
					"dtime": 1700000040, "x": 55.75, "y": 37.61
				}}
			]
		}`))
	})

	require.NoError(t, f.poller.PollOnce(ctx))

	query := f.recvQuery(t)
	require.Equal(t, "-1", query.Get("ts"))
	require.Equal(t, "token-1", query.Get("access_token"))

	view := f.registry.Device(1234).Snapshot()
	require.NotNil(t, view.State.Speed)
	require.Equal(t, 52.5, *view.State.Speed)
	require.NotNil(t, view.State.EngineRPM)
	require.Equal(t, 1800, *view.State.EngineRPM)
	require.NotNil(t, view.State.IsOnline)
	require.True(t, *view.State.IsOnline)
	require.NotNil(t, view.State.OnlineTimestamp)
	require.Equal(t, int64(1700010850), *view.State.OnlineTimestamp)
	require.NotNil(t, view.State.OnlineTimestampUTC)
	require.Equal(t, int64(1700000050), *view.State.OnlineTimestampUTC)
	require.Equal(t, 3*time.Hour, view.UTCOffset)
	require.Equal(t, json.Number("7"), view.Raw["bunker"])

	event := f.recvEvent(t)
	require.Equal(t, int64(1234), event.DeviceID)
	require.Equal(t, 4, event.Primary)
	require.Equal(t, "engine_started", event.EventType)
	require.Equal(t, "engine_started", event.TitlePrimary)
	require.NotNil(t, event.Latitude)
	require.Equal(t, 55.75, *event.Latitude)
	require.Equal(t, int64(1700000040), event.Timestamp)

	// The returned cursor rides on the next poll.
	f.service.setUpdates(nil)
	require.NoError(t, f.poller.PollOnce(ctx))
	query = f.recvQuery(t)
	require.Equal(t, "1700000100", query.Get("ts"))
}

func TestPollOnceWithoutSession(t *testing.T) {
	t.Parallel()
	f := newPollFixture(t, nil)

	// An authenticator that never logged in has no token to poll with.
	fresh, err := auth.New(auth.Config{
		Client:   f.client,
		Username: "user@example.com",
		Password: "hunter2",
	})
	require.NoError(t, err)
	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)
	poller, err := New(Config{
		Client:   f.client,
		Auth:     fresh,
		Registry: f.registry,
		Bus:      bus,
		Clock:    f.clock,
	})
	require.NoError(t, err)

	err = poller.PollOnce(context.Background())
	require.True(t, trace.IsNotFound(err))
}

func TestPollRefreshesExpiredSession(t *testing.T) {
	t.Parallel()
	f := newPollFixture(t, nil)
	ctx := context.Background()

	rejected := false
	f.service.setUpdates(func(w http.ResponseWriter, query url.Values) {
		if !rejected {
			rejected = true
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error_text":"session expired"}`))
			return
		}
		w.Write([]byte(`{"ts":200}`))
	})

	err := f.poller.PollOnce(ctx)
	require.Error(t, err)
	f.recvQuery(t)

	// The failed poll forced a refresh; the next poll carries the new
	// token.
	tokens, logins := f.service.counts()
	require.Equal(t, 2, tokens)
	require.Equal(t, 2, logins)

	require.NoError(t, f.poller.PollOnce(ctx))
	query := f.recvQuery(t)
	require.Equal(t, "token-2", query.Get("access_token"))
}

func TestPollHealthSignal(t *testing.T) {
	t.Parallel()
	f := newPollFixture(t, func(cfg *Config) {
		cfg.MaxFailures = 2
	})
	ctx := context.Background()

	f.service.setUpdates(func(w http.ResponseWriter, query url.Values) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	// The first failure is quiet, the second crosses the threshold.
	require.Error(t, f.poller.PollOnce(ctx))
	require.Empty(t, f.healthC)

	require.Error(t, f.poller.PollOnce(ctx))
	select {
	case err := <-f.healthC:
		require.Error(t, err)
		require.ErrorContains(t, err, "2 times in a row")
	default:
		t.Fatal("expected a degraded health signal")
	}

	// Further failures do not re-signal.
	require.Error(t, f.poller.PollOnce(ctx))
	require.Empty(t, f.healthC)

	// Recovery signals once with nil.
	f.service.setUpdates(nil)
	require.NoError(t, f.poller.PollOnce(ctx))
	select {
	case err := <-f.healthC:
		require.NoError(t, err)
	default:
		t.Fatal("expected a recovery health signal")
	}
	require.NoError(t, f.poller.PollOnce(ctx))
	require.Empty(t, f.healthC)
}

func TestRunPollsOnPoke(t *testing.T) {
	t.Parallel()
	f := newPollFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.poller.Run(ctx)
	}()
	f.clock.BlockUntil(1)

	// A poke schedules a poll PokeDelay out, not immediately.
	f.poller.Poke()
	f.requireNoQuery(t)
	f.clock.BlockUntil(2)
	f.clock.Advance(defaults.PostCommandPollDelay)
	f.recvQuery(t)

	// The regular cadence keeps going: the first tick lands a full
	// interval after start.
	f.clock.Advance(defaults.PollInterval - defaults.PostCommandPollDelay)
	f.recvQuery(t)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestRunCoalescesWakes(t *testing.T) {
	t.Parallel()
	f := newPollFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gate := make(chan struct{})
	f.service.setGate(gate)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.poller.Run(ctx)
	}()
	f.clock.BlockUntil(1)

	// First tick starts a poll that parks on the service.
	f.clock.Advance(defaults.PollInterval)
	f.recvQuery(t)

	// A poke fires while that poll is inflight.
	f.poller.Poke()
	f.clock.BlockUntil(2)
	f.clock.Advance(defaults.PostCommandPollDelay)

	// Releasing the parked poll must not trigger a follow-up: the
	// inflight poll covers the wake.
	f.service.setGate(nil)
	close(gate)
	f.requireNoQuery(t)

	// The cadence itself is unaffected.
	f.clock.Advance(defaults.PollInterval - defaults.PostCommandPollDelay)
	f.recvQuery(t)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop")
	}
}
