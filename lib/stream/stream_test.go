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

package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/gravitational/pandoracas/lib/auth"
	"github.com/gravitational/pandoracas/lib/device"
	"github.com/gravitational/pandoracas/lib/events"
	"github.com/gravitational/pandoracas/lib/pandora"
	"github.com/gravitational/pandoracas/lib/utils"
	"github.com/gravitational/pandoracas/lib/webclient"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

var upgrader = websocket.Upgrader{}

// updateService fakes the websocket update endpoint of the Pandora
// cloud, together with the login endpoints the authenticator needs.
type updateService struct {
	mu        sync.Mutex
	tokens    int
	logins    int
	login     func(w http.ResponseWriter)
	rejectAll int

	conns chan *serverConn
}

// serverConn is the service side of one accepted subscription.
type serverConn struct {
	*websocket.Conn
	token string
}

func newUpdateService() *updateService {
	return &updateService{conns: make(chan *serverConn, 16)}
}

func (s *updateService) handler() http.Handler {
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
		override := s.login
		s.mu.Unlock()
		if override != nil {
			override(w)
			return
		}
		w.Write([]byte(`{"user_id":4242,"session_id":"sess-1"}`))
	})
	mux.HandleFunc("/api/v4/updates/ws", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		reject := s.rejectAll
		s.mu.Unlock()
		if reject != 0 {
			http.Error(w, `{"error_text":"session expired"}`, reject)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- &serverConn{Conn: conn, token: r.URL.Query().Get("access_token")}
	})
	return mux
}

func (s *updateService) setLogin(fn func(w http.ResponseWriter)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.login = fn
}

func (s *updateService) rejectHandshakes(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectAll = status
}

func (s *updateService) loginCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

func (s *updateService) drainConns() {
	for {
		select {
		case conn := <-s.conns:
			conn.Conn.Close()
		default:
			return
		}
	}
}

// send delivers one raw frame to the subscribed client.
func (c *serverConn) send(t *testing.T, frame string) {
	t.Helper()
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(frame)))
}

// closeWith performs an orderly websocket close with the given code,
// waiting for the peer's close response so the frame is not cut off by
// the teardown.
func (c *serverConn) closeWith(t *testing.T, code int, reason string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	require.NoError(t, c.WriteControl(websocket.CloseMessage, msg, deadline))
	c.SetReadDeadline(deadline)
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			break
		}
	}
	c.Conn.Close()
}

// pump reads and discards client traffic so pings get answered.
func (c *serverConn) pump() {
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

type replyCapture struct {
	c chan *pandora.CommandReply
}

func (r *replyCapture) HandleReply(reply *pandora.CommandReply) {
	r.c <- reply
}

type streamFixture struct {
	service  *updateService
	registry *device.Registry
	stream   *Stream
	replies  chan *pandora.CommandReply
	healthC  chan error
	messages <-chan events.Message
	runC     chan error
}

func newStreamFixture(t *testing.T, mutate func(*Config)) *streamFixture {
	t.Helper()
	service := newUpdateService()
	server := httptest.NewServer(service.handler())
	t.Cleanup(server.Close)
	t.Cleanup(service.drainConns)

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
		Limiter:  rate.NewLimiter(rate.Inf, 1),
	})
	require.NoError(t, err)
	_, err = authenticator.Login(context.Background())
	require.NoError(t, err)

	registry := device.NewRegistry(nil)
	t.Cleanup(registry.Close)
	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)
	sub := bus.Subscribe(events.TopicEvent, events.TopicPoint)
	t.Cleanup(sub.Close)

	replies := &replyCapture{c: make(chan *pandora.CommandReply, 16)}
	healthC := make(chan error, 64)
	retry, err := utils.NewConstant(time.Millisecond)
	require.NoError(t, err)

	cfg := Config{
		Client:   client,
		Auth:     authenticator,
		Registry: registry,
		Bus:      bus,
		Replies:  replies,
		Retry:    retry,
		OnHealth: func(err error) { healthC <- err },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)

	return &streamFixture{
		service:  service,
		registry: registry,
		stream:   s,
		replies:  replies.c,
		healthC:  healthC,
		messages: sub.Events(),
		runC:     make(chan error, 1),
	}
}

// run starts the subscription loop and arranges for it to be stopped
// when the test ends.
func (f *streamFixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		f.runC <- f.stream.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			t.Error("stream did not stop on cancellation")
		}
	})
}

func (f *streamFixture) recvConn(t *testing.T) *serverConn {
	t.Helper()
	select {
	case conn := <-f.service.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a websocket connection")
		return nil
	}
}

func (f *streamFixture) requireNoConn(t *testing.T) {
	t.Helper()
	select {
	case <-f.service.conns:
		t.Fatal("unexpected websocket connection")
	case <-time.After(100 * time.Millisecond):
	}
}

func (f *streamFixture) recvHealth(t *testing.T) error {
	t.Helper()
	select {
	case err := <-f.healthC:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a health signal")
		return nil
	}
}

func (f *streamFixture) recvMessage(t *testing.T) events.Message {
	t.Helper()
	select {
	case msg, ok := <-f.messages:
		require.True(t, ok, "bus subscription closed unexpectedly")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a bus message")
		return events.Message{}
	}
}

func (f *streamFixture) recvReply(t *testing.T) *pandora.CommandReply {
	t.Helper()
	select {
	case reply := <-f.replies:
		return reply
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a command reply")
		return nil
	}
}

func TestStreamDispatch(t *testing.T) {
	t.Parallel()
	f := newStreamFixture(t, nil)
	f.run(t)

	conn := f.recvConn(t)
	require.Equal(t, "token-1", conn.token)

	conn.send(t, `{"type":"initial-state","data":{"dev_id":1234,"engine_rpm":800,"online_mode":1,"voltage":12.3,"x":55.75,"y":37.62,"state":1700000000}}`)
	require.NoError(t, f.recvHealth(t))

	require.Eventually(t, func() bool {
		view := f.registry.Device(1234).Snapshot()
		return view.State != nil && view.State.EngineRPM != nil
	}, 5*time.Second, 10*time.Millisecond)
	view := f.registry.Device(1234).Snapshot()
	require.Equal(t, 800, *view.State.EngineRPM)
	require.Equal(t, true, *view.State.IsOnline)
	require.Equal(t, 12.3, *view.State.Voltage)
	require.Equal(t, 55.75, *view.State.Latitude)

	conn.send(t, `{"type":"state","data":{"dev_id":1234,"speed":52.5,"state":1700000100}}`)
	require.Eventually(t, func() bool {
		view := f.registry.Device(1234).Snapshot()
		return view.State.Speed != nil
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 52.5, *f.registry.Device(1234).Snapshot().State.Speed)

	conn.send(t, `{"type":"point","data":{"dev_id":1234,"track_id":7,"x":55.8,"y":37.7,"speed":61,"fuel":45,"dtime":1700000200}}`)
	msg := f.recvMessage(t)
	point, ok := msg.Payload.(*events.PointMessage)
	require.True(t, ok, "unexpected payload %T", msg.Payload)
	require.Equal(t, int64(1234), point.DeviceID)
	require.Equal(t, int64(1700000200), point.Timestamp)
	require.Equal(t, 55.8, point.Latitude)
	require.Equal(t, 37.7, point.Longitude)
	require.Equal(t, 61.0, *point.Speed)
	require.Equal(t, int64(7), *point.TrackID)

	// The point doubles as a position fix.
	view = f.registry.Device(1234).Snapshot()
	require.Equal(t, 55.8, *view.State.Latitude)
	require.Equal(t, 37.7, *view.State.Longitude)
	require.Equal(t, int64(1700000200), *view.State.StateTimestamp)

	conn.send(t, `{"type":"event","data":{"dev_id":1234,"eventid1":2,"eventid2":1,"x":55.9,"dtime":1700000300}}`)
	msg = f.recvMessage(t)
	event, ok := msg.Payload.(*events.EventMessage)
	require.True(t, ok, "unexpected payload %T", msg.Payload)
	require.Equal(t, int64(1234), event.DeviceID)
	require.Equal(t, 2, event.Primary)
	require.Equal(t, 1, event.Secondary)
	require.Equal(t, 55.9, *event.Latitude)
	require.Equal(t, int64(1700000300), event.Timestamp)

	conn.send(t, `{"type":"command","data":{"dev_id":1234,"command":4,"result":0,"reply":1}}`)
	require.Equal(t, &pandora.CommandReply{
		DeviceID:  1234,
		CommandID: pandora.CommandStartEngine,
		Result:    0,
		Reply:     1,
	}, f.recvReply(t))

	conn.send(t, `{"type":"update-settings","data":{"dev_id":1234,"dtime":1700000400}}`)
	msg = f.recvMessage(t)
	event, ok = msg.Payload.(*events.EventMessage)
	require.True(t, ok, "unexpected payload %T", msg.Payload)
	require.Equal(t, int(pandora.EventSettingsChanged), event.Primary)
	view = f.registry.Device(1234).Snapshot()
	require.Equal(t, int64(1700000400), *view.State.SettingsTimestampUTC)
}

func TestStreamPointWithoutTime(t *testing.T) {
	t.Parallel()
	f := newStreamFixture(t, nil)
	f.run(t)

	conn := f.recvConn(t)
	floor := time.Now().Unix()
	conn.send(t, `{"type":"point","data":{"dev_id":6,"x":55.1,"y":37.1}}`)

	msg := f.recvMessage(t)
	point, ok := msg.Payload.(*events.PointMessage)
	require.True(t, ok, "unexpected payload %T", msg.Payload)
	require.GreaterOrEqual(t, point.Timestamp, floor)

	view := f.registry.Device(6).Snapshot()
	require.Equal(t, 55.1, *view.State.Latitude)
	require.GreaterOrEqual(t, *view.State.StateTimestamp, floor)
}

func TestStreamReconnects(t *testing.T) {
	t.Parallel()
	f := newStreamFixture(t, nil)
	f.run(t)

	conn := f.recvConn(t)
	conn.send(t, `{"type":"state","data":{"dev_id":1,"speed":10}}`)
	require.NoError(t, f.recvHealth(t))

	// An abrupt drop is followed by a redial on the same session.
	conn.Conn.Close()
	require.Error(t, f.recvHealth(t))

	next := f.recvConn(t)
	require.Equal(t, "token-1", next.token)
	next.send(t, `{"type":"state","data":{"dev_id":1,"speed":20}}`)
	require.NoError(t, f.recvHealth(t))
	require.Equal(t, 1, f.service.loginCount())
}

func TestStreamRefreshesExpiredSession(t *testing.T) {
	t.Parallel()
	f := newStreamFixture(t, nil)
	f.run(t)

	conn := f.recvConn(t)
	require.Equal(t, "token-1", conn.token)
	conn.send(t, `{"type":"state","data":{"dev_id":5,"speed":1}}`)
	require.NoError(t, f.recvHealth(t))

	conn.closeWith(t, 4001, "session expired")
	err := f.recvHealth(t)
	require.Error(t, err)
	require.True(t, auth.IsExpired(err))

	// The refreshed session carries a fresh token.
	next := f.recvConn(t)
	require.Equal(t, "token-2", next.token)
	require.Equal(t, 2, f.service.loginCount())
}

func TestStreamCredentialsRejected(t *testing.T) {
	t.Parallel()
	f := newStreamFixture(t, nil)
	f.service.rejectHandshakes(http.StatusForbidden)
	f.service.setLogin(func(w http.ResponseWriter) {
		http.Error(w, `{"error_text":"wrong login or password"}`, http.StatusUnauthorized)
	})
	f.run(t)

	select {
	case err := <-f.runC:
		require.ErrorIs(t, err, auth.ErrCredentialsRejected)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not give up on rejected credentials")
	}
}

func TestStreamHeartbeat(t *testing.T) {
	t.Parallel()
	f := newStreamFixture(t, func(cfg *Config) {
		cfg.HeartbeatInterval = 50 * time.Millisecond
		cfg.HeartbeatTimeout = 50 * time.Millisecond
	})
	f.run(t)

	// The first peer never reads, so pings go unanswered and the read
	// deadline cuts the connection.
	f.recvConn(t)
	require.Error(t, f.recvHealth(t))

	second := f.recvConn(t)
	second.pump()
	second.send(t, `{"type":"state","data":{"dev_id":8,"speed":5}}`)
	require.NoError(t, f.recvHealth(t))

	// With pongs flowing the subscription outlives several heartbeat
	// windows.
	select {
	case <-f.service.conns:
		t.Fatal("connection was rebuilt despite healthy heartbeats")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestStreamSkipsMalformedFrames(t *testing.T) {
	t.Parallel()
	f := newStreamFixture(t, nil)
	f.run(t)

	conn := f.recvConn(t)
	conn.send(t, `this is not json`)
	conn.send(t, `{"type":"mystery","data":{"dev_id":3}}`)
	conn.send(t, `{"type":"state","data":{"speed":1}}`)
	conn.send(t, `{"type":"state","data":{"dev_id":3,"speed":9}}`)

	require.NoError(t, f.recvHealth(t))
	require.Eventually(t, func() bool {
		view := f.registry.Device(3).Snapshot()
		return view.State != nil && view.State.Speed != nil
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 9.0, *f.registry.Device(3).Snapshot().State.Speed)

	// Bad frames do not cost the connection.
	f.requireNoConn(t)
}
