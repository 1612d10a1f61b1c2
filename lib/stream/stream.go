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

// Package stream maintains the websocket subscription that delivers
// live telemetry, track points, device events and command
// acknowledgements. A dropped subscription is rebuilt with jittered
// exponential backoff; a session the service stopped honoring takes a
// refresh fast path before backoff applies.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/pandoracas"
	"github.com/gravitational/pandoracas/lib/auth"
	"github.com/gravitational/pandoracas/lib/defaults"
	"github.com/gravitational/pandoracas/lib/device"
	"github.com/gravitational/pandoracas/lib/events"
	"github.com/gravitational/pandoracas/lib/pandora"
	"github.com/gravitational/pandoracas/lib/utils"
	logutils "github.com/gravitational/pandoracas/lib/utils/log"
	"github.com/gravitational/pandoracas/lib/webclient"
)

var (
	connectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pandoracas",
		Name:      "stream_connects_total",
		Help:      "Completed websocket handshakes.",
	})
	framesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pandoracas",
		Name:      "stream_frames_total",
		Help:      "Stream frames by type.",
	}, []string{"type"})
)

// Collectors returns the package metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{connectsTotal, framesTotal}
}

// ReplyHandler consumes command acknowledgements read off the stream.
type ReplyHandler interface {
	HandleReply(reply *pandora.CommandReply)
}

// Config holds the stream parameters.
type Config struct {
	// Client is the shared account transport.
	Client *webclient.Client
	// Auth provides the session and refreshes it when the service
	// stops honoring it.
	Auth *auth.Authenticator
	// Registry receives decoded telemetry.
	Registry *device.Registry
	// Bus receives decoded events and track points.
	Bus *events.Bus
	// Replies receives command acknowledgements.
	Replies ReplyHandler
	// HeartbeatInterval is the ping cadence, HeartbeatTimeout how long
	// a pong may take. A peer silent for the sum of both is cut off.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// StablePeriod is how long a subscription must hold before the
	// reconnect backoff starts over.
	StablePeriod time.Duration
	// Retry paces reconnection attempts.
	Retry utils.Retry
	// OnHealth, when set, is called with nil once frames flow and with
	// the terminal error every time the subscription drops.
	OnHealth func(err error)
	// Clock is the time source.
	Clock clockwork.Clock
	// Logger emits progress messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Auth == nil {
		return trace.BadParameter("missing parameter Auth")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Bus == nil {
		return trace.BadParameter("missing parameter Bus")
	}
	if c.Replies == nil {
		return trace.BadParameter("missing parameter Replies")
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaults.HeartbeatTimeout
	}
	if c.StablePeriod <= 0 {
		c.StablePeriod = defaults.ReconnectStablePeriod
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Retry == nil {
		retry, err := utils.NewExponential(utils.ExponentialConfig{
			Base:   defaults.ReconnectBaseDelay,
			Max:    defaults.ReconnectMaxDelay,
			Jitter: utils.NewFullJitter(),
			Clock:  c.Clock,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		c.Retry = retry
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(pandoracas.ComponentKey, pandoracas.ComponentStream)
	}
	return nil
}

// Stream owns the websocket subscription of one account.
type Stream struct {
	cfg    Config
	logger *slog.Logger

	// generation is the session generation the current subscription
	// was dialed with. Only the Run goroutine touches it.
	generation uint64
}

// New returns a stream with the given configuration. Nothing is dialed
// until Run.
func New(cfg Config) (*Stream, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Stream{
		cfg:    cfg,
		logger: cfg.Logger,
	}, nil
}

// Run maintains the subscription until ctx is cancelled, rebuilding it
// with backoff after every drop. It returns nil on cancellation; the
// one error it returns on its own is auth.ErrCredentialsRejected, when
// re-login stopped making sense and the account needs operator
// attention.
func (s *Stream) Run(ctx context.Context) error {
	// expiries counts session expiries with no healthy subscription in
	// between. The first earns an immediate retry on the refreshed
	// session, repeats fall through to backoff.
	expiries := 0
	for {
		started := s.cfg.Clock.Now()
		subscribed, err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.WarnContext(ctx, "Update stream disconnected.", "error", err)
		if s.cfg.OnHealth != nil {
			s.cfg.OnHealth(err)
		}
		if subscribed {
			expiries = 0
			if s.cfg.Clock.Since(started) >= s.cfg.StablePeriod {
				s.cfg.Retry.Reset()
			}
		}

		if auth.IsExpired(err) {
			expiries++
			switch rerr := s.cfg.Auth.Refresh(ctx, s.generation); {
			case errors.Is(rerr, auth.ErrCredentialsRejected):
				return trace.Wrap(rerr)
			case rerr != nil:
				if ctx.Err() != nil {
					return nil
				}
				s.logger.WarnContext(ctx, "Session refresh failed.", "error", rerr)
			case expiries == 1:
				continue
			}
		} else {
			expiries = 0
		}

		s.cfg.Retry.Inc()
		select {
		case <-s.cfg.Retry.After():
		case <-ctx.Done():
			return nil
		}
	}
}

// runOnce dials the update endpoint and pumps frames until the
// connection dies. subscribed reports whether at least one frame was
// decoded, meaning the service honored the session.
func (s *Stream) runOnce(ctx context.Context) (subscribed bool, err error) {
	session, generation := s.cfg.Auth.Session()
	if session == nil {
		return false, trace.NotFound("no session established")
	}
	s.generation = generation

	conn, err := s.cfg.Client.OpenWebsocket(ctx, "api/"+defaults.WebsocketPath, url.Values{
		"access_token": []string{session.AccessToken},
	})
	if err != nil {
		return false, trace.Wrap(err)
	}
	connectsTotal.Inc()
	s.logger.InfoContext(ctx, "Update stream connected.")

	// Websocket reads take no context. Closing the connection is the
	// one way to break them, on cancellation and on exit alike.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		conn.Close()
	}()
	go s.heartbeat(ctx, done, conn)

	// A peer that minds its pongs keeps pushing the deadline out; one
	// that goes silent is cut off a ping interval plus a pong wait
	// after its last sign of life.
	window := s.cfg.HeartbeatInterval + s.cfg.HeartbeatTimeout
	if err := conn.SetReadDeadline(time.Now().Add(window)); err != nil {
		return false, trace.Wrap(err)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(window))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return subscribed, trace.ConnectionProblem(err, "stream read failed")
		}
		frame, err := pandora.ParseFrame(payload)
		if err != nil {
			framesTotal.WithLabelValues("unknown").Inc()
			s.logger.DebugContext(ctx, "Skipping unrecognized frame.", "error", err)
			continue
		}
		framesTotal.WithLabelValues(string(frame.Type)).Inc()
		if !subscribed {
			subscribed = true
			s.logger.InfoContext(ctx, "Update stream subscribed.", "user_id", session.UserID)
			if s.cfg.OnHealth != nil {
				s.cfg.OnHealth(nil)
			}
		}
		s.dispatch(ctx, frame)
	}
}

// heartbeat pings the peer on a fixed cadence. Write failures are left
// for the read loop to notice through its deadline.
func (s *Stream) heartbeat(ctx context.Context, done <-chan struct{}, conn *websocket.Conn) {
	ticker := s.cfg.Clock.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			deadline := time.Now().Add(s.cfg.HeartbeatTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-ctx.Done():
			return
		case <-done:
			return
		}
	}
}

// dispatch routes one frame. Decode failures are logged and the frame
// dropped; one bad frame must not cost the subscription.
func (s *Stream) dispatch(ctx context.Context, frame *pandora.Frame) {
	switch frame.Type {
	case pandora.FrameInitialState:
		delta, err := pandora.DecodeInitialState(frame.Data)
		if err != nil {
			s.logger.WarnContext(ctx, "Skipping bad initial state frame.", "error", err)
			return
		}
		s.cfg.Registry.Device(delta.DeviceID).ApplySnapshot(delta)
	case pandora.FrameState:
		delta, err := pandora.DecodeState(frame.Data)
		if err != nil {
			s.logger.WarnContext(ctx, "Skipping bad state frame.", "error", err)
			return
		}
		s.cfg.Registry.Device(delta.DeviceID).ApplyDelta(delta)
	case pandora.FramePoint:
		point, err := pandora.DecodePoint(frame.Data)
		if err != nil {
			s.logger.WarnContext(ctx, "Skipping bad point frame.", "error", err)
			return
		}
		if point.Timestamp == 0 {
			point.Timestamp = s.cfg.Clock.Now().Unix()
		}
		// A track record doubles as the freshest telemetry fix.
		s.cfg.Registry.Device(point.DeviceID).ApplyDelta(point.StateDelta())
		s.cfg.Bus.PublishPoint(events.NewPointMessage(point))
	case pandora.FrameEvent:
		event, err := pandora.DecodeEvent(frame.Data)
		if err != nil {
			s.logger.WarnContext(ctx, "Skipping bad event frame.", "error", err)
			return
		}
		s.cfg.Bus.PublishEvent(events.NewEventMessage(event))
	case pandora.FrameCommand:
		reply, err := pandora.DecodeCommandReply(frame.Data)
		if err != nil {
			s.logger.WarnContext(ctx, "Skipping bad command reply frame.", "error", err)
			return
		}
		s.cfg.Replies.HandleReply(reply)
	case pandora.FrameUpdateSettings:
		event, err := pandora.DecodeUpdateSettings(frame.Data)
		if err != nil {
			s.logger.WarnContext(ctx, "Skipping bad settings frame.", "error", err)
			return
		}
		// The frame names no attributes, it only dates the revision.
		if event.Timestamp != 0 {
			ts := event.Timestamp
			delta := &pandora.StateDelta{DeviceID: event.DeviceID}
			delta.State.SettingsTimestampUTC = &ts
			s.cfg.Registry.Device(event.DeviceID).ApplyDelta(delta)
		}
		s.cfg.Bus.PublishEvent(events.NewEventMessage(event))
	}
}
