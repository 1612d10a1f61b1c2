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

// Package poller periodically fetches telemetry changes over HTTP. It
// backs up the websocket stream: the service keeps a per-session
// cursor, so each poll returns only what changed since the previous
// one, and history records missed during stream downtime ride along in
// the same response.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/pandoracas"
	"github.com/gravitational/pandoracas/lib/auth"
	"github.com/gravitational/pandoracas/lib/defaults"
	"github.com/gravitational/pandoracas/lib/device"
	"github.com/gravitational/pandoracas/lib/events"
	"github.com/gravitational/pandoracas/lib/pandora"
	logutils "github.com/gravitational/pandoracas/lib/utils/log"
	"github.com/gravitational/pandoracas/lib/webclient"
)

var pollsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pandoracas",
	Name:      "polls_total",
	Help:      "Update polls by outcome.",
}, []string{"outcome"})

// Collectors returns the package metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{pollsTotal}
}

// Config holds the poller parameters.
type Config struct {
	// Client is the shared account transport.
	Client *webclient.Client
	// Auth supplies the session whose token rides on every poll.
	Auth *auth.Authenticator
	// Registry receives decoded telemetry.
	Registry *device.Registry
	// Bus receives history records embedded in poll responses.
	Bus *events.Bus
	// Interval is the poll cadence, clamped to the supported range.
	Interval time.Duration
	// PokeDelay is how long after a command submission the one-shot
	// poll runs.
	PokeDelay time.Duration
	// MaxFailures is the run of consecutive failures that flips the
	// health signal.
	MaxFailures int
	// OnHealth, if set, is called with the poll error once MaxFailures
	// consecutive polls failed, and with nil on the next success after
	// that.
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
	if c.Interval <= 0 {
		c.Interval = defaults.PollInterval
	}
	if c.Interval < defaults.MinPollInterval {
		c.Interval = defaults.MinPollInterval
	}
	if c.Interval > defaults.MaxPollInterval {
		c.Interval = defaults.MaxPollInterval
	}
	if c.PokeDelay <= 0 {
		c.PokeDelay = defaults.PostCommandPollDelay
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = defaults.MaxPollFailures
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(pandoracas.ComponentKey, pandoracas.ComponentPoller)
	}
	return nil
}

// Poller issues updates polls on a fixed cadence. Only one poll is
// ever inflight: wake requests arriving while one runs are covered by
// it and dropped.
type Poller struct {
	cfg    Config
	logger *slog.Logger

	wakeC chan struct{}

	mu        sync.Mutex
	cursor    int64
	failures  int
	pokeTimer clockwork.Timer
	stopped   bool
}

// New returns a poller ready to run.
func New(cfg Config) (*Poller, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Poller{
		cfg:    cfg,
		logger: cfg.Logger,
		wakeC:  make(chan struct{}, 1),
		// The service treats a negative cursor as "everything".
		cursor: -1,
	}, nil
}

// Run polls until ctx is cancelled. The first poll happens one full
// interval in; callers wanting an immediate snapshot use PollOnce.
func (p *Poller) Run(ctx context.Context) {
	ticker := p.cfg.Clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	defer p.stopPoke()
	p.logger.InfoContext(ctx, "Poller started.", "interval", p.cfg.Interval)

	for {
		select {
		case <-ticker.Chan():
		case <-p.wakeC:
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "Poller stopped.")
			return
		}
		if err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.WarnContext(ctx, "Poll failed.", "error", err)
		}
		// Wake requests that landed while the poll was inflight are
		// covered by it.
		select {
		case <-p.wakeC:
		default:
		}
	}
}

// Poke schedules a one-shot poll shortly after a command submission so
// the resulting state change is observed without waiting out the full
// interval. Repeated pokes push the shot out instead of stacking.
func (p *Poller) Poke() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if p.pokeTimer != nil {
		p.pokeTimer.Reset(p.cfg.PokeDelay)
		return
	}
	p.pokeTimer = p.cfg.Clock.AfterFunc(p.cfg.PokeDelay, func() {
		select {
		case p.wakeC <- struct{}{}:
		default:
		}
	})
}

// PollOnce performs a single updates poll: fetch everything past the
// cursor, apply telemetry to the registry and publish embedded history
// records on the bus.
func (p *Poller) PollOnce(ctx context.Context) error {
	err := p.poll(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return trace.Wrap(err)
	}
	p.observe(err)
	return trace.Wrap(err)
}

func (p *Poller) poll(ctx context.Context) error {
	session, generation := p.cfg.Auth.Session()
	if session == nil {
		return trace.NotFound("no session established")
	}

	cursor := p.getCursor()
	re, err := p.cfg.Client.Get(ctx, p.cfg.Client.Endpoint("api", "updates"), url.Values{
		"ts":           []string{strconv.FormatInt(cursor, 10)},
		"access_token": []string{session.AccessToken},
	})
	if err != nil {
		if auth.IsExpired(err) {
			p.logger.InfoContext(ctx, "Session rejected, requesting refresh.")
			if rerr := p.cfg.Auth.Refresh(ctx, generation); rerr != nil {
				return trace.NewAggregate(err, rerr)
			}
		}
		return trace.Wrap(err)
	}

	updates, err := pandora.DecodeUpdates(re.Bytes())
	if err != nil {
		return trace.Wrap(err)
	}
	for _, delta := range updates.Deltas {
		p.cfg.Registry.Device(delta.DeviceID).ApplySnapshot(delta)
	}
	for _, event := range updates.Events {
		p.cfg.Bus.PublishEvent(events.NewEventMessage(event))
	}
	if updates.Timestamp > 0 {
		p.setCursor(updates.Timestamp)
	}
	p.logger.DebugContext(ctx, "Applied poll results.",
		"since", cursor, "devices", len(updates.Deltas), "events", len(updates.Events))
	return nil
}

func (p *Poller) observe(err error) {
	if err == nil {
		pollsTotal.WithLabelValues("ok").Inc()
		p.mu.Lock()
		recovered := p.failures >= p.cfg.MaxFailures
		p.failures = 0
		p.mu.Unlock()
		if recovered && p.cfg.OnHealth != nil {
			p.cfg.OnHealth(nil)
		}
		return
	}
	pollsTotal.WithLabelValues("error").Inc()
	p.mu.Lock()
	p.failures++
	degraded := p.failures == p.cfg.MaxFailures
	failures := p.failures
	p.mu.Unlock()
	if degraded && p.cfg.OnHealth != nil {
		p.cfg.OnHealth(trace.Wrap(err, "polling failed %v times in a row", failures))
	}
}

func (p *Poller) getCursor() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

func (p *Poller) setCursor(ts int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursor = ts
}

func (p *Poller) stopPoke() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.pokeTimer != nil {
		p.pokeTimer.Stop()
	}
}
