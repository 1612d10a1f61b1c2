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

// Package account composes the transport, authenticator, device
// registry, stream, poller and commander of one Pandora account behind
// a single object with a start/close lifecycle and a status feed.
package account

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/pandoracas"
	"github.com/gravitational/pandoracas/lib/auth"
	"github.com/gravitational/pandoracas/lib/commander"
	"github.com/gravitational/pandoracas/lib/defaults"
	"github.com/gravitational/pandoracas/lib/device"
	"github.com/gravitational/pandoracas/lib/events"
	"github.com/gravitational/pandoracas/lib/pandora"
	"github.com/gravitational/pandoracas/lib/poller"
	"github.com/gravitational/pandoracas/lib/stream"
	logutils "github.com/gravitational/pandoracas/lib/utils/log"
	"github.com/gravitational/pandoracas/lib/webclient"
)

// ErrClosed is returned by operations on a closed account.
var ErrClosed = errors.New("account is closed")

// Account states reported on the status topic.
const (
	// StateInitializing is the state before Start has run.
	StateInitializing = "initializing"
	// StateOK means the session is healthy and updates flow.
	StateOK = "ok"
	// StateDegraded means updates are interrupted but recovery is
	// still being attempted.
	StateDegraded = "degraded"
	// StateAuthFailure means the credentials stopped working and
	// operator attention is needed.
	StateAuthFailure = "auth_failure"
	// StateClosed means the account was shut down.
	StateClosed = "closed"
)

// Status is the health of an account at a point in time.
type Status struct {
	State  string
	Reason string
}

// Config holds the account parameters.
type Config struct {
	// Username and Password are the account credentials.
	Username string
	Password string
	// BaseURL overrides the service root. Defaults to the production
	// cloud.
	BaseURL string
	// UserAgent is presented on every HTTP and websocket call.
	UserAgent string
	// PollInterval overrides the updates poll cadence.
	PollInterval time.Duration
	// DisableWebsockets runs the account on HTTP polling alone.
	DisableWebsockets bool
	// Clock is the time source.
	Clock clockwork.Clock
	// Logger emits progress messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Username == "" {
		return trace.BadParameter("missing parameter Username")
	}
	if c.Password == "" {
		return trace.BadParameter("missing parameter Password")
	}
	if c.BaseURL == "" {
		c.BaseURL = defaults.BaseURL
	}
	if c.UserAgent == "" {
		c.UserAgent = defaults.UserAgent
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(pandoracas.ComponentKey, pandoracas.ComponentAccount)
	}
	return nil
}

// Account ties one credential pair to everything it owns: the shared
// transport, the session, the device registry, the update stream, the
// backup poller and the command dispatcher.
type Account struct {
	cfg    Config
	logger *slog.Logger

	client    *webclient.Client
	auth      *auth.Authenticator
	registry  *device.Registry
	bus       *events.Bus
	poller    *poller.Poller
	commander *commander.Commander
	stream    *stream.Stream

	mu         sync.Mutex
	status     Status
	started    bool
	closed     bool
	streamErr  error
	pollErr    error
	stopStream context.CancelFunc
	stopPoller context.CancelFunc
	streamDone chan struct{}
	pollerDone chan struct{}
}

// New assembles an account. No network traffic happens until Start.
func New(cfg Config) (*Account, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	a := &Account{
		cfg:    cfg,
		logger: cfg.Logger,
		status: Status{State: StateInitializing},
	}

	client, err := webclient.New(webclient.Config{
		BaseURL:   cfg.BaseURL,
		UserAgent: cfg.UserAgent,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	authenticator, err := auth.New(auth.Config{
		Client:   client,
		Username: cfg.Username,
		Password: cfg.Password,
		Clock:    cfg.Clock,
	})
	if err != nil {
		client.Close()
		return nil, trace.Wrap(err)
	}
	a.client = client
	a.auth = authenticator
	a.registry = device.NewRegistry(nil)
	a.bus = events.NewBus(nil)

	a.poller, err = poller.New(poller.Config{
		Client:   client,
		Auth:     authenticator,
		Registry: a.registry,
		Bus:      a.bus,
		Interval: cfg.PollInterval,
		OnHealth: a.onPollerHealth,
		Clock:    cfg.Clock,
	})
	if err != nil {
		client.Close()
		return nil, trace.Wrap(err)
	}
	a.commander, err = commander.New(commander.Config{
		Client:   client,
		Auth:     authenticator,
		Bus:      a.bus,
		Clock:    cfg.Clock,
		OnAccept: func(int64) { a.poller.Poke() },
	})
	if err != nil {
		client.Close()
		return nil, trace.Wrap(err)
	}
	a.stream, err = stream.New(stream.Config{
		Client:   client,
		Auth:     authenticator,
		Registry: a.registry,
		Bus:      a.bus,
		Replies:  a.commander,
		OnHealth: a.onStreamHealth,
		Clock:    cfg.Clock,
	})
	if err != nil {
		client.Close()
		return nil, trace.Wrap(err)
	}
	return a, nil
}

// Start brings the account up: login, device inventory, first updates
// snapshot, then the stream and the poller. A step's failure publishes
// the classified status and is returned; the account must be closed
// afterwards.
func (a *Account) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return trace.Wrap(ErrClosed)
	}
	if a.started {
		a.mu.Unlock()
		return trace.AlreadyExists("account is already started")
	}
	a.started = true
	a.mu.Unlock()

	session, err := a.auth.Login(ctx)
	if err != nil {
		a.startFailed(err)
		return trace.Wrap(err)
	}
	a.logger.InfoContext(ctx, "Logged in.", "user_id", session.UserID)

	if err := a.loadInventory(ctx); err != nil {
		a.startFailed(err)
		return trace.Wrap(err)
	}
	if err := a.poller.PollOnce(ctx); err != nil {
		a.startFailed(err)
		return trace.Wrap(err)
	}
	a.transition(Status{State: StateOK})

	streamCtx, stopStream := context.WithCancel(context.Background())
	pollerCtx, stopPoller := context.WithCancel(context.Background())
	streamDone := make(chan struct{})
	pollerDone := make(chan struct{})

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		stopStream()
		stopPoller()
		return trace.Wrap(ErrClosed)
	}
	a.stopStream, a.stopPoller = stopStream, stopPoller
	a.streamDone, a.pollerDone = streamDone, pollerDone
	a.mu.Unlock()

	if a.cfg.DisableWebsockets {
		a.logger.InfoContext(ctx, "Websocket updates disabled, relying on polling.")
		close(streamDone)
	} else {
		go func() {
			defer close(streamDone)
			if err := a.stream.Run(streamCtx); err != nil {
				a.authFailed(err)
			}
		}()
	}
	go func() {
		defer close(pollerDone)
		a.poller.Run(pollerCtx)
	}()
	return nil
}

// Close shuts the account down: the stream stops first, pending
// commands drain as cancelled, then the poller stops and transport
// resources are released. Safe to call more than once.
func (a *Account) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	stopStream, stopPoller := a.stopStream, a.stopPoller
	streamDone, pollerDone := a.streamDone, a.pollerDone
	a.mu.Unlock()

	if stopStream != nil {
		stopStream()
		<-streamDone
	}
	a.commander.Close()
	if stopPoller != nil {
		stopPoller()
		<-pollerDone
	}
	a.registry.Close()
	a.transition(Status{State: StateClosed})
	a.bus.Close()
	return trace.Wrap(a.client.Close())
}

// Registry returns the device registry of the account.
func (a *Account) Registry() *device.Registry {
	return a.registry
}

// Commander returns the command dispatcher of the account.
func (a *Account) Commander() *commander.Commander {
	return a.commander
}

// Events returns the account event bus.
func (a *Account) Events() *events.Bus {
	return a.bus
}

// Status returns the current account status.
func (a *Account) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// SubscribeStatus subscribes to account status transitions.
func (a *Account) SubscribeStatus() *events.Subscription {
	return a.bus.Subscribe(events.TopicStatus)
}

// Probe verifies the session against the service keep-alive endpoint.
func (a *Account) Probe(ctx context.Context) error {
	return trace.Wrap(a.auth.Probe(ctx))
}

// History fetches the tracking event feed. A zero from means the
// beginning of time; a zero to runs a day ahead of now, sidestepping
// clock skew between the service and the unit. limit caps the record
// count when positive.
func (a *Account) History(ctx context.Context, deviceID int64, from, to time.Time, limit int) ([]*pandora.Event, error) {
	if to.IsZero() {
		to = a.cfg.Clock.Now().Add(24 * time.Hour)
	}
	query := url.Values{
		"from": []string{strconv.FormatInt(max(from.Unix(), 0), 10)},
		"to":   []string{strconv.FormatInt(to.Unix(), 10)},
	}
	if deviceID != 0 {
		query.Set("id", strconv.FormatInt(deviceID, 10))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	re, err := a.get(ctx, a.client.Endpoint("api", "lenta"), query)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	records, err := pandora.DecodeEventHistory(re.Bytes())
	return records, trace.Wrap(err)
}

// Settings fetches the latest settings revision of one device.
func (a *Account) Settings(ctx context.Context, deviceID int64) (map[string]any, error) {
	query := url.Values{
		"id": []string{strconv.FormatInt(deviceID, 10)},
	}
	re, err := a.get(ctx, a.client.Endpoint("api", "devices", "settings"), query)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	settings, err := pandora.DecodeDeviceSettings(re.Bytes(), deviceID)
	return settings, trace.Wrap(err)
}

// Metrics is the handle for registering the account metrics.
type Metrics struct{}

// Metrics returns the metrics handle. Collectors are package scoped,
// so registering once covers every account in the process.
func (a *Account) Metrics() Metrics {
	return Metrics{}
}

// Register registers the collectors of all subsystems with reg,
// tolerating collectors another account already registered.
func (Metrics) Register(reg prometheus.Registerer) error {
	var collectors []prometheus.Collector
	collectors = append(collectors, commander.Collectors()...)
	collectors = append(collectors, poller.Collectors()...)
	collectors = append(collectors, stream.Collectors()...)
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return trace.Wrap(err)
		}
	}
	return nil
}

// loadInventory fetches the device list and installs the identities.
func (a *Account) loadInventory(ctx context.Context) error {
	re, err := a.get(ctx, a.client.Endpoint("api", "devices"), url.Values{})
	if err != nil {
		return trace.Wrap(err)
	}
	infos, err := pandora.DecodeDeviceList(re.Bytes())
	if err != nil {
		return trace.Wrap(err)
	}
	for _, info := range infos {
		a.registry.Device(info.ID).SetInfo(*info)
	}
	a.logger.InfoContext(ctx, "Loaded device inventory.", "devices", len(infos))
	return nil
}

// get issues an authenticated GET, refreshing the session and retrying
// once when the service stopped honoring it.
func (a *Account) get(ctx context.Context, endpoint string, query url.Values) (*roundtrip.Response, error) {
	session, generation := a.auth.Session()
	if session == nil {
		return nil, trace.NotFound("no session established")
	}
	query.Set("access_token", session.AccessToken)
	re, err := a.client.Get(ctx, endpoint, query)
	if err == nil || !auth.IsExpired(err) {
		return re, trace.Wrap(err)
	}
	if rerr := a.auth.Refresh(ctx, generation); rerr != nil {
		return nil, trace.NewAggregate(err, rerr)
	}
	session, _ = a.auth.Session()
	query.Set("access_token", session.AccessToken)
	re, err = a.client.Get(ctx, endpoint, query)
	return re, trace.Wrap(err)
}

// startFailed publishes the status matching a failed start step.
func (a *Account) startFailed(err error) {
	if isCredentialFailure(err) {
		a.authFailed(err)
		return
	}
	a.transition(Status{State: StateDegraded, Reason: trace.UserMessage(err)})
}

// authFailed marks the account terminally unauthenticated.
func (a *Account) authFailed(err error) {
	a.logger.Error("Account authentication failed.", "error", err)
	a.transition(Status{State: StateAuthFailure, Reason: trace.UserMessage(err)})
}

// isCredentialFailure tells credential rejections apart from the
// transient ways a login can fail.
func isCredentialFailure(err error) bool {
	return errors.Is(err, auth.ErrCredentialsRejected) ||
		errors.Is(err, auth.ErrCaptchaRequired) ||
		errors.Is(err, auth.ErrAccountLocked) ||
		trace.IsAccessDenied(err)
}

// onStreamHealth folds stream health into the account status.
func (a *Account) onStreamHealth(err error) {
	a.mu.Lock()
	a.streamErr = err
	a.mu.Unlock()
	a.recompute()
}

// onPollerHealth folds poller health into the account status. The
// poller only reports at its failure threshold and on recovery, so no
// additional damping is needed here.
func (a *Account) onPollerHealth(err error) {
	a.mu.Lock()
	a.pollErr = err
	a.mu.Unlock()
	a.recompute()
}

// recompute resolves subsystem health into one account status.
func (a *Account) recompute() {
	a.mu.Lock()
	streamErr, pollErr := a.streamErr, a.pollErr
	a.mu.Unlock()
	switch {
	case streamErr != nil:
		a.transition(Status{State: StateDegraded, Reason: "stream: " + trace.UserMessage(streamErr)})
	case pollErr != nil:
		a.transition(Status{State: StateDegraded, Reason: "poller: " + trace.UserMessage(pollErr)})
	default:
		a.transition(Status{State: StateOK})
	}
}

// transition publishes a status change. auth_failure is sticky, only
// closing the account supersedes it; closed is terminal.
func (a *Account) transition(next Status) {
	a.mu.Lock()
	if a.status == next || a.status.State == StateClosed {
		a.mu.Unlock()
		return
	}
	if a.status.State == StateAuthFailure && next.State != StateClosed {
		a.mu.Unlock()
		return
	}
	a.status = next
	a.mu.Unlock()
	a.logger.Info("Account status changed.", "state", next.State, "reason", next.Reason)
	a.bus.PublishStatus(&events.StatusMessage{State: next.State, Reason: next.Reason})
}
