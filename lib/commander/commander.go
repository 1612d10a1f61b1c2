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

// Package commander dispatches remote commands to vehicle units and
// tracks their acknowledgement. A command is accepted by the service
// over HTTP and acknowledged asynchronously by a reply frame on the
// update stream; the commander joins the two halves and reports a
// single terminal outcome per submission.
package commander

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/pandoracas"
	"github.com/gravitational/pandoracas/lib/auth"
	"github.com/gravitational/pandoracas/lib/defaults"
	"github.com/gravitational/pandoracas/lib/events"
	"github.com/gravitational/pandoracas/lib/pandora"
	"github.com/gravitational/pandoracas/lib/utils"
	logutils "github.com/gravitational/pandoracas/lib/utils/log"
	"github.com/gravitational/pandoracas/lib/webclient"
)

// ErrClosed is returned by Submit once the commander shut down.
var ErrClosed = errors.New("commander is closed")

var (
	commandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pandoracas",
		Name:      "commands_total",
		Help:      "Submitted commands by terminal outcome.",
	}, []string{"outcome"})

	commandSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pandoracas",
		Name:      "command_duration_seconds",
		Help:      "Time from command submission to its terminal outcome.",
	})
)

// Collectors returns the package metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{commandsTotal, commandSeconds}
}

// Result is the terminal disposition of one submitted command.
type Result struct {
	DeviceID  int64
	CommandID pandora.CommandID
	// Outcome is one of the events.Outcome constants.
	Outcome string
	// Result and Reply are the unit-reported codes. Result is -1 when
	// no reply participated in the outcome.
	Result int
	Reply  int
}

// Future resolves once with the terminal outcome of a submission.
type Future struct {
	once   sync.Once
	done   chan struct{}
	result Result
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(r Result) {
	f.once.Do(func() {
		f.result = r
		close(f.done)
	})
}

// Done is closed once the future resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the command reaches a terminal outcome or ctx
// expires.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return Result{}, trace.Wrap(ctx.Err())
	}
}

// SubmitOption adjusts a single submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	fireAndForget bool
}

// FireAndForget resolves the future as soon as the service accepts the
// command. The eventual reply, or its absence, only feeds the event
// bus and does not affect the caller.
func FireAndForget() SubmitOption {
	return func(o *submitOptions) { o.fireAndForget = true }
}

// Config holds the commander parameters.
type Config struct {
	// Client is the shared account transport.
	Client *webclient.Client
	// Auth supplies the session whose token rides on every call.
	Auth *auth.Authenticator
	// Bus receives a message for every terminal command.
	Bus *events.Bus
	// Clock is the time source.
	Clock clockwork.Clock
	// Deadline bounds the wait for a unit reply.
	Deadline time.Duration
	// OnAccept, if set, is called after the service accepts a
	// submission, before any reply arrives.
	OnAccept func(deviceID int64)
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
	if c.Bus == nil {
		return trace.BadParameter("missing parameter Bus")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Deadline <= 0 {
		c.Deadline = defaults.CommandDeadline
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(pandoracas.ComponentKey, pandoracas.ComponentCommander)
	}
	return nil
}

type pendingKey struct {
	deviceID  int64
	commandID pandora.CommandID
}

type pendingCommand struct {
	key       pendingKey
	seq       uint64
	future    *Future
	timer     clockwork.Timer
	submitted time.Time
	// detached entries released their device slot at accept; their
	// terminal outcome only feeds the bus.
	detached bool
}

// deviceSlot serializes command submissions per device. Waiters are
// granted in arrival order.
type deviceSlot struct {
	busy    bool
	waiters []chan struct{}
}

// Commander is safe for concurrent use. The pending table lives under
// a single mutex; no network I/O ever happens while it is held.
type Commander struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	pending map[pendingKey]*pendingCommand
	slots   map[int64]*deviceSlot
	seq     uint64
	closed  bool
}

// New returns a commander ready to submit.
func New(cfg Config) (*Commander, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Commander{
		cfg:     cfg,
		logger:  cfg.Logger,
		pending: make(map[pendingKey]*pendingCommand),
		slots:   make(map[int64]*deviceSlot),
	}, nil
}

// Submit dispatches a command to a device. At most one command per
// device is outstanding at a time, later submissions wait their turn
// in arrival order. On success the returned future resolves when the
// unit acknowledges the command, its deadline expires, or, for
// fire-and-forget submissions, as soon as the service accepts it.
func (c *Commander) Submit(ctx context.Context, deviceID int64, command pandora.CommandID, opts ...SubmitOption) (*Future, error) {
	var options submitOptions
	for _, opt := range opts {
		opt(&options)
	}

	if err := c.acquireSlot(ctx, deviceID); err != nil {
		return nil, trace.Wrap(err)
	}
	c.logger.InfoContext(ctx, "Sending command.", "device_id", deviceID, "command", command)

	if err := c.post(ctx, deviceID, command); err != nil {
		c.releaseSlot(deviceID)
		return nil, trace.Wrap(err)
	}

	future := newFuture()
	key := pendingKey{deviceID: deviceID, commandID: command}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		result := Result{DeviceID: deviceID, CommandID: command, Outcome: events.OutcomeCancelled, Result: -1}
		future.resolve(result)
		c.publish(result)
		return future, nil
	}
	if stale, ok := c.pending[key]; ok {
		// Only a resolved fire-and-forget entry can collide here; the
		// slot queue rules out two live confirmations for one device.
		delete(c.pending, key)
		stale.timer.Stop()
		c.logger.Debug("Dropped a superseded pending command.", "device_id", deviceID, "command", command)
	}
	c.seq++
	entry := &pendingCommand{
		key:       key,
		seq:       c.seq,
		future:    future,
		submitted: c.cfg.Clock.Now(),
		detached:  options.fireAndForget,
	}
	seq := entry.seq
	entry.timer = c.cfg.Clock.AfterFunc(c.cfg.Deadline, func() { c.expire(key, seq) })
	c.pending[key] = entry
	c.mu.Unlock()

	if options.fireAndForget {
		c.releaseSlot(deviceID)
		future.resolve(Result{DeviceID: deviceID, CommandID: command, Outcome: events.OutcomeOK, Result: -1})
	}
	if c.cfg.OnAccept != nil {
		c.cfg.OnAccept(deviceID)
	}
	return future, nil
}

// HandleReply completes the pending command matching a reply frame and
// publishes the outcome. Replies without a matching entry, such as
// commands issued through the vendor's mobile application, are
// published as observed.
func (c *Commander) HandleReply(reply *pandora.CommandReply) {
	outcome := events.OutcomeFailure
	if reply.OK() {
		outcome = events.OutcomeOK
	}
	result := Result{
		DeviceID:  reply.DeviceID,
		CommandID: reply.CommandID,
		Outcome:   outcome,
		Result:    reply.Result,
		Reply:     reply.Reply,
	}

	key := pendingKey{deviceID: reply.DeviceID, commandID: reply.CommandID}
	c.mu.Lock()
	entry, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if !ok {
		c.publish(result)
		return
	}
	c.finish(entry, result)
}

// Wakeup asks the service to wake the unit's modem. This is a service
// call rather than a unit command: no pending entry is installed and
// no bus message fires.
func (c *Commander) Wakeup(ctx context.Context, deviceID int64) error {
	c.logger.InfoContext(ctx, "Waking up device.", "device_id", deviceID)
	re, err := c.cfg.Client.PostForm(ctx, c.authenticated(ctx, "api", "devices", "wakeup"), url.Values{
		"id": []string{strconv.FormatInt(deviceID, 10)},
	})
	if err != nil {
		return trace.Wrap(err)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := utils.FastUnmarshal(re.Bytes(), &body); err != nil {
		return trace.BadParameter("malformed wakeup response: %v", err)
	}
	if body.Status != "success" {
		return trace.BadParameter("wakeup was not accepted: %q", body.Status)
	}
	return nil
}

// Close cancels every pending command and rejects later submissions.
// Cancelled commands resolve their futures and hit the bus like any
// other terminal outcome.
func (c *Commander) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	entries := slices.Collect(maps.Values(c.pending))
	clear(c.pending)
	for _, slot := range c.slots {
		for _, w := range slot.waiters {
			close(w)
		}
		slot.waiters = nil
	}
	c.mu.Unlock()

	for _, entry := range entries {
		entry.timer.Stop()
		result := Result{
			DeviceID:  entry.key.deviceID,
			CommandID: entry.key.commandID,
			Outcome:   events.OutcomeCancelled,
			Result:    -1,
		}
		entry.future.resolve(result)
		c.observe(entry, result)
		c.publish(result)
	}
}

// post performs the HTTP submission and verifies the accept marker.
func (c *Commander) post(ctx context.Context, deviceID int64, command pandora.CommandID) error {
	re, err := c.cfg.Client.PostForm(ctx, c.authenticated(ctx, "api", "devices", "command"), url.Values{
		"id":      []string{strconv.FormatInt(deviceID, 10)},
		"command": []string{strconv.Itoa(int(command))},
	})
	if err != nil {
		return trace.Wrap(err)
	}
	var body struct {
		ActionResult map[string]string `json:"action_result"`
	}
	if err := utils.FastUnmarshal(re.Bytes(), &body); err != nil {
		return trace.BadParameter("malformed command response: %v", err)
	}
	status, ok := body.ActionResult[strconv.FormatInt(deviceID, 10)]
	if !ok {
		status = "unknown error"
	}
	if status != "sent" {
		return trace.BadParameter("command was not accepted: %q", status)
	}
	return nil
}

// authenticated renders an endpoint with the session's access token in
// the query, the way the command endpoints expect it.
func (c *Commander) authenticated(ctx context.Context, parts ...string) string {
	token := ""
	if session, _ := c.cfg.Auth.Session(); session != nil {
		token = session.AccessToken
	} else {
		c.logger.WarnContext(ctx, "No session established, sending request unauthenticated.")
	}
	query := url.Values{"access_token": []string{token}}
	return c.cfg.Client.Endpoint(parts...) + "?" + query.Encode()
}

func (c *Commander) expire(key pendingKey, seq uint64) {
	c.mu.Lock()
	entry, ok := c.pending[key]
	if !ok || entry.seq != seq {
		c.mu.Unlock()
		return
	}
	delete(c.pending, key)
	c.mu.Unlock()

	c.logger.Warn("Command was not acknowledged before its deadline.",
		"device_id", key.deviceID, "command", key.commandID)
	c.finish(entry, Result{
		DeviceID:  key.deviceID,
		CommandID: key.commandID,
		Outcome:   events.OutcomeTimeout,
		Result:    -1,
	})
}

// finish resolves a pending entry removed from the table.
func (c *Commander) finish(entry *pendingCommand, result Result) {
	entry.timer.Stop()
	entry.future.resolve(result)
	if !entry.detached {
		c.releaseSlot(result.DeviceID)
	}
	c.observe(entry, result)
	c.publish(result)
}

func (c *Commander) observe(entry *pendingCommand, result Result) {
	commandsTotal.WithLabelValues(result.Outcome).Inc()
	commandSeconds.Observe(c.cfg.Clock.Since(entry.submitted).Seconds())
}

func (c *Commander) publish(result Result) {
	c.cfg.Bus.PublishCommand(&events.CommandMessage{
		DeviceID:  result.DeviceID,
		CommandID: result.CommandID,
		Result:    result.Result,
		Reply:     result.Reply,
		Outcome:   result.Outcome,
	})
}

// acquireSlot takes the device's submission slot, waiting in arrival
// order behind earlier submissions.
func (c *Commander) acquireSlot(ctx context.Context, deviceID int64) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return trace.Wrap(ErrClosed)
	}
	slot := c.slots[deviceID]
	if slot == nil {
		slot = &deviceSlot{}
		c.slots[deviceID] = slot
	}
	if !slot.busy {
		slot.busy = true
		c.mu.Unlock()
		return nil
	}
	ticket := make(chan struct{})
	slot.waiters = append(slot.waiters, ticket)
	c.mu.Unlock()

	select {
	case <-ticket:
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return trace.Wrap(ErrClosed)
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		if i := slices.Index(slot.waiters, ticket); i >= 0 {
			slot.waiters = slices.Delete(slot.waiters, i, i+1)
			c.mu.Unlock()
			return trace.Wrap(ctx.Err())
		}
		c.mu.Unlock()
		// The ticket was granted concurrently with cancellation; pass
		// the slot on before giving up.
		c.releaseSlot(deviceID)
		return trace.Wrap(ctx.Err())
	}
}

// releaseSlot hands the device slot to the next waiter, if any.
func (c *Commander) releaseSlot(deviceID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slot := c.slots[deviceID]
	if slot == nil {
		return
	}
	if len(slot.waiters) > 0 {
		next := slot.waiters[0]
		slot.waiters = slot.waiters[1:]
		close(next)
		return
	}
	slot.busy = false
	delete(c.slots, deviceID)
}
