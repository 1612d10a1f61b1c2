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

// Package auth establishes and maintains the login session of one
// Pandora account. Authentication is a two step exchange: an OAuth
// access token grant followed by a form login that binds the token
// to the account and sets the session cookie on the shared transport.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/gravitational/pandoracas"
	"github.com/gravitational/pandoracas/lib/defaults"
	"github.com/gravitational/pandoracas/lib/utils"
	logutils "github.com/gravitational/pandoracas/lib/utils/log"
	"github.com/gravitational/pandoracas/lib/webclient"
)

var (
	// ErrCaptchaRequired means the service demanded an interactive
	// captcha and automated login cannot proceed.
	ErrCaptchaRequired = errors.New("captcha required")

	// ErrAccountLocked means the service reports the account as locked.
	ErrAccountLocked = errors.New("account locked")

	// ErrCredentialsRejected marks a refresh loop whose credentials
	// keep being rejected. Recovery needs operator action, so callers
	// stop retrying once they see it.
	ErrCredentialsRejected = errors.New("credentials rejected repeatedly")
)

// Websocket close codes the service uses to tear down streams whose
// session is no longer valid.
const (
	closeCodeSessionExpired = 4001
	closeCodeTokenRejected  = 4003
)

// Session is the credential state of one authenticated account. Once
// issued it is immutable; a refresh installs a new Session under the
// next generation.
type Session struct {
	// UserID is the account identifier assigned by the service.
	UserID int64
	// SessionID is the server-issued identifier of this login.
	SessionID string
	// AccessToken authenticates every subsequent HTTP and websocket
	// call of this session.
	AccessToken string
}

// Config holds the authenticator parameters.
type Config struct {
	// Client is the transport the authenticator logs in over. The
	// session cookie lands in the client's jar, so the same Client
	// must be used for all later calls of the account.
	Client *webclient.Client
	// Username and Password are the account credentials.
	Username string
	Password string
	// UTCOffset is reported to the service on login. Zero derives the
	// offset from the host time zone.
	UTCOffset time.Duration
	// Clock is the time source.
	Clock clockwork.Clock
	// Limiter floors the pace of refresh attempts.
	Limiter *rate.Limiter
	// Logger emits progress messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Username == "" {
		return trace.BadParameter("missing parameter Username")
	}
	if c.Password == "" {
		return trace.BadParameter("missing parameter Password")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Limiter == nil {
		c.Limiter = rate.NewLimiter(rate.Every(defaults.RefreshMinInterval), 1)
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(pandoracas.ComponentKey, pandoracas.ComponentAuth)
	}
	return nil
}

// Authenticator owns the session of one account. It is safe for
// concurrent use: consumers read the current session, report it failed
// with the generation they observed, and the authenticator makes sure
// a single login runs no matter how many consumers complain at once.
type Authenticator struct {
	cfg    Config
	logger *slog.Logger

	mu             sync.Mutex
	session        *Session
	generation     uint64
	inflight       *refreshAttempt
	badCredentials int
}

// refreshAttempt lets late callers wait on a login already in flight
// and share its outcome.
type refreshAttempt struct {
	done chan struct{}
	err  error
}

// New returns an authenticator for the account named in cfg. No
// network traffic happens until Login.
func New(cfg Config) (*Authenticator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Authenticator{
		cfg:    cfg,
		logger: cfg.Logger,
	}, nil
}

// Session returns the current session and its generation. The session
// is nil until the first successful Login. Callers hand the generation
// back to Refresh when the session stops working.
func (a *Authenticator) Session() (*Session, uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session, a.generation
}

// Login authenticates the account and installs the resulting session.
// A cached access token is tried first; when the service rejects it a
// fresh token grant is performed before giving up.
func (a *Authenticator) Login(ctx context.Context) (*Session, error) {
	if cached := a.cachedToken(); cached != "" {
		session, err := a.loginOnce(ctx, cached)
		if err == nil {
			a.store(session)
			return session, nil
		}
		if ctx.Err() != nil {
			return nil, trace.Wrap(err)
		}
		a.logger.WarnContext(ctx, "Login with cached access token failed, requesting a fresh token.", "error", err)
	}
	session, err := a.loginOnce(ctx, "")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	a.store(session)
	return session, nil
}

// Probe verifies the current session against the service. A nil error
// means the session is still honored; IsExpired tells stale sessions
// apart from transport trouble.
func (a *Authenticator) Probe(ctx context.Context) error {
	session, _ := a.Session()
	if session == nil {
		return trace.NotFound("no session established")
	}
	_, err := a.cfg.Client.PostForm(ctx, a.cfg.Client.Endpoint("api", "iamalive"), url.Values{
		"access_token": []string{session.AccessToken},
	})
	return trace.Wrap(err)
}

// Refresh re-authenticates the account. gen names the session
// generation the caller observed failing: when another caller already
// refreshed past it, Refresh returns immediately with the fresh
// session in place. Concurrent callers of the same generation share a
// single login attempt and its outcome.
func (a *Authenticator) Refresh(ctx context.Context, gen uint64) error {
	a.mu.Lock()
	if a.generation != gen {
		a.mu.Unlock()
		return nil
	}
	if attempt := a.inflight; attempt != nil {
		a.mu.Unlock()
		select {
		case <-attempt.done:
			return trace.Wrap(attempt.err)
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		}
	}
	attempt := &refreshAttempt{done: make(chan struct{})}
	a.inflight = attempt
	a.mu.Unlock()

	attempt.err = a.refresh(ctx)

	a.mu.Lock()
	a.inflight = nil
	a.mu.Unlock()
	close(attempt.done)

	return trace.Wrap(attempt.err)
}

// refresh performs one full re-login, honoring the pace floor and the
// rejected-credentials budget. The cached access token is abandoned,
// the session that carried it just failed.
func (a *Authenticator) refresh(ctx context.Context) error {
	if err := a.cfg.Limiter.Wait(ctx); err != nil {
		return trace.Wrap(err)
	}
	session, err := a.loginOnce(ctx, "")
	if err != nil {
		if trace.IsAccessDenied(err) {
			a.mu.Lock()
			a.badCredentials++
			rejected := a.badCredentials
			a.mu.Unlock()
			if rejected >= defaults.MaxRefreshBadCredentials {
				a.logger.ErrorContext(ctx, "Re-login keeps failing with rejected credentials, giving up.", "attempts", rejected)
				return trace.Wrap(ErrCredentialsRejected)
			}
		}
		return trace.Wrap(err)
	}
	a.store(session)
	a.logger.InfoContext(ctx, "Session refreshed.", "user_id", session.UserID)
	return nil
}

// loginOnce runs the two step exchange with the given access token,
// fetching a fresh one first when token is empty.
func (a *Authenticator) loginOnce(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		var err error
		if token, err = a.fetchAccessToken(ctx); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	session, err := a.applyAccessToken(ctx, token)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return session, nil
}

// fetchAccessToken performs the OAuth client-credentials grant. The
// grant needs no form fields, only the fixed basic authorization of
// the public web application.
func (a *Authenticator) fetchAccessToken(ctx context.Context) (string, error) {
	re, err := a.cfg.Client.PostFormWithAuthorization(ctx,
		a.cfg.Client.Endpoint("oauth", "token"), defaults.OAuthAuthorization, url.Values{})
	if err != nil {
		return "", trace.Wrap(classifyLoginError(err))
	}
	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := utils.FastUnmarshal(re.Bytes(), &body); err != nil {
		return "", trace.BadParameter("malformed access token response: %v", err)
	}
	if body.AccessToken == "" {
		return "", trace.BadParameter("access token response carries no token")
	}
	return body.AccessToken, nil
}

// applyAccessToken logs the account in with the given token. On
// success the service sets the session cookie on the shared transport
// and reports the user and session identifiers.
func (a *Authenticator) applyAccessToken(ctx context.Context, token string) (*Session, error) {
	re, err := a.cfg.Client.PostForm(ctx, a.cfg.Client.Endpoint("api", "users", "login"), url.Values{
		"login":        []string{a.cfg.Username},
		"password":     []string{a.cfg.Password},
		"lang":         []string{defaults.LoginLanguage},
		"v":            []string{defaults.LoginVersion},
		"utc_offset":   []string{strconv.Itoa(a.utcOffsetMinutes())},
		"access_token": []string{token},
	})
	if err != nil {
		return nil, trace.Wrap(classifyLoginError(err))
	}
	var body struct {
		UserID    json.Number `json:"user_id"`
		SessionID any         `json:"session_id"`
	}
	if err := utils.FastUnmarshal(re.Bytes(), &body); err != nil {
		return nil, trace.BadParameter("malformed login response: %v", err)
	}
	userID, err := body.UserID.Int64()
	if err != nil {
		return nil, trace.BadParameter("unexpected user id %q in login response", body.UserID.String())
	}
	return &Session{
		UserID:      userID,
		SessionID:   sessionIDString(body.SessionID),
		AccessToken: token,
	}, nil
}

// cachedToken returns the access token of the current session, if any.
func (a *Authenticator) cachedToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return ""
	}
	return a.session.AccessToken
}

// store installs a fresh session and advances the generation.
func (a *Authenticator) store(session *Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.session = session
	a.generation++
	a.badCredentials = 0
}

// utcOffsetMinutes is the offset reported on login, minutes east of
// UTC.
func (a *Authenticator) utcOffsetMinutes() int {
	if a.cfg.UTCOffset != 0 {
		return int(a.cfg.UTCOffset / time.Minute)
	}
	_, seconds := a.cfg.Clock.Now().Zone()
	return seconds / 60
}

// sessionIDString renders the session identifier the service issued.
// The field shows up as a string or a number depending on the API
// revision.
func sessionIDString(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case json.Number:
		return id.String()
	case float64:
		return strconv.FormatInt(int64(id), 10)
	default:
		return ""
	}
}

// classifyLoginError normalizes the assorted ways the service rejects
// a login. Bad credentials come back with either 400 or 401/403;
// captcha challenges and locked accounts are told apart by marker
// substrings in the error body.
func classifyLoginError(err error) error {
	if err == nil {
		return nil
	}
	if trace.IsConnectionProblem(err) || trace.IsLimitExceeded(err) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return trace.Wrap(err)
	}
	msg := strings.ToLower(trace.UserMessage(err))
	switch {
	case strings.Contains(msg, "captcha"):
		return trace.Wrap(ErrCaptchaRequired)
	case strings.Contains(msg, "locked") || strings.Contains(msg, "blocked"):
		return trace.Wrap(ErrAccountLocked)
	case trace.IsAccessDenied(err) || trace.IsBadParameter(err):
		return trace.AccessDenied("login rejected: %s", trace.UserMessage(err))
	}
	return trace.Wrap(err)
}

// IsExpired reports whether err signals that the session is no longer
// honored by the service and a refresh is warranted. It understands
// HTTP access denials, the expired/wrong markers of the keep-alive
// endpoint and the websocket close codes the stream sees when its
// session dies.
func IsExpired(err error) bool {
	if err == nil {
		return false
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.ClosePolicyViolation, closeCodeSessionExpired, closeCodeTokenRejected:
			return true
		}
		return false
	}
	if trace.IsAccessDenied(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "expired") || strings.Contains(msg, "wrong")
}
