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

// Package webclient is the HTTP and websocket transport to the Pandora
// cloud. A single Client carries the cookie jar of one login session,
// stamps the configured user agent on every request and keeps the
// number of inflight calls within the service tolerance.
package webclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"golang.org/x/sync/semaphore"

	"github.com/gravitational/pandoracas"
	"github.com/gravitational/pandoracas/lib/defaults"
	logutils "github.com/gravitational/pandoracas/lib/utils/log"
)

// Config holds the transport parameters shared by every HTTP and
// websocket call of one account.
type Config struct {
	// BaseURL is the service root, defaults to the production cloud.
	BaseURL string
	// UserAgent is stamped on every request. Some service endpoints
	// reject unexpected agents.
	UserAgent string
	// Timeout bounds a single HTTP request.
	Timeout time.Duration
	// MaxInflight caps concurrent calls to the service.
	MaxInflight int64
	// HTTPClient overrides the underlying client, used in tests. Its
	// jar is replaced by the session jar and its transport is wrapped
	// to stamp the user agent.
	HTTPClient *http.Client
	// HandshakeTimeout bounds the websocket handshake.
	HandshakeTimeout time.Duration
	// Logger is the transport logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.BaseURL == "" {
		c.BaseURL = defaults.BaseURL
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return trace.BadParameter("invalid base URL %q: %v", c.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return trace.BadParameter("unsupported base URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return trace.BadParameter("base URL %q carries no host", c.BaseURL)
	}
	if c.UserAgent == "" {
		c.UserAgent = defaults.UserAgent
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.HTTPRequestTimeout
	}
	if c.MaxInflight <= 0 {
		c.MaxInflight = defaults.MaxInflightRequests
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaults.WebsocketHandshakeTimeout
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(pandoracas.ComponentKey, pandoracas.ComponentClient)
	}
	return nil
}

// Client is the transport of one account session.
type Client struct {
	cfg     Config
	clt     *roundtrip.Client
	jar     http.CookieJar
	baseURL *url.URL
	sem     *semaphore.Weighted
	logger  *slog.Logger
}

// New returns a transport bound to the service at cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	httpClient.Jar = jar
	inner := httpClient.Transport
	if inner == nil {
		inner = http.DefaultTransport
	}
	httpClient.Transport = &userAgentTransport{agent: cfg.UserAgent, inner: inner}

	clt, err := roundtrip.NewClient(cfg.BaseURL, "",
		roundtrip.HTTPClient(httpClient),
		roundtrip.CookieJar(jar),
	)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &Client{
		cfg:     cfg,
		clt:     clt,
		jar:     jar,
		baseURL: baseURL,
		sem:     semaphore.NewWeighted(cfg.MaxInflight),
		logger:  cfg.Logger,
	}, nil
}

// Endpoint builds an absolute endpoint URL from path parts.
func (c *Client) Endpoint(parts ...string) string {
	return c.clt.Endpoint(parts...)
}

// BaseURL returns the parsed service root.
func (c *Client) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

// Get issues a GET against an endpoint built with Endpoint.
func (c *Client) Get(ctx context.Context, endpoint string, query url.Values) (*roundtrip.Response, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer release()
	return ConvertResponse(c.clt.Get(ctx, endpoint, query))
}

// PostForm posts an urlencoded form against an endpoint built with
// Endpoint.
func (c *Client) PostForm(ctx context.Context, endpoint string, form url.Values) (*roundtrip.Response, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer release()
	return ConvertResponse(c.clt.PostForm(ctx, endpoint, form))
}

// PostFormWithAuthorization posts a form with an explicit Authorization
// header. The token grant runs on this path before any session exists.
func (c *Client) PostFormWithAuthorization(ctx context.Context, endpoint, authorization string, form url.Values) (*roundtrip.Response, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer release()
	return ConvertResponse(c.clt.RoundTrip(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Authorization", authorization)
		return c.clt.HTTPClient().Do(req)
	}))
}

// OpenWebsocket dials a streaming endpoint. The session cookies ride on
// the handshake together with the Origin and User-Agent headers, so the
// subscription authenticates the same way HTTP calls do.
func (c *Client) OpenWebsocket(ctx context.Context, path string, query url.Values) (*websocket.Conn, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer release()

	u := url.URL{
		Scheme:   "wss",
		Host:     c.baseURL.Host,
		Path:     path,
		RawQuery: query.Encode(),
	}
	if c.baseURL.Scheme == "http" {
		u.Scheme = "ws"
	}

	header := http.Header{}
	header.Set("Origin", c.cfg.BaseURL)
	header.Set("User-Agent", c.cfg.UserAgent)
	for _, cookie := range c.jar.Cookies(c.baseURL) {
		header.Add("Cookie", cookie.String())
	}

	c.logger.DebugContext(ctx, "Dialing websocket.", "host", u.Host, "path", u.Path)
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 65536))
			return nil, trace.Wrap(trace.ReadError(resp.StatusCode, body))
		}
		return nil, trace.ConnectionProblem(err, "failed to dial %v", u.Host)
	}
	return conn, nil
}

// Close releases idle transport resources. Inflight calls finish on
// their own contexts.
func (c *Client) Close() error {
	c.clt.HTTPClient().CloseIdleConnections()
	return nil
}

func (c *Client) acquire(ctx context.Context) (release func(), err error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, trace.Wrap(err)
	}
	return func() { c.sem.Release(1) }, nil
}

// ConvertResponse converts an HTTP error status or a transport failure
// into a typed error. Service 5xx responses surface as connection
// problems so callers retry them the way they retry network failures.
func ConvertResponse(re *roundtrip.Response, err error) (*roundtrip.Response, error) {
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) && uerr.Err != nil {
			err = uerr.Err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, trace.Wrap(err)
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, trace.ConnectionProblem(nerr, "request timed out")
		}
		return nil, trace.ConnectionProblem(err, "failed to send request to the service")
	}
	if re.Code() >= http.StatusInternalServerError {
		return re, trace.ConnectionProblem(nil, "service failure %v: %s",
			re.Code(), strings.TrimSpace(string(re.Bytes())))
	}
	return re, trace.Wrap(trace.ReadError(re.Code(), re.Bytes()))
}

// userAgentTransport stamps the configured agent on every request.
type userAgentTransport struct {
	agent string
	inner http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.agent)
	return t.inner.RoundTrip(clone)
}
