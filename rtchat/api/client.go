// Package api is the JSON HTTP client for the chat backend: history,
// mark-as-read, user search and chat creation.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/kampuni/rtchat-client/rtchat/room"
)

const (
	CSRFCookieName    = "csrftoken"
	CSRFHeaderName    = "X-CSRFToken"
	SessionCookieName = "sessionid"

	maxResponseBytes = 4 << 20
)

// Config holds the inputs for New.
type Config struct {
	BaseURL   string
	SessionID string
	CSRFToken string
	Timeout   time.Duration
	// HTTPClient is copied and used instead of the default client. Its Jar,
	// when set, receives the CSRF and session cookies; otherwise the copy gets
	// a fresh jar and the caller's client is left untouched.
	HTTPClient *http.Client
}

// Client talks to one backend origin. Safe for concurrent use.
type Client struct {
	base *url.URL
	http *http.Client
}

// Error is a failed request or a success:false payload. Message is the
// server-reported error text when there is one.
type Error struct {
	Op      string
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: %d %s", e.Op, e.Status, http.StatusText(e.Status))
	}
	return e.Op + " failed"
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", cfg.BaseURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("base url %q: missing host", cfg.BaseURL)
	}
	hc := &http.Client{Timeout: cfg.Timeout}
	if cfg.HTTPClient != nil {
		cp := *cfg.HTTPClient
		hc = &cp
	}
	if hc.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("cookie jar: %w", err)
		}
		hc.Jar = jar
	}
	var seed []*http.Cookie
	if cfg.SessionID != "" {
		seed = append(seed, &http.Cookie{Name: SessionCookieName, Value: cfg.SessionID, Path: "/"})
	}
	if cfg.CSRFToken != "" {
		seed = append(seed, &http.Cookie{Name: CSRFCookieName, Value: cfg.CSRFToken, Path: "/"})
	}
	if len(seed) > 0 {
		hc.Jar.SetCookies(base, seed)
	}
	return &Client{base: base, http: hc}, nil
}

// Jar exposes the cookie jar so the WebSocket handshake carries the same
// session.
func (c *Client) Jar() http.CookieJar { return c.http.Jar }

// SocketURL is the WebSocket URL for ref on the same origin.
func (c *Client) SocketURL(ref room.Ref) string {
	u := *c.base
	u.Scheme = "ws"
	if c.base.Scheme == "https" {
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(c.base.Path, "/") + ref.SocketPath()
	u.RawQuery = ""
	return u.String()
}

// csrfToken reads the token from the jar, as a browser reads document.cookie.
func (c *Client) csrfToken() string {
	for _, ck := range c.http.Jar.Cookies(c.base) {
		if ck.Name == CSRFCookieName {
			return ck.Value
		}
	}
	return ""
}

func (c *Client) resolve(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *Client) getJSON(ctx context.Context, op, path string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(path, query), nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	return c.do(op, req, out)
}

func (c *Client) postJSON(ctx context.Context, op, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode body: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(path, nil), bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set(CSRFHeaderName, c.csrfToken())
	return c.do(op, req, out)
}

// errorBody is the shape of backend error payloads.
type errorBody struct {
	Error string `json:"error"`
}

func (c *Client) do(op string, req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s: read body: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{Op: op, Status: resp.StatusCode}
		var eb errorBody
		if json.Unmarshal(data, &eb) == nil {
			apiErr.Message = eb.Error
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// IsServerError reports whether err carries a server-reported message.
func IsServerError(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Message != ""
}
