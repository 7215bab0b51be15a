// Package apiclient talks to the remote book catalog.
//
// Every call returns an *Error classified by Kind. Responses are decoded
// against one snake_case wire schema; key drift and partial records are
// tolerated through a logged fallback chain.
package apiclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/segmentio/encoding/json"

	"github.com/banux/shelfsync/internal/logging"
	"github.com/banux/shelfsync/internal/session"
)

const (
	// APIVersion is the contract major version sent in Accept-Version.
	APIVersion = "1"

	// DefaultTimeout bounds a single request.
	DefaultTimeout = 30 * time.Second

	versionHeader = "X-API-Version"
)

// Client calls the remote catalog over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	session    *session.Context
	logger     *slog.Logger

	driftLogged atomic.Bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New constructs a client for baseURL that authenticates with sess.
// A nil sess sends every request unauthenticated.
func New(baseURL string, sess *session.Context, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		session:    sess,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrDefault(c.logger)
	return c
}

// Session returns the session the client authenticates with.
func (c *Client) Session() *session.Context {
	return c.session
}

// Send performs an authenticated request against path and returns the raw
// response body. With asForm, body must be url.Values or map[string]string
// and is sent form-encoded; otherwise a non-nil body is sent as JSON.
func (c *Client) Send(ctx context.Context, method, path string, body any, asForm bool) (json.RawMessage, error) {
	var (
		r           io.Reader
		contentType string
	)
	switch {
	case body == nil:
	case asForm:
		form, err := formValues(body)
		if err != nil {
			return nil, err
		}
		r = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	default:
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("api %s %s: encode body: %w", method, path, err)
		}
		r = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	req, err := c.newRequest(ctx, method, path, r, contentType)
	if err != nil {
		return nil, err
	}
	data, err := c.do(req, true)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

func formValues(body any) (url.Values, error) {
	switch v := body.(type) {
	case url.Values:
		return v, nil
	case map[string]string:
		form := url.Values{}
		for k, val := range v {
			form.Set(k, val)
		}
		return form, nil
	default:
		return nil, fmt.Errorf("api: form body must be url.Values or map[string]string, got %T", body)
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	endpoint := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		endpoint = c.baseURL + "/" + strings.TrimLeft(path, "/")
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("api %s %s: new request: %w", method, path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

// do sends req with the per-request timeout and maps the outcome onto an
// *Error. Authenticated calls are refused locally while the session is
// invalidated.
func (c *Client) do(req *http.Request, authed bool) ([]byte, error) {
	if authed {
		token, ok := c.token()
		if !ok {
			return nil, &Error{Kind: KindUnauthorized, Detail: "session invalidated; re-authenticate"}
		}
		addAuthHeader(req, token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Accept-Version", APIVersion)
	}

	parent := req.Context()
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()
	req = req.WithContext(ctx)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(parent, req, err)
	}
	defer resp.Body.Close()

	c.checkVersion(resp)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.transportError(parent, req, err)
	}

	c.logger.Debug("api request",
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	apiErr := &Error{StatusCode: resp.StatusCode, Detail: errorDetail(body, resp.Status)}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		apiErr.Kind = KindUnauthorized
		if authed && c.session != nil {
			c.session.Invalidate()
			c.logger.Warn("remote rejected the session token; sync paused until re-authentication")
		}
	case resp.StatusCode == http.StatusNotFound:
		apiErr.Kind = KindNotFound
	case resp.StatusCode >= 500:
		apiErr.Kind = KindServerError
	default:
		apiErr.Kind = KindUnknown
	}
	return nil, apiErr
}

func (c *Client) token() (string, bool) {
	if c.session == nil {
		return "", true
	}
	return c.session.Token()
}

// transportError classifies a failure before a status code was seen. A
// cancelled caller context is returned as-is.
func (c *Client) transportError(parent context.Context, req *http.Request, err error) error {
	if perr := parent.Err(); perr != nil {
		return perr
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Kind: KindTimeout, Detail: fmt.Sprintf("%s %s exceeded %s", req.Method, req.URL.Path, c.timeout), Err: err}
	}
	return &Error{Kind: KindNoConnection, Err: err}
}

// checkVersion logs a response that advertises a different major version.
// It is logged once per client.
func (c *Client) checkVersion(resp *http.Response) {
	v := strings.TrimSpace(resp.Header.Get(versionHeader))
	if v == "" {
		return
	}
	major := strings.TrimPrefix(strings.SplitN(v, ".", 2)[0], "v")
	if major == APIVersion {
		return
	}
	if c.driftLogged.CompareAndSwap(false, true) {
		c.logger.Warn("api contract drift",
			slog.String("expected", APIVersion),
			slog.String("got", v),
		)
	}
}

// errorDetail extracts a readable message from an error body. FastAPI-style
// {"detail": "..."} and {"error": "..."} shapes are understood.
func errorDetail(body []byte, fallback string) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		var s string
		if len(payload.Detail) > 0 && json.Unmarshal(payload.Detail, &s) == nil && s != "" {
			return s
		}
		if len(payload.Detail) > 0 && string(payload.Detail) != "null" {
			return string(payload.Detail)
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" && len(text) < 512 {
		return text
	}
	return fallback
}

func addAuthHeader(req *http.Request, token string) {
	if strings.TrimSpace(token) == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}
