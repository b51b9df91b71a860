// Package wdclient is a minimal WebDriver client: just enough of the
// protocol to check that a driver is ready, open a session and quit it.
package wdclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jwriter"
	"github.com/oxtoacart/bpool"
	"github.com/tidwall/gjson"

	"github.com/grafana/xk6-webdriver/log"
)

const (
	defaultRequestTimeout = 60 * time.Second
	bufferPoolSize        = 64
)

// Client talks to WebDriver compatible drivers over HTTP.
// It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	bufPool    *bpool.BufferPool
	logger     *log.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used to reach drivers.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient returns a new WebDriver client.
func NewClient(logger *log.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		bufPool:    bpool.NewBufferPool(bufferPoolSize),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Status reports whether the driver at baseURL is ready to create sessions.
// Drivers that don't report readiness are considered ready once they answer.
func (c *Client) Status(ctx context.Context, baseURL string) (ready bool, err error) {
	res, err := c.do(ctx, http.MethodGet, baseURL+"/status", nil)
	if err != nil {
		return false, err
	}
	if r := res.Get("value.ready"); r.Exists() {
		return r.Bool(), nil
	}
	return true, nil
}

// NewSession asks the driver at baseURL to create a session with the given
// capabilities, and returns the new session ID.
func (c *Client) NewSession(ctx context.Context, baseURL string, caps easyjson.Marshaler) (string, error) {
	var w jwriter.Writer
	w.RawString(`{"capabilities":{"alwaysMatch":`)
	caps.MarshalEasyJSON(&w)
	w.RawString(`},"desiredCapabilities":`)
	caps.MarshalEasyJSON(&w)
	w.RawByte('}')
	body, err := w.BuildBytes()
	if err != nil {
		return "", fmt.Errorf("marshaling new session request: %w", err)
	}

	c.logger.Debugf("wdclient:NewSession", "url:%q body:%s", baseURL, body)

	res, err := c.do(ctx, http.MethodPost, baseURL+"/session", body)
	if err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}

	// W3C drivers nest the session ID in value, legacy ones don't.
	id := res.Get("value.sessionId").String()
	if id == "" {
		id = res.Get("sessionId").String()
	}
	if id == "" {
		return "", fmt.Errorf("creating session: no session ID in response: %s", res.Raw)
	}

	return id, nil
}

// Quit ends the session, which closes all of its browser windows.
// Quitting a session the driver doesn't know about is not an error.
func (c *Client) Quit(ctx context.Context, baseURL, sessionID string) error {
	c.logger.Debugf("wdclient:Quit", "url:%q sid:%q", baseURL, sessionID)

	_, err := c.do(ctx, http.MethodDelete, baseURL+"/session/"+sessionID, nil)
	if IsInvalidSession(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("quitting session %q: %w", sessionID, err)
	}
	return nil
}

// Shutdown asks the driver to exit. Not every driver supports it.
func (c *Client) Shutdown(ctx context.Context, baseURL string) error {
	_, err := c.do(ctx, http.MethodGet, baseURL+"/shutdown", nil)
	return err
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) (gjson.Result, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("building %s %s request: %w", method, url, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	buf := c.bufPool.Get()
	defer c.bufPool.Put(buf)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return gjson.Result{}, fmt.Errorf("reading %s %s response: %w", method, url, err)
	}

	// ParseBytes copies the body, so the result outlives buf.
	res := gjson.ParseBytes(buf.Bytes())
	if err := responseError(resp.StatusCode, res); err != nil {
		return gjson.Result{}, err
	}

	return res, nil
}

func responseError(statusCode int, res gjson.Result) error {
	// W3C error
	if code := res.Get("value.error"); code.Exists() && code.String() != "" {
		return &Error{
			StatusCode: statusCode,
			Code:       code.String(),
			Message:    res.Get("value.message").String(),
		}
	}
	// legacy JSON wire protocol error
	if st := res.Get("status"); st.Exists() && st.Int() != 0 {
		return &Error{
			StatusCode: statusCode,
			Code:       legacyCode(st.Int()),
			Message:    res.Get("value.message").String(),
		}
	}
	if statusCode >= http.StatusBadRequest {
		return &Error{
			StatusCode: statusCode,
			Code:       strings.ToLower(http.StatusText(statusCode)),
			Message:    res.Raw,
		}
	}
	return nil
}
