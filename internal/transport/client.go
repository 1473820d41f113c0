// Package transport talks to the project backend over its REST API.
//
// Routes follow the backend's layout: a resource's records are listed under
// their project (/projects/{id}/{resource}) or organisation-wide
// (/{resource}), and a single record is addressed as /{resource}/{id}.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/keystonehq/keystone-sync/internal/syncerr"
	"github.com/rs/zerolog/log"
)

// maximum size of an error body kept for the error message
const errorBodyLimit = 4 << 10

type Client struct {
	base    *url.URL
	http    *http.Client
	token   string
	timeout time.Duration
}

type Option func(*Client)

// WithHTTPClient replaces the default client. Instrumentation of the client's
// transport is the caller's concern.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithToken sends token as a bearer credential on every request.
func WithToken(token string) Option {
	return func(cl *Client) {
		cl.token = token
	}
}

// WithTimeout bounds each request. Zero leaves requests bounded only by their
// context.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		cl.timeout = d
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend URL %q: scheme must be http or https", baseURL)
	}
	base.Path = strings.TrimSuffix(base.Path, "/")

	c := &Client{
		base: base,
		http: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// do sends a request and decodes a JSON response into out (when non-nil).
// Transport failures become NetworkError, non-2xx responses ServerError.
func (c *Client) do(ctx context.Context, op, method string, segments []string, body, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encoding request failed: %w", op, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(segments), reader)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return syncerr.NetworkError{Op: op, Cause: err}
	}
	defer func() {
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, errorBodyLimit))
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return syncerr.ServerError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(resp.Body),
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return syncerr.NetworkError{Op: op, Cause: err}
		}
		return fmt.Errorf("%s: decoding response failed: %w", op, err)
	}

	log.Ctx(ctx).Debug().Str("op", op).Int("status", resp.StatusCode).Msg("backend request complete")

	return nil
}

func (c *Client) endpoint(segments []string) string {
	escaped := make([]string, 0, len(segments)+1)
	escaped = append(escaped, c.base.Path)
	for _, s := range segments {
		escaped = append(escaped, url.PathEscape(s))
	}

	u := *c.base
	u.RawPath = strings.Join(escaped, "/")
	u.Path, _ = url.PathUnescape(u.RawPath)
	return u.String()
}

type errorResponse struct {
	Error string `json:"error"`
}

// errorMessage reads the backend's JSON error, falling back to the raw body.
func errorMessage(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, errorBodyLimit))
	if err != nil || len(raw) == 0 {
		return ""
	}

	var parsed errorResponse
	if json.Unmarshal(raw, &parsed) == nil && parsed.Error != "" {
		return parsed.Error
	}
	return strings.TrimSpace(string(raw))
}
