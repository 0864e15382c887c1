// Package gateway talks to the upstream SoilSnap origin.
//
// Two failure classes are kept apart: a transport failure (the origin could
// not be reached) is returned as an error wrapping ErrUnreachable, while a
// response with a non-2xx status is a successful round trip reported through
// the result value.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/soilsnap/edge/internal/cache"
	"github.com/soilsnap/edge/internal/types"
)

// ErrUnreachable marks a request that never produced an HTTP response.
var ErrUnreachable = errors.New("upstream unreachable")

// Client sends requests to the upstream origin.
type Client struct {
	origin     *url.URL
	http       *http.Client
	healthPath string
}

// New returns a client for origin. A zero timeout means no client timeout.
func New(origin string, timeout time.Duration, healthPath string) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(origin, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("origin %q must be an absolute http(s) URL", origin)
	}
	if healthPath == "" {
		healthPath = "/"
	}
	return &Client{
		origin:     u,
		http:       &http.Client{Timeout: timeout},
		healthPath: healthPath,
	}, nil
}

// Origin returns the upstream origin without a trailing slash.
func (c *Client) Origin() string {
	return c.origin.String()
}

// Resolve turns a root-relative or relative reference into an absolute URL
// on the origin. Absolute URLs are returned unchanged.
func (c *Client) Resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", ref, err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	return c.origin.ResolveReference(u).String(), nil
}

// Send replays a queued operation: method (default POST), a JSON content
// type and the JSON body ({} when absent).
func (c *Client) Send(ctx context.Context, op types.Operation) (types.SendResult, error) {
	target, err := c.Resolve(op.URL)
	if err != nil {
		return types.SendResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, op.EffectiveMethod(), target, bytes.NewReader(op.Payload()))
	if err != nil {
		return types.SendResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return types.SendResult{}, fmt.Errorf("%w: %s %s: %w", ErrUnreachable, req.Method, target, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return types.SendResult{
		OK:     resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status: resp.StatusCode,
	}, nil
}

// Fetch forwards an intercepted request to the origin and buffers the
// response. Any status is returned as an entry; only transport failures
// are errors.
func (c *Client) Fetch(ctx context.Context, r *http.Request) (cache.Entry, error) {
	target := c.Origin() + r.URL.RequestURI()

	var body io.Reader
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("build request: %w", err)
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	return c.do(req)
}

// FetchURL issues a GET for ref, resolved against the origin.
func (c *Client) FetchURL(ctx context.Context, ref string) (cache.Entry, error) {
	target, err := c.Resolve(ref)
	if err != nil {
		return cache.Entry{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept-Encoding", "identity")
	return c.do(req)
}

// PostJSON posts body to ref and buffers the response.
func (c *Client) PostJSON(ctx context.Context, ref string, body []byte) (cache.Entry, error) {
	target, err := c.Resolve(ref)
	if err != nil {
		return cache.Entry{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return cache.Entry{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (cache.Entry, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("%w: %s %s: %w", ErrUnreachable, req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("%w: read body: %w", ErrUnreachable, err)
	}

	ent := cache.Entry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     b,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(b),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

// Probe reports whether the origin answers on the health path. Any HTTP
// response counts as reachable.
func (c *Client) Probe(ctx context.Context) bool {
	ent, err := c.FetchURL(ctx, c.healthPath)
	return err == nil && ent.Status > 0
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
