package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	edgesync "github.com/soilsnap/edge/internal/sync"
	"github.com/soilsnap/edge/internal/types"
)

// ErrEdgeUnreachable is returned when no connection to the edge process
// could be made. A request that reached the edge and then failed or timed
// out is not unreachable.
var ErrEdgeUnreachable = errors.New("edge unreachable")

// EdgeClient calls the edge control routes. It implements
// queue.SyncRegistrar and queue.Messenger.
type EdgeClient struct {
	baseURL  string
	apiKey   string
	clientID string
	client   *http.Client
}

// NewEdgeClient creates a client for the edge at baseURL.
func NewEdgeClient(baseURL, apiKey, clientID string, timeout time.Duration) *EdgeClient {
	return &EdgeClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		clientID: clientID,
		client:   &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the edge base URL.
func (e *EdgeClient) BaseURL() string { return e.baseURL }

// Health fetches the edge health report.
func (e *EdgeClient) Health(ctx context.Context) (types.HealthResponse, error) {
	var out types.HealthResponse
	err := e.sendRequest(ctx, http.MethodGet, "/_sw/health", nil, &out)
	return out, err
}

// Pending lists the operations queued in the edge's store.
func (e *EdgeClient) Pending(ctx context.Context) (types.PendingListResponse, error) {
	var out types.PendingListResponse
	err := e.sendRequest(ctx, http.MethodGet, "/_sw/pending", nil, &out)
	return out, err
}

// Register registers a background-sync tag with the edge.
func (e *EdgeClient) Register(ctx context.Context, tag string) error {
	return e.sendRequest(ctx, http.MethodPost, "/_sw/sync", types.SyncRegistration{Tag: tag}, nil)
}

// PostMessage posts msg to the edge worker. The worker acknowledges at once
// and handles the message in the background.
func (e *EdgeClient) PostMessage(ctx context.Context, msg edgesync.Message) error {
	return e.sendRequest(ctx, http.MethodPost, "/_sw/message", msg, nil)
}

// sendRequest sends an authenticated JSON request and decodes a 2xx reply
// into out when out is non-nil.
func (e *EdgeClient) sendRequest(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	e.setHeaders(req.Header)

	resp, err := e.client.Do(req)
	if err != nil {
		if dialFailed(err) {
			return fmt.Errorf("%w: %s %s: %w", ErrEdgeUnreachable, method, path, err)
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(detail))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// dialFailed reports whether err happened while connecting, before any byte
// of the request was sent.
func dialFailed(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func (e *EdgeClient) setHeaders(h http.Header) {
	if e.apiKey != "" {
		h.Set("Authorization", "Bearer "+e.apiKey)
	}
	if e.clientID != "" {
		h.Set("X-Soilsnap-Client", e.clientID)
	}
}

func (e *EdgeClient) websocketURL() string {
	u := strings.Replace(e.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/_sw/ws"
}
