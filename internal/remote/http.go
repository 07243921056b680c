package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hyperengineering/ledgersync/internal/notify"
	"github.com/hyperengineering/ledgersync/internal/types"
	"github.com/sethvargo/go-retry"
)

const (
	// DefaultTimeout bounds each request.
	DefaultTimeout = 10 * time.Second

	defaultReconnectMin = time.Second
	defaultReconnectMax = time.Minute
)

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	BaseURL      string
	Tokens       TokenSource
	Timeout      time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// HTTPClient talks JSON to the ledger API and follows its event stream.
type HTTPClient struct {
	baseURL      string
	tokens       TokenSource
	timeout      time.Duration
	reconnectMin time.Duration
	reconnectMax time.Duration
	client       *http.Client
}

// NewHTTPClient creates an HTTPClient.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	c := &HTTPClient{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		tokens:       cfg.Tokens,
		timeout:      cfg.Timeout,
		reconnectMin: cfg.ReconnectMin,
		reconnectMax: cfg.ReconnectMax,
		// Per-request deadlines come from contexts; the stream has none.
		client: &http.Client{},
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.reconnectMin <= 0 {
		c.reconnectMin = defaultReconnectMin
	}
	if c.reconnectMax <= 0 {
		c.reconnectMax = defaultReconnectMax
	}
	return c
}

func ledgerPath(key string) string {
	return "/api/v1/ledgers/" + url.PathEscape(key)
}

// problem is the subset of an RFC 7807 body the client reads.
type problem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// do sends an authenticated request and decodes a 2xx JSON body into out.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	tok, err := token(ctx, c.tokens)
	if err != nil {
		return err
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return c.transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: decode response: %v", types.ErrUnavailable, err)
		}
		return nil
	}

	return statusError(resp)
}

// transportError maps a failed round trip. Caller cancellation is reported
// as is; anything else, including the per-call timeout, is ErrUnavailable.
func (c *HTTPClient) transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %v", types.ErrUnavailable, err)
}

func statusError(resp *http.Response) error {
	var p problem
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &p) != nil || p.Detail == "" {
		p.Detail = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", types.ErrNotFound, p.Detail)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", types.ErrUnauthenticated, p.Detail)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", types.ErrVersionConflict, p.Detail)
	case resp.StatusCode == http.StatusUnprocessableEntity, resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", types.ErrInvalidMutation, p.Detail)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("%w: server returned %d: %s", types.ErrUnavailable, resp.StatusCode, p.Detail)
	default:
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, p.Detail)
	}
}

// ReadSnapshot fetches the ledger's authoritative snapshot.
func (c *HTTPClient) ReadSnapshot(ctx context.Context, key string) (types.LedgerSnapshot, error) {
	var snap types.LedgerSnapshot
	if err := c.do(ctx, http.MethodGet, ledgerPath(key), nil, &snap); err != nil {
		return types.LedgerSnapshot{}, err
	}
	if snap.Earnings == nil {
		snap.Earnings = types.EmptySnapshot().Earnings
	}
	return snap, nil
}

// TransactionalUpdate writes next if the ledger is still at expectedVersion.
func (c *HTTPClient) TransactionalUpdate(ctx context.Context, key string, expectedVersion int64, next types.LedgerSnapshot) error {
	req := types.UpdateRequest{ExpectedVersion: expectedVersion, Snapshot: next}
	var resp types.UpdateResponse
	return c.do(ctx, http.MethodPut, ledgerPath(key), req, &resp)
}

// History returns a page of the ledger's commit log.
func (c *HTTPClient) History(ctx context.Context, key string, afterSeq int64, limit int) (*types.HistoryResponse, error) {
	q := url.Values{}
	q.Set("after", fmt.Sprint(afterSeq))
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp types.HistoryResponse
	if err := c.do(ctx, http.MethodGet, ledgerPath(key)+"/history?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server.
func (c *HTTPClient) Health(ctx context.Context) (*types.HealthResponse, error) {
	var resp types.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Subscribe follows the ledger's server-sent event stream. Interrupted
// streams reconnect with capped, jittered exponential backoff. A missing
// token fails immediately; a token rejected mid-stream is retried.
func (c *HTTPClient) Subscribe(ctx context.Context, key string) (<-chan types.LedgerSnapshot, error) {
	if _, err := token(ctx, c.tokens); err != nil {
		return nil, err
	}

	out := make(chan types.LedgerSnapshot, 1)
	go c.follow(ctx, key, out)
	return out, nil
}

func (c *HTTPClient) newBackoff() retry.Backoff {
	b := retry.NewExponential(c.reconnectMin)
	b = retry.WithCappedDuration(c.reconnectMax, b)
	return retry.WithJitterPercent(20, b)
}

func (c *HTTPClient) follow(ctx context.Context, key string, out chan types.LedgerSnapshot) {
	defer close(out)

	backoff := c.newBackoff()
	for {
		connected, err := c.stream(ctx, key, out)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = c.newBackoff()
		}

		delay, _ := backoff.Next()
		slog.Debug("ledger stream interrupted",
			"component", "remote",
			"action", "stream_reconnect",
			"ledger", key,
			"retry_in", delay.String(),
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// stream consumes one event-stream connection. connected reports whether
// the server accepted the stream before it ended.
func (c *HTTPClient) stream(ctx context.Context, key string, out chan types.LedgerSnapshot) (connected bool, err error) {
	tok, err := token(ctx, c.tokens)
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+ledgerPath(key)+"/events", nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, c.transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, statusError(resp)
	}

	err = readEvents(resp.Body, func(data []byte) {
		var snap types.LedgerSnapshot
		if jsonErr := json.Unmarshal(data, &snap); jsonErr != nil {
			slog.Warn("dropping malformed ledger event",
				"component", "remote",
				"ledger", key,
				"error", jsonErr,
			)
			return
		}
		notify.Offer(out, snap)
	})
	if err == nil {
		err = errors.New("stream closed by server")
	}
	return true, err
}

// readEvents parses a text/event-stream body, calling emit with the joined
// data lines of each event. Comments and other fields are ignored.
func readEvents(r io.Reader, emit func(data []byte)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	var data []byte
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				emit(data)
				data = nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			value := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, value...)
		}
	}
	return scanner.Err()
}
