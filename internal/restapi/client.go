package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

const maxErrorBody = 512

// Client talks to the notification REST endpoints. It is used by the poll
// loop and as the fallback for actions that normally go over the live channel.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  oauth2.TokenSource
	breaker *CircuitBreaker
	timeout time.Duration
	logger  zerolog.Logger
}

// Options configures a Client
type Options struct {
	Timeout        time.Duration
	CircuitBreaker CircuitBreakerConfig
	// BaseClient is wrapped by the bearer transport; nil uses http.DefaultClient
	BaseClient *http.Client
}

// NewClient creates a client authenticating every request with tokens from ts
func NewClient(baseURL string, ts oauth2.TokenSource, opts Options, logger zerolog.Logger) *Client {
	base := opts.BaseClient
	if base == nil {
		base = http.DefaultClient
	}
	// no ReuseTokenSource: session tokens carry no expiry and rotate on re-login
	httpClient := &http.Client{
		Transport:     &oauth2.Transport{Base: base.Transport, Source: ts},
		CheckRedirect: base.CheckRedirect,
		Jar:           base.Jar,
		Timeout:       base.Timeout,
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		tokens:  ts,
		breaker: NewCircuitBreaker(opts.CircuitBreaker),
		timeout: opts.Timeout,
		logger:  logger.With().Str("component", "restapi").Logger(),
	}
}

// StaticToken returns a token source for a fixed bearer token
func StaticToken(token string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
}

// UnreadCount fetches the number of unread notifications
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/notifications/unread-count", nil, &raw); err != nil {
		return 0, err
	}

	// bare number or {"count": n}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var resp countResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, fmt.Errorf("failed to parse unread count: %w", err)
	}
	switch {
	case resp.Count != nil:
		return *resp.Count, nil
	case resp.UnreadCount != nil:
		return *resp.UnreadCount, nil
	default:
		return 0, fmt.Errorf("unread count missing from response")
	}
}

// List fetches one page of notifications
func (c *Client) List(ctx context.Context, q ListQuery) (*Page, error) {
	params := url.Values{}
	if q.Status != "" {
		params.Set("status", string(q.Status))
	}
	params.Set("page", strconv.Itoa(q.Page))
	if q.Size > 0 {
		params.Set("size", strconv.Itoa(q.Size))
	}

	var page Page
	if err := c.do(ctx, http.MethodGet, "/notifications?"+params.Encode(), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// MarkRead marks one notification as read
func (c *Client) MarkRead(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPut, "/notifications/"+strconv.FormatInt(id, 10)+"/read", nil, nil)
}

// MarkAllRead marks every notification of the user as read
func (c *Client) MarkAllRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "/notifications/read-all", nil, nil)
}

// Delete removes one notification
func (c *Client) Delete(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, "/notifications/"+strconv.FormatInt(id, 10), nil, nil)
}

// BreakerState returns the circuit breaker state
func (c *Client) BreakerState() string {
	return c.breaker.State()
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	// missing credentials say nothing about backend health
	if _, err := c.tokens.Token(); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	// every allowed request must end in RecordSuccess or RecordFailure
	if !c.breaker.AllowRequest() {
		return ErrCircuitOpen
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		c.logger.Debug().Err(err).Str("method", method).Str("path", path).Msg("request failed")
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("request")

	if resp.StatusCode >= 500 {
		c.breaker.RecordFailure()
	} else {
		c.breaker.RecordSuccess()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
