// Package router polls the network router for assignments.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/chunkmesh/chunkmesh/internal/transport"
	"github.com/chunkmesh/chunkmesh/pkg/proto"
)

// Options configures a Client.
type Options struct {
	URL       string
	AuthToken string
	Interval  time.Duration
	Reporter  *transport.Reporter
	Applier   transport.Applier
	Signer    *transport.Signer // optional
	Logger    zerolog.Logger
	HTTP      *http.Client // optional
}

// Client pings the router on an interval and applies the assignments it
// returns. A failed ping is retried on the next tick.
type Client struct {
	baseURL   string
	authToken string
	interval  time.Duration
	reporter  *transport.Reporter
	applier   transport.Applier
	signer    *transport.Signer
	logger    zerolog.Logger
	client    *http.Client
}

// New creates a router client.
func New(opts Options) *Client {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:   strings.TrimRight(opts.URL, "/"),
		authToken: opts.AuthToken,
		interval:  opts.Interval,
		reporter:  opts.Reporter,
		applier:   opts.Applier,
		signer:    opts.Signer,
		logger:    opts.Logger.With().Str("component", "router").Logger(),
		client:    opts.HTTP,
	}
}

// Run pings immediately and then on every interval until ctx is done.
func (c *Client) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	failures := 0
	for {
		if _, err := c.Ping(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			c.logger.Warn().Err(err).Int("consecutive_failures", failures).Msg("router ping failed")
		} else {
			if failures > 0 {
				c.logger.Info().Int("after_failures", failures).Msg("router reachable again")
			}
			failures = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Ping reports the worker state and applies the assignment in the response,
// if any. It reports whether an assignment was applied.
func (c *Client) Ping(ctx context.Context) (bool, error) {
	body, err := json.Marshal(c.reporter.Ping())
	if err != nil {
		return false, fmt.Errorf("marshal ping: %w", err)
	}

	req, err := transport.SignedRequest(http.MethodPost, c.baseURL+"/ping", body, c.signer)
	if err != nil {
		return false, err
	}
	req = req.WithContext(ctx)
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("send ping: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return false, nil
	default:
		return false, parseError(resp)
	}

	var result proto.PingResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	if result.Assignment == nil {
		return false, nil
	}
	return transport.Deliver(c.applier, *result.Assignment, "router", c.logger)
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var errResp proto.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		return fmt.Errorf("router returned %d: %s", resp.StatusCode, errResp.Error)
	}
	return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
