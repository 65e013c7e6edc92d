// Package flowstats polls the controller's flow statistics API and turns the
// responses into labeled flow samples.
package flowstats

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"Go2NetLabel/internal/config"
	"Go2NetLabel/internal/model"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var errDecode = errors.New("undecodable stats response")

// Fetcher returns the current flow samples of the network.
type Fetcher interface {
	Fetch(ctx context.Context) ([]model.FlowSample, error)
}

// Client fetches GET {base}/flows through a circuit breaker wrapping a
// bounded retry. Every attempt is bounded by the request timeout.
type Client struct {
	url      string
	http     *http.Client
	timeout  time.Duration
	attempts uint
	cb       *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	logger   *zap.Logger
	now      func() time.Time
}

// NewClient creates a stats client from the collector config.
func NewClient(cfg config.FlowStatsConfig, logger *zap.Logger) *Client {
	logger = logger.Named("flowstats-client")

	attempts := cfg.RetryAttempts
	if attempts == 0 {
		attempts = 1
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	openFor := cfg.PollInterval * time.Duration(max(cfg.BackoffMultiplier, 1))

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "flowstats",
		MaxRequests: 1,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	return &Client{
		url:      strings.TrimRight(cfg.BaseURL, "/") + "/flows",
		http:     &http.Client{},
		timeout:  cfg.RequestTimeout,
		attempts: attempts,
		cb:       cb,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger,
		now:      time.Now,
	}
}

// URL returns the polled endpoint.
func (c *Client) URL() string { return c.url }

// Fetch performs one poll. While the breaker is open it fails fast with
// gobreaker.ErrOpenState.
func (c *Client) Fetch(ctx context.Context) ([]model.FlowSample, error) {
	res, err := c.cb.Execute(func() (interface{}, error) {
		var samples []model.FlowSample
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(c.attempts),
			retry.Delay(100*time.Millisecond),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool { return !errors.Is(err, errDecode) }),
		)
		err := r.Do(func() error {
			var fetchErr error
			samples, fetchErr = c.fetchOnce(ctx)
			return fetchErr
		})
		return samples, err
	})
	if err != nil {
		return nil, err
	}
	return res.([]model.FlowSample), nil
}

func (c *Client) fetchOnce(ctx context.Context) ([]model.FlowSample, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("stats request not sent: %w", err)
	}

	reqCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stats request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("stats API returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read stats response: %w", err)
	}

	samples, err := decodeFlows(body, c.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errDecode, err)
	}
	return samples, nil
}
