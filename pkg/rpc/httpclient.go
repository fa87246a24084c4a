package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/canopy-network/chatindex/pkg/utils"
)

// HTTPClient is a wrapper around an http.Client with a shared token bucket and one
// circuit breaker per endpoint. Calls fail over to the next endpoint in order.
type HTTPClient struct {
	endpoints []string
	client    *http.Client
	logger    *zap.Logger

	limiter  *rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker
}

// Opts is the set of options for a new HTTPClient.
type Opts struct {
	Endpoints       []string
	Timeout         time.Duration
	RPS             int
	Burst           int
	BreakerFailures uint32
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
	Logger          *zap.Logger
}

// statusError is a non-2xx answer. Only 5xx counts against the breaker.
type statusError struct {
	Endpoint string
	Code     int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: http %d", e.Endpoint, e.Code)
}

// NewHTTPWithOpts creates a new HTTPClient with the given options.
func NewHTTPWithOpts(o Opts) *HTTPClient {
	if o.RPS <= 0 {
		o.RPS = 20
	}
	if o.Burst <= 0 {
		o.Burst = 40
	}
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 3
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	} else if client.Timeout == 0 {
		client.Timeout = o.Timeout
	}

	c := &HTTPClient{
		endpoints: utils.Dedup(o.Endpoints),
		client:    client,
		logger:    o.Logger,
		limiter:   rate.NewLimiter(rate.Limit(o.RPS), o.Burst),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, ep := range c.endpoints {
		c.breakers[ep] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    ep,
			Timeout: o.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= o.BreakerFailures
			},
			IsSuccessful: func(err error) bool {
				var se *statusError
				if errors.As(err, &se) {
					return se.Code < http.StatusInternalServerError
				}
				return err == nil
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.logger.Warn("Ledger endpoint breaker changed state",
					zap.String("endpoint", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
	}
	return c
}

// getJSON sends a GET to the first endpoint whose breaker admits it and decodes the body into out.
// It moves on to the next endpoint on transport errors, non-2xx answers and undecodable bodies.
func (c *HTTPClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	if len(c.endpoints) == 0 {
		return fmt.Errorf("no endpoints configured")
	}

	var lastErr error
	for _, ep := range c.endpoints {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err := c.breakers[ep].Execute(func() (interface{}, error) {
			return nil, c.get(ctx, ep, path, query, out)
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Debug("Ledger request failed",
			zap.String("endpoint", ep),
			zap.String("path", path),
			zap.Error(err))
		lastErr = err
	}
	return lastErr
}

func (c *HTTPClient) get(ctx context.Context, ep, path string, query url.Values, out any) error {
	u := ep + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	// From here on, always drain+close the body before returning.
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{Endpoint: ep, Code: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode %s: %w", ep, path, err)
	}
	return nil
}
