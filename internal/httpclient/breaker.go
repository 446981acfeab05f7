package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	agenterrors "agentcore/internal/errors"
	"agentcore/internal/logging"
)

// New builds an HTTP client whose transport logs failed round trips.
func New(timeout time.Duration, logger logging.Logger) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &loggingRoundTripper{base: http.DefaultTransport.(*http.Transport).Clone(), logger: logging.OrNop(logger)},
	}
}

type loggingRoundTripper struct {
	base   http.RoundTripper
	logger logging.Logger
}

func (t *loggingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		t.logger.Debug("%s %s failed after %s: %v", req.Method, req.URL.Redacted(), time.Since(start).Round(time.Millisecond), err)
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		t.logger.Debug("%s %s -> %d", req.Method, req.URL.Redacted(), resp.StatusCode)
	}
	return resp, nil
}

type circuitBreakerRoundTripper struct {
	base    http.RoundTripper
	breaker *agenterrors.CircuitBreaker
}

// NewWithCircuitBreaker builds an HTTP client guarded by a circuit breaker.
func NewWithCircuitBreaker(timeout time.Duration, logger logging.Logger, name string) *http.Client {
	config := agenterrors.DefaultCircuitBreakerConfig()
	config.Logger = logger
	return NewWithCircuitBreakerConfig(timeout, logger, name, config)
}

// NewWithCircuitBreakerConfig builds an HTTP client guarded by a custom circuit breaker config.
func NewWithCircuitBreakerConfig(timeout time.Duration, logger logging.Logger, name string, config agenterrors.CircuitBreakerConfig) *http.Client {
	client := New(timeout, logger)
	client.Transport = WrapTransportWithCircuitBreaker(client.Transport, name, config)
	return client
}

// WrapTransportWithCircuitBreaker wraps a transport with circuit breaker protection.
// An open circuit fails requests with a transient runtime error.
func WrapTransportWithCircuitBreaker(base http.RoundTripper, name string, config agenterrors.CircuitBreakerConfig) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if name == "" {
		name = "http-client"
	}
	return &circuitBreakerRoundTripper{
		base:    base,
		breaker: agenterrors.NewCircuitBreaker(name, config),
	}
}

func (t *circuitBreakerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if err := t.breaker.Allow(); err != nil {
		return nil, err
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			t.breaker.Mark(nil)
			return nil, err
		}
		t.breaker.Mark(err)
		return nil, err
	}
	if isBreakerFailureStatus(resp.StatusCode) {
		t.breaker.Mark(fmt.Errorf("http status %d", resp.StatusCode))
	} else {
		t.breaker.Mark(nil)
	}
	return resp, nil
}

func isBreakerFailureStatus(status int) bool {
	return status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
}
