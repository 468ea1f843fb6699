package httpclient

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// New creates an HTTP client tuned for outbound service-to-service communication.
func New(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// NewResty wraps the tuned transport in a resty client for a single collaborator.
// Only transport failures and 5xx responses are retried.
func NewResty(baseURL string, timeout time.Duration, retries int) *resty.Client {
	return resty.NewWithClient(New(timeout)).
		SetBaseURL(baseURL).
		SetRetryCount(retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return IsRetriable(err)
			}
			return resp != nil && resp.StatusCode() >= http.StatusInternalServerError
		})
}

// Retry executes fn with simple exponential backoff retry semantics.
func Retry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts <= 1 {
		return fn()
	}

	var err error
	delay := baseDelay
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err = fn()
		if err == nil {
			return nil
		}

		// Do not sleep after last attempt
		if i == attempts-1 {
			break
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		// exponential backoff with cap
		delay *= 2
		if delay > 2*time.Second {
			delay = 2 * time.Second
		}
	}

	return err
}

// IsRetriable determines if the error is worth retrying.
func IsRetriable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
