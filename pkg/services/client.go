package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/volume-attacher/pkg/circuitbreaker"
	"git.srvlab.io/whiskey/volume-attacher/pkg/utils"
)

const (
	// DefaultBaseURL is the service directory endpoint
	DefaultBaseURL = "https://cloud.docker.com"

	// StacksPath lists the stacks visible to the credentials
	StacksPath = "/api/app/v1/stack/"

	// requestTimeout bounds a single HTTP round trip
	requestTimeout = 15 * time.Second

	// maxRetryTime bounds all attempts of one request
	maxRetryTime = 30 * time.Second

	// maxErrorBody is how much of an error response body is kept for the error message
	maxErrorBody = 512
)

// StatusError is returned for non-2xx responses
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Temporary reports whether the request may succeed if repeated
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Stack is a named group of services
type Stack struct {
	Name     string   `json:"name"`
	Services []string `json:"services"`
}

// Service is a deployed service as reported by the directory
type Service struct {
	Name        string `json:"name"`
	State       string `json:"state"`
	ResourceURI string `json:"resource_uri"`
}

type stackPage struct {
	Meta struct {
		Next string `json:"next"`
	} `json:"meta"`
	Objects []Stack `json:"objects"`
}

// Client talks to the service directory API. Requests are retried with exponential
// backoff on transport errors and 5xx/429 responses, behind a circuit breaker keyed
// by host.
type Client struct {
	baseURL    *url.URL
	auth       string
	httpClient *http.Client
	breaker    *circuitbreaker.EndpointCircuitBreaker
	newBackoff func() backoff.BackOff
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithBackoff sets the retry policy for a single request
func WithBackoff(newBackoff func() backoff.BackOff) ClientOption {
	return func(c *Client) {
		c.newBackoff = newBackoff
	}
}

// WithCircuitBreaker sets the circuit breaker shared by all requests
func WithCircuitBreaker(breaker *circuitbreaker.EndpointCircuitBreaker) ClientOption {
	return func(c *Client) {
		c.breaker = breaker
	}
}

// NewClient creates a directory client. auth is sent verbatim as the Authorization header.
func NewClient(baseURL, auth string, opts ...ClientOption) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: service directory URL %q: %w", utils.ErrInvalidConfig, baseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: service directory URL %q must be http(s)://host", utils.ErrInvalidConfig, baseURL)
	}

	c := &Client{
		baseURL:    u,
		auth:       auth,
		httpClient: &http.Client{Timeout: requestTimeout},
		newBackoff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 500 * time.Millisecond
			bo.MaxInterval = 5 * time.Second
			bo.MaxElapsedTime = maxRetryTime
			return bo
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.breaker == nil {
		settings := circuitbreaker.DefaultSettings()
		// A 4xx is an answer from a healthy server
		settings.IsSuccessful = func(err error) bool {
			var se *StatusError
			return err == nil || errors.As(err, &se) && !se.Temporary()
		}
		c.breaker = circuitbreaker.NewEndpointCircuitBreaker(settings)
	}
	return c, nil
}

// ListStacks returns every stack, following pagination
func (c *Client) ListStacks(ctx context.Context) ([]Stack, error) {
	var stacks []Stack
	next := StacksPath
	for next != "" {
		var page stackPage
		if err := c.do(ctx, http.MethodGet, next, &page); err != nil {
			return nil, fmt.Errorf("failed to list stacks: %w", err)
		}
		stacks = append(stacks, page.Objects...)
		next = page.Meta.Next
	}
	klog.V(4).Infof("Service directory returned %d stacks", len(stacks))
	return stacks, nil
}

// GetService fetches the service at uri (as listed in a Stack). A 404 is reported
// as ErrServiceNotFound.
func (c *Client) GetService(ctx context.Context, uri string) (Service, error) {
	var svc Service
	err := c.do(ctx, http.MethodGet, uri, &svc)
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return Service{}, fmt.Errorf("%w: %s", utils.ErrServiceNotFound, uri)
	}
	if err != nil {
		return Service{}, fmt.Errorf("failed to get service %s: %w", uri, err)
	}
	if svc.ResourceURI == "" {
		svc.ResourceURI = uri
	}
	return svc, nil
}

// Post issues an action (e.g. "<resource_uri>stop/") without a body
func (c *Client) Post(ctx context.Context, uri string) error {
	return c.do(ctx, http.MethodPost, uri, nil)
}

// resolve turns a directory-relative path or an absolute URL into a request URL
func (c *Client) resolve(uri string) (*url.URL, error) {
	ref, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: resource uri %q: %w", utils.ErrInvalidParameter, uri, err)
	}
	return c.baseURL.ResolveReference(ref), nil
}

func (c *Client) do(ctx context.Context, method, uri string, out any) error {
	target, err := c.resolve(uri)
	if err != nil {
		return err
	}

	return c.breaker.Execute(ctx, target.Host, func() error {
		attempt := 0
		op := func() error {
			attempt++
			err := c.roundTrip(ctx, method, target, out)
			if err == nil {
				return nil
			}
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			klog.V(4).Infof("%s %s attempt %d failed, retrying: %v", method, target.Path, attempt, err)
			return err
		}
		return backoff.Retry(op, backoff.WithContext(c.newBackoff(), ctx))
	})
}

func (c *Client) roundTrip(ctx context.Context, method string, target *url.URL, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, target.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.auth != "" {
		req.Header.Set("Authorization", c.auth)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Method:     method,
			Path:       target.Path,
			StatusCode: resp.StatusCode,
			Body:       utils.SanitizeErrorMessage(strings.TrimSpace(string(body))),
		}
	}

	klog.V(5).Infof("%s %s -> %d", method, target.Path, resp.StatusCode)
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", target.Path, err)
	}
	return nil
}

// retryable reports whether err is worth another attempt
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
