package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"k8s.io/klog/v2"
)

const (
	// DefaultConsecutiveFailures is the number of failures before circuit opens
	DefaultConsecutiveFailures = 3

	// DefaultTimeout is how long circuit stays open before allowing a retry
	DefaultTimeout = 30 * time.Second

	// DefaultInterval is the cyclic period of closed state to clear failure counts
	DefaultInterval = 1 * time.Minute
)

// ErrCircuitOpen is returned when a call is rejected without being attempted
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Settings tunes the breakers created by an EndpointCircuitBreaker
type Settings struct {
	ConsecutiveFailures uint32
	Timeout             time.Duration
	Interval            time.Duration

	// IsSuccessful classifies errors that should not count as failures
	// (e.g. a 404 from an otherwise healthy endpoint). Nil counts every error.
	IsSuccessful func(err error) bool
}

// DefaultSettings returns the production breaker settings
func DefaultSettings() Settings {
	return Settings{
		ConsecutiveFailures: DefaultConsecutiveFailures,
		Timeout:             DefaultTimeout,
		Interval:            DefaultInterval,
	}
}

// EndpointCircuitBreaker manages per-endpoint circuit breakers so a failing remote
// API stops being hammered by retry loops
type EndpointCircuitBreaker struct {
	settings Settings
	breakers map[string]*gobreaker.CircuitBreaker
	mu       sync.RWMutex
}

// NewEndpointCircuitBreaker creates a new per-endpoint circuit breaker manager
func NewEndpointCircuitBreaker(settings Settings) *EndpointCircuitBreaker {
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = DefaultConsecutiveFailures
	}
	return &EndpointCircuitBreaker{
		settings: settings,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// getBreaker returns or creates a circuit breaker for the given endpoint
func (ecb *EndpointCircuitBreaker) getBreaker(endpoint string) *gobreaker.CircuitBreaker {
	ecb.mu.RLock()
	cb, exists := ecb.breakers[endpoint]
	ecb.mu.RUnlock()

	if exists {
		return cb
	}

	ecb.mu.Lock()
	defer ecb.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists := ecb.breakers[endpoint]; exists {
		return cb
	}

	threshold := ecb.settings.ConsecutiveFailures
	settings := gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: 1, // Only 1 request allowed in half-open state
		Interval:    ecb.settings.Interval,
		Timeout:     ecb.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: ecb.settings.IsSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			klog.Infof("Circuit breaker for endpoint %s: %s -> %s", name, from, to)
		},
	}

	cb = gobreaker.NewCircuitBreaker(settings)
	ecb.breakers[endpoint] = cb
	klog.V(4).Infof("Created circuit breaker for endpoint %s", endpoint)
	return cb
}

// Execute runs the given function with circuit breaker protection.
// Returns an error wrapping ErrCircuitOpen if the call was rejected.
func (ecb *EndpointCircuitBreaker) Execute(ctx context.Context, endpoint string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cb := ecb.getBreaker(endpoint)

	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})

	if errors.Is(err, gobreaker.ErrOpenState) {
		return fmt.Errorf("%w: endpoint %s had %d consecutive failures",
			ErrCircuitOpen, endpoint, ecb.settings.ConsecutiveFailures)
	}

	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: endpoint %s is half-open with a request in progress",
			ErrCircuitOpen, endpoint)
	}

	return err
}

// Reset discards the breaker for endpoint so the next call starts closed
func (ecb *EndpointCircuitBreaker) Reset(endpoint string) bool {
	ecb.mu.Lock()
	defer ecb.mu.Unlock()

	if _, exists := ecb.breakers[endpoint]; exists {
		delete(ecb.breakers, endpoint)
		klog.Infof("Circuit breaker reset for endpoint %s", endpoint)
		return true
	}
	return false
}

// State returns the current state of the circuit breaker for an endpoint.
// Returns "closed" if no breaker exists (default safe state).
func (ecb *EndpointCircuitBreaker) State(endpoint string) string {
	ecb.mu.RLock()
	cb, exists := ecb.breakers[endpoint]
	ecb.mu.RUnlock()

	if !exists {
		return "closed"
	}

	return cb.State().String()
}
