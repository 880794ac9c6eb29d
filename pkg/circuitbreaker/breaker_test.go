package circuitbreaker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestEndpointCircuitBreaker_Success(t *testing.T) {
	ecb := NewEndpointCircuitBreaker(DefaultSettings())
	ctx := context.Background()

	err := ecb.Execute(ctx, "cloud.example.com", func() error {
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error for success, got: %v", err)
	}
}

func TestEndpointCircuitBreaker_OpensAfterFailures(t *testing.T) {
	ecb := NewEndpointCircuitBreaker(DefaultSettings())
	ctx := context.Background()
	testErr := errors.New("test failure")

	// Fail 3 times to open circuit
	for i := 0; i < DefaultConsecutiveFailures; i++ {
		err := ecb.Execute(ctx, "api-fail", func() error {
			return testErr
		})
		if err != testErr {
			t.Errorf("Iteration %d: expected test error, got: %v", i, err)
		}
	}

	called := false
	err := ecb.Execute(ctx, "api-fail", func() error {
		called = true
		return nil
	})

	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Expected ErrCircuitOpen, got: %v", err)
	}
	if called {
		t.Error("fn must not run while the circuit is open")
	}
	if !strings.Contains(err.Error(), "api-fail") {
		t.Errorf("Error message should name the endpoint: %s", err)
	}
	if ecb.State("api-fail") != "open" {
		t.Errorf("Expected state open, got %s", ecb.State("api-fail"))
	}
}

func TestEndpointCircuitBreaker_IsolatesEndpoints(t *testing.T) {
	ecb := NewEndpointCircuitBreaker(DefaultSettings())
	ctx := context.Background()

	for i := 0; i < DefaultConsecutiveFailures; i++ {
		_ = ecb.Execute(ctx, "bad", func() error { return errors.New("boom") })
	}

	if err := ecb.Execute(ctx, "good", func() error { return nil }); err != nil {
		t.Errorf("Healthy endpoint should not be affected: %v", err)
	}
	if ecb.State("good") != "closed" {
		t.Errorf("Expected good endpoint closed, got %s", ecb.State("good"))
	}
}

func TestEndpointCircuitBreaker_IsSuccessful(t *testing.T) {
	notFound := errors.New("404")
	ecb := NewEndpointCircuitBreaker(Settings{
		ConsecutiveFailures: 2,
		Timeout:             time.Minute,
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, notFound)
		},
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := ecb.Execute(ctx, "api", func() error { return notFound }); !errors.Is(err, notFound) {
			t.Fatalf("Iteration %d: expected notFound, got %v", i, err)
		}
	}
	if ecb.State("api") != "closed" {
		t.Errorf("Errors classified as successful must not trip the breaker, state=%s", ecb.State("api"))
	}
}

func TestEndpointCircuitBreaker_Reset(t *testing.T) {
	ecb := NewEndpointCircuitBreaker(DefaultSettings())
	ctx := context.Background()

	for i := 0; i < DefaultConsecutiveFailures; i++ {
		_ = ecb.Execute(ctx, "api", func() error { return errors.New("boom") })
	}

	if !ecb.Reset("api") {
		t.Error("Reset should report an existing breaker")
	}
	if ecb.Reset("api") {
		t.Error("Second reset should find nothing")
	}
	if err := ecb.Execute(ctx, "api", func() error { return nil }); err != nil {
		t.Errorf("Expected fresh breaker after reset, got %v", err)
	}
}

func TestEndpointCircuitBreaker_CanceledContext(t *testing.T) {
	ecb := NewEndpointCircuitBreaker(DefaultSettings())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ecb.Execute(ctx, "api", func() error {
		t.Error("fn must not run with a canceled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestEndpointCircuitBreaker_DefaultState(t *testing.T) {
	ecb := NewEndpointCircuitBreaker(Settings{})
	if ecb.State("unknown") != "closed" {
		t.Errorf("Expected closed for unknown endpoint, got %s", ecb.State("unknown"))
	}
}
