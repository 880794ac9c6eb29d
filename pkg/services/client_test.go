package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.srvlab.io/whiskey/volume-attacher/pkg/circuitbreaker"
	"git.srvlab.io/whiskey/volume-attacher/pkg/utils"
)

const testAuth = "Basic dXNlcjphcGlrZXk="

// fastBackoff retries up to n times without waiting
func fastBackoff(n uint64) ClientOption {
	return WithBackoff(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, n)
	})
}

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Auth   string
}

type fakeServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

func newFakeServer(t *testing.T, handler http.HandlerFunc) *fakeServer {
	t.Helper()
	fs := &fakeServer{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fs.requests = append(fs.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Auth:   r.Header.Get("Authorization"),
		})
		fs.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) Requests() []recordedRequest {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]recordedRequest(nil), fs.requests...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewClient_InvalidURL(t *testing.T) {
	for _, raw := range []string{"ftp://example.com", "cloud.docker.com", "http://", "://bad"} {
		t.Run(raw, func(t *testing.T) {
			_, err := NewClient(raw, "")
			assert.ErrorIs(t, err, utils.ErrInvalidConfig)
		})
	}
}

func TestNewClient_DefaultURL(t *testing.T) {
	c, err := NewClient("", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, c.baseURL.String())
}

func TestListStacks_FollowsPagination(t *testing.T) {
	srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("offset") == "" {
			writeJSON(w, map[string]any{
				"meta":    map[string]any{"next": StacksPath + "?limit=1&offset=1"},
				"objects": []Stack{{Name: "web", Services: []string{"/api/app/v1/service/a/"}}},
			})
			return
		}
		writeJSON(w, map[string]any{
			"meta":    map[string]any{"next": nil},
			"objects": []Stack{{Name: "db", Services: []string{"/api/app/v1/service/b/"}}},
		})
	})

	c, err := NewClient(srv.URL, testAuth, fastBackoff(0))
	require.NoError(t, err)

	stacks, err := c.ListStacks(context.Background())
	require.NoError(t, err)
	require.Len(t, stacks, 2)
	assert.Equal(t, "web", stacks[0].Name)
	assert.Equal(t, "db", stacks[1].Name)

	reqs := srv.Requests()
	require.Len(t, reqs, 2)
	for _, r := range reqs {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, StacksPath, r.Path)
		assert.Equal(t, testAuth, r.Auth)
	}
	assert.Equal(t, "limit=1&offset=1", reqs[1].Query)
}

func TestGetService(t *testing.T) {
	srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/app/v1/service/abc/":
			writeJSON(w, Service{Name: "nginx", State: "Running", ResourceURI: "/api/app/v1/service/abc/"})
		case "/api/app/v1/service/norui/":
			writeJSON(w, map[string]string{"name": "worker", "state": "Stopped"})
		default:
			http.NotFound(w, r)
		}
	})

	c, err := NewClient(srv.URL, testAuth, fastBackoff(3))
	require.NoError(t, err)
	ctx := context.Background()

	svc, err := c.GetService(ctx, "/api/app/v1/service/abc/")
	require.NoError(t, err)
	assert.Equal(t, Service{Name: "nginx", State: "Running", ResourceURI: "/api/app/v1/service/abc/"}, svc)

	svc, err = c.GetService(ctx, "/api/app/v1/service/norui/")
	require.NoError(t, err)
	assert.Equal(t, "/api/app/v1/service/norui/", svc.ResourceURI, "listing URI is used when the body has none")

	_, err = c.GetService(ctx, "/api/app/v1/service/gone/")
	assert.ErrorIs(t, err, utils.ErrServiceNotFound)

	// 404 is permanent: one request only
	var gone int
	for _, r := range srv.Requests() {
		if r.Path == "/api/app/v1/service/gone/" {
			gone++
		}
	}
	assert.Equal(t, 1, gone)
}

func TestPost(t *testing.T) {
	srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	c, err := NewClient(srv.URL, testAuth, fastBackoff(0))
	require.NoError(t, err)

	require.NoError(t, c.Post(context.Background(), "/api/app/v1/service/abc/stop/"))
	assert.Equal(t, []recordedRequest{{
		Method: http.MethodPost,
		Path:   "/api/app/v1/service/abc/stop/",
		Auth:   testAuth,
	}}, srv.Requests())
}

func TestRetry(t *testing.T) {
	tests := []struct {
		name         string
		statuses     []int
		wantErr      bool
		wantRequests int
	}{
		{name: "recovers from 503", statuses: []int{503, 503, 200}, wantRequests: 3},
		{name: "recovers from 429", statuses: []int{429, 200}, wantRequests: 2},
		{name: "gives up after retries", statuses: []int{502, 502, 502, 502, 502}, wantErr: true, wantRequests: 4},
		{name: "400 is not retried", statuses: []int{400, 200}, wantErr: true, wantRequests: 1},
		{name: "401 is not retried", statuses: []int{401, 200}, wantErr: true, wantRequests: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
				n := int(calls.Add(1)) - 1
				status := tt.statuses[len(tt.statuses)-1]
				if n < len(tt.statuses) {
					status = tt.statuses[n]
				}
				w.WriteHeader(status)
			})

			c, err := NewClient(srv.URL, testAuth, fastBackoff(3))
			require.NoError(t, err)

			err = c.Post(context.Background(), "/api/app/v1/service/abc/redeploy/")
			if tt.wantErr {
				var se *StatusError
				require.ErrorAs(t, err, &se)
				assert.Equal(t, tt.statuses[0], se.StatusCode)
			} else {
				assert.NoError(t, err)
			}
			assert.Len(t, srv.Requests(), tt.wantRequests)
		})
	}
}

func TestErrorBodyIsSanitized(t *testing.T) {
	srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("rejected Authorization: Basic dXNlcjphcGlrZXk="))
	})

	c, err := NewClient(srv.URL, testAuth, fastBackoff(0))
	require.NoError(t, err)

	err = c.Post(context.Background(), "/api/app/v1/service/abc/stop/")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "dXNlcjphcGlrZXk=")
}

func TestCircuitBreakerOpens(t *testing.T) {
	srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	breaker := circuitbreaker.NewEndpointCircuitBreaker(circuitbreaker.Settings{
		ConsecutiveFailures: 2,
		Timeout:             time.Minute,
	})
	c, err := NewClient(srv.URL, testAuth, fastBackoff(0), WithCircuitBreaker(breaker))
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := c.Post(ctx, "/api/app/v1/service/abc/stop/")
		require.Error(t, err)
		assert.NotErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	}

	err = c.Post(ctx, "/api/app/v1/service/abc/stop/")
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Len(t, srv.Requests(), 2, "an open circuit must not reach the server")
}

func TestContextCanceled(t *testing.T) {
	srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	c, err := NewClient(srv.URL, testAuth)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = c.Post(ctx, "/api/app/v1/service/abc/stop/")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, srv.Requests())
}
