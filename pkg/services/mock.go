package services

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"git.srvlab.io/whiskey/volume-attacher/pkg/utils"
)

// MockDirectory is an in-memory Directory for tests
type MockDirectory struct {
	mu       sync.Mutex
	stacks   []Stack
	services map[string]*Service // keyed by resource URI
	posts    []string
	errs     map[string]error
}

// NewMockDirectory creates an empty directory
func NewMockDirectory() *MockDirectory {
	return &MockDirectory{
		services: make(map[string]*Service),
		errs:     make(map[string]error),
	}
}

// AddService registers service name with state under stack and returns its URI
func (m *MockDirectory) AddService(stack, name, state string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	uri := fmt.Sprintf("/api/app/v1/service/%s-%s/", stack, name)
	m.services[uri] = &Service{Name: name, State: state, ResourceURI: uri}

	for i := range m.stacks {
		if m.stacks[i].Name == stack {
			m.stacks[i].Services = append(m.stacks[i].Services, uri)
			return uri
		}
	}
	m.stacks = append(m.stacks, Stack{Name: stack, Services: []string{uri}})
	return uri
}

// SetError makes calls whose operation ("list", "get", "stop", "redeploy") matches op fail
func (m *MockDirectory) SetError(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[op] = err
}

// Posts returns every action URI posted so far, in order
func (m *MockDirectory) Posts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.posts...)
}

// State returns the current state of the service at uri
func (m *MockDirectory) State(uri string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if svc, ok := m.services[uri]; ok {
		return svc.State
	}
	return ""
}

func (m *MockDirectory) ListStacks(ctx context.Context) ([]Stack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs["list"]; err != nil {
		return nil, err
	}
	out := make([]Stack, len(m.stacks))
	for i, s := range m.stacks {
		out[i] = Stack{Name: s.Name, Services: append([]string(nil), s.Services...)}
	}
	return out, nil
}

func (m *MockDirectory) GetService(ctx context.Context, uri string) (Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs["get"]; err != nil {
		return Service{}, err
	}
	svc, ok := m.services[uri]
	if !ok {
		return Service{}, fmt.Errorf("%w: %s", utils.ErrServiceNotFound, uri)
	}
	return *svc, nil
}

func (m *MockDirectory) Post(ctx context.Context, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var action, resource string
	for _, a := range []string{"stop", "redeploy"} {
		if strings.HasSuffix(uri, a+"/") {
			action, resource = a, strings.TrimSuffix(uri, a+"/")
		}
	}
	if action == "" {
		return fmt.Errorf("%w: unknown action %s", utils.ErrInvalidParameter, uri)
	}
	if err := m.errs[action]; err != nil {
		return err
	}
	svc, ok := m.services[resource]
	if !ok {
		return fmt.Errorf("%w: %s", utils.ErrServiceNotFound, resource)
	}

	m.posts = append(m.posts, uri)
	if action == "stop" {
		svc.State = StateStopped
	} else {
		svc.State = "Running"
	}
	return nil
}
