// Package services stops the services that use a volume before it is (re)mounted and
// redeploys them afterwards, through a Docker Cloud style service directory.
package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/volume-attacher/pkg/observability"
	"git.srvlab.io/whiskey/volume-attacher/pkg/security"
	"git.srvlab.io/whiskey/volume-attacher/pkg/utils"
)

// StateStopped is the directory state of a service that is not running
const StateStopped = "Stopped"

// Directory is the subset of the service directory API the Gate needs
type Directory interface {
	ListStacks(ctx context.Context) ([]Stack, error)
	GetService(ctx context.Context, uri string) (Service, error)
	Post(ctx context.Context, uri string) error
}

// Target names a service as "stack.service"
type Target struct {
	Stack   string
	Service string
}

func (t Target) String() string {
	return t.Stack + "." + t.Service
}

// ParseTargets parses a comma-separated "stack.service" list. Blank entries are ignored.
func ParseTargets(list string) ([]Target, error) {
	var targets []Target
	seen := make(map[Target]bool)
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		stack, service, ok := strings.Cut(entry, ".")
		if !ok || stack == "" || service == "" || strings.Contains(service, ".") {
			return nil, fmt.Errorf("%w: service %q is not in stack.service form", utils.ErrInvalidConfig, entry)
		}
		t := Target{Stack: stack, Service: service}
		if !seen[t] {
			seen[t] = true
			targets = append(targets, t)
		}
	}
	return targets, nil
}

// Gate stops and redeploys a fixed set of target services
type Gate struct {
	dir     Directory
	targets []Target
	metrics *observability.Metrics
}

// NewGate creates a Gate for targets. metrics may be nil.
func NewGate(dir Directory, targets []Target, metrics *observability.Metrics) *Gate {
	return &Gate{dir: dir, targets: targets, metrics: metrics}
}

// Targets returns the configured targets
func (g *Gate) Targets() []Target {
	return g.targets
}

// Resolve looks up every target in the directory. Stacks are listed once and only
// the services of stacks that hold a target are fetched. A target that matches no
// service fails with ErrServiceNotFound.
func (g *Gate) Resolve(ctx context.Context) ([]Service, error) {
	if len(g.targets) == 0 {
		klog.V(2).Info("No services to gate")
		return nil, nil
	}
	resolved, err := g.resolve(ctx)
	g.metrics.RecordServiceAction("resolve", err)
	return resolved, err
}

func (g *Gate) resolve(ctx context.Context) ([]Service, error) {
	wanted := make(map[string]map[string]bool)
	for _, t := range g.targets {
		if wanted[t.Stack] == nil {
			wanted[t.Stack] = make(map[string]bool)
		}
		wanted[t.Stack][t.Service] = true
	}

	stacks, err := g.dir.ListStacks(ctx)
	if err != nil {
		return nil, err
	}

	var resolved []Service
	found := make(map[Target]bool)
	for _, stack := range stacks {
		names, ok := wanted[stack.Name]
		if !ok {
			continue
		}
		for _, uri := range stack.Services {
			svc, err := g.dir.GetService(ctx, uri)
			if errors.Is(err, utils.ErrServiceNotFound) {
				klog.Warningf("Stack %s lists %s but the service does not exist", stack.Name, uri)
				continue
			}
			if err != nil {
				return nil, err
			}
			klog.V(4).Infof("Stack %s service %s is %s", stack.Name, svc.Name, svc.State)
			if names[svc.Name] {
				resolved = append(resolved, svc)
				found[Target{Stack: stack.Name, Service: svc.Name}] = true
			}
		}
	}

	var missing []string
	for _, t := range g.targets {
		if !found[t] {
			missing = append(missing, t.String())
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %s", utils.ErrServiceNotFound, strings.Join(missing, ", "))
	}

	klog.V(2).Infof("Resolved %d services to gate", len(resolved))
	return resolved, nil
}

// Stop stops every service that is not already stopped
func (g *Gate) Stop(ctx context.Context, services []Service) error {
	for _, svc := range services {
		if svc.State == StateStopped {
			klog.V(2).Infof("Service %s already stopped", svc.Name)
			continue
		}
		klog.V(2).Infof("Stopping service %s (state %s)", svc.Name, svc.State)
		err := g.dir.Post(ctx, svc.ResourceURI+"stop/")
		g.metrics.RecordServiceAction("stop", err)
		security.GetLogger().LogServiceAction(security.EventServiceStop, svc.Name, err)
		if err != nil {
			return fmt.Errorf("failed to stop service %s: %w", svc.Name, err)
		}
	}
	return nil
}

// Redeploy redeploys every service. It stops at the first failure.
func (g *Gate) Redeploy(ctx context.Context, services []Service) error {
	for _, svc := range services {
		klog.V(2).Infof("Redeploying service %s", svc.Name)
		err := g.dir.Post(ctx, svc.ResourceURI+"redeploy/")
		g.metrics.RecordServiceAction("redeploy", err)
		security.GetLogger().LogServiceAction(security.EventServiceRedeploy, svc.Name, err)
		if err != nil {
			return fmt.Errorf("failed to redeploy service %s: %w", svc.Name, err)
		}
	}
	return nil
}
