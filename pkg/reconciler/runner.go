package reconciler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/volume-attacher/pkg/cloud"
	"git.srvlab.io/whiskey/volume-attacher/pkg/hostpath"
	"git.srvlab.io/whiskey/volume-attacher/pkg/observability"
	"git.srvlab.io/whiskey/volume-attacher/pkg/services"
)

// Run outcomes, used as metric label values
const (
	OutcomeSkipped = "skipped"
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// ServiceGate stops services before a mount and redeploys them after.
// Implemented by *services.Gate.
type ServiceGate interface {
	Resolve(ctx context.Context) ([]services.Service, error)
	Stop(ctx context.Context, svcs []services.Service) error
	Redeploy(ctx context.Context, svcs []services.Service) error
}

// ReconcilerFactory builds the Reconciler once the local instance is known. It is
// only called when there is work to do, so the already-mounted path never touches
// the cloud API.
type ReconcilerFactory func(ctx context.Context, identity cloud.Identity) (*Reconciler, error)

// RunnerConfig configures a Runner
type RunnerConfig struct {
	VolumeID   string
	VolumeName string

	Paths    hostpath.Paths
	Metadata cloud.MetadataProvider
	Gate     ServiceGate

	NewReconciler ReconcilerFactory

	// SettleDelay is waited between a successful mount and the redeploy, only when
	// there are services to redeploy
	SettleDelay time.Duration

	// MetricsTextfile, when set, receives the run metrics on exit
	MetricsTextfile string

	// Metrics is optional
	Metrics *observability.Metrics
}

// Runner executes one attacher invocation:
// marker check, service stop, reconcile, settle delay, service redeploy
type Runner struct {
	config RunnerConfig
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a Runner
func NewRunner(config RunnerConfig) (*Runner, error) {
	if config.VolumeID == "" {
		return nil, fmt.Errorf("VolumeID is required")
	}
	if config.Metadata == nil {
		return nil, fmt.Errorf("Metadata is required")
	}
	if config.Gate == nil {
		return nil, fmt.Errorf("Gate is required")
	}
	if config.NewReconciler == nil {
		return nil, fmt.Errorf("NewReconciler is required")
	}
	return &Runner{config: config, sleep: sleepContext}, nil
}

// Run performs the invocation. It returns nil when the volume was already mounted
// or everything succeeded. Services are never redeployed after a failed reconcile.
func (r *Runner) Run(ctx context.Context) (err error) {
	runID := uuid.New().String()
	start := time.Now()
	outcome := OutcomeFailure

	klog.Infof("Run %s: ensuring volume %s is mounted", runID, r.config.VolumeID)
	defer func() {
		r.config.Metrics.RecordRun(outcome, time.Since(start))
		if werr := r.config.Metrics.WriteTextfile(r.config.MetricsTextfile); werr != nil {
			klog.Warningf("Run %s: %v", runID, werr)
		}
		if err != nil {
			klog.Errorf("Run %s failed after %s: %v", runID, time.Since(start).Round(time.Millisecond), err)
		}
	}()

	mounted, err := r.alreadyMounted()
	if err != nil {
		return err
	}
	if mounted {
		klog.Infof("Run %s: volume %s already mounted, nothing to do", runID, r.config.VolumeID)
		outcome = OutcomeSkipped
		return nil
	}

	identity, err := r.config.Metadata.Identity(ctx)
	if err != nil {
		return err
	}
	klog.V(2).Infof("Run %s: running on instance %s in %s", runID, identity.InstanceID, identity.Region)

	rec, err := r.config.NewReconciler(ctx, identity)
	if err != nil {
		return err
	}

	svcs, err := r.config.Gate.Resolve(ctx)
	if err != nil {
		return err
	}
	if err := r.config.Gate.Stop(ctx, svcs); err != nil {
		return err
	}

	result, err := rec.Reconcile(ctx, Request{
		InstanceID: identity.InstanceID,
		VolumeID:   r.config.VolumeID,
		VolumeName: r.config.VolumeName,
	})
	if err != nil {
		return fmt.Errorf("reconcile stopped in state %s: %w", rec.State(), err)
	}
	klog.Infof("Run %s: volume %s mounted from %s (attached=%t filesystem=%s host mount=%t)",
		runID, r.config.VolumeID, result.Device, result.Attached, result.Filesystem, result.HostMounted)

	if len(svcs) > 0 {
		if r.config.SettleDelay > 0 {
			klog.V(2).Infof("Run %s: waiting %s before redeploying services", runID, r.config.SettleDelay)
			if err := r.sleep(ctx, r.config.SettleDelay); err != nil {
				return err
			}
		}
		if err := r.config.Gate.Redeploy(ctx, svcs); err != nil {
			return err
		}
	}

	outcome = OutcomeSuccess
	klog.Infof("Run %s: done in %s", runID, time.Since(start).Round(time.Millisecond))
	return nil
}

// alreadyMounted checks the marker left by the host mount script
func (r *Runner) alreadyMounted() (bool, error) {
	marker := r.config.Paths.Inner(r.config.Paths.MountedMarker(r.config.VolumeID))
	_, err := os.Stat(marker)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("failed to check mount marker %s: %w", marker, err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
