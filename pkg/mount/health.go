package mount

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"k8s.io/klog/v2"
)

const (
	// HealthCheckTimeout is the maximum time to wait for filesystem health check
	HealthCheckTimeout = 60 * time.Second
)

// HealthChecker runs read-only filesystem checks on unmounted devices
type HealthChecker struct {
	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
	timeout     time.Duration
}

// NewHealthChecker creates a HealthChecker using the system fsck tools
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		execCommand: exec.CommandContext,
		timeout:     HealthCheckTimeout,
	}
}

// Check runs a read-only check of device. Returns nil if the filesystem is healthy
// or its type has no supported checker.
//
// Only call this on UNMOUNTED devices; checking a mounted filesystem reports false
// positives.
func (h *HealthChecker) Check(ctx context.Context, device, fsType string) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var cmd *exec.Cmd
	switch fsType {
	case "ext4", "ext3", "ext2":
		// -n: open read-only, answer "no" to every question
		cmd = h.execCommand(ctx, "fsck."+fsType, "-n", device)
	case "xfs":
		cmd = h.execCommand(ctx, "xfs_repair", "-n", device)
	default:
		klog.V(2).Infof("Skipping health check for unsupported filesystem type: %s", fsType)
		return nil
	}

	startTime := time.Now()
	output, err := cmd.CombinedOutput()
	duration := time.Since(startTime)

	if duration > 10*time.Second {
		klog.Warningf("Filesystem health check took %v (device: %s, fsType: %s)", duration, device, fsType)
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("filesystem health check timed out after %v for device %s", h.timeout, device)
	}

	if err != nil {
		return fmt.Errorf("filesystem health check failed for device %s (fsType: %s): %w, output: %s",
			device, fsType, err, string(output))
	}

	klog.V(4).Infof("Filesystem health check passed for %s (fsType: %s, duration: %v)", device, fsType, duration)
	return nil
}
