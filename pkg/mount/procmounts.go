package mount

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/moby/sys/mountinfo"
	"k8s.io/klog/v2"
)

const (
	// ProcmountsTimeout is the maximum time to wait for mount table parsing
	ProcmountsTimeout = 10 * time.Second

	// MaxDuplicateMountsPerDevice is the threshold for mount storm detection
	MaxDuplicateMountsPerDevice = 100
)

// ErrMountStorm indicates a device is mounted an implausible number of times
var ErrMountStorm = errors.New("mount storm detected")

// MountInfo represents a single mount point entry from a mountinfo table
type MountInfo struct {
	// Source is the device or source path (field 10)
	Source string

	// Target is the mount point path (field 5)
	Target string

	// FSType is the filesystem type (field 9)
	FSType string

	// Options are the mount options (field 6)
	Options string
}

// MountTable lists the mounts of one mount namespace
type MountTable interface {
	Mounts(ctx context.Context) ([]MountInfo, error)
}

// procMountTable reads this process's mount table, or a mountinfo file of another
// namespace (e.g. <host root>/proc/1/mountinfo) when path is set
type procMountTable struct {
	path string
}

// NewMountTable returns a MountTable. An empty path reads this process's namespace.
func NewMountTable(path string) MountTable {
	return &procMountTable{path: path}
}

// Mounts implements MountTable with a timeout to prevent hangs on a wedged /proc
func (t *procMountTable) Mounts(ctx context.Context) ([]MountInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, ProcmountsTimeout)
	defer cancel()

	type result struct {
		mounts []MountInfo
		err    error
	}
	resultCh := make(chan result, 1)

	go func() {
		if t.path != "" {
			mounts, err := readMountInfoFile(t.path)
			resultCh <- result{mounts: mounts, err: err}
			return
		}
		infos, err := mountinfo.GetMounts(nil)
		mounts := make([]MountInfo, 0, len(infos))
		for _, info := range infos {
			mounts = append(mounts, ConvertMobyMount(info))
		}
		resultCh <- result{mounts: mounts, err: err}
	}()

	select {
	case res := <-resultCh:
		return res.mounts, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("mount table parsing timed out after %v: %w", ProcmountsTimeout, ctx.Err())
	}
}

// readMountInfoFile parses a mountinfo file of another mount namespace
func readMountInfoFile(path string) ([]MountInfo, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	infos, err := mountinfo.GetMountsFromReader(file, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	mounts := make([]MountInfo, 0, len(infos))
	for _, info := range infos {
		mounts = append(mounts, ConvertMobyMount(info))
	}
	klog.V(5).Infof("Parsed %d mount points from %s", len(mounts), path)
	return mounts, nil
}

// ConvertMobyMount converts moby/sys/mountinfo.Info to our MountInfo type
func ConvertMobyMount(m *mountinfo.Info) MountInfo {
	return MountInfo{
		Source:  m.Source,
		Target:  m.Mountpoint,
		FSType:  m.FSType,
		Options: m.Options,
	}
}

// deviceAliases returns the names a device may appear under in a mount table.
// Requested names like /dev/xvdf are often udev symlinks to the kernel name (/dev/nvme1n1).
func deviceAliases(device string) []string {
	aliases := []string{device}
	if resolved, err := filepath.EvalSymlinks(device); err == nil && resolved != device {
		aliases = append(aliases, resolved)
	}
	return aliases
}

// DeviceMounts returns the entries whose source is device (or what it resolves to)
func DeviceMounts(mounts []MountInfo, device string) []MountInfo {
	aliases := deviceAliases(device)
	var out []MountInfo
	for _, m := range mounts {
		for _, alias := range aliases {
			if m.Source == alias {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

// DetectDuplicateMounts checks if a device has an excessive number of mount entries,
// indicating a mount storm (e.g. a runaway automount script).
// Returns (count, error) where error is non-nil if threshold exceeded.
func DetectDuplicateMounts(mounts []MountInfo, device string) (int, error) {
	count := len(DeviceMounts(mounts, device))

	if count >= MaxDuplicateMountsPerDevice {
		return count, fmt.Errorf(
			"%w: device %s has %d mount entries (threshold: %d); "+
				"identify and unmount duplicate entries with 'findmnt' and 'umount'",
			ErrMountStorm, device, count, MaxDuplicateMountsPerDevice)
	}

	return count, nil
}

// DeviceMountTargets returns the mount points device is mounted at in table
func DeviceMountTargets(ctx context.Context, table MountTable, device string) ([]string, error) {
	mounts, err := table.Mounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read mount table: %w", err)
	}

	if _, err := DetectDuplicateMounts(mounts, device); err != nil {
		return nil, err
	}

	var targets []string
	for _, m := range DeviceMounts(mounts, device) {
		targets = append(targets, m.Target)
	}
	if len(targets) > 0 {
		klog.V(4).Infof("Device %s has %d mount entries", device, len(targets))
	}
	return targets, nil
}

// IsDeviceMounted reports whether device appears as the source of any mount in table
func IsDeviceMounted(ctx context.Context, table MountTable, device string) (bool, error) {
	targets, err := DeviceMountTargets(ctx, table, device)
	return len(targets) > 0, err
}
