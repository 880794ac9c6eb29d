package mount

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// Mounter handles filesystem operations
type Mounter interface {
	// Mount mounts source to target with the given fsType and options
	Mount(source, target, fsType string, options []string) error

	// Unmount unmounts the target
	Unmount(target string) error

	// IsLikelyMountPoint checks if a path is a mount point
	IsLikelyMountPoint(path string) (bool, error)

	// Format creates a filesystem of fsType on device, destroying its contents
	Format(device, fsType string) error
}

// mountFlags maps generic mount options to MS_* flags; anything else is passed as data
var mountFlags = map[string]uintptr{
	"ro":         unix.MS_RDONLY,
	"nosuid":     unix.MS_NOSUID,
	"nodev":      unix.MS_NODEV,
	"noexec":     unix.MS_NOEXEC,
	"noatime":    unix.MS_NOATIME,
	"nodiratime": unix.MS_NODIRATIME,
	"relatime":   unix.MS_RELATIME,
	"sync":       unix.MS_SYNCHRONOUS,
	"bind":       unix.MS_BIND,
}

// mounter implements Mounter with mount(2)/umount(2) and the mkfs tools
type mounter struct {
	execCommand func(name string, args ...string) *exec.Cmd
	mount       func(source, target, fstype string, flags uintptr, data string) error
	unmount     func(target string, flags int) error
	isMounted   func(path string) (bool, error)
}

// NewMounter creates a new filesystem mounter
func NewMounter() Mounter {
	return &mounter{
		execCommand: exec.Command,
		mount:       unix.Mount,
		unmount:     unix.Unmount,
		isMounted:   mountinfo.Mounted,
	}
}

// splitOptions separates flag options from filesystem-specific data options
func splitOptions(options []string) (uintptr, string) {
	var flags uintptr
	var data []string
	for _, opt := range options {
		if opt == "" || opt == "rw" || opt == "defaults" {
			continue
		}
		if f, ok := mountFlags[opt]; ok {
			flags |= f
			continue
		}
		data = append(data, opt)
	}
	return flags, strings.Join(data, ",")
}

// Mount mounts source to target with the given filesystem type and options
func (m *mounter) Mount(source, target, fsType string, options []string) error {
	klog.V(2).Infof("Mounting %s to %s (fsType: %s, options: %v)", source, target, fsType, options)

	// Create target directory if it doesn't exist
	if err := os.MkdirAll(target, 0750); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	flags, data := splitOptions(options)
	klog.V(4).Infof("mount(2) source=%s target=%s fstype=%s flags=%#x data=%q", source, target, fsType, flags, data)

	if err := m.mount(source, target, fsType, flags, data); err != nil {
		return fmt.Errorf("mount %s on %s failed: %w", source, target, err)
	}

	klog.V(2).Infof("Successfully mounted %s to %s", source, target)
	return nil
}

// Unmount unmounts the target path
func (m *mounter) Unmount(target string) error {
	klog.V(2).Infof("Unmounting %s", target)

	// Check if it's actually mounted
	mounted, err := m.IsLikelyMountPoint(target)
	if err != nil {
		return fmt.Errorf("failed to check if mounted: %w", err)
	}

	if !mounted {
		klog.V(2).Infof("Path %s is not mounted, nothing to unmount", target)
		return nil
	}

	if err := m.unmount(target, 0); err != nil {
		return fmt.Errorf("umount %s failed: %w", target, err)
	}

	klog.V(2).Infof("Successfully unmounted %s", target)
	return nil
}

// IsLikelyMountPoint checks if a path is a mount point
func (m *mounter) IsLikelyMountPoint(path string) (bool, error) {
	// Check if path exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}

	mounted, err := m.isMounted(path)
	if err != nil {
		klog.V(5).Infof("mount point check for %s failed: %v", path, err)
		return false, err
	}
	return mounted, nil
}

// Format formats a device with the specified filesystem type.
// Callers decide whether the device is blank; Format never checks.
func (m *mounter) Format(device, fsType string) error {
	klog.V(2).Infof("Formatting device %s with %s", device, fsType)

	// Build mkfs command based on filesystem type
	var cmd *exec.Cmd
	switch fsType {
	case "ext4", "ext3", "ext2":
		// -F: the device is a whole disk, not a partition
		cmd = m.execCommand("mkfs."+fsType, "-F", device)
	case "xfs":
		cmd = m.execCommand("mkfs.xfs", "-f", device)
	case "btrfs":
		cmd = m.execCommand("mkfs.btrfs", "-f", device)
	default:
		return fmt.Errorf("unsupported filesystem type: %s", fsType)
	}

	// Execute mkfs command
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("mkfs.%s failed: %w, output: %s", fsType, err, string(output))
	}

	klog.V(5).Infof("mkfs output: %s", string(output))
	klog.V(2).Infof("Successfully formatted %s with %s", device, fsType)
	return nil
}
