package reconciler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/volume-attacher/pkg/cloud"
	"git.srvlab.io/whiskey/volume-attacher/pkg/hostpath"
	"git.srvlab.io/whiskey/volume-attacher/pkg/mount"
	"git.srvlab.io/whiskey/volume-attacher/pkg/observability"
	"git.srvlab.io/whiskey/volume-attacher/pkg/security"
	"git.srvlab.io/whiskey/volume-attacher/pkg/utils"
)

// State is a step of the mount reconciliation
type State string

const (
	StateUnattached          State = "Unattached"
	StateAttaching           State = "Attaching"
	StateAttachedUnformatted State = "AttachedUnformatted"
	StateAttachedFormatted   State = "AttachedFormatted"
	StatePendingHostMount    State = "PendingHostMount"
	StateMounted             State = "Mounted"
)

// DefaultDevicePoll waits up to 30s for an attached device node, checking every 500ms
var DefaultDevicePoll = utils.PollWindow(30*time.Second, 500*time.Millisecond)

// Attacher attaches and detaches volumes. Implemented by *attachment.Controller.
type Attacher interface {
	Attach(ctx context.Context, volumeID, instanceID string) (string, error)
	ForceDetach(ctx context.Context, volumeID string) error
	Volume(ctx context.Context, volumeID string) (*cloud.Volume, error)
}

// Tagger sets a volume's Name tag. Implemented by cloud.Client.
type Tagger interface {
	TagVolumeName(ctx context.Context, volumeID, name string) error
}

// FilesystemEnsurer is implemented by *mount.Provisioner
type FilesystemEnsurer interface {
	EnsureFilesystem(ctx context.Context, device string) (mount.Result, error)
}

// HostMounter is implemented by *cronmount.Bridge
type HostMounter interface {
	EnsureCronMount(ctx context.Context, device, volumeID string) error
}

// Request is the (instance, volume) pair reconciled by one run
type Request struct {
	InstanceID string
	VolumeID   string

	// VolumeName, when set, is reconciled into the volume's Name tag
	VolumeName string
}

// Validate rejects identifiers that cannot be used safely
func (r Request) Validate() error {
	if err := utils.ValidateVolumeID(r.VolumeID); err != nil {
		return err
	}
	return utils.ValidateInstanceID(r.InstanceID)
}

// Result describes what a reconciliation did
type Result struct {
	// Device is the device name of the attachment (host view, e.g. /dev/xvdf)
	Device string

	// Attached is true if this run attached the volume
	Attached bool

	// Detached is true if the volume had to be taken from another instance
	Detached bool

	// Filesystem is the provisioning decision for the device
	Filesystem mount.Result

	// HostMounted is true if the mount was handed to the host in this run; false
	// when the device was already mounted
	HostMounted bool

	// ForeignMounts lists mount points of the device other than the volume's own
	ForeignMounts []string
}

// ReconcilerConfig wires the collaborators of a Reconciler
type ReconcilerConfig struct {
	Attacher    Attacher
	Tagger      Tagger
	Filesystems FilesystemEnsurer
	HostMounter HostMounter

	// MountTable is consulted to skip the host handoff for an already mounted device
	MountTable mount.MountTable

	// Paths translates host device paths to this process's view
	Paths hostpath.Paths

	// DevicePoll bounds the wait for the device node after attach (default DefaultDevicePoll)
	DevicePoll utils.PollConfig

	// Metrics is optional
	Metrics *observability.Metrics
}

// Reconciler drives one volume to the Mounted state on one instance:
//
//	Unattached -> Attaching -> AttachedUnformatted -> AttachedFormatted -> PendingHostMount -> Mounted
//
// A volume attached to another instance is force-detached first. Every failure is
// fatal; nothing is rolled back.
type Reconciler struct {
	config ReconcilerConfig
	state  State
}

// NewReconciler creates a Reconciler
func NewReconciler(config ReconcilerConfig) (*Reconciler, error) {
	if config.Attacher == nil {
		return nil, fmt.Errorf("Attacher is required")
	}
	if config.Filesystems == nil {
		return nil, fmt.Errorf("Filesystems is required")
	}
	if config.HostMounter == nil {
		return nil, fmt.Errorf("HostMounter is required")
	}
	if config.MountTable == nil {
		return nil, fmt.Errorf("MountTable is required")
	}
	if config.DevicePoll.Interval <= 0 {
		config.DevicePoll = DefaultDevicePoll
	}
	return &Reconciler{config: config}, nil
}

// State returns the last state reached
func (r *Reconciler) State() State {
	return r.state
}

func (r *Reconciler) transition(to State) {
	klog.V(2).Infof("Reconciler state %s -> %s", r.state, to)
	r.state = to
	r.config.Metrics.RecordState(string(to))
}

// Reconcile attaches, provisions and mounts the requested volume
func (r *Reconciler) Reconcile(ctx context.Context, req Request) (Result, error) {
	var result Result
	r.state = ""

	if err := req.Validate(); err != nil {
		security.GetLogger().LogValidationFailure("request", req.InstanceID+"/"+req.VolumeID, err)
		return result, err
	}

	vol, err := r.config.Attacher.Volume(ctx, req.VolumeID)
	if err != nil {
		return result, err
	}

	owner, attached := vol.Owner()
	switch {
	case !attached:
		r.transition(StateUnattached)

	case owner != req.InstanceID:
		klog.V(2).Infof("Volume %s is attached to %s, taking it over for %s", req.VolumeID, owner, req.InstanceID)
		if err := r.config.Attacher.ForceDetach(ctx, req.VolumeID); err != nil {
			return result, fmt.Errorf("failed to detach %s from %s: %w", req.VolumeID, owner, err)
		}
		result.Detached = true
		r.transition(StateUnattached)

	default:
		result.Device = vol.Attachments[0].Device
		klog.V(2).Infof("Volume %s already attached to %s at %s", req.VolumeID, req.InstanceID, result.Device)
	}

	if result.Device == "" {
		r.transition(StateAttaching)
		device, err := r.config.Attacher.Attach(ctx, req.VolumeID, req.InstanceID)
		if err != nil {
			return result, err
		}
		result.Device = device
		result.Attached = true
	}
	r.transition(StateAttachedUnformatted)

	if err := utils.ValidateDevicePath(result.Device); err != nil {
		security.GetLogger().LogValidationFailure("device", result.Device, err)
		return result, fmt.Errorf("volume %s reports unusable device: %w", req.VolumeID, err)
	}

	r.reconcileName(ctx, req, vol)

	if err := r.waitForDevice(ctx, result.Device); err != nil {
		return result, err
	}

	fs, err := r.config.Filesystems.EnsureFilesystem(ctx, r.config.Paths.Inner(result.Device))
	if err != nil {
		return result, fmt.Errorf("failed to provision filesystem on %s: %w", result.Device, err)
	}
	result.Filesystem = fs
	r.transition(StateAttachedFormatted)

	targets, err := mount.DeviceMountTargets(ctx, r.config.MountTable, result.Device)
	if errors.Is(err, mount.ErrMountStorm) {
		return result, err
	}
	if err != nil {
		klog.Warningf("Could not read mount table, handing the mount to the host anyway: %v", err)
	}
	if len(targets) > 0 {
		klog.V(2).Infof("Device %s is already mounted, skipping host handoff", result.Device)
		result.ForeignMounts = r.foreignMounts(req.VolumeID, result.Device, targets)
	} else {
		r.transition(StatePendingHostMount)
		if err := r.config.HostMounter.EnsureCronMount(ctx, result.Device, req.VolumeID); err != nil {
			return result, err
		}
		result.HostMounted = true
	}

	r.transition(StateMounted)
	return result, nil
}

// waitForDevice polls until the device node of the attachment exists under the host root.
// The cloud reports an attachment before the kernel has created the node.
func (r *Reconciler) waitForDevice(ctx context.Context, device string) error {
	inner := r.config.Paths.Inner(device)
	err := utils.Poll(ctx, r.config.DevicePoll, utils.IsCondition(utils.ErrDeviceNotReady), func(ctx context.Context) error {
		r.config.Metrics.RecordPoll("device")
		_, err := os.Stat(inner)
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", utils.ErrDeviceNotReady, inner)
		}
		return err
	})
	if errors.Is(err, utils.ErrPollTimeout) {
		return fmt.Errorf("%w: %s did not appear within %s: %w",
			utils.ErrDeviceTimeout, device, r.config.DevicePoll.Window(), err)
	}
	if err != nil {
		return fmt.Errorf("failed to stat device %s: %w", device, err)
	}
	klog.V(4).Infof("Device node %s is present", inner)
	return nil
}

// foreignMounts returns the targets other than the volume's own mount point and warns
// about them. The host handoff is still skipped: the device must not be mounted twice.
func (r *Reconciler) foreignMounts(volumeID, device string, targets []string) []string {
	own := r.config.Paths.MountPoint(volumeID)
	var foreign []string
	for _, t := range targets {
		if t != own {
			foreign = append(foreign, t)
		}
	}
	if len(foreign) > 0 {
		klog.Warningf("Device %s of volume %s is mounted at %s instead of %s; services will not see the volume at its expected path",
			device, volumeID, strings.Join(foreign, ", "), own)
	}
	return foreign
}

// reconcileName sets the Name tag if requested and different. Failures are logged only.
func (r *Reconciler) reconcileName(ctx context.Context, req Request, vol *cloud.Volume) {
	if req.VolumeName == "" || r.config.Tagger == nil || vol.Name == req.VolumeName {
		return
	}
	if err := r.config.Tagger.TagVolumeName(ctx, req.VolumeID, req.VolumeName); err != nil {
		klog.Warningf("Failed to set Name tag of %s to %q: %v", req.VolumeID, req.VolumeName, err)
		return
	}
	klog.V(2).Infof("Set Name tag of %s to %q", req.VolumeID, req.VolumeName)
}
