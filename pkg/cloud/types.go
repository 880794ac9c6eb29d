package cloud

import (
	"context"
)

// Volume states reported by the block-storage API
const (
	VolumeStateAvailable = "available"
	VolumeStateInUse     = "in-use"
)

// Attachment is the relation between a volume and the instance/device it is wired to
type Attachment struct {
	// InstanceID is the instance the volume is attached (or attaching) to
	InstanceID string

	// Device is the device name requested at attach time (e.g. /dev/xvdf)
	Device string

	// State is the attachment state (attaching, attached, detaching, ...)
	State string
}

// Volume is a point-in-time view of a block-storage volume
type Volume struct {
	ID string

	// State is the volume state (available, in-use, ...)
	State string

	// Attachments is empty when the volume is unattached
	Attachments []Attachment

	// Name is the value of the Name tag, empty if untagged
	Name string
}

// IsAttached reports whether the volume has any attachment record
func (v *Volume) IsAttached() bool {
	return len(v.Attachments) > 0
}

// Owner returns the instance the volume is attached to, if any
func (v *Volume) Owner() (string, bool) {
	if len(v.Attachments) == 0 {
		return "", false
	}
	return v.Attachments[0].InstanceID, true
}

// Instance is a point-in-time view of a compute instance
type Instance struct {
	ID string

	// DeviceNames are the names of the instance's current block-device mappings
	DeviceNames []string
}

// Identity is what the metadata service reports about the local instance
type Identity struct {
	InstanceID       string
	AvailabilityZone string
	Region           string
}

// Client is the subset of the block-storage/compute API the attacher needs
type Client interface {
	// DescribeVolume reloads a volume. Returns utils.ErrVolumeNotFound if it does not exist.
	DescribeVolume(ctx context.Context, volumeID string) (*Volume, error)

	// DescribeInstance reloads an instance. Returns utils.ErrInstanceNotFound if it does not exist.
	DescribeInstance(ctx context.Context, instanceID string) (*Instance, error)

	// AttachVolume requests attachment of volumeID to instanceID at device
	AttachVolume(ctx context.Context, volumeID, instanceID, device string) error

	// DetachVolume requests detachment; force bypasses the owning instance's cooperation
	DetachVolume(ctx context.Context, volumeID, instanceID, device string, force bool) error

	// TagVolumeName sets the volume's Name tag
	TagVolumeName(ctx context.Context, volumeID, name string) error
}

// MetadataProvider resolves the identity of the instance this process runs on
type MetadataProvider interface {
	Identity(ctx context.Context) (Identity, error)
}
