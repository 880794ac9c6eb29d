package mount

import (
	"fmt"
	"os"

	"k8s.io/klog/v2"
	mountutils "k8s.io/mount-utils"
	utilexec "k8s.io/utils/exec"
)

// Kind classifies what was found on a device
type Kind int

const (
	// KindRaw is a device without any signature
	KindRaw Kind = iota

	// KindFilesystem is a recognized, mountable filesystem
	KindFilesystem

	// KindOther is any other signature (swap, LUKS, LVM, a partition table, ...)
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindFilesystem:
		return "filesystem"
	default:
		return "other"
	}
}

// Signature is the content classification of a device
type Signature struct {
	Kind Kind

	// Type is the format reported by blkid; empty for raw devices
	Type string
}

// PartitionTableFormat is what GetDiskFormat reports for a partitioned disk
const PartitionTableFormat = "unknown data, probably partitions"

// mountableFilesystems are the formats left in place and handed to the host mount
var mountableFilesystems = map[string]bool{
	"ext2":  true,
	"ext3":  true,
	"ext4":  true,
	"xfs":   true,
	"btrfs": true,
}

// ClassifyDiskFormat maps a GetDiskFormat result to a Signature
func ClassifyDiskFormat(format string) Signature {
	switch {
	case format == "":
		return Signature{Kind: KindRaw}
	case mountableFilesystems[format]:
		return Signature{Kind: KindFilesystem, Type: format}
	default:
		return Signature{Kind: KindOther, Type: format}
	}
}

// Classifier classifies the content of a block device
type Classifier interface {
	Classify(device string) (Signature, error)
}

// diskFormatter is implemented by *mountutils.SafeFormatAndMount
type diskFormatter interface {
	GetDiskFormat(disk string) (string, error)
}

// BlkidClassifier reads device signatures with blkid through mount-utils
type BlkidClassifier struct {
	formatter diskFormatter
}

// NewBlkidClassifier creates a Classifier running blkid through exec
func NewBlkidClassifier(exec utilexec.Interface) *BlkidClassifier {
	return &BlkidClassifier{formatter: &mountutils.SafeFormatAndMount{Exec: exec}}
}

// Classify implements Classifier. A missing device node is an error, never a blank device.
func (c *BlkidClassifier) Classify(device string) (Signature, error) {
	if _, err := os.Stat(device); err != nil {
		return Signature{}, fmt.Errorf("failed to stat %s: %w", device, err)
	}

	format, err := c.formatter.GetDiskFormat(device)
	if err != nil {
		return Signature{}, fmt.Errorf("failed to read signature of %s: %w", device, err)
	}

	result := ClassifyDiskFormat(format)
	klog.V(4).Infof("Classified %s: kind=%s type=%q", device, result.Kind, result.Type)
	return result, nil
}
