package mount

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"
	utilexec "k8s.io/utils/exec"

	"git.srvlab.io/whiskey/volume-attacher/pkg/hostpath"
	"git.srvlab.io/whiskey/volume-attacher/pkg/observability"
	"git.srvlab.io/whiskey/volume-attacher/pkg/security"
)

// DefaultFSType is the filesystem created on blank volumes
const DefaultFSType = "ext4"

// Result is the provisioning decision taken for a device
type Result string

const (
	// ResultExisting means a filesystem was already present; nothing was written
	ResultExisting Result = "existing"

	// ResultFormatted means the device was blank and has been formatted and verified
	ResultFormatted Result = "formatted"

	// ResultSkipped means the content was not recognized; nothing was written
	ResultSkipped Result = "skipped"
)

// ProvisionerConfig configures a Provisioner
type ProvisionerConfig struct {
	// FSType is the filesystem created on blank devices (default ext4)
	FSType string

	// TempDir is where the throwaway verification mount point is created (default os.TempDir())
	TempDir string

	// CheckExisting runs a read-only health check on existing filesystems; failures are logged only
	CheckExisting bool

	// Classifier reads device signatures (default blkid through mount-utils)
	Classifier Classifier
}

// Provisioner ensures an attached device carries a filesystem.
// Formatting is its only destructive operation and only ever happens on a device
// without any signature.
type Provisioner struct {
	mounter    Mounter
	classifier Classifier
	health     *HealthChecker
	cfg        ProvisionerConfig
	metrics    *observability.Metrics
}

// NewProvisioner creates a Provisioner. metrics may be nil.
func NewProvisioner(mounter Mounter, cfg ProvisionerConfig, metrics *observability.Metrics) *Provisioner {
	if cfg.FSType == "" {
		cfg.FSType = DefaultFSType
	}
	if cfg.Classifier == nil {
		cfg.Classifier = NewBlkidClassifier(utilexec.New())
	}
	p := &Provisioner{
		mounter:    mounter,
		classifier: cfg.Classifier,
		cfg:        cfg,
		metrics:    metrics,
	}
	if cfg.CheckExisting {
		p.health = NewHealthChecker()
	}
	return p
}

// EnsureFilesystem reads the signature of device and formats it only if it is blank. A freshly created
// filesystem is mounted once at a throwaway directory to write the .mounted marker,
// then unmounted.
func (p *Provisioner) EnsureFilesystem(ctx context.Context, device string) (Result, error) {
	result, err := p.ensureFilesystem(ctx, device)
	if err != nil {
		p.metrics.RecordFilesystem("failure")
		return "", err
	}
	p.metrics.RecordFilesystem(string(result))
	return result, nil
}

func (p *Provisioner) ensureFilesystem(ctx context.Context, device string) (Result, error) {
	sig, err := p.classifier.Classify(device)
	if err != nil {
		return "", err
	}

	switch sig.Kind {
	case KindFilesystem:
		klog.V(2).Infof("Device %s already has a %s filesystem", device, sig.Type)
		if p.health != nil {
			if err := p.health.Check(ctx, device, sig.Type); err != nil {
				klog.Warningf("Existing filesystem on %s may need repair: %v", device, err)
			}
		}
		return ResultExisting, nil

	case KindRaw:
		if err := ctx.Err(); err != nil {
			return "", err
		}
		klog.V(2).Infof("Device %s is blank, creating %s filesystem", device, p.cfg.FSType)
		err := p.mounter.Format(device, p.cfg.FSType)
		security.GetLogger().LogFormat(device, p.cfg.FSType, err)
		if err != nil {
			return "", err
		}
		if err := p.writeMarker(device); err != nil {
			return "", err
		}
		return ResultFormatted, nil

	default:
		klog.Warningf("Device %s has unrecognized content (kind=%s, type=%q); leaving it untouched",
			device, sig.Kind, sig.Type)
		return ResultSkipped, nil
	}
}

// writeMarker mounts the new filesystem at a temporary directory, writes the marker
// file at its root and unmounts it again
func (p *Provisioner) writeMarker(device string) (err error) {
	dir, err := os.MkdirTemp(p.cfg.TempDir, "volume-attacher-")
	if err != nil {
		return fmt.Errorf("failed to create verification mount point: %w", err)
	}

	if err := p.mounter.Mount(device, dir, p.cfg.FSType, nil); err != nil {
		_ = os.Remove(dir)
		return fmt.Errorf("failed to mount new filesystem on %s: %w", device, err)
	}

	defer func() {
		if uerr := p.mounter.Unmount(dir); uerr != nil {
			// The directory still holds the mounted filesystem; leave it in place
			err = errors.Join(err, fmt.Errorf("failed to unmount verification mount %s: %w", dir, uerr))
			return
		}
		if rerr := os.Remove(dir); rerr != nil {
			klog.Warningf("Failed to remove verification mount point %s: %v", dir, rerr)
		}
	}()

	marker := filepath.Join(dir, hostpath.MarkerFile)
	if err := os.WriteFile(marker, nil, 0644); err != nil {
		return fmt.Errorf("failed to write marker on new filesystem: %w", err)
	}

	klog.V(4).Infof("Wrote %s on new filesystem of %s", hostpath.MarkerFile, device)
	return nil
}
