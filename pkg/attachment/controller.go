package attachment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/volume-attacher/pkg/cloud"
	"git.srvlab.io/whiskey/volume-attacher/pkg/observability"
	"git.srvlab.io/whiskey/volume-attacher/pkg/security"
	"git.srvlab.io/whiskey/volume-attacher/pkg/utils"
)

// DefaultPollInterval is the fixed delay between convergence checks
const DefaultPollInterval = 2 * time.Second

// Config holds the polling budget of every convergence wait
type Config struct {
	// AttachPoll bounds the wait for the volume to report in-use after an attach request
	AttachPoll utils.PollConfig

	// PassiveDetachPoll bounds tier 1: waiting for the owner to release the volume on its own
	PassiveDetachPoll utils.PollConfig

	// PlainDetachPoll bounds tier 2: waiting after a plain detach request
	PlainDetachPoll utils.PollConfig

	// ForcedDetachPoll bounds tier 3: waiting after a forced detach request
	ForcedDetachPoll utils.PollConfig
}

// DefaultConfig returns the production budgets: 60s attach, 15s/30s/60s detach tiers,
// all polled every 2s
func DefaultConfig() Config {
	return Config{
		AttachPoll:        utils.PollWindow(60*time.Second, DefaultPollInterval),
		PassiveDetachPoll: utils.PollWindow(15*time.Second, DefaultPollInterval),
		PlainDetachPoll:   utils.PollWindow(30*time.Second, DefaultPollInterval),
		ForcedDetachPoll:  utils.PollWindow(60*time.Second, DefaultPollInterval),
	}
}

// Controller issues attach/detach requests against the cloud API and waits for the
// volume to converge. It never caches volume state: every decision reloads.
type Controller struct {
	client  cloud.Client
	cfg     Config
	metrics *observability.Metrics
}

// NewController creates a Controller. metrics may be nil.
func NewController(client cloud.Client, cfg Config, metrics *observability.Metrics) *Controller {
	return &Controller{
		client:  client,
		cfg:     cfg,
		metrics: metrics,
	}
}

// Attach attaches volumeID to instanceID at a free device and waits until the volume
// reports in-use. Returns the device that was requested.
//
// Returns an error wrapping ErrExhaustedDevicePool when the instance has no free device
// letter, and ErrAttachTimeout when the volume did not converge within AttachPoll.
func (c *Controller) Attach(ctx context.Context, volumeID, instanceID string) (string, error) {
	start := time.Now()
	device, err := c.attach(ctx, volumeID, instanceID)
	c.metrics.RecordAttach(err, time.Since(start))
	return device, err
}

func (c *Controller) attach(ctx context.Context, volumeID, instanceID string) (string, error) {
	inst, err := c.describeInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}

	device, err := AllocateDevice(inst.DeviceNames)
	if err != nil {
		return "", err
	}

	klog.V(2).Infof("Attaching volume %s to instance %s at %s", volumeID, instanceID, device)
	err = c.client.AttachVolume(ctx, volumeID, instanceID, device)
	security.GetLogger().LogAttachRequest(volumeID, instanceID, device, err)
	if err != nil {
		return "", err
	}

	err = utils.Poll(ctx, c.cfg.AttachPoll, utils.IsCondition(utils.ErrNotYetAttached), func(ctx context.Context) error {
		c.metrics.RecordPoll("attach")
		vol, err := c.describeVolume(ctx, volumeID)
		if err != nil {
			return err
		}
		owner, attached := vol.Owner()
		if !attached || vol.State != cloud.VolumeStateInUse {
			return fmt.Errorf("%w: state=%s", utils.ErrNotYetAttached, vol.State)
		}
		if owner != instanceID {
			return fmt.Errorf("volume %s attached to %s while attaching to %s", volumeID, owner, instanceID)
		}
		return nil
	})
	if errors.Is(err, utils.ErrPollTimeout) {
		return "", fmt.Errorf("%w: volume %s not in-use on %s after %s: %w",
			utils.ErrAttachTimeout, volumeID, instanceID, c.cfg.AttachPoll.Window(), err)
	}
	if err != nil {
		return "", err
	}

	klog.V(2).Infof("Volume %s attached to instance %s at %s", volumeID, instanceID, device)
	return device, nil
}

// detachTier is one step of the ForceDetach escalation
type detachTier struct {
	name string
	poll utils.PollConfig

	// request issues the tier's detach request; nil for the passive tier
	request func(ctx context.Context, att cloud.Attachment) error
}

// ForceDetach removes every attachment of volumeID, escalating through three tiers:
// a passive wait for the owner to release it, a plain detach request, and a forced
// detach request. Each tier is entered only if the volume is still attached.
//
// Returns nil as soon as the volume has no attachment, or an error wrapping
// ErrDetachTimeout if it is still attached after the forced tier.
func (c *Controller) ForceDetach(ctx context.Context, volumeID string) error {
	tiers := []detachTier{
		{name: observability.DetachTierPassive, poll: c.cfg.PassiveDetachPoll},
		{
			name: observability.DetachTierPlain,
			poll: c.cfg.PlainDetachPoll,
			request: func(ctx context.Context, att cloud.Attachment) error {
				err := c.client.DetachVolume(ctx, volumeID, att.InstanceID, att.Device, false)
				security.GetLogger().LogDetachRequest(volumeID, att.InstanceID, att.Device, false, err)
				return err
			},
		},
		{
			name: observability.DetachTierForced,
			poll: c.cfg.ForcedDetachPoll,
			request: func(ctx context.Context, att cloud.Attachment) error {
				err := c.client.DetachVolume(ctx, volumeID, att.InstanceID, att.Device, true)
				security.GetLogger().LogDetachRequest(volumeID, att.InstanceID, att.Device, true, err)
				return err
			},
		},
	}

	for _, tier := range tiers {
		vol, err := c.describeVolume(ctx, volumeID)
		if err != nil {
			return err
		}
		if !vol.IsAttached() {
			klog.V(2).Infof("Volume %s is detached", volumeID)
			return nil
		}
		att := vol.Attachments[0]

		if tier.request != nil {
			klog.V(2).Infof("Volume %s still attached to %s, requesting %s detach", volumeID, att.InstanceID, tier.name)
			if err := tier.request(ctx, att); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// Keep waiting; the next tier escalates anyway
				klog.Warningf("%s detach request for volume %s failed: %v", tier.name, volumeID, err)
			}
		} else {
			klog.V(2).Infof("Volume %s attached to %s, waiting %s for it to be released", volumeID, att.InstanceID, tier.poll.Window())
		}

		err = c.waitDetached(ctx, volumeID, tier.poll)
		switch {
		case err == nil:
			c.metrics.RecordDetachTier(tier.name, "detached")
			klog.V(2).Infof("Volume %s detached during %s tier", volumeID, tier.name)
			return nil
		case errors.Is(err, utils.ErrPollTimeout):
			c.metrics.RecordDetachTier(tier.name, "exhausted")
			klog.V(2).Infof("Volume %s still attached after %s tier (%s)", volumeID, tier.name, tier.poll.Window())
		default:
			c.metrics.RecordDetachTier(tier.name, "error")
			return err
		}
	}

	return fmt.Errorf("%w: volume %s still attached after forced detach", utils.ErrDetachTimeout, volumeID)
}

// waitDetached polls until the volume has no attachment
func (c *Controller) waitDetached(ctx context.Context, volumeID string, cfg utils.PollConfig) error {
	return utils.Poll(ctx, cfg, utils.IsCondition(utils.ErrStillAttached), func(ctx context.Context) error {
		c.metrics.RecordPoll("detach")
		vol, err := c.describeVolume(ctx, volumeID)
		if err != nil {
			return err
		}
		if owner, attached := vol.Owner(); attached {
			return fmt.Errorf("%w: to %s", utils.ErrStillAttached, owner)
		}
		return nil
	})
}

// IsAttachedTo reports whether volumeID is currently attached to instanceID.
// Reload failures are reported as not attached.
func (c *Controller) IsAttachedTo(ctx context.Context, volumeID, instanceID string) bool {
	owner, ok := c.CurrentOwner(ctx, volumeID)
	return ok && owner == instanceID
}

// CurrentOwner returns the instance volumeID is attached to, if any
func (c *Controller) CurrentOwner(ctx context.Context, volumeID string) (string, bool) {
	vol, err := c.describeVolume(ctx, volumeID)
	if err != nil {
		klog.Warningf("Failed to reload volume %s: %v", volumeID, err)
		return "", false
	}
	return vol.Owner()
}

// Volume reloads volumeID, riding out transient API errors
func (c *Controller) Volume(ctx context.Context, volumeID string) (*cloud.Volume, error) {
	return c.describeVolume(ctx, volumeID)
}

func (c *Controller) describeVolume(ctx context.Context, volumeID string) (*cloud.Volume, error) {
	var vol *cloud.Volume
	err := utils.RetryWithBackoff(ctx, utils.DefaultBackoffConfig(), func() error {
		var err error
		vol, err = c.client.DescribeVolume(ctx, volumeID)
		return err
	})
	return vol, err
}

func (c *Controller) describeInstance(ctx context.Context, instanceID string) (*cloud.Instance, error) {
	var inst *cloud.Instance
	err := utils.RetryWithBackoff(ctx, utils.DefaultBackoffConfig(), func() error {
		var err error
		inst, err = c.client.DescribeInstance(ctx, instanceID)
		return err
	})
	return inst, err
}
