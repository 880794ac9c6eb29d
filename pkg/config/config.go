// Package config merges command-line flags and the deployment environment into the
// configuration of a single attacher run.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"git.srvlab.io/whiskey/volume-attacher/pkg/attachment"
	"git.srvlab.io/whiskey/volume-attacher/pkg/cloud"
	"git.srvlab.io/whiskey/volume-attacher/pkg/cronmount"
	"git.srvlab.io/whiskey/volume-attacher/pkg/hostpath"
	"git.srvlab.io/whiskey/volume-attacher/pkg/mount"
	"git.srvlab.io/whiskey/volume-attacher/pkg/services"
	"git.srvlab.io/whiskey/volume-attacher/pkg/utils"
)

// Environment variables read by Load
const (
	EnvVolumeID        = "VOLUME_ID"
	EnvVolumeName      = "VOLUME_NAME"
	EnvRestartServices = "RESTART_SERVICES"
	EnvServiceAuth     = "DOCKERCLOUD_AUTH"
)

// UnsetVolumeID is the placeholder deployments use for "no volume configured"
const UnsetVolumeID = "NONE"

// Defaults for the timing flags
const (
	DefaultSettleDelay          = 3 * time.Second
	DefaultAttachTimeout        = 60 * time.Second
	DefaultPassiveDetachTimeout = 15 * time.Second
	DefaultPlainDetachTimeout   = 30 * time.Second
	DefaultForcedDetachTimeout  = 60 * time.Second
	DefaultMountTimeout         = 120 * time.Second
	DefaultDeviceTimeout        = 30 * time.Second
)

// DevicePollInterval is how often the device node is checked for after attach
const DevicePollInterval = 500 * time.Millisecond

var supportedFSTypes = map[string]bool{
	"ext2":  true,
	"ext3":  true,
	"ext4":  true,
	"xfs":   true,
	"btrfs": true,
}

// Config is the validated configuration of one run
type Config struct {
	// From the environment
	VolumeID    string
	VolumeName  string
	Services    []services.Target
	ServiceAuth string

	// Host layout
	HostRoot      string
	MountInfoPath string

	// Filesystem
	FSType          string
	CheckFilesystem bool

	// Service directory
	ServiceURL  string
	SettleDelay time.Duration

	// Cloud API
	Region       string
	EC2Endpoint  string
	IMDSEndpoint string
	APIRate      float64
	APIBurst     int

	// Polling budgets
	PollInterval         time.Duration
	AttachTimeout        time.Duration
	PassiveDetachTimeout time.Duration
	PlainDetachTimeout   time.Duration
	ForcedDetachTimeout  time.Duration
	MountTimeout         time.Duration
	DeviceTimeout        time.Duration

	MetricsTextfile string
}

// Load registers the attacher's flags on fs, parses args and reads the environment
// through getenv. The result is validated; errors wrap utils.ErrInvalidConfig.
func Load(fs *flag.FlagSet, args []string, getenv func(string) string) (*Config, error) {
	c := &Config{}

	fs.StringVar(&c.HostRoot, "host-root", hostpath.DefaultRoot, "Directory where the host root filesystem is mounted")
	fs.StringVar(&c.MountInfoPath, "mountinfo", "", "mountinfo file listing host mounts (default: this process's mount namespace)")
	fs.StringVar(&c.FSType, "fs-type", mount.DefaultFSType, "Filesystem created on blank volumes")
	fs.BoolVar(&c.CheckFilesystem, "check-filesystem", false, "Run a read-only check of existing filesystems (warnings only)")
	fs.StringVar(&c.ServiceURL, "service-url", services.DefaultBaseURL, "Service directory base URL")
	fs.DurationVar(&c.SettleDelay, "settle-delay", DefaultSettleDelay, "Pause after mounting before services are redeployed")
	fs.StringVar(&c.Region, "region", "", "Cloud region (default: from instance metadata)")
	fs.StringVar(&c.EC2Endpoint, "ec2-endpoint", "", "EC2 API endpoint override")
	fs.StringVar(&c.IMDSEndpoint, "imds-endpoint", "", "Instance metadata endpoint override")
	fs.Float64Var(&c.APIRate, "api-rate", cloud.DefaultRateLimit, "Maximum cloud API requests per second")
	fs.IntVar(&c.APIBurst, "api-burst", cloud.DefaultRateBurst, "Cloud API request burst")
	fs.DurationVar(&c.PollInterval, "poll-interval", attachment.DefaultPollInterval, "Interval between state polls")
	fs.DurationVar(&c.AttachTimeout, "attach-timeout", DefaultAttachTimeout, "How long to wait for an attach")
	fs.DurationVar(&c.PassiveDetachTimeout, "passive-detach-timeout", DefaultPassiveDetachTimeout, "How long to wait for a volume to detach on its own")
	fs.DurationVar(&c.PlainDetachTimeout, "plain-detach-timeout", DefaultPlainDetachTimeout, "How long to wait after a detach request")
	fs.DurationVar(&c.ForcedDetachTimeout, "forced-detach-timeout", DefaultForcedDetachTimeout, "How long to wait after a forced detach request")
	fs.DurationVar(&c.MountTimeout, "mount-timeout", DefaultMountTimeout, "How long to wait for the host to mount the volume")
	fs.DurationVar(&c.DeviceTimeout, "device-timeout", DefaultDeviceTimeout, "How long to wait for the device node to appear after attach")
	fs.StringVar(&c.MetricsTextfile, "metrics-textfile", "", "Write run metrics to this node-exporter textfile")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrInvalidConfig, err)
	}

	c.VolumeID = strings.TrimSpace(getenv(EnvVolumeID))
	c.VolumeName = strings.TrimSpace(getenv(EnvVolumeName))
	c.ServiceAuth = getenv(EnvServiceAuth)

	targets, err := services.ParseTargets(getenv(EnvRestartServices))
	if err != nil {
		return nil, err
	}
	c.Services = targets

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the configuration before any side effect happens
func (c *Config) Validate() error {
	switch c.VolumeID {
	case "":
		return fmt.Errorf("%w: %s is required", utils.ErrInvalidConfig, EnvVolumeID)
	case UnsetVolumeID:
		return fmt.Errorf("%w: %s is %s", utils.ErrInvalidConfig, EnvVolumeID, UnsetVolumeID)
	}
	if err := utils.ValidateVolumeID(c.VolumeID); err != nil {
		return fmt.Errorf("%w: %w", utils.ErrInvalidConfig, err)
	}

	root, err := utils.SanitizeBasePath(c.HostRoot)
	if err != nil {
		return fmt.Errorf("%w: --host-root: %w", utils.ErrInvalidConfig, err)
	}
	c.HostRoot = root

	if !supportedFSTypes[c.FSType] {
		return fmt.Errorf("%w: unsupported --fs-type %q", utils.ErrInvalidConfig, c.FSType)
	}
	if len(c.Services) > 0 && c.ServiceAuth == "" {
		return fmt.Errorf("%w: %s is required when %s is set", utils.ErrInvalidConfig, EnvServiceAuth, EnvRestartServices)
	}
	if c.SettleDelay < 0 {
		return fmt.Errorf("%w: --settle-delay must not be negative", utils.ErrInvalidConfig)
	}
	if c.APIRate <= 0 || c.APIBurst <= 0 {
		return fmt.Errorf("%w: --api-rate and --api-burst must be positive", utils.ErrInvalidConfig)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: --poll-interval must be positive", utils.ErrInvalidConfig)
	}
	if c.DeviceTimeout < DevicePollInterval {
		return fmt.Errorf("%w: --device-timeout (%s) is shorter than %s",
			utils.ErrInvalidConfig, c.DeviceTimeout, DevicePollInterval)
	}
	budgets := map[string]time.Duration{
		"--attach-timeout":         c.AttachTimeout,
		"--passive-detach-timeout": c.PassiveDetachTimeout,
		"--plain-detach-timeout":   c.PlainDetachTimeout,
		"--forced-detach-timeout":  c.ForcedDetachTimeout,
		"--mount-timeout":          c.MountTimeout,
	}
	for name, d := range budgets {
		if d < c.PollInterval {
			return fmt.Errorf("%w: %s (%s) is shorter than --poll-interval (%s)",
				utils.ErrInvalidConfig, name, d, c.PollInterval)
		}
	}
	return nil
}

// Paths returns the host path translation for HostRoot
func (c *Config) Paths() hostpath.Paths {
	return hostpath.New(c.HostRoot)
}

// AttachmentConfig returns the attach and detach polling budgets
func (c *Config) AttachmentConfig() attachment.Config {
	return attachment.Config{
		AttachPoll:        utils.PollWindow(c.AttachTimeout, c.PollInterval),
		PassiveDetachPoll: utils.PollWindow(c.PassiveDetachTimeout, c.PollInterval),
		PlainDetachPoll:   utils.PollWindow(c.PlainDetachTimeout, c.PollInterval),
		ForcedDetachPoll:  utils.PollWindow(c.ForcedDetachTimeout, c.PollInterval),
	}
}

// BridgeConfig returns the host mount handoff budget
func (c *Config) BridgeConfig() cronmount.Config {
	return cronmount.Config{Poll: utils.PollWindow(c.MountTimeout, c.PollInterval)}
}

// DevicePoll returns the budget for the device node to appear after attach
func (c *Config) DevicePoll() utils.PollConfig {
	return utils.PollWindow(c.DeviceTimeout, DevicePollInterval)
}

// ProvisionerConfig returns the filesystem provisioning settings
func (c *Config) ProvisionerConfig() mount.ProvisionerConfig {
	return mount.ProvisionerConfig{
		FSType:        c.FSType,
		CheckExisting: c.CheckFilesystem,
	}
}

// EC2Config returns the cloud client settings for region. A --region flag wins.
func (c *Config) EC2Config(region string) cloud.EC2Config {
	if c.Region != "" {
		region = c.Region
	}
	return cloud.EC2Config{
		Region:    region,
		Endpoint:  c.EC2Endpoint,
		RateLimit: c.APIRate,
		RateBurst: c.APIBurst,
	}
}
