package cloud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/volume-attacher/pkg/utils"
)

const (
	// DefaultRateLimit is the default number of API requests per second
	DefaultRateLimit = 5.0

	// DefaultRateBurst is the default burst size for API requests
	DefaultRateBurst = 5

	// DefaultMaxRetries is the SDK-level retry ceiling for a single API call
	DefaultMaxRetries = 5
)

// ec2API is the subset of *ec2.Client used by EC2Client
type ec2API interface {
	DescribeVolumes(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	AttachVolume(ctx context.Context, params *ec2.AttachVolumeInput, optFns ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error)
	DetachVolume(ctx context.Context, params *ec2.DetachVolumeInput, optFns ...func(*ec2.Options)) (*ec2.DetachVolumeOutput, error)
	CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
}

// EC2Config holds configuration for creating an EC2Client
type EC2Config struct {
	Region     string  // AWS region (required)
	Endpoint   string  // Endpoint override, e.g. a local simulator (optional)
	RateLimit  float64 // Requests per second (default 5)
	RateBurst  int     // Burst size (default 5)
	MaxRetries int     // SDK retry attempts per call (default 5)
}

// EC2Client implements Client on top of the EC2 API.
// All calls pass through a token-bucket limiter so tight polling loops stay polite.
type EC2Client struct {
	api     ec2API
	limiter *rate.Limiter
}

// NewEC2Client loads the default AWS credential chain and creates an EC2Client
func NewEC2Client(ctx context.Context, cfg EC2Config) (*EC2Client, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("%w: region is required", utils.ErrInvalidConfig)
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = DefaultRateBurst
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(cfg.MaxRetries),
	}
	if cfg.Endpoint != "" {
		// Simulators accept any static credentials
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	api := ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	klog.V(4).Infof("Created EC2 client (region=%s, endpoint=%q, rate=%.1f/s)", cfg.Region, cfg.Endpoint, cfg.RateLimit)
	return newEC2Client(api, rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)), nil
}

func newEC2Client(api ec2API, limiter *rate.Limiter) *EC2Client {
	return &EC2Client{api: api, limiter: limiter}
}

func (c *EC2Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	start := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	if waited := time.Since(start); waited > 100*time.Millisecond {
		klog.V(5).Infof("EC2 request delayed %s by rate limiter", waited)
	}
	return nil
}

// DescribeVolume implements Client
func (c *EC2Client) DescribeVolume(ctx context.Context, volumeID string) (*Volume, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	out, err := c.api.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		VolumeIds: []string{volumeID},
	})
	if err != nil {
		if apiErrorCode(err) == "InvalidVolume.NotFound" {
			return nil, fmt.Errorf("%w: %s", utils.ErrVolumeNotFound, volumeID)
		}
		return nil, fmt.Errorf("describe volume %s: %w", volumeID, err)
	}
	if len(out.Volumes) == 0 {
		return nil, fmt.Errorf("%w: %s", utils.ErrVolumeNotFound, volumeID)
	}

	return convertVolume(out.Volumes[0]), nil
}

// DescribeInstance implements Client
func (c *EC2Client) DescribeInstance(ctx context.Context, instanceID string) (*Instance, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	out, err := c.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		if apiErrorCode(err) == "InvalidInstanceID.NotFound" {
			return nil, fmt.Errorf("%w: %s", utils.ErrInstanceNotFound, instanceID)
		}
		return nil, fmt.Errorf("describe instance %s: %w", instanceID, err)
	}

	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if aws.ToString(inst.InstanceId) == instanceID {
				return convertInstance(inst), nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", utils.ErrInstanceNotFound, instanceID)
}

// AttachVolume implements Client
func (c *EC2Client) AttachVolume(ctx context.Context, volumeID, instanceID, device string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}

	klog.V(4).Infof("EC2 AttachVolume volume=%s instance=%s device=%s", volumeID, instanceID, device)
	_, err := c.api.AttachVolume(ctx, &ec2.AttachVolumeInput{
		VolumeId:   aws.String(volumeID),
		InstanceId: aws.String(instanceID),
		Device:     aws.String(device),
	})
	if err != nil {
		return fmt.Errorf("attach volume %s to %s at %s: %w", volumeID, instanceID, device, err)
	}
	return nil
}

// DetachVolume implements Client.
// Detaching a volume that is already detached is not an error.
func (c *EC2Client) DetachVolume(ctx context.Context, volumeID, instanceID, device string, force bool) error {
	if err := c.wait(ctx); err != nil {
		return err
	}

	klog.V(4).Infof("EC2 DetachVolume volume=%s instance=%s device=%s force=%v", volumeID, instanceID, device, force)
	_, err := c.api.DetachVolume(ctx, &ec2.DetachVolumeInput{
		VolumeId:   aws.String(volumeID),
		InstanceId: aws.String(instanceID),
		Device:     aws.String(device),
		Force:      aws.Bool(force),
	})
	if err != nil {
		if apiErrorCode(err) == "IncorrectState" {
			klog.V(2).Infof("Volume %s already detaching or detached: %v", volumeID, err)
			return nil
		}
		return fmt.Errorf("detach volume %s from %s: %w", volumeID, instanceID, err)
	}
	return nil
}

// TagVolumeName implements Client
func (c *EC2Client) TagVolumeName(ctx context.Context, volumeID, name string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}

	_, err := c.api.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{volumeID},
		Tags: []types.Tag{
			{Key: aws.String("Name"), Value: aws.String(name)},
		},
	})
	if err != nil {
		return fmt.Errorf("tag volume %s: %w", volumeID, err)
	}
	return nil
}

func convertVolume(v types.Volume) *Volume {
	vol := &Volume{
		ID:    aws.ToString(v.VolumeId),
		State: string(v.State),
	}
	for _, a := range v.Attachments {
		vol.Attachments = append(vol.Attachments, Attachment{
			InstanceID: aws.ToString(a.InstanceId),
			Device:     aws.ToString(a.Device),
			State:      string(a.State),
		})
	}
	for _, t := range v.Tags {
		if aws.ToString(t.Key) == "Name" {
			vol.Name = aws.ToString(t.Value)
		}
	}
	return vol
}

func convertInstance(inst types.Instance) *Instance {
	out := &Instance{ID: aws.ToString(inst.InstanceId)}
	for _, m := range inst.BlockDeviceMappings {
		if name := aws.ToString(m.DeviceName); name != "" {
			out.DeviceNames = append(out.DeviceNames, name)
		}
	}
	return out
}

// apiErrorCode extracts the service error code, or "" for transport errors
func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
