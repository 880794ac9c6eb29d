package cloud

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/volume-attacher/pkg/utils"
)

// identityDocumentAPI is the subset of *imds.Client used by IMDSProvider
type identityDocumentAPI interface {
	GetInstanceIdentityDocument(ctx context.Context, params *imds.GetInstanceIdentityDocumentInput, optFns ...func(*imds.Options)) (*imds.GetInstanceIdentityDocumentOutput, error)
}

// IMDSProvider resolves the local instance identity from the EC2 instance metadata service
type IMDSProvider struct {
	api identityDocumentAPI
}

// NewIMDSProvider creates an IMDSProvider. An empty endpoint uses the link-local default.
func NewIMDSProvider(endpoint string) *IMDSProvider {
	client := imds.New(imds.Options{}, func(o *imds.Options) {
		if endpoint != "" {
			o.Endpoint = endpoint
		}
	})
	return &IMDSProvider{api: client}
}

// Identity implements MetadataProvider
func (p *IMDSProvider) Identity(ctx context.Context) (Identity, error) {
	out, err := p.api.GetInstanceIdentityDocument(ctx, &imds.GetInstanceIdentityDocumentInput{})
	if err != nil {
		return Identity{}, fmt.Errorf("failed to read instance identity document: %w", err)
	}

	id := Identity{
		InstanceID:       strings.TrimSpace(out.InstanceID),
		AvailabilityZone: strings.TrimSpace(out.AvailabilityZone),
		Region:           strings.TrimSpace(out.Region),
	}
	if id.Region == "" {
		id.Region = RegionFromZone(id.AvailabilityZone)
	}

	if err := utils.ValidateInstanceID(id.InstanceID); err != nil {
		return Identity{}, fmt.Errorf("metadata service returned bad instance id: %w", err)
	}
	if id.Region == "" {
		return Identity{}, fmt.Errorf("metadata service returned no region (zone %q)", id.AvailabilityZone)
	}

	klog.V(2).Infof("Resolved instance identity: instance=%s zone=%s region=%s", id.InstanceID, id.AvailabilityZone, id.Region)
	return id, nil
}

// RegionFromZone derives the region from an availability zone name by dropping
// the trailing zone letter (us-east-1a -> us-east-1).
func RegionFromZone(zone string) string {
	if len(zone) < 2 {
		return ""
	}
	last := zone[len(zone)-1]
	if last < 'a' || last > 'z' {
		return zone
	}
	return zone[:len(zone)-1]
}
