package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/v2/openstack/image/v2/images"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/models"
)

// OpenStackOptions holds the admin credentials used to look up any VM.
type OpenStackOptions struct {
	AuthURL       string
	ComputeURL    string
	Username      string
	Password      string
	ProjectName   string
	UserDomain    string
	ProjectDomain string
	Region        string
}

// OpenStack implements Service against the Nova and Glance APIs.
type OpenStack struct {
	compute *gophercloud.ServiceClient
	image   *gophercloud.ServiceClient
	logger  *zap.Logger
}

// NewOpenStack authenticates against Keystone and builds the compute and
// image clients. ComputeURL, when set, replaces the catalog's compute
// endpoint.
func NewOpenStack(ctx context.Context, opts OpenStackOptions, logger *zap.Logger) (*OpenStack, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	provider, err := openstack.AuthenticatedClient(ctx, gophercloud.AuthOptions{
		IdentityEndpoint: opts.AuthURL,
		Username:         opts.Username,
		Password:         opts.Password,
		DomainName:       opts.UserDomain,
		AllowReauth:      true,
		Scope: &gophercloud.AuthScope{
			ProjectName: opts.ProjectName,
			DomainName:  opts.ProjectDomain,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openstack auth: %w", err)
	}

	eo := gophercloud.EndpointOpts{Region: opts.Region}
	compute, err := openstack.NewComputeV2(provider, eo)
	if err != nil {
		return nil, fmt.Errorf("compute client: %w", err)
	}
	if opts.ComputeURL != "" {
		compute.Endpoint = gophercloud.NormalizeURL(opts.ComputeURL)
		compute.ResourceBase = ""
	}
	image, err := openstack.NewImageV2(provider, eo)
	if err != nil {
		return nil, fmt.Errorf("image client: %w", err)
	}
	return NewOpenStackFromClients(compute, image, logger), nil
}

// NewOpenStackFromClients wraps already configured service clients.
func NewOpenStackFromClients(compute, image *gophercloud.ServiceClient, logger *zap.Logger) *OpenStack {
	return &OpenStack{compute: compute, image: image, logger: logger.Named("openstack")}
}

func (o *OpenStack) server(ctx context.Context, id models.VMIdentity) (*servers.Server, error) {
	s, err := servers.Get(ctx, o.compute, id.InstanceID).Extract()
	if err != nil {
		return nil, fmt.Errorf("get server %s: %w", id.InstanceID, err)
	}
	return s, nil
}

// Exists reports whether the server is still known to Nova.
func (o *OpenStack) Exists(ctx context.Context, id models.VMIdentity) (bool, error) {
	_, err := servers.Get(ctx, o.compute, id.InstanceID).Extract()
	if err == nil {
		return true, nil
	}
	if gophercloud.ResponseCodeIs(err, http.StatusNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("get server %s: %w", id.InstanceID, err)
}

// GetNetworks returns the server's addresses grouped by network name.
func (o *OpenStack) GetNetworks(ctx context.Context, id models.VMIdentity) (models.AddressBlock, error) {
	s, err := o.server(ctx, id)
	if err != nil {
		return nil, err
	}
	// Addresses is untyped in gophercloud; re-decode into the extended
	// attribute shape.
	raw, err := json.Marshal(s.Addresses)
	if err != nil {
		return nil, fmt.Errorf("encode addresses: %w", err)
	}
	block := models.AddressBlock{}
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, fmt.Errorf("decode addresses: %w", err)
	}
	return block, nil
}

// GetMetadata returns the server's own metadata.
func (o *OpenStack) GetMetadata(ctx context.Context, id models.VMIdentity) (map[string]string, error) {
	md, err := servers.Metadata(ctx, o.compute, id.InstanceID).Extract()
	if err != nil {
		return nil, fmt.Errorf("get server metadata %s: %w", id.InstanceID, err)
	}
	return md, nil
}

// GetImageMetadata returns the string properties of the image the server
// booted from. A server without an image (boot from volume) has none.
func (o *OpenStack) GetImageMetadata(ctx context.Context, id models.VMIdentity) (map[string]string, error) {
	s, err := o.server(ctx, id)
	if err != nil {
		return nil, err
	}
	imageID, _ := s.Image["id"].(string)
	if imageID == "" {
		o.logger.Info("no image found for server", zap.String("instance_id", id.InstanceID))
		return map[string]string{}, nil
	}

	img, err := images.Get(ctx, o.image, imageID).Extract()
	if err != nil {
		return nil, fmt.Errorf("get image %s: %w", imageID, err)
	}
	props := make(map[string]string, len(img.Properties))
	for k, v := range img.Properties {
		if sv, ok := v.(string); ok {
			props[k] = sv
		}
	}
	return props, nil
}

// UpdateMetadata merges md into the server's metadata.
func (o *OpenStack) UpdateMetadata(ctx context.Context, id models.VMIdentity, md map[string]string) error {
	if _, err := servers.UpdateMetadata(ctx, o.compute, id.InstanceID, servers.MetadataOpts(md)).Extract(); err != nil {
		return fmt.Errorf("update server metadata %s: %w", id.InstanceID, err)
	}
	o.logger.Debug("server metadata updated", zap.String("instance_id", id.InstanceID))
	return nil
}
