// Package inventory is the reconciler's view of the compute inventory: whether
// a VM still exists, its addresses and metadata, and the metadata write-back.
package inventory

import (
	"context"

	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/models"
)

// Metadata keys written back to a VM once it is registered.
const (
	KeyHostnames = "HOSTNAMES"
	KeyStatus    = "AQ_STATUS"
	KeyMachine   = "AQ_MACHINE"

	StatusSuccess = "SUCCESS"
)

// Service is implemented by OpenStack and by test fakes.
type Service interface {
	Exists(ctx context.Context, id models.VMIdentity) (bool, error)
	GetNetworks(ctx context.Context, id models.VMIdentity) (models.AddressBlock, error)
	GetMetadata(ctx context.Context, id models.VMIdentity) (map[string]string, error)
	GetImageMetadata(ctx context.Context, id models.VMIdentity) (map[string]string, error)
	UpdateMetadata(ctx context.Context, id models.VMIdentity, md map[string]string) error
}
