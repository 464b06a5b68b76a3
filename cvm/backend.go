package cvm

import (
	"context"

	"github.com/projecteru2/capsule/types"
)

// LaunchSpec carries everything a backend needs to start one instance: the
// durable manifest, the work directory paths, and the resolved image files.
type LaunchSpec struct {
	Manifest  types.Manifest
	WorkDir   string
	SharedDir string
	// Image has file paths resolved absolute against the image directory.
	Image *types.ImageMetadata
}

// Backend is the VM runtime collaborator that actually starts and stops
// guest processes. The control plane computes launch parameters and owns all
// durable state; the backend owns only the process.
type Backend interface {
	Launch(ctx context.Context, spec *LaunchSpec) error
	Stop(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (types.VMStatus, error)
}
