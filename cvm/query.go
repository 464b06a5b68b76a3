package cvm

import (
	"context"
	"errors"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/projecteru2/capsule/types"
	"github.com/projecteru2/capsule/utils"
)

// statusQueryParallelism bounds concurrent backend status probes in ListVMs.
const statusQueryParallelism = 8

// GetVM returns the read projection of one instance, with its current
// backend-reported status.
func (m *Manager) GetVM(ctx context.Context, id string) (*types.InstanceInfo, error) {
	manifest, err := m.work.ReadManifest(ctx, id)
	if err != nil {
		return nil, err
	}
	status, err := m.backend.Status(ctx, id)
	if err != nil {
		status = types.VMStatusUnknown
	}
	return project(&manifest, status), nil
}

// ListVMs returns projections of every existing work directory, oldest
// first. Backend statuses are gathered concurrently. Directories that lose
// their manifest mid-scan (a concurrent remove) are skipped.
func (m *Manager) ListVMs(ctx context.Context) ([]*types.InstanceInfo, error) {
	ids := m.work.List()

	var mu sync.Mutex
	var out []*types.InstanceInfo
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statusQueryParallelism)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			info, err := m.GetVM(gctx, id)
			if err != nil {
				if errors.Is(err, types.ErrNotFound) {
					return nil
				}
				return err
			}
			mu.Lock()
			out = append(out, info)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMs != out[j].CreatedAtMs {
			return out[i].CreatedAtMs < out[j].CreatedAtMs
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListImageNames enumerates the image catalog: every directory under
// ImagePath with a valid metadata.json.
func (m *Manager) ListImageNames() []string {
	var names []string
	for _, name := range utils.ScanSubdirs(m.conf.ImagePath) {
		if utils.ValidFile(m.conf.ImageMetadataPath(name)) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// PortMappingEnabled exposes the host forwarding policy to the status RPC.
func (m *Manager) PortMappingEnabled() bool {
	return m.alloc.PortMappingEnabled()
}

func project(manifest *types.Manifest, status types.VMStatus) *types.InstanceInfo {
	return &types.InstanceInfo{
		ID:          manifest.ID,
		Name:        manifest.Name,
		AppID:       manifest.AppID,
		Image:       manifest.Image,
		Vcpu:        manifest.Vcpu,
		MemoryMB:    manifest.MemoryMB,
		DiskSizeGB:  manifest.DiskSizeGB,
		Status:      status,
		PortMap:     manifest.PortMap,
		CreatedAtMs: manifest.CreatedAtMs,
	}
}
