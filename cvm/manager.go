// Package cvm implements the VM lifecycle and resource-allocation engine:
// it turns validated requests into durable, uniquely-identified,
// resource-safe instance records and reverses partial work when any step
// fails.
package cvm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/capsule/config"
	"github.com/projecteru2/capsule/pool"
	"github.com/projecteru2/capsule/types"
	"github.com/projecteru2/capsule/utils"
	"github.com/projecteru2/capsule/workdir"
)

// Manager sequences directory preparation, resource allocation, manifest
// persistence and backend invocation for all lifecycle operations.
//
// Operations on different instance IDs may interleave arbitrarily.
// Concurrent mutating operations on the same instance ID are not serialized
// here; callers must not issue them without external coordination.
type Manager struct {
	conf    *config.Config
	alloc   *pool.Allocator
	work    *workdir.Manager
	backend Backend
}

// New builds a Manager and reconstructs the resource pools from the existing
// work directories before any allocation is served. Work directories without
// a manifest are crash remnants of an interrupted create and are swept away.
// A resource recorded by two manifests means corrupted state and fails
// startup.
func New(ctx context.Context, conf *config.Config, backend Backend) (*Manager, error) {
	if err := conf.EnsureDirs(); err != nil {
		return nil, err
	}
	m := &Manager{
		conf:    conf,
		alloc:   pool.New(&conf.Cvm),
		work:    workdir.New(conf),
		backend: backend,
	}

	logger := log.WithFunc("cvm.New")
	orphans := make(map[string]struct{})
	for _, id := range m.work.List() {
		manifest, err := m.work.ReadManifest(ctx, id)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				logger.Warnf(ctx, "work dir %s has no manifest, sweeping", id)
				orphans[id] = struct{}{}
				continue
			}
			return nil, fmt.Errorf("recover instance %s: %w", id, err)
		}
		if err := m.alloc.ClaimExisting(&manifest); err != nil {
			return nil, fmt.Errorf("rebuild resource pools: %w", err)
		}
	}
	for _, err := range utils.RemoveMatching(ctx, conf.RunPath, func(e os.DirEntry) bool {
		_, ok := orphans[e.Name()]
		return ok && e.IsDir()
	}) {
		logger.Warnf(ctx, "sweep orphan dir: %v", err)
	}
	return m, nil
}

// AutoStart launches every instance whose persisted started flag is set and
// that is not already running. Called once after New on daemon boot;
// instances are started concurrently on a bounded goroutine pool.
func (m *Manager) AutoStart(ctx context.Context) error {
	workers, err := ants.NewPool(m.conf.PoolSize)
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	defer workers.Release()

	logger := log.WithFunc("cvm.AutoStart")
	var wg sync.WaitGroup
	for _, id := range m.work.List() {
		if !m.work.Started(id) {
			continue
		}
		if status, _ := m.backend.Status(ctx, id); status == types.VMStatusRunning {
			continue
		}
		wg.Add(1)
		if err := workers.Submit(func() {
			defer wg.Done()
			if err := m.StartVM(ctx, id); err != nil {
				logger.Warnf(ctx, "auto-start %s: %v", id, err)
				return
			}
			logger.Infof(ctx, "auto-started %s", id)
		}); err != nil {
			wg.Done()
			logger.Warnf(ctx, "submit auto-start %s: %v", id, err)
		}
	}
	wg.Wait()
	return nil
}

// launchSpec resolves the manifest's image reference and assembles the
// backend launch parameters.
func (m *Manager) launchSpec(manifest *types.Manifest) (*LaunchSpec, error) {
	meta, err := types.LoadImageMetadata(m.conf.ImageMetadataPath(manifest.Image))
	if err != nil {
		return nil, fmt.Errorf("resolve image %q: %w", manifest.Image, err)
	}
	return &LaunchSpec{
		Manifest:  *manifest,
		WorkDir:   m.conf.VMWorkDir(manifest.ID),
		SharedDir: m.conf.VMSharedDir(manifest.ID),
		Image:     meta.AbsPaths(m.conf.ImageDir(manifest.Image)),
	}, nil
}
