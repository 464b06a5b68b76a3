package cvm

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/capsule/appid"
	"github.com/projecteru2/capsule/types"
)

// StartVM launches an existing instance and persists the started flag.
func (m *Manager) StartVM(ctx context.Context, id string) error {
	manifest, err := m.work.ReadManifest(ctx, id)
	if err != nil {
		return err
	}
	spec, err := m.launchSpec(&manifest)
	if err != nil {
		return err
	}
	if err := m.backend.Launch(ctx, spec); err != nil {
		return fmt.Errorf("start instance %s: %w", id, err)
	}
	if err := m.work.SetStarted(id, true); err != nil {
		log.WithFunc("cvm.StartVM").Warnf(ctx, "set started %s: %v", id, err)
	}
	return nil
}

// StopVM shuts the instance down and clears the started flag so it stays
// down across host reboots.
func (m *Manager) StopVM(ctx context.Context, id string) error {
	if _, err := m.work.ReadManifest(ctx, id); err != nil {
		return err
	}
	if err := m.backend.Stop(ctx, id); err != nil {
		return fmt.Errorf("stop instance %s: %w", id, err)
	}
	if err := m.work.SetStarted(id, false); err != nil {
		log.WithFunc("cvm.StopVM").Warnf(ctx, "clear started %s: %v", id, err)
	}
	return nil
}

// RemoveVM tears an instance down: stop the backend, release pooled
// resources, then delete the work directory, in that order, so resources
// are never leaked even if directory deletion fails. A deletion failure is
// reported but does not re-claim the already-released resources.
func (m *Manager) RemoveVM(ctx context.Context, id string) error {
	manifest, err := m.work.ReadManifest(ctx, id)
	if err != nil {
		return err
	}
	if err := m.backend.Stop(ctx, id); err != nil {
		log.WithFunc("cvm.RemoveVM").Warnf(ctx, "stop before remove %s: %v", id, err)
	}
	m.alloc.ReleasePorts(manifest.PortMap)
	m.alloc.ReleaseCID(manifest.CID)
	if err := m.work.Delete(ctx, id); err != nil {
		return err
	}
	return nil
}

// ResizeRequest patches resource quantities; nil fields are left untouched.
type ResizeRequest struct {
	Vcpu       *uint32
	MemoryMB   *uint32
	DiskSizeGB *uint32
}

// ResizeVM applies the provided resource fields to the manifest. The
// instance must be stopped (as reported by the backend); a resize against a
// non-stopped instance fails with a state conflict and leaves the manifest
// untouched.
//
// A disk size change is a declared value only; storage is not reallocated.
func (m *Manager) ResizeVM(ctx context.Context, id string, req *ResizeRequest) error {
	if _, err := m.work.ReadManifest(ctx, id); err != nil {
		return err
	}
	status, err := m.backend.Status(ctx, id)
	if err != nil {
		return fmt.Errorf("query status of %s: %w", id, err)
	}
	if status != types.VMStatusStopped {
		return fmt.Errorf("%w: instance %s must be stopped before resize (currently %s)", types.ErrConflict, id, status)
	}
	return m.work.UpdateManifest(ctx, id, func(manifest *types.Manifest) error {
		if req.Vcpu != nil {
			manifest.Vcpu = *req.Vcpu
		}
		if req.MemoryMB != nil {
			manifest.MemoryMB = *req.MemoryMB
		}
		if req.DiskSizeGB != nil {
			manifest.DiskSizeGB = *req.DiskSizeGB
		}
		return nil
	})
}

// UpgradeApp replaces the stored compose specification and/or encrypted
// environment of an instance. The run state is not changed.
//
// A new compose is schema-validated before anything is written, and the
// application ID is re-derived from it; the returned ID is empty when the
// compose is unchanged. Encrypted environment replacement is independent.
func (m *Manager) UpgradeApp(ctx context.Context, id string, compose, encryptedEnv []byte) (string, error) {
	var newAppID string
	if len(compose) > 0 {
		if _, err := types.ParseAppCompose(compose); err != nil {
			return "", err
		}
		if err := m.work.WriteCompose(id, compose); err != nil {
			return "", err
		}
		newAppID = appid.Derive(compose)
		if err := m.work.UpdateManifest(ctx, id, func(manifest *types.Manifest) error {
			manifest.AppID = newAppID
			return nil
		}); err != nil {
			return "", err
		}
	}
	if len(encryptedEnv) > 0 {
		if err := m.work.WriteEncryptedEnv(id, encryptedEnv); err != nil {
			return "", err
		}
	}
	return newAppID, nil
}
