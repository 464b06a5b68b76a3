// Package workdir owns the on-disk layout of per-instance work directories.
//
// One directory per instance ID under RunPath:
//
//	manifest.json            authoritative instance description
//	started                  "should be running" flag (presence = true)
//	run/                     hypervisor runtime files (pid, QMP socket, logs)
//	shared/app-compose.json  application compose specification
//	shared/encrypted-env     encrypted environment blob (optional)
//	shared/config.json       generated guest boot config
//	shared/certs/            host trust bundle copies
//	shared/.instance_info    explicit app-id stamp (optional)
//
// The existence of a work directory is the sole source of truth for "this
// instance exists". The manager performs no implicit rollback: when a create
// step fails the caller deletes the partially-created directory.
package workdir

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/projecteru2/capsule/config"
	storejson "github.com/projecteru2/capsule/storage/json"
	"github.com/projecteru2/capsule/types"
	"github.com/projecteru2/capsule/utils"
)

// Manager resolves instance IDs to work directories and mediates all reads
// and writes inside them.
type Manager struct {
	conf *config.Config
}

// New creates a Manager rooted at conf.RunPath.
func New(conf *config.Config) *Manager {
	return &Manager{conf: conf}
}

// CreateRequest carries the payload written into a fresh work directory.
type CreateRequest struct {
	ID           string
	Compose      []byte
	EncryptedEnv []byte
	GuestConfig  *types.GuestConfig
	// ExplicitAppID, when non-empty, is stamped into shared/.instance_info
	// so the guest sees the caller-supplied identity instead of the derived
	// one.
	ExplicitAppID string
}

// Create lays out a new work directory as a best-effort ordered sequence:
// directories, compose file, optional encrypted env, trust bundle copies,
// generated guest config, optional app-id stamp.
//
// Fails with types.ErrAlreadyExists if the directory exists; instance IDs
// are never reused, so this signals an ID collision, not a legitimate race.
func (m *Manager) Create(ctx context.Context, req *CreateRequest) error {
	dir := m.conf.VMWorkDir(req.ID)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("%w: %s", types.ErrAlreadyExists, req.ID)
	}

	if err := utils.EnsureDirs(dir, m.conf.VMSharedDir(req.ID), m.conf.VMCertsDir(req.ID), m.conf.VMRuntimeDir(req.ID)); err != nil {
		return err
	}
	if err := utils.AtomicWriteFile(m.conf.VMComposePath(req.ID), req.Compose, 0o644); err != nil {
		return fmt.Errorf("write compose file: %w", err)
	}
	if len(req.EncryptedEnv) > 0 {
		if err := utils.AtomicWriteFile(m.conf.VMEncryptedEnvPath(req.ID), req.EncryptedEnv, 0o600); err != nil {
			return fmt.Errorf("write encrypted env: %w", err)
		}
	}
	if err := m.copyTrustBundle(req.ID); err != nil {
		return err
	}
	if err := utils.AtomicWriteJSON(m.conf.VMGuestConfigPath(req.ID), req.GuestConfig); err != nil {
		return fmt.Errorf("write guest config: %w", err)
	}
	if req.ExplicitAppID != "" {
		stamp := types.InstanceStamp{AppID: req.ExplicitAppID}
		if err := utils.AtomicWriteJSON(m.conf.VMInstanceStampPath(req.ID), &stamp); err != nil {
			return fmt.Errorf("write instance stamp: %w", err)
		}
	}
	return nil
}

// copyTrustBundle drops the host CA materials into shared/certs. A later
// attested in-guest service relies on exactly these files.
func (m *Manager) copyTrustBundle(id string) error {
	certsDir := m.conf.VMCertsDir(id)
	for _, c := range []struct{ src, name string }{
		{m.conf.Cvm.CaCert, "ca.cert"},
		{m.conf.Cvm.TmpCaCert, "tmp-ca.cert"},
		{m.conf.Cvm.TmpCaKey, "tmp-ca.key"},
	} {
		if err := utils.CopyFile(c.src, filepath.Join(certsDir, c.name), 0o600); err != nil {
			return fmt.Errorf("copy trust bundle: %w", err)
		}
	}
	return nil
}

// Exists reports whether a work directory exists for id.
func (m *Manager) Exists(id string) bool {
	info, err := os.Stat(m.conf.VMWorkDir(id))
	return err == nil && info.IsDir()
}

// List returns the instance IDs of all existing work directories.
func (m *Manager) List() []string {
	return utils.ScanSubdirs(m.conf.RunPath)
}

// manifestStore returns the flock-protected store of one instance's
// manifest. Absence of the file maps to types.ErrNotFound. The lock file
// lives inside the work directory, so callers must check Exists before
// touching the store; against an absent directory the lock acquisition
// itself would fail with a raw I/O error.
func (m *Manager) manifestStore(id string) *storejson.Store[types.Manifest] {
	return storejson.NewStrict[types.Manifest](
		m.conf.VMManifestLock(id),
		m.conf.VMManifestPath(id),
		fmt.Errorf("%w: %s", types.ErrNotFound, id),
	)
}

// ReadManifest loads the manifest of id.
func (m *Manager) ReadManifest(ctx context.Context, id string) (types.Manifest, error) {
	var out types.Manifest
	if !m.Exists(id) {
		return out, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	err := m.manifestStore(id).With(ctx, func(mf *types.Manifest) error {
		out = *mf
		return nil
	})
	return out, err
}

// WriteManifest persists a freshly-built manifest as one whole document.
// Used at creation time, before the manifest file exists.
func (m *Manager) WriteManifest(ctx context.Context, manifest *types.Manifest) error {
	if !m.Exists(manifest.ID) {
		return fmt.Errorf("%w: %s", types.ErrNotFound, manifest.ID)
	}
	return utils.AtomicWriteJSON(m.conf.VMManifestPath(manifest.ID), manifest)
}

// UpdateManifest performs a whole-document read-modify-write under the
// per-instance lock. Partial patches never hit the disk.
func (m *Manager) UpdateManifest(ctx context.Context, id string, fn func(*types.Manifest) error) error {
	if !m.Exists(id) {
		return fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	return m.manifestStore(id).Update(ctx, fn)
}

// SetStarted persists the "should be running" flag. The flag survives
// process restarts and decides whether the instance is auto-started after a
// host reboot.
func (m *Manager) SetStarted(id string, started bool) error {
	flag := m.conf.VMStartedFlag(id)
	if started {
		return os.WriteFile(flag, []byte{}, 0o644) //nolint:gosec
	}
	if err := os.Remove(flag); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Started reads the persisted flag.
func (m *Manager) Started(id string) bool {
	_, err := os.Stat(m.conf.VMStartedFlag(id))
	return err == nil
}

// ReadCompose returns the stored compose bytes of id.
func (m *Manager) ReadCompose(id string) ([]byte, error) {
	data, err := os.ReadFile(m.conf.VMComposePath(id)) //nolint:gosec
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", types.ErrNotFound, id)
		}
		return nil, err
	}
	return data, nil
}

// WriteCompose replaces the stored compose specification. The caller
// validates the document before handing it over.
func (m *Manager) WriteCompose(id string, compose []byte) error {
	if !m.Exists(id) {
		return fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	return utils.AtomicWriteFile(m.conf.VMComposePath(id), compose, 0o644)
}

// WriteEncryptedEnv replaces the stored encrypted environment blob.
func (m *Manager) WriteEncryptedEnv(id string, env []byte) error {
	if !m.Exists(id) {
		return fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	return utils.AtomicWriteFile(m.conf.VMEncryptedEnvPath(id), env, 0o600)
}

// Delete removes the entire work directory of id.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := os.RemoveAll(m.conf.VMWorkDir(id)); err != nil {
		return fmt.Errorf("remove work dir %s: %w", id, err)
	}
	return nil
}
