package cvm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/capsule/appid"
	"github.com/projecteru2/capsule/types"
	"github.com/projecteru2/capsule/workdir"
)

// CreateRequest describes a new instance. Ports carry protocol and port
// numbers only; the bind address comes from the host policy.
type CreateRequest struct {
	Name       string
	Image      string
	Vcpu       uint32
	MemoryMB   uint32
	DiskSizeGB uint32
	Ports      []types.PortMapping

	Compose      []byte
	EncryptedEnv []byte

	// AppID, when non-empty, overrides the content-derived identity.
	AppID string
}

// CreateVM provisions a new instance and returns its freshly-generated ID.
//
// Sequence: validate → resolve app identity → allocate CID and claim ports →
// lay out the work directory → persist the manifest → mark started → launch.
// Any failure after resources are touched rolls everything back (resources
// released, work directory deleted) and propagates the original error; no
// partial instance is left discoverable.
func (m *Manager) CreateVM(ctx context.Context, req *CreateRequest) (string, error) {
	if err := validateName(req.Name); err != nil {
		return "", err
	}
	portMap, err := m.validatePorts(req.Ports)
	if err != nil {
		return "", err
	}
	meta, err := types.LoadImageMetadata(m.conf.ImageMetadataPath(req.Image))
	if err != nil {
		return "", fmt.Errorf("%w: image %q: %v", types.ErrInvalid, req.Image, err)
	}
	if meta.RootfsHash == "" {
		return "", fmt.Errorf("%w: image %q has no rootfs hash", types.ErrInvalid, req.Image)
	}

	appID := req.AppID
	if appID == "" {
		appID = appid.Derive(req.Compose)
	}
	id := uuid.NewString()

	cid, err := m.alloc.AllocateCID(id)
	if err != nil {
		return "", err
	}
	if err := m.alloc.ClaimPorts(id, portMap); err != nil {
		m.alloc.ReleaseCID(cid)
		return "", err
	}

	manifest := &types.Manifest{
		ID:          id,
		Name:        req.Name,
		AppID:       appID,
		Image:       req.Image,
		Vcpu:        req.Vcpu,
		MemoryMB:    req.MemoryMB,
		DiskSizeGB:  req.DiskSizeGB,
		CID:         cid,
		PortMap:     portMap,
		CreatedAtMs: uint64(time.Now().UnixMilli()),
	}

	if err := m.provision(ctx, manifest, req, meta.RootfsHash); err != nil {
		m.rollbackCreate(ctx, manifest, err)
		return "", err
	}
	return id, nil
}

// provision performs the durable steps of CreateVM after resources are held.
func (m *Manager) provision(ctx context.Context, manifest *types.Manifest, req *CreateRequest, rootfsHash string) error {
	err := m.work.Create(ctx, &workdir.CreateRequest{
		ID:           manifest.ID,
		Compose:      req.Compose,
		EncryptedEnv: req.EncryptedEnv,
		GuestConfig: &types.GuestConfig{
			RootfsHash:     rootfsHash,
			KmsURL:         m.conf.Cvm.KmsURL,
			TproxyURL:      m.conf.Cvm.TproxyURL,
			DockerRegistry: m.conf.Cvm.DockerRegistry,
		},
		ExplicitAppID: req.AppID,
	})
	if err != nil {
		return fmt.Errorf("prepare work dir: %w", err)
	}
	if err := m.work.WriteManifest(ctx, manifest); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := m.work.SetStarted(manifest.ID, true); err != nil {
		log.WithFunc("cvm.CreateVM").Warnf(ctx, "set started %s: %v", manifest.ID, err)
	}

	spec, err := m.launchSpec(manifest)
	if err != nil {
		return err
	}
	if err := m.backend.Launch(ctx, spec); err != nil {
		return fmt.Errorf("launch instance: %w", err)
	}
	return nil
}

// rollbackCreate compensates a failed create: the work directory is deleted
// and the claimed resources released. When the provisioning failed because
// the work directory already existed, that directory belongs to another
// instance and is left untouched. A failure during rollback itself is
// logged, not escalated; the primary error dominates the caller's response.
func (m *Manager) rollbackCreate(ctx context.Context, manifest *types.Manifest, cause error) {
	if !errors.Is(cause, types.ErrAlreadyExists) {
		if err := m.work.Delete(ctx, manifest.ID); err != nil {
			log.WithFunc("cvm.rollbackCreate").Warnf(ctx, "delete work dir %s: %v", manifest.ID, err)
		}
	}
	m.alloc.ReleasePorts(manifest.PortMap)
	m.alloc.ReleaseCID(manifest.CID)
}

// validateName enforces the display-name character set: alphanumeric, dash
// and underscore. Names are not pool-checked for uniqueness; duplicate names
// across distinct instance IDs are allowed.
func validateName(name string) error {
	for _, c := range name {
		if c == '-' || c == '_' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			continue
		}
		return fmt.Errorf("%w: invalid name %q", types.ErrInvalid, name)
	}
	return nil
}

// validatePorts checks every requested mapping against the host forwarding
// policy and resolves the bind address. Mappings are rejected outright when
// forwarding is globally disabled and any mapping is requested.
func (m *Manager) validatePorts(ports []types.PortMapping) ([]types.PortMapping, error) {
	if len(ports) == 0 {
		return nil, nil
	}
	if !m.alloc.PortMappingEnabled() {
		return nil, fmt.Errorf("%w: port mapping is disabled", types.ErrInvalid)
	}
	out := make([]types.PortMapping, 0, len(ports))
	for _, p := range ports {
		if _, err := types.ParseProtocol(string(p.Protocol)); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrInvalid, err)
		}
		if !m.alloc.IsPortAllowed(p.Protocol, p.HostPort) {
			return nil, fmt.Errorf("%w: port mapping not allowed for %s:%d", types.ErrInvalid, p.Protocol, p.HostPort)
		}
		p.Address = m.alloc.BindAddress()
		out = append(out, p)
	}
	return out, nil
}
