package types

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ImageMetadata describes one immutable guest image set, loaded from
// {ImagePath}/{name}/metadata.json. File paths are relative to the image
// directory.
type ImageMetadata struct {
	Version string `json:"version"`
	Kernel  string `json:"kernel"`
	Initrd  string `json:"initrd"`
	Rootfs  string `json:"rootfs"`
	Bios    string `json:"bios,omitempty"`
	Cmdline string `json:"cmdline,omitempty"`

	// RootfsHash is the hex content hash of the rootfs, measured into the
	// guest's boot chain and handed to the instance via shared/config.json.
	RootfsHash string `json:"rootfs_hash"`
}

// LoadImageMetadata reads and decodes an image's metadata.json.
func LoadImageMetadata(path string) (*ImageMetadata, error) {
	data, err := os.ReadFile(path) //nolint:gosec // capsule-managed image dir
	if err != nil {
		return nil, fmt.Errorf("read image metadata: %w", err)
	}
	var meta ImageMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &meta, nil
}

// AbsPaths resolves the metadata's relative file references against dir.
func (m *ImageMetadata) AbsPaths(dir string) *ImageMetadata {
	out := *m
	for _, p := range []*string{&out.Kernel, &out.Initrd, &out.Rootfs, &out.Bios} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
	return &out
}

// GuestConfig is written to shared/config.json and read by the guest's boot
// tooling to locate its trust roots and verify the rootfs.
type GuestConfig struct {
	RootfsHash     string `json:"rootfs_hash"`
	KmsURL         string `json:"kms_url"`
	TproxyURL      string `json:"tproxy_url"`
	DockerRegistry string `json:"docker_registry"`
}

// InstanceStamp is written to shared/.instance_info only when the caller
// supplied an explicit app ID, so the guest can re-associate with the
// original application rather than the content-derived identity.
type InstanceStamp struct {
	AppID string `json:"app_id"`
}
