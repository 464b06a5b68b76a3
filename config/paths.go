package config

import (
	"path/filepath"

	"github.com/projecteru2/capsule/utils"
)

// EnsureDirs creates the static directories the control plane requires.
// Per-instance work directories are created on demand at VM creation.
func (c *Config) EnsureDirs() error {
	return utils.EnsureDirs(c.ImagePath, c.RunPath)
}

// VMWorkDir returns the work directory of one instance. Its existence is the
// sole source of truth for "this instance exists".
func (c *Config) VMWorkDir(id string) string { return filepath.Join(c.RunPath, id) }

// VMSharedDir is the subtree exposed to the guest.
func (c *Config) VMSharedDir(id string) string { return filepath.Join(c.VMWorkDir(id), "shared") }

func (c *Config) VMCertsDir(id string) string { return filepath.Join(c.VMSharedDir(id), "certs") }

func (c *Config) VMComposePath(id string) string {
	return filepath.Join(c.VMSharedDir(id), "app-compose.json")
}

func (c *Config) VMEncryptedEnvPath(id string) string {
	return filepath.Join(c.VMSharedDir(id), "encrypted-env")
}

func (c *Config) VMGuestConfigPath(id string) string {
	return filepath.Join(c.VMSharedDir(id), "config.json")
}

func (c *Config) VMInstanceStampPath(id string) string {
	return filepath.Join(c.VMSharedDir(id), ".instance_info")
}

// VMManifestPath and VMManifestLock are the per-instance manifest store paths.
func (c *Config) VMManifestPath(id string) string {
	return filepath.Join(c.VMWorkDir(id), "manifest.json")
}
func (c *Config) VMManifestLock(id string) string {
	return filepath.Join(c.VMWorkDir(id), "manifest.lock")
}

// VMStartedFlag is the persisted "should be running" marker consulted on
// host reboot.
func (c *Config) VMStartedFlag(id string) string {
	return filepath.Join(c.VMWorkDir(id), "started")
}

// VMRuntimeDir holds hypervisor runtime files (pid file, QMP socket, logs).
func (c *Config) VMRuntimeDir(id string) string { return filepath.Join(c.VMWorkDir(id), "run") }

func (c *Config) VMPIDFile(id string) string {
	return filepath.Join(c.VMRuntimeDir(id), "qemu.pid")
}
func (c *Config) VMQMPSocket(id string) string {
	return filepath.Join(c.VMRuntimeDir(id), "qmp.sock")
}
func (c *Config) VMSerialLog(id string) string {
	return filepath.Join(c.VMRuntimeDir(id), "serial.log")
}
func (c *Config) VMProcessLog(id string) string {
	return filepath.Join(c.VMRuntimeDir(id), "qemu.log")
}

// ImageDir returns the directory of one immutable image set.
func (c *Config) ImageDir(name string) string { return filepath.Join(c.ImagePath, name) }

func (c *Config) ImageMetadataPath(name string) string {
	return filepath.Join(c.ImageDir(name), "metadata.json")
}
