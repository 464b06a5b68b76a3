package config

import (
	"fmt"
	"runtime"

	coretypes "github.com/projecteru2/core/types"

	"github.com/projecteru2/capsule/types"
)

// SystemConfigFile is merged between compiled-in defaults and the
// operator-supplied config file.
const SystemConfigFile = "/etc/capsule/capsule.json"

// PortRange is one allowed (protocol, port interval) entry of the
// port-forwarding policy table.
type PortRange struct {
	Protocol types.Protocol `json:"protocol" mapstructure:"protocol"`
	From     uint16         `json:"from" mapstructure:"from"`
	To       uint16         `json:"to" mapstructure:"to"`
}

// Contains reports whether the range covers (protocol, port).
func (r PortRange) Contains(protocol types.Protocol, port uint16) bool {
	return r.Protocol == protocol && port >= r.From && port <= r.To
}

// PortMappingConfig is the host's port-forwarding policy: whether forwarding
// is offered at all, the bind address, and which (protocol, port) pairs are
// admissible.
type PortMappingConfig struct {
	Enabled bool        `json:"enabled" mapstructure:"enabled"`
	Address string      `json:"address" mapstructure:"address"`
	Range   []PortRange `json:"range" mapstructure:"range"`
}

// IsAllowed reports whether the host is willing to forward (protocol, port).
// Always false when forwarding is disabled.
func (c *PortMappingConfig) IsAllowed(protocol types.Protocol, port uint16) bool {
	if !c.Enabled {
		return false
	}
	for _, r := range c.Range {
		if r.Contains(protocol, port) {
			return true
		}
	}
	return false
}

// CvmConfig holds per-instance provisioning settings: the trust bundle
// dropped into each work directory, collaborator URLs handed to the guest,
// and the host resource pools.
type CvmConfig struct {
	CaCert    string `json:"ca_cert" mapstructure:"ca_cert"`
	TmpCaCert string `json:"tmp_ca_cert" mapstructure:"tmp_ca_cert"`
	TmpCaKey  string `json:"tmp_ca_key" mapstructure:"tmp_ca_key"`

	KmsURL         string `json:"kms_url" mapstructure:"kms_url"`
	TproxyURL      string `json:"tproxy_url" mapstructure:"tproxy_url"`
	DockerRegistry string `json:"docker_registry" mapstructure:"docker_registry"`

	// CidStart/CidPoolSize define the vsock CID pool
	// [CidStart, CidStart+CidPoolSize).
	CidStart    uint32 `json:"cid_start" mapstructure:"cid_start"`
	CidPoolSize uint32 `json:"cid_pool_size" mapstructure:"cid_pool_size"`

	PortMapping PortMappingConfig `json:"port_mapping" mapstructure:"port_mapping"`

	// Resource ceilings, reported by GetMeta. Not enforced per-instance yet.
	MaxDiskSizeGB        uint32 `json:"max_disk_size" mapstructure:"max_disk_size"`
	MaxAllocableVcpu     uint32 `json:"max_allocable_vcpu" mapstructure:"max_allocable_vcpu"`
	MaxAllocableMemoryMB uint32 `json:"max_allocable_memory_in_mb" mapstructure:"max_allocable_memory_in_mb"`
}

// GatewayConfig describes the ingress gateway the guests are reachable
// through, reported by GetMeta.
type GatewayConfig struct {
	BaseDomain string `json:"base_domain" mapstructure:"base_domain"`
	Port       uint16 `json:"port" mapstructure:"port"`
	AgentPort  uint16 `json:"agent_port" mapstructure:"agent_port"`
}

// AuthConfig enables bearer-token authentication on the RPC surface.
type AuthConfig struct {
	Enabled bool     `json:"enabled" mapstructure:"enabled"`
	Tokens  []string `json:"tokens" mapstructure:"tokens"`
}

// Config holds global capsule configuration, fully resolved by the command
// layer (defaults → system file → user file → env) before any component
// sees it.
type Config struct {
	// ImagePath is the catalog of immutable guest image sets.
	ImagePath string `json:"image_path" mapstructure:"image_path"`
	// RunPath holds one work directory per VM instance.
	RunPath string `json:"run_path" mapstructure:"run_path"`
	// QemuPath is the hypervisor binary.
	QemuPath string `json:"qemu_path" mapstructure:"qemu_path"`

	// Address/Port is the RPC listen endpoint.
	Address string `json:"address" mapstructure:"address"`
	Port    uint16 `json:"port" mapstructure:"port"`

	// KmsURL is the remote key-management collaborator.
	KmsURL string `json:"kms_url" mapstructure:"kms_url"`

	// PoolSize is the goroutine pool size for concurrent boot recovery.
	// Defaults to runtime.NumCPU() if zero.
	PoolSize int `json:"pool_size" mapstructure:"pool_size"`
	// StopTimeoutSeconds is the graceful-shutdown window before a guest is
	// forcibly terminated.
	StopTimeoutSeconds int `json:"stop_timeout_seconds" mapstructure:"stop_timeout_seconds"`

	Cvm     CvmConfig     `json:"cvm" mapstructure:"cvm"`
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`
	Auth    AuthConfig    `json:"auth" mapstructure:"auth"`

	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ImagePath:          "/var/lib/capsule/image",
		RunPath:            "/var/lib/capsule/vm",
		QemuPath:           "qemu-system-x86_64",
		Address:            "127.0.0.1",
		Port:               8090,
		PoolSize:           runtime.NumCPU(),
		StopTimeoutSeconds: 30,
		Cvm: CvmConfig{
			CidStart:    1000,
			CidPoolSize: 20,
			PortMapping: PortMappingConfig{
				Address: "127.0.0.1",
			},
			MaxDiskSizeGB:        100,
			MaxAllocableVcpu:     8,
			MaxAllocableMemoryMB: 32768,
		},
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// Validate rejects configurations the core cannot operate on.
func (c *Config) Validate() error {
	if c.Cvm.CidPoolSize == 0 {
		return fmt.Errorf("cvm.cid_pool_size must be > 0")
	}
	if c.Cvm.CidStart < 3 {
		// CIDs 0-2 are reserved by the vsock transport.
		return fmt.Errorf("cvm.cid_start must be >= 3")
	}
	for _, r := range c.Cvm.PortMapping.Range {
		if _, err := types.ParseProtocol(string(r.Protocol)); err != nil {
			return fmt.Errorf("cvm.port_mapping: %w", err)
		}
		if r.From > r.To {
			return fmt.Errorf("cvm.port_mapping: range [%d,%d] is inverted", r.From, r.To)
		}
	}
	return nil
}
