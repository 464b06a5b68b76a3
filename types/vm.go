package types

import "errors"

// Error taxonomy shared by all packages. Callers classify failures with
// errors.Is; the RPC layer maps each sentinel to an HTTP status code.
var (
	// ErrInvalid marks a request rejected before any mutation.
	ErrInvalid = errors.New("invalid request")
	// ErrNotFound is returned when an instance ID has no work directory.
	ErrNotFound = errors.New("instance not found")
	// ErrAlreadyExists is returned when a work directory for an instance ID
	// already exists. IDs are never reused, so this signals an ID collision.
	ErrAlreadyExists = errors.New("instance already exists")
	// ErrConflict marks an operation illegal in the instance's current state.
	ErrConflict = errors.New("operation conflicts with instance state")
	// ErrExhausted is returned when a resource pool has no free values left.
	ErrExhausted = errors.New("resource pool exhausted")
)

// VMStatus is the backend-reported run state of an instance.
type VMStatus string

const (
	VMStatusRunning VMStatus = "running"
	VMStatusStopped VMStatus = "stopped"
	VMStatusUnknown VMStatus = "unknown"
)

// Protocol is a forwarded-port transport protocol.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// ParseProtocol validates a protocol string from a request or config file.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(s) {
	case ProtocolTCP, ProtocolUDP:
		return Protocol(s), nil
	default:
		return "", errors.New("invalid protocol: " + s)
	}
}

// PortMapping forwards (Address, Protocol, HostPort) on the host to
// GuestPort inside the VM. At most one live instance may claim a given
// (Address, Protocol, HostPort) triple.
type PortMapping struct {
	Address   string   `json:"address"`
	Protocol  Protocol `json:"protocol"`
	HostPort  uint16   `json:"host_port"`
	GuestPort uint16   `json:"guest_port"`
}

// Manifest is the authoritative description of one VM instance, persisted as
// manifest.json in the instance work directory.
//
// ID, AppID and CID are immutable once created. Vcpu, MemoryMB and DiskSizeGB
// are the only fields mutable post-creation (via resize); DiskSizeGB is a
// declared value only; no storage reallocation happens on change.
type Manifest struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	AppID string `json:"app_id"`
	Image string `json:"image"`

	Vcpu       uint32 `json:"vcpu"`
	MemoryMB   uint32 `json:"memory"`
	DiskSizeGB uint32 `json:"disk_size"`

	// CID is the vsock context identifier assigned from the host pool.
	CID uint32 `json:"cid"`

	PortMap []PortMapping `json:"port_map"`

	CreatedAtMs uint64 `json:"created_at_ms"`
}

// InstanceInfo is the read projection of one instance returned by the
// status/info RPCs.
type InstanceInfo struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	AppID       string        `json:"app_id"`
	Image       string        `json:"image"`
	Vcpu        uint32        `json:"vcpu"`
	MemoryMB    uint32        `json:"memory"`
	DiskSizeGB  uint32        `json:"disk_size"`
	Status      VMStatus      `json:"status"`
	PortMap     []PortMapping `json:"port_map"`
	CreatedAtMs uint64        `json:"created_at_ms"`
}
