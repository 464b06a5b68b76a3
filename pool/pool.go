// Package pool tracks which vsock CIDs and forwarded host ports are claimed
// by live instances.
//
// Pool state is process-local and memory-resident. It must be reconstructed
// at startup by replaying every existing manifest through ClaimExisting
// before any new allocation is served, otherwise a restart would re-offer
// resources already bound to running instances.
package pool

import (
	"fmt"
	"sync"

	"github.com/projecteru2/capsule/config"
	"github.com/projecteru2/capsule/types"
)

// portKey identifies one claimable forwarding slot.
type portKey struct {
	address  string
	protocol types.Protocol
	port     uint16
}

// Allocator owns the free/claimed state of the CID pool and the port claims.
// All mutation goes through its methods; every method is one critical
// section, so a concurrent caller can never observe a resource as free while
// another caller's provisioning is in flight.
type Allocator struct {
	mu sync.Mutex

	cidStart uint32
	cidSize  uint32
	cids     map[uint32]string // CID → owning instance ID

	portPolicy *config.PortMappingConfig
	ports      map[portKey]string // claimed slot → owning instance ID
}

// New creates an empty Allocator for the configured CID range and port
// policy.
func New(conf *config.CvmConfig) *Allocator {
	return &Allocator{
		cidStart:   conf.CidStart,
		cidSize:    conf.CidPoolSize,
		cids:       make(map[uint32]string),
		portPolicy: &conf.PortMapping,
		ports:      make(map[portKey]string),
	}
}

// AllocateCID hands out the lowest free CID in
// [cidStart, cidStart+cidSize), bound to owner. Returns
// types.ErrExhausted when the range is fully claimed.
func (a *Allocator) AllocateCID(owner string) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for cid := a.cidStart; cid < a.cidStart+a.cidSize; cid++ {
		if _, taken := a.cids[cid]; !taken {
			a.cids[cid] = owner
			return cid, nil
		}
	}
	return 0, fmt.Errorf("%w: no free CID in [%d, %d)", types.ErrExhausted, a.cidStart, a.cidStart+a.cidSize)
}

// ReleaseCID returns cid to the free set. Releasing an unclaimed CID is a
// no-op.
func (a *Allocator) ReleaseCID(cid uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.cids, cid)
}

// IsPortAllowed reports whether the host's forwarding policy admits
// (protocol, port) at all. Always false when forwarding is disabled.
func (a *Allocator) IsPortAllowed(protocol types.Protocol, port uint16) bool {
	return a.portPolicy.IsAllowed(protocol, port)
}

// PortMappingEnabled reports whether port forwarding is offered at all.
func (a *Allocator) PortMappingEnabled() bool {
	return a.portPolicy.Enabled
}

// BindAddress is the host address forwarded ports are bound to.
func (a *Allocator) BindAddress() string {
	return a.portPolicy.Address
}

// ClaimPorts claims every mapping for owner, all-or-nothing. Returns
// types.ErrConflict if any (address, protocol, host port) triple is already
// held by a live instance.
//
// Collision detection covers only mappings recorded by this allocator; a
// host socket bound outside capsule's control is not seen here.
func (a *Allocator) ClaimPorts(owner string, mappings []types.PortMapping) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range mappings {
		k := portKey{address: m.Address, protocol: m.Protocol, port: m.HostPort}
		if holder, taken := a.ports[k]; taken {
			return fmt.Errorf("%w: %s:%d/%s held by instance %s",
				types.ErrConflict, m.Address, m.HostPort, m.Protocol, holder)
		}
	}
	for _, m := range mappings {
		a.ports[portKey{address: m.Address, protocol: m.Protocol, port: m.HostPort}] = owner
	}
	return nil
}

// ReleasePorts returns every mapping to the free set.
func (a *Allocator) ReleasePorts(mappings []types.PortMapping) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range mappings {
		delete(a.ports, portKey{address: m.Address, protocol: m.Protocol, port: m.HostPort})
	}
}

// ClaimExisting replays one manifest's recorded resources into the pool
// during startup reconstruction. Claims are taken as-is: the manifest is the
// durable record, so a conflict here means corrupted state and is reported
// rather than papered over.
func (a *Allocator) ClaimExisting(m *types.Manifest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if holder, taken := a.cids[m.CID]; taken {
		return fmt.Errorf("CID %d recorded by both %s and %s", m.CID, holder, m.ID)
	}
	a.cids[m.CID] = m.ID
	for _, pm := range m.PortMap {
		k := portKey{address: pm.Address, protocol: pm.Protocol, port: pm.HostPort}
		if holder, taken := a.ports[k]; taken {
			return fmt.Errorf("port %s:%d/%s recorded by both %s and %s",
				pm.Address, pm.HostPort, pm.Protocol, holder, m.ID)
		}
		a.ports[k] = m.ID
	}
	return nil
}
