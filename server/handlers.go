package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/projecteru2/capsule/cvm"
	"github.com/projecteru2/capsule/types"
)

// PortSpec is one requested forwarding in a create request. Ports are wide
// integers on the wire and validated against the uint16 range before casting.
type PortSpec struct {
	Protocol string `json:"protocol"`
	HostPort uint32 `json:"host_port"`
	VMPort   uint32 `json:"vm_port"`
}

// CreateVMRequest mirrors the CreateVm RPC.
type CreateVMRequest struct {
	Name         string     `json:"name"`
	Image        string     `json:"image"`
	Vcpu         uint32     `json:"vcpu"`
	MemoryMB     uint32     `json:"memory"`
	DiskSizeGB   uint32     `json:"disk_size"`
	Ports        []PortSpec `json:"ports"`
	ComposeFile  string     `json:"compose_file"`
	EncryptedEnv []byte     `json:"encrypted_env"`
	AppID        string     `json:"app_id,omitempty"`
}

// IDRequest carries the instance ID of StartVm/StopVm/RemoveVm/GetInfo.
type IDRequest struct {
	ID string `json:"id"`
}

// IDResponse carries an instance or application ID back to the caller.
type IDResponse struct {
	ID string `json:"id"`
}

// ResizeVMRequest mirrors the ResizeVm RPC; nil fields are left untouched.
type ResizeVMRequest struct {
	ID         string  `json:"id"`
	Vcpu       *uint32 `json:"vcpu,omitempty"`
	MemoryMB   *uint32 `json:"memory,omitempty"`
	DiskSizeGB *uint32 `json:"disk_size,omitempty"`
}

// UpgradeAppRequest mirrors the UpgradeApp RPC.
type UpgradeAppRequest struct {
	ID           string `json:"id"`
	ComposeFile  string `json:"compose_file,omitempty"`
	EncryptedEnv []byte `json:"encrypted_env,omitempty"`
}

// StatusResponse lists all instances plus whether port forwarding is offered.
type StatusResponse struct {
	VMs                []*types.InstanceInfo `json:"vms"`
	PortMappingEnabled bool                  `json:"port_mapping_enabled"`
}

// ImageInfo is one entry of the ListImages response.
type ImageInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ImageListResponse mirrors the ListImages RPC.
type ImageListResponse struct {
	Images []ImageInfo `json:"images"`
}

// GetInfoResponse mirrors the GetInfo RPC.
type GetInfoResponse struct {
	Found bool                `json:"found"`
	Info  *types.InstanceInfo `json:"info,omitempty"`
}

// GetMetaResponse reports collaborator endpoints and host resource ceilings.
type GetMetaResponse struct {
	KMS       KmsSettings       `json:"kms"`
	Tproxy    TproxySettings    `json:"tproxy"`
	Resources ResourcesSettings `json:"resources"`
}

type KmsSettings struct {
	URL string `json:"url"`
}

type TproxySettings struct {
	URL        string `json:"url"`
	BaseDomain string `json:"base_domain"`
	Port       uint32 `json:"port"`
	AgentPort  uint32 `json:"agent_port"`
}

type ResourcesSettings struct {
	MaxCvmNumber         uint32 `json:"max_cvm_number"`
	MaxAllocableVcpu     uint32 `json:"max_allocable_vcpu"`
	MaxAllocableMemoryMB uint32 `json:"max_allocable_memory_in_mb"`
	MaxDiskSizeGB        uint32 `json:"max_disk_size_in_gb"`
}

// AppIDRequest and PublicKeyResponse mirror the KMS pubkey proxy RPC.
type AppIDRequest struct {
	AppID string `json:"app_id"`
}

type PublicKeyResponse struct {
	PublicKey string `json:"public_key"`
}

func (s *Server) handleCreateVM(w http.ResponseWriter, r *http.Request) {
	var req CreateVMRequest
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	ports := make([]types.PortMapping, 0, len(req.Ports))
	for _, p := range req.Ports {
		if p.HostPort > 65535 || p.VMPort > 65535 || p.HostPort == 0 || p.VMPort == 0 {
			fail(w, fmt.Errorf("%w: port out of range: %d -> %d", types.ErrInvalid, p.HostPort, p.VMPort))
			return
		}
		proto, err := types.ParseProtocol(p.Protocol)
		if err != nil {
			fail(w, fmt.Errorf("%w: %v", types.ErrInvalid, err))
			return
		}
		ports = append(ports, types.PortMapping{
			Protocol:  proto,
			HostPort:  uint16(p.HostPort),
			GuestPort: uint16(p.VMPort),
		})
	}
	id, err := s.mgr.CreateVM(r.Context(), &cvm.CreateRequest{
		Name:         req.Name,
		Image:        req.Image,
		Vcpu:         req.Vcpu,
		MemoryMB:     req.MemoryMB,
		DiskSizeGB:   req.DiskSizeGB,
		Ports:        ports,
		Compose:      []byte(req.ComposeFile),
		EncryptedEnv: req.EncryptedEnv,
		AppID:        req.AppID,
	})
	if err != nil {
		fail(w, err)
		return
	}
	writeResult(w, IDResponse{ID: id})
}

// idHandler wraps the Start/Stop/Remove trio: same request shape, empty
// response.
func (s *Server) idHandler(op func(r *http.Request, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req IDRequest
		if err := decode(r, &req); err != nil {
			fail(w, err)
			return
		}
		if req.ID == "" {
			fail(w, fmt.Errorf("%w: id must not be empty", types.ErrInvalid))
			return
		}
		if err := op(r, req.ID); err != nil {
			fail(w, err)
			return
		}
		writeResult(w, struct{}{})
	}
}

func (s *Server) handleStartVM(w http.ResponseWriter, r *http.Request) {
	s.idHandler(func(r *http.Request, id string) error {
		return s.mgr.StartVM(r.Context(), id)
	})(w, r)
}

func (s *Server) handleStopVM(w http.ResponseWriter, r *http.Request) {
	s.idHandler(func(r *http.Request, id string) error {
		return s.mgr.StopVM(r.Context(), id)
	})(w, r)
}

func (s *Server) handleRemoveVM(w http.ResponseWriter, r *http.Request) {
	s.idHandler(func(r *http.Request, id string) error {
		return s.mgr.RemoveVM(r.Context(), id)
	})(w, r)
}

func (s *Server) handleResizeVM(w http.ResponseWriter, r *http.Request) {
	var req ResizeVMRequest
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	if req.ID == "" {
		fail(w, fmt.Errorf("%w: id must not be empty", types.ErrInvalid))
		return
	}
	if err := s.mgr.ResizeVM(r.Context(), req.ID, &cvm.ResizeRequest{
		Vcpu:       req.Vcpu,
		MemoryMB:   req.MemoryMB,
		DiskSizeGB: req.DiskSizeGB,
	}); err != nil {
		fail(w, err)
		return
	}
	writeResult(w, struct{}{})
}

func (s *Server) handleUpgradeApp(w http.ResponseWriter, r *http.Request) {
	var req UpgradeAppRequest
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	if req.ID == "" {
		fail(w, fmt.Errorf("%w: id must not be empty", types.ErrInvalid))
		return
	}
	newAppID, err := s.mgr.UpgradeApp(r.Context(), req.ID, []byte(req.ComposeFile), req.EncryptedEnv)
	if err != nil {
		fail(w, err)
		return
	}
	writeResult(w, IDResponse{ID: newAppID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	vms, err := s.mgr.ListVMs(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	if vms == nil {
		vms = []*types.InstanceInfo{}
	}
	writeResult(w, StatusResponse{
		VMs:                vms,
		PortMappingEnabled: s.mgr.PortMappingEnabled(),
	})
}

func (s *Server) handleListImages(w http.ResponseWriter, _ *http.Request) {
	images := []ImageInfo{}
	for _, name := range s.mgr.ListImageNames() {
		images = append(images, ImageInfo{Name: name})
	}
	writeResult(w, ImageListResponse{Images: images})
}

func (s *Server) handleGetInfo(w http.ResponseWriter, r *http.Request) {
	var req IDRequest
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	if req.ID == "" {
		fail(w, fmt.Errorf("%w: id must not be empty", types.ErrInvalid))
		return
	}
	info, err := s.mgr.GetVM(r.Context(), req.ID)
	if err != nil {
		if writeNotFoundAsMiss(w, err) {
			return
		}
		fail(w, err)
		return
	}
	writeResult(w, GetInfoResponse{Found: true, Info: info})
}

// writeNotFoundAsMiss converts an unknown-instance lookup into a found=false
// response; GetInfo is a query, not a mutation, so absence is not an error.
func writeNotFoundAsMiss(w http.ResponseWriter, err error) bool {
	if errors.Is(err, types.ErrNotFound) {
		writeResult(w, GetInfoResponse{Found: false})
		return true
	}
	return false
}

func (s *Server) handleGetMeta(w http.ResponseWriter, _ *http.Request) {
	conf := s.conf
	writeResult(w, GetMetaResponse{
		KMS: KmsSettings{URL: conf.Cvm.KmsURL},
		Tproxy: TproxySettings{
			URL:        conf.Cvm.TproxyURL,
			BaseDomain: conf.Gateway.BaseDomain,
			Port:       uint32(conf.Gateway.Port),
			AgentPort:  uint32(conf.Gateway.AgentPort),
		},
		Resources: ResourcesSettings{
			MaxCvmNumber:         conf.Cvm.CidPoolSize,
			MaxAllocableVcpu:     conf.Cvm.MaxAllocableVcpu,
			MaxAllocableMemoryMB: conf.Cvm.MaxAllocableMemoryMB,
			MaxDiskSizeGB:        conf.Cvm.MaxDiskSizeGB,
		},
	})
}

func (s *Server) handleGetAppEnvEncryptPubKey(w http.ResponseWriter, r *http.Request) {
	var req AppIDRequest
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	if req.AppID == "" {
		fail(w, fmt.Errorf("%w: app_id must not be empty", types.ErrInvalid))
		return
	}
	pubkey, err := s.kms.appEnvEncryptPubKey(r.Context(), req.AppID)
	if err != nil {
		fail(w, err)
		return
	}
	writeResult(w, PublicKeyResponse{PublicKey: pubkey})
}
