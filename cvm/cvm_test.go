package cvm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/projecteru2/capsule/config"
	"github.com/projecteru2/capsule/types"
)

// fakeBackend records launch/stop calls and serves statuses from a map.
type fakeBackend struct {
	mu        sync.Mutex
	launched  map[string]*LaunchSpec
	statuses  map[string]types.VMStatus
	launchErr error
	stopErr   error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		launched: map[string]*LaunchSpec{},
		statuses: map[string]types.VMStatus{},
	}
}

func (f *fakeBackend) Launch(_ context.Context, spec *LaunchSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return f.launchErr
	}
	f.launched[spec.Manifest.ID] = spec
	f.statuses[spec.Manifest.ID] = types.VMStatusRunning
	return nil
}

func (f *fakeBackend) Stop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.statuses[id] = types.VMStatusStopped
	return nil
}

func (f *fakeBackend) Status(_ context.Context, id string) (types.VMStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.statuses[id]; ok {
		return s, nil
	}
	return types.VMStatusStopped, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	conf := config.DefaultConfig()
	conf.ImagePath = filepath.Join(root, "image")
	conf.RunPath = filepath.Join(root, "vm")
	conf.PoolSize = 2
	conf.Cvm.CidStart = 100
	conf.Cvm.CidPoolSize = 2
	conf.Cvm.PortMapping = config.PortMappingConfig{
		Enabled: true,
		Address: "127.0.0.1",
		Range:   []config.PortRange{{Protocol: types.ProtocolTCP, From: 8000, To: 9000}},
	}

	imageDir := filepath.Join(conf.ImagePath, "test-os")
	if err := os.MkdirAll(imageDir, 0o750); err != nil {
		t.Fatal(err)
	}
	meta := []byte(`{
		"version": "0.3.0",
		"kernel": "vmlinuz",
		"initrd": "initramfs.cpio.gz",
		"rootfs": "rootfs.img",
		"rootfs_hash": "deadbeef"
	}`)
	if err := os.WriteFile(filepath.Join(imageDir, "metadata.json"), meta, 0o644); err != nil {
		t.Fatal(err)
	}

	certs := filepath.Join(root, "certs")
	if err := os.MkdirAll(certs, 0o750); err != nil {
		t.Fatal(err)
	}
	conf.Cvm.CaCert = filepath.Join(certs, "ca.cert")
	conf.Cvm.TmpCaCert = filepath.Join(certs, "tmp-ca.cert")
	conf.Cvm.TmpCaKey = filepath.Join(certs, "tmp-ca.key")
	for _, p := range []string{conf.Cvm.CaCert, conf.Cvm.TmpCaCert, conf.Cvm.TmpCaKey} {
		if err := os.WriteFile(p, []byte("PEM"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	return conf
}

func newTestManager(t *testing.T) (*Manager, *fakeBackend, *config.Config) {
	t.Helper()
	conf := testConfig(t)
	backend := newFakeBackend()
	mgr, err := New(context.Background(), conf, backend)
	if err != nil {
		t.Fatal(err)
	}
	return mgr, backend, conf
}

func testCreateRequest() *CreateRequest {
	return &CreateRequest{
		Name:       "demo",
		Image:      "test-os",
		Vcpu:       2,
		MemoryMB:   1024,
		DiskSizeGB: 20,
		Compose:    []byte(`{"runner":"docker-compose","docker_compose_file":"services: {}"}`),
	}
}

func TestCreateVM(t *testing.T) {
	mgr, backend, conf := newTestManager(t)
	ctx := context.Background()

	id, err := mgr.CreateVM(ctx, testCreateRequest())
	if err != nil {
		t.Fatal(err)
	}

	manifest, err := mgr.work.ReadManifest(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if manifest.CID != 100 {
		t.Fatalf("CID = %d, want 100", manifest.CID)
	}
	if len(manifest.AppID) != 40 {
		t.Fatalf("app ID = %q", manifest.AppID)
	}
	if !mgr.work.Started(id) {
		t.Fatal("fresh instance should carry the started flag")
	}

	spec, ok := backend.launched[id]
	if !ok {
		t.Fatal("backend was not asked to launch")
	}
	if spec.Image.Kernel != filepath.Join(conf.ImageDir("test-os"), "vmlinuz") {
		t.Fatalf("kernel path = %q", spec.Image.Kernel)
	}

	info, err := mgr.GetVM(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != types.VMStatusRunning {
		t.Fatalf("status = %s", info.Status)
	}
}

func TestCreateVMDistinctIDs(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	a, err := mgr.CreateVM(ctx, testCreateRequest())
	if err != nil {
		t.Fatal(err)
	}
	b, err := mgr.CreateVM(ctx, testCreateRequest())
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("instance IDs must be unique")
	}

	ma, _ := mgr.work.ReadManifest(ctx, a)
	mb, _ := mgr.work.ReadManifest(ctx, b)
	if ma.AppID != mb.AppID {
		t.Fatal("identical compose content must derive the same app ID")
	}
	if ma.CID == mb.CID {
		t.Fatal("instances must not share a CID")
	}
}

func TestCreateVMPoolExhausted(t *testing.T) {
	mgr, _, conf := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := mgr.CreateVM(ctx, testCreateRequest()); err != nil {
			t.Fatal(err)
		}
	}
	_, err := mgr.CreateVM(ctx, testCreateRequest())
	if !errors.Is(err, types.ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	// The failed create must not leave a third work directory behind.
	entries, _ := os.ReadDir(conf.RunPath)
	if len(entries) != 2 {
		t.Fatalf("run dir has %d entries, want 2", len(entries))
	}
}

func TestCreateVMRollbackOnLaunchFailure(t *testing.T) {
	mgr, backend, conf := newTestManager(t)
	ctx := context.Background()

	backend.launchErr = errors.New("qemu exploded")
	req := testCreateRequest()
	req.Ports = []types.PortMapping{{Protocol: types.ProtocolTCP, HostPort: 8080, GuestPort: 80}}
	if _, err := mgr.CreateVM(ctx, req); err == nil {
		t.Fatal("create should propagate the launch failure")
	}

	entries, _ := os.ReadDir(conf.RunPath)
	if len(entries) != 0 {
		t.Fatalf("rollback left %d work dirs behind", len(entries))
	}

	// CID 100 and port 8080 are free again.
	backend.launchErr = nil
	id, err := mgr.CreateVM(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	manifest, _ := mgr.work.ReadManifest(ctx, id)
	if manifest.CID != 100 {
		t.Fatalf("CID after rollback = %d, want 100", manifest.CID)
	}
}

func TestRollbackSparesCollidingWorkDir(t *testing.T) {
	mgr, _, conf := newTestManager(t)
	ctx := context.Background()

	id, err := mgr.CreateVM(ctx, testCreateRequest())
	if err != nil {
		t.Fatal(err)
	}
	manifest, err := mgr.work.ReadManifest(ctx, id)
	if err != nil {
		t.Fatal(err)
	}

	// A create that failed because the directory already exists must not
	// delete it: the directory belongs to the instance that got there first.
	mgr.rollbackCreate(ctx, &manifest, fmt.Errorf("prepare work dir: %w", types.ErrAlreadyExists))
	if !mgr.work.Exists(id) {
		t.Fatal("rollback deleted a work dir it did not create")
	}
	if _, err := mgr.work.ReadManifest(ctx, id); err != nil {
		t.Fatalf("surviving instance unreadable: %v", err)
	}

	// Any other cause still tears the directory down.
	mgr.rollbackCreate(ctx, &manifest, errors.New("launch failed"))
	if mgr.work.Exists(id) {
		t.Fatal("rollback kept the work dir of a failed create")
	}
	entries, _ := os.ReadDir(conf.RunPath)
	if len(entries) != 0 {
		t.Fatalf("run dir has %d entries, want 0", len(entries))
	}
}

func TestCreateVMInvalidInputs(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	bad := testCreateRequest()
	bad.Name = "no spaces!"
	if _, err := mgr.CreateVM(ctx, bad); !errors.Is(err, types.ErrInvalid) {
		t.Fatalf("bad name: err = %v, want ErrInvalid", err)
	}

	bad = testCreateRequest()
	bad.Image = "no-such-image"
	if _, err := mgr.CreateVM(ctx, bad); !errors.Is(err, types.ErrInvalid) {
		t.Fatalf("unknown image: err = %v, want ErrInvalid", err)
	}

	bad = testCreateRequest()
	bad.Ports = []types.PortMapping{{Protocol: types.ProtocolTCP, HostPort: 7000, GuestPort: 80}}
	if _, err := mgr.CreateVM(ctx, bad); !errors.Is(err, types.ErrInvalid) {
		t.Fatalf("disallowed port: err = %v, want ErrInvalid", err)
	}
}

func TestCreateVMPortsWhenMappingDisabled(t *testing.T) {
	conf := testConfig(t)
	conf.Cvm.PortMapping.Enabled = false
	mgr, err := New(context.Background(), conf, newFakeBackend())
	if err != nil {
		t.Fatal(err)
	}

	req := testCreateRequest()
	req.Ports = []types.PortMapping{{Protocol: types.ProtocolTCP, HostPort: 8080, GuestPort: 80}}
	if _, err := mgr.CreateVM(context.Background(), req); !errors.Is(err, types.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}

	// Without port requests the create proceeds.
	if _, err := mgr.CreateVM(context.Background(), testCreateRequest()); err != nil {
		t.Fatal(err)
	}
}

func TestExplicitAppIDOverride(t *testing.T) {
	mgr, _, conf := newTestManager(t)
	ctx := context.Background()

	req := testCreateRequest()
	req.AppID = "cafecafecafecafecafecafecafecafecafecafe"
	id, err := mgr.CreateVM(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	manifest, _ := mgr.work.ReadManifest(ctx, id)
	if manifest.AppID != req.AppID {
		t.Fatalf("app ID = %q, want the explicit override", manifest.AppID)
	}
	if _, err := os.Stat(conf.VMInstanceStampPath(id)); err != nil {
		t.Fatalf("instance stamp missing: %v", err)
	}
}

func TestStartStopVM(t *testing.T) {
	mgr, backend, _ := newTestManager(t)
	ctx := context.Background()

	id, err := mgr.CreateVM(ctx, testCreateRequest())
	if err != nil {
		t.Fatal(err)
	}

	if err := mgr.StopVM(ctx, id); err != nil {
		t.Fatal(err)
	}
	if mgr.work.Started(id) {
		t.Fatal("stop must clear the started flag")
	}
	if s, _ := backend.Status(ctx, id); s != types.VMStatusStopped {
		t.Fatalf("status = %s", s)
	}

	if err := mgr.StartVM(ctx, id); err != nil {
		t.Fatal(err)
	}
	if !mgr.work.Started(id) {
		t.Fatal("start must set the started flag")
	}

	if err := mgr.StartVM(ctx, "ghost"); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("start unknown: err = %v, want ErrNotFound", err)
	}
	if err := mgr.StopVM(ctx, "ghost"); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("stop unknown: err = %v, want ErrNotFound", err)
	}
}

func TestRemoveVM(t *testing.T) {
	mgr, _, conf := newTestManager(t)
	ctx := context.Background()

	req := testCreateRequest()
	req.Ports = []types.PortMapping{{Protocol: types.ProtocolTCP, HostPort: 8080, GuestPort: 80}}
	id, err := mgr.CreateVM(ctx, req)
	if err != nil {
		t.Fatal(err)
	}

	if err := mgr.RemoveVM(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(conf.VMWorkDir(id)); !os.IsNotExist(err) {
		t.Fatal("work dir survived removal")
	}
	// Removal is not idempotent: the second call reports the absence.
	if err := mgr.RemoveVM(ctx, id); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("second remove: err = %v, want ErrNotFound", err)
	}

	// CID and port are reusable immediately.
	next, err := mgr.CreateVM(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	manifest, _ := mgr.work.ReadManifest(ctx, next)
	if manifest.CID != 100 {
		t.Fatalf("CID after remove = %d, want 100", manifest.CID)
	}
}

func TestResizeVM(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	id, err := mgr.CreateVM(ctx, testCreateRequest())
	if err != nil {
		t.Fatal(err)
	}

	four := uint32(4)
	// Fresh instances are running; resize must be refused and the manifest
	// left untouched.
	err = mgr.ResizeVM(ctx, id, &ResizeRequest{Vcpu: &four})
	if !errors.Is(err, types.ErrConflict) {
		t.Fatalf("resize running: err = %v, want ErrConflict", err)
	}
	manifest, _ := mgr.work.ReadManifest(ctx, id)
	if manifest.Vcpu != 2 {
		t.Fatalf("vcpu = %d after refused resize", manifest.Vcpu)
	}

	if err := mgr.StopVM(ctx, id); err != nil {
		t.Fatal(err)
	}
	mem := uint32(2048)
	if err := mgr.ResizeVM(ctx, id, &ResizeRequest{Vcpu: &four, MemoryMB: &mem}); err != nil {
		t.Fatal(err)
	}
	manifest, _ = mgr.work.ReadManifest(ctx, id)
	if manifest.Vcpu != 4 || manifest.MemoryMB != 2048 {
		t.Fatalf("manifest after resize = %+v", manifest)
	}
	// Untouched fields keep their values.
	if manifest.DiskSizeGB != 20 {
		t.Fatalf("disk = %d, want 20", manifest.DiskSizeGB)
	}

	if err := mgr.ResizeVM(ctx, "ghost", &ResizeRequest{Vcpu: &four}); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("resize unknown: err = %v, want ErrNotFound", err)
	}
}

func TestUpgradeApp(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	id, err := mgr.CreateVM(ctx, testCreateRequest())
	if err != nil {
		t.Fatal(err)
	}
	before, _ := mgr.work.ReadManifest(ctx, id)

	next := []byte(`{"runner":"docker-compose","docker_compose_file":"services:\n  app: {}"}`)
	newAppID, err := mgr.UpgradeApp(ctx, id, next, nil)
	if err != nil {
		t.Fatal(err)
	}
	if newAppID == "" || newAppID == before.AppID {
		t.Fatalf("new app ID = %q, old = %q", newAppID, before.AppID)
	}
	after, _ := mgr.work.ReadManifest(ctx, id)
	if after.AppID != newAppID {
		t.Fatal("manifest app ID not updated")
	}
	compose, _ := mgr.work.ReadCompose(id)
	if string(compose) != string(next) {
		t.Fatal("compose not replaced")
	}

	// Env-only upgrade does not re-derive the identity.
	got, err := mgr.UpgradeApp(ctx, id, nil, []byte{0xAA})
	if err != nil {
		t.Fatal(err)
	}
	if got != "" {
		t.Fatalf("env-only upgrade returned app ID %q", got)
	}
}

func TestUpgradeAppInvalidCompose(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	id, err := mgr.CreateVM(ctx, testCreateRequest())
	if err != nil {
		t.Fatal(err)
	}
	before, _ := mgr.work.ReadCompose(id)

	if _, err := mgr.UpgradeApp(ctx, id, []byte(`{"runner":""}`), nil); !errors.Is(err, types.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
	after, _ := mgr.work.ReadCompose(id)
	if string(after) != string(before) {
		t.Fatal("rejected compose reached the disk")
	}
}

func TestListVMsSorted(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	a, err := mgr.CreateVM(ctx, testCreateRequest())
	if err != nil {
		t.Fatal(err)
	}
	b, err := mgr.CreateVM(ctx, testCreateRequest())
	if err != nil {
		t.Fatal(err)
	}

	infos, err := mgr.ListVMs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("ListVMs returned %d entries", len(infos))
	}
	if infos[0].CreatedAtMs > infos[1].CreatedAtMs {
		t.Fatal("list is not oldest-first")
	}
	seen := map[string]bool{infos[0].ID: true, infos[1].ID: true}
	if !seen[a] || !seen[b] {
		t.Fatalf("list is missing instances: %v", infos)
	}
}

func TestListImageNames(t *testing.T) {
	mgr, _, conf := newTestManager(t)

	// A directory without metadata.json is not an image.
	if err := os.MkdirAll(filepath.Join(conf.ImagePath, "broken"), 0o750); err != nil {
		t.Fatal(err)
	}
	names := mgr.ListImageNames()
	if len(names) != 1 || names[0] != "test-os" {
		t.Fatalf("images = %v", names)
	}
}

func TestRecoveryRebuildsPools(t *testing.T) {
	mgr, backend, conf := newTestManager(t)
	ctx := context.Background()

	req := testCreateRequest()
	req.Ports = []types.PortMapping{{Protocol: types.ProtocolTCP, HostPort: 8080, GuestPort: 80}}
	if _, err := mgr.CreateVM(ctx, req); err != nil {
		t.Fatal(err)
	}

	// A second manager over the same run dir replays the manifest into its
	// pools: the recorded CID and port must not be offered again.
	mgr2, err := New(ctx, conf, backend)
	if err != nil {
		t.Fatal(err)
	}
	next, err := mgr2.CreateVM(ctx, testCreateRequest())
	if err != nil {
		t.Fatal(err)
	}
	manifest, _ := mgr2.work.ReadManifest(ctx, next)
	if manifest.CID != 101 {
		t.Fatalf("CID after recovery = %d, want 101", manifest.CID)
	}
	bound := []types.PortMapping{{Address: "127.0.0.1", Protocol: types.ProtocolTCP, HostPort: 8080, GuestPort: 80}}
	if err := mgr2.alloc.ClaimPorts("other", bound); !errors.Is(err, types.ErrConflict) {
		t.Fatalf("replayed port should be held: err = %v", err)
	}
}

func TestRecoverySweepsOrphans(t *testing.T) {
	mgr, backend, conf := newTestManager(t)
	ctx := context.Background()

	if _, err := mgr.CreateVM(ctx, testCreateRequest()); err != nil {
		t.Fatal(err)
	}
	// A directory without a manifest is a remnant of an interrupted create.
	orphan := conf.VMWorkDir("half-created")
	if err := os.MkdirAll(orphan, 0o750); err != nil {
		t.Fatal(err)
	}

	if _, err := New(ctx, conf, backend); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Fatal("orphan dir was not swept")
	}
}

func TestAutoStart(t *testing.T) {
	mgr, _, conf := newTestManager(t)
	ctx := context.Background()

	started, err := mgr.CreateVM(ctx, testCreateRequest())
	if err != nil {
		t.Fatal(err)
	}
	stopped, err := mgr.CreateVM(ctx, testCreateRequest())
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.StopVM(ctx, stopped); err != nil {
		t.Fatal(err)
	}

	// Simulate a host reboot: fresh manager, no processes alive.
	rebooted := newFakeBackend()
	mgr2, err := New(ctx, conf, rebooted)
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr2.AutoStart(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := rebooted.launched[started]; !ok {
		t.Fatal("started-flagged instance was not auto-started")
	}
	if _, ok := rebooted.launched[stopped]; ok {
		t.Fatal("stopped instance must stay down")
	}
}
