package qemu

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"os/exec"
	"testing"

	"github.com/projecteru2/capsule/config"
	"github.com/projecteru2/capsule/types"
	"github.com/projecteru2/capsule/utils"
)

// testQEMU uses `sleep` as the hypervisor binary so pid verification
// matches the comm of a cheap stand-in process.
func testQEMU(t *testing.T) *QEMU {
	t.Helper()
	conf := config.DefaultConfig()
	conf.RunPath = t.TempDir()
	conf.QemuPath = "sleep"
	conf.StopTimeoutSeconds = 5
	return New(conf)
}

func startSleeper(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	go cmd.Wait() //nolint:errcheck // reap so the pid does not linger
	t.Cleanup(func() { _ = cmd.Process.Kill() })
	return cmd
}

func writeRuntime(t *testing.T, q *QEMU, id string, pid int) {
	t.Helper()
	if err := utils.EnsureDirs(q.conf.VMRuntimeDir(id)); err != nil {
		t.Fatal(err)
	}
	if err := utils.WritePIDFile(q.conf.VMPIDFile(id), pid); err != nil {
		t.Fatal(err)
	}
}

// serveQMPOnce speaks just enough QMP for a single shutdown exchange:
// greeting, then a success frame per command. After acknowledging
// system_powerdown it runs powerdown to mimic the guest reacting to the
// ACPI button.
func serveQMPOnce(ln net.Listener, powerdown func()) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close() //nolint:errcheck

	enc := json.NewEncoder(conn)
	dec := json.NewDecoder(conn)
	_ = enc.Encode(map[string]any{"QMP": map[string]any{"version": map[string]any{}}})
	for i := 0; i < 2; i++ {
		var cmd qmpCommand
		if dec.Decode(&cmd) != nil {
			return
		}
		_ = enc.Encode(map[string]any{"return": map[string]any{}})
		if cmd.Execute == "system_powerdown" {
			powerdown()
		}
	}
}

func TestStopSweepsStaleRuntimeFiles(t *testing.T) {
	q := testQEMU(t)
	id := "vm-1"

	// An instance that died without cleanup leaves a pid file and socket
	// behind. Stop on such an instance is a no-op plus sweep.
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatal(err)
	}
	writeRuntime(t, q, id, cmd.Process.Pid)
	if err := os.WriteFile(q.conf.VMQMPSocket(id), nil, 0o600); err != nil {
		t.Fatal(err)
	}

	if err := q.Stop(context.Background(), id); err != nil {
		t.Fatalf("stop stale instance: %v", err)
	}
	for _, path := range []string{q.conf.VMPIDFile(id), q.conf.VMQMPSocket(id)} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatalf("%s survived the sweep", path)
		}
	}
	if status, err := q.Status(context.Background(), id); err != nil || status != types.VMStatusStopped {
		t.Fatalf("status = %v, %v", status, err)
	}
}

func TestStopGracefulPowerdown(t *testing.T) {
	q := testQEMU(t)
	id := "vm-2"
	cmd := startSleeper(t)
	writeRuntime(t, q, id, cmd.Process.Pid)

	ln, err := net.Listen("unix", q.conf.VMQMPSocket(id))
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close() //nolint:errcheck
	go serveQMPOnce(ln, func() { _ = cmd.Process.Kill() })

	if err := q.Stop(context.Background(), id); err != nil {
		t.Fatalf("graceful stop: %v", err)
	}
	if utils.IsProcessAlive(cmd.Process.Pid) {
		t.Fatal("process alive after a confirmed powerdown")
	}
	if _, err := os.Stat(q.conf.VMPIDFile(id)); !os.IsNotExist(err) {
		t.Fatal("pid file kept after a confirmed shutdown")
	}
}

func TestStopEscalatesWithoutQMP(t *testing.T) {
	q := testQEMU(t)
	id := "vm-3"
	cmd := startSleeper(t)
	writeRuntime(t, q, id, cmd.Process.Pid)

	// No QMP socket: Stop falls back to signals.
	if err := q.Stop(context.Background(), id); err != nil {
		t.Fatalf("signal stop: %v", err)
	}
	if utils.IsProcessAlive(cmd.Process.Pid) {
		t.Fatal("process survived the signal fallback")
	}
	if status, _ := q.Status(context.Background(), id); status != types.VMStatusStopped {
		t.Fatalf("status = %v", status)
	}
}

func TestStopKeepsRuntimeFilesWhileProcessVisible(t *testing.T) {
	q := testQEMU(t)
	id := "vm-4"

	// An unreaped child stays visible to kill(2) even after SIGKILL, which
	// stands in for a guest that refuses to die. The cancelled context
	// keeps the escalation from polling out its full grace period.
	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	writeRuntime(t, q, id, cmd.Process.Pid)
	_ = cmd.Process.Kill()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Stop(ctx, id); err == nil {
		t.Fatal("stop reported success while the process is still visible")
	}
	if _, err := os.Stat(q.conf.VMPIDFile(id)); err != nil {
		t.Fatalf("pid file removed while the process is still visible: %v", err)
	}
	if status, _ := q.Status(context.Background(), id); status != types.VMStatusRunning {
		t.Fatalf("status = %v, want %v", status, types.VMStatusRunning)
	}
}
