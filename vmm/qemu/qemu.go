// Package qemu runs confidential guests as detached QEMU processes.
//
// The control plane hands over a launch spec; this package owns only the
// process: argv assembly, pid-file bookkeeping, QMP-based graceful shutdown
// and SIGTERM/SIGKILL escalation.
package qemu

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/capsule/config"
	"github.com/projecteru2/capsule/cvm"
	"github.com/projecteru2/capsule/types"
	"github.com/projecteru2/capsule/utils"
)

const (
	// socketWaitTimeout bounds how long Launch waits for the QMP socket.
	socketWaitTimeout = 5 * time.Second
	// powerdownPollInterval is how often Stop checks whether the guest has
	// powered off after the ACPI powerdown request.
	powerdownPollInterval = 500 * time.Millisecond
	// terminateGracePeriod is the SIGTERM→SIGKILL window.
	terminateGracePeriod = 5 * time.Second
)

// compile-time interface check.
var _ cvm.Backend = (*QEMU)(nil)

// QEMU implements cvm.Backend by supervising one QEMU process per instance.
type QEMU struct {
	conf *config.Config
}

// New creates a QEMU backend.
func New(conf *config.Config) *QEMU {
	return &QEMU{conf: conf}
}

/// Launch starts the QEMU process for spec's instance. Idempotent: a
// verified-alive process is left untouched.
func (q *QEMU) Launch(ctx context.Context, spec *cvm.LaunchSpec) error {
	id := spec.Manifest.ID
	if pid, _ := utils.ReadPIDFile(q.conf.VMPIDFile(id)); q.verifyPID(pid) {
		return nil
	}
	if err := utils.EnsureDirs(q.conf.VMRuntimeDir(id)); err != nil {
		return fmt.Errorf("ensure runtime dir: %w", err)
	}

	// Clean up stale socket and PID file from any previous run.
	_ = os.Remove(q.conf.VMQMPSocket(id))
	_ = os.Remove(q.conf.VMPIDFile(id))

	args, err := buildArgs(q.conf, spec)
	if err != nil {
		return err
	}
	return q.launchProcess(ctx, id, args)
}

// launchProcess starts the hypervisor binary, writes the PID file, waits for
// the QMP socket to be ready, then releases the process handle so the guest
// lives as an independent OS process past the lifetime of this daemon.
func (q *QEMU) launchProcess(ctx context.Context, id string, args []string) error {
	logFile, _ := os.Create(q.conf.VMProcessLog(id)) //nolint:gosec

	cmd := exec.Command(q.conf.QemuPath, args...) //nolint:gosec
	// Detach from the daemon's process group so the guest survives restarts.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if logFile != nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	cleanup := func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		_ = os.Remove(q.conf.VMPIDFile(id))
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return fmt.Errorf("exec %s: %w", q.conf.QemuPath, err)
	}
	pid := cmd.Process.Pid

	if err := utils.WritePIDFile(q.conf.VMPIDFile(id), pid); err != nil {
		cleanup()
		if logFile != nil {
			_ = logFile.Close()
		}
		return fmt.Errorf("write PID file: %w", err)
	}

	socketPath := q.conf.VMQMPSocket(id)
	if err := utils.WaitFor(ctx, socketWaitTimeout, 100*time.Millisecond, func() (bool, error) {
		if checkQMP(socketPath) == nil {
			return true, nil
		}
		if !utils.IsProcessAlive(pid) {
			return false, fmt.Errorf("qemu exited before QMP socket was ready")
		}
		return false, nil
	}); err != nil {
		cleanup()
		if logFile != nil {
			_ = logFile.Close()
		}
		return fmt.Errorf("wait for QMP socket: %w", err)
	}

	// Release the process handle: the guest is fully detached now.
	_ = cmd.Process.Release()
	if logFile != nil {
		_ = logFile.Close()
	}
	return nil
}

// Stop shuts the guest down: ACPI powerdown via QMP, poll until the process
// exits, then SIGTERM→SIGKILL as fallback. Stopping an already-stopped
// instance is a no-op. The pid file and QMP socket are removed only once
// the process is confirmed gone; while the guest is still alive they stay
// in place so Status keeps reporting the truth and Launch stays idempotent.
func (q *QEMU) Stop(ctx context.Context, id string) error {
	pid, _ := utils.ReadPIDFile(q.conf.VMPIDFile(id))
	if !q.verifyPID(pid) {
		q.cleanupRuntimeFiles(id)
		return nil
	}

	logger := log.WithFunc("qemu.Stop")
	stopTimeout := time.Duration(q.conf.StopTimeoutSeconds) * time.Second
	if err := systemPowerdown(ctx, q.conf.VMQMPSocket(id)); err != nil {
		logger.Warnf(ctx, "powerdown %s: %v, falling back to signals", id, err)
		return q.terminate(ctx, id, pid)
	}
	if err := utils.WaitFor(ctx, stopTimeout, powerdownPollInterval, func() (bool, error) {
		return !utils.IsProcessAlive(pid), nil
	}); err == nil {
		q.cleanupRuntimeFiles(id)
		return nil
	}
	logger.Warnf(ctx, "instance %s did not power off within %s, escalating", id, stopTimeout)
	return q.terminate(ctx, id, pid)
}

// terminate force-kills pid and removes the runtime files only once the
// process is confirmed dead. If it survives even SIGKILL the files are
// kept so the instance still reports as running.
func (q *QEMU) terminate(ctx context.Context, id string, pid int) error {
	if err := utils.TerminateProcess(ctx, pid, terminateGracePeriod); err != nil {
		return fmt.Errorf("terminate instance %s (pid %d): %w", id, pid, err)
	}
	if err := utils.WaitFor(ctx, terminateGracePeriod, powerdownPollInterval, func() (bool, error) {
		return !utils.IsProcessAlive(pid), nil
	}); err != nil {
		return fmt.Errorf("instance %s (pid %d) still alive after SIGKILL: %w", id, pid, err)
	}
	q.cleanupRuntimeFiles(id)
	return nil
}

// Status reports the run state of an instance from its pid file. A pid that
// no longer belongs to the hypervisor binary counts as stopped.
func (q *QEMU) Status(_ context.Context, id string) (types.VMStatus, error) {
	pid, err := utils.ReadPIDFile(q.conf.VMPIDFile(id))
	if err != nil {
		if os.IsNotExist(err) {
			return types.VMStatusStopped, nil
		}
		return types.VMStatusUnknown, err
	}
	if q.verifyPID(pid) {
		return types.VMStatusRunning, nil
	}
	return types.VMStatusStopped, nil
}

// verifyPID reports whether pid is alive and actually the hypervisor.
func (q *QEMU) verifyPID(pid int) bool {
	return utils.VerifyProcess(pid, filepath.Base(q.conf.QemuPath))
}

func (q *QEMU) cleanupRuntimeFiles(id string) {
	_ = os.Remove(q.conf.VMQMPSocket(id))
	_ = os.Remove(q.conf.VMPIDFile(id))
}
