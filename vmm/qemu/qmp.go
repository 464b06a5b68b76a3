package qemu

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// qmpDialTimeout bounds the whole QMP exchange: dial, capability handshake
// and one command.
const qmpDialTimeout = 5 * time.Second

type qmpCommand struct {
	Execute string `json:"execute"`
}

type qmpResponse struct {
	Return any             `json:"return,omitempty"`
	Error  *qmpError       `json:"error,omitempty"`
	QMP    json.RawMessage `json:"QMP,omitempty"` // greeting banner
	Event  string          `json:"event,omitempty"`
}

type qmpError struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

// checkQMP verifies that the QMP socket is connectable.
func checkQMP(socketPath string) error {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}

// systemPowerdown asks the guest to shut down cleanly via the ACPI power
// button. The QMP session is dialed fresh per call: greeting →
// qmp_capabilities → system_powerdown.
func systemPowerdown(ctx context.Context, socketPath string) error {
	conn, err := net.DialTimeout("unix", socketPath, qmpDialTimeout)
	if err != nil {
		return fmt.Errorf("dial QMP %s: %w", socketPath, err)
	}
	defer conn.Close() //nolint:errcheck

	deadline := time.Now().Add(qmpDialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	// Greeting banner arrives unprompted.
	var greeting qmpResponse
	if err := dec.Decode(&greeting); err != nil {
		return fmt.Errorf("read QMP greeting: %w", err)
	}
	for _, cmd := range []string{"qmp_capabilities", "system_powerdown"} {
		if err := enc.Encode(qmpCommand{Execute: cmd}); err != nil {
			return fmt.Errorf("send %s: %w", cmd, err)
		}
		if err := awaitReturn(dec, cmd); err != nil {
			return err
		}
	}
	return nil
}

// awaitReturn reads frames until the command's return (or error) arrives,
// skipping interleaved async events.
func awaitReturn(dec *json.Decoder, cmd string) error {
	for {
		var resp qmpResponse
		if err := dec.Decode(&resp); err != nil {
			return fmt.Errorf("read %s response: %w", cmd, err)
		}
		if resp.Event != "" {
			continue
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: %s: %s", cmd, resp.Error.Class, resp.Error.Desc)
		}
		return nil
	}
}
